package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/kentik/kentik-image-cache/internal/cache"
	"github.com/kentik/kentik-image-cache/internal/fingerprint"
	"github.com/kentik/kentik-image-cache/internal/render"
	"github.com/kentik/kentik-image-cache/internal/service"
)

// ImageService is the surface the handlers need from the service layer,
// narrowed so tests can inject fakes.
type ImageService interface {
	CreateRequest(ctx context.Context, query []byte, ttl time.Duration) (string, cache.CreateResult, error)
	GetImage(ctx context.Context, id string) (*cache.Entry, error)
	Info(ctx context.Context) (*service.Info, error)
	Prune(ctx context.Context) (int, error)
}

// requestBody is the POST /requests payload. TTL is in seconds, matching
// the identifier encoding; zero or absent falls back to the configured
// default.
type requestBody struct {
	APIQuery json.RawMessage `json:"api_query"`
	TTL      float64         `json:"ttl"`
}

func registerRoutes(app *fiber.App, svc ImageService, logger *logrus.Logger) {
	app.Post("/requests", handleCreateRequest(svc, logger))
	app.Get("/image/:id", handleGetImage(svc, logger))
	app.Get("/info", handleInfo(svc))
	app.Get("/healthz", handleHealthz(svc))
	app.Post("/prune", handlePrune(svc, logger))
}

// handleCreateRequest fingerprints the submitted query and registers it,
// dispatching a background render when the entry is new. The identifier is
// returned either way so clients can poll for the image.
func handleCreateRequest(svc ImageService, logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		var body requestBody
		if err := json.Unmarshal(c.Body(), &body); err != nil {
			return errorResponse(c, fiber.StatusBadRequest, "body", "malformed request body", "invalid request")
		}
		if isNullQuery(body.APIQuery) {
			return errorResponse(c, fiber.StatusBadRequest, "body", "incomplete request, missing 'api_query'", "invalid request")
		}

		ttl := time.Duration(body.TTL * float64(time.Second))
		id, result, err := svc.CreateRequest(requestContext(c), body.APIQuery, ttl)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"action":     "create_request",
				"request_id": RequestID(c),
			}).Error(err.Error())
			return errorResponse(c, fiber.StatusInternalServerError, "body", "failed to register request", "error")
		}

		logger.WithFields(logrus.Fields{
			"action":     "create_request",
			"entry":      id,
			"result":     string(result),
			"request_id": RequestID(c),
		}).Info("request accepted")
		return c.JSON(fiber.Map{"id": id})
	}
}

// handleGetImage resolves an identifier, waiting out an in-flight render up
// to the configured timeout, and replays whichever outcome was cached: the
// image bytes or the persisted upstream failure.
func handleGetImage(svc ImageService, logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		id := c.Params("id")

		entry, err := svc.GetImage(requestContext(c), id)
		switch {
		case errors.Is(err, fingerprint.ErrInvalidID):
			return errorResponse(c, fiber.StatusBadRequest, id, "invalid image id", "error")
		case errors.Is(err, cache.ErrNotFound):
			return errorResponse(c, fiber.StatusNotFound, id, "image not found", "error")
		case err != nil:
			logger.WithFields(logrus.Fields{
				"action":     "get_image",
				"entry":      id,
				"request_id": RequestID(c),
			}).Error(err.Error())
			return errorResponse(c, fiber.StatusInternalServerError, id, "internal error", "error")
		}

		if entry.State == cache.StatePending {
			// The render outlived the wait window; the entry stays pending
			// and a later retry may find it resolved.
			return errorResponse(c, fiber.StatusRequestTimeout, id, "image not ready", "timeout")
		}

		switch entry.Category {
		case cache.CategoryResult:
			img, err := render.DecodeImage(entry.Payload)
			if err != nil {
				logger.WithFields(logrus.Fields{
					"action":     "get_image",
					"entry":      id,
					"request_id": RequestID(c),
				}).Error(err.Error())
				return errorResponse(c, fiber.StatusInternalServerError, id, "corrupt cached image", "error")
			}
			c.Set(fiber.HeaderContentType, img.Type.MediaType())
			return c.Send(img.Data)

		case cache.CategoryError:
			upstream, err := render.DecodeError(entry.Payload)
			if err != nil {
				return errorResponse(c, fiber.StatusInternalServerError, id, "corrupt cached error", "error")
			}
			return errorResponse(c, upstream.StatusCode, id, upstream.Messages, "upstream api error")

		default:
			return errorResponse(c, fiber.StatusInternalServerError, id,
				"internal error (unexpected entry category: "+string(entry.Category)+")", "error")
		}
	}
}

func handleInfo(svc ImageService) fiber.Handler {
	return func(c fiber.Ctx) error {
		info, err := svc.Info(requestContext(c))
		if err != nil {
			return errorResponse(c, fiber.StatusInternalServerError, "info", "failed to list cache", "error")
		}
		return c.JSON(info)
	}
}

func handleHealthz(svc ImageService) fiber.Handler {
	return func(c fiber.Ctx) error {
		info, err := svc.Info(requestContext(c))
		if err != nil {
			return errorResponse(c, fiber.StatusInternalServerError, "healthz", "cache unavailable", "error")
		}
		return c.JSON(fiber.Map{
			"status":        "ok",
			"active_count":  info.ActiveCount,
			"pending_count": info.PendingCount,
		})
	}
}

func handlePrune(svc ImageService, logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		removed, err := svc.Prune(requestContext(c))
		if err != nil {
			logger.WithFields(logrus.Fields{
				"action":     "prune",
				"request_id": RequestID(c),
			}).Error(err.Error())
			return errorResponse(c, fiber.StatusInternalServerError, "prune", "prune failed", "error")
		}
		return c.JSON(fiber.Map{"removed": removed})
	}
}

// errorResponse renders the {loc, msg, type} error body shared by every
// failure path.
func errorResponse(c fiber.Ctx, status int, loc string, msg any, kind string) error {
	return c.Status(status).JSON(fiber.Map{
		"loc":  loc,
		"msg":  msg,
		"type": kind,
	})
}

// isNullQuery reports whether api_query is absent or JSON null.
func isNullQuery(raw json.RawMessage) bool {
	trimmed := string(raw)
	return len(raw) == 0 || trimmed == "null"
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
