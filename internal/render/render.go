// Package render wraps the remote chart rendering API. The rest of the
// service treats it as an opaque function returning image bytes or a typed
// failure; both outcomes are persisted in the cache so repeated reads never
// re-invoke the remote call.
package render

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ImageType identifies the format of a rendered chart.
type ImageType string

const (
	ImageTypePNG ImageType = "png"
	ImageTypePDF ImageType = "pdf"
	ImageTypeJPG ImageType = "jpg"
	ImageTypeSVG ImageType = "svg"
)

// MediaType maps the image type to its MIME type for HTTP responses.
func (t ImageType) MediaType() string {
	switch t {
	case ImageTypePNG:
		return "image/png"
	case ImageTypePDF:
		return "application/pdf"
	case ImageTypeJPG:
		return "image/jpeg"
	case ImageTypeSVG:
		return "image/svg"
	default:
		return "image/unknown"
	}
}

// Image is a successfully rendered chart.
type Image struct {
	Type ImageType
	Data []byte
}

// Renderer executes one render query. Implementations are synchronous from
// the issuing goroutine's perspective; the service dispatches calls to a
// worker pool.
type Renderer interface {
	Render(ctx context.Context, query json.RawMessage) (*Image, error)
}

// UpstreamError is a typed render failure carrying the HTTP status and
// messages reported by the remote API. It is persisted verbatim so later
// reads reproduce the original outcome.
type UpstreamError struct {
	StatusCode int      `json:"status_code"`
	Messages   []string `json:"msgs"`
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error %d: %s", e.StatusCode, strings.Join(e.Messages, "; "))
}
