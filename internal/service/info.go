package service

import (
	"context"
	"time"

	"github.com/kentik/kentik-image-cache/internal/cache"
	"github.com/kentik/kentik-image-cache/internal/fingerprint"
)

// EntryInfo describes one cache entry for the info endpoint.
type EntryInfo struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Size int    `json:"size"`
	// Expiration is the RFC3339 expiry instant decoded from the identifier,
	// or "<invalid>" when the identifier does not decode.
	Expiration string `json:"expiration"`
	// RemainingSeconds is the ttl left at listing time; negative values mean
	// the entry expired but has not been pruned yet.
	RemainingSeconds float64 `json:"remaining_seconds"`
}

// Info summarizes the cache content.
type Info struct {
	ActiveCount    int         `json:"active_count"`
	PendingCount   int         `json:"pending_count"`
	ActiveEntries  []EntryInfo `json:"active_entries"`
	PendingEntries []EntryInfo `json:"pending_entries"`
}

// Info lists both directories with per-entry identifier, category, size and
// remaining ttl.
func (s *Service) Info(ctx context.Context) (*Info, error) {
	active, err := s.store.Enumerate(ctx, cache.StateActive)
	if err != nil {
		return nil, err
	}
	pending, err := s.store.Enumerate(ctx, cache.StatePending)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return &Info{
		ActiveCount:    len(active),
		PendingCount:   len(pending),
		ActiveEntries:  entryInfos(active, now),
		PendingEntries: entryInfos(pending, now),
	}, nil
}

func entryInfos(entries []cache.Entry, now time.Time) []EntryInfo {
	infos := make([]EntryInfo, 0, len(entries))
	for _, entry := range entries {
		info := EntryInfo{
			ID:         entry.ID,
			Type:       string(entry.Category),
			Size:       len(entry.Payload),
			Expiration: "<invalid>",
		}
		if expiry, err := fingerprint.Decode(entry.ID); err == nil {
			info.Expiration = expiry.Format(time.RFC3339)
			info.RemainingSeconds = expiry.Sub(now).Seconds()
		}
		infos = append(infos, info)
	}
	return infos
}
