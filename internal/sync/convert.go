package sync

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vscavator/vscavator/internal/marketplace"
	"github.com/vscavator/vscavator/internal/store"
)

// toPublisher maps a gallery publisher record onto a store observation.
func toPublisher(p *marketplace.Publisher, seenAt time.Time) (store.Publisher, error) {
	id, err := uuid.Parse(p.PublisherID)
	if err != nil {
		return store.Publisher{}, fmt.Errorf("invalid publisher ID %q: %w", p.PublisherID, err)
	}

	return store.Publisher{
		ID:             id,
		Name:           p.PublisherName,
		DisplayName:    p.DisplayName,
		Domain:         p.Domain,
		DomainVerified: p.IsDomainVerified,
		Flags:          splitFlags(p.Flags),
		SeenAt:         seenAt,
	}, nil
}

// toExtension maps a gallery catalog entry onto a store observation.
func toExtension(e *marketplace.Extension, seenAt time.Time) (store.Extension, error) {
	id, err := uuid.Parse(e.ExtensionID)
	if err != nil {
		return store.Extension{}, fmt.Errorf("invalid extension ID %q: %w", e.ExtensionID, err)
	}
	publisherID, err := uuid.Parse(e.Publisher.PublisherID)
	if err != nil {
		return store.Extension{}, fmt.Errorf("invalid publisher ID %q: %w", e.Publisher.PublisherID, err)
	}

	return store.Extension{
		ID:               id,
		PublisherID:      publisherID,
		Name:             e.ExtensionName,
		DisplayName:      e.DisplayName,
		Identifier:       e.Identifier(),
		ShortDescription: e.ShortDescription,
		Flags:            splitFlags(e.Flags),
		InstallCount:     int64(e.Stat("install")),
		AverageRating:    float32(e.Stat("averagerating")),
		RatingCount:      int64(e.Stat("ratingcount")),
		PublishedAt:      timePtr(e.PublishedDate),
		ReleasedAt:       timePtr(e.ReleaseDate),
		LastUpdatedAt:    timePtr(e.LastUpdated),
		LatestVersion:    e.LatestVersion(),
		SeenAt:           seenAt,
	}, nil
}

// toRelease maps a gallery version descriptor onto a store release row.
func toRelease(extensionID uuid.UUID, v *marketplace.Version) store.Release {
	return store.Release{
		ExtensionID: extensionID,
		Version:     v.Version,
		Flags:       splitFlags(v.Flags),
		PublishedAt: timePtr(v.LastUpdated),
	}
}

// splitFlags turns the gallery's comma-separated flag string into a slice.
func splitFlags(flags string) []string {
	if flags == "" {
		return []string{}
	}
	parts := strings.Split(flags, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
