// Package staleness maps a dataset's declared update cadence to an advisory
// re-validation deadline for its cached resources.
package staleness

import (
	"context"
	"strings"
	"time"

	"github.com/candata/api-datagateway/internal/pkg/infrastructure/repositories/cache"
)

// Days of grace per declared update frequency. The intervals are looser than
// the declared cadence on purpose: portals routinely publish late, and
// staleness is advisory, not enforced.
var frequencyDays = map[string]int{
	"daily":       2,
	"weekly":      10,
	"monthly":     45,
	"quarterly":   120,
	"biannually":  200,
	"yearly":      400,
	"as_required": 365,
	"on_demand":   365,
}

const defaultDays = 30

// ComputeExpiresAt returns the advisory expiry for a resource downloaded at
// the given time. Unrecognized or absent frequencies default to 30 days.
func ComputeExpiresAt(downloadedAt time.Time, updateFrequency string) time.Time {
	freq := strings.ToLower(strings.TrimSpace(updateFrequency))
	days, ok := frequencyDays[freq]
	if !ok {
		days = defaultDays
	}
	return downloadedAt.Add(time.Duration(days) * 24 * time.Hour)
}

// Info is the staleness advisory attached to cache listings and download
// responses.
type Info struct {
	ResourceID   string    `json:"resource_id"`
	DownloadedAt time.Time `json:"downloaded_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	IsStale      bool      `json:"is_stale"`
	AgeHours     float64   `json:"age_hours"`
}

// GetInfo evaluates staleness for a cached resource against the current UTC
// time. Returns nil when the resource is not cached. A missing expiry is
// recomputed from the download time with the 30-day default.
func GetInfo(ctx context.Context, mgr *cache.Manager, resourceID string) (*Info, error) {
	return getInfoAt(ctx, mgr, resourceID, time.Now().UTC())
}

func getInfoAt(ctx context.Context, mgr *cache.Manager, resourceID string, now time.Time) (*Info, error) {
	meta, err := mgr.Meta(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if meta == nil || meta.DownloadedAt.IsZero() {
		return nil, nil
	}

	downloadedAt := meta.DownloadedAt.UTC()

	var expiresAt time.Time
	if meta.ExpiresAt != nil {
		expiresAt = meta.ExpiresAt.UTC()
	} else {
		expiresAt = downloadedAt.Add(defaultDays * 24 * time.Hour)
	}

	age := now.Sub(downloadedAt).Hours()

	return &Info{
		ResourceID:   resourceID,
		DownloadedAt: downloadedAt,
		ExpiresAt:    expiresAt,
		IsStale:      now.After(expiresAt),
		AgeHours:     float64(int(age*10+0.5)) / 10,
	}, nil
}

// IsStale reports whether a cached resource has passed its advisory expiry.
// An uncached resource is not stale.
func IsStale(ctx context.Context, mgr *cache.Manager, resourceID string) (bool, error) {
	info, err := GetInfo(ctx, mgr, resourceID)
	if err != nil || info == nil {
		return false, err
	}
	return info.IsStale, nil
}
