package staleness

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/candata/api-datagateway/internal/pkg/application/tabular"
	"github.com/candata/api-datagateway/internal/pkg/infrastructure/repositories/cache"
	"github.com/matryer/is"
)

var base = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func TestComputeExpiresAtKnownFrequencies(t *testing.T) {
	is := is.New(t)

	is.Equal(ComputeExpiresAt(base, "daily"), base.AddDate(0, 0, 2))
	is.Equal(ComputeExpiresAt(base, "weekly"), base.AddDate(0, 0, 10))
	is.Equal(ComputeExpiresAt(base, "monthly"), base.AddDate(0, 0, 45))
	is.Equal(ComputeExpiresAt(base, "quarterly"), base.AddDate(0, 0, 120))
	is.Equal(ComputeExpiresAt(base, "biannually"), base.AddDate(0, 0, 200))
	is.Equal(ComputeExpiresAt(base, "yearly"), base.AddDate(0, 0, 400))
	is.Equal(ComputeExpiresAt(base, "as_required"), base.AddDate(0, 0, 365))
	is.Equal(ComputeExpiresAt(base, "on_demand"), base.AddDate(0, 0, 365))
}

func TestComputeExpiresAtDefaultsTo30Days(t *testing.T) {
	is := is.New(t)

	is.Equal(ComputeExpiresAt(base, ""), base.AddDate(0, 0, 30))
	is.Equal(ComputeExpiresAt(base, "whenever"), base.AddDate(0, 0, 30))
	is.Equal(ComputeExpiresAt(base, "  Daily  "), base.AddDate(0, 0, 2))
}

func testManager(t *testing.T) (*is.I, *cache.Manager, context.Context) {
	t.Helper()
	is := is.New(t)
	ctx := context.Background()

	m, err := cache.New(filepath.Join(t.TempDir(), "test.db"))
	is.NoErr(err)
	t.Cleanup(func() { m.Close() })
	is.NoErr(m.Initialize(ctx))

	return is, m, ctx
}

func storeOne(is *is.I, m *cache.Manager, ctx context.Context, resourceID string) {
	table := &tabular.Table{Columns: []string{"a"}, Rows: [][]any{{"1"}}}
	is.NoErr(m.StoreResource(ctx, resourceID, "ds-1", "ds_"+resourceID, table, ""))
}

func TestGetInfoUncachedResource(t *testing.T) {
	is, m, ctx := testManager(t)

	info, err := GetInfo(ctx, m, "missing")
	is.NoErr(err)
	is.Equal(info, nil)

	stale, err := IsStale(ctx, m, "missing")
	is.NoErr(err)
	is.True(!stale)
}

func TestGetInfoFreshResource(t *testing.T) {
	is, m, ctx := testManager(t)
	storeOne(is, m, ctx, "res-1")

	is.NoErr(m.UpdateExpiresAt(ctx, "res-1", time.Now().UTC().AddDate(0, 0, 10)))

	info, err := GetInfo(ctx, m, "res-1")
	is.NoErr(err)
	is.True(info != nil)
	is.True(!info.IsStale)
	is.True(info.AgeHours >= 0)
}

func TestGetInfoExpiredResource(t *testing.T) {
	is, m, ctx := testManager(t)
	storeOne(is, m, ctx, "res-1")

	is.NoErr(m.UpdateExpiresAt(ctx, "res-1", time.Now().UTC().AddDate(0, 0, -1)))

	stale, err := IsStale(ctx, m, "res-1")
	is.NoErr(err)
	is.True(stale)
}

func TestGetInfoMissingExpiryUsesDefault(t *testing.T) {
	is, m, ctx := testManager(t)
	storeOne(is, m, ctx, "res-1")

	// no expiry set: recompute with the 30-day default from download time
	info, err := GetInfo(ctx, m, "res-1")
	is.NoErr(err)
	is.True(info != nil)
	is.True(!info.IsStale)
	is.Equal(info.ExpiresAt, info.DownloadedAt.Add(30*24*time.Hour))
}
