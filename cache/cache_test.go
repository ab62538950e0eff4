package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrape_runs/logging"
	"scrape_runs/models"
)

type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func TestExternalKeyIsOrderAndCaseIndependent(t *testing.T) {
	a := ExternalKey("Maule", "Talca Centro", "Depto amoblado")
	b := ExternalKey("maule", "centro talca", "amoblado DEPTO")
	assert.Equal(t, a, b)
	assert.Equal(t, "maule|centro-talca|amoblado-depto", a)

	assert.Equal(t, "any|any|any", ExternalKey("", "", ""))
	assert.Equal(t, "region-del-maule|constitucion|any", ExternalKey("Región del Maule", "Constitución", ""))
}

func TestExternalKeyKeepsFieldsApart(t *testing.T) {
	assert.NotEqual(t, ExternalKey("maule", "talca", "casa"), ExternalKey("maule", "casa", "talca"))
	assert.NotEqual(t, ExternalKey("maule", "talca casa", ""), ExternalKey("maule", "talca", "casa"))
}

func TestGetWithinTTLReportsAge(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := NewRunCache(NewMemoryBackend[[]models.Listing](), 0, logging.Discard())
	c.SetClock(clock.now)

	c.Set(ctx, RunKey(7), []models.Listing{{ID: 1}, {ID: 2}}, 0, 2)
	clock.advance(90 * time.Second)

	hit, ok := c.Get(ctx, RunKey(7))
	require.True(t, ok)
	assert.Len(t, hit.Payload, 2)
	assert.Equal(t, 90*time.Second, hit.Age)
	assert.Equal(t, 2, hit.Count)
}

func TestExpiredEntryIsEvicted(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	backend := NewMemoryBackend[[]models.Listing]()
	c := NewRunCache(backend, 0, logging.Discard())
	c.SetClock(clock.now)

	c.Set(ctx, RunKey(1), []models.Listing{{ID: 1}}, 0, 1)
	clock.advance(RunDefaultTTL + time.Second)

	_, ok := c.Get(ctx, RunKey(1))
	assert.False(t, ok)
	assert.Equal(t, 0, backend.Len())
}

func TestTTLIsClamped(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := NewExternalCache(NewMemoryBackend[models.SupplementalResult](), 0, logging.Discard())
	c.SetClock(clock.now)

	// Below the 30s floor.
	c.Set(ctx, "k", models.SupplementalResult{Mode: models.SourceModeAPI}, time.Second, 0)
	clock.advance(20 * time.Second)
	_, ok := c.Get(ctx, "k")
	assert.True(t, ok)

	// Above the 15m ceiling.
	c.Set(ctx, "k", models.SupplementalResult{Mode: models.SourceModeAPI}, time.Hour, 0)
	clock.advance(16 * time.Minute)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestDefaultTTLIsClampedAtConstruction(t *testing.T) {
	c := NewRunCache(NewMemoryBackend[[]models.Listing](), time.Hour, logging.Discard())
	assert.Equal(t, RunMaxTTL, c.DefaultTTL())
}

func TestGetFreshEvictsOnCountMismatch(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend[[]models.Listing]()
	c := NewRunCache(backend, 0, logging.Discard())

	c.Set(ctx, RunKey(3), []models.Listing{{ID: 1}}, 0, 1)

	_, ok := c.GetFresh(ctx, RunKey(3), 1)
	assert.True(t, ok)

	_, ok = c.GetFresh(ctx, RunKey(3), 5)
	assert.False(t, ok)
	assert.Equal(t, 0, backend.Len())
}

func TestClearAndFlush(t *testing.T) {
	ctx := context.Background()
	c := NewRunCache(NewMemoryBackend[[]models.Listing](), 0, logging.Discard())

	c.Set(ctx, "a", nil, 0, 0)
	c.Set(ctx, "b", nil, 0, 0)
	c.Clear(ctx, "a")

	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "b")
	assert.True(t, ok)

	c.Flush(ctx)
	_, ok = c.Get(ctx, "b")
	assert.False(t, ok)
}

type failingBackend[T any] struct{}

func (failingBackend[T]) Load(context.Context, string) (Entry[T], bool, error) {
	return Entry[T]{}, false, errors.New("down")
}

func (failingBackend[T]) Store(context.Context, string, Entry[T]) error {
	return errors.New("down")
}

func (failingBackend[T]) Delete(context.Context, string) error {
	return errors.New("down")
}

func (failingBackend[T]) Flush(context.Context) error {
	return errors.New("down")
}

func TestBackendErrorsAreMisses(t *testing.T) {
	ctx := context.Background()
	c := NewExternalCache(failingBackend[models.SupplementalResult]{}, 0, logging.Discard())

	c.Set(ctx, "k", models.SupplementalResult{}, 0, 0)
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
}

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	mr, client := setupRedis(t)
	clock := newFakeClock()

	c := NewExternalCache(NewRedisBackend[models.SupplementalResult](client, "ext:"), 0, logging.Discard())
	c.SetClock(clock.now)

	key := ExternalKey("maule", "talca", "")
	payload := models.SupplementalResult{
		Mode:     models.SourceModeAPI,
		Listings: []models.Listing{{ExternalID: "MLC1", Title: "Depto"}},
	}
	c.Set(ctx, key, payload, 0, len(payload.Listings))
	assert.True(t, mr.Exists("ext:"+key))

	clock.advance(time.Minute)
	hit, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, models.SourceModeAPI, hit.Payload.Mode)
	require.Len(t, hit.Payload.Listings, 1)
	assert.Equal(t, "MLC1", hit.Payload.Listings[0].ExternalID)
	assert.Equal(t, time.Minute, hit.Age)
}

func TestRedisBackendFlushOnlyTouchesPrefix(t *testing.T) {
	ctx := context.Background()
	mr, client := setupRedis(t)
	require.NoError(t, mr.Set("other:key", "x"))

	c := NewRunCache(NewRedisBackend[[]models.Listing](client, "run:"), 0, logging.Discard())
	c.Set(ctx, RunKey(1), []models.Listing{{ID: 1}}, 0, 1)
	c.Set(ctx, RunKey(2), []models.Listing{{ID: 2}}, 0, 1)

	c.Flush(ctx)

	assert.False(t, mr.Exists("run:1"))
	assert.False(t, mr.Exists("run:2"))
	assert.True(t, mr.Exists("other:key"))
}

func TestRedisBackendErrorIsMiss(t *testing.T) {
	ctx := context.Background()
	mr, client := setupRedis(t)

	c := NewRunCache(NewRedisBackend[[]models.Listing](client, "run:"), 0, logging.Discard())
	c.Set(ctx, RunKey(1), []models.Listing{{ID: 1}}, 0, 1)

	mr.Close()
	_, ok := c.Get(ctx, RunKey(1))
	assert.False(t, ok)
}
