package registry_test

import (
	"testing"

	"github.com/pjanec/fastdataplane/core/ecs"
	"github.com/pjanec/fastdataplane/core/registry"
	"github.com/pjanec/fastdataplane/internal/testecs"
	"github.com/pjanec/fastdataplane/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterResolveReverse(t *testing.T) {
	r := registry.New(registry.DefaultConfig(), nil, nil)
	e := ecs.Entity(42)
	require.NoError(t, r.Register(7, e))

	got, ok := r.Resolve(7)
	require.True(t, ok)
	assert.Equal(t, e, got)

	id, ok := r.Reverse(e)
	require.True(t, ok)
	assert.EqualValues(t, 7, id)
}

func TestRegistry_DuplicateRegisterFails(t *testing.T) {
	r := registry.New(registry.DefaultConfig(), nil, nil)
	require.NoError(t, r.Register(7, ecs.Entity(1)))
	assert.Error(t, r.Register(7, ecs.Entity(2)))
}

func TestRegistry_GraveyardPreventsReuse(t *testing.T) {
	cfg := registry.Config{GraveyardTicks: 60}
	metricsReg := metrics.NewRegistry()
	r := registry.New(cfg, metricsReg, nil)
	require.NoError(t, r.Register(777, ecs.Entity(1)))
	require.NoError(t, r.Unregister(777, 1000))

	assert.True(t, r.IsGraveyard(777))
	err := r.Register(777, ecs.Entity(2))
	assert.Error(t, err, "S6: rogue re-register while graveyarded must fail")
	assert.Equal(t, float64(1), testutil.ToFloat64(metricsReg.GraveyardCollisions))
}

func TestRegistry_PruneBoundary(t *testing.T) {
	cfg := registry.Config{GraveyardTicks: 60}
	r := registry.New(cfg, nil, nil)
	require.NoError(t, r.Register(777, ecs.Entity(1)))
	require.NoError(t, r.Unregister(777, 1000))

	r.Prune(1000 + 59)
	assert.True(t, r.IsGraveyard(777), "age G-1 must not be pruned")

	r.Prune(1000 + 60)
	assert.False(t, r.IsGraveyard(777), "age G must be pruned")

	require.NoError(t, r.Register(777, ecs.Entity(2)))
}

func TestRegistry_PruneDeadSweepsForwardMap(t *testing.T) {
	host := testecs.New()
	live := host.CreateEntity()
	dead := host.CreateEntity()
	host.DestroyEntity(dead)

	r := registry.New(registry.DefaultConfig(), nil, nil)
	require.NoError(t, r.Register(1, live))
	require.NoError(t, r.Register(2, dead))

	r.PruneDead(host, 10)

	_, ok := r.Resolve(1)
	assert.True(t, ok, "live entity's id must remain registered")
	_, ok = r.Resolve(2)
	assert.False(t, ok, "dead entity's id must be unregistered")
	assert.True(t, r.IsGraveyard(2))
}
