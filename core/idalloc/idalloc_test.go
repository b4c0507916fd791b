package idalloc_test

import (
	"testing"

	"github.com/pjanec/fastdataplane/core/idalloc"
	"github.com/pjanec/fastdataplane/core/messages"
	"github.com/pjanec/fastdataplane/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGraveyard struct{ dead map[uint64]bool }

func (f fakeGraveyard) IsGraveyard(id uint64) bool { return f.dead[id] }

type fakePublisher struct{ requests []messages.IdBlockRequest }

func (f *fakePublisher) PublishIdBlockRequest(r messages.IdBlockRequest) {
	f.requests = append(f.requests, r)
}

func TestAllocator_BasicAllocation(t *testing.T) {
	a := idalloc.New("c1", idalloc.DefaultConfig(), nil, nil, nil, nil)
	require.NoError(t, a.AddBlock(100, 5))

	for i := uint64(0); i < 5; i++ {
		id, ok := a.Allocate()
		require.True(t, ok)
		assert.Equal(t, 100+i, id)
	}
	_, ok := a.Allocate()
	assert.False(t, ok, "pool should be exhausted")
}

func TestAllocator_RejectsGraveyardIntersectingBlock(t *testing.T) {
	gy := fakeGraveyard{dead: map[uint64]bool{105: true}}
	a := idalloc.New("c1", idalloc.DefaultConfig(), gy, nil, nil, nil)
	err := a.AddBlock(100, 10)
	assert.Error(t, err)
}

func TestAllocator_LowWaterFiresOnce(t *testing.T) {
	cfg := idalloc.DefaultConfig()
	cfg.LowWater = 3
	metricsReg := metrics.NewRegistry()
	a := idalloc.New("c1", cfg, nil, nil, metricsReg, nil)
	require.NoError(t, a.AddBlock(0, 5))

	fired := 0
	a.OnLowWater(func() { fired++ })

	for i := 0; i < 5; i++ {
		a.Allocate()
	}
	assert.Equal(t, 1, fired, "low-water callback should fire exactly once per drain below threshold")
	assert.Equal(t, float64(1), testutil.ToFloat64(metricsReg.IDLowWaterHits))
}

func TestAllocator_ResponseIgnoredForWrongClient(t *testing.T) {
	a := idalloc.New("c1", idalloc.DefaultConfig(), nil, nil, nil, nil)
	err := a.OnResponse(messages.IdBlockResponse{ClientID: "other", StartID: 0, Count: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 0, a.PoolSize())
}

func TestAllocator_RequestRefillIsIdempotent(t *testing.T) {
	pub := &fakePublisher{}
	metricsReg := metrics.NewRegistry()
	a := idalloc.New("c1", idalloc.DefaultConfig(), nil, pub, metricsReg, nil)
	a.RequestRefill(0, 50)
	a.RequestRefill(1, 50)
	assert.Len(t, pub.requests, 1, "duplicate refill requests before a response must not double-publish")
	assert.Equal(t, float64(1), testutil.ToFloat64(metricsReg.IDBlockRequests))
}

func TestAllocator_SweepRetriesWithBackoff(t *testing.T) {
	pub := &fakePublisher{}
	cfg := idalloc.DefaultConfig()
	cfg.RequestTimeoutTicks = 10
	cfg.MaxBackoffAttempts = 3
	a := idalloc.New("c1", cfg, nil, pub, nil, nil)
	a.RequestRefill(0, 50)
	require.Len(t, pub.requests, 1)

	a.Sweep(5) // before timeout, no retry
	assert.Len(t, pub.requests, 1)

	a.Sweep(11) // attempt 2
	assert.Len(t, pub.requests, 2)

	a.Sweep(11 + 20) // attempt 3 (backoff doubled)
	assert.Len(t, pub.requests, 3)

	a.Sweep(11 + 20 + 40) // exhausted, no further retry
	assert.Len(t, pub.requests, 3)
}
