// Command fdpsim is a single-process demonstration harness: it wires
// the core components (all but the AuthorityStore, which it does not
// construct) together over an in-memory ECS host, runs a
// short standalone simulation, records it, and plays the recording
// back, to prove the pieces fit without requiring a live federation.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/pjanec/fastdataplane/config"
	"github.com/pjanec/fastdataplane/core/components"
	"github.com/pjanec/fastdataplane/core/ecs"
	"github.com/pjanec/fastdataplane/core/egress"
	"github.com/pjanec/fastdataplane/core/ghost"
	"github.com/pjanec/fastdataplane/core/idalloc"
	"github.com/pjanec/fastdataplane/core/idgen"
	"github.com/pjanec/fastdataplane/core/lifecycle"
	"github.com/pjanec/fastdataplane/core/messages"
	"github.com/pjanec/fastdataplane/core/registry"
	"github.com/pjanec/fastdataplane/core/replay"
	"github.com/pjanec/fastdataplane/core/timecoord"
	"github.com/pjanec/fastdataplane/internal/testecs"
	"github.com/pjanec/fastdataplane/metrics"
	"github.com/pjanec/fastdataplane/runtimeutil"
)

// demoBlueprint is the one entity kind this harness spawns: a "unit"
// needing a position descriptor before promotion.
type demoBlueprint struct{}

func (demoBlueprint) ID() uint64                    { return 1 }
func (demoBlueprint) Children() []ghost.ChildSpec   { return nil }
func (demoBlueprint) ApplyBase(ecs.Entity, ecs.CommandBuffer) {}
func (demoBlueprint) ReadyToPromote(received map[uint64]struct{}) bool {
	_, ok := received[messages.PackedKey(1, 0)]
	return ok
}

type blueprintRegistry struct{}

func (blueprintRegistry) Lookup(id uint64) (ghost.Blueprint, bool) {
	if id == 1 {
		return demoBlueprint{}, true
	}
	return nil, false
}

type positionDescriptor struct{}

func (positionDescriptor) IsUnreliable() bool { return false }
func (positionDescriptor) Decode(raw []byte) (any, error) {
	if len(raw) < 1 {
		return nil, fmt.Errorf("short position payload")
	}
	return raw[0], nil
}
func (positionDescriptor) ApplyToEntity(ecs.Entity, any, ecs.CommandBuffer) {}

type descriptorRegistry struct{}

func (descriptorRegistry) Lookup(ordinal uint32) (ghost.Descriptor, bool) {
	if ordinal == 1 {
		return positionDescriptor{}, true
	}
	return nil, false
}

// demoLifecycleStates adapts testecs.Host to lifecycle.StateSetter.
type demoLifecycleStates struct{ host *testecs.Host }

func (d demoLifecycleStates) SetLifecycleState(e ecs.Entity, s lifecycle.State) {
	d.host.Set(e, components.KeyLifecycleState, s)
}

// noopOrders satisfies lifecycle.OrderPublisher for a standalone demo
// with no federation to notify.
type noopOrders struct{}

func (noopOrders) PublishConstructionOrder(ecs.Entity, uint64, int64, *uint32) {}
func (noopOrders) PublishDestructionOrder(ecs.Entity, int64, string)           {}

func main() {
	sessionID := idgen.New()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).With("session", sessionID)
	opts := config.DefaultOptions()
	metricsReg := metrics.NewRegistry()
	shutdown := runtimeutil.NewGracefulShutdown(5*time.Second, logger)

	metricsSrv := &http.Server{Addr: ":9090", Handler: metricsReg.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server", "error", err)
		}
	}()
	shutdown.Register(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return metricsSrv.Shutdown(ctx)
	})

	host := testecs.New()
	reg := registry.New(registry.Config{GraveyardTicks: opts.Registry.GraveyardTicks}, metricsReg, logger)
	lc := lifecycle.New(lifecycle.Config{TimeoutTicks: opts.Lifecycle.TimeoutTicks}, demoLifecycleStates{host: host}, noopOrders{}, metricsReg, logger)
	lc.RegisterGlobal("demo-system")

	ghostEngine := ghost.New(
		ghost.Config{MaxAgeTicks: opts.Ghost.MaxAgeTicks, PromotionBudgetNs: opts.Ghost.PromotionBudgetNs},
		reg, reg, blueprintRegistry{}, descriptorRegistry{}, lc, metricsReg, logger,
	)
	egressDecider := egress.New(egress.Config{RefreshIntervalTicks: uint64(opts.Egress.RefreshIntervalTicks)}, metricsReg)
	idAlloc := idalloc.New("fdpsim-node", idalloc.Config{LowWater: opts.ID.LowWater, RequestTimeoutTicks: opts.ID.RequestTimeoutTicks}, reg, nil, metricsReg, logger)
	idAlloc.AddBlock(1, 1000)

	clock := timecoord.New(timecoord.Config{FixedDeltaS: opts.Time.FixedDeltaS}, 1, nil, metricsReg, logger)
	clock.SetInitialMode(timecoord.ModeDeterministic)

	cmd := testecs.NewCommandBuffer(host)

	recFile, err := os.CreateTemp("", "fdpsim-*.fdprec")
	if err != nil {
		logger.Error("create recording file", "error", err)
		os.Exit(1)
	}
	shutdown.Register(func() error {
		recFile.Close()
		return os.Remove(recFile.Name())
	})
	defer shutdown.Shutdown(context.Background())

	rec, err := replay.NewRecorder(recFile, nil)
	if err != nil {
		logger.Error("start recorder", "error", err)
		os.Exit(1)
	}

	const frames = 5
	promotedTotal := 0
	for tick := int64(0); tick < frames; tick++ {
		id, ok := idAlloc.Allocate()
		if !ok {
			logger.Warn("id pool exhausted", "tick", tick)
			continue
		}
		entity, err := ghostEngine.CreateGhost(host, host, id, tick)
		if err != nil {
			logger.Warn("create_ghost failed", "tick", tick, "error", err)
			continue
		}
		ghostEngine.Stash(entity, messages.PackedKey(1, 0), []byte{byte(tick)})
		ghostEngine.Identify(host, entity, 1, 0, tick)

		promoted := ghostEngine.PromoteReady(host, host, cmd, tick)
		promotedTotal += len(promoted)
		for _, e := range promoted {
			egress.MarkDirty(host, e, messages.PackedKey(1, 0))
			if egressDecider.ShouldPublish(host, host, e, id, messages.PackedKey(1, 0), false, uint64(tick)) {
				egress.OnPublished(host, e, messages.PackedKey(1, 0), uint64(tick))
			}
		}

		info := clock.Tick()
		logger.Info("frame advanced", "tick", tick, "frame_number", info.FrameNumber, "promoted", len(promoted))

		if err := rec.WriteFrame(replay.Snapshot{
			FrameNumber: info.FrameNumber,
			TotalTimeS:  info.TotalTimeS,
			Entities: []replay.EntitySnapshot{
				{ID: id, Components: []replay.ComponentRecord{{TypeTag: "position", Bytes: []byte{byte(tick)}}}},
			},
		}); err != nil {
			logger.Error("write replay frame", "error", err)
		}
	}
	if err := rec.Close(); err != nil {
		logger.Error("close recorder", "error", err)
	}

	if _, err := recFile.Seek(0, 0); err != nil {
		logger.Error("rewind recording", "error", err)
		os.Exit(1)
	}
	reader, err := replay.OpenReader(recFile)
	if err != nil {
		logger.Error("open recording", "error", err)
		os.Exit(1)
	}

	player := replay.NewPlayer(reader, demoPlaybackHandlers{logger: logger})
	for {
		applied, err := player.Tick()
		if err != nil {
			break
		}
		if !applied {
			break
		}
	}

	logger.Info("simulation complete", "frames_recorded", reader.FrameCount(), "ghosts_promoted", promotedTotal)
}

// demoPlaybackHandlers logs what playback would otherwise feed into a
// real host's ingress paths.
type demoPlaybackHandlers struct{ logger *slog.Logger }

func (h demoPlaybackHandlers) RestoreClock(frame uint64, totalTimeS float64, rngSeed uint64) {
	h.logger.Info("replay: restore clock", "frame", frame, "total_time_s", totalTimeS)
}
func (h demoPlaybackHandlers) RestoreEntity(id uint64, components []replay.ComponentRecord) {
	h.logger.Info("replay: restore entity", "id", id, "components", len(components))
}
func (h demoPlaybackHandlers) InjectNetworkInput(sourceNode uint32, channel string, bytes []byte) {}
func (h demoPlaybackHandlers) InjectUserInput(bytes []byte)                                       {}
func (h demoPlaybackHandlers) PublishEvent(tag string, bytes []byte)                               {}
