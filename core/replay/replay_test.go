package replay_test

import (
	"io"
	"os"
	"testing"

	"github.com/pjanec/fastdataplane/core/replay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type localOnlyTag struct{ tag string }

func (l localOnlyTag) IsLocalOnly(tag string) bool { return tag == l.tag }

func tempFile(t *testing.T) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "replay-*.fdprec")
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestReplay_RoundTrip_PreservesFrames(t *testing.T) {
	f := tempFile(t)
	rec, err := replay.NewRecorder(f, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		snap := replay.Snapshot{
			FrameNumber: uint64(i),
			TotalTimeS:  float64(i) / 60,
			RNGSeed:     42,
			Entities: []replay.EntitySnapshot{
				{ID: uint64(100 + i), Components: []replay.ComponentRecord{{TypeTag: "pos", Bytes: []byte{byte(i)}}}},
			},
		}
		require.NoError(t, rec.WriteFrame(snap))
	}
	require.NoError(t, rec.Close())

	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)
	reader, err := replay.OpenReader(f)
	require.NoError(t, err)
	assert.Equal(t, 3, reader.FrameCount())

	for i := 0; i < 3; i++ {
		snap, err := reader.ReadFrame()
		require.NoError(t, err)
		assert.EqualValues(t, i, snap.FrameNumber)
		require.Len(t, snap.Entities, 1)
		assert.EqualValues(t, 100+i, snap.Entities[0].ID)
	}

	_, err = reader.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReplay_LocalOnlyComponentsAreExcluded(t *testing.T) {
	f := tempFile(t)
	rec, err := replay.NewRecorder(f, localOnlyTag{tag: "camera"})
	require.NoError(t, err)

	snap := replay.Snapshot{Entities: []replay.EntitySnapshot{
		{ID: 1, Components: []replay.ComponentRecord{
			{TypeTag: "pos", Bytes: []byte{1}},
			{TypeTag: "camera", Bytes: []byte{2}},
		}},
	}}
	require.NoError(t, rec.WriteFrame(snap))
	require.NoError(t, rec.Close())

	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)
	reader, err := replay.OpenReader(f)
	require.NoError(t, err)

	got, err := reader.ReadFrame()
	require.NoError(t, err)
	require.Len(t, got.Entities[0].Components, 1)
	assert.Equal(t, "pos", got.Entities[0].Components[0].TypeTag)
}

func TestReplay_Seek_JumpsToArbitraryFrame(t *testing.T) {
	f := tempFile(t)
	rec, err := replay.NewRecorder(f, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, rec.WriteFrame(replay.Snapshot{FrameNumber: uint64(i)}))
	}
	require.NoError(t, rec.Close())

	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)
	reader, err := replay.OpenReader(f)
	require.NoError(t, err)

	snap, err := reader.Seek(3)
	require.NoError(t, err)
	assert.EqualValues(t, 3, snap.FrameNumber)

	next, err := reader.ReadFrame()
	require.NoError(t, err)
	assert.EqualValues(t, 4, next.FrameNumber, "sequential read after Seek continues forward")
}

func TestReplay_UnknownVersionIsRefused(t *testing.T) {
	f := tempFile(t)
	_, err := f.Write([]byte("FDP_REC"))
	require.NoError(t, err)
	require.NoError(t, writeU32(f, 99))
	require.NoError(t, writeU32(f, 0))
	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)

	_, err = replay.OpenReader(f)
	assert.Error(t, err)
}

func writeU32(w io.Writer, v uint32) error {
	b := []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	_, err := w.Write(b)
	return err
}

type recordingHandlers struct {
	restoredClock    []uint64
	restoredEntities []uint64
}

func (h *recordingHandlers) RestoreClock(frame uint64, _ float64, _ uint64) {
	h.restoredClock = append(h.restoredClock, frame)
}
func (h *recordingHandlers) RestoreEntity(id uint64, _ []replay.ComponentRecord) {
	h.restoredEntities = append(h.restoredEntities, id)
}
func (h *recordingHandlers) InjectNetworkInput(uint32, string, []byte) {}
func (h *recordingHandlers) InjectUserInput([]byte)                   {}
func (h *recordingHandlers) PublishEvent(string, []byte)              {}

func TestReplay_Player_TickRespectsSpeed(t *testing.T) {
	f := tempFile(t)
	rec, err := replay.NewRecorder(f, nil)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, rec.WriteFrame(replay.Snapshot{
			FrameNumber: uint64(i),
			Entities:    []replay.EntitySnapshot{{ID: uint64(i)}},
		}))
	}
	require.NoError(t, rec.Close())

	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)
	reader, err := replay.OpenReader(f)
	require.NoError(t, err)

	h := &recordingHandlers{}
	player := replay.NewPlayer(reader, h)
	player.SetSpeed(replay.Speed4x)

	applied, err := player.Tick()
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Len(t, h.restoredClock, 4, "4x speed applies four recorded frames per tick")
}

func TestReplay_Player_PauseStopsAdvancement(t *testing.T) {
	f := tempFile(t)
	rec, err := replay.NewRecorder(f, nil)
	require.NoError(t, err)
	require.NoError(t, rec.WriteFrame(replay.Snapshot{FrameNumber: 0}))
	require.NoError(t, rec.Close())

	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)
	reader, err := replay.OpenReader(f)
	require.NoError(t, err)

	h := &recordingHandlers{}
	player := replay.NewPlayer(reader, h)
	player.Pause()

	applied, err := player.Tick()
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Empty(t, h.restoredClock)

	applied, err = player.Step()
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Len(t, h.restoredClock, 1, "Step always applies exactly one frame even while paused")
}
