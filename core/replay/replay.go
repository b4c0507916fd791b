// Package replay implements the ReplayRecorder (spec §4.H): frame
// snapshot capture to a compressed, self-describing container, and
// deterministic playback that drives the same ingress paths live
// transport traffic would.
package replay

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pjanec/fastdataplane/fdperr"
)

const (
	magic         = "FDP_REC"
	formatVersion = uint32(1)
)

// ComponentRecord is one tagged component's encoded bytes (§4.H).
type ComponentRecord struct {
	TypeTag string
	Bytes   []byte
}

// EntitySnapshot is one entity's recorded component set.
type EntitySnapshot struct {
	ID         uint64
	Components []ComponentRecord
}

// EventRecord is a recorded event emission.
type EventRecord struct {
	Tag   string
	Bytes []byte
}

// NetworkInput is a recorded inbound wire message.
type NetworkInput struct {
	SourceNode uint32
	Channel    string
	Bytes      []byte
}

// UserInput is a recorded local input sample.
type UserInput struct {
	Bytes []byte
}

// Snapshot is one frame's full recorded state (§4.H).
type Snapshot struct {
	FrameNumber   uint64
	TotalTimeS    float64
	RNGSeed       uint64
	Entities      []EntitySnapshot
	Events        []EventRecord
	NetworkInputs []NetworkInput
	UserInputs    []UserInput
}

// TypeRegistry reports whether a component type tag is local-only and so
// must be excluded from snapshots (§4.H).
type TypeRegistry interface {
	IsLocalOnly(typeTag string) bool
}

func filterLocalOnly(entities []EntitySnapshot, registry TypeRegistry) []EntitySnapshot {
	if registry == nil {
		return entities
	}
	out := make([]EntitySnapshot, 0, len(entities))
	for _, e := range entities {
		kept := make([]ComponentRecord, 0, len(e.Components))
		for _, c := range e.Components {
			if !registry.IsLocalOnly(c.TypeTag) {
				kept = append(kept, c)
			}
		}
		out = append(out, EntitySnapshot{ID: e.ID, Components: kept})
	}
	return out
}

// Recorder writes frames to the container format described in §4.H /
// §5: magic, u32 version, u32 frame count, then length-prefixed
// (individually zstd-compressed) snapshots. Each snapshot is framed
// independently so Reader.Seek can jump to any frame without replaying
// the whole stream.
type Recorder struct {
	w        io.WriteSeeker
	countPos int64
	count    uint32
	registry TypeRegistry
}

// NewRecorder writes the header (with a zero frame-count placeholder
// patched in on Close) and returns a Recorder ready for WriteFrame.
func NewRecorder(w io.WriteSeeker, registry TypeRegistry) (*Recorder, error) {
	if _, err := w.Write([]byte(magic)); err != nil {
		return nil, fdperr.Wrap(fdperr.ErrCodecFailure, "write magic")
	}
	if err := binary.Write(w, binary.LittleEndian, formatVersion); err != nil {
		return nil, fdperr.Wrap(fdperr.ErrCodecFailure, "write version")
	}
	countPos, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fdperr.Wrap(fdperr.ErrCodecFailure, "locate frame count field")
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(0)); err != nil {
		return nil, fdperr.Wrap(fdperr.ErrCodecFailure, "write frame count placeholder")
	}
	return &Recorder{w: w, countPos: countPos, registry: registry}, nil
}

// WriteFrame appends one compressed, length-prefixed snapshot.
func (r *Recorder) WriteFrame(snap Snapshot) error {
	snap.Entities = filterLocalOnly(snap.Entities, r.registry)

	var raw bytes.Buffer
	if err := gob.NewEncoder(&raw).Encode(snap); err != nil {
		return fdperr.Wrapf(fdperr.ErrCodecFailure, "encode frame %d: %v", snap.FrameNumber, err)
	}

	var compressed bytes.Buffer
	zw, err := zstd.NewWriter(&compressed)
	if err != nil {
		return fdperr.Wrap(fdperr.ErrCodecFailure, "create compressor")
	}
	if _, err := zw.Write(raw.Bytes()); err != nil {
		zw.Close()
		return fdperr.Wrap(fdperr.ErrCodecFailure, "compress frame")
	}
	if err := zw.Close(); err != nil {
		return fdperr.Wrap(fdperr.ErrCodecFailure, "flush compressor")
	}

	if err := binary.Write(r.w, binary.LittleEndian, uint32(compressed.Len())); err != nil {
		return fdperr.Wrap(fdperr.ErrCodecFailure, "write frame length")
	}
	if _, err := r.w.Write(compressed.Bytes()); err != nil {
		return fdperr.Wrap(fdperr.ErrCodecFailure, "write frame body")
	}
	r.count++
	return nil
}

// Close patches the real frame count into the header. The writer is not
// otherwise closed; callers own its lifetime.
func (r *Recorder) Close() error {
	if _, err := r.w.Seek(r.countPos, io.SeekStart); err != nil {
		return fdperr.Wrap(fdperr.ErrCodecFailure, "seek to frame count field")
	}
	if err := binary.Write(r.w, binary.LittleEndian, r.count); err != nil {
		return fdperr.Wrap(fdperr.ErrCodecFailure, "patch frame count")
	}
	return nil
}

type frameIndex struct {
	offset int64
	length uint32
}

// Reader parses a container written by Recorder, supporting both
// sequential playback and random-access Seek.
type Reader struct {
	rs      io.ReadSeeker
	version uint32
	index   []frameIndex
	cursor  int
}

// OpenReader reads the header, refuses an unrecognized version (§5
// "readers must refuse unknown version numbers"), and indexes every
// frame's offset for Seek.
func OpenReader(rs io.ReadSeeker) (*Reader, error) {
	var gotMagic [len(magic)]byte
	if _, err := io.ReadFull(rs, gotMagic[:]); err != nil {
		return nil, fdperr.Wrap(fdperr.ErrCodecFailure, "read magic")
	}
	if string(gotMagic[:]) != magic {
		return nil, fdperr.Wrap(fdperr.ErrCodecFailure, "bad magic")
	}

	var version uint32
	if err := binary.Read(rs, binary.LittleEndian, &version); err != nil {
		return nil, fdperr.Wrap(fdperr.ErrCodecFailure, "read version")
	}
	if version != formatVersion {
		return nil, fdperr.Wrapf(fdperr.ErrUnknownVersion, "replay container version %d", version)
	}

	var count uint32
	if err := binary.Read(rs, binary.LittleEndian, &count); err != nil {
		return nil, fdperr.Wrap(fdperr.ErrCodecFailure, "read frame count")
	}

	index := make([]frameIndex, 0, count)
	for i := uint32(0); i < count; i++ {
		pos, err := rs.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, fdperr.Wrap(fdperr.ErrCodecFailure, "index frames")
		}
		var length uint32
		if err := binary.Read(rs, binary.LittleEndian, &length); err != nil {
			return nil, fdperr.Wrapf(fdperr.ErrCodecFailure, "read length of frame %d", i)
		}
		if _, err := rs.Seek(int64(length), io.SeekCurrent); err != nil {
			return nil, fdperr.Wrapf(fdperr.ErrCodecFailure, "skip frame %d", i)
		}
		index = append(index, frameIndex{offset: pos, length: length})
	}

	if _, err := rs.Seek(index0Offset(index), io.SeekStart); err != nil {
		return nil, fdperr.Wrap(fdperr.ErrCodecFailure, "rewind to first frame")
	}
	return &Reader{rs: rs, version: version, index: index}, nil
}

func index0Offset(index []frameIndex) int64 {
	if len(index) == 0 {
		return 0
	}
	return index[0].offset
}

// FrameCount reports the total number of recorded frames.
func (r *Reader) FrameCount() int { return len(r.index) }

// ReadFrame decodes the next sequential frame, advancing the cursor.
func (r *Reader) ReadFrame() (Snapshot, error) {
	if r.cursor >= len(r.index) {
		return Snapshot{}, io.EOF
	}
	snap, err := r.readAt(r.index[r.cursor])
	if err != nil {
		return Snapshot{}, err
	}
	r.cursor++
	return snap, nil
}

// Seek jumps to frame and returns its snapshot; the next ReadFrame
// continues from frame+1. Every frame is recorded in full (§4.H), so
// "nearest ≤ snapshot" reduces to the frame itself.
func (r *Reader) Seek(frame int) (Snapshot, error) {
	if frame < 0 || frame >= len(r.index) {
		return Snapshot{}, fmt.Errorf("frame %d out of range (0..%d)", frame, len(r.index)-1)
	}
	snap, err := r.readAt(r.index[frame])
	if err != nil {
		return Snapshot{}, err
	}
	r.cursor = frame + 1
	return snap, nil
}

func (r *Reader) readAt(fi frameIndex) (Snapshot, error) {
	if _, err := r.rs.Seek(fi.offset+4, io.SeekStart); err != nil {
		return Snapshot{}, fdperr.Wrap(fdperr.ErrCodecFailure, "seek frame")
	}
	compressed := make([]byte, fi.length)
	if _, err := io.ReadFull(r.rs, compressed); err != nil {
		return Snapshot{}, fdperr.Wrap(fdperr.ErrCodecFailure, "read frame body")
	}
	zr, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return Snapshot{}, fdperr.Wrap(fdperr.ErrCodecFailure, "create decompressor")
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return Snapshot{}, fdperr.Wrap(fdperr.ErrCodecFailure, "decompress frame")
	}
	var snap Snapshot
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&snap); err != nil {
		return Snapshot{}, fdperr.Wrap(fdperr.ErrCodecFailure, "decode frame")
	}
	return snap, nil
}
