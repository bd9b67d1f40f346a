// Package record defines the immutable record batch and its
// reference-counted payload buffer, plus the stable wire codec used to
// persist a batch to the WAL and to object-store artifacts.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/marmos91/deltawal/pkg/bufpool"
)

// ErrShortBuffer is returned by Decode when the input is too small to
// contain a complete encoded batch.
var ErrShortBuffer = errors.New("record: short buffer")

// RefCountedBytes is a payload buffer shared by every consumer path a
// StreamRecordBatch flows through (WAL, cache, reader result). The
// producer's call to NewRefCountedBytes owns the initial reference; every
// handoff must call Retain, and every drop must call Release exactly once.
type RefCountedBytes struct {
	data   []byte
	pooled bool
	refs   atomic.Int64
}

// NewRefCountedBytes wraps buf with an initial reference count of one. If
// pooled is true, Release returns buf to the package buffer pool once the
// last reference drops.
func NewRefCountedBytes(buf []byte, pooled bool) *RefCountedBytes {
	rb := &RefCountedBytes{data: buf, pooled: pooled}
	rb.refs.Store(1)
	return rb
}

// Allocate obtains a buffer of the requested size from the shared pool and
// wraps it. bufpool.Get always succeeds (it falls back to a direct
// allocation above its largest tier), so this never fails; memory pressure
// is instead relieved at the LogCache level, by ForceFree evicting
// committed blocks before admission turns an append away.
func Allocate(size int) *RefCountedBytes {
	buf := bufpool.Get(size)
	return NewRefCountedBytes(buf, true)
}

// Bytes returns the underlying slice. Callers must not retain it beyond the
// lifetime implied by their own reference.
func (rb *RefCountedBytes) Bytes() []byte {
	if rb == nil {
		return nil
	}
	return rb.data
}

// Retain increments the reference count and must be paired with a Release.
func (rb *RefCountedBytes) Retain() *RefCountedBytes {
	if rb == nil {
		return nil
	}
	rb.refs.Add(1)
	return rb
}

// Release decrements the reference count, returning the buffer to the pool
// once it reaches zero. Calling Release more times than Retain+1 does not
// panic; it drives the counter negative, and tests rely on RefCount to
// assert on this invariant.
func (rb *RefCountedBytes) Release() {
	if rb == nil {
		return
	}
	if n := rb.refs.Add(-1); n == 0 && rb.pooled {
		bufpool.Put(rb.data)
		rb.data = nil
	}
}

// RefCount reports the current reference count, for tests and invariant
// checks (e.g. asserting a freed block's records reach zero).
func (rb *RefCountedBytes) RefCount() int64 {
	if rb == nil {
		return 0
	}
	return rb.refs.Load()
}

// StreamRecordBatch is an immutable, offset-addressed batch of records for
// one logical stream. lastOffset is derived, never stored independently.
type StreamRecordBatch struct {
	StreamID   uint64
	Epoch      uint64
	BaseOffset uint64
	Count      uint32
	Payload    *RefCountedBytes
}

// LastOffset returns BaseOffset + Count, the offset one past this batch.
func (b StreamRecordBatch) LastOffset() uint64 {
	return b.BaseOffset + uint64(b.Count)
}

// Size returns the encoded byte length of the batch.
func (b StreamRecordBatch) Size() int {
	return headerSize + len(b.Payload.Bytes())
}

// Retain retains the batch's payload, returning the same batch value for
// chaining into a new owner (e.g. the cache's stored copy).
func (b StreamRecordBatch) Retain() StreamRecordBatch {
	b.Payload.Retain()
	return b
}

// Release releases the batch's payload reference.
func (b StreamRecordBatch) Release() {
	b.Payload.Release()
}

const headerSize = 8 + 8 + 8 + 4 + 4 // streamId, epoch, baseOffset, count, payloadLen

// Encode writes the stable wire representation of b: a fixed header
// followed by the raw payload bytes. Used both for the WAL entry body and
// for the per-record layout inside an uploaded object.
func Encode(b StreamRecordBatch) []byte {
	payload := b.Payload.Bytes()
	out := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint64(out[0:8], b.StreamID)
	binary.LittleEndian.PutUint64(out[8:16], b.Epoch)
	binary.LittleEndian.PutUint64(out[16:24], b.BaseOffset)
	binary.LittleEndian.PutUint32(out[24:28], b.Count)
	binary.LittleEndian.PutUint32(out[28:32], uint32(len(payload)))
	copy(out[32:], payload)
	return out
}

// Decode parses a single batch from buf, as produced by Encode. The
// returned batch owns a fresh RefCountedBytes copy of the payload with a
// reference count of one.
func Decode(buf []byte) (StreamRecordBatch, error) {
	if len(buf) < headerSize {
		return StreamRecordBatch{}, fmt.Errorf("decode header: %w", ErrShortBuffer)
	}
	streamID := binary.LittleEndian.Uint64(buf[0:8])
	epoch := binary.LittleEndian.Uint64(buf[8:16])
	baseOffset := binary.LittleEndian.Uint64(buf[16:24])
	count := binary.LittleEndian.Uint32(buf[24:28])
	payloadLen := binary.LittleEndian.Uint32(buf[28:32])
	if len(buf) < headerSize+int(payloadLen) {
		return StreamRecordBatch{}, fmt.Errorf("decode payload: %w", ErrShortBuffer)
	}
	payload := Allocate(int(payloadLen))
	copy(payload.Bytes(), buf[headerSize:headerSize+int(payloadLen)])
	return StreamRecordBatch{
		StreamID:   streamID,
		Epoch:      epoch,
		BaseOffset: baseOffset,
		Count:      count,
		Payload:    payload,
	}, nil
}

// DecodeAll walks buf decoding back-to-back Encode output until
// exhausted, as produced by concatenating every record in an uploaded
// stream-set object.
func DecodeAll(buf []byte) ([]StreamRecordBatch, error) {
	var out []StreamRecordBatch
	for len(buf) > 0 {
		batch, err := Decode(buf)
		if err != nil {
			for _, b := range out {
				b.Release()
			}
			return nil, err
		}
		buf = buf[headerSize+len(batch.Payload.Bytes()):]
		out = append(out, batch)
	}
	return out, nil
}
