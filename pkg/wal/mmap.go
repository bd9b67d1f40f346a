package wal

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/marmos91/deltawal/internal/logger"
)

// File format for the mmap-backed WAL.
//
//	Header (32 bytes):
//	  - Magic: "DWAL" (4 bytes)
//	  - Version: uint16 (2 bytes)
//	  - Reserved: uint16 (2 bytes)
//	  - NextWriteOffset: uint64 (8 bytes)  -- physical byte offset of next entry
//	  - NextRecordOffset: int64 (8 bytes)  -- next logical WAL offset to assign
//	  - TrimmedOffset: int64 (8 bytes)     -- highest logical offset reclaimed
//
//	Entries (variable), each:
//	  - RecordOffset: int64 (8 bytes)
//	  - Length: uint32 (4 bytes)
//	  - Data: variable
const (
	mmapMagic       = "DWAL"
	mmapVersion     = uint16(1)
	mmapHeaderSize  = 32
	mmapInitialSize = 16 * 1024 * 1024
	mmapGrowth      = 2
	entryHeaderSize = 8 + 4
)

type mmapHeader struct {
	nextWriteOffset  uint64
	nextRecordOffset int64
	trimmedOffset    int64
}

// MmapWAL is a mmap-backed Wal implementation. A background worker pool
// persists each append asynchronously so that, like a real pipelined WAL
// device, completions for concurrent appends on different streams may
// surface out of order; the CallbackSequencer is what restores per-stream
// ordering downstream.
type MmapWAL struct {
	path         string
	capacity     int64 // logical capacity in bytes, independent of file growth
	persistPool  int

	mu      sync.Mutex
	file    *os.File
	data    []byte
	size    int64
	header  mmapHeader
	pending int64 // sum of entry sizes with recordOffset > trimmedOffset
	closed  bool

	workCh  chan func()
	workWg  sync.WaitGroup
	started bool
}

// NewMmapWAL creates a WAL rooted at dir with the given logical capacity and
// number of background persistence workers.
func NewMmapWAL(dir string, capacityBytes int64, persistWorkers int) (*MmapWAL, error) {
	if capacityBytes <= 0 {
		return nil, fmt.Errorf("wal: capacityBytes must be positive")
	}
	if persistWorkers <= 0 {
		persistWorkers = 4
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create directory: %w", err)
	}

	w := &MmapWAL{
		path:        dir,
		capacity:    capacityBytes,
		persistPool: persistWorkers,
	}
	if err := w.openOrCreate(); err != nil {
		return nil, err
	}
	return w, nil
}

// Start launches the background persistence workers.
func (w *MmapWAL) Start() error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.workCh = make(chan func(), 1024)
	w.mu.Unlock()

	for i := 0; i < w.persistPool; i++ {
		w.workWg.Add(1)
		go w.persistWorker()
	}
	logger.Info("wal: started", "workers", w.persistPool)
	return nil
}

func (w *MmapWAL) persistWorker() {
	defer w.workWg.Done()
	for job := range w.workCh {
		job()
	}
}

// ShutdownGracefully stops accepting work and waits for the persistence
// pool to drain, then closes the backing file.
func (w *MmapWAL) ShutdownGracefully() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	ch := w.workCh
	w.mu.Unlock()

	if ch != nil {
		close(ch)
		w.workWg.Wait()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *MmapWAL) filePath() string {
	return filepath.Join(w.path, "wal.dat")
}

func (w *MmapWAL) openOrCreate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	fp := w.filePath()
	if _, err := os.Stat(fp); err == nil {
		return w.openExistingLocked(fp)
	}
	return w.createNewLocked(fp)
}

func (w *MmapWAL) createNewLocked(fp string) error {
	f, err := os.OpenFile(fp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("wal: create file: %w", err)
	}
	if err := f.Truncate(mmapInitialSize); err != nil {
		f.Close()
		return fmt.Errorf("wal: truncate: %w", err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, mmapInitialSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return fmt.Errorf("wal: mmap: %w", err)
	}

	w.file = f
	w.data = data
	w.size = mmapInitialSize
	w.header = mmapHeader{nextWriteOffset: mmapHeaderSize, nextRecordOffset: 0, trimmedOffset: -1}
	w.writeHeaderLocked()
	return nil
}

func (w *MmapWAL) openExistingLocked(fp string) error {
	f, err := os.OpenFile(fp, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("wal: open file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("wal: stat: %w", err)
	}
	size := info.Size()
	if size < mmapHeaderSize {
		f.Close()
		return ErrCorrupted
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return fmt.Errorf("wal: mmap: %w", err)
	}

	w.file = f
	w.data = data
	w.size = size

	if string(data[0:4]) != mmapMagic {
		w.closeLocked()
		return ErrCorrupted
	}
	version := binary.LittleEndian.Uint16(data[4:6])
	if version != mmapVersion {
		w.closeLocked()
		return fmt.Errorf("wal: version mismatch: got %d want %d", version, mmapVersion)
	}
	w.header = mmapHeader{
		nextWriteOffset:  binary.LittleEndian.Uint64(data[8:16]),
		nextRecordOffset: int64(binary.LittleEndian.Uint64(data[16:24])),
		trimmedOffset:    int64(binary.LittleEndian.Uint64(data[24:32])),
	}
	return nil
}

func (w *MmapWAL) writeHeaderLocked() {
	copy(w.data[0:4], mmapMagic)
	binary.LittleEndian.PutUint16(w.data[4:6], mmapVersion)
	binary.LittleEndian.PutUint16(w.data[6:8], 0)
	binary.LittleEndian.PutUint64(w.data[8:16], w.header.nextWriteOffset)
	binary.LittleEndian.PutUint64(w.data[16:24], uint64(w.header.nextRecordOffset))
	binary.LittleEndian.PutUint64(w.data[24:32], uint64(w.header.trimmedOffset))
}

// Append assigns the next monotone recordOffset and schedules persistence on
// the background pool. The returned Future completes once the entry has been
// written into the mmap region and msync'd.
func (w *MmapWAL) Append(ctx context.Context, record []byte) (AppendResult, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return AppendResult{}, ErrClosed
	}

	entrySize := int64(entryHeaderSize + len(record))
	if w.pending+entrySize > w.capacity {
		w.mu.Unlock()
		return AppendResult{}, ErrOverCapacity
	}

	if err := w.ensureSpaceLocked(entrySize); err != nil {
		w.mu.Unlock()
		return AppendResult{}, err
	}

	offset := w.header.nextWriteOffset
	recordOffset := w.header.nextRecordOffset

	binary.LittleEndian.PutUint64(w.data[offset:], uint64(recordOffset))
	binary.LittleEndian.PutUint32(w.data[offset+8:], uint32(len(record)))
	copy(w.data[offset+12:], record)

	w.header.nextWriteOffset = offset + uint64(entrySize)
	w.header.nextRecordOffset++
	w.pending += entrySize
	w.writeHeaderLocked()

	ch := w.workCh
	w.mu.Unlock()

	future := newFuture()
	job := func() {
		err := unix.Msync(w.data, unix.MS_SYNC)
		future.complete(err)
	}
	if ch == nil {
		// Not started: persist synchronously (used during recovery/tests).
		job()
	} else {
		select {
		case ch <- job:
		case <-ctx.Done():
			future.complete(ctx.Err())
		}
	}

	return AppendResult{RecordOffset: recordOffset, Future: future}, nil
}

func (w *MmapWAL) ensureSpaceLocked(needed int64) error {
	if int64(w.header.nextWriteOffset)+needed <= w.size {
		return nil
	}
	newSize := w.size * mmapGrowth
	for int64(w.header.nextWriteOffset)+needed > newSize {
		newSize *= mmapGrowth
	}

	if err := unix.Munmap(w.data); err != nil {
		return fmt.Errorf("wal: munmap: %w", err)
	}
	if err := w.file.Truncate(newSize); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	data, err := unix.Mmap(int(w.file.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("wal: mmap: %w", err)
	}
	w.data = data
	w.size = newSize
	return nil
}

// Recover replays every entry with recordOffset beyond the last trim point.
func (w *MmapWAL) Recover() ([]RecoveredRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, ErrClosed
	}

	var out []RecoveredRecord
	offset := uint64(mmapHeaderSize)
	end := w.header.nextWriteOffset
	for offset < end {
		if offset+entryHeaderSize > uint64(w.size) {
			return nil, ErrCorrupted
		}
		recordOffset := int64(binary.LittleEndian.Uint64(w.data[offset:]))
		length := binary.LittleEndian.Uint32(w.data[offset+8:])
		dataStart := offset + entryHeaderSize
		if dataStart+uint64(length) > uint64(w.size) {
			return nil, ErrCorrupted
		}
		if recordOffset > w.header.trimmedOffset {
			rec := make([]byte, length)
			copy(rec, w.data[dataStart:dataStart+uint64(length)])
			out = append(out, RecoveredRecord{RecordOffset: recordOffset, Record: rec})
		}
		offset = dataStart + uint64(length)
	}
	return out, nil
}

// Reset discards all entries, rewinding to an empty log. The next assigned
// recordOffset continues from where it left off so downstream offset
// bookkeeping (confirm offsets, stream endOffsets) stays monotone.
func (w *MmapWAL) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	w.header.nextWriteOffset = mmapHeaderSize
	w.header.trimmedOffset = w.header.nextRecordOffset - 1
	w.pending = 0
	w.writeHeaderLocked()
	return nil
}

// Trim marks every entry with recordOffset <= upTo as reclaimable, freeing
// logical capacity for future appends. The file itself is not compacted:
// only Reset rewinds the write position, and the engine calls Reset once,
// at the end of recovery, so between restarts the file keeps growing as
// entries are appended.
func (w *MmapWAL) Trim(upTo int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if upTo <= w.header.trimmedOffset {
		return nil
	}

	reclaimed := int64(0)
	offset := uint64(mmapHeaderSize)
	end := w.header.nextWriteOffset
	for offset < end {
		recordOffset := int64(binary.LittleEndian.Uint64(w.data[offset:]))
		length := binary.LittleEndian.Uint32(w.data[offset+8:])
		entrySize := int64(entryHeaderSize) + int64(length)
		if recordOffset <= w.header.trimmedOffset {
			offset += uint64(entrySize)
			continue
		}
		if recordOffset > upTo {
			break
		}
		reclaimed += entrySize
		offset += uint64(entrySize)
	}

	w.header.trimmedOffset = upTo
	w.pending -= reclaimed
	if w.pending < 0 {
		w.pending = 0
	}
	w.writeHeaderLocked()
	return nil
}

func (w *MmapWAL) closeLocked() error {
	if w.data != nil {
		_ = unix.Msync(w.data, unix.MS_SYNC)
		if err := unix.Munmap(w.data); err != nil {
			return fmt.Errorf("wal: munmap: %w", err)
		}
		w.data = nil
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("wal: close file: %w", err)
		}
		w.file = nil
	}
	return nil
}

var _ Wal = (*MmapWAL)(nil)
