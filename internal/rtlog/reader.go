package rtlog

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ReadStatus is the reader's view of the ring relative to the writer,
// translated directly from rtlog_client.c's READ_STATUS enum and
// logc_has_data's wrap/offset comparison.
type ReadStatus int

const (
	NoData ReadStatus = iota
	NewData
	Overrun
	Error
)

func (s ReadStatus) String() string {
	switch s {
	case NoData:
		return "NoData"
	case NewData:
		return "NewData"
	case Overrun:
		return "Overrun"
	default:
		return "Error"
	}
}

// Reader is a read-only attachment to a log shm region, tracking its
// own (wrap, off) cursor independent of the writer's.
type Reader struct {
	mem     []byte
	fd      int
	path    string
	shmSize uint32

	rWrap, rOff uint32

	lastMtime time.Time
}

// Open mmaps path read-only and resets the read cursor to the current
// write position, matching logc_init + logc_reset_read.
func Open(path string) (*Reader, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("rtlog: stat: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("rtlog: open: %w", err)
	}
	defer f.Close()

	mem, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("rtlog: mmap: %w", err)
	}

	r := &Reader{mem: mem, path: path, shmSize: uint32(st.Size()), lastMtime: st.ModTime()}
	r.ResetRead()
	return r, nil
}

func (r *Reader) headerPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&r.mem[0]))
}

func (r *Reader) writerHeader() (wrap, off uint32) {
	return unpackHeader(atomic.LoadUint64(r.headerPtr()))
}

// ResetRead sets the read cursor to the writer's current position
// (logc_reset_read) — a newly attached reader starts at "now", seeing
// only subsequently written frames.
func (r *Reader) ResetRead() {
	r.rWrap, r.rOff = r.writerHeader()
}

// SeekToOldest advances the read cursor to SeekOldestCrushZone frames
// ahead of the writer, keeping a safety margin from the tail the
// producer is actively writing, matching
// logc_seek_to_oldest's wrap/offset arithmetic exactly.
func (r *Reader) SeekToOldest() {
	wrap, off := r.writerHeader()
	maxOff := r.shmSize - frameSize - headerSize

	newOff := off + SeekOldestCrushZone*frameSize
	if newOff > maxOff {
		newOff = newOff - r.shmSize + headerSize
	} else if wrap == 0 {
		newOff = 0
	} else {
		wrap--
	}
	r.rWrap, r.rOff = wrap, newOff
}

// Status reports the reader's relative position to the writer without
// consuming a frame, matching logc_has_data's case analysis.
func (r *Reader) Status() ReadStatus {
	wWrap, wOff := r.writerHeader()
	rWrap, rOff := r.rWrap, r.rOff

	switch {
	case wOff == rOff && wWrap == rWrap:
		return NoData
	case (wOff > rOff && wWrap == rWrap) || (wOff < rOff && wWrap-rWrap == 1):
		return NewData
	case wWrap-rWrap >= 2 || (wOff >= rOff && wWrap-rWrap == 1):
		return Overrun
	default:
		return Error
	}
}

func (r *Reader) advanceCursor() {
	newOff := r.rOff + frameSize
	maxOff := r.shmSize - frameSize - headerSize
	if newOff > maxOff {
		newOff = 0
		r.rWrap++
	}
	r.rOff = newOff
}

// ReadFrame returns the next record if the reader's status is NewData,
// advancing the cursor; it is a consuming read, matching
// logc_read_frame. NoData and Overrun are hot-path conditions (ok ==
// false), not errors — Overrun additionally means the caller should
// call SeekToOldest (or ResetRead) to resynchronize.
func (r *Reader) ReadFrame() (Record, bool, ReadStatus) {
	status := r.Status()
	if status != NewData {
		return Record{}, false, status
	}

	slotStart := headerSize + r.rOff
	frame := r.mem[slotStart : slotStart+frameSize]
	rec := decodeFrame(frame)
	r.advanceCursor()
	return rec, true, NewData
}

func decodeFrame(frame []byte) Record {
	level := Level(binary.LittleEndian.Uint64(frame[0:8]))
	sec := int64(binary.LittleEndian.Uint64(frame[8:16]))
	nsec := int64(binary.LittleEndian.Uint64(frame[16:24]))
	src := cString(frame[24 : 24+srcFieldSize])
	msg := cString(frame[24+srcFieldSize:])
	return Record{Level: level, Time: time.Unix(sec, nsec), Src: src, Msg: msg}
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Close unmaps the reader's region.
func (r *Reader) Close() error {
	return unix.Munmap(r.mem)
}

// Recreated polls the backing file's mtime and reports whether it has
// changed since the last check — a poll-based substitute for a
// filesystem-event watch, used to detect producer re-creation of the
// shm file (e.g. after a node restart).
func (r *Reader) Recreated() (bool, error) {
	st, err := os.Stat(r.path)
	if err != nil {
		return false, err
	}
	if st.ModTime().After(r.lastMtime) {
		r.lastMtime = st.ModTime()
		return true, nil
	}
	return false, nil
}

// Reopen closes and re-mmaps the backing file, for use after Recreated
// reports a change.
func (r *Reader) Reopen() error {
	if err := r.Close(); err != nil {
		return err
	}
	nr, err := Open(r.path)
	if err != nil {
		return err
	}
	*r = *nr
	return nil
}
