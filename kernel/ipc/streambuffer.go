// Package ipc implements the stream-buffer message channel layer (spec
// component G): a packet-framed MPSC byte ring backing one context per
// owner thread, and the send/respond paths that marshal typed parameters
// (including SHM cloning) across address spaces.
//
// The historical ringbuffer (_examples/original_source/librt/libddk/
// ringbuffer.c) reserves space with a lock-free producer-committed-index
// CAS dance so multiple writer CPUs never block each other's metadata
// update. Nothing else in this codebase reaches for lock-free structures —
// the scheduler, futex buckets, and address-space engine all serialize
// under an ordinary mutex — so this stream buffer does the same:
// StreamBuffer.WritePacket holds its mutex for the whole reserve-write-
// commit sequence, which keeps multiple writers from interleaving a
// packet's bytes and gives packet atomicity for free instead of requiring
// a separate commit step.
package ipc

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/valikernel/core/kernel/errors"
)

const headerSize = 4

// StreamBuffer is a packet-framed, fixed-capacity byte ring. Multiple
// writers may call WritePacket concurrently (MPSC); ReadPacket is intended
// for a single consumer, matching spec 3's "MPSC" stream buffer.
type StreamBuffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf    []byte
	head   int // next byte to read
	tail   int // next byte to write
	size   int // committed bytes currently stored
	closed bool
}

// NewStreamBuffer returns an empty stream buffer with the given byte
// capacity.
func NewStreamBuffer(capacity int) *StreamBuffer {
	sb := &StreamBuffer{buf: make([]byte, capacity)}
	sb.cond = sync.NewCond(&sb.mu)
	return sb
}

// Capacity returns the buffer's total byte capacity.
func (sb *StreamBuffer) Capacity() int { return len(sb.buf) }

func (sb *StreamBuffer) freeLocked() int { return len(sb.buf) - sb.size }

// waitLocked blocks on sb.cond until either another call broadcasts or
// deadline passes (zero deadline waits forever). Caller holds sb.mu.
func (sb *StreamBuffer) waitLocked(deadline time.Time) {
	if deadline.IsZero() {
		sb.cond.Wait()
		return
	}
	timer := time.AfterFunc(time.Until(deadline), func() {
		sb.mu.Lock()
		sb.cond.Broadcast()
		sb.mu.Unlock()
	})
	defer timer.Stop()
	sb.cond.Wait()
}

func deadlinePassed(deadline time.Time) bool {
	return !deadline.IsZero() && !time.Now().Before(deadline)
}

func (sb *StreamBuffer) writeLocked(p []byte) {
	for _, b := range p {
		sb.buf[sb.tail] = b
		sb.tail = (sb.tail + 1) % len(sb.buf)
	}
}

func (sb *StreamBuffer) peekLocked(n int) []byte {
	out := make([]byte, n)
	idx := sb.head
	for i := range out {
		out[i] = sb.buf[idx]
		idx = (idx + 1) % len(sb.buf)
	}
	return out
}

func (sb *StreamBuffer) discardLocked(n int) {
	sb.head = (sb.head + n) % len(sb.buf)
	sb.size -= n
}

// WritePacket reserves space for, writes, and commits one packet in a
// single critical section, blocking while the buffer lacks room
// (RINGBUFFER_CAN_BLOCK_WRITER) until deadline (zero means forever).
func (sb *StreamBuffer) WritePacket(payload []byte, deadline time.Time) error {
	need := headerSize + len(payload)
	if need > len(sb.buf) {
		return errors.New(errors.InvalidParam, "packet of %d bytes exceeds stream buffer capacity %d", len(payload), len(sb.buf))
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.closed {
		return errors.New(errors.NotSupported, "stream buffer is closed")
	}
	for sb.freeLocked() < need {
		if sb.closed {
			return errors.New(errors.NotSupported, "stream buffer is closed")
		}
		if deadlinePassed(deadline) {
			return errors.New(errors.Timeout, "stream buffer write timed out")
		}
		sb.waitLocked(deadline)
	}

	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	sb.writeLocked(hdr[:])
	sb.writeLocked(payload)
	sb.size += need
	sb.cond.Broadcast()
	return nil
}

// ReadPacket blocks until a full packet is available (RINGBUFFER_CAN_BLOCK_
// READER) or deadline passes, then returns its payload.
func (sb *StreamBuffer) ReadPacket(deadline time.Time) ([]byte, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	for sb.size < headerSize {
		if sb.closed && sb.size == 0 {
			return nil, errors.New(errors.NotSupported, "stream buffer is closed")
		}
		if deadlinePassed(deadline) {
			return nil, errors.New(errors.Timeout, "stream buffer read timed out")
		}
		sb.waitLocked(deadline)
	}

	n := int(binary.LittleEndian.Uint32(sb.peekLocked(headerSize)))
	total := headerSize + n
	for sb.size < total {
		if deadlinePassed(deadline) {
			return nil, errors.New(errors.Timeout, "stream buffer read timed out")
		}
		sb.waitLocked(deadline)
	}

	payload := sb.peekLocked(total)[headerSize:]
	sb.discardLocked(total)
	sb.cond.Broadcast()
	return payload, nil
}

// Close marks the buffer closed, waking every blocked reader and writer.
// Pending committed packets remain readable; writes after Close fail.
func (sb *StreamBuffer) Close() {
	sb.mu.Lock()
	sb.closed = true
	sb.cond.Broadcast()
	sb.mu.Unlock()
}
