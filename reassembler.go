package stream

import (
	"encoding/binary"

	"github.com/eapache/queue"
	"github.com/pkg/errors"
)

// Wire format limits.
const (
	// HeaderLen is the size of the big-endian length prefix in front of every payload.
	HeaderLen = 2
	// MaxPayloadLen is the largest payload a 2-byte length prefix can describe.
	MaxPayloadLen = 1<<16 - 1
)

// Errors returned by the reassembler and the frame encoder.
var (
	// ErrMalformedHeader is returned when a length prefix is decoded from fewer than HeaderLen bytes.
	ErrMalformedHeader = errors.New("stream: malformed frame header")
	// ErrPayloadTooLarge is returned when a payload exceeds the wire ceiling or the configured limit.
	ErrPayloadTooLarge = errors.New("stream: payload too large")
)

// Phase identifies which part of a frame the reassembler is waiting for.
type Phase int

const (
	// PhaseHeader accumulates the 2-byte length prefix.
	PhaseHeader Phase = iota
	// PhasePayload accumulates exactly as many bytes as the prefix declared.
	PhasePayload
)

func (p Phase) String() string {
	switch p {
	case PhaseHeader:
		return "header"
	case PhasePayload:
		return "payload"
	default:
		return "unknown"
	}
}

// frame is the message under construction: the decoded length and the payload
// collected so far.
type frame struct {
	length  uint16
	payload []byte
}

// ReassemblerOption configures a Reassembler.
type ReassemblerOption func(*Reassembler)

// MaxPayloadLength returns a ReassemblerOption that rejects frames whose declared
// length is larger than n. The check happens when the header is decoded, before
// any payload memory is allocated. Zero keeps the wire ceiling (MaxPayloadLen).
func MaxPayloadLength(n uint16) ReassemblerOption {
	return func(r *Reassembler) {
		if n > 0 {
			r.maxPayload = n
		}
	}
}

// PhaseHook returns a ReassemblerOption that registers fn to be called on every
// phase transition with the phase just entered and the number of bytes it needs.
// A zero-length frame completes on its header, so it reports a single transition
// back to PhaseHeader.
func PhaseHook(fn func(next Phase, remaining uint16)) ReassemblerOption {
	return func(r *Reassembler) {
		r.onPhase = fn
	}
}

// Reassembler rebuilds length-prefixed frames from a byte stream that arrives in
// arbitrary chunks. Bytes are pushed with WriteByte or Write; completed payloads
// are collected with Drain in the order they completed.
//
// Feeding the stream one byte at a time, all at once, or in any other split
// yields the same payloads. A Reassembler is owned by a single goroutine and
// has no internal locking.
type Reassembler struct {
	current   frame
	phase     Phase
	remaining uint16
	working   []byte
	hdr       [HeaderLen]byte

	// completed holds finished frames, oldest first.
	completed *queue.Queue

	maxPayload uint16
	onPhase    func(Phase, uint16)
	err        error
}

// NewReassembler returns a Reassembler waiting for the first length prefix.
func NewReassembler(opts ...ReassemblerOption) *Reassembler {
	r := &Reassembler{
		completed:  queue.New(),
		maxPayload: MaxPayloadLen,
	}
	for _, o := range opts {
		o(r)
	}
	r.arm(PhaseHeader, HeaderLen, r.hdr[:0])
	return r
}

// Remaining returns how many bytes the current phase still needs. Callers may
// use it to size reads so they stop at a frame boundary.
func (r *Reassembler) Remaining() uint16 {
	return r.remaining
}

// Phase returns the phase the reassembler is currently in.
func (r *Reassembler) Phase() Phase {
	return r.phase
}

// DeclaredLength returns the payload length decoded for the frame in progress.
// It is only meaningful while in PhasePayload.
func (r *Reassembler) DeclaredLength() uint16 {
	return r.current.length
}

// Completed returns the number of assembled payloads waiting to be drained.
func (r *Reassembler) Completed() int {
	return r.completed.Length()
}

// Err returns the error that stopped the stream, or nil.
func (r *Reassembler) Err() error {
	return r.err
}

// WriteByte ingests a single byte of the stream. It never fails unless a
// MaxPayloadLength limit was exceeded, in which case the stream is dead and the
// same error is returned for every later call until Reset.
func (r *Reassembler) WriteByte(c byte) error {
	if r.err != nil {
		return r.err
	}
	r.working = append(r.working, c)
	r.remaining--
	if r.remaining == 0 {
		return r.advance()
	}
	return nil
}

// Write ingests a chunk of the stream. It is equivalent to calling WriteByte for
// every byte of p, but copies payload bytes in runs. On error n is the number
// of bytes consumed, including the byte that completed the rejected header.
func (r *Reassembler) Write(p []byte) (n int, err error) {
	for n < len(p) {
		if r.err != nil {
			return n, r.err
		}
		k := 1
		if r.phase == PhasePayload {
			k = min(int(r.remaining), len(p)-n)
		}
		r.working = append(r.working, p[n:n+k]...)
		r.remaining -= uint16(k)
		n += k
		if r.remaining == 0 {
			_ = r.advance()
		}
	}
	return n, r.err
}

// Drain removes every completed payload and returns them oldest first. The
// caller owns the returned slices.
func (r *Reassembler) Drain() [][]byte {
	if r.completed.Length() == 0 {
		return nil
	}
	out := make([][]byte, 0, r.completed.Length())
	for r.completed.Length() > 0 {
		out = append(out, r.completed.Remove().(frame).payload)
	}
	return out
}

// Reset drops the frame in progress, all undrained payloads and any stream
// error, leaving the reassembler ready for a new stream.
func (r *Reassembler) Reset() {
	r.completed = queue.New()
	r.current = frame{}
	r.err = nil
	r.arm(PhaseHeader, HeaderLen, r.hdr[:0])
}

// advance runs when the current phase has all its bytes.
func (r *Reassembler) advance() error {
	if r.phase == PhasePayload {
		r.current.payload = r.working
		r.complete()
		return nil
	}

	n, err := decodeHeader(r.working)
	if err != nil {
		r.err = err
		return err
	}
	r.current.length = n

	if n > r.maxPayload {
		r.err = errors.Wrapf(ErrPayloadTooLarge, "declared %d bytes, limit %d", n, r.maxPayload)
		return r.err
	}

	if n == 0 {
		r.current.payload = []byte{}
		r.complete()
		return nil
	}

	r.arm(PhasePayload, n, make([]byte, 0, n))
	r.notify()
	return nil
}

func (r *Reassembler) complete() {
	r.completed.Add(r.current)
	r.current = frame{}
	r.arm(PhaseHeader, HeaderLen, r.hdr[:0])
	r.notify()
}

func (r *Reassembler) arm(p Phase, need uint16, buf []byte) {
	r.phase = p
	r.remaining = need
	r.working = buf
}

func (r *Reassembler) notify() {
	if r.onPhase != nil {
		r.onPhase(r.phase, r.remaining)
	}
}

// decodeHeader reads the big-endian payload length from b.
func decodeHeader(b []byte) (uint16, error) {
	if len(b) < HeaderLen {
		return 0, errors.Wrapf(ErrMalformedHeader, "have %d of %d bytes", len(b), HeaderLen)
	}
	return binary.BigEndian.Uint16(b), nil
}
