package stream

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
)

// frameBytes builds the wire form of payload without going through EncodeFrame.
func frameBytes(payload []byte) []byte {
	out := []byte{byte(len(payload) >> 8), byte(len(payload))}
	return append(out, payload...)
}

func concatFrames(payloads ...[]byte) []byte {
	var out []byte
	for _, p := range payloads {
		out = append(out, frameBytes(p)...)
	}
	return out
}

func assertPayloads(t *testing.T, got, want [][]byte) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d payloads, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("payload %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestReassembler_InitialState(t *testing.T) {
	r := NewReassembler()

	if r.Remaining() != HeaderLen {
		t.Errorf("Remaining() = %d, want %d", r.Remaining(), HeaderLen)
	}
	if r.Phase() != PhaseHeader {
		t.Errorf("Phase() = %v, want %v", r.Phase(), PhaseHeader)
	}
	if r.Completed() != 0 {
		t.Errorf("Completed() = %d, want 0", r.Completed())
	}
	if got := r.Drain(); len(got) != 0 {
		t.Errorf("Drain() on fresh reassembler returned %d payloads", len(got))
	}
}

func TestReassembler_ByteAtATime(t *testing.T) {
	r := NewReassembler()
	input := []byte{0x00, 0x03, 0x41, 0x42, 0x43}
	wantRemaining := []uint16{1, 3, 2, 1, 2}

	for i, b := range input {
		if err := r.WriteByte(b); err != nil {
			t.Fatalf("WriteByte(%#x) failed: %v", b, err)
		}
		if r.Remaining() != wantRemaining[i] {
			t.Errorf("after byte %d Remaining() = %d, want %d", i, r.Remaining(), wantRemaining[i])
		}
		if i < len(input)-1 && r.Completed() != 0 {
			t.Fatalf("message completed early at byte %d", i)
		}
	}

	if r.Completed() != 1 {
		t.Fatalf("Completed() = %d, want 1", r.Completed())
	}
	assertPayloads(t, r.Drain(), [][]byte{[]byte("ABC")})

	if got := r.Drain(); len(got) != 0 {
		t.Errorf("second Drain() returned %d payloads, want 0", len(got))
	}
}

func TestReassembler_DeclaredLength(t *testing.T) {
	r := NewReassembler()
	_ = r.WriteByte(0x01)
	_ = r.WriteByte(0x02)

	if r.Phase() != PhasePayload {
		t.Fatalf("Phase() = %v, want %v", r.Phase(), PhasePayload)
	}
	if r.DeclaredLength() != 0x0102 {
		t.Errorf("DeclaredLength() = %d, want %d", r.DeclaredLength(), 0x0102)
	}
	if r.Remaining() != 0x0102 {
		t.Errorf("Remaining() = %d, want %d", r.Remaining(), 0x0102)
	}
}

func TestReassembler_ZeroLength(t *testing.T) {
	r := NewReassembler()

	if _, err := r.Write([]byte{0x00, 0x00}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if r.Completed() != 1 {
		t.Fatalf("Completed() = %d, want 1", r.Completed())
	}
	if r.Phase() != PhaseHeader || r.Remaining() != HeaderLen {
		t.Errorf("state = %v/%d, want header/%d", r.Phase(), r.Remaining(), HeaderLen)
	}

	got := r.Drain()
	if len(got) != 1 {
		t.Fatalf("Drain() returned %d payloads, want 1", len(got))
	}
	if got[0] == nil || len(got[0]) != 0 {
		t.Errorf("payload = %v, want empty non-nil slice", got[0])
	}
}

func TestReassembler_RoundTrip(t *testing.T) {
	sizes := []int{0, 1, 2, 255, 256, 4096, MaxPayloadLen}

	for _, size := range sizes {
		t.Run(fmt.Sprintf("len=%d", size), func(t *testing.T) {
			payload := make([]byte, size)
			for i := range payload {
				payload[i] = byte(i * 7)
			}

			r := NewReassembler()
			n, err := r.Write(frameBytes(payload))
			if err != nil {
				t.Fatalf("Write failed: %v", err)
			}
			if n != size+HeaderLen {
				t.Errorf("Write returned %d, want %d", n, size+HeaderLen)
			}
			assertPayloads(t, r.Drain(), [][]byte{payload})
		})
	}
}

func TestReassembler_MultipleMessagesOneChunk(t *testing.T) {
	r := NewReassembler()
	first, second := []byte("first"), []byte("second message")

	if _, err := r.Write(concatFrames(first, second)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if r.Completed() != 2 {
		t.Fatalf("Completed() = %d, want 2", r.Completed())
	}
	assertPayloads(t, r.Drain(), [][]byte{first, second})
	if r.Completed() != 0 {
		t.Errorf("Completed() after Drain = %d, want 0", r.Completed())
	}
}

func TestReassembler_InterleavedDrains(t *testing.T) {
	r := NewReassembler()
	first, second := []byte("one"), []byte("two!")
	stream := concatFrames(first, second)
	split := len(frameBytes(first)) + 3 // header and one byte of the second frame

	if _, err := r.Write(stream[:split]); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	assertPayloads(t, r.Drain(), [][]byte{first})

	if r.Phase() != PhasePayload || r.Remaining() != 3 {
		t.Fatalf("state = %v/%d, want payload/3", r.Phase(), r.Remaining())
	}

	if _, err := r.Write(stream[split:]); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	assertPayloads(t, r.Drain(), [][]byte{second})
}

func TestReassembler_ChunkingInvariance(t *testing.T) {
	payloads := [][]byte{
		[]byte("hello"),
		{},
		bytes.Repeat([]byte{0xAB}, 300),
		[]byte("x"),
		{},
		bytes.Repeat([]byte("frame"), 50),
	}
	stream := concatFrames(payloads...)

	feed := func(t *testing.T, chunks [][]byte) [][]byte {
		t.Helper()
		r := NewReassembler()
		for _, c := range chunks {
			if _, err := r.Write(c); err != nil {
				t.Fatalf("Write failed: %v", err)
			}
		}
		return r.Drain()
	}

	t.Run("byte at a time", func(t *testing.T) {
		r := NewReassembler()
		for _, b := range stream {
			if err := r.WriteByte(b); err != nil {
				t.Fatalf("WriteByte failed: %v", err)
			}
		}
		assertPayloads(t, r.Drain(), payloads)
	})

	t.Run("single chunk", func(t *testing.T) {
		assertPayloads(t, feed(t, [][]byte{stream}), payloads)
	})

	for _, size := range []int{1, 2, 3, 5, 7, 64, 301} {
		size := size
		t.Run(fmt.Sprintf("fixed %d", size), func(t *testing.T) {
			var chunks [][]byte
			for off := 0; off < len(stream); off += size {
				chunks = append(chunks, stream[off:min(off+size, len(stream))])
			}
			assertPayloads(t, feed(t, chunks), payloads)
		})
	}

	t.Run("random splits", func(t *testing.T) {
		rng := rand.New(rand.NewSource(42))
		for round := 0; round < 50; round++ {
			var chunks [][]byte
			for off := 0; off < len(stream); {
				n := 1 + rng.Intn(40)
				end := min(off+n, len(stream))
				chunks = append(chunks, stream[off:end])
				off = end
			}
			assertPayloads(t, feed(t, chunks), payloads)
		}
	})
}

func TestReassembler_DrainReturnsOwnedSlices(t *testing.T) {
	r := NewReassembler()
	_, _ = r.Write(concatFrames([]byte("ab"), []byte("cd")))
	got := r.Drain()

	// Further traffic must not touch what the caller already holds.
	_, _ = r.Write(concatFrames([]byte("zz"), []byte("yy")))
	assertPayloads(t, got, [][]byte{[]byte("ab"), []byte("cd")})
}

func TestReassembler_MaxPayloadLength(t *testing.T) {
	t.Run("at limit", func(t *testing.T) {
		r := NewReassembler(MaxPayloadLength(4))
		if _, err := r.Write(frameBytes([]byte("abcd"))); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		assertPayloads(t, r.Drain(), [][]byte{[]byte("abcd")})
	})

	t.Run("over limit", func(t *testing.T) {
		r := NewReassembler(MaxPayloadLength(4))
		stream := concatFrames([]byte("ok"), []byte("too long"))

		n, err := r.Write(stream)
		if !errors.Is(err, ErrPayloadTooLarge) {
			t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
		}
		// Stops right after the offending header.
		if want := len(frameBytes([]byte("ok"))) + HeaderLen; n != want {
			t.Errorf("Write consumed %d bytes, want %d", n, want)
		}
		assertPayloads(t, r.Drain(), [][]byte{[]byte("ok")})

		if !errors.Is(r.Err(), ErrPayloadTooLarge) {
			t.Errorf("Err() = %v, want ErrPayloadTooLarge", r.Err())
		}
		if err := r.WriteByte('x'); !errors.Is(err, ErrPayloadTooLarge) {
			t.Errorf("WriteByte after failure = %v, want ErrPayloadTooLarge", err)
		}
		if n, err := r.Write([]byte{0x00, 0x00}); n != 0 || err == nil {
			t.Errorf("Write after failure = (%d, %v), want (0, error)", n, err)
		}
	})

	t.Run("zero keeps wire ceiling", func(t *testing.T) {
		r := NewReassembler(MaxPayloadLength(0))
		payload := make([]byte, MaxPayloadLen)
		if _, err := r.Write(frameBytes(payload)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if r.Completed() != 1 {
			t.Errorf("Completed() = %d, want 1", r.Completed())
		}
	})
}

func TestReassembler_PhaseHook(t *testing.T) {
	type transition struct {
		phase     Phase
		remaining uint16
	}
	var got []transition
	r := NewReassembler(PhaseHook(func(next Phase, remaining uint16) {
		got = append(got, transition{next, remaining})
	}))

	if len(got) != 0 {
		t.Fatalf("hook fired during construction: %v", got)
	}

	_, _ = r.Write(concatFrames([]byte("hi"), nil))

	want := []transition{
		{PhasePayload, 2},
		{PhaseHeader, HeaderLen},
		{PhaseHeader, HeaderLen},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d transitions %v, want %v", len(got), got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestReassembler_Reset(t *testing.T) {
	r := NewReassembler(MaxPayloadLength(1))
	_, _ = r.Write(frameBytes([]byte("a")))
	_, err := r.Write([]byte{0x00, 0x09})
	if err == nil {
		t.Fatal("expected error before Reset")
	}

	r.Reset()

	if r.Err() != nil {
		t.Errorf("Err() after Reset = %v, want nil", r.Err())
	}
	if r.Completed() != 0 {
		t.Errorf("Completed() after Reset = %d, want 0", r.Completed())
	}
	if r.Phase() != PhaseHeader || r.Remaining() != HeaderLen {
		t.Errorf("state after Reset = %v/%d, want header/%d", r.Phase(), r.Remaining(), HeaderLen)
	}

	if _, err := r.Write(frameBytes([]byte("b"))); err != nil {
		t.Fatalf("Write after Reset failed: %v", err)
	}
	assertPayloads(t, r.Drain(), [][]byte{[]byte("b")})
}

func TestDecodeHeader(t *testing.T) {
	tests := []struct {
		name    string
		in      []byte
		want    uint16
		wantErr error
	}{
		{"empty", nil, 0, ErrMalformedHeader},
		{"one byte", []byte{0x01}, 0, ErrMalformedHeader},
		{"big endian", []byte{0x01, 0x02}, 0x0102, nil},
		{"max", []byte{0xFF, 0xFF}, MaxPayloadLen, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeHeader(tt.in)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("decodeHeader() = %#x, want %#x", got, tt.want)
			}
		})
	}
}

func TestPhase_String(t *testing.T) {
	if PhaseHeader.String() != "header" {
		t.Errorf("PhaseHeader.String() = %q", PhaseHeader.String())
	}
	if PhasePayload.String() != "payload" {
		t.Errorf("PhasePayload.String() = %q", PhasePayload.String())
	}
	if Phase(9).String() != "unknown" {
		t.Errorf("Phase(9).String() = %q", Phase(9).String())
	}
}
