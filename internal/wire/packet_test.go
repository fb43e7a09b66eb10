package wire

import (
	"bytes"
	"errors"
	"testing"
)

func reassembleAll(t *testing.T, packets []Packet) []byte {
	t.Helper()
	var r Reassembler
	for i, p := range packets {
		msg, complete, err := r.Feed(p)
		if err != nil {
			t.Fatalf("feed packet %d: %v", i, err)
		}
		if complete {
			if i != len(packets)-1 {
				t.Fatalf("reassembly completed early at packet %d of %d", i, len(packets))
			}
			return msg
		}
	}
	t.Fatalf("reassembly never completed")
	return nil
}

func TestChunkSinglePacket(t *testing.T) {
	msg := []byte("hello world")
	packets, err := Chunk(msg, 23)
	if err != nil {
		t.Fatal(err)
	}
	if len(packets) != 1 {
		t.Fatalf("got %d packets, want 1", len(packets))
	}
	if packets[0].Flags != FlagSingle || packets[0].Seq != 0 || packets[0].Total != 1 {
		t.Errorf("unexpected single packet header: %+v", packets[0])
	}
	got := reassembleAll(t, packets)
	if !bytes.Equal(got, msg) {
		t.Errorf("reassembled = %q, want %q", got, msg)
	}
}

func TestChunkRoundTripLowMTU(t *testing.T) {
	// Emulates spec.md §8 scenario 4: MTU=23, 120-byte payload, 6 packets.
	msg := bytes.Repeat([]byte("ab"), 60) // 120 bytes
	packets, err := Chunk(msg, 23)
	if err != nil {
		t.Fatal(err)
	}
	if len(packets) != 6 {
		t.Fatalf("got %d packets, want 6", len(packets))
	}
	if packets[0].Flags != FlagStart {
		t.Errorf("packet 0 flags = %x, want START", packets[0].Flags)
	}
	if packets[5].Flags != FlagEnd {
		t.Errorf("packet 5 flags = %x, want END", packets[5].Flags)
	}
	for i, p := range packets {
		if p.Total != 6 {
			t.Errorf("packet %d total = %d, want 6", i, p.Total)
		}
		if int(p.Seq) != i {
			t.Errorf("packet %d seq = %d, want %d", i, p.Seq, i)
		}
	}
	got := reassembleAll(t, packets)
	if !bytes.Equal(got, msg) {
		t.Errorf("reassembled mismatch: got %d bytes, want %d", len(got), len(msg))
	}
}

func TestChunkEncodeDecodeRoundTrip(t *testing.T) {
	msg := bytes.Repeat([]byte("x"), 500)
	packets, err := Chunk(msg, 23)
	if err != nil {
		t.Fatal(err)
	}
	var r Reassembler
	var out []byte
	for _, p := range packets {
		wire := p.Encode()
		decoded, err := DecodePacket(wire)
		if err != nil {
			t.Fatal(err)
		}
		msgOut, complete, err := r.Feed(decoded)
		if err != nil {
			t.Fatal(err)
		}
		if complete {
			out = msgOut
		}
	}
	if !bytes.Equal(out, msg) {
		t.Errorf("round trip mismatch: got %d bytes want %d", len(out), len(msg))
	}
}

func TestReassembleAbortsOnTotalMismatch(t *testing.T) {
	msg := bytes.Repeat([]byte("z"), 100)
	packets, err := Chunk(msg, 23)
	if err != nil {
		t.Fatal(err)
	}

	var r Reassembler
	if _, _, err := r.Feed(packets[0]); err != nil {
		t.Fatal(err)
	}

	bad := packets[1]
	bad.Total = 99 // mismatched total
	if _, _, err := r.Feed(bad); !errors.Is(err, ErrFraming) {
		t.Fatalf("expected ErrFraming, got %v", err)
	}

	// Next START re-enters the normal path (spec.md §4.1).
	var got []byte
	for i, p := range packets {
		out, complete, err := r.Feed(p)
		if err != nil {
			t.Fatalf("feed packet %d after abort: %v", i, err)
		}
		if complete {
			got = out
		}
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("reassembly after abort mismatch")
	}
}

func TestReassembleAbortsOnSeqGap(t *testing.T) {
	msg := bytes.Repeat([]byte("q"), 100)
	packets, err := Chunk(msg, 23)
	if err != nil {
		t.Fatal(err)
	}
	if len(packets) < 3 {
		t.Fatalf("need at least 3 packets for this test, got %d", len(packets))
	}

	var r Reassembler
	if _, _, err := r.Feed(packets[0]); err != nil {
		t.Fatal(err)
	}
	// Skip packet 1, feed packet 2 out of order.
	if _, _, err := r.Feed(packets[2]); !errors.Is(err, ErrFraming) {
		t.Fatalf("expected ErrFraming on seq gap, got %v", err)
	}
}

func TestReassembleDuplicatePacketAborts(t *testing.T) {
	msg := bytes.Repeat([]byte("d"), 100)
	packets, err := Chunk(msg, 23)
	if err != nil {
		t.Fatal(err)
	}

	var r Reassembler
	if _, _, err := r.Feed(packets[0]); err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.Feed(packets[1]); err != nil {
		t.Fatal(err)
	}
	// Re-feed packet 1 (duplicate).
	if _, _, err := r.Feed(packets[1]); !errors.Is(err, ErrFraming) {
		t.Fatalf("expected ErrFraming on duplicate, got %v", err)
	}
}

func TestChunkEmptyMessage(t *testing.T) {
	packets, err := Chunk(nil, 23)
	if err != nil {
		t.Fatal(err)
	}
	if len(packets) != 1 || len(packets[0].Body) != 0 {
		t.Fatalf("expected single empty packet, got %+v", packets)
	}
}

func TestChunkMTUTooSmall(t *testing.T) {
	if _, err := Chunk([]byte("x"), HeaderSize); err == nil {
		t.Fatal("expected error for mtu too small")
	}
}
