package stream

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestHandleDataInOrder(t *testing.T) {
	s := New()
	s.SetISN(1587232+1, 0) // the first data byte follows the SYN at 1587232
	s.Inbound().SetLimit(1 << 16)

	if !s.HandleData(1587233, []byte("Hello, world!"), nil) {
		t.Fatal("HandleData should report new data")
	}
	if got := s.ReadableBufferedLength(); got != 13 {
		t.Fatalf("ReadableBufferedLength = %d, want 13", got)
	}
	data, ok := s.Inbound().ReadSegment(0, 13)
	if !ok {
		t.Fatal("ReadSegment not ok")
	}
	if diff := cmp.Diff("Hello, world!", string(data)); diff != "" {
		t.Errorf("unexpected contents (-want +got):\n%s", diff)
	}
}

func TestHandleDataRetransmit(t *testing.T) {
	s := New()
	s.SetISN(1, 0)
	s.Inbound().SetLimit(1 << 16)

	payload := make([]byte, 64)
	if !s.HandleData(1, payload, nil) {
		t.Fatal("first segment should be new data")
	}
	if s.HandleData(1, payload, nil) {
		t.Fatal("duplicate segment should not be reported as new data")
	}
	if s.RetransmitCount() != 1 {
		t.Fatalf("RetransmitCount = %d, want 1", s.RetransmitCount())
	}
	if s.TotalBufferedLength() != 64 {
		t.Fatalf("TotalBufferedLength = %d, want 64", s.TotalBufferedLength())
	}
}

func TestWindowScaleInference(t *testing.T) {
	s := New()
	s.SetISN(1, 0)
	s.Inbound().SetLimit(1 << 16) // 64 KiB window, scale 0, unobserved

	offset := uint64(200000)
	payload := make([]byte, 10)
	if !s.HandleData(uint32(offset)+1, payload, nil) {
		t.Fatal("far-offset segment should be accepted once the window is extended")
	}
	if s.WindowScale() < 2 {
		t.Fatalf("WindowScale = %d, want >= 2", s.WindowScale())
	}
}

func TestFinAndAck(t *testing.T) {
	fwd := New()
	fwd.SetISN(0, 0)
	fwd.Inbound().SetLimit(1 << 16)
	rev := New()
	rev.SetISN(1000, 0)
	rev.Inbound().SetLimit(1 << 16)

	fwd.HandleData(1, []byte("Hi"), nil)
	fwd.HandleFin(3, 0, nil)

	// Server acks past the FIN offset (3) on the forward stream.
	if !fwd.HandleAck(4, 65535, nil) {
		t.Fatal("ack should advance highest_acked")
	}
	if !fwd.HasEnded() {
		t.Fatal("HasEnded should be true once ack passes final offset")
	}
	if !fwd.Finished() {
		t.Fatal("Finished should be true")
	}
	_ = rev
}

func TestSequenceWrap(t *testing.T) {
	s := New()
	isn := uint32(4294960000)
	s.SetISN(isn+1, 0) // the first data byte follows the SYN at isn
	s.Inbound().SetLimit(1 << 20)

	total := 10 * 1024
	fed := make([]byte, total)
	for i := range fed {
		fed[i] = byte(i)
	}

	chunk := 1024
	for i := 0; i < total; i += chunk {
		seq := isn + 1 + uint32(i)
		if !s.HandleData(seq, fed[i:i+chunk], nil) {
			t.Fatalf("chunk at %d should be new data", i)
		}
	}

	if got := s.ReadableBufferedLength(); got != uint64(total) {
		t.Fatalf("ReadableBufferedLength = %d, want %d", got, total)
	}
	data, ok := s.Inbound().ReadSegment(0, uint64(total))
	if !ok {
		t.Fatal("ReadSegment not ok")
	}
	if diff := cmp.Diff(fed, data); diff != "" {
		t.Errorf("unexpected contents (-want +got):\n%s", diff)
	}
}

func TestHandleRstValidation(t *testing.T) {
	s := New()
	s.SetISN(0, 0)
	s.Inbound().SetLimit(1 << 16)
	s.HandleAck(1000, 65535, nil) // highest_acked = 1000

	if !s.HandleRst(1000, nil) {
		t.Fatal("RST near highest_acked should be accepted")
	}
	if !s.HadReset() {
		t.Fatal("HadReset should be true")
	}
}

func TestHandleRstRejectsImplausibleOffset(t *testing.T) {
	s := New()
	s.SetISN(0, 0)
	s.Inbound().SetLimit(1 << 20)
	s.HandleAck(1000, 65535, nil)

	if s.HandleRst(1000+(32<<20), nil) {
		t.Fatal("RST far past highest_acked should be rejected")
	}
}
