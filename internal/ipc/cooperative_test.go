package ipc

import (
	"errors"
	"net"
	"testing"
	"time"
)

// The cooperative variant must return ErrWouldBlock rather than blocking
// when no frame is yet available, and must succeed once one arrives
// (§4.1 "cooperative variant").
func TestCooperativeReaderWouldBlockThenSucceeds(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	cr := NewCooperativeReader(server)

	if _, err := cr.TryReadFrame(); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock on empty pipe, got %v", err)
	}

	done := make(chan struct{})
	go func() {
		w := NewWriter(client)
		_ = w.WriteU8(9)
		close(done)
	}()

	var f Frame
	var err error
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		f, err = cr.TryReadFrame()
		if err == nil {
			break
		}
		if !errors.Is(err, ErrWouldBlock) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err != nil {
		t.Fatalf("expected frame before deadline, last err %v", err)
	}
	<-done
	v, err := f.U8()
	if err != nil || v != 9 {
		t.Fatalf("unexpected frame: %v err %v", v, err)
	}
}

// A partial header (or payload) that straddles more than one TryReadFrame
// call must not desync the framing: bytes already consumed toward the
// in-progress frame must be remembered, not re-parsed as a fresh header
// (§4.1's "safe to retry" contract). This writes one frame a single byte
// at a time, each separated by a pause longer than the reader's 1ms
// would-block deadline, forcing several ErrWouldBlock round trips mid
// header and mid payload before the frame completes.
func TestCooperativeReaderResumesPartialFrameAcrossCalls(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	cr := NewCooperativeReader(server)
	encoded := EncodeFrame(TypeU8, []byte{7})

	writeDone := make(chan struct{})
	go func() {
		for _, b := range encoded {
			_, _ = client.Write([]byte{b})
			time.Sleep(3 * time.Millisecond)
		}
		close(writeDone)
	}()

	var f Frame
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f, err = cr.TryReadFrame()
		if err == nil {
			break
		}
		if !errors.Is(err, ErrWouldBlock) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	<-writeDone
	if err != nil {
		t.Fatalf("expected frame before deadline, last err %v", err)
	}
	v, err := f.U8()
	if err != nil || v != 7 {
		t.Fatalf("unexpected frame: %v err %v", v, err)
	}
}

func TestCooperativeWriterDrainsFully(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	cw := NewCooperativeWriter(server)
	encoded := EncodeFrame(TypeU8, []byte{1})

	go func() {
		_ = cw.Enqueue(encoded)
	}()

	r := NewReader(client)
	f, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if v, _ := f.U8(); v != 1 {
		t.Fatalf("unexpected value %v", v)
	}
}
