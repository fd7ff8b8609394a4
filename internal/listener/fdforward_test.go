package listener

import (
	"net"
	"syscall"
	"testing"
)

func socketpairUnixConns(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	f0 := fdFile(fds[0])
	f1 := fdFile(fds[1])
	c0, err := net.FileConn(f0)
	if err != nil {
		t.Fatalf("FileConn(0): %v", err)
	}
	c1, err := net.FileConn(f1)
	if err != nil {
		t.Fatalf("FileConn(1): %v", err)
	}
	f0.Close()
	f1.Close()
	return c0.(*net.UnixConn), c1.(*net.UnixConn)
}

func TestForwardAndReceiveFD(t *testing.T) {
	ctrlA, ctrlB := socketpairUnixConns(t)
	defer ctrlA.Close()
	defer ctrlB.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	clientDone := make(chan error, 1)
	go func() {
		conn, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			clientDone <- err
			return
		}
		defer conn.Close()
		_, err = conn.Write([]byte("hello"))
		clientDone <- err
	}()

	accepted, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	fwd := NewFDForwarder(ctrlA)
	if err := fwd.Forward(accepted); err != nil {
		t.Fatalf("forward: %v", err)
	}

	received, err := ReceiveFD(ctrlB)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	defer received.Close()

	if err := <-clientDone; err != nil {
		t.Fatalf("client write: %v", err)
	}

	buf := make([]byte, 5)
	n, err := received.Read(buf)
	if err != nil {
		t.Fatalf("read forwarded conn: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", buf[:n])
	}
}
