package notification

import (
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"agentd/internal/model"
	"agentd/internal/uuidx"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestServeMuxRegisterAndReduceCaps(t *testing.T) {
	svc := New()
	srv := NewServer(svc, testLogger())

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	go func() { _ = srv.ServeMux(server) }()

	mc := NewMuxClient(client, testLogger())
	sender, drain := collector(4)
	mc.RegisterClient(ReservedClientIDs, 4, sender)

	mc.ReduceCaps(ReservedClientIDs, 7, model.NewCapabilitiesEmpty(MethodCount))

	got := drain()
	if len(got) != 1 {
		t.Fatalf("expected 1 response, got %d", len(got))
	}
	if got[0].Method != MethodReduceCaps || got[0].Status != StatusOK || got[0].Offset != 7 {
		t.Fatalf("unexpected response: %+v", got[0])
	}

	// Caps are now empty: a further reduce-caps call should come back
	// unauthorized.
	mc.ReduceCaps(ReservedClientIDs, 8, model.NewCapabilitiesFull(MethodCount))
	got = drain()
	if len(got) != 1 || got[0].Status != StatusUnauthorized {
		t.Fatalf("expected unauthorized response, got %+v", got)
	}

	mc.UnregisterClient(ReservedClientIDs)
}

func TestServeSingleControlClientDrivesBlockUpdate(t *testing.T) {
	svc := New()
	srv := NewServer(svc, testLogger())

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	go func() { _ = srv.ServeSingle(ClientCanonization, server) }()

	cc := NewControlClient(client)
	want := uuidx.New()
	cc.BlockUpdate(ClientCanonization, 1, want)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if svc.LatestBlockID() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("latest block id never reached %v, got %v", want, svc.LatestBlockID())
}
