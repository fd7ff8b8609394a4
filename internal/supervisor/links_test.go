package supervisor

import "testing"

func TestParseLinksRoundTrip(t *testing.T) {
	links, err := ParseLinks("data-out:protocol:4,random-out:canonization:5")
	if err != nil {
		t.Fatalf("ParseLinks: %v", err)
	}
	want := []ParsedLink{
		{Role: "data-out", Peer: "protocol", FD: 4},
		{Role: "random-out", Peer: "canonization", FD: 5},
	}
	if len(links) != len(want) {
		t.Fatalf("got %d links, want %d", len(links), len(want))
	}
	for i, l := range links {
		if l != want[i] {
			t.Errorf("link %d = %+v, want %+v", i, l, want[i])
		}
	}
}

func TestParseLinksEmpty(t *testing.T) {
	links, err := ParseLinks("")
	if err != nil {
		t.Fatalf("ParseLinks: %v", err)
	}
	if links != nil {
		t.Fatalf("expected nil, got %v", links)
	}
}

func TestParseLinksMalformed(t *testing.T) {
	if _, err := ParseLinks("bad-entry"); err == nil {
		t.Fatal("expected error on malformed entry")
	}
}

func TestNewLinkTableWiresEveryRole(t *testing.T) {
	lt, err := newLinkTable()
	if err != nil {
		t.Fatalf("newLinkTable: %v", err)
	}
	defer func() {
		spawned := map[ServiceName]bool{}
		lt.closeUnused(spawned)
	}()

	protoFiles, protoEnv := lt.extraFiles(ServiceProtocol)
	if len(protoFiles) == 0 {
		t.Fatal("expected protocol to receive link files")
	}
	parsed, err := ParseLinks(protoEnv)
	if err != nil {
		t.Fatalf("ParseLinks(%q): %v", protoEnv, err)
	}
	if len(parsed) != len(protoFiles) {
		t.Fatalf("env describes %d links, got %d files", len(parsed), len(protoFiles))
	}

	var sawDataOut, sawNotifyOut, sawRandomOut, sawAcceptForward bool
	for _, p := range parsed {
		switch p.Role {
		case "data-out":
			sawDataOut = true
		case "notify-out":
			sawNotifyOut = true
		case "random-out":
			sawRandomOut = true
		case "accept-forward":
			sawAcceptForward = true
		}
	}
	if !sawDataOut || !sawNotifyOut || !sawRandomOut || !sawAcceptForward {
		t.Fatalf("protocol missing expected link roles, got %+v", parsed)
	}

	notifyFiles, _ := lt.extraFiles(ServiceNotification)
	if len(notifyFiles) != 2 {
		t.Fatalf("expected notification to produce 2 links (canonization, protocol), got %d", len(notifyFiles))
	}
}
