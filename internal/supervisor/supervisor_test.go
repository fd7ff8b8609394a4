package supervisor

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func noopLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestNeedsKeyOnlyForSigningServices(t *testing.T) {
	cases := map[ServiceName]bool{
		ServiceCanonization: true,
		ServiceAttestation:  true,
		ServiceDataAuth:     false,
		ServiceListener:     false,
		ServiceNotification: false,
	}
	for name, want := range cases {
		if got := needsKey(name); got != want {
			t.Errorf("needsKey(%s) = %v, want %v", name, got, want)
		}
	}
}

func TestStartupOrderMatchesDependencyChain(t *testing.T) {
	want := []ServiceName{
		ServiceRandom, ServiceListener, ServiceDataAuth, ServiceDataCanon,
		ServiceNotification, ServiceProtocol, ServiceAuth, ServiceDataAttest,
		ServiceCanonization, ServiceAttestation,
	}
	if len(StartupOrder) != len(want) {
		t.Fatalf("len(StartupOrder) = %d, want %d", len(StartupOrder), len(want))
	}
	for i, name := range want {
		if StartupOrder[i] != name {
			t.Errorf("StartupOrder[%d] = %s, want %s", i, StartupOrder[i], name)
		}
	}
}

func TestHandoffSlotsNonEmpty(t *testing.T) {
	for name, spec := range Handoffs {
		if len(spec.Slots) == 0 {
			t.Errorf("%s: empty slot list", name)
		}
	}
}

func TestServiceStateString(t *testing.T) {
	if StateRunning.String() != "running" {
		t.Fatalf("got %q", StateRunning.String())
	}
	if StateReaped.String() != "reaped" {
		t.Fatalf("got %q", StateReaped.String())
	}
}

func TestFleetStateBeforeSpawnIsUnknown(t *testing.T) {
	f := New("/bin/true", noopLogger())
	if _, ok := f.State(ServiceRandom); ok {
		t.Fatal("expected no state before spawn")
	}
}
