package notification

import (
	"testing"
	"time"

	"agentd/internal/model"
	"agentd/internal/uuidx"
)

func collector(depth int) (Sender, func() []Response) {
	out := make(chan Response, depth)
	sender := func(r Response) { out <- r }
	drain := func() []Response {
		var got []Response
		for {
			select {
			case r := <-out:
				got = append(got, r)
			case <-time.After(50 * time.Millisecond):
				return got
			}
		}
	}
	return sender, drain
}

func TestAssertionInvalidatedOnBlockUpdate(t *testing.T) {
	s := New()
	latest := uuidx.New()
	s.RegisterClient(1, 4, func(Response) {})
	s.BlockUpdate(1, 0, latest)

	sendCh, drain := collector(4)
	s.RegisterClient(2, 4, sendCh)

	s.BlockAssertion(2, 7177, latest)
	if len(drain()) != 0 {
		t.Fatal("expected no immediate response for a matching assertion")
	}

	next := uuidx.New()
	s.BlockUpdate(1, 1, next)

	got := drain()
	if len(got) != 1 {
		t.Fatalf("expected exactly one invalidation, got %d", len(got))
	}
	if got[0].Method != MethodBlockAssertion || got[0].Status != StatusOK || got[0].Offset != 7177 {
		t.Fatalf("unexpected response: %+v", got[0])
	}
}

func TestAssertionAgainstNonLatestInvalidatesImmediately(t *testing.T) {
	s := New()
	latest := uuidx.New()
	s.RegisterClient(1, 4, func(Response) {})
	s.BlockUpdate(1, 0, latest)

	sendCh, drain := collector(4)
	s.RegisterClient(2, 4, sendCh)

	other := uuidx.New()
	s.BlockAssertion(2, 42, other)

	got := drain()
	if len(got) != 1 || got[0].Status != StatusOK || got[0].Offset != 42 {
		t.Fatalf("expected immediate invalidation, got %+v", got)
	}
}

func TestReduceCapsLockout(t *testing.T) {
	s := New()
	sendCh, drain := collector(4)
	s.RegisterClient(1, 4, sendCh)

	s.ReduceCaps(1, 7177, model.NewCapabilitiesEmpty(MethodCount))
	s.BlockUpdate(1, 7177, uuidx.New())
	s.ReduceCaps(1, 7177, model.NewCapabilitiesEmpty(MethodCount))

	got := drain()
	if len(got) != 3 {
		t.Fatalf("expected 3 responses, got %d: %+v", len(got), got)
	}
	if got[0].Status != StatusOK {
		t.Fatalf("first reduce-caps should succeed: %+v", got[0])
	}
	if got[1].Status != StatusUnauthorized || got[1].Method != MethodBlockUpdate || got[1].Offset != 7177 {
		t.Fatalf("expected unauthorized block-update: %+v", got[1])
	}
	if got[2].Status != StatusUnauthorized || got[2].Method != MethodReduceCaps {
		t.Fatalf("expected unauthorized second reduce-caps: %+v", got[2])
	}
}

func TestBlockAssertionCancel(t *testing.T) {
	s := New()
	latest := uuidx.New()
	s.RegisterClient(1, 4, func(Response) {})
	s.BlockUpdate(1, 0, latest)

	sendCh, drain := collector(4)
	s.RegisterClient(2, 4, sendCh)
	s.BlockAssertion(2, 9, latest)
	s.BlockAssertionCancel(2, 9)

	got := drain()
	if len(got) != 1 || got[0].Method != MethodBlockAssertionCancel || got[0].Status != StatusOK {
		t.Fatalf("expected cancel response, got %+v", got)
	}

	// A later block-update to a different id must not re-invalidate the
	// canceled assertion.
	s.BlockUpdate(1, 1, uuidx.New())
	if len(drain()) != 0 {
		t.Fatal("canceled assertion should not fire on a later update")
	}
}

func TestBlockAssertionBeforeFirstUpdateMatchesZero(t *testing.T) {
	s := New()
	sendCh, drain := collector(4)
	s.RegisterClient(1, 4, sendCh)

	s.BlockAssertion(1, 3, uuidx.Zero())
	if len(drain()) != 0 {
		t.Fatal("assertion against zero latest before any update should be retained, not invalidated")
	}
}
