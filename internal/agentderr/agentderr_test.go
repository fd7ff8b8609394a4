package agentderr

import "testing"

func TestRestartBudgetExhausts(t *testing.T) {
	b := NewRestartBudget(2)
	if !b.Allow() {
		t.Fatal("first restart should be allowed")
	}
	if !b.Allow() {
		t.Fatal("second restart should be allowed")
	}
	if b.Allow() {
		t.Fatal("third restart should be denied")
	}
	if !b.Exhausted() {
		t.Fatal("budget should report exhausted")
	}
}
