package privacy

import "testing"

func TestHash(t *testing.T) {
	a := Hash("+19378962713")
	b := Hash("+19378962713")
	if a != b {
		t.Fatal("hash must be deterministic")
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
	if a == Hash("+19378962714") {
		t.Fatal("different inputs must hash differently")
	}
	if a == "+19378962713" {
		t.Fatal("hash must not echo the input")
	}
}
