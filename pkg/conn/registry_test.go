package conn

import (
	"testing"

	"github.com/geoassist/relay/pkg/protocol"
)

func TestRegistryFiresInRegistrationOrder(t *testing.T) {
	var r registry
	var order []int

	r.addOpen(func() { order = append(order, 1) })
	r.addOpen(func() { order = append(order, 2) })
	r.addOpen(func() { order = append(order, 3) })

	r.fireOpen()

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("handlers ran out of order: %v", order)
	}
}

func TestRegistryRemove(t *testing.T) {
	var r registry
	var got []string

	tokA := r.addMessage(func(*protocol.Frame) { got = append(got, "a") })
	r.addMessage(func(*protocol.Frame) { got = append(got, "b") })

	f := &protocol.Frame{Kind: protocol.KindStatus}
	r.fireMessage(f)
	r.remove(tokA)
	r.fireMessage(f)

	want := []string{"a", "b", "b"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestRegistryCount(t *testing.T) {
	var r registry
	if r.count() != 0 {
		t.Fatalf("empty registry count = %d", r.count())
	}
	tok := r.addClose(func(int) {})
	r.addError(func(error) {})
	r.addLost(func() {})
	if r.count() != 3 {
		t.Fatalf("count = %d, want 3", r.count())
	}
	r.remove(tok)
	if r.count() != 2 {
		t.Fatalf("count after remove = %d, want 2", r.count())
	}
}
