package gate

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
)

func TestGate_Exclusive(t *testing.T) {
	g := New()

	if !g.TryAcquire("A") {
		t.Fatal("first acquire should succeed")
	}
	if g.TryAcquire("A") {
		t.Error("second acquire before release must fail")
	}
	if !g.TryAcquire("B") {
		t.Error("other ids must not be blocked")
	}

	g.Release("A")
	if !g.TryAcquire("A") {
		t.Error("acquire after release should succeed")
	}
}

func TestGate_ReleaseIdempotent(t *testing.T) {
	g := New()
	g.Release("never-held")

	g.TryAcquire("A")
	g.Release("A")
	g.Release("A")

	if g.Len() != 0 {
		t.Errorf("Len() = %d, want 0", g.Len())
	}
	if !g.TryAcquire("A") {
		t.Error("double release must leave the id acquirable exactly once")
	}
	if g.TryAcquire("A") {
		t.Error("double release must not admit two holders")
	}
}

func TestGate_Held(t *testing.T) {
	g := New()
	for _, id := range []string{"C", "A", "B"} {
		g.TryAcquire(id)
	}
	g.Release("B")

	if got, want := g.Held(), []string{"A", "C"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Held() = %v, want %v", got, want)
	}
}

func TestGate_ConcurrentAcquireSingleWinner(t *testing.T) {
	g := New()

	for round := range 20 {
		id := fmt.Sprintf("miner-%d", round)
		var winners atomic.Int32
		var wg sync.WaitGroup

		for range 64 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if g.TryAcquire(id) {
					winners.Add(1)
				}
			}()
		}
		wg.Wait()

		if n := winners.Load(); n != 1 {
			t.Fatalf("round %d: %d goroutines acquired %s, want 1", round, n, id)
		}
	}
}

func TestGate_HolderNeverOverlaps(t *testing.T) {
	g := New()
	var inside atomic.Int32
	var wg sync.WaitGroup

	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				if !g.TryAcquire("A") {
					continue
				}
				if inside.Add(1) != 1 {
					t.Error("two holders inside the critical section")
				}
				inside.Add(-1)
				g.Release("A")
			}
		}()
	}
	wg.Wait()
}
