package rentalqueue

import (
	"fmt"
	"sync"
	"testing"
)

func TestQueue_AdmitDeniesGlobalAtCapacity(t *testing.T) {
	q := New(2)

	q.Enter("user-1", "+1000000001", "session-1")
	q.Enter("user-2", "+1000000002", "session-2")

	decision := q.Admit("user-3")
	if decision.Kind != DenyGlobal {
		t.Fatalf("decision = %v, want DenyGlobal", decision)
	}
}

func TestQueue_AdmitDeniesUserWithinMinInterval(t *testing.T) {
	q := New(15)

	if d := q.Admit("user-1"); d.Kind != Allowed {
		t.Fatalf("first Admit = %v, want Allowed", d)
	}

	decision := q.Admit("user-1")
	if decision.Kind != DenyUser {
		t.Fatalf("second immediate Admit = %v, want DenyUser", decision)
	}
	if decision.Wait <= 0 || decision.Wait > MinUserInterval {
		t.Fatalf("Wait = %v, want in (0, %v]", decision.Wait, MinUserInterval)
	}
}

// TestQueue_AdmitReservesSlotBeforeEnter exercises invariant 6 for a session
// that is admitted and charged but still WAITING on upstream allocation: it
// must already occupy a slot, since the cap bounds |{WAITING, ALLOCATED}|,
// not just ALLOCATED occupants.
func TestQueue_AdmitReservesSlotBeforeEnter(t *testing.T) {
	q := New(1)

	if d := q.Admit("user-1"); d.Kind != Allowed {
		t.Fatalf("first Admit = %v, want Allowed", d)
	}
	if d := q.Admit("user-2"); d.Kind != DenyGlobal {
		t.Fatalf("Admit while user-1's reservation is still pending = %v, want DenyGlobal", d)
	}

	q.Release("user-1")
	if d := q.Admit("user-2"); d.Kind != Allowed {
		t.Fatalf("Admit after Release = %v, want Allowed", d)
	}
}

func TestQueue_LeaveFreesASlot(t *testing.T) {
	q := New(1)
	q.Enter("user-1", "+1000000001", "session-1")

	if d := q.Admit("user-2"); d.Kind != DenyGlobal {
		t.Fatalf("Admit before Leave = %v, want DenyGlobal", d)
	}

	q.Leave("session-1")

	if d := q.Admit("user-2"); d.Kind != Allowed {
		t.Fatalf("Admit after Leave = %v, want Allowed", d)
	}
}

// TestQueue_ConcurrentAdmitNeverExceedsCapacity exercises invariant 6: at
// most N sessions of one tier are ever WAITING/ALLOCATED at once.
func TestQueue_ConcurrentAdmitNeverExceedsCapacity(t *testing.T) {
	const capacity = 15
	q := New(capacity)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", i)
			if d := q.Admit(user); d.Kind == Allowed {
				q.Enter(user, fmt.Sprintf("+1%09d", i), fmt.Sprintf("session-%d", i))
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if admitted > capacity {
		t.Fatalf("admitted %d sessions, want at most %d", admitted, capacity)
	}
	if q.InFlight() > capacity {
		t.Fatalf("InFlight = %d, want at most %d", q.InFlight(), capacity)
	}
}
