package queue

import "testing"

// These helpers document and pin the exact bit layout the addJobScript and
// promoteDelayedScript Lua bodies inline directly; a change to either script
// should show up here too.
func TestDelayedScoreRoundTrip(t *testing.T) {
	fireTime := int64(1_700_000_000_000)
	priority := 42

	score := delayedScore(fireTime, priority)
	gotFireTime, gotPriority := splitDelayedScore(int64(score))
	if gotFireTime != fireTime {
		t.Fatalf("expected fireTime %d, got %d", fireTime, gotFireTime)
	}
	if gotPriority != int64(priority) {
		t.Fatalf("expected priority %d, got %d", priority, gotPriority)
	}
}

func TestDelayedScoreClampsPriorityRange(t *testing.T) {
	if got := delayedScore(0, -5); got != 0 {
		t.Fatalf("expected negative priority clamped to 0, got %v", got)
	}
	score := delayedScore(0, int(maxPriority+100))
	_, priority := splitDelayedScore(int64(score))
	if priority != maxPriority {
		t.Fatalf("expected priority clamped to maxPriority %d, got %d", maxPriority, priority)
	}
}

func TestPriorityScoreOrdersByPriorityThenSequence(t *testing.T) {
	lowPriorityFirst := priorityScore(1, 100)
	lowPrioritySecond := priorityScore(1, 200)
	higherPriorityNumberEarlierSeq := priorityScore(2, 0)

	if !(lowPriorityFirst < lowPrioritySecond) {
		t.Fatalf("expected later sequence to sort after within the same priority")
	}
	if !(lowPrioritySecond < higherPriorityNumberEarlierSeq) {
		t.Fatalf("expected priority to dominate over sequence ordering")
	}
}
