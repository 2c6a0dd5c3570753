package queue

// Delayed-set scores encode the fire time in the high bits and priority in
// the low 15 bits, per spec section 6: "priorities are encoded in the low 15
// bits of the delayed score to preserve ordering." This lets ZRANGEBYSCORE
// over `delayed` naturally tie-break same-millisecond jobs by priority
// without a second comparison.
const priorityBits = 15
const priorityMask = (int64(1) << priorityBits) - 1
const maxPriority = priorityMask

func delayedScore(fireTimeMS int64, priority int) int64 {
	p := int64(priority)
	if p < 0 {
		p = 0
	}
	if p > maxPriority {
		p = maxPriority
	}
	return (fireTimeMS << priorityBits) | p
}

func splitDelayedScore(score int64) (fireTimeMS int64, priority int64) {
	return score >> priorityBits, score & priorityMask
}

// priorityScore scores the `priority` set directly by priority (lower is
// more urgent), ties broken by insertion order via a monotonic sub-unit
// supplied by the caller (the job's numeric id).
func priorityScore(priority int, seq int64) float64 {
	// seq is expected to be small relative to 2^33 so this stays exact in a
	// float64 mantissa for any realistic queue lifetime.
	return float64(priority)*1e12 + float64(seq)
}
