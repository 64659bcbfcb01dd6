package scheduler

// completionBuffer holds finalized-but-not-yet-emitted outcomes keyed by
// sequence number so resolve notifications can be replayed in submission
// order. Rejected sequence numbers are tracked alongside resolved ones:
// they advance the cursor during a drain but never yield a value (their
// reject notification was already emitted at finalization time).
//
// All methods assume the caller holds the scheduler mutex.
type completionBuffer[T any] struct {
	records map[uint64]record[T]
	cursor  uint64 // smallest sequence number not yet drained
}

type record[T any] struct {
	value    T
	rejected bool
}

func newCompletionBuffer[T any]() *completionBuffer[T] {
	return &completionBuffer[T]{records: make(map[uint64]record[T])}
}

func (b *completionBuffer[T]) putResolved(seq uint64, v T) {
	b.records[seq] = record[T]{value: v}
}

func (b *completionBuffer[T]) putRejected(seq uint64) {
	b.records[seq] = record[T]{rejected: true}
}

// drain removes the contiguous run of finalized records starting at the
// cursor and returns the resolved values in sequence order. It stops at
// the first sequence number with no recorded outcome yet.
func (b *completionBuffer[T]) drain() []T {
	var out []T
	for {
		rec, ok := b.records[b.cursor]
		if !ok {
			return out
		}
		if !rec.rejected {
			out = append(out, rec.value)
		}
		delete(b.records, b.cursor)
		b.cursor++
	}
}

func (b *completionBuffer[T]) pending() int { return len(b.records) }

func (b *completionBuffer[T]) reset() {
	b.records = make(map[uint64]record[T])
	b.cursor = 0
}
