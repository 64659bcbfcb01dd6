package scheduler

import "time"

// Event types published on the bus. One notification per state transition;
// the names are part of the public contract.
const (
	EventEnqueue      = "enqueue"      // EnqueuePayload
	EventDequeue      = "dequeue"      // DequeuePayload
	EventResolve      = "resolve"      // ResolvePayload
	EventReject       = "reject"       // RejectPayload
	EventFail         = "fail"         // FailPayload, fatal only
	EventStart        = "start"        // no payload
	EventStop         = "stop"         // no payload
	EventEnd          = "end"          // no payload
	EventFinish       = "finish"       // no payload, pending queue drained
	EventAboutToRetry = "aboutToRetry" // AboutToRetryPayload
	EventRetrying     = "retrying"     // RetryingPayload
)

// TaskMeta identifies an in-flight task in retry/reject notifications.
type TaskMeta struct {
	Seq       uint64
	Attempt   int // retry attempts performed so far
	StartedAt time.Time
}

// EnqueuePayload carries the factory's position in the pending queue at
// the moment it was appended. This is a short-lived identifier, distinct
// from the sequence number assigned later at dequeue time.
type EnqueuePayload struct {
	Position int
	Factory  any
}

type DequeuePayload struct {
	Seq       uint64
	StartedAt time.Time
	Factory   any
}

type ResolvePayload struct {
	Value any
}

type RejectPayload struct {
	Err  error
	Task TaskMeta
}

type FailPayload struct {
	Err error
}

type AboutToRetryPayload struct {
	Err  error
	Wait time.Duration
	Task TaskMeta
}

type RetryingPayload struct {
	Task TaskMeta
}
