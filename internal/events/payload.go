package events

// Event names emitted by the resilient request pipeline. Kept as typed
// constants so producers and consumers can't typo a topic name.
const (
	QueueEnqueued = "queue:enqueued"
	QueueDequeued = "queue:dequeued"
	QueueFull     = "queue:full"
	QueueTimeout  = "queue:timeout"

	RequestStart    = "request:start"
	RequestSuccess  = "request:success"
	RequestFailure  = "request:failure"
	RequestRejected = "request:rejected"

	BreakerState = "breaker:state"
)

// RequestInfo is the minimal request identity carried on every event —
// enough to correlate an event with the call site without leaking the
// full descriptor (which may hold a body) into every payload.
type RequestInfo struct {
	Method    string
	URL       string
	RequestID string
}

// QueuePayload is the payload for the queue:* events.
type QueuePayload struct {
	Key        string
	Request    RequestInfo
	QueueDepth int
}

// RequestStartPayload is the payload for request:start.
type RequestStartPayload struct {
	Key     string
	Request RequestInfo
}

// RequestSuccessPayload is the payload for request:success.
type RequestSuccessPayload struct {
	Key        string
	Request    RequestInfo
	Status     int
	DurationMS int64
}

// RequestFailurePayload is the payload for request:failure.
type RequestFailurePayload struct {
	Key        string
	Request    RequestInfo
	ErrorName  string
	DurationMS int64
}

// RequestRejectedPayload is the payload for request:rejected.
type RequestRejectedPayload struct {
	Key     string
	Request RequestInfo
	Err     error
}

// BreakerStatePayload is the payload for breaker:state.
type BreakerStatePayload struct {
	Key  string
	From string
	To   string
}
