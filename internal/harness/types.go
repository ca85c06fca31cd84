package harness

import "sync"

// Trace event types.
const (
	EventWrite   = "write"
	EventGateway = "gateway"
	EventSubmit  = "submit"
	EventDrain   = "drain"
	EventAdvance = "advance"
	EventRestart = "restart"
)

// TraceEvent is one observable step of a scenario run.
type TraceEvent struct {
	Seq    int64  `json:"seq"`
	Type   string `json:"type"`
	Detail string `json:"detail"`

	// Data is the submitted payload or the drain report, when there is one.
	Data any `json:"data,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	Pass bool `json:"pass"`

	// Trace contains every write, submission and drain in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	mu sync.Mutex
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends an event with the next sequence number.
func (r *Result) AddTrace(typ, detail string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Trace = append(r.Trace, TraceEvent{
		Seq:    int64(len(r.Trace) + 1),
		Type:   typ,
		Detail: detail,
		Data:   data,
	})
}
