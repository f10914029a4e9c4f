package ws

// Client-to-server actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionStartRun    = "start_run"
	ActionCancelRun   = "cancel_run"
)

// Server-to-client control message types. State itself flows as the
// hub's snapshot and delta messages, which carry their own type tags.
const (
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeRunStarted   = "run_started"
	TypeRunCancelled = "run_cancelled"
	TypeError        = "error"
)

// ClientMessage is one inbound control frame.
type ClientMessage struct {
	Action string `json:"action"`
	// RunID addresses subscribe, unsubscribe and cancel_run. Subscribe
	// accepts "*" to follow every run.
	RunID string `json:"run_id,omitempty"`
	// Tool and Dir parameterize start_run.
	Tool string `json:"tool,omitempty"`
	Dir  string `json:"dir,omitempty"`
}

// ControlMessage is one outbound control frame acknowledging an action
// or reporting its failure.
type ControlMessage struct {
	Type  string `json:"type"`
	RunID string `json:"run_id,omitempty"`
	Error string `json:"error,omitempty"`
}
