package requests

// Frame types on the remote request channel.
const (
	TypeLogin                = "login"
	TypeLoginResponse        = "login_response"
	TypePermissionRequest    = "permission_request"
	TypePermissionResponse   = "permission_response"
	TypeFeedbackRequest      = "feedback_request"
	TypeFeedbackResponse     = "feedback_response"
	TypeConfirmationRequest  = "confirmation_request"
	TypeConfirmationResponse = "confirmation_response"
)

// Envelope is one JSON frame on the websocket channel. Type is always set;
// RequestID is mandatory on every non-login frame. The remaining fields are
// populated per frame type.
type Envelope struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`

	// login / login_response
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Success  bool   `json:"success,omitempty"`
	Message  string `json:"message,omitempty"`

	// Shared request context. Sender is the agent the request originates
	// from (for confirmations, the agent proposed for invocation).
	Sender    string `json:"sender,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// permission_request / permission_response
	ToolName   string         `json:"tool_name,omitempty"`
	ToolArgs   []any          `json:"tool_args,omitempty"`
	ToolKwargs map[string]any `json:"tool_kwargs,omitempty"`
	Granted    *int           `json:"granted,omitempty"`

	// feedback_request / feedback_response
	Question string `json:"question,omitempty"`
	Text     string `json:"text,omitempty"`

	// confirmation_request / confirmation_response
	Query     string `json:"query,omitempty"`
	Thoughts  string `json:"thoughts,omitempty"`
	AgentName string `json:"agent_name,omitempty"`
	Confirmed *bool  `json:"confirmed,omitempty"`
	Comment   string `json:"comment,omitempty"`
}
