package session

import "time"

// Role of a conversation turn.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Turn is one immutable entry in a session's history. Ordering within
// a session is append order and is never rewritten.
type Turn struct {
	Role      string                 `json:"role"`
	Content   string                 `json:"content"`
	ToolName  string                 `json:"tool_name,omitempty"`
	ToolArgs  map[string]interface{} `json:"tool_args,omitempty"`
	ToolError string                 `json:"tool_error,omitempty"`
	Latency   time.Duration          `json:"latency,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Session is the ordered conversation record for one client-visible
// identifier. Subject records the owning identity; no caller may read
// another subject's session.
type Session struct {
	ID        string     `json:"id"`
	Subject   string     `json:"subject"`
	Turns     []Turn     `json:"turns,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}
