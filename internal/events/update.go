// Package events normalizes opaque AI-agent process output into the
// canonical update stream the rest of the system persists and fans out.
package events

import "github.com/forgehq/forge/internal/model"

// Canonical update kinds, per SPEC_FULL.md §4.3.
const (
	KindStart             = "start"
	KindTodosUpdate        = "todos-update"
	KindToolInputAvailable = "tool-input-available"
	KindToolOutputAvailable = "tool-output-available"
	KindToolError          = "tool-error"
	KindTextDelta          = "text-delta"
	KindBuildSummary       = "build-summary"
	KindBuildComplete      = "build-complete"
)

// Update is the normalized event shape every adapter (Claude-like,
// Codex-like) must translate its native stream into before it reaches the
// Control Plane.
type Update struct {
	Kind       string        `json:"kind"`
	AtUnixMs   int64         `json:"at_unix_ms"`
	Todos      []model.Todo  `json:"todos,omitempty"`
	ToolCall   *model.ToolCall `json:"tool_call,omitempty"`
	TextDelta  string        `json:"text_delta,omitempty"`
	Summary    string        `json:"summary,omitempty"`
	Success    bool          `json:"success,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Adapter translates one line/frame of an opaque AI process's stdout into
// zero or more canonical updates. Implementations must never panic or block
// on malformed input: an adapter that cannot make sense of a frame returns
// (nil, nil) rather than guessing, per the tolerant-parser design note
// (SPEC_FULL.md §9, REDESIGN FLAG #2).
type Adapter interface {
	Translate(line []byte) ([]Update, error)
}
