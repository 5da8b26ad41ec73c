package runner

import (
	"testing"

	"github.com/forgehq/forge/internal/events/claudeadapter"
	"github.com/forgehq/forge/internal/events/codexadapter"
	"github.com/forgehq/forge/internal/transport"
)

func TestAdapterFor(t *testing.T) {
	t.Parallel()

	r := &Runner{}

	tests := []struct {
		model string
		want  string
	}{
		{"claude-3.5-sonnet", "*claudeadapter.Adapter"},
		{"Claude-Opus", "*claudeadapter.Adapter"},
		{"gpt-5-codex", "*codexadapter.Adapter"},
		{"", "*codexadapter.Adapter"},
	}
	for _, tt := range tests {
		got := r.adapterFor(tt.model)
		switch tt.want {
		case "*claudeadapter.Adapter":
			if _, ok := got.(*claudeadapter.Adapter); !ok {
				t.Errorf("adapterFor(%q) = %T, want *claudeadapter.Adapter", tt.model, got)
			}
		case "*codexadapter.Adapter":
			if _, ok := got.(*codexadapter.Adapter); !ok {
				t.Errorf("adapterFor(%q) = %T, want *codexadapter.Adapter", tt.model, got)
			}
		}
	}
}

func TestAIProcessCommand_DefaultsBinary(t *testing.T) {
	t.Setenv("FORGE_AI_AGENT_BIN", "")

	bin, args := aiProcessCommand("claude-3.5-sonnet", "build me a widget")
	if bin != "forge-ai-agent" {
		t.Errorf("bin = %q, want forge-ai-agent", bin)
	}
	want := []string{"--model", "claude-3.5-sonnet", "--prompt", "build me a widget"}
	if len(args) != len(want) {
		t.Fatalf("args = %v, want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("args[%d] = %q, want %q", i, args[i], want[i])
		}
	}
}

func TestAIProcessCommand_HonorsOverride(t *testing.T) {
	t.Setenv("FORGE_AI_AGENT_BIN", "/usr/local/bin/my-agent")

	bin, _ := aiProcessCommand("codex", "hello")
	if bin != "/usr/local/bin/my-agent" {
		t.Errorf("bin = %q, want override", bin)
	}
}

func TestWorkspacePathFor(t *testing.T) {
	t.Parallel()

	r := &Runner{opts: Options{WorkspaceRoot: "/srv/forge/workspaces"}}
	got := r.workspacePathFor("proj_123")
	want := "/srv/forge/workspaces/proj_123"
	if got != want {
		t.Errorf("workspacePathFor = %q, want %q", got, want)
	}
}

func TestSendStatus_NoopWithoutConnection(t *testing.T) {
	t.Parallel()

	r := &Runner{}
	called := false
	r.sendStatus(func() (transport.Envelope, error) {
		called = true
		return transport.Envelope{}, nil
	})
	if !called {
		t.Fatalf("build func should still run even without a connection")
	}
}
