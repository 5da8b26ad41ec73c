package events

import (
	"fmt"
	"strings"

	"github.com/forgehq/forge/internal/model"
)

const maxTodosPerUpdate = 200

// canonicalTodoStatus collapses any casing, spacing, or hyphenation of a
// status word to its canonical underscore form -- "In Progress",
// "in-progress", "IN_PROGRESS" all become "in_progress" -- before it is
// matched against the known statuses. Per §4.3: "any casing/spelling of
// 'in progress' collapses to in_progress."
func canonicalTodoStatus(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "-", "_")
	return strings.Join(strings.Fields(s), "_")
}

// NormalizeTodos validates and densifies a raw todo list into the dense,
// index-ordered form the store requires (invariant I-DENSE). At most one
// todo may be in_progress; that todo becomes the "active" todo index
// tracked by Tracker below.
//
// Grounded on the teacher's normalizeTodoItems (internal/ai/todos.go),
// adapted from id-keyed todos to index-keyed todos per SPEC_FULL.md §3.
func NormalizeTodos(items []model.Todo) ([]model.Todo, error) {
	if len(items) > maxTodosPerUpdate {
		return nil, fmt.Errorf("too many todos (max %d)", maxTodosPerUpdate)
	}
	out := make([]model.Todo, 0, len(items))
	inProgress := 0
	for i, item := range items {
		content := strings.TrimSpace(item.Content)
		if content == "" {
			return nil, fmt.Errorf("todo[%d]: missing content", i)
		}
		status := canonicalTodoStatus(item.Status)
		switch status {
		case model.TodoStatusPending, model.TodoStatusInProgress, model.TodoStatusCompleted:
		default:
			return nil, fmt.Errorf("todo[%d]: invalid status %q", i, item.Status)
		}
		if status == model.TodoStatusInProgress {
			inProgress++
			if inProgress > 1 {
				return nil, fmt.Errorf("todo[%d]: only one todo may be in_progress", i)
			}
		}
		out = append(out, model.Todo{
			Index:      i,
			Content:    content,
			ActiveForm: strings.TrimSpace(item.ActiveForm),
			Status:     status,
			Phase:      strings.TrimSpace(item.Phase),
		})
	}
	return out, nil
}

// ActiveTodoIndex returns the index of the single in_progress todo, or -1.
func ActiveTodoIndex(todos []model.Todo) int {
	for _, t := range todos {
		if t.Status == model.TodoStatusInProgress {
			return t.Index
		}
	}
	return -1
}

// TemplatePhase marks a todo produced during project scaffolding/templating.
// Per Open Question #3 (SPEC_FULL.md §9): completion of every template-phase
// todo is observable (AllTemplateTodosDone reports true) but is never,
// by itself, a build-complete/terminal signal -- a session ends on an
// explicit build-complete update or once every build-phase todo is done
// (AllBuildTodosDone); a build-summary update does not end it.
const TemplatePhase = "template"

func AllTemplateTodosDone(todos []model.Todo) bool {
	seen := false
	for _, t := range todos {
		if t.Phase != TemplatePhase {
			continue
		}
		seen = true
		if t.Status != model.TodoStatusCompleted {
			return false
		}
	}
	return seen
}

// BuildPhase marks a todo produced during the actual build/generation work,
// as opposed to TemplatePhase scaffolding.
const BuildPhase = "build"

// AllBuildTodosDone reports whether every build-phase todo in the list is
// completed. Per §4.3's auto-completion rule, a todos-update satisfying
// this marks the session completed in the Store immediately -- unlike
// AllTemplateTodosDone, this one IS a (store-only, non-broadcast) terminal
// signal; see the Control Plane's ingress handling of KindTodosUpdate.
func AllBuildTodosDone(todos []model.Todo) bool {
	seen := false
	for _, t := range todos {
		if t.Phase != BuildPhase {
			continue
		}
		seen = true
		if t.Status != model.TodoStatusCompleted {
			return false
		}
	}
	return seen
}

// Tracker holds the per-session normalization state the Control Plane's
// session actor owns: the last-seen active todo index and whether a
// terminal update has already been emitted for this session. It replaces
// the teacher's scattered globals (activeTodoIndexes, finalizedSessions,
// startedSessions, previousTodoCounts -- see SPEC_FULL.md §5) with one
// struct per session.
type Tracker struct {
	SessionID         string
	ActiveTodoIndex   int
	Finalized         bool
	Started           bool
	PreviousTodoCount int
}

func NewTracker(sessionID string) *Tracker {
	return &Tracker{SessionID: sessionID, ActiveTodoIndex: -1}
}

// Apply updates tracker state from a canonical update and reports whether
// the update should be dropped (invariant violation: a write arriving after
// the session has already gone terminal).
func (t *Tracker) Apply(u Update) (drop bool) {
	if t == nil {
		return true
	}
	if t.Finalized && u.Kind != KindBuildComplete {
		return true
	}
	switch u.Kind {
	case KindStart:
		t.Started = true
	case KindTodosUpdate:
		t.ActiveTodoIndex = ActiveTodoIndex(u.Todos)
		t.PreviousTodoCount = len(u.Todos)
	case KindBuildComplete:
		t.Finalized = true
	}
	return false
}
