package workflow

import (
	"strings"

	"refflow/api/internal/rbac"
)

// Status is the lifecycle state of a student's application statement.
type Status string

const (
	StatusDraft          Status = "DRAFT"
	StatusSubmitted      Status = "SUBMITTED"
	StatusEditsRequested Status = "EDITS_REQUESTED"
	StatusComplete       Status = "COMPLETE"
)

type Event string

const (
	EventSave         Event = "save"
	EventSubmit       Event = "submit"
	EventComplete     Event = "complete"
	EventRequestEdits Event = "request_edits"
)

// ParseStatus accepts stored values and the looser spellings found in CMS
// records ("Edits requested", "complete"). Unknown values are Draft.
func ParseStatus(value string) Status {
	normalized := strings.ToUpper(strings.TrimSpace(value))
	normalized = strings.NewReplacer(" ", "_", "-", "_").Replace(normalized)
	switch Status(normalized) {
	case StatusSubmitted, StatusEditsRequested, StatusComplete:
		return Status(normalized)
	case "EDITSREQUESTED":
		return StatusEditsRequested
	case "COMPLETED":
		return StatusComplete
	default:
		return StatusDraft
	}
}

// Next applies event to current on behalf of role. The role guard is checked
// before the state guard, so a denied caller never learns the current state.
func Next(current Status, event Event, role rbac.Role) (Status, error) {
	switch event {
	case EventSave, EventSubmit, EventComplete:
		if role != rbac.RoleStudent {
			return current, RoleDenied("only the student may %s the statement", event)
		}
	case EventRequestEdits:
		if role != rbac.RoleStaff && role != rbac.RoleTutor {
			return current, RoleDenied("only staff or tutors may request edits")
		}
	default:
		return current, Validation("unknown event %q", event)
	}

	switch event {
	case EventSave:
		switch current {
		case StatusDraft, StatusSubmitted:
			return current, nil
		case StatusEditsRequested:
			return StatusDraft, nil
		}
	case EventSubmit:
		switch current {
		case StatusDraft, StatusSubmitted, StatusEditsRequested:
			return StatusSubmitted, nil
		}
	case EventComplete:
		switch current {
		case StatusDraft, StatusSubmitted:
			return StatusComplete, nil
		}
	case EventRequestEdits:
		if current == StatusComplete {
			return StatusEditsRequested, nil
		}
	}
	return current, InvalidState("cannot %s a statement in status %s", event, current)
}
