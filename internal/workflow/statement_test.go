package workflow

import (
	"errors"
	"testing"

	"refflow/api/internal/rbac"
)

func TestNextTransitions(t *testing.T) {
	cases := []struct {
		name    string
		current Status
		event   Event
		role    rbac.Role
		want    Status
		wantErr error
	}{
		{name: "student completes draft", current: StatusDraft, event: EventComplete, role: rbac.RoleStudent, want: StatusComplete},
		{name: "student completes submitted", current: StatusSubmitted, event: EventComplete, role: rbac.RoleStudent, want: StatusComplete},
		{name: "complete twice", current: StatusComplete, event: EventComplete, role: rbac.RoleStudent, want: StatusComplete, wantErr: ErrInvalidState},
		{name: "complete while edits requested", current: StatusEditsRequested, event: EventComplete, role: rbac.RoleStudent, want: StatusEditsRequested, wantErr: ErrInvalidState},
		{name: "staff cannot complete", current: StatusDraft, event: EventComplete, role: rbac.RoleStaff, want: StatusDraft, wantErr: ErrRoleDenied},
		{name: "staff requests edits", current: StatusComplete, event: EventRequestEdits, role: rbac.RoleStaff, want: StatusEditsRequested},
		{name: "tutor requests edits", current: StatusComplete, event: EventRequestEdits, role: rbac.RoleTutor, want: StatusEditsRequested},
		{name: "request edits from draft", current: StatusDraft, event: EventRequestEdits, role: rbac.RoleStaff, want: StatusDraft, wantErr: ErrInvalidState},
		{name: "request edits from submitted", current: StatusSubmitted, event: EventRequestEdits, role: rbac.RoleTutor, want: StatusSubmitted, wantErr: ErrInvalidState},
		{name: "student cannot request edits", current: StatusComplete, event: EventRequestEdits, role: rbac.RoleStudent, want: StatusComplete, wantErr: ErrRoleDenied},
		{name: "save after edits requested reopens draft", current: StatusEditsRequested, event: EventSave, role: rbac.RoleStudent, want: StatusDraft},
		{name: "save keeps submitted", current: StatusSubmitted, event: EventSave, role: rbac.RoleStudent, want: StatusSubmitted},
		{name: "save on complete", current: StatusComplete, event: EventSave, role: rbac.RoleStudent, want: StatusComplete, wantErr: ErrInvalidState},
		{name: "resubmit", current: StatusEditsRequested, event: EventSubmit, role: rbac.RoleStudent, want: StatusSubmitted},
		{name: "submit draft", current: StatusDraft, event: EventSubmit, role: rbac.RoleStudent, want: StatusSubmitted},
		{name: "tutor cannot save", current: StatusDraft, event: EventSave, role: rbac.RoleTutor, want: StatusDraft, wantErr: ErrRoleDenied},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Next(tc.current, tc.event, tc.role)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("Next() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestCompleteCanAlwaysBeReopened(t *testing.T) {
	status := StatusDraft
	steps := []struct {
		event Event
		role  rbac.Role
	}{
		{EventSubmit, rbac.RoleStudent},
		{EventComplete, rbac.RoleStudent},
		{EventRequestEdits, rbac.RoleStaff},
		{EventSave, rbac.RoleStudent},
		{EventComplete, rbac.RoleStudent},
		{EventRequestEdits, rbac.RoleTutor},
	}
	for _, step := range steps {
		next, err := Next(status, step.event, step.role)
		if err != nil {
			t.Fatalf("%s from %s: %v", step.event, status, err)
		}
		status = next
	}
	if status != StatusEditsRequested {
		t.Fatalf("expected EDITS_REQUESTED, got %s", status)
	}
}

func TestParseStatus(t *testing.T) {
	cases := map[string]Status{
		"DRAFT":           StatusDraft,
		"submitted":       StatusSubmitted,
		"Edits requested": StatusEditsRequested,
		"edits-requested": StatusEditsRequested,
		"Completed":       StatusComplete,
		"":                StatusDraft,
		"archived":        StatusDraft,
	}
	for input, want := range cases {
		if got := ParseStatus(input); got != want {
			t.Errorf("ParseStatus(%q) = %s, want %s", input, got, want)
		}
	}
}

func TestErrorKindMatching(t *testing.T) {
	err := RoleDenied("nope")
	if !errors.Is(err, ErrRoleDenied) {
		t.Fatal("expected kind match")
	}
	if errors.Is(err, ErrInvalidState) {
		t.Fatal("expected kinds to differ")
	}
	if KindOf(err) != KindRoleDenied {
		t.Fatalf("unexpected kind %s", KindOf(err))
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatal("expected empty kind for foreign errors")
	}
}
