package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "student invite", role: RoleStudent, action: ActionInvite, allow: true},
		{name: "student read full", role: RoleStudent, action: ActionReadFull, allow: false},
		{name: "student contribute", role: RoleStudent, action: ActionContribute, allow: false},
		{name: "staff contribute", role: RoleStaff, action: ActionContribute, allow: true},
		{name: "staff compile", role: RoleStaff, action: ActionCompile, allow: false},
		{name: "staff invite", role: RoleStaff, action: ActionInvite, allow: false},
		{name: "tutor compile", role: RoleTutor, action: ActionCompile, allow: true},
		{name: "tutor request edits", role: RoleTutor, action: ActionRequestEdits, allow: true},
		{name: "tutor complete statement", role: RoleTutor, action: ActionCompleteOwn, allow: false},
		{name: "none view", role: RoleNone, action: ActionViewStatus, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	cases := map[string]Role{
		"student":         RoleStudent,
		" Student ":       RoleStudent,
		"tutor":           RoleTutor,
		"Form Tutor":      RoleTutor,
		"staff":           RoleStaff,
		"Subject Teacher": RoleStaff,
		"head of year":    RoleStaff,
		"":                RoleNone,
		"parent":          RoleNone,
	}
	for hint, want := range cases {
		if got := Normalize(hint); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", hint, got, want)
		}
	}
}

func TestCallerAllowedChecksOwnership(t *testing.T) {
	owner := Caller{Email: "Sam@School.org", Role: RoleStudent}
	other := Caller{Email: "alex@school.org", Role: RoleStudent}
	staff := Caller{Email: "t1@school.org", Role: RoleStaff}

	if !owner.Allowed(ActionInvite, "sam@school.org") {
		t.Fatal("expected owner to be allowed to invite")
	}
	if other.Allowed(ActionInvite, "sam@school.org") {
		t.Fatal("expected non-owner student to be denied")
	}
	if other.Allowed(ActionViewStatus, "sam@school.org") {
		t.Fatal("expected non-owner student to be denied status")
	}
	if !staff.Allowed(ActionViewStatus, "sam@school.org") {
		t.Fatal("expected staff to see status")
	}
	if owner.Allowed(ActionReadFull, "sam@school.org") {
		t.Fatal("expected owner to be denied full reference")
	}
}
