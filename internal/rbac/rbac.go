package rbac

import "strings"

type Role string
type Action string

const (
	RoleStudent Role = "student"
	RoleStaff   Role = "staff"
	RoleTutor   Role = "tutor"
	// RoleNone is the resolution of an unrecognised hint; it is denied everything.
	RoleNone Role = ""
)

const (
	ActionViewStatus    Action = "view_status"
	ActionInvite        Action = "invite"
	ActionAcceptInvite  Action = "accept_invite"
	ActionReadFull      Action = "read_full"
	ActionContribute    Action = "contribute"
	ActionCompile       Action = "compile"
	ActionEditStatement Action = "edit_statement"
	ActionReadStatement Action = "read_statement"
	ActionCompleteOwn   Action = "complete_statement"
	ActionRequestEdits  Action = "request_edits"
	ActionComment       Action = "comment"
	ActionExport        Action = "export"
	ActionArchive       Action = "archive"
)

// OwnerScoped reports whether the action additionally requires the caller to
// own the record it targets.
func OwnerScoped(action Action) bool {
	switch action {
	case ActionInvite, ActionEditStatement, ActionCompleteOwn:
		return true
	default:
		return false
	}
}

func Can(role Role, action Action) bool {
	switch role {
	case RoleStudent:
		switch action {
		case ActionViewStatus, ActionInvite, ActionEditStatement, ActionReadStatement, ActionCompleteOwn:
			return true
		}
		return false
	case RoleStaff:
		switch action {
		case ActionViewStatus, ActionAcceptInvite, ActionReadFull, ActionContribute, ActionReadStatement,
			ActionRequestEdits, ActionComment, ActionExport:
			return true
		}
		return false
	case RoleTutor:
		switch action {
		case ActionViewStatus, ActionAcceptInvite, ActionReadFull, ActionContribute, ActionReadStatement,
			ActionRequestEdits, ActionComment, ActionExport, ActionCompile, ActionArchive:
			return true
		}
		return false
	default:
		return false
	}
}

var staffHints = []string{"staff", "teacher", "admin", "head", "subject"}

// Normalize maps a role hint from the hosting platform onto a Role. Hints are
// matched case-insensitively; "tutor" wins over the generic staff hints.
func Normalize(hint string) Role {
	value := strings.ToLower(strings.TrimSpace(hint))
	switch {
	case value == "":
		return RoleNone
	case strings.Contains(value, "student"):
		return RoleStudent
	case strings.Contains(value, "tutor"):
		return RoleTutor
	}
	for _, h := range staffHints {
		if strings.Contains(value, h) {
			return RoleStaff
		}
	}
	return RoleNone
}

// Caller is the resolved identity attached to every request.
type Caller struct {
	Email string
	Name  string
	Role  Role
}

// Owns reports whether the caller is the student who owns a record.
func (c Caller) Owns(ownerEmail string) bool {
	return c.Role == RoleStudent && c.Email != "" && strings.EqualFold(c.Email, ownerEmail)
}

// Allowed combines the capability check with the ownership check for
// owner-scoped actions.
func (c Caller) Allowed(action Action, ownerEmail string) bool {
	if !Can(c.Role, action) {
		return false
	}
	if c.Role == RoleStudent && (OwnerScoped(action) || action == ActionViewStatus || action == ActionReadStatement) {
		return c.Owns(ownerEmail)
	}
	return true
}
