package store

import (
	"strings"
	"time"

	"refflow/api/internal/workflow"
)

type ApplicationRecord struct {
	ID            string
	OwnerEmail    string
	AcademicYear  string
	Statement     string
	Status        workflow.Status
	EditsReason   string
	UpdatedByRole string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Invite struct {
	ID           string
	RecordID     string
	InvitedEmail string
	TokenDigest  string
	Status       workflow.InviteStatus
	CreatedAt    time.Time
	AcceptedAt   *time.Time
}

// ExpiredInvite is an invite flipped by the expiry sweep, with enough of its
// record to address the mirror.
type ExpiredInvite struct {
	Invite
	OwnerEmail   string
	AcademicYear string
}

type Contribution struct {
	ID          string
	RecordID    string
	Section     int
	SubjectKey  string
	AuthorEmail string
	AuthorName  string
	Text        string
	Revision    int
	UpdatedAt   time.Time
}

// ContributionRevision is a superseded contribution value. Revisions are
// append-only.
type ContributionRevision struct {
	RecordID    string
	Section     int
	SubjectKey  string
	AuthorEmail string
	Revision    int
	Text        string
	AuthorName  string
	UpdatedAt   time.Time
	ArchivedAt  time.Time
}

type CompiledNarrative struct {
	RecordID    string
	Text        string
	UpdatedAt   time.Time
	UpdatedBy   string
	Complete    bool
	CompletedAt *time.Time
	CompletedBy string
}

type Comment struct {
	ID          string
	RecordID    string
	AuthorEmail string
	AuthorRole  string
	Body        string
	CreatedAt   time.Time
}

// Aggregate is an application record with everything that hangs off it.
type Aggregate struct {
	Record        ApplicationRecord
	Invites       []Invite
	Contributions []Contribution
	Narrative     *CompiledNarrative
	Comments      []Comment
}

// LiveInvite returns the pending or accepted invite for email, if any.
func (a Aggregate) LiveInvite(email string) (Invite, bool) {
	for _, invite := range a.Invites {
		if invite.Status.Live() && strings.EqualFold(invite.InvitedEmail, email) {
			return invite, true
		}
	}
	return Invite{}, false
}

func (a Aggregate) AcceptedInvites() []Invite {
	accepted := make([]Invite, 0, len(a.Invites))
	for _, invite := range a.Invites {
		if invite.Status == workflow.InviteAccepted {
			accepted = append(accepted, invite)
		}
	}
	return accepted
}

func (a Aggregate) Contribution(section int, subjectKey, authorEmail string) (Contribution, bool) {
	for _, item := range a.Contributions {
		if item.Section == section && item.SubjectKey == subjectKey && strings.EqualFold(item.AuthorEmail, authorEmail) {
			return item, true
		}
	}
	return Contribution{}, false
}

func (a Aggregate) clone() Aggregate {
	out := Aggregate{Record: a.Record}
	out.Invites = append([]Invite(nil), a.Invites...)
	for i := range out.Invites {
		if at := out.Invites[i].AcceptedAt; at != nil {
			copied := *at
			out.Invites[i].AcceptedAt = &copied
		}
	}
	out.Contributions = append([]Contribution(nil), a.Contributions...)
	out.Comments = append([]Comment(nil), a.Comments...)
	if a.Narrative != nil {
		narrative := *a.Narrative
		if narrative.CompletedAt != nil {
			copied := *narrative.CompletedAt
			narrative.CompletedAt = &copied
		}
		out.Narrative = &narrative
	}
	return out
}
