package app

import (
	"time"

	"refflow/api/internal/store"
	"refflow/api/internal/workflow"
)

type InviteView struct {
	InvitedEmail string     `json:"invitedEmail"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	AcceptedAt   *time.Time `json:"acceptedAt,omitempty"`
}

// ContributionMeta describes a contribution without its text. Students only
// ever see this shape.
type ContributionMeta struct {
	Section     int       `json:"section"`
	SubjectKey  string    `json:"subjectKey,omitempty"`
	AuthorEmail string    `json:"authorEmail"`
	AuthorName  string    `json:"authorName"`
	Revision    int       `json:"revision"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type ContributionView struct {
	ContributionMeta
	Text string `json:"text"`
}

type RevisionView struct {
	Revision   int       `json:"revision"`
	Text       string    `json:"text"`
	AuthorName string    `json:"authorName"`
	UpdatedAt  time.Time `json:"updatedAt"`
	ArchivedAt time.Time `json:"archivedAt"`
}

type NarrativeView struct {
	Text        string     `json:"text"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	UpdatedBy   string     `json:"updatedBy"`
	Complete    bool       `json:"complete"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CompletedBy string     `json:"completedBy,omitempty"`
}

type CommentView struct {
	ID          string    `json:"id"`
	AuthorEmail string    `json:"authorEmail"`
	AuthorRole  string    `json:"authorRole"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"createdAt"`
}

// StatusView is the aggregated progress of one record.
type StatusView struct {
	StudentEmail       string             `json:"studentEmail"`
	AcademicYear       string             `json:"academicYear"`
	StatementStatus    string             `json:"statementStatus"`
	EditsReason        string             `json:"editsReason,omitempty"`
	Invites            []InviteView       `json:"invites"`
	ContributionCount  int                `json:"contributionCount"`
	Contributions      []ContributionMeta `json:"contributions"`
	NarrativeComplete  bool               `json:"narrativeComplete"`
	NarrativeUpdatedAt *time.Time         `json:"narrativeUpdatedAt,omitempty"`
}

type FullView struct {
	StudentEmail    string             `json:"studentEmail"`
	AcademicYear    string             `json:"academicYear"`
	Statement       string             `json:"statement"`
	StatementStatus string             `json:"statementStatus"`
	EditsReason     string             `json:"editsReason,omitempty"`
	Invites         []InviteView       `json:"invites"`
	Contributions   []ContributionView `json:"contributions"`
	Narrative       *NarrativeView     `json:"narrative"`
	Comments        []CommentView      `json:"comments"`
}

type StatementView struct {
	StudentEmail  string        `json:"studentEmail"`
	AcademicYear  string        `json:"academicYear"`
	Statement     string        `json:"statement"`
	Status        string        `json:"status"`
	EditsReason   string        `json:"editsReason,omitempty"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	UpdatedByRole string        `json:"updatedByRole"`
	Comments      []CommentView `json:"comments"`
}

type CreateInviteResult struct {
	Invite  InviteView `json:"invite"`
	Created bool       `json:"created"`
	// Token is only present on the call that created the invite.
	Token string `json:"token,omitempty"`
}

type AcceptInviteResult struct {
	StudentEmail string     `json:"studentEmail"`
	AcademicYear string     `json:"academicYear"`
	Invite       InviteView `json:"invite"`
}

type ContributionHistoryView struct {
	Current   *ContributionView `json:"current"`
	Revisions []RevisionView    `json:"revisions"`
}

type ArchiveResult struct {
	StudentEmail string `json:"studentEmail"`
	AcademicYear string `json:"academicYear"`
	Object       string `json:"object"`
}

// inviteView reports a pending invite past its TTL as expired even before
// the sweep has flipped it.
func (s *Service) inviteView(invite store.Invite) InviteView {
	status := invite.Status
	if workflow.InviteExpiredAt(status, invite.CreatedAt, s.settings.InviteTTL, s.now()) {
		status = workflow.InviteExpired
	}
	return InviteView{
		InvitedEmail: invite.InvitedEmail,
		Status:       string(status),
		CreatedAt:    invite.CreatedAt,
		AcceptedAt:   invite.AcceptedAt,
	}
}

func (s *Service) inviteViews(invites []store.Invite) []InviteView {
	views := make([]InviteView, 0, len(invites))
	for _, invite := range invites {
		views = append(views, s.inviteView(invite))
	}
	return views
}

func contributionMeta(item store.Contribution) ContributionMeta {
	return ContributionMeta{
		Section:     item.Section,
		SubjectKey:  item.SubjectKey,
		AuthorEmail: item.AuthorEmail,
		AuthorName:  item.AuthorName,
		Revision:    item.Revision,
		UpdatedAt:   item.UpdatedAt,
	}
}

func contributionView(item store.Contribution) ContributionView {
	return ContributionView{ContributionMeta: contributionMeta(item), Text: item.Text}
}

func narrativeView(narrative *store.CompiledNarrative) *NarrativeView {
	if narrative == nil {
		return nil
	}
	return &NarrativeView{
		Text:        narrative.Text,
		UpdatedAt:   narrative.UpdatedAt,
		UpdatedBy:   narrative.UpdatedBy,
		Complete:    narrative.Complete,
		CompletedAt: narrative.CompletedAt,
		CompletedBy: narrative.CompletedBy,
	}
}

func commentViews(comments []store.Comment) []CommentView {
	views := make([]CommentView, 0, len(comments))
	for _, comment := range comments {
		views = append(views, CommentView{
			ID:          comment.ID,
			AuthorEmail: comment.AuthorEmail,
			AuthorRole:  comment.AuthorRole,
			Body:        comment.Body,
			CreatedAt:   comment.CreatedAt,
		})
	}
	return views
}

func statementView(agg store.Aggregate) StatementView {
	record := agg.Record
	return StatementView{
		StudentEmail:  record.OwnerEmail,
		AcademicYear:  record.AcademicYear,
		Statement:     record.Statement,
		Status:        string(record.Status),
		EditsReason:   record.EditsReason,
		UpdatedAt:     record.UpdatedAt,
		UpdatedByRole: record.UpdatedByRole,
		Comments:      commentViews(agg.Comments),
	}
}
