package app

import (
	"context"
	"fmt"
	"strings"

	"refflow/api/internal/rbac"
	"refflow/api/internal/store"
	"refflow/api/internal/util"
	"refflow/api/internal/workflow"
)

type ContributionInput struct {
	Section    int    `json:"section"`
	SubjectKey string `json:"subjectKey"`
	AuthorName string `json:"authorName"`
	Text       string `json:"text"`
}

// SaveContribution writes the caller's contribution for one section and
// subject. A second save under the same key replaces the text and archives
// the previous value; the last write wins. A pending invite addressed to the
// caller is accepted on the way.
func (s *Service) SaveContribution(ctx context.Context, caller rbac.Caller, owner, year string, input ContributionInput) (view ContributionView, err error) {
	defer s.observe("save_contribution", &err)

	ref, err := newRecordRef(owner, year)
	if err != nil {
		return ContributionView{}, err
	}
	if !rbac.Can(caller.Role, rbac.ActionContribute) {
		return ContributionView{}, workflow.RoleDenied("only staff may write reference contributions")
	}
	author, err := workflow.NormalizeAddress(caller.Email)
	if err != nil {
		return ContributionView{}, workflow.RoleDenied("caller has no usable email address")
	}
	subjectKey, err := workflow.NormalizeContributionKey(input.Section, input.SubjectKey)
	if err != nil {
		return ContributionView{}, err
	}
	text := strings.TrimSpace(input.Text)
	if text == "" {
		return ContributionView{}, workflow.Validation("text is required")
	}
	authorName := strings.TrimSpace(input.AuthorName)
	if authorName == "" {
		authorName = caller.Name
	}
	if authorName == "" {
		authorName = author
	}

	record, err := s.findRecord(ctx, ref)
	if err != nil {
		return ContributionView{}, err
	}

	var (
		saved    store.Contribution
		accepted *store.Invite
	)
	err = s.store.WithRecordLock(ctx, record.ID, func(tx store.Tx) error {
		agg, err := tx.Aggregate(ctx)
		if err != nil {
			return err
		}
		record = agg.Record
		now := s.now()
		invite, ok := agg.LiveInvite(author)
		if ok && invite.Status == workflow.InvitePending && !workflow.InviteExpiredAt(invite.Status, invite.CreatedAt, s.settings.InviteTTL, now) {
			if err := tx.UpdateInviteStatus(ctx, invite.ID, workflow.InviteAccepted, now); err != nil {
				return err
			}
			invite.Status = workflow.InviteAccepted
			invite.AcceptedAt = &now
			accepted = &invite
		}
		saved, err = tx.UpsertContribution(ctx, store.Contribution{
			ID:          util.NewID("con"),
			RecordID:    record.ID,
			Section:     input.Section,
			SubjectKey:  subjectKey,
			AuthorEmail: author,
			AuthorName:  authorName,
			Text:        text,
		}, now)
		return err
	})
	if err != nil {
		return ContributionView{}, err
	}

	if accepted != nil {
		s.enqueue(inviteDoc(record, *accepted))
	}
	s.enqueue(contributionDoc(record, saved))
	s.logger.Info("app: contribution saved",
		"owner", record.OwnerEmail, "year", record.AcademicYear,
		"section", saved.Section, "subject", saved.SubjectKey, "author", author, "revision", saved.Revision)
	return contributionView(saved), nil
}

// FetchFull returns every artifact of a record. Students are always denied,
// owners included.
func (s *Service) FetchFull(ctx context.Context, caller rbac.Caller, owner, year string) (FullView, error) {
	ref, err := newRecordRef(owner, year)
	if err != nil {
		return FullView{}, err
	}
	if !rbac.Can(caller.Role, rbac.ActionReadFull) {
		return FullView{}, workflow.RoleDenied("students cannot read reference contributions")
	}
	record, err := s.findRecord(ctx, ref)
	if err != nil {
		return FullView{}, err
	}
	agg, err := s.store.LoadAggregate(ctx, record.ID)
	if err != nil {
		return FullView{}, fmt.Errorf("load aggregate: %w", err)
	}

	view := FullView{
		StudentEmail:    agg.Record.OwnerEmail,
		AcademicYear:    agg.Record.AcademicYear,
		Statement:       agg.Record.Statement,
		StatementStatus: string(agg.Record.Status),
		EditsReason:     agg.Record.EditsReason,
		Invites:         s.inviteViews(agg.Invites),
		Contributions:   make([]ContributionView, 0, len(agg.Contributions)),
		Narrative:       narrativeView(agg.Narrative),
		Comments:        commentViews(agg.Comments),
	}
	for _, item := range agg.Contributions {
		view.Contributions = append(view.Contributions, contributionView(item))
	}
	return view, nil
}

// ContributionHistory returns the current value of one contribution and the
// values it replaced, oldest first. An empty author means the caller.
func (s *Service) ContributionHistory(ctx context.Context, caller rbac.Caller, owner, year string, section int, subjectKey, author string) (ContributionHistoryView, error) {
	ref, err := newRecordRef(owner, year)
	if err != nil {
		return ContributionHistoryView{}, err
	}
	if !rbac.Can(caller.Role, rbac.ActionReadFull) {
		return ContributionHistoryView{}, workflow.RoleDenied("students cannot read reference contributions")
	}
	key, err := workflow.NormalizeContributionKey(section, subjectKey)
	if err != nil {
		return ContributionHistoryView{}, err
	}
	if strings.TrimSpace(author) == "" {
		author = caller.Email
	}
	authorEmail, err := workflow.NormalizeAddress(author)
	if err != nil {
		return ContributionHistoryView{}, err
	}

	record, err := s.findRecord(ctx, ref)
	if err != nil {
		return ContributionHistoryView{}, err
	}
	agg, err := s.store.LoadAggregate(ctx, record.ID)
	if err != nil {
		return ContributionHistoryView{}, fmt.Errorf("load aggregate: %w", err)
	}
	revisions, err := s.store.ListContributionRevisions(ctx, record.ID, section, key, authorEmail)
	if err != nil {
		return ContributionHistoryView{}, fmt.Errorf("list revisions: %w", err)
	}

	view := ContributionHistoryView{Revisions: make([]RevisionView, 0, len(revisions))}
	if current, ok := agg.Contribution(section, key, authorEmail); ok {
		currentView := contributionView(current)
		view.Current = &currentView
	}
	for _, revision := range revisions {
		view.Revisions = append(view.Revisions, RevisionView{
			Revision:   revision.Revision,
			Text:       revision.Text,
			AuthorName: revision.AuthorName,
			UpdatedAt:  revision.UpdatedAt,
			ArchivedAt: revision.ArchivedAt,
		})
	}
	if view.Current == nil && len(view.Revisions) == 0 {
		return ContributionHistoryView{}, workflow.NotFound("no contribution for section %d by %s", section, authorEmail)
	}
	return view, nil
}
