package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"refflow/api/internal/notify"
	"refflow/api/internal/rbac"
	"refflow/api/internal/store"
	"refflow/api/internal/util"
	"refflow/api/internal/workflow"
)

// CreateInvite asks a member of staff to contribute to the caller's record.
// Inviting an address that already holds a pending or accepted invite
// returns that invite unchanged.
func (s *Service) CreateInvite(ctx context.Context, caller rbac.Caller, owner, year, invitedEmail string) (result CreateInviteResult, err error) {
	defer s.observe("create_invite", &err)

	ref, err := newRecordRef(owner, year)
	if err != nil {
		return CreateInviteResult{}, err
	}
	if !caller.Allowed(rbac.ActionInvite, ref.owner) {
		return CreateInviteResult{}, workflow.RoleDenied("only the student who owns the record may invite staff")
	}
	invited, err := workflow.NormalizeAddress(invitedEmail)
	if err != nil {
		return CreateInviteResult{}, err
	}
	record, err := s.ensureRecord(ctx, ref)
	if err != nil {
		return CreateInviteResult{}, err
	}

	var (
		invite  store.Invite
		expired *store.Invite
		token   string
	)
	err = s.store.WithRecordLock(ctx, record.ID, func(tx store.Tx) error {
		agg, err := tx.Aggregate(ctx)
		if err != nil {
			return err
		}
		now := s.now()
		if existing, ok := agg.LiveInvite(invited); ok {
			if !workflow.InviteExpiredAt(existing.Status, existing.CreatedAt, s.settings.InviteTTL, now) {
				invite = existing
				return nil
			}
			if err := tx.UpdateInviteStatus(ctx, existing.ID, workflow.InviteExpired, now); err != nil {
				return err
			}
			existing.Status = workflow.InviteExpired
			expired = &existing
		}

		token = util.NewToken()
		invite = store.Invite{
			ID:           util.NewID("inv"),
			RecordID:     record.ID,
			InvitedEmail: invited,
			TokenDigest:  util.Digest(token),
			Status:       workflow.InvitePending,
			CreatedAt:    now,
		}
		return tx.InsertInvite(ctx, invite)
	})
	if errors.Is(err, store.ErrConflict) {
		// A concurrent request created the invite first.
		return s.existingInvite(ctx, record, invited)
	}
	if err != nil {
		return CreateInviteResult{}, err
	}
	if token == "" {
		return CreateInviteResult{Invite: s.inviteView(invite)}, nil
	}

	if expired != nil {
		s.enqueue(inviteDoc(record, *expired))
	}
	s.enqueue(inviteDoc(record, invite))
	s.emit(notify.Event{
		Kind:         notify.EventInviteCreated,
		Recipients:   []string{invited},
		OwnerEmail:   record.OwnerEmail,
		AcademicYear: record.AcademicYear,
		Actor:        caller.Email,
		InviteToken:  token,
	})
	s.logger.Info("app: invite created", "owner", record.OwnerEmail, "year", record.AcademicYear, "invited", invited)
	return CreateInviteResult{Invite: s.inviteView(invite), Created: true, Token: token}, nil
}

func (s *Service) existingInvite(ctx context.Context, record store.ApplicationRecord, invited string) (CreateInviteResult, error) {
	agg, err := s.store.LoadAggregate(ctx, record.ID)
	if err != nil {
		return CreateInviteResult{}, fmt.Errorf("load aggregate: %w", err)
	}
	invite, ok := agg.LiveInvite(invited)
	if !ok {
		return CreateInviteResult{}, workflow.InvalidState("invite for %s changed concurrently, retry", invited)
	}
	return CreateInviteResult{Invite: s.inviteView(invite)}, nil
}

// AcceptInvite redeems an invite token for the staff member it was sent to.
// Accepting twice is a no-op.
func (s *Service) AcceptInvite(ctx context.Context, caller rbac.Caller, token string) (result AcceptInviteResult, err error) {
	defer s.observe("accept_invite", &err)

	if !rbac.Can(caller.Role, rbac.ActionAcceptInvite) {
		return AcceptInviteResult{}, workflow.RoleDenied("only staff may accept reference invites")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return AcceptInviteResult{}, workflow.Validation("token is required")
	}

	found, err := s.store.FindInviteByDigest(ctx, util.Digest(token))
	if errors.Is(err, store.ErrNotFound) {
		return AcceptInviteResult{}, workflow.NotFound("invite not found")
	}
	if err != nil {
		return AcceptInviteResult{}, fmt.Errorf("find invite: %w", err)
	}
	if !strings.EqualFold(found.InvitedEmail, caller.Email) {
		return AcceptInviteResult{}, workflow.RoleDenied("invite is addressed to another member of staff")
	}

	var (
		record  store.ApplicationRecord
		invite  store.Invite
		changed bool
	)
	err = s.store.WithRecordLock(ctx, found.RecordID, func(tx store.Tx) error {
		agg, err := tx.Aggregate(ctx)
		if err != nil {
			return err
		}
		record = agg.Record
		for _, candidate := range agg.Invites {
			if candidate.ID == found.ID {
				invite = candidate
			}
		}
		if invite.ID == "" {
			return workflow.NotFound("invite not found")
		}

		now := s.now()
		switch invite.Status {
		case workflow.InviteAccepted:
			return nil
		case workflow.InvitePending:
			if workflow.InviteExpiredAt(invite.Status, invite.CreatedAt, s.settings.InviteTTL, now) {
				return workflow.InvalidState("invite has expired")
			}
		default:
			return workflow.InvalidState("invite is %s", strings.ToLower(string(invite.Status)))
		}
		if err := tx.UpdateInviteStatus(ctx, invite.ID, workflow.InviteAccepted, now); err != nil {
			return err
		}
		invite.Status = workflow.InviteAccepted
		invite.AcceptedAt = &now
		changed = true
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return AcceptInviteResult{}, workflow.NotFound("invite not found")
	}
	if err != nil {
		return AcceptInviteResult{}, err
	}

	if changed {
		s.enqueue(inviteDoc(record, invite))
		s.logger.Info("app: invite accepted", "owner", record.OwnerEmail, "year", record.AcademicYear, "invited", invite.InvitedEmail)
	}
	return AcceptInviteResult{
		StudentEmail: record.OwnerEmail,
		AcademicYear: record.AcademicYear,
		Invite:       s.inviteView(invite),
	}, nil
}

// RevokeInvite withdraws a pending or accepted invite. Contributions already
// made under it stay on the record.
func (s *Service) RevokeInvite(ctx context.Context, caller rbac.Caller, owner, year, invitedEmail string) (view InviteView, err error) {
	defer s.observe("revoke_invite", &err)

	ref, err := newRecordRef(owner, year)
	if err != nil {
		return InviteView{}, err
	}
	if !caller.Allowed(rbac.ActionInvite, ref.owner) {
		return InviteView{}, workflow.RoleDenied("only the student who owns the record may revoke invites")
	}
	invited, err := workflow.NormalizeAddress(invitedEmail)
	if err != nil {
		return InviteView{}, err
	}
	record, err := s.findRecord(ctx, ref)
	if err != nil {
		return InviteView{}, err
	}

	var invite store.Invite
	err = s.store.WithRecordLock(ctx, record.ID, func(tx store.Tx) error {
		agg, err := tx.Aggregate(ctx)
		if err != nil {
			return err
		}
		live, ok := agg.LiveInvite(invited)
		if !ok {
			return workflow.NotFound("no live invite for %s", invited)
		}
		if err := tx.UpdateInviteStatus(ctx, live.ID, workflow.InviteRevoked, s.now()); err != nil {
			return err
		}
		live.Status = workflow.InviteRevoked
		invite = live
		return nil
	})
	if err != nil {
		return InviteView{}, err
	}

	s.enqueue(inviteDoc(record, invite))
	s.logger.Info("app: invite revoked", "owner", record.OwnerEmail, "year", record.AcademicYear, "invited", invited)
	return s.inviteView(invite), nil
}

// GetStatus is the aggregated progress view, read fresh from the relational
// store on every call. It never carries contribution text or invite tokens.
func (s *Service) GetStatus(ctx context.Context, caller rbac.Caller, owner, year string) (StatusView, error) {
	ref, err := newRecordRef(owner, year)
	if err != nil {
		return StatusView{}, err
	}
	if !caller.Allowed(rbac.ActionViewStatus, ref.owner) {
		return StatusView{}, workflow.RoleDenied("students may only view their own status")
	}
	record, err := s.findRecord(ctx, ref)
	if err != nil {
		return StatusView{}, err
	}
	agg, err := s.store.LoadAggregate(ctx, record.ID)
	if err != nil {
		return StatusView{}, fmt.Errorf("load aggregate: %w", err)
	}

	view := StatusView{
		StudentEmail:      agg.Record.OwnerEmail,
		AcademicYear:      agg.Record.AcademicYear,
		StatementStatus:   string(agg.Record.Status),
		EditsReason:       agg.Record.EditsReason,
		Invites:           s.inviteViews(agg.Invites),
		ContributionCount: len(agg.Contributions),
		Contributions:     make([]ContributionMeta, 0, len(agg.Contributions)),
	}
	for _, item := range agg.Contributions {
		view.Contributions = append(view.Contributions, contributionMeta(item))
	}
	if agg.Narrative != nil {
		view.NarrativeComplete = agg.Narrative.Complete
		updated := agg.Narrative.UpdatedAt
		view.NarrativeUpdatedAt = &updated
	}
	return view, nil
}

// ExpireInvites flips pending invites older than the invite TTL to expired
// and mirrors the change. It is run on a schedule.
func (s *Service) ExpireInvites(ctx context.Context) (int, error) {
	if s.settings.InviteTTL <= 0 {
		return 0, nil
	}
	expired, err := s.store.ExpireInvites(ctx, s.now().Add(-s.settings.InviteTTL))
	if err != nil {
		return 0, fmt.Errorf("expire invites: %w", err)
	}
	for _, item := range expired {
		record := store.ApplicationRecord{OwnerEmail: item.OwnerEmail, AcademicYear: item.AcademicYear}
		s.enqueue(inviteDoc(record, item.Invite))
	}
	s.metrics.AddExpiredInvites(len(expired))
	if len(expired) > 0 {
		s.logger.Info("app: expired pending invites", "count", len(expired))
	}
	return len(expired), nil
}
