package app

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"refflow/api/internal/archive"
	"refflow/api/internal/notify"
	"refflow/api/internal/rbac"
	"refflow/api/internal/store"
	"refflow/api/internal/syncq"
	"refflow/api/internal/util"
	"refflow/api/internal/workflow"
)

const maxCommentLength = 4000

func (s *Service) GetStatement(ctx context.Context, caller rbac.Caller, owner, year string) (StatementView, error) {
	ref, err := newRecordRef(owner, year)
	if err != nil {
		return StatementView{}, err
	}
	if !caller.Allowed(rbac.ActionReadStatement, ref.owner) {
		return StatementView{}, workflow.RoleDenied("students may only read their own statement")
	}
	record, err := s.findRecord(ctx, ref)
	if err != nil {
		return StatementView{}, err
	}
	agg, err := s.store.LoadAggregate(ctx, record.ID)
	if err != nil {
		return StatementView{}, fmt.Errorf("load aggregate: %w", err)
	}
	return statementView(agg), nil
}

// SaveStatement stores the student's statement text. With submit the
// statement moves to Submitted; a plain save after an edit request reopens
// it as a draft. A complete statement cannot be edited until staff request
// edits.
func (s *Service) SaveStatement(ctx context.Context, caller rbac.Caller, owner, year, text string, submit bool) (view StatementView, err error) {
	operation := "save_statement"
	if submit {
		operation = "submit_statement"
	}
	defer s.observe(operation, &err)

	ref, err := newRecordRef(owner, year)
	if err != nil {
		return StatementView{}, err
	}
	if !caller.Allowed(rbac.ActionEditStatement, ref.owner) {
		return StatementView{}, workflow.RoleDenied("only the student who owns the record may edit the statement")
	}
	record, err := s.ensureRecord(ctx, ref)
	if err != nil {
		return StatementView{}, err
	}

	event := workflow.EventSave
	if submit {
		event = workflow.EventSubmit
	}
	return s.transition(ctx, record.ID, func(agg store.Aggregate) (store.ApplicationRecord, error) {
		next, err := workflow.Next(agg.Record.Status, event, caller.Role)
		if err != nil {
			return store.ApplicationRecord{}, err
		}
		updated := agg.Record
		updated.Statement = text
		updated.Status = next
		if next != workflow.StatusDraft {
			updated.EditsReason = ""
		}
		updated.UpdatedByRole = string(caller.Role)
		return updated, nil
	}, nil)
}

// MarkStatementComplete is the student's "I am done". Staff holding an
// accepted invite are told about it.
func (s *Service) MarkStatementComplete(ctx context.Context, caller rbac.Caller, owner, year string) (view StatementView, err error) {
	defer s.observe("mark_statement_complete", &err)

	ref, err := newRecordRef(owner, year)
	if err != nil {
		return StatementView{}, err
	}
	if !caller.Allowed(rbac.ActionCompleteOwn, ref.owner) {
		return StatementView{}, workflow.RoleDenied("only the student who owns the record may complete the statement")
	}
	record, err := s.findRecord(ctx, ref)
	if err != nil {
		return StatementView{}, err
	}

	return s.transition(ctx, record.ID, func(agg store.Aggregate) (store.ApplicationRecord, error) {
		next, err := workflow.Next(agg.Record.Status, workflow.EventComplete, caller.Role)
		if err != nil {
			return store.ApplicationRecord{}, err
		}
		updated := agg.Record
		updated.Status = next
		updated.EditsReason = ""
		updated.UpdatedByRole = string(caller.Role)
		return updated, nil
	}, func(agg store.Aggregate) {
		accepted := agg.AcceptedInvites()
		recipients := make([]string, 0, len(accepted))
		for _, invite := range accepted {
			recipients = append(recipients, invite.InvitedEmail)
		}
		s.emit(notify.Event{
			Kind:         notify.EventStatementCompleted,
			Recipients:   recipients,
			OwnerEmail:   agg.Record.OwnerEmail,
			AcademicYear: agg.Record.AcademicYear,
			Actor:        caller.Email,
		})
	})
}

// RequestEdits sends a complete statement back to the student with a reason.
func (s *Service) RequestEdits(ctx context.Context, caller rbac.Caller, owner, year, reason string) (view StatementView, err error) {
	defer s.observe("request_edits", &err)

	ref, err := newRecordRef(owner, year)
	if err != nil {
		return StatementView{}, err
	}
	if !rbac.Can(caller.Role, rbac.ActionRequestEdits) {
		return StatementView{}, workflow.RoleDenied("only staff may request edits")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return StatementView{}, workflow.Validation("reason is required")
	}
	record, err := s.findRecord(ctx, ref)
	if err != nil {
		return StatementView{}, err
	}

	return s.transition(ctx, record.ID, func(agg store.Aggregate) (store.ApplicationRecord, error) {
		next, err := workflow.Next(agg.Record.Status, workflow.EventRequestEdits, caller.Role)
		if err != nil {
			return store.ApplicationRecord{}, err
		}
		updated := agg.Record
		updated.Status = next
		updated.EditsReason = reason
		updated.UpdatedByRole = string(caller.Role)
		return updated, nil
	}, func(agg store.Aggregate) {
		s.emit(notify.Event{
			Kind:         notify.EventEditsRequested,
			Recipients:   []string{agg.Record.OwnerEmail},
			OwnerEmail:   agg.Record.OwnerEmail,
			AcademicYear: agg.Record.AcademicYear,
			Actor:        caller.Email,
			Reason:       reason,
		})
	})
}

// transition applies a statement change under the record lock. afterCommit
// runs only once the change is durable.
func (s *Service) transition(
	ctx context.Context,
	recordID string,
	apply func(store.Aggregate) (store.ApplicationRecord, error),
	afterCommit func(store.Aggregate),
) (StatementView, error) {
	var agg store.Aggregate
	err := s.store.WithRecordLock(ctx, recordID, func(tx store.Tx) error {
		var err error
		agg, err = tx.Aggregate(ctx)
		if err != nil {
			return err
		}
		updated, err := apply(agg)
		if err != nil {
			return err
		}
		updated.UpdatedAt = s.now()
		if err := tx.UpdateRecord(ctx, updated); err != nil {
			return err
		}
		agg.Record = updated
		return nil
	})
	if err != nil {
		return StatementView{}, err
	}

	s.enqueue(recordDoc(agg.Record))
	if afterCommit != nil {
		afterCommit(agg)
	}
	s.logger.Info("app: statement updated",
		"owner", agg.Record.OwnerEmail, "year", agg.Record.AcademicYear,
		"status", agg.Record.Status, "by", agg.Record.UpdatedByRole)
	return statementView(agg), nil
}

// AddComment attaches staff feedback to the statement.
func (s *Service) AddComment(ctx context.Context, caller rbac.Caller, owner, year, body string) (view CommentView, err error) {
	defer s.observe("add_comment", &err)

	ref, err := newRecordRef(owner, year)
	if err != nil {
		return CommentView{}, err
	}
	if !rbac.Can(caller.Role, rbac.ActionComment) {
		return CommentView{}, workflow.RoleDenied("only staff may comment on the statement")
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return CommentView{}, workflow.Validation("comment is required")
	}
	if utf8.RuneCountInString(body) > maxCommentLength {
		return CommentView{}, workflow.Validation("comment is longer than %d characters", maxCommentLength)
	}
	record, err := s.findRecord(ctx, ref)
	if err != nil {
		return CommentView{}, err
	}

	comment := store.Comment{
		ID:          util.NewID("cmt"),
		RecordID:    record.ID,
		AuthorEmail: strings.ToLower(caller.Email),
		AuthorRole:  string(caller.Role),
		Body:        body,
		CreatedAt:   s.now(),
	}
	err = s.store.WithRecordLock(ctx, record.ID, func(tx store.Tx) error {
		return tx.InsertComment(ctx, comment)
	})
	if err != nil {
		return CommentView{}, err
	}

	s.enqueue(commentDoc(record, comment))
	return commentViews([]store.Comment{comment})[0], nil
}

// ArchiveRecord snapshots a whole record to object storage and then deletes
// it with everything attached. The record stays if the snapshot fails.
func (s *Service) ArchiveRecord(ctx context.Context, caller rbac.Caller, owner, year string) (result ArchiveResult, err error) {
	defer s.observe("archive_record", &err)

	ref, err := newRecordRef(owner, year)
	if err != nil {
		return ArchiveResult{}, err
	}
	if !rbac.Can(caller.Role, rbac.ActionArchive) {
		return ArchiveResult{}, workflow.RoleDenied("only the tutor may archive a record")
	}
	if ref.year == "" {
		return ArchiveResult{}, workflow.Validation("academic_year is required to archive a record")
	}
	if s.archive == nil {
		return ArchiveResult{}, workflow.PreconditionFailed("archive storage is not configured")
	}
	record, err := s.findRecord(ctx, ref)
	if err != nil {
		return ArchiveResult{}, err
	}

	var (
		agg    store.Aggregate
		object string
	)
	err = s.store.WithRecordLock(ctx, record.ID, func(tx store.Tx) error {
		var err error
		agg, err = tx.Aggregate(ctx)
		if err != nil {
			return err
		}
		revisions, err := tx.Revisions(ctx)
		if err != nil {
			return err
		}
		object, err = s.archive.Archive(ctx, agg, revisions, strings.ToLower(caller.Email), s.now())
		if err != nil {
			return err
		}
		return tx.DeleteRecord(ctx)
	})
	if err != nil {
		return ArchiveResult{}, err
	}

	if s.sync != nil {
		now := s.now()
		docs := aggregateDocs(agg)
		jobs := make([]syncq.Job, 0, len(docs))
		for _, doc := range docs {
			jobs = append(jobs, syncq.Delete(doc.Key, doc.Kind, now))
		}
		s.sync.Enqueue(jobs...)
	}
	s.logger.Info("app: record archived", "owner", agg.Record.OwnerEmail, "year", agg.Record.AcademicYear, "object", object)
	return ArchiveResult{
		StudentEmail: agg.Record.OwnerEmail,
		AcademicYear: agg.Record.AcademicYear,
		Object:       object,
	}, nil
}

var _ archiver = (*archive.Archiver)(nil)
