package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"refflow/api/internal/workflow"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const recordColumns = `id, owner_email, academic_year, statement, status, edits_reason, updated_by_role, created_at, updated_at`

func scanRecord(row interface{ Scan(...any) error }) (ApplicationRecord, error) {
	var (
		record ApplicationRecord
		status string
	)
	err := row.Scan(&record.ID, &record.OwnerEmail, &record.AcademicYear, &record.Statement, &status,
		&record.EditsReason, &record.UpdatedByRole, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return ApplicationRecord{}, err
	}
	record.Status = workflow.ParseStatus(status)
	return record, nil
}

// FindRecord returns the record for owner and year. An empty year selects the
// most recent record the owner has.
func (s *PostgresStore) FindRecord(ctx context.Context, ownerEmail, academicYear string) (ApplicationRecord, error) {
	var row *sql.Row
	if academicYear == "" {
		row = s.db.QueryRowContext(ctx, `
			SELECT `+recordColumns+`
			FROM application_records
			WHERE owner_email=$1
			ORDER BY academic_year DESC, created_at DESC
			LIMIT 1
		`, strings.ToLower(ownerEmail))
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT `+recordColumns+`
			FROM application_records
			WHERE owner_email=$1 AND academic_year=$2
		`, strings.ToLower(ownerEmail), academicYear)
	}
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ApplicationRecord{}, ErrNotFound
	}
	if err != nil {
		return ApplicationRecord{}, fmt.Errorf("find record: %w", err)
	}
	return record, nil
}

// EnsureRecord inserts record unless one already exists for its owner and
// year, and returns the stored row either way.
func (s *PostgresStore) EnsureRecord(ctx context.Context, record ApplicationRecord) (ApplicationRecord, error) {
	if record.Status == "" {
		record.Status = workflow.StatusDraft
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO application_records (id, owner_email, academic_year, statement, status, edits_reason, updated_by_role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (owner_email, academic_year) DO NOTHING
	`, record.ID, strings.ToLower(record.OwnerEmail), record.AcademicYear, record.Statement, string(record.Status),
		record.EditsReason, record.UpdatedByRole, record.CreatedAt, record.UpdatedAt)
	if err != nil {
		return ApplicationRecord{}, fmt.Errorf("ensure record: %w", err)
	}
	return s.FindRecord(ctx, record.OwnerEmail, record.AcademicYear)
}

func (s *PostgresStore) LoadAggregate(ctx context.Context, recordID string) (Aggregate, error) {
	return loadAggregate(ctx, s.db, recordID)
}

func (s *PostgresStore) FindInviteByDigest(ctx context.Context, digest string) (Invite, error) {
	var (
		invite Invite
		status string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, record_id, invited_email, token_digest, status, created_at, accepted_at
		FROM reference_invites
		WHERE token_digest=$1
	`, digest).Scan(&invite.ID, &invite.RecordID, &invite.InvitedEmail, &invite.TokenDigest, &status, &invite.CreatedAt, &invite.AcceptedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Invite{}, ErrNotFound
	}
	if err != nil {
		return Invite{}, fmt.Errorf("find invite: %w", err)
	}
	invite.Status = workflow.InviteStatus(status)
	return invite, nil
}

const revisionColumns = `record_id, section, subject_key, author_email, revision, text, author_name, updated_at, archived_at`

func (s *PostgresStore) ListContributionRevisions(ctx context.Context, recordID string, section int, subjectKey, authorEmail string) ([]ContributionRevision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+revisionColumns+`
		FROM contribution_revisions
		WHERE record_id=$1 AND section=$2 AND subject_key=$3 AND author_email=$4
		ORDER BY revision ASC
	`, recordID, section, subjectKey, strings.ToLower(authorEmail))
	if err != nil {
		return nil, fmt.Errorf("list contribution revisions: %w", err)
	}
	return scanRevisions(rows)
}

func scanRevisions(rows *sql.Rows) ([]ContributionRevision, error) {
	defer rows.Close()

	items := make([]ContributionRevision, 0)
	for rows.Next() {
		var item ContributionRevision
		if err := rows.Scan(&item.RecordID, &item.Section, &item.SubjectKey, &item.AuthorEmail, &item.Revision,
			&item.Text, &item.AuthorName, &item.UpdatedAt, &item.ArchivedAt); err != nil {
			return nil, fmt.Errorf("scan contribution revision: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contribution revisions: %w", err)
	}
	return items, nil
}

// ExpireInvites marks every pending invite created at or before cutoff as
// expired and returns them.
func (s *PostgresStore) ExpireInvites(ctx context.Context, cutoff time.Time) ([]ExpiredInvite, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE reference_invites AS i
		SET status='EXPIRED'
		FROM application_records AS r
		WHERE i.record_id=r.id AND i.status='PENDING' AND i.created_at <= $1
		RETURNING i.id, i.record_id, i.invited_email, i.token_digest, i.created_at, r.owner_email, r.academic_year
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("expire invites: %w", err)
	}
	defer rows.Close()

	items := make([]ExpiredInvite, 0)
	for rows.Next() {
		var item ExpiredInvite
		if err := rows.Scan(&item.ID, &item.RecordID, &item.InvitedEmail, &item.TokenDigest, &item.CreatedAt,
			&item.OwnerEmail, &item.AcademicYear); err != nil {
			return nil, fmt.Errorf("scan expired invite: %w", err)
		}
		item.Status = workflow.InviteExpired
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired invites: %w", err)
	}
	return items, nil
}

// WithRecordLock runs fn inside one transaction holding a row lock on the
// record. The transaction commits only when fn returns nil.
func (s *PostgresStore) WithRecordLock(ctx context.Context, recordID string, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record tx: %w", err)
	}

	var lockedID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM application_records WHERE id=$1 FOR UPDATE`, recordID).Scan(&lockedID)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return ErrNotFound
	}
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("lock record: %w", err)
	}

	if err := fn(&postgresTx{tx: tx, recordID: recordID}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record tx: %w", err)
	}
	return nil
}

type postgresTx struct {
	tx       *sql.Tx
	recordID string
}

func (t *postgresTx) Aggregate(ctx context.Context) (Aggregate, error) {
	return loadAggregate(ctx, t.tx, t.recordID)
}

func (t *postgresTx) UpdateRecord(ctx context.Context, record ApplicationRecord) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE application_records
		SET statement=$2, status=$3, edits_reason=$4, updated_by_role=$5, updated_at=$6
		WHERE id=$1
	`, t.recordID, record.Statement, string(record.Status), record.EditsReason, record.UpdatedByRole, record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	return nil
}

func (t *postgresTx) InsertInvite(ctx context.Context, invite Invite) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO reference_invites (id, record_id, invited_email, token_digest, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, invite.ID, t.recordID, strings.ToLower(invite.InvitedEmail), invite.TokenDigest, string(invite.Status), invite.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert invite: %w", err)
	}
	return nil
}

func (t *postgresTx) UpdateInviteStatus(ctx context.Context, inviteID string, status workflow.InviteStatus, at time.Time) error {
	var acceptedAt any
	if status == workflow.InviteAccepted {
		acceptedAt = at
	}
	result, err := t.tx.ExecContext(ctx, `
		UPDATE reference_invites
		SET status=$3, accepted_at=COALESCE($4, accepted_at)
		WHERE id=$1 AND record_id=$2
	`, inviteID, t.recordID, string(status), acceptedAt)
	if err != nil {
		return fmt.Errorf("update invite status: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertContribution writes item under its natural key. An existing value is
// copied to contribution_revisions before it is overwritten.
func (t *postgresTx) UpsertContribution(ctx context.Context, item Contribution, now time.Time) (Contribution, error) {
	item.RecordID = t.recordID
	item.AuthorEmail = strings.ToLower(item.AuthorEmail)
	item.UpdatedAt = now

	var prior Contribution
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, author_name, text, revision, updated_at
		FROM reference_contributions
		WHERE record_id=$1 AND section=$2 AND subject_key=$3 AND author_email=$4
	`, t.recordID, item.Section, item.SubjectKey, item.AuthorEmail).Scan(&prior.ID, &prior.AuthorName, &prior.Text, &prior.Revision, &prior.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		item.Revision = 1
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO reference_contributions (id, record_id, section, subject_key, author_email, author_name, text, revision, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, item.ID, t.recordID, item.Section, item.SubjectKey, item.AuthorEmail, item.AuthorName, item.Text, item.Revision, now); err != nil {
			return Contribution{}, fmt.Errorf("insert contribution: %w", err)
		}
		return item, nil
	case err != nil:
		return Contribution{}, fmt.Errorf("read contribution: %w", err)
	}

	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO contribution_revisions (record_id, section, subject_key, author_email, revision, text, author_name, updated_at, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, t.recordID, item.Section, item.SubjectKey, item.AuthorEmail, prior.Revision, prior.Text, prior.AuthorName, prior.UpdatedAt, now); err != nil {
		return Contribution{}, fmt.Errorf("archive contribution revision: %w", err)
	}

	item.ID = prior.ID
	item.Revision = prior.Revision + 1
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE reference_contributions
		SET author_name=$2, text=$3, revision=$4, updated_at=$5
		WHERE id=$1
	`, item.ID, item.AuthorName, item.Text, item.Revision, now); err != nil {
		return Contribution{}, fmt.Errorf("update contribution: %w", err)
	}
	return item, nil
}

func (t *postgresTx) SaveNarrative(ctx context.Context, narrative CompiledNarrative) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO compiled_narratives (record_id, text, updated_at, updated_by, complete, completed_at, completed_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (record_id) DO UPDATE SET
			text=EXCLUDED.text,
			updated_at=EXCLUDED.updated_at,
			updated_by=EXCLUDED.updated_by,
			complete=EXCLUDED.complete,
			completed_at=EXCLUDED.completed_at,
			completed_by=EXCLUDED.completed_by
	`, t.recordID, narrative.Text, narrative.UpdatedAt, narrative.UpdatedBy, narrative.Complete, narrative.CompletedAt, narrative.CompletedBy)
	if err != nil {
		return fmt.Errorf("save narrative: %w", err)
	}
	return nil
}

func (t *postgresTx) InsertComment(ctx context.Context, comment Comment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO statement_comments (id, record_id, author_email, author_role, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, comment.ID, t.recordID, strings.ToLower(comment.AuthorEmail), comment.AuthorRole, comment.Body, comment.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (t *postgresTx) Revisions(ctx context.Context) ([]ContributionRevision, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+revisionColumns+`
		FROM contribution_revisions
		WHERE record_id=$1
		ORDER BY section, subject_key, author_email, revision
	`, t.recordID)
	if err != nil {
		return nil, fmt.Errorf("list record revisions: %w", err)
	}
	return scanRevisions(rows)
}

func (t *postgresTx) DeleteRecord(ctx context.Context) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM application_records WHERE id=$1`, t.recordID); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

func loadAggregate(ctx context.Context, q queryer, recordID string) (Aggregate, error) {
	record, err := scanRecord(q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM application_records WHERE id=$1`, recordID))
	if errors.Is(err, sql.ErrNoRows) {
		return Aggregate{}, ErrNotFound
	}
	if err != nil {
		return Aggregate{}, fmt.Errorf("load record: %w", err)
	}
	agg := Aggregate{Record: record}

	if agg.Invites, err = loadInvites(ctx, q, recordID); err != nil {
		return Aggregate{}, err
	}
	if agg.Contributions, err = loadContributions(ctx, q, recordID); err != nil {
		return Aggregate{}, err
	}
	if agg.Narrative, err = loadNarrative(ctx, q, recordID); err != nil {
		return Aggregate{}, err
	}
	if agg.Comments, err = loadComments(ctx, q, recordID); err != nil {
		return Aggregate{}, err
	}
	return agg, nil
}

func loadInvites(ctx context.Context, q queryer, recordID string) ([]Invite, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, record_id, invited_email, token_digest, status, created_at, accepted_at
		FROM reference_invites
		WHERE record_id=$1
		ORDER BY created_at ASC, id ASC
	`, recordID)
	if err != nil {
		return nil, fmt.Errorf("list invites: %w", err)
	}
	defer rows.Close()

	items := make([]Invite, 0)
	for rows.Next() {
		var (
			item   Invite
			status string
		)
		if err := rows.Scan(&item.ID, &item.RecordID, &item.InvitedEmail, &item.TokenDigest, &status, &item.CreatedAt, &item.AcceptedAt); err != nil {
			return nil, fmt.Errorf("scan invite: %w", err)
		}
		item.Status = workflow.InviteStatus(status)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invites: %w", err)
	}
	return items, nil
}

func loadContributions(ctx context.Context, q queryer, recordID string) ([]Contribution, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, record_id, section, subject_key, author_email, author_name, text, revision, updated_at
		FROM reference_contributions
		WHERE record_id=$1
		ORDER BY section ASC, subject_key ASC, author_email ASC
	`, recordID)
	if err != nil {
		return nil, fmt.Errorf("list contributions: %w", err)
	}
	defer rows.Close()

	items := make([]Contribution, 0)
	for rows.Next() {
		var item Contribution
		if err := rows.Scan(&item.ID, &item.RecordID, &item.Section, &item.SubjectKey, &item.AuthorEmail,
			&item.AuthorName, &item.Text, &item.Revision, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan contribution: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contributions: %w", err)
	}
	return items, nil
}

func loadNarrative(ctx context.Context, q queryer, recordID string) (*CompiledNarrative, error) {
	var narrative CompiledNarrative
	err := q.QueryRowContext(ctx, `
		SELECT record_id, text, updated_at, updated_by, complete, completed_at, completed_by
		FROM compiled_narratives
		WHERE record_id=$1
	`, recordID).Scan(&narrative.RecordID, &narrative.Text, &narrative.UpdatedAt, &narrative.UpdatedBy,
		&narrative.Complete, &narrative.CompletedAt, &narrative.CompletedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load narrative: %w", err)
	}
	return &narrative, nil
}

func loadComments(ctx context.Context, q queryer, recordID string) ([]Comment, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, record_id, author_email, author_role, body, created_at
		FROM statement_comments
		WHERE record_id=$1
		ORDER BY created_at ASC, id ASC
	`, recordID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.RecordID, &item.AuthorEmail, &item.AuthorRole, &item.Body, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
