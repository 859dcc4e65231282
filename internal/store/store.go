package store

import (
	"context"
	"errors"
	"time"

	"refflow/api/internal/workflow"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a write would break a uniqueness rule, such
	// as a second live invite for the same address.
	ErrConflict = errors.New("store: conflict")
)

// Tx is the view of a single application record held under its lock. Writes
// made through a Tx become visible together when the callback returns nil and
// are discarded otherwise.
type Tx interface {
	Aggregate(ctx context.Context) (Aggregate, error)
	UpdateRecord(ctx context.Context, record ApplicationRecord) error
	InsertInvite(ctx context.Context, invite Invite) error
	UpdateInviteStatus(ctx context.Context, inviteID string, status workflow.InviteStatus, at time.Time) error
	UpsertContribution(ctx context.Context, item Contribution, now time.Time) (Contribution, error)
	SaveNarrative(ctx context.Context, narrative CompiledNarrative) error
	InsertComment(ctx context.Context, comment Comment) error
	// Revisions lists every superseded contribution value of the record,
	// ordered by natural key and revision.
	Revisions(ctx context.Context) ([]ContributionRevision, error)
	// DeleteRecord removes the record and everything attached to it when the
	// transaction commits.
	DeleteRecord(ctx context.Context) error
}
