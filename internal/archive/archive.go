// Package archive writes a JSON snapshot of an application record and
// everything attached to it before the record is deleted.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"refflow/api/internal/store"
)

var ErrNotFound = errors.New("archive: object not found")

// Sink stores snapshot objects by name.
type Sink interface {
	Put(ctx context.Context, name string, body []byte) error
}

type Snapshot struct {
	ArchivedAt    time.Time              `json:"archivedAt"`
	ArchivedBy    string                 `json:"archivedBy"`
	Record        recordSnapshot         `json:"record"`
	Invites       []inviteSnapshot       `json:"invites"`
	Contributions []contributionSnapshot `json:"contributions"`
	Revisions     []revisionSnapshot     `json:"revisions"`
	Narrative     *narrativeSnapshot     `json:"narrative,omitempty"`
	Comments      []commentSnapshot      `json:"comments"`
}

type recordSnapshot struct {
	ID           string    `json:"id"`
	OwnerEmail   string    `json:"ownerEmail"`
	AcademicYear string    `json:"academicYear"`
	Statement    string    `json:"statement"`
	Status       string    `json:"status"`
	EditsReason  string    `json:"editsReason,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Invite tokens are not part of the snapshot; only the live flag matters
// once the record is gone.
type inviteSnapshot struct {
	InvitedEmail string     `json:"invitedEmail"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	AcceptedAt   *time.Time `json:"acceptedAt,omitempty"`
}

type contributionSnapshot struct {
	Section     int       `json:"section"`
	SubjectKey  string    `json:"subjectKey,omitempty"`
	AuthorEmail string    `json:"authorEmail"`
	AuthorName  string    `json:"authorName"`
	Text        string    `json:"text"`
	Revision    int       `json:"revision"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// revisionSnapshot is a superseded contribution value from the audit trail.
type revisionSnapshot struct {
	Section     int       `json:"section"`
	SubjectKey  string    `json:"subjectKey,omitempty"`
	AuthorEmail string    `json:"authorEmail"`
	AuthorName  string    `json:"authorName"`
	Text        string    `json:"text"`
	Revision    int       `json:"revision"`
	UpdatedAt   time.Time `json:"updatedAt"`
	ArchivedAt  time.Time `json:"archivedAt"`
}

type narrativeSnapshot struct {
	Text        string     `json:"text"`
	UpdatedBy   string     `json:"updatedBy"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	Complete    bool       `json:"complete"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CompletedBy string     `json:"completedBy,omitempty"`
}

type commentSnapshot struct {
	AuthorEmail string    `json:"authorEmail"`
	AuthorRole  string    `json:"authorRole"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"createdAt"`
}

func NewSnapshot(agg store.Aggregate, revisions []store.ContributionRevision, archivedBy string, at time.Time) Snapshot {
	rec := agg.Record
	snap := Snapshot{
		ArchivedAt: at.UTC(),
		ArchivedBy: archivedBy,
		Record: recordSnapshot{
			ID:           rec.ID,
			OwnerEmail:   rec.OwnerEmail,
			AcademicYear: rec.AcademicYear,
			Statement:    rec.Statement,
			Status:       string(rec.Status),
			EditsReason:  rec.EditsReason,
			CreatedAt:    rec.CreatedAt,
			UpdatedAt:    rec.UpdatedAt,
		},
		Invites:       make([]inviteSnapshot, 0, len(agg.Invites)),
		Contributions: make([]contributionSnapshot, 0, len(agg.Contributions)),
		Revisions:     make([]revisionSnapshot, 0, len(revisions)),
		Comments:      make([]commentSnapshot, 0, len(agg.Comments)),
	}
	for _, inv := range agg.Invites {
		snap.Invites = append(snap.Invites, inviteSnapshot{
			InvitedEmail: inv.InvitedEmail,
			Status:       string(inv.Status),
			CreatedAt:    inv.CreatedAt,
			AcceptedAt:   inv.AcceptedAt,
		})
	}
	for _, c := range agg.Contributions {
		snap.Contributions = append(snap.Contributions, contributionSnapshot{
			Section:     c.Section,
			SubjectKey:  c.SubjectKey,
			AuthorEmail: c.AuthorEmail,
			AuthorName:  c.AuthorName,
			Text:        c.Text,
			Revision:    c.Revision,
			UpdatedAt:   c.UpdatedAt,
		})
	}
	for _, r := range revisions {
		snap.Revisions = append(snap.Revisions, revisionSnapshot{
			Section:     r.Section,
			SubjectKey:  r.SubjectKey,
			AuthorEmail: r.AuthorEmail,
			AuthorName:  r.AuthorName,
			Text:        r.Text,
			Revision:    r.Revision,
			UpdatedAt:   r.UpdatedAt,
			ArchivedAt:  r.ArchivedAt,
		})
	}
	if n := agg.Narrative; n != nil {
		snap.Narrative = &narrativeSnapshot{
			Text:        n.Text,
			UpdatedBy:   n.UpdatedBy,
			UpdatedAt:   n.UpdatedAt,
			Complete:    n.Complete,
			CompletedAt: n.CompletedAt,
			CompletedBy: n.CompletedBy,
		}
	}
	for _, c := range agg.Comments {
		snap.Comments = append(snap.Comments, commentSnapshot{
			AuthorEmail: c.AuthorEmail,
			AuthorRole:  c.AuthorRole,
			Body:        c.Body,
			CreatedAt:   c.CreatedAt,
		})
	}
	return snap
}

// ObjectName places snapshots under records/<owner>/<year>.json. The year's
// slash becomes a dash so each record is a single object.
func ObjectName(ownerEmail, academicYear string) string {
	year := strings.ReplaceAll(academicYear, "/", "-")
	if year == "" {
		year = "unknown"
	}
	return fmt.Sprintf("records/%s/%s.json", strings.ToLower(ownerEmail), year)
}

type Archiver struct {
	sink    Sink
	timeout time.Duration
	logger  *slog.Logger
}

func New(sink Sink, timeout time.Duration, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Archiver{sink: sink, timeout: timeout, logger: logger}
}

// Archive writes the snapshot of agg and its contribution revisions and
// returns the object name. The caller must not delete the record unless this
// succeeds.
func (a *Archiver) Archive(ctx context.Context, agg store.Aggregate, revisions []store.ContributionRevision, archivedBy string, at time.Time) (string, error) {
	if a == nil || a.sink == nil {
		return "", errors.New("archive: no sink configured")
	}
	body, err := json.MarshalIndent(NewSnapshot(agg, revisions, archivedBy, at), "", "  ")
	if err != nil {
		return "", fmt.Errorf("archive: encode snapshot: %w", err)
	}
	name := ObjectName(agg.Record.OwnerEmail, agg.Record.AcademicYear)

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.sink.Put(ctx, name, body); err != nil {
		return "", fmt.Errorf("archive: put %s: %w", name, err)
	}
	a.logger.Info("archive: snapshot written", "object", name, "bytes", len(body), "by", archivedBy)
	return name, nil
}

// MemorySink keeps snapshots in process. Used when no object storage is
// configured and in tests.
type MemorySink struct {
	mu      sync.Mutex
	objects map[string][]byte
	Fail    error
}

func NewMemorySink() *MemorySink {
	return &MemorySink{objects: map[string][]byte{}}
}

func (m *MemorySink) Put(_ context.Context, name string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.objects[name] = append([]byte(nil), body...)
	return nil
}

func (m *MemorySink) Get(name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.objects[name]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), body...), nil
}
