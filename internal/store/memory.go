package store

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"refflow/api/internal/workflow"
)

// MemoryStore keeps aggregates in process. It backs local runs without a
// database and the service tests.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[string]Aggregate
	byOwner   map[string]string
	revisions map[string][]ContributionRevision
	locks     map[string]*sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   map[string]Aggregate{},
		byOwner:   map[string]string{},
		revisions: map[string][]ContributionRevision{},
		locks:     map[string]*sync.Mutex{},
	}
}

func ownerKey(ownerEmail, academicYear string) string {
	return strings.ToLower(ownerEmail) + "|" + academicYear
}

func revisionKey(recordID string, section int, subjectKey, authorEmail string) string {
	return strings.Join([]string{recordID, strconv.Itoa(section), subjectKey, strings.ToLower(authorEmail)}, "|")
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) FindRecord(_ context.Context, ownerEmail, academicYear string) (ApplicationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if academicYear != "" {
		id, ok := s.byOwner[ownerKey(ownerEmail, academicYear)]
		if !ok {
			return ApplicationRecord{}, ErrNotFound
		}
		return s.records[id].Record, nil
	}

	var (
		latest ApplicationRecord
		found  bool
	)
	for _, agg := range s.records {
		record := agg.Record
		if !strings.EqualFold(record.OwnerEmail, ownerEmail) {
			continue
		}
		if !found || record.AcademicYear > latest.AcademicYear ||
			(record.AcademicYear == latest.AcademicYear && record.CreatedAt.After(latest.CreatedAt)) {
			latest, found = record, true
		}
	}
	if !found {
		return ApplicationRecord{}, ErrNotFound
	}
	return latest, nil
}

func (s *MemoryStore) EnsureRecord(_ context.Context, record ApplicationRecord) (ApplicationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ownerKey(record.OwnerEmail, record.AcademicYear)
	if id, ok := s.byOwner[key]; ok {
		return s.records[id].Record, nil
	}
	if record.Status == "" {
		record.Status = workflow.StatusDraft
	}
	record.OwnerEmail = strings.ToLower(record.OwnerEmail)
	s.records[record.ID] = Aggregate{Record: record}
	s.byOwner[key] = record.ID
	return record, nil
}

func (s *MemoryStore) LoadAggregate(_ context.Context, recordID string) (Aggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agg, ok := s.records[recordID]
	if !ok {
		return Aggregate{}, ErrNotFound
	}
	return agg.clone(), nil
}

func (s *MemoryStore) FindInviteByDigest(_ context.Context, digest string) (Invite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, agg := range s.records {
		for _, invite := range agg.Invites {
			if invite.TokenDigest == digest {
				return invite, nil
			}
		}
	}
	return Invite{}, ErrNotFound
}

func (s *MemoryStore) ListContributionRevisions(_ context.Context, recordID string, section int, subjectKey, authorEmail string) ([]ContributionRevision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := append([]ContributionRevision{}, s.revisions[revisionKey(recordID, section, subjectKey, authorEmail)]...)
	return items, nil
}

func (s *MemoryStore) ExpireInvites(ctx context.Context, cutoff time.Time) ([]ExpiredInvite, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	expired := make([]ExpiredInvite, 0)
	for _, id := range ids {
		err := s.WithRecordLock(ctx, id, func(tx Tx) error {
			agg := &tx.(*memoryTx).agg
			for i, invite := range agg.Invites {
				if invite.Status != workflow.InvitePending || invite.CreatedAt.After(cutoff) {
					continue
				}
				agg.Invites[i].Status = workflow.InviteExpired
				expired = append(expired, ExpiredInvite{
					Invite:       agg.Invites[i],
					OwnerEmail:   agg.Record.OwnerEmail,
					AcademicYear: agg.Record.AcademicYear,
				})
			}
			return nil
		})
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].CreatedAt.Before(expired[j].CreatedAt) })
	return expired, nil
}

func (s *MemoryStore) deleteLocked(recordID string) error {
	agg, ok := s.records[recordID]
	if !ok {
		return ErrNotFound
	}
	delete(s.records, recordID)
	delete(s.byOwner, ownerKey(agg.Record.OwnerEmail, agg.Record.AcademicYear))
	prefix := recordID + "|"
	for key := range s.revisions {
		if strings.HasPrefix(key, prefix) {
			delete(s.revisions, key)
		}
	}
	return nil
}

func (s *MemoryStore) recordLock(recordID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[recordID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[recordID] = lock
	}
	return lock
}

// WithRecordLock serializes callers per record. fn works on a private copy
// of the aggregate that replaces the stored one only when fn returns nil.
func (s *MemoryStore) WithRecordLock(ctx context.Context, recordID string, fn func(Tx) error) error {
	lock := s.recordLock(recordID)
	lock.Lock()
	defer lock.Unlock()

	working, err := s.LoadAggregate(ctx, recordID)
	if err != nil {
		return err
	}
	tx := &memoryTx{store: s, agg: working}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[recordID]; !ok {
		return ErrNotFound
	}
	if tx.deleted {
		return s.deleteLocked(recordID)
	}
	s.records[recordID] = tx.agg
	for _, revision := range tx.revisions {
		key := revisionKey(recordID, revision.Section, revision.SubjectKey, revision.AuthorEmail)
		s.revisions[key] = append(s.revisions[key], revision)
	}
	return nil
}

type memoryTx struct {
	store     *MemoryStore
	agg       Aggregate
	revisions []ContributionRevision
	deleted   bool
}

func (t *memoryTx) Aggregate(context.Context) (Aggregate, error) {
	return t.agg.clone(), nil
}

func (t *memoryTx) UpdateRecord(_ context.Context, record ApplicationRecord) error {
	current := t.agg.Record
	current.Statement = record.Statement
	current.Status = record.Status
	current.EditsReason = record.EditsReason
	current.UpdatedByRole = record.UpdatedByRole
	current.UpdatedAt = record.UpdatedAt
	t.agg.Record = current
	return nil
}

func (t *memoryTx) InsertInvite(_ context.Context, invite Invite) error {
	if invite.Status.Live() {
		if _, exists := t.agg.LiveInvite(invite.InvitedEmail); exists {
			return ErrConflict
		}
	}
	invite.RecordID = t.agg.Record.ID
	invite.InvitedEmail = strings.ToLower(invite.InvitedEmail)
	t.agg.Invites = append(t.agg.Invites, invite)
	return nil
}

func (t *memoryTx) UpdateInviteStatus(_ context.Context, inviteID string, status workflow.InviteStatus, at time.Time) error {
	for i := range t.agg.Invites {
		if t.agg.Invites[i].ID != inviteID {
			continue
		}
		t.agg.Invites[i].Status = status
		if status == workflow.InviteAccepted {
			accepted := at
			t.agg.Invites[i].AcceptedAt = &accepted
		}
		return nil
	}
	return ErrNotFound
}

func (t *memoryTx) UpsertContribution(_ context.Context, item Contribution, now time.Time) (Contribution, error) {
	item.RecordID = t.agg.Record.ID
	item.AuthorEmail = strings.ToLower(item.AuthorEmail)
	item.UpdatedAt = now

	for i, prior := range t.agg.Contributions {
		if prior.Section != item.Section || prior.SubjectKey != item.SubjectKey || prior.AuthorEmail != item.AuthorEmail {
			continue
		}
		t.revisions = append(t.revisions, ContributionRevision{
			RecordID:    prior.RecordID,
			Section:     prior.Section,
			SubjectKey:  prior.SubjectKey,
			AuthorEmail: prior.AuthorEmail,
			Revision:    prior.Revision,
			Text:        prior.Text,
			AuthorName:  prior.AuthorName,
			UpdatedAt:   prior.UpdatedAt,
			ArchivedAt:  now,
		})
		item.ID = prior.ID
		item.Revision = prior.Revision + 1
		t.agg.Contributions[i] = item
		return item, nil
	}

	item.Revision = 1
	t.agg.Contributions = append(t.agg.Contributions, item)
	return item, nil
}

func (t *memoryTx) SaveNarrative(_ context.Context, narrative CompiledNarrative) error {
	narrative.RecordID = t.agg.Record.ID
	t.agg.Narrative = &narrative
	return nil
}

func (t *memoryTx) InsertComment(_ context.Context, comment Comment) error {
	comment.RecordID = t.agg.Record.ID
	comment.AuthorEmail = strings.ToLower(comment.AuthorEmail)
	t.agg.Comments = append(t.agg.Comments, comment)
	return nil
}

func (t *memoryTx) Revisions(context.Context) ([]ContributionRevision, error) {
	t.store.mu.Lock()
	prefix := t.agg.Record.ID + "|"
	items := make([]ContributionRevision, 0)
	for key, revisions := range t.store.revisions {
		if strings.HasPrefix(key, prefix) {
			items = append(items, revisions...)
		}
	}
	t.store.mu.Unlock()

	items = append(items, t.revisions...)
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Section != b.Section {
			return a.Section < b.Section
		}
		if a.SubjectKey != b.SubjectKey {
			return a.SubjectKey < b.SubjectKey
		}
		if a.AuthorEmail != b.AuthorEmail {
			return a.AuthorEmail < b.AuthorEmail
		}
		return a.Revision < b.Revision
	})
	return items, nil
}

func (t *memoryTx) DeleteRecord(context.Context) error {
	t.deleted = true
	return nil
}
