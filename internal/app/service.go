package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"refflow/api/internal/cms"
	"refflow/api/internal/export"
	"refflow/api/internal/metrics"
	"refflow/api/internal/notify"
	"refflow/api/internal/rbac"
	"refflow/api/internal/store"
	"refflow/api/internal/syncq"
	"refflow/api/internal/util"
	"refflow/api/internal/workflow"
)

type dataStore interface {
	Ping(context.Context) error
	FindRecord(context.Context, string, string) (store.ApplicationRecord, error)
	EnsureRecord(context.Context, store.ApplicationRecord) (store.ApplicationRecord, error)
	LoadAggregate(context.Context, string) (store.Aggregate, error)
	FindInviteByDigest(context.Context, string) (store.Invite, error)
	ListContributionRevisions(context.Context, string, int, string, string) ([]store.ContributionRevision, error)
	ExpireInvites(context.Context, time.Time) ([]store.ExpiredInvite, error)
	WithRecordLock(context.Context, string, func(store.Tx) error) error
}

type syncer interface {
	Enqueue(jobs ...syncq.Job)
}

type notifier interface {
	Emit(notify.Event)
}

type archiver interface {
	Archive(ctx context.Context, agg store.Aggregate, revisions []store.ContributionRevision, archivedBy string, at time.Time) (string, error)
}

type exporter interface {
	Export(ctx context.Context, ref export.Reference, format export.Format) (*export.Result, error)
}

// legacyReader reads mirror documents for records that predate the
// relational store.
type legacyReader interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

type Deps struct {
	Store    dataStore
	Sync     syncer
	Notify   notifier
	Archive  archiver
	Export   exporter
	Legacy   legacyReader
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Checks   []ReadinessCheck
	Settings Settings
}

type Settings struct {
	InviteTTL     time.Duration
	LegacyTimeout time.Duration
}

// ReadinessCheck is an optional dependency reported by /api/ready. Only the
// store decides readiness; the rest are informational.
type ReadinessCheck struct {
	Name  string
	Check func(context.Context) error
}

type Service struct {
	store    dataStore
	sync     syncer
	notify   notifier
	archive  archiver
	export   exporter
	legacy   legacyReader
	metrics  *metrics.Metrics
	logger   *slog.Logger
	checks   []ReadinessCheck
	settings Settings
	now      func() time.Time
}

func New(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	settings := deps.Settings
	if settings.LegacyTimeout <= 0 {
		settings.LegacyTimeout = 3 * time.Second
	}
	return &Service{
		store:    deps.Store,
		sync:     deps.Sync,
		notify:   deps.Notify,
		archive:  deps.Archive,
		export:   deps.Export,
		legacy:   deps.Legacy,
		metrics:  deps.Metrics,
		logger:   logger,
		checks:   deps.Checks,
		settings: settings,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// observe records the outcome of a workflow operation. Call it deferred with
// a pointer to the named error result.
func (s *Service) observe(operation string, errp *error) {
	outcome := "ok"
	if *errp != nil {
		outcome = string(workflow.KindOf(*errp))
		if outcome == "" {
			outcome = "error"
		}
	}
	s.metrics.ObserveTransition(operation, outcome)
}

// recordRef addresses an application record by its owner and academic year.
// An empty year means the most recent record.
type recordRef struct {
	owner string
	year  string
}

func newRecordRef(owner, year string) (recordRef, error) {
	address, err := workflow.NormalizeAddress(owner)
	if err != nil {
		return recordRef{}, err
	}
	normalizedYear, err := workflow.NormalizeAcademicYear(year)
	if err != nil {
		return recordRef{}, err
	}
	return recordRef{owner: address, year: normalizedYear}, nil
}

// findRecord returns the record for ref, backfilling it from the mirror when
// only a legacy copy exists.
func (s *Service) findRecord(ctx context.Context, ref recordRef) (store.ApplicationRecord, error) {
	record, err := s.store.FindRecord(ctx, ref.owner, ref.year)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.ApplicationRecord{}, fmt.Errorf("find record: %w", err)
	}
	if record, ok := s.backfillLegacy(ctx, ref); ok {
		return record, nil
	}
	if ref.year == "" {
		return store.ApplicationRecord{}, workflow.NotFound("no application record for %s", ref.owner)
	}
	return store.ApplicationRecord{}, workflow.NotFound("no application record for %s in %s", ref.owner, ref.year)
}

// ensureRecord is findRecord for student writes that may open the record.
// A missing year opens the current academic year.
func (s *Service) ensureRecord(ctx context.Context, ref recordRef) (store.ApplicationRecord, error) {
	record, err := s.findRecord(ctx, ref)
	if err == nil || !errors.Is(err, workflow.ErrNotFound) {
		return record, err
	}

	now := s.now()
	year := ref.year
	if year == "" {
		year = workflow.CurrentAcademicYear(now)
	}
	record, err = s.store.EnsureRecord(ctx, store.ApplicationRecord{
		ID:            util.NewID("rec"),
		OwnerEmail:    ref.owner,
		AcademicYear:  year,
		Status:        workflow.StatusDraft,
		UpdatedByRole: string(rbac.RoleStudent),
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return store.ApplicationRecord{}, fmt.Errorf("ensure record: %w", err)
	}
	s.enqueue(recordDoc(record))
	return record, nil
}

func (s *Service) backfillLegacy(ctx context.Context, ref recordRef) (store.ApplicationRecord, bool) {
	if s.legacy == nil {
		return store.ApplicationRecord{}, false
	}
	year := ref.year
	if year == "" {
		year = workflow.CurrentAcademicYear(s.now())
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.settings.LegacyTimeout)
	defer cancel()
	raw, err := s.legacy.Fetch(fetchCtx, cms.RecordKey(ref.owner, year))
	if err != nil {
		if !errors.Is(err, cms.ErrNotFound) {
			s.logger.Warn("app: legacy record lookup failed", "owner", ref.owner, "year", year, "error", err)
		}
		return store.ApplicationRecord{}, false
	}

	legacy := cms.ParseLegacyRecord(raw)
	if legacy.OwnerEmail != "" && legacy.OwnerEmail != ref.owner {
		s.logger.Warn("app: legacy record owner mismatch", "owner", ref.owner, "found", legacy.OwnerEmail)
		return store.ApplicationRecord{}, false
	}
	if legacy.AcademicYear != "" {
		if normalized, err := workflow.NormalizeAcademicYear(legacy.AcademicYear); err == nil {
			year = normalized
		}
	}

	now := s.now()
	record, err := s.store.EnsureRecord(ctx, store.ApplicationRecord{
		ID:            util.NewID("rec"),
		OwnerEmail:    ref.owner,
		AcademicYear:  year,
		Statement:     legacy.Statement,
		Status:        legacy.Status,
		EditsReason:   legacy.EditsReason,
		UpdatedByRole: "legacy",
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		s.logger.Error("app: backfill legacy record", "owner", ref.owner, "year", year, "error", err)
		return store.ApplicationRecord{}, false
	}
	s.logger.Info("app: backfilled legacy record", "owner", ref.owner, "year", year, "status", record.Status)
	return record, true
}

func (s *Service) enqueue(docs ...cms.Document) {
	if s.sync == nil || len(docs) == 0 {
		return
	}
	now := s.now()
	jobs := make([]syncq.Job, 0, len(docs))
	for _, doc := range docs {
		jobs = append(jobs, syncq.Upsert(doc, now))
	}
	s.sync.Enqueue(jobs...)
}

func (s *Service) emit(event notify.Event) {
	if s.notify == nil || len(event.Recipients) == 0 {
		return
	}
	event.OccurredAt = s.now()
	s.notify.Emit(event)
}

// ScheduleExpirySweep registers ExpireInvites on c under spec.
func (s *Service) ScheduleExpirySweep(c *cron.Cron, spec string) error {
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.ExpireInvites(ctx); err != nil {
			s.logger.Error("app: invite expiry sweep", "error", err)
		}
	})
	return err
}
