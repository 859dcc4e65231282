package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"refflow/api/internal/store"
	"refflow/api/internal/workflow"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleAggregate() store.Aggregate {
	created := time.Date(2025, 10, 1, 9, 0, 0, 0, time.UTC)
	accepted := created.Add(time.Hour)
	return store.Aggregate{
		Record: store.ApplicationRecord{
			ID: "rec_1", OwnerEmail: "sam@school.org", AcademicYear: "2025/2026",
			Statement: "I like rocks", Status: workflow.StatusComplete, CreatedAt: created, UpdatedAt: created,
		},
		Invites: []store.Invite{{
			ID: "inv_1", InvitedEmail: "t1@school.org", TokenDigest: "secret-digest",
			Status: workflow.InviteAccepted, CreatedAt: created, AcceptedAt: &accepted,
		}},
		Contributions: []store.Contribution{{
			Section: 2, SubjectKey: "Geology", AuthorEmail: "t1@school.org", AuthorName: "Taylor", Text: "Diligent", Revision: 3,
		}},
		Narrative: &store.CompiledNarrative{Text: "Compiled", UpdatedBy: "tutor@school.org", Complete: true},
	}
}

func sampleRevisions() []store.ContributionRevision {
	archived := time.Date(2025, 11, 1, 9, 0, 0, 0, time.UTC)
	return []store.ContributionRevision{
		{RecordID: "rec_1", Section: 2, SubjectKey: "Geology", AuthorEmail: "t1@school.org", Revision: 1, Text: "Keen", ArchivedAt: archived},
		{RecordID: "rec_1", Section: 2, SubjectKey: "Geology", AuthorEmail: "t1@school.org", Revision: 2, Text: "Keen and careful", ArchivedAt: archived},
	}
}

func TestObjectName(t *testing.T) {
	if got := ObjectName("Sam@School.org", "2025/2026"); got != "records/sam@school.org/2025-2026.json" {
		t.Fatalf("unexpected object name %q", got)
	}
	if got := ObjectName("sam@school.org", ""); got != "records/sam@school.org/unknown.json" {
		t.Fatalf("unexpected object name %q", got)
	}
}

func TestArchiveWritesSnapshotWithoutTokens(t *testing.T) {
	sink := NewMemorySink()
	archiver := New(sink, time.Second, quietLogger())
	at := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

	name, err := archiver.Archive(context.Background(), sampleAggregate(), sampleRevisions(), "tutor@school.org", at)
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	body, err := sink.Get(name)
	if err != nil {
		t.Fatalf("Get(%q) error = %v", name, err)
	}
	if strings.Contains(string(body), "secret-digest") {
		t.Fatal("snapshot must not carry invite token digests")
	}

	var snap Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.ArchivedBy != "tutor@school.org" || !snap.ArchivedAt.Equal(at) {
		t.Fatalf("unexpected snapshot header %+v", snap)
	}
	if snap.Record.Status != "COMPLETE" || len(snap.Contributions) != 1 || snap.Contributions[0].Revision != 3 {
		t.Fatalf("unexpected snapshot body %+v", snap)
	}
	if snap.Narrative == nil || !snap.Narrative.Complete {
		t.Fatalf("expected narrative in snapshot, got %+v", snap.Narrative)
	}
	if len(snap.Revisions) != 2 || snap.Revisions[0].Text != "Keen" || snap.Revisions[1].Revision != 2 {
		t.Fatalf("expected the contribution history in the snapshot, got %+v", snap.Revisions)
	}
}

func TestArchiveFailsWhenSinkFails(t *testing.T) {
	sink := NewMemorySink()
	sink.Fail = errors.New("bucket gone")
	archiver := New(sink, time.Second, quietLogger())

	if _, err := archiver.Archive(context.Background(), sampleAggregate(), nil, "tutor@school.org", time.Now()); err == nil {
		t.Fatal("expected archive error")
	}
}

func TestArchiveWithoutSink(t *testing.T) {
	var archiver *Archiver
	if _, err := archiver.Archive(context.Background(), sampleAggregate(), nil, "tutor@school.org", time.Now()); err == nil {
		t.Fatal("expected error without a sink")
	}
}

// fakeS3 answers the handful of S3 calls the sink makes.
type fakeS3 struct {
	mu      sync.Mutex
	buckets map[string]bool
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, object, _ := strings.Cut(path, "/")
	switch {
	case object == "" && r.Method == http.MethodHead:
		if !f.buckets[bucket] {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case object == "" && r.Method == http.MethodPut:
		f.buckets[bucket] = true
		w.WriteHeader(http.StatusOK)
	case object != "" && r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[bucket+"/"+object] = body
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func TestMinioSinkCreatesBucketAndPutsObject(t *testing.T) {
	fake := &fakeS3{buckets: map[string]bool{}, objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	sink, err := NewMinioSink(context.Background(), MinioConfig{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "minio",
		SecretKey: "minio-secret",
		Bucket:    "refflow-archive",
		Region:    "us-east-1",
	})
	if err != nil {
		t.Fatalf("NewMinioSink() error = %v", err)
	}
	if !fake.buckets["refflow-archive"] {
		t.Fatal("expected bucket to be created")
	}

	if err := sink.Put(context.Background(), "records/sam@school.org/2025-2026.json", []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	// Plain-HTTP uploads may arrive aws-chunked, so only look for the payload.
	got, ok := fake.objects["refflow-archive/records/sam@school.org/2025-2026.json"]
	if !ok || !strings.Contains(string(got), `{"ok":true}`) {
		t.Fatalf("unexpected stored object %q", got)
	}
}
