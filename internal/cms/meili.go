package cms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxRecords = "refflow_records"

// MeiliMirror writes mirror documents to a Meilisearch index.
type MeiliMirror struct {
	client  meili.ServiceManager
	index   string
	logger  *slog.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeiliMirror connects to Meilisearch and starts a background health
// monitor. An unreachable server is not an error; writes fail until it
// recovers and the synchronizer retries them.
func NewMeiliMirror(url, apiKey string, logger *slog.Logger) *MeiliMirror {
	if logger == nil {
		logger = slog.Default()
	}
	m := &MeiliMirror{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		index:  idxRecords,
		logger: logger,
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		logger.Warn("cms: meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop(10 * time.Second)
	return m
}

func (m *MeiliMirror) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        m.index,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug("cms: create index (may already exist)", "index", m.index, "error", err)
	}

	filterable := []interface{}{"kind", "ownerEmail", "academicYear"}
	if _, err := m.client.Index(m.index).UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("cms: update filterable attributes", "index", m.index, "error", err)
	}
}

func (m *MeiliMirror) healthLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("cms: meilisearch recovered, reconfiguring index", "index", m.index)
				m.configureIndex()
			}
		}
	}
}

func (m *MeiliMirror) Close() {
	close(m.done)
}

func (m *MeiliMirror) Healthy() bool {
	return m.healthy.Load()
}

func (m *MeiliMirror) Upsert(ctx context.Context, doc Document) error {
	if !m.healthy.Load() {
		return errors.New("cms: meilisearch unhealthy")
	}
	if _, err := m.client.Index(m.index).AddDocumentsWithContext(ctx, []map[string]any{doc.body()}, nil); err != nil {
		return fmt.Errorf("cms: upsert %s: %w", doc.Key, err)
	}
	return nil
}

func (m *MeiliMirror) Delete(ctx context.Context, key string) error {
	if !m.healthy.Load() {
		return errors.New("cms: meilisearch unhealthy")
	}
	if _, err := m.client.Index(m.index).DeleteDocumentWithContext(ctx, DocID(key), nil); err != nil {
		return fmt.Errorf("cms: delete %s: %w", key, err)
	}
	return nil
}

// Fetch returns the raw mirror document for key, or ErrNotFound.
func (m *MeiliMirror) Fetch(ctx context.Context, key string) ([]byte, error) {
	var hit meili.Hit
	if err := m.client.Index(m.index).GetDocumentWithContext(ctx, DocID(key), nil, &hit); err != nil {
		var apiErr *meili.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("cms: fetch %s: %w", key, err)
	}
	raw, err := json.Marshal(hit)
	if err != nil {
		return nil, fmt.Errorf("cms: encode %s: %w", key, err)
	}
	return raw, nil
}
