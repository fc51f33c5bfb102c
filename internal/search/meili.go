// Package search maintains an optional Meilisearch index over synced rows.
package search

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"sheetbridge/internal/store"
)

const idxRows = "sheetbridge_rows"

// RowDocument is the indexed shape of a synced row. Text flattens the payload
// so any column value is searchable.
type RowDocument struct {
	ID       string `json:"id"`
	RowKey   string `json:"rowKey"`
	TenantID string `json:"tenantId"`
	Text     string `json:"text"`
	SyncedAt string `json:"syncedAt"`
}

// Hit is one search result.
type Hit struct {
	RowKey   string `json:"row_key"`
	TenantID string `json:"tenant_id"`
	Snippet  string `json:"snippet"`
}

// Meili wraps the Meilisearch client. A nil *Meili disables row search.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates the client and configures the rows index. The service
// being down at startup is tolerated: a background loop keeps probing and
// reconfigures on recovery (callers see Healthy() == false meanwhile).
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxRows,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxRows, err)
	}

	index := m.client.Index(idxRows)
	filterable := []interface{}{"tenantId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs for %s: %v", idxRows, err)
	}
	searchable := []string{"text", "rowKey"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxRows, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
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
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// IndexRows adds or updates synced rows in the search index.
func (m *Meili) IndexRows(rows []store.Row) error {
	if len(rows) == 0 {
		return nil
	}
	if !m.healthy.Load() {
		return fmt.Errorf("meilisearch unhealthy")
	}

	docs := make([]RowDocument, 0, len(rows))
	for _, row := range rows {
		docs = append(docs, RowDocument{
			ID:       documentID(row.CompositeKey),
			RowKey:   row.CompositeKey,
			TenantID: row.TenantID,
			Text:     flattenPayload(row),
			SyncedAt: row.SyncedAt.UTC().Format(time.RFC3339),
		})
	}
	if _, err := m.client.Index(idxRows).AddDocuments(docs, nil); err != nil {
		m.healthy.Store(false)
		return fmt.Errorf("index %d rows: %w", len(docs), err)
	}
	return nil
}

// Search queries the rows index scoped to one tenant.
func (m *Meili) Search(tenantID, query string, limit int) ([]Hit, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	if limit <= 0 {
		limit = 20
	}

	resp, err := m.client.Index(idxRows).Search(query, &meili.SearchRequest{
		Limit:  int64(limit),
		Filter: []string{fmt.Sprintf("tenantId = %q", tenantID)},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("search rows: %w", err)
	}

	hits := make([]Hit, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		hits = append(hits, Hit{
			RowKey:   decodeString(hit, "rowKey"),
			TenantID: decodeString(hit, "tenantId"),
			Snippet:  decodeString(hit, "text"),
		})
	}
	return hits, nil
}

// documentID derives a Meilisearch-safe primary key; composite keys contain
// colons, which the engine rejects.
func documentID(compositeKey string) string {
	sum := sha256.Sum256([]byte(compositeKey))
	return hex.EncodeToString(sum[:16])
}

func flattenPayload(row store.Row) string {
	var parts []string
	for _, field := range row.Payload {
		parts = append(parts, fmt.Sprintf("%s: %v", field.Name, field.Value))
	}
	return strings.Join(parts, "; ")
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}
