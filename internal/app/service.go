package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"sheetbridge/internal/config"
	"sheetbridge/internal/llm"
	"sheetbridge/internal/lock"
	"sheetbridge/internal/search"
	"sheetbridge/internal/sheet"
	"sheetbridge/internal/store"
)

const defaultSheetName = "Sheet1"

// How long a tenant's run lock may outlive a crashed holder.
const runLockTTL = 10 * time.Minute

// How many sampled rows the query endpoint embeds as model context.
const querySampleRows = 5

type rowStore interface {
	UpsertRows(context.Context, []store.Row) error
	ListRows(ctx context.Context, tenantID string, limit int) ([]store.Row, error)
	ListAllRows(ctx context.Context, limit int) ([]store.Row, error)
	ProcessedRowKeys(ctx context.Context, tenantID, taskType string) (map[string]bool, error)
	InsertTask(context.Context, store.Task) error
	Ping(context.Context) error
}

type sheetReader interface {
	ReadRecords(ctx context.Context, spreadsheetID, sheetName string) ([]sheet.Record, error)
}

type completer interface {
	Complete(ctx context.Context, prompt string, opts llm.Options) string
}

type rowIndexer interface {
	IndexRows([]store.Row) error
	Search(tenantID, query string, limit int) ([]search.Hit, error)
	Healthy() bool
}

// TaskResult is one newly processed row, as returned by RunTasks.
type TaskResult struct {
	RowKey string `json:"row_key"`
	Result string `json:"result"`
}

type Service struct {
	cfg    config.Config
	store  rowStore
	sheets sheetReader
	llm    completer
	locks  lock.Locker
	index  rowIndexer
	now    func() time.Time
}

// New wires the service. sheets may be nil (spreadsheet sync disabled) and
// index may be nil (row search disabled); both degrade to explicit 503s.
func New(cfg config.Config, rows rowStore, sheets sheetReader, completions completer, locks lock.Locker) *Service {
	return &Service{
		cfg:    cfg,
		store:  rows,
		sheets: sheets,
		llm:    completions,
		locks:  locks,
		now:    time.Now,
	}
}

// WithIndexer attaches the optional row search index.
func (s *Service) WithIndexer(index rowIndexer) *Service {
	s.index = index
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// CompositeKey is the deterministic upsert key for the ordinal-th record
// (1-based) of a synced sheet. Stable across re-syncs, so repeated syncs
// overwrite instead of duplicating.
func CompositeKey(tenantID, sourceID, sheetName string, ordinal int) string {
	return fmt.Sprintf("%s:%s:%s:%d", tenantID, sourceID, sheetName, ordinal)
}

// SyncSheet reads every record of the named worksheet and upserts them for
// the tenant in one batch. Returns the number of rows written.
func (s *Service) SyncSheet(ctx context.Context, tenantID, sourceID, sheetName string) (int, error) {
	if s.sheets == nil {
		return 0, domainError(http.StatusServiceUnavailable, "SHEETS_UNAVAILABLE", "Spreadsheet credentials are not configured", nil)
	}
	if sheetName == "" {
		sheetName = defaultSheetName
	}

	records, err := s.sheets.ReadRecords(ctx, sourceID, sheetName)
	if err != nil {
		switch {
		case errors.Is(err, sheet.ErrSpreadsheetNotFound):
			return 0, domainError(http.StatusBadGateway, "UPSTREAM_NOT_FOUND", fmt.Sprintf("Spreadsheet %s not found", sourceID), nil)
		case errors.Is(err, sheet.ErrWorksheetNotFound):
			return 0, domainError(http.StatusBadGateway, "UPSTREAM_NOT_FOUND", fmt.Sprintf("Worksheet %q not found", sheetName), nil)
		}
		return 0, domainError(http.StatusBadGateway, "UPSTREAM_FAILURE", fmt.Sprintf("Failed to read sheet: %v", err), nil)
	}

	syncedAt := s.now().UTC()
	rows := make([]store.Row, 0, len(records))
	for i, record := range records {
		rows = append(rows, store.Row{
			TenantID:     tenantID,
			CompositeKey: CompositeKey(tenantID, sourceID, sheetName, i+1),
			Payload:      record,
			SyncedAt:     syncedAt,
		})
	}

	if err := s.store.UpsertRows(ctx, rows); err != nil {
		return 0, fmt.Errorf("upsert synced rows: %w", err)
	}
	log.Printf("sync: wrote %d rows for tenant=%s source=%s sheet=%s", len(rows), tenantID, sourceID, sheetName)

	s.indexRows(rows)
	return len(rows), nil
}

// RunTasks summarizes every not-yet-processed row for the tenant. One pass
// per tenant at a time: a concurrent call gets ErrRunInProgress. A failing
// row degrades (fallback result, or a logged skip on store errors) and the
// pass continues; only newly processed rows are returned.
func (s *Service) RunTasks(ctx context.Context, tenantID string) ([]TaskResult, error) {
	release, ok, err := s.locks.TryAcquire(ctx, "tasks:"+tenantID, runLockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire run lock for %s: %w", tenantID, err)
	}
	if !ok {
		return nil, ErrRunInProgress
	}
	defer release()

	rows, err := s.store.ListRows(ctx, tenantID, 0)
	if err != nil {
		return nil, fmt.Errorf("list rows for %s: %w", tenantID, err)
	}

	processed, err := s.store.ProcessedRowKeys(ctx, tenantID, store.TaskTypeSummarize)
	if err != nil {
		return nil, fmt.Errorf("list processed keys for %s: %w", tenantID, err)
	}

	results := []TaskResult{}
	for _, row := range rows {
		if processed[row.CompositeKey] {
			continue
		}

		snapshot := serializePayload(row.Payload)
		result := s.llm.Complete(ctx, "Summarize this record: "+snapshot, llm.Options{
			SystemPrompt: "You are an AI assistant analyzing spreadsheet data.",
		})

		task := store.Task{
			TenantID:      tenantID,
			RowKey:        row.CompositeKey,
			TaskType:      store.TaskTypeSummarize,
			InputSnapshot: snapshot,
			Result:        result,
			Status:        store.TaskStatusCompleted,
			CreatedAt:     s.now().UTC(),
		}
		if err := s.store.InsertTask(ctx, task); err != nil {
			// The row stays unprocessed and is retried on the next pass.
			log.Printf("tasks: persist failed for %s: %v", row.CompositeKey, err)
			continue
		}
		results = append(results, TaskResult{RowKey: row.CompositeKey, Result: result})
	}

	log.Printf("tasks: processed %d of %d rows for tenant=%s", len(results), len(rows), tenantID)
	return results, nil
}

// ScheduledPass is the scheduler's job: a task run for the pinned tenant.
// A pass skipped because a manual run holds the lock is not an error.
func (s *Service) ScheduledPass(ctx context.Context) error {
	results, err := s.RunTasks(ctx, s.cfg.SchedulerTenant)
	if errors.Is(err, ErrRunInProgress) {
		log.Printf("tasks: scheduled pass for %s skipped, run in progress", s.cfg.SchedulerTenant)
		return nil
	}
	if err != nil {
		return err
	}
	log.Printf("tasks: scheduled pass for %s processed %d rows", s.cfg.SchedulerTenant, len(results))
	return nil
}

// AgentQuery answers a free-form question with up to five sampled tenant
// rows embedded as model context.
func (s *Service) AgentQuery(ctx context.Context, tenantID, prompt string) (string, error) {
	rows, err := s.store.ListRows(ctx, tenantID, querySampleRows)
	if err != nil {
		return "", fmt.Errorf("sample rows for %s: %w", tenantID, err)
	}

	snippet := "No tenant data found."
	if len(rows) > 0 {
		samples := make([]string, 0, len(rows))
		for _, row := range rows {
			samples = append(samples, serializePayload(row.Payload))
		}
		raw, err := json.Marshal(samples)
		if err != nil {
			return "", fmt.Errorf("marshal row samples: %w", err)
		}
		snippet = string(raw)
	}

	systemPrompt := fmt.Sprintf(
		"You are a professional AI data analyst for tenant %s. "+
			"Use this data context to answer accurately:\n%s\n\n"+
			"Be concise and output in readable sentences or tables.",
		tenantID, snippet,
	)
	return s.llm.Complete(ctx, prompt, llm.Options{SystemPrompt: systemPrompt}), nil
}

// Rows lists synced rows for the tenant. When the tenant-scoped read comes
// back empty it falls back to an unscoped read, mirroring the lenient
// behavior of the dashboard this API was built for.
func (s *Service) Rows(ctx context.Context, tenantID string, limit int) ([]store.Row, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.store.ListRows(ctx, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list rows for %s: %w", tenantID, err)
	}
	if len(rows) > 0 {
		return rows, nil
	}

	log.Printf("rows: no rows for tenant=%s, falling back to unscoped read", tenantID)
	rows, err = s.store.ListAllRows(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list rows unscoped: %w", err)
	}
	return rows, nil
}

// SearchRows queries the optional row index, scoped to the tenant.
func (s *Service) SearchRows(ctx context.Context, tenantID, query string, limit int) ([]search.Hit, error) {
	if s.index == nil || !s.index.Healthy() {
		return nil, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Row search is not configured", nil)
	}
	hits, err := s.index.Search(tenantID, query, limit)
	if err != nil {
		return nil, domainError(http.StatusBadGateway, "UPSTREAM_FAILURE", fmt.Sprintf("Row search failed: %v", err), nil)
	}
	return hits, nil
}

// DebugEnv reports which secrets are configured, without their values.
func (s *Service) DebugEnv() map[string]any {
	return map[string]any{
		"DATABASE_URL":           s.cfg.DatabaseURL != "",
		"SHEETBRIDGE_JWT_SECRET": s.cfg.JWTSecret != "",
		"OPENROUTER_API_KEY":     s.cfg.OpenRouterAPIKey != "",
		"GOOGLE_SA_JSON_PATH":    s.cfg.GoogleCredsPath != "",
		"REDIS_URL":              s.cfg.RedisURL != "",
		"MEILI_URL":              s.cfg.MeiliURL != "",
		"verify_signature":       string(s.cfg.VerifyMode),
	}
}

// DebugStore probes the row store with a single-row read.
func (s *Service) DebugStore(ctx context.Context) map[string]any {
	rows, err := s.store.ListAllRows(ctx, 1)
	if err != nil {
		return map[string]any{"ok": false, "error": err.Error()}
	}
	return map[string]any{"ok": true, "sample_rows": rows}
}

func (s *Service) indexRows(rows []store.Row) {
	if s.index == nil {
		return
	}
	if err := s.index.IndexRows(rows); err != nil {
		log.Printf("sync: indexing %d rows failed: %v", len(rows), err)
	}
}

func serializePayload(payload sheet.Record) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprint(payload)
	}
	return string(raw)
}
