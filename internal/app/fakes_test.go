package app

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"sheetbridge/internal/config"
	"sheetbridge/internal/llm"
	"sheetbridge/internal/lock"
	"sheetbridge/internal/search"
	"sheetbridge/internal/sheet"
	"sheetbridge/internal/store"
)

// fakeStore is an in-memory rowStore mirroring the real upsert and skip-check
// semantics.
type fakeStore struct {
	mu    sync.Mutex
	rows  map[string]store.Row
	tasks []store.Task

	upsertErr error
	listErr   error
	// insertTaskErrFor fails InsertTask for specific row keys.
	insertTaskErrFor map[string]error

	calls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[string]store.Row{}}
}

func (f *fakeStore) UpsertRows(_ context.Context, rows []store.Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.upsertErr != nil {
		return f.upsertErr
	}
	for _, row := range rows {
		f.rows[row.CompositeKey] = row
	}
	return nil
}

func (f *fakeStore) ListRows(_ context.Context, tenantID string, limit int) ([]store.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	var rows []store.Row
	for _, row := range f.rows {
		if row.TenantID == tenantID {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CompositeKey < rows[j].CompositeKey })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (f *fakeStore) ListAllRows(_ context.Context, limit int) ([]store.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	var rows []store.Row
	for _, row := range f.rows {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CompositeKey < rows[j].CompositeKey })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (f *fakeStore) ProcessedRowKeys(_ context.Context, tenantID, taskType string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	keys := map[string]bool{}
	for _, task := range f.tasks {
		if task.TenantID == tenantID && task.TaskType == taskType {
			keys[task.RowKey] = true
		}
	}
	return keys, nil
}

func (f *fakeStore) InsertTask(_ context.Context, task store.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.insertTaskErrFor[task.RowKey]; err != nil {
		return err
	}
	for _, existing := range f.tasks {
		if existing.RowKey == task.RowKey && existing.TaskType == task.TaskType {
			// Matches ON CONFLICT DO NOTHING.
			return nil
		}
	}
	f.tasks = append(f.tasks, task)
	return nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) rowKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.rows))
	for key := range f.rows {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

type fakeReader struct {
	records []sheet.Record
	err     error
}

func (f *fakeReader) ReadRecords(context.Context, string, string) ([]sheet.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

// fakeCompleter captures its inputs; completeFn overrides the canned answer.
type fakeCompleter struct {
	mu         sync.Mutex
	prompts    []string
	systems    []string
	completeFn func(prompt string, opts llm.Options) string
}

func (f *fakeCompleter) Complete(_ context.Context, prompt string, opts llm.Options) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	f.systems = append(f.systems, opts.SystemPrompt)
	if f.completeFn != nil {
		return f.completeFn(prompt, opts)
	}
	return "summary: " + prompt
}

type fakeIndexer struct {
	hits    []search.Hit
	healthy bool
	indexed []store.Row
	err     error
}

func (f *fakeIndexer) IndexRows(rows []store.Row) error {
	f.indexed = append(f.indexed, rows...)
	return f.err
}

func (f *fakeIndexer) Search(string, string, int) ([]search.Hit, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.hits, nil
}

func (f *fakeIndexer) Healthy() bool { return f.healthy }

func testConfig() config.Config {
	return config.Config{
		DatabaseURL:     "postgres://test",
		VerifyMode:      config.VerifyOff,
		SchedulerTenant: "t1",
		CORSOrigin:      "*",
	}
}

func newTestService(fs *fakeStore, reader *fakeReader, completions completer) *Service {
	svc := New(testConfig(), fs, nil, completions, lock.NewLocal())
	if reader != nil {
		svc.sheets = reader
	}
	return svc
}

func threeRecords() []sheet.Record {
	records := make([]sheet.Record, 0, 3)
	for i := 1; i <= 3; i++ {
		records = append(records, sheet.Record{
			{Name: "Name", Value: fmt.Sprintf("Person %d", i)},
			{Name: "Age", Value: float64(20 + i)},
		})
	}
	return records
}
