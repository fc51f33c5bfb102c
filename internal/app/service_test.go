package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"sheetbridge/internal/llm"
	"sheetbridge/internal/sheet"
	"sheetbridge/internal/store"
)

func TestSyncSheetBuildsDeterministicKeys(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, &fakeReader{records: threeRecords()}, &fakeCompleter{})

	count, err := svc.SyncSheet(context.Background(), "t1", "SHEET", "Sheet1")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 rows synced, got %d", count)
	}

	want := []string{"t1:SHEET:Sheet1:1", "t1:SHEET:Sheet1:2", "t1:SHEET:Sheet1:3"}
	got := fs.rowKeys()
	if len(got) != len(want) {
		t.Fatalf("expected keys %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected keys %v, got %v", want, got)
		}
	}

	row := fs.rows["t1:SHEET:Sheet1:2"]
	if row.TenantID != "t1" {
		t.Fatalf("expected tenant t1, got %q", row.TenantID)
	}
	if value, _ := row.Payload.Get("Name"); value != "Person 2" {
		t.Fatalf("expected payload preserved, got %v", value)
	}
	if row.SyncedAt.IsZero() {
		t.Fatal("expected synced_at set")
	}
}

func TestSyncSheetIsIdempotent(t *testing.T) {
	fs := newFakeStore()
	reader := &fakeReader{records: threeRecords()}
	svc := newTestService(fs, reader, &fakeCompleter{})

	for pass := 0; pass < 2; pass++ {
		count, err := svc.SyncSheet(context.Background(), "t1", "SHEET", "Sheet1")
		if err != nil {
			t.Fatalf("pass %d: %v", pass, err)
		}
		if count != 3 {
			t.Fatalf("pass %d: expected 3, got %d", pass, count)
		}
	}

	if len(fs.rows) != 3 {
		t.Fatalf("expected 3 rows after re-sync, got %d", len(fs.rows))
	}
}

func TestSyncSheetDefaultsWorksheetName(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, &fakeReader{records: threeRecords()[:1]}, &fakeCompleter{})

	if _, err := svc.SyncSheet(context.Background(), "t1", "SHEET", ""); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if _, ok := fs.rows["t1:SHEET:Sheet1:1"]; !ok {
		t.Fatalf("expected default worksheet name in key, got %v", fs.rowKeys())
	}
}

func TestSyncSheetDistinguishesUpstreamNotFound(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"spreadsheet", fmt.Errorf("spreadsheet X: %w", sheet.ErrSpreadsheetNotFound), "Spreadsheet"},
		{"worksheet", fmt.Errorf("worksheet Y: %w", sheet.ErrWorksheetNotFound), "Worksheet"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newTestService(newFakeStore(), &fakeReader{err: tc.err}, &fakeCompleter{})
			_, err := svc.SyncSheet(context.Background(), "t1", "SHEET", "Sheet1")

			var domainErr *DomainError
			if !errors.As(err, &domainErr) {
				t.Fatalf("expected DomainError, got %v", err)
			}
			if domainErr.Code != "UPSTREAM_NOT_FOUND" {
				t.Fatalf("expected UPSTREAM_NOT_FOUND, got %s", domainErr.Code)
			}
			if !strings.Contains(domainErr.Message, tc.want) {
				t.Fatalf("expected message naming the %s, got %q", tc.name, domainErr.Message)
			}
		})
	}
}

func TestSyncSheetProviderFailure(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakeReader{err: errors.New("api quota")}, &fakeCompleter{})
	_, err := svc.SyncSheet(context.Background(), "t1", "SHEET", "Sheet1")

	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "UPSTREAM_FAILURE" {
		t.Fatalf("expected UPSTREAM_FAILURE, got %v", err)
	}
}

func TestSyncSheetWithoutReaderConfigured(t *testing.T) {
	svc := newTestService(newFakeStore(), nil, &fakeCompleter{})
	_, err := svc.SyncSheet(context.Background(), "t1", "SHEET", "Sheet1")

	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 DomainError, got %v", err)
	}
}

func seedRows(t *testing.T, fs *fakeStore, tenantID string, n int) {
	t.Helper()
	rows := make([]store.Row, 0, n)
	for i := 1; i <= n; i++ {
		rows = append(rows, store.Row{
			TenantID:     tenantID,
			CompositeKey: fmt.Sprintf("%s:SHEET:Sheet1:%d", tenantID, i),
			Payload:      sheet.Record{{Name: "Name", Value: fmt.Sprintf("Person %d", i)}},
			SyncedAt:     time.Now().UTC(),
		})
	}
	if err := fs.UpsertRows(context.Background(), rows); err != nil {
		t.Fatalf("seed rows: %v", err)
	}
}

func TestRunTasksProcessesEachRowOnce(t *testing.T) {
	fs := newFakeStore()
	seedRows(t, fs, "t1", 3)
	completions := &fakeCompleter{}
	svc := newTestService(fs, nil, completions)

	results, err := svc.RunTasks(context.Background(), "t1")
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if len(fs.tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(fs.tasks))
	}
	for _, task := range fs.tasks {
		if task.Status != store.TaskStatusCompleted {
			t.Fatalf("expected completed status, got %q", task.Status)
		}
		if task.TaskType != store.TaskTypeSummarize {
			t.Fatalf("expected summarize task, got %q", task.TaskType)
		}
		if task.InputSnapshot == "" || task.Result == "" {
			t.Fatalf("expected snapshot and result populated: %+v", task)
		}
	}
	for _, prompt := range completions.prompts {
		if !strings.HasPrefix(prompt, "Summarize this record: ") {
			t.Fatalf("expected fixed instruction template, got %q", prompt)
		}
	}

	// Steady state: nothing new to process.
	results, err = svc.RunTasks(context.Background(), "t1")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected 0 results on re-run, got %d", len(results))
	}
	if len(fs.tasks) != 3 {
		t.Fatalf("expected still 3 tasks, got %d", len(fs.tasks))
	}
}

func TestRunTasksDegradedCompletionStillPersists(t *testing.T) {
	fs := newFakeStore()
	seedRows(t, fs, "t1", 1)
	// A real client with no API key degrades every completion.
	svc := newTestService(fs, nil, llm.NewClient("", "", "openai/gpt-4o"))

	results, err := svc.RunTasks(context.Background(), "t1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if !strings.Contains(results[0].Result, llm.FallbackPrefix) {
		t.Fatalf("expected fallback marker in result, got %q", results[0].Result)
	}
	if len(fs.tasks) != 1 || fs.tasks[0].Status != store.TaskStatusCompleted {
		t.Fatalf("expected degraded result persisted as completed task: %+v", fs.tasks)
	}
}

func TestRunTasksContinuesPastStoreFailure(t *testing.T) {
	fs := newFakeStore()
	seedRows(t, fs, "t1", 3)
	fs.insertTaskErrFor = map[string]error{"t1:SHEET:Sheet1:2": errors.New("write refused")}
	svc := newTestService(fs, nil, &fakeCompleter{})

	results, err := svc.RunTasks(context.Background(), "t1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected failed row excluded, got %d results", len(results))
	}

	// The failed row stays eligible; the next pass picks it up.
	fs.insertTaskErrFor = nil
	results, err = svc.RunTasks(context.Background(), "t1")
	if err != nil {
		t.Fatalf("retry run: %v", err)
	}
	if len(results) != 1 || results[0].RowKey != "t1:SHEET:Sheet1:2" {
		t.Fatalf("expected the failed row reprocessed, got %v", results)
	}
}

func TestRunTasksRefusesConcurrentPass(t *testing.T) {
	fs := newFakeStore()
	seedRows(t, fs, "t1", 1)
	svc := newTestService(fs, nil, &fakeCompleter{})

	release, ok, err := svc.locks.TryAcquire(context.Background(), "tasks:t1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("hold lock: ok=%v err=%v", ok, err)
	}
	defer release()

	if _, err := svc.RunTasks(context.Background(), "t1"); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
}

func TestScheduledPassSkipsWhenBusy(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, nil, &fakeCompleter{})

	release, ok, err := svc.locks.TryAcquire(context.Background(), "tasks:t1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("hold lock: ok=%v err=%v", ok, err)
	}
	defer release()

	if err := svc.ScheduledPass(context.Background()); err != nil {
		t.Fatalf("busy scheduled pass must not error: %v", err)
	}
}

func TestScheduledPassRunsPinnedTenant(t *testing.T) {
	fs := newFakeStore()
	seedRows(t, fs, "t1", 2)
	seedRows(t, fs, "t2", 5)
	svc := newTestService(fs, nil, &fakeCompleter{})

	if err := svc.ScheduledPass(context.Background()); err != nil {
		t.Fatalf("scheduled pass: %v", err)
	}
	for _, task := range fs.tasks {
		if task.TenantID != "t1" {
			t.Fatalf("expected only pinned tenant processed, got task for %q", task.TenantID)
		}
	}
	if len(fs.tasks) != 2 {
		t.Fatalf("expected 2 tasks for pinned tenant, got %d", len(fs.tasks))
	}
}

func TestAgentQueryEmbedsSampleRows(t *testing.T) {
	fs := newFakeStore()
	seedRows(t, fs, "t1", 7)
	completions := &fakeCompleter{completeFn: func(string, llm.Options) string { return "the answer" }}
	svc := newTestService(fs, nil, completions)

	answer, err := svc.AgentQuery(context.Background(), "t1", "how many people?")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if answer != "the answer" {
		t.Fatalf("expected completion passed through, got %q", answer)
	}

	system := completions.systems[0]
	if !strings.Contains(system, "tenant t1") {
		t.Fatalf("expected tenant in system prompt, got %q", system)
	}
	if !strings.Contains(system, "Person 1") {
		t.Fatalf("expected sampled row data in system prompt, got %q", system)
	}
	if strings.Count(system, "Person") > querySampleRows {
		t.Fatalf("expected at most %d sampled rows, got %q", querySampleRows, system)
	}
}

func TestAgentQueryWithoutData(t *testing.T) {
	completions := &fakeCompleter{}
	svc := newTestService(newFakeStore(), nil, completions)

	if _, err := svc.AgentQuery(context.Background(), "t1", "anything there?"); err != nil {
		t.Fatalf("query: %v", err)
	}
	if !strings.Contains(completions.systems[0], "No tenant data found.") {
		t.Fatalf("expected empty-data marker, got %q", completions.systems[0])
	}
}

func TestRowsFallsBackToUnscopedRead(t *testing.T) {
	fs := newFakeStore()
	seedRows(t, fs, "other", 2)
	svc := newTestService(fs, nil, &fakeCompleter{})

	rows, err := svc.Rows(context.Background(), "t1", 10)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected unscoped fallback rows, got %d", len(rows))
	}

	seedRows(t, fs, "t1", 1)
	rows, err = svc.Rows(context.Background(), "t1", 10)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 1 || rows[0].TenantID != "t1" {
		t.Fatalf("expected tenant-scoped rows preferred, got %v", rows)
	}
}

func TestSeedMockDataIsIdempotentOnKeys(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, nil, &fakeCompleter{})

	inserted, err := svc.SeedMockData(context.Background(), "t1")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if inserted != 200 {
		t.Fatalf("expected 200 seeded rows, got %d", inserted)
	}

	if _, err := svc.SeedMockData(context.Background(), "t1"); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	if len(fs.rows) != 200 {
		t.Fatalf("expected reseed to overwrite, got %d rows", len(fs.rows))
	}
	if _, ok := fs.rows["t1:mock:200"]; !ok {
		t.Fatalf("expected deterministic mock keys, got %v", fs.rowKeys()[:3])
	}
}

func TestSearchRowsRequiresConfiguredIndex(t *testing.T) {
	svc := newTestService(newFakeStore(), nil, &fakeCompleter{})
	_, err := svc.SearchRows(context.Background(), "t1", "delhi", 10)

	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "SEARCH_UNAVAILABLE" {
		t.Fatalf("expected SEARCH_UNAVAILABLE, got %v", err)
	}
}

func TestSyncSheetIndexesRowsBestEffort(t *testing.T) {
	fs := newFakeStore()
	index := &fakeIndexer{healthy: true, err: errors.New("index down")}
	svc := newTestService(fs, &fakeReader{records: threeRecords()}, &fakeCompleter{}).WithIndexer(index)

	// Indexing failure must not fail the sync.
	count, err := svc.SyncSheet(context.Background(), "t1", "SHEET", "Sheet1")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 rows, got %d", count)
	}
	if len(index.indexed) != 3 {
		t.Fatalf("expected rows handed to indexer, got %d", len(index.indexed))
	}
}
