package sheet

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	sheets "google.golang.org/api/sheets/v4"
)

var (
	ErrSpreadsheetNotFound = errors.New("spreadsheet not found")
	ErrWorksheetNotFound   = errors.New("worksheet not found")
)

// Reader pulls worksheet contents through the Sheets API with read-only
// service-account credentials.
type Reader struct {
	values *sheets.SpreadsheetsValuesService
}

func NewReader(ctx context.Context, credsPath string) (*Reader, error) {
	if credsPath == "" {
		return nil, fmt.Errorf("spreadsheet credentials path is not configured")
	}
	svc, err := sheets.NewService(ctx,
		option.WithCredentialsFile(credsPath),
		option.WithScopes(sheets.SpreadsheetsReadonlyScope),
	)
	if err != nil {
		return nil, fmt.Errorf("authorize sheets client: %w", err)
	}
	return &Reader{values: svc.Spreadsheets.Values}, nil
}

// ReadRecords returns every data row of the named worksheet as an ordered
// Record, using the first row as field names. Mirrors gspread's
// get_all_records: short rows are padded with empty strings.
func (r *Reader) ReadRecords(ctx context.Context, spreadsheetID, sheetName string) ([]Record, error) {
	resp, err := r.values.Get(spreadsheetID, sheetName).
		ValueRenderOption("UNFORMATTED_VALUE").
		Context(ctx).
		Do()
	if err != nil {
		return nil, mapAPIError(err, spreadsheetID, sheetName)
	}
	return RecordsFromGrid(resp.Values), nil
}

// RecordsFromGrid converts a raw value grid (header row first) into records.
// Split out so tests can exercise the conversion without the API.
func RecordsFromGrid(grid [][]any) []Record {
	if len(grid) < 2 {
		return nil
	}

	headers := make([]string, len(grid[0]))
	for i, cell := range grid[0] {
		headers[i] = strings.TrimSpace(fmt.Sprint(cell))
	}

	var records []Record
	for _, row := range grid[1:] {
		if rowEmpty(row) {
			continue
		}
		record := make(Record, 0, len(headers))
		for i, name := range headers {
			var value any = ""
			if i < len(row) {
				value = coerce(row[i])
			}
			record = append(record, Field{Name: name, Value: value})
		}
		records = append(records, record)
	}
	return records
}

func rowEmpty(row []any) bool {
	for _, cell := range row {
		if strings.TrimSpace(fmt.Sprint(cell)) != "" {
			return false
		}
	}
	return true
}

func mapAPIError(err error, spreadsheetID, sheetName string) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 404:
			return fmt.Errorf("spreadsheet %s: %w", spreadsheetID, ErrSpreadsheetNotFound)
		// The API reports an unknown sheet name as an unparseable range.
		case apiErr.Code == 400 && strings.Contains(apiErr.Message, "Unable to parse range"):
			return fmt.Errorf("worksheet %q: %w", sheetName, ErrWorksheetNotFound)
		}
	}
	return fmt.Errorf("read sheet %s!%s: %w", spreadsheetID, sheetName, err)
}
