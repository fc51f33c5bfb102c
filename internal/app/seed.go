package app

import (
	"context"
	"fmt"
	"math/rand"

	"sheetbridge/internal/sheet"
	"sheetbridge/internal/store"
)

const seedRowCount = 200

var (
	seedNames       = []string{"Alice", "Bob", "Charlie", "Diana", "Ethan", "Fiona", "George", "Hannah", "Ivan", "Julia"}
	seedDepartments = []string{"Engineering", "HR", "Marketing", "Finance", "Sales", "Support", "Operations", "Research"}
	seedCities      = []string{"Delhi", "Mumbai", "Bangalore", "Pune", "Hyderabad", "Chennai", "Kolkata", "Ahmedabad"}
)

// SeedMockData upserts synthetic rows for the tenant so the dashboard and
// task runner can be exercised without a real spreadsheet. Keys are
// deterministic (tenant:mock:i), so reseeding overwrites.
func (s *Service) SeedMockData(ctx context.Context, tenantID string) (int, error) {
	syncedAt := s.now().UTC()
	rows := make([]store.Row, 0, seedRowCount)
	for i := 1; i <= seedRowCount; i++ {
		record := sheet.Record{
			{Name: "Name", Value: fmt.Sprintf("%s %d", seedNames[rand.Intn(len(seedNames))], i)},
			{Name: "Age", Value: float64(22 + rand.Intn(34))},
			{Name: "Department", Value: seedDepartments[rand.Intn(len(seedDepartments))]},
			{Name: "City", Value: seedCities[rand.Intn(len(seedCities))]},
			{Name: "Salary", Value: float64(30000 + rand.Intn(90001))},
			{Name: "Joining_Date", Value: fmt.Sprintf("202%d-%02d-%02d", rand.Intn(5), 1+rand.Intn(12), 1+rand.Intn(28))},
		}
		rows = append(rows, store.Row{
			TenantID:     tenantID,
			CompositeKey: fmt.Sprintf("%s:mock:%d", tenantID, i),
			Payload:      record,
			SyncedAt:     syncedAt,
		})
	}

	if err := s.store.UpsertRows(ctx, rows); err != nil {
		return 0, fmt.Errorf("seed mock rows: %w", err)
	}
	s.indexRows(rows)
	return len(rows), nil
}
