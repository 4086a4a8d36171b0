package statistics

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/nerrad567/chronicle/internal/metadata"
)

var importBase = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

// seedExternal imports a three-hour external energy series with sums
// 100, 150, 225.
func seedExternal(t *testing.T, store *Store, db DBTX) {
	t.Helper()

	meta := ImportMetadata{
		StatisticID: "tariff:energy_import",
		Source:      "tariff",
		Unit:        "kWh",
		HasSum:      true,
	}
	points := []Point{
		{Start: importBase, State: float(100), Sum: float(100)},
		{Start: importBase.Add(time.Hour), State: float(150), Sum: float(150)},
		{Start: importBase.Add(2 * time.Hour), State: float(225), Sum: float(225)},
	}
	if err := store.AddExternal(context.Background(), db, meta, points); err != nil {
		t.Fatalf("seeding external statistics: %v", err)
	}
}

func TestAddExternalListsMetadata(t *testing.T) {
	store, db, _ := newTestStore(t)
	seedExternal(t, store, db)

	metas, err := store.ListIDs(context.Background(), metadata.ListFilter{})
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(metas) != 1 {
		t.Fatalf("expected 1 metadata row, got %d", len(metas))
	}
	m := metas[0]
	if m.StatisticID != "tariff:energy_import" || !m.HasSum || m.HasMean || m.Unit != "kWh" {
		t.Errorf("unexpected metadata: %+v", m)
	}
}

func TestImportUpsertOverwrites(t *testing.T) {
	store, db, _ := newTestStore(t)
	seedExternal(t, store, db)
	ctx := context.Background()

	meta := ImportMetadata{
		StatisticID: "tariff:energy_import",
		Source:      "tariff",
		Unit:        "kWh",
		HasSum:      true,
	}
	// Re-import the middle hour with corrected values.
	if err := store.AddExternal(ctx, db, meta, []Point{
		{Start: importBase.Add(time.Hour), State: float(160), Sum: float(160)},
	}); err != nil {
		t.Fatalf("re-importing: %v", err)
	}

	points, err := store.DuringPeriod(ctx, []string{"tariff:energy_import"},
		importBase, importBase.Add(3*time.Hour), PeriodHour, Types{Sum: true})
	if err != nil {
		t.Fatalf("querying: %v", err)
	}
	series := points["tariff:energy_import"]
	if len(series) != 3 {
		t.Fatalf("expected 3 rows after re-import, got %d", len(series))
	}
	if *series[1].Sum != 160 {
		t.Errorf("middle sum = %v, want 160 (second import wins)", *series[1].Sum)
	}
}

func TestAddExternalRejectsBadIDs(t *testing.T) {
	store, db, _ := newTestStore(t)
	ctx := context.Background()

	cases := []ImportMetadata{
		{StatisticID: "sensor.energy", Source: "tariff"},
		{StatisticID: "tariff:energy", Source: "recorder"},
		{StatisticID: "other:energy", Source: "tariff"},
	}
	for _, meta := range cases {
		err := store.AddExternal(ctx, db, meta, nil)
		if !errors.Is(err, ErrInvalidStatisticID) {
			t.Errorf("AddExternal(%q/%q): expected ErrInvalidStatisticID, got %v",
				meta.StatisticID, meta.Source, err)
		}
	}
}

func TestImportRejectsMisalignedPoint(t *testing.T) {
	store, db, _ := newTestStore(t)

	err := store.AddExternal(context.Background(), db, ImportMetadata{
		StatisticID: "tariff:energy",
		Source:      "tariff",
		Unit:        "kWh",
		HasSum:      true,
	}, []Point{{Start: importBase.Add(17 * time.Minute), Sum: float(1)}})
	if !errors.Is(err, ErrInvalidPoint) {
		t.Errorf("expected ErrInvalidPoint, got %v", err)
	}
}

func TestImportRejectsMetadataConflict(t *testing.T) {
	store, db, _ := newTestStore(t)
	seedExternal(t, store, db)

	err := store.AddExternal(context.Background(), db, ImportMetadata{
		StatisticID: "tariff:energy_import",
		Source:      "tariff",
		Unit:        "Wh",
		HasSum:      true,
	}, []Point{{Start: importBase, Sum: float(1)}})
	if !errors.Is(err, metadata.ErrMetadataMismatch) {
		t.Errorf("expected ErrMetadataMismatch, got %v", err)
	}
}

func TestAdjustSumShiftsLaterPeriods(t *testing.T) {
	store, db, _ := newTestStore(t)
	seedExternal(t, store, db)
	ctx := context.Background()

	// 100000 Wh = 100 kWh added from the second hour on.
	if err := store.AdjustSum(ctx, db, "tariff:energy_import",
		importBase.Add(time.Hour), 100000, "Wh"); err != nil {
		t.Fatalf("adjusting: %v", err)
	}

	points, err := store.DuringPeriod(ctx, []string{"tariff:energy_import"},
		importBase, importBase.Add(3*time.Hour), PeriodHour, Types{Sum: true})
	if err != nil {
		t.Fatalf("querying: %v", err)
	}
	series := points["tariff:energy_import"]
	want := []float64{100, 250, 325}
	for i, w := range want {
		if math.Abs(*series[i].Sum-w) > 1e-9 {
			t.Errorf("sum[%d] = %v, want %v", i, *series[i].Sum, w)
		}
	}
}

func TestAdjustSumUnknownStatistic(t *testing.T) {
	store, db, _ := newTestStore(t)

	err := store.AdjustSum(context.Background(), db, "tariff:missing", importBase, 1, "kWh")
	if !errors.Is(err, ErrUnknownStatistic) {
		t.Errorf("expected ErrUnknownStatistic, got %v", err)
	}
}

func TestChangeUnitConvertsStoredValues(t *testing.T) {
	store, db, _ := newTestStore(t)
	seedExternal(t, store, db)
	ctx := context.Background()

	if err := store.ChangeUnit(ctx, db, "tariff:energy_import", "kWh", "Wh"); err != nil {
		t.Fatalf("changing unit: %v", err)
	}

	points, err := store.DuringPeriod(ctx, []string{"tariff:energy_import"},
		importBase, importBase.Add(3*time.Hour), PeriodHour, Types{Sum: true})
	if err != nil {
		t.Fatalf("querying: %v", err)
	}
	series := points["tariff:energy_import"]
	if *series[0].Sum != 100000 {
		t.Errorf("converted sum = %v, want 100000", *series[0].Sum)
	}

	m, ok, err := store.registry.StatisticsMeta(ctx, "tariff:energy_import")
	if err != nil || !ok {
		t.Fatalf("resolving metadata: ok=%t err=%v", ok, err)
	}
	if m.Unit != "Wh" {
		t.Errorf("metadata unit = %q, want Wh", m.Unit)
	}
}

func TestChangeUnitRefusals(t *testing.T) {
	store, db, _ := newTestStore(t)
	seedExternal(t, store, db)
	ctx := context.Background()

	if err := store.ChangeUnit(ctx, db, "tariff:energy_import", "MWh", "Wh"); !errors.Is(err, ErrUnitMismatch) {
		t.Errorf("expected ErrUnitMismatch for wrong stated unit, got %v", err)
	}
	if err := store.ChangeUnit(ctx, db, "tariff:energy_import", "kWh", "m³"); !errors.Is(err, ErrIncompatibleUnits) {
		t.Errorf("expected ErrIncompatibleUnits for class change, got %v", err)
	}

	// Refused conversions must leave storage untouched.
	points, err := store.DuringPeriod(ctx, []string{"tariff:energy_import"},
		importBase, importBase.Add(time.Hour), PeriodHour, Types{Sum: true})
	if err != nil {
		t.Fatalf("querying: %v", err)
	}
	if *points["tariff:energy_import"][0].Sum != 100 {
		t.Errorf("sum changed despite refusal: %v", *points["tariff:energy_import"][0].Sum)
	}
}

func TestClearRemovesSeries(t *testing.T) {
	store, db, _ := newTestStore(t)
	seedExternal(t, store, db)
	ctx := context.Background()

	if err := store.Clear(ctx, db, []string{"tariff:energy_import", "tariff:never_existed"}); err != nil {
		t.Fatalf("clearing: %v", err)
	}

	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM statistics").Scan(&count); err != nil {
		t.Fatalf("counting: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 rows after clear, got %d", count)
	}

	var metaCount int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM statistics_meta").Scan(&metaCount); err != nil {
		t.Fatalf("counting metadata: %v", err)
	}
	if metaCount != 0 {
		t.Errorf("expected metadata removed, got %d rows", metaCount)
	}
}
