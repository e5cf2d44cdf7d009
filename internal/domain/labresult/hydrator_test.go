package labresult

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/labdesk/labdesk/internal/platform/store"
)

func TestHydrator_BuildsReadySelections(t *testing.T) {
	f := newFixture(t)
	h := f.seedResult(t,
		StoredValue{ID: v1, ParameterID: wbcID, Value: "5.8"},
		StoredValue{ID: v3, ParameterID: cholID, Value: "180"},
	)

	hyd, err := NewHydrator(f.results, f.catalog).Hydrate(context.Background(), h.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hyd.Header.ID != h.ID {
		t.Errorf("expected header %s, got %s", h.ID, hyd.Header.ID)
	}
	if hyd.Snapshot.Len() != 2 {
		t.Errorf("expected 2 stored values, got %d", hyd.Snapshot.Len())
	}
	if len(hyd.Panel.Loading()) != 0 {
		t.Error("hydrated selections should be ready")
	}

	hemo, ok := hyd.Panel.Entry(hemogramID)
	if !ok {
		t.Fatal("expected Hemogram selected")
	}
	if len(hemo.Parameters) != 2 {
		t.Fatalf("expected every Hemogram parameter, got %d", len(hemo.Parameters))
	}
	wbc, rbc := hemo.Parameters[0], hemo.Parameters[1]
	if wbc.Value != "5.8" || wbc.OriginID == nil || *wbc.OriginID != v1 {
		t.Errorf("unexpected WBC entry %+v", wbc)
	}
	if rbc.Value != "" || rbc.OriginID != nil || rbc.Visibility != Visible {
		t.Errorf("RBC has no stored value and should be blank, got %+v", rbc)
	}
	if !hyd.Panel.Has(lipidID) {
		t.Error("expected Lipid Panel selected")
	}
}

func TestHydrator_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := NewHydrator(f.results, f.catalog).Hydrate(context.Background(), uuid.New())
	if !errors.Is(err, ErrResultNotFound) {
		t.Errorf("expected ErrResultNotFound, got %v", err)
	}
}

func TestHydrator_NoValues(t *testing.T) {
	f := newFixture(t)
	h := f.seedResult(t)
	hyd, err := NewHydrator(f.results, f.catalog).Hydrate(context.Background(), h.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hyd.Panel.Len() != 0 || hyd.Snapshot.Len() != 0 {
		t.Errorf("expected empty panel and snapshot, got %d and %d", hyd.Panel.Len(), hyd.Snapshot.Len())
	}
}

func TestHydrator_CatalogFailure(t *testing.T) {
	f := newFixture(t)
	h := f.seedResult(t, StoredValue{ID: v1, ParameterID: wbcID, Value: "5.8"})
	f.st.FailAlways("select", tableParameter, store.CodeUnavailable)

	_, err := NewHydrator(f.results, f.catalog).Hydrate(context.Background(), h.ID)
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrResultNotFound) {
		t.Error("backend failure must not read as not found")
	}
}

func TestHydrator_SkipsOrphanedValues(t *testing.T) {
	f := newFixture(t)
	h := f.seedResult(t, StoredValue{ID: v1, ParameterID: wbcID, Value: "5.8"})
	orphan := store.Row{"id": v2, "result_id": h.ID, "parameter_id": uuid.New(), "value": "1"}
	if _, err := f.st.Insert(context.Background(), tableValue, orphan); err != nil {
		t.Fatal(err)
	}

	hyd, err := NewHydrator(f.results, f.catalog).Hydrate(context.Background(), h.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hyd.Snapshot.Len() != 1 {
		t.Errorf("expected orphaned value skipped, got %d values", hyd.Snapshot.Len())
	}
}
