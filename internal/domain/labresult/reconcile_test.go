package labresult

import (
	"reflect"
	"testing"

	"github.com/google/uuid"
)

var (
	v1 = uuid.MustParse("55555555-0000-0000-0000-000000000001")
	v2 = uuid.MustParse("55555555-0000-0000-0000-000000000002")
	v3 = uuid.MustParse("55555555-0000-0000-0000-000000000003")
)

func hemogramSnapshot() Snapshot {
	return NewSnapshot([]StoredValue{
		{ID: v1, ParameterID: wbcID, TestTypeID: hemogramID, Value: "5.8"},
		{ID: v2, ParameterID: rbcID, TestTypeID: hemogramID, Value: "4.5"},
	})
}

// editPanel is a hydrated Hemogram with the stored values filled in.
func editPanel(t *testing.T, f *fixture, snap Snapshot) *Panel {
	t.Helper()
	p := f.readyPanel(t, hemogramID)
	for _, sv := range snap.Values() {
		p = p.SetValue(sv.TestTypeID, sv.ParameterID, sv.Value)
	}
	return p
}

func TestReconcile_EditDiff(t *testing.T) {
	f := newFixture(t)
	snap := hemogramSnapshot()

	p := editPanel(t, f, snap)
	p = p.SetValue(hemogramID, wbcID, "6.0")
	p = p.RemoveParameter(hemogramID, rbcID)
	p = f.addReady(t, p, lipidID)
	p = p.SetValue(lipidID, cholID, "180")

	plan := Reconcile(p, snap)
	want := Plan{
		Insert: []NewValue{{ParameterID: cholID, Value: "180"}},
		Update: []ValueUpdate{{ID: v1, ParameterID: wbcID, Value: "6.0"}},
		Delete: []uuid.UUID{v2},
	}
	if !reflect.DeepEqual(plan, want) {
		t.Errorf("plan mismatch\n got: %+v\nwant: %+v", plan, want)
	}
}

func TestReconcile_CreateSkipsBlank(t *testing.T) {
	f := newFixture(t)
	p := f.readyPanel(t, hemogramID).SetValue(hemogramID, wbcID, " 6.2 ")

	plan := Reconcile(p, Snapshot{})
	if len(plan.Insert) != 1 || plan.Insert[0] != (NewValue{ParameterID: wbcID, Value: "6.2"}) {
		t.Errorf("expected single trimmed WBC insert, got %+v", plan.Insert)
	}
	if len(plan.Update) != 0 || len(plan.Delete) != 0 {
		t.Errorf("unexpected updates or deletes: %+v", plan)
	}
}

func TestReconcile_ClearingValueDeletes(t *testing.T) {
	f := newFixture(t)
	snap := hemogramSnapshot()
	p := editPanel(t, f, snap).SetValue(hemogramID, rbcID, "   ")

	plan := Reconcile(p, snap)
	if !reflect.DeepEqual(plan.Delete, []uuid.UUID{v2}) {
		t.Errorf("expected v2 deleted, got %v", plan.Delete)
	}
	if len(plan.Update) != 1 || plan.Update[0].ID != v1 {
		t.Errorf("expected v1 updated, got %+v", plan.Update)
	}
}

func TestReconcile_DeselectDeletesAllOfType(t *testing.T) {
	f := newFixture(t)
	snap := hemogramSnapshot()
	p := editPanel(t, f, snap).Deselect(hemogramID)

	plan := Reconcile(p, snap)
	if !reflect.DeepEqual(plan.Delete, []uuid.UUID{v1, v2}) {
		t.Errorf("expected both rows deleted, got %v", plan.Delete)
	}
	if len(plan.Insert)+len(plan.Update) != 0 {
		t.Errorf("expected nothing saved, got %+v", plan)
	}
}

func TestReconcile_UnchangedValuesAreRewritten(t *testing.T) {
	f := newFixture(t)
	snap := hemogramSnapshot()

	plan := Reconcile(editPanel(t, f, snap), snap)
	if len(plan.Update) != 2 || len(plan.Delete) != 0 || len(plan.Insert) != 0 {
		t.Errorf("expected two updates only, got %+v", plan)
	}
}

func TestReconcile_ReselectReusesStoredRow(t *testing.T) {
	f := newFixture(t)
	snap := hemogramSnapshot()
	p := editPanel(t, f, snap).Deselect(hemogramID)
	p = f.addReady(t, p, hemogramID)
	p = p.SetValue(hemogramID, wbcID, "7.1")

	plan := Reconcile(p, snap)
	// The stored row for WBC is reused, RBC has no value any more.
	if len(plan.Update) != 1 || plan.Update[0].ID != v1 || plan.Update[0].Value != "7.1" {
		t.Errorf("expected v1 rewritten, got %+v", plan.Update)
	}
	if !reflect.DeepEqual(plan.Delete, []uuid.UUID{v2}) {
		t.Errorf("expected v2 deleted, got %v", plan.Delete)
	}
}

func TestReconcile_DuplicateStoredRows(t *testing.T) {
	f := newFixture(t)
	snap := NewSnapshot([]StoredValue{
		{ID: v1, ParameterID: wbcID, TestTypeID: hemogramID, Value: "5.8"},
		{ID: v3, ParameterID: wbcID, TestTypeID: hemogramID, Value: "5.9"},
	})
	p := f.readyPanel(t, hemogramID).SetValue(hemogramID, wbcID, "6.0")

	plan := Reconcile(p, snap)
	if !reflect.DeepEqual(plan.Delete, []uuid.UUID{v3}) {
		t.Errorf("expected duplicate v3 deleted, got %v", plan.Delete)
	}
	if len(plan.Update) != 1 || plan.Update[0].ID != v1 {
		t.Errorf("expected canonical v1 updated, got %+v", plan.Update)
	}
}

func TestReconcile_IsPure(t *testing.T) {
	f := newFixture(t)
	snap := hemogramSnapshot()
	p := editPanel(t, f, snap).RemoveParameter(hemogramID, wbcID)
	before := p.Entries()

	first := Reconcile(p, snap)
	second := Reconcile(p, snap)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("plans differ for equal inputs: %+v vs %+v", first, second)
	}
	if !reflect.DeepEqual(before, p.Entries()) {
		t.Error("reconcile modified the panel")
	}
	if snap.Len() != 2 {
		t.Error("reconcile modified the snapshot")
	}
}

func TestPlan_Empty(t *testing.T) {
	if !(Plan{}).Empty() {
		t.Error("zero plan should be empty")
	}
	if (Plan{Delete: []uuid.UUID{v1}}).Empty() {
		t.Error("plan with a delete is not empty")
	}
}
