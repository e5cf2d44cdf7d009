package labresult

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labdesk/labdesk/internal/platform/store"
)

func newTestCoordinator(f *fixture) *Coordinator {
	return NewCoordinator(f.results, zerolog.Nop(), nil)
}

// writes returns the non-select calls issued after the first n calls.
func writes(m *store.Memory, n int) []store.Call {
	var out []store.Call
	for _, c := range m.Calls()[n:] {
		if c.Op != "select" {
			out = append(out, c)
		}
	}
	return out
}

func TestCoordinator_CreateScenario(t *testing.T) {
	f := newFixture(t)
	c := newTestCoordinator(f)
	fields := HeaderFields{PatientID: patientID.String(), DoctorID: doctorID.String(), ResultDate: "2024-01-10"}
	p := f.readyPanel(t, hemogramID).SetValue(hemogramID, wbcID, "6.2")

	before := len(f.st.Calls())
	id, err := c.Submit(context.Background(), fields, p, Snapshot{}, nil)
	require.NoError(t, err)

	h, err := f.results.GetHeader(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, h.Status)
	assert.Equal(t, "2024-01-10", h.ResultDate.Format(dateLayout))
	assert.Equal(t, patientID, h.PatientID)
	require.NotNil(t, h.SubmissionID)

	assert.Equal(t, map[uuid.UUID]string{wbcID: "6.2"}, f.storedValues(t, id))
	assert.Equal(t, []store.Call{
		{Op: "insert", Table: tableResult},
		{Op: "upsert", Table: tableValue},
	}, writes(f.st, before), "empty delete batch issues no call")
}

func TestCoordinator_EditScenario(t *testing.T) {
	f := newFixture(t)
	c := newTestCoordinator(f)
	h := f.seedResult(t,
		StoredValue{ID: v1, ParameterID: wbcID, Value: "5.8"},
		StoredValue{ID: v2, ParameterID: rbcID, Value: "4.5"},
	)
	hyd, err := NewHydrator(f.results, f.catalog).Hydrate(context.Background(), h.ID)
	require.NoError(t, err)

	p := hyd.Panel.SetValue(hemogramID, wbcID, "6.0").RemoveParameter(hemogramID, rbcID)
	p = f.addReady(t, p, lipidID).SetValue(lipidID, cholID, "180")
	fields := FieldsFromHeader(hyd.Header)
	fields.Notes = "rechecked"

	before := len(f.st.Calls())
	id, err := c.Submit(context.Background(), fields, p, hyd.Snapshot, hyd.Header)
	require.NoError(t, err)
	assert.Equal(t, h.ID, id)

	assert.Equal(t, []store.Call{
		{Op: "update", Table: tableResult},
		{Op: "delete", Table: tableValue},
		{Op: "upsert", Table: tableValue},
	}, writes(f.st, before))

	assert.Equal(t, map[uuid.UUID]string{wbcID: "6.0", cholID: "180"}, f.storedValues(t, id))
	rows := f.st.Rows(tableValue)
	var wbcRowID interface{}
	for _, r := range rows {
		if pid, _ := r.UUID("parameter_id"); pid == wbcID {
			wbcRowID = r["id"]
		}
	}
	assert.Equal(t, v1, wbcRowID, "WBC keeps its row id")

	got, err := f.results.GetHeader(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, got.Notes)
	assert.Equal(t, "rechecked", *got.Notes)
}

func TestCoordinator_DeleteStepFails(t *testing.T) {
	f := newFixture(t)
	c := newTestCoordinator(f)
	h := f.seedResult(t,
		StoredValue{ID: v1, ParameterID: wbcID, Value: "5.8"},
		StoredValue{ID: v2, ParameterID: rbcID, Value: "4.5"},
	)
	hyd, err := NewHydrator(f.results, f.catalog).Hydrate(context.Background(), h.ID)
	require.NoError(t, err)
	p := hyd.Panel.SetValue(hemogramID, wbcID, "6.0").RemoveParameter(hemogramID, rbcID)
	fields := FieldsFromHeader(hyd.Header)
	fields.ResultDate = "2024-02-02"

	f.st.FailNext("delete", tableValue, store.CodeUnavailable)
	before := len(f.st.Calls())
	_, err = c.Submit(context.Background(), fields, p, hyd.Snapshot, hyd.Header)

	var pe *PersistenceError
	require.True(t, errors.As(err, &pe), "expected PersistenceError, got %v", err)
	assert.Equal(t, StepDelete, pe.Step)
	assert.Equal(t, []Step{StepHeader}, pe.Completed)
	assert.Equal(t, store.CodeUnavailable, pe.Code)
	assert.Equal(t, h.ID.String(), pe.ResultID)

	for _, call := range writes(f.st, before) {
		assert.NotEqual(t, "upsert", call.Op, "no upsert after a failed delete")
	}

	got, err := f.results.GetHeader(context.Background(), h.ID)
	require.NoError(t, err)
	assert.Equal(t, "2024-02-02", got.ResultDate.Format(dateLayout), "header step is not rolled back")
	assert.Equal(t, map[uuid.UUID]string{wbcID: "5.8", rbcID: "4.5"}, f.storedValues(t, h.ID))
}

func TestCoordinator_HeaderStepFails(t *testing.T) {
	f := newFixture(t)
	c := newTestCoordinator(f)
	p := f.readyPanel(t, hemogramID).SetValue(hemogramID, wbcID, "6.2")

	f.st.FailNext("insert", tableResult, store.CodeForeignKeyViolation)
	_, err := c.Submit(context.Background(), validFields(), p, Snapshot{}, nil)

	var pe *PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, StepHeader, pe.Step)
	assert.Empty(t, pe.Completed)
	assert.Empty(t, pe.ResultID)
	assert.Nil(t, pe.Header)
	assert.Equal(t, store.CodeForeignKeyViolation, pe.Code)
	assert.Empty(t, f.st.Rows(tableValue))
}

func TestCoordinator_UpsertStepFails(t *testing.T) {
	f := newFixture(t)
	c := newTestCoordinator(f)
	p := f.readyPanel(t, hemogramID).SetValue(hemogramID, wbcID, "6.2")

	f.st.FailNext("upsert", tableValue, store.CodeUnavailable)
	_, err := c.Submit(context.Background(), validFields(), p, Snapshot{}, nil)

	var pe *PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, StepUpsert, pe.Step)
	assert.Equal(t, []Step{StepHeader, StepDelete}, pe.Completed)
	require.NotNil(t, pe.Header)
	assert.Equal(t, pe.Header.ID.String(), pe.ResultID)
	assert.Len(t, f.st.Rows(tableResult), 1)
}

func TestCoordinator_ValidationMakesNoStoreCalls(t *testing.T) {
	f := newFixture(t)
	c := newTestCoordinator(f)
	loading, _, _ := f.readyPanel(t, hemogramID).Select(lipidID)

	tests := []struct {
		name   string
		fields HeaderFields
		panel  *Panel
		want   []string
	}{
		{"missing everything", HeaderFields{}, f.readyPanel(t, hemogramID), []string{"patient_id", "doctor_id", "result_date"}},
		{"bad ids", HeaderFields{PatientID: "p1", DoctorID: "d1", ResultDate: "2024-01-10"}, f.readyPanel(t, hemogramID), []string{"patient_id", "doctor_id"}},
		{"bad date", func() HeaderFields { h := validFields(); h.ResultDate = "10/01/2024"; return h }(), f.readyPanel(t, hemogramID), []string{"result_date"}},
		{"negative price", func() HeaderFields { h := validFields(); h.Price = "-1"; return h }(), f.readyPanel(t, hemogramID), []string{"price"}},
		{"non-numeric paid", func() HeaderFields { h := validFields(); h.AmountPaid = "ten"; return h }(), f.readyPanel(t, hemogramID), []string{"amount_paid"}},
		{"no tests on create", validFields(), NewPanel(), []string{"tests"}},
		{"still loading", validFields(), loading, []string{"tests"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(f.st.Calls())
			_, err := c.Submit(context.Background(), tt.fields, tt.panel, Snapshot{}, nil)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
			for _, field := range tt.want {
				assert.Contains(t, verr.Fields, field)
			}
			assert.Len(t, f.st.Calls(), before, "validation touched the store")
		})
	}
}

func TestCoordinator_EditMayHaveNoTests(t *testing.T) {
	f := newFixture(t)
	c := newTestCoordinator(f)
	h := f.seedResult(t, StoredValue{ID: v1, ParameterID: wbcID, Value: "5.8"})
	hyd, err := NewHydrator(f.results, f.catalog).Hydrate(context.Background(), h.ID)
	require.NoError(t, err)

	p := hyd.Panel.Deselect(hemogramID)
	_, err = c.Submit(context.Background(), FieldsFromHeader(hyd.Header), p, hyd.Snapshot, hyd.Header)
	require.NoError(t, err)
	assert.Empty(t, f.storedValues(t, h.ID))
}

func TestCoordinator_InsertIDsAreClientAssigned(t *testing.T) {
	f := newFixture(t)
	c := newTestCoordinator(f)
	fixed := uuid.MustParse("66666666-0000-0000-0000-000000000001")
	c.newID = func() uuid.UUID { return fixed }
	p := f.readyPanel(t, lipidID).SetValue(lipidID, cholID, "200")

	_, err := c.Submit(context.Background(), validFields(), p, Snapshot{}, nil)
	require.NoError(t, err)
	rows := f.st.Rows(tableValue)
	require.Len(t, rows, 1)
	assert.Equal(t, fixed, rows[0]["id"])
}

func TestFieldsFromHeader(t *testing.T) {
	price, notes := 12.5, "fasting"
	h := &ResultHeader{
		PatientID:  patientID,
		DoctorID:   doctorID,
		ResultDate: time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
		Price:      &price,
		Notes:      &notes,
	}
	f := FieldsFromHeader(h)
	assert.Equal(t, HeaderFields{
		PatientID:  patientID.String(),
		DoctorID:   doctorID.String(),
		ResultDate: "2024-01-10",
		Price:      "12.5",
		Notes:      "fasting",
	}, f)
}

func TestCoordinator_ResubmitReusesInsertIDs(t *testing.T) {
	f := newFixture(t)
	c := newTestCoordinator(f)
	ctx := context.Background()
	ids := InsertIDs{}
	p := f.readyPanel(t, hemogramID).SetValue(hemogramID, wbcID, "6.2")

	id, err := c.Resubmit(ctx, validFields(), p, Snapshot{}, nil, ids)
	require.NoError(t, err)
	require.Contains(t, ids, wbcID)
	rows := f.st.Rows(tableValue)
	require.Len(t, rows, 1)
	rowID, err := rows[0].UUID("id")
	require.NoError(t, err)
	assert.Equal(t, ids[wbcID], rowID)

	header, err := f.results.GetHeader(ctx, id)
	require.NoError(t, err)

	// Same values again: the row is rewritten, not duplicated.
	_, err = c.Resubmit(ctx, validFields(), p, Snapshot{}, header, ids)
	require.NoError(t, err)
	assert.Len(t, f.st.Rows(tableValue), 1)

	// Cleared value: the recorded row is deleted.
	_, err = c.Resubmit(ctx, validFields(), p.SetValue(hemogramID, wbcID, ""), Snapshot{}, header, ids)
	require.NoError(t, err)
	assert.Empty(t, f.st.Rows(tableValue))
}
