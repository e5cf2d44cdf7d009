package labresult

import (
	"bytes"
	"context"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/labdesk/labdesk/internal/platform/store"
	"github.com/labdesk/labdesk/internal/platform/telemetry"
)

// HeaderFields are the header inputs of the result form, as entered.
type HeaderFields struct {
	PatientID  string `json:"patient_id"`
	DoctorID   string `json:"doctor_id"`
	ResultDate string `json:"result_date"`
	Price      string `json:"price,omitempty"`
	AmountPaid string `json:"amount_paid,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// FieldsFromHeader renders a stored header back into form fields.
func FieldsFromHeader(h *ResultHeader) HeaderFields {
	f := HeaderFields{
		PatientID:  h.PatientID.String(),
		DoctorID:   h.DoctorID.String(),
		ResultDate: h.ResultDate.Format(dateLayout),
	}
	if h.Price != nil {
		f.Price = strconv.FormatFloat(*h.Price, 'f', -1, 64)
	}
	if h.AmountPaid != nil {
		f.AmountPaid = strconv.FormatFloat(*h.AmountPaid, 'f', -1, 64)
	}
	if h.Notes != nil {
		f.Notes = *h.Notes
	}
	return f
}

// parsedHeader holds validated header fields.
type parsedHeader struct {
	patientID  uuid.UUID
	doctorID   uuid.UUID
	date       time.Time
	price      *float64
	amountPaid *float64
	notes      *string
}

// validateSubmission checks the form without touching the store. Creating a
// result requires at least one selected test type; no selection may still be
// loading its parameters.
func validateSubmission(f HeaderFields, panel *Panel, edit bool) (parsedHeader, error) {
	var (
		p    parsedHeader
		verr ValidationError
		err  error
	)
	if strings.TrimSpace(f.PatientID) == "" {
		verr.add("patient_id", "patient is required")
	} else if p.patientID, err = uuid.Parse(strings.TrimSpace(f.PatientID)); err != nil {
		verr.add("patient_id", "invalid patient id")
	}
	if strings.TrimSpace(f.DoctorID) == "" {
		verr.add("doctor_id", "doctor is required")
	} else if p.doctorID, err = uuid.Parse(strings.TrimSpace(f.DoctorID)); err != nil {
		verr.add("doctor_id", "invalid doctor id")
	}
	if strings.TrimSpace(f.ResultDate) == "" {
		verr.add("result_date", "date is required")
	} else if p.date, err = time.Parse(dateLayout, strings.TrimSpace(f.ResultDate)); err != nil {
		verr.add("result_date", "date must be YYYY-MM-DD")
	}
	p.price = parseAmount(&verr, "price", f.Price)
	p.amountPaid = parseAmount(&verr, "amount_paid", f.AmountPaid)
	if notes := strings.TrimSpace(f.Notes); notes != "" {
		p.notes = &notes
	}

	if !edit && panel.Len() == 0 {
		verr.add("tests", "select at least one test type")
	}
	if loading := panel.Loading(); len(loading) > 0 {
		verr.add("tests", strconv.Itoa(len(loading))+" test type(s) still loading")
	}
	return p, verr.orNil()
}

func parseAmount(verr *ValidationError, field, raw string) *float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		verr.add(field, "must be a number")
		return nil
	}
	if v < 0 {
		verr.add(field, "must not be negative")
		return nil
	}
	return &v
}

// Coordinator runs the submit sequence: header save, delete batch, upsert
// batch. The steps are not wrapped in a transaction and a failed step does
// not undo the ones before it.
type Coordinator struct {
	results ResultRepository
	log     zerolog.Logger
	metrics *telemetry.Metrics
	newID   func() uuid.UUID
}

func NewCoordinator(results ResultRepository, log zerolog.Logger, metrics *telemetry.Metrics) *Coordinator {
	return &Coordinator{results: results, log: log, metrics: metrics, newID: uuid.New}
}

// InsertIDs maps a parameter to the row id its new value was given on an
// earlier submit of the same form. Reusing the id turns a repeated insert
// into an update of the row already written.
type InsertIDs map[uuid.UUID]uuid.UUID

// Submit validates the form and persists it. original is the header the edit
// session was hydrated from, or nil when creating a result. It returns the
// result id, a *ValidationError, or a *PersistenceError naming the failed
// step.
func (c *Coordinator) Submit(ctx context.Context, fields HeaderFields, panel *Panel, snap Snapshot, original *ResultHeader) (uuid.UUID, error) {
	return c.Resubmit(ctx, fields, panel, snap, original, nil)
}

// Resubmit is Submit for a form that may have been submitted before. New
// values take their row ids from ids, and ids records the ids it hands out.
// Rows recorded in ids whose parameter no longer has a value to insert are
// deleted, since an earlier upsert may have written them.
func (c *Coordinator) Resubmit(ctx context.Context, fields HeaderFields, panel *Panel, snap Snapshot, original *ResultHeader, ids InsertIDs) (uuid.UUID, error) {
	start := time.Now()
	edit := original != nil

	parsed, err := validateSubmission(fields, panel, edit)
	if err != nil {
		c.metrics.ObserveSubmit(time.Since(start), "validation", "")
		return uuid.Nil, err
	}

	submissionID := ulid.Make().String()
	header := &ResultHeader{Status: StatusPending}
	if edit {
		copied := *original
		header = &copied
	}
	header.PatientID = parsed.patientID
	header.DoctorID = parsed.doctorID
	header.ResultDate = parsed.date
	header.Price = parsed.price
	header.AmountPaid = parsed.amountPaid
	header.Notes = parsed.notes
	header.SubmissionID = &submissionID

	log := c.log.With().Str("submission_id", submissionID).Bool("edit", edit).Logger()
	var completed []Step
	fail := func(step Step, err error) (uuid.UUID, error) {
		pe := &PersistenceError{
			Step:      step,
			Completed: completed,
			Code:      store.CodeOf(err),
			Err:       err,
		}
		if edit || step != StepHeader {
			pe.ResultID = header.ID.String()
		}
		if step != StepHeader {
			committed := *header
			pe.Header = &committed
		}
		log.Error().Err(err).
			Str("result_id", pe.ResultID).
			Str("step", string(step)).
			Str("code", string(pe.Code)).
			Msg("submit step failed")
		c.metrics.ObserveSubmit(time.Since(start), "persistence", string(step))
		return uuid.Nil, pe
	}

	if edit {
		err = c.results.UpdateHeader(ctx, header)
	} else {
		err = c.results.CreateHeader(ctx, header)
	}
	if err != nil {
		return fail(StepHeader, err)
	}
	completed = append(completed, StepHeader)
	log = log.With().Str("result_id", header.ID.String()).Logger()
	log.Debug().Str("step", string(StepHeader)).Msg("submit step committed")

	plan := Reconcile(panel, snap)
	insertIDs, stale := c.placeInserts(plan.Insert, ids)
	deletes := append(plan.Delete, stale...)

	if err := c.results.DeleteValues(ctx, deletes); err != nil {
		return fail(StepDelete, err)
	}
	completed = append(completed, StepDelete)
	log.Debug().Str("step", string(StepDelete)).Int("rows", len(deletes)).Msg("submit step committed")

	rows := make([]StoredValue, 0, len(plan.Update)+len(plan.Insert))
	for _, u := range plan.Update {
		rows = append(rows, StoredValue{ID: u.ID, ResultID: header.ID, ParameterID: u.ParameterID, Value: u.Value})
	}
	for i, in := range plan.Insert {
		rows = append(rows, StoredValue{ID: insertIDs[i], ResultID: header.ID, ParameterID: in.ParameterID, Value: in.Value})
	}
	if err := c.results.UpsertValues(ctx, rows); err != nil {
		return fail(StepUpsert, err)
	}

	log.Info().
		Int("inserted", len(plan.Insert)).
		Int("updated", len(plan.Update)).
		Int("deleted", len(plan.Delete)).
		Dur("elapsed", time.Since(start)).
		Msg("result submitted")
	c.metrics.ObserveSubmit(time.Since(start), "ok", "")
	return header.ID, nil
}

// placeInserts picks a row id for each insert, reusing the one in ids when
// present. stale lists ids recorded for parameters that have nothing to
// insert any more, in a stable order.
func (c *Coordinator) placeInserts(inserts []NewValue, ids InsertIDs) (placed []uuid.UUID, stale []uuid.UUID) {
	placed = make([]uuid.UUID, len(inserts))
	wanted := make(map[uuid.UUID]bool, len(inserts))
	for i, in := range inserts {
		id, ok := ids[in.ParameterID]
		if !ok {
			id = c.newID()
			if ids != nil {
				ids[in.ParameterID] = id
			}
		}
		placed[i] = id
		wanted[in.ParameterID] = true
	}
	for param, id := range ids {
		if !wanted[param] {
			stale = append(stale, id)
		}
	}
	slices.SortFunc(stale, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })
	return placed, stale
}
