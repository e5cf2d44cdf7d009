package labresult

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/labdesk/labdesk/internal/platform/store"
)

// ResultRepository persists result headers and their values.
type ResultRepository interface {
	GetHeader(ctx context.Context, id uuid.UUID) (*ResultHeader, error)
	CreateHeader(ctx context.Context, h *ResultHeader) error
	UpdateHeader(ctx context.Context, h *ResultHeader) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	ListValues(ctx context.Context, resultID uuid.UUID) ([]StoredValue, error)
	DeleteValues(ctx context.Context, ids []uuid.UUID) error
	UpsertValues(ctx context.Context, values []StoredValue) error
}

// storeResultRepo implements ResultRepository over a store.Store.
type storeResultRepo struct {
	st  store.Store
	now func() time.Time
}

func NewResultRepo(st store.Store) ResultRepository {
	return &storeResultRepo{st: st, now: time.Now}
}

const dateLayout = "2006-01-02"

func (r *storeResultRepo) GetHeader(ctx context.Context, id uuid.UUID) (*ResultHeader, error) {
	rows, err := r.st.Select(ctx, tableResult, store.Where(store.Eq("id", id)))
	if err != nil {
		return nil, fmt.Errorf("get result %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("get result %s: %w", id, ErrResultNotFound)
	}
	return scanHeader(rows[0])
}

func (r *storeResultRepo) CreateHeader(ctx context.Context, h *ResultHeader) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	now := r.now().UTC()
	h.CreatedAt, h.UpdatedAt = now, now
	row := headerRow(h)
	row["id"] = h.ID
	row["created_at"] = now
	if _, err := r.st.Insert(ctx, tableResult, row); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

func (r *storeResultRepo) UpdateHeader(ctx context.Context, h *ResultHeader) error {
	h.UpdatedAt = r.now().UTC()
	if _, err := r.st.Update(ctx, tableResult, store.Where(store.Eq("id", h.ID)), headerRow(h)); err != nil {
		return fmt.Errorf("update result %s: %w", h.ID, err)
	}
	return nil
}

func (r *storeResultRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	patch := store.Row{"status": status, "updated_at": r.now().UTC()}
	if _, err := r.st.Update(ctx, tableResult, store.Where(store.Eq("id", id)), patch); err != nil {
		return fmt.Errorf("update result %s status: %w", id, err)
	}
	return nil
}

// ListValues returns the stored values of a result, each joined with the test
// type of its parameter.
func (r *storeResultRepo) ListValues(ctx context.Context, resultID uuid.UUID) ([]StoredValue, error) {
	rows, err := r.st.Select(ctx, tableValue, store.Where(store.Eq("result_id", resultID)).Ordered("id"))
	if err != nil {
		return nil, fmt.Errorf("list values of %s: %w", resultID, err)
	}
	values := make([]StoredValue, 0, len(rows))
	paramIDs := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		v, err := scanValue(row)
		if err != nil {
			return nil, fmt.Errorf("list values of %s: %w", resultID, err)
		}
		values = append(values, v)
		paramIDs = append(paramIDs, v.ParameterID)
	}
	if len(values) == 0 {
		return values, nil
	}

	params, err := r.st.Select(ctx, tableParameter, store.Where(store.In("id", paramIDs)))
	if err != nil {
		return nil, fmt.Errorf("list values of %s: resolve parameters: %w", resultID, err)
	}
	typeOf := make(map[uuid.UUID]uuid.UUID, len(params))
	for _, p := range params {
		id, err := p.UUID("id")
		if err != nil {
			return nil, err
		}
		tid, err := p.UUID("test_type_id")
		if err != nil {
			return nil, err
		}
		typeOf[id] = tid
	}
	joined := values[:0]
	for _, v := range values {
		tid, ok := typeOf[v.ParameterID]
		if !ok {
			// Parameter removed from the catalog; the row cannot be placed in
			// any selection.
			continue
		}
		v.TestTypeID = tid
		joined = append(joined, v)
	}
	return joined, nil
}

func (r *storeResultRepo) DeleteValues(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.st.Delete(ctx, tableValue, store.Where(store.In("id", ids))); err != nil {
		return fmt.Errorf("delete %d values: %w", len(ids), err)
	}
	return nil
}

func (r *storeResultRepo) UpsertValues(ctx context.Context, values []StoredValue) error {
	if len(values) == 0 {
		return nil
	}
	rows := make([]store.Row, len(values))
	for i, v := range values {
		rows[i] = store.Row{
			"id":           v.ID,
			"result_id":    v.ResultID,
			"parameter_id": v.ParameterID,
			"value":        v.Value,
		}
	}
	if _, err := r.st.Upsert(ctx, tableValue, rows, "id"); err != nil {
		return fmt.Errorf("upsert %d values: %w", len(values), err)
	}
	return nil
}

func headerRow(h *ResultHeader) store.Row {
	return store.Row{
		"patient_id":    h.PatientID,
		"doctor_id":     h.DoctorID,
		"result_date":   h.ResultDate.Format(dateLayout),
		"price":         store.Nullable(h.Price),
		"amount_paid":   store.Nullable(h.AmountPaid),
		"notes":         store.Nullable(h.Notes),
		"status":        h.Status,
		"submission_id": store.Nullable(h.SubmissionID),
		"updated_at":    h.UpdatedAt,
	}
}

func scanHeader(r store.Row) (*ResultHeader, error) {
	h := &ResultHeader{}
	var err error
	if h.ID, err = r.UUID("id"); err != nil {
		return nil, err
	}
	if h.PatientID, err = r.UUID("patient_id"); err != nil {
		return nil, err
	}
	if h.DoctorID, err = r.UUID("doctor_id"); err != nil {
		return nil, err
	}
	if h.ResultDate, err = r.Time("result_date"); err != nil {
		return nil, err
	}
	h.Price = r.NullFloat("price")
	h.AmountPaid = r.NullFloat("amount_paid")
	h.Notes = r.NullString("notes")
	h.Status = r.String("status")
	h.SubmissionID = r.NullString("submission_id")
	if h.CreatedAt, err = r.Time("created_at"); err != nil {
		return nil, err
	}
	if h.UpdatedAt, err = r.Time("updated_at"); err != nil {
		return nil, err
	}
	return h, nil
}

func scanValue(r store.Row) (StoredValue, error) {
	var v StoredValue
	var err error
	if v.ID, err = r.UUID("id"); err != nil {
		return v, err
	}
	if v.ResultID, err = r.UUID("result_id"); err != nil {
		return v, err
	}
	if v.ParameterID, err = r.UUID("parameter_id"); err != nil {
		return v, err
	}
	v.Value = r.String("value")
	return v, nil
}
