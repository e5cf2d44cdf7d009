package labresult

import (
	"time"

	"github.com/google/uuid"
)

// Category groups test types on the request form.
type Category struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// TestType maps to the test_type table.
type TestType struct {
	ID         uuid.UUID  `json:"id"`
	Name       string     `json:"name"`
	CategoryID *uuid.UUID `json:"category_id,omitempty"`
}

// TestParameter maps to the test_parameter table.
type TestParameter struct {
	ID             uuid.UUID `json:"id"`
	TestTypeID     uuid.UUID `json:"test_type_id"`
	Name           string    `json:"name"`
	Unit           *string   `json:"unit,omitempty"`
	ReferenceRange *string   `json:"reference_range,omitempty"`
	Description    *string   `json:"description,omitempty"`
	Position       int       `json:"position"`
}

// Result statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusDelivered = "delivered"
	StatusCancelled = "cancelled"
)

// ResultHeader maps to the result table.
type ResultHeader struct {
	ID           uuid.UUID `json:"id"`
	PatientID    uuid.UUID `json:"patient_id"`
	DoctorID     uuid.UUID `json:"doctor_id"`
	ResultDate   time.Time `json:"result_date"`
	Price        *float64  `json:"price,omitempty"`
	AmountPaid   *float64  `json:"amount_paid,omitempty"`
	Notes        *string   `json:"notes,omitempty"`
	Status       string    `json:"status"`
	SubmissionID *string   `json:"submission_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StoredValue maps to the result_value table, joined with the owning
// parameter's test type.
type StoredValue struct {
	ID          uuid.UUID `json:"id"`
	ResultID    uuid.UUID `json:"result_id"`
	ParameterID uuid.UUID `json:"parameter_id"`
	TestTypeID  uuid.UUID `json:"test_type_id"`
	Value       string    `json:"value"`
}

// Snapshot is the set of values stored for a result when an edit session
// began. It is never modified after construction.
type Snapshot struct {
	values  []StoredValue
	byParam map[uuid.UUID]int
}

// NewSnapshot captures values. When several rows share a parameter, the first
// in load order is canonical and the rest are only candidates for deletion.
// Stored rows are loaded ordered by id, so which duplicate wins is arbitrary
// but stable across loads.
func NewSnapshot(values []StoredValue) Snapshot {
	s := Snapshot{
		values:  append([]StoredValue(nil), values...),
		byParam: make(map[uuid.UUID]int, len(values)),
	}
	for i, v := range s.values {
		if _, dup := s.byParam[v.ParameterID]; !dup {
			s.byParam[v.ParameterID] = i
		}
	}
	return s
}

// Values returns a copy of the captured rows in load order.
func (s Snapshot) Values() []StoredValue {
	return append([]StoredValue(nil), s.values...)
}

// Len is the number of captured rows.
func (s Snapshot) Len() int { return len(s.values) }

// ForParameter returns the canonical stored value for a parameter.
func (s Snapshot) ForParameter(id uuid.UUID) (StoredValue, bool) {
	i, ok := s.byParam[id]
	if !ok {
		return StoredValue{}, false
	}
	return s.values[i], true
}

// isCanonical reports whether v is the row ForParameter would return.
func (s Snapshot) isCanonical(v StoredValue) bool {
	c, ok := s.ForParameter(v.ParameterID)
	return ok && c.ID == v.ID
}

// TestTypeIDs returns the distinct test types referenced, in first-seen order.
func (s Snapshot) TestTypeIDs() []uuid.UUID {
	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for _, v := range s.values {
		if !seen[v.TestTypeID] {
			seen[v.TestTypeID] = true
			ids = append(ids, v.TestTypeID)
		}
	}
	return ids
}
