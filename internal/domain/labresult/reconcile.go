package labresult

import (
	"strings"

	"github.com/google/uuid"
)

// NewValue is a value row to create.
type NewValue struct {
	ParameterID uuid.UUID `json:"parameter_id"`
	Value       string    `json:"value"`
}

// ValueUpdate rewrites an existing value row.
type ValueUpdate struct {
	ID          uuid.UUID `json:"id"`
	ParameterID uuid.UUID `json:"parameter_id"`
	Value       string    `json:"value"`
}

// Plan is the set of value-row operations that brings the store in line
// with a panel. Each stored row appears in at most one of Update and Delete.
type Plan struct {
	Insert []NewValue    `json:"insert"`
	Update []ValueUpdate `json:"update"`
	Delete []uuid.UUID   `json:"delete"`
}

// Empty reports whether the plan has no operations.
func (p Plan) Empty() bool {
	return len(p.Insert) == 0 && len(p.Update) == 0 && len(p.Delete) == 0
}

// Reconcile diffs a panel against the values stored when the session began.
//
// A stored value is deleted when its parameter is no longer visible in any
// selection (removed, or its type deselected) or its entered value trims to
// blank. Every visible non-blank value updates the stored row for its
// parameter when one exists and is inserted otherwise. Values are saved
// trimmed. Inserts and updates follow selection order then parameter order;
// deletes follow snapshot order.
//
// Reconcile reads only its arguments and returns equal plans for equal
// inputs.
func Reconcile(panel *Panel, snap Snapshot) Plan {
	type saved struct {
		paramID uuid.UUID
		value   string
	}
	var toSave []saved
	values := make(map[uuid.UUID]string)
	visible := make(map[uuid.UUID]bool)

	for _, e := range panel.Entries() {
		for _, pe := range e.Parameters {
			if pe.Visibility != Visible {
				continue
			}
			id := pe.ParameterID()
			visible[id] = true
			v := strings.TrimSpace(pe.Value)
			if v == "" {
				continue
			}
			if _, dup := values[id]; dup {
				continue
			}
			values[id] = v
			toSave = append(toSave, saved{paramID: id, value: v})
		}
	}

	var plan Plan
	for _, sv := range snap.values {
		_, keep := values[sv.ParameterID]
		if !visible[sv.ParameterID] || !keep || !snap.isCanonical(sv) {
			plan.Delete = append(plan.Delete, sv.ID)
		}
	}
	for _, s := range toSave {
		if sv, ok := snap.ForParameter(s.paramID); ok {
			plan.Update = append(plan.Update, ValueUpdate{ID: sv.ID, ParameterID: s.paramID, Value: s.value})
			continue
		}
		plan.Insert = append(plan.Insert, NewValue{ParameterID: s.paramID, Value: s.value})
	}
	return plan
}
