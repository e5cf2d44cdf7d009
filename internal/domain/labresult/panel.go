package labresult

import (
	"github.com/google/uuid"
)

// LoadStatus is the state of a selection's parameter load.
type LoadStatus string

const (
	LoadLoading LoadStatus = "loading"
	LoadReady   LoadStatus = "ready"
	LoadError   LoadStatus = "error"
)

// Visibility of a parameter within its selection.
type Visibility string

const (
	Visible Visibility = "visible"
	Removed Visibility = "removed"
)

// ParameterEntry is the session-local state of one parameter.
type ParameterEntry struct {
	Parameter  TestParameter `json:"parameter"`
	Value      string        `json:"value"`
	Visibility Visibility    `json:"visibility"`
	// OriginID links the entry to the stored value it was hydrated from.
	OriginID *uuid.UUID `json:"origin_id,omitempty"`
}

// ParameterID returns the id of the entry's parameter.
func (p ParameterEntry) ParameterID() uuid.UUID { return p.Parameter.ID }

// SelectionEntry is one checked test type and its parameters.
type SelectionEntry struct {
	TypeID     uuid.UUID        `json:"test_type_id"`
	Status     LoadStatus       `json:"status"`
	Generation uint64           `json:"generation"`
	Error      string           `json:"error,omitempty"`
	Parameters []ParameterEntry `json:"parameters"`
}

func (e SelectionEntry) clone() SelectionEntry {
	e.Parameters = append([]ParameterEntry(nil), e.Parameters...)
	if e.Parameters == nil {
		e.Parameters = []ParameterEntry{}
	}
	return e
}

func (e SelectionEntry) indexOf(paramID uuid.UUID) int {
	for i, p := range e.Parameters {
		if p.Parameter.ID == paramID {
			return i
		}
	}
	return -1
}

// LoadTicket identifies one parameter fetch. It may only commit while the
// selection it was issued for is still loading under the same generation.
type LoadTicket struct {
	TypeID     uuid.UUID
	Generation uint64
}

// Panel is the set of checked test types. A Panel is immutable: every
// mutation returns a new Panel and leaves the receiver unchanged, so a
// reader holding a Panel never observes a partial update.
type Panel struct {
	entries map[uuid.UUID]SelectionEntry
	order   []uuid.UUID
	seq     uint64
}

// NewPanel returns an empty panel.
func NewPanel() *Panel {
	return &Panel{entries: map[uuid.UUID]SelectionEntry{}}
}

// panelFromEntries builds a panel from entries in the given order. Every
// entry receives a generation from the new panel's counter.
func panelFromEntries(entries []SelectionEntry, status LoadStatus) (*Panel, []LoadTicket) {
	p := NewPanel()
	tickets := make([]LoadTicket, 0, len(entries))
	for _, e := range entries {
		if _, dup := p.entries[e.TypeID]; dup {
			continue
		}
		p.seq++
		e = e.clone()
		e.Status = status
		e.Generation = p.seq
		e.Error = ""
		p.entries[e.TypeID] = e
		p.order = append(p.order, e.TypeID)
		tickets = append(tickets, LoadTicket{TypeID: e.TypeID, Generation: e.Generation})
	}
	return p, tickets
}

// ResumePanel rebuilds a panel from suspended entries. Each selection is put
// back into loading with its parameters kept as carry-over state, and a ticket
// is returned per selection so the parameter definitions can be refreshed.
func ResumePanel(entries []SelectionEntry) (*Panel, []LoadTicket) {
	return panelFromEntries(entries, LoadLoading)
}

func (p *Panel) copy() *Panel {
	n := &Panel{
		entries: make(map[uuid.UUID]SelectionEntry, len(p.entries)+1),
		order:   append([]uuid.UUID(nil), p.order...),
		seq:     p.seq,
	}
	for k, v := range p.entries {
		n.entries[k] = v
	}
	return n
}

// Select checks a test type. It reports false, returning the receiver, when
// the type is already selected. Otherwise the new selection is loading and
// the returned ticket must be handed to the parameter loader.
func (p *Panel) Select(typeID uuid.UUID) (*Panel, LoadTicket, bool) {
	if _, ok := p.entries[typeID]; ok {
		return p, LoadTicket{}, false
	}
	n := p.copy()
	n.seq++
	n.entries[typeID] = SelectionEntry{
		TypeID:     typeID,
		Status:     LoadLoading,
		Generation: n.seq,
		Parameters: []ParameterEntry{},
	}
	n.order = append(n.order, typeID)
	return n, LoadTicket{TypeID: typeID, Generation: n.seq}, true
}

// Reload moves a ready or failed selection back to loading under a fresh
// generation. Its parameters are kept and merged with the refetched
// definitions.
func (p *Panel) Reload(typeID uuid.UUID) (*Panel, LoadTicket, bool) {
	e, ok := p.entries[typeID]
	if !ok || e.Status == LoadLoading {
		return p, LoadTicket{}, false
	}
	n := p.copy()
	n.seq++
	e.Status = LoadLoading
	e.Generation = n.seq
	e.Error = ""
	n.entries[typeID] = e
	return n, LoadTicket{TypeID: typeID, Generation: n.seq}, true
}

// Deselect unchecks a test type, discarding all of its parameter state.
func (p *Panel) Deselect(typeID uuid.UUID) *Panel {
	if _, ok := p.entries[typeID]; !ok {
		return p
	}
	n := p.copy()
	delete(n.entries, typeID)
	for i, id := range n.order {
		if id == typeID {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
	return n
}

// SetValue replaces a parameter's value. Unknown selections or parameters
// leave the panel unchanged.
func (p *Panel) SetValue(typeID, paramID uuid.UUID, value string) *Panel {
	return p.updateParameter(typeID, paramID, func(pe *ParameterEntry) {
		pe.Value = value
	})
}

// RemoveParameter hides a parameter. The entry and its value are kept; there
// is no way to make it visible again short of deselecting and reselecting
// the whole test type.
func (p *Panel) RemoveParameter(typeID, paramID uuid.UUID) *Panel {
	return p.updateParameter(typeID, paramID, func(pe *ParameterEntry) {
		pe.Visibility = Removed
	})
}

func (p *Panel) updateParameter(typeID, paramID uuid.UUID, fn func(*ParameterEntry)) *Panel {
	e, ok := p.entries[typeID]
	if !ok {
		return p
	}
	i := e.indexOf(paramID)
	if i < 0 {
		return p
	}
	e = e.clone()
	fn(&e.Parameters[i])
	n := p.copy()
	n.entries[typeID] = e
	return n
}

// admits reports whether a ticket still owns the loading state of its type.
func (p *Panel) admits(t LoadTicket) (SelectionEntry, bool) {
	e, ok := p.entries[t.TypeID]
	if !ok || e.Status != LoadLoading || e.Generation != t.Generation {
		return SelectionEntry{}, false
	}
	return e, true
}

// CompleteLoad commits fetched parameter definitions for a ticket, merging
// them with the selection's carried-over entries. A stale ticket leaves the
// panel unchanged and reports false.
func (p *Panel) CompleteLoad(t LoadTicket, params []TestParameter) (*Panel, bool) {
	e, ok := p.admits(t)
	if !ok {
		return p, false
	}
	e.Parameters = mergeParameters(params, e.Parameters)
	e.Status = LoadReady
	e.Error = ""
	n := p.copy()
	n.entries[t.TypeID] = e
	return n, true
}

// FailLoad moves a ticket's selection to error with no parameters.
func (p *Panel) FailLoad(t LoadTicket, cause error) (*Panel, bool) {
	e, ok := p.admits(t)
	if !ok {
		return p, false
	}
	e.Status = LoadError
	e.Parameters = []ParameterEntry{}
	if cause != nil {
		e.Error = cause.Error()
	}
	n := p.copy()
	n.entries[t.TypeID] = e
	return n, true
}

// Has reports whether a test type is selected.
func (p *Panel) Has(typeID uuid.UUID) bool {
	_, ok := p.entries[typeID]
	return ok
}

// Len is the number of selected test types.
func (p *Panel) Len() int { return len(p.order) }

// Entry returns a copy of the selection for typeID.
func (p *Panel) Entry(typeID uuid.UUID) (SelectionEntry, bool) {
	e, ok := p.entries[typeID]
	if !ok {
		return SelectionEntry{}, false
	}
	return e.clone(), true
}

// Entries returns copies of all selections in selection order.
func (p *Panel) Entries() []SelectionEntry {
	out := make([]SelectionEntry, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.entries[id].clone())
	}
	return out
}

// TypeIDs returns the selected test types in selection order.
func (p *Panel) TypeIDs() []uuid.UUID {
	return append([]uuid.UUID(nil), p.order...)
}

// Loading returns the selections whose parameters have not arrived yet.
func (p *Panel) Loading() []uuid.UUID {
	var ids []uuid.UUID
	for _, id := range p.order {
		if p.entries[id].Status == LoadLoading {
			ids = append(ids, id)
		}
	}
	return ids
}
