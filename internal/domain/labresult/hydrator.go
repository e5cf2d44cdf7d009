package labresult

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Hydration is the starting state of an edit session.
type Hydration struct {
	Header   *ResultHeader
	Panel    *Panel
	Snapshot Snapshot
}

// Hydrator builds edit sessions from persisted results.
type Hydrator struct {
	results ResultRepository
	catalog Catalog
}

func NewHydrator(results ResultRepository, catalog Catalog) *Hydrator {
	return &Hydrator{results: results, catalog: catalog}
}

// Hydrate loads the header and stored values of a result concurrently, then
// fetches every parameter of the involved test types and builds a ready
// selection per type. A missing header fails with ErrResultNotFound.
func (h *Hydrator) Hydrate(ctx context.Context, resultID uuid.UUID) (*Hydration, error) {
	var (
		header *ResultHeader
		values []StoredValue
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		header, err = h.results.GetHeader(gctx, resultID)
		return err
	})
	g.Go(func() error {
		var err error
		values, err = h.results.ListValues(gctx, resultID)
		return err
	})
	if err := g.Wait(); err != nil {
		if errors.Is(err, ErrResultNotFound) {
			return nil, fmt.Errorf("hydrate %s: %w", resultID, ErrResultNotFound)
		}
		return nil, fmt.Errorf("hydrate %s: %w", resultID, err)
	}

	snap := NewSnapshot(values)
	typeIDs := snap.TestTypeIDs()
	params, err := h.catalog.ListParametersForTypes(ctx, typeIDs)
	if err != nil {
		return nil, fmt.Errorf("hydrate %s: %w", resultID, err)
	}

	byType := make(map[uuid.UUID][]TestParameter, len(typeIDs))
	for _, p := range params {
		byType[p.TestTypeID] = append(byType[p.TestTypeID], p)
	}
	entries := make([]SelectionEntry, 0, len(typeIDs))
	for _, tid := range typeIDs {
		entries = append(entries, SelectionEntry{TypeID: tid, Parameters: hydrateParameters(byType[tid], snap)})
	}
	panel, _ := panelFromEntries(entries, LoadReady)

	return &Hydration{Header: header, Panel: panel, Snapshot: snap}, nil
}

func hydrateParameters(defs []TestParameter, snap Snapshot) []ParameterEntry {
	out := make([]ParameterEntry, 0, len(defs))
	for _, def := range defs {
		pe := ParameterEntry{Parameter: def, Visibility: Visible}
		if sv, ok := snap.ForParameter(def.ID); ok {
			id := sv.ID
			pe.Value = sv.Value
			pe.OriginID = &id
		}
		out = append(out, pe)
	}
	return out
}
