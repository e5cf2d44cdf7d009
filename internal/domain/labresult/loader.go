package labresult

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labdesk/labdesk/internal/platform/telemetry"
)

// LoadOutcome is the result of fetching parameter definitions for a ticket.
type LoadOutcome struct {
	Ticket LoadTicket
	Params []TestParameter
	Err    error
}

// ParameterLoader fetches parameter definitions for loading selections.
type ParameterLoader struct {
	catalog Catalog
	timeout time.Duration
	log     zerolog.Logger
	metrics *telemetry.Metrics
}

// NewParameterLoader creates a loader. A zero timeout means fetches are bound
// only by the caller's context.
func NewParameterLoader(catalog Catalog, timeout time.Duration, log zerolog.Logger, metrics *telemetry.Metrics) *ParameterLoader {
	return &ParameterLoader{catalog: catalog, timeout: timeout, log: log, metrics: metrics}
}

// Fetch queries the catalog for the ticket's test type.
func (l *ParameterLoader) Fetch(ctx context.Context, t LoadTicket) LoadOutcome {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	start := time.Now()
	params, err := l.catalog.ListParameters(ctx, t.TypeID)
	l.metrics.ObserveLoad(time.Since(start), err)
	if err != nil {
		return LoadOutcome{Ticket: t, Err: err}
	}
	return LoadOutcome{Ticket: t, Params: params}
}

// Apply commits an outcome to panel. It reports false when the ticket is
// stale: the type was deselected, or reselected or reloaded under a newer
// generation, while the fetch was in flight.
func (l *ParameterLoader) Apply(panel *Panel, o LoadOutcome) (*Panel, bool) {
	log := l.log.With().
		Str("test_type_id", o.Ticket.TypeID.String()).
		Uint64("generation", o.Ticket.Generation).
		Logger()

	var (
		next      *Panel
		committed bool
	)
	if o.Err != nil {
		next, committed = panel.FailLoad(o.Ticket, o.Err)
	} else {
		next, committed = panel.CompleteLoad(o.Ticket, o.Params)
	}
	if !committed {
		l.metrics.StaleLoad()
		log.Debug().Msg("discarded stale parameter load")
		return panel, false
	}
	if o.Err != nil {
		log.Warn().Err(o.Err).Msg("parameter load failed")
	} else {
		log.Debug().Int("parameters", len(o.Params)).Msg("parameters loaded")
	}
	return next, true
}

// Load fetches and applies in one step. Callers that own concurrent loads use
// Fetch and Apply separately so the panel is read at commit time.
func (l *ParameterLoader) Load(ctx context.Context, panel *Panel, t LoadTicket) (*Panel, bool) {
	return l.Apply(panel, l.Fetch(ctx, t))
}

// mergeParameters orders fetched definitions and carries over the value,
// visibility and origin of any entry already present for the same parameter.
// Definitions always come from the fetch; carried entries whose parameter is
// no longer in the catalog are dropped.
func mergeParameters(fetched []TestParameter, carried []ParameterEntry) []ParameterEntry {
	prior := make(map[uuid.UUID]ParameterEntry, len(carried))
	for _, pe := range carried {
		prior[pe.Parameter.ID] = pe
	}
	merged := make([]ParameterEntry, 0, len(fetched))
	seen := make(map[uuid.UUID]bool, len(fetched))
	for _, def := range fetched {
		if seen[def.ID] {
			continue
		}
		seen[def.ID] = true
		if pe, ok := prior[def.ID]; ok {
			pe.Parameter = def
			merged = append(merged, pe)
			continue
		}
		merged = append(merged, ParameterEntry{Parameter: def, Visibility: Visible})
	}
	return merged
}
