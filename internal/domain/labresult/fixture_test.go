package labresult

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labdesk/labdesk/internal/platform/store"
)

var (
	hemogramID = uuid.MustParse("11111111-0000-0000-0000-000000000001")
	lipidID    = uuid.MustParse("11111111-0000-0000-0000-000000000002")
	emptyID    = uuid.MustParse("11111111-0000-0000-0000-000000000003")
	wbcID      = uuid.MustParse("22222222-0000-0000-0000-000000000001")
	rbcID      = uuid.MustParse("22222222-0000-0000-0000-000000000002")
	cholID     = uuid.MustParse("22222222-0000-0000-0000-000000000003")
	doctorID   = uuid.MustParse("33333333-0000-0000-0000-000000000001")
	patientID  = uuid.MustParse("44444444-0000-0000-0000-000000000001")
)

// fixture is a memory-backed catalog: Hemogram{WBC, RBC}, Lipid Panel
// {Cholesterol}, a test type without parameters, one doctor and one patient.
type fixture struct {
	st      *store.Memory
	catalog *StoreCatalog
	results ResultRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	ctx := context.Background()
	mustInsert := func(table string, row store.Row) {
		if _, err := st.Insert(ctx, table, row); err != nil {
			t.Fatalf("seed %s: %v", table, err)
		}
	}
	mustInsert(tableTestType, store.Row{"id": hemogramID, "name": "Hemogram"})
	mustInsert(tableTestType, store.Row{"id": lipidID, "name": "Lipid Panel"})
	mustInsert(tableTestType, store.Row{"id": emptyID, "name": "Urine Culture"})
	mustInsert(tableParameter, store.Row{"id": wbcID, "test_type_id": hemogramID, "name": "WBC", "unit": "10^3/uL", "position": 1})
	mustInsert(tableParameter, store.Row{"id": rbcID, "test_type_id": hemogramID, "name": "RBC", "unit": "10^6/uL", "position": 2})
	mustInsert(tableParameter, store.Row{"id": cholID, "test_type_id": lipidID, "name": "Cholesterol", "unit": "mg/dL", "position": 1})
	mustInsert(tableDoctor, store.Row{"id": doctorID, "name": "Dr. Adams"})
	mustInsert(tablePatient, store.Row{"id": patientID, "name": "Jane Roe"})

	return &fixture{st: st, catalog: NewCatalog(st), results: NewResultRepo(st)}
}

func validFields() HeaderFields {
	return HeaderFields{
		PatientID:  patientID.String(),
		DoctorID:   doctorID.String(),
		ResultDate: "2024-03-05",
		Price:      "45.50",
	}
}

func (f *fixture) params(t *testing.T, typeID uuid.UUID) []TestParameter {
	t.Helper()
	params, err := f.catalog.ListParameters(context.Background(), typeID)
	if err != nil {
		t.Fatalf("list parameters: %v", err)
	}
	return params
}

// readyPanel selects typeIDs and completes their loads synchronously.
func (f *fixture) readyPanel(t *testing.T, typeIDs ...uuid.UUID) *Panel {
	t.Helper()
	p := NewPanel()
	for _, id := range typeIDs {
		p = f.addReady(t, p, id)
	}
	return p
}

func (f *fixture) addReady(t *testing.T, p *Panel, typeID uuid.UUID) *Panel {
	t.Helper()
	next, ticket, ok := p.Select(typeID)
	if !ok {
		t.Fatalf("select %s: already selected", typeID)
	}
	next, ok = next.CompleteLoad(ticket, f.params(t, typeID))
	if !ok {
		t.Fatalf("complete load %s: stale ticket", typeID)
	}
	return next
}

// seedResult stores a header and one value row per entry of values, in order.
func (f *fixture) seedResult(t *testing.T, values ...StoredValue) *ResultHeader {
	t.Helper()
	ctx := context.Background()
	h := &ResultHeader{
		PatientID:  patientID,
		DoctorID:   doctorID,
		ResultDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Status:     StatusPending,
	}
	if err := f.results.CreateHeader(ctx, h); err != nil {
		t.Fatalf("seed header: %v", err)
	}
	for i := range values {
		values[i].ResultID = h.ID
	}
	if err := f.results.UpsertValues(ctx, values); err != nil {
		t.Fatalf("seed values: %v", err)
	}
	return h
}

func (f *fixture) storedValues(t *testing.T, resultID uuid.UUID) map[uuid.UUID]string {
	t.Helper()
	values, err := f.results.ListValues(context.Background(), resultID)
	if err != nil {
		t.Fatalf("list values: %v", err)
	}
	out := make(map[uuid.UUID]string, len(values))
	for _, v := range values {
		out[v.ParameterID] = v.Value
	}
	return out
}

func (f *fixture) deps() SessionDeps {
	return f.depsWith(f.catalog)
}

func (f *fixture) depsWith(catalog Catalog) SessionDeps {
	log := zerolog.Nop()
	return SessionDeps{
		Loader:      NewParameterLoader(catalog, time.Second, log, nil),
		Coordinator: NewCoordinator(f.results, log, nil),
		Log:         log,
	}
}

// gatedCatalog holds ListParameters calls until their type's gate is opened.
type gatedCatalog struct {
	Catalog
	// ignoreCancel keeps a blocked call waiting after its context is done,
	// as a backend that does not honour cancellation would.
	ignoreCancel bool

	mu      sync.Mutex
	gates   map[uuid.UUID]chan struct{}
	started chan uuid.UUID
}

func newGatedCatalog(inner Catalog) *gatedCatalog {
	return &gatedCatalog{
		Catalog: inner,
		gates:   make(map[uuid.UUID]chan struct{}),
		started: make(chan uuid.UUID, 16),
	}
}

func (g *gatedCatalog) gate(typeID uuid.UUID) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.gates[typeID]
	if !ok {
		ch = make(chan struct{})
		g.gates[typeID] = ch
	}
	return ch
}

func (g *gatedCatalog) open(typeID uuid.UUID) {
	close(g.gate(typeID))
}

func (g *gatedCatalog) ListParameters(ctx context.Context, typeID uuid.UUID) ([]TestParameter, error) {
	g.started <- typeID
	gate := g.gate(typeID)
	if g.ignoreCancel {
		<-gate
	} else {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.Catalog.ListParameters(context.Background(), typeID)
}

func (g *gatedCatalog) awaitStart(t *testing.T, typeID uuid.UUID) {
	t.Helper()
	select {
	case got := <-g.started:
		if got != typeID {
			t.Fatalf("expected load of %s to start, got %s", typeID, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("load of %s never started", typeID)
	}
}
