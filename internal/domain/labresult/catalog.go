package labresult

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/labdesk/labdesk/internal/platform/store"
)

// Table names.
const (
	tableCategory  = "category"
	tableTestType  = "test_type"
	tableParameter = "test_parameter"
	tableDoctor    = "doctor"
	tablePatient   = "patient"
	tableResult    = "result"
	tableValue     = "result_value"
)

// Catalog is the read-only reference data the engine composes panels from.
type Catalog interface {
	ListCategories(ctx context.Context) ([]TestCategoryView, error)
	ListTestTypes(ctx context.Context) ([]TestType, error)
	ListTestTypesPage(ctx context.Context, limit, offset int) ([]TestType, error)
	ListParameters(ctx context.Context, typeID uuid.UUID) ([]TestParameter, error)
	ListParametersForTypes(ctx context.Context, typeIDs []uuid.UUID) ([]TestParameter, error)
	ListDoctors(ctx context.Context) ([]Party, error)
	ListPatients(ctx context.Context) ([]Party, error)
}

// Party is a doctor or patient a result header refers to.
type Party struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// TestCategoryView is a category together with its test types.
type TestCategoryView struct {
	Category
	TestTypes []TestType `json:"test_types"`
}

// StoreCatalog reads the catalog tables through a store.Store.
type StoreCatalog struct {
	st store.Store
}

func NewCatalog(st store.Store) *StoreCatalog {
	return &StoreCatalog{st: st}
}

func (c *StoreCatalog) ListCategories(ctx context.Context) ([]TestCategoryView, error) {
	rows, err := c.st.Select(ctx, tableCategory, store.Filter{}.Ordered("name"))
	if err != nil {
		return nil, fmt.Errorf("list categories: %w: %w", ErrCatalogUnavailable, err)
	}
	types, err := c.ListTestTypes(ctx)
	if err != nil {
		return nil, err
	}
	byCategory := make(map[uuid.UUID][]TestType)
	for _, t := range types {
		if t.CategoryID != nil {
			byCategory[*t.CategoryID] = append(byCategory[*t.CategoryID], t)
		}
	}
	out := make([]TestCategoryView, 0, len(rows))
	for _, r := range rows {
		id, err := r.UUID("id")
		if err != nil {
			return nil, fmt.Errorf("list categories: %w: %w", ErrCatalogUnavailable, err)
		}
		tt := byCategory[id]
		if tt == nil {
			tt = []TestType{}
		}
		out = append(out, TestCategoryView{Category: Category{ID: id, Name: r.String("name")}, TestTypes: tt})
	}
	return out, nil
}

func (c *StoreCatalog) ListTestTypes(ctx context.Context) ([]TestType, error) {
	return c.ListTestTypesPage(ctx, 0, 0)
}

// ListTestTypesPage lists test types by name. A zero limit lists all of them.
func (c *StoreCatalog) ListTestTypesPage(ctx context.Context, limit, offset int) ([]TestType, error) {
	rows, err := c.st.Select(ctx, tableTestType, store.Filter{}.Ordered("name", "id").Page(limit, offset))
	if err != nil {
		return nil, fmt.Errorf("list test types: %w: %w", ErrCatalogUnavailable, err)
	}
	types := make([]TestType, 0, len(rows))
	for _, r := range rows {
		t, err := scanTestType(r)
		if err != nil {
			return nil, fmt.Errorf("list test types: %w: %w", ErrCatalogUnavailable, err)
		}
		types = append(types, t)
	}
	return types, nil
}

func (c *StoreCatalog) ListParameters(ctx context.Context, typeID uuid.UUID) ([]TestParameter, error) {
	params, err := c.selectParameters(ctx, store.Where(store.Eq("test_type_id", typeID)))
	if err != nil {
		return nil, fmt.Errorf("list parameters for %s: %w: %w", typeID, ErrCatalogUnavailable, err)
	}
	return params, nil
}

func (c *StoreCatalog) ListParametersForTypes(ctx context.Context, typeIDs []uuid.UUID) ([]TestParameter, error) {
	if len(typeIDs) == 0 {
		return nil, nil
	}
	params, err := c.selectParameters(ctx, store.Where(store.In("test_type_id", typeIDs)))
	if err != nil {
		return nil, fmt.Errorf("list parameters for %d types: %w: %w", len(typeIDs), ErrCatalogUnavailable, err)
	}
	return params, nil
}

func (c *StoreCatalog) selectParameters(ctx context.Context, f store.Filter) ([]TestParameter, error) {
	rows, err := c.st.Select(ctx, tableParameter, f.Ordered("test_type_id", "position", "name"))
	if err != nil {
		return nil, err
	}
	params := make([]TestParameter, 0, len(rows))
	for _, r := range rows {
		p, err := scanParameter(r)
		if err != nil {
			return nil, err
		}
		params = append(params, p)
	}
	return params, nil
}

func scanTestType(r store.Row) (TestType, error) {
	var t TestType
	var err error
	if t.ID, err = r.UUID("id"); err != nil {
		return t, err
	}
	t.Name = r.String("name")
	if t.CategoryID, err = r.NullUUID("category_id"); err != nil {
		return t, err
	}
	return t, nil
}

func scanParameter(r store.Row) (TestParameter, error) {
	var p TestParameter
	var err error
	if p.ID, err = r.UUID("id"); err != nil {
		return p, err
	}
	if p.TestTypeID, err = r.UUID("test_type_id"); err != nil {
		return p, err
	}
	p.Name = r.String("name")
	p.Unit = r.NullString("unit")
	p.ReferenceRange = r.NullString("reference_range")
	p.Description = r.NullString("description")
	p.Position = r.Int("position")
	return p, nil
}

func (c *StoreCatalog) ListDoctors(ctx context.Context) ([]Party, error) {
	return c.listParties(ctx, tableDoctor)
}

func (c *StoreCatalog) ListPatients(ctx context.Context) ([]Party, error) {
	return c.listParties(ctx, tablePatient)
}

func (c *StoreCatalog) listParties(ctx context.Context, table string) ([]Party, error) {
	rows, err := c.st.Select(ctx, table, store.Filter{}.Ordered("name", "id"))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w: %w", table, ErrCatalogUnavailable, err)
	}
	out := make([]Party, 0, len(rows))
	for _, r := range rows {
		id, err := r.UUID("id")
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", table, err)
		}
		out = append(out, Party{ID: id, Name: r.String("name")})
	}
	return out, nil
}
