package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ricmars/visualization-sub001/pkg/models"
)

// Memory is an in-process Store used by tests and by storage.driver=memory.
// Records are deep-copied on the way in and out.
type Memory struct {
	mu     sync.RWMutex
	nextID int64
	cases  map[int64]*models.WorkflowCase
	fields map[int64]*models.Field
	views  map[int64]*models.View
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		cases:  make(map[int64]*models.WorkflowCase),
		fields: make(map[int64]*models.Field),
		views:  make(map[int64]*models.View),
	}
}

func clone[T any](v *T) *T {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("repository: cloning %T: %v", v, err))
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		panic(fmt.Sprintf("repository: cloning %T: %v", v, err))
	}
	return &out
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

// InTx runs fn directly; the memory store has no transactions.
func (m *Memory) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (m *Memory) CreateCase(_ context.Context, c *models.WorkflowCase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Model.Stages == nil {
		c.Model.Stages = []models.Stage{}
	}
	now := time.Now().UTC()
	c.ID = m.id()
	c.CreatedAt, c.UpdatedAt = now, now
	m.cases[c.ID] = clone(c)
	return nil
}

func (m *Memory) GetCase(_ context.Context, id int64) (*models.WorkflowCase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cases[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

func (m *Memory) ListCases(_ context.Context) ([]*models.WorkflowCase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.WorkflowCase, 0, len(m.cases))
	for _, c := range m.cases {
		out = append(out, clone(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateCase(_ context.Context, c *models.WorkflowCase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.cases[c.ID]
	if !ok {
		return ErrNotFound
	}
	c.CreatedAt = cur.CreatedAt
	c.UpdatedAt = time.Now().UTC()
	m.cases[c.ID] = clone(c)
	return nil
}

func (m *Memory) DeleteCase(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cases[id]; !ok {
		return ErrNotFound
	}
	delete(m.cases, id)
	for fid, f := range m.fields {
		if f.CaseID == id {
			delete(m.fields, fid)
		}
	}
	for vid, v := range m.views {
		if v.CaseID == id {
			delete(m.views, vid)
		}
	}
	return nil
}

func (m *Memory) fieldNameTaken(caseID int64, name string, except int64) bool {
	for _, f := range m.fields {
		if f.CaseID == caseID && f.Name == name && f.ID != except {
			return true
		}
	}
	return false
}

func (m *Memory) CreateField(_ context.Context, f *models.Field) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cases[f.CaseID]; !ok {
		return fmt.Errorf("%w: case %d", ErrNotFound, f.CaseID)
	}
	if m.fieldNameTaken(f.CaseID, f.Name, 0) {
		return fmt.Errorf("%w: field %q already exists", ErrConflict, f.Name)
	}
	f.ID = m.id()
	m.fields[f.ID] = clone(f)
	return nil
}

func (m *Memory) GetField(_ context.Context, id int64) (*models.Field, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.fields[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(f), nil
}

func (m *Memory) GetFieldByName(_ context.Context, caseID int64, name string) (*models.Field, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, f := range m.fields {
		if f.CaseID == caseID && f.Name == name {
			return clone(f), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListFields(_ context.Context, caseID int64) ([]*models.Field, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Field
	for _, f := range m.fields {
		if f.CaseID == caseID {
			out = append(out, clone(f))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) UpdateField(_ context.Context, f *models.Field) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.fields[f.ID]; !ok {
		return ErrNotFound
	}
	if m.fieldNameTaken(f.CaseID, f.Name, f.ID) {
		return fmt.Errorf("%w: field %q already exists", ErrConflict, f.Name)
	}
	m.fields[f.ID] = clone(f)
	return nil
}

func (m *Memory) DeleteField(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.fields[id]; !ok {
		return ErrNotFound
	}
	delete(m.fields, id)
	return nil
}

func (m *Memory) viewNameTaken(caseID int64, name string, except int64) bool {
	for _, v := range m.views {
		if v.CaseID == caseID && v.Name == name && v.ID != except {
			return true
		}
	}
	return false
}

func (m *Memory) CreateView(_ context.Context, v *models.View) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cases[v.CaseID]; !ok {
		return fmt.Errorf("%w: case %d", ErrNotFound, v.CaseID)
	}
	if m.viewNameTaken(v.CaseID, v.Name, 0) {
		return fmt.Errorf("%w: view %q already exists", ErrConflict, v.Name)
	}
	v.ID = m.id()
	m.views[v.ID] = clone(v)
	return nil
}

func (m *Memory) GetView(_ context.Context, id int64) (*models.View, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.views[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(v), nil
}

func (m *Memory) GetViewByName(_ context.Context, caseID int64, name string) (*models.View, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.views {
		if v.CaseID == caseID && v.Name == name {
			return clone(v), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListViews(_ context.Context, caseID int64) ([]*models.View, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.View
	for _, v := range m.views {
		if v.CaseID == caseID {
			out = append(out, clone(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateView(_ context.Context, v *models.View) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.views[v.ID]; !ok {
		return ErrNotFound
	}
	if m.viewNameTaken(v.CaseID, v.Name, v.ID) {
		return fmt.Errorf("%w: view %q already exists", ErrConflict, v.Name)
	}
	m.views[v.ID] = clone(v)
	return nil
}

func (m *Memory) DeleteView(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.views[id]; !ok {
		return ErrNotFound
	}
	delete(m.views, id)
	return nil
}

func (m *Memory) Restore(_ context.Context, entity models.EntityType, snapshot json.RawMessage) error {
	row, err := decodeSnapshot(entity, snapshot)
	if err != nil {
		return fmt.Errorf("decoding %s snapshot: %w", entity, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch r := row.(type) {
	case *models.WorkflowCase:
		m.cases[r.ID] = r
		m.bump(r.ID)
	case *models.Field:
		m.fields[r.ID] = r
		m.bump(r.ID)
	case *models.View:
		m.views[r.ID] = r
		m.bump(r.ID)
	}
	return nil
}

func (m *Memory) bump(id int64) {
	if id > m.nextID {
		m.nextID = id
	}
}

func (m *Memory) Remove(_ context.Context, entity models.EntityType, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch entity {
	case models.EntityCase:
		delete(m.cases, id)
	case models.EntityField:
		delete(m.fields, id)
	case models.EntityView:
		delete(m.views, id)
	default:
		return fmt.Errorf("unknown entity type %s", entity)
	}
	return nil
}
