package orschedule

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used in development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	blocks    map[uuid.UUID]*ORBlock
	cases     map[uuid.UUID]*SurgicalCase
	rooms     map[uuid.UUID]*Room
	equipment map[uuid.UUID]*Equipment
	versions  map[string]int64
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blocks:    make(map[uuid.UUID]*ORBlock),
		cases:     make(map[uuid.UUID]*SurgicalCase),
		rooms:     make(map[uuid.UUID]*Room),
		equipment: make(map[uuid.UUID]*Equipment),
		versions:  make(map[string]int64),
		now:       time.Now,
	}
}

func (m *MemoryStore) LoadSnapshot(_ context.Context, window Interval) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := &Snapshot{Window: window, Versions: make(map[string]int64, len(m.versions)), TakenAt: m.now()}
	for _, c := range m.cases {
		iv, ok := c.Interval()
		if !c.HoldsResources() || !ok || !iv.Overlaps(window) {
			continue
		}
		snap.Cases = append(snap.Cases, c.Clone())
	}
	sort.Slice(snap.Cases, func(i, j int) bool {
		return snap.Cases[i].ScheduledStart.Before(*snap.Cases[j].ScheduledStart)
	})
	for _, b := range m.blocks {
		cp := *b
		snap.Blocks = append(snap.Blocks, &cp)
	}
	sort.Slice(snap.Blocks, func(i, j int) bool { return snap.Blocks[i].StartTime < snap.Blocks[j].StartTime })
	snap.Rooms = m.sortedRooms()
	for _, e := range m.equipment {
		cp := *e
		snap.Equipment = append(snap.Equipment, &cp)
	}
	for k, v := range m.versions {
		snap.Versions[k] = v
	}
	return snap, nil
}

func (m *MemoryStore) CommitWithVersion(_ context.Context, c *Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, v := range c.Expect {
		if m.versions[k] != v {
			return NewStaleScheduleError("schedule changed: %s is at version %d, expected %d", k, m.versions[k], v)
		}
	}
	for _, w := range c.Updates {
		cur, ok := m.cases[w.Case.ID]
		if !ok {
			return NewNotFoundError("case", w.Case.ID)
		}
		if cur.Version != w.ExpectVersion {
			return NewStaleScheduleError("case %s is at version %d, expected %d", cur.ID, cur.Version, w.ExpectVersion)
		}
	}
	for _, sc := range c.Inserts {
		if _, exists := m.cases[sc.ID]; exists {
			return NewValidationError("case %s already exists", sc.ID)
		}
	}

	now := m.now().UTC()
	for _, sc := range c.Inserts {
		cp := sc.Clone()
		cp.Version = 1
		cp.CreatedAt = now
		cp.UpdatedAt = now
		m.cases[cp.ID] = cp
		sc.Version, sc.CreatedAt, sc.UpdatedAt = cp.Version, now, now
	}
	for _, w := range c.Updates {
		cp := w.Case.Clone()
		cp.Version = w.ExpectVersion + 1
		cp.CreatedAt = m.cases[cp.ID].CreatedAt
		cp.UpdatedAt = now
		m.cases[cp.ID] = cp
		w.Case.Version, w.Case.UpdatedAt = cp.Version, now
	}
	for _, k := range c.BumpKeys() {
		m.versions[k]++
	}
	return nil
}

func (m *MemoryStore) CreateBlock(_ context.Context, b *ORBlock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	now := m.now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now
	cp := *b
	m.blocks[b.ID] = &cp
	return nil
}

func (m *MemoryStore) GetBlock(_ context.Context, id uuid.UUID) (*ORBlock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blocks[id]
	if !ok {
		return nil, NewNotFoundError("block", id)
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) ListBlocks(_ context.Context, f BlockFilter) ([]*ORBlock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ORBlock
	for _, b := range m.blocks {
		if f.SurgeonID != nil && b.SurgeonID != *f.SurgeonID {
			continue
		}
		if f.RoomID != nil && b.RoomID != *f.RoomID {
			continue
		}
		if f.Range != nil && len(b.Occurrences(*f.Range)) == 0 {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weekday != out[j].Weekday {
			return out[i].Weekday < out[j].Weekday
		}
		return out[i].StartTime < out[j].StartTime
	})
	return out, nil
}

func (m *MemoryStore) RetireBlock(_ context.Context, id uuid.UUID, effectiveTo time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[id]
	if !ok {
		return NewNotFoundError("block", id)
	}
	b.EffectiveTo = &effectiveTo
	b.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) GetCase(_ context.Context, id uuid.UUID) (*SurgicalCase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cases[id]
	if !ok {
		return nil, NewNotFoundError("case", id)
	}
	return c.Clone(), nil
}

func (m *MemoryStore) ListCases(_ context.Context, f CaseFilter) ([]*SurgicalCase, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*SurgicalCase
	for _, c := range m.cases {
		if !caseMatches(c, f) {
			continue
		}
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].ScheduledStart, out[j].ScheduledStart
		switch {
		case a == nil && b == nil:
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.Before(*b)
	})
	total := len(out)
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, total, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, total, nil
}

func caseMatches(c *SurgicalCase, f CaseFilter) bool {
	if f.RoomID != nil && (c.RoomID == nil || *c.RoomID != *f.RoomID) {
		return false
	}
	if f.SurgeonID != nil && c.SurgeonID != *f.SurgeonID {
		return false
	}
	if f.BlockID != nil && (c.BlockID == nil || *c.BlockID != *f.BlockID) {
		return false
	}
	if f.PatientID != nil && c.PatientID != *f.PatientID {
		return false
	}
	if f.Status != nil && c.Status != *f.Status {
		return false
	}
	if f.Range != nil {
		if c.ScheduledStart == nil {
			return false
		}
		if c.ScheduledStart.Before(f.Range.From) || !c.ScheduledStart.Before(f.Range.To) {
			return false
		}
	}
	return true
}

func (m *MemoryStore) CreateRoom(_ context.Context, r *Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	now := m.now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	cp := *r
	m.rooms[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRoom(_ context.Context, id uuid.UUID) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	if !ok {
		return nil, NewNotFoundError("room", id)
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListRooms(_ context.Context) ([]*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedRooms(), nil
}

func (m *MemoryStore) sortedRooms() []*Room {
	out := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return strings.Compare(out[i].Name, out[j].Name) < 0 })
	return out
}

func (m *MemoryStore) CreateEquipment(_ context.Context, e *Equipment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	now := m.now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	cp := *e
	m.equipment[e.ID] = &cp
	return nil
}

func (m *MemoryStore) GetEquipment(_ context.Context, id uuid.UUID) (*Equipment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.equipment[id]
	if !ok {
		return nil, NewNotFoundError("equipment", id)
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) SetEquipmentInService(_ context.Context, id uuid.UUID, inService bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.equipment[id]
	if !ok {
		return NewNotFoundError("equipment", id)
	}
	e.InService = inService
	e.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) DurationHistory(_ context.Context, procedureCode string) ([]DurationSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []DurationSample
	for _, c := range m.cases {
		if c.Status != StatusCompleted || c.ActualMinutes == nil {
			continue
		}
		if !strings.EqualFold(c.ProcedureCode, procedureCode) {
			continue
		}
		out = append(out, DurationSample{SurgeonID: c.SurgeonID, Minutes: *c.ActualMinutes})
	}
	return out, nil
}

func (m *MemoryStore) PatientHistory(_ context.Context, patientID uuid.UUID) (*PatientHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := &PatientHistory{}
	for _, c := range m.cases {
		if c.PatientID != patientID || !c.Status.Terminal() {
			continue
		}
		h.TotalCases++
		if c.Status == StatusCancelled {
			h.CancelledCases++
		}
	}
	return h, nil
}

func (m *MemoryStore) CancellationLeadDays(_ context.Context) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []float64
	for _, c := range m.cases {
		if c.Status != StatusCancelled || c.CancelledAt == nil || c.ScheduledStart == nil {
			continue
		}
		lead := c.ScheduledStart.Sub(*c.CancelledAt).Hours() / 24
		if lead >= 0 {
			out = append(out, lead)
		}
	}
	sort.Float64s(out)
	return out, nil
}
