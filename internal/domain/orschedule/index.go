package orschedule

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// ResourceKind names the three exclusive resource types a case consumes.
type ResourceKind string

const (
	ResourceRoom      ResourceKind = "room"
	ResourceSurgeon   ResourceKind = "surgeon"
	ResourceEquipment ResourceKind = "equipment"
)

func resourceKey(kind ResourceKind, id uuid.UUID) string {
	return string(kind) + ":" + id.String()
}

type booking struct {
	caseID uuid.UUID
	iv     Interval
}

// Index is the resource availability view for one operation. It is built
// from a snapshot and never shared between operations.
type Index struct {
	turnover time.Duration
	byKey    map[string][]booking
	cases    map[uuid.UUID]*SurgicalCase
}

// NewIndex builds an index over every case that currently holds resources.
// Room bookings are padded by turnover.
func NewIndex(cases []*SurgicalCase, turnover time.Duration) *Index {
	ix := &Index{
		turnover: turnover,
		byKey:    make(map[string][]booking),
		cases:    make(map[uuid.UUID]*SurgicalCase),
	}
	for _, c := range cases {
		ix.Add(c)
	}
	return ix
}

// Add registers a case's bookings. Cases that hold no resources are ignored.
func (ix *Index) Add(c *SurgicalCase) {
	if !c.HoldsResources() {
		return
	}
	ix.Remove(c.ID)
	iv, _ := c.Interval()
	ix.cases[c.ID] = c
	ix.put(resourceKey(ResourceRoom, *c.RoomID), booking{c.ID, iv.Pad(ix.turnover)})
	ix.put(resourceKey(ResourceSurgeon, c.SurgeonID), booking{c.ID, iv})
	for _, eq := range c.EquipmentIDs {
		ix.put(resourceKey(ResourceEquipment, eq), booking{c.ID, iv})
	}
}

func (ix *Index) put(key string, b booking) {
	list := ix.byKey[key]
	i := sort.Search(len(list), func(i int) bool { return !list[i].iv.Start.Before(b.iv.Start) })
	list = append(list, booking{})
	copy(list[i+1:], list[i:])
	list[i] = b
	ix.byKey[key] = list
}

// Remove drops every booking held by the case.
func (ix *Index) Remove(caseID uuid.UUID) {
	c, ok := ix.cases[caseID]
	if !ok {
		return
	}
	delete(ix.cases, caseID)
	keys := []string{resourceKey(ResourceRoom, *c.RoomID), resourceKey(ResourceSurgeon, c.SurgeonID)}
	for _, eq := range c.EquipmentIDs {
		keys = append(keys, resourceKey(ResourceEquipment, eq))
	}
	for _, k := range keys {
		list := ix.byKey[k]
		out := list[:0]
		for _, b := range list {
			if b.caseID != caseID {
				out = append(out, b)
			}
		}
		ix.byKey[k] = out
	}
}

// Case returns an indexed case by id.
func (ix *Index) Case(id uuid.UUID) (*SurgicalCase, bool) {
	c, ok := ix.cases[id]
	return c, ok
}

func (ix *Index) query(kind ResourceKind, iv Interval) Interval {
	if kind == ResourceRoom {
		return iv.Pad(ix.turnover)
	}
	return iv
}

// ConflictsWith returns the ids of cases whose booking on the resource
// overlaps iv, ignoring the excluded cases.
func (ix *Index) ConflictsWith(kind ResourceKind, id uuid.UUID, iv Interval, exclude ...uuid.UUID) []uuid.UUID {
	q := ix.query(kind, iv)
	var out []uuid.UUID
	for _, b := range ix.byKey[resourceKey(kind, id)] {
		if !b.iv.Start.Before(q.End) {
			break
		}
		if b.iv.Overlaps(q) && !containsID(exclude, b.caseID) {
			out = append(out, b.caseID)
		}
	}
	return out
}

// IsFree reports whether the resource has no booking overlapping iv.
func (ix *Index) IsFree(kind ResourceKind, id uuid.UUID, iv Interval, exclude ...uuid.UUID) bool {
	return len(ix.ConflictsWith(kind, id, iv, exclude...)) == 0
}

// Busy returns the booked intervals of a resource, padded as stored.
func (ix *Index) Busy(kind ResourceKind, id uuid.UUID, exclude ...uuid.UUID) []Interval {
	var out []Interval
	for _, b := range ix.byKey[resourceKey(kind, id)] {
		if !containsID(exclude, b.caseID) {
			out = append(out, b.iv)
		}
	}
	return out
}

// Placement is a prospective room and window for a case.
type Placement struct {
	RoomID       uuid.UUID
	SurgeonID    uuid.UUID
	EquipmentIDs []uuid.UUID
	Interval     Interval
}

func placementOf(c *SurgicalCase) (Placement, bool) {
	iv, ok := c.Interval()
	if !ok || c.RoomID == nil {
		return Placement{}, false
	}
	return Placement{RoomID: *c.RoomID, SurgeonID: c.SurgeonID, EquipmentIDs: c.EquipmentIDs, Interval: iv}, true
}

// Conflict is one contended resource and the cases holding it.
type Conflict struct {
	Kind       ResourceKind
	ResourceID uuid.UUID
	CaseIDs    []uuid.UUID
}

func (c Conflict) Resource() string {
	return resourceKey(c.Kind, c.ResourceID)
}

func (c Conflict) Err() *Error {
	return NewConflictError(c.Resource(), c.CaseIDs)
}

// Conflicts checks surgeon, room and every equipment id of a placement.
func (ix *Index) Conflicts(p Placement, exclude ...uuid.UUID) []Conflict {
	var out []Conflict
	check := func(kind ResourceKind, id uuid.UUID) {
		if ids := ix.ConflictsWith(kind, id, p.Interval, exclude...); len(ids) > 0 {
			out = append(out, Conflict{Kind: kind, ResourceID: id, CaseIDs: ids})
		}
	}
	check(ResourceSurgeon, p.SurgeonID)
	check(ResourceRoom, p.RoomID)
	for _, eq := range p.EquipmentIDs {
		check(ResourceEquipment, eq)
	}
	return out
}

// busyFor collects the booked intervals that constrain a placement in room.
func (ix *Index) busyFor(roomID, surgeonID uuid.UUID, equipment []uuid.UUID, exclude ...uuid.UUID) []Interval {
	busy := ix.Busy(ResourceSurgeon, surgeonID, exclude...)
	for _, b := range ix.Busy(ResourceRoom, roomID, exclude...) {
		// candidate room windows are padded too, so widen the start side
		busy = append(busy, Interval{Start: b.Start.Add(-ix.turnover), End: b.End})
	}
	for _, eq := range equipment {
		busy = append(busy, ix.Busy(ResourceEquipment, eq, exclude...)...)
	}
	return busy
}

// earliestFit returns the first start >= notBefore such that
// [start, start+d) lies inside window and overlaps none of busy.
func earliestFit(window Interval, d time.Duration, busy []Interval, notBefore time.Time) (time.Time, bool) {
	cursor := window.Start
	if notBefore.After(cursor) {
		cursor = notBefore
	}
	sorted := append([]Interval(nil), busy...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })
	for _, b := range sorted {
		if !b.End.After(cursor) {
			continue
		}
		if !b.Start.Before(cursor.Add(d)) {
			break
		}
		cursor = b.End
	}
	if cursor.Add(d).After(window.End) {
		return time.Time{}, false
	}
	return cursor, true
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
