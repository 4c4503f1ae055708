package orschedule

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Snapshot is a consistent read of everything that constrains scheduling in
// a window, together with the schedule versions it was read at.
type Snapshot struct {
	Window    Interval
	Cases     []*SurgicalCase
	Blocks    []*ORBlock
	Rooms     []*Room
	Equipment []*Equipment
	Versions  map[string]int64
	TakenAt   time.Time
}

// Version returns the version of a key at snapshot time. Keys never written
// are at version zero.
func (s *Snapshot) Version(key string) int64 {
	return s.Versions[key]
}

func (s *Snapshot) Room(id uuid.UUID) (*Room, bool) {
	for _, r := range s.Rooms {
		if r.ID == id {
			return r, true
		}
	}
	return nil, false
}

func (s *Snapshot) equipmentByID() map[uuid.UUID]*Equipment {
	out := make(map[uuid.UUID]*Equipment, len(s.Equipment))
	for _, e := range s.Equipment {
		out[e.ID] = e
	}
	return out
}

// CaseWrite is an update of an existing case guarded by its row version.
// Before is the row as the caller read it; its placement is needed to
// invalidate the schedule versions it used to occupy.
type CaseWrite struct {
	Case          *SurgicalCase
	Before        *SurgicalCase
	ExpectVersion int64
}

// Commit is an atomic set of case writes. Expect holds schedule versions
// read from a snapshot; any mismatch rejects the whole commit.
type Commit struct {
	// Location decides which calendar day a placement belongs to.
	Location *time.Location
	Expect   map[string]int64
	Inserts  []*SurgicalCase
	Updates  []CaseWrite
}

// BumpKeys returns every schedule-version key the commit invalidates.
func (c *Commit) BumpKeys() []string {
	seen := make(map[string]bool)
	var keys []string
	add := func(sc *SurgicalCase) {
		if sc == nil {
			return
		}
		for _, k := range versionKeys(sc, c.Location) {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	for _, sc := range c.Inserts {
		add(sc)
	}
	for _, w := range c.Updates {
		add(w.Before)
		add(w.Case)
	}
	return keys
}

// BlockFilter narrows ListBlocks. A nil range returns every block.
type BlockFilter struct {
	SurgeonID *uuid.UUID
	RoomID    *uuid.UUID
	Range     *DateRange
}

// CaseFilter narrows ListCases. Range matches on scheduled start.
type CaseFilter struct {
	RoomID    *uuid.UUID
	SurgeonID *uuid.UUID
	BlockID   *uuid.UUID
	PatientID *uuid.UUID
	Status    *Status
	Range     *DateRange
	Limit     int
	Offset    int
}

// DurationSample is one completed case used for duration prediction.
type DurationSample struct {
	SurgeonID uuid.UUID
	Minutes   int
}

// PatientHistory summarizes a patient's past cases.
type PatientHistory struct {
	TotalCases     int
	CancelledCases int
}

// HistorySource is the read side the duration predictor needs.
type HistorySource interface {
	DurationHistory(ctx context.Context, procedureCode string) ([]DurationSample, error)
}

// Store is the durable, versioned repository behind the engine.
type Store interface {
	HistorySource

	LoadSnapshot(ctx context.Context, window Interval) (*Snapshot, error)
	CommitWithVersion(ctx context.Context, c *Commit) error

	CreateBlock(ctx context.Context, b *ORBlock) error
	GetBlock(ctx context.Context, id uuid.UUID) (*ORBlock, error)
	ListBlocks(ctx context.Context, f BlockFilter) ([]*ORBlock, error)
	RetireBlock(ctx context.Context, id uuid.UUID, effectiveTo time.Time) error

	GetCase(ctx context.Context, id uuid.UUID) (*SurgicalCase, error)
	ListCases(ctx context.Context, f CaseFilter) ([]*SurgicalCase, int, error)

	CreateRoom(ctx context.Context, r *Room) error
	GetRoom(ctx context.Context, id uuid.UUID) (*Room, error)
	ListRooms(ctx context.Context) ([]*Room, error)

	CreateEquipment(ctx context.Context, e *Equipment) error
	GetEquipment(ctx context.Context, id uuid.UUID) (*Equipment, error)
	SetEquipmentInService(ctx context.Context, id uuid.UUID, inService bool) error

	PatientHistory(ctx context.Context, patientID uuid.UUID) (*PatientHistory, error)
	// CancellationLeadDays returns, for every cancelled case, how many days
	// before its scheduled start the cancellation happened.
	CancellationLeadDays(ctx context.Context) ([]float64, error)
}

const dayVersionPrefix = "day:"

// versionKeys lists the schedule-version keys a placed case occupies: the
// day itself and each resource on that day.
func versionKeys(c *SurgicalCase, loc *time.Location) []string {
	iv, ok := c.Interval()
	if !ok || c.RoomID == nil {
		return nil
	}
	if loc == nil {
		loc = time.UTC
	}
	days := []time.Time{startOfDay(iv.Start.In(loc))}
	if last := startOfDay(iv.End.Add(-time.Minute).In(loc)); !last.Equal(days[0]) {
		days = append(days, last)
	}
	var keys []string
	for _, d := range days {
		dk := dayKey(d)
		keys = append(keys,
			dayVersionPrefix+dk,
			resourceKey(ResourceRoom, *c.RoomID)+"@"+dk,
			resourceKey(ResourceSurgeon, c.SurgeonID)+"@"+dk,
		)
		for _, eq := range c.EquipmentIDs {
			keys = append(keys, resourceKey(ResourceEquipment, eq)+"@"+dk)
		}
	}
	return keys
}

// expectFor pins the snapshot versions of the resource keys a case placement
// touches. The day key is bumped by every commit but only pinned by
// ApplyProposal, so unrelated rooms commit concurrently.
func expectFor(snap *Snapshot, loc *time.Location, cases ...*SurgicalCase) map[string]int64 {
	out := make(map[string]int64)
	for _, c := range cases {
		for _, k := range versionKeys(c, loc) {
			if strings.HasPrefix(k, dayVersionPrefix) {
				continue
			}
			out[k] = snap.Version(k)
		}
	}
	return out
}

func dayVersionKey(day time.Time, loc *time.Location) string {
	return dayVersionPrefix + dayKey(day.In(loc))
}

// versionKeyDay extracts the YYYY-MM-DD day a version key belongs to.
func versionKeyDay(key string) string {
	if len(key) < 10 {
		return ""
	}
	return key[len(key)-10:]
}
