package orschedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority is the clinical urgency of a surgical case.
type Priority string

const (
	PriorityRoutine  Priority = "routine"
	PriorityUrgent   Priority = "urgent"
	PriorityEmergent Priority = "emergent"
)

var priorityRank = map[Priority]int{
	PriorityRoutine:  0,
	PriorityUrgent:   1,
	PriorityEmergent: 2,
}

func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// Rank orders priorities: routine < urgent < emergent.
func (p Priority) Rank() int {
	return priorityRank[p]
}

func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if p == "" {
		return PriorityRoutine, nil
	}
	if !p.Valid() {
		return "", NewValidationError("invalid priority %q", s)
	}
	return p, nil
}

// Status is the lifecycle state of a surgical case.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusConfirmed, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether a case in this status occupies its room, surgeon
// and equipment.
func (s Status) Active() bool {
	return s == StatusScheduled || s == StatusConfirmed || s == StatusInProgress
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Movable reports whether the optimizer or emergency inserter may change the
// placement of a case in this status.
func (s Status) Movable() bool {
	return s == StatusScheduled || s == StatusConfirmed
}

// TimeOfDay is a wall-clock time expressed in minutes after midnight.
type TimeOfDay int

const minutesPerDay = 24 * 60

func NewTimeOfDay(hour, minute int) TimeOfDay {
	return TimeOfDay(hour*60 + minute)
}

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return 0, NewValidationError("invalid time of day %q, expected HH:MM", s)
	}
	if h < 0 || h > 24 || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, NewValidationError("invalid time of day %q", s)
	}
	return NewTimeOfDay(h, m), nil
}

func (t TimeOfDay) Valid() bool {
	return t >= 0 && t <= minutesPerDay
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("time of day must be \"HH:MM\": %w", err)
		}
		*t = TimeOfDay(n)
		return nil
	}
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// On returns the instant this time of day falls on for the given day.
func (t TimeOfDay) On(day time.Time) time.Time {
	d := startOfDay(day)
	return d.Add(time.Duration(t) * time.Minute)
}

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func NewInterval(start time.Time, minutes int) Interval {
	return Interval{Start: start, End: start.Add(time.Duration(minutes) * time.Minute)}
}

func (i Interval) Valid() bool {
	return !i.Start.IsZero() && i.End.After(i.Start)
}

func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

func (i Interval) Contains(o Interval) bool {
	return !o.Start.Before(i.Start) && !o.End.After(i.End)
}

func (i Interval) Minutes() int {
	return int(i.End.Sub(i.Start) / time.Minute)
}

func (i Interval) Pad(after time.Duration) Interval {
	return Interval{Start: i.Start, End: i.End.Add(after)}
}

// DateRange is a half-open range of calendar days [From, To).
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (r DateRange) Valid() bool {
	return !r.From.IsZero() && r.To.After(r.From)
}

// Days returns the start of each calendar day in the range.
func (r DateRange) Days() []time.Time {
	var days []time.Time
	for d := startOfDay(r.From); d.Before(r.To); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

func (r DateRange) Interval() Interval {
	return Interval{Start: r.From, End: r.To}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// ORBlock maps to the or_block table: a recurring reservation of a room for a
// surgeon on one weekday.
type ORBlock struct {
	ID            uuid.UUID    `db:"id" json:"id"`
	SurgeonID     uuid.UUID    `db:"surgeon_id" json:"surgeon_id"`
	RoomID        uuid.UUID    `db:"room_id" json:"room_id"`
	Weekday       time.Weekday `db:"weekday" json:"weekday"`
	StartTime     TimeOfDay    `db:"start_minute" json:"start_time"`
	EndTime       TimeOfDay    `db:"end_minute" json:"end_time"`
	EffectiveFrom time.Time    `db:"effective_from" json:"effective_from"`
	EffectiveTo   *time.Time   `db:"effective_to" json:"effective_to,omitempty"`
	Recurring     bool         `db:"recurring" json:"recurring"`
	BlockType     *string      `db:"block_type" json:"block_type,omitempty"`
	Specialty     *string      `db:"specialty" json:"specialty,omitempty"`
	Note          *string      `db:"note" json:"note,omitempty"`
	CreatedAt     time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at" json:"updated_at"`
}

// ActiveOn reports whether the block has an occurrence on the given day.
// EffectiveTo is exclusive.
func (b *ORBlock) ActiveOn(day time.Time) bool {
	d := startOfDay(day)
	from := startOfDay(b.EffectiveFrom.In(day.Location()))
	if d.Before(from) {
		return false
	}
	if b.EffectiveTo != nil && !d.Before(startOfDay(b.EffectiveTo.In(day.Location()))) {
		return false
	}
	if !b.Recurring {
		return d.Equal(from)
	}
	return d.Weekday() == b.Weekday
}

// Occurrence returns the block's interval on the given day. Callers check
// ActiveOn first.
func (b *ORBlock) Occurrence(day time.Time) Interval {
	return Interval{Start: b.StartTime.On(day), End: b.EndTime.On(day)}
}

// Occurrences lists every occurrence of the block inside r.
func (b *ORBlock) Occurrences(r DateRange) []Interval {
	var out []Interval
	for _, d := range r.Days() {
		if b.ActiveOn(d) {
			out = append(out, b.Occurrence(d))
		}
	}
	return out
}

// Room maps to the or_room table.
type Room struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Specialty *string   `db:"specialty" json:"specialty,omitempty"`
	IsActive  bool      `db:"is_active" json:"is_active"`
	OpenTime  TimeOfDay `db:"open_minute" json:"open_time"`
	CloseTime TimeOfDay `db:"close_minute" json:"close_time"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

const emergencySpecialty = "emergency"

func (r *Room) IsEmergency() bool {
	return r.Specialty != nil && strings.EqualFold(*r.Specialty, emergencySpecialty)
}

// Hours returns the room's open window on the given day.
func (r *Room) Hours(day time.Time) Interval {
	return Interval{Start: r.OpenTime.On(day), End: r.CloseTime.On(day)}
}

// Equipment maps to the or_equipment table.
type Equipment struct {
	ID            uuid.UUID `db:"id" json:"id"`
	Name          string    `db:"name" json:"name"`
	EquipmentType *string   `db:"equipment_type" json:"equipment_type,omitempty"`
	InService     bool      `db:"in_service" json:"in_service"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// SurgicalCase maps to the or_case table.
type SurgicalCase struct {
	ID               uuid.UUID   `db:"id" json:"id"`
	PatientID        uuid.UUID   `db:"patient_id" json:"patient_id"`
	SurgeonID        uuid.UUID   `db:"surgeon_id" json:"surgeon_id"`
	ProcedureCode    string      `db:"procedure_code" json:"procedure_code"`
	RoomID           *uuid.UUID  `db:"room_id" json:"room_id,omitempty"`
	BlockID          *uuid.UUID  `db:"block_id" json:"block_id,omitempty"`
	ScheduledStart   *time.Time  `db:"scheduled_start" json:"scheduled_start,omitempty"`
	EstimatedMinutes int         `db:"estimated_minutes" json:"estimated_minutes"`
	ActualStart      *time.Time  `db:"actual_start" json:"actual_start,omitempty"`
	ActualEnd        *time.Time  `db:"actual_end" json:"actual_end,omitempty"`
	ActualMinutes    *int        `db:"actual_minutes" json:"actual_minutes,omitempty"`
	Priority         Priority    `db:"priority" json:"priority"`
	Status           Status      `db:"status" json:"status"`
	EquipmentIDs     []uuid.UUID `db:"equipment_ids" json:"equipment_ids"`
	AnesthesiaType   *string     `db:"anesthesia_type" json:"anesthesia_type,omitempty"`
	NeedsRebooking   bool        `db:"needs_rebooking" json:"needs_rebooking"`
	DisplacedBy      *uuid.UUID  `db:"displaced_by" json:"displaced_by,omitempty"`
	CancelReason     *string     `db:"cancel_reason" json:"cancel_reason,omitempty"`
	CancelledAt      *time.Time  `db:"cancelled_at" json:"cancelled_at,omitempty"`
	Note             *string     `db:"note" json:"note,omitempty"`
	Version          int64       `db:"version" json:"version"`
	CreatedAt        time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time   `db:"updated_at" json:"updated_at"`
}

// Placed reports whether the case currently has a room and a start time.
func (c *SurgicalCase) Placed() bool {
	return c.RoomID != nil && c.ScheduledStart != nil
}

// Interval returns the scheduled window. ok is false for unplaced cases.
func (c *SurgicalCase) Interval() (Interval, bool) {
	if c.ScheduledStart == nil {
		return Interval{}, false
	}
	return NewInterval(*c.ScheduledStart, c.EstimatedMinutes), true
}

// HoldsResources reports whether the case currently occupies its room,
// surgeon and equipment.
func (c *SurgicalCase) HoldsResources() bool {
	return c.Placed() && c.Status.Active()
}

// Clone returns a deep copy.
func (c *SurgicalCase) Clone() *SurgicalCase {
	cp := *c
	cp.RoomID = cloneUUID(c.RoomID)
	cp.BlockID = cloneUUID(c.BlockID)
	cp.DisplacedBy = cloneUUID(c.DisplacedBy)
	cp.ScheduledStart = cloneTime(c.ScheduledStart)
	cp.ActualStart = cloneTime(c.ActualStart)
	cp.ActualEnd = cloneTime(c.ActualEnd)
	cp.CancelledAt = cloneTime(c.CancelledAt)
	if c.ActualMinutes != nil {
		v := *c.ActualMinutes
		cp.ActualMinutes = &v
	}
	if c.EquipmentIDs != nil {
		cp.EquipmentIDs = append([]uuid.UUID(nil), c.EquipmentIDs...)
	}
	return &cp
}

// EquipmentReservation is the exclusive hold a case places on one piece of
// equipment for its scheduled window.
type EquipmentReservation struct {
	EquipmentID uuid.UUID `json:"equipment_id"`
	CaseID      uuid.UUID `json:"case_id"`
	Interval    Interval  `json:"interval"`
}

// Reservations derives the equipment reservations held by a case. Cases that
// are terminal or waiting for rebooking hold none.
func (c *SurgicalCase) Reservations() []EquipmentReservation {
	if !c.HoldsResources() {
		return nil
	}
	iv, _ := c.Interval()
	out := make([]EquipmentReservation, 0, len(c.EquipmentIDs))
	for _, id := range c.EquipmentIDs {
		out = append(out, EquipmentReservation{EquipmentID: id, CaseID: c.ID, Interval: iv})
	}
	return out
}

func cloneUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func uuidPtr(id uuid.UUID) *uuid.UUID { return &id }

func timePtr(t time.Time) *time.Time { return &t }

func strPtr(s string) *string { return &s }
