package orschedule

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
)

// ScopeKind selects what a utilization report aggregates over.
type ScopeKind string

const (
	ScopeRoom    ScopeKind = "room"
	ScopeSurgeon ScopeKind = "surgeon"
	ScopeBlock   ScopeKind = "block"
	ScopeAll     ScopeKind = "all"
)

type UtilizationScope struct {
	Kind ScopeKind  `json:"kind"`
	ID   *uuid.UUID `json:"id,omitempty"`
}

// UtilizationBreakdown is the per-room share of a report.
type UtilizationBreakdown struct {
	RoomID             uuid.UUID `json:"room_id"`
	RoomName           string    `json:"room_name"`
	AvailableMinutes   int       `json:"available_minutes"`
	UtilizedMinutes    int       `json:"utilized_minutes"`
	UtilizationPercent float64   `json:"utilization_percent"`
	CaseCount          int       `json:"case_count"`
	CancellationCount  int       `json:"cancellation_count"`
}

type UtilizationReport struct {
	Scope              UtilizationScope       `json:"scope"`
	Range              DateRange              `json:"range"`
	UtilizedMinutes    int                    `json:"utilized_minutes"`
	AvailableMinutes   int                    `json:"available_minutes"`
	UtilizationPercent float64                `json:"utilization_percent"`
	CaseCount          int                    `json:"case_count"`
	CompletedCount     int                    `json:"completed_count"`
	CancellationCount  int                    `json:"cancellation_count"`
	CancellationRate   float64                `json:"cancellation_rate"`
	OvertimeMinutes    int                    `json:"overtime_minutes"`
	Breakdown          []UtilizationBreakdown `json:"breakdown,omitempty"`
	Insights           []string               `json:"insights,omitempty"`
}

func (s UtilizationScope) validate() error {
	switch s.Kind {
	case ScopeAll:
		return nil
	case ScopeRoom, ScopeSurgeon, ScopeBlock:
		if s.ID == nil || *s.ID == uuid.Nil {
			return NewValidationError("%s scope requires an id", s.Kind)
		}
		return nil
	}
	return NewValidationError("invalid utilization scope %q", s.Kind)
}

// GetUtilization aggregates utilized and available minutes for the scope over
// r. It never writes.
func (e *Engine) GetUtilization(ctx context.Context, scope UtilizationScope, r DateRange) (_ *UtilizationReport, err error) {
	ctx, end := e.instrument(ctx, "GetUtilization")
	defer func() { end(err) }()

	if scope.Kind == "" {
		scope.Kind = ScopeAll
	}
	if err := scope.validate(); err != nil {
		return nil, err
	}
	if r.From.IsZero() {
		r.From = e.localDay(e.clock())
		r.To = r.From.AddDate(0, 0, e.opts.UtilizationDefaultDays)
	}
	if !r.Valid() {
		return nil, NewValidationError("range end must be after range start")
	}

	var (
		cf     = CaseFilter{Range: &r}
		bf     = BlockFilter{Range: &r}
		blocks []*ORBlock
	)
	switch scope.Kind {
	case ScopeRoom:
		if _, err := e.store.GetRoom(ctx, *scope.ID); err != nil {
			return nil, err
		}
		cf.RoomID, bf.RoomID = scope.ID, scope.ID
	case ScopeSurgeon:
		cf.SurgeonID, bf.SurgeonID = scope.ID, scope.ID
	case ScopeBlock:
		b, err := e.store.GetBlock(ctx, *scope.ID)
		if err != nil {
			return nil, err
		}
		cf.BlockID = scope.ID
		blocks = []*ORBlock{b}
	}
	if scope.Kind != ScopeBlock {
		if blocks, err = e.store.ListBlocks(ctx, bf); err != nil {
			return nil, fmt.Errorf("list blocks: %w", err)
		}
	}
	cases, _, err := e.store.ListCases(ctx, cf)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	rooms, err := e.store.ListRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return e.aggregateUtilization(scope, r, cases, blocks, rooms), nil
}

// aggregateUtilization is the pure core of GetUtilization. Available minutes
// come from block occurrences; room and hospital-wide scopes without any
// block fall back to room opening hours.
func (e *Engine) aggregateUtilization(scope UtilizationScope, r DateRange, cases []*SurgicalCase, blocks []*ORBlock, rooms []*Room) *UtilizationReport {
	rep := &UtilizationReport{Scope: scope, Range: r}
	roomByID := make(map[uuid.UUID]*Room, len(rooms))
	for _, rm := range rooms {
		roomByID[rm.ID] = rm
	}
	per := make(map[uuid.UUID]*UtilizationBreakdown)
	bucket := func(roomID uuid.UUID) *UtilizationBreakdown {
		b, ok := per[roomID]
		if !ok {
			b = &UtilizationBreakdown{RoomID: roomID}
			if rm, ok := roomByID[roomID]; ok {
				b.RoomName = rm.Name
			}
			per[roomID] = b
		}
		return b
	}

	days := DateRange{From: e.localDay(r.From), To: r.To}
	for _, b := range blocks {
		for _, occ := range b.Occurrences(days) {
			if occ.Start.Before(r.From) {
				continue
			}
			m := occ.Minutes()
			rep.AvailableMinutes += m
			bucket(b.RoomID).AvailableMinutes += m
		}
	}
	if len(blocks) == 0 && (scope.Kind == ScopeRoom || scope.Kind == ScopeAll) {
		for _, rm := range rooms {
			if !rm.IsActive || (scope.Kind == ScopeRoom && rm.ID != *scope.ID) {
				continue
			}
			for _, d := range days.Days() {
				m := e.roomHours(rm, d).Minutes()
				rep.AvailableMinutes += m
				bucket(rm.ID).AvailableMinutes += m
			}
		}
	}

	for _, c := range cases {
		if c.RoomID == nil || c.ScheduledStart == nil {
			continue
		}
		b := bucket(*c.RoomID)
		if c.Status == StatusCancelled {
			rep.CancellationCount++
			b.CancellationCount++
			continue
		}
		minutes := c.EstimatedMinutes
		if c.Status == StatusCompleted {
			rep.CompletedCount++
			if c.ActualMinutes != nil {
				minutes = *c.ActualMinutes
			}
		}
		rep.CaseCount++
		rep.UtilizedMinutes += minutes
		b.CaseCount++
		b.UtilizedMinutes += minutes

		if rm, ok := roomByID[*c.RoomID]; ok {
			closeAt := e.roomHours(rm, *c.ScheduledStart).End
			if over := int(NewInterval(*c.ScheduledStart, minutes).End.Sub(closeAt).Minutes()); over > 0 {
				rep.OvertimeMinutes += over
			}
		}
	}

	rep.UtilizationPercent = percent(rep.UtilizedMinutes, rep.AvailableMinutes)
	if total := rep.CaseCount + rep.CancellationCount; total > 0 {
		rep.CancellationRate = round2(float64(rep.CancellationCount) / float64(total))
	}
	for _, b := range per {
		b.UtilizationPercent = percent(b.UtilizedMinutes, b.AvailableMinutes)
		rep.Breakdown = append(rep.Breakdown, *b)
	}
	sort.Slice(rep.Breakdown, func(i, j int) bool {
		if rep.Breakdown[i].RoomName != rep.Breakdown[j].RoomName {
			return rep.Breakdown[i].RoomName < rep.Breakdown[j].RoomName
		}
		return rep.Breakdown[i].RoomID.String() < rep.Breakdown[j].RoomID.String()
	})
	rep.Insights = utilizationInsights(rep)
	return rep
}

func utilizationInsights(rep *UtilizationReport) []string {
	var out []string
	if rep.AvailableMinutes > 0 {
		switch {
		case rep.UtilizationPercent < 70:
			out = append(out, fmt.Sprintf("utilization %.1f%% is below the 70%% target; open time can absorb more cases", rep.UtilizationPercent))
		case rep.UtilizationPercent > 85:
			out = append(out, fmt.Sprintf("utilization %.1f%% exceeds the 85%% target", rep.UtilizationPercent))
		}
	}
	if rep.CancellationRate > 0.05 {
		out = append(out, fmt.Sprintf("cancellation rate %.0f%% is above 5%%; review pre-operative confirmation", rep.CancellationRate*100))
	}
	if rep.OvertimeMinutes > 0 {
		out = append(out, fmt.Sprintf("%d minutes of overtime past room close", rep.OvertimeMinutes))
	}
	return out
}

func percent(part, whole int) float64 {
	if whole <= 0 {
		return 0
	}
	return round2(float64(part) / float64(whole) * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
