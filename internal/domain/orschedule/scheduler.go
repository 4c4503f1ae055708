package orschedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ScheduleRequest struct {
	PatientID     uuid.UUID `json:"patient_id"`
	SurgeonID     uuid.UUID `json:"surgeon_id"`
	ProcedureCode string    `json:"procedure_code"`
	Priority      Priority  `json:"priority"`
	// RequestedStart pins the start time. Without it the earliest feasible
	// slot on or after SearchFrom (default: now) is chosen.
	RequestedStart   *time.Time   `json:"requested_start,omitempty"`
	SearchFrom       *time.Time   `json:"search_from,omitempty"`
	RoomID           *uuid.UUID   `json:"room_id,omitempty"`
	BlockID          *uuid.UUID   `json:"block_id,omitempty"`
	EquipmentIDs     []uuid.UUID  `json:"equipment_ids,omitempty"`
	EstimatedMinutes *int         `json:"estimated_minutes,omitempty"`
	RiskFactors      *RiskFactors `json:"risk_factors,omitempty"`
	AnesthesiaType   *string      `json:"anesthesia_type,omitempty"`
	Note             *string      `json:"note,omitempty"`
}

// CasePatch changes where and when a case runs. Status is accepted only to
// reject it: lifecycle changes go through the transition operations.
type CasePatch struct {
	ScheduledStart   *time.Time   `json:"scheduled_start,omitempty"`
	RoomID           *uuid.UUID   `json:"room_id,omitempty"`
	EquipmentIDs     *[]uuid.UUID `json:"equipment_ids,omitempty"`
	EstimatedMinutes *int         `json:"estimated_minutes,omitempty"`
	Note             *string      `json:"note,omitempty"`
	Status           *string      `json:"status,omitempty"`
	ExpectedVersion  *int64       `json:"expected_version,omitempty"`
}

const scheduleAttempts = 3

// ScheduleCase places a new case and persists it as scheduled.
func (e *Engine) ScheduleCase(ctx context.Context, req ScheduleRequest) (_ *SurgicalCase, err error) {
	ctx, end := e.instrument(ctx, "ScheduleCase")
	defer func() { end(err) }()

	sc, block, err := e.prepareCase(ctx, req)
	if err != nil {
		return nil, err
	}

	if req.RequestedStart != nil {
		if err := e.pinPlacement(ctx, sc, block, *req.RequestedStart); err != nil {
			return nil, err
		}
		if err := e.commitNewCase(ctx, sc); err != nil {
			return nil, err
		}
		return sc, nil
	}

	from := e.clock()
	if req.SearchFrom != nil && req.SearchFrom.After(from) {
		from = req.SearchFrom.In(e.opts.Location)
	}
	for attempt := 1; ; attempt++ {
		if err := e.searchPlacement(ctx, sc, req.RoomID, block, from); err != nil {
			return nil, err
		}
		err := e.commitNewCase(ctx, sc)
		if err == nil {
			return sc, nil
		}
		// the slot was taken between search and commit
		if attempt >= scheduleAttempts || !(errors.Is(err, ErrConflict) || errors.Is(err, ErrStaleSchedule)) {
			return nil, err
		}
		e.logger.Debug().Err(err).Int("attempt", attempt).Msg("retrying case placement")
	}
}

// prepareCase validates the request and returns an unplaced case carrying
// its duration estimate, plus the requested block if any.
func (e *Engine) prepareCase(ctx context.Context, req ScheduleRequest) (*SurgicalCase, *ORBlock, error) {
	if req.PatientID == uuid.Nil {
		return nil, nil, NewValidationError("patient_id is required")
	}
	if req.SurgeonID == uuid.Nil {
		return nil, nil, NewValidationError("surgeon_id is required")
	}
	if req.ProcedureCode == "" {
		return nil, nil, NewValidationError("procedure_code is required")
	}
	priority, err := ParsePriority(string(req.Priority))
	if err != nil {
		return nil, nil, err
	}

	var block *ORBlock
	if req.BlockID != nil {
		if block, err = e.store.GetBlock(ctx, *req.BlockID); err != nil {
			return nil, nil, err
		}
		if block.SurgeonID != req.SurgeonID {
			return nil, nil, NewValidationError("block %s belongs to another surgeon", block.ID)
		}
		if req.RoomID != nil && *req.RoomID != block.RoomID {
			return nil, nil, NewValidationError("block %s is in room %s, not %s", block.ID, block.RoomID, *req.RoomID)
		}
	}
	if req.RoomID != nil {
		room, err := e.store.GetRoom(ctx, *req.RoomID)
		if err != nil {
			return nil, nil, err
		}
		if !room.IsActive {
			return nil, nil, NewValidationError("room %s is not active", room.ID)
		}
	}

	var minutes int
	if req.EstimatedMinutes != nil {
		if *req.EstimatedMinutes <= 0 {
			return nil, nil, NewValidationError("estimated_minutes must be positive")
		}
		minutes = *req.EstimatedMinutes
	} else {
		in := PredictionInput{
			ProcedureCode:  req.ProcedureCode,
			SurgeonID:      req.SurgeonID,
			RiskFactors:    req.RiskFactors,
			EquipmentCount: len(req.EquipmentIDs),
		}
		if req.AnesthesiaType != nil {
			in.AnesthesiaType = *req.AnesthesiaType
		}
		pred, err := e.predictor.Predict(ctx, in)
		if err != nil {
			return nil, nil, err
		}
		minutes = pred.EstimateMinutes
	}

	equipment := append([]uuid.UUID{}, req.EquipmentIDs...)
	return &SurgicalCase{
		ID:               uuid.New(),
		PatientID:        req.PatientID,
		SurgeonID:        req.SurgeonID,
		ProcedureCode:    req.ProcedureCode,
		RoomID:           cloneUUID(req.RoomID),
		EstimatedMinutes: minutes,
		Priority:         priority,
		Status:           StatusScheduled,
		EquipmentIDs:     equipment,
		AnesthesiaType:   req.AnesthesiaType,
		Note:             req.Note,
	}, block, nil
}

// pinPlacement places sc at an explicit start. The room comes from the
// request, the block, or the surgeon's block covering that time.
func (e *Engine) pinPlacement(ctx context.Context, sc *SurgicalCase, block *ORBlock, start time.Time) error {
	iv := NewInterval(start.In(e.opts.Location), sc.EstimatedMinutes)
	if block != nil {
		day := e.localDay(iv.Start)
		if !block.ActiveOn(day) || !block.Occurrence(day).Contains(iv) {
			return NewValidationError("requested time does not fit inside block %s", block.ID)
		}
		sc.RoomID, sc.BlockID = uuidPtr(block.RoomID), uuidPtr(block.ID)
	}
	if block == nil {
		blocks, err := e.store.ListBlocks(ctx, BlockFilter{SurgeonID: &sc.SurgeonID})
		if err != nil {
			return fmt.Errorf("list blocks: %w", err)
		}
		b := blockCovering(blocks, sc.RoomID, sc.SurgeonID, iv, e.opts.Location)
		switch {
		case b != nil:
			sc.RoomID, sc.BlockID = uuidPtr(b.RoomID), uuidPtr(b.ID)
		case sc.RoomID == nil:
			return NewValidationError("room_id is required when the requested time is outside the surgeon's blocks")
		}
	}
	sc.ScheduledStart = &iv.Start
	return nil
}

// searchPlacement finds the earliest feasible slot for sc on or after from:
// first inside the surgeon's blocks, then in open room time, both limited to
// the look-ahead window.
func (e *Engine) searchPlacement(ctx context.Context, sc *SurgicalCase, roomID *uuid.UUID, block *ORBlock, from time.Time) error {
	from = alignUp(from, e.opts.SlotGranularity)
	horizon := DateRange{From: e.localDay(from), To: e.localDay(from).AddDate(0, 0, e.opts.LookaheadDays)}
	snap, ix, err := e.snapshot(ctx, horizon.Interval())
	if err != nil {
		return err
	}
	if err := validateEquipment(snap, sc.EquipmentIDs); err != nil {
		return err
	}
	d := time.Duration(sc.EstimatedMinutes) * time.Minute

	for _, day := range horizon.Days() {
		var (
			best      time.Time
			bestBlock *ORBlock
		)
		for _, b := range snap.Blocks {
			if b.SurgeonID != sc.SurgeonID || !b.ActiveOn(day) {
				continue
			}
			if block != nil && b.ID != block.ID {
				continue
			}
			if roomID != nil && b.RoomID != *roomID {
				continue
			}
			busy := ix.busyFor(b.RoomID, sc.SurgeonID, sc.EquipmentIDs, sc.ID)
			start, ok := earliestFit(b.Occurrence(day), d, busy, from)
			if ok && (bestBlock == nil || start.Before(best)) {
				best, bestBlock = start, b
			}
		}
		if bestBlock != nil {
			sc.RoomID, sc.BlockID, sc.ScheduledStart = uuidPtr(bestBlock.RoomID), uuidPtr(bestBlock.ID), timePtr(best)
			return nil
		}
	}
	if block != nil {
		return e.noSlotError(sc, "block "+block.ID.String())
	}

	for _, day := range horizon.Days() {
		var (
			best     time.Time
			bestRoom *Room
		)
		for _, r := range snap.Rooms {
			if !r.IsActive || (roomID != nil && r.ID != *roomID) {
				continue
			}
			busy := ix.busyFor(r.ID, sc.SurgeonID, sc.EquipmentIDs, sc.ID)
			start, ok := earliestFit(e.roomHours(r, day), d, busy, from)
			if ok && (bestRoom == nil || start.Before(best)) {
				best, bestRoom = start, r
			}
		}
		if bestRoom != nil {
			iv := NewInterval(best, sc.EstimatedMinutes)
			sc.RoomID, sc.ScheduledStart = uuidPtr(bestRoom.ID), timePtr(best)
			sc.BlockID = nil
			if b := blockCovering(snap.Blocks, &bestRoom.ID, sc.SurgeonID, iv, e.opts.Location); b != nil {
				sc.BlockID = uuidPtr(b.ID)
			}
			return nil
		}
	}
	return e.noSlotError(sc, "open room time")
}

func (e *Engine) noSlotError(sc *SurgicalCase, where string) *Error {
	e.metrics.observeConflict(ResourceSurgeon)
	return &Error{
		Kind:     KindConflict,
		Message:  fmt.Sprintf("no free %d-minute slot in %s within %d days", sc.EstimatedMinutes, where, e.opts.LookaheadDays),
		Resource: resourceKey(ResourceSurgeon, sc.SurgeonID),
	}
}

// commitNewCase takes the placement's critical section, re-checks it against
// a fresh snapshot and inserts the case.
func (e *Engine) commitNewCase(ctx context.Context, sc *SurgicalCase) error {
	release, err := e.lock(ctx, placementLockKeys(sc.RoomID, sc.SurgeonID, sc.EquipmentIDs)...)
	if err != nil {
		return err
	}
	defer release()

	iv, _ := sc.Interval()
	snap, ix, err := e.snapshot(ctx, e.checkWindow(iv))
	if err != nil {
		return err
	}
	if err := validateEquipment(snap, sc.EquipmentIDs); err != nil {
		return err
	}
	p, _ := placementOf(sc)
	if conflicts := ix.Conflicts(p, sc.ID); len(conflicts) > 0 {
		return e.conflictError(conflicts)
	}

	c := e.newCommit()
	c.Expect = expectFor(snap, e.opts.Location, sc)
	c.Inserts = []*SurgicalCase{sc}
	if err := e.store.CommitWithVersion(ctx, c); err != nil {
		return err
	}
	e.logger.Info().
		Str("case_id", sc.ID.String()).
		Str("room_id", sc.RoomID.String()).
		Str("surgeon_id", sc.SurgeonID.String()).
		Time("start", *sc.ScheduledStart).
		Int("minutes", sc.EstimatedMinutes).
		Msg("case scheduled")
	e.record(ctx, ActionCaseScheduled, sc.ID, map[string]any{
		"room_id":  sc.RoomID.String(),
		"start":    sc.ScheduledStart.UTC(),
		"minutes":  sc.EstimatedMinutes,
		"priority": string(sc.Priority),
	})
	return nil
}

// checkWindow widens iv by the turnover so padded room bookings on either
// side are part of the snapshot.
func (e *Engine) checkWindow(iv Interval) Interval {
	t := e.opts.turnover()
	return Interval{Start: iv.Start.Add(-t), End: iv.End.Add(t)}
}

func (e *Engine) conflictError(conflicts []Conflict) error {
	c := conflicts[0]
	e.metrics.observeConflict(c.Kind)
	return c.Err()
}

// blockCovering returns the surgeon's block whose occurrence contains iv,
// optionally restricted to a room.
func blockCovering(blocks []*ORBlock, roomID *uuid.UUID, surgeonID uuid.UUID, iv Interval, loc *time.Location) *ORBlock {
	day := startOfDay(iv.Start.In(loc))
	for _, b := range blocks {
		if b.SurgeonID != surgeonID || (roomID != nil && b.RoomID != *roomID) {
			continue
		}
		if b.ActiveOn(day) && b.Occurrence(day).Contains(iv) {
			return b
		}
	}
	return nil
}

func alignUp(t time.Time, step time.Duration) time.Time {
	if step <= 0 {
		return t
	}
	r := t.Truncate(step)
	if r.Before(t) {
		r = r.Add(step)
	}
	return r
}

// UpdateCase moves a case in time, room, equipment or length. The new
// placement is checked against the current schedule, ignoring the case
// itself. Rebooking a displaced case goes through here.
func (e *Engine) UpdateCase(ctx context.Context, id uuid.UUID, patch CasePatch) (_ *SurgicalCase, err error) {
	ctx, end := e.instrument(ctx, "UpdateCase")
	defer func() { end(err) }()

	if patch.Status != nil {
		return nil, NewValidationError("status cannot be patched; use confirm, start, complete or cancel")
	}
	cur, err := e.store.GetCase(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.ExpectedVersion != nil && *patch.ExpectedVersion != cur.Version {
		return nil, NewStaleScheduleError("case %s is at version %d, expected %d", id, cur.Version, *patch.ExpectedVersion)
	}
	if !cur.Status.Movable() {
		return nil, NewValidationError("case %s is %s and can no longer be moved", id, cur.Status)
	}

	upd := cur.Clone()
	if patch.ScheduledStart != nil {
		upd.ScheduledStart = timePtr(patch.ScheduledStart.In(e.opts.Location))
	}
	if patch.RoomID != nil {
		room, err := e.store.GetRoom(ctx, *patch.RoomID)
		if err != nil {
			return nil, err
		}
		if !room.IsActive {
			return nil, NewValidationError("room %s is not active", room.ID)
		}
		upd.RoomID = cloneUUID(patch.RoomID)
	}
	if patch.EquipmentIDs != nil {
		upd.EquipmentIDs = append([]uuid.UUID{}, (*patch.EquipmentIDs)...)
	}
	if patch.EstimatedMinutes != nil {
		if *patch.EstimatedMinutes <= 0 {
			return nil, NewValidationError("estimated_minutes must be positive")
		}
		upd.EstimatedMinutes = *patch.EstimatedMinutes
	}
	if patch.Note != nil {
		upd.Note = patch.Note
	}
	if !upd.Placed() {
		return nil, NewValidationError("room_id and scheduled_start are both required to place case %s", id)
	}

	keys := placementLockKeys(upd.RoomID, upd.SurgeonID, upd.EquipmentIDs)
	keys = append(keys, placementLockKeys(cur.RoomID, cur.SurgeonID, cur.EquipmentIDs)...)
	release, err := e.lock(ctx, keys...)
	if err != nil {
		return nil, err
	}
	defer release()

	iv, _ := upd.Interval()
	snap, ix, err := e.snapshot(ctx, e.checkWindow(iv))
	if err != nil {
		return nil, err
	}
	if err := validateEquipment(snap, upd.EquipmentIDs); err != nil {
		return nil, err
	}
	p, _ := placementOf(upd)
	if conflicts := ix.Conflicts(p, upd.ID); len(conflicts) > 0 {
		return nil, e.conflictError(conflicts)
	}
	upd.BlockID = nil
	if b := blockCovering(snap.Blocks, upd.RoomID, upd.SurgeonID, iv, e.opts.Location); b != nil {
		upd.BlockID = uuidPtr(b.ID)
	}
	upd.NeedsRebooking = false

	c := e.newCommit()
	c.Expect = expectFor(snap, e.opts.Location, upd)
	c.Updates = []CaseWrite{{Case: upd, Before: cur, ExpectVersion: cur.Version}}
	if err := e.store.CommitWithVersion(ctx, c); err != nil {
		return nil, err
	}
	e.logger.Info().
		Str("case_id", id.String()).
		Str("room_id", upd.RoomID.String()).
		Time("start", *upd.ScheduledStart).
		Bool("rebooked", cur.NeedsRebooking).
		Msg("case updated")
	e.record(ctx, ActionCaseUpdated, id, map[string]any{
		"room_id":  upd.RoomID.String(),
		"start":    upd.ScheduledStart.UTC(),
		"minutes":  upd.EstimatedMinutes,
		"rebooked": cur.NeedsRebooking,
	})
	return upd, nil
}

func (e *Engine) GetCase(ctx context.Context, id uuid.UUID) (*SurgicalCase, error) {
	return e.store.GetCase(ctx, id)
}

func (e *Engine) ListCases(ctx context.Context, f CaseFilter) ([]*SurgicalCase, int, error) {
	if f.Range != nil && !f.Range.Valid() {
		return nil, 0, NewValidationError("range end must be after range start")
	}
	return e.store.ListCases(ctx, f)
}

func (e *Engine) ConfirmCase(ctx context.Context, id uuid.UUID) (*SurgicalCase, error) {
	return e.transition(ctx, id, StatusConfirmed, func(c *SurgicalCase, _ time.Time) error {
		if !c.Placed() {
			return NewValidationError("case %s needs rebooking before it can be confirmed", c.ID)
		}
		return nil
	})
}

func (e *Engine) StartCase(ctx context.Context, id uuid.UUID) (*SurgicalCase, error) {
	return e.transition(ctx, id, StatusInProgress, func(c *SurgicalCase, now time.Time) error {
		if !c.Placed() {
			return NewValidationError("case %s has no room or start time", c.ID)
		}
		c.ActualStart = &now
		return nil
	})
}

// CompleteCase closes a case. actualMinutes overrides the duration measured
// from the recorded start.
func (e *Engine) CompleteCase(ctx context.Context, id uuid.UUID, actualMinutes *int) (*SurgicalCase, error) {
	return e.transition(ctx, id, StatusCompleted, func(c *SurgicalCase, now time.Time) error {
		c.ActualEnd = &now
		var m int
		switch {
		case actualMinutes != nil:
			if *actualMinutes <= 0 {
				return NewValidationError("actual_minutes must be positive")
			}
			m = *actualMinutes
		case c.ActualStart != nil:
			m = int(now.Sub(*c.ActualStart).Round(time.Minute) / time.Minute)
		}
		if m <= 0 {
			m = c.EstimatedMinutes
		}
		c.ActualMinutes = &m
		return nil
	})
}

func (e *Engine) CancelCase(ctx context.Context, id uuid.UUID, reason string) (*SurgicalCase, error) {
	return e.transition(ctx, id, StatusCancelled, func(c *SurgicalCase, now time.Time) error {
		c.CancelledAt = &now
		if reason != "" {
			c.CancelReason = &reason
		}
		c.NeedsRebooking = false
		return nil
	})
}

func (e *Engine) transition(ctx context.Context, id uuid.UUID, to Status, apply func(*SurgicalCase, time.Time) error) (_ *SurgicalCase, err error) {
	ctx, end := e.instrument(ctx, "Transition")
	defer func() { end(err) }()

	cur, err := e.store.GetCase(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(cur.Status, to); err != nil {
		return nil, err
	}
	upd := cur.Clone()
	upd.Status = to
	if err := apply(upd, e.now().UTC()); err != nil {
		return nil, err
	}

	c := e.newCommit()
	c.Updates = []CaseWrite{{Case: upd, Before: cur, ExpectVersion: cur.Version}}
	if err := e.store.CommitWithVersion(ctx, c); err != nil {
		return nil, err
	}
	e.logger.Info().
		Str("case_id", id.String()).
		Str("from", string(cur.Status)).
		Str("to", string(to)).
		Msg("case status changed")
	e.record(ctx, ActionCaseTransitioned, id, map[string]any{"from": string(cur.Status), "to": string(to)})
	return upd, nil
}
