package orschedule

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

type EmergencyRequest struct {
	PatientID     uuid.UUID `json:"patient_id"`
	SurgeonID     uuid.UUID `json:"surgeon_id"`
	ProcedureCode string    `json:"procedure_code"`
	// Priority defaults to emergent.
	Priority         Priority     `json:"priority"`
	ArrivalTime      time.Time    `json:"arrival_time"`
	EstimatedMinutes *int         `json:"estimated_minutes,omitempty"`
	EquipmentIDs     []uuid.UUID  `json:"equipment_ids,omitempty"`
	RiskFactors      *RiskFactors `json:"risk_factors,omitempty"`
	AnesthesiaType   *string      `json:"anesthesia_type,omitempty"`
	Note             *string      `json:"note,omitempty"`
}

// EmergencyInsertionResult reports an insertion attempt. A failed insertion
// is a normal result: nothing was changed and Reasoning explains why.
type EmergencyInsertionResult struct {
	CaseID              *uuid.UUID    `json:"case_id,omitempty"`
	Case                *SurgicalCase `json:"case,omitempty"`
	InsertionSuccessful bool          `json:"insertion_successful"`
	RoomID              *uuid.UUID    `json:"room_id,omitempty"`
	Start               *time.Time    `json:"start,omitempty"`
	EstimatedMinutes    int           `json:"estimated_minutes"`
	DisplacedCaseIDs    []uuid.UUID   `json:"displaced_case_ids"`
	Reasoning           []string      `json:"reasoning"`
	Alerts              []string      `json:"alerts,omitempty"`
	// Alternatives are other feasible placements, earliest first.
	Alternatives []EmergencyAlternative `json:"alternatives"`
}

// EmergencyAlternative is a placement the inserter found but did not choose.
type EmergencyAlternative struct {
	RoomID           uuid.UUID   `json:"room_id"`
	RoomName         string      `json:"room_name"`
	Start            time.Time   `json:"start"`
	WaitMinutes      int         `json:"wait_minutes"`
	DisplacedCaseIDs []uuid.UUID `json:"displaced_case_ids"`
}

const maxEmergencyAlternatives = 3

func (r *EmergencyInsertionResult) reason(format string, args ...any) {
	r.Reasoning = append(r.Reasoning, fmt.Sprintf(format, args...))
}

// maxWait is how long after arrival a case of priority p may start.
func (e *Engine) maxWait(p Priority) time.Duration {
	switch p {
	case PriorityEmergent:
		return e.opts.EmergentMaxWait
	case PriorityUrgent:
		return e.opts.UrgentMaxWait
	}
	return time.Duration(e.opts.LookaheadDays) * 24 * time.Hour
}

type displacementOption struct {
	room      *Room
	start     time.Time
	displaced []uuid.UUID
}

// InsertEmergency places an urgent case as soon as possible after arrival,
// displacing lower-priority cases when no room is free. All room locks are
// held for the search and the commit.
func (e *Engine) InsertEmergency(ctx context.Context, req EmergencyRequest) (_ *EmergencyInsertionResult, err error) {
	ctx, end := e.instrument(ctx, "InsertEmergency")
	defer func() { end(err) }()

	if req.Priority == "" {
		req.Priority = PriorityEmergent
	}
	sreq := ScheduleRequest{
		PatientID:        req.PatientID,
		SurgeonID:        req.SurgeonID,
		ProcedureCode:    req.ProcedureCode,
		Priority:         req.Priority,
		EquipmentIDs:     req.EquipmentIDs,
		EstimatedMinutes: req.EstimatedMinutes,
		RiskFactors:      req.RiskFactors,
		AnesthesiaType:   req.AnesthesiaType,
		Note:             req.Note,
	}
	sc, _, err := e.prepareCase(ctx, sreq)
	if err != nil {
		return nil, err
	}
	arrival := req.ArrivalTime
	if arrival.IsZero() {
		arrival = e.clock()
	}
	arrival = arrival.In(e.opts.Location).Truncate(time.Minute)
	wait := e.maxWait(sc.Priority)
	d := time.Duration(sc.EstimatedMinutes) * time.Minute

	res := &EmergencyInsertionResult{
		EstimatedMinutes: sc.EstimatedMinutes,
		DisplacedCaseIDs: []uuid.UUID{},
		Alternatives:     []EmergencyAlternative{},
	}
	res.reason("%s %s case needs %d minutes; must start by %s", sc.Priority, sc.ProcedureCode, sc.EstimatedMinutes, arrival.Add(wait).Format(time.RFC3339))

	allRooms, err := e.store.ListRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	rooms := make([]*Room, 0, len(allRooms))
	keys := placementLockKeys(nil, sc.SurgeonID, sc.EquipmentIDs)
	for _, r := range allRooms {
		if r.IsActive {
			rooms = append(rooms, r)
			keys = append(keys, resourceKey(ResourceRoom, r.ID))
		}
	}
	if len(rooms) == 0 {
		res.reason("no active operating rooms")
		return res, nil
	}
	sort.SliceStable(rooms, func(i, j int) bool {
		if rooms[i].IsEmergency() != rooms[j].IsEmergency() {
			return rooms[i].IsEmergency()
		}
		return rooms[i].Name < rooms[j].Name
	})

	release, err := e.lock(ctx, keys...)
	if err != nil {
		return nil, err
	}
	defer release()

	t := e.opts.turnover()
	snap, ix, err := e.snapshot(ctx, Interval{Start: arrival.Add(-t), End: arrival.Add(wait + d + t)})
	if err != nil {
		return nil, err
	}
	known := snap.equipmentByID()
	for _, id := range sc.EquipmentIDs {
		eq, ok := known[id]
		if !ok {
			return nil, NewNotFoundError("equipment", id)
		}
		if !eq.InService {
			res.Alerts = append(res.Alerts, fmt.Sprintf("equipment %s (%s) is out of service", eq.Name, id))
		}
	}
	if len(res.Alerts) > 0 {
		res.reason("required equipment is out of service; no placement attempted")
		return res, nil
	}
	if !rooms[0].IsEmergency() {
		res.Alerts = append(res.Alerts, "no emergency-designated room is active")
	}

	window := Interval{Start: arrival, End: arrival.Add(wait + d)}
	var (
		bestRoom  *Room
		bestStart time.Time
		options   []displacementOption
	)
	for _, r := range rooms {
		start, ok := earliestFit(window, d, ix.busyFor(r.ID, sc.SurgeonID, sc.EquipmentIDs), arrival)
		if !ok {
			res.reason("room %s: no free %d-minute interval before the deadline", r.Name, sc.EstimatedMinutes)
			continue
		}
		res.reason("room %s: free from %s", r.Name, start.Format("15:04"))
		options = append(options, displacementOption{room: r, start: start})
		if bestRoom == nil || start.Before(bestStart) {
			bestRoom, bestStart = r, start
		}
	}

	var displaced []*SurgicalCase
	if bestRoom == nil {
		opt, found := e.findDisplacement(ix, rooms, sc, arrival, wait, res)
		options = append(options, found...)
		if opt == nil {
			res.reason("no displaceable capacity: only scheduled cases of lower priority starting after %s may be moved", arrival.Add(e.opts.GuardWindow).Format("15:04"))
			e.logger.Warn().
				Str("surgeon_id", sc.SurgeonID.String()).
				Str("priority", string(sc.Priority)).
				Time("arrival", arrival).
				Msg("emergency insertion failed")
			return res, nil
		}
		bestRoom, bestStart = opt.room, opt.start
		for _, id := range opt.displaced {
			c, _ := ix.Case(id)
			displaced = append(displaced, c)
		}
	} else {
		res.reason("placing directly in room %s at %s", bestRoom.Name, bestStart.Format("15:04"))
	}

	res.Alternatives = alternatives(options, bestRoom, bestStart, arrival)

	sc.RoomID, sc.ScheduledStart = uuidPtr(bestRoom.ID), timePtr(bestStart)
	iv, _ := sc.Interval()
	if b := blockCovering(snap.Blocks, sc.RoomID, sc.SurgeonID, iv, e.opts.Location); b != nil {
		sc.BlockID = uuidPtr(b.ID)
	}

	c := e.newCommit()
	c.Expect = expectFor(snap, e.opts.Location, append([]*SurgicalCase{sc}, displaced...)...)
	c.Inserts = []*SurgicalCase{sc}
	for _, before := range displaced {
		upd := before.Clone()
		upd.Status = StatusScheduled
		upd.RoomID, upd.BlockID, upd.ScheduledStart = nil, nil, nil
		upd.NeedsRebooking = true
		upd.DisplacedBy = uuidPtr(sc.ID)
		c.Updates = append(c.Updates, CaseWrite{Case: upd, Before: before, ExpectVersion: before.Version})
	}
	if err := e.store.CommitWithVersion(ctx, c); err != nil {
		return nil, err
	}

	res.InsertionSuccessful = true
	res.CaseID, res.Case = uuidPtr(sc.ID), sc
	res.RoomID, res.Start = sc.RoomID, sc.ScheduledStart
	for _, before := range displaced {
		res.DisplacedCaseIDs = append(res.DisplacedCaseIDs, before.ID)
	}
	if n := len(displaced); n > 0 {
		res.Alerts = append(res.Alerts, fmt.Sprintf("%d case(s) displaced and need rebooking", n))
	}
	e.metrics.observeDisplaced(len(displaced))

	e.logger.Info().
		Str("case_id", sc.ID.String()).
		Str("room_id", bestRoom.ID.String()).
		Time("start", bestStart).
		Int("displaced", len(displaced)).
		Msg("emergency case inserted")
	displacedIDs := make([]string, len(res.DisplacedCaseIDs))
	for i, id := range res.DisplacedCaseIDs {
		displacedIDs[i] = id.String()
	}
	e.record(ctx, ActionEmergencyInserted, sc.ID, map[string]any{
		"room_id":   bestRoom.ID.String(),
		"start":     bestStart.UTC(),
		"priority":  string(sc.Priority),
		"displaced": displacedIDs,
	})
	for _, before := range displaced {
		e.record(ctx, ActionCaseDisplaced, before.ID, map[string]any{
			"displaced_by":   sc.ID.String(),
			"previous_room":  before.RoomID.String(),
			"previous_start": before.ScheduledStart.UTC(),
		})
		notice := DisplacementNotice{
			CaseID:         before.ID,
			PatientID:      before.PatientID,
			SurgeonID:      before.SurgeonID,
			DisplacedBy:    sc.ID,
			PreviousRoomID: *before.RoomID,
			PreviousStart:  *before.ScheduledStart,
		}
		if err := e.notifier.NotifyDisplaced(ctx, notice); err != nil {
			e.logger.Error().Err(err).Str("case_id", before.ID.String()).Msg("failed to notify displaced case")
		}
	}
	return res, nil
}

// alternatives lists the options other than the chosen placement, earliest
// start first, then fewest displaced cases.
func alternatives(options []displacementOption, chosen *Room, start time.Time, arrival time.Time) []EmergencyAlternative {
	sort.SliceStable(options, func(i, j int) bool {
		if !options[i].start.Equal(options[j].start) {
			return options[i].start.Before(options[j].start)
		}
		return len(options[i].displaced) < len(options[j].displaced)
	})
	out := []EmergencyAlternative{}
	for _, o := range options {
		if o.room.ID == chosen.ID && o.start.Equal(start) {
			continue
		}
		ids := append([]uuid.UUID{}, o.displaced...)
		out = append(out, EmergencyAlternative{
			RoomID:           o.room.ID,
			RoomName:         o.room.Name,
			Start:            o.start,
			WaitMinutes:      int(o.start.Sub(arrival) / time.Minute),
			DisplacedCaseIDs: ids,
		})
		if len(out) == maxEmergencyAlternatives {
			break
		}
	}
	return out
}

// findDisplacement looks for the earliest start, then the fewest displaced
// cases, at which every booking in the way may be displaced. It also returns
// the first displacing option of every room.
func (e *Engine) findDisplacement(ix *Index, rooms []*Room, sc *SurgicalCase, arrival time.Time, wait time.Duration, res *EmergencyInsertionResult) (*displacementOption, []displacementOption) {
	deadline := arrival.Add(wait)
	guard := arrival.Add(e.opts.GuardWindow)
	displaceable := func(id uuid.UUID) bool {
		c, ok := ix.Case(id)
		return ok &&
			c.Status.Movable() &&
			c.Priority.Rank() < sc.Priority.Rank() &&
			c.ScheduledStart.After(guard)
	}

	var (
		best *displacementOption
		all  []displacementOption
	)
	for _, r := range rooms {
		starts := []time.Time{arrival}
		for _, b := range ix.busyFor(r.ID, sc.SurgeonID, sc.EquipmentIDs) {
			if b.End.After(arrival) && !b.End.After(deadline) {
				starts = append(starts, b.End)
			}
		}
		sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

		found := false
		for _, s := range starts {
			p := Placement{RoomID: r.ID, SurgeonID: sc.SurgeonID, EquipmentIDs: sc.EquipmentIDs, Interval: NewInterval(s, sc.EstimatedMinutes)}
			var ids []uuid.UUID
			ok := true
			for _, cf := range ix.Conflicts(p) {
				for _, id := range cf.CaseIDs {
					if !displaceable(id) {
						ok = false
						break
					}
					if !containsID(ids, id) {
						ids = append(ids, id)
					}
				}
				if !ok {
					break
				}
			}
			if !ok {
				continue
			}
			if len(ids) == 0 {
				// free starts were already tried by the direct search
				continue
			}
			found = true
			res.reason("room %s: starting %s requires displacing %d case(s)", r.Name, s.Format("15:04"), len(ids))
			opt := displacementOption{room: r, start: s, displaced: ids}
			all = append(all, opt)
			if best == nil || s.Before(best.start) || (s.Equal(best.start) && len(ids) < len(best.displaced)) {
				best = &opt
			}
			break
		}
		if !found {
			res.reason("room %s: every blocking case is protected (higher or equal priority, in progress, or inside the %s guard window)", r.Name, e.opts.GuardWindow)
		}
	}
	return best, all
}
