package orschedule

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Goal is the objective an optimization run improves.
type Goal string

const (
	GoalMinimizeIdle        Goal = "minimize_idle"
	GoalMaximizeUtilization Goal = "maximize_utilization"
	GoalMinimizeOvertime    Goal = "minimize_overtime"
)

func (g Goal) Valid() bool {
	switch g {
	case GoalMinimizeIdle, GoalMaximizeUtilization, GoalMinimizeOvertime:
		return true
	}
	return false
}

type OptimizeRequest struct {
	TargetDate time.Time   `json:"target_date"`
	Goal       Goal        `json:"goal"`
	MaxChanges *int        `json:"max_changes,omitempty"`
	RoomIDs    []uuid.UUID `json:"room_ids,omitempty"`
	// Timeout bounds the search; the best proposal found so far is returned.
	Timeout *time.Duration `json:"-"`
}

type CaseMove struct {
	CaseID     uuid.UUID `json:"case_id"`
	FromRoomID uuid.UUID `json:"from_room_id"`
	From       time.Time `json:"from"`
	ToRoomID   uuid.UUID `json:"to_room_id"`
	To         time.Time `json:"to"`
	Minutes    int       `json:"minutes"`
	Reason     string    `json:"reason"`
}

// ScheduleMetrics describe one day's schedule over the rooms in use.
type ScheduleMetrics struct {
	CaseCount          int     `json:"case_count"`
	RoomsUsed          int     `json:"rooms_used"`
	UtilizedMinutes    int     `json:"utilized_minutes"`
	AvailableMinutes   int     `json:"available_minutes"`
	UtilizationPercent float64 `json:"utilization_percent"`
	IdleMinutes        int     `json:"idle_minutes"`
	OvertimeMinutes    int     `json:"overtime_minutes"`
}

// OptimizationProposal is a set of moves computed against one version of a
// day's schedule. It is applied separately with ApplyProposal.
type OptimizationProposal struct {
	ID          uuid.UUID   `json:"id"`
	TargetDate  time.Time   `json:"target_date"`
	Goal        Goal        `json:"goal"`
	RoomIDs     []uuid.UUID `json:"room_ids,omitempty"`
	Moves       []CaseMove  `json:"moves"`
	ScoreBefore int64       `json:"score_before"`
	ScoreAfter  int64       `json:"score_after"`
	// ScoreDelta is the reduction of the goal's primary objective; never negative.
	ScoreDelta int64           `json:"score_delta"`
	Token      int64           `json:"token"`
	Iterations int             `json:"iterations"`
	Truncated  bool            `json:"truncated"`
	Before     ScheduleMetrics `json:"before"`
	After      ScheduleMetrics `json:"after"`
	CreatedAt  time.Time       `json:"created_at"`
}

type slot struct {
	room  uuid.UUID
	start time.Time
}

func (s slot) same(o slot) bool {
	return s.room == o.room && s.start.Equal(o.start)
}

type optCase struct {
	c       *SurgicalCase
	minutes int
	movable bool
	// scored cases start on the target day in a room being optimized
	scored bool
}

type candidate struct {
	changes []change
	reason  string
}

type change struct {
	idx int
	to  slot
}

type optimizer struct {
	goal       Goal
	day        time.Time
	notBefore  time.Time
	turnover   time.Duration
	maxChanges int
	cases      []optCase
	orig       []slot
	rooms      []*Room
	hours      map[uuid.UUID]Interval
}

// Optimize searches for a better arrangement of the target day. It never
// writes; the result carries the day's version token for ApplyProposal.
func (e *Engine) Optimize(ctx context.Context, req OptimizeRequest) (_ *OptimizationProposal, err error) {
	ctx, end := e.instrument(ctx, "Optimize")
	defer func() { end(err) }()

	if !req.Goal.Valid() {
		return nil, NewValidationError("invalid goal %q", req.Goal)
	}
	if req.TargetDate.IsZero() {
		return nil, NewValidationError("target_date is required")
	}
	maxChanges := e.opts.OptimizerMaxChanges
	if req.MaxChanges != nil {
		if *req.MaxChanges <= 0 {
			return nil, NewValidationError("max_changes must be positive")
		}
		maxChanges = *req.MaxChanges
	}
	timeout := e.opts.OptimizerTimeout
	if req.Timeout != nil && *req.Timeout > 0 {
		timeout = *req.Timeout
	}

	day := e.localDay(req.TargetDate)
	snap, err := e.store.LoadSnapshot(ctx, Interval{Start: day.AddDate(0, 0, -1), End: day.AddDate(0, 0, 2)})
	if err != nil {
		return nil, fmt.Errorf("load schedule snapshot: %w", err)
	}
	o, err := e.newOptimizer(snap, day, req.Goal, maxChanges, req.RoomIDs)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	searchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	final, iterations, truncated, reasons := o.search(searchCtx, e.opts.OptimizerMaxIterations)

	before, after := o.score(o.orig), o.score(final)
	p := &OptimizationProposal{
		ID:          uuid.New(),
		TargetDate:  day,
		Goal:        req.Goal,
		RoomIDs:     req.RoomIDs,
		Moves:       o.moves(final, reasons),
		ScoreBefore: before[0],
		ScoreAfter:  after[0],
		ScoreDelta:  before[0] - after[0],
		Token:       snap.Version(dayVersionKey(day, e.opts.Location)),
		Iterations:  iterations,
		Truncated:   truncated,
		Before:      o.metrics(o.orig),
		After:       o.metrics(final),
		CreatedAt:   e.now().UTC(),
	}
	elapsed := time.Since(started)
	e.metrics.observeOptimizer(req.Goal, elapsed.Seconds(), len(p.Moves))
	e.logger.Info().
		Str("goal", string(req.Goal)).
		Str("date", dayKey(day)).
		Int("moves", len(p.Moves)).
		Int("iterations", iterations).
		Bool("truncated", truncated).
		Int64("score_delta", p.ScoreDelta).
		Dur("elapsed", elapsed).
		Msg("optimization computed")
	return p, nil
}

func (e *Engine) newOptimizer(snap *Snapshot, day time.Time, goal Goal, maxChanges int, roomIDs []uuid.UUID) (*optimizer, error) {
	o := &optimizer{
		goal:       goal,
		day:        day,
		notBefore:  alignUp(e.clock(), e.opts.SlotGranularity),
		turnover:   e.opts.turnover(),
		maxChanges: maxChanges,
		hours:      make(map[uuid.UUID]Interval),
	}
	for _, id := range roomIDs {
		if _, ok := snap.Room(id); !ok {
			return nil, NewNotFoundError("room", id)
		}
	}
	for _, r := range snap.Rooms {
		if !r.IsActive || (len(roomIDs) > 0 && !containsID(roomIDs, r.ID)) {
			continue
		}
		o.rooms = append(o.rooms, r)
		o.hours[r.ID] = e.roomHours(r, day)
	}

	dayEnd := day.AddDate(0, 0, 1)
	for _, c := range snap.Cases {
		if !c.HoldsResources() {
			continue
		}
		_, inScope := o.hours[*c.RoomID]
		onDay := !c.ScheduledStart.Before(day) && c.ScheduledStart.Before(dayEnd)
		scored := inScope && onDay
		o.cases = append(o.cases, optCase{
			c:       c,
			minutes: c.EstimatedMinutes,
			scored:  scored,
			movable: scored && c.Status.Movable() && c.ScheduledStart.After(o.notBefore),
		})
	}
	sort.SliceStable(o.cases, func(i, j int) bool {
		a, b := o.cases[i].c, o.cases[j].c
		if !a.ScheduledStart.Equal(*b.ScheduledStart) {
			return a.ScheduledStart.Before(*b.ScheduledStart)
		}
		return a.ID.String() < b.ID.String()
	})
	o.orig = make([]slot, len(o.cases))
	for i, oc := range o.cases {
		o.orig[i] = slot{room: *oc.c.RoomID, start: *oc.c.ScheduledStart}
	}
	return o, nil
}

// search runs best-improvement local search from the original state until
// no move improves the score, the iteration budget runs out or ctx is done.
func (o *optimizer) search(ctx context.Context, maxIterations int) ([]slot, int, bool, map[int]string) {
	cur := append([]slot(nil), o.orig...)
	curScore := o.score(cur)
	reasons := make(map[int]string)

	for it := 0; it < maxIterations; it++ {
		if ctx.Err() != nil {
			return cur, it, true, reasons
		}
		cands := o.candidates(cur)
		if len(cands) == 0 {
			return cur, it, false, reasons
		}

		scores := make([][]int64, len(cands))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(runtime.GOMAXPROCS(0))
		for i := range cands {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				next := apply(cur, cands[i].changes)
				if o.changedCount(next) > o.maxChanges || !o.feasible(next, cands[i].changes) {
					return nil
				}
				scores[i] = o.score(next)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return cur, it, true, reasons
		}

		best := -1
		for i, s := range scores {
			if s == nil || !less(s, curScore) {
				continue
			}
			if best < 0 || less(s, scores[best]) {
				best = i
			}
		}
		if best < 0 {
			return cur, it, false, reasons
		}
		cur = apply(cur, cands[best].changes)
		curScore = scores[best]
		for _, ch := range cands[best].changes {
			reasons[ch.idx] = cands[best].reason
		}
	}
	return cur, maxIterations, o.hasImprovement(cur, curScore), reasons
}

// hasImprovement reports whether an improving move still exists; used to
// tell an exhausted budget from a converged search.
func (o *optimizer) hasImprovement(cur []slot, curScore []int64) bool {
	for _, cand := range o.candidates(cur) {
		next := apply(cur, cand.changes)
		if o.changedCount(next) <= o.maxChanges && o.feasible(next, cand.changes) && less(o.score(next), curScore) {
			return true
		}
	}
	return false
}

func apply(st []slot, changes []change) []slot {
	next := append([]slot(nil), st...)
	for _, ch := range changes {
		next[ch.idx] = ch.to
	}
	return next
}

func (o *optimizer) changedCount(st []slot) int {
	n := 0
	for i := range st {
		if !st[i].same(o.orig[i]) {
			n++
		}
	}
	return n
}

// candidates lists every slide, swap and relocation of movable cases.
func (o *optimizer) candidates(st []slot) []candidate {
	var out []candidate
	for i, oc := range o.cases {
		if !oc.movable {
			continue
		}
		hours := o.hours[st[i].room]
		window := Interval{Start: hours.Start, End: st[i].start.Add(time.Duration(oc.minutes) * time.Minute)}
		if start, ok := earliestFit(window, o.dur(i), o.busy(i, st[i].room, st), o.notBefore); ok && start.Before(st[i].start) {
			out = append(out, candidate{changes: []change{{i, slot{st[i].room, start}}}, reason: "slide earlier into gap"})
		}
	}
	for i := range o.cases {
		if !o.cases[i].movable {
			continue
		}
		for j := i + 1; j < len(o.cases); j++ {
			if !o.cases[j].movable || st[i].same(st[j]) || durationClass(o.cases[i].minutes) != durationClass(o.cases[j].minutes) {
				continue
			}
			out = append(out, candidate{
				changes: []change{{i, st[j]}, {j, st[i]}},
				reason:  "swap same-length cases",
			})
		}
	}
	for i, oc := range o.cases {
		if !oc.movable {
			continue
		}
		for _, r := range o.rooms {
			if r.ID == st[i].room {
				continue
			}
			start, ok := earliestFit(o.hours[r.ID], o.dur(i), o.busy(i, r.ID, st), o.notBefore)
			if ok {
				out = append(out, candidate{changes: []change{{i, slot{r.ID, start}}}, reason: "relocate to " + r.Name})
			}
		}
	}
	return out
}

func durationClass(minutes int) int {
	return (minutes + 29) / 30
}

func (o *optimizer) dur(i int) time.Duration {
	return time.Duration(o.cases[i].minutes) * time.Minute
}

// busy returns the intervals case i may not start into when placed in room.
func (o *optimizer) busy(i int, room uuid.UUID, st []slot) []Interval {
	a := o.cases[i].c
	var out []Interval
	for j, oc := range o.cases {
		if j == i {
			continue
		}
		iv := NewInterval(st[j].start, oc.minutes)
		switch {
		case st[j].room == room:
			out = append(out, Interval{Start: iv.Start.Add(-o.turnover), End: iv.End.Add(o.turnover)})
		case oc.c.SurgeonID == a.SurgeonID || sharesEquipment(a, oc.c):
			out = append(out, iv)
		}
	}
	return out
}

func sharesEquipment(a, b *SurgicalCase) bool {
	for _, id := range a.EquipmentIDs {
		if containsID(b.EquipmentIDs, id) {
			return true
		}
	}
	return false
}

// feasible checks the changed cases against every other case and the
// start-time limits.
func (o *optimizer) feasible(st []slot, changes []change) bool {
	for _, ch := range changes {
		i := ch.idx
		hours, ok := o.hours[st[i].room]
		if !ok || st[i].start.Before(o.notBefore) || st[i].start.Before(hours.Start) {
			return false
		}
		for j := range o.cases {
			if j != i && o.clash(i, st[i], j, st[j]) {
				return false
			}
		}
	}
	return true
}

func (o *optimizer) clash(i int, si slot, j int, sj slot) bool {
	a, b := o.cases[i], o.cases[j]
	ivA, ivB := NewInterval(si.start, a.minutes), NewInterval(sj.start, b.minutes)
	if si.room == sj.room && ivA.Pad(o.turnover).Overlaps(ivB.Pad(o.turnover)) {
		return true
	}
	if !ivA.Overlaps(ivB) {
		return false
	}
	return a.c.SurgeonID == b.c.SurgeonID || sharesEquipment(a.c, b.c)
}

type roomDay struct {
	busy, idle, overtime, available int
	sumStarts                       int64
}

func (o *optimizer) roomDays(st []slot) map[uuid.UUID]*roomDay {
	type span struct{ first, last time.Time }
	spans := make(map[uuid.UUID]*span)
	out := make(map[uuid.UUID]*roomDay)
	for i, oc := range o.cases {
		if !oc.scored {
			continue
		}
		iv := NewInterval(st[i].start, oc.minutes)
		rd, ok := out[st[i].room]
		if !ok {
			rd = &roomDay{}
			out[st[i].room] = rd
			spans[st[i].room] = &span{first: iv.Start, last: iv.End}
		}
		sp := spans[st[i].room]
		if iv.Start.Before(sp.first) {
			sp.first = iv.Start
		}
		if iv.End.After(sp.last) {
			sp.last = iv.End
		}
		rd.busy += oc.minutes
		rd.sumStarts += int64(iv.Start.Sub(o.day) / time.Minute)
	}
	for room, rd := range out {
		hours := o.hours[room]
		sp := spans[room]
		from := hours.Start
		if sp.first.Before(from) {
			from = sp.first
		}
		rd.idle = int(sp.last.Sub(from)/time.Minute) - rd.busy
		if rd.idle < 0 {
			rd.idle = 0
		}
		if over := int(sp.last.Sub(hours.End) / time.Minute); over > 0 {
			rd.overtime = over
		}
		rd.available = hours.Minutes()
	}
	return out
}

// score is the goal's lexicographic objective; lower is better.
func (o *optimizer) score(st []slot) []int64 {
	var idle, overtime, available, starts int64
	for _, rd := range o.roomDays(st) {
		idle += int64(rd.idle)
		overtime += int64(rd.overtime)
		available += int64(rd.available)
		starts += rd.sumStarts
	}
	switch o.goal {
	case GoalMaximizeUtilization:
		return []int64{available, idle, starts}
	case GoalMinimizeOvertime:
		return []int64{overtime, idle, starts}
	default:
		return []int64{idle, starts}
	}
}

func less(a, b []int64) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func (o *optimizer) metrics(st []slot) ScheduleMetrics {
	var m ScheduleMetrics
	for _, rd := range o.roomDays(st) {
		m.RoomsUsed++
		m.UtilizedMinutes += rd.busy
		m.AvailableMinutes += rd.available
		m.IdleMinutes += rd.idle
		m.OvertimeMinutes += rd.overtime
	}
	for _, oc := range o.cases {
		if oc.scored {
			m.CaseCount++
		}
	}
	m.UtilizationPercent = percent(m.UtilizedMinutes, m.AvailableMinutes)
	return m
}

func (o *optimizer) moves(final []slot, reasons map[int]string) []CaseMove {
	out := []CaseMove{}
	for i, s := range final {
		if s.same(o.orig[i]) {
			continue
		}
		out = append(out, CaseMove{
			CaseID:     o.cases[i].c.ID,
			FromRoomID: o.orig[i].room,
			From:       o.orig[i].start,
			ToRoomID:   s.room,
			To:         s.start,
			Minutes:    o.cases[i].minutes,
			Reason:     reasons[i],
		})
	}
	return out
}

// ApplyProposal commits a proposal's moves if the day's schedule is still
// the one the proposal was computed against.
func (e *Engine) ApplyProposal(ctx context.Context, p *OptimizationProposal) (_ []*SurgicalCase, err error) {
	ctx, end := e.instrument(ctx, "ApplyProposal")
	defer func() { end(err) }()

	if p == nil || p.TargetDate.IsZero() {
		return nil, NewValidationError("proposal with a target_date is required")
	}
	if len(p.Moves) == 0 {
		return []*SurgicalCase{}, nil
	}

	var keys []string
	for _, mv := range p.Moves {
		c, err := e.store.GetCase(ctx, mv.CaseID)
		if err != nil {
			return nil, err
		}
		keys = append(keys, placementLockKeys(&mv.FromRoomID, c.SurgeonID, c.EquipmentIDs)...)
		keys = append(keys, resourceKey(ResourceRoom, mv.ToRoomID))
	}
	release, err := e.lock(ctx, keys...)
	if err != nil {
		return nil, err
	}
	defer release()

	day := e.localDay(p.TargetDate)
	dayKeyName := dayVersionKey(day, e.opts.Location)
	snap, ix, err := e.snapshot(ctx, Interval{Start: day.AddDate(0, 0, -1), End: day.AddDate(0, 0, 2)})
	if err != nil {
		return nil, err
	}
	if v := snap.Version(dayKeyName); v != p.Token {
		return nil, NewStaleScheduleError("schedule for %s changed since the proposal was computed (version %d, proposal %d)", dayKey(day), v, p.Token)
	}

	now := e.clock()
	seen := make(map[uuid.UUID]bool, len(p.Moves))
	moved := make([]uuid.UUID, 0, len(p.Moves))
	befores := make([]*SurgicalCase, 0, len(p.Moves))
	for _, mv := range p.Moves {
		if seen[mv.CaseID] {
			return nil, NewValidationError("case %s is moved twice", mv.CaseID)
		}
		seen[mv.CaseID] = true
		cur, ok := ix.Case(mv.CaseID)
		if !ok || *cur.RoomID != mv.FromRoomID || !cur.ScheduledStart.Equal(mv.From) {
			return nil, NewStaleScheduleError("case %s is no longer where the proposal expects it", mv.CaseID)
		}
		if !cur.Status.Movable() {
			return nil, NewStaleScheduleError("case %s is %s and can no longer be moved", mv.CaseID, cur.Status)
		}
		if mv.To.Before(now) {
			return nil, NewStaleScheduleError("proposal moves case %s into the past", mv.CaseID)
		}
		if _, ok := snap.Room(mv.ToRoomID); !ok {
			return nil, NewNotFoundError("room", mv.ToRoomID)
		}
		moved = append(moved, cur.ID)
		befores = append(befores, cur)
	}
	for _, id := range moved {
		ix.Remove(id)
	}

	c := e.newCommit()
	c.Expect[dayKeyName] = p.Token
	updated := make([]*SurgicalCase, 0, len(p.Moves))
	for i, mv := range p.Moves {
		upd := befores[i].Clone()
		upd.RoomID = uuidPtr(mv.ToRoomID)
		upd.ScheduledStart = timePtr(mv.To.In(e.opts.Location))
		pl, _ := placementOf(upd)
		if conflicts := ix.Conflicts(pl); len(conflicts) > 0 {
			return nil, e.conflictError(conflicts)
		}
		ix.Add(upd)
		iv, _ := upd.Interval()
		upd.BlockID = nil
		if b := blockCovering(snap.Blocks, upd.RoomID, upd.SurgeonID, iv, e.opts.Location); b != nil {
			upd.BlockID = uuidPtr(b.ID)
		}
		for k, v := range expectFor(snap, e.opts.Location, upd) {
			c.Expect[k] = v
		}
		c.Updates = append(c.Updates, CaseWrite{Case: upd, Before: befores[i], ExpectVersion: befores[i].Version})
		updated = append(updated, upd)
	}
	if err := e.store.CommitWithVersion(ctx, c); err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("proposal_id", p.ID.String()).
		Str("goal", string(p.Goal)).
		Str("date", dayKey(day)).
		Int("moves", len(updated)).
		Msg("optimization applied")
	for i, upd := range updated {
		e.record(ctx, ActionProposalApplied, upd.ID, map[string]any{
			"proposal_id":  p.ID.String(),
			"from_room_id": p.Moves[i].FromRoomID.String(),
			"from":         p.Moves[i].From.UTC(),
			"to_room_id":   p.Moves[i].ToRoomID.String(),
			"to":           p.Moves[i].To.UTC(),
		})
	}
	return updated, nil
}
