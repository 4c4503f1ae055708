package orschedule

import (
	"testing"

	"github.com/google/uuid"
)

var tuesday = monday.AddDate(0, 0, 1)

type optimizerScene struct {
	*fixture
	room        *Room
	early, late *SurgicalCase
}

// Room 1 opens 07:00-17:00 and has two one-hour cases at 09:00 and 13:00,
// leaving 300 idle minutes.
func newOptimizerScene(t *testing.T) *optimizerScene {
	f := newFixture(t, at(monday, 6, 0), Options{})
	s := &optimizerScene{fixture: f, room: f.room("OR 1")}
	s.early = f.mustPin(uuid.New(), &s.room.ID, at(tuesday, 9, 0), 60, PriorityRoutine)
	s.late = f.mustPin(uuid.New(), &s.room.ID, at(tuesday, 13, 0), 60, PriorityRoutine)
	return s
}

func (s *optimizerScene) optimize(req OptimizeRequest) *OptimizationProposal {
	s.t.Helper()
	if req.TargetDate.IsZero() {
		req.TargetDate = tuesday
	}
	if req.Goal == "" {
		req.Goal = GoalMinimizeIdle
	}
	p, err := s.engine.Optimize(s.ctx, req)
	if err != nil {
		s.t.Fatalf("optimize: %v", err)
	}
	return p
}

func TestOptimize_MinimizeIdleCompactsTheDay(t *testing.T) {
	s := newOptimizerScene(t)
	p := s.optimize(OptimizeRequest{})

	if p.Before.IdleMinutes != 300 || p.After.IdleMinutes != 0 {
		t.Errorf("idle %d -> %d, want 300 -> 0", p.Before.IdleMinutes, p.After.IdleMinutes)
	}
	if p.ScoreBefore != 300 || p.ScoreAfter != 0 || p.ScoreDelta != 300 {
		t.Errorf("scores = %d/%d/%d", p.ScoreBefore, p.ScoreAfter, p.ScoreDelta)
	}
	if len(p.Moves) != 2 {
		t.Fatalf("moves = %+v, want 2", p.Moves)
	}
	to := map[uuid.UUID]CaseMove{}
	for _, mv := range p.Moves {
		to[mv.CaseID] = mv
		if mv.Reason == "" {
			t.Errorf("move %s has no reason", mv.CaseID)
		}
	}
	if !to[s.late.ID].To.Equal(at(tuesday, 7, 0)) || !to[s.early.ID].To.Equal(at(tuesday, 8, 0)) {
		t.Errorf("moves = %+v", p.Moves)
	}

	// proposals are read-only
	if got := s.get(s.early.ID); !got.ScheduledStart.Equal(at(tuesday, 9, 0)) {
		t.Error("optimize modified the schedule")
	}

	applied, err := s.engine.ApplyProposal(s.ctx, p)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("applied = %d", len(applied))
	}
	if got := s.get(s.late.ID); !got.ScheduledStart.Equal(at(tuesday, 7, 0)) || got.Version != 2 {
		t.Errorf("late case after apply = %+v", got)
	}
	s.assertNoOverlaps()

	again := s.optimize(OptimizeRequest{})
	if len(again.Moves) != 0 || again.ScoreBefore != 0 {
		t.Errorf("second run should be a fixed point: %+v", again)
	}
}

func TestOptimize_IsDeterministic(t *testing.T) {
	s := newOptimizerScene(t)
	a := s.optimize(OptimizeRequest{})
	b := s.optimize(OptimizeRequest{})
	if len(a.Moves) != len(b.Moves) || a.ScoreAfter != b.ScoreAfter {
		t.Fatalf("runs differ: %+v vs %+v", a.Moves, b.Moves)
	}
	for i := range a.Moves {
		if a.Moves[i].CaseID != b.Moves[i].CaseID || !a.Moves[i].To.Equal(b.Moves[i].To) {
			t.Errorf("move %d differs: %+v vs %+v", i, a.Moves[i], b.Moves[i])
		}
	}
}

func TestOptimize_RespectsMaxChanges(t *testing.T) {
	s := newOptimizerScene(t)
	p := s.optimize(OptimizeRequest{MaxChanges: intPtr(1)})
	if len(p.Moves) != 1 {
		t.Fatalf("moves = %+v, want 1", p.Moves)
	}
	if p.After.IdleMinutes != 60 {
		t.Errorf("idle after = %d, want 60", p.After.IdleMinutes)
	}
}

func TestOptimize_LeavesInProgressCasesAlone(t *testing.T) {
	s := newOptimizerScene(t)
	if _, err := s.engine.ConfirmCase(s.ctx, s.early.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.engine.StartCase(s.ctx, s.early.ID); err != nil {
		t.Fatal(err)
	}
	p := s.optimize(OptimizeRequest{})
	for _, mv := range p.Moves {
		if mv.CaseID == s.early.ID {
			t.Fatalf("in-progress case moved: %+v", mv)
		}
	}
	if len(p.Moves) != 1 || p.After.IdleMinutes != 60 {
		t.Errorf("moves = %+v idle = %d", p.Moves, p.After.IdleMinutes)
	}
}

func TestOptimize_RelocatesToAnotherRoom(t *testing.T) {
	s := newOptimizerScene(t)
	second := s.fixture.room("OR 2")
	s.mustPin(uuid.New(), &second.ID, at(tuesday, 7, 0), 60, PriorityRoutine)

	p := s.optimize(OptimizeRequest{RoomIDs: []uuid.UUID{s.room.ID, second.ID}})
	if p.After.IdleMinutes >= p.Before.IdleMinutes {
		t.Errorf("idle %d -> %d, want a reduction", p.Before.IdleMinutes, p.After.IdleMinutes)
	}
	if _, err := s.engine.ApplyProposal(s.ctx, p); err != nil {
		t.Fatal(err)
	}
	s.assertNoOverlaps()
}

func TestApplyProposal_RejectsStaleToken(t *testing.T) {
	s := newOptimizerScene(t)
	p := s.optimize(OptimizeRequest{})

	s.mustPin(uuid.New(), &s.room.ID, at(tuesday, 15, 0), 60, PriorityRoutine)

	_, err := s.engine.ApplyProposal(s.ctx, p)
	wantKind(t, err, ErrStaleSchedule)
	if got := s.get(s.late.ID); !got.ScheduledStart.Equal(at(tuesday, 13, 0)) {
		t.Error("stale proposal partially applied")
	}
}

func TestApplyProposal_OtherDaysDoNotInvalidate(t *testing.T) {
	s := newOptimizerScene(t)
	p := s.optimize(OptimizeRequest{})
	s.mustPin(uuid.New(), &s.room.ID, at(monday.AddDate(0, 0, 2), 9, 0), 60, PriorityRoutine)
	if _, err := s.engine.ApplyProposal(s.ctx, p); err != nil {
		t.Fatalf("apply after unrelated change: %v", err)
	}
}

func TestApplyProposal_EmptyIsNoop(t *testing.T) {
	s := newOptimizerScene(t)
	out, err := s.engine.ApplyProposal(s.ctx, &OptimizationProposal{TargetDate: tuesday})
	if err != nil || len(out) != 0 {
		t.Errorf("out = %v err = %v", out, err)
	}
	_, err = s.engine.ApplyProposal(s.ctx, nil)
	wantKind(t, err, ErrValidation)
}

func TestOptimize_Validation(t *testing.T) {
	s := newOptimizerScene(t)
	for name, req := range map[string]OptimizeRequest{
		"bad goal":    {TargetDate: tuesday, Goal: "fastest"},
		"no date":     {Goal: GoalMinimizeIdle},
		"bad changes": {TargetDate: tuesday, Goal: GoalMinimizeIdle, MaxChanges: intPtr(0)},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := s.engine.Optimize(s.ctx, req)
			wantKind(t, err, ErrValidation)
		})
	}
	_, err := s.engine.Optimize(s.ctx, OptimizeRequest{TargetDate: tuesday, Goal: GoalMinimizeIdle, RoomIDs: []uuid.UUID{uuid.New()}})
	wantKind(t, err, ErrNotFound)
}

func TestOptimize_MinimizeOvertime(t *testing.T) {
	f := newFixture(t, at(monday, 6, 0), Options{})
	r := f.room("OR 1")
	f.mustPin(uuid.New(), &r.ID, at(tuesday, 8, 0), 60, PriorityRoutine)
	late := f.mustPin(uuid.New(), &r.ID, at(tuesday, 16, 30), 60, PriorityRoutine)

	p, err := f.engine.Optimize(f.ctx, OptimizeRequest{TargetDate: tuesday, Goal: GoalMinimizeOvertime})
	if err != nil {
		t.Fatal(err)
	}
	if p.Before.OvertimeMinutes != 30 || p.After.OvertimeMinutes != 0 {
		t.Errorf("overtime %d -> %d, want 30 -> 0", p.Before.OvertimeMinutes, p.After.OvertimeMinutes)
	}
	found := false
	for _, mv := range p.Moves {
		found = found || mv.CaseID == late.ID
	}
	if !found {
		t.Errorf("late case not moved: %+v", p.Moves)
	}
}
