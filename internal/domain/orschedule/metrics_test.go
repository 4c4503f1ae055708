package orschedule

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_CountOperationsAndConflicts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	store := NewMemoryStore()
	engine := NewEngine(store, Options{},
		WithClock(func() time.Time { return at(monday, 6, 0) }),
		WithMetrics(m),
	)
	ctx := context.Background()
	room := &Room{Name: "OR 1", IsActive: true}
	if err := engine.CreateRoom(ctx, room); err != nil {
		t.Fatal(err)
	}

	req := ScheduleRequest{
		PatientID:        uuid.New(),
		SurgeonID:        uuid.New(),
		ProcedureCode:    "CHOL",
		RequestedStart:   timePtr(at(tuesday, 9, 0)),
		RoomID:           &room.ID,
		EstimatedMinutes: intPtr(60),
	}
	if _, err := engine.ScheduleCase(ctx, req); err != nil {
		t.Fatal(err)
	}
	req.SurgeonID = uuid.New()
	if _, err := engine.ScheduleCase(ctx, req); err == nil {
		t.Fatal("expected room conflict")
	}
	req.PatientID = uuid.Nil
	_, _ = engine.ScheduleCase(ctx, req)

	if got := testutil.ToFloat64(m.operations.WithLabelValues("ScheduleCase", "ok")); got != 1 {
		t.Errorf("ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.operations.WithLabelValues("ScheduleCase", string(KindConflict))); got != 1 {
		t.Errorf("conflict outcomes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.operations.WithLabelValues("ScheduleCase", string(KindValidation))); got != 1 {
		t.Errorf("validation outcomes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.conflicts.WithLabelValues(string(ResourceRoom))); got != 1 {
		t.Errorf("room conflicts = %v, want 1", got)
	}

	if _, err := engine.Optimize(ctx, OptimizeRequest{TargetDate: tuesday, Goal: GoalMinimizeIdle}); err != nil {
		t.Fatal(err)
	}
	if n := testutil.CollectAndCount(m.optimizerRun); n != 1 {
		t.Errorf("optimizer series = %d, want 1", n)
	}
	if n, err := testutil.GatherAndCount(reg, "orsched_optimizer_proposal_moves"); err != nil || n != 1 {
		t.Errorf("proposal_moves series = %d err = %v", n, err)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.observeOperation("ScheduleCase", nil)
	m.observeConflict(ResourceRoom)
	m.observeDisplaced(2)
	m.observeOptimizer(GoalMinimizeIdle, 0.1, 3)
}

func TestMetrics_DisplacedCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.observeDisplaced(0)
	m.observeDisplaced(2)
	if got := testutil.ToFloat64(m.displaced); got != 2 {
		t.Errorf("displaced = %v, want 2", got)
	}
}
