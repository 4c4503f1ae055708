package orschedule

import (
	"testing"

	"github.com/google/uuid"
)

type utilizationScene struct {
	*fixture
	room    *Room
	surgeon uuid.UUID
	block   *ORBlock
	day     DateRange
}

// A four-hour Monday block holding a completed case (100 actual minutes),
// a scheduled hour and a cancelled half hour.
func newUtilizationScene(t *testing.T) *utilizationScene {
	f := newFixture(t, at(monday, 6, 0), Options{})
	s := &utilizationScene{fixture: f, room: f.room("OR 1"), surgeon: uuid.New()}
	s.block = f.block(s.surgeon, s.room.ID, monday, NewTimeOfDay(8, 0), NewTimeOfDay(12, 0))
	s.day = DateRange{From: monday, To: tuesday}

	done := f.mustPin(s.surgeon, nil, at(monday, 8, 0), 90, PriorityRoutine)
	for _, step := range []func() (*SurgicalCase, error){
		func() (*SurgicalCase, error) { return f.engine.ConfirmCase(f.ctx, done.ID) },
		func() (*SurgicalCase, error) { return f.engine.StartCase(f.ctx, done.ID) },
		func() (*SurgicalCase, error) { return f.engine.CompleteCase(f.ctx, done.ID, intPtr(100)) },
	} {
		if _, err := step(); err != nil {
			t.Fatal(err)
		}
	}
	f.mustPin(s.surgeon, nil, at(monday, 10, 0), 60, PriorityRoutine)
	dropped := f.mustPin(s.surgeon, nil, at(monday, 11, 0), 30, PriorityRoutine)
	if _, err := f.engine.CancelCase(f.ctx, dropped.ID, "patient request"); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestGetUtilization_Scopes(t *testing.T) {
	s := newUtilizationScene(t)
	scopes := map[string]UtilizationScope{
		"all":     {Kind: ScopeAll},
		"default": {},
		"room":    {Kind: ScopeRoom, ID: &s.room.ID},
		"surgeon": {Kind: ScopeSurgeon, ID: &s.surgeon},
		"block":   {Kind: ScopeBlock, ID: &s.block.ID},
	}
	for name, scope := range scopes {
		t.Run(name, func(t *testing.T) {
			rep, err := s.engine.GetUtilization(s.ctx, scope, s.day)
			if err != nil {
				t.Fatal(err)
			}
			if rep.AvailableMinutes != 240 || rep.UtilizedMinutes != 160 {
				t.Errorf("available = %d utilized = %d, want 240 and 160", rep.AvailableMinutes, rep.UtilizedMinutes)
			}
			if rep.UtilizationPercent != 66.67 {
				t.Errorf("percent = %v", rep.UtilizationPercent)
			}
			if rep.CaseCount != 2 || rep.CompletedCount != 1 || rep.CancellationCount != 1 {
				t.Errorf("counts = %d/%d/%d", rep.CaseCount, rep.CompletedCount, rep.CancellationCount)
			}
			if rep.CancellationRate != 0.33 {
				t.Errorf("cancellation rate = %v", rep.CancellationRate)
			}
			if len(rep.Insights) != 2 {
				t.Errorf("insights = %v", rep.Insights)
			}
			if len(rep.Breakdown) != 1 || rep.Breakdown[0].RoomName != "OR 1" {
				t.Errorf("breakdown = %+v", rep.Breakdown)
			}
		})
	}
}

func TestGetUtilization_OtherSurgeonSeesNothing(t *testing.T) {
	s := newUtilizationScene(t)
	other := uuid.New()
	rep, err := s.engine.GetUtilization(s.ctx, UtilizationScope{Kind: ScopeSurgeon, ID: &other}, s.day)
	if err != nil {
		t.Fatal(err)
	}
	if rep.AvailableMinutes != 0 || rep.UtilizedMinutes != 0 || rep.UtilizationPercent != 0 {
		t.Errorf("report = %+v", rep)
	}
}

func TestGetUtilization_RoomHoursWithoutBlocks(t *testing.T) {
	f := newFixture(t, at(monday, 6, 0), Options{})
	r := f.room("OR 1")
	f.mustPin(uuid.New(), &r.ID, at(monday, 16, 0), 120, PriorityRoutine)

	rep, err := f.engine.GetUtilization(f.ctx, UtilizationScope{Kind: ScopeRoom, ID: &r.ID}, DateRange{From: monday, To: tuesday})
	if err != nil {
		t.Fatal(err)
	}
	if rep.AvailableMinutes != 600 || rep.UtilizedMinutes != 120 || rep.OvertimeMinutes != 60 {
		t.Errorf("report = %+v", rep)
	}
}

func TestGetUtilization_DefaultRange(t *testing.T) {
	s := newUtilizationScene(t)
	rep, err := s.engine.GetUtilization(s.ctx, UtilizationScope{}, DateRange{})
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Range.From.Equal(monday) || !rep.Range.To.Equal(monday.AddDate(0, 0, 28)) {
		t.Errorf("range = %+v", rep.Range)
	}
	// four Mondays in 28 days
	if rep.AvailableMinutes != 4*240 {
		t.Errorf("available = %d", rep.AvailableMinutes)
	}
}

func TestGetUtilization_Validation(t *testing.T) {
	s := newUtilizationScene(t)
	for name, tc := range map[string]struct {
		scope UtilizationScope
		r     DateRange
		want  *Error
	}{
		"room without id": {UtilizationScope{Kind: ScopeRoom}, s.day, ErrValidation},
		"unknown kind":    {UtilizationScope{Kind: "ward"}, s.day, ErrValidation},
		"inverted range":  {UtilizationScope{}, DateRange{From: tuesday, To: monday}, ErrValidation},
		"unknown room":    {UtilizationScope{Kind: ScopeRoom, ID: uuidPtr(uuid.New())}, s.day, ErrNotFound},
		"unknown block":   {UtilizationScope{Kind: ScopeBlock, ID: uuidPtr(uuid.New())}, s.day, ErrNotFound},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := s.engine.GetUtilization(s.ctx, tc.scope, tc.r)
			wantKind(t, err, tc.want)
		})
	}
}

func TestListBlocks_IncludesUtilization(t *testing.T) {
	s := newUtilizationScene(t)
	out, err := s.engine.ListBlocks(s.ctx, BlockFilter{SurgeonID: &s.surgeon, Range: &s.day})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].ID != s.block.ID {
		t.Fatalf("blocks = %+v", out)
	}
	if u := out[0].Utilization; u.UtilizedMinutes != 160 || u.AvailableMinutes != 240 {
		t.Errorf("utilization = %+v", u)
	}

	none, err := s.engine.ListBlocks(s.ctx, BlockFilter{RoomID: uuidPtr(uuid.New())})
	if err != nil || none == nil || len(none) != 0 {
		t.Errorf("none = %v err = %v", none, err)
	}
}
