package orschedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func newMockStore(t *testing.T) (*PGStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	t.Cleanup(mock.Close)
	s := NewPGStore(mock)
	s.now = func() time.Time { return at(monday, 6, 0) }
	return s, mock
}

func columnNames(cols []any) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.(string)
	}
	return out
}

func caseRows(cases ...*SurgicalCase) *pgxmock.Rows {
	rows := pgxmock.NewRows(columnNames(caseColumns))
	for _, c := range cases {
		rows.AddRow(c.ID, c.PatientID, c.SurgeonID, c.ProcedureCode, c.RoomID, c.BlockID, c.ScheduledStart,
			c.EstimatedMinutes, c.ActualStart, c.ActualEnd, c.ActualMinutes, string(c.Priority), string(c.Status),
			c.AnesthesiaType, c.NeedsRebooking, c.DisplacedBy, c.CancelReason, c.CancelledAt, c.Note, c.Version,
			c.CreatedAt, c.UpdatedAt)
	}
	return rows
}

// anyArgs matches n prepared arguments without checking their values.
func anyArgs(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = pgxmock.AnyArg()
	}
	return out
}

// caseWriteArgs is one argument per surgical_case column written by an
// insert or update; goqu binds NULLs as arguments too.
const caseWriteArgs = 23

func sampleCase() *SurgicalCase {
	room := uuid.New()
	start := at(tuesday, 9, 0)
	return &SurgicalCase{
		ID:               uuid.New(),
		PatientID:        uuid.New(),
		SurgeonID:        uuid.New(),
		ProcedureCode:    "CHOL",
		RoomID:           &room,
		ScheduledStart:   &start,
		EstimatedMinutes: 90,
		Priority:         PriorityRoutine,
		Status:           StatusScheduled,
		Version:          1,
		CreatedAt:        at(monday, 6, 0),
		UpdatedAt:        at(monday, 6, 0),
	}
}

func TestPGStore_GetCase(t *testing.T) {
	s, mock := newMockStore(t)
	sc := sampleCase()
	eq := uuid.New()

	mock.ExpectQuery(`SELECT "id", "patient_id", .* FROM "surgical_case" WHERE \("id" = \$1\)`).
		WithArgs(sc.ID.String()).
		WillReturnRows(caseRows(sc))
	mock.ExpectQuery(`SELECT "case_id", "equipment_id" FROM "surgical_case_equipment"`).
		WithArgs(sc.ID.String()).
		WillReturnRows(pgxmock.NewRows([]string{"case_id", "equipment_id"}).AddRow(sc.ID, eq))

	got, err := s.GetCase(context.Background(), sc.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != sc.ID || got.Status != StatusScheduled || !got.ScheduledStart.Equal(*sc.ScheduledStart) {
		t.Errorf("case = %+v", got)
	}
	if len(got.EquipmentIDs) != 1 || got.EquipmentIDs[0] != eq {
		t.Errorf("equipment = %v", got.EquipmentIDs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGStore_GetCase_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()
	mock.ExpectQuery(`FROM "surgical_case" WHERE`).WithArgs(id.String()).WillReturnRows(caseRows())

	_, err := s.GetCase(context.Background(), id)
	wantKind(t, err, ErrNotFound)
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGStore_ListCases(t *testing.T) {
	s, mock := newMockStore(t)
	a, b := sampleCase(), sampleCase()
	room := *a.RoomID

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "surgical_case" WHERE \("room_id" = \$1\)`).
		WithArgs(room.String()).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(5))
	mock.ExpectQuery(`FROM "surgical_case" WHERE \("room_id" = \$1\) ORDER BY "scheduled_start" ASC NULLS LAST, "created_at" ASC LIMIT \$2 OFFSET \$3`).
		WithArgs(room.String(), int64(2), int64(2)).
		WillReturnRows(caseRows(a, b))
	mock.ExpectQuery(`FROM "surgical_case_equipment"`).
		WithArgs(a.ID.String(), b.ID.String()).
		WillReturnRows(pgxmock.NewRows([]string{"case_id", "equipment_id"}))

	cases, total, err := s.ListCases(context.Background(), CaseFilter{RoomID: &room, Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 5 || len(cases) != 2 {
		t.Errorf("total = %d cases = %d", total, len(cases))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGStore_CommitInsert(t *testing.T) {
	s, mock := newMockStore(t)
	sc := sampleCase()
	sc.Version = 0
	keys := versionKeys(sc, time.UTC)
	expect := make(map[string]int64, len(keys))
	versions := pgxmock.NewRows([]string{"key", "version"})
	for _, k := range keys {
		expect[k] = 0
		versions.AddRow(k, int64(0))
	}

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	mock.ExpectExec(`INSERT INTO "or_schedule_version" .* ON CONFLICT DO NOTHING`).
		WithArgs(anyArgs(3 * len(keys))...).
		WillReturnResult(pgxmock.NewResult("INSERT", 3))
	mock.ExpectQuery(`SELECT "key", "version" FROM "or_schedule_version" WHERE .* FOR UPDATE`).
		WithArgs(anyArgs(len(keys))...).
		WillReturnRows(versions)
	mock.ExpectExec(`INSERT INTO "surgical_case"`).
		WithArgs(anyArgs(caseWriteArgs)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO "or_schedule_version" .* ON CONFLICT \(key\) DO UPDATE`).
		WithArgs(anyArgs(3 * len(keys))...).
		WillReturnResult(pgxmock.NewResult("INSERT", 3))
	mock.ExpectCommit()

	err := s.CommitWithVersion(context.Background(), &Commit{Location: time.UTC, Expect: expect, Inserts: []*SurgicalCase{sc}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sc.Version != 1 || !sc.CreatedAt.Equal(at(monday, 6, 0)) {
		t.Errorf("case = %+v", sc)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGStore_CommitRejectsStaleVersion(t *testing.T) {
	s, mock := newMockStore(t)
	sc := sampleCase()
	key := dayVersionKey(*sc.ScheduledStart, time.UTC)

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	mock.ExpectExec(`INSERT INTO "or_schedule_version"`).
		WithArgs(versionKeyDay(key), key, int64(0)).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`FROM "or_schedule_version"`).
		WithArgs(key).
		WillReturnRows(pgxmock.NewRows([]string{"key", "version"}).AddRow(key, int64(3)))
	mock.ExpectRollback()

	err := s.CommitWithVersion(context.Background(), &Commit{Location: time.UTC, Expect: map[string]int64{key: 2}, Inserts: []*SurgicalCase{sc}})
	wantKind(t, err, ErrStaleSchedule)
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGStore_CommitUpdateLosesRace(t *testing.T) {
	s, mock := newMockStore(t)
	sc := sampleCase()

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	updateArgs := append(anyArgs(caseWriteArgs-2), sc.ID.String(), int64(3))
	mock.ExpectExec(`UPDATE "surgical_case" SET .* WHERE \(\("id" = \$\d+\) AND \("version" = \$\d+\)\)`).
		WithArgs(updateArgs...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT "version" FROM "surgical_case"`).
		WithArgs(sc.ID.String()).
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(int64(4)))
	mock.ExpectRollback()

	err := s.CommitWithVersion(context.Background(), &Commit{
		Location: time.UTC,
		Updates:  []CaseWrite{{Case: sc, Before: sc.Clone(), ExpectVersion: 3}},
	})
	e := wantKind(t, err, ErrStaleSchedule)
	if e.Message == "" {
		t.Error("stale error has no message")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGStore_LoadSnapshot(t *testing.T) {
	s, mock := newMockStore(t)
	window := Interval{Start: tuesday, End: tuesday.AddDate(0, 0, 1)}
	room := uuid.New()

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	mock.ExpectQuery(`FROM "surgical_case" WHERE`).
		WithArgs(string(StatusScheduled), string(StatusConfirmed), string(StatusInProgress), window.End, window.Start).
		WillReturnRows(caseRows())
	mock.ExpectQuery(`FROM "or_block"`).WillReturnRows(pgxmock.NewRows(columnNames(blockColumns)))
	mock.ExpectQuery(`FROM "or_room" ORDER BY "name" ASC`).
		WillReturnRows(pgxmock.NewRows(columnNames(roomColumns)).
			AddRow(room, "OR 1", (*string)(nil), true, 420, 1020, at(monday, 0, 0), at(monday, 0, 0)))
	mock.ExpectQuery(`FROM "or_equipment"`).WillReturnRows(pgxmock.NewRows(columnNames(equipmentColumns)))
	mock.ExpectQuery(`SELECT "key", "version" FROM "or_schedule_version" WHERE \("day" BETWEEN \$1 AND \$2\)`).
		WithArgs("2026-03-02", "2026-03-05").
		WillReturnRows(pgxmock.NewRows([]string{"key", "version"}).AddRow("day:2026-03-03", int64(7)))
	mock.ExpectCommit()

	snap, err := s.LoadSnapshot(context.Background(), window)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snap.Rooms) != 1 || snap.Rooms[0].OpenTime != NewTimeOfDay(7, 0) {
		t.Errorf("rooms = %+v", snap.Rooms)
	}
	if v := snap.Versions["day:2026-03-03"]; v != 7 {
		t.Errorf("version = %d, want 7", v)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGStore_RetireBlock_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()
	mock.ExpectExec(`UPDATE "or_block" SET`).
		WithArgs(tuesday, pgxmock.AnyArg(), id.String()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.RetireBlock(context.Background(), id, tuesday)
	wantKind(t, err, ErrNotFound)
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGStore_PatientHistory(t *testing.T) {
	s, mock := newMockStore(t)
	patient := uuid.New()
	args := []any{string(StatusCancelled), patient.String(), string(StatusCompleted), string(StatusCancelled)}
	mock.ExpectQuery(`SELECT COUNT\(\*\), COUNT\(\*\) FILTER \(WHERE status = \$1\) FROM "surgical_case"`).
		WithArgs(args...).
		WillReturnRows(pgxmock.NewRows([]string{"total", "cancelled"}).AddRow(6, 2))

	h, err := s.PatientHistory(context.Background(), patient)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.TotalCases != 6 || h.CancelledCases != 2 {
		t.Errorf("history = %+v", h)
	}

	mock.ExpectQuery(`FROM "surgical_case"`).WithArgs(args...).WillReturnError(errors.New("connection reset"))
	if _, err := s.PatientHistory(context.Background(), patient); err == nil {
		t.Error("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
