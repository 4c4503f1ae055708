package orschedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ehr/orsched/internal/platform/db"
)

var dialect = goqu.Dialect("postgres")

type queryable interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// DB is the pool the Postgres store runs on. *pgxpool.Pool and pgxmock
// pools satisfy it.
type DB interface {
	queryable
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

const (
	tableRoom            = "or_room"
	tableEquipment       = "or_equipment"
	tableBlock           = "or_block"
	tableCase            = "surgical_case"
	tableCaseEquipment   = "surgical_case_equipment"
	tableScheduleVersion = "or_schedule_version"

	pgUniqueViolation = "23505"
)

var (
	roomColumns      = []any{"id", "name", "specialty", "is_active", "open_minute", "close_minute", "created_at", "updated_at"}
	equipmentColumns = []any{"id", "name", "equipment_type", "in_service", "created_at", "updated_at"}
	blockColumns     = []any{"id", "surgeon_id", "room_id", "weekday", "start_minute", "end_minute", "effective_from",
		"effective_to", "recurring", "block_type", "specialty", "note", "created_at", "updated_at"}
	caseColumns = []any{"id", "patient_id", "surgeon_id", "procedure_code", "room_id", "block_id", "scheduled_start",
		"estimated_minutes", "actual_start", "actual_end", "actual_minutes", "priority", "status", "anesthesia_type",
		"needs_rebooking", "displaced_by", "cancel_reason", "cancelled_at", "note", "version", "created_at", "updated_at"}

	activeStatuses = []string{string(StatusScheduled), string(StatusConfirmed), string(StatusInProgress)}
)

// PGStore is the PostgreSQL Store. Schedule versions live in
// or_schedule_version and are row-locked for the duration of a commit.
type PGStore struct {
	pool DB
	now  func() time.Time
}

func NewPGStore(pool DB) *PGStore {
	return &PGStore{pool: pool, now: time.Now}
}

func (s *PGStore) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

func (s *PGStore) beginner(ctx context.Context) db.TxBeginner {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

type sqlBuilder interface {
	ToSQL() (string, []any, error)
}

func (s *PGStore) exec(ctx context.Context, q queryable, b sqlBuilder) (pgconn.CommandTag, error) {
	query, args, err := b.ToSQL()
	if err != nil {
		return pgconn.CommandTag{}, fmt.Errorf("build query: %w", err)
	}
	return q.Exec(ctx, query, args...)
}

func (s *PGStore) query(ctx context.Context, q queryable, b sqlBuilder) (pgx.Rows, error) {
	query, args, err := b.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return q.Query(ctx, query, args...)
}

func (s *PGStore) queryRow(ctx context.Context, q queryable, b sqlBuilder) pgx.Row {
	query, args, err := b.ToSQL()
	if err != nil {
		return errRow{err: fmt.Errorf("build query: %w", err)}
	}
	return q.QueryRow(ctx, query, args...)
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

func notFound(err error, entity string, id uuid.UUID) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return NewNotFoundError(entity, id)
	}
	return err
}

// -- Snapshot and commit --

func (s *PGStore) LoadSnapshot(ctx context.Context, window Interval) (*Snapshot, error) {
	snap := &Snapshot{Window: window, Versions: make(map[string]int64), TakenAt: s.now()}
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	err := db.RunInTx(ctx, s.beginner(ctx), opts, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		q := dialect.From(tableCase).Prepared(true).Select(caseColumns...).
			Where(
				goqu.C("status").In(activeStatuses),
				goqu.C("room_id").IsNotNull(),
				goqu.C("scheduled_start").Lt(window.End),
				goqu.C("scheduled_end").Gt(window.Start),
			).
			Order(goqu.C("scheduled_start").Asc(), goqu.C("id").Asc())
		if snap.Cases, err = s.scanCases(ctx, tx, q); err != nil {
			return fmt.Errorf("load cases: %w", err)
		}
		if snap.Blocks, err = s.listBlocks(ctx, tx, BlockFilter{}); err != nil {
			return fmt.Errorf("load blocks: %w", err)
		}
		if snap.Rooms, err = s.listRooms(ctx, tx); err != nil {
			return fmt.Errorf("load rooms: %w", err)
		}
		if snap.Equipment, err = s.listEquipment(ctx, tx); err != nil {
			return fmt.Errorf("load equipment: %w", err)
		}
		// version keys are dated in the hospital zone, so widen by a day
		from := dayKey(window.Start.UTC().AddDate(0, 0, -1))
		to := dayKey(window.End.UTC().AddDate(0, 0, 1))
		vq := dialect.From(tableScheduleVersion).Prepared(true).Select("key", "version").
			Where(goqu.C("day").Between(exp.NewRangeVal(from, to)))
		rows, err := s.query(ctx, tx, vq)
		if err != nil {
			return fmt.Errorf("load versions: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var key string
			var v int64
			if err := rows.Scan(&key, &v); err != nil {
				return err
			}
			snap.Versions[key] = v
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *PGStore) CommitWithVersion(ctx context.Context, c *Commit) error {
	now := s.now().UTC()
	err := db.RunInTx(ctx, s.beginner(ctx), pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(ctx context.Context, tx pgx.Tx) error {
		if err := s.checkVersions(ctx, tx, c.Expect); err != nil {
			return err
		}
		for _, w := range c.Updates {
			if err := s.updateCase(ctx, tx, w, now); err != nil {
				return err
			}
		}
		for _, sc := range c.Inserts {
			if err := s.insertCase(ctx, tx, sc, now); err != nil {
				return err
			}
		}
		return s.bumpVersions(ctx, tx, c.BumpKeys())
	})
	if err != nil {
		return err
	}
	for _, sc := range c.Inserts {
		sc.Version, sc.CreatedAt, sc.UpdatedAt = 1, now, now
	}
	for _, w := range c.Updates {
		w.Case.Version, w.Case.UpdatedAt = w.ExpectVersion+1, now
	}
	return nil
}

// checkVersions locks the expected version rows and compares them. Missing
// rows are created at zero first so concurrent commits serialize on them.
func (s *PGStore) checkVersions(ctx context.Context, tx pgx.Tx, expect map[string]int64) error {
	if len(expect) == 0 {
		return nil
	}
	keys := make([]string, 0, len(expect))
	for k := range expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	seed := make([]any, len(keys))
	for i, k := range keys {
		seed[i] = goqu.Record{"key": k, "day": versionKeyDay(k), "version": 0}
	}
	ins := dialect.Insert(tableScheduleVersion).Prepared(true).Rows(seed...).OnConflict(goqu.DoNothing())
	if _, err := s.exec(ctx, tx, ins); err != nil {
		return fmt.Errorf("seed schedule versions: %w", err)
	}

	sel := dialect.From(tableScheduleVersion).Prepared(true).Select("key", "version").
		Where(goqu.C("key").In(keys)).
		Order(goqu.C("key").Asc()).
		ForUpdate(exp.Wait)
	rows, err := s.query(ctx, tx, sel)
	if err != nil {
		return fmt.Errorf("lock schedule versions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var v int64
		if err := rows.Scan(&key, &v); err != nil {
			return err
		}
		if want := expect[key]; v != want {
			return NewStaleScheduleError("schedule changed: %s is at version %d, expected %d", key, v, want)
		}
	}
	return rows.Err()
}

func (s *PGStore) bumpVersions(ctx context.Context, tx pgx.Tx, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)
	rows := make([]any, len(keys))
	for i, k := range keys {
		rows[i] = goqu.Record{"key": k, "day": versionKeyDay(k), "version": 1}
	}
	ins := dialect.Insert(tableScheduleVersion).Prepared(true).Rows(rows...).
		OnConflict(goqu.DoUpdate("key", goqu.Record{"version": goqu.L(tableScheduleVersion + ".version + 1")}))
	if _, err := s.exec(ctx, tx, ins); err != nil {
		return fmt.Errorf("bump schedule versions: %w", err)
	}
	return nil
}

func caseRecord(sc *SurgicalCase) goqu.Record {
	var end *time.Time
	if iv, ok := sc.Interval(); ok {
		end = &iv.End
	}
	return goqu.Record{
		"patient_id":        sc.PatientID,
		"surgeon_id":        sc.SurgeonID,
		"procedure_code":    sc.ProcedureCode,
		"room_id":           sc.RoomID,
		"block_id":          sc.BlockID,
		"scheduled_start":   sc.ScheduledStart,
		"scheduled_end":     end,
		"estimated_minutes": sc.EstimatedMinutes,
		"actual_start":      sc.ActualStart,
		"actual_end":        sc.ActualEnd,
		"actual_minutes":    sc.ActualMinutes,
		"priority":          string(sc.Priority),
		"status":            string(sc.Status),
		"anesthesia_type":   sc.AnesthesiaType,
		"needs_rebooking":   sc.NeedsRebooking,
		"displaced_by":      sc.DisplacedBy,
		"cancel_reason":     sc.CancelReason,
		"cancelled_at":      sc.CancelledAt,
		"note":              sc.Note,
	}
}

func (s *PGStore) insertCase(ctx context.Context, tx pgx.Tx, sc *SurgicalCase, now time.Time) error {
	rec := caseRecord(sc)
	rec["id"] = sc.ID
	rec["version"] = 1
	rec["created_at"] = now
	rec["updated_at"] = now
	if _, err := s.exec(ctx, tx, dialect.Insert(tableCase).Prepared(true).Rows(rec)); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return NewValidationError("case %s already exists", sc.ID)
		}
		return fmt.Errorf("insert case %s: %w", sc.ID, err)
	}
	return s.replaceCaseEquipment(ctx, tx, sc, false)
}

func (s *PGStore) updateCase(ctx context.Context, tx pgx.Tx, w CaseWrite, now time.Time) error {
	rec := caseRecord(w.Case)
	rec["version"] = w.ExpectVersion + 1
	rec["updated_at"] = now
	upd := dialect.Update(tableCase).Prepared(true).Set(rec).
		Where(goqu.C("id").Eq(w.Case.ID), goqu.C("version").Eq(w.ExpectVersion))
	tag, err := s.exec(ctx, tx, upd)
	if err != nil {
		return fmt.Errorf("update case %s: %w", w.Case.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var version int64
		sel := dialect.From(tableCase).Prepared(true).Select("version").Where(goqu.C("id").Eq(w.Case.ID))
		if err := s.queryRow(ctx, tx, sel).Scan(&version); err != nil {
			return notFound(err, "case", w.Case.ID)
		}
		return NewStaleScheduleError("case %s is at version %d, expected %d", w.Case.ID, version, w.ExpectVersion)
	}
	return s.replaceCaseEquipment(ctx, tx, w.Case, true)
}

func (s *PGStore) replaceCaseEquipment(ctx context.Context, tx pgx.Tx, sc *SurgicalCase, clear bool) error {
	if clear {
		del := dialect.Delete(tableCaseEquipment).Prepared(true).Where(goqu.C("case_id").Eq(sc.ID))
		if _, err := s.exec(ctx, tx, del); err != nil {
			return fmt.Errorf("clear case equipment: %w", err)
		}
	}
	if len(sc.EquipmentIDs) == 0 {
		return nil
	}
	rows := make([]any, len(sc.EquipmentIDs))
	for i, id := range sc.EquipmentIDs {
		rows[i] = goqu.Record{"case_id": sc.ID, "equipment_id": id, "position": i}
	}
	if _, err := s.exec(ctx, tx, dialect.Insert(tableCaseEquipment).Prepared(true).Rows(rows...)); err != nil {
		return fmt.Errorf("store case equipment: %w", err)
	}
	return nil
}

// -- Cases --

func scanCase(row pgx.Row) (*SurgicalCase, error) {
	var c SurgicalCase
	var priority, status string
	err := row.Scan(&c.ID, &c.PatientID, &c.SurgeonID, &c.ProcedureCode, &c.RoomID, &c.BlockID, &c.ScheduledStart,
		&c.EstimatedMinutes, &c.ActualStart, &c.ActualEnd, &c.ActualMinutes, &priority, &status, &c.AnesthesiaType,
		&c.NeedsRebooking, &c.DisplacedBy, &c.CancelReason, &c.CancelledAt, &c.Note, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	c.Priority, c.Status = Priority(priority), Status(status)
	return &c, err
}

func (s *PGStore) scanCases(ctx context.Context, q queryable, b sqlBuilder) ([]*SurgicalCase, error) {
	rows, err := s.query(ctx, q, b)
	if err != nil {
		return nil, err
	}
	var out []*SurgicalCase
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, s.loadCaseEquipment(ctx, q, out)
}

func (s *PGStore) loadCaseEquipment(ctx context.Context, q queryable, cases []*SurgicalCase) error {
	if len(cases) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*SurgicalCase, len(cases))
	ids := make([]uuid.UUID, len(cases))
	for i, c := range cases {
		byID[c.ID] = c
		ids[i] = c.ID
	}
	sel := dialect.From(tableCaseEquipment).Prepared(true).Select("case_id", "equipment_id").
		Where(goqu.C("case_id").In(ids)).
		Order(goqu.C("case_id").Asc(), goqu.C("position").Asc())
	rows, err := s.query(ctx, q, sel)
	if err != nil {
		return fmt.Errorf("load case equipment: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var caseID, eqID uuid.UUID
		if err := rows.Scan(&caseID, &eqID); err != nil {
			return err
		}
		if c := byID[caseID]; c != nil {
			c.EquipmentIDs = append(c.EquipmentIDs, eqID)
		}
	}
	return rows.Err()
}

func (s *PGStore) GetCase(ctx context.Context, id uuid.UUID) (*SurgicalCase, error) {
	q := s.conn(ctx)
	sel := dialect.From(tableCase).Prepared(true).Select(caseColumns...).Where(goqu.C("id").Eq(id))
	c, err := scanCase(s.queryRow(ctx, q, sel))
	if err != nil {
		return nil, notFound(err, "case", id)
	}
	if err := s.loadCaseEquipment(ctx, q, []*SurgicalCase{c}); err != nil {
		return nil, err
	}
	return c, nil
}

func caseWhere(f CaseFilter) []exp.Expression {
	var where []exp.Expression
	if f.RoomID != nil {
		where = append(where, goqu.C("room_id").Eq(*f.RoomID))
	}
	if f.SurgeonID != nil {
		where = append(where, goqu.C("surgeon_id").Eq(*f.SurgeonID))
	}
	if f.BlockID != nil {
		where = append(where, goqu.C("block_id").Eq(*f.BlockID))
	}
	if f.PatientID != nil {
		where = append(where, goqu.C("patient_id").Eq(*f.PatientID))
	}
	if f.Status != nil {
		where = append(where, goqu.C("status").Eq(string(*f.Status)))
	}
	if f.Range != nil {
		where = append(where, goqu.C("scheduled_start").Gte(f.Range.From), goqu.C("scheduled_start").Lt(f.Range.To))
	}
	return where
}

func (s *PGStore) ListCases(ctx context.Context, f CaseFilter) ([]*SurgicalCase, int, error) {
	q := s.conn(ctx)
	where := caseWhere(f)

	var total int
	count := dialect.From(tableCase).Prepared(true).Select(goqu.COUNT("*")).Where(where...)
	if err := s.queryRow(ctx, q, count).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count cases: %w", err)
	}

	sel := dialect.From(tableCase).Prepared(true).Select(caseColumns...).Where(where...).
		Order(goqu.C("scheduled_start").Asc().NullsLast(), goqu.C("created_at").Asc())
	if f.Limit > 0 {
		sel = sel.Limit(uint(f.Limit))
	}
	if f.Offset > 0 {
		sel = sel.Offset(uint(f.Offset))
	}
	cases, err := s.scanCases(ctx, q, sel)
	if err != nil {
		return nil, 0, fmt.Errorf("list cases: %w", err)
	}
	return cases, total, nil
}

// -- Blocks --

func scanBlock(row pgx.Row) (*ORBlock, error) {
	var b ORBlock
	var weekday, start, end int
	err := row.Scan(&b.ID, &b.SurgeonID, &b.RoomID, &weekday, &start, &end, &b.EffectiveFrom, &b.EffectiveTo,
		&b.Recurring, &b.BlockType, &b.Specialty, &b.Note, &b.CreatedAt, &b.UpdatedAt)
	b.Weekday, b.StartTime, b.EndTime = time.Weekday(weekday), TimeOfDay(start), TimeOfDay(end)
	return &b, err
}

func (s *PGStore) CreateBlock(ctx context.Context, b *ORBlock) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	now := s.now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now
	ins := dialect.Insert(tableBlock).Prepared(true).Rows(goqu.Record{
		"id":             b.ID,
		"surgeon_id":     b.SurgeonID,
		"room_id":        b.RoomID,
		"weekday":        int(b.Weekday),
		"start_minute":   int(b.StartTime),
		"end_minute":     int(b.EndTime),
		"effective_from": b.EffectiveFrom,
		"effective_to":   b.EffectiveTo,
		"recurring":      b.Recurring,
		"block_type":     b.BlockType,
		"specialty":      b.Specialty,
		"note":           b.Note,
		"created_at":     b.CreatedAt,
		"updated_at":     b.UpdatedAt,
	})
	if _, err := s.exec(ctx, s.conn(ctx), ins); err != nil {
		return fmt.Errorf("insert block: %w", err)
	}
	return nil
}

func (s *PGStore) GetBlock(ctx context.Context, id uuid.UUID) (*ORBlock, error) {
	sel := dialect.From(tableBlock).Prepared(true).Select(blockColumns...).Where(goqu.C("id").Eq(id))
	b, err := scanBlock(s.queryRow(ctx, s.conn(ctx), sel))
	if err != nil {
		return nil, notFound(err, "block", id)
	}
	return b, nil
}

func (s *PGStore) ListBlocks(ctx context.Context, f BlockFilter) ([]*ORBlock, error) {
	return s.listBlocks(ctx, s.conn(ctx), f)
}

func (s *PGStore) listBlocks(ctx context.Context, q queryable, f BlockFilter) ([]*ORBlock, error) {
	sel := dialect.From(tableBlock).Prepared(true).Select(blockColumns...).
		Order(goqu.C("weekday").Asc(), goqu.C("start_minute").Asc())
	if f.SurgeonID != nil {
		sel = sel.Where(goqu.C("surgeon_id").Eq(*f.SurgeonID))
	}
	if f.RoomID != nil {
		sel = sel.Where(goqu.C("room_id").Eq(*f.RoomID))
	}
	rows, err := s.query(ctx, q, sel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ORBlock
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		// occurrence expansion depends on the recurrence rule, so the range
		// filter runs here rather than in SQL
		if f.Range != nil && len(b.Occurrences(*f.Range)) == 0 {
			continue
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PGStore) RetireBlock(ctx context.Context, id uuid.UUID, effectiveTo time.Time) error {
	upd := dialect.Update(tableBlock).Prepared(true).
		Set(goqu.Record{"effective_to": effectiveTo, "updated_at": s.now().UTC()}).
		Where(goqu.C("id").Eq(id))
	tag, err := s.exec(ctx, s.conn(ctx), upd)
	if err != nil {
		return fmt.Errorf("retire block: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return NewNotFoundError("block", id)
	}
	return nil
}

// -- Rooms and equipment --

func scanRoom(row pgx.Row) (*Room, error) {
	var r Room
	var openMin, closeMin int
	err := row.Scan(&r.ID, &r.Name, &r.Specialty, &r.IsActive, &openMin, &closeMin, &r.CreatedAt, &r.UpdatedAt)
	r.OpenTime, r.CloseTime = TimeOfDay(openMin), TimeOfDay(closeMin)
	return &r, err
}

func (s *PGStore) CreateRoom(ctx context.Context, r *Room) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	now := s.now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	ins := dialect.Insert(tableRoom).Prepared(true).Rows(goqu.Record{
		"id":           r.ID,
		"name":         r.Name,
		"specialty":    r.Specialty,
		"is_active":    r.IsActive,
		"open_minute":  int(r.OpenTime),
		"close_minute": int(r.CloseTime),
		"created_at":   r.CreatedAt,
		"updated_at":   r.UpdatedAt,
	})
	if _, err := s.exec(ctx, s.conn(ctx), ins); err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	return nil
}

func (s *PGStore) GetRoom(ctx context.Context, id uuid.UUID) (*Room, error) {
	sel := dialect.From(tableRoom).Prepared(true).Select(roomColumns...).Where(goqu.C("id").Eq(id))
	r, err := scanRoom(s.queryRow(ctx, s.conn(ctx), sel))
	if err != nil {
		return nil, notFound(err, "room", id)
	}
	return r, nil
}

func (s *PGStore) ListRooms(ctx context.Context) ([]*Room, error) {
	return s.listRooms(ctx, s.conn(ctx))
}

func (s *PGStore) listRooms(ctx context.Context, q queryable) ([]*Room, error) {
	rows, err := s.query(ctx, q, dialect.From(tableRoom).Prepared(true).Select(roomColumns...).Order(goqu.C("name").Asc()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanEquipment(row pgx.Row) (*Equipment, error) {
	var e Equipment
	err := row.Scan(&e.ID, &e.Name, &e.EquipmentType, &e.InService, &e.CreatedAt, &e.UpdatedAt)
	return &e, err
}

func (s *PGStore) CreateEquipment(ctx context.Context, e *Equipment) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	now := s.now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	ins := dialect.Insert(tableEquipment).Prepared(true).Rows(goqu.Record{
		"id":             e.ID,
		"name":           e.Name,
		"equipment_type": e.EquipmentType,
		"in_service":     e.InService,
		"created_at":     e.CreatedAt,
		"updated_at":     e.UpdatedAt,
	})
	if _, err := s.exec(ctx, s.conn(ctx), ins); err != nil {
		return fmt.Errorf("insert equipment: %w", err)
	}
	return nil
}

func (s *PGStore) GetEquipment(ctx context.Context, id uuid.UUID) (*Equipment, error) {
	sel := dialect.From(tableEquipment).Prepared(true).Select(equipmentColumns...).Where(goqu.C("id").Eq(id))
	e, err := scanEquipment(s.queryRow(ctx, s.conn(ctx), sel))
	if err != nil {
		return nil, notFound(err, "equipment", id)
	}
	return e, nil
}

func (s *PGStore) listEquipment(ctx context.Context, q queryable) ([]*Equipment, error) {
	rows, err := s.query(ctx, q, dialect.From(tableEquipment).Prepared(true).Select(equipmentColumns...).Order(goqu.C("name").Asc()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Equipment
	for rows.Next() {
		e, err := scanEquipment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStore) SetEquipmentInService(ctx context.Context, id uuid.UUID, inService bool) error {
	upd := dialect.Update(tableEquipment).Prepared(true).
		Set(goqu.Record{"in_service": inService, "updated_at": s.now().UTC()}).
		Where(goqu.C("id").Eq(id))
	tag, err := s.exec(ctx, s.conn(ctx), upd)
	if err != nil {
		return fmt.Errorf("update equipment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return NewNotFoundError("equipment", id)
	}
	return nil
}

// -- History --

func (s *PGStore) DurationHistory(ctx context.Context, procedureCode string) ([]DurationSample, error) {
	sel := dialect.From(tableCase).Prepared(true).Select("surgeon_id", "actual_minutes").
		Where(
			goqu.C("status").Eq(string(StatusCompleted)),
			goqu.C("actual_minutes").IsNotNull(),
			goqu.Func("upper", goqu.C("procedure_code")).Eq(goqu.Func("upper", procedureCode)),
		)
	rows, err := s.query(ctx, s.conn(ctx), sel)
	if err != nil {
		return nil, fmt.Errorf("load duration history: %w", err)
	}
	defer rows.Close()
	var out []DurationSample
	for rows.Next() {
		var d DurationSample
		if err := rows.Scan(&d.SurgeonID, &d.Minutes); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PGStore) PatientHistory(ctx context.Context, patientID uuid.UUID) (*PatientHistory, error) {
	sel := dialect.From(tableCase).Prepared(true).
		Select(
			goqu.COUNT("*"),
			goqu.L("COUNT(*) FILTER (WHERE status = ?)", string(StatusCancelled)),
		).
		Where(
			goqu.C("patient_id").Eq(patientID),
			goqu.C("status").In(string(StatusCompleted), string(StatusCancelled)),
		)
	var h PatientHistory
	if err := s.queryRow(ctx, s.conn(ctx), sel).Scan(&h.TotalCases, &h.CancelledCases); err != nil {
		return nil, fmt.Errorf("load patient history: %w", err)
	}
	return &h, nil
}

func (s *PGStore) CancellationLeadDays(ctx context.Context) ([]float64, error) {
	sel := dialect.From(tableCase).Prepared(true).
		Select(goqu.L("EXTRACT(EPOCH FROM (scheduled_start - cancelled_at)) / 86400.0")).
		Where(
			goqu.C("status").Eq(string(StatusCancelled)),
			goqu.C("cancelled_at").IsNotNull(),
			goqu.C("scheduled_start").IsNotNull(),
			goqu.C("scheduled_start").Gte(goqu.I("cancelled_at")),
		)
	rows, err := s.query(ctx, s.conn(ctx), sel)
	if err != nil {
		return nil, fmt.Errorf("load cancellation lead times: %w", err)
	}
	defer rows.Close()
	var out []float64
	for rows.Next() {
		var d float64
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
