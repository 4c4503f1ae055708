package orschedule

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/orsched/internal/platform/lock"
	"github.com/ehr/orsched/internal/platform/telemetry"
)

// Options are the engine tunables. Zero values fall back to DefaultOptions.
type Options struct {
	Location               *time.Location
	LookaheadDays          int
	TurnoverMinutes        int
	DefaultOpen            TimeOfDay
	DefaultClose           TimeOfDay
	GuardWindow            time.Duration
	EmergentMaxWait        time.Duration
	UrgentMaxWait          time.Duration
	OptimizerMaxChanges    int
	OptimizerMaxIterations int
	OptimizerTimeout       time.Duration
	PredictorMinSamples    int
	SlotGranularity        time.Duration
	UtilizationDefaultDays int
}

func DefaultOptions() Options {
	return Options{
		Location:               time.UTC,
		LookaheadDays:          14,
		DefaultOpen:            NewTimeOfDay(7, 0),
		DefaultClose:           NewTimeOfDay(17, 0),
		GuardWindow:            2 * time.Hour,
		EmergentMaxWait:        4 * time.Hour,
		UrgentMaxWait:          24 * time.Hour,
		OptimizerMaxChanges:    10,
		OptimizerMaxIterations: 500,
		OptimizerTimeout:       10 * time.Second,
		PredictorMinSamples:    5,
		SlotGranularity:        5 * time.Minute,
		UtilizationDefaultDays: 28,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Location == nil {
		o.Location = def.Location
	}
	if o.LookaheadDays <= 0 {
		o.LookaheadDays = def.LookaheadDays
	}
	if o.TurnoverMinutes < 0 {
		o.TurnoverMinutes = 0
	}
	if o.DefaultClose <= o.DefaultOpen {
		o.DefaultOpen, o.DefaultClose = def.DefaultOpen, def.DefaultClose
	}
	if o.GuardWindow <= 0 {
		o.GuardWindow = def.GuardWindow
	}
	if o.EmergentMaxWait <= 0 {
		o.EmergentMaxWait = def.EmergentMaxWait
	}
	if o.UrgentMaxWait <= 0 {
		o.UrgentMaxWait = def.UrgentMaxWait
	}
	if o.OptimizerMaxChanges <= 0 {
		o.OptimizerMaxChanges = def.OptimizerMaxChanges
	}
	if o.OptimizerMaxIterations <= 0 {
		o.OptimizerMaxIterations = def.OptimizerMaxIterations
	}
	if o.OptimizerTimeout <= 0 {
		o.OptimizerTimeout = def.OptimizerTimeout
	}
	if o.PredictorMinSamples <= 0 {
		o.PredictorMinSamples = def.PredictorMinSamples
	}
	if o.SlotGranularity <= 0 {
		o.SlotGranularity = def.SlotGranularity
	}
	if o.UtilizationDefaultDays <= 0 {
		o.UtilizationDefaultDays = def.UtilizationDefaultDays
	}
	return o
}

func (o Options) turnover() time.Duration {
	return time.Duration(o.TurnoverMinutes) * time.Minute
}

// Engine is the surgical scheduling service. Every operation reads a fresh
// snapshot from the store and writes through CommitWithVersion.
type Engine struct {
	store     Store
	locker    lock.Locker
	predictor *Predictor
	audit     AuditSink
	notifier  Notifier
	metrics   *Metrics
	logger    zerolog.Logger
	now       func() time.Time
	opts      Options
}

type EngineOption func(*Engine)

func WithLocker(l lock.Locker) EngineOption {
	return func(e *Engine) { e.locker = l }
}

func WithAuditSink(a AuditSink) EngineOption {
	return func(e *Engine) { e.audit = a }
}

func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(l zerolog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithClock replaces time.Now. Tests use it to pin "now".
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func NewEngine(store Store, opts Options, options ...EngineOption) *Engine {
	opts = opts.withDefaults()
	e := &Engine{
		store:  store,
		locker: lock.NewKeyedLocker(),
		logger: zerolog.Nop(),
		now:    time.Now,
		opts:   opts,
	}
	for _, o := range options {
		o(e)
	}
	if e.audit == nil {
		e.audit = NewLogAuditSink(e.logger)
	}
	if e.notifier == nil {
		e.notifier = nopNotifier{}
	}
	e.predictor = NewPredictor(store, opts.PredictorMinSamples)
	return e
}

func (e *Engine) Options() Options {
	return e.opts
}

func (e *Engine) clock() time.Time {
	return e.now().In(e.opts.Location)
}

func (e *Engine) localDay(t time.Time) time.Time {
	return startOfDay(t.In(e.opts.Location))
}

// roomHours returns the room's open window on day, using the default hours
// for rooms without their own.
func (e *Engine) roomHours(r *Room, day time.Time) Interval {
	day = e.localDay(day)
	from, to := r.OpenTime, r.CloseTime
	if to <= from {
		from, to = e.opts.DefaultOpen, e.opts.DefaultClose
	}
	return Interval{Start: from.On(day), End: to.On(day)}
}

func (e *Engine) newCommit() *Commit {
	return &Commit{Location: e.opts.Location, Expect: make(map[string]int64)}
}

func (e *Engine) snapshot(ctx context.Context, window Interval) (*Snapshot, *Index, error) {
	snap, err := e.store.LoadSnapshot(ctx, window)
	if err != nil {
		return nil, nil, fmt.Errorf("load schedule snapshot: %w", err)
	}
	return snap, NewIndex(snap.Cases, e.opts.turnover()), nil
}

// placementLockKeys returns the critical-section keys for a placement.
func placementLockKeys(roomID *uuid.UUID, surgeonID uuid.UUID, equipment []uuid.UUID) []string {
	keys := []string{resourceKey(ResourceSurgeon, surgeonID)}
	if roomID != nil {
		keys = append(keys, resourceKey(ResourceRoom, *roomID))
	}
	for _, eq := range equipment {
		keys = append(keys, resourceKey(ResourceEquipment, eq))
	}
	return keys
}

func (e *Engine) lock(ctx context.Context, keys ...string) (func(), error) {
	release, err := e.locker.Lock(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("acquire schedule lock: %w", err)
	}
	return release, nil
}

// instrument opens a span for op; the returned func ends it and counts the
// outcome.
func (e *Engine) instrument(ctx context.Context, op string) (context.Context, func(error)) {
	ctx, span := telemetry.StartSpan(ctx, "orschedule."+op)
	return ctx, func(err error) {
		e.metrics.observeOperation(op, err)
		telemetry.EndSpan(span, err)
	}
}

func (e *Engine) record(ctx context.Context, action string, caseID uuid.UUID, details map[string]any) {
	ev := AuditEvent{
		Action:  action,
		CaseID:  caseID,
		ActorID: actorFromContext(ctx),
		Details: details,
		At:      e.now().UTC(),
	}
	if err := e.audit.RecordScheduleEvent(ctx, ev); err != nil {
		e.logger.Error().Err(err).Str("action", action).Str("case_id", caseID.String()).Msg("failed to record schedule audit event")
	}
}

// CreateRoom registers an operating room.
func (e *Engine) CreateRoom(ctx context.Context, r *Room) error {
	if r.Name == "" {
		return NewValidationError("name is required")
	}
	if r.OpenTime == 0 && r.CloseTime == 0 {
		r.OpenTime, r.CloseTime = e.opts.DefaultOpen, e.opts.DefaultClose
	}
	if !r.OpenTime.Valid() || !r.CloseTime.Valid() || r.CloseTime <= r.OpenTime {
		return NewValidationError("room open time must be before close time")
	}
	return e.store.CreateRoom(ctx, r)
}

func (e *Engine) ListRooms(ctx context.Context) ([]*Room, error) {
	return e.store.ListRooms(ctx)
}

// CreateEquipment registers a piece of equipment.
func (e *Engine) CreateEquipment(ctx context.Context, eq *Equipment) error {
	if eq.Name == "" {
		return NewValidationError("name is required")
	}
	return e.store.CreateEquipment(ctx, eq)
}

func (e *Engine) SetEquipmentInService(ctx context.Context, id uuid.UUID, inService bool) error {
	return e.store.SetEquipmentInService(ctx, id, inService)
}
