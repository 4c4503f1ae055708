package orschedule

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type CreateBlockRequest struct {
	SurgeonID uuid.UUID `json:"surgeon_id"`
	RoomID    uuid.UUID `json:"room_id"`
	// Weekday defaults to the weekday of EffectiveFrom.
	Weekday       *time.Weekday `json:"weekday,omitempty"`
	StartTime     TimeOfDay     `json:"start_time"`
	EndTime       TimeOfDay     `json:"end_time"`
	EffectiveFrom time.Time     `json:"effective_from"`
	EffectiveTo   *time.Time    `json:"effective_to,omitempty"`
	// Recurring defaults to true.
	Recurring *bool   `json:"recurring,omitempty"`
	BlockType *string `json:"block_type,omitempty"`
	Specialty *string `json:"specialty,omitempty"`
	Note      *string `json:"note,omitempty"`
}

// BlockWithUtilization is a block plus its utilization over the listed range.
type BlockWithUtilization struct {
	*ORBlock
	Utilization *UtilizationReport `json:"utilization"`
}

func blockLockKeys(roomID, surgeonID uuid.UUID) []string {
	return []string{"block-room:" + roomID.String(), "block-surgeon:" + surgeonID.String()}
}

func (e *Engine) CreateBlock(ctx context.Context, req CreateBlockRequest) (_ *ORBlock, err error) {
	ctx, end := e.instrument(ctx, "CreateBlock")
	defer func() { end(err) }()

	b, err := e.newBlock(req)
	if err != nil {
		return nil, err
	}
	room, err := e.store.GetRoom(ctx, b.RoomID)
	if err != nil {
		return nil, err
	}
	if !room.IsActive {
		return nil, NewValidationError("room %s is not active", room.ID)
	}

	release, err := e.lock(ctx, blockLockKeys(b.RoomID, b.SurgeonID)...)
	if err != nil {
		return nil, err
	}
	defer release()

	for _, f := range []struct {
		kind   ResourceKind
		id     uuid.UUID
		filter BlockFilter
	}{
		{ResourceSurgeon, b.SurgeonID, BlockFilter{SurgeonID: &b.SurgeonID}},
		{ResourceRoom, b.RoomID, BlockFilter{RoomID: &b.RoomID}},
	} {
		existing, err := e.store.ListBlocks(ctx, f.filter)
		if err != nil {
			return nil, fmt.Errorf("list blocks: %w", err)
		}
		var clashing []uuid.UUID
		for _, other := range existing {
			if blocksOverlap(b, other) {
				clashing = append(clashing, other.ID)
			}
		}
		if len(clashing) > 0 {
			e.metrics.observeConflict(f.kind)
			return nil, NewConflictError(resourceKey(f.kind, f.id), clashing)
		}
	}

	if err := e.store.CreateBlock(ctx, b); err != nil {
		return nil, fmt.Errorf("create block: %w", err)
	}
	e.logger.Info().
		Str("block_id", b.ID.String()).
		Str("room_id", b.RoomID.String()).
		Str("surgeon_id", b.SurgeonID.String()).
		Str("weekday", b.Weekday.String()).
		Msg("or block created")
	e.record(ctx, ActionBlockCreated, uuid.Nil, map[string]any{"block_id": b.ID.String()})
	return b, nil
}

func (e *Engine) newBlock(req CreateBlockRequest) (*ORBlock, error) {
	if req.SurgeonID == uuid.Nil {
		return nil, NewValidationError("surgeon_id is required")
	}
	if req.RoomID == uuid.Nil {
		return nil, NewValidationError("room_id is required")
	}
	if !req.StartTime.Valid() || !req.EndTime.Valid() || req.StartTime >= req.EndTime {
		return nil, NewValidationError("block start time must be before end time")
	}
	from := req.EffectiveFrom
	if from.IsZero() {
		from = e.clock()
	}
	from = e.localDay(from)
	var to *time.Time
	if req.EffectiveTo != nil {
		t := e.localDay(*req.EffectiveTo)
		if !t.After(from) {
			return nil, NewValidationError("effective_to must be after effective_from")
		}
		to = &t
	}
	recurring := true
	if req.Recurring != nil {
		recurring = *req.Recurring
	}
	weekday := from.Weekday()
	if req.Weekday != nil {
		if *req.Weekday < time.Sunday || *req.Weekday > time.Saturday {
			return nil, NewValidationError("weekday must be between 0 (Sunday) and 6 (Saturday)")
		}
		if !recurring && *req.Weekday != weekday {
			return nil, NewValidationError("weekday %s does not match effective_from (%s)", *req.Weekday, weekday)
		}
		weekday = *req.Weekday
	}
	return &ORBlock{
		ID:            uuid.New(),
		SurgeonID:     req.SurgeonID,
		RoomID:        req.RoomID,
		Weekday:       weekday,
		StartTime:     req.StartTime,
		EndTime:       req.EndTime,
		EffectiveFrom: from,
		EffectiveTo:   to,
		Recurring:     recurring,
		BlockType:     req.BlockType,
		Specialty:     req.Specialty,
		Note:          req.Note,
	}, nil
}

// blocksOverlap reports whether two blocks share a day on which their
// time-of-day ranges intersect.
func blocksOverlap(a, b *ORBlock) bool {
	if a.ID == b.ID {
		return false
	}
	if !(a.StartTime < b.EndTime && b.StartTime < a.EndTime) {
		return false
	}
	return blocksShareDay(a, b)
}

func blocksShareDay(a, b *ORBlock) bool {
	if !a.Recurring {
		return b.ActiveOn(a.EffectiveFrom.In(b.EffectiveFrom.Location()))
	}
	if !b.Recurring {
		return a.ActiveOn(b.EffectiveFrom.In(a.EffectiveFrom.Location()))
	}
	if a.Weekday != b.Weekday {
		return false
	}
	loc := a.EffectiveFrom.Location()
	from := startOfDay(a.EffectiveFrom)
	if bf := startOfDay(b.EffectiveFrom.In(loc)); bf.After(from) {
		from = bf
	}
	to := a.EffectiveTo
	if b.EffectiveTo != nil && (to == nil || b.EffectiveTo.Before(*to)) {
		to = b.EffectiveTo
	}
	first := from.AddDate(0, 0, (int(a.Weekday)-int(from.Weekday())+7)%7)
	return to == nil || first.Before(startOfDay(to.In(loc)))
}

func (e *Engine) GetBlock(ctx context.Context, id uuid.UUID) (*ORBlock, error) {
	return e.store.GetBlock(ctx, id)
}

// ListBlocks returns matching blocks with a utilization summary per block
// over the filter range, or the default utilization window from today.
func (e *Engine) ListBlocks(ctx context.Context, f BlockFilter) (_ []BlockWithUtilization, err error) {
	ctx, end := e.instrument(ctx, "ListBlocks")
	defer func() { end(err) }()

	if f.Range == nil {
		from := e.localDay(e.clock())
		f.Range = &DateRange{From: from, To: from.AddDate(0, 0, e.opts.UtilizationDefaultDays)}
	}
	if !f.Range.Valid() {
		return nil, NewValidationError("range end must be after range start")
	}
	blocks, err := e.store.ListBlocks(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	if len(blocks) == 0 {
		return []BlockWithUtilization{}, nil
	}
	cases, _, err := e.store.ListCases(ctx, CaseFilter{SurgeonID: f.SurgeonID, RoomID: f.RoomID, Range: f.Range})
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	rooms, err := e.store.ListRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	byBlock := make(map[uuid.UUID][]*SurgicalCase)
	for _, c := range cases {
		if c.BlockID != nil {
			byBlock[*c.BlockID] = append(byBlock[*c.BlockID], c)
		}
	}

	out := make([]BlockWithUtilization, 0, len(blocks))
	for _, b := range blocks {
		id := b.ID
		rep := e.aggregateUtilization(UtilizationScope{Kind: ScopeBlock, ID: &id}, *f.Range, byBlock[b.ID], []*ORBlock{b}, rooms)
		out = append(out, BlockWithUtilization{ORBlock: b, Utilization: rep})
	}
	return out, nil
}

// RetireBlock ends a block's effective range. The range may only shrink.
func (e *Engine) RetireBlock(ctx context.Context, id uuid.UUID, effectiveTo time.Time) (_ *ORBlock, err error) {
	ctx, end := e.instrument(ctx, "RetireBlock")
	defer func() { end(err) }()

	b, err := e.store.GetBlock(ctx, id)
	if err != nil {
		return nil, err
	}
	release, err := e.lock(ctx, blockLockKeys(b.RoomID, b.SurgeonID)...)
	if err != nil {
		return nil, err
	}
	defer release()

	to := e.localDay(effectiveTo)
	if to.Before(e.localDay(b.EffectiveFrom)) {
		return nil, NewValidationError("effective_to must not be before effective_from")
	}
	if b.EffectiveTo != nil && to.After(*b.EffectiveTo) {
		return nil, NewValidationError("retiring cannot extend a block past %s", dayKey(b.EffectiveTo.In(e.opts.Location)))
	}
	if err := e.store.RetireBlock(ctx, id, to); err != nil {
		return nil, fmt.Errorf("retire block: %w", err)
	}
	b.EffectiveTo = &to
	e.record(ctx, ActionBlockRetired, uuid.Nil, map[string]any{"block_id": id.String(), "effective_to": dayKey(to)})
	return b, nil
}
