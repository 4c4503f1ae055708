package orschedule

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// equipmentTurnaround is added after the last conflicting case when
// suggesting the next time a piece of equipment is free.
const equipmentTurnaround = 15 * time.Minute

type EquipmentAvailability struct {
	EquipmentID        uuid.UUID   `json:"equipment_id"`
	Available          bool        `json:"available"`
	InService          bool        `json:"in_service"`
	ConflictingCaseID  *uuid.UUID  `json:"conflicting_case_id,omitempty"`
	ConflictingCaseIDs []uuid.UUID `json:"conflicting_case_ids,omitempty"`
	NextAvailableAt    *time.Time  `json:"next_available_at,omitempty"`
}

// CheckEquipment reports, per equipment id, whether it is free for the whole
// interval. Unknown ids fail with a not-found error.
func (e *Engine) CheckEquipment(ctx context.Context, ids []uuid.UUID, iv Interval, exclude ...uuid.UUID) (_ map[uuid.UUID]EquipmentAvailability, err error) {
	ctx, end := e.instrument(ctx, "CheckEquipment")
	defer func() { end(err) }()

	if len(ids) == 0 {
		return nil, NewValidationError("at least one equipment id is required")
	}
	if !iv.Valid() {
		return nil, NewValidationError("interval end must be after start")
	}
	snap, ix, err := e.snapshot(ctx, iv)
	if err != nil {
		return nil, err
	}
	return checkEquipment(snap, ix, ids, iv, exclude...)
}

func checkEquipment(snap *Snapshot, ix *Index, ids []uuid.UUID, iv Interval, exclude ...uuid.UUID) (map[uuid.UUID]EquipmentAvailability, error) {
	known := snap.equipmentByID()
	out := make(map[uuid.UUID]EquipmentAvailability, len(ids))
	for _, id := range ids {
		eq, ok := known[id]
		if !ok {
			return nil, NewNotFoundError("equipment", id)
		}
		av := EquipmentAvailability{EquipmentID: id, InService: eq.InService}
		conflicts := ix.ConflictsWith(ResourceEquipment, id, iv, exclude...)
		av.Available = eq.InService && len(conflicts) == 0
		if len(conflicts) > 0 {
			first := conflicts[0]
			av.ConflictingCaseID = &first
			av.ConflictingCaseIDs = conflicts
			var latest time.Time
			for _, cid := range conflicts {
				if c, ok := ix.Case(cid); ok {
					if civ, _ := c.Interval(); civ.End.After(latest) {
						latest = civ.End
					}
				}
			}
			if !latest.IsZero() {
				next := latest.Add(equipmentTurnaround)
				av.NextAvailableAt = &next
			}
		}
		out[id] = av
	}
	return out, nil
}

// validateEquipment checks that every id exists and is in service.
func validateEquipment(snap *Snapshot, ids []uuid.UUID) error {
	known := snap.equipmentByID()
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return NewValidationError("equipment %s listed twice", id)
		}
		seen[id] = true
		eq, ok := known[id]
		if !ok {
			return NewNotFoundError("equipment", id)
		}
		if !eq.InService {
			return NewValidationError("equipment %s (%s) is out of service", eq.Name, id)
		}
	}
	return nil
}
