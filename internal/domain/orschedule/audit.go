package orschedule

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/orsched/internal/platform/auth"
	"github.com/ehr/orsched/internal/platform/notification"
)

// Audit actions.
const (
	ActionBlockCreated      = "block.created"
	ActionBlockRetired      = "block.retired"
	ActionCaseScheduled     = "case.scheduled"
	ActionCaseUpdated       = "case.updated"
	ActionCaseTransitioned  = "case.transitioned"
	ActionCaseDisplaced     = "case.displaced"
	ActionEmergencyInserted = "case.emergency_inserted"
	ActionProposalApplied   = "schedule.proposal_applied"
)

type AuditEvent struct {
	Action  string         `json:"action"`
	CaseID  uuid.UUID      `json:"case_id"`
	ActorID string         `json:"actor_id,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	At      time.Time      `json:"at"`
}

// AuditSink receives every committed schedule change.
type AuditSink interface {
	RecordScheduleEvent(ctx context.Context, ev AuditEvent) error
}

// LogAuditSink writes audit events to the structured log.
type LogAuditSink struct {
	logger zerolog.Logger
}

func NewLogAuditSink(logger zerolog.Logger) *LogAuditSink {
	return &LogAuditSink{logger: logger}
}

func (s *LogAuditSink) RecordScheduleEvent(_ context.Context, ev AuditEvent) error {
	s.logger.Info().
		Str("audit_action", ev.Action).
		Str("case_id", ev.CaseID.String()).
		Str("actor", ev.ActorID).
		Fields(ev.Details).
		Time("at", ev.At).
		Msg("schedule audit")
	return nil
}

func actorFromContext(ctx context.Context) string {
	if id := auth.UserIDFromContext(ctx); id != "" {
		return id
	}
	return "system"
}

// DisplacementNotice tells a patient's care team that a case lost its slot
// to an emergency.
type DisplacementNotice struct {
	CaseID         uuid.UUID `json:"case_id"`
	PatientID      uuid.UUID `json:"patient_id"`
	SurgeonID      uuid.UUID `json:"surgeon_id"`
	DisplacedBy    uuid.UUID `json:"displaced_by"`
	PreviousRoomID uuid.UUID `json:"previous_room_id"`
	PreviousStart  time.Time `json:"previous_start"`
}

// Notifier is told about displaced cases after the displacement committed.
type Notifier interface {
	NotifyDisplaced(ctx context.Context, n DisplacementNotice) error
}

type nopNotifier struct{}

func (nopNotifier) NotifyDisplaced(context.Context, DisplacementNotice) error { return nil }

// TemplateNotifier sends displacement notices through the notification
// manager using the case-displaced template. Recipient resolves the address
// of the surgeon's office.
type TemplateNotifier struct {
	mgr       *notification.NotificationManager
	recipient func(surgeonID uuid.UUID) string
	loc       *time.Location
}

func NewTemplateNotifier(mgr *notification.NotificationManager, loc *time.Location, recipient func(uuid.UUID) string) *TemplateNotifier {
	if recipient == nil {
		recipient = func(id uuid.UUID) string { return "surgeon:" + id.String() }
	}
	if loc == nil {
		loc = time.UTC
	}
	return &TemplateNotifier{mgr: mgr, recipient: recipient, loc: loc}
}

func (t *TemplateNotifier) NotifyDisplaced(ctx context.Context, n DisplacementNotice) error {
	data := map[string]string{
		"case_id":        n.CaseID.String(),
		"patient_id":     n.PatientID.String(),
		"previous_start": n.PreviousStart.In(t.loc).Format("2006-01-02 15:04"),
		"displaced_by":   n.DisplacedBy.String(),
	}
	if _, err := t.mgr.SendFromTemplate(ctx, notification.TemplateCaseDisplaced, data, t.recipient(n.SurgeonID)); err != nil {
		return fmt.Errorf("send displacement notice: %w", err)
	}
	return nil
}
