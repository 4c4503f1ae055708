// Package notification delivers schedule notices (displacements, reminders,
// emergency alerts) over email or SMS from named templates, keeps an
// in-memory outbox with retry, and exposes the outbox over Echo.
package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Channel is the delivery channel of a notification.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Built-in template IDs.
const (
	TemplateCaseDisplaced    = "case-displaced"
	TemplateCaseReminder     = "case-reminder"
	TemplateEmergencyAlert   = "emergency-insertion"
	TemplateBlockRetired     = "block-retired"
	TemplateCancellationRisk = "cancellation-risk"
)

const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

type Notification struct {
	ID           string            `json:"id"`
	Channel      Channel           `json:"channel"`
	Recipient    string            `json:"recipient"`
	Subject      string            `json:"subject,omitempty"`
	Body         string            `json:"body"`
	TemplateID   string            `json:"template_id,omitempty"`
	TemplateData map[string]string `json:"template_data,omitempty"`
	Status       string            `json:"status"`
	Attempts     int               `json:"attempts"`
	CreatedAt    time.Time         `json:"created_at"`
	SentAt       *time.Time        `json:"sent_at,omitempty"`
	Error        string            `json:"error,omitempty"`
}

type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// LogSender writes every message to a zerolog logger instead of a gateway.
// It is the sender used when no email or SMS provider is configured.
type LogSender struct {
	Logger zerolog.Logger
}

func (s LogSender) SendEmail(_ context.Context, to, subject, body string) error {
	s.Logger.Info().Str("channel", string(ChannelEmail)).Str("to", to).Str("subject", subject).Msg(body)
	return nil
}

func (s LogSender) SendSMS(_ context.Context, to, body string) error {
	s.Logger.Info().Str("channel", string(ChannelSMS)).Str("to", to).Msg(body)
	return nil
}

// ---------------------------------------------------------------------------
// Templates
// ---------------------------------------------------------------------------

type Template struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Subject string  `json:"subject"`
	Body    string  `json:"body"`
	Channel Channel `json:"channel"`
}

// TemplateEngine renders {{key}} placeholders in registered templates.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	for _, t := range builtInTemplates {
		e.templates[t.ID] = t
	}
	return e
}

var builtInTemplates = []Template{
	{
		ID:      TemplateCaseDisplaced,
		Name:    "Case Displaced",
		Subject: "Surgical case {{case_id}} needs rebooking",
		Body:    "Case {{case_id}} for patient {{patient_id}}, scheduled {{previous_start}}, was displaced by emergency case {{displaced_by}} and must be rebooked.",
		Channel: ChannelEmail,
	},
	{
		ID:      TemplateCaseReminder,
		Name:    "Pre-operative Reminder",
		Subject: "Surgery reminder",
		Body:    "Your procedure is scheduled for {{start}}. Please arrive {{arrive_minutes}} minutes early.",
		Channel: ChannelSMS,
	},
	{
		ID:      TemplateEmergencyAlert,
		Name:    "Emergency Insertion",
		Subject: "Emergency case placed in {{room}}",
		Body:    "Emergency case {{case_id}} starts {{start}} in {{room}}. Displaced cases: {{displaced}}.",
		Channel: ChannelSMS,
	},
	{
		ID:      TemplateBlockRetired,
		Name:    "Block Retired",
		Subject: "OR block {{block_id}} retired",
		Body:    "Block {{block_id}} ends effective {{effective_to}}. Cases after that date must be rebooked.",
		Channel: ChannelEmail,
	},
	{
		ID:      TemplateCancellationRisk,
		Name:    "Cancellation Risk",
		Subject: "High cancellation risk for case {{case_id}}",
		Body:    "Case {{case_id}} on {{start}} has a {{risk_level}} cancellation risk ({{risk_score}}).",
		Channel: ChannelEmail,
	},
}

func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t
}

// Render looks up a template and substitutes data. Placeholders without a
// value are left in place.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (Template, error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return Template{}, fmt.Errorf("template %q not found", templateID)
	}
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		t.Subject = strings.ReplaceAll(t.Subject, placeholder, v)
		t.Body = strings.ReplaceAll(t.Body, placeholder, v)
	}
	return t, nil
}

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

type Message struct {
	To      string
	Subject string
	Body    string
}

// MockSender records messages for both channels and can be told to fail.
type MockSender struct {
	mu    sync.Mutex
	email []Message
	sms   []Message
	Fail  error
}

func (m *MockSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.email = append(m.email, Message{To: to, Subject: subject, Body: body})
	return m.Fail
}

func (m *MockSender) SendSMS(_ context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sms = append(m.sms, Message{To: to, Body: body})
	return m.Fail
}

func (m *MockSender) Emails() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.email...)
}

func (m *MockSender) SMS() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sms...)
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

var ErrNotFound = errors.New("notification not found")

// NotificationManager sends notifications and keeps them for lookup and retry.
type NotificationManager struct {
	email     EmailSender
	sms       SMSSender
	templates *TemplateEngine
	now       func() time.Time

	mu     sync.RWMutex
	outbox map[string]*Notification
}

func NewNotificationManager(email EmailSender, sms SMSSender, tpl *TemplateEngine) *NotificationManager {
	if tpl == nil {
		tpl = NewTemplateEngine()
	}
	return &NotificationManager{
		email:     email,
		sms:       sms,
		templates: tpl,
		now:       func() time.Time { return time.Now().UTC() },
		outbox:    make(map[string]*Notification),
	}
}

// Send delivers n and stores it. A delivery failure is returned and the
// notification is kept with status failed.
func (m *NotificationManager) Send(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	n.CreatedAt = m.now()
	n.Status = StatusPending
	err := m.deliver(ctx, n)

	m.mu.Lock()
	m.outbox[n.ID] = n
	m.mu.Unlock()
	return err
}

func (m *NotificationManager) deliver(ctx context.Context, n *Notification) error {
	var err error
	switch n.Channel {
	case ChannelEmail:
		if m.email == nil {
			err = errors.New("no email sender configured")
		} else {
			err = m.email.SendEmail(ctx, n.Recipient, n.Subject, n.Body)
		}
	case ChannelSMS:
		if m.sms == nil {
			err = errors.New("no sms sender configured")
		} else {
			err = m.sms.SendSMS(ctx, n.Recipient, n.Body)
		}
	default:
		err = fmt.Errorf("unsupported channel: %s", n.Channel)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	n.Attempts++
	if err != nil {
		n.Status = StatusFailed
		n.Error = err.Error()
		return err
	}
	n.Status = StatusSent
	n.Error = ""
	sentAt := m.now()
	n.SentAt = &sentAt
	return nil
}

// SendFromTemplate renders templateID and sends it on the template's channel.
func (m *NotificationManager) SendFromTemplate(ctx context.Context, templateID string, data map[string]string, recipient string) (*Notification, error) {
	t, err := m.templates.Render(templateID, data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	n := &Notification{
		Channel:      t.Channel,
		Recipient:    recipient,
		Subject:      t.Subject,
		Body:         t.Body,
		TemplateID:   templateID,
		TemplateData: data,
	}
	return n, m.Send(ctx, n)
}

func (m *NotificationManager) Get(id string) (*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.outbox[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return n, nil
}

// ListByRecipient returns up to limit notifications for recipient, newest first.
func (m *NotificationManager) ListByRecipient(recipient string, limit int) []*Notification {
	m.mu.RLock()
	var out []*Notification
	for _, n := range m.outbox {
		if n.Recipient == recipient {
			out = append(out, n)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Retry re-sends a failed notification.
func (m *NotificationManager) Retry(ctx context.Context, id string) (*Notification, error) {
	n, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	status := n.Status
	m.mu.RUnlock()
	if status != StatusFailed {
		return n, fmt.Errorf("notification %s is %s, only failed notifications can be retried", id, status)
	}
	return n, m.deliver(ctx, n)
}

// Stats counts notifications by status.
func (m *NotificationManager) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make(map[string]int)
	for _, n := range m.outbox {
		stats[n.Status]++
	}
	return stats
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

type Handler struct {
	manager *NotificationManager
}

func NewHandler(mgr *NotificationManager) *Handler {
	return &Handler{manager: mgr}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/notifications/send-template", h.SendTemplate)
	g.GET("/notifications/stats", h.Stats)
	g.GET("/notifications/:id", h.Get)
	g.GET("/notifications", h.List)
	g.POST("/notifications/:id/retry", h.Retry)
}

type sendTemplateRequest struct {
	TemplateID string            `json:"template_id"`
	Recipient  string            `json:"recipient"`
	Data       map[string]string `json:"data"`
}

func (h *Handler) SendTemplate(c echo.Context) error {
	var req sendTemplateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.TemplateID == "" || req.Recipient == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "template_id and recipient are required")
	}
	n, err := h.manager.SendFromTemplate(c.Request().Context(), req.TemplateID, req.Data, req.Recipient)
	if n == nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	// a failed delivery is still recorded and returned
	return c.JSON(http.StatusCreated, n)
}

func (h *Handler) Get(c echo.Context) error {
	n, err := h.manager.Get(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) List(c echo.Context) error {
	recipient := c.QueryParam("recipient")
	if recipient == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "recipient query parameter is required")
	}
	return c.JSON(http.StatusOK, h.manager.ListByRecipient(recipient, 100))
}

func (h *Handler) Retry(c echo.Context) error {
	n, err := h.manager.Retry(c.Request().Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.Stats())
}
