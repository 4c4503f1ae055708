package orschedule

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/orsched/internal/platform/auth"
	"github.com/ehr/orsched/pkg/pagination"
)

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, physician, surgeon, nurse
	readGroup := api.Group("", auth.RequireRole("admin", "physician", "surgeon", "nurse"))
	readGroup.GET("/or-rooms", h.ListRooms)
	readGroup.GET("/or-blocks", h.ListBlocks)
	readGroup.GET("/or-blocks/:id", h.GetBlock)
	readGroup.GET("/surgical-cases", h.ListCases)
	readGroup.GET("/surgical-cases/:id", h.GetCase)
	readGroup.GET("/surgical-cases/:id/predicted-duration", h.GetPredictedDuration)
	readGroup.GET("/surgical-cases/:id/cancellation-risk", h.GetCancellationRisk)
	readGroup.POST("/surgical-cases/predict-duration", h.PredictDuration)
	readGroup.POST("/equipment/availability", h.CheckEquipment)
	readGroup.GET("/utilization", h.GetUtilization)

	// Write endpoints – admin, physician, surgeon
	writeGroup := api.Group("", auth.RequireRole("admin", "physician", "surgeon"))
	writeGroup.POST("/or-blocks", h.CreateBlock)
	writeGroup.POST("/or-blocks/:id/retire", h.RetireBlock)
	writeGroup.POST("/surgical-cases", h.ScheduleCase)
	writeGroup.PATCH("/surgical-cases/:id", h.UpdateCase)
	writeGroup.POST("/surgical-cases/:id/confirm", h.ConfirmCase)
	writeGroup.POST("/surgical-cases/:id/start", h.StartCase)
	writeGroup.POST("/surgical-cases/:id/complete", h.CompleteCase)
	writeGroup.POST("/surgical-cases/:id/cancel", h.CancelCase)
	writeGroup.POST("/emergency-insertions", h.InsertEmergency)

	// Admin endpoints
	adminGroup := api.Group("", auth.RequireRole("admin"))
	adminGroup.POST("/or-rooms", h.CreateRoom)
	adminGroup.POST("/equipment", h.CreateEquipment)
	adminGroup.PUT("/equipment/:id/service", h.SetEquipmentService)
	adminGroup.POST("/schedule-optimizations", h.Optimize)
	adminGroup.POST("/schedule-optimizations/apply", h.ApplyProposal)
}

// ErrorResponse is the body of every engine error.
type ErrorResponse struct {
	Kind               ErrorKind   `json:"kind"`
	Message            string      `json:"message"`
	Resource           string      `json:"resource,omitempty"`
	ConflictingCaseIDs []uuid.UUID `json:"conflicting_ids,omitempty"`
}

func httpError(err error) error {
	var e *Error
	if errors.As(err, &e) {
		code := http.StatusInternalServerError
		switch e.Kind {
		case KindValidation:
			code = http.StatusBadRequest
		case KindNotFound:
			code = http.StatusNotFound
		case KindConflict, KindStaleSchedule:
			code = http.StatusConflict
		case KindInvalidTransition:
			code = http.StatusUnprocessableEntity
		}
		return echo.NewHTTPError(code, ErrorResponse{
			Kind:               e.Kind,
			Message:            e.Message,
			Resource:           e.Resource,
			ConflictingCaseIDs: e.ConflictingIDs,
		})
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "schedule is busy, retry the request")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func queryUUID(c echo.Context, name string) (*uuid.UUID, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return &id, nil
}

// parseDate accepts a calendar date (YYYY-MM-DD) in the hospital time zone
// or an RFC 3339 timestamp.
func (h *Handler) parseDate(s string) (time.Time, error) {
	if t, err := time.ParseInLocation("2006-01-02", s, h.engine.opts.Location); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// queryRange reads from/to query parameters. Both or neither must be set.
func (h *Handler) queryRange(c echo.Context) (*DateRange, error) {
	from, to := c.QueryParam("from"), c.QueryParam("to")
	if from == "" && to == "" {
		return nil, nil
	}
	if from == "" || to == "" {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "from and to must be given together")
	}
	f, err := h.parseDate(from)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid from date")
	}
	t, err := h.parseDate(to)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid to date")
	}
	return &DateRange{From: f, To: t}, nil
}

// -- Rooms and equipment --

func (h *Handler) CreateRoom(c echo.Context) error {
	r := Room{IsActive: true}
	if err := c.Bind(&r); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.engine.CreateRoom(c.Request().Context(), &r); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) ListRooms(c echo.Context) error {
	rooms, err := h.engine.ListRooms(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, page(c, rooms))
}

func (h *Handler) CreateEquipment(c echo.Context) error {
	var eq Equipment
	if err := c.Bind(&eq); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.engine.CreateEquipment(c.Request().Context(), &eq); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, eq)
}

func (h *Handler) SetEquipmentService(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body struct {
		InService bool `json:"in_service"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.engine.SetEquipmentInService(c.Request().Context(), id, body.InService); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type availabilityRequest struct {
	EquipmentIDs []uuid.UUID `json:"equipment_ids"`
	Start        time.Time   `json:"start"`
	End          time.Time   `json:"end"`
	ExcludeCase  *uuid.UUID  `json:"exclude_case_id,omitempty"`
}

func (h *Handler) CheckEquipment(c echo.Context) error {
	var req availabilityRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var exclude []uuid.UUID
	if req.ExcludeCase != nil {
		exclude = append(exclude, *req.ExcludeCase)
	}
	out, err := h.engine.CheckEquipment(c.Request().Context(), req.EquipmentIDs, Interval{Start: req.Start, End: req.End}, exclude...)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

// -- OR blocks --

func (h *Handler) CreateBlock(c echo.Context) error {
	var req CreateBlockRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.engine.CreateBlock(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) GetBlock(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	b, err := h.engine.GetBlock(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) ListBlocks(c echo.Context) error {
	var f BlockFilter
	var err error
	if f.SurgeonID, err = queryUUID(c, "surgeon_id"); err != nil {
		return err
	}
	if f.RoomID, err = queryUUID(c, "room_id"); err != nil {
		return err
	}
	if f.Range, err = h.queryRange(c); err != nil {
		return err
	}
	items, err := h.engine.ListBlocks(c.Request().Context(), f)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, page(c, items))
}

func (h *Handler) RetireBlock(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body struct {
		EffectiveTo string `json:"effective_to"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	to, err := h.parseDate(body.EffectiveTo)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid effective_to")
	}
	b, err := h.engine.RetireBlock(c.Request().Context(), id, to)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

// -- Surgical cases --

func (h *Handler) ScheduleCase(c echo.Context) error {
	var req ScheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sc, err := h.engine.ScheduleCase(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, sc)
}

func (h *Handler) GetCase(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	sc, err := h.engine.GetCase(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sc)
}

func (h *Handler) ListCases(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := CaseFilter{Limit: pg.Limit, Offset: pg.Offset}
	var err error
	if f.RoomID, err = queryUUID(c, "room_id"); err != nil {
		return err
	}
	if f.SurgeonID, err = queryUUID(c, "surgeon_id"); err != nil {
		return err
	}
	if f.BlockID, err = queryUUID(c, "block_id"); err != nil {
		return err
	}
	if f.PatientID, err = queryUUID(c, "patient_id"); err != nil {
		return err
	}
	if s := c.QueryParam("status"); s != "" {
		st := Status(s)
		if !st.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
		}
		f.Status = &st
	}
	if f.Range, err = h.queryRange(c); err != nil {
		return err
	}
	items, total, err := h.engine.ListCases(c.Request().Context(), f)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*SurgicalCase{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) UpdateCase(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var patch CasePatch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sc, err := h.engine.UpdateCase(c.Request().Context(), id, patch)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sc)
}

func (h *Handler) ConfirmCase(c echo.Context) error {
	return h.transition(c, func(ctx context.Context, id uuid.UUID) (*SurgicalCase, error) {
		return h.engine.ConfirmCase(ctx, id)
	})
}

func (h *Handler) StartCase(c echo.Context) error {
	return h.transition(c, func(ctx context.Context, id uuid.UUID) (*SurgicalCase, error) {
		return h.engine.StartCase(ctx, id)
	})
}

func (h *Handler) CompleteCase(c echo.Context) error {
	var body struct {
		ActualMinutes *int `json:"actual_minutes"`
	}
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&body); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	return h.transition(c, func(ctx context.Context, id uuid.UUID) (*SurgicalCase, error) {
		return h.engine.CompleteCase(ctx, id, body.ActualMinutes)
	})
}

func (h *Handler) CancelCase(c echo.Context) error {
	var body struct {
		Reason string `json:"reason"`
	}
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&body); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	return h.transition(c, func(ctx context.Context, id uuid.UUID) (*SurgicalCase, error) {
		return h.engine.CancelCase(ctx, id, body.Reason)
	})
}

func (h *Handler) transition(c echo.Context, fn func(context.Context, uuid.UUID) (*SurgicalCase, error)) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	sc, err := fn(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sc)
}

// -- Predictions --

func (h *Handler) PredictDuration(c echo.Context) error {
	var in PredictionInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.engine.PredictDuration(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) GetPredictedDuration(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	out, err := h.engine.PredictCaseDuration(c.Request().Context(), id, PredictionInput{})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) GetCancellationRisk(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	out, err := h.engine.PredictCancellation(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

// -- Optimization and emergencies --

type optimizeRequest struct {
	TargetDate     string      `json:"target_date"`
	Goal           Goal        `json:"goal"`
	MaxChanges     *int        `json:"max_changes,omitempty"`
	RoomIDs        []uuid.UUID `json:"room_ids,omitempty"`
	TimeoutSeconds *int        `json:"timeout_seconds,omitempty"`
}

func (h *Handler) Optimize(c echo.Context) error {
	var body optimizeRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	day, err := h.parseDate(body.TargetDate)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid target_date")
	}
	req := OptimizeRequest{TargetDate: day, Goal: body.Goal, MaxChanges: body.MaxChanges, RoomIDs: body.RoomIDs}
	if body.TimeoutSeconds != nil {
		d := time.Duration(*body.TimeoutSeconds) * time.Second
		req.Timeout = &d
	}
	p, err := h.engine.Optimize(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ApplyProposal(c echo.Context) error {
	var p OptimizationProposal
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cases, err := h.engine.ApplyProposal(c.Request().Context(), &p)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"proposal_id": p.ID, "applied": cases})
}

func (h *Handler) InsertEmergency(c echo.Context) error {
	var req EmergencyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.engine.InsertEmergency(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	if !res.InsertionSuccessful {
		return c.JSON(http.StatusOK, res)
	}
	return c.JSON(http.StatusCreated, res)
}

// -- Utilization --

func (h *Handler) GetUtilization(c echo.Context) error {
	scope := UtilizationScope{Kind: ScopeKind(c.QueryParam("scope"))}
	var err error
	if scope.ID, err = queryUUID(c, "id"); err != nil {
		return err
	}
	r, err := h.queryRange(c)
	if err != nil {
		return err
	}
	var dr DateRange
	if r != nil {
		dr = *r
	}
	rep, err := h.engine.GetUtilization(c.Request().Context(), scope, dr)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rep)
}

// page slices an unpaginated result with the request's pagination params.
func page[T any](c echo.Context, items []T) *pagination.Response {
	return pagination.Slice(items, pagination.FromContext(c))
}
