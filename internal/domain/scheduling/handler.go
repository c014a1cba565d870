package scheduling

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/clinic/clinic/pkg/pagination"
)

// ActorHeader optionally carries the id of the staff member performing the
// request; it is recorded as created_by / modified_by.
const ActorHeader = "X-Actor-ID"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/availability", h.GetAvailability)

	api.GET("/appointments", h.ListAppointments)
	api.GET("/appointments/:id", h.GetAppointment)
	api.POST("/appointments", h.CreateAppointment)
	api.POST("/appointments/:id/reschedule", h.RescheduleAppointment)
	api.POST("/appointments/:id/cancel", h.CancelAppointment)
	api.POST("/appointments/:id/perform", h.MarkPerformed)
	api.POST("/appointments/:id/confirm", h.Confirm)
	api.POST("/appointments/:id/start", h.StartConsultation)
	api.POST("/appointments/:id/no-show", h.MarkNoShow)
	api.POST("/walk-ins", h.RegisterWalkIn)

	api.GET("/assignments", h.ListAssignments)
	api.GET("/assignments/:id", h.GetAssignment)
	api.POST("/assignments", h.CreateAssignment)
	api.POST("/assignments/:id/deactivate", h.DeactivateAssignment)

	api.GET("/exceptions", h.ListExceptions)
	api.POST("/exceptions", h.CreateException)
	api.DELETE("/exceptions/:id", h.DeleteException)
}

// HTTPError converts a service error into an echo.HTTPError with a
// {"code","message"} body. Retryable conflicts also get a Retry-After header.
func HTTPError(c echo.Context, err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	var e *Error
	if !errors.As(err, &e) {
		return echo.NewHTTPError(http.StatusInternalServerError, map[string]string{
			"code":    "internal",
			"message": "internal server error",
		}).SetInternal(err)
	}
	status := http.StatusInternalServerError
	switch e.Kind {
	case KindValidation:
		status = http.StatusBadRequest
	case KindNotFound:
		status = http.StatusNotFound
	case KindState, KindConflict:
		status = http.StatusConflict
	case KindConfiguration:
		status = http.StatusUnprocessableEntity
	}
	if e.Retryable() {
		c.Response().Header().Set("Retry-After", "1")
	}
	return echo.NewHTTPError(status, map[string]string{"code": e.Code, "message": e.Message})
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, map[string]string{"code": CodeValidation, "message": msg})
}

func bindAndValidate(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return badRequest("malformed request body")
	}
	return c.Validate(req)
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, badRequest("invalid id")
	}
	return id, nil
}

// ActorFrom returns the actor id of the request, if any.
func ActorFrom(c echo.Context) (*uuid.UUID, error) {
	raw := c.Request().Header.Get(ActorHeader)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, badRequest(ActorHeader + " must be a UUID")
	}
	return &id, nil
}

func optionalUUID(c echo.Context, name string) (*uuid.UUID, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, badRequest(name + " must be a UUID")
	}
	return &id, nil
}

func optionalDate(c echo.Context, name string) (*Date, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	d, err := ParseDate(raw)
	if err != nil {
		return nil, badRequest(name + " must be a date in YYYY-MM-DD format")
	}
	return &d, nil
}

// -- Availability --

func (h *Handler) GetAvailability(c echo.Context) error {
	date, err := ParseDate(c.QueryParam("date"))
	if err != nil {
		return badRequest("date must be a date in YYYY-MM-DD format")
	}
	q := AvailabilityQuery{Date: date}
	clinicianID, err := optionalUUID(c, "clinician_id")
	if err != nil {
		return err
	}
	if q.BranchID, err = optionalUUID(c, "branch_id"); err != nil {
		return err
	}
	if q.AssignmentID, err = optionalUUID(c, "assignment_id"); err != nil {
		return err
	}
	switch {
	case clinicianID != nil:
		q.ClinicianID = *clinicianID
	case q.AssignmentID == nil:
		return badRequest("clinician_id or assignment_id is required")
	}
	av, err := h.svc.GetAvailableSlots(c.Request().Context(), q)
	if err != nil {
		return HTTPError(c, err)
	}
	return c.JSON(http.StatusOK, av)
}

// -- Appointments --

type createAppointmentRequest struct {
	PatientID       string           `json:"patient_id" validate:"required,uuid"`
	AssignmentID    string           `json:"assignment_id" validate:"required,uuid"`
	Date            string           `json:"date" validate:"required,isodate"`
	StartTime       string           `json:"start_time" validate:"required,clock"`
	DurationMinutes int              `json:"duration_minutes" validate:"gte=0,lte=1440"`
	Type            string           `json:"type" validate:"omitempty,oneof=consultation follow_up emergency first_visit"`
	Motive          string           `json:"motive" validate:"required,max=500"`
	Price           *decimal.Decimal `json:"price"`
	PaymentMethod   string           `json:"payment_method" validate:"omitempty,oneof=cash card transfer insurance"`
}

func (h *Handler) CreateAppointment(c echo.Context) error {
	var req createAppointmentRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	actor, err := ActorFrom(c)
	if err != nil {
		return err
	}
	date, _ := ParseDate(req.Date)
	start, _ := ParseClock(req.StartTime)
	apptType := AppointmentType(req.Type)
	if apptType == "" {
		apptType = TypeConsultation
	}
	appt, err := h.svc.CreateAppointment(c.Request().Context(), BookingRequest{
		PatientID:       uuid.MustParse(req.PatientID),
		AssignmentID:    uuid.MustParse(req.AssignmentID),
		Date:            date,
		Start:           start,
		DurationMinutes: req.DurationMinutes,
		Type:            apptType,
		Motive:          req.Motive,
		Price:           req.Price,
		PaymentMethod:   PaymentMethod(req.PaymentMethod),
		Actor:           actor,
	})
	if err != nil {
		return HTTPError(c, err)
	}
	return c.JSON(http.StatusCreated, appt)
}

type rescheduleRequest struct {
	Date      string `json:"date" validate:"required,isodate"`
	StartTime string `json:"start_time" validate:"required,clock"`
}

func (h *Handler) RescheduleAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req rescheduleRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	actor, err := ActorFrom(c)
	if err != nil {
		return err
	}
	date, _ := ParseDate(req.Date)
	start, _ := ParseClock(req.StartTime)
	appt, err := h.svc.RescheduleAppointment(c.Request().Context(), RescheduleRequest{
		ID: id, Date: date, Start: start, Actor: actor,
	})
	if err != nil {
		return HTTPError(c, err)
	}
	return c.JSON(http.StatusOK, appt)
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (h *Handler) CancelAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	actor, err := ActorFrom(c)
	if err != nil {
		return err
	}
	appt, err := h.svc.CancelAppointment(c.Request().Context(), id, actor, req.Reason)
	if err != nil {
		return HTTPError(c, err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) MarkPerformed(c echo.Context) error {
	return h.transition(c, h.svc.MarkPerformed)
}

func (h *Handler) Confirm(c echo.Context) error {
	return h.transition(c, h.svc.Confirm)
}

func (h *Handler) StartConsultation(c echo.Context) error {
	return h.transition(c, h.svc.StartConsultation)
}

func (h *Handler) MarkNoShow(c echo.Context) error {
	return h.transition(c, h.svc.MarkNoShow)
}

func (h *Handler) transition(c echo.Context, apply func(context.Context, uuid.UUID, *uuid.UUID) (*Appointment, error)) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	actor, err := ActorFrom(c)
	if err != nil {
		return err
	}
	appt, err := apply(c.Request().Context(), id, actor)
	if err != nil {
		return HTTPError(c, err)
	}
	return c.JSON(http.StatusOK, appt)
}

type walkInRequest struct {
	PatientID     string           `json:"patient_id" validate:"required,uuid"`
	ClinicianID   string           `json:"clinician_id" validate:"required,uuid"`
	BranchID      string           `json:"branch_id" validate:"omitempty,uuid"`
	Type          string           `json:"type" validate:"omitempty,oneof=consultation follow_up emergency first_visit"`
	Motive        string           `json:"motive" validate:"required,max=500"`
	Price         *decimal.Decimal `json:"price"`
	PaymentMethod string           `json:"payment_method" validate:"omitempty,oneof=cash card transfer insurance"`
}

func (h *Handler) RegisterWalkIn(c echo.Context) error {
	var req walkInRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	actor, err := ActorFrom(c)
	if err != nil {
		return err
	}
	in := WalkInRequest{
		PatientID:     uuid.MustParse(req.PatientID),
		ClinicianID:   uuid.MustParse(req.ClinicianID),
		Type:          AppointmentType(req.Type),
		Motive:        req.Motive,
		Price:         req.Price,
		PaymentMethod: PaymentMethod(req.PaymentMethod),
		Actor:         actor,
	}
	if in.Type == "" {
		in.Type = TypeConsultation
	}
	if req.BranchID != "" {
		in.BranchID = uuidPtr(uuid.MustParse(req.BranchID))
	}
	appt, err := h.svc.RegisterWalkIn(c.Request().Context(), in)
	if err != nil {
		return HTTPError(c, err)
	}
	return c.JSON(http.StatusCreated, appt)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	appt, err := h.svc.GetAppointment(c.Request().Context(), id)
	if err != nil {
		return HTTPError(c, err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f AppointmentFilter
	var err error
	if f.ClinicianID, err = optionalUUID(c, "clinician_id"); err != nil {
		return err
	}
	if f.BranchID, err = optionalUUID(c, "branch_id"); err != nil {
		return err
	}
	if f.PatientID, err = optionalUUID(c, "patient_id"); err != nil {
		return err
	}
	if date, err := optionalDate(c, "date"); err != nil {
		return err
	} else if date != nil {
		f.From, f.To = date, date
	}
	if f.From == nil {
		if f.From, err = optionalDate(c, "from"); err != nil {
			return err
		}
		if f.To, err = optionalDate(c, "to"); err != nil {
			return err
		}
	}
	if raw := c.QueryParam("status"); raw != "" {
		st := Status(raw)
		f.Status = &st
	}
	if raw := c.QueryParam("performed"); raw != "" {
		performed, err := strconv.ParseBool(raw)
		if err != nil {
			return badRequest("performed must be true or false")
		}
		f.Performed = &performed
	}
	items, total, err := h.svc.ListAppointments(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return HTTPError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// -- Assignments --

type createAssignmentRequest struct {
	ClinicianID     string `json:"clinician_id" validate:"required,uuid"`
	BranchID        string `json:"branch_id" validate:"required,uuid"`
	RoomID          string `json:"room_id" validate:"required,uuid"`
	Weekday         int    `json:"weekday" validate:"required,min=1,max=7"`
	StartTime       string `json:"start_time" validate:"required,clock"`
	EndTime         string `json:"end_time" validate:"required,clock"`
	DurationMinutes int    `json:"duration_minutes" validate:"required,min=1,max=1440"`
}

func (h *Handler) CreateAssignment(c echo.Context) error {
	var req createAssignmentRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	start, _ := ParseClock(req.StartTime)
	end, _ := ParseClock(req.EndTime)
	a := &Assignment{
		ClinicianID:     uuid.MustParse(req.ClinicianID),
		BranchID:        uuid.MustParse(req.BranchID),
		RoomID:          uuid.MustParse(req.RoomID),
		Weekday:         req.Weekday,
		StartTime:       start,
		EndTime:         end,
		DurationMinutes: req.DurationMinutes,
	}
	if err := h.svc.CreateAssignment(c.Request().Context(), a); err != nil {
		return HTTPError(c, err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) GetAssignment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.GetAssignment(c.Request().Context(), id)
	if err != nil {
		return HTTPError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListAssignments(c echo.Context) error {
	clinicianID, err := uuid.Parse(c.QueryParam("clinician_id"))
	if err != nil {
		return badRequest("clinician_id must be a UUID")
	}
	activeOnly := c.QueryParam("active") == "true"
	items, err := h.svc.ListAssignments(c.Request().Context(), clinicianID, activeOnly)
	if err != nil {
		return HTTPError(c, err)
	}
	if items == nil {
		items = []*Assignment{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) DeactivateAssignment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.DeactivateAssignment(c.Request().Context(), id)
	if err != nil {
		return HTTPError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

// -- Exceptions --

type createExceptionRequest struct {
	ClinicianID string `json:"clinician_id" validate:"required,uuid"`
	BranchID    string `json:"branch_id" validate:"omitempty,uuid"`
	Date        string `json:"date" validate:"required,isodate"`
	StartTime   string `json:"start_time" validate:"required,clock"`
	EndTime     string `json:"end_time" validate:"required,clock"`
	Kind        string `json:"kind" validate:"required,oneof=block vacation permit extra"`
	Reason      string `json:"reason" validate:"max=500"`
}

func (h *Handler) CreateException(c echo.Context) error {
	var req createExceptionRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	date, _ := ParseDate(req.Date)
	start, _ := ParseClock(req.StartTime)
	end, _ := ParseClock(req.EndTime)
	e := &Exception{
		ClinicianID: uuid.MustParse(req.ClinicianID),
		Date:        date,
		StartTime:   start,
		EndTime:     end,
		Kind:        ExceptionKind(req.Kind),
		Reason:      req.Reason,
	}
	if req.BranchID != "" {
		e.BranchID = uuidPtr(uuid.MustParse(req.BranchID))
	}
	if err := h.svc.CreateException(c.Request().Context(), e); err != nil {
		return HTTPError(c, err)
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *Handler) ListExceptions(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f ExceptionFilter
	var err error
	if f.ClinicianID, err = optionalUUID(c, "clinician_id"); err != nil {
		return err
	}
	if f.BranchID, err = optionalUUID(c, "branch_id"); err != nil {
		return err
	}
	if date, err := optionalDate(c, "date"); err != nil {
		return err
	} else if date != nil {
		f.From, f.To = date, date
	}
	items, total, err := h.svc.ListExceptions(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return HTTPError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) DeleteException(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteException(c.Request().Context(), id); err != nil {
		return HTTPError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
