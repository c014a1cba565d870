package billing

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/clinic/clinic/internal/domain/scheduling"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/charges", h.ListCharges)
	api.GET("/charges/summary", h.GetSummary)
	api.POST("/charges/export", h.ExportCharges)
	api.GET("/charges/:appointment_id", h.GetCharge)
	api.PATCH("/charges/:appointment_id", h.UpdateCharge)
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, map[string]string{"code": scheduling.CodeValidation, "message": msg})
}

func filterFromQuery(c echo.Context) (ChargeFilter, error) {
	var f ChargeFilter
	for name, dst := range map[string]**uuid.UUID{
		"clinician_id": &f.ClinicianID,
		"branch_id":    &f.BranchID,
		"patient_id":   &f.PatientID,
	} {
		if raw := c.QueryParam(name); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				return f, badRequest(name + " must be a UUID")
			}
			*dst = &id
		}
	}
	for name, dst := range map[string]**scheduling.Date{"from": &f.From, "to": &f.To} {
		if raw := c.QueryParam(name); raw != "" {
			d, err := scheduling.ParseDate(raw)
			if err != nil {
				return f, badRequest(name + " must be a date in YYYY-MM-DD format")
			}
			*dst = &d
		}
	}
	if raw := c.QueryParam("payment_state"); raw != "" {
		st := scheduling.PaymentState(raw)
		f.PaymentState = &st
	}
	return f, nil
}

func (h *Handler) ListCharges(c echo.Context) error {
	f, err := filterFromQuery(c)
	if err != nil {
		return err
	}
	records, err := h.svc.DeriveCharges(c.Request().Context(), f)
	if err != nil {
		return scheduling.HTTPError(c, err)
	}
	return c.JSON(http.StatusOK, records)
}

func (h *Handler) GetSummary(c echo.Context) error {
	f, err := filterFromQuery(c)
	if err != nil {
		return err
	}
	summary, err := h.svc.Summary(c.Request().Context(), f)
	if err != nil {
		return scheduling.HTTPError(c, err)
	}
	return c.JSON(http.StatusOK, summary)
}

// ExportCharges writes the filtered charges to the object store and returns
// the stored object's metadata.
func (h *Handler) ExportCharges(c echo.Context) error {
	f, err := filterFromQuery(c)
	if err != nil {
		return err
	}
	obj, err := h.svc.ExportCharges(c.Request().Context(), f)
	if err != nil {
		return scheduling.HTTPError(c, err)
	}
	return c.JSON(http.StatusCreated, obj)
}

func (h *Handler) GetCharge(c echo.Context) error {
	id, err := uuid.Parse(c.Param("appointment_id"))
	if err != nil {
		return badRequest("invalid appointment id")
	}
	rec, err := h.svc.GetCharge(c.Request().Context(), id)
	if err != nil {
		return scheduling.HTTPError(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

type updateChargeRequest struct {
	Amount        *decimal.Decimal `json:"amount"`
	PaymentState  string           `json:"payment_state" validate:"omitempty,oneof=pending paid partial"`
	PaymentMethod *string          `json:"payment_method" validate:"omitempty,oneof=cash card transfer insurance"`
}

func (h *Handler) UpdateCharge(c echo.Context) error {
	id, err := uuid.Parse(c.Param("appointment_id"))
	if err != nil {
		return badRequest("invalid appointment id")
	}
	var req updateChargeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("malformed request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	actor, err := scheduling.ActorFrom(c)
	if err != nil {
		return err
	}
	u := ChargeUpdate{Amount: req.Amount, Actor: actor}
	if req.PaymentState != "" {
		st := scheduling.PaymentState(req.PaymentState)
		u.PaymentState = &st
	}
	if req.PaymentMethod != nil {
		m := scheduling.PaymentMethod(*req.PaymentMethod)
		u.PaymentMethod = &m
	}
	rec, err := h.svc.UpdateCharge(c.Request().Context(), id, u)
	if err != nil {
		return scheduling.HTTPError(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}
