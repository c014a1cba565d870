package reporting

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/db"
)

// MeasureDefinition defines a reporting measure with its SQL query. Every
// query takes the inclusive date range as $1 (from) and $2 (to).
type MeasureDefinition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	SQL         string `json:"-"`
}

// MeasureReport holds the results of evaluating a measure.
type MeasureReport struct {
	MeasureID   string                   `json:"measure_id"`
	MeasureName string                   `json:"measure_name"`
	GeneratedAt time.Time                `json:"generated_at"`
	From        string                   `json:"from"`
	To          string                   `json:"to"`
	Results     []map[string]interface{} `json:"results"`
}

// PredefinedMeasures is the list of available reporting measures.
var PredefinedMeasures = []MeasureDefinition{
	{
		ID:          "appointments-by-status",
		Name:        "Appointments by Status",
		Description: "Number of appointments in the range grouped by status",
		SQL: `SELECT status, COUNT(*) AS total FROM appointment
			WHERE appointment_date BETWEEN $1 AND $2
			GROUP BY status ORDER BY total DESC, status`,
	},
	{
		ID:          "no-show-rate-by-clinician",
		Name:        "No-show Rate by Clinician",
		Description: "Share of non-cancelled appointments each clinician's patients missed",
		SQL: `SELECT clinician_id,
				COUNT(*) AS total,
				COUNT(*) FILTER (WHERE status = 'no_asistio') AS no_shows,
				ROUND(COUNT(*) FILTER (WHERE status = 'no_asistio')::numeric / COUNT(*), 4) AS no_show_rate
			FROM appointment
			WHERE appointment_date BETWEEN $1 AND $2 AND status <> 'cancelada'
			GROUP BY clinician_id ORDER BY no_show_rate DESC, clinician_id`,
	},
	{
		ID:          "revenue-by-branch",
		Name:        "Revenue by Branch",
		Description: "Billed amount of performed appointments per branch and payment state",
		SQL: `SELECT branch_id, payment_state, COUNT(*) AS performed, SUM(price) AS billed
			FROM appointment
			WHERE appointment_date BETWEEN $1 AND $2 AND performed
			GROUP BY branch_id, payment_state ORDER BY branch_id, payment_state`,
	},
	{
		ID:          "walk-ins-by-day",
		Name:        "Walk-ins by Day",
		Description: "Walk-in consultations registered per day",
		SQL: `SELECT appointment_date AS date, COUNT(*) AS total FROM appointment
			WHERE appointment_date BETWEEN $1 AND $2 AND walk_in
			GROUP BY appointment_date ORDER BY appointment_date`,
	},
}

// Handler provides HTTP handlers for the reporting API.
type Handler struct {
	conn db.Querier
	log  zerolog.Logger
	now  func() time.Time
}

func NewHandler(conn db.Querier, log zerolog.Logger) *Handler {
	return &Handler{conn: conn, log: log, now: time.Now}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	reportGroup := api.Group("/reports")
	reportGroup.GET("/measures", h.ListMeasures)
	reportGroup.GET("/measures/:id/evaluate", h.EvaluateMeasure)
}

// ListMeasures returns all available measure definitions.
func (h *Handler) ListMeasures(c echo.Context) error {
	return c.JSON(http.StatusOK, PredefinedMeasures)
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, map[string]string{"code": "validation", "message": msg})
}

// dateRange reads from/to; both default to today and from must not be after to.
func dateRange(c echo.Context, today time.Time) (time.Time, time.Time, error) {
	day := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)
	from, to := day, day
	for name, dst := range map[string]*time.Time{"from": &from, "to": &to} {
		if raw := c.QueryParam(name); raw != "" {
			t, err := time.Parse("2006-01-02", raw)
			if err != nil {
				return from, to, badRequest(name + " must be a date in YYYY-MM-DD format")
			}
			*dst = t
		}
	}
	if to.Before(from) {
		return from, to, badRequest("to must not be before from")
	}
	return from, to, nil
}

// EvaluateMeasure executes a measure's SQL over the requested range.
func (h *Handler) EvaluateMeasure(c echo.Context) error {
	measure := FindMeasure(c.Param("id"))
	if measure == nil {
		return echo.NewHTTPError(http.StatusNotFound, map[string]string{"code": "not_found", "message": "measure not found"})
	}

	from, to, err := dateRange(c, h.now())
	if err != nil {
		return err
	}

	results, err := h.executeSQL(c.Request().Context(), measure.SQL, from, to)
	if err != nil {
		h.log.Error().Err(err).Str("measure", measure.ID).Msg("measure query failed")
		return echo.NewHTTPError(http.StatusInternalServerError, map[string]string{
			"code":    "internal",
			"message": "measure evaluation failed",
		}).SetInternal(err)
	}

	return c.JSON(http.StatusOK, MeasureReport{
		MeasureID:   measure.ID,
		MeasureName: measure.Name,
		GeneratedAt: h.now(),
		From:        from.Format("2006-01-02"),
		To:          to.Format("2006-01-02"),
		Results:     results,
	})
}

// executeSQL runs a SQL query and returns results as a slice of maps.
func (h *Handler) executeSQL(ctx context.Context, sql string, args ...interface{}) ([]map[string]interface{}, error) {
	rows, err := h.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	results := []map[string]interface{}{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}

		row := make(map[string]interface{}, len(fieldDescs))
		for i, fd := range fieldDescs {
			row[fd.Name] = values[i]
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// FindMeasure looks up a measure by ID.
func FindMeasure(id string) *MeasureDefinition {
	for i := range PredefinedMeasures {
		if PredefinedMeasures[i].ID == id {
			return &PredefinedMeasures[i]
		}
	}
	return nil
}
