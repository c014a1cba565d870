package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/middleware"
)

func newTestServer(t *testing.T) (*echo.Echo, *fixture) {
	t.Helper()
	f := newFixture(t)
	e := echo.New()
	e.Validator = middleware.NewRequestValidator()
	NewHandler(f.svc).RegisterRoutes(e.Group("/api/v1"))
	return e, f
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body
}

func bookingBody(f *fixture, start string) string {
	return `{"patient_id":"` + uuid.NewString() + `","assignment_id":"` + f.a.ID.String() +
		`","date":"2030-01-07","start_time":"` + start + `","motive":"control"}`
}

func TestHandler_GetAvailability(t *testing.T) {
	e, f := newTestServer(t)

	rec := do(e, http.MethodGet, "/api/v1/availability?clinician_id="+f.a.ClinicianID.String()+"&date=2030-01-07", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var av Availability
	if err := json.Unmarshal(rec.Body.Bytes(), &av); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(av.Sets) != 1 || len(av.Sets[0].Slots) != 8 {
		t.Fatalf("unexpected availability: %+v", av)
	}
	if av.Sets[0].Slots[0].Start != NewClock(8, 0) {
		t.Errorf("first slot = %s", av.Sets[0].Slots[0].Start)
	}

	rec = do(e, http.MethodGet, "/api/v1/availability?clinician_id="+f.a.ClinicianID.String()+"&date=2030-01-08", "")
	if !strings.Contains(rec.Body.String(), "no availability for Tuesday") {
		t.Errorf("tuesday body = %s", rec.Body.String())
	}

	rec = do(e, http.MethodGet, "/api/v1/availability?clinician_id=nope&date=2030-01-07", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad clinician id: status = %d", rec.Code)
	}

	rec = do(e, http.MethodGet, "/api/v1/availability?date=2030-01-07", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("no clinician or assignment: status = %d", rec.Code)
	}
}

func TestHandler_GetAvailabilityByAssignment(t *testing.T) {
	e, f := newTestServer(t)

	rec := do(e, http.MethodGet, "/api/v1/availability?assignment_id="+f.a.ID.String()+"&date=2030-01-07", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var av Availability
	if err := json.Unmarshal(rec.Body.Bytes(), &av); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if av.ClinicianID != f.a.ClinicianID || len(av.Sets) != 1 || len(av.Sets[0].Slots) != 8 {
		t.Errorf("unexpected availability: %+v", av)
	}
}

func TestHandler_CreateAppointment(t *testing.T) {
	e, f := newTestServer(t)

	rec := do(e, http.MethodPost, "/api/v1/appointments", bookingBody(f, "09:00"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var appt Appointment
	if err := json.Unmarshal(rec.Body.Bytes(), &appt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if appt.Status != StatusScheduled || appt.Type != TypeConsultation || appt.EndTime != NewClock(9, 30) {
		t.Errorf("appointment = %s %s %s", appt.Status, appt.Type, appt.EndTime)
	}

	rec = do(e, http.MethodPost, "/api/v1/appointments", bookingBody(f, "09:00"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("double booking: status = %d", rec.Code)
	}
	if body := errorBody(t, rec); body["code"] != CodeSlotConflict {
		t.Errorf("code = %q", body["code"])
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Error("retryable conflict should carry Retry-After")
	}
}

func TestHandler_CreateAppointment_Validation(t *testing.T) {
	e, f := newTestServer(t)

	tests := []struct {
		name    string
		body    string
		message string
	}{
		{"missing motive", `{"patient_id":"` + uuid.NewString() + `","assignment_id":"` + f.a.ID.String() + `","date":"2030-01-07","start_time":"09:00"}`, "motive is required"},
		{"bad patient", `{"patient_id":"p1","assignment_id":"` + f.a.ID.String() + `","date":"2030-01-07","start_time":"09:00","motive":"x"}`, "patient_id must be a UUID"},
		{"bad time", `{"patient_id":"` + uuid.NewString() + `","assignment_id":"` + f.a.ID.String() + `","date":"2030-01-07","start_time":"9am","motive":"x"}`, "start_time must be a time of day in HH:MM format"},
		{"bad type", `{"patient_id":"` + uuid.NewString() + `","assignment_id":"` + f.a.ID.String() + `","date":"2030-01-07","start_time":"09:00","motive":"x","type":"surgery"}`, "type must be one of [consultation follow_up emergency first_visit]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(e, http.MethodPost, "/api/v1/appointments", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
			}
			body := errorBody(t, rec)
			if body["code"] != "validation" || body["message"] != tt.message {
				t.Errorf("body = %v, want message %q", body, tt.message)
			}
		})
	}

	rec := do(e, http.MethodPost, "/api/v1/appointments", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d", rec.Code)
	}
}

func TestHandler_ConfigurationError(t *testing.T) {
	e, f := newTestServer(t)
	f.dir.SetRoom(f.a.RoomID, false)

	rec := do(e, http.MethodPost, "/api/v1/appointments", bookingBody(f, "09:00"))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := errorBody(t, rec); body["code"] != CodeNoActiveRoom {
		t.Errorf("code = %q", body["code"])
	}
	if rec.Header().Get("Retry-After") != "" {
		t.Error("configuration errors are not retryable")
	}
}

func TestHandler_CancelFlow(t *testing.T) {
	e, f := newTestServer(t)
	appt := f.book(t, "2030-01-07", "09:00")
	path := "/api/v1/appointments/" + appt.ID.String() + "/cancel"

	rec := do(e, http.MethodPost, path, `{}`)
	if rec.Code != http.StatusBadRequest || errorBody(t, rec)["code"] != CodeMissingReason {
		t.Fatalf("missing reason: status = %d body %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodPost, path, `{"reason":"sick"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: status = %d body %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodPost, path, `{"reason":"again"}`)
	if rec.Code != http.StatusConflict || errorBody(t, rec)["code"] != CodeAlreadyCancelled {
		t.Errorf("second cancel: status = %d body %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodPost, "/api/v1/appointments/"+appt.ID.String()+"/reschedule", `{"date":"2030-01-07","start_time":"10:00"}`)
	if rec.Code != http.StatusConflict || errorBody(t, rec)["code"] != CodeTerminalState {
		t.Errorf("reschedule cancelled: status = %d body %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_Transitions(t *testing.T) {
	e, f := newTestServer(t)
	appt := f.book(t, "2030-01-07", "09:00")
	base := "/api/v1/appointments/" + appt.ID.String()

	for _, step := range []string{"/confirm", "/start", "/perform"} {
		req := httptest.NewRequest(http.MethodPost, base+step, nil)
		req.Header.Set(ActorHeader, uuid.NewString())
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d body %s", step, rec.Code, rec.Body.String())
		}
	}
	rec := do(e, http.MethodPost, base+"/no-show", "")
	if rec.Code != http.StatusConflict || errorBody(t, rec)["code"] != CodeTerminalState {
		t.Errorf("no-show after perform: status = %d body %s", rec.Code, rec.Body.String())
	}

	stored, _ := f.svc.GetAppointment(context.Background(), appt.ID)
	if stored.ModifiedBy == nil {
		t.Error("actor header not recorded")
	}

	req := httptest.NewRequest(http.MethodPost, base+"/confirm", nil)
	req.Header.Set(ActorHeader, "someone")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad actor header: status = %d", rec.Code)
	}
}

func TestHandler_GetAppointment(t *testing.T) {
	e, f := newTestServer(t)
	appt := f.book(t, "2030-01-07", "09:00")

	rec := do(e, http.MethodGet, "/api/v1/appointments/"+appt.ID.String(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	rec = do(e, http.MethodGet, "/api/v1/appointments/not-a-uuid", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid id: status = %d", rec.Code)
	}
	rec = do(e, http.MethodGet, "/api/v1/appointments/"+uuid.NewString(), "")
	if rec.Code != http.StatusNotFound || errorBody(t, rec)["code"] != CodeNotFound {
		t.Errorf("unknown id: status = %d body %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_ListAppointments(t *testing.T) {
	e, f := newTestServer(t)
	f.book(t, "2030-01-07", "09:00")
	f.book(t, "2030-01-07", "10:00")
	f.book(t, "2030-01-14", "10:00")

	rec := do(e, http.MethodGet, "/api/v1/appointments?clinician_id="+f.a.ClinicianID.String()+"&date=2030-01-07&limit=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	var page struct {
		Data    []Appointment `json:"data"`
		Total   int           `json:"total"`
		HasMore bool          `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 2 || len(page.Data) != 1 || !page.HasMore {
		t.Errorf("page = total %d len %d more %v", page.Total, len(page.Data), page.HasMore)
	}

	rec = do(e, http.MethodGet, "/api/v1/appointments?performed=maybe", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad performed flag: status = %d", rec.Code)
	}
}

func TestHandler_WalkIn(t *testing.T) {
	e, f := newTestServer(t)
	body := `{"patient_id":"` + uuid.NewString() + `","clinician_id":"` + f.a.ClinicianID.String() + `","motive":"fever"}`
	rec := do(e, http.MethodPost, "/api/v1/walk-ins", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	var appt Appointment
	if err := json.Unmarshal(rec.Body.Bytes(), &appt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !appt.Performed || !appt.WalkIn || appt.Status != StatusAttended {
		t.Errorf("walk-in = %+v", appt)
	}
}

func TestHandler_AssignmentsAndExceptions(t *testing.T) {
	e, f := newTestServer(t)

	branch, room := uuid.New(), uuid.New()
	f.dir.SetBranch(branch, true)
	f.dir.SetRoom(room, true)
	body := `{"clinician_id":"` + f.a.ClinicianID.String() + `","branch_id":"` + branch.String() + `","room_id":"` + room.String() +
		`","weekday":2,"start_time":"14:00","end_time":"18:00","duration_minutes":20}`
	rec := do(e, http.MethodPost, "/api/v1/assignments", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create assignment: status = %d body %s", rec.Code, rec.Body.String())
	}
	var a Assignment
	if err := json.Unmarshal(rec.Body.Bytes(), &a); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = do(e, http.MethodGet, "/api/v1/assignments?clinician_id="+f.a.ClinicianID.String(), "")
	var list []Assignment
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list) != 2 {
		t.Fatalf("list assignments = %d, %v", len(list), err)
	}

	rec = do(e, http.MethodPost, "/api/v1/assignments/"+a.ID.String()+"/deactivate", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"active":false`) {
		t.Errorf("deactivate: status = %d body %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodPost, "/api/v1/exceptions", `{"clinician_id":"`+f.a.ClinicianID.String()+
		`","date":"2030-01-07","start_time":"10:00","end_time":"11:00","kind":"block","reason":"meeting"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create exception: status = %d body %s", rec.Code, rec.Body.String())
	}
	var ex Exception
	if err := json.Unmarshal(rec.Body.Bytes(), &ex); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = do(e, http.MethodGet, "/api/v1/exceptions?clinician_id="+f.a.ClinicianID.String()+"&date=2030-01-07", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"total":1`) {
		t.Errorf("list exceptions: status = %d body %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodDelete, "/api/v1/exceptions/"+ex.ID.String(), "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete exception: status = %d", rec.Code)
	}
	rec = do(e, http.MethodDelete, "/api/v1/exceptions/"+ex.ID.String(), "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("delete again: status = %d", rec.Code)
	}

	rec = do(e, http.MethodPost, "/api/v1/exceptions", `{"clinician_id":"`+f.a.ClinicianID.String()+
		`","date":"2030-01-07","start_time":"10:00","end_time":"11:00","kind":"holiday"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown kind: status = %d", rec.Code)
	}
}

func TestHTTPError_Untyped(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	err := HTTPError(c, errors.New("connection reset"))
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusInternalServerError {
		t.Fatalf("got %v, want 500", err)
	}
	if he.Internal == nil {
		t.Error("original error should be kept as internal")
	}
}
