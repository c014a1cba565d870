package billing

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/domain/scheduling"
	"github.com/clinic/clinic/internal/platform/blobstore"
	"github.com/clinic/clinic/internal/platform/middleware"
)

func TestWriteCSV(t *testing.T) {
	monday := mustDate(t, "2030-01-07")
	appt := performedAppt(monday, scheduling.NewClock(9, 30), "50", scheduling.PaymentPartial)
	appt.PaymentMethod = scheduling.PaymentMethod("cash")
	records := Derive([]*scheduling.Appointment{appt}, DefaultPolicy())

	var buf bytes.Buffer
	if err := WriteCSV(&buf, records); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want header + 1", len(rows))
	}
	if len(rows[0]) != len(csvHeader) || rows[0][0] != "appointment_id" {
		t.Errorf("unexpected header %v", rows[0])
	}
	row := rows[1]
	if row[0] != appt.ID.String() {
		t.Errorf("appointment_id = %s", row[0])
	}
	if row[4] != "2030-01-07" || row[5] != "09:30" {
		t.Errorf("date/time = %s %s", row[4], row[5])
	}
	if row[8] != "50.00" || row[12] != "25.00" || row[13] != "25.00" {
		t.Errorf("money columns = price %s collected %s outstanding %s", row[8], row[12], row[13])
	}
	if row[10] != "cash" || row[11] != "partial" {
		t.Errorf("payment columns = %s %s", row[10], row[11])
	}
}

func TestExportCharges(t *testing.T) {
	monday := mustDate(t, "2030-01-07")
	sunday := monday.AddDays(6)
	inRange := performedAppt(monday, scheduling.NewClock(9, 0), "50.00", scheduling.PaymentPaid)
	outOfRange := performedAppt(monday.AddDays(7), scheduling.NewClock(9, 0), "50.00", scheduling.PaymentPaid)

	svc := newTestService(t, newFakeSource(inRange, outOfRange))
	store := blobstore.NewMemory()
	svc.SetExportStore(store)

	obj, err := svc.ExportCharges(context.Background(), ChargeFilter{From: &monday, To: &sunday})
	if err != nil {
		t.Fatalf("ExportCharges: %v", err)
	}
	if obj.Name != "exports/charges/2030-01-07_2030-01-13.csv" {
		t.Errorf("object name = %s", obj.Name)
	}

	rc, meta, err := store.Get(context.Background(), obj.Name)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	if meta.ContentType != "text/csv" {
		t.Errorf("content type = %s", meta.ContentType)
	}
	data, _ := io.ReadAll(rc)
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("parse export: %v", err)
	}
	if len(rows) != 2 || rows[1][0] != inRange.ID.String() {
		t.Errorf("export rows = %v", rows)
	}
}

func TestExportCharges_FilteredExportKeepsUnfiltered(t *testing.T) {
	monday := mustDate(t, "2030-01-07")
	sunday := monday.AddDays(6)
	first := performedAppt(monday, scheduling.NewClock(9, 0), "50.00", scheduling.PaymentPaid)
	second := performedAppt(monday, scheduling.NewClock(10, 0), "80.00", scheduling.PaymentPaid)

	svc := newTestService(t, newFakeSource(first, second))
	store := blobstore.NewMemory()
	svc.SetExportStore(store)
	ctx := context.Background()

	all, err := svc.ExportCharges(ctx, ChargeFilter{From: &monday, To: &sunday})
	if err != nil {
		t.Fatalf("ExportCharges all: %v", err)
	}
	narrowed, err := svc.ExportCharges(ctx, ChargeFilter{From: &monday, To: &sunday, ClinicianID: &first.ClinicianID})
	if err != nil {
		t.Fatalf("ExportCharges by clinician: %v", err)
	}
	if all.Name == narrowed.Name {
		t.Fatalf("filtered export reused object name %s", all.Name)
	}
	want := "exports/charges/2030-01-07_2030-01-13_clinician-" + first.ClinicianID.String() + ".csv"
	if narrowed.Name != want {
		t.Errorf("filtered name = %s, want %s", narrowed.Name, want)
	}

	items, err := store.List(ctx, ExportPrefix)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("stored objects = %d, want 2", len(items))
	}

	rowsOf := func(name string) [][]string {
		t.Helper()
		rc, _, err := store.Get(ctx, name)
		if err != nil {
			t.Fatalf("Get %s: %v", name, err)
		}
		defer rc.Close()
		rows, err := csv.NewReader(rc).ReadAll()
		if err != nil {
			t.Fatalf("parse %s: %v", name, err)
		}
		return rows
	}
	if rows := rowsOf(all.Name); len(rows) != 3 {
		t.Errorf("clinic-wide export rows = %d, want header + 2", len(rows))
	}
	if rows := rowsOf(narrowed.Name); len(rows) != 2 || rows[1][0] != first.ID.String() {
		t.Errorf("clinician export rows = %v", rows)
	}
}

func TestExportName(t *testing.T) {
	monday := mustDate(t, "2030-01-07")
	branch := uuid.MustParse("00000000-0000-0000-0000-0000000000b1")
	paid := scheduling.PaymentPaid

	if got := ExportName(ChargeFilter{From: &monday, To: &monday}); got != "exports/charges/2030-01-07_2030-01-07.csv" {
		t.Errorf("unfiltered name = %s", got)
	}
	got := ExportName(ChargeFilter{From: &monday, To: &monday, BranchID: &branch, PaymentState: &paid})
	if got != "exports/charges/2030-01-07_2030-01-07_branch-"+branch.String()+"_paid.csv" {
		t.Errorf("filtered name = %s", got)
	}
	if err := blobstore.ValidateName(got); err != nil {
		t.Errorf("filtered name rejected by store: %v", err)
	}
}

func TestExportCharges_Errors(t *testing.T) {
	monday := mustDate(t, "2030-01-07")
	svc := newTestService(t, newFakeSource())

	if _, err := svc.ExportCharges(context.Background(), ChargeFilter{From: &monday, To: &monday}); scheduling.KindOf(err) != scheduling.KindConfiguration {
		t.Errorf("no store: got %v", err)
	}

	svc.SetExportStore(blobstore.NewMemory())
	if _, err := svc.ExportCharges(context.Background(), ChargeFilter{From: &monday}); scheduling.KindOf(err) != scheduling.KindValidation {
		t.Errorf("missing to: got %v", err)
	}
}

func TestHandler_ExportCharges(t *testing.T) {
	monday := mustDate(t, "2030-01-07")
	appt := performedAppt(monday, scheduling.NewClock(9, 0), "50.00", scheduling.PaymentPaid)

	svc := newTestService(t, newFakeSource(appt))
	svc.SetExportStore(blobstore.NewMemory())
	e := echo.New()
	e.Validator = middleware.NewRequestValidator()
	NewHandler(svc).RegisterRoutes(e.Group("/api/v1"))

	rec := do(e, http.MethodPost, "/api/v1/charges/export?from=2030-01-07&to=2030-01-07", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var obj blobstore.Object
	if err := json.Unmarshal(rec.Body.Bytes(), &obj); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if obj.Name != "exports/charges/2030-01-07_2030-01-07.csv" || obj.Size == 0 {
		t.Errorf("unexpected object %+v", obj)
	}

	rec = do(e, http.MethodPost, "/api/v1/charges/export?from=2030-01-07", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing to: status = %d", rec.Code)
	}
}

func TestHandler_ExportChargesDisabled(t *testing.T) {
	e, _ := newTestServer(t)
	rec := do(e, http.MethodPost, "/api/v1/charges/export?from=2030-01-07&to=2030-01-07", "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}
