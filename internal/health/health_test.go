package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHealthz_AlwaysOK(t *testing.T) {
	t.Parallel()

	h := New(Named("always-down", func(context.Context) error {
		return errors.New("down")
	}))
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("healthz = %d, want 200", rec.Code)
	}
}

func TestReadyz_ReportsEachChecker(t *testing.T) {
	t.Parallel()

	h := New(
		Named("sessions", func(context.Context) error { return nil }),
		Named("events", func(context.Context) error { return errors.New("sink closed") }),
	)
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz = %d, want 503", rec.Code)
	}
	var rep struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rep.Status != "fail" {
		t.Errorf("status = %q, want fail", rep.Status)
	}
	if rep.Checks["sessions"] != "ok" {
		t.Errorf("sessions = %q, want ok", rep.Checks["sessions"])
	}
	if !strings.HasPrefix(rep.Checks["events"], "fail:") {
		t.Errorf("events = %q, want fail prefix", rep.Checks["events"])
	}
}

func TestReadyz_NoCheckersIsReady(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	New().Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("readyz = %d, want 200", rec.Code)
	}
}

func TestReadyz_CheckerSeesDeadline(t *testing.T) {
	t.Parallel()

	h := New(Named("deadline", func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline on probe context")
		}
		return nil
	}))
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("readyz = %d, want 200", rec.Code)
	}
}
