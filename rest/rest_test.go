package rest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	goahttp "goa.design/goa/v3/http"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/doseline/doseline/caregiver"
	"github.com/doseline/doseline/dose"
	doseinmem "github.com/doseline/doseline/dose/inmem"
	"github.com/doseline/doseline/events"
	"github.com/doseline/doseline/identity"
	"github.com/doseline/doseline/inventory"
	"github.com/doseline/doseline/medication"
	"github.com/doseline/doseline/query"
	"github.com/doseline/doseline/schedule"
	"github.com/doseline/doseline/symptom"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	clk     *clocktesting.FakeClock
	mux     goahttp.Muxer
	doses   *doseinmem.Store
	meds    *medication.MemStore
	devices *identity.MemDevices
	keys    *identity.MemAPIKeys
	users   *identity.MemUsers
}

func newServer(t *testing.T) *fixture {
	t.Helper()
	clk := clocktesting.NewFakeClock(t0)
	doses := doseinmem.New(clk)
	meds := medication.NewMemStore(clk)
	inv := inventory.NewMemStore(clk)
	symptoms := symptom.NewMemStore()
	caregivers := caregiver.NewMemStore(clk)
	users := identity.NewMemUsers(clk)
	devices := identity.NewMemDevices(clk)
	keys := identity.NewMemAPIKeys(clk)
	sessions := identity.NewMemSessions()
	log := events.NewMemLog(clk)
	sched := schedule.New(meds, doses, clk, time.UTC)
	correlator := events.NewCorrelator(doses, meds, inv, log, caregivers, sched, clk)
	queries := query.New(doses, meds, inv, symptoms, sched, clk, time.UTC)

	svc := New(Config{
		Users: users, Sessions: sessions, Devices: devices, Keys: keys,
		Meds: meds, Doses: doses, Inventory: inv, Symptoms: symptoms,
		Caregivers: caregivers, Correlator: correlator, Queries: queries,
		Clock: clk, AuthBurst: 1000,
	})
	mux := goahttp.NewMuxer()
	svc.Mount(mux)
	return &fixture{clk: clk, mux: mux, doses: doses, meds: meds, devices: devices, keys: keys, users: users}
}

func (f *fixture) do(t *testing.T, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, r)
	var decoded map[string]any
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &decoded)
	}
	return w, decoded
}

func (f *fixture) registerUser(t *testing.T, email string) (userID, token string) {
	t.Helper()
	w, body := f.do(t, "POST", "/api/register",
		fmt.Sprintf(`{"email":%q,"name":"Pat","password":"hunter2hunter2"}`, email), nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	user := body["user"].(map[string]any)
	return user["id"].(string), body["token"].(string)
}

func auth(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestRegisterLoginAndConflict(t *testing.T) {
	f := newServer(t)

	_, token := f.registerUser(t, "pat@example.com")
	require.NotEmpty(t, token)

	w, body := f.do(t, "POST", "/api/register", `{"email":"pat@example.com","name":"Pat","password":"hunter2hunter2"}`, nil)
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "conflict", body["name"])

	w, body = f.do(t, "POST", "/api/login", `{"email":"pat@example.com","password":"hunter2hunter2"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, body["token"])

	w, body = f.do(t, "POST", "/api/login", `{"email":"pat@example.com","password":"wrong-password"}`, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "invalid-credentials", body["name"])
}

func TestLoginRateLimited(t *testing.T) {
	clk := clocktesting.NewFakeClock(t0)
	svc := New(Config{
		Users: identity.NewMemUsers(clk), Sessions: identity.NewMemSessions(),
		Clock: clk, AuthRate: 1, AuthBurst: 2,
	})
	mux := goahttp.NewMuxer()
	svc.Mount(mux)
	f := &fixture{clk: clk, mux: mux}

	body := `{"email":"pat@example.com","password":"whatever1"}`
	for i := 0; i < 2; i++ {
		w, _ := f.do(t, "POST", "/api/login", body, nil)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}
	w, resp := f.do(t, "POST", "/api/login", body, nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "rate-limited", resp["name"])
}

func TestMissingAndInvalidBearer(t *testing.T) {
	f := newServer(t)

	w, body := f.do(t, "GET", "/api/doses/today", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "missing-credentials", body["name"])

	w, body = f.do(t, "GET", "/api/doses/today", "", auth("bogus"))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "invalid-credentials", body["name"])
}

func TestMedicationCRUD(t *testing.T) {
	f := newServer(t)
	userID, _ := f.registerUser(t, "pat@example.com")

	w, body := f.do(t, "POST", "/api/medications",
		fmt.Sprintf(`{"user_id":%q,"name":"Lisinopril","dosage":"10mg","times":["21:00","09:00"],"duration_days":30,"start_date":"2025-03-01"}`, userID), nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	medID := body["id"].(string)
	require.Equal(t, []any{"09:00", "21:00"}, body["times"].([]any), "times are sorted")

	w, body = f.do(t, "GET", "/api/medications/"+medID+"?user_id="+userID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "Lisinopril", body["name"])

	w, _ = f.do(t, "PUT", "/api/medications/"+medID,
		fmt.Sprintf(`{"user_id":%q,"name":"Lisinopril","dosage":"20mg","times":["09:00"],"duration_days":30,"start_date":"2025-03-01"}`, userID), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = f.do(t, "DELETE", "/api/medications/"+medID+"?user_id="+userID, "", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w, body = f.do(t, "GET", "/api/medications/"+medID+"?user_id="+userID, "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "not-found", body["name"])
}

func TestMedicationRejectsMalformedTime(t *testing.T) {
	f := newServer(t)
	userID, _ := f.registerUser(t, "pat@example.com")

	w, body := f.do(t, "POST", "/api/medications",
		fmt.Sprintf(`{"user_id":%q,"name":"X","times":["25:99"],"duration_days":30,"start_date":"2025-03-01"}`, userID), nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid-input", body["name"])
}

func TestDeviceEventFlow(t *testing.T) {
	f := newServer(t)
	userID, token := f.registerUser(t, "pat@example.com")

	w, body := f.do(t, "POST", "/api/medications",
		fmt.Sprintf(`{"user_id":%q,"name":"Lisinopril","times":["09:00"],"duration_days":30,"start_date":"2025-03-01"}`, userID), nil)
	require.Equal(t, http.StatusCreated, w.Code)
	medID := body["id"].(string)

	w, body = f.do(t, "POST", "/api/devices/provision", `{"kind":"dispenser"}`, auth(token))
	require.Equal(t, http.StatusCreated, w.Code)
	devID := body["id"].(string)
	devToken := body["auth_token"].(string)

	devHeaders := map[string]string{HeaderDeviceID: devID, HeaderDeviceToken: devToken}
	w, body = f.do(t, "POST", "/api/devices/dispenser/event", fmt.Sprintf(`{
		"event_type":"pill_dispensed","device_id":%q,"timestamp":"2025-03-01T09:00:03Z",
		"medication_id":%q,"scheduled_time":"2025-03-01T09:00:00Z","actual_dispense_time":"2025-03-01T09:00:03Z"
	}`, devID, medID), devHeaders)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "processed", body["status"])
	require.NotEmpty(t, body["dose_id"])

	// The dispensed dose shows up on today's schedule with a live countdown.
	w, _ = f.do(t, "GET", "/api/doses/today", "", auth(token))
	require.Equal(t, http.StatusOK, w.Code)
	var views []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &views))
	require.Len(t, views, 1)
	require.Equal(t, "dispensed_waiting", views[0]["status"])
	require.InDelta(t, float64(30*60+3), views[0]["countdown_remaining_seconds"], 1)
}

func TestDeviceEventRejectsUnknownKind(t *testing.T) {
	f := newServer(t)
	_, token := f.registerUser(t, "pat@example.com")

	w, body := f.do(t, "POST", "/api/devices/provision", `{"kind":"dispenser"}`, auth(token))
	require.Equal(t, http.StatusCreated, w.Code)
	devHeaders := map[string]string{
		HeaderDeviceID:    body["id"].(string),
		HeaderDeviceToken: body["auth_token"].(string),
	}

	w, body = f.do(t, "POST", "/api/devices/dispenser/event",
		`{"event_type":"pill_teleported","device_id":"d","timestamp":"2025-03-01T09:00:00Z"}`, devHeaders)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid-input", body["name"])
}

func TestBandCannotPostDispenserEvents(t *testing.T) {
	f := newServer(t)
	_, token := f.registerUser(t, "pat@example.com")

	w, body := f.do(t, "POST", "/api/devices/provision", `{"kind":"band"}`, auth(token))
	require.Equal(t, http.StatusCreated, w.Code)
	devHeaders := map[string]string{
		HeaderDeviceID:    body["id"].(string),
		HeaderDeviceToken: body["auth_token"].(string),
	}

	w, body = f.do(t, "POST", "/api/devices/dispenser/event",
		`{"event_type":"pill_dispensed","device_id":"d","timestamp":"2025-03-01T09:00:00Z","medication_id":"m","scheduled_time":"2025-03-01T09:00:00Z"}`,
		devHeaders)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, "wrong-device-kind", body["name"])
}

func TestBandCannotEmitDispenserKinds(t *testing.T) {
	f := newServer(t)
	_, token := f.registerUser(t, "pat@example.com")

	w, body := f.do(t, "POST", "/api/devices/provision", `{"kind":"band"}`, auth(token))
	require.Equal(t, http.StatusCreated, w.Code)
	devID := body["id"].(string)
	devHeaders := map[string]string{
		HeaderDeviceID:    devID,
		HeaderDeviceToken: body["auth_token"].(string),
	}

	// The band's own endpoint must still refuse dispenser-only kinds.
	w, body = f.do(t, "POST", "/api/devices/band/event",
		fmt.Sprintf(`{"event_type":"pill_dispensed","device_id":%q,"timestamp":"2025-03-01T09:00:00Z","medication_id":"m","scheduled_time":"2025-03-01T09:00:00Z"}`, devID),
		devHeaders)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, "wrong-device-kind", body["name"])

	w, _ = f.do(t, "GET", "/api/doses/today", "", auth(token))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "[]", strings.TrimSpace(w.Body.String()), "no dose state driven by the refused event")
}

func TestDeviceEventForeignDeviceIDRejected(t *testing.T) {
	f := newServer(t)
	_, token := f.registerUser(t, "pat@example.com")

	w, body := f.do(t, "POST", "/api/devices/provision", `{"kind":"dispenser"}`, auth(token))
	require.Equal(t, http.StatusCreated, w.Code)
	devHeaders := map[string]string{
		HeaderDeviceID:    body["id"].(string),
		HeaderDeviceToken: body["auth_token"].(string),
	}

	w, body = f.do(t, "POST", "/api/devices/dispenser/event",
		`{"event_type":"pill_dispensed","device_id":"someone-else","timestamp":"2025-03-01T09:00:00Z","medication_id":"m","scheduled_time":"2025-03-01T09:00:00Z"}`,
		devHeaders)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid-input", body["name"])
}

func TestRespondEncodeFailureKeepsStatus(t *testing.T) {
	svc := New(Config{})
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/", nil)

	// A channel cannot be JSON-encoded; the committed status must survive
	// and no error envelope may trail the headers.
	svc.respond(r.Context(), w, http.StatusCreated, make(chan int))
	require.Equal(t, http.StatusCreated, w.Code)
	require.NotContains(t, w.Body.String(), "internal-error")
}

func TestDeviceAuthFailures(t *testing.T) {
	f := newServer(t)

	w, body := f.do(t, "POST", "/api/devices/dispenser/event", `{}`, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "missing-credentials", body["name"])

	w, body = f.do(t, "POST", "/api/devices/dispenser/event", `{}`,
		map[string]string{HeaderDeviceID: "nope", HeaderDeviceToken: "nope"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "invalid-credentials", body["name"])
}

func TestSymptomSeverityBounds(t *testing.T) {
	f := newServer(t)
	_, token := f.registerUser(t, "pat@example.com")

	for _, sev := range []int{0, 6} {
		w, body := f.do(t, "POST", "/api/health/log-symptom",
			fmt.Sprintf(`{"symptom":"headache","severity":%d}`, sev), auth(token))
		require.Equal(t, http.StatusBadRequest, w.Code, "severity %d", sev)
		require.Equal(t, "invalid-input", body["name"])
	}

	w, body := f.do(t, "POST", "/api/health/log-symptom", `{"symptom":"headache","severity":3}`, auth(token))
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, "headache", body["symptom"])
}

func TestCalendarMonthBounds(t *testing.T) {
	f := newServer(t)
	_, token := f.registerUser(t, "pat@example.com")

	for _, month := range []int{0, 13} {
		w, body := f.do(t, "GET", fmt.Sprintf("/api/stats/calendar?month=%d&year=2025", month), "", auth(token))
		require.Equal(t, http.StatusBadRequest, w.Code, "month %d", month)
		require.Equal(t, "invalid-input", body["name"])
	}

	w, _ := f.do(t, "GET", "/api/stats/calendar?month=3&year=2025", "", auth(token))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestDoctorReportRange(t *testing.T) {
	f := newServer(t)
	_, token := f.registerUser(t, "pat@example.com")

	w, body := f.do(t, "GET", "/api/reports/doctor-visit?range=45days", "", auth(token))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid-input", body["name"])

	w, body = f.do(t, "GET", "/api/reports/doctor-visit?range=30days", "", auth(token))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, float64(30), body["range_days"])
}

func TestSkipAndRetryTransitions(t *testing.T) {
	f := newServer(t)
	userID, token := f.registerUser(t, "pat@example.com")

	seed := func(id string, status dose.Status) {
		_, err := f.doses.Create(t.Context(), dose.Dose{
			ID: id, UserID: userID, MedicationID: "m1", MedicationName: "Lisinopril",
			ScheduledTime: t0, Status: status,
		})
		require.NoError(t, err)
	}
	seed("d-pending", dose.StatusPending)
	seed("d-error", dose.StatusError)

	w, body := f.do(t, "POST", "/api/doses/d-pending/skip", "", auth(token))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "skipped", body["status"])

	// skipped is terminal; retrying it is an illegal transition.
	w, body = f.do(t, "POST", "/api/doses/d-pending/retry", "", auth(token))
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "illegal-transition", body["name"])

	w, body = f.do(t, "POST", "/api/doses/d-error/retry", "", auth(token))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "pending", body["status"])
}

func TestDoseOwnershipEnforced(t *testing.T) {
	f := newServer(t)
	_, err := f.doses.Create(t.Context(), dose.Dose{
		ID: "d1", UserID: "someone-else", MedicationID: "m1",
		ScheduledTime: t0, Status: dose.StatusPending,
	})
	require.NoError(t, err)
	_, token := f.registerUser(t, "pat@example.com")

	w, body := f.do(t, "POST", "/api/doses/d1/skip", "", auth(token))
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "not-found", body["name"])
}

func TestAPIKeyLifecycle(t *testing.T) {
	f := newServer(t)
	_, token := f.registerUser(t, "pat@example.com")

	w, body := f.do(t, "POST", "/api/keys/generate", `{"name":"reporting"}`, auth(token))
	require.Equal(t, http.StatusCreated, w.Code)
	plaintext := body["key"].(string)
	keyID := body["id"].(string)
	require.True(t, strings.HasPrefix(plaintext, "dl_"))

	// A fresh key reads the query endpoints but cannot manage keys.
	w, _ = f.do(t, "GET", "/api/doses/today", "", auth(plaintext))
	require.Equal(t, http.StatusOK, w.Code)
	w, body = f.do(t, "GET", "/api/keys", "", auth(plaintext))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "invalid-credentials", body["name"])

	// The listing never exposes hashes or plaintext.
	w, _ = f.do(t, "GET", "/api/keys", "", auth(token))
	require.Equal(t, http.StatusOK, w.Code)
	require.NotContains(t, w.Body.String(), plaintext)
	require.NotContains(t, w.Body.String(), "hash")

	// Expired keys stop authenticating.
	f.clk.SetTime(t0.Add(14*24*time.Hour + time.Second))
	w, body = f.do(t, "GET", "/api/doses/today", "", auth(plaintext))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "invalid-credentials", body["name"])

	w, _ = f.do(t, "DELETE", "/api/keys/"+keyID, "", auth(token))
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestCaregiverRulesAndAlertsEndpoints(t *testing.T) {
	f := newServer(t)
	_, token := f.registerUser(t, "pat@example.com")

	w, body := f.do(t, "POST", "/api/caregivers/add",
		`{"name":"Maria","email":"maria@example.com","relationship":"daughter","permissions":["receive_alerts"]}`, auth(token))
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, false, body["authorized"], "caregivers start unauthorized")
	cgID := body["id"].(string)

	w, body = f.do(t, "POST", "/api/caregivers/alert-rules",
		fmt.Sprintf(`{"caregiver_id":%q,"kind":"symptom_severity","threshold":4,"active":true}`, cgID), auth(token))
	require.Equal(t, http.StatusCreated, w.Code)

	// Logging a severity-5 symptom fires the rule into the outbox.
	w, _ = f.do(t, "POST", "/api/health/log-symptom", `{"symptom":"dizziness","severity":5}`, auth(token))
	require.Equal(t, http.StatusCreated, w.Code)

	w, _ = f.do(t, "GET", "/api/caregivers/alerts", "", auth(token))
	require.Equal(t, http.StatusOK, w.Code)
	var alerts []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &alerts))
	require.Len(t, alerts, 1)
	require.Equal(t, "symptom_severity", alerts[0]["kind"])

	w, _ = f.do(t, "GET", "/api/caregivers/dashboard", "", auth(token))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestDeleteUserByEmail(t *testing.T) {
	f := newServer(t)
	f.registerUser(t, "pat@example.com")

	w, _ := f.do(t, "DELETE", "/api/users/pat@example.com", "", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w, body := f.do(t, "POST", "/api/login", `{"email":"pat@example.com","password":"hunter2hunter2"}`, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "invalid-credentials", body["name"])
}
