// Package rest is the HTTP transport. It mounts every endpoint on a goa
// muxer, resolves the three credential modes (device headers, user session
// bearer, API-key bearer), validates request payloads, and translates domain
// errors into the stable wire error kinds.
package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/doseline/doseline/caregiver"
	"github.com/doseline/doseline/dose"
	"github.com/doseline/doseline/events"
	"github.com/doseline/doseline/identity"
	"github.com/doseline/doseline/inventory"
	"github.com/doseline/doseline/medication"
	"github.com/doseline/doseline/query"
	"github.com/doseline/doseline/symptom"
)

// Config collects the collaborators the transport needs.
type Config struct {
	Users      identity.Users
	Sessions   identity.Sessions
	Devices    identity.Devices
	Keys       identity.APIKeys
	Meds       medication.Store
	Doses      dose.Store
	Inventory  inventory.Store
	Symptoms   symptom.Store
	Caregivers caregiver.Store
	Correlator *events.Correlator
	Queries    *query.Service
	Clock      clock.PassiveClock

	// Pingers back GET /health; typically the sweeper and the store clients.
	Pingers []health.Pinger

	// AuthRate bounds login/register attempts per client address per second.
	// Zero means 1/s with a burst of 5.
	AuthRate  rate.Limit
	AuthBurst int
}

// Service is the HTTP transport.
type Service struct {
	users      identity.Users
	sessions   identity.Sessions
	devices    identity.Devices
	keys       identity.APIKeys
	meds       medication.Store
	doses      dose.Store
	inv        inventory.Store
	symptoms   symptom.Store
	caregivers caregiver.Store
	correlator *events.Correlator
	queries    *query.Service
	clock      clock.PassiveClock
	pingers    []health.Pinger

	mux         goahttp.Muxer
	dec         func(*http.Request) goahttp.Decoder
	enc         func(context.Context, http.ResponseWriter) goahttp.Encoder
	validate    *validator.Validate
	authLimiter *ipLimiter
}

// New builds the transport from its collaborators.
func New(cfg Config) *Service {
	if cfg.AuthRate == 0 {
		cfg.AuthRate = 1
	}
	if cfg.AuthBurst == 0 {
		cfg.AuthBurst = 5
	}
	v := validator.New()
	// "hhmm" accepts 24-hour local times of day.
	_ = v.RegisterValidation("hhmm", func(fl validator.FieldLevel) bool {
		_, err := time.Parse("15:04", fl.Field().String())
		return err == nil
	})
	return &Service{
		users:       cfg.Users,
		sessions:    cfg.Sessions,
		devices:     cfg.Devices,
		keys:        cfg.Keys,
		meds:        cfg.Meds,
		doses:       cfg.Doses,
		inv:         cfg.Inventory,
		symptoms:    cfg.Symptoms,
		caregivers:  cfg.Caregivers,
		correlator:  cfg.Correlator,
		queries:     cfg.Queries,
		clock:       cfg.Clock,
		pingers:     cfg.Pingers,
		dec:         goahttp.RequestDecoder,
		enc:         goahttp.ResponseEncoder,
		validate:    v,
		authLimiter: newIPLimiter(cfg.AuthRate, cfg.AuthBurst),
	}
}

// Mount registers every endpoint on the muxer. The muxer is retained so
// handlers can read path variables.
func (s *Service) Mount(mux goahttp.Muxer) {
	s.mux = mux

	// Account lifecycle. Registration, login and deletion are unauthenticated.
	mux.Handle("POST", "/api/register", s.limited(s.register))
	mux.Handle("POST", "/api/login", s.limited(s.login))
	mux.Handle("DELETE", "/api/users/{email}", s.deleteUser)

	// Medication CRUD. Callers identify themselves by user_id in the payload
	// or query string; see the catalog handlers for the caveat.
	mux.Handle("POST", "/api/medications", s.createMedication)
	mux.Handle("GET", "/api/medications", s.listMedications)
	mux.Handle("GET", "/api/medications/{id}", s.getMedication)
	mux.Handle("PUT", "/api/medications/{id}", s.updateMedication)
	mux.Handle("DELETE", "/api/medications/{id}", s.deleteMedication)

	// API keys.
	mux.Handle("POST", "/api/keys/generate", s.withUser(false, s.generateKey))
	mux.Handle("GET", "/api/keys", s.withUser(false, s.listKeys))
	mux.Handle("DELETE", "/api/keys/{id}", s.withUser(false, s.revokeKey))

	// Dose queries and explicit dose actions.
	mux.Handle("GET", "/api/doses/today", s.withUser(true, s.dosesToday))
	mux.Handle("GET", "/api/doses/upcoming", s.withUser(true, s.dosesUpcoming))
	mux.Handle("POST", "/api/doses/{id}/skip", s.withUser(false, s.skipDose))
	mux.Handle("POST", "/api/doses/{id}/retry", s.withUser(false, s.retryDose))

	// Statistics, history, reports, inventory.
	mux.Handle("GET", "/api/stats/adherence", s.withUser(true, s.statsAdherence))
	mux.Handle("GET", "/api/stats/weekly", s.withUser(true, s.statsWeekly))
	mux.Handle("GET", "/api/stats/calendar", s.withUser(true, s.statsCalendar))
	mux.Handle("GET", "/api/history/doses", s.withUser(true, s.doseHistory))
	mux.Handle("GET", "/api/reports/doctor-visit", s.withUser(true, s.doctorReport))
	mux.Handle("GET", "/api/inventory", s.withUser(true, s.listInventory))

	// Symptom log.
	mux.Handle("POST", "/api/health/log-symptom", s.withUser(false, s.logSymptom))
	mux.Handle("GET", "/api/health/symptoms", s.withUser(false, s.listSymptoms))
	mux.Handle("GET", "/api/health/symptom-correlations", s.withUser(false, s.symptomCorrelations))

	// Caregivers and alert rules.
	mux.Handle("POST", "/api/caregivers/add", s.withUser(false, s.addCaregiver))
	mux.Handle("GET", "/api/caregivers/dashboard", s.withUser(false, s.caregiverDashboard))
	mux.Handle("POST", "/api/caregivers/alert-rules", s.withUser(false, s.addAlertRule))
	mux.Handle("GET", "/api/caregivers/alert-rules", s.withUser(false, s.listAlertRules))
	mux.Handle("GET", "/api/caregivers/alerts", s.withUser(false, s.listAlerts))

	// Device registry and the telemetry ingestion endpoints.
	mux.Handle("POST", "/api/devices/provision", s.withUser(false, s.provisionDevice))
	mux.Handle("GET", "/api/devices", s.withUser(false, s.listDevices))
	mux.Handle("POST", "/api/devices/dispenser/event", s.withDevice(identity.KindDispenser, s.deviceEvent))
	mux.Handle("POST", "/api/devices/band/event", s.withDevice(identity.KindBand, s.deviceEvent))

	// Liveness.
	mux.Handle("GET", "/health", health.Handler(health.NewChecker(s.pingers...)))
}

// decode reads and validates a JSON request body.
func (s *Service) decode(r *http.Request, v any) *ServiceError {
	if err := s.dec(r).Decode(v); err != nil {
		return Errf(KindInvalidInput, "decoding request body: %s", err)
	}
	if err := s.validate.Struct(v); err != nil {
		return Errf(KindInvalidInput, "%s", err)
	}
	return nil
}

// respond encodes v with the given status. Encode failures are logged only;
// the status line is already on the wire, so no error body can follow it.
func (s *Service) respond(ctx context.Context, w http.ResponseWriter, status int, v any) {
	enc := s.enc(ctx, w)
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := enc.Encode(v); err != nil {
		log.Errorf(ctx, err, "encoding response")
	}
}
