package rest

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/doseline/doseline/caregiver"
	"github.com/doseline/doseline/symptom"
)

type logSymptomRequest struct {
	Symptom       string   `json:"symptom" validate:"required"`
	Notes         string   `json:"notes"`
	Severity      int      `json:"severity" validate:"required,min=1,max=5"`
	Mood          *int     `json:"mood" validate:"omitempty,min=1,max=5"`
	MedicationIDs []string `json:"medication_ids"`
}

type symptomView struct {
	ID            string    `json:"id"`
	Symptom       string    `json:"symptom"`
	Notes         string    `json:"notes,omitempty"`
	Severity      int       `json:"severity"`
	Mood          *int      `json:"mood,omitempty"`
	MedicationIDs []string  `json:"medication_ids,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

func newSymptomView(e symptom.Entry) symptomView {
	return symptomView{
		ID: e.ID, Symptom: e.Symptom, Notes: e.Notes, Severity: e.Severity,
		Mood: e.Mood, MedicationIDs: e.MedicationIDs, Timestamp: e.Timestamp,
	}
}

func (s *Service) logSymptom(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req logSymptomRequest
	if serr := s.decode(r, &req); serr != nil {
		s.writeError(ctx, w, serr)
		return
	}
	userID := UserID(r)
	entry, err := s.symptoms.Append(ctx, symptom.Entry{
		ID:            uuid.NewString(),
		UserID:        userID,
		Symptom:       req.Symptom,
		Notes:         req.Notes,
		Severity:      req.Severity,
		Mood:          req.Mood,
		MedicationIDs: req.MedicationIDs,
		Timestamp:     s.clock.Now().UTC(),
	})
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.fireSymptomAlerts(r, entry)
	s.respond(ctx, w, http.StatusCreated, newSymptomView(entry))
}

// fireSymptomAlerts records a notification for every active symptom-severity
// rule whose threshold the entry reaches. Failures only log; the entry is
// already stored.
func (s *Service) fireSymptomAlerts(r *http.Request, e symptom.Entry) {
	ctx := r.Context()
	rules, err := s.caregivers.ActiveRules(ctx, e.UserID, caregiver.RuleSymptomSeverity)
	if err != nil {
		log.Errorf(ctx, err, "listing symptom-severity rules")
		return
	}
	for _, rule := range rules {
		if e.Severity < rule.Threshold {
			continue
		}
		if _, err := s.caregivers.AppendAlert(ctx, caregiver.Alert{
			ID:          uuid.NewString(),
			UserID:      e.UserID,
			CaregiverID: rule.CaregiverID,
			RuleID:      rule.ID,
			Kind:        caregiver.RuleSymptomSeverity,
			SubjectID:   e.ID,
			Message:     fmt.Sprintf("%s logged at severity %d", e.Symptom, e.Severity),
		}); err != nil {
			log.Errorf(ctx, err, "recording symptom-severity alert")
		}
	}
}

func (s *Service) listSymptoms(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	days, serr := intQuery(r, "days", 7)
	if serr != nil {
		s.writeError(ctx, w, serr)
		return
	}
	since := s.clock.Now().UTC().AddDate(0, 0, -days)
	entries, err := s.symptoms.ListSince(ctx, UserID(r), since)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	out := make([]symptomView, 0, len(entries))
	for _, e := range entries {
		out = append(out, newSymptomView(e))
	}
	s.respond(ctx, w, http.StatusOK, out)
}

func (s *Service) symptomCorrelations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entries, err := s.symptoms.ListSince(ctx, UserID(r), time.Time{})
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.respond(ctx, w, http.StatusOK, symptom.Correlate(entries))
}

type addCaregiverRequest struct {
	Name         string   `json:"name" validate:"required"`
	Email        string   `json:"email" validate:"omitempty,email"`
	Relationship string   `json:"relationship"`
	Permissions  []string `json:"permissions" validate:"dive,oneof=view_adherence view_inventory receive_alerts"`
}

type caregiverView struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Email        string                 `json:"email,omitempty"`
	Relationship string                 `json:"relationship,omitempty"`
	Permissions  []caregiver.Permission `json:"permissions"`
	Authorized   bool                   `json:"authorized"`
	CreatedAt    time.Time              `json:"created_at"`
}

func newCaregiverView(c caregiver.Caregiver) caregiverView {
	return caregiverView{
		ID: c.ID, Name: c.Name, Email: c.Email, Relationship: c.Relationship,
		Permissions: c.Permissions, Authorized: c.Authorized, CreatedAt: c.CreatedAt,
	}
}

func (s *Service) addCaregiver(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req addCaregiverRequest
	if serr := s.decode(r, &req); serr != nil {
		s.writeError(ctx, w, serr)
		return
	}
	perms := make([]caregiver.Permission, 0, len(req.Permissions))
	for _, p := range req.Permissions {
		perms = append(perms, caregiver.Permission(p))
	}
	c, err := s.caregivers.AddCaregiver(ctx, caregiver.Caregiver{
		ID:           uuid.NewString(),
		UserID:       UserID(r),
		Name:         req.Name,
		Email:        req.Email,
		Relationship: req.Relationship,
		Permissions:  perms,
	})
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.respond(ctx, w, http.StatusCreated, newCaregiverView(c))
}

type dashboardResponse struct {
	Caregivers  []caregiverView `json:"caregivers"`
	RecentDoses any             `json:"recent_doses"`
	Inventory   any             `json:"inventory"`
}

// caregiverDashboard bundles what a caregiver-facing client renders: the
// caregiver list, the last week of doses and current inventory levels.
func (s *Service) caregiverDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := UserID(r)
	cgs, err := s.caregivers.ListCaregivers(ctx, userID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	doses, err := s.queries.History(ctx, userID, 7, "")
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	inv, err := s.queries.Inventory(ctx, userID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	views := make([]caregiverView, 0, len(cgs))
	for _, c := range cgs {
		views = append(views, newCaregiverView(c))
	}
	s.respond(ctx, w, http.StatusOK, dashboardResponse{Caregivers: views, RecentDoses: doses, Inventory: inv})
}

type addRuleRequest struct {
	CaregiverID string `json:"caregiver_id" validate:"required"`
	Kind        string `json:"kind" validate:"required,oneof=missed_dose low_inventory symptom_severity"`
	Threshold   int    `json:"threshold" validate:"min=0"`
	Active      bool   `json:"active"`
}

type ruleView struct {
	ID          string             `json:"id"`
	CaregiverID string             `json:"caregiver_id"`
	Kind        caregiver.RuleKind `json:"kind"`
	Threshold   int                `json:"threshold"`
	Active      bool               `json:"active"`
	CreatedAt   time.Time          `json:"created_at"`
}

func newRuleView(r caregiver.Rule) ruleView {
	return ruleView{
		ID: r.ID, CaregiverID: r.CaregiverID, Kind: r.Kind,
		Threshold: r.Threshold, Active: r.Active, CreatedAt: r.CreatedAt,
	}
}

func (s *Service) addAlertRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req addRuleRequest
	if serr := s.decode(r, &req); serr != nil {
		s.writeError(ctx, w, serr)
		return
	}
	rule, err := s.caregivers.AddRule(ctx, caregiver.Rule{
		ID:          uuid.NewString(),
		UserID:      UserID(r),
		CaregiverID: req.CaregiverID,
		Kind:        caregiver.RuleKind(req.Kind),
		Threshold:   req.Threshold,
		Active:      req.Active,
	})
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.respond(ctx, w, http.StatusCreated, newRuleView(rule))
}

func (s *Service) listAlertRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rules, err := s.caregivers.ListRules(ctx, UserID(r))
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	out := make([]ruleView, 0, len(rules))
	for _, rule := range rules {
		out = append(out, newRuleView(rule))
	}
	s.respond(ctx, w, http.StatusOK, out)
}

type alertView struct {
	ID          string             `json:"id"`
	CaregiverID string             `json:"caregiver_id"`
	RuleID      string             `json:"rule_id"`
	Kind        caregiver.RuleKind `json:"kind"`
	SubjectID   string             `json:"subject_id"`
	Message     string             `json:"message"`
	CreatedAt   time.Time          `json:"created_at"`
}

// listAlerts exposes the pending-notification outbox so an external notifier
// can drain it.
func (s *Service) listAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	alerts, err := s.caregivers.ListAlerts(ctx, UserID(r))
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	out := make([]alertView, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, alertView{
			ID: a.ID, CaregiverID: a.CaregiverID, RuleID: a.RuleID,
			Kind: a.Kind, SubjectID: a.SubjectID, Message: a.Message, CreatedAt: a.CreatedAt,
		})
	}
	s.respond(ctx, w, http.StatusOK, out)
}
