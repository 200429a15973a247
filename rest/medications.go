package rest

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/doseline/doseline/medication"
)

// Medication endpoints are unauthenticated and identify the owner through an
// explicit user_id. Deployments that need to close this should front the
// catalog with the session middleware.

type medicationRequest struct {
	UserID       string   `json:"user_id" validate:"required"`
	Name         string   `json:"name" validate:"required"`
	Dosage       string   `json:"dosage"`
	Times        []string `json:"times" validate:"required,min=1,dive,hhmm"`
	DurationDays int      `json:"duration_days" validate:"required,min=1"`
	StartDate    string   `json:"start_date" validate:"required,datetime=2006-01-02"`
}

type medicationView struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Name         string    `json:"name"`
	Dosage       string    `json:"dosage,omitempty"`
	Times        []string  `json:"times"`
	DurationDays int       `json:"duration_days"`
	StartDate    string    `json:"start_date"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func newMedicationView(m medication.Medication) medicationView {
	return medicationView{
		ID: m.ID, UserID: m.UserID, Name: m.Name, Dosage: m.Dosage,
		Times: m.Times, DurationDays: m.DurationDays, StartDate: m.StartDate,
		CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt,
	}
}

// queryUserID reads the user_id query parameter for the unauthenticated
// catalog reads.
func queryUserID(r *http.Request) (string, *ServiceError) {
	id := r.URL.Query().Get("user_id")
	if id == "" {
		return "", Errf(KindInvalidInput, "missing user_id")
	}
	return id, nil
}

func (s *Service) createMedication(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req medicationRequest
	if serr := s.decode(r, &req); serr != nil {
		s.writeError(ctx, w, serr)
		return
	}
	m, err := s.meds.Create(ctx, medication.Medication{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		Name:         req.Name,
		Dosage:       req.Dosage,
		Times:        req.Times,
		DurationDays: req.DurationDays,
		StartDate:    req.StartDate,
	})
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.respond(ctx, w, http.StatusCreated, newMedicationView(m))
}

func (s *Service) listMedications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, serr := queryUserID(r)
	if serr != nil {
		s.writeError(ctx, w, serr)
		return
	}
	meds, err := s.meds.List(ctx, userID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	out := make([]medicationView, 0, len(meds))
	for _, m := range meds {
		out = append(out, newMedicationView(m))
	}
	s.respond(ctx, w, http.StatusOK, out)
}

func (s *Service) getMedication(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, serr := queryUserID(r)
	if serr != nil {
		s.writeError(ctx, w, serr)
		return
	}
	m, err := s.meds.Get(ctx, userID, s.mux.Vars(r)["id"])
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.respond(ctx, w, http.StatusOK, newMedicationView(m))
}

func (s *Service) updateMedication(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req medicationRequest
	if serr := s.decode(r, &req); serr != nil {
		s.writeError(ctx, w, serr)
		return
	}
	m, err := s.meds.Update(ctx, medication.Medication{
		ID:           s.mux.Vars(r)["id"],
		UserID:       req.UserID,
		Name:         req.Name,
		Dosage:       req.Dosage,
		Times:        req.Times,
		DurationDays: req.DurationDays,
		StartDate:    req.StartDate,
	})
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.respond(ctx, w, http.StatusOK, newMedicationView(m))
}

// deleteMedication removes the medication and cascades to its dose and
// inventory records.
func (s *Service) deleteMedication(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, serr := queryUserID(r)
	if serr != nil {
		s.writeError(ctx, w, serr)
		return
	}
	id := s.mux.Vars(r)["id"]
	if err := s.meds.Delete(ctx, userID, id); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	if err := s.doses.DeleteByMedication(ctx, userID, id); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	if err := s.inv.DeleteByMedication(ctx, userID, id); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.respond(ctx, w, http.StatusNoContent, nil)
}
