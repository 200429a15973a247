package rest

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/doseline/doseline/dose"
)

// intQuery parses an optional integer query parameter.
func intQuery(r *http.Request, name string, def int) (int, *ServiceError) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, Errf(KindInvalidInput, "%s must be an integer", name)
	}
	return v, nil
}

func (s *Service) dosesToday(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	views, err := s.queries.Today(ctx, UserID(r))
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.respond(ctx, w, http.StatusOK, views)
}

func (s *Service) dosesUpcoming(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hours, serr := intQuery(r, "hours", 0)
	if serr != nil {
		s.writeError(ctx, w, serr)
		return
	}
	views, err := s.queries.Upcoming(ctx, UserID(r), hours)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.respond(ctx, w, http.StatusOK, views)
}

// ownedDose loads a dose and checks it belongs to the caller.
func (s *Service) ownedDose(r *http.Request, id string) (dose.Dose, error) {
	d, err := s.doses.Get(r.Context(), id)
	if err != nil {
		return dose.Dose{}, err
	}
	if d.UserID != UserID(r) {
		return dose.Dose{}, dose.ErrNotFound
	}
	return d, nil
}

// skipDose marks a pending dose as intentionally not taken.
func (s *Service) skipDose(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	d, err := s.ownedDose(r, s.mux.Vars(r)["id"])
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	updated, err := s.doses.Transition(ctx, d.ID, dose.StatusSkipped, dose.Mutation{Reason: "skipped_by_user"})
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.respond(ctx, w, http.StatusOK, map[string]string{"id": updated.ID, "status": string(updated.Status)})
}

// retryDose re-arms a dose that ended in a dispenser error.
func (s *Service) retryDose(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	d, err := s.ownedDose(r, s.mux.Vars(r)["id"])
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	updated, err := s.doses.Transition(ctx, d.ID, dose.StatusPending, dose.Mutation{})
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.respond(ctx, w, http.StatusOK, map[string]string{"id": updated.ID, "status": string(updated.Status)})
}

func (s *Service) statsAdherence(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	days, serr := intQuery(r, "days", 7)
	if serr != nil {
		s.writeError(ctx, w, serr)
		return
	}
	stats, err := s.queries.Adherence(ctx, UserID(r), days)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.respond(ctx, w, http.StatusOK, stats)
}

func (s *Service) statsWeekly(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	days, err := s.queries.Weekly(ctx, UserID(r))
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.respond(ctx, w, http.StatusOK, days)
}

func (s *Service) statsCalendar(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	month, serr := intQuery(r, "month", 0)
	if serr != nil {
		s.writeError(ctx, w, serr)
		return
	}
	year, serr := intQuery(r, "year", 0)
	if serr != nil {
		s.writeError(ctx, w, serr)
		return
	}
	if month < 1 || month > 12 {
		s.writeError(ctx, w, Errf(KindInvalidInput, "month must be between 1 and 12"))
		return
	}
	if year < 1 {
		s.writeError(ctx, w, Errf(KindInvalidInput, "missing year"))
		return
	}
	cells, err := s.queries.Calendar(ctx, UserID(r), month, year)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.respond(ctx, w, http.StatusOK, cells)
}

func (s *Service) doseHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	days, serr := intQuery(r, "days", 7)
	if serr != nil {
		s.writeError(ctx, w, serr)
		return
	}
	status := dose.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		s.writeError(ctx, w, Errf(KindInvalidInput, "unknown status %q", status))
		return
	}
	views, err := s.queries.History(ctx, UserID(r), days, status)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.respond(ctx, w, http.StatusOK, views)
}

func (s *Service) doctorReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	raw := strings.TrimSuffix(r.URL.Query().Get("range"), "days")
	rangeDays, err := strconv.Atoi(raw)
	if err != nil || (rangeDays != 30 && rangeDays != 60 && rangeDays != 90) {
		s.writeError(ctx, w, Errf(KindInvalidInput, "range must be one of 30days, 60days, 90days"))
		return
	}
	report, rerr := s.queries.Report(ctx, UserID(r), rangeDays)
	if rerr != nil {
		s.writeError(ctx, w, rerr)
		return
	}
	s.respond(ctx, w, http.StatusOK, report)
}

func (s *Service) listInventory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	views, err := s.queries.Inventory(ctx, UserID(r))
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.respond(ctx, w, http.StatusOK, views)
}
