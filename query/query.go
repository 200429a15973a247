// Package query builds the read-only projections served to clients: today's
// schedule with countdowns, upcoming doses, adherence statistics, history,
// the calendar grid and the doctor-visit report. Every projection observes a
// consistent snapshot of each dose record; rates are percentages rounded to
// two decimal places.
package query

import (
	"context"
	"fmt"
	"math"
	"time"

	"k8s.io/utils/clock"

	"github.com/doseline/doseline/dose"
	"github.com/doseline/doseline/inventory"
	"github.com/doseline/doseline/medication"
	"github.com/doseline/doseline/schedule"
	"github.com/doseline/doseline/symptom"
)

const (
	// DefaultUpcomingHours is the horizon when the client does not ask for one.
	DefaultUpcomingHours = 4
	// MaxUpcomingHours bounds the upcoming horizon.
	MaxUpcomingHours = 72
	// DefaultDosesPerDay is the inventory divisor when the medication's own
	// schedule cannot be resolved.
	DefaultDosesPerDay = 2
)

// Service computes projections over the ledgers.
type Service struct {
	doses    dose.Store
	meds     medication.Store
	inv      inventory.Store
	symptoms symptom.Store
	sched    *schedule.Materializer
	clock    clock.PassiveClock
	loc      *time.Location
}

// New returns a Service. A nil location defaults to UTC; it controls what
// counts as a "local day" for today/weekly/calendar projections.
func New(doses dose.Store, meds medication.Store, inv inventory.Store, symptoms symptom.Store, sched *schedule.Materializer, clk clock.PassiveClock, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{doses: doses, meds: meds, inv: inv, symptoms: symptoms, sched: sched, clock: clk, loc: loc}
}

// DoseView is the client-facing shape of one dose.
type DoseView struct {
	ID                        string     `json:"id"`
	MedicationID              string     `json:"medication_id"`
	MedicationName            string     `json:"medication_name"`
	ScheduledTime             time.Time  `json:"scheduled_time"`
	Status                    dose.Status `json:"status"`
	DispenseTime              *time.Time `json:"dispense_time,omitempty"`
	RetrievalTime             *time.Time `json:"retrieval_time,omitempty"`
	ActualTime                *time.Time `json:"actual_time,omitempty"`
	TimeElapsedSeconds        *int       `json:"time_elapsed_seconds,omitempty"`
	ErrorMessage              string     `json:"error_message,omitempty"`
	Reason                    string     `json:"reason,omitempty"`
	TimeoutTime               *time.Time `json:"timeout_time,omitempty"`
	Acknowledged              bool       `json:"acknowledged"`
	CountdownRemainingSeconds int64      `json:"countdown_remaining_seconds"`
}

func (s *Service) view(d dose.Dose) DoseView {
	return DoseView{
		ID:                        d.ID,
		MedicationID:              d.MedicationID,
		MedicationName:            d.MedicationName,
		ScheduledTime:             d.ScheduledTime,
		Status:                    d.Status,
		DispenseTime:              d.DispenseTime,
		RetrievalTime:             d.RetrievalTime,
		ActualTime:                d.ActualTime,
		TimeElapsedSeconds:        d.TimeElapsedSeconds,
		ErrorMessage:              d.ErrorMessage,
		Reason:                    d.Reason,
		TimeoutTime:               d.TimeoutTime,
		Acknowledged:              d.Acknowledged,
		CountdownRemainingSeconds: d.Countdown(s.clock.Now()),
	}
}

func (s *Service) dayBounds(t time.Time) (time.Time, time.Time) {
	local := t.In(s.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
	return start.UTC(), start.AddDate(0, 0, 1).UTC()
}

// Today returns every dose scheduled within the current local day, with live
// countdowns for doses awaiting retrieval.
func (s *Service) Today(ctx context.Context, userID string) ([]DoseView, error) {
	now := s.clock.Now()
	if err := s.sched.EnsureDay(ctx, userID, now.In(s.loc)); err != nil {
		return nil, err
	}
	from, to := s.dayBounds(now)
	doses, err := s.doses.ListRange(ctx, userID, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]DoseView, 0, len(doses))
	for _, d := range doses {
		out = append(out, s.view(d))
	}
	return out, nil
}

// Upcoming returns pending doses scheduled in (now, now+hours]. The horizon
// defaults to four hours and is clamped to [1, 72].
func (s *Service) Upcoming(ctx context.Context, userID string, hours int) ([]DoseView, error) {
	if hours == 0 {
		hours = DefaultUpcomingHours
	}
	if hours < 1 {
		hours = 1
	}
	if hours > MaxUpcomingHours {
		hours = MaxUpcomingHours
	}
	now := s.clock.Now()
	horizon := now.Add(time.Duration(hours) * time.Hour)
	for day := now.In(s.loc); !day.After(horizon.In(s.loc)); day = day.AddDate(0, 0, 1) {
		if err := s.sched.EnsureDay(ctx, userID, day); err != nil {
			return nil, err
		}
	}
	doses, err := s.doses.ListRange(ctx, userID, now, horizon.Add(time.Second))
	if err != nil {
		return nil, err
	}
	var out []DoseView
	for _, d := range doses {
		if d.Status != dose.StatusPending || !d.ScheduledTime.After(now) || d.ScheduledTime.After(horizon) {
			continue
		}
		out = append(out, s.view(d))
	}
	return out, nil
}

// AdherenceStats aggregates dose outcomes over a window.
type AdherenceStats struct {
	Days   int     `json:"days"`
	Total  int     `json:"total"`
	Taken  int     `json:"taken"`
	Missed int     `json:"missed"`
	Errors int     `json:"errors"`
	Rate   float64 `json:"adherence_rate"`
}

// Adherence aggregates the user's doses scheduled in the last N days.
func (s *Service) Adherence(ctx context.Context, userID string, days int) (AdherenceStats, error) {
	if days <= 0 {
		days = 7
	}
	now := s.clock.Now()
	doses, err := s.doses.ListRange(ctx, userID, now.AddDate(0, 0, -days), now.Add(time.Second))
	if err != nil {
		return AdherenceStats{}, err
	}
	stats := AdherenceStats{Days: days}
	for _, d := range doses {
		stats.Total++
		switch d.Status {
		case dose.StatusTaken:
			stats.Taken++
		case dose.StatusMissed:
			stats.Missed++
		case dose.StatusError:
			stats.Errors++
		}
	}
	stats.Rate = rate(stats.Taken, stats.Total)
	return stats, nil
}

// DayStats is one day of the weekly breakdown.
type DayStats struct {
	Date  string  `json:"date"`
	Total int     `json:"total"`
	Taken int     `json:"taken"`
	Rate  float64 `json:"rate"`
}

// Weekly returns per-day adherence for the last seven local days, oldest
// first.
func (s *Service) Weekly(ctx context.Context, userID string) ([]DayStats, error) {
	now := s.clock.Now()
	out := make([]DayStats, 0, 7)
	for i := 6; i >= 0; i-- {
		day := now.In(s.loc).AddDate(0, 0, -i)
		from, to := s.dayBounds(day)
		doses, err := s.doses.ListRange(ctx, userID, from, to)
		if err != nil {
			return nil, err
		}
		ds := DayStats{Date: day.Format("2006-01-02")}
		for _, d := range doses {
			ds.Total++
			if d.Status == dose.StatusTaken {
				ds.Taken++
			}
		}
		ds.Rate = rate(ds.Taken, ds.Total)
		out = append(out, ds)
	}
	return out, nil
}

// History returns doses scheduled within the last N days, optionally
// filtered by status, newest first.
func (s *Service) History(ctx context.Context, userID string, days int, status dose.Status) ([]DoseView, error) {
	if days <= 0 {
		days = 7
	}
	now := s.clock.Now()
	doses, err := s.doses.ListRange(ctx, userID, now.AddDate(0, 0, -days), now.Add(time.Second))
	if err != nil {
		return nil, err
	}
	out := make([]DoseView, 0, len(doses))
	for i := len(doses) - 1; i >= 0; i-- { // ListRange is ascending
		d := doses[i]
		if status != "" && d.Status != status {
			continue
		}
		out = append(out, s.view(d))
	}
	return out, nil
}

// CalendarDay is one cell of the month grid. Bucket is green (100%), yellow
// (partial), red (0% with doses scheduled) or gray (nothing scheduled).
type CalendarDay struct {
	Date   string `json:"date"`
	Total  int    `json:"total"`
	Taken  int    `json:"taken"`
	Bucket string `json:"bucket"`
}

// Calendar returns the month's per-day buckets.
func (s *Service) Calendar(ctx context.Context, userID string, month, year int) ([]CalendarDay, error) {
	if month < 1 || month > 12 {
		return nil, fmt.Errorf("month %d out of range", month)
	}
	first := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, s.loc)
	out := make([]CalendarDay, 0, 31)
	for day := first; day.Month() == time.Month(month); day = day.AddDate(0, 0, 1) {
		from, to := s.dayBounds(day)
		doses, err := s.doses.ListRange(ctx, userID, from, to)
		if err != nil {
			return nil, err
		}
		cd := CalendarDay{Date: day.Format("2006-01-02")}
		for _, d := range doses {
			cd.Total++
			if d.Status == dose.StatusTaken {
				cd.Taken++
			}
		}
		switch {
		case cd.Total == 0:
			cd.Bucket = "gray"
		case cd.Taken == cd.Total:
			cd.Bucket = "green"
		case cd.Taken == 0:
			cd.Bucket = "red"
		default:
			cd.Bucket = "yellow"
		}
		out = append(out, cd)
	}
	return out, nil
}

// InventoryView is the client-facing shape of one inventory row.
type InventoryView struct {
	MedicationID    string `json:"medication_id"`
	MedicationName  string `json:"medication_name,omitempty"`
	PillsRemaining  int    `json:"pills_remaining"`
	DaysRemaining   int    `json:"days_remaining"`
	RefillNeeded    bool   `json:"refill_needed"`
	RefillThreshold int    `json:"refill_threshold"`
}

// Inventory returns the user's cartridges with a days-remaining estimate.
// The divisor is the medication's own doses-per-day when the medication
// still exists, DefaultDosesPerDay otherwise.
func (s *Service) Inventory(ctx context.Context, userID string) ([]InventoryView, error) {
	rows, err := s.inv.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]InventoryView, 0, len(rows))
	for _, row := range rows {
		perDay := DefaultDosesPerDay
		var name string
		if m, err := s.meds.Get(ctx, userID, row.MedicationID); err == nil {
			name = m.Name
			if m.DosesPerDay() > 0 {
				perDay = m.DosesPerDay()
			}
		}
		out = append(out, InventoryView{
			MedicationID:    row.MedicationID,
			MedicationName:  name,
			PillsRemaining:  row.PillsRemaining,
			DaysRemaining:   row.PillsRemaining / perDay,
			RefillNeeded:    row.RefillNeeded,
			RefillThreshold: row.RefillThreshold,
		})
	}
	return out, nil
}

// SymptomSummary aggregates symptom entries for the doctor report.
type SymptomSummary struct {
	Entries     int                `json:"entries"`
	BySymptom   map[string]int     `json:"by_symptom"`
	AvgSeverity map[string]float64 `json:"avg_severity"`
}

// DoctorReport is the aggregate handed to a clinician.
type DoctorReport struct {
	RangeDays    int                   `json:"range_days"`
	GeneratedAt  time.Time             `json:"generated_at"`
	Adherence    AdherenceStats        `json:"adherence"`
	Medications  []MedicationView      `json:"medications"`
	Symptoms     SymptomSummary        `json:"symptoms"`
	Correlations []symptom.Correlation `json:"correlations"`
}

// MedicationView is the report snapshot of one medication.
type MedicationView struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Dosage       string   `json:"dosage,omitempty"`
	Times        []string `json:"times"`
	DurationDays int      `json:"duration_days"`
	StartDate    string   `json:"start_date"`
}

// Report builds the doctor-visit report over 30, 60 or 90 days.
func (s *Service) Report(ctx context.Context, userID string, rangeDays int) (DoctorReport, error) {
	switch rangeDays {
	case 30, 60, 90:
	default:
		return DoctorReport{}, fmt.Errorf("report range %d not in {30, 60, 90}", rangeDays)
	}
	now := s.clock.Now().UTC()
	adherence, err := s.Adherence(ctx, userID, rangeDays)
	if err != nil {
		return DoctorReport{}, err
	}
	meds, err := s.meds.List(ctx, userID)
	if err != nil {
		return DoctorReport{}, err
	}
	entries, err := s.symptoms.ListSince(ctx, userID, now.AddDate(0, 0, -rangeDays))
	if err != nil {
		return DoctorReport{}, err
	}

	report := DoctorReport{
		RangeDays:   rangeDays,
		GeneratedAt: now,
		Adherence:   adherence,
		Symptoms: SymptomSummary{
			Entries:     len(entries),
			BySymptom:   make(map[string]int),
			AvgSeverity: make(map[string]float64),
		},
		Correlations: symptom.Correlate(entries),
	}
	for _, m := range meds {
		report.Medications = append(report.Medications, MedicationView{
			ID: m.ID, Name: m.Name, Dosage: m.Dosage,
			Times: m.Times, DurationDays: m.DurationDays, StartDate: m.StartDate,
		})
	}
	totals := make(map[string]int)
	for _, e := range entries {
		report.Symptoms.BySymptom[e.Symptom]++
		totals[e.Symptom] += e.Severity
	}
	for sym, count := range report.Symptoms.BySymptom {
		report.Symptoms.AvgSeverity[sym] = round2(float64(totals[sym]) / float64(count))
	}
	return report, nil
}

func rate(taken, total int) float64 {
	if total == 0 {
		return 0
	}
	return round2(float64(taken) / float64(total) * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
