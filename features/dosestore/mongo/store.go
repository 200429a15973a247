// Package mongo implements the dose ledger on MongoDB for deployments that
// need history to survive restarts. Transitions use a status-preconditioned
// findOneAndUpdate so the state machine is evaluated against the stored
// status in a single atomic step.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"k8s.io/utils/clock"

	"github.com/doseline/doseline/dose"
)

const (
	defaultCollection = "doses"
	defaultOpTimeout  = 5 * time.Second
	clientName        = "dose-mongo"
)

// Options configures the Mongo dose store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
	Clock      clock.PassiveClock
}

// Store is a Mongo-backed dose.Store.
type Store struct {
	mongo   *mongodriver.Client
	doses   *mongodriver.Collection
	timeout time.Duration
	clock   clock.PassiveClock
}

// New returns a Store backed by MongoDB and ensures its indexes.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	coll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, fmt.Errorf("ensuring dose indexes: %w", err)
	}
	return &Store{mongo: opts.Client, doses: coll, timeout: timeout, clock: clk}, nil
}

func ensureIndexes(ctx context.Context, coll *mongodriver.Collection) error {
	models := []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "scheduled_time", Value: 1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "medication_id", Value: 1}, {Key: "scheduled_time", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "dispense_time", Value: 1}}},
	}
	_, err := coll.Indexes().CreateMany(ctx, models)
	return err
}

// Name implements health.Pinger.
func (s *Store) Name() string { return clientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Create appends a new dose.
func (s *Store) Create(ctx context.Context, d dose.Dose) (dose.Dose, error) {
	now := s.clock.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.doses.InsertOne(ctx, docFromDose(d)); err != nil {
		return dose.Dose{}, fmt.Errorf("inserting dose: %w", err)
	}
	return d, nil
}

// Get returns the dose with the given id.
func (s *Store) Get(ctx context.Context, id string) (dose.Dose, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc doseDocument
	if err := s.doses.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return dose.Dose{}, dose.ErrNotFound
		}
		return dose.Dose{}, err
	}
	return doc.toDose(), nil
}

// Transition atomically moves the dose to the target status. The filter pins
// the current status to the set of legal sources for the target, so a
// concurrent incompatible transition loses cleanly.
func (s *Store) Transition(ctx context.Context, id string, to dose.Status, mut dose.Mutation) (dose.Dose, error) {
	sources := sourcesFor(to)
	if len(sources) == 0 {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return dose.Dose{}, err
		}
		return dose.Dose{}, &dose.TransitionError{DoseID: id, From: cur.Status, To: to}
	}

	set := bson.M{"status": to, "updated_at": s.clock.Now().UTC()}
	if mut.DispenseTime != nil {
		set["dispense_time"] = mut.DispenseTime.UTC()
	}
	if mut.RetrievalTime != nil {
		set["retrieval_time"] = mut.RetrievalTime.UTC()
	}
	if mut.ActualTime != nil {
		set["actual_time"] = mut.ActualTime.UTC()
	}
	if mut.TimeoutTime != nil {
		set["timeout_time"] = mut.TimeoutTime.UTC()
	}
	if mut.TimeElapsedSeconds != nil {
		set["time_elapsed_seconds"] = *mut.TimeElapsedSeconds
	}
	if mut.ErrorMessage != "" {
		set["error_message"] = mut.ErrorMessage
	}
	if mut.Reason != "" {
		set["reason"] = mut.Reason
	}

	octx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"_id": id, "status": bson.M{"$in": sources}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc doseDocument
	err := s.doses.FindOneAndUpdate(octx, filter, bson.M{"$set": set}, opts).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		cur, gerr := s.Get(ctx, id)
		if gerr != nil {
			return dose.Dose{}, gerr
		}
		return dose.Dose{}, &dose.TransitionError{DoseID: id, From: cur.Status, To: to}
	}
	if err != nil {
		return dose.Dose{}, fmt.Errorf("transitioning dose %s: %w", id, err)
	}
	return doc.toDose(), nil
}

// SetAcknowledged flips the acknowledged flag.
func (s *Store) SetAcknowledged(ctx context.Context, id string) (dose.Dose, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	update := bson.M{"$set": bson.M{"acknowledged": true, "updated_at": s.clock.Now().UTC()}}
	var doc doseDocument
	err := s.doses.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return dose.Dose{}, dose.ErrNotFound
	}
	if err != nil {
		return dose.Dose{}, err
	}
	return doc.toDose(), nil
}

// FindScheduled returns the dose for the exact (medication, instant) pair.
func (s *Store) FindScheduled(ctx context.Context, userID, medicationID string, scheduled time.Time) (dose.Dose, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"user_id": userID, "medication_id": medicationID, "scheduled_time": scheduled.UTC()}
	var doc doseDocument
	if err := s.doses.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return dose.Dose{}, false, nil
		}
		return dose.Dose{}, false, err
	}
	return doc.toDose(), true, nil
}

// FindNear returns the dose with the given status scheduled within the
// window, preferring the one closest to the target instant.
func (s *Store) FindNear(ctx context.Context, userID, medicationID string, status dose.Status, scheduled time.Time, window time.Duration) (dose.Dose, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"user_id":       userID,
		"medication_id": medicationID,
		"status":        status,
		"scheduled_time": bson.M{
			"$gte": scheduled.Add(-window).UTC(),
			"$lte": scheduled.Add(window).UTC(),
		},
	}
	cur, err := s.doses.Find(ctx, filter)
	if err != nil {
		return dose.Dose{}, false, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var best dose.Dose
	found := false
	for cur.Next(ctx) {
		var doc doseDocument
		if err := cur.Decode(&doc); err != nil {
			return dose.Dose{}, false, err
		}
		d := doc.toDose()
		if !found || absDuration(d.ScheduledTime.Sub(scheduled)) < absDuration(best.ScheduledTime.Sub(scheduled)) {
			best, found = d, true
		}
	}
	if err := cur.Err(); err != nil {
		return dose.Dose{}, false, err
	}
	return best, found, nil
}

// FindCurrent returns the most recently scheduled dose in the given status.
func (s *Store) FindCurrent(ctx context.Context, userID, medicationID string, status dose.Status) (dose.Dose, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"user_id": userID, "medication_id": medicationID, "status": status}
	opts := options.FindOne().SetSort(bson.D{{Key: "scheduled_time", Value: -1}})
	var doc doseDocument
	if err := s.doses.FindOne(ctx, filter, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return dose.Dose{}, false, nil
		}
		return dose.Dose{}, false, err
	}
	return doc.toDose(), true, nil
}

// ListRange returns the user's doses scheduled in [from, to), ascending.
func (s *Store) ListRange(ctx context.Context, userID string, from, to time.Time) ([]dose.Dose, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"user_id":        userID,
		"scheduled_time": bson.M{"$gte": from.UTC(), "$lt": to.UTC()},
	}
	opts := options.Find().SetSort(bson.D{{Key: "scheduled_time", Value: 1}})
	return s.decodeAll(ctx, filter, opts)
}

// ListOverdue returns, across users, waiting doses whose retrieval window has
// closed.
func (s *Store) ListOverdue(ctx context.Context, now time.Time) ([]dose.Dose, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"status":        dose.StatusDispensedWaiting,
		"dispense_time": bson.M{"$lte": now.Add(-dose.Timeout).UTC()},
	}
	return s.decodeAll(ctx, filter, options.Find())
}

// DeleteByMedication removes all doses referencing the medication.
func (s *Store) DeleteByMedication(ctx context.Context, userID, medicationID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.doses.DeleteMany(ctx, bson.M{"user_id": userID, "medication_id": medicationID})
	return err
}

func (s *Store) decodeAll(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]dose.Dose, error) {
	cur, err := s.doses.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []dose.Dose
	for cur.Next(ctx) {
		var doc doseDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toDose())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// sourcesFor lists the statuses from which the state machine allows a move
// to the target.
func sourcesFor(to dose.Status) []dose.Status {
	all := []dose.Status{
		dose.StatusPending, dose.StatusDispensedWaiting, dose.StatusTaken,
		dose.StatusMissed, dose.StatusError, dose.StatusSkipped,
	}
	var out []dose.Status
	for _, from := range all {
		if dose.CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

type doseDocument struct {
	ID                 string      `bson:"_id"`
	UserID             string      `bson:"user_id"`
	MedicationID       string      `bson:"medication_id"`
	MedicationName     string      `bson:"medication_name"`
	ScheduledTime      time.Time   `bson:"scheduled_time"`
	Status             dose.Status `bson:"status"`
	DispenseTime       *time.Time  `bson:"dispense_time,omitempty"`
	RetrievalTime      *time.Time  `bson:"retrieval_time,omitempty"`
	ActualTime         *time.Time  `bson:"actual_time,omitempty"`
	TimeElapsedSeconds *int        `bson:"time_elapsed_seconds,omitempty"`
	ErrorMessage       string      `bson:"error_message,omitempty"`
	Reason             string      `bson:"reason,omitempty"`
	TimeoutTime        *time.Time  `bson:"timeout_time,omitempty"`
	Acknowledged       bool        `bson:"acknowledged"`
	CreatedAt          time.Time   `bson:"created_at"`
	UpdatedAt          time.Time   `bson:"updated_at"`
}

func docFromDose(d dose.Dose) doseDocument {
	return doseDocument{
		ID:                 d.ID,
		UserID:             d.UserID,
		MedicationID:       d.MedicationID,
		MedicationName:     d.MedicationName,
		ScheduledTime:      d.ScheduledTime.UTC(),
		Status:             d.Status,
		DispenseTime:       utcPtr(d.DispenseTime),
		RetrievalTime:      utcPtr(d.RetrievalTime),
		ActualTime:         utcPtr(d.ActualTime),
		TimeElapsedSeconds: d.TimeElapsedSeconds,
		ErrorMessage:       d.ErrorMessage,
		Reason:             d.Reason,
		TimeoutTime:        utcPtr(d.TimeoutTime),
		Acknowledged:       d.Acknowledged,
		CreatedAt:          d.CreatedAt.UTC(),
		UpdatedAt:          d.UpdatedAt.UTC(),
	}
}

func (doc doseDocument) toDose() dose.Dose {
	return dose.Dose{
		ID:                 doc.ID,
		UserID:             doc.UserID,
		MedicationID:       doc.MedicationID,
		MedicationName:     doc.MedicationName,
		ScheduledTime:      doc.ScheduledTime.UTC(),
		Status:             doc.Status,
		DispenseTime:       utcPtr(doc.DispenseTime),
		RetrievalTime:      utcPtr(doc.RetrievalTime),
		ActualTime:         utcPtr(doc.ActualTime),
		TimeElapsedSeconds: doc.TimeElapsedSeconds,
		ErrorMessage:       doc.ErrorMessage,
		Reason:             doc.Reason,
		TimeoutTime:        utcPtr(doc.TimeoutTime),
		Acknowledged:       doc.Acknowledged,
		CreatedAt:          doc.CreatedAt.UTC(),
		UpdatedAt:          doc.UpdatedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
