// Package events ingests device telemetry: it validates the event_type-tagged
// JSON envelope into a closed union of typed events, records every accepted
// event in the append-only log, and correlates each event to the right dose
// or inventory record.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownKind is returned for an event_type outside the closed union.
	ErrUnknownKind = errors.New("unknown event kind")

	// ErrInvalidEvent is returned when a known kind is missing required
	// fields or carries malformed ones.
	ErrInvalidEvent = errors.New("invalid event")
)

// Kind is the event discriminator carried in the envelope's event_type.
type Kind string

const (
	KindPillDispensed     Kind = "pill_dispensed"
	KindPillRetrieved     Kind = "pill_retrieved"
	KindDispenseError     Kind = "dispense_error"
	KindLowInventory      Kind = "low_inventory"
	KindCartridgeInserted Kind = "cartridge_inserted"
	KindCartridgeRemoved  Kind = "cartridge_removed"
	KindAlertSent         Kind = "alert_sent"
	KindBandRemoved       Kind = "band_removed"
	KindBandWorn          Kind = "band_worn"
	KindButtonPress       Kind = "button_press"
)

// dispenserKinds holds the kinds a dispenser may emit; everything else in the
// union comes from the band.
var dispenserKinds = map[Kind]bool{
	KindPillDispensed:     true,
	KindPillRetrieved:     true,
	KindDispenseError:     true,
	KindLowInventory:      true,
	KindCartridgeInserted: true,
	KindCartridgeRemoved:  true,
}

// FromDispenser reports whether the kind is emitted by the dispensing
// appliance rather than the band.
func (k Kind) FromDispenser() bool { return dispenserKinds[k] }

// Event is the closed union of device events. The concrete type is one of
// the structs below; no other implementations exist.
type Event interface {
	Kind() Kind
	Header() EventHeader
	isEvent()
}

// EventHeader carries the envelope fields common to every kind.
type EventHeader struct {
	DeviceID  string
	Timestamp time.Time
}

// PillDispensed reports a successful dispense for a scheduled instant.
type PillDispensed struct {
	EventHeader
	MedicationID       string
	ScheduledTime      time.Time
	ActualDispenseTime time.Time
}

// PillRetrieved reports a confirmed retrieval.
type PillRetrieved struct {
	EventHeader
	MedicationID       string
	RetrievalTime      time.Time
	TimeElapsedSeconds int
}

// DispenseError reports a mechanical or electronic dispense failure.
type DispenseError struct {
	EventHeader
	MedicationID  string
	ScheduledTime time.Time
	ErrorCode     string
	ErrorMessage  string
}

// LowInventory reports a pill count below the device's own alert level.
type LowInventory struct {
	EventHeader
	MedicationID   string
	PillsRemaining int
}

// CartridgeInserted reports a fresh cartridge with its calibration data.
type CartridgeInserted struct {
	EventHeader
	MedicationID      string
	CartridgeSlot     *int
	PillCount         int
	CalibrationWeight *float64
}

// CartridgeRemoved reports a cartridge pulled from its slot.
type CartridgeRemoved struct {
	EventHeader
	MedicationID   string
	PillsRemaining int
}

// AlertSent reports that the band played a reminder. Log-only.
type AlertSent struct {
	EventHeader
	MedicationID string
}

// BandRemoved reports the band taken off the wrist. Log-only.
type BandRemoved struct{ EventHeader }

// BandWorn reports the band put back on. Log-only.
type BandWorn struct{ EventHeader }

// ButtonPress reports the patient acknowledging a reminder.
type ButtonPress struct {
	EventHeader
	MedicationID  string
	ScheduledTime *time.Time
}

func (e PillDispensed) Kind() Kind     { return KindPillDispensed }
func (e PillRetrieved) Kind() Kind     { return KindPillRetrieved }
func (e DispenseError) Kind() Kind     { return KindDispenseError }
func (e LowInventory) Kind() Kind      { return KindLowInventory }
func (e CartridgeInserted) Kind() Kind { return KindCartridgeInserted }
func (e CartridgeRemoved) Kind() Kind  { return KindCartridgeRemoved }
func (e AlertSent) Kind() Kind         { return KindAlertSent }
func (e BandRemoved) Kind() Kind       { return KindBandRemoved }
func (e BandWorn) Kind() Kind          { return KindBandWorn }
func (e ButtonPress) Kind() Kind       { return KindButtonPress }

func (h EventHeader) Header() EventHeader { return h }

func (PillDispensed) isEvent()     {}
func (PillRetrieved) isEvent()     {}
func (DispenseError) isEvent()     {}
func (LowInventory) isEvent()      {}
func (CartridgeInserted) isEvent() {}
func (CartridgeRemoved) isEvent()  {}
func (AlertSent) isEvent()         {}
func (BandRemoved) isEvent()       {}
func (BandWorn) isEvent()          {}
func (ButtonPress) isEvent()       {}

// envelope is the raw wire shape; kind-specific fields are all optional here
// and validated per kind after the tag is read.
type envelope struct {
	EventType          string     `json:"event_type"`
	DeviceID           string     `json:"device_id"`
	Timestamp          time.Time  `json:"timestamp"`
	MedicationID       string     `json:"medication_id"`
	ScheduledTime      *time.Time `json:"scheduled_time"`
	ActualDispenseTime *time.Time `json:"actual_dispense_time"`
	RetrievalTime      *time.Time `json:"retrieval_time"`
	TimeElapsedSeconds *int       `json:"time_elapsed_seconds"`
	ErrorCode          string     `json:"error_code"`
	ErrorMessage       string     `json:"error_message"`
	PillsRemaining     *int       `json:"pills_remaining"`
	PillCount          *int       `json:"pill_count"`
	CartridgeSlot      *int       `json:"cartridge_slot"`
	CalibrationWeight  *float64   `json:"calibration_weight_grams"`
}

// Decode validates the tagged envelope into a typed event. Fields outside
// the envelope are rejected, and the tag is checked before any field
// validation so unknown kinds fail with a stable error regardless of
// payload shape.
func Decode(raw []byte) (Event, error) {
	var env envelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEvent, err)
	}
	kind := Kind(env.EventType)
	switch kind {
	case KindPillDispensed, KindPillRetrieved, KindDispenseError, KindLowInventory,
		KindCartridgeInserted, KindCartridgeRemoved, KindAlertSent, KindBandRemoved,
		KindBandWorn, KindButtonPress:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.EventType)
	}
	if env.DeviceID == "" {
		return nil, fmt.Errorf("%w: device_id is required", ErrInvalidEvent)
	}
	if env.Timestamp.IsZero() {
		return nil, fmt.Errorf("%w: timestamp is required", ErrInvalidEvent)
	}
	hdr := EventHeader{DeviceID: env.DeviceID, Timestamp: env.Timestamp.UTC()}

	switch kind {
	case KindPillDispensed:
		if env.MedicationID == "" || env.ScheduledTime == nil {
			return nil, fmt.Errorf("%w: pill_dispensed requires medication_id and scheduled_time", ErrInvalidEvent)
		}
		actual := env.Timestamp
		if env.ActualDispenseTime != nil {
			actual = *env.ActualDispenseTime
		}
		return PillDispensed{EventHeader: hdr, MedicationID: env.MedicationID,
			ScheduledTime: env.ScheduledTime.UTC(), ActualDispenseTime: actual.UTC()}, nil

	case KindPillRetrieved:
		if env.MedicationID == "" {
			return nil, fmt.Errorf("%w: pill_retrieved requires medication_id", ErrInvalidEvent)
		}
		retrieved := env.Timestamp
		if env.RetrievalTime != nil {
			retrieved = *env.RetrievalTime
		}
		elapsed := 0
		if env.TimeElapsedSeconds != nil {
			elapsed = *env.TimeElapsedSeconds
		}
		return PillRetrieved{EventHeader: hdr, MedicationID: env.MedicationID,
			RetrievalTime: retrieved.UTC(), TimeElapsedSeconds: elapsed}, nil

	case KindDispenseError:
		if env.MedicationID == "" || env.ScheduledTime == nil {
			return nil, fmt.Errorf("%w: dispense_error requires medication_id and scheduled_time", ErrInvalidEvent)
		}
		return DispenseError{EventHeader: hdr, MedicationID: env.MedicationID,
			ScheduledTime: env.ScheduledTime.UTC(), ErrorCode: env.ErrorCode, ErrorMessage: env.ErrorMessage}, nil

	case KindLowInventory:
		if env.MedicationID == "" || env.PillsRemaining == nil {
			return nil, fmt.Errorf("%w: low_inventory requires medication_id and pills_remaining", ErrInvalidEvent)
		}
		return LowInventory{EventHeader: hdr, MedicationID: env.MedicationID, PillsRemaining: *env.PillsRemaining}, nil

	case KindCartridgeInserted:
		if env.MedicationID == "" || env.PillCount == nil {
			return nil, fmt.Errorf("%w: cartridge_inserted requires medication_id and pill_count", ErrInvalidEvent)
		}
		return CartridgeInserted{EventHeader: hdr, MedicationID: env.MedicationID,
			CartridgeSlot: env.CartridgeSlot, PillCount: *env.PillCount, CalibrationWeight: env.CalibrationWeight}, nil

	case KindCartridgeRemoved:
		if env.MedicationID == "" || env.PillsRemaining == nil {
			return nil, fmt.Errorf("%w: cartridge_removed requires medication_id and pills_remaining", ErrInvalidEvent)
		}
		return CartridgeRemoved{EventHeader: hdr, MedicationID: env.MedicationID, PillsRemaining: *env.PillsRemaining}, nil

	case KindAlertSent:
		return AlertSent{EventHeader: hdr, MedicationID: env.MedicationID}, nil

	case KindBandRemoved:
		return BandRemoved{EventHeader: hdr}, nil

	case KindBandWorn:
		return BandWorn{EventHeader: hdr}, nil

	default: // KindButtonPress
		var sched *time.Time
		if env.ScheduledTime != nil {
			t := env.ScheduledTime.UTC()
			sched = &t
		}
		return ButtonPress{EventHeader: hdr, MedicationID: env.MedicationID, ScheduledTime: sched}, nil
	}
}
