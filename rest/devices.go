package rest

import (
	"io"
	"net/http"
	"time"

	"github.com/doseline/doseline/events"
	"github.com/doseline/doseline/identity"
)

type provisionRequest struct {
	Kind string `json:"kind" validate:"required,oneof=dispenser band"`
}

type deviceView struct {
	ID       string                `json:"id"`
	Kind     identity.DeviceKind   `json:"kind"`
	Status   identity.DeviceStatus `json:"status"`
	LastSeen time.Time             `json:"last_seen"`
}

func newDeviceView(d identity.Device) deviceView {
	return deviceView{ID: d.ID, Kind: d.Kind, Status: d.Status, LastSeen: d.LastSeen}
}

type provisionResponse struct {
	deviceView
	// AuthToken is write-once; it is returned here and never again.
	AuthToken string `json:"auth_token"`
}

func (s *Service) provisionDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req provisionRequest
	if serr := s.decode(r, &req); serr != nil {
		s.writeError(ctx, w, serr)
		return
	}
	d, err := s.devices.Provision(ctx, UserID(r), identity.DeviceKind(req.Kind))
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.respond(ctx, w, http.StatusCreated, provisionResponse{deviceView: newDeviceView(d), AuthToken: d.AuthToken})
}

func (s *Service) listDevices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	devices, err := s.devices.List(ctx, UserID(r))
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	out := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		out = append(out, newDeviceView(d))
	}
	s.respond(ctx, w, http.StatusOK, out)
}

type deviceEventResponse struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"`
	Warning string `json:"warning,omitempty"`
	DoseID  string `json:"dose_id,omitempty"`
}

// deviceEvent ingests one telemetry event from the authenticated device. The
// envelope is decoded here so it can be vetted against the credentials: the
// event kind must belong to the device's kind and the envelope's device_id
// must name the authenticated device. Vetted events go to the correlator,
// which appends the log entry and applies the dispatch table.
func (s *Service) deviceEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(ctx, w, Errf(KindInvalidInput, "reading request body: %s", err))
		return
	}
	ev, err := events.Decode(raw)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	device := authedDevice(r)
	if ev.Header().DeviceID != device.ID {
		s.writeError(ctx, w, Errf(KindInvalidInput, "device_id %q does not match the authenticated device", ev.Header().DeviceID))
		return
	}
	if ev.Kind().FromDispenser() != (device.Kind == identity.KindDispenser) {
		s.writeError(ctx, w, Errf(KindWrongDeviceKind, "a %s cannot emit %s events", device.Kind, ev.Kind()))
		return
	}
	res, err := s.correlator.ProcessEvent(ctx, UserID(r), ev, raw)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	resp := deviceEventResponse{EventID: res.Entry.ID, Status: "processed", Warning: res.Warning}
	if res.Dose != nil {
		resp.DoseID = res.Dose.ID
	}
	s.respond(ctx, w, http.StatusOK, resp)
}
