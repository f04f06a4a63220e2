package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/go-chi/chi/v5"
	"github.com/ruteri/module-identity-provisioning/api"
	"github.com/ruteri/module-identity-provisioning/eventbus"
	"github.com/ruteri/module-identity-provisioning/interfaces"
	"github.com/ruteri/module-identity-provisioning/twin"
)

const (
	// maxBodySize is the maximum allowed request body size (1MB).
	maxBodySize = 1024 * 1024

	defaultMaxTwinWait = 5 * time.Minute
	etagQueryParam     = "etag"
)

// HubHandler is the device-facing side of the hub. Modules post their
// messages as CloudEvents and read their document, optionally waiting for
// it to change.
//
// The routing identity of a message is taken from the request path. Device
// authentication is left to whatever fronts the hub.
type HubHandler struct {
	store     interfaces.TwinStore
	watcher   interfaces.TwinWatcher
	publisher eventbus.EventPublisher
	topic     string
	maxWait   time.Duration
	log       *slog.Logger
}

// NewHubHandler creates the handler. watcher may be nil, in which case twin
// requests never wait.
func NewHubHandler(store interfaces.TwinStore, watcher interfaces.TwinWatcher, publisher eventbus.EventPublisher, cfg *api.HTTPServerConfig) *HubHandler {
	maxWait := cfg.MaxTwinWait
	if maxWait <= 0 {
		maxWait = defaultMaxTwinWait
	}
	return &HubHandler{
		store:     store,
		watcher:   watcher,
		publisher: publisher,
		topic:     cfg.EventTopic,
		maxWait:   maxWait,
		log:       cfg.Log,
	}
}

func (h *HubHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/devices/{deviceId}/modules/{moduleId}/messages", h.HandleDeviceMessage)
	r.Get("/api/devices/{deviceId}/modules/{moduleId}/twin", h.HandleGetTwin)
}

func moduleRefFromPath(r *http.Request) (interfaces.ModuleRef, error) {
	return interfaces.NewModuleRef(chi.URLParam(r, "deviceId"), chi.URLParam(r, "moduleId"))
}

// HandleDeviceMessage accepts a device-to-cloud message.
//
// URL format: POST /api/devices/{deviceId}/modules/{moduleId}/messages
//
// Request body: a CloudEvent in binary or structured mode. Its extensions
// become the application properties of the telemetry event published on the
// bus; the system properties are set from the path.
func (h *HubHandler) HandleDeviceMessage(w http.ResponseWriter, r *http.Request) {
	ref, err := moduleRefFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	ce, err := cloudevents.NewEventFromHTTPRequest(r)
	if err != nil {
		h.log.Error("Invalid device message", "err", err, slog.String("module", ref.String()))
		writeError(w, http.StatusBadRequest, err)
		return
	}

	data, err := api.TelemetryFromDeviceMessage(ref, *ce)
	if err != nil {
		h.log.Error("Failed to encode telemetry", "err", err, slog.String("module", ref.String()))
		writeError(w, http.StatusBadRequest, err)
		return
	}

	event := api.NewTelemetryEvent(h.topic, ref, data)
	if err := h.publisher.PublishEvent(event); err != nil {
		h.log.Error("Failed to publish telemetry", "err", err, slog.String("module", ref.String()))
		writeError(w, http.StatusServiceUnavailable, errors.New("could not accept message"))
		return
	}

	h.log.Debug("Accepted device message",
		slog.String("module", ref.String()),
		slog.String("messageID", ce.ID()),
		slog.String("eventID", event.ID))
	w.WriteHeader(http.StatusAccepted)
}

// HandleGetTwin returns the module's document with its ETag.
//
// URL format: GET /api/devices/{deviceId}/modules/{moduleId}/twin
//
// With If-None-Match (or ?etag=) the response is 304 Not Modified while the
// document is unchanged. Adding ?wait=<duration> holds the request until the
// document changes or the wait, capped by the server, runs out.
func (h *HubHandler) HandleGetTwin(w http.ResponseWriter, r *http.Request) {
	ref, err := moduleRefFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	known, conditional := knownETag(r)
	wait, err := h.waitDuration(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if conditional && wait > 0 && h.watcher != nil {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()

		doc, etag, err := h.watcher.Watch(ctx, ref, known)
		switch {
		case err == nil:
			writeTwin(w, doc, etag, h.log)
		case errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil:
			notModified(w, known)
		case r.Context().Err() != nil:
			// client went away
		default:
			h.log.Error("Failed to watch twin", "err", err, slog.String("module", ref.String()))
			writeError(w, http.StatusInternalServerError, errors.New("could not read twin"))
		}
		return
	}

	doc, etag, err := h.store.Get(r.Context(), ref)
	if err != nil {
		h.log.Error("Failed to read twin", "err", err, slog.String("module", ref.String()))
		writeError(w, http.StatusInternalServerError, errors.New("could not read twin"))
		return
	}
	if conditional && etag == known {
		notModified(w, known)
		return
	}
	writeTwin(w, doc, etag, h.log)
}

func knownETag(r *http.Request) (interfaces.ETag, bool) {
	if v := r.Header.Get("If-None-Match"); v != "" {
		return api.ParseETagHeader(v), true
	}
	if values, ok := r.URL.Query()[etagQueryParam]; ok && len(values) > 0 {
		return interfaces.ETag(values[0]), true
	}
	return "", false
}

func (h *HubHandler) waitDuration(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get(api.WaitQueryParam)
	if raw == "" {
		return 0, nil
	}
	wait, err := time.ParseDuration(raw)
	if err != nil || wait < 0 {
		return 0, errors.New("invalid wait duration")
	}
	if wait > h.maxWait {
		wait = h.maxWait
	}
	return wait, nil
}

func writeTwin(w http.ResponseWriter, doc *twin.Document, etag interfaces.ETag, log *slog.Logger) {
	body, err := doc.Serialize()
	if err != nil {
		log.Error("Failed to serialize twin", "err", err)
		writeError(w, http.StatusInternalServerError, errors.New("could not serialize twin"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", api.FormatETagHeader(etag))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func notModified(w http.ResponseWriter, etag interfaces.ETag) {
	w.Header().Set("ETag", api.FormatETagHeader(etag))
	w.WriteHeader(http.StatusNotModified)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, api.ErrorResponse{Message: err.Error()})
}
