package provisioner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/go-chi/chi/v5"
	"github.com/ruteri/module-identity-provisioning/api"
	"github.com/ruteri/module-identity-provisioning/cryptoutils"
	"github.com/ruteri/module-identity-provisioning/eventbus"
	"github.com/ruteri/module-identity-provisioning/interfaces"
	"github.com/ruteri/module-identity-provisioning/twin"
)

const (
	// EventsPath receives trigger deliveries.
	EventsPath = "/api/events"

	// maxBodySize is the maximum allowed request body size (1MB).
	maxBodySize = 1024 * 1024

	eventGridEventTypeHeader   = "aeg-event-type"
	subscriptionValidationType = "SubscriptionValidation"
	cloudEventsSpecHeader      = "Ce-Specversion"
)

// Handler reacts to identity operation requests sent by modules. For every
// request it records the cycle in the module's document, creates or updates
// the directory identity and publishes the result back to the document.
//
// The handler keeps no state between events other than its metrics; the
// document is only modified through compare-and-write.
type Handler struct {
	store     interfaces.TwinStore
	registry  interfaces.ModuleRegistry
	provider  interfaces.IdentityProvider
	publisher eventbus.EventPublisher
	cfg       Config
	metrics   *Metrics
	log       *slog.Logger
}

// NewHandler creates a handler. metrics may be nil, in which case the
// counters are kept but not registered anywhere.
//
// Parameters:
//   - store: Document store written through compare-and-write
//   - registry: Source of module records and keys
//   - provider: Identity provider the users are created in
//   - cfg: Timeouts and write attempts; zero fields take the defaults
//   - metrics: Counters, may be nil
//   - log: Structured logger
//
// Returns:
//   - A handler that handles events within the caller; use WithPublisher to
//     hand HTTP deliveries to an event bus instead
func NewHandler(store interfaces.TwinStore, registry interfaces.ModuleRegistry, provider interfaces.IdentityProvider, cfg Config, metrics *Metrics, log *slog.Logger) *Handler {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Handler{
		store:    store,
		registry: registry,
		provider: provider,
		cfg:      cfg.withDefaults(),
		metrics:  metrics,
		log:      log,
	}
}

// WithPublisher makes the HTTP endpoint hand events to publisher instead of
// handling them within the request.
func (h *Handler) WithPublisher(publisher eventbus.EventPublisher) *Handler {
	h.publisher = publisher
	return h
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post(EventsPath, h.HandleEvents)
}

// HandleMessage adapts HandleEvent to the event bus. Outcomes are logged and
// counted, never returned, so the bus does not redeliver.
func (h *Handler) HandleMessage(ctx context.Context, event api.Event) error {
	h.HandleEvent(ctx, event)
	return nil
}

// HandleEvent runs one provisioning cycle for the operation request carried
// by event.
//
// Every call to the registry, the store and the provider is bounded by
// CallTimeout. A provider failure, including a timeout, is recorded in the
// document as FailedWhileCreatingIdentity rather than returned.
//
// Parameters:
//   - ctx: Parent context of every collaborator call
//   - event: The delivered event, of any category
//
// Returns:
//   - The outcome, also counted in the events metric
func (h *Handler) HandleEvent(ctx context.Context, event api.Event) Outcome {
	outcome := h.handleEvent(ctx, event)
	h.metrics.events.WithLabelValues(outcome.String()).Inc()
	return outcome
}

func (h *Handler) handleEvent(ctx context.Context, event api.Event) Outcome {
	log := h.log.With(slog.String("eventID", event.ID))

	msg, err := event.OperationMessage()
	if err == nil {
		err = msg.ModuleRef().Validate()
		if err != nil {
			err = &api.MessageError{Reason: api.ReasonMissingIdentity, Err: err}
		}
	}
	if err != nil {
		h.discard(log, err)
		return OutcomeDiscarded
	}

	ref := msg.ModuleRef()
	op := msg.Body.OperationType
	log = log.With(slog.String("deviceId", ref.DeviceID), slog.String("moduleId", ref.ModuleID), slog.String("operation", string(op)))
	log.Info("Handling identity operation")

	module, err := h.getModule(ctx, ref)
	if errors.Is(err, interfaces.ErrModuleNotFound) {
		log.Error("Module info could not be loaded, dropping request", "err", err)
		return OutcomeModuleNotFound
	} else if err != nil {
		log.Error("Failed to look up module", "err", err)
		return OutcomeAborted
	}

	doc, etag, err := h.getTwin(ctx, ref)
	if err != nil {
		log.Error("Failed to read module twin", "err", err)
		return OutcomeAborted
	}

	inProgress := inProgressStatus(op)
	err = h.updateWithRetry(ctx, ref, doc, etag, func(d *twin.Document) (bool, error) {
		return true, d.StartCycle(inProgress)
	})
	if err != nil {
		log.Error("Failed to record operation start", "err", err)
		return OutcomeAborted
	}
	log.Debug("Module twin updated", slog.String("status", inProgress.String()))

	result := twin.StatusIdentityCreated
	cred, err := cryptoutils.DeriveCredential(module.PrimaryKey, ref.DeviceID, ref.ModuleID)
	if err != nil {
		log.Error("Failed to derive module credential", "err", err)
		cred.UserName, _ = cryptoutils.BuildUserName(ref.DeviceID, ref.ModuleID)
		result = twin.StatusFailedWhileCreatingIdentity
	} else {
		err = h.createUser(ctx, ref, cred)
		switch {
		case err == nil:
		case errors.Is(err, interfaces.ErrIdentityExists):
			log.Info("Identity already exists", slog.String("userName", cred.UserName))
		default:
			h.metrics.providerFailures.Inc()
			log.Error("Failed to create identity", "err", err, slog.String("userName", cred.UserName))
			result = twin.StatusFailedWhileCreatingIdentity
		}
	}

	err = h.updateWithRetry(ctx, ref, nil, "", func(d *twin.Document) (bool, error) {
		current := d.Status()
		if result == twin.StatusFailedWhileCreatingIdentity && current == twin.StatusIdentityCreated {
			log.Warn("Identity was created by another invocation, keeping it")
			return false, nil
		}
		if !current.IsInProgress() {
			if err := d.StartCycle(inProgress); err != nil {
				return false, err
			}
		}
		if err := d.Complete(result, cred.UserName); err != nil {
			return false, err
		}
		if h.cfg.PersistDiagnosticPassword && result == twin.StatusIdentityCreated {
			d.SetDiagnosticPassword(cred.Password)
		}
		return true, nil
	})
	if err != nil {
		log.Error("Failed to update module twin with operation result", "err", err, slog.String("status", result.String()))
		return OutcomeWriteFailed
	}

	log.Info("Identity operation completed", slog.String("status", result.String()))
	if result == twin.StatusIdentityCreated {
		return OutcomeIdentityCreated
	}
	return OutcomeIdentityFailed
}

func (h *Handler) discard(log *slog.Logger, err error) {
	reason := api.ReasonMalformed
	var msgErr *api.MessageError
	if errors.As(err, &msgErr) {
		reason = msgErr.Reason
	}
	h.metrics.discarded.WithLabelValues(reason).Inc()

	// Plain telemetry shares the channel with operation requests.
	if reason == api.ReasonNotOperation || reason == api.ReasonWrongCategory {
		log.Debug("Ignoring event", "err", err)
		return
	}
	log.Warn("Discarding invalid operation request", "err", err)
}

func inProgressStatus(op api.OperationType) twin.IdentityStatus {
	if op == api.OperationRefreshIdentity {
		return twin.StatusRefreshingIdentity
	}
	return twin.StatusCreatingIdentity
}

// updateWithRetry applies mutate to the document and writes it back with
// compare-and-write. The first attempt uses doc and etag when doc is not nil,
// every other attempt starts from a fresh read. mutate returning false skips
// the write.
func (h *Handler) updateWithRetry(ctx context.Context, ref interfaces.ModuleRef, doc *twin.Document, etag interfaces.ETag, mutate func(*twin.Document) (bool, error)) error {
	var lastErr error
	for attempt := 1; attempt <= h.cfg.MaxWriteAttempts; attempt++ {
		if doc == nil {
			var err error
			doc, etag, err = h.getTwin(ctx, ref)
			if err != nil {
				return err
			}
		}

		write, err := mutate(doc)
		if err != nil {
			return err
		}
		if !write {
			return nil
		}

		err = h.putTwin(ctx, ref, doc, etag)
		if err == nil {
			return nil
		}
		if !errors.Is(err, interfaces.ErrVersionConflict) {
			return err
		}

		h.metrics.conflicts.Inc()
		h.log.Debug("Twin changed concurrently, retrying", slog.String("module", ref.String()), slog.Int("attempt", attempt))
		lastErr = err
		doc = nil
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", h.cfg.MaxWriteAttempts, lastErr)
}

func (h *Handler) getModule(ctx context.Context, ref interfaces.ModuleRef) (*interfaces.ModuleRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.CallTimeout)
	defer cancel()
	return h.registry.GetModule(ctx, ref)
}

func (h *Handler) getTwin(ctx context.Context, ref interfaces.ModuleRef) (*twin.Document, interfaces.ETag, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.CallTimeout)
	defer cancel()
	return h.store.Get(ctx, ref)
}

func (h *Handler) putTwin(ctx context.Context, ref interfaces.ModuleRef, doc *twin.Document, etag interfaces.ETag) error {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.CallTimeout)
	defer cancel()
	_, err := h.store.Update(ctx, ref, doc, etag)
	return err
}

func (h *Handler) createUser(ctx context.Context, ref interfaces.ModuleRef, cred cryptoutils.Credential) error {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.CallTimeout)
	defer cancel()
	return h.provider.CreateUser(ctx, cred.UserName, cred.Password, ref.String())
}

// HandleEvents receives trigger deliveries.
//
// URL format: POST /api/events
//
// The body is an Event Grid array (or a single event), a structured
// CloudEvent, or a binary CloudEvent with Ce-* headers. A subscription
// validation event is answered with its validation code. Events are
// published to the event bus when one is configured (202 Accepted), and
// handled within the request otherwise (200 OK). Elements of a batch that
// do not decode are discarded as malformed without failing the delivery;
// only a body that is not JSON at all is answered with 400 Bad Request.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	events, invalid, err := h.readEvents(r)
	if err != nil {
		h.log.Error("Invalid event delivery", "err", err)
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Message: err.Error()})
		return
	}
	for _, err := range invalid {
		h.discard(h.log, err)
	}

	if validation, ok := subscriptionValidation(r, events); ok {
		var data api.SubscriptionValidationData
		if err := json.Unmarshal(validation.Data, &data); err != nil || data.ValidationCode == "" {
			h.log.Error("Invalid subscription validation event", "err", err)
			writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Message: "invalid subscription validation event"})
			return
		}
		h.log.Info("Answering subscription validation", slog.String("topic", validation.Topic))
		writeJSON(w, http.StatusOK, api.SubscriptionValidationResponse{ValidationResponse: data.ValidationCode})
		return
	}

	if h.publisher != nil {
		for _, event := range events {
			if err := h.publisher.PublishEvent(event); err != nil {
				h.log.Error("Failed to publish event", "err", err, slog.String("eventID", event.ID))
				writeJSON(w, http.StatusServiceUnavailable, api.ErrorResponse{Message: "could not accept events"})
				return
			}
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	for _, event := range events {
		h.HandleEvent(r.Context(), event)
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) readEvents(r *http.Request) ([]api.Event, []error, error) {
	contentType := r.Header.Get("Content-Type")
	if r.Header.Get(cloudEventsSpecHeader) != "" || strings.HasPrefix(contentType, cloudevents.ApplicationCloudEventsJSON) {
		ce, err := cloudevents.NewEventFromHTTPRequest(r)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid cloud event: %w", err)
		}
		return []api.Event{api.EventFromCloudEvent(*ce)}, nil, nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return api.ParseEvents(body)
}

func subscriptionValidation(r *http.Request, events []api.Event) (api.Event, bool) {
	for _, event := range events {
		if event.EventType == api.SubscriptionValidationEventType {
			return event, true
		}
	}
	if r.Header.Get(eventGridEventTypeHeader) == subscriptionValidationType && len(events) > 0 {
		return events[0], true
	}
	return api.Event{}, false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
