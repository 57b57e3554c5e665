// Package handler exposes the queue administration API over HTTP.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/obot-platform/leadqueue/server/internal/events"
	"github.com/obot-platform/leadqueue/server/internal/logger"
	"github.com/obot-platform/leadqueue/server/internal/service"
	"github.com/obot-platform/leadqueue/server/internal/store"
)

// msgNoAvailableAgent is the only failure detail assign callers ever see
// for engine-side problems.
const msgNoAvailableAgent = "no available agent"

// retryAfterSeconds is sent with 503 responses when a unit is busy.
const retryAfterSeconds = "1"

// Handler contains all HTTP handlers
type Handler struct {
	distribution *service.DistributionService
	rotation     *service.RotationService
	absence      *service.AbsenceService
	eventBroker  *events.Broker
	validate     *validator.Validate
	log          *zap.Logger
}

// New creates a new Handler. eventBroker may be nil, in which case the
// events stream reports 503.
func New(distribution *service.DistributionService, rotation *service.RotationService, absence *service.AbsenceService, eventBroker *events.Broker, log *zap.Logger) *Handler {
	v := validator.New()
	// Report fields by their JSON names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})

	return &Handler{
		distribution: distribution,
		rotation:     rotation,
		absence:      absence,
		eventBroker:  eventBroker,
		validate:     v,
		log:          logger.OrNop(log).Named("handler"),
	}
}

// JSON helper to write JSON responses
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Error helper to write error responses
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// DecodeJSON decodes the request body into v and validates its struct tags.
func (h *Handler) DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := h.validate.Struct(v); err != nil {
		return errors.New(validationMessage(err))
	}
	return nil
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must have at least %s item(s)", fe.Field(), fe.Param()))
		case "unique":
			msgs = append(msgs, fe.Field()+" must not contain duplicates")
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

// serviceError maps a service error to its HTTP status. Storage failures
// are logged and reported without detail.
func (h *Handler) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrInvalidArgument):
		h.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrNoEligibleAgent):
		h.Error(w, http.StatusConflict, msgNoAvailableAgent)
	case errors.Is(err, service.ErrTimeout):
		w.Header().Set("Retry-After", retryAfterSeconds)
		h.Error(w, http.StatusServiceUnavailable, "unit is busy, retry later")
	default:
		h.log.Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		h.Error(w, http.StatusInternalServerError, "internal error")
	}
}

// assignError is serviceError for the assign endpoint. Engine-side
// failures all read "no available agent".
func (h *Handler) assignError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrInvalidArgument), errors.Is(err, service.ErrNoEligibleAgent):
		h.serviceError(w, r, err)
	case errors.Is(err, service.ErrTimeout):
		w.Header().Set("Retry-After", retryAfterSeconds)
		h.Error(w, http.StatusServiceUnavailable, msgNoAvailableAgent)
	default:
		h.log.Error("assign failed", zap.String("path", r.URL.Path), zap.Error(err))
		h.Error(w, http.StatusInternalServerError, msgNoAvailableAgent)
	}
}
