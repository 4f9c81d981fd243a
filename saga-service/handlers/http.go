package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/draftea/saga-engine/saga-service/application"
	"github.com/draftea/saga-engine/saga-service/domain"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

// SagaHandlers contains saga HTTP handlers
type SagaHandlers struct {
	startSaga *application.StartSaga
	getSaga   *application.GetSaga
}

// NewSagaHandlers creates new saga handlers
func NewSagaHandlers(startSaga *application.StartSaga, getSaga *application.GetSaga) *SagaHandlers {
	return &SagaHandlers{
		startSaga: startSaga,
		getSaga:   getSaga,
	}
}

// StartSaga handles saga start requests. Retrying the same request is safe:
// the saga id (from the body or the X-Idempotency-Key header) pins the
// request to one saga, and duplicates resume instead of restarting.
func (h *SagaHandlers) StartSaga(w http.ResponseWriter, r *http.Request) {
	var cmd application.StartSagaCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if cmd.SagaID == "" {
		cmd.SagaID = r.Header.Get("X-Idempotency-Key")
	}

	response, err := h.startSaga.Execute(r.Context(), &cmd)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownSagaType) || isValidationError(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// GetSaga handles saga retrieval requests
func (h *SagaHandlers) GetSaga(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, "id")
	if sagaID == "" {
		http.Error(w, "Saga ID is required", http.StatusBadRequest)
		return
	}

	query := &application.GetSagaQuery{SagaID: sagaID}

	response, err := h.getSaga.Execute(r.Context(), query)
	if err != nil {
		if errors.Is(err, domain.ErrSagaNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// isValidationError reports whether the start saga use case rejected the
// request before touching the store
func isValidationError(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "invalid command") || strings.HasPrefix(msg, "invalid saga ID")
}

// RegisterRoutes registers saga routes
func (h *SagaHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sagas", func(r chi.Router) {
			r.Post("/", h.StartSaga)
			r.Get("/{id}", h.GetSaga)
		})
	})
}
