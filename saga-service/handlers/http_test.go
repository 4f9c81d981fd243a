package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/draftea/saga-engine/saga-service/application"
	"github.com/draftea/saga-engine/saga-service/domain"
	"github.com/draftea/saga-engine/saga-service/infrastructure"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*chi.Mux, *infrastructure.MemorySagaStore) {
	t.Helper()

	store := infrastructure.NewMemorySagaStore()

	registry := domain.NewRegistry()
	step := domain.StepDefinition{
		Name: "reserve",
		Execute: func(ctx context.Context, step domain.StepContext) (json.RawMessage, error) {
			return json.RawMessage(`{"reservation_id":"r-1"}`), nil
		},
		Compensate: func(ctx context.Context, step domain.StepContext) (json.RawMessage, error) {
			return nil, nil
		},
	}
	require.NoError(t, registry.Register("payment", step))

	policy := application.RetryPolicy{StepTimeout: time.Second, MaxAttempts: 1, BackoffBase: time.Millisecond}
	coordinator := application.NewSagaCoordinator(registry, store, nil, policy)

	handlers := NewSagaHandlers(
		application.NewStartSaga(coordinator),
		application.NewGetSaga(store),
	)

	router := chi.NewRouter()
	handlers.RegisterRoutes(router)
	return router, store
}

func TestSagaHandlers_StartSaga(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		idempotencyKey string
		expectedStatus int
	}{
		{
			name:           "valid request",
			body:           `{"saga_id":"saga-1","saga_type":"payment","input":{"amount":100}}`,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "saga id from idempotency header",
			body:           `{"saga_type":"payment","input":{"amount":100}}`,
			idempotencyKey: "saga-2",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "missing saga id",
			body:           `{"saga_type":"payment"}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "missing saga type",
			body:           `{"saga_id":"saga-3"}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "unknown saga type",
			body:           `{"saga_id":"saga-4","saga_type":"refund"}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "malformed body",
			body:           `{"saga_id":`,
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, _ := newTestRouter(t)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/sagas/", strings.NewReader(tt.body))
			if tt.idempotencyKey != "" {
				req.Header.Set("X-Idempotency-Key", tt.idempotencyKey)
			}
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)
			assert.Equal(t, tt.expectedStatus, rec.Code)

			if tt.expectedStatus == http.StatusOK {
				var response application.SagaResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
				assert.Equal(t, "completed", response.Status)
				assert.True(t, response.Steps["reserve"].Done)
			}
		})
	}
}

func TestSagaHandlers_StartSaga_Repeatable(t *testing.T) {
	router, _ := newTestRouter(t)
	body := `{"saga_id":"saga-1","saga_type":"payment","input":{"amount":100}}`

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sagas/", strings.NewReader(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)

		var response application.SagaResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
		assert.Equal(t, "saga-1", response.SagaID)
		assert.Equal(t, "completed", response.Status)
	}
}

func TestSagaHandlers_GetSaga(t *testing.T) {
	router, store := newTestRouter(t)

	saga, err := domain.StartSaga("saga-1", "payment", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, _, err = store.CreateIfAbsent(context.Background(), saga)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sagas/saga-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var response application.SagaResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "saga-1", response.SagaID)
	assert.Equal(t, "running", response.Status)
}

func TestSagaHandlers_GetSaga_NotFound(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sagas/missing", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
