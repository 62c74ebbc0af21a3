package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/mock"
)

type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) IncrementInFlight() { m.Called() }
func (m *MockRecorder) DecrementInFlight() { m.Called() }
func (m *MockRecorder) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.Called(method, path, status, duration)
}

func TestMetricsUsesRouteTemplate(t *testing.T) {
	rec := new(MockRecorder)
	rec.On("IncrementInFlight").Once()
	rec.On("DecrementInFlight").Once()
	rec.On("RecordHTTPRequest", http.MethodGet, "/api/v1/positions/{id}", http.StatusNotFound, mock.Anything).Once()

	r := mux.NewRouter()
	r.Use(Metrics(rec))
	r.HandleFunc("/api/v1/positions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}).Methods(http.MethodGet)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/positions/abc", nil))
	rec.AssertExpectations(t)
}
