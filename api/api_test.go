package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/blnkfinance/rebalancer"
	"github.com/blnkfinance/rebalancer/api/middleware"
	"github.com/blnkfinance/rebalancer/config"
	"github.com/blnkfinance/rebalancer/database"
	"github.com/blnkfinance/rebalancer/database/mocks"
	"github.com/blnkfinance/rebalancer/model"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	summary rebalancer.PublishSummary
	err     error
	runs    []*model.Run
}

func (f *fakePublisher) PublishRun(_ context.Context, run *model.Run) (rebalancer.PublishSummary, error) {
	f.runs = append(f.runs, run)
	return f.summary, f.err
}

type TestRequest struct {
	Payload  []byte
	Router   *gin.Engine
	Response interface{}
	Method   string
	Route    string
	Auth     string
}

func SetUpTestRequest(s TestRequest) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(s.Method, s.Route, bytes.NewReader(s.Payload))
	req.Header.Set("Content-Type", "application/json")
	if s.Auth != "" {
		req.Header.Set(middleware.KeyHeader, s.Auth)
	}
	resp := httptest.NewRecorder()
	s.Router.ServeHTTP(resp, req)

	if s.Response != nil {
		if err := json.NewDecoder(resp.Body).Decode(s.Response); err != nil {
			return resp, err
		}
	}
	return resp, nil
}

func setupRouter(publisher RunPublisher, executions ExecutionReader) *gin.Engine {
	conf := &config.Configuration{
		ProjectName:   "rebalancer-test",
		Observability: config.ObservabilityConfig{SecretKey: "ops-key"},
	}
	return NewAPI(conf, publisher, executions).Router()
}

func validRun() model.Run {
	now := time.Now().UTC()
	return model.Run{
		RunID:       "run_1",
		Module:      model.ModuleAllocation,
		GeneratedAt: now,
		ExpiresAt:   now.Add(time.Hour),
		Users:       []model.UserRecommendations{{UserID: "usr_1"}, {UserID: "usr_2"}},
	}
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	router := setupRouter(&fakePublisher{}, new(mocks.MockDataSource))

	var body map[string]string
	resp, err := SetUpTestRequest(TestRequest{Router: router, Method: http.MethodGet, Route: "/healthz", Response: &body})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "ok", body["status"])

	resp, err = SetUpTestRequest(TestRequest{Router: router, Method: http.MethodGet, Route: "/metrics"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "rebalancer_")
}

func TestPublishRun(t *testing.T) {
	publisher := &fakePublisher{summary: rebalancer.PublishSummary{RunID: "run_1", Published: 2}}
	router := setupRouter(publisher, new(mocks.MockDataSource))
	payload, err := json.Marshal(validRun())
	require.NoError(t, err)

	var summary rebalancer.PublishSummary
	resp, err := SetUpTestRequest(TestRequest{
		Router: router, Method: http.MethodPost, Route: "/runs",
		Payload: payload, Auth: "ops-key", Response: &summary,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.Code)
	assert.Equal(t, 2, summary.Published)
	require.Len(t, publisher.runs, 1)
	assert.Len(t, publisher.runs[0].Users, 2)
}

func TestPublishRun_Errors(t *testing.T) {
	invalid := validRun()
	invalid.Users = nil
	invalidPayload, _ := json.Marshal(invalid)
	validPayload, _ := json.Marshal(validRun())

	tests := []struct {
		name         string
		publisher    *fakePublisher
		payload      []byte
		auth         string
		expectedCode int
	}{
		{name: "missing key", publisher: &fakePublisher{}, payload: validPayload, expectedCode: http.StatusUnauthorized},
		{name: "bad json", publisher: &fakePublisher{}, payload: []byte("{"), auth: "ops-key", expectedCode: http.StatusBadRequest},
		{name: "no users", publisher: &fakePublisher{}, payload: invalidPayload, auth: "ops-key", expectedCode: http.StatusBadRequest},
		{name: "schedule busy", publisher: &fakePublisher{summary: rebalancer.PublishSummary{Skipped: true}}, payload: validPayload, auth: "ops-key", expectedCode: http.StatusConflict},
		{name: "queue down", publisher: &fakePublisher{err: errors.New("redis down")}, payload: validPayload, auth: "ops-key", expectedCode: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := setupRouter(tt.publisher, new(mocks.MockDataSource))
			resp, err := SetUpTestRequest(TestRequest{
				Router: router, Method: http.MethodPost, Route: "/runs",
				Payload: tt.payload, Auth: tt.auth,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.expectedCode, resp.Code)
		})
	}
}

func TestGetExecution(t *testing.T) {
	ds := new(mocks.MockDataSource)
	key := model.ExecutionKey{Module: model.ModuleRisk, UserID: "usr_1", MessageKey: "run_1:usr_1"}
	ds.On("GetExecution", mock.Anything, key).Return(&model.ExecutionEntry{
		Module: key.Module, MessageKey: key.MessageKey, UserID: key.UserID,
		Status: model.ExecutionSucceeded, AttemptCount: 1,
	}, nil)
	missing := model.ExecutionKey{Module: model.ModuleRisk, UserID: "usr_2", MessageKey: "run_1:usr_2"}
	ds.On("GetExecution", mock.Anything, missing).Return(nil, database.ErrExecutionNotFound)

	router := setupRouter(&fakePublisher{}, ds)

	var entry model.ExecutionEntry
	resp, err := SetUpTestRequest(TestRequest{
		Router: router, Method: http.MethodGet, Route: "/executions/risk/usr_1/run_1:usr_1",
		Auth: "ops-key", Response: &entry,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, model.ExecutionSucceeded, entry.Status)

	resp, err = SetUpTestRequest(TestRequest{
		Router: router, Method: http.MethodGet, Route: "/executions/risk/usr_2/run_1:usr_2",
		Auth: "ops-key",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Code)
	ds.AssertExpectations(t)
}
