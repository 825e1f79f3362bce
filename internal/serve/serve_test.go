package serve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tensorgrid/tensorgrid-backend/db"
	"github.com/tensorgrid/tensorgrid-backend/db/dbtest"
	"github.com/tensorgrid/tensorgrid-backend/internal/data"
	"github.com/tensorgrid/tensorgrid-backend/internal/dispatch"
	"github.com/tensorgrid/tensorgrid-backend/internal/engine"
	"github.com/tensorgrid/tensorgrid-backend/internal/monitor"
	"github.com/tensorgrid/tensorgrid-backend/pkg/auth"
)

// newTestServeOptions wires ServeOptions against a throwaway database,
// bypassing SetupDependencies so tests control the pool lifecycle.
func newTestServeOptions(t *testing.T) ServeOptions {
	t.Helper()

	dbt := dbtest.Open(t)
	t.Cleanup(func() { dbt.Close() })
	dbConnectionPool, err := db.OpenDBConnectionPool(dbt.DSN)
	require.NoError(t, err)
	t.Cleanup(func() { dbConnectionPool.Close() })

	models, err := data.NewModels(dbConnectionPool)
	require.NoError(t, err)

	authManager, err := createAuthManager(dbConnectionPool, "jwt-test-secret", "tensorgrid-test", "tensorgrid-api", 15)
	require.NoError(t, err)

	monitorService := &monitor.MockMonitorService{}
	monitorService.On("MonitorHttpRequestDuration", mock.Anything, mock.Anything).Return(nil).Maybe()

	ledger, err := engine.NewLedger(models, engine.DefaultRequestorMarginRatio)
	require.NoError(t, err)
	assignmentEngine, err := engine.NewAssignmentEngine(engine.AssignmentEngineOptions{Models: models})
	require.NoError(t, err)
	lifecycleEngine, err := engine.NewLifecycleEngine(engine.LifecycleEngineOptions{Models: models, Ledger: ledger})
	require.NoError(t, err)

	registry, err := dispatch.NewRegistry(models, nil)
	require.NoError(t, err)
	hub, err := dispatch.NewHub(dispatch.HubOptions{
		Registry:         registry,
		AssignmentEngine: assignmentEngine,
		LifecycleEngine:  lifecycleEngine,
		TokenVerifier:    authTokenVerifier{authManager: authManager},
	})
	require.NoError(t, err)

	return ServeOptions{
		Environment:      "test",
		Version:          "0.0.0-test",
		GitCommit:        "deadbeef",
		MonitorService:   monitorService,
		Models:           models,
		dbConnectionPool: dbConnectionPool,
		authManager:      authManager,
		assignmentEngine: assignmentEngine,
		lifecycleEngine:  lifecycleEngine,
		dispatchHub:      hub,
	}
}

func Test_handleHTTP_Health(t *testing.T) {
	opts := newTestServeOptions(t)
	mux := handleHTTP(opts)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "pass", body["status"])
	assert.Equal(t, "0.0.0-test", body["version"])
	assert.Equal(t, "deadbeef", body["release_id"])
}

func Test_handleHTTP_authenticatedRoutesRejectAnonymousCallers(t *testing.T) {
	opts := newTestServeOptions(t)
	mux := handleHTTP(opts)

	for _, route := range []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/tasks/create"},
		{http.MethodGet, "/api/tasks/my-tasks"},
		{http.MethodGet, "/api/tasks/some-id/subtasks"},
		{http.MethodGet, "/api/exports/earnings"},
		{http.MethodGet, "/api/exports/withdrawals"},
		{http.MethodPost, "/api/api-keys/"},
		{http.MethodPost, "/api/auth/refresh-token"},
	} {
		t.Run(fmt.Sprintf("%s %s", route.method, route.path), func(t *testing.T) {
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, httptest.NewRequest(route.method, route.path, nil))
			assert.Equal(t, http.StatusUnauthorized, rr.Code)
		})
	}
}

func Test_handleHTTP_loginAndRefresh(t *testing.T) {
	opts := newTestServeOptions(t)
	mux := handleHTTP(opts)
	ctx := context.Background()

	_, err := opts.authManager.CreateUser(ctx, &auth.User{Email: "requestor@tensorgrid.test"}, "correct-horse-battery")
	require.NoError(t, err)

	t.Run("wrong credentials are rejected", func(t *testing.T) {
		body := bytes.NewBufferString(`{"email":"requestor@tensorgrid.test","password":"wrong"}`)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/auth/login", body))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	var token string
	t.Run("valid credentials yield a token", func(t *testing.T) {
		body := bytes.NewBufferString(`{"email":"requestor@tensorgrid.test","password":"correct-horse-battery"}`)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/auth/login", body))
		require.Equal(t, http.StatusOK, rr.Code)

		var resp map[string]string
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		token = resp["token"]
		require.NotEmpty(t, token)
	})

	t.Run("the token refreshes", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/refresh-token", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp map[string]string
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp["token"])
	})
}

func Test_handleHTTP_taskIntakeWithAPIKey(t *testing.T) {
	opts := newTestServeOptions(t)
	mux := handleHTTP(opts)
	ctx := context.Background()

	requestor := data.CreateUserFixture(t, ctx, opts.dbConnectionPool, decimal.NewFromInt(100))
	apiKey, err := opts.Models.APIKeys.Insert(ctx, requestor.ID, "intake", nil)
	require.NoError(t, err)

	authedRequest := func(method, path string, body *bytes.Buffer) *http.Request {
		if body == nil {
			body = &bytes.Buffer{}
		}
		req := httptest.NewRequest(method, path, body)
		req.Header.Set("Authorization", "Bearer "+apiKey.Key)
		return req
	}

	var taskID string
	t.Run("create a task with subtasks", func(t *testing.T) {
		body := bytes.NewBufferString(`{
			"type": "INFERENCE",
			"model_uri": "s3://tensorgrid-models/models/resnet50.onnx",
			"subtasks": [
				{"parameters": {"shard": 0}, "cost_usd": "0.25"},
				{"parameters": {"shard": 1}, "cost_usd": "0.25"}
			]
		}`)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, authedRequest(http.MethodPost, "/api/tasks/create", body))
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

		var resp struct {
			Task     data.Task      `json:"task"`
			Subtasks []data.Subtask `json:"subtasks"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		taskID = resp.Task.ID
		assert.Equal(t, data.PendingTaskStatus, resp.Task.Status)
		require.Len(t, resp.Subtasks, 2)
		assert.Equal(t, data.PendingSubtaskStatus, resp.Subtasks[0].Status)
	})

	t.Run("invalid task type is rejected", func(t *testing.T) {
		body := bytes.NewBufferString(`{"type": "RENDER"}`)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, authedRequest(http.MethodPost, "/api/tasks/create", body))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("my-tasks lists the created task", func(t *testing.T) {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, authedRequest(http.MethodGet, "/api/tasks/my-tasks", nil))
		require.Equal(t, http.StatusOK, rr.Code)

		var resp struct {
			Pagination struct {
				Total int `json:"total"`
			} `json:"pagination"`
			Data []data.Task `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Pagination.Total)
		require.Len(t, resp.Data, 1)
		assert.Equal(t, taskID, resp.Data[0].ID)
	})

	t.Run("subtask view is owner-scoped", func(t *testing.T) {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, authedRequest(http.MethodGet, "/api/tasks/"+taskID+"/subtasks", nil))
		require.Equal(t, http.StatusOK, rr.Code)

		var resp struct {
			Subtasks []data.Subtask `json:"subtasks"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Len(t, resp.Subtasks, 2)

		// another user's key sees the task as missing
		other := data.CreateUserFixture(t, ctx, opts.dbConnectionPool, decimal.Zero)
		otherKey, err := opts.Models.APIKeys.Insert(ctx, other.ID, "other", nil)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/api/tasks/"+taskID+"/subtasks", nil)
		req.Header.Set("Authorization", "Bearer "+otherKey.Key)
		rr = httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("exports stream CSV", func(t *testing.T) {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, authedRequest(http.MethodGet, "/api/exports/earnings", nil))
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "text/csv", rr.Header().Get("Content-Type"))
	})
}

func Test_handleHTTP_apiKeyManagement(t *testing.T) {
	opts := newTestServeOptions(t)
	mux := handleHTTP(opts)
	ctx := context.Background()

	user, err := opts.authManager.CreateUser(ctx, &auth.User{Email: "keys@tensorgrid.test"}, "correct-horse-battery")
	require.NoError(t, err)
	_ = user

	token, err := opts.authManager.Authenticate(ctx, "keys@tensorgrid.test", "correct-horse-battery")
	require.NoError(t, err)

	var keyID string
	t.Run("create", func(t *testing.T) {
		body := bytes.NewBufferString(`{"name": "ci"}`)
		req := httptest.NewRequest(http.MethodPost, "/api/api-keys/", body)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

		var created data.APIKey
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
		keyID = created.ID
		assert.NotEmpty(t, created.Key)
	})

	t.Run("list and delete", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/api-keys/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)

		var listed []data.APIKey
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &listed))
		require.Len(t, listed, 1)
		assert.Empty(t, listed[0].Key)

		req = httptest.NewRequest(http.MethodDelete, "/api/api-keys/"+keyID, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr = httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusNoContent, rr.Code)
	})
}
