package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorgrid/tensorgrid-backend/db"
	"github.com/tensorgrid/tensorgrid-backend/db/dbtest"
	"github.com/tensorgrid/tensorgrid-backend/internal/data"
	"github.com/tensorgrid/tensorgrid-backend/internal/engine"
)

// staticTokenVerifier resolves tokens from a fixed map.
type staticTokenVerifier map[string]string

func (v staticTokenVerifier) VerifyUserID(_ context.Context, token string) (string, error) {
	userID, ok := v[token]
	if !ok {
		return "", errors.New("unknown token")
	}
	return userID, nil
}

func openTestPool(t *testing.T) db.DBConnectionPool {
	t.Helper()

	dbt := dbtest.Open(t)
	t.Cleanup(dbt.Close)

	dbConnectionPool, err := db.OpenDBConnectionPool(dbt.DSN)
	require.NoError(t, err)
	t.Cleanup(func() { dbConnectionPool.Close() })

	return dbConnectionPool
}

func newTestHub(t *testing.T, models *data.Models, tokenVerifier TokenVerifier) (*Hub, *Registry) {
	t.Helper()

	registry, err := NewRegistry(models, nil)
	require.NoError(t, err)

	assignmentEngine, err := engine.NewAssignmentEngine(engine.AssignmentEngineOptions{
		Models:            models,
		HeartbeatInterval: 5 * time.Minute,
	})
	require.NoError(t, err)

	ledger, err := engine.NewLedger(models, engine.DefaultRequestorMarginRatio)
	require.NoError(t, err)
	lifecycleEngine, err := engine.NewLifecycleEngine(engine.LifecycleEngineOptions{
		Models:            models,
		Ledger:            ledger,
		HeartbeatInterval: 5 * time.Minute,
	})
	require.NoError(t, err)

	hub, err := NewHub(HubOptions{
		Registry:         registry,
		AssignmentEngine: assignmentEngine,
		LifecycleEngine:  lifecycleEngine,
		TokenVerifier:    tokenVerifier,
	})
	require.NoError(t, err)

	return hub, registry
}

func dialDispatch(t *testing.T, serverURL, token, deviceID string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "?deviceId=" + deviceID
	header := http.Header{"Authorization": []string{"Bearer " + token}}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })

	return conn
}

// readEnvelope reads the next envelope with a bounded wait.
func readEnvelope(t *testing.T, conn *websocket.Conn) *Envelope {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var envelope Envelope
	require.NoError(t, conn.ReadJSON(&envelope))

	return &envelope
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, method string, args ...interface{}) {
	t.Helper()

	envelope, err := NewEnvelope(method, args...)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(envelope))
}

func Test_Hub_ServeHTTP_rejectsUnauthenticatedConnections(t *testing.T) {
	dbConnectionPool := openTestPool(t)
	models, err := data.NewModels(dbConnectionPool)
	require.NoError(t, err)

	hub, _ := newTestHub(t, models, staticTokenVerifier{"good-token": "user-1"})
	server := httptest.NewServer(hub)
	defer server.Close()

	testCases := []struct {
		name           string
		url            string
		authHeader     string
		wantStatusCode int
	}{
		{name: "missing token", url: server.URL + "?deviceId=dev-1", wantStatusCode: http.StatusUnauthorized},
		{name: "invalid token", url: server.URL + "?deviceId=dev-1", authHeader: "Bearer bad-token", wantStatusCode: http.StatusUnauthorized},
		{name: "missing device ID", url: server.URL, authHeader: "Bearer good-token", wantStatusCode: http.StatusBadRequest},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, tc.url, nil)
			require.NoError(t, err)
			if tc.authHeader != "" {
				req.Header.Set("Authorization", tc.authHeader)
			}

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tc.wantStatusCode, resp.StatusCode)
		})
	}
}

func Test_Hub_executionRoundtrip(t *testing.T) {
	dbConnectionPool := openTestPool(t)
	models, err := data.NewModels(dbConnectionPool)
	require.NoError(t, err)
	ctx := context.Background()
	defer data.DeleteAllFixtures(t, ctx, dbConnectionPool)

	requestor := data.CreateUserFixture(t, ctx, dbConnectionPool, decimal.NewFromInt(100))
	provider := data.CreateUserFixture(t, ctx, dbConnectionPool, decimal.Zero)
	task := data.CreateTaskFixture(t, ctx, dbConnectionPool, requestor.ID, data.InferenceTaskType, false)
	subtask := data.CreateSubtaskFixture(t, ctx, dbConnectionPool, task.ID, decimal.NewFromFloat(0.25))

	hub, registry := newTestHub(t, models, staticTokenVerifier{"provider-token": provider.ID})
	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dialDispatch(t, server.URL, "provider-token", "dev-roundtrip")
	require.Eventually(t, func() bool { return registry.ConnectedCount() == 1 }, 5*time.Second, 20*time.Millisecond)

	// Joining pulls the pending subtask and pushes it down the channel.
	writeEnvelope(t, conn, MethodJoinAvailableTasks, JoinPayload{
		HardwareCapabilities: data.DeviceCapabilities{CPUTops: 4, GPUTops: 80, RAMGB: 32},
	})

	envelope := readEnvelope(t, conn)
	require.Equal(t, MethodOnExecutionRequested, envelope.Method)

	var request ExecutionRequest
	require.NoError(t, envelope.Arg(0, &request))
	assert.Equal(t, subtask.ID, request.Subtask.ID)
	assert.Equal(t, task.ID, request.Subtask.TaskID)
	assert.JSONEq(t, `{"bindings": []}`, string(request.Subtask.ParametersJSON))
	// Without a signer the stored model URI is pushed as-is.
	assert.Equal(t, *task.ModelURI, request.Subtask.OnnxModel.ReadURI)

	claimed := data.GetSubtaskFixture(t, ctx, dbConnectionPool, subtask.ID)
	assert.Equal(t, data.ExecutingSubtaskStatus, claimed.Status)
	require.NotNil(t, claimed.ProviderUserID)
	assert.Equal(t, provider.ID, *claimed.ProviderUserID)

	// The join also stored the device's hardware description.
	device, err := models.Devices.Get(ctx, dbConnectionPool, "dev-roundtrip")
	require.NoError(t, err)
	assert.Equal(t, 80.0, device.Capabilities.GPUTops)
	require.NotNil(t, device.SessionID)

	writeEnvelope(t, conn, MethodAcknowledgeExecutionStart, subtask.ID)
	writeEnvelope(t, conn, MethodReportProgress, subtask.ID, 50.0)
	writeEnvelope(t, conn, MethodSubmitResult, subtask.ID,
		json.RawMessage(`{"outputs":[],"metrics":{"durationSeconds":3.5,"device":"gpu"}}`))

	require.Eventually(t, func() bool {
		completed := data.GetSubtaskFixture(t, ctx, dbConnectionPool, subtask.ID)
		return completed.Status == data.CompletedSubtaskStatus
	}, 5*time.Second, 20*time.Millisecond)

	providerBalance := data.GetUserBalanceFixture(t, ctx, dbConnectionPool, provider.ID)
	assert.True(t, providerBalance.Equal(decimal.NewFromFloat(0.25)), "provider balance is %s", providerBalance)

	eventTypes := data.TimelineEventTypesFixture(t, ctx, dbConnectionPool, subtask.ID)
	assert.Equal(t, []data.TimelineEventType{
		data.AssignmentTimelineEvent,
		data.ExecutionAcknowledgedTimelineEvent,
		data.ProgressTimelineEvent,
		data.CompletionTimelineEvent,
	}, eventTypes)
}

func Test_Hub_resultIsFollowedByTheNextOffer(t *testing.T) {
	dbConnectionPool := openTestPool(t)
	models, err := data.NewModels(dbConnectionPool)
	require.NoError(t, err)
	ctx := context.Background()
	defer data.DeleteAllFixtures(t, ctx, dbConnectionPool)

	requestor := data.CreateUserFixture(t, ctx, dbConnectionPool, decimal.NewFromInt(100))
	provider := data.CreateUserFixture(t, ctx, dbConnectionPool, decimal.Zero)
	task := data.CreateTaskFixture(t, ctx, dbConnectionPool, requestor.ID, data.InferenceTaskType, false)
	first := data.CreateSubtaskFixture(t, ctx, dbConnectionPool, task.ID, decimal.NewFromFloat(0.10))
	second := data.CreateSubtaskFixture(t, ctx, dbConnectionPool, task.ID, decimal.NewFromFloat(0.10))
	data.BackdateSubtaskCreationFixture(t, ctx, dbConnectionPool, first.ID, time.Minute)

	hub, _ := newTestHub(t, models, staticTokenVerifier{"provider-token": provider.ID})
	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dialDispatch(t, server.URL, "provider-token", "dev-chained")

	writeEnvelope(t, conn, MethodJoinAvailableTasks)
	envelope := readEnvelope(t, conn)
	require.Equal(t, MethodOnExecutionRequested, envelope.Method)
	var request ExecutionRequest
	require.NoError(t, envelope.Arg(0, &request))
	require.Equal(t, first.ID, request.Subtask.ID)

	// Submitting the result frees the device, and the hub pushes the next
	// claimable subtask without waiting for another join.
	writeEnvelope(t, conn, MethodSubmitResult, first.ID, json.RawMessage(`{"outputs":[]}`))

	envelope = readEnvelope(t, conn)
	require.Equal(t, MethodOnExecutionRequested, envelope.Method)
	require.NoError(t, envelope.Arg(0, &request))
	assert.Equal(t, second.ID, request.Subtask.ID)

	claimed := data.GetSubtaskFixture(t, ctx, dbConnectionPool, second.ID)
	assert.Equal(t, data.ExecutingSubtaskStatus, claimed.Status)
	require.NotNil(t, claimed.ProviderUserID)
	assert.Equal(t, provider.ID, *claimed.ProviderUserID)
}

func Test_Hub_failedResultRequeuesTheSubtask(t *testing.T) {
	dbConnectionPool := openTestPool(t)
	models, err := data.NewModels(dbConnectionPool)
	require.NoError(t, err)
	ctx := context.Background()
	defer data.DeleteAllFixtures(t, ctx, dbConnectionPool)

	requestor := data.CreateUserFixture(t, ctx, dbConnectionPool, decimal.NewFromInt(100))
	provider := data.CreateUserFixture(t, ctx, dbConnectionPool, decimal.Zero)
	// A second active provider keeps the subtask reassignable.
	data.CreateUserFixture(t, ctx, dbConnectionPool, decimal.Zero)
	task := data.CreateTaskFixture(t, ctx, dbConnectionPool, requestor.ID, data.InferenceTaskType, false)
	subtask := data.CreateSubtaskFixture(t, ctx, dbConnectionPool, task.ID, decimal.NewFromFloat(0.10))

	hub, _ := newTestHub(t, models, staticTokenVerifier{"provider-token": provider.ID})
	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dialDispatch(t, server.URL, "provider-token", "dev-failure")

	writeEnvelope(t, conn, MethodJoinAvailableTasks)
	envelope := readEnvelope(t, conn)
	require.Equal(t, MethodOnExecutionRequested, envelope.Method)

	writeEnvelope(t, conn, MethodFailedResult, subtask.ID,
		json.RawMessage(`{"error":"ORT session crashed"}`))

	require.Eventually(t, func() bool {
		failed := data.GetSubtaskFixture(t, ctx, dbConnectionPool, subtask.ID)
		return failed.Status == data.PendingSubtaskStatus && failed.RequiresReassignment
	}, 5*time.Second, 20*time.Millisecond)

	requeued := data.GetSubtaskFixture(t, ctx, dbConnectionPool, subtask.ID)
	assert.Nil(t, requeued.ProviderUserID)
	require.NotNil(t, requeued.FailureReason)
	assert.Equal(t, "ORT session crashed", *requeued.FailureReason)
}

func Test_Hub_disconnectFailsOverActiveSubtasks(t *testing.T) {
	dbConnectionPool := openTestPool(t)
	models, err := data.NewModels(dbConnectionPool)
	require.NoError(t, err)
	ctx := context.Background()
	defer data.DeleteAllFixtures(t, ctx, dbConnectionPool)

	requestor := data.CreateUserFixture(t, ctx, dbConnectionPool, decimal.NewFromInt(100))
	provider := data.CreateUserFixture(t, ctx, dbConnectionPool, decimal.Zero)
	// A second active provider keeps the subtask reassignable.
	data.CreateUserFixture(t, ctx, dbConnectionPool, decimal.Zero)
	task := data.CreateTaskFixture(t, ctx, dbConnectionPool, requestor.ID, data.InferenceTaskType, false)
	subtask := data.CreateSubtaskFixture(t, ctx, dbConnectionPool, task.ID, decimal.NewFromFloat(0.10))

	hub, registry := newTestHub(t, models, staticTokenVerifier{"provider-token": provider.ID})
	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dialDispatch(t, server.URL, "provider-token", "dev-vanishing")

	writeEnvelope(t, conn, MethodJoinAvailableTasks)
	envelope := readEnvelope(t, conn)
	require.Equal(t, MethodOnExecutionRequested, envelope.Method)

	conn.Close()

	require.Eventually(t, func() bool {
		requeued := data.GetSubtaskFixture(t, ctx, dbConnectionPool, subtask.ID)
		return requeued.Status == data.PendingSubtaskStatus && requeued.RequiresReassignment
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, registry.ConnectedCount())

	requeued := data.GetSubtaskFixture(t, ctx, dbConnectionPool, subtask.ID)
	require.NotNil(t, requeued.FailureReason)
	assert.Equal(t, engine.DisconnectFailureReason, *requeued.FailureReason)

	eventTypes := data.TimelineEventTypesFixture(t, ctx, dbConnectionPool, subtask.ID)
	assert.Contains(t, eventTypes, data.DeviceDisconnectionFailureTimelineEvent)
	assert.Contains(t, eventTypes, data.ReassignmentRequestedTimelineEvent)

	device, err := models.Devices.Get(ctx, dbConnectionPool, "dev-vanishing")
	require.NoError(t, err)
	assert.Nil(t, device.SessionID)
}

func Test_Hub_reconnectSupersedesThePreviousSession(t *testing.T) {
	dbConnectionPool := openTestPool(t)
	models, err := data.NewModels(dbConnectionPool)
	require.NoError(t, err)
	ctx := context.Background()
	defer data.DeleteAllFixtures(t, ctx, dbConnectionPool)

	provider := data.CreateUserFixture(t, ctx, dbConnectionPool, decimal.Zero)

	hub, registry := newTestHub(t, models, staticTokenVerifier{"provider-token": provider.ID})
	server := httptest.NewServer(hub)
	defer server.Close()

	first := dialDispatch(t, server.URL, "provider-token", "dev-flapping")
	require.Eventually(t, func() bool { return registry.ConnectedCount() == 1 }, 5*time.Second, 20*time.Millisecond)
	firstSession := registry.Get("dev-flapping")
	require.NotNil(t, firstSession)

	second := dialDispatch(t, server.URL, "provider-token", "dev-flapping")
	defer second.Close()

	// The first connection gets closed by the supersede; its stale detach
	// must not clear the new session.
	require.Eventually(t, func() bool {
		current := registry.Get("dev-flapping")
		return current != nil && current.ID != firstSession.ID
	}, 5*time.Second, 20*time.Millisecond)
	first.Close()

	assert.Eventually(t, func() bool {
		device, getErr := models.Devices.Get(ctx, dbConnectionPool, "dev-flapping")
		if getErr != nil || device.SessionID == nil {
			return false
		}
		current := registry.Get("dev-flapping")
		return current != nil && *device.SessionID == current.ID
	}, 5*time.Second, 20*time.Millisecond, "the superseding session must stay attached")
}

func Test_Hub_refusesADeviceRegisteredToAnotherUser(t *testing.T) {
	dbConnectionPool := openTestPool(t)
	models, err := data.NewModels(dbConnectionPool)
	require.NoError(t, err)
	ctx := context.Background()
	defer data.DeleteAllFixtures(t, ctx, dbConnectionPool)

	owner := data.CreateUserFixture(t, ctx, dbConnectionPool, decimal.Zero)
	intruder := data.CreateUserFixture(t, ctx, dbConnectionPool, decimal.Zero)
	device := data.CreateDeviceFixture(t, ctx, dbConnectionPool, owner.ID)

	hub, registry := newTestHub(t, models, staticTokenVerifier{"intruder-token": intruder.ID})
	server := httptest.NewServer(hub)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "?deviceId=" + device.ID
	header := http.Header{"Authorization": []string{"Bearer intruder-token"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	// The server upgrades, then closes with a policy violation.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)

	assert.Equal(t, 0, registry.ConnectedCount())
}
