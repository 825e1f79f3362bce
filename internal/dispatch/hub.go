package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tensorgrid/tensorgrid-backend/internal/data"
	"github.com/tensorgrid/tensorgrid-backend/internal/engine"
	"github.com/tensorgrid/tensorgrid-backend/pkg/log"
)

// TokenVerifier authenticates a dispatch connection from its bearer token.
type TokenVerifier interface {
	VerifyUserID(ctx context.Context, token string) (string, error)
}

// ReadURLSigner turns a stored model object key into a URL the device can
// download from.
type ReadURLSigner interface {
	PresignRead(ctx context.Context, objectKey string) (string, error)
}

// Hub upgrades dispatch connections and routes envelopes between devices and
// the assignment and lifecycle engines.
type Hub struct {
	registry         *Registry
	assignmentEngine *engine.AssignmentEngine
	lifecycleEngine  *engine.LifecycleEngine
	tokenVerifier    TokenVerifier
	readURLSigner    ReadURLSigner
	upgrader         websocket.Upgrader
}

type HubOptions struct {
	Registry         *Registry
	AssignmentEngine *engine.AssignmentEngine
	LifecycleEngine  *engine.LifecycleEngine
	TokenVerifier    TokenVerifier

	// ReadURLSigner is optional; without one, model URIs are pushed as
	// stored.
	ReadURLSigner ReadURLSigner
}

func NewHub(opts HubOptions) (*Hub, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required for NewHub")
	}
	if opts.AssignmentEngine == nil || opts.LifecycleEngine == nil {
		return nil, fmt.Errorf("assignment and lifecycle engines are required for NewHub")
	}
	if opts.TokenVerifier == nil {
		return nil, fmt.Errorf("token verifier is required for NewHub")
	}

	return &Hub{
		registry:         opts.Registry,
		assignmentEngine: opts.AssignmentEngine,
		lifecycleEngine:  opts.LifecycleEngine,
		tokenVerifier:    opts.TokenVerifier,
		readURLSigner:    opts.ReadURLSigner,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Devices are native clients, not browsers; the bearer token is
			// the access control.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// ServeHTTP handles GET /api/dispatch/connect. It authenticates, upgrades,
// and then serves the session until the connection dies.
func (h *Hub) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	token := bearerToken(req)
	if token == "" {
		http.Error(rw, "missing bearer token", http.StatusUnauthorized)
		return
	}
	userID, err := h.tokenVerifier.VerifyUserID(ctx, token)
	if err != nil {
		http.Error(rw, "invalid token", http.StatusUnauthorized)
		return
	}

	deviceID := req.URL.Query().Get("deviceId")
	if deviceID == "" {
		http.Error(rw, "deviceId query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(rw, req, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		log.Ctx(ctx).Errorf("upgrading dispatch connection of device %s: %v", deviceID, err)
		return
	}

	session, err := h.registry.Attach(ctx, conn, deviceID, userID, data.DeviceCapabilities{})
	if err != nil {
		log.Ctx(ctx).Warnf("refusing dispatch connection of device %s: %v", deviceID, err)
		message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "device registration refused")
		_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	h.serveSession(ctx, session)
}

func (h *Hub) serveSession(ctx context.Context, session *Session) {
	log.Ctx(ctx).Infof("device %s connected on session %s", session.DeviceID, session.ID)

	go session.writePump(ctx)
	session.readPump(ctx,
		func(envelope *Envelope) { h.handleEnvelope(ctx, session, envelope) },
		func() { h.registry.HeartbeatObserved(ctx, session.DeviceID) },
	)

	// The request context dies with the connection; cleanup gets its own.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cleared, err := h.registry.Detach(cleanupCtx, session)
	if err != nil {
		log.Ctx(cleanupCtx).Errorf("detaching device %s: %v", session.DeviceID, err)
	}
	if !cleared {
		// A newer session already took over this device.
		return
	}

	failedCount, err := h.lifecycleEngine.FailAllForDevice(cleanupCtx, session.DeviceID, session.UserID)
	if err != nil {
		log.Ctx(cleanupCtx).Errorf("failing active subtasks of device %s: %v", session.DeviceID, err)
		return
	}
	if failedCount > 0 {
		log.Ctx(cleanupCtx).Infof("device %s disconnected, %d active subtasks failed over", session.DeviceID, failedCount)
	}
}

func (h *Hub) handleEnvelope(ctx context.Context, session *Session, envelope *Envelope) {
	var err error
	switch envelope.Method {
	case MethodJoinAvailableTasks:
		err = h.handleJoin(ctx, session, envelope)
	case MethodAcknowledgeExecutionStart:
		err = h.handleAcknowledge(ctx, session, envelope)
	case MethodReportProgress:
		err = h.handleProgress(ctx, session, envelope)
	case MethodSubmitResult:
		err = h.handleResult(ctx, session, envelope)
	case MethodFailedResult:
		err = h.handleFailedResult(ctx, session, envelope)
	default:
		log.Ctx(ctx).Warnf("device %s sent unknown method %q", session.DeviceID, envelope.Method)
		return
	}

	if err == nil {
		return
	}
	// A stale or spoofed message must not take the channel down; the engine
	// already refused the transition.
	if errors.Is(err, engine.ErrForbidden) || errors.Is(err, engine.ErrInvalidState) || engine.IsNotFound(err) {
		log.Ctx(ctx).Warnf("refused %s from device %s: %v", envelope.Method, session.DeviceID, err)
		return
	}
	log.Ctx(ctx).Errorf("handling %s from device %s: %v", envelope.Method, session.DeviceID, err)
}

func (h *Hub) handleJoin(ctx context.Context, session *Session, envelope *Envelope) error {
	if len(envelope.Args) > 0 {
		var payload JoinPayload
		if err := envelope.Arg(0, &payload); err != nil {
			return err
		}
		if err := h.registry.RefreshCapabilities(ctx, session, payload.HardwareCapabilities); err != nil {
			return err
		}
	}

	return h.offerNext(ctx, session)
}

// offerNext claims the next eligible subtask for the device and pushes it.
// No eligible work is not an error; the device re-joins when it wants to ask
// again.
func (h *Hub) offerNext(ctx context.Context, session *Session) error {
	if session.ActiveSubtaskID() != "" {
		// One pushed execution at a time; the device reports back first.
		return nil
	}

	assignment, err := h.assignmentEngine.TryOfferNext(ctx, session.UserID, session.DeviceID)
	if err != nil {
		return err
	}
	if assignment == nil {
		return nil
	}

	return h.push(ctx, session, assignment)
}

func (h *Hub) push(ctx context.Context, session *Session, assignment *engine.Assignment) error {
	readURI, err := h.modelReadURI(ctx, assignment.Task)
	if err != nil {
		return err
	}

	request := ExecutionRequest{Subtask: ExecutionRequestSubtask{
		ID:             assignment.Subtask.ID,
		TaskID:         assignment.Task.ID,
		ParametersJSON: json.RawMessage(assignment.Subtask.Parameters),
		OnnxModel:      ExecutionRequestOnnxModel{ReadURI: readURI},
	}}
	envelope, err := NewEnvelope(MethodOnExecutionRequested, request)
	if err != nil {
		return err
	}

	if !session.Reserve(assignment.Subtask.ID) {
		return fmt.Errorf("device %s already has an execution in flight", session.DeviceID)
	}
	if err = session.Send(envelope); err != nil {
		// The subtask stays claimed; the disconnect failover or the
		// heartbeat sweep reassigns it.
		session.Release(assignment.Subtask.ID)
		return fmt.Errorf("pushing subtask %s to device %s: %w", assignment.Subtask.ID, session.DeviceID, errors.Join(engine.ErrTransport, err))
	}

	return nil
}

func (h *Hub) modelReadURI(ctx context.Context, task *data.Task) (string, error) {
	if task.ModelURI == nil || *task.ModelURI == "" {
		return "", fmt.Errorf("task %s has no model artifact: %w", task.ID, engine.ErrInvalidState)
	}
	if h.readURLSigner == nil {
		return *task.ModelURI, nil
	}

	readURL, err := h.readURLSigner.PresignRead(ctx, *task.ModelURI)
	if err != nil {
		return "", fmt.Errorf("presigning model of task %s: %w", task.ID, err)
	}
	return readURL, nil
}

func (h *Hub) handleAcknowledge(ctx context.Context, session *Session, envelope *Envelope) error {
	subtaskID, err := envelope.StringArg(0)
	if err != nil {
		return err
	}

	h.registry.HeartbeatObserved(ctx, session.DeviceID)

	return h.lifecycleEngine.AcknowledgeExecutionStart(ctx, subtaskID, session.UserID)
}

func (h *Hub) handleProgress(ctx context.Context, session *Session, envelope *Envelope) error {
	subtaskID, err := envelope.StringArg(0)
	if err != nil {
		return err
	}
	var percent float64
	if err = envelope.Arg(1, &percent); err != nil {
		return err
	}

	h.registry.HeartbeatObserved(ctx, session.DeviceID)

	return h.lifecycleEngine.UpdateProgress(ctx, subtaskID, session.UserID, int(math.Round(percent)))
}

func (h *Hub) handleResult(ctx context.Context, session *Session, envelope *Envelope) error {
	subtaskID, err := envelope.StringArg(0)
	if err != nil {
		return err
	}
	var resultJSON json.RawMessage
	if len(envelope.Args) > 1 {
		resultJSON = envelope.Args[1]
	}

	session.Release(subtaskID)
	h.registry.HeartbeatObserved(ctx, session.DeviceID)

	if _, err = h.lifecycleEngine.Complete(ctx, subtaskID, session.UserID, resultJSON); err != nil {
		return err
	}

	// The device just freed up; keep it busy.
	return h.offerNext(ctx, session)
}

func (h *Hub) handleFailedResult(ctx context.Context, session *Session, envelope *Envelope) error {
	subtaskID, err := envelope.StringArg(0)
	if err != nil {
		return err
	}

	reason := "Execution failed on device"
	if len(envelope.Args) > 1 {
		var payload FailedResultPayload
		if err = envelope.Arg(1, &payload); err == nil && strings.TrimSpace(payload.Error) != "" {
			reason = payload.Error
		}
	}

	session.Release(subtaskID)
	h.registry.HeartbeatObserved(ctx, session.DeviceID)

	// After a failure the device decides when it is ready again; no
	// immediate re-offer.
	_, err = h.lifecycleEngine.Fail(ctx, subtaskID, session.UserID, reason)
	return err
}

func bearerToken(req *http.Request) string {
	if token, found := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer "); found {
		return token
	}
	return req.URL.Query().Get("token")
}
