package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/tensorgrid/tensorgrid-backend/internal/data"
	"github.com/tensorgrid/tensorgrid-backend/internal/monitor"
	"github.com/tensorgrid/tensorgrid-backend/pkg/log"
)

const (
	// lastSeenDebounce caps how often a chatty device turns its signs of
	// life into an UPDATE on the devices table.
	lastSeenDebounce = 30 * time.Second

	lastSeenCacheSize = 8192
)

// Registry tracks the live dispatch sessions and keeps the devices table in
// step with them: attach on connect, last-seen refreshes while connected,
// detach on disconnect.
type Registry struct {
	models         *data.Models
	monitorService monitor.MonitorServiceInterface

	mu       sync.RWMutex
	sessions map[string]*Session

	lastSeen *expirable.LRU[string, struct{}]
}

func NewRegistry(models *data.Models, monitorService monitor.MonitorServiceInterface) (*Registry, error) {
	if models == nil {
		return nil, fmt.Errorf("models is required for NewRegistry")
	}

	registry := &Registry{
		models:         models,
		monitorService: monitorService,
		sessions:       make(map[string]*Session),
		lastSeen:       expirable.NewLRU[string, struct{}](lastSeenCacheSize, nil, lastSeenDebounce),
	}

	if monitorService != nil {
		err := monitorService.RegisterFunctionMetric(monitor.FuncGaugeType, monitor.FuncMetricOptions{
			Namespace:  "tensorgrid",
			Subservice: "dispatch",
			Name:       string(monitor.ConnectedDevicesTag),
			Help:       "Number of devices with an open dispatch channel.",
			Function:   func() float64 { return float64(registry.ConnectedCount()) },
		})
		if err != nil {
			return nil, fmt.Errorf("registering connected devices gauge: %w", err)
		}
	}

	return registry, nil
}

// Attach registers a new session for the device and upserts its row. When the
// device already has a session, the old one is closed; its deferred detach
// no-ops because the session ID no longer matches.
func (r *Registry) Attach(ctx context.Context, conn *websocket.Conn, deviceID, userID string, capabilities data.DeviceCapabilities) (*Session, error) {
	session := newSession(conn, deviceID, userID)

	if _, err := r.models.Devices.Attach(ctx, r.models.DBConnectionPool, deviceID, userID, session.ID, capabilities); err != nil {
		return nil, fmt.Errorf("attaching device %s: %w", deviceID, err)
	}

	r.mu.Lock()
	previous := r.sessions[deviceID]
	r.sessions[deviceID] = session
	r.mu.Unlock()

	if previous != nil {
		log.Ctx(ctx).Infof("device %s reconnected, superseding session %s", deviceID, previous.ID)
		previous.Close()
	}

	r.monitorCounter(ctx, monitor.DeviceConnectionsCounterTag)

	return session, nil
}

// RefreshCapabilities re-upserts the device row with the hardware description
// the device sent after connecting.
func (r *Registry) RefreshCapabilities(ctx context.Context, session *Session, capabilities data.DeviceCapabilities) error {
	if _, err := r.models.Devices.Attach(ctx, r.models.DBConnectionPool, session.DeviceID, session.UserID, session.ID, capabilities); err != nil {
		return fmt.Errorf("refreshing capabilities of device %s: %w", session.DeviceID, err)
	}
	return nil
}

// HeartbeatObserved records a sign of life, debounced per device.
func (r *Registry) HeartbeatObserved(ctx context.Context, deviceID string) {
	if _, recent := r.lastSeen.Get(deviceID); recent {
		return
	}
	r.lastSeen.Add(deviceID, struct{}{})

	if err := r.models.Devices.UpdateLastSeen(ctx, r.models.DBConnectionPool, deviceID); err != nil {
		log.Ctx(ctx).Warnf("recording heartbeat of device %s: %v", deviceID, err)
	}
}

// Detach removes the session and clears the device row. It reports whether
// this session still was the device's current one; a stale disconnect of a
// superseded session returns false and must not trigger failover.
func (r *Registry) Detach(ctx context.Context, session *Session) (bool, error) {
	r.mu.Lock()
	if r.sessions[session.DeviceID] == session {
		delete(r.sessions, session.DeviceID)
	}
	r.mu.Unlock()
	session.Close()

	cleared, err := r.models.Devices.Detach(ctx, r.models.DBConnectionPool, session.DeviceID, session.ID)
	if err != nil {
		return false, fmt.Errorf("detaching device %s: %w", session.DeviceID, err)
	}
	if cleared {
		r.monitorCounter(ctx, monitor.DeviceDisconnectionsCounterTag)
	}

	return cleared, nil
}

// Get returns the device's live session, or nil.
func (r *Registry) Get(deviceID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[deviceID]
}

// ConnectedCount returns the number of live sessions.
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) monitorCounter(ctx context.Context, tag monitor.MetricTag) {
	if r.monitorService == nil {
		return
	}
	if err := r.monitorService.MonitorCounters(tag, nil); err != nil {
		log.Ctx(ctx).Errorf("monitoring %s: %v", tag, err)
	}
}
