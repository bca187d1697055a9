package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aiotsmart/aiot-core/internal/infrastructure/mqtt"
	"github.com/aiotsmart/aiot-core/internal/registry"
)

// correlationPrefix namespaces command IDs on the wire.
const correlationPrefix = "cmd_"

// Dispatcher manages the command round trip: publish on
// devices/{device_id}/commands, await the matching response on
// devices/{device_id}/response, enforce a per-command timeout.
//
// Every command reaches exactly one terminal status. The pending map is
// the arbiter: whichever of response or timeout removes the entry first
// wins, and the loser finds nothing to act on.
type Dispatcher struct {
	mqtt    MQTTClient
	store   Store
	fanout  *Fanout
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingCommand
	closed  bool

	logger   Logger
	loggerMu sync.RWMutex
}

// pendingCommand tracks one in-flight command.
type pendingCommand struct {
	deviceID string
	action   string
	ownerID  string
	timer    *time.Timer
}

// DispatcherOptions holds configuration for creating a dispatcher.
type DispatcherOptions struct {
	MQTTClient MQTTClient
	Store      Store
	Fanout     *Fanout
	Timeout    time.Duration
	Logger     Logger
}

// NewDispatcher creates a command dispatcher.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Dispatcher{
		mqtt:    opts.MQTTClient,
		store:   opts.Store,
		fanout:  opts.Fanout,
		timeout: timeout,
		pending: make(map[string]*pendingCommand),
		logger:  opts.Logger,
	}
}

// Dispatch sends a command to a device.
//
// It validates the target (must exist and accept commands), assigns a
// correlation ID, records the command as pending, arms the timeout,
// and publishes it. If the publish itself fails, the timer is disarmed
// and the command marked failed immediately, with the error returned.
//
// Parameters:
//   - ctx: Context for store operations
//   - deviceID: Target device
//   - action: Command verb (e.g. "set_state", "reboot")
//   - params: Optional action parameters
//
// Returns:
//   - *registry.CommandRecord: The pending command, including its
//     correlation ID for tracking
//   - error: Validation, persistence, or publish failure
func (d *Dispatcher) Dispatch(ctx context.Context, deviceID, action string, params map[string]any) (*registry.CommandRecord, error) {
	if action == "" {
		return nil, fmt.Errorf("%w: empty action", ErrInvalidPayload)
	}

	dev, err := d.store.Device(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !dev.Controllable() {
		return nil, fmt.Errorf("%w: %s is a %s", ErrNotControllable, deviceID, dev.Type)
	}

	ownerID, err := d.store.OwnerOf(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrShuttingDown
	}
	d.mu.Unlock()

	correlationID := correlationPrefix + uuid.New().String()
	now := time.Now().UTC()

	record := &registry.CommandRecord{
		CorrelationID: correlationID,
		DeviceID:      deviceID,
		Action:        action,
		Params:        params,
		Status:        registry.CommandPending,
		DispatchedAt:  now,
	}
	if err := d.store.RecordCommand(ctx, record); err != nil {
		return nil, fmt.Errorf("recording command: %w", err)
	}

	msg := commandMessage{
		CommandID: correlationID,
		Action:    action,
		Params:    params,
		Timestamp: now.Format(time.RFC3339),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding command: %w", err)
	}

	// Register the pending entry before publishing: a device on a fast
	// link can respond before Publish returns, and that response must
	// find the entry rather than be dropped as unknown.
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		reason := "service shutdown"
		d.completeCommand(ctx, correlationID, registry.CommandTimedOut, &reason)
		return nil, ErrShuttingDown
	}
	d.pending[correlationID] = &pendingCommand{
		deviceID: deviceID,
		action:   action,
		ownerID:  ownerID,
		timer: time.AfterFunc(d.timeout, func() {
			d.timeoutCommand(correlationID)
		}),
	}
	d.mu.Unlock()

	topic := mqtt.Topics{}.DeviceCommands(deviceID)
	if err := d.mqtt.Publish(topic, payload, 1, false); err != nil {
		d.mu.Lock()
		if p, ok := d.pending[correlationID]; ok {
			p.timer.Stop()
			delete(d.pending, correlationID)
		}
		d.mu.Unlock()

		reason := "publish failed: " + err.Error()
		d.completeCommand(ctx, correlationID, registry.CommandFailed, &reason)
		return nil, fmt.Errorf("publishing command: %w", err)
	}

	d.logInfo("command dispatched",
		"command_id", correlationID,
		"device_id", deviceID,
		"action", action)

	return record, nil
}

// HandleResponse settles a pending command from a device response.
//
// Responses for unknown correlation IDs (late arrivals after a timeout,
// replays, or fabricated IDs) are dropped. A response relayed for a
// different device than the one the command targeted is dropped too.
func (d *Dispatcher) HandleResponse(ctx context.Context, deviceID string, resp ResponsePayload) {
	d.mu.Lock()
	p, ok := d.pending[resp.CommandID]
	if ok && p.deviceID != deviceID {
		d.mu.Unlock()
		d.logWarn("response from wrong device dropped",
			"command_id", resp.CommandID,
			"expected", p.deviceID,
			"got", deviceID)
		return
	}
	if ok {
		p.timer.Stop()
		delete(d.pending, resp.CommandID)
	}
	d.mu.Unlock()

	if !ok {
		d.logDebug("response for unknown command dropped",
			"command_id", resp.CommandID,
			"device_id", deviceID)
		return
	}

	status := registry.CommandFailed
	if resp.Succeeded() {
		status = registry.CommandAcknowledged
	}

	var result *string
	if resp.Result != nil {
		if encoded, err := json.Marshal(resp.Result); err == nil {
			s := string(encoded)
			result = &s
		}
	}

	d.completeCommand(ctx, resp.CommandID, status, result)

	d.logInfo("command completed",
		"command_id", resp.CommandID,
		"device_id", deviceID,
		"status", status)

	d.emitCompletion(p, resp.CommandID, status, resp.Result)
}

// timeoutCommand settles a command whose response never arrived.
func (d *Dispatcher) timeoutCommand(correlationID string) {
	d.mu.Lock()
	p, ok := d.pending[correlationID]
	if ok {
		delete(d.pending, correlationID)
	}
	d.mu.Unlock()

	if !ok {
		// Response won the race.
		return
	}

	reason := fmt.Sprintf("no response within %s", d.timeout)
	d.completeCommand(context.Background(), correlationID, registry.CommandTimedOut, &reason)

	d.logWarn("command timed out",
		"command_id", correlationID,
		"device_id", p.deviceID,
		"timeout", d.timeout)

	d.emitCompletion(p, correlationID, registry.CommandTimedOut, nil)
}

// Shutdown force-times-out every pending command with a shutdown
// reason. Subsequent Dispatch calls return ErrShuttingDown.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	d.closed = true
	drained := make(map[string]*pendingCommand, len(d.pending))
	for id, p := range d.pending {
		p.timer.Stop()
		drained[id] = p
		delete(d.pending, id)
	}
	d.mu.Unlock()

	reason := "service shutdown"
	for id, p := range drained {
		d.completeCommand(context.Background(), id, registry.CommandTimedOut, &reason)
		d.emitCompletion(p, id, registry.CommandTimedOut, nil)
	}

	if len(drained) > 0 {
		d.logInfo("pending commands timed out on shutdown", "count", len(drained))
	}
}

// PendingCount returns the number of in-flight commands.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// completeCommand records a terminal transition, tolerating commands
// already settled by a racing path.
func (d *Dispatcher) completeCommand(ctx context.Context, correlationID string, status registry.CommandStatus, result *string) {
	err := d.store.CompleteCommand(ctx, correlationID, status, result, time.Now().UTC())
	if err != nil && !errors.Is(err, registry.ErrCommandNotFound) {
		d.logError("command completion persist failed", err)
	}
}

// emitCompletion notifies the owner's subscriptions of a settled command.
func (d *Dispatcher) emitCompletion(p *pendingCommand, correlationID string, status registry.CommandStatus, result map[string]any) {
	if d.fanout == nil {
		return
	}
	d.fanout.Emit(p.ownerID, Event{
		Type:     EventCommandCompleted,
		DeviceID: p.deviceID,
		Data: map[string]any{
			"command_id": correlationID,
			"action":     p.action,
			"status":     string(status),
			"result":     result,
		},
		Timestamp: time.Now().UTC(),
	})
}

func (d *Dispatcher) logInfo(msg string, keysAndValues ...any) {
	d.loggerMu.RLock()
	logger := d.logger
	d.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (d *Dispatcher) logWarn(msg string, keysAndValues ...any) {
	d.loggerMu.RLock()
	logger := d.logger
	d.loggerMu.RUnlock()

	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (d *Dispatcher) logDebug(msg string, keysAndValues ...any) {
	d.loggerMu.RLock()
	logger := d.logger
	d.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (d *Dispatcher) logError(msg string, err error) {
	d.loggerMu.RLock()
	logger := d.logger
	d.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
