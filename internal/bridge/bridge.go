package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aiotsmart/aiot-core/internal/infrastructure/config"
	"github.com/aiotsmart/aiot-core/internal/infrastructure/mqtt"
	"github.com/aiotsmart/aiot-core/internal/registry"
)

// Bridge connects the MQTT device estate to the registry, telemetry
// stores, command dispatcher, and owner event fanout.
//
// Inbound message flow:
//
//	MQTT handler -> parse topic -> decode payload -> worker pool -> handler
//
// Paho invokes handlers on its network goroutines; the worker pool keeps
// database writes off those goroutines so a slow disk never stalls the
// broker connection. The pool queue is bounded: under sustained overload
// new messages are dropped and counted rather than buffered without limit.
type Bridge struct {
	cfg    config.BridgeConfig
	mqtt   MQTTClient
	store  Store
	mirror TelemetryMirror // Optional, may be nil
	fanout *Fanout

	dispatcher *Dispatcher

	// Worker pool for inbound message processing.
	jobs chan func()

	// Shutdown coordination
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx

	// Logger
	logger   Logger
	loggerMu sync.RWMutex
}

// Logger is the logging interface used throughout the bridge.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// Store provides the registry operations the bridge needs.
// Satisfied by *registry.Registry.
type Store interface {
	Device(ctx context.Context, deviceID string) (*registry.Device, error)
	CreateDevice(ctx context.Context, d *registry.Device) error
	UpdateDevice(ctx context.Context, d *registry.Device) error
	Gateway(ctx context.Context, gatewayID string) (*registry.Gateway, error)
	TouchGateway(ctx context.Context, gatewayID string, seenAt time.Time) error
	MarkSeen(ctx context.Context, deviceID string, seenAt time.Time) (bool, error)
	MarkOffline(ctx context.Context, deviceID string, cutoff time.Time) (bool, error)
	OnlineDevices() []registry.Device
	OwnerOf(ctx context.Context, deviceID string) (string, error)
	AppendTelemetry(ctx context.Context, rec *registry.TelemetryRecord) error
	RecordCommand(ctx context.Context, cmd *registry.CommandRecord) error
	CompleteCommand(ctx context.Context, correlationID string, status registry.CommandStatus, result *string, completedAt time.Time) error
}

// TelemetryMirror mirrors readings and presence transitions to a
// time-series store. Satisfied by *tsdb.Client.
// It is optional - if nil, the bridge operates without mirroring.
type TelemetryMirror interface {
	WriteTelemetry(deviceID, gatewayID string, payload map[string]any, timestamp time.Time)
	WritePresence(deviceID string, online bool)
}

// Options holds configuration for creating a bridge.
type Options struct {
	// Config is the bridge section of the loaded configuration.
	Config config.BridgeConfig

	// MQTTClient is the MQTT client implementation.
	MQTTClient MQTTClient

	// Store is the device/gateway registry.
	Store Store

	// Mirror is the optional time-series telemetry mirror.
	// If nil, the bridge operates without mirroring.
	Mirror TelemetryMirror

	// Logger is optional structured logger.
	Logger Logger
}

// New creates a new bridge instance.
// Call Start() to begin operation.
func New(opts Options) (*Bridge, error) {
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}

	queueSize := opts.Config.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	// Create bridge-level context for aborting in-flight work on shutdown
	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		cfg:       opts.Config,
		mqtt:      opts.MQTTClient,
		store:     opts.Store,
		mirror:    opts.Mirror, // May be nil (optional)
		fanout:    NewFanout(opts.Config.EventBuffer),
		jobs:      make(chan func(), queueSize),
		done:      make(chan struct{}),
		ctx:       ctx,
		ctxCancel: ctxCancel,
		logger:    opts.Logger,
	}
	if opts.Logger != nil {
		b.fanout.SetLogger(opts.Logger)
	}

	b.dispatcher = NewDispatcher(DispatcherOptions{
		MQTTClient: opts.MQTTClient,
		Store:      opts.Store,
		Fanout:     b.fanout,
		Timeout:    opts.Config.CommandTimeoutDuration(),
		Logger:     opts.Logger,
	})

	return b, nil
}

// Start begins bridge operation.
// This starts the worker pool, subscribes to the inbound device topics,
// and launches the heartbeat sweep.
func (b *Bridge) Start(ctx context.Context) error {
	workers := b.cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}

	topics := mqtt.Topics{}
	subscriptions := []string{
		topics.AllDeviceData(),
		topics.AllDeviceHeartbeats(),
		topics.AllDeviceResponses(),
		topics.AllDeviceDiscovery(),
	}
	for _, topic := range subscriptions {
		if err := b.mqtt.Subscribe(topic, 1, b.handleMessage); err != nil {
			return fmt.Errorf("subscribe to %s: %w", topic, err)
		}
		b.logInfo("subscribed", "topic", topic)
	}

	// Heartbeat sweep
	b.wg.Add(1)
	go b.sweepLoop()

	b.logInfo("bridge started",
		"workers", workers,
		"queue_size", cap(b.jobs),
		"heartbeat_timeout", b.cfg.HeartbeatTimeoutDuration(),
		"sweep_interval", b.cfg.SweepIntervalDuration())

	return nil
}

// Stop gracefully shuts down the bridge.
//
// Pending commands are failed with a shutdown reason, workers drain,
// and all event subscriptions are closed.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)

		// Fail in-flight commands before cancelling the context so the
		// terminal transitions still reach the store.
		b.dispatcher.Shutdown()

		b.ctxCancel()
		b.wg.Wait()
		b.fanout.Close()

		b.logInfo("bridge stopped")
	})
}

// Fanout returns the owner event fanout for API-layer subscriptions.
func (b *Bridge) Fanout() *Fanout {
	return b.fanout
}

// Dispatcher returns the command dispatcher.
func (b *Bridge) Dispatcher() *Dispatcher {
	return b.dispatcher
}

// worker drains the job queue until shutdown.
func (b *Bridge) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case job := <-b.jobs:
			job()
		}
	}
}

// enqueue hands a message job to the worker pool.
// Returns false if the queue is full and the job was dropped.
func (b *Bridge) enqueue(job func()) bool {
	select {
	case b.jobs <- job:
		return true
	default:
		return false
	}
}

// handleMessage is the single MQTT entry point for all inbound device
// traffic. It parses the topic, decodes the payload by kind, and hands
// the typed message to the worker pool.
//
// Unparseable topics and malformed payloads are dropped here: the error
// return is logged by the MQTT client wrapper and the message is never
// retried.
func (b *Bridge) handleMessage(topic string, payload []byte) error {
	deviceID, kind, ok := mqtt.ParseDeviceTopic(topic)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}

	arrival := time.Now().UTC()

	var job func()
	switch kind {
	case mqtt.KindData:
		var data map[string]any
		if err := decodeJSON(payload, &data); err != nil {
			return fmt.Errorf("telemetry from %s: %w", deviceID, err)
		}
		job = func() { b.handleTelemetry(b.ctx, deviceID, data, arrival) }

	case mqtt.KindHeartbeat:
		var hb HeartbeatPayload
		if len(payload) > 0 {
			if err := decodeJSON(payload, &hb); err != nil {
				return fmt.Errorf("heartbeat from %s: %w", deviceID, err)
			}
		}
		job = func() { b.handleHeartbeat(b.ctx, deviceID, hb, arrival) }

	case mqtt.KindResponse:
		var resp ResponsePayload
		if err := decodeJSON(payload, &resp); err != nil {
			return fmt.Errorf("response from %s: %w", deviceID, err)
		}
		if resp.CommandID == "" {
			return fmt.Errorf("%w: response without command_id from %s", ErrInvalidPayload, deviceID)
		}
		job = func() { b.dispatcher.HandleResponse(b.ctx, deviceID, resp) }

	case mqtt.KindDiscovery:
		var ann DiscoveryPayload
		if err := decodeJSON(payload, &ann); err != nil {
			return fmt.Errorf("discovery from %s: %w", deviceID, err)
		}
		job = func() { b.handleDiscovery(b.ctx, deviceID, ann, arrival) }

	default:
		// Commands are outbound only; a device publishing on its own
		// command topic is misbehaving.
		return fmt.Errorf("%w: inbound message on %q", ErrUnknownTopic, topic)
	}

	if !b.enqueue(job) {
		b.logWarn("ingest queue full, message dropped",
			"device_id", deviceID,
			"kind", kind)
	}
	return nil
}

// emitOwnerEvent resolves the owner for a device and emits the event.
// Devices behind unclaimed gateways have no owner; their events are
// discarded.
func (b *Bridge) emitOwnerEvent(ctx context.Context, deviceID string, ev Event) {
	owner, err := b.store.OwnerOf(ctx, deviceID)
	if err != nil {
		b.logDebug("owner lookup failed", "device_id", deviceID, "error", err)
		return
	}
	b.fanout.Emit(owner, ev)
}

// logInfo logs at info level if a logger is configured.
func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logWarn logs at warn level if a logger is configured.
func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

// logDebug logs at debug level if a logger is configured.
func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

// logError logs at error level if a logger is configured.
func (b *Bridge) logError(msg string, err error) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
