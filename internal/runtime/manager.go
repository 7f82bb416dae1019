package runtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/quantix-io/quantix-connect/internal/driver"
	"github.com/quantix-io/quantix-connect/internal/protocol"
	"github.com/quantix-io/quantix-connect/internal/store"
)

// Reconnect backoff: 1s doubling to a 30s ceiling, reset on success.
const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// minPollSleep floors the inter-cycle sleep so a zero poll_interval
// cannot spin a connection flat out.
const minPollSleep = 100 * time.Millisecond

// mqttIdleFloor floors the no-op sleep for message-driven devices.
const mqttIdleFloor = time.Second

// DeviceSource supplies device rows. Satisfied by store.DeviceStore.
type DeviceSource interface {
	List(ctx context.Context) ([]store.Device, error)
	Get(ctx context.Context, id int64) (*store.Device, error)
}

// TemplateSource supplies template rows. Satisfied by store.TemplateStore.
type TemplateSource interface {
	Get(ctx context.Context, id int64) (*store.ProtocolTemplate, error)
}

// Logger defines the logging interface for the manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// driverFactory builds a driver for a protocol type. Production uses
// driver.New; tests inject stubs.
type driverFactory func(protocolType string, connParams map[string]any, opts driver.Options) (driver.Driver, error)

// sleepFunc blocks for d or until ctx is cancelled, reporting false on
// cancellation. Injectable so lifecycle tests run without real delays.
type sleepFunc func(ctx context.Context, d time.Duration) bool

// Config tunes manager behaviour.
type Config struct {
	// SimulateOnConnectFail is passed through to Modbus drivers so
	// unreachable hardware yields synthetic readings in development.
	SimulateOnConnectFail bool
}

// deviceRuntime is one running device: its row, decoded template,
// driver, live state and lifecycle plumbing.
type deviceRuntime struct {
	device       store.Device
	template     *protocol.Template
	protocolType string
	vars         map[string]any
	driver       driver.Driver
	state        *State

	// actionMu serialises the poll cycle against manual-step RPCs so a
	// command never interleaves with an in-flight read on the same
	// connection.
	actionMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the runtime table and the per-device goroutines.
type Manager struct {
	devices   DeviceSource
	templates TemplateSource
	bus       *Bus
	exec      *protocol.Executor
	cfg       Config
	logger    Logger

	newDriver driverFactory
	sleep     sleepFunc

	mu       sync.Mutex
	runtimes map[int64]*deviceRuntime
}

// NewManager creates a manager over the given stores. No devices are
// started until Startup or StartDevice.
func NewManager(devices DeviceSource, templates TemplateSource, cfg Config) *Manager {
	return &Manager{
		devices:   devices,
		templates: templates,
		bus:       NewBus(),
		exec:      protocol.NewExecutor(),
		cfg:       cfg,
		logger:    noopLogger{},
		newDriver: driver.New,
		sleep:     sleepContext,
		runtimes:  make(map[int64]*deviceRuntime),
	}
}

// SetLogger sets the logger for the manager and its drivers.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// Startup starts every enabled device. Individual start failures are
// logged and skipped so one broken device cannot block the rest.
func (m *Manager) Startup(ctx context.Context) error {
	devices, err := m.devices.List(ctx)
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}

	for _, dev := range devices {
		if !dev.Enabled {
			continue
		}
		if err := m.StartDevice(ctx, dev.ID); err != nil {
			m.logger.Error("failed to start device",
				"device_id", dev.ID,
				"device_code", dev.DeviceCode,
				"error", err,
			)
		}
	}
	return nil
}

// Shutdown stops every running device and publishes their terminal
// offline messages.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.runtimes))
	for id := range m.runtimes {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.StopDevice(id)
	}
}

// StartDevice loads a device and its template and spawns its runtime.
// Any existing runtime for the device is stopped first. A missing
// device row is not an error; a missing or undecodable template is.
func (m *Manager) StartDevice(ctx context.Context, deviceID int64) error {
	dev, err := m.devices.Get(ctx, deviceID)
	if errors.Is(err, store.ErrDeviceNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading device %d: %w", deviceID, err)
	}

	tplRow, err := m.templates.Get(ctx, dev.ProtocolTemplateID)
	if err != nil {
		m.logger.Error("missing protocol template",
			"device_id", deviceID,
			"template_id", dev.ProtocolTemplateID,
			"error", err,
		)
		return fmt.Errorf("loading template %d: %w", dev.ProtocolTemplateID, err)
	}

	tpl, err := protocol.DecodeTemplate(tplRow.Template)
	if err != nil {
		return fmt.Errorf("decoding template %q: %w", tplRow.Name, err)
	}

	m.StopDevice(deviceID)

	drv, err := m.newDriver(tplRow.ProtocolType, dev.ConnectionParams, driver.Options{
		SimulateOnConnectFail: m.cfg.SimulateOnConnectFail,
		Logger:                m.logger,
	})
	if err != nil {
		return fmt.Errorf("building %s driver: %w", tplRow.ProtocolType, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rt := &deviceRuntime{
		device:       *dev,
		template:     tpl,
		protocolType: strings.ToLower(strings.TrimSpace(tplRow.ProtocolType)),
		vars:         protocol.ResolveVariables(tpl, dev.TemplateVariables),
		driver:       drv,
		state:        NewState(dev.ID, dev.DeviceCode, dev.Name),
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	m.mu.Lock()
	m.runtimes[dev.ID] = rt
	m.mu.Unlock()

	m.logger.Info("starting device runtime",
		"device_id", dev.ID,
		"device_code", dev.DeviceCode,
		"protocol", rt.protocolType,
	)
	go m.runLoop(runCtx, rt)

	return nil
}

// StopDevice cancels a device's runtime, disconnects its driver and
// publishes the terminal offline message. No-op when not running.
func (m *Manager) StopDevice(deviceID int64) {
	m.mu.Lock()
	rt, ok := m.runtimes[deviceID]
	if ok {
		delete(m.runtimes, deviceID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	rt.cancel()
	<-rt.done

	if err := rt.driver.Disconnect(); err != nil {
		m.logger.Warn("disconnect failed",
			"device_id", deviceID,
			"error", err,
		)
	}
	rt.state.MarkOffline("stopped")
	m.bus.Publish(rt.state.Message())

	m.logger.Info("stopped device runtime", "device_id", deviceID)
}

// ReloadDevice re-reads a device row and restarts or stops its runtime
// to match: deleted or disabled devices stop, enabled ones restart with
// fresh configuration.
func (m *Manager) ReloadDevice(ctx context.Context, deviceID int64) error {
	dev, err := m.devices.Get(ctx, deviceID)
	if errors.Is(err, store.ErrDeviceNotFound) {
		m.StopDevice(deviceID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading device %d: %w", deviceID, err)
	}

	if !dev.Enabled {
		m.StopDevice(deviceID)
		return nil
	}
	return m.StartDevice(ctx, deviceID)
}

// RemoveDevice stops the runtime ahead of a row deletion.
func (m *Manager) RemoveDevice(deviceID int64) {
	m.StopDevice(deviceID)
}

// ExecuteManualStep runs a manual-trigger step against a running
// device's driver, serialised against the poll cycle.
//
// The accumulated step results feed the execution context but are never
// mutated by a manual run.
//
// Returns:
//   - *protocol.ManualResult: step id, result and rendered output
//   - error: ErrRuntimeNotFound, or the executor/driver failure
func (m *Manager) ExecuteManualStep(ctx context.Context, deviceID int64, stepID string, params map[string]any) (*protocol.ManualResult, error) {
	rt := m.getRuntime(deviceID)
	if rt == nil {
		return nil, ErrRuntimeNotFound
	}

	rt.actionMu.Lock()
	defer rt.actionMu.Unlock()

	return m.exec.RunManualStep(ctx, rt.template, rt.driver, stepID, rt.vars, params, rt.state.StepResults())
}

// Snapshot returns the current runtime message for a device. A device
// with no runtime reports synthetic offline state.
func (m *Manager) Snapshot(deviceID int64) Message {
	rt := m.getRuntime(deviceID)
	if rt == nil {
		return Message{
			Type:     "weight_update",
			DeviceID: deviceID,
			Status:   StatusOffline,
			Unit:     "kg",
		}
	}
	return rt.state.Message()
}

// Subscribe registers a bus subscriber for runtime messages.
func (m *Manager) Subscribe() chan Message {
	return m.bus.Subscribe()
}

// Unsubscribe removes a bus subscriber and closes its queue.
func (m *Manager) Unsubscribe(ch chan Message) {
	m.bus.Unsubscribe(ch)
}

func (m *Manager) getRuntime(deviceID int64) *deviceRuntime {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runtimes[deviceID]
}

// runLoop is the per-device lifecycle: connect with backoff, setup once,
// then poll (or idle, for message-driven protocols) until cancelled.
func (m *Manager) runLoop(ctx context.Context, rt *deviceRuntime) {
	defer close(rt.done)

	backoff := initialBackoff
	setupDone := false

	if rt.protocolType == "mqtt" {
		rt.driver.RegisterMessageHandler(func(topic string, payload []byte) {
			m.handleMessage(ctx, rt, topic, payload)
		})
	}

	for ctx.Err() == nil {
		if !rt.driver.IsConnected() {
			if err := rt.driver.Connect(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				reason := "connect failed"
				if last := rt.driver.LastError(); last != "" {
					reason = "connect failed: " + last
				}
				rt.state.MarkOffline(reason)
				m.bus.Publish(rt.state.Message())

				if !m.sleep(ctx, backoff) {
					return
				}
				backoff = nextBackoff(backoff)
				continue
			}
			m.logger.Info("device connected",
				"device_id", rt.device.ID,
				"device_code", rt.device.DeviceCode,
			)
		}
		backoff = initialBackoff

		if err := m.runCycle(ctx, rt, &setupDone); err != nil {
			if ctx.Err() != nil {
				return
			}
			rt.state.MarkError(err.Error())
			m.bus.Publish(rt.state.Message())

			if !m.sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
		} else if rt.protocolType == "mqtt" {
			// Message-driven: nothing to poll, just stay subscribed.
			if !m.sleep(ctx, maxDuration(rt.pollInterval(), mqttIdleFloor)) {
				return
			}
			continue
		}

		if !m.sleep(ctx, maxDuration(rt.pollInterval(), minPollSleep)) {
			return
		}
	}
}

// runCycle performs setup (first pass only) and, for polled protocols,
// one full poll-and-publish cycle.
func (m *Manager) runCycle(ctx context.Context, rt *deviceRuntime, setupDone *bool) error {
	rt.actionMu.Lock()
	defer rt.actionMu.Unlock()

	if !*setupDone {
		setup, err := m.exec.RunSetupSteps(ctx, rt.template, rt.driver, rt.vars)
		if err != nil {
			return err
		}
		rt.state.MergeStepResults(setup)
		*setupDone = true
	}

	if rt.protocolType == "mqtt" {
		return nil
	}

	steps, err := m.exec.RunPollSteps(ctx, rt.template, rt.driver, rt.vars, rt.state.StepResults())
	if err != nil {
		// Step results stay as they were; the next cycle retries from
		// the same accumulated state.
		return err
	}
	rt.state.SetStepResults(steps)

	output := m.exec.RenderOutput(rt.template, steps.Context(rt.vars))
	rt.state.MarkOnline(coerceWeight(output["weight"]), unitString(output["unit"]))
	m.bus.Publish(rt.state.Message())

	return nil
}

// handleMessage processes one inbound MQTT message through the
// template's message handler.
func (m *Manager) handleMessage(ctx context.Context, rt *deviceRuntime, topic string, payload []byte) {
	rt.actionMu.Lock()
	defer rt.actionMu.Unlock()

	steps, output, err := m.exec.RunMessageHandler(ctx, rt.template, rt.driver, payload, rt.vars, rt.state.StepResults())
	if err != nil {
		rt.state.MarkError(fmt.Sprintf("mqtt message handling failed: %s: %v", topic, err))
		m.bus.Publish(rt.state.Message())
		return
	}

	rt.state.SetStepResults(steps)
	rt.state.MarkOnline(coerceWeight(output["weight"]), unitString(output["unit"]))
	m.bus.Publish(rt.state.Message())
}

func (rt *deviceRuntime) pollInterval() time.Duration {
	return time.Duration(rt.device.PollInterval * float64(time.Second))
}

func nextBackoff(b time.Duration) time.Duration {
	if b*2 > maxBackoff {
		return maxBackoff
	}
	return b * 2
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// sleepContext is the production sleepFunc.
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// coerceWeight converts an output value to a float the way the wire
// format expects: numbers pass through, numeric strings parse, anything
// else (including absent) reads as null.
func coerceWeight(value any) *float64 {
	var f float64
	switch v := value.(type) {
	case nil:
		return nil
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case bool:
		if v {
			f = 1
		}
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	return &f
}

// unitString stringifies an output unit, defaulting to kilograms.
func unitString(value any) string {
	if value == nil {
		return "kg"
	}
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}
