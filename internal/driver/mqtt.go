package driver

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/quantix-io/quantix-connect/internal/infrastructure/mqtt"
)

// mqttConn is the broker client surface the driver needs. Satisfied by
// *mqtt.Client; narrowed to an interface so tests can substitute a fake.
type mqttConn interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Close() error
	IsConnected() bool
	SetLogger(logger mqtt.Logger)
}

// connectMQTT dials the broker. Swapped out in tests.
var connectMQTT = func(cfg mqtt.Config) (mqttConn, error) {
	return mqtt.Connect(cfg)
}

// mqttDriver adapts a per-device broker connection to the driver
// contract. Inbound messages on subscribed topics are forwarded to the
// registered message handler; the "mqtt.on_message" action exists only
// as a template anchor and never reaches the wire.
type mqttDriver struct {
	params map[string]any
	opts   Options

	mu        sync.Mutex
	client    mqttConn
	connected bool
	lastErr   string
	handler   func(topic string, payload []byte)
}

func newMQTTDriver(params map[string]any, opts Options) *mqttDriver {
	return &mqttDriver{params: params, opts: opts}
}

func (d *mqttDriver) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	port, err := paramInt(d.params, "port", 1883)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	cfg := mqtt.Config{
		Host:     paramString(d.params, "host", "127.0.0.1"),
		Port:     port,
		Username: paramString(d.params, "username", ""),
		Password: paramString(d.params, "password", ""),
		ClientID: "quantix-" + uuid.NewString()[:8],
	}

	client, err := connectMQTT(cfg)
	if err != nil {
		d.mu.Lock()
		d.lastErr = err.Error()
		d.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	if d.opts.Logger != nil {
		client.SetLogger(d.opts.Logger)
	}

	d.mu.Lock()
	d.client = client
	d.connected = true
	d.mu.Unlock()
	return nil
}

func (d *mqttDriver) Disconnect() error {
	d.mu.Lock()
	client := d.client
	d.client = nil
	d.connected = false
	d.mu.Unlock()

	if client != nil {
		return client.Close()
	}
	return nil
}

func (d *mqttDriver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected && d.client != nil && d.client.IsConnected()
}

func (d *mqttDriver) RegisterMessageHandler(fn func(topic string, payload []byte)) {
	d.mu.Lock()
	d.handler = fn
	d.mu.Unlock()
}

func (d *mqttDriver) LastError() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

func (d *mqttDriver) Execute(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Logical anchor for message-handler templates; nothing to send.
	if action == "mqtt.on_message" {
		return map[string]any{"ok": true}, nil
	}

	d.mu.Lock()
	client := d.client
	connected := d.connected
	d.mu.Unlock()

	if !connected || client == nil {
		return nil, ErrNotConnected
	}

	switch action {
	case "mqtt.subscribe":
		topic := paramString(params, "topic", "")
		qos, err := paramInt(params, "qos", 0)
		if err != nil {
			return nil, err
		}
		err = client.Subscribe(topic, byte(qos), func(t string, p []byte) error {
			d.dispatch(t, p)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"topic": topic, "qos": qos}, nil

	case "mqtt.publish":
		topic := paramString(params, "topic", "")
		payload := paramString(params, "payload", "")
		qos, err := paramInt(params, "qos", 0)
		if err != nil {
			return nil, err
		}
		if err := client.Publish(topic, []byte(payload), byte(qos), false); err != nil {
			return nil, err
		}
		return map[string]any{"topic": topic, "published": true}, nil

	default:
		return nil, fmt.Errorf("%w: %q for mqtt", ErrUnsupportedAction, action)
	}
}

// dispatch forwards an inbound message to the registered handler on its
// own goroutine. The broker client invokes this from its delivery loop,
// and the runtime handler can run for a while (it serialises against the
// device's poll and manual steps), so a synchronous call would stall
// every later message on this connection.
func (d *mqttDriver) dispatch(topic string, payload []byte) {
	d.mu.Lock()
	fn := d.handler
	d.mu.Unlock()

	if fn != nil {
		go fn(topic, payload)
	}
}
