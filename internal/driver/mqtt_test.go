package driver

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quantix-io/quantix-connect/internal/infrastructure/mqtt"
)

// fakeMQTTConn records broker interactions and lets tests inject
// inbound messages through captured subscription handlers.
type fakeMQTTConn struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	handlers  map[string]mqtt.MessageHandler
	published []publishedMsg

	subscribeErr error
	publishErr   error
}

type publishedMsg struct {
	topic   string
	payload string
	qos     byte
}

func newFakeMQTTConn() *fakeMQTTConn {
	return &fakeMQTTConn{
		connected: true,
		handlers:  make(map[string]mqtt.MessageHandler),
	}
}

func (f *fakeMQTTConn) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.handlers[topic] = handler
	return nil
}

func (f *fakeMQTTConn) Publish(topic string, payload []byte, qos byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishedMsg{topic: topic, payload: string(payload), qos: qos})
	return nil
}

func (f *fakeMQTTConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.connected = false
	return nil
}

func (f *fakeMQTTConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeMQTTConn) SetLogger(_ mqtt.Logger) {}

// deliver pushes an inbound message through the captured handler.
func (f *fakeMQTTConn) deliver(topic string, payload []byte) {
	f.mu.Lock()
	handler := f.handlers[topic]
	f.mu.Unlock()
	if handler != nil {
		handler(topic, payload)
	}
}

// swapConnectMQTT replaces the broker dialer for the test's duration.
func swapConnectMQTT(t *testing.T, fn func(cfg mqtt.Config) (mqttConn, error)) {
	t.Helper()
	orig := connectMQTT
	connectMQTT = fn
	t.Cleanup(func() { connectMQTT = orig })
}

func connectedMQTTDriver(t *testing.T, fake *fakeMQTTConn) Driver {
	t.Helper()

	swapConnectMQTT(t, func(_ mqtt.Config) (mqttConn, error) {
		return fake, nil
	})

	d, err := New("mqtt", map[string]any{"host": "127.0.0.1"}, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { d.Disconnect() })
	return d
}

// ─── Connect Tests ───

func TestMQTTConnectClientID(t *testing.T) {
	var gotCfg mqtt.Config
	swapConnectMQTT(t, func(cfg mqtt.Config) (mqttConn, error) {
		gotCfg = cfg
		return newFakeMQTTConn(), nil
	})

	d, err := New("mqtt", map[string]any{
		"host":     "broker.local",
		"port":     "8883",
		"username": "scale",
		"password": "secret",
	}, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if gotCfg.Host != "broker.local" {
		t.Errorf("cfg.Host = %q, want broker.local", gotCfg.Host)
	}
	if gotCfg.Port != 8883 {
		t.Errorf("cfg.Port = %d, want 8883", gotCfg.Port)
	}
	if gotCfg.Username != "scale" || gotCfg.Password != "secret" {
		t.Errorf("cfg credentials = %q/%q, want scale/secret", gotCfg.Username, gotCfg.Password)
	}
	if !strings.HasPrefix(gotCfg.ClientID, "quantix-") || len(gotCfg.ClientID) != len("quantix-")+8 {
		t.Errorf("cfg.ClientID = %q, want quantix-<8 hex>", gotCfg.ClientID)
	}
}

func TestMQTTConnectDefaultsHost(t *testing.T) {
	var gotCfg mqtt.Config
	swapConnectMQTT(t, func(cfg mqtt.Config) (mqttConn, error) {
		gotCfg = cfg
		return newFakeMQTTConn(), nil
	})

	d, _ := New("mqtt", map[string]any{}, Options{})
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if gotCfg.Host != "127.0.0.1" {
		t.Errorf("cfg.Host = %q, want default 127.0.0.1", gotCfg.Host)
	}
	if gotCfg.Port != 1883 {
		t.Errorf("cfg.Port = %d, want default 1883", gotCfg.Port)
	}
}

func TestMQTTConnectFailure(t *testing.T) {
	swapConnectMQTT(t, func(_ mqtt.Config) (mqttConn, error) {
		return nil, errors.New("network unreachable")
	})

	d, _ := New("mqtt", map[string]any{"host": "10.255.255.1"}, Options{})
	err := d.Connect(context.Background())
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectFailed", err)
	}
	if d.IsConnected() {
		t.Error("IsConnected() = true after failed connect")
	}
	if !strings.Contains(d.LastError(), "network unreachable") {
		t.Errorf("LastError() = %q, want connect failure detail", d.LastError())
	}
}

// ─── Action Tests ───

func TestMQTTSubscribe(t *testing.T) {
	fake := newFakeMQTTConn()
	d := connectedMQTTDriver(t, fake)

	result, err := d.Execute(context.Background(), "mqtt.subscribe", map[string]any{
		"topic": "scale/weight",
		"qos":   1,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if result["topic"] != "scale/weight" {
		t.Errorf("result topic = %v, want scale/weight", result["topic"])
	}
	if result["qos"] != 1 {
		t.Errorf("result qos = %v, want 1", result["qos"])
	}
	if _, ok := fake.handlers["scale/weight"]; !ok {
		t.Error("broker subscription not registered")
	}
}

func TestMQTTSubscribeDispatchesHandler(t *testing.T) {
	fake := newFakeMQTTConn()
	d := connectedMQTTDriver(t, fake)

	type delivery struct {
		topic   string
		payload string
	}
	got := make(chan delivery, 1)
	d.RegisterMessageHandler(func(topic string, payload []byte) {
		got <- delivery{topic: topic, payload: string(payload)}
	})

	if _, err := d.Execute(context.Background(), "mqtt.subscribe", map[string]any{
		"topic": "scale/weight",
	}); err != nil {
		t.Fatalf("subscribe error = %v", err)
	}

	fake.deliver("scale/weight", []byte("12.5"))

	select {
	case msg := <-got:
		if msg.topic != "scale/weight" || msg.payload != "12.5" {
			t.Errorf("handler got (%q, %q), want (scale/weight, 12.5)", msg.topic, msg.payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}
}

func TestMQTTDispatchDoesNotBlockDeliveries(t *testing.T) {
	fake := newFakeMQTTConn()
	d := connectedMQTTDriver(t, fake)

	release := make(chan struct{})
	defer close(release)
	started := make(chan string, 2)
	d.RegisterMessageHandler(func(_ string, payload []byte) {
		started <- string(payload)
		<-release
	})

	if _, err := d.Execute(context.Background(), "mqtt.subscribe", map[string]any{
		"topic": "scale/weight",
	}); err != nil {
		t.Fatalf("subscribe error = %v", err)
	}

	// Neither handler invocation is released: the second message must
	// still reach its handler while the first is blocked mid-flight.
	fake.deliver("scale/weight", []byte("1.0"))
	fake.deliver("scale/weight", []byte("2.0"))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case payload := <-started:
			seen[payload] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("delivery stalled behind a blocked handler (saw %v)", seen)
		}
	}
	if !seen["1.0"] || !seen["2.0"] {
		t.Errorf("handler saw %v, want both messages", seen)
	}
}

func TestMQTTHandlerRegisteredAfterSubscribe(t *testing.T) {
	fake := newFakeMQTTConn()
	d := connectedMQTTDriver(t, fake)

	if _, err := d.Execute(context.Background(), "mqtt.subscribe", map[string]any{
		"topic": "scale/weight",
	}); err != nil {
		t.Fatalf("subscribe error = %v", err)
	}

	// No handler yet: delivery must be a safe no-op.
	fake.deliver("scale/weight", []byte("1.0"))

	received := make(chan string, 1)
	d.RegisterMessageHandler(func(_ string, payload []byte) {
		received <- string(payload)
	})

	fake.deliver("scale/weight", []byte("2.0"))

	select {
	case payload := <-received:
		if payload != "2.0" {
			t.Errorf("received = %q, want late-registered handler to fire", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("late-registered handler not invoked")
	}
}

func TestMQTTPublish(t *testing.T) {
	fake := newFakeMQTTConn()
	d := connectedMQTTDriver(t, fake)

	result, err := d.Execute(context.Background(), "mqtt.publish", map[string]any{
		"topic":   "scale/commands/tare",
		"payload": "now",
		"qos":     2,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if result["published"] != true {
		t.Errorf("result = %v, want published:true", result)
	}
	if len(fake.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(fake.published))
	}
	msg := fake.published[0]
	if msg.topic != "scale/commands/tare" || msg.payload != "now" || msg.qos != 2 {
		t.Errorf("published = %+v, want tare/now/qos2", msg)
	}
}

func TestMQTTPublishNumericPayload(t *testing.T) {
	fake := newFakeMQTTConn()
	d := connectedMQTTDriver(t, fake)

	if _, err := d.Execute(context.Background(), "mqtt.publish", map[string]any{
		"topic":   "scale/setpoint",
		"payload": float64(12.5),
	}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if fake.published[0].payload != "12.5" {
		t.Errorf("payload = %q, want 12.5", fake.published[0].payload)
	}
}

func TestMQTTOnMessageIsLogical(t *testing.T) {
	// on_message must succeed even before Connect: it never reaches the wire.
	d, err := New("mqtt", map[string]any{}, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	result, err := d.Execute(context.Background(), "mqtt.on_message", nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result["ok"] != true {
		t.Errorf("result = %v, want ok:true", result)
	}
}

func TestMQTTExecuteBeforeConnect(t *testing.T) {
	d, _ := New("mqtt", map[string]any{}, Options{})

	_, err := d.Execute(context.Background(), "mqtt.subscribe", map[string]any{"topic": "t"})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Execute() error = %v, want ErrNotConnected", err)
	}
}

func TestMQTTSubscribeErrorPassesThrough(t *testing.T) {
	fake := newFakeMQTTConn()
	fake.subscribeErr = mqtt.ErrSubscribeFailed
	d := connectedMQTTDriver(t, fake)

	_, err := d.Execute(context.Background(), "mqtt.subscribe", map[string]any{"topic": "t"})
	if !errors.Is(err, mqtt.ErrSubscribeFailed) {
		t.Errorf("Execute() error = %v, want ErrSubscribeFailed", err)
	}
}

func TestMQTTUnsupportedAction(t *testing.T) {
	fake := newFakeMQTTConn()
	d := connectedMQTTDriver(t, fake)

	_, err := d.Execute(context.Background(), "mqtt.unsubscribe_all", nil)
	if !errors.Is(err, ErrUnsupportedAction) {
		t.Errorf("Execute() error = %v, want ErrUnsupportedAction", err)
	}
}

func TestMQTTDisconnectClosesClient(t *testing.T) {
	fake := newFakeMQTTConn()
	d := connectedMQTTDriver(t, fake)

	if err := d.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if !fake.closed {
		t.Error("broker client not closed on Disconnect")
	}
	if d.IsConnected() {
		t.Error("IsConnected() = true after Disconnect")
	}
}
