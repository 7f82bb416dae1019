package driver

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/goburrow/serial"
)

// fakeSerialPort implements serial.Port over canned responses.
type fakeSerialPort struct {
	data    []byte
	readErr error
	block   chan struct{} // when non-nil, Read waits until closed

	written []byte
	closed  bool
}

func (f *fakeSerialPort) Open(*serial.Config) error {
	return nil
}

func (f *fakeSerialPort) Read(p []byte) (int, error) {
	if f.block != nil {
		<-f.block
	}
	if f.readErr != nil {
		return 0, f.readErr
	}
	n := copy(p, f.data)
	return n, nil
}

func (f *fakeSerialPort) Write(p []byte) (int, error) {
	f.written = append(f.written, p...)
	return len(p), nil
}

func (f *fakeSerialPort) Close() error {
	f.closed = true
	return nil
}

func fakeSerialDriver(port serial.Port) *serialDriver {
	return &serialDriver{
		params:    map[string]any{},
		port:      port,
		connected: true,
	}
}

// ─── Connect Tests ───

func TestSerialConnectFailure(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "ttyUSB-missing")

	d, err := New("serial", map[string]any{"port": missing}, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = d.Connect(context.Background())
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectFailed", err)
	}
	if d.IsConnected() {
		t.Error("IsConnected() = true after failed connect")
	}
	if d.LastError() == "" {
		t.Error("LastError() empty after failed connect")
	}
}

func TestSerialExecuteBeforeConnect(t *testing.T) {
	d, _ := New("serial", map[string]any{}, Options{})

	_, err := d.Execute(context.Background(), "serial.receive", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Execute() error = %v, want ErrNotConnected", err)
	}
}

// ─── Action Tests ───

func TestSerialSend(t *testing.T) {
	port := &fakeSerialPort{}
	d := fakeSerialDriver(port)

	result, err := d.Execute(context.Background(), "serial.send", map[string]any{
		"data": "WS?\r\n",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if result["bytes_sent"] != 5 {
		t.Errorf("bytes_sent = %v, want 5", result["bytes_sent"])
	}
	if string(port.written) != "WS?\r\n" {
		t.Errorf("written = %q, want WS?\\r\\n", port.written)
	}
}

func TestSerialSendHex(t *testing.T) {
	port := &fakeSerialPort{}
	d := fakeSerialDriver(port)

	result, err := d.Execute(context.Background(), "serial.send", map[string]any{
		"data":     "02 57 03",
		"encoding": "hex",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if result["bytes_sent"] != 3 {
		t.Errorf("bytes_sent = %v, want 3", result["bytes_sent"])
	}
	if len(port.written) != 3 || port.written[0] != 0x02 || port.written[1] != 0x57 || port.written[2] != 0x03 {
		t.Errorf("written = %v, want [2 87 3]", port.written)
	}
}

func TestSerialSendBadHex(t *testing.T) {
	d := fakeSerialDriver(&fakeSerialPort{})

	_, err := d.Execute(context.Background(), "serial.send", map[string]any{
		"data":     "xyz",
		"encoding": "hex",
	})
	if !errors.Is(err, ErrInvalidParams) {
		t.Errorf("Execute() error = %v, want ErrInvalidParams", err)
	}
}

func TestSerialReceive(t *testing.T) {
	port := &fakeSerialPort{data: []byte("WS 12.34\r\n")}
	d := fakeSerialDriver(port)

	result, err := d.Execute(context.Background(), "serial.receive", map[string]any{
		"size":    64,
		"timeout": 500,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	payload, ok := result["payload"].([]byte)
	if !ok {
		t.Fatalf("payload type = %T, want []byte", result["payload"])
	}
	if string(payload) != "WS 12.34\r\n" {
		t.Errorf("payload = %q, want WS 12.34", payload)
	}
}

func TestSerialReceivePortTimeoutIsEmpty(t *testing.T) {
	port := &fakeSerialPort{readErr: serial.ErrTimeout}
	d := fakeSerialDriver(port)

	result, err := d.Execute(context.Background(), "serial.receive", map[string]any{})
	if err != nil {
		t.Fatalf("Execute() error = %v, want silent empty payload", err)
	}
	if payload := result["payload"].([]byte); len(payload) != 0 {
		t.Errorf("payload = %v, want empty", payload)
	}
}

func TestSerialReceiveDeadline(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	port := &fakeSerialPort{block: block, data: []byte("late")}
	d := fakeSerialDriver(port)

	start := time.Now()
	result, err := d.Execute(context.Background(), "serial.receive", map[string]any{
		"timeout": 50,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("receive took %v, want bounded by 50ms deadline", elapsed)
	}
	if payload := result["payload"].([]byte); len(payload) != 0 {
		t.Errorf("payload = %q, want empty on deadline", payload)
	}
}

func TestSerialReceiveReadError(t *testing.T) {
	port := &fakeSerialPort{readErr: errors.New("device unplugged")}
	d := fakeSerialDriver(port)

	_, err := d.Execute(context.Background(), "serial.receive", nil)
	if err == nil {
		t.Fatal("Execute() expected error for failed read")
	}
}

func TestSerialReceiveZeroSize(t *testing.T) {
	d := fakeSerialDriver(&fakeSerialPort{data: []byte("unread")})

	result, err := d.Execute(context.Background(), "serial.receive", map[string]any{"size": 0})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if payload := result["payload"].([]byte); len(payload) != 0 {
		t.Errorf("payload = %v, want empty for size 0", payload)
	}
}

func TestSerialUnsupportedAction(t *testing.T) {
	d := fakeSerialDriver(&fakeSerialPort{})

	_, err := d.Execute(context.Background(), "serial.break", nil)
	if !errors.Is(err, ErrUnsupportedAction) {
		t.Errorf("Execute() error = %v, want ErrUnsupportedAction", err)
	}
}

func TestSerialDisconnectClosesPort(t *testing.T) {
	port := &fakeSerialPort{}
	d := fakeSerialDriver(port)

	if err := d.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if !port.closed {
		t.Error("port not closed on Disconnect")
	}
	if d.IsConnected() {
		t.Error("IsConnected() = true after Disconnect")
	}
}
