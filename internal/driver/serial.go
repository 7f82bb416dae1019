package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/serial"
)

// Serial action and param defaults.
const (
	defaultSerialPort     = "/dev/ttyUSB0"
	defaultReceiveSize    = 64
	defaultReceiveTimeout = 1000 // milliseconds
	defaultSerialBaudrate = 9600
	defaultSerialDataBits = 8
	defaultSerialStopBits = 1
	defaultSerialParity   = "N"
)

// serialDriver exchanges raw frames with a device over a serial port,
// typically a weight indicator streaming ASCII lines.
type serialDriver struct {
	params map[string]any
	opts   Options

	mu        sync.Mutex
	port      serial.Port
	connected bool
	lastErr   string
}

func newSerialDriver(params map[string]any, opts Options) *serialDriver {
	return &serialDriver{params: params, opts: opts}
}

func (d *serialDriver) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	baud, err := paramInt(d.params, "baudrate", defaultSerialBaudrate)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	dataBits, err := paramInt(d.params, "bytesize", defaultSerialDataBits)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	stopBits, err := paramInt(d.params, "stopbits", defaultSerialStopBits)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	timeout, err := paramFloat(d.params, "timeout", 1.0)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	port, err := serial.Open(&serial.Config{
		Address:  paramString(d.params, "port", defaultSerialPort),
		BaudRate: baud,
		DataBits: dataBits,
		StopBits: stopBits,
		Parity:   paramString(d.params, "parity", defaultSerialParity),
		Timeout:  secondsToDuration(timeout),
	})
	if err != nil {
		d.lastErr = err.Error()
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	d.port = port
	d.connected = true
	return nil
}

func (d *serialDriver) Disconnect() error {
	d.mu.Lock()
	port := d.port
	d.port = nil
	d.connected = false
	d.mu.Unlock()

	if port != nil {
		return port.Close()
	}
	return nil
}

func (d *serialDriver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *serialDriver) RegisterMessageHandler(fn func(topic string, payload []byte)) {
	_ = fn // Serial is polled, never push.
}

func (d *serialDriver) LastError() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

func (d *serialDriver) Execute(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	port := d.port
	connected := d.connected
	d.mu.Unlock()

	if !connected || port == nil {
		return nil, ErrNotConnected
	}

	switch action {
	case "serial.send":
		data, err := encodePayload(params["data"], paramString(params, "encoding", "text"))
		if err != nil {
			return nil, err
		}
		if _, err := port.Write(data); err != nil {
			return nil, fmt.Errorf("serial write: %w", err)
		}
		return map[string]any{"bytes_sent": len(data)}, nil

	case "serial.receive":
		size, err := paramInt(params, "size", defaultReceiveSize)
		if err != nil {
			return nil, err
		}
		timeoutMs, err := paramInt(params, "timeout", defaultReceiveTimeout)
		if err != nil {
			return nil, err
		}
		payload, err := readSerial(port, size, time.Duration(timeoutMs)*time.Millisecond)
		if err != nil {
			return nil, err
		}
		return map[string]any{"payload": payload}, nil

	default:
		return nil, fmt.Errorf("%w: %q for serial", ErrUnsupportedAction, action)
	}
}

// readSerial performs a single bounded read.
//
// The port's own timeout (fixed at open) bounds the blocking Read; the
// per-call deadline bounds how long this call waits for it. A read
// that outlives the call deadline drains on its own within the port
// timeout, and its late result is discarded. A port-level timeout with
// no data is not an error: the device simply had nothing to say, so
// the payload is empty.
func readSerial(port serial.Port, size int, deadline time.Duration) ([]byte, error) {
	if size <= 0 {
		return []byte{}, nil
	}

	type readResult struct {
		n   int
		err error
	}

	buf := make([]byte, size)
	done := make(chan readResult, 1)
	go func() {
		n, err := port.Read(buf)
		done <- readResult{n: n, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && !errors.Is(res.err, serial.ErrTimeout) {
			return nil, fmt.Errorf("serial read: %w", res.err)
		}
		return buf[:res.n], nil
	case <-time.After(deadline):
		return []byte{}, nil
	}
}
