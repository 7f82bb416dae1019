package driver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// tcpDriver exchanges raw frames with a device over a plain socket.
// With no host or port configured it runs simulated, answering
// receives with a zero reading so templates stay testable.
type tcpDriver struct {
	params map[string]any
	opts   Options

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	simulated bool
	lastErr   string
}

func newTCPDriver(params map[string]any, opts Options) *tcpDriver {
	return &tcpDriver{params: params, opts: opts}
}

func (d *tcpDriver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	host := paramString(d.params, "host", "")
	port, err := paramInt(d.params, "port", 0)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	if host == "" || port == 0 {
		d.connected = true
		d.simulated = true
		if d.opts.Logger != nil {
			d.opts.Logger.Warn("tcp driver running simulated",
				"reason", "no tcp endpoint configured",
			)
		}
		return nil
	}

	timeout, err := paramFloat(d.params, "timeout", 1.0)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	dialer := net.Dialer{Timeout: secondsToDuration(timeout)}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		d.lastErr = err.Error()
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	d.conn = conn
	d.connected = true
	d.simulated = false
	return nil
}

func (d *tcpDriver) Disconnect() error {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.connected = false
	d.simulated = false
	d.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (d *tcpDriver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *tcpDriver) RegisterMessageHandler(fn func(topic string, payload []byte)) {
	_ = fn // TCP is polled, never push.
}

func (d *tcpDriver) LastError() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

func (d *tcpDriver) Execute(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	conn := d.conn
	connected := d.connected
	simulated := d.simulated
	d.mu.Unlock()

	if !connected {
		return nil, ErrNotConnected
	}

	switch action {
	case "tcp.send":
		data, err := encodePayload(params["data"], paramString(params, "encoding", "text"))
		if err != nil {
			return nil, err
		}
		if !simulated {
			if _, err := conn.Write(data); err != nil {
				return nil, fmt.Errorf("tcp write: %w", err)
			}
		}
		return map[string]any{"bytes_sent": len(data)}, nil

	case "tcp.receive":
		if simulated {
			return map[string]any{"payload": []byte("0.0")}, nil
		}
		size, err := paramInt(params, "size", defaultReceiveSize)
		if err != nil {
			return nil, err
		}
		timeoutMs, err := paramInt(params, "timeout", defaultReceiveTimeout)
		if err != nil {
			return nil, err
		}

		if err := conn.SetReadDeadline(time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)); err != nil {
			return nil, fmt.Errorf("tcp set deadline: %w", err)
		}
		buf := make([]byte, size)
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil, fmt.Errorf("%w: no data within %dms", ErrTimeout, timeoutMs)
			}
			return nil, fmt.Errorf("tcp read: %w", err)
		}
		return map[string]any{"payload": buf[:n]}, nil

	default:
		return nil, fmt.Errorf("%w: %q for tcp", ErrUnsupportedAction, action)
	}
}
