package driver

import (
	"context"
	"errors"
	"net"
	"testing"
)

// startTCPEcho runs a loopback server that answers every inbound frame
// with the given response, returning its host and port.
func startTCPEcho(t *testing.T, response string) (string, int) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 256)
				for {
					if _, err := c.Read(buf); err != nil {
						return
					}
					if _, err := c.Write([]byte(response)); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	addr := listener.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func connectedTCPDriver(t *testing.T, host string, port int) Driver {
	t.Helper()

	d, err := New("tcp", map[string]any{
		"host": host,
		"port": port,
	}, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { d.Disconnect() })
	return d
}

// ─── Live Socket Tests ───

func TestTCPSendReceive(t *testing.T) {
	host, port := startTCPEcho(t, "12.34 kg\r\n")
	d := connectedTCPDriver(t, host, port)
	ctx := context.Background()

	result, err := d.Execute(ctx, "tcp.send", map[string]any{"data": "W?"})
	if err != nil {
		t.Fatalf("send error = %v", err)
	}
	if result["bytes_sent"] != 2 {
		t.Errorf("bytes_sent = %v, want 2", result["bytes_sent"])
	}

	result, err = d.Execute(ctx, "tcp.receive", map[string]any{
		"size":    64,
		"timeout": 2000,
	})
	if err != nil {
		t.Fatalf("receive error = %v", err)
	}
	payload, ok := result["payload"].([]byte)
	if !ok {
		t.Fatalf("payload type = %T, want []byte", result["payload"])
	}
	if string(payload) != "12.34 kg\r\n" {
		t.Errorf("payload = %q, want 12.34 kg", payload)
	}
}

func TestTCPReceiveTimeout(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan struct{})
	t.Cleanup(func() {
		close(done)
		listener.Close()
	})
	go func() {
		// Accept and stay silent until the test ends.
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		<-done
	}()

	addr := listener.Addr().(*net.TCPAddr)
	d := connectedTCPDriver(t, "127.0.0.1", addr.Port)

	_, err = d.Execute(context.Background(), "tcp.receive", map[string]any{
		"timeout": 100,
	})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("receive error = %v, want ErrTimeout", err)
	}
}

func TestTCPConnectRefused(t *testing.T) {
	host, port := closedPort(t)

	d, err := New("tcp", map[string]any{
		"host":    host,
		"port":    port,
		"timeout": 0.5,
	}, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = d.Connect(context.Background())
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectFailed", err)
	}
	if d.LastError() == "" {
		t.Error("LastError() empty after failed connect")
	}
}

// ─── Simulated Mode Tests ───

func TestTCPSimulatedMode(t *testing.T) {
	d, err := New("tcp", map[string]any{}, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v, want simulated success", err)
	}
	if !d.IsConnected() {
		t.Fatal("IsConnected() = false, want simulated connected")
	}

	result, err := d.Execute(context.Background(), "tcp.receive", nil)
	if err != nil {
		t.Fatalf("receive error = %v", err)
	}
	if payload := result["payload"].([]byte); string(payload) != "0.0" {
		t.Errorf("payload = %q, want simulated 0.0", payload)
	}

	result, err = d.Execute(context.Background(), "tcp.send", map[string]any{"data": "ping"})
	if err != nil {
		t.Fatalf("send error = %v", err)
	}
	if result["bytes_sent"] != 4 {
		t.Errorf("bytes_sent = %v, want 4", result["bytes_sent"])
	}
}

// ─── State Tests ───

func TestTCPExecuteBeforeConnect(t *testing.T) {
	d, _ := New("tcp", map[string]any{"host": "127.0.0.1", "port": 9}, Options{})

	_, err := d.Execute(context.Background(), "tcp.receive", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Execute() error = %v, want ErrNotConnected", err)
	}
}

func TestTCPUnsupportedAction(t *testing.T) {
	host, port := startTCPEcho(t, "x")
	d := connectedTCPDriver(t, host, port)

	_, err := d.Execute(context.Background(), "tcp.connect_twice", nil)
	if !errors.Is(err, ErrUnsupportedAction) {
		t.Errorf("Execute() error = %v, want ErrUnsupportedAction", err)
	}
}

func TestTCPDisconnect(t *testing.T) {
	host, port := startTCPEcho(t, "x")
	d := connectedTCPDriver(t, host, port)

	if err := d.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if d.IsConnected() {
		t.Error("IsConnected() = true after Disconnect")
	}
	if _, err := d.Execute(context.Background(), "tcp.receive", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Execute() after Disconnect error = %v, want ErrNotConnected", err)
	}
}
