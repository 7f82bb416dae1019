package driver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/tbrandon/mbserver"
)

// startModbusServer runs an in-process Modbus TCP slave with seeded
// data and returns its address.
func startModbusServer(t *testing.T) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	srv := mbserver.NewServer()
	// 12.345 kg in grams across two registers: 12345 = 0x3039.
	srv.InputRegisters[0] = 0
	srv.InputRegisters[1] = 12345
	srv.HoldingRegisters[0] = 777
	srv.HoldingRegisters[1] = 888
	srv.Coils[0] = 1
	srv.Coils[2] = 1
	srv.DiscreteInputs[1] = 1

	if err := srv.ListenTCP(addr); err != nil {
		t.Fatalf("ListenTCP(%s): %v", addr, err)
	}
	t.Cleanup(srv.Close)

	return addr
}

func connectedModbusDriver(t *testing.T, addr string) Driver {
	t.Helper()

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}

	d, err := New("modbus_tcp", map[string]any{
		"host":    host,
		"port":    port,
		"timeout": 2.0,
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

// ─── Live Modbus TCP Tests ───

func TestModbusReadInputRegisters(t *testing.T) {
	d := connectedModbusDriver(t, startModbusServer(t))

	result, err := d.Execute(context.Background(), "modbus.read_input_registers", map[string]any{
		"address": 0,
		"count":   2,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	registers, ok := result["registers"].([]int)
	if !ok {
		t.Fatalf("registers type = %T, want []int", result["registers"])
	}
	if len(registers) != 2 {
		t.Fatalf("len(registers) = %d, want 2", len(registers))
	}
	if registers[0] != 0 || registers[1] != 12345 {
		t.Errorf("registers = %v, want [0 12345]", registers)
	}
}

func TestModbusReadHoldingRegisters(t *testing.T) {
	d := connectedModbusDriver(t, startModbusServer(t))

	result, err := d.Execute(context.Background(), "modbus.read_holding_registers", map[string]any{
		"address": 0,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	registers := result["registers"].([]int)
	// count defaults to 2
	if len(registers) != 2 || registers[0] != 777 || registers[1] != 888 {
		t.Errorf("registers = %v, want [777 888]", registers)
	}
}

func TestModbusReadCoils(t *testing.T) {
	d := connectedModbusDriver(t, startModbusServer(t))

	result, err := d.Execute(context.Background(), "modbus.read_coils", map[string]any{
		"address": 0,
		"count":   4,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	coils := result["coils"].([]bool)
	want := []bool{true, false, true, false}
	if len(coils) != len(want) {
		t.Fatalf("len(coils) = %d, want %d", len(coils), len(want))
	}
	for i := range want {
		if coils[i] != want[i] {
			t.Errorf("coils[%d] = %v, want %v", i, coils[i], want[i])
		}
	}
}

func TestModbusReadDiscreteInputs(t *testing.T) {
	d := connectedModbusDriver(t, startModbusServer(t))

	result, err := d.Execute(context.Background(), "modbus.read_discrete_inputs", map[string]any{
		"address": 0,
		"count":   2,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	coils := result["coils"].([]bool)
	if len(coils) != 2 || coils[0] != false || coils[1] != true {
		t.Errorf("coils = %v, want [false true]", coils)
	}
}

func TestModbusWrites(t *testing.T) {
	d := connectedModbusDriver(t, startModbusServer(t))
	ctx := context.Background()

	result, err := d.Execute(ctx, "modbus.write_register", map[string]any{
		"address": 5,
		"value":   4321,
	})
	if err != nil {
		t.Fatalf("write_register error = %v", err)
	}
	if result["ok"] != true {
		t.Errorf("write_register result = %v, want ok:true", result)
	}

	read, err := d.Execute(ctx, "modbus.read_holding_registers", map[string]any{
		"address": 5,
		"count":   1,
	})
	if err != nil {
		t.Fatalf("read back error = %v", err)
	}
	if regs := read["registers"].([]int); regs[0] != 4321 {
		t.Errorf("read back = %v, want [4321]", regs)
	}

	result, err = d.Execute(ctx, "modbus.write_coil", map[string]any{
		"address": 7,
		"value":   true,
	})
	if err != nil {
		t.Fatalf("write_coil error = %v", err)
	}
	if result["ok"] != true {
		t.Errorf("write_coil result = %v, want ok:true", result)
	}

	read, err = d.Execute(ctx, "modbus.read_coils", map[string]any{
		"address": 7,
		"count":   1,
	})
	if err != nil {
		t.Fatalf("read coil back error = %v", err)
	}
	if coils := read["coils"].([]bool); !coils[0] {
		t.Errorf("coil read back = %v, want [true]", coils)
	}
}

func TestModbusUnsupportedAction(t *testing.T) {
	d := connectedModbusDriver(t, startModbusServer(t))

	_, err := d.Execute(context.Background(), "modbus.read_exception_status", nil)
	if !errors.Is(err, ErrUnsupportedAction) {
		t.Errorf("Execute() error = %v, want ErrUnsupportedAction", err)
	}
}

// ─── Connect Failure Tests ───

func closedPort(t *testing.T) (string, int) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := listener.Addr().(*net.TCPAddr)
	listener.Close()
	return "127.0.0.1", addr.Port
}

func TestModbusConnectRefused(t *testing.T) {
	host, port := closedPort(t)

	d, err := New("modbus_tcp", map[string]any{
		"host":    host,
		"port":    port,
		"timeout": 0.5,
	}, Options{SimulateOnConnectFail: false})
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

func TestModbusConnectRefusedSimulates(t *testing.T) {
	host, port := closedPort(t)

	d, err := New("modbus_tcp", map[string]any{
		"host":    host,
		"port":    port,
		"timeout": 0.5,
	}, Options{SimulateOnConnectFail: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v, want simulated success", err)
	}
	if !d.IsConnected() {
		t.Error("IsConnected() = false, want simulated connected")
	}
	if d.LastError() == "" {
		t.Error("LastError() empty, want retained connect failure detail")
	}
}

// ─── Simulation Tests ───

func simulatedModbusDriver(t *testing.T) Driver {
	t.Helper()

	// No endpoint params at all: the driver runs simulated outright.
	d, err := New("modbus", map[string]any{}, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { d.Disconnect() })
	return d
}

func TestModbusSimulatedRead(t *testing.T) {
	d := simulatedModbusDriver(t)

	for i := 0; i < 20; i++ {
		result, err := d.Execute(context.Background(), "modbus.read_input_registers", map[string]any{
			"count": 2,
		})
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}

		registers := result["registers"].([]int)
		if len(registers) != 2 {
			t.Fatalf("len(registers) = %d, want 2", len(registers))
		}

		grams := registers[0]*65536 + registers[1]
		if grams < 0 || grams > 30000 {
			t.Errorf("simulated weight = %d g, want within [0, 30000]", grams)
		}
	}
}

func TestModbusSimulatedReadPadsAndTruncates(t *testing.T) {
	d := simulatedModbusDriver(t)

	result, err := d.Execute(context.Background(), "modbus.read_holding_registers", map[string]any{
		"count": 4,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	registers := result["registers"].([]int)
	if len(registers) != 4 {
		t.Fatalf("len(registers) = %d, want 4", len(registers))
	}
	if registers[2] != 0 || registers[3] != 0 {
		t.Errorf("padding registers = %v, want zeros", registers[2:])
	}

	result, err = d.Execute(context.Background(), "modbus.read_input_registers", map[string]any{
		"count": 1,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if registers := result["registers"].([]int); len(registers) != 1 {
		t.Errorf("len(registers) = %d, want truncated to 1", len(registers))
	}
}

func TestModbusSimulatedCoils(t *testing.T) {
	d := simulatedModbusDriver(t)

	result, err := d.Execute(context.Background(), "modbus.read_coils", map[string]any{
		"count": 4,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	coils := result["coils"].([]bool)
	want := []bool{true, false, true, false}
	for i := range want {
		if coils[i] != want[i] {
			t.Errorf("coils[%d] = %v, want %v", i, coils[i], want[i])
		}
	}
}

func TestModbusSimulatedWrite(t *testing.T) {
	d := simulatedModbusDriver(t)

	result, err := d.Execute(context.Background(), "modbus.write_coil", map[string]any{
		"address": 0,
		"value":   true,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result["ok"] != true {
		t.Errorf("result = %v, want ok:true", result)
	}
}

func TestModbusSimulatedUnsupportedAction(t *testing.T) {
	d := simulatedModbusDriver(t)

	_, err := d.Execute(context.Background(), "modbus.reboot", nil)
	if !errors.Is(err, ErrUnsupportedAction) {
		t.Errorf("Execute() error = %v, want ErrUnsupportedAction", err)
	}
}

// ─── State Tests ───

func TestModbusExecuteBeforeConnect(t *testing.T) {
	d, err := New("modbus", map[string]any{}, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = d.Execute(context.Background(), "modbus.read_coils", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Execute() error = %v, want ErrNotConnected", err)
	}
}

func TestModbusDisconnectResets(t *testing.T) {
	d := simulatedModbusDriver(t)

	if err := d.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if d.IsConnected() {
		t.Error("IsConnected() = true after Disconnect")
	}
	if _, err := d.Execute(context.Background(), "modbus.read_coils", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Execute() after Disconnect error = %v, want ErrNotConnected", err)
	}
}

func TestModbusExecuteCancelledContext(t *testing.T) {
	d := simulatedModbusDriver(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := d.Execute(ctx, "modbus.read_coils", nil); err == nil {
		t.Error("Execute() expected error for cancelled context")
	}
}

// ─── Decode Helpers ───

func TestDecodeRegisters(t *testing.T) {
	data := []byte{0x30, 0x39, 0x00, 0x01, 0xFF}
	got := decodeRegisters(data)
	want := []int{12345, 1}
	if len(got) != len(want) {
		t.Fatalf("decodeRegisters() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("decodeRegisters()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestDecodeCoils(t *testing.T) {
	// 0b00000101: coils 0 and 2 set, LSB first.
	data := []byte{0x05, 0x01}

	tests := []struct {
		count int
		want  []bool
	}{
		{3, []bool{true, false, true}},
		{8, []bool{true, false, true, false, false, false, false, false}},
		{9, []bool{true, false, true, false, false, false, false, false, true}},
		{20, []bool{true, false, true, false, false, false, false, false, true, false, false, false, false, false, false, false}},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("count=%d", tt.count), func(t *testing.T) {
			got := decodeCoils(data, tt.count)
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("coil[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSecondsToDuration(t *testing.T) {
	if got := secondsToDuration(1.5); got != 1500*time.Millisecond {
		t.Errorf("secondsToDuration(1.5) = %v, want 1.5s", got)
	}
	if got := secondsToDuration(0.1); got != 100*time.Millisecond {
		t.Errorf("secondsToDuration(0.1) = %v, want 100ms", got)
	}
}
