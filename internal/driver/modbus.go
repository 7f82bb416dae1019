package driver

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/goburrow/modbus"
)

// Modbus action and param defaults.
const (
	defaultModbusPort     = 502
	defaultRegisterCount  = 2
	defaultCoilCount      = 8
	defaultModbusSlaveID  = 1
	defaultModbusTimeout  = 1.0 // seconds
	defaultModbusBaudrate = 9600
	defaultModbusDataBits = 8
	defaultModbusStopBits = 1
	defaultModbusParity   = "N"

	// simulatedMaxKg bounds synthesised scale readings.
	simulatedMaxKg = 30.0
)

// modbusHandler is the subset of goburrow handler behaviour shared by
// the TCP and RTU client handlers.
type modbusHandler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

// modbusDriver speaks Modbus TCP or RTU depending on connection params:
// a host selects TCP, a bare port path selects RTU, and neither selects
// simulated mode outright (local development without hardware).
type modbusDriver struct {
	params map[string]any
	opts   Options

	mu        sync.Mutex
	handler   modbusHandler
	client    modbus.Client
	connected bool
	simulated bool
	lastErr   string
}

func newModbusDriver(params map[string]any, opts Options) *modbusDriver {
	return &modbusDriver{params: params, opts: opts}
}

func (d *modbusDriver) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	host := paramString(d.params, "host", "")
	portPath := paramString(d.params, "port", "")

	switch {
	case host != "":
		port, err := paramInt(d.params, "port", defaultModbusPort)
		if err != nil {
			return d.failConnect(err)
		}
		timeout, err := paramFloat(d.params, "timeout", defaultModbusTimeout)
		if err != nil {
			return d.failConnect(err)
		}
		handler := modbus.NewTCPClientHandler(fmt.Sprintf("%s:%d", host, port))
		handler.Timeout = secondsToDuration(timeout)
		return d.connectHandler(handler)

	case portPath != "":
		handler := modbus.NewRTUClientHandler(portPath)
		baud, err := paramInt(d.params, "baudrate", defaultModbusBaudrate)
		if err != nil {
			return d.failConnect(err)
		}
		dataBits, err := paramInt(d.params, "bytesize", defaultModbusDataBits)
		if err != nil {
			return d.failConnect(err)
		}
		stopBits, err := paramInt(d.params, "stopbits", defaultModbusStopBits)
		if err != nil {
			return d.failConnect(err)
		}
		timeout, err := paramFloat(d.params, "timeout", defaultModbusTimeout)
		if err != nil {
			return d.failConnect(err)
		}
		handler.BaudRate = baud
		handler.DataBits = dataBits
		handler.StopBits = stopBits
		handler.Parity = paramString(d.params, "parity", defaultModbusParity)
		handler.Timeout = secondsToDuration(timeout)
		return d.connectHandler(handler)

	default:
		// No endpoint at all: run simulated so templates can be
		// exercised without hardware.
		d.enterSimulation("no modbus endpoint configured")
		return nil
	}
}

// connectHandler attempts the transport connect and applies the
// simulation fallback on failure. Callers hold d.mu.
func (d *modbusDriver) connectHandler(handler modbusHandler) error {
	if err := handler.Connect(); err != nil {
		d.lastErr = err.Error()
		if d.opts.SimulateOnConnectFail {
			d.enterSimulation(err.Error())
			return nil
		}
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	d.handler = handler
	d.client = modbus.NewClient(handler)
	d.connected = true
	d.simulated = false
	return nil
}

// enterSimulation marks the driver connected without a transport.
// Callers hold d.mu.
func (d *modbusDriver) enterSimulation(reason string) {
	d.handler = nil
	d.client = nil
	d.connected = true
	d.simulated = true
	if d.opts.Logger != nil {
		d.opts.Logger.Warn("modbus driver running simulated",
			"reason", reason,
		)
	}
}

// failConnect records a param coercion failure. Callers hold d.mu.
func (d *modbusDriver) failConnect(err error) error {
	d.lastErr = err.Error()
	return fmt.Errorf("%w: %w", ErrConnectFailed, err)
}

func (d *modbusDriver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handler != nil {
		d.handler.Close()
	}
	d.handler = nil
	d.client = nil
	d.connected = false
	d.simulated = false
	return nil
}

func (d *modbusDriver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *modbusDriver) RegisterMessageHandler(fn func(topic string, payload []byte)) {
	_ = fn // Modbus is strictly request/response.
}

func (d *modbusDriver) LastError() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

func (d *modbusDriver) Execute(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil, ErrNotConnected
	}
	if d.simulated {
		return d.simulate(action, params)
	}

	slaveID, err := paramInt(params, "slave_id", defaultModbusSlaveID)
	if err != nil {
		return nil, err
	}
	d.setSlave(byte(slaveID))

	address, err := paramInt(params, "address", 0)
	if err != nil {
		return nil, err
	}

	switch action {
	case "modbus.read_input_registers":
		count, err := paramInt(params, "count", defaultRegisterCount)
		if err != nil {
			return nil, err
		}
		data, err := d.client.ReadInputRegisters(uint16(address), uint16(count))
		if err != nil {
			return nil, fmt.Errorf("read input registers at %d: %w", address, err)
		}
		return map[string]any{"registers": decodeRegisters(data)}, nil

	case "modbus.read_holding_registers":
		count, err := paramInt(params, "count", defaultRegisterCount)
		if err != nil {
			return nil, err
		}
		data, err := d.client.ReadHoldingRegisters(uint16(address), uint16(count))
		if err != nil {
			return nil, fmt.Errorf("read holding registers at %d: %w", address, err)
		}
		return map[string]any{"registers": decodeRegisters(data)}, nil

	case "modbus.read_coils":
		count, err := paramInt(params, "count", defaultCoilCount)
		if err != nil {
			return nil, err
		}
		data, err := d.client.ReadCoils(uint16(address), uint16(count))
		if err != nil {
			return nil, fmt.Errorf("read coils at %d: %w", address, err)
		}
		return map[string]any{"coils": decodeCoils(data, count)}, nil

	case "modbus.read_discrete_inputs":
		count, err := paramInt(params, "count", defaultCoilCount)
		if err != nil {
			return nil, err
		}
		data, err := d.client.ReadDiscreteInputs(uint16(address), uint16(count))
		if err != nil {
			return nil, fmt.Errorf("read discrete inputs at %d: %w", address, err)
		}
		return map[string]any{"coils": decodeCoils(data, count)}, nil

	case "modbus.write_register":
		value, err := paramInt(params, "value", 0)
		if err != nil {
			return nil, err
		}
		if _, err := d.client.WriteSingleRegister(uint16(address), uint16(value)); err != nil {
			return nil, fmt.Errorf("write register at %d: %w", address, err)
		}
		return map[string]any{"ok": true}, nil

	case "modbus.write_coil":
		coilValue := uint16(0x0000)
		if paramBool(params, "value", false) {
			coilValue = 0xFF00
		}
		if _, err := d.client.WriteSingleCoil(uint16(address), coilValue); err != nil {
			return nil, fmt.Errorf("write coil at %d: %w", address, err)
		}
		return map[string]any{"ok": true}, nil

	default:
		return nil, fmt.Errorf("%w: %q for modbus", ErrUnsupportedAction, action)
	}
}

// setSlave applies the per-action unit identifier to the live handler.
// Callers hold d.mu.
func (d *modbusDriver) setSlave(id byte) {
	switch h := d.handler.(type) {
	case *modbus.RTUClientHandler:
		h.SlaveId = id
	case *modbus.TCPClientHandler:
		h.SlaveId = id
	}
}

// simulate synthesises plausible scale data for read actions.
//
// Reads return a random weight in [0, 30) kg encoded as grams split
// across two big-endian u16 registers, padded with zeros or truncated
// to the requested count, plus alternating coil states. Writes succeed
// unconditionally. Callers hold d.mu.
func (d *modbusDriver) simulate(action string, params map[string]any) (map[string]any, error) {
	switch {
	case strings.HasPrefix(action, "modbus.read"):
		count, err := paramInt(params, "count", defaultRegisterCount)
		if err != nil {
			return nil, err
		}
		if count < 1 {
			count = 1
		}

		kg := rand.Float64() * simulatedMaxKg
		raw := int(kg * 1000)
		registers := []int{(raw >> 16) & 0xFFFF, raw & 0xFFFF}
		for len(registers) < count {
			registers = append(registers, 0)
		}
		registers = registers[:count]

		coils := make([]bool, count)
		for i := range coils {
			coils[i] = i%2 == 0
		}

		return map[string]any{"registers": registers, "coils": coils}, nil

	case strings.HasPrefix(action, "modbus.write"):
		return map[string]any{"ok": true}, nil

	default:
		return nil, fmt.Errorf("%w: %q for modbus", ErrUnsupportedAction, action)
	}
}

// decodeRegisters converts a Modbus response to register values,
// big-endian u16 per register.
func decodeRegisters(data []byte) []int {
	registers := make([]int, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		registers = append(registers, int(binary.BigEndian.Uint16(data[i:i+2])))
	}
	return registers
}

// decodeCoils unpacks a Modbus bit-field response, LSB first within
// each byte, truncated to the requested count.
func decodeCoils(data []byte, count int) []bool {
	coils := make([]bool, 0, count)
	for i := 0; i < count; i++ {
		byteIdx := i / 8
		if byteIdx >= len(data) {
			break
		}
		coils = append(coils, data[byteIdx]>>(i%8)&0x01 == 0x01)
	}
	return coils
}

// secondsToDuration converts a fractional seconds param to a Duration.
func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
