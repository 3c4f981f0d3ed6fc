// Package canbus drives ESC nodes and a digital I/O node over SocketCAN.
//
// Each motor is addressed at BaseID plus its configuration index. A duty frame
// carries the duty cycle in hundredths of a percent, the pulse width in
// microseconds and the signal frequency, all big-endian uint16, followed by a
// flags byte. The I/O node accepts output frames at IOID and reports input
// transitions at IOID+1, both as [pin, level].
package canbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"net"
	"sync"
	"time"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"

	"github.com/kartlab/escd/internal/device"
	"github.com/kartlab/escd/pkg/core"
)

const (
	flagEnabled = 1 << 0

	dutyFrameLength = 7
	ioFrameLength   = 2
)

// Config addresses the nodes on the bus.
type Config struct {
	BaseID       uint32
	IOID         uint32
	WriteTimeout time.Duration
}

type motorNode struct {
	id      uint32
	profile core.MotorProfile
}

type interrupt struct {
	edge    device.Edge
	handler func()
}

// Driver implements device.Driver over a CAN connection.
type Driver struct {
	cfg  Config
	conn net.Conn
	tx   *socketcan.Transmitter
	txMu sync.Mutex

	mu         sync.Mutex
	motors     map[string]motorNode
	inputs     map[int]bool
	interrupts map[int][]interrupt
	closed     bool

	done   chan struct{}
	logger *slog.Logger
}

// Dial opens a SocketCAN interface such as can0.
func Dial(ctx context.Context, iface string, cfg Config, logger *slog.Logger) (*Driver, error) {
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, fmt.Errorf("socketcan dial: %w", err)
	}
	return New(conn, cfg, logger), nil
}

// New wraps an established connection and starts reading I/O node reports from it.
func New(conn net.Conn, cfg Config, logger *slog.Logger) *Driver {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 50 * time.Millisecond
	}
	d := &Driver{
		cfg:        cfg,
		conn:       conn,
		tx:         socketcan.NewTransmitter(conn),
		motors:     make(map[string]motorNode),
		inputs:     make(map[int]bool),
		interrupts: make(map[int][]interrupt),
		done:       make(chan struct{}),
		logger:     logger,
	}
	go d.receiveLoop()
	return d
}

var _ device.Driver = (*Driver)(nil)

// EncodeDuty builds the duty frame for a motor node.
func EncodeDuty(id uint32, p core.MotorProfile, value float64, enabled bool) can.Frame {
	f := can.Frame{ID: id, Length: dutyFrameLength}
	pulseUs := value / 100 * p.PeriodMs() * 1000
	binary.BigEndian.PutUint16(f.Data[0:2], uint16(math.Round(value*100)))
	binary.BigEndian.PutUint16(f.Data[2:4], uint16(math.Round(pulseUs)))
	binary.BigEndian.PutUint16(f.Data[4:6], uint16(math.Round(p.Frequency)))
	if enabled {
		f.Data[6] = flagEnabled
	}
	return f
}

// DecodeDuty returns the duty cycle percentage and enabled flag of a duty frame.
func DecodeDuty(f can.Frame) (value float64, enabled bool, err error) {
	if f.Length != dutyFrameLength {
		return 0, false, fmt.Errorf("duty frame 0x%X: expected length %d, got %d", f.ID, dutyFrameLength, f.Length)
	}
	return float64(binary.BigEndian.Uint16(f.Data[0:2])) / 100, f.Data[6]&flagEnabled != 0, nil
}

func (d *Driver) transmit(f can.Frame) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.WriteTimeout)
	defer cancel()

	d.txMu.Lock()
	defer d.txMu.Unlock()
	if err := d.tx.TransmitFrame(ctx, f); err != nil {
		return fmt.Errorf("transmit frame 0x%X: %w", f.ID, err)
	}
	return nil
}

func (d *Driver) ConfigureOutput(p core.MotorProfile) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return device.ErrClosed
	}
	node, ok := d.motors[p.Name]
	if !ok {
		node = motorNode{id: d.cfg.BaseID + uint32(len(d.motors))}
	}
	node.profile = p
	d.motors[p.Name] = node
	d.mu.Unlock()

	d.logger.Debug("CAN ESC node configured", "motor", p.Name, "id", fmt.Sprintf("0x%X", node.id))
	return d.transmit(EncodeDuty(node.id, p, 0, false))
}

func (d *Driver) node(motor string) (motorNode, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return motorNode{}, device.ErrClosed
	}
	node, ok := d.motors[motor]
	if !ok {
		return motorNode{}, fmt.Errorf("%w: %s", device.ErrUnknownMotor, motor)
	}
	return node, nil
}

func (d *Driver) SetDutyCycle(motor string, value float64) error {
	node, err := d.node(motor)
	if err != nil {
		return err
	}
	if value < 0 || value > 100 {
		return fmt.Errorf("duty cycle %v out of range for %s", value, motor)
	}
	return d.transmit(EncodeDuty(node.id, node.profile, value, true))
}

func (d *Driver) StopOutput(motor string) error {
	node, err := d.node(motor)
	if err != nil {
		return err
	}
	return d.transmit(EncodeDuty(node.id, node.profile, 0, false))
}

// ConfigureInput records the idle level of pin until the I/O node reports it.
func (d *Driver) ConfigureInput(pin int, pull device.Pull) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return device.ErrClosed
	}
	if _, known := d.inputs[pin]; !known {
		d.inputs[pin] = pull == device.PullUp
	}
	return nil
}

func (d *Driver) ReadDigitalInput(pin int) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false, device.ErrClosed
	}
	return d.inputs[pin], nil
}

func (d *Driver) RegisterEdgeInterrupt(pin int, edge device.Edge, handler func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return device.ErrClosed
	}
	d.interrupts[pin] = append(d.interrupts[pin], interrupt{edge: edge, handler: handler})
	return nil
}

func (d *Driver) SetDigitalOutput(pin int, high bool) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return device.ErrClosed
	}

	f := can.Frame{ID: d.cfg.IOID, Length: ioFrameLength}
	f.Data[0] = byte(pin)
	if high {
		f.Data[1] = 1
	}
	return d.transmit(f)
}

func (d *Driver) receiveLoop() {
	defer close(d.done)

	rx := socketcan.NewReceiver(d.conn)
	for rx.Receive() {
		if rx.HasErrorFrame() {
			d.logger.Warn("CAN error frame received", "frame", rx.ErrorFrame())
			continue
		}
		f := rx.Frame()
		if f.ID != d.cfg.IOID+1 || f.Length < ioFrameLength {
			continue
		}
		d.applyInput(int(f.Data[0]), f.Data[1] != 0)
	}
	if err := rx.Err(); err != nil {
		d.mu.Lock()
		closed := d.closed
		d.mu.Unlock()
		if !closed {
			d.logger.Error("CAN receive stopped", "error", err)
		}
	}
}

func (d *Driver) applyInput(pin int, level bool) {
	d.mu.Lock()
	prev := d.inputs[pin]
	d.inputs[pin] = level
	var fire []func()
	for _, irq := range d.interrupts[pin] {
		if irq.edge.Matches(prev, level) {
			fire = append(fire, irq.handler)
		}
	}
	d.mu.Unlock()

	for _, h := range fire {
		h()
	}
}

// Close disables every ESC node and closes the connection.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	nodes := make([]motorNode, 0, len(d.motors))
	for _, n := range d.motors {
		nodes = append(nodes, n)
	}
	d.mu.Unlock()

	for _, n := range nodes {
		if err := d.transmit(EncodeDuty(n.id, n.profile, 0, false)); err != nil {
			d.logger.Warn("Failed to disable ESC node", "motor", n.profile.Name, "error", err)
		}
	}

	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	err := d.conn.Close()
	<-d.done
	return err
}
