package modbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	mb "github.com/grid-x/modbus"

	"github.com/KevinKickass/OpenFillCore/internal/config"
)

// Bus is the subset of a Modbus client the gateway needs.
// mb.Client satisfies it.
type Bus interface {
	ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]byte, error)
	WriteSingleRegister(ctx context.Context, address, value uint16) ([]byte, error)
	WriteSingleCoil(ctx context.Context, address, value uint16) ([]byte, error)
}

// serialPort is one physical line. Devices sharing a port share its
// handler, so every transaction holds the port lock and selects the
// slave address first.
type serialPort struct {
	path     string
	mu       sync.Mutex
	client   mb.Client
	setSlave func(id byte)
	close    func() error
}

// SerialClients owns the opened serial lines, keyed by port path.
type SerialClients struct {
	mu    sync.Mutex
	ports map[string]*serialPort
}

func NewSerialClients() *SerialClients {
	return &SerialClients{ports: make(map[string]*serialPort)}
}

// Open returns a Bus for one slave on the configured line. The port itself
// is opened lazily by the handler on the first transaction.
func (s *SerialClients) Open(cfg config.SerialConfig) (Bus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	port, ok := s.ports[cfg.Port]
	if !ok {
		var err error
		port, err = newSerialPort(cfg)
		if err != nil {
			return nil, err
		}
		s.ports[cfg.Port] = port
	}

	return &slaveBus{port: port, slaveID: byte(cfg.SlaveID)}, nil
}

// Close schließt alle seriellen Ports
func (s *SerialClients) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for path, port := range s.ports {
		port.mu.Lock()
		if err := port.close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", path, err))
		}
		port.mu.Unlock()
	}
	s.ports = make(map[string]*serialPort)
	return errors.Join(errs...)
}

func newSerialPort(cfg config.SerialConfig) (*serialPort, error) {
	port := &serialPort{path: cfg.Port}

	switch strings.ToLower(cfg.Framing) {
	case "rtu", "":
		h := mb.NewRTUClientHandler(cfg.Port)
		h.BaudRate = cfg.BaudRate
		h.DataBits = cfg.DataBits
		h.Parity = strings.ToUpper(cfg.Parity)
		h.StopBits = cfg.StopBits
		h.SlaveID = byte(cfg.SlaveID)
		if cfg.Timeout > 0 {
			h.Timeout = cfg.Timeout
		}
		port.client = mb.NewClient(h)
		port.setSlave = func(id byte) { h.SlaveID = id }
		port.close = h.Close
	case "ascii":
		h := mb.NewASCIIClientHandler(cfg.Port)
		h.BaudRate = cfg.BaudRate
		h.DataBits = cfg.DataBits
		h.Parity = strings.ToUpper(cfg.Parity)
		h.StopBits = cfg.StopBits
		h.SlaveID = byte(cfg.SlaveID)
		if cfg.Timeout > 0 {
			h.Timeout = cfg.Timeout
		}
		port.client = mb.NewClient(h)
		port.setSlave = func(id byte) { h.SlaveID = id }
		port.close = h.Close
	default:
		return nil, fmt.Errorf("%w: unknown framing %q on %s", config.ErrConfig, cfg.Framing, cfg.Port)
	}

	return port, nil
}

// slaveBus addresses one slave on a shared serial port.
type slaveBus struct {
	port    *serialPort
	slaveID byte
}

func (b *slaveBus) ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]byte, error) {
	b.port.mu.Lock()
	defer b.port.mu.Unlock()

	b.port.setSlave(b.slaveID)
	return b.port.client.ReadHoldingRegisters(ctx, address, quantity)
}

func (b *slaveBus) WriteSingleRegister(ctx context.Context, address, value uint16) ([]byte, error) {
	b.port.mu.Lock()
	defer b.port.mu.Unlock()

	b.port.setSlave(b.slaveID)
	return b.port.client.WriteSingleRegister(ctx, address, value)
}

func (b *slaveBus) WriteSingleCoil(ctx context.Context, address, value uint16) ([]byte, error) {
	b.port.mu.Lock()
	defer b.port.mu.Unlock()

	b.port.setSlave(b.slaveID)
	return b.port.client.WriteSingleCoil(ctx, address, value)
}
