package sensors

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// MCP3008 is an 8-channel 10-bit ADC on an SPI port.
type MCP3008 struct {
	mu   sync.Mutex
	port spi.PortCloser
	conn spi.Conn
	w, r [3]byte
}

// OpenMCP3008 opens the SPI port (e.g. "/dev/spidev0.0" or "" for the first
// one found) and connects at speedHz in mode 0.
func OpenMCP3008(port string, speedHz int64) (*MCP3008, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("mcp3008: periph host init: %w", err)
	}

	p, err := spireg.Open(port)
	if err != nil {
		return nil, fmt.Errorf("mcp3008: SPI open (%s): %w", port, err)
	}

	c, err := p.Connect(physic.Frequency(speedHz)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("mcp3008: SPI connect (%s): %w", port, err)
	}

	return &MCP3008{port: p, conn: c}, nil
}

// Read performs one single-ended conversion on channel 0..7.
func (m *MCP3008) Read(channel int) (int, error) {
	if channel < 0 || channel > 7 {
		return 0, fmt.Errorf("mcp3008: channel %d out of range", channel)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.w = [3]byte{1, byte((8 + channel) << 4), 0}
	if err := m.conn.Tx(m.w[:], m.r[:]); err != nil {
		return 0, fmt.Errorf("mcp3008: transfer: %w", err)
	}
	return decode(m.r), nil
}

func (m *MCP3008) Close() error {
	return m.port.Close()
}

// decode extracts the 10-bit result from the last two response bytes.
func decode(r [3]byte) int {
	return int(r[1]&3)<<8 | int(r[2])
}
