package plugin

import (
	"context"
	"fmt"
	"image"
	"time"

	"go.uber.org/zap"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/power_monitor/internal/aggregate"
)

const (
	screenWidth  = 128
	screenHeight = 64
	lineHeight   = 13
)

type DisplayConfig struct {
	Bus     string // "" opens the first I2C bus
	Address uint16
	Refresh time.Duration
}

type screen interface {
	Draw(r image.Rectangle, src image.Image, sp image.Point) error
	Bounds() image.Rectangle
	Halt() error
}

// Display shows home, net, production and voltage on an SSD1306 OLED.
type Display struct {
	cfg    DisplayConfig
	open   func(DisplayConfig) (screen, func() error, error)
	dev    screen
	closer func() error
	logger *zap.Logger
}

func NewDisplay(cfg DisplayConfig, logger *zap.Logger) *Display {
	if cfg.Refresh <= 0 {
		cfg.Refresh = time.Second
	}
	if cfg.Address == 0 {
		cfg.Address = 0x3C
	}
	return &Display{cfg: cfg, open: openSSD1306, logger: logger}
}

func openSSD1306(cfg DisplayConfig) (screen, func() error, error) {
	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize periph: %w", err)
	}

	bus, err := i2creg.Open(cfg.Bus)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open I2C bus: %w", err)
	}

	dev, err := ssd1306.NewI2C(addressedBus{Bus: bus, addr: cfg.Address}, &ssd1306.DefaultOpts)
	if err != nil {
		bus.Close()
		return nil, nil, fmt.Errorf("failed to initialize display at 0x%02X: %w", cfg.Address, err)
	}
	return dev, bus.Close, nil
}

// addressedBus sends every transaction to a fixed address, for panels
// strapped away from the driver's default 0x3C.
type addressedBus struct {
	i2c.Bus
	addr uint16
}

func (b addressedBus) Tx(_ uint16, w, r []byte) error {
	return b.Bus.Tx(b.addr, w, r)
}

func (d *Display) Name() string { return "display" }

func (d *Display) Start(ctx context.Context, snapshots <-chan aggregate.Snapshot) error {
	dev, closer, err := d.open(d.cfg)
	if err != nil {
		return err
	}
	d.dev, d.closer = dev, closer
	d.logger.Info("display initialized", zap.Uint16("address", d.cfg.Address))

	if err := d.dev.Draw(d.dev.Bounds(), Render(nil), image.Point{}); err != nil {
		d.logger.Warn("display splash", zap.Error(err))
	}

	ticker := time.NewTicker(d.cfg.Refresh)
	defer ticker.Stop()

	var latest *aggregate.Snapshot
	dirty := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-snapshots:
			if !ok {
				return nil
			}
			latest, dirty = &s, true
		case <-ticker.C:
			if !dirty {
				continue
			}
			if err := d.dev.Draw(d.dev.Bounds(), Render(latest), image.Point{}); err != nil {
				d.logger.Warn("display update", zap.Error(err))
				continue
			}
			dirty = false
		}
	}
}

func (d *Display) Stop() error {
	if d.dev == nil {
		return nil
	}
	err := d.dev.Halt()
	if d.closer != nil {
		if cerr := d.closer(); err == nil {
			err = cerr
		}
	}
	d.dev, d.closer = nil, nil
	return err
}

// Render draws the snapshot as four text lines. A nil snapshot renders the
// waiting screen.
func Render(s *aggregate.Snapshot) *image1bit.VerticalLSB {
	img := image1bit.NewVerticalLSB(image.Rect(0, 0, screenWidth, screenHeight))
	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{C: image1bit.On},
		Face: basicfont.Face7x13,
	}

	for i, line := range screenLines(s) {
		drawer.Dot = fixed.P(0, lineHeight*(i+1))
		drawer.DrawString(line)
	}
	return img
}

func screenLines(s *aggregate.Snapshot) []string {
	if s == nil {
		return []string{"Power Monitor", "Waiting..."}
	}
	return []string{
		fmt.Sprintf("Home  %7.0fW", s.Summaries[aggregate.HomeConsumption].Power),
		fmt.Sprintf("Net   %7.0fW", s.Summaries[aggregate.Net].Power),
		fmt.Sprintf("Solar %7.0fW", s.Summaries[aggregate.Production].Power),
		fmt.Sprintf("Volts %7.1fV", s.Voltage),
	}
}
