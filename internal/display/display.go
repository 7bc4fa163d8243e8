package display

import (
	"context"
	"fmt"
	"time"

	"EnigmaNetz/Enigma-Cell-Sensor/config"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/logger"
)

// DefaultTick is how often drivers render the current state.
const DefaultTick = time.Second

// Driver shows a state. Render is called once per tick and may block for
// up to one tick.
type Driver interface {
	Name() string
	Render(ctx context.Context, state State) error
}

// Display consumes indicator updates and renders the latest one on every
// tick.
type Display struct {
	updates <-chan State
	drivers []Driver
	tick    time.Duration
	state   State
	lastErr map[string]string
	log     *logger.Logger
}

// New creates a display that starts in the Paused state.
func New(updates <-chan State, tick time.Duration, drivers ...Driver) *Display {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Display{
		updates: updates,
		drivers: drivers,
		tick:    tick,
		state:   Paused,
		lastErr: make(map[string]string),
		log:     logger.GetLogger(),
	}
}

// State returns the state last rendered. Only safe to call from the
// goroutine running Run, or after it returns.
func (d *Display) State() State { return d.state }

// Run renders until ctx is canceled or the update channel is closed.
func (d *Display) Run(ctx context.Context) {
	d.log.Info("[display] Started with %d drivers", len(d.drivers))
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	d.render(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-d.updates:
			if !ok {
				d.log.Info("[display] Update channel closed")
				return
			}
			d.state = s
			if !d.drain() {
				d.render(ctx)
				return
			}
			d.render(ctx)
		case <-ticker.C:
			d.render(ctx)
		}
	}
}

// drain consumes every pending update, keeping the last. It returns false
// if the channel was closed.
func (d *Display) drain() bool {
	for {
		select {
		case s, ok := <-d.updates:
			if !ok {
				return false
			}
			d.state = s
		default:
			return true
		}
	}
}

func (d *Display) render(ctx context.Context) {
	for _, drv := range d.drivers {
		err := drv.Render(ctx, d.state)
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		// Only log transitions so a broken LED does not flood the log.
		if msg != d.lastErr[drv.Name()] {
			if err != nil {
				d.log.Warn("[display] Driver %s failed: %v", drv.Name(), err)
			} else {
				d.log.Info("[display] Driver %s recovered", drv.Name())
			}
			d.lastErr[drv.Name()] = msg
		}
	}
}

// NewDriver builds the visual driver selected by cfg. It returns nil when
// ui_level is 0.
func NewDriver(cfg config.DisplayConfig) (Driver, error) {
	if cfg.UILevel == 0 {
		logger.GetLogger().Info("[display] Invisible mode, no visual indicator")
		return nil, nil
	}
	switch cfg.Driver {
	case "log":
		return NewLogDriver(), nil
	case "led":
		return NewLEDDriver(cfg.LEDDir, DefaultTick/2), nil
	default:
		return nil, fmt.Errorf("unknown display driver %q", cfg.Driver)
	}
}
