package display

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"EnigmaNetz/Enigma-Cell-Sensor/internal/logger"
)

// LogDriver writes state changes to the log.
type LogDriver struct {
	last    State
	started bool
	log     *logger.Logger
}

func NewLogDriver() *LogDriver {
	return &LogDriver{log: logger.GetLogger()}
}

func (d *LogDriver) Name() string { return "log" }

func (d *LogDriver) Render(_ context.Context, state State) error {
	if d.started && state == d.last {
		return nil
	}
	d.started = true
	d.last = state
	d.log.Info("[display] Indicator: %s", state)
	return nil
}

// LED names under the sysfs LED class, left to right on the front panel.
const (
	ledWLAN        = "wlan"
	ledSignalRed   = "signal-red"
	ledSignalBlue1 = "signal-b1"
	ledSignalBlue2 = "signal-b2"
	ledSignalBlue3 = "signal-b3"
	ledBatteryRed  = "battery-red"
	ledBatteryB1   = "battery-b1"
	ledBatteryB2   = "battery-b2"
	ledBatteryB3   = "battery-b3"
	ledSMS         = "sms"
)

var allLEDs = []string{
	ledWLAN, ledSignalRed, ledSignalBlue1, ledSignalBlue2, ledSignalBlue3,
	ledBatteryRed, ledBatteryB1, ledBatteryB2, ledBatteryB3, ledSMS,
}

// blinkPattern lists the LEDs lit for half of each tick.
func blinkPattern(state State) []string {
	switch state {
	case Recording:
		return []string{ledSignalBlue1, ledSignalRed, ledBatteryB1, ledBatteryRed}
	case WarningDetected:
		return allLEDs[1:]
	default:
		return []string{ledWLAN}
	}
}

// LEDDriver blinks sysfs LEDs: wlan while paused, signal and battery while
// recording, everything but wlan on a warning.
type LEDDriver struct {
	dir   string
	blink time.Duration
}

// NewLEDDriver creates a driver writing <dir>/<led>/brightness.
func NewLEDDriver(dir string, blink time.Duration) *LEDDriver {
	return &LEDDriver{dir: dir, blink: blink}
}

func (d *LEDDriver) Name() string { return "led" }

// SelfTest lights every LED once to check they are writable.
func (d *LEDDriver) SelfTest() error {
	var errs []error
	for _, led := range allLEDs {
		errs = append(errs, d.set(led, true))
	}
	return errors.Join(errs...)
}

func (d *LEDDriver) Render(ctx context.Context, state State) error {
	leds := blinkPattern(state)
	var errs []error
	if state == WarningDetected {
		errs = append(errs, d.set(ledWLAN, false))
	}
	for _, led := range leds {
		errs = append(errs, d.set(led, true))
	}

	timer := time.NewTimer(d.blink)
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	timer.Stop()

	for _, led := range leds {
		errs = append(errs, d.set(led, false))
	}
	return errors.Join(errs...)
}

func (d *LEDDriver) set(led string, on bool) error {
	value := "0"
	if on {
		value = "1"
	}
	return os.WriteFile(filepath.Join(d.dir, led, "brightness"), []byte(value), 0644)
}
