// Package indicator drives the recording lamp and reads the record button
// wired to the GPIO header.
//
// Wiring:
// - LAMP: LED (with resistor) from the pin to ground, lit while recording
// - BUTTON: momentary switch from the pin to ground, internal pull-up enabled
package indicator

import (
	"sync"

	"github.com/cjeanneret/CamRec/internal/debug"
	"github.com/cjeanneret/CamRec/internal/hw/gpio"
	"github.com/cjeanneret/CamRec/internal/logic/recorder"
)

// Lamp is a recorder.Listener lighting an LED while a session is open.
type Lamp struct {
	gpio gpio.Driver
	pin  int
}

// NewLamp configures pin as an output and switches the lamp off.
func NewLamp(g gpio.Driver, pin int) *Lamp {
	_ = g.SetupPin(pin, gpio.Output)
	_ = g.WritePin(pin, gpio.Low)
	return &Lamp{gpio: g, pin: pin}
}

func (l *Lamp) RecordingStarted(recorder.Session) {
	debug.Verbose("Lamp: on (pin %d -> HIGH)", l.pin)
	if err := l.gpio.WritePin(l.pin, gpio.High); err != nil {
		debug.Error(err)
	}
}

func (l *Lamp) RecordingStopped(recorder.Session) {
	debug.Verbose("Lamp: off (pin %d -> LOW)", l.pin)
	if err := l.gpio.WritePin(l.pin, gpio.Low); err != nil {
		debug.Error(err)
	}
}

func (l *Lamp) RecordingFailed(recorder.Options, error) {}

// Button detects presses of an active-low push button.
type Button struct {
	mu   sync.Mutex
	gpio gpio.Driver
	pin  int
	last gpio.Level
}

// NewButton configures pin as a pulled-up input.
func NewButton(g gpio.Driver, pin int) *Button {
	_ = g.SetupPin(pin, gpio.InputPullUp)
	return &Button{gpio: g, pin: pin, last: gpio.High}
}

// Pressed reports true once per High -> Low transition.
// Read errors count as "not pressed".
func (b *Button) Pressed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	level, err := b.gpio.ReadPin(b.pin)
	if err != nil {
		debug.Trace("Button: read pin %d failed: %v", b.pin, err)
		return false
	}
	pressed := b.last == gpio.High && level == gpio.Low
	b.last = level
	return pressed
}
