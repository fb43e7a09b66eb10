// Package inject implements the Event Processor / Injector Adapter of
// spec.md §4.8: on the peripheral (desktop) side it maps received TEXT
// to typed keystrokes and COMMAND codes to key combos, gated by an
// enable flag, behind an Injector capability set a real OS backend
// implements.
package inject

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/go-vgo/robotgo"
	"github.com/speech2prompt/s2p/internal/session"
)

// Key names a single key for PressKey/KeyCombo, using robotgo's own
// lowercase key names ("enter", "a", "v", ...).
type Key string

const KeyEnter Key = "enter"

// Mod names a keyboard modifier for KeyCombo.
type Mod string

const (
	ModCtrl  Mod = "ctrl"
	ModCmd   Mod = "cmd"
	ModShift Mod = "shift"
	ModAlt   Mod = "alt"
)

// Injector is the capability set the event processor requires: typing
// raw text, pressing a single key, or a modifier+key combo. Generalizes
// a type/paste-only injector to cover COMMAND execution too.
type Injector interface {
	TypeText(text string) error
	PressKey(key Key) error
	KeyCombo(mods []Mod, key Key) error
}

// RobotgoInjector implements Injector by wrapping go-vgo/robotgo:
// robotgo.Type for text, robotgo.KeyTap for keys and combos.
type RobotgoInjector struct{}

// TypeText implements Injector.
func (RobotgoInjector) TypeText(text string) error {
	if text == "" {
		return nil
	}
	robotgo.Type(text)
	return nil
}

// PressKey implements Injector.
func (RobotgoInjector) PressKey(key Key) error {
	return robotgo.KeyTap(string(key))
}

// KeyCombo implements Injector.
func (RobotgoInjector) KeyCombo(mods []Mod, key Key) error {
	args := make([]string, len(mods))
	for i, m := range mods {
		args[i] = string(m)
	}
	return robotgo.KeyTap(string(key), args...)
}

// CommandCode is the set of COMMAND payload codes spec.md §4.8 names.
type CommandCode string

const (
	CommandEnter     CommandCode = "ENTER"
	CommandSelectAll CommandCode = "SELECT_ALL"
	CommandCopy      CommandCode = "COPY"
	CommandPaste     CommandCode = "PASTE"
	CommandCut       CommandCode = "CUT"
	CommandCancel    CommandCode = "CANCEL"
)

// commandPayload is the decrypted COMMAND envelope payload shape.
type commandPayload struct {
	Code CommandCode `json:"code"`
}

// EventProcessor implements session.Sink: it consumes decoded TEXT, WORD
// and COMMAND events and drives an Injector, subject to an enable gate.
// History retains recently typed TEXT/WORD payloads for the out-of-core
// history UI to read.
type EventProcessor struct {
	injector Injector

	mu         sync.Mutex
	enabled    bool
	history    []string
	historyCap int
}

// NewEventProcessor creates an EventProcessor, enabled by default,
// retaining up to historyCap TEXT/WORD payloads (0 uses a default of 100).
func NewEventProcessor(injector Injector, historyCap int) *EventProcessor {
	if historyCap <= 0 {
		historyCap = 100
	}
	return &EventProcessor{injector: injector, enabled: true, historyCap: historyCap}
}

// SetEnabled toggles whether inbound TEXT/WORD/COMMAND actually drive the
// injector. Disabled events are still appended to history.
func (p *EventProcessor) SetEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = enabled
}

// Enabled reports the current gate state.
func (p *EventProcessor) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// History returns a copy of the retained TEXT/WORD payloads, oldest first.
func (p *EventProcessor) History() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.history))
	copy(out, p.history)
	return out
}

// HandleEvent implements session.Sink.
func (p *EventProcessor) HandleEvent(e session.Event) {
	switch e.Kind {
	case session.EventText, session.EventWord:
		p.recordHistory(e.Text)
		if p.Enabled() {
			if err := p.injector.TypeText(e.Text); err != nil {
				slog.Error("inject: type text failed", "error", err)
			}
		}
	case session.EventCommand:
		p.handleCommand(e.Text)
	default:
		// other event kinds (HEARTBEAT, pairing, drops) are not the
		// Event Processor's concern.
	}
}

func (p *EventProcessor) recordHistory(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, text)
	if len(p.history) > p.historyCap {
		p.history = p.history[len(p.history)-p.historyCap:]
	}
}

func (p *EventProcessor) handleCommand(payload string) {
	var cmd commandPayload
	if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
		slog.Warn("inject: malformed command payload, dropped", "error", err)
		return
	}
	if !p.Enabled() {
		return
	}
	if err := p.execute(cmd.Code); err != nil {
		slog.Warn("inject: command execution failed", "code", cmd.Code, "error", err)
	}
}

func (p *EventProcessor) execute(code CommandCode) error {
	switch code {
	case CommandEnter:
		return p.injector.PressKey(KeyEnter)
	case CommandSelectAll:
		return p.injector.KeyCombo([]Mod{ModCtrl}, "a")
	case CommandCopy:
		return p.injector.KeyCombo([]Mod{ModCtrl}, "c")
	case CommandPaste:
		return p.injector.KeyCombo([]Mod{ModCtrl}, "v")
	case CommandCut:
		return p.injector.KeyCombo([]Mod{ModCtrl}, "x")
	case CommandCancel:
		return nil // explicit no-op per spec.md §4.8
	default:
		slog.Warn("inject: unknown command code, dropped", "code", code)
		return nil
	}
}
