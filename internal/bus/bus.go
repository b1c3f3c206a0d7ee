// Package bus provides the typed event wiring between an adapter and the
// registry. Each adapter owns exactly one Emitter; handlers are registered
// before the adapter connects and never change mid-flight.
package bus

import (
	"log/slog"
	"sync/atomic"

	"github.com/voxhub/relay/internal/messages"
)

// Status is an adapter lifecycle state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// MessageHandler receives normalized inbound messages.
type MessageHandler func(messages.IncomingMessage)

// ErrorHandler receives adapter-level errors.
type ErrorHandler func(error)

// StatusHandler receives adapter status transitions.
type StatusHandler func(Status)

// Emitter dispatches adapter events to registered handlers. A single adapter
// is the only producer; handlers run on the producer's goroutine, so they
// must not block.
type Emitter struct {
	sealed   atomic.Bool
	onMsg    MessageHandler
	onErr    ErrorHandler
	onStatus StatusHandler
}

// NewEmitter creates an emitter with no handlers wired.
func NewEmitter() *Emitter {
	return &Emitter{}
}

// OnMessage registers the inbound message handler. Must be called before the
// adapter connects.
func (e *Emitter) OnMessage(h MessageHandler) {
	if e.sealed.Load() {
		slog.Warn("bus: handler registration after seal ignored")
		return
	}
	e.onMsg = h
}

// OnError registers the error handler.
func (e *Emitter) OnError(h ErrorHandler) {
	if e.sealed.Load() {
		slog.Warn("bus: handler registration after seal ignored")
		return
	}
	e.onErr = h
}

// OnStatus registers the status handler.
func (e *Emitter) OnStatus(h StatusHandler) {
	if e.sealed.Load() {
		slog.Warn("bus: handler registration after seal ignored")
		return
	}
	e.onStatus = h
}

// Seal freezes handler registration. The registry seals the emitter right
// before calling Connect.
func (e *Emitter) Seal() {
	e.sealed.Store(true)
}

// EmitMessage publishes an inbound message.
func (e *Emitter) EmitMessage(m messages.IncomingMessage) {
	if e.onMsg != nil {
		e.onMsg(m)
	}
}

// EmitError publishes an adapter error.
func (e *Emitter) EmitError(err error) {
	if e.onErr != nil {
		e.onErr(err)
	}
}

// EmitStatus publishes a status transition. The adapter base guarantees
// exactly one emit per legal transition.
func (e *Emitter) EmitStatus(s Status) {
	if e.onStatus != nil {
		e.onStatus(s)
	}
}
