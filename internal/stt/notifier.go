package stt

import "github.com/loqalabs/loqa-dictation/internal/protocol"

// Notifier receives engine lifecycle events. Implementations must not block
// for long: events are delivered synchronously from the manager.
type Notifier interface {
	Notify(evt protocol.ModelStateEvent)
}

type NotifierFunc func(protocol.ModelStateEvent)

func (f NotifierFunc) Notify(evt protocol.ModelStateEvent) { f(evt) }

// MultiNotifier fans events out in order.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(evt protocol.ModelStateEvent) {
	for _, n := range m {
		if n != nil {
			n.Notify(evt)
		}
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(protocol.ModelStateEvent) {}
