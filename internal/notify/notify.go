// Package notify delivers user-facing notifications.
//
// A Notifier is what the rest of the program talks to. Sinks do the actual
// delivery (log output, desktop balloons, in-memory capture for tests) and
// are adapted to a Notifier with Over.
package notify

import "strings"

// Level is the severity of a notification.
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// Notification is a single message shown to the user.
type Notification struct {
	Level Level
	Title string
	Body  string

	// OnClick is invoked when the user activates the notification.
	// Sinks that cannot report clicks ignore it.
	OnClick func()
}

// Option customizes a notification before it is sent.
type Option func(*Notification)

// OnClick attaches a click callback.
func OnClick(fn func()) Option {
	return func(n *Notification) {
		n.OnClick = fn
	}
}

// Notifier is the notification sink used by the lifecycle code.
type Notifier interface {
	Info(title, body string, opts ...Option)
	Warning(title, body string, opts ...Option)
	Error(title, body string, opts ...Option)
}

// Sink delivers fully built notifications.
type Sink interface {
	Send(n Notification)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(n Notification)

// Send calls f(n).
func (f SinkFunc) Send(n Notification) { f(n) }

// Over returns a Notifier that builds notifications and hands them to s.
func Over(s Sink) Notifier {
	if s == nil {
		s = Discard
	}
	return sinkNotifier{sink: s}
}

type sinkNotifier struct {
	sink Sink
}

func (n sinkNotifier) Info(title, body string, opts ...Option) {
	n.send(LevelInfo, title, body, opts)
}

func (n sinkNotifier) Warning(title, body string, opts ...Option) {
	n.send(LevelWarning, title, body, opts)
}

func (n sinkNotifier) Error(title, body string, opts ...Option) {
	n.send(LevelError, title, body, opts)
}

func (n sinkNotifier) send(level Level, title, body string, opts []Option) {
	msg := Notification{
		Level: level,
		Title: strings.TrimSpace(title),
		Body:  strings.TrimSpace(body),
	}
	for _, opt := range opts {
		opt(&msg)
	}
	n.sink.Send(msg)
}

// Discard drops every notification.
var Discard Sink = SinkFunc(func(Notification) {})

// Multi fans a notification out to every sink in order.
func Multi(sinks ...Sink) Sink {
	filtered := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return SinkFunc(func(n Notification) {
		for _, s := range filtered {
			s.Send(n)
		}
	})
}
