// Package vm manages the lifecycle of servers backed by machines of an
// external virtualization provider.
//
// Each registered server has a StateMachine that mirrors the provider's
// run state, tracks what the user asked for (start, stop, restart, switch)
// and reacts when the provider confirms it. The Orchestrator owns the
// registry, routes provider events and user commands, and arbitrates the
// single active server.
package vm

import (
	"io"

	"github.com/charmbracelet/log"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard)
}
