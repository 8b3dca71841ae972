package vm

// Binder owns the per-server resources that follow the run state:
// directory watches, the console process and named commands.
type Binder interface {
	// StartWatches starts every watch configured for s.
	StartWatches(s *ManagedServer) error
	// StopWatches stops the watches of s. Stopping twice is harmless.
	StopWatches(s *ManagedServer)
	// RunNamedCommand runs commandLine in the background and reports the
	// outcome through notifications.
	RunNamedCommand(s *ManagedServer, name, commandLine string) error
	// ShowOrFocusConsole focuses the console of s, launching it if needed.
	ShowOrFocusConsole(s *ManagedServer) error
	// KillConsole terminates the console of s if it is alive.
	KillConsole(s *ManagedServer)
	// Close releases everything the binder still holds.
	Close() error
}

// Confirmer asks the user a yes/no question.
type Confirmer interface {
	Confirm(title, question string) bool
}

// ConfirmFunc adapts a function to a Confirmer.
type ConfirmFunc func(title, question string) bool

// Confirm calls f.
func (f ConfirmFunc) Confirm(title, question string) bool { return f(title, question) }

// Always returns a Confirmer that answers every question with answer.
func Always(answer bool) Confirmer {
	return ConfirmFunc(func(string, string) bool { return answer })
}

type nopBinder struct{}

func (nopBinder) StartWatches(*ManagedServer) error { return nil }
func (nopBinder) StopWatches(*ManagedServer) {}
func (nopBinder) RunNamedCommand(*ManagedServer, string, string) error { return nil }
func (nopBinder) ShowOrFocusConsole(*ManagedServer) error { return nil }
func (nopBinder) KillConsole(*ManagedServer) {}
func (nopBinder) Close() error { return nil }
