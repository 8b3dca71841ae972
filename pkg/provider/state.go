package provider

import "strings"

// RawState is the provider's own machine state name, e.g. "running",
// "poweroff", "saving". The core classifies it into a lifecycle state.
type RawState string

// Well known raw states.
const (
	StatePoweredOff RawState = "poweroff"
	StateStarting   RawState = "starting"
	StateRestoring  RawState = "restoring"
	StateRunning    RawState = "running"
	StateStopping   RawState = "stopping"
	StateSaving     RawState = "saving"
	StateSaved      RawState = "saved"
	StateAborted    RawState = "aborted"
	StatePaused     RawState = "paused"
)

// Normalize lower-cases the state and strips separators so that "Powered Off",
// "powered_off" and "PoweredOff" compare equal.
func (s RawState) Normalize() RawState {
	r := strings.NewReplacer(" ", "", "_", "", "-", "")
	return RawState(r.Replace(strings.ToLower(strings.TrimSpace(string(s)))))
}

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
