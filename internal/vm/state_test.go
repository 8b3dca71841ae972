package vm

import (
	"testing"

	"github.com/javanstorm/devtray/pkg/provider"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		raw  provider.RawState
		want LifecycleState
	}{
		{"running", StateRunning},
		{"Running", StateRunning},
		{"starting", StateStarting},
		{"restoring", StateStarting},
		{"stopping", StateStopping},
		{"saving", StateStopping},
		{"poweroff", StatePoweredOff},
		{"PoweredOff", StatePoweredOff},
		{"saved", StatePoweredOff},
		{"aborted", StatePoweredOff},
		{"paused", StatePoweredOff},
		{"Stopped", StatePoweredOff},
		{"", StatePoweredOff},
		{"gurumeditation", StatePoweredOff},
	}

	for _, tt := range tests {
		t.Run(string(tt.raw), func(t *testing.T) {
			if got := Classify(tt.raw); got != tt.want {
				t.Errorf("Classify(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestLifecycleStateString(t *testing.T) {
	tests := []struct {
		state LifecycleState
		want  string
	}{
		{StatePoweredOff, "powered off"},
		{StateStarting, "starting"},
		{StateRunning, "running"},
		{StateStopping, "stopping"},
		{LifecycleState(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("LifecycleState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestLifecycleStateText(t *testing.T) {
	for _, st := range []LifecycleState{StatePoweredOff, StateStarting, StateRunning, StateStopping} {
		text, err := st.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText() error = %v", err)
		}
		var got LifecycleState
		if err := got.UnmarshalText(text); err != nil {
			t.Fatalf("UnmarshalText(%q) error = %v", text, err)
		}
		if got != st {
			t.Errorf("round trip of %v = %v", st, got)
		}
	}

	var s LifecycleState
	if err := s.UnmarshalText([]byte("exploded")); err == nil {
		t.Error("UnmarshalText should reject unknown states")
	}
}

func TestIntentString(t *testing.T) {
	tests := []struct {
		intent Intent
		want   string
	}{
		{0, "none"},
		{IntentStarting, "starting"},
		{IntentStopping | IntentRestarting, "stopping|restarting"},
		{IntentStarting | IntentRestarting, "starting|restarting"},
	}

	for _, tt := range tests {
		if got := tt.intent.String(); got != tt.want {
			t.Errorf("Intent(%d).String() = %q, want %q", tt.intent, got, tt.want)
		}
	}

	if !(IntentStopping | IntentRestarting).Has(IntentRestarting) {
		t.Error("Has(IntentRestarting) = false")
	}
	if IntentStopping.Has(IntentStopping | IntentRestarting) {
		t.Error("Has should require every flag")
	}
}

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{"valid", ServerConfig{Name: "dev", MachineID: "devel79"}, false},
		{"missing name", ServerConfig{MachineID: "devel79"}, true},
		{"missing machine", ServerConfig{Name: "dev"}, true},
		{"blank machine", ServerConfig{Name: "dev", MachineID: "  "}, true},
		{"watch without directory", ServerConfig{Name: "dev", MachineID: "m", Watches: []WatchConfig{{Name: "logs"}}}, true},
		{"command without line", ServerConfig{Name: "dev", MachineID: "m", Commands: []CommandConfig{{Name: "build"}}}, true},
		{"command without name", ServerConfig{Name: "dev", MachineID: "m", Commands: []CommandConfig{{Command: "make"}}}, true},
		{"complete", ServerConfig{
			Name:      "dev",
			MachineID: "m",
			Watches:   []WatchConfig{{Name: "logs", Directory: "/tmp"}},
			Commands:  []CommandConfig{{Name: "build", Command: "make"}},
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errorsIs(err, ErrMissingField) {
				t.Errorf("Validate() error = %v, want ErrMissingField", err)
			}
		})
	}
}

func TestServerConfigClone(t *testing.T) {
	cfg := ServerConfig{
		Name:      "dev",
		MachineID: "devel79",
		Commands:  []CommandConfig{{Name: "build", Command: "make"}},
	}
	clone := cfg.Clone()
	clone.Commands[0].Command = "rm -rf /"

	if cfg.Commands[0].Command != "make" {
		t.Error("Clone shares the Commands slice")
	}
}
