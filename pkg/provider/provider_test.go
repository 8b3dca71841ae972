package provider

import "testing"

func TestRawStateNormalize(t *testing.T) {
	tests := []struct {
		in   RawState
		want RawState
	}{
		{"running", "running"},
		{"Running", "running"},
		{"Powered Off", "poweredoff"},
		{"powered_off", "poweredoff"},
		{" saving ", "saving"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			if got := tt.in.Normalize(); got != tt.want {
				t.Errorf("RawState(%q).Normalize() = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestMachineHandleMatches(t *testing.T) {
	h := MachineHandle{ID: "3f2a-11", Name: "devel79"}

	tests := []struct {
		id   string
		want bool
	}{
		{"devel79", true},
		{"DEVEL79", true},
		{"3f2a-11", true},
		{"other", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := h.Matches(tt.id); got != tt.want {
			t.Errorf("Matches(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}
