package vboxmanage

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/javanstorm/devtray/pkg/provider"
)

// MachineInfo is the part of `showvminfo --machinereadable` devtray uses.
type MachineInfo struct {
	UUID  string
	Name  string
	State provider.RawState
	// Session is the raw SessionState value. Older VBoxManage builds do
	// not print it, in which case it is empty.
	Session string
}

// Locked reports whether some process holds the machine's session lock.
func (mi MachineInfo) Locked() bool {
	switch strings.ToLower(mi.Session) {
	case "locked", "spawning", "unlocking":
		return true
	case "unlocked":
		return false
	}
	switch mi.State.Normalize() {
	case provider.StateStarting, provider.StateStopping, provider.StateSaving, provider.StateRestoring:
		return true
	}
	return false
}

// ParseMachineReadable parses the key=value output of
// `VBoxManage showvminfo <vm> --machinereadable`.
func ParseMachineReadable(out string) (MachineInfo, map[string]string) {
	fields := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		fields[unquote(k)] = unquote(v)
	}

	return MachineInfo{
		UUID:    fields["UUID"],
		Name:    fields["name"],
		State:   provider.RawState(fields["VMState"]),
		Session: fields["SessionState"],
	}, fields
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		if u, err := strconv.Unquote(s); err == nil {
			return u
		}
		return s[1 : len(s)-1]
	}
	return s
}

// ParseVersion extracts the version from `VBoxManage --version`, e.g.
// "7.0.14r161095" becomes "7.0.14".
func ParseVersion(out string) string {
	v := strings.TrimSpace(out)
	if i := strings.IndexAny(v, "r_"); i > 0 {
		v = v[:i]
	}
	return v
}
