package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/javanstorm/devtray/internal/vm"
)

// promptConfirmer asks yes/no questions on a terminal.
type promptConfirmer struct {
	mu     sync.Mutex
	reader *bufio.Reader
	out    io.Writer
}

var _ vm.Confirmer = (*promptConfirmer)(nil)

func newPromptConfirmer(in io.Reader, out io.Writer) *promptConfirmer {
	return &promptConfirmer{reader: bufio.NewReader(in), out: out}
}

// Confirm implements vm.Confirmer. Anything but y or yes is a no.
func (p *promptConfirmer) Confirm(title, question string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s: %s [y/N]: ", title, question)
	input, err := p.reader.ReadString('\n')
	if err != nil && input == "" {
		fmt.Fprintln(p.out)
		return false
	}
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

// confirmerFor returns a fixed answer when one was given and a prompt when
// stdin is a terminal. Otherwise every question is answered with no.
func confirmerFor(answer *bool, in *os.File, out io.Writer) vm.Confirmer {
	switch {
	case answer != nil:
		return vm.Always(*answer)
	case isTerminal(in):
		return newPromptConfirmer(in, out)
	default:
		return vm.Always(false)
	}
}
