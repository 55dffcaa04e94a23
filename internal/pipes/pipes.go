// Package pipes manages the pair of named pipes (FIFOs) that carry a VM's
// serial console bytes between the host and the VMM child (C4, §4.4).
package pipes

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/seantiz/ember/internal/ember"
)

const fifoMode = 0600

// Paths holds the filesystem locations of a VM's two FIFOs.
type Paths struct {
	Stdin  string // host -> guest
	Stdout string // guest -> host
}

// Manager creates, opens, and destroys FIFO pairs under a single base
// directory, one pair per VM id.
type Manager struct {
	dir string
}

// NewManager builds a Manager rooted at dir. dir must already exist.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir}
}

// Paths returns the FIFO locations for id without touching the filesystem.
func (m *Manager) Paths(id string) Paths {
	return Paths{
		Stdin:  filepath.Join(m.dir, id+".stdin"),
		Stdout: filepath.Join(m.dir, id+".stdout"),
	}
}

// Create makes both FIFOs for id with mode 0600. It is an error if either
// already exists; callers should Destroy stale pipes first.
func (m *Manager) Create(id string) (Paths, error) {
	p := m.Paths(id)
	if err := syscall.Mkfifo(p.Stdin, fifoMode); err != nil {
		return Paths{}, ember.Wrap(ember.KindPipe, fmt.Sprintf("mkfifo %s", p.Stdin), err)
	}
	if err := syscall.Mkfifo(p.Stdout, fifoMode); err != nil {
		os.Remove(p.Stdin)
		return Paths{}, ember.Wrap(ember.KindPipe, fmt.Sprintf("mkfifo %s", p.Stdout), err)
	}
	return p, nil
}

// Destroy unlinks both FIFOs for id. Missing files are not an error
// (best-effort per §3 invariant 2).
func (m *Manager) Destroy(id string) error {
	p := m.Paths(id)
	var firstErr error
	for _, path := range []string{p.Stdin, p.Stdout} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = ember.Wrap(ember.KindPipe, fmt.Sprintf("remove %s", path), err)
			}
		}
	}
	return firstErr
}

// OpenReadWrite opens path read-write so the open call never blocks on the
// absence of the opposite end (§4.4). Both the supervisor (wiring VMM
// stdio) and the terminal multiplexer (C7) use this to obtain a handle.
func OpenReadWrite(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, os.ModeNamedPipe)
	if err != nil {
		return nil, ember.Wrap(ember.KindPipe, fmt.Sprintf("open %s", path), err)
	}
	return f, nil
}
