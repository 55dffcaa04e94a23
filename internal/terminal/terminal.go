// Package terminal implements the serial-console WebSocket multiplexer
// (C7, §4.7): it bridges exactly one client at a time to a running VM's
// two FIFOs, gates output behind a ready frame, and translates resize
// control messages into an in-band escape sequence.
package terminal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sys/unix"

	"github.com/seantiz/ember/internal/ember"
	"github.com/seantiz/ember/internal/model"
	"github.com/seantiz/ember/internal/pipes"
	"github.com/seantiz/ember/internal/store"
)

const readChunk = 16 * 1024

type readyFrame struct {
	Ready bool `json:"ready"`
}

type errorFrame struct {
	Error string `json:"error"`
}

type resizeEnvelope struct {
	Resize *resizePayload `json:"resize"`
}

type resizePayload struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// Multiplexer enforces single-connection-per-VM and runs the bidirectional
// pumps between a WebSocket client and a VM's serial pipes.
type Multiplexer struct {
	store store.Store
	pipes *pipes.Manager

	mu     sync.Mutex
	active map[string]string // vm id -> connection token
}

// New builds a Multiplexer over the given store and pipe manager.
func New(st store.Store, pipeMgr *pipes.Manager) *Multiplexer {
	return &Multiplexer{
		store:  st,
		pipes:  pipeMgr,
		active: make(map[string]string),
	}
}

// Acquire runs the preflight checks the spec requires before the HTTP
// handler upgrades the connection: the VM must exist and be running, and
// no other connection may already be registered for it. The returned
// release func must be called exactly once, however the connection ends.
func (m *Multiplexer) Acquire(ctx context.Context, vmID string) (release func(), err error) {
	vm, err := m.store.GetVM(ctx, vmID)
	if err != nil {
		return nil, ember.Wrap(ember.KindNotFound, "terminal: resolve vm", err)
	}
	if vm.Status != model.StatusRunning {
		return nil, ember.New(ember.KindValidation, fmt.Sprintf("vm %s is not running (status=%s)", vmID, vm.Status))
	}

	token := uuid.NewString()

	m.mu.Lock()
	if _, busy := m.active[vmID]; busy {
		m.mu.Unlock()
		return nil, ember.New(ember.KindConflict, fmt.Sprintf("vm %s already has an active terminal connection", vmID))
	}
	m.active[vmID] = token
	m.mu.Unlock()
	activeSessions.Inc()

	return func() {
		m.mu.Lock()
		if m.active[vmID] == token {
			delete(m.active, vmID)
		}
		m.mu.Unlock()
		activeSessions.Dec()
	}, nil
}

// Serve runs the connection lifecycle over an already-upgraded WebSocket
// connection: it opens the VM's pipe endpoints, sends the ready frame,
// then pumps bytes until either side closes or errors. Callers must have
// obtained release via Acquire and must invoke it once Serve returns.
func (m *Multiplexer) Serve(ctx context.Context, conn *websocket.Conn, vmID string) error {
	paths := m.pipes.Paths(vmID)

	stdin, err := pipes.OpenReadWrite(paths.Stdin)
	if err != nil {
		writeError(conn, "open stdin pipe: "+err.Error())
		return err
	}
	stdout, err := pipes.OpenReadWrite(paths.Stdout)
	if err != nil {
		writeError(conn, "open stdout pipe: "+err.Error())
		stdin.Close()
		return err
	}

	if err := drainStale(stdout); err != nil {
		writeError(conn, "drain stale output: "+err.Error())
		stdin.Close()
		stdout.Close()
		return err
	}

	if err := conn.WriteJSON(readyFrame{Ready: true}); err != nil {
		stdin.Close()
		stdout.Close()
		return err
	}

	// Pumps are cancelled by closing the pipe endpoints and the connection,
	// not by a shutdown channel the pumps poll: a pump blocked in Read on a
	// FIFO only notices cancellation when that fd is closed out from under
	// it (§5, "Terminal pumps are cancellable immediately by closing their
	// pipe endpoints"). closeAll is shared so whichever side errs first
	// tears down the rest exactly once.
	var once sync.Once
	closeAll := func() {
		once.Do(func() {
			stdin.Close()
			stdout.Close()
			conn.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer closeAll()
		pumpGuestToClient(conn, stdout)
	}()
	go func() {
		defer wg.Done()
		defer closeAll()
		pumpClientToGuest(conn, stdin)
	}()

	wg.Wait()
	return nil
}

// pumpGuestToClient forwards bytes read from the guest's stdout FIFO to the
// client as binary WebSocket frames until the pipe or connection errors.
func pumpGuestToClient(conn *websocket.Conn, stdout *os.File) {
	buf := make([]byte, readChunk)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// pumpClientToGuest forwards client WebSocket frames to the guest's stdin
// FIFO, translating a resize control message into an in-band escape
// sequence instead of writing it verbatim.
func pumpClientToGuest(conn *websocket.Conn, stdin *os.File) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		if mt == websocket.TextMessage {
			if escape, ok := resizeEscape(data); ok {
				if _, werr := stdin.Write(escape); werr != nil {
					return
				}
				continue
			}
		}
		if _, werr := stdin.Write(data); werr != nil {
			return
		}
	}
}

// resizeEscape reports whether data is a JSON {"resize":{"cols":C,"rows":R}}
// message with both values positive, returning the ANSI resize escape to
// write in its place. Non-matching JSON is left for verbatim forwarding.
func resizeEscape(data []byte) ([]byte, bool) {
	var env resizeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Resize == nil {
		return nil, false
	}
	if env.Resize.Cols <= 0 || env.Resize.Rows <= 0 {
		return nil, false
	}
	return []byte(fmt.Sprintf("\x1b[8;%d;%dt", env.Resize.Rows, env.Resize.Cols)), true
}

// drainStale discards any bytes already buffered in f from a previous
// session, so a reconnect starts on a clean slate (§4.7). It flips f
// temporarily into non-blocking mode to read until EAGAIN rather than
// spawning a reader goroutine that could swallow a byte meant for the
// live pump.
func drainStale(f *os.File) error {
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		return ember.Wrap(ember.KindPipe, "set nonblocking for drain", err)
	}
	defer unix.SetNonblock(fd, false)

	buf := make([]byte, readChunk)
	for {
		n, err := unix.Read(fd, buf)
		if n <= 0 || err != nil {
			return nil
		}
	}
}

func writeError(conn *websocket.Conn, msg string) {
	_ = conn.WriteJSON(errorFrame{Error: msg})
}
