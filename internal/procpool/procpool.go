// Package procpool runs registered byte-level handlers in child processes.
// A worker is the running program re-executed with a marker environment
// variable; parent and child exchange gob-encoded messages over the child's
// stdin/stdout. A crashed or hung child is killed and respawned, so one bad
// element cannot take the parent process down.
package procpool

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ErrCrashed reports that the worker process died mid-request.
var ErrCrashed = errors.New("procpool: worker crashed")

// ErrTimeout reports that a request outlived its deadline; the worker was
// killed and will be respawned.
var ErrTimeout = errors.New("procpool: request timed out")

// ErrRemote wraps an error the handler returned inside the child.
var ErrRemote = errors.New("procpool: handler error")

const handlerEnv = "FLUME_PROCPOOL_HANDLER"

// Handler processes encoded elements inside a worker process.
type Handler interface {
	Setup() error
	// Process consumes one encoded element and returns its encoded outputs.
	// On error, any returned outputs are the element's partial emissions.
	Process(input []byte) ([][]byte, error)
	Teardown() error
}

var (
	registryMu sync.RWMutex
	registry   = map[string]func() Handler{}
)

// Register binds a handler name to a builder. Registration must happen in
// both the parent and the child, i.e. before Main runs, typically from an
// init function or at the top of main/TestMain.
func Register(name string, builder func() Handler) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("procpool: handler %q registered twice", name))
	}
	registry[name] = builder
}

func lookup(name string) (func() Handler, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	b, ok := registry[name]
	return b, ok
}

type kind uint8

const (
	kindProcess kind = iota
	kindTeardown
)

type request struct {
	Kind  kind
	Input []byte
}

type response struct {
	Outputs [][]byte
	Err     string
}

// Main is the child-side entry point. In a worker process it serves requests
// until stdin closes and then exits; in the parent it returns immediately.
// Programs using subprocess isolation must call it at the very top of main
// (or TestMain), after handler registration.
func Main() {
	name := os.Getenv(handlerEnv)
	if name == "" {
		return
	}
	os.Exit(serve(name))
}

func serve(name string) int {
	builder, ok := lookup(name)
	if !ok {
		fmt.Fprintf(os.Stderr, "procpool: unknown handler %q\n", name)
		return 2
	}
	h := builder()
	if err := h.Setup(); err != nil {
		fmt.Fprintf(os.Stderr, "procpool: setup: %v\n", err)
		return 1
	}
	defer h.Teardown()

	dec := gob.NewDecoder(os.Stdin)
	enc := gob.NewEncoder(os.Stdout)
	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return 0
			}
			fmt.Fprintf(os.Stderr, "procpool: decode: %v\n", err)
			return 1
		}
		if req.Kind == kindTeardown {
			return 0
		}

		outs, perr := h.Process(req.Input)
		resp := response{Outputs: outs}
		if perr != nil {
			resp.Err = perr.Error()
		}
		if err := enc.Encode(resp); err != nil {
			fmt.Fprintf(os.Stderr, "procpool: encode: %v\n", err)
			return 1
		}
	}
}

// Worker is the parent-side handle of one child process. Not safe for
// concurrent use; callers serialize per bundle.
type Worker struct {
	handler string

	cmd   *exec.Cmd
	stdin io.WriteCloser
	enc   *gob.Encoder
	dec   *gob.Decoder
}

// Start spawns a worker serving the named handler. The handler must also be
// registered in the parent so configuration mistakes surface here rather
// than as a child that exits immediately.
func Start(handler string) (*Worker, error) {
	if _, ok := lookup(handler); !ok {
		return nil, fmt.Errorf("procpool: handler %q not registered", handler)
	}
	w := &Worker{handler: handler}
	if err := w.spawn(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Worker) spawn() error {
	cmd := exec.Command(os.Args[0])
	cmd.Env = append(os.Environ(), handlerEnv+"="+w.handler)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("procpool: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("procpool: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("procpool: starting worker: %w", err)
	}

	w.cmd = cmd
	w.stdin = stdin
	w.enc = gob.NewEncoder(stdin)
	w.dec = gob.NewDecoder(stdout)
	return nil
}

func (w *Worker) kill() {
	if w.cmd == nil {
		return
	}
	w.stdin.Close()
	w.cmd.Process.Kill()
	w.cmd.Wait()
	w.cmd = nil
}

// Process sends one encoded element to the worker and waits for its outputs.
// A dead worker is respawned before the request; a crash or timeout during
// the request kills the child and reports ErrCrashed/ErrTimeout, and the
// next call respawns.
func (w *Worker) Process(ctx context.Context, input []byte, timeout time.Duration) ([][]byte, error) {
	if w.cmd == nil {
		if err := w.spawn(); err != nil {
			return nil, err
		}
	}

	type result struct {
		resp response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		if r.err = w.enc.Encode(request{Kind: kindProcess, Input: input}); r.err == nil {
			r.err = w.dec.Decode(&r.resp)
		}
		done <- r
	}()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case r := <-done:
		if r.err != nil {
			w.kill()
			return nil, fmt.Errorf("%w: %v", ErrCrashed, r.err)
		}
		if r.resp.Err != "" {
			return r.resp.Outputs, fmt.Errorf("%w: %s", ErrRemote, r.resp.Err)
		}
		return r.resp.Outputs, nil
	case <-timeoutCh:
		w.kill()
		return nil, ErrTimeout
	case <-ctx.Done():
		w.kill()
		return nil, ctx.Err()
	}
}

// Close shuts the worker down, asking it to tear down first and killing it
// if it does not exit promptly.
func (w *Worker) Close() error {
	if w.cmd == nil {
		return nil
	}
	w.enc.Encode(request{Kind: kindTeardown})
	w.stdin.Close()

	exited := make(chan error, 1)
	go func() { exited <- w.cmd.Wait() }()
	select {
	case err := <-exited:
		w.cmd = nil
		return err
	case <-time.After(5 * time.Second):
		w.cmd.Process.Kill()
		<-exited
		w.cmd = nil
		return fmt.Errorf("procpool: worker did not exit, killed")
	}
}
