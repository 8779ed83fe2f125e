package acp

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const (
	// Agent message chunks can be large; a default scanner buffer truncates them.
	maxFrameSize = 4 * 1024 * 1024

	// How long Terminate waits for a graceful exit before force-killing.
	shutdownGrace = 2 * time.Second
)

// Transport owns the adapter subprocess and frames its stdio as a
// newline-delimited duplex. Stderr is inherited for diagnostics and never
// parsed as protocol traffic.
type Transport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	frames chan []byte
	quit   chan struct{}
	done   chan struct{}

	writeMu  sync.Mutex
	termOnce sync.Once
}

// Spawn launches the adapter and starts the frame reader. The extra
// environment entries are appended to the parent environment; callers decide
// which credential variables, if any, to pass.
func Spawn(command string, args []string, extraEnv []string) (*Transport, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = append(os.Environ(), extraEnv...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessSpawn, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessSpawn, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrProcessSpawn, command, err)
	}

	t := &Transport{
		cmd:    cmd,
		stdin:  stdin,
		frames: make(chan []byte, 64),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go t.readLoop(stdout)
	return t, nil
}

func (t *Transport) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	delivering := true
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || !delivering {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		select {
		case t.frames <- frame:
		case <-t.quit:
			// Termination began and nobody reads frames anymore. Keep
			// consuming stdout so the process can exit and done can close.
			delivering = false
		}
	}
	close(t.frames)
	t.cmd.Wait()
	close(t.done)
}

// Frames returns the inbound frame stream. It is closed when the adapter
// closes its stdout; a closed stream means the transport is gone and only a
// respawn brings it back.
func (t *Transport) Frames() <-chan []byte {
	return t.frames
}

// WriteFrame appends the delimiter and flushes one frame to the adapter's
// stdin.
func (t *Transport) WriteFrame(frame []byte) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(append(frame, '\n')); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return nil
}

// Terminate asks the adapter to exit, escalating to SIGKILL after the grace
// period. Idempotent.
func (t *Transport) Terminate() error {
	t.termOnce.Do(func() {
		close(t.quit)
		t.stdin.Close()
		if t.cmd.Process != nil {
			t.cmd.Process.Signal(syscall.SIGTERM)
		}
		select {
		case <-t.done:
		case <-time.After(shutdownGrace):
			if t.cmd.Process != nil {
				t.cmd.Process.Kill()
			}
			<-t.done
		}
	})
	return nil
}

// Done is closed once the subprocess has fully exited.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Pid reports the adapter process id, or 0 before spawn completes.
func (t *Transport) Pid() int {
	if t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}
