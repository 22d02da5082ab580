package camera

import (
	"bufio"
	"io"
	"log"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const processStopGrace = 5 * time.Second

// startProcess launches ffmpeg in its own process group with parent-death
// signalling, so an nvrd crash never leaves decoders running.
func startProcess(name string, args []string, pipeStdout bool) (*exec.Cmd, io.ReadCloser, error) {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: unix.SIGKILL,
	}

	var stdout io.ReadCloser
	if pipeStdout {
		var err error
		stdout, err = cmd.StdoutPipe()
		if err != nil {
			return nil, nil, err
		}
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		if stdout != nil {
			stdout.Close()
		}
		return nil, nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}

	// Drain stderr so ffmpeg never blocks on a full pipe; surface what it
	// says at debug level.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logDebug("[Camera] %s: %s", name, scanner.Text())
		}
	}()

	return cmd, stdout, nil
}

// stopProcess sends SIGTERM to the process group and escalates to SIGKILL
// after the grace window. Must not race another Wait on the same cmd; use
// terminate when a Wait goroutine already exists.
func stopProcess(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	terminate(cmd, done)
}

// killProcess sends SIGKILL to the process group without waiting. Used to
// break a pipe read that only returns once the writer dies.
func killProcess(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
}

// terminate signals the process group and waits on the caller's Wait
// channel, escalating after the grace window.
func terminate(cmd *exec.Cmd, waited <-chan struct{}) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid

	_ = unix.Kill(pgid, unix.SIGTERM)
	select {
	case <-waited:
	case <-time.After(processStopGrace):
		log.Printf("[WARN] [Camera] process %d ignored SIGTERM, killing", cmd.Process.Pid)
		_ = unix.Kill(pgid, unix.SIGKILL)
		<-waited
	}
}
