package media

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"lecturecast/internal/core/ports"

	"go.uber.org/zap"
)

const (
	DefaultTerminateGrace = 5 * time.Second
	outputBuffer          = 64
)

// ExecLauncher starts external processes with os/exec.
type ExecLauncher struct {
	grace  time.Duration
	logger *zap.SugaredLogger
}

func NewExecLauncher(grace time.Duration, logger *zap.SugaredLogger) *ExecLauncher {
	if grace <= 0 {
		grace = DefaultTerminateGrace
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ExecLauncher{grace: grace, logger: logger}
}

// Launch starts the process described by spec. The process is not bound to
// ctx once started; callers stop it with Terminate.
func (l *ExecLauncher) Launch(ctx context.Context, spec ports.ProcessSpec) (ports.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Stdin = nil
	cmd.Stdout = io.Discard
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%s: stderr pipe: %w", spec.Name, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%s: start %s: %w", spec.Name, spec.Path, err)
	}

	p := &execProcess{
		name:   spec.Name,
		cmd:    cmd,
		output: make(chan string, outputBuffer),
		done:   make(chan struct{}),
		grace:  l.grace,
		logger: l.logger,
	}
	go p.scan(stderr)

	l.logger.Infow("process started",
		"name", spec.Name,
		"pid", cmd.Process.Pid,
	)
	return p, nil
}

type execProcess struct {
	name   string
	cmd    *exec.Cmd
	output chan string
	done   chan struct{}
	grace  time.Duration
	logger *zap.SugaredLogger

	waitOnce sync.Once
	waitErr  error
	termOnce sync.Once
}

func (p *execProcess) scan(r io.Reader) {
	defer close(p.output)
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), 1024*1024)
	s.Split(scanStatusLines)
	for s.Scan() {
		line := string(bytes.TrimSpace(s.Bytes()))
		if line == "" {
			continue
		}
		p.output <- line
	}
}

// scanStatusLines splits on \n and on the bare \r ffmpeg uses to redraw its
// status line.
func scanStatusLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func (p *execProcess) Output() <-chan string {
	return p.output
}

func (p *execProcess) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		close(p.done)
	})
	return p.waitErr
}

// Terminate sends SIGTERM and escalates to SIGKILL after the grace period.
func (p *execProcess) Terminate() error {
	var err error
	p.termOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}

		if sigErr := p.cmd.Process.Signal(syscall.SIGTERM); sigErr != nil {
			if errors.Is(sigErr, os.ErrProcessDone) {
				return
			}
			err = fmt.Errorf("%s: signal: %w", p.name, sigErr)
		}

		go func() {
			select {
			case <-p.done:
			case <-time.After(p.grace):
				p.logger.Warnw("process ignored SIGTERM, killing",
					"name", p.name,
					"pid", p.cmd.Process.Pid,
					"grace", p.grace,
				)
				_ = p.cmd.Process.Kill()
			}
		}()
	})
	return err
}

func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

var _ ports.ProcessLauncher = (*ExecLauncher)(nil)
