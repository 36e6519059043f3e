package lspbridge

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Command describes a language server executable.
type Command struct {
	Path string   `json:"command" yaml:"command"`
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`
	// Env is appended to the bridge's own environment.
	Env []string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir string   `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// killGrace is how long a closed process may take to exit on its own
// before it is killed.
const killGrace = 5 * time.Second

// ProcessEngine returns an EngineFactory that starts cmd and talks to it
// over its stdin and stdout. Stderr is logged line by line at debug level.
// The process outlives the factory context; it is stopped by closing the
// engine.
func ProcessEngine(cmd Command, opt ...Option) EngineFactory {
	return func(ctx context.Context, output func([]byte)) (Engine, error) {
		if cmd.Path == "" {
			return nil, errors.New("empty engine command")
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		opts := applyOptions(opt)
		logger := withAttrs(opts.logger, "engine", cmd.Path)

		c := exec.Command(cmd.Path, cmd.Args...)
		c.Env = append(os.Environ(), cmd.Env...)
		c.Dir = cmd.Dir

		stdin, err := c.StdinPipe()
		if err != nil {
			return nil, errors.Wrap(err, "stdin pipe")
		}
		stdout, err := c.StdoutPipe()
		if err != nil {
			return nil, errors.Wrap(err, "stdout pipe")
		}
		stderr, err := c.StderrPipe()
		if err != nil {
			return nil, errors.Wrap(err, "stderr pipe")
		}

		if err := c.Start(); err != nil {
			return nil, errors.Wrapf(err, "start %s", cmd.Path)
		}
		logger.Info("engine process started", "pid", c.Process.Pid)

		engineOpts := append(append([]Option(nil), opt...), LoggerOption(logger))
		p := &processEngine{
			StreamEngine: NewStreamEngine(stdout, stdin, output, engineOpts...),
			cmd:          c,
			logger:       logger,
			exited:       make(chan struct{}),
		}
		go p.run(stderr)

		return p, nil
	}
}

type processEngine struct {
	*StreamEngine
	cmd    *exec.Cmd
	logger Logger
	exited chan struct{}
}

// run drains the process output and reaps it.
func (p *processEngine) run(stderr io.Reader) {
	defer close(p.exited)

	var group errgroup.Group
	group.Go(func() error {
		return p.StreamEngine.Run(context.Background())
	})
	group.Go(func() error {
		p.logStderr(stderr)
		return nil
	})
	if err := group.Wait(); err != nil {
		p.logger.Warn("engine stream error", errAttr(err))
	}

	// Wait must follow the last read from the pipes.
	if err := p.cmd.Wait(); err != nil {
		p.logger.Warn("engine process exited", errAttr(err))
		return
	}
	p.logger.Info("engine process exited")
}

func (p *processEngine) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.logger.Debug("engine stderr", "line", scanner.Text())
	}
}

// Done is closed once the process has exited and been reaped.
func (p *processEngine) Done() <-chan struct{} {
	return p.exited
}

// Close closes the process streams, which asks a language server to exit,
// and kills the process if it is still running after a grace period.
// It does not wait for the exit.
func (p *processEngine) Close() error {
	err := p.StreamEngine.Close()

	go func() {
		select {
		case <-p.exited:
		case <-time.After(killGrace):
			p.logger.Warn("killing engine process", "pid", p.cmd.Process.Pid)
			_ = p.cmd.Process.Kill()
		}
	}()

	return err
}
