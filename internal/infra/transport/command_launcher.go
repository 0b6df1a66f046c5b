package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"basebot/internal/domain"
	"basebot/internal/infra/telemetry"
)

type CommandLauncher struct {
	logger      *zap.Logger
	launchGrace time.Duration
}

type CommandLauncherOptions struct {
	Logger *zap.Logger
	// LaunchGrace is how long Launch watches for an immediate exit.
	// Zero uses the default; a negative value disables the check.
	LaunchGrace time.Duration
}

func NewCommandLauncher(opts CommandLauncherOptions) *CommandLauncher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	grace := opts.LaunchGrace
	if grace == 0 {
		grace = domain.DefaultLaunchGrace
	}
	return &CommandLauncher{
		logger:      logger.Named("launcher"),
		launchGrace: grace,
	}
}

// Launch starts the provider subprocess. The process is not bound to ctx;
// it lives until Terminate is called or it exits on its own.
func (l *CommandLauncher) Launch(ctx context.Context, spec domain.ProviderSpec) (domain.Process, error) {
	argv, err := ResolveArgv(spec)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if spec.Cwd != "" {
		cmd.Dir = spec.Cwd
	}
	cmd.Env = append(os.Environ(), formatEnv(spec.Env)...)
	setupProcessHandling(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", domain.ErrLaunchFailure, err)
	}
	// os.Pipe keeps the read ends open after Wait so buffered output can drain.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("%w: stdout pipe: %v", domain.ErrLaunchFailure, err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		closeAll(stdoutR, stdoutW)
		return nil, fmt.Errorf("%w: stderr pipe: %v", domain.ErrLaunchFailure, err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("%w: start %s: %w", domain.ErrLaunchFailure, argv[0], classifyStartError(err))
	}
	closeAll(stdoutW, stderrW)

	downstreamLogger := l.logger.With(
		zap.String(telemetry.FieldLogSource, telemetry.LogSourceDownstream),
		telemetry.ProviderField(spec.Name),
		zap.String(telemetry.FieldLogStream, "stderr"),
	)
	go mirrorStderr(stderrR, downstreamLogger)

	proc := &commandProcess{
		cmd:      cmd,
		stdin:    stdin,
		stdout:   stdoutR,
		done:     make(chan struct{}),
		exitCode: -1,
	}
	go proc.wait()

	l.logger.Debug("provider process started",
		telemetry.ProviderField(spec.Name),
		zap.Int(telemetry.FieldPid, cmd.Process.Pid),
	)

	if l.launchGrace > 0 {
		timer := time.NewTimer(l.launchGrace)
		defer timer.Stop()
		select {
		case <-proc.Done():
			_ = stdoutR.Close()
			return nil, fmt.Errorf("%w: %s exited immediately with exit code %d", domain.ErrLaunchFailure, argv[0], proc.ExitCode())
		case <-ctx.Done():
			_ = proc.Terminate(context.Background(), 0)
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return proc, nil
}

type commandProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File

	mu       sync.Mutex
	exitCode int
	done     chan struct{}
}

func (p *commandProcess) wait() {
	_ = p.cmd.Wait()
	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	p.mu.Lock()
	p.exitCode = code
	p.mu.Unlock()
	close(p.done)
}

func (p *commandProcess) Stdin() io.WriteCloser { return p.stdin }

func (p *commandProcess) Stdout() io.ReadCloser { return p.stdout }

func (p *commandProcess) Done() <-chan struct{} { return p.done }

func (p *commandProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *commandProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Terminate closes stdin, interrupts the process group and escalates to
// SIGKILL when the process has not exited within grace.
func (p *commandProcess) Terminate(ctx context.Context, grace time.Duration) error {
	_ = p.stdin.Close()
	select {
	case <-p.done:
		return nil
	default:
	}

	if grace > 0 {
		if err := interruptProcess(p.cmd.Process); err != nil {
			return fmt.Errorf("interrupt process: %w", err)
		}
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-p.done:
			return nil
		case <-timer.C:
		case <-ctx.Done():
		}
	}

	if err := killProcess(p.cmd.Process); err != nil {
		return fmt.Errorf("kill process: %w", err)
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(domain.DefaultExitWait):
		return errors.New("process did not exit after kill")
	}
}

const maxStderrLineLength = 32 * 1024 // 32KB per line

func mirrorStderr(reader io.ReadCloser, logger *zap.Logger) {
	defer reader.Close()
	buf := bufio.NewReaderSize(reader, 8192)
	for {
		line, isPrefix, err := buf.ReadLine()
		if len(line) > 0 {
			trimmed := strings.TrimRight(string(line), "\r\n")
			if trimmed != "" {
				if len(trimmed) > maxStderrLineLength {
					trimmed = trimmed[:maxStderrLineLength] + "... [truncated]"
				}
				logger.Info(trimmed)
			}
			// Discard the remainder of a line longer than the buffer.
			for isPrefix && err == nil {
				_, isPrefix, err = buf.ReadLine()
			}
		}
		if err != nil {
			return
		}
	}
}

func formatEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return out
}

func classifyStartError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", domain.ErrExecutableNotFound, err.Error())
	}
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: %s", domain.ErrPermissionDenied, err.Error())
	}
	return err
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}

var _ domain.Launcher = (*CommandLauncher)(nil)
