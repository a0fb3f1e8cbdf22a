package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	defaultShellTimeout = 30 * time.Second
	maxShellTimeout     = 5 * time.Minute
	maxOutputBytes      = 1024 * 1024
)

// Dangerous command patterns that should be blocked
var dangerousPatterns = []string{
	"rm ", "rm -", "rmdir", "unlink",
	"format", "mkfs", "dd ",
	"sudo rm", "sudo format", "sudo mkfs",
	"chmod 777", "chmod 000",
	"curl | sh", "curl | bash", "wget | sh", "wget | bash",
	"> /dev/sd", "of=/dev/sd", "of=/dev/hd",
	"rm -rf /", "rm -rf ~", "rm -rf *",
	"mkfs.", "format ", "fdisk ",
	"dd if=", "dd of=",
}

// Power commands are only blocked when they appear as a command word.
var dangerousWords = []string{"shutdown", "reboot", "halt", "poweroff"}

// isDangerousCommand checks if a command contains dangerous patterns
func isDangerousCommand(command string) bool {
	cmdLower := strings.ToLower(command)
	for _, pattern := range dangerousPatterns {
		if strings.Contains(cmdLower, pattern) {
			return true
		}
	}

	if slices.ContainsFunc(commandWords(cmdLower), func(w string) bool {
		return slices.Contains(dangerousWords, w)
	}) {
		return true
	}

	// curl/wget piped into a shell, even with arguments in between.
	if (strings.Contains(cmdLower, "curl") || strings.Contains(cmdLower, "wget")) &&
		(strings.Contains(cmdLower, "| sh") || strings.Contains(cmdLower, "| bash")) {
		return true
	}

	if strings.Contains(cmdLower, "> ") {
		parts := strings.Split(cmdLower, ">")
		if len(parts) > 1 {
			target := strings.TrimSpace(parts[1])
			// Redirects to absolute paths are only allowed into temp dirs.
			if filepath.IsAbs(target) && !strings.HasPrefix(target, "/tmp/") && !strings.HasPrefix(target, "/var/tmp/") {
				return true
			}
		}
	}

	return false
}

// commandWords returns the program name of each command in a shell line,
// skipping sudo, env and nohup prefixes.
func commandWords(line string) []string {
	segments := strings.FieldsFunc(line, func(r rune) bool {
		return strings.ContainsRune(";|&()`\n", r)
	})
	var out []string
	for _, seg := range segments {
		for _, f := range strings.Fields(seg) {
			if f == "sudo" || f == "env" || f == "nohup" || strings.HasPrefix(f, "-") || strings.Contains(f, "=") {
				continue
			}
			out = append(out, filepath.Base(f))
			break
		}
	}
	return out
}

var errCommandBlocked = errors.New("command blocked: this command appears to be dangerous and could damage the system or delete files")

type shellParams struct {
	Command    string   `json:"command"`
	Args       []string `json:"args"`
	Timeout    int      `json:"timeout"` // seconds
	WorkingDir string   `json:"working_dir"`
	Stdin      string   `json:"stdin"`
}

func (p shellParams) argv() (string, []string) {
	if len(p.Args) > 0 {
		return p.Command, p.Args
	}
	parts := strings.Fields(p.Command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}

func (p shellParams) full() string {
	if len(p.Args) > 0 {
		return p.Command + " " + strings.Join(p.Args, " ")
	}
	return p.Command
}

// shell runs a program in the workspace and returns its exit code and output.
func (h *Handlers) shell(ctx context.Context, p shellParams) (any, error) {
	fullCommand := p.full()
	name, args := p.argv()
	if name == "" {
		return nil, errors.New("command is required")
	}
	if isDangerousCommand(fullCommand) {
		h.logger.Warn().Str("method", "shell").Str("command", fullCommand).Msg("Blocked dangerous command")
		return nil, errCommandBlocked
	}

	timeout := defaultShellTimeout
	if p.Timeout > 0 {
		timeout = time.Duration(p.Timeout) * time.Second
	}
	if timeout > maxShellTimeout {
		timeout = maxShellTimeout
	}

	workDir, err := h.workDir(p.WorkingDir)
	if err != nil {
		return nil, err
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, name, args...) //#nosec G204 -- intentional command execution
	cmd.Dir = workDir
	if p.Stdin != "" {
		cmd.Stdin = strings.NewReader(p.Stdin)
	}
	stdout := &limitedBuffer{max: maxOutputBytes}
	stderr := &limitedBuffer{max: maxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err = cmd.Run()
	if cmdCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("command timed out after %s", timeout)
	}
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("command failed: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return map[string]any{
		"command":   fullCommand,
		"exit_code": exitCode,
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"truncated": stdout.truncated || stderr.truncated,
		"success":   exitCode == 0,
	}, nil
}

func (h *Handlers) workDir(requested string) (string, error) {
	if requested == "" {
		return h.workspace, nil
	}
	dir, err := validateWorkspacePath(h.workspace, requested)
	if err != nil {
		return "", fmt.Errorf("invalid working directory: %w", err)
	}
	return dir, nil
}

// limitedBuffer keeps the first max bytes written to it and discards the rest.
type limitedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = len(p) > 0 || b.truncated
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string { return b.buf.String() }

var signals = map[string]syscall.Signal{
	"TERM": syscall.SIGTERM,
	"KILL": syscall.SIGKILL,
	"INT":  syscall.SIGINT,
	"HUP":  syscall.SIGHUP,
}

type killParams struct {
	PID    int    `json:"pid"`
	Signal string `json:"signal"`
}

// kill sends a signal (TERM by default) to a process.
func (h *Handlers) kill(_ context.Context, p killParams) (any, error) {
	sig, err := parseSignal(p.Signal)
	if err != nil {
		return nil, err
	}
	if err := h.signalProcess(p.PID, sig); err != nil {
		return nil, err
	}
	return map[string]any{"pid": p.PID, "signal": signalName(sig), "killed": true}, nil
}

func (h *Handlers) signalProcess(pid int, sig syscall.Signal) error {
	if pid <= 1 {
		return fmt.Errorf("refusing to signal pid %d", pid)
	}
	if pid == os.Getpid() {
		return errors.New("refusing to signal the shell's own process")
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("signal process %d: %w", pid, err)
	}
	h.logger.Info().Str("method", "signalProcess").Int("pid", pid).Str("signal", signalName(sig)).Msg("Signalled process")
	return nil
}

func parseSignal(name string) (syscall.Signal, error) {
	if name == "" {
		return syscall.SIGTERM, nil
	}
	sig, ok := signals[strings.TrimPrefix(strings.ToUpper(name), "SIG")]
	if !ok {
		return 0, fmt.Errorf("unsupported signal %q", name)
	}
	return sig, nil
}

func signalName(sig syscall.Signal) string {
	for name, s := range signals {
		if s == sig {
			return name
		}
	}
	return sig.String()
}

type restartParams struct {
	PID        int      `json:"pid"`
	Command    string   `json:"command"`
	Args       []string `json:"args"`
	WorkingDir string   `json:"working_dir"`
}

// restart stops pid (when given) and starts command detached from the shell,
// returning the new pid.
func (h *Handlers) restart(_ context.Context, p restartParams) (any, error) {
	sp := shellParams{Command: p.Command, Args: p.Args}
	fullCommand := sp.full()
	name, args := sp.argv()
	if name == "" {
		return nil, errors.New("command is required")
	}
	if isDangerousCommand(fullCommand) {
		h.logger.Warn().Str("method", "restart").Str("command", fullCommand).Msg("Blocked dangerous command")
		return nil, errCommandBlocked
	}
	workDir, err := h.workDir(p.WorkingDir)
	if err != nil {
		return nil, err
	}

	stopped := false
	if p.PID > 0 {
		if err := h.signalProcess(p.PID, syscall.SIGTERM); err != nil {
			if !errors.Is(err, os.ErrProcessDone) && !errors.Is(err, syscall.ESRCH) {
				return nil, err
			}
		} else {
			stopped = true
		}
		h.processes.wait(p.PID, 5*time.Second)
	}

	cmd := exec.Command(name, args...) //#nosec G204 -- intentional command execution
	cmd.Dir = workDir
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}
	h.processes.track(cmd)

	return map[string]any{
		"command": fullCommand,
		"pid":     cmd.Process.Pid,
		"stopped": stopped,
	}, nil
}

// processTable reaps the processes started by restart.
type processTable struct {
	mu   sync.Mutex
	done map[int]chan struct{}
}

func newProcessTable() *processTable {
	return &processTable{done: make(map[int]chan struct{})}
}

func (t *processTable) track(cmd *exec.Cmd) {
	ch := make(chan struct{})
	pid := cmd.Process.Pid
	t.mu.Lock()
	t.done[pid] = ch
	t.mu.Unlock()
	go func() {
		_ = cmd.Wait()
		t.mu.Lock()
		delete(t.done, pid)
		t.mu.Unlock()
		close(ch)
	}()
}

// wait blocks until a tracked process exits or d elapses. Untracked pids return at once.
func (t *processTable) wait(pid int, d time.Duration) {
	t.mu.Lock()
	ch, ok := t.done[pid]
	t.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-ch:
	case <-time.After(d):
	}
}
