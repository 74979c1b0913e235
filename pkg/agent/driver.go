package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/corralhq/corral/pkg/log"
)

const forceKillDelay = 5 * time.Second

// Result summarizes one agent run.
type Result struct {
	Success  bool
	Output   string
	Error    string
	Duration time.Duration
}

// OutputFunc receives one line of subprocess stdout.
type OutputFunc func(line string)

// Driver runs a prompt through an LLM worker. Implementations are
// interchangeable per deployment.
type Driver interface {
	Run(ctx context.Context, prompt, workdir string, role *Role, onOutput OutputFunc) *Result
}

// LocalCLIDriver spawns the configured CLI on this host.
type LocalCLIDriver struct {
	Command string
	Args    []string
}

// NewLocalCLIDriver creates a driver invoking command with extra args
// before the prompt.
func NewLocalCLIDriver(command string, args ...string) *LocalCLIDriver {
	return &LocalCLIDriver{Command: command, Args: args}
}

func (d *LocalCLIDriver) Run(ctx context.Context, prompt, workdir string, role *Role, onOutput OutputFunc) *Result {
	args := append([]string{}, d.Args...)
	args = append(args, "--allowed-tools", string(role.Tools), prompt)
	return runCommand(ctx, d.Command, args, workdir, role, onOutput)
}

// SSHCLIDriver runs the CLI on a remote host over ssh.
type SSHCLIDriver struct {
	Host    string
	Command string
}

// NewSSHCLIDriver creates a driver running command on host.
func NewSSHCLIDriver(host, command string) *SSHCLIDriver {
	return &SSHCLIDriver{Host: host, Command: command}
}

func (d *SSHCLIDriver) Run(ctx context.Context, prompt, workdir string, role *Role, onOutput OutputFunc) *Result {
	remote := d.Command
	if workdir != "" {
		remote = fmt.Sprintf("cd %s && %s", shellQuote(workdir), remote)
	}
	remote = fmt.Sprintf("%s --allowed-tools %s %s", remote, role.Tools, shellQuote(prompt))
	return runCommand(ctx, "ssh", []string{d.Host, remote}, "", role, onOutput)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes the subprocess with the role deadline, streaming
// stdout line-by-line. On deadline the process gets SIGTERM, then after
// 5s SIGKILL.
func runCommand(ctx context.Context, command string, args []string, workdir string, role *Role, onOutput OutputFunc) *Result {
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, role.Timeout())
	defer cancel()

	cmd := exec.CommandContext(runCtx, command, args...)
	cmd.Dir = workdir
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = forceKillDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &Result{Error: err.Error(), Duration: time.Since(start)}
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return &Result{Error: fmt.Sprintf("failed to start %s: %v", command, err), Duration: time.Since(start)}
	}

	var output strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		output.WriteString(line)
		output.WriteString("\n")
		if onOutput != nil {
			onOutput(line)
		}
	}

	err = cmd.Wait()
	duration := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		log.Warn(fmt.Sprintf("Agent run timed out after %s (role %s)", role.Timeout(), role.Name))
		return &Result{
			Output:   output.String(),
			Error:    fmt.Sprintf("timed out after %s", role.Timeout()),
			Duration: duration,
		}
	}
	if err != nil {
		msg := err.Error()
		if stderr.Len() > 0 {
			msg = msg + ": " + strings.TrimSpace(stderr.String())
		}
		return &Result{Output: output.String(), Error: msg, Duration: duration}
	}

	return &Result{Success: true, Output: output.String(), Duration: duration}
}

// HTTPDriver posts the prompt to a remote worker API and reads a
// newline-delimited stream of output lines.
type HTTPDriver struct {
	Endpoint   string
	APIKey     string
	httpClient *http.Client
}

// NewHTTPDriver creates a driver for a remote worker endpoint.
func NewHTTPDriver(endpoint, apiKey string) *HTTPDriver {
	return &HTTPDriver{
		Endpoint:   endpoint,
		APIKey:     apiKey,
		httpClient: &http.Client{},
	}
}

func (d *HTTPDriver) Run(ctx context.Context, prompt, workdir string, role *Role, onOutput OutputFunc) *Result {
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, role.Timeout())
	defer cancel()

	body, err := json.Marshal(map[string]string{
		"prompt":  prompt,
		"workdir": workdir,
		"role":    role.Name,
		"tools":   string(role.Tools),
	})
	if err != nil {
		return &Result{Error: err.Error(), Duration: time.Since(start)}
	}

	req, err := http.NewRequestWithContext(runCtx, http.MethodPost, d.Endpoint, bytes.NewReader(body))
	if err != nil {
		return &Result{Error: err.Error(), Duration: time.Since(start)}
	}
	req.Header.Set("Authorization", "Bearer "+d.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return &Result{Error: fmt.Sprintf("timed out after %s", role.Timeout()), Duration: time.Since(start)}
		}
		return &Result{Error: err.Error(), Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return &Result{
			Error:    fmt.Sprintf("worker returned %d: %s", resp.StatusCode, string(data)),
			Duration: time.Since(start),
		}
	}

	var output strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		output.WriteString(line)
		output.WriteString("\n")
		if onOutput != nil {
			onOutput(line)
		}
	}

	duration := time.Since(start)
	if runCtx.Err() == context.DeadlineExceeded {
		return &Result{Output: output.String(), Error: fmt.Sprintf("timed out after %s", role.Timeout()), Duration: duration}
	}
	return &Result{Success: true, Output: output.String(), Duration: duration}
}
