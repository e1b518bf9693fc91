package router

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"magictunnel/internal/domain"
	"magictunnel/internal/infra/envutil"
	"magictunnel/internal/infra/process"
)

const (
	localOp        = "router.local"
	maxLocalStdout = maxResponseBody
	maxLocalStderr = 64 << 10
)

var transientMarkers = []string{
	"temporarily unavailable",
	"try again",
	"connection refused",
	"connection reset",
	"timed out",
	"timeout",
	"resource busy",
	"too many open files",
}

// callLocal runs the configured command with the arguments on stdin.
func callLocal(ctx context.Context, tool domain.Tool, args arguments) (domain.ToolResult, error) {
	cfg, err := tool.Routing.Local()
	if err != nil {
		return domain.ToolResult{}, configError(localOp, "%v", err)
	}
	argv := make([]string, 0, len(cfg.Args))
	for _, arg := range cfg.Args {
		argv = append(argv, expand(arg, args.values, nil))
	}
	env := make(map[string]string, len(cfg.Env))
	for key, value := range cfg.Env {
		env[key] = expand(value, args.values, nil)
	}

	cmd := exec.CommandContext(ctx, expand(cfg.Command, args.values, nil), argv...)
	cmd.Dir = cfg.Cwd
	cmd.Env = envutil.ProcessEnv(env)
	cmd.Stdin = bytes.NewReader(args.raw)
	stdout := &cappedBuffer{limit: maxLocalStdout}
	stderr := &cappedBuffer{limit: maxLocalStderr}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second
	cleanup := process.Setup(cmd)
	defer cleanup()

	runErr := cmd.Run()
	if ctxErr := contextFailure(ctx, localOp, runErr); ctxErr != nil {
		return domain.ToolResult{}, ctxErr
	}
	if runErr != nil {
		code := process.ExitCode(runErr)
		if code < 0 {
			return domain.ToolResult{}, unavailable(localOp, "start "+cfg.Command, runErr)
		}
		message := strings.TrimSpace(stderr.String())
		if message == "" {
			message = "exit status " + strconv.Itoa(code)
		}
		if transient(message) {
			return domain.ToolResult{}, unavailable(localOp, message, runErr)
		}
		return domain.ToolResult{}, upstreamFailure(localOp, code, message, false)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	result := domain.ToolResult{Success: true}
	if len(out) > 0 && json.Valid(out) {
		result.Data = append(json.RawMessage(nil), out...)
	} else {
		result.Data = textResult(stdout.String())
	}
	if errText := strings.TrimSpace(stderr.String()); errText != "" {
		result.Metadata = map[string]string{"stderr": errText}
	}
	if stdout.truncated {
		if result.Metadata == nil {
			result.Metadata = make(map[string]string, 1)
		}
		result.Metadata["truncated"] = strconv.Itoa(stdout.limit)
	}
	return result, nil
}

// cappedBuffer keeps the first limit bytes written to it and drops the rest.
// Writes never fail so the child is not killed by a broken pipe.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room < len(p) {
		b.truncated = true
		if room > 0 {
			b.buf.Write(p[:room])
		}
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) Bytes() []byte  { return b.buf.Bytes() }
func (b *cappedBuffer) String() string { return b.buf.String() }

func transient(message string) bool {
	lower := strings.ToLower(message)
	for _, marker := range transientMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
