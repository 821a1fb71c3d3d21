package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"taskherd/internal/domain"
	"taskherd/internal/infra/config"
	"taskherd/internal/infra/tracer"
)

// Orchestrator spawns external worker processes and supervises them end to
// end. Records live in the registry for the life of the process; nothing is
// evicted, so results stay retrievable indefinitely after exit.
type Orchestrator struct {
	cfg    *config.Config
	reg    *registry
	logger *slog.Logger

	tempDir    string
	ownTempDir bool

	stopOnce sync.Once
}

// New creates an Orchestrator and its per-run temp directory for agent
// side-channel config files.
func New(cfg *config.Config, logger *slog.Logger) (*Orchestrator, error) {
	tempDir := cfg.Orchestrator.TempDir
	owned := false
	if tempDir == "" {
		d, err := os.MkdirTemp("", "taskherd-*")
		if err != nil {
			return nil, fmt.Errorf("orchestrator: create temp dir: %w", err)
		}
		tempDir = d
		owned = true
	} else if err := os.MkdirAll(tempDir, 0o700); err != nil {
		return nil, fmt.Errorf("orchestrator: create temp dir: %w", err)
	}

	return &Orchestrator{
		cfg:        cfg,
		reg:        newRegistry(),
		logger:     logger,
		tempDir:    tempDir,
		ownTempDir: owned,
	}, nil
}

// Spawn launches a worker for the given config and returns its record
// immediately. At the concurrency ceiling the spawn is rejected outright;
// there is no queue.
func (o *Orchestrator) Spawn(ctx context.Context, agentCfg domain.AgentConfig) (domain.AgentSnapshot, error) {
	_, span := tracer.StartSpan(ctx, "orchestrator.spawn")
	defer span.End()
	const op = "Orchestrator.Spawn"

	if strings.TrimSpace(agentCfg.Task) == "" {
		err := domain.NewSubSystemError("agent", op, domain.ErrInvalidInput, "task must not be empty")
		tracer.RecordError(span, err)
		return domain.AgentSnapshot{}, err
	}
	if agentCfg.OutputFormat == "" {
		agentCfg.OutputFormat = domain.OutputFormatStreamJSON
	}
	if !agentCfg.OutputFormat.Valid() {
		err := domain.NewSubSystemError("agent", op, domain.ErrInvalidInput,
			fmt.Sprintf("unknown output format %q", agentCfg.OutputFormat))
		tracer.RecordError(span, err)
		return domain.AgentSnapshot{}, err
	}

	entry := &agentEntry{
		id:         newID(),
		config:     agentCfg,
		status:     domain.StatusRunning,
		startedAt:  time.Now(),
		done:       make(chan struct{}),
		procExited: make(chan struct{}),
	}
	span.SetAttributes(tracer.StringAttr("agent.id", entry.id))

	ceiling := o.cfg.Orchestrator.MaxAgents
	if !o.reg.insert(entry, ceiling) {
		err := domain.NewSubSystemError("agent", op, domain.ErrLimitReached,
			fmt.Sprintf("Maximum concurrent agents limit (%d) reached", ceiling))
		tracer.RecordError(span, err)
		return domain.AgentSnapshot{}, err
	}

	sidecar, err := o.writeSidecar(entry.id, agentCfg.MCPConfig)
	if err != nil {
		return domain.AgentSnapshot{}, o.failSpawn(span, entry, sidecar, op, err)
	}

	// Detached context: the worker outlives the spawn request.
	cmdCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(cmdCtx, o.cfg.Worker.Binary, o.buildWorkerArgs(agentCfg, sidecar)...)
	cmd.Dir = agentCfg.WorkDir
	cmd.Env = mergeEnv(os.Environ(), o.cfg.Worker.Env, agentCfg.Env, o.cfg.WorkerEnv())
	// One-shot protocol: the task travels in the argument vector, there is
	// no interactive stdin.
	cmd.Stdin = nil

	// exec.Cmd runs one copy goroutine per stream into these writers, so
	// per-stream fragment order is preserved and stdout/stderr interleave
	// in receipt order.
	stdout := &fragmentWriter{reg: o.reg, id: entry.id}
	stderr := &fragmentWriter{reg: o.reg, id: entry.id}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Bounds Wait when a worker's descendant keeps the output pipes open
	// past kill.
	cmd.WaitDelay = o.cfg.Orchestrator.Grace()

	if err := cmd.Start(); err != nil {
		cancel()
		return domain.AgentSnapshot{}, o.failSpawn(span, entry, sidecar, op, err)
	}
	o.reg.bind(entry.id, cmd, cancel)

	go o.superviseExit(entry, sidecar, stdout, stderr)

	o.logger.Info("agent spawned",
		"agent_id", entry.id,
		"output_format", agentCfg.OutputFormat,
		"pid", cmd.Process.Pid)
	tracer.SetOK(span)

	snap, _ := o.reg.snapshot(entry.id)
	return snap, nil
}

// Terminate stops a Running agent: graceful signal, grace period, forced
// kill. Bookkeeping is finalized synchronously before the signal is sent, so
// the caller observes Terminated as soon as this returns. Not idempotent:
// terminating a finished agent fails with its current status.
func (o *Orchestrator) Terminate(ctx context.Context, id string) error {
	_, span := tracer.StartSpan(ctx, "orchestrator.terminate",
		trace.WithAttributes(tracer.StringAttr("agent.id", id)))
	defer span.End()
	const op = "Orchestrator.Terminate"

	e, cur, found, claimed := o.reg.beginTerminate(id)
	if !found {
		err := domain.NewSubSystemError("agent", op, domain.ErrNotFound, id)
		tracer.RecordError(span, err)
		return err
	}
	if !claimed {
		detail := fmt.Sprintf("agent is %s, not running", cur)
		if cur == domain.StatusRunning {
			detail = "agent is still starting"
		}
		err := domain.NewSubSystemError("agent", op, domain.ErrInvalidState, detail)
		tracer.RecordError(span, err)
		return err
	}

	o.signalAndReap(e)
	o.logger.Info("agent terminated", "agent_id", id)
	tracer.SetOK(span)
	return nil
}

// Status returns a point-in-time copy of the agent's record.
func (o *Orchestrator) Status(id string) (domain.AgentSnapshot, error) {
	snap, ok := o.reg.snapshot(id)
	if !ok {
		return domain.AgentSnapshot{}, domain.NewSubSystemError("agent", "Orchestrator.Status", domain.ErrNotFound, id)
	}
	return snap, nil
}

// List returns every known agent plus counts partitioned by status.
func (o *Orchestrator) List() domain.ListSummary {
	return o.reg.list()
}

// Result derives a structured result from the agent's accumulated output.
// Valid at any point in the lifecycle; fields the output does not yet carry
// are left unset.
func (o *Orchestrator) Result(id string) (domain.AgentResult, error) {
	snap, ok := o.reg.snapshot(id)
	if !ok {
		return domain.AgentResult{}, domain.NewSubSystemError("agent", "Orchestrator.Result", domain.ErrNotFound, id)
	}
	return ExtractResult(snap), nil
}

// Stop terminates every still-Running agent and removes the per-run temp
// directory. Safe to call more than once.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.stopOnce.Do(func() {
		_, span := tracer.StartSpan(ctx, "orchestrator.stop")
		defer span.End()

		claimed := o.reg.claimAllRunning()
		for _, e := range claimed {
			o.signalAndReap(e)
		}
		if o.ownTempDir {
			if err := os.RemoveAll(o.tempDir); err != nil {
				o.logger.Warn("remove temp dir", "path", o.tempDir, "error", err)
			}
		}
		o.logger.Info("orchestrator stopped", "terminated", len(claimed))
	})
}

// --- internal ---

// signalAndReap delivers SIGTERM, waits out the grace period, then forces a
// kill. Returns only once the process has actually been reaped.
func (o *Orchestrator) signalAndReap(e *agentEntry) {
	if err := e.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Process may already be gone; make sure the context is released.
		e.cancel()
	}
	select {
	case <-e.procExited:
	case <-time.After(o.cfg.Orchestrator.Grace()):
		e.cancel()
		<-e.procExited
	}
}

// failSpawn records a spawn failure on the agent's record: status Errored
// plus a synthetic output fragment describing the cause. The record stays in
// the registry for post-mortem queries.
func (o *Orchestrator) failSpawn(span trace.Span, e *agentEntry, sidecar, op string, cause error) error {
	o.reg.appendFragment(e.id, "spawn failed: "+cause.Error())
	o.reg.finalize(e.id, domain.StatusErrored, nil)
	close(e.procExited)
	o.removeSidecar(sidecar)

	o.logger.Error("agent spawn failed", "agent_id", e.id, "error", cause)
	err := domain.NewSubSystemError("agent", op, domain.ErrSpawnFailed, cause.Error())
	tracer.RecordError(span, err)
	return err
}

// fragmentWriter turns one output stream into ordered registry appends,
// one fragment per line. exec.Cmd writes to it from a single goroutine, so
// the partial-line buffer needs no locking.
type fragmentWriter struct {
	reg *registry
	id  string
	buf []byte
}

func (w *fragmentWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.reg.appendFragment(w.id, string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// flush appends a trailing partial line once the stream has closed. Only
// safe after cmd.Wait has returned.
func (w *fragmentWriter) flush() {
	if len(w.buf) > 0 {
		w.reg.appendFragment(w.id, string(w.buf))
		w.buf = nil
	}
}

// superviseExit reaps the process, then moves the record to its terminal
// status unless termination already did.
func (o *Orchestrator) superviseExit(e *agentEntry, sidecar string, stdout, stderr *fragmentWriter) {
	err := e.cmd.Wait()
	stdout.flush()
	stderr.flush()
	// WaitDelay cut the pipes off after the process itself had exited
	// cleanly; that is not a worker failure.
	if errors.Is(err, exec.ErrWaitDelay) {
		err = nil
	}
	close(e.procExited)

	status := domain.StatusTerminated
	var exitCode *int
	if err != nil {
		status = domain.StatusErrored
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Negative means killed by signal; no exit code then.
			if code := exitErr.ExitCode(); code >= 0 {
				exitCode = &code
			}
		}
	} else {
		code := 0
		exitCode = &code
	}

	finalized := o.reg.finalize(e.id, status, exitCode)
	o.removeSidecar(sidecar)
	e.cancel()

	if finalized {
		o.logger.Info("agent exited", "agent_id", e.id, "status", status)
	}
}

// writeSidecar materializes per-agent side-channel config to a temp file the
// worker consumes by path. The file lives exactly as long as the agent.
func (o *Orchestrator) writeSidecar(id string, mcpConfig map[string]any) (string, error) {
	if len(mcpConfig) == 0 {
		return "", nil
	}
	data, err := json.Marshal(mcpConfig)
	if err != nil {
		return "", fmt.Errorf("encode mcp config: %w", err)
	}
	path := filepath.Join(o.tempDir, id+".mcp.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write mcp config: %w", err)
	}
	return path, nil
}

// removeSidecar is best-effort; a leftover file is logged, never fatal.
func (o *Orchestrator) removeSidecar(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		o.logger.Warn("remove mcp config", "path", path, "error", err)
	}
}

// buildWorkerArgs translates an AgentConfig into the worker's argument
// vector.
func (o *Orchestrator) buildWorkerArgs(agentCfg domain.AgentConfig, sidecar string) []string {
	args := []string{"-p", agentCfg.Task, "--output-format", string(agentCfg.OutputFormat)}
	if agentCfg.OutputFormat == domain.OutputFormatStreamJSON {
		args = append(args, "--verbose")
	}
	model := agentCfg.Model
	if model == "" {
		model = o.cfg.Worker.DefaultModel
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if agentCfg.SystemPrompt != "" {
		args = append(args, "--system-prompt", agentCfg.SystemPrompt)
	}
	if agentCfg.AppendSystemPrompt != "" {
		args = append(args, "--append-system-prompt", agentCfg.AppendSystemPrompt)
	}
	if len(agentCfg.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(agentCfg.AllowedTools, ","))
	}
	if len(agentCfg.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(agentCfg.DisallowedTools, ","))
	}
	if agentCfg.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(agentCfg.MaxTurns))
	}
	if sidecar != "" {
		args = append(args, "--mcp-config", sidecar)
	}
	return args
}

// mergeEnv overlays env maps onto a base environ, later layers winning.
func mergeEnv(base []string, layers ...map[string]string) []string {
	merged := make(map[string]string, len(base))
	order := make([]string, 0, len(base))
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if _, seen := merged[k]; !seen {
			order = append(order, k)
		}
		merged[k] = v
	}
	for _, layer := range layers {
		for k, v := range layer {
			if _, seen := merged[k]; !seen {
				order = append(order, k)
			}
			merged[k] = v
		}
	}
	env := make([]string, 0, len(order))
	for _, k := range order {
		env = append(env, k+"="+merged[k])
	}
	return env
}

func newID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
