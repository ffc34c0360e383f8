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
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/enclave/internal/apierrors"
	"github.com/jkaninda/enclave/internal/domain"
)

const (
	microvmPlatformTag = "microvm"

	containerPrefix = "enclave-vm-"
	restoreImageTag = "enclave-restore"
)

// MicroVMConfig configures the microVM-class backend.
type MicroVMConfig struct {
	Runtime      string        // Optional --runtime (e.g. a VMM shim). Empty = daemon default.
	ExecTimeout  time.Duration // Default per-exec wall clock. 0 = 30s.
	MaxSandboxes int           // Concurrent sandbox cap. 0 = 64.
	BaseDir      string        // Host staging area for snapshot and digest material.
}

type vmInstance struct {
	spec      domain.SandboxSpec
	container string
	image     string
	secretEnv map[string]string
	digestDir string
	createdAt time.Time
}

// MicroVM runs each sandbox in its own long-lived hardened container behind
// a VMM-class runtime, giving a full dedicated kernel per sandbox. Cold
// starts pay for guest boot, but the syscall surface is complete and egress
// interception happens at the guest packet layer.
//
// Per-sandbox guarantees:
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Non-root user (--user=65534:65534)
//   - Memory hard limit with swap disabled (OOM kill on exceed)
//   - CPU rate limited, PIDs limited
//   - Sanitized environment, no host inheritance
//   - Container force-removed on terminate, even after daemon hiccups
type MicroVM struct {
	config MicroVMConfig
	logger *slog.Logger

	mu        sync.RWMutex
	instances map[uuid.UUID]*vmInstance
}

// NewMicroVM creates the microVM-class backend.
func NewMicroVM(cfg MicroVMConfig, logger *slog.Logger) *MicroVM {
	if cfg.ExecTimeout == 0 {
		cfg.ExecTimeout = defaultExecTimeout
	}
	if cfg.MaxSandboxes == 0 {
		cfg.MaxSandboxes = 64
	}
	return &MicroVM{
		config:    cfg,
		logger:    logger,
		instances: make(map[uuid.UUID]*vmInstance),
	}
}

// Capabilities declares the microVM model's static profile.
func (m *MicroVM) Capabilities() Capabilities {
	return Capabilities{
		Runtime:             domain.RuntimeMicroVM,
		PlatformTag:         microvmPlatformTag,
		Syscalls:            SurfaceFull,
		ColdStartP50:        800 * time.Millisecond,
		ColdStartP99:        3 * time.Second,
		MemoryOverheadBytes: 128 << 20,
		SupportsCheckpoint:  true,
		Interception:        InterceptGuestPackets,
	}
}

func (m *MicroVM) Spawn(ctx context.Context, id uuid.UUID, spec domain.SandboxSpec, rootfs string, secretEnv map[string]string) error {
	// For this backend the image reference is resolved by the daemon itself;
	// rootfs is the staged copy used only for digest material.
	m.mu.Lock()
	if len(m.instances) >= m.config.MaxSandboxes {
		m.mu.Unlock()
		return apierrors.ResourceExhausted("sandbox limit %d reached", m.config.MaxSandboxes)
	}
	if _, exists := m.instances[id]; exists {
		m.mu.Unlock()
		return apierrors.Conflict("sandbox %s already exists", id)
	}
	inst := &vmInstance{
		spec:      spec,
		container: containerPrefix + id.String(),
		image:     spec.ImageRef,
		secretEnv: cloneEnv(secretEnv),
		digestDir: rootfs,
		createdAt: time.Now().UTC(),
	}
	m.instances[id] = inst
	m.mu.Unlock()

	if err := m.runContainer(ctx, inst); err != nil {
		m.forget(id)
		return err
	}

	m.logger.Info("microvm sandbox spawned",
		slog.String("sandbox_id", id.String()),
		slog.String("container", inst.container),
		slog.String("image", inst.image),
	)
	return nil
}

// runContainer starts the long-lived guest with all hardening flags. The
// guest idles in sleep until execs arrive.
func (m *MicroVM) runContainer(ctx context.Context, inst *vmInstance) error {
	limits := inst.spec.Limits
	memoryFlag := strconv.FormatInt(limits.MemoryBytes>>20, 10) + "m"
	cpuFlag := strconv.FormatFloat(float64(limits.CPUMillis)/1000, 'f', 2, 64)
	pidsFlag := strconv.Itoa(limits.PIDLimit)

	args := []string{
		"run", "--detach",
		"--name", inst.container,

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--user=65534:65534",

		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag, // Same as memory = swap disabled.
		"--cpus=" + cpuFlag,
		"--pids-limit=" + pidsFlag,

		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",

		"--env", "HOME=/home/sandbox",
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",
	}
	if m.config.Runtime != "" {
		args = append(args, "--runtime", m.config.Runtime)
	}
	for k, v := range inst.secretEnv {
		args = append(args, "--env", k+"="+v)
	}
	// Egress enforcement lives in the guest packet filter; a fully-deny
	// policy with no exceptions skips the network stack entirely.
	if denyAllNetwork(inst.spec.Network) {
		args = append(args, "--network=none")
	} else {
		args = append(args, "--network=bridge")
	}
	args = append(args, inst.image, "sleep", "infinity")

	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		if bytes.Contains(out, []byte("No such image")) || bytes.Contains(out, []byte("pull access denied")) {
			return apierrors.ImageNotFound(inst.image).WithCause(err)
		}
		return apierrors.BackendUnavailable("starting guest").WithCause(fmt.Errorf("%w: %s", err, out))
	}
	return nil
}

func (m *MicroVM) Terminate(_ context.Context, id uuid.UUID) error {
	inst := m.forget(id)
	if inst == nil {
		return nil // Idempotent.
	}
	m.forceRemoveContainer(inst.container)
	m.logger.Info("microvm sandbox terminated",
		slog.String("sandbox_id", id.String()),
		slog.String("container", inst.container),
	)
	return nil
}

func (m *MicroVM) Exec(ctx context.Context, id uuid.UUID, req ExecRequest) (*ExecResult, error) {
	inst := m.lookup(id)
	if inst == nil {
		return nil, apierrors.SandboxNotFound(id.String())
	}
	if len(req.Command) == 0 {
		return nil, apierrors.Validation("empty command")
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = m.config.ExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"exec", "--workdir", "/home/sandbox"}
	for k, v := range req.Env {
		args = append(args, "--env", k+"="+v)
	}
	args = append(args, inst.container)
	args = append(args, req.Command...)

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	start := time.Now()
	runErr := cmd.Run()
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
			return nil, apierrors.BackendUnavailable("guest exec failed").WithCause(runErr)
		}
	}

	return &ExecResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

func (m *MicroVM) Status(ctx context.Context, id uuid.UUID) (RunState, error) {
	inst := m.lookup(id)
	if inst == nil {
		return StateStopped, nil
	}
	out, err := exec.CommandContext(ctx, "docker", "inspect", "--format", "{{.State.Running}}", inst.container).Output()
	if err != nil {
		return StateUnknown, nil
	}
	if bytes.Contains(out, []byte("true")) {
		return StateRunning, nil
	}
	return StateStopped, nil
}

// Checkpoint pauses the guest, captures its full filesystem, and resumes
// it. The guest observes nothing but a pause.
func (m *MicroVM) Checkpoint(ctx context.Context, id uuid.UUID) (*Snapshot, error) {
	inst := m.lookup(id)
	if inst == nil {
		return nil, apierrors.SandboxNotFound(id.String())
	}

	if out, err := exec.CommandContext(ctx, "docker", "pause", inst.container).CombinedOutput(); err != nil {
		return nil, apierrors.BackendUnavailable("pausing guest").WithCause(fmt.Errorf("%w: %s", err, out))
	}
	defer func() {
		if out, err := exec.Command("docker", "unpause", inst.container).CombinedOutput(); err != nil {
			m.logger.Warn("guest unpause failed",
				slog.String("container", inst.container),
				slog.String("output", string(out)),
			)
		}
	}()

	var fsTar bytes.Buffer
	cmd := exec.CommandContext(ctx, "docker", "export", inst.container)
	cmd.Stdout = &fsTar
	if err := cmd.Run(); err != nil {
		return nil, apierrors.BackendUnavailable("exporting guest filesystem").WithCause(err)
	}

	state, err := json.Marshal(map[string]any{
		"platform":   microvmPlatformTag,
		"image":      inst.image,
		"created_at": inst.createdAt,
	})
	if err != nil {
		return nil, err
	}
	return &Snapshot{MemoryState: state, Filesystem: fsTar.Bytes()}, nil
}

func (m *MicroVM) Restore(ctx context.Context, id uuid.UUID, spec domain.SandboxSpec, snapshot *Snapshot, secretEnv map[string]string) error {
	m.mu.Lock()
	if _, exists := m.instances[id]; exists {
		m.mu.Unlock()
		return apierrors.Conflict("sandbox %s already exists", id)
	}
	inst := &vmInstance{
		spec:      spec,
		container: containerPrefix + id.String(),
		image:     restoreImageTag + ":" + id.String(),
		secretEnv: cloneEnv(secretEnv),
		digestDir: filepath.Join(m.config.BaseDir, id.String()),
		createdAt: time.Now().UTC(),
	}
	m.instances[id] = inst
	m.mu.Unlock()

	// Import the captured filesystem as an addressable image, then boot a
	// fresh guest from it.
	cmd := exec.CommandContext(ctx, "docker", "import", "-", inst.image)
	cmd.Stdin = bytes.NewReader(snapshot.Filesystem)
	if out, err := cmd.CombinedOutput(); err != nil {
		m.forget(id)
		return apierrors.BackendUnavailable("importing snapshot").WithCause(fmt.Errorf("%w: %s", err, out))
	}
	if err := os.MkdirAll(inst.digestDir, 0700); err == nil {
		_ = untarDirectory(snapshot.Filesystem, inst.digestDir)
	}
	if err := m.runContainer(ctx, inst); err != nil {
		m.forget(id)
		return err
	}

	m.logger.Info("microvm sandbox restored", slog.String("sandbox_id", id.String()))
	return nil
}

// Reset discards the guest entirely and boots a fresh one from the
// original image, which is how a full-kernel sandbox sheds all prior
// occupant state.
func (m *MicroVM) Reset(ctx context.Context, id uuid.UUID, secretEnv map[string]string) error {
	inst := m.lookup(id)
	if inst == nil {
		return apierrors.SandboxNotFound(id.String())
	}
	m.forceRemoveContainer(inst.container)
	inst.secretEnv = cloneEnv(secretEnv)
	if err := m.runContainer(ctx, inst); err != nil {
		return err
	}
	return nil
}

func (m *MicroVM) PlatformEvidence(ctx context.Context, id uuid.UUID) ([]byte, error) {
	inst := m.lookup(id)
	if inst == nil {
		return nil, apierrors.SandboxNotFound(id.String())
	}
	imageID, err := exec.CommandContext(ctx, "docker", "inspect", "--format", "{{.Image}}", inst.container).Output()
	if err != nil {
		imageID = nil
	}
	detail, err := json.Marshal(map[string]any{
		"container":  inst.container,
		"image_id":   string(bytes.TrimSpace(imageID)),
		"created_at": inst.createdAt,
		"surface":    string(SurfaceFull),
	})
	if err != nil {
		return nil, err
	}
	evidence := append([]byte(microvmPlatformTag), 0)
	return append(evidence, detail...), nil
}

func (m *MicroVM) FilesystemDigestRoot(id uuid.UUID) string {
	inst := m.lookup(id)
	if inst == nil {
		return ""
	}
	return inst.digestDir
}

// forceRemoveContainer removes a container by name. Best-effort cleanup;
// "No such container" is expected when the guest already exited.
func (m *MicroVM) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		m.logger.Warn("docker rm -f failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
	}
}

func denyAllNetwork(p domain.NetworkPolicy) bool {
	return p.DefaultAction == domain.ActionDeny && len(p.Rules) == 0
}

func (m *MicroVM) lookup(id uuid.UUID) *vmInstance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.instances[id]
}

func (m *MicroVM) forget(id uuid.UUID) *vmInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst := m.instances[id]
	delete(m.instances, id)
	return inst
}
