package runtime

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DockerCLI runs containers through the docker (or podman) binary.
type DockerCLI struct {
	Binary string
}

// NewDockerCLI returns a runtime using binary, defaulting to "docker".
func NewDockerCLI(binary string) *DockerCLI {
	if binary == "" {
		binary = "docker"
	}
	return &DockerCLI{Binary: binary}
}

func (d *DockerCLI) Spawn(ctx context.Context, spec SpawnSpec) (*Handle, error) {
	args := []string{"run", "--rm", "-i", "--name", spec.Name}
	if spec.WorkDir != "" {
		args = append(args, "-w", spec.WorkDir)
	}
	if spec.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", spec.MemoryMB))
	}
	if spec.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(spec.CPUs, 'f', -1, 64))
	}
	for _, m := range spec.Mounts {
		bind := m.Host + ":" + m.Container
		if m.ReadOnly {
			bind += ":ro"
		}
		args = append(args, "-v", bind)
	}
	// Deterministic env order keeps spawns reproducible in logs.
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+spec.Env[k])
	}
	args = append(args, spec.Image)
	args = append(args, spec.Cmd...)

	cmd := exec.CommandContext(ctx, d.Binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start container %s: %w", spec.Name, err)
	}
	slog.Info("runtime.spawned", "name", spec.Name, "image", spec.Image)

	return &Handle{
		Name:   spec.Name,
		Stdin:  stdin,
		Stdout: stdout,
		Wait: func() error {
			if err := cmd.Wait(); err != nil {
				msg := strings.TrimSpace(stderr.String())
				if msg != "" {
					return fmt.Errorf("%w: %s", err, msg)
				}
				return err
			}
			return nil
		},
	}, nil
}

func (d *DockerCLI) Stop(ctx context.Context, name string, grace time.Duration) error {
	secs := int(grace / time.Second)
	if secs < 1 {
		secs = 1
	}
	out, err := exec.CommandContext(ctx, d.Binary, "stop", "-t", strconv.Itoa(secs), name).CombinedOutput()
	if err != nil {
		if isNoSuchContainer(out) {
			return nil
		}
		return fmt.Errorf("stop container %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (d *DockerCLI) Kill(ctx context.Context, name string) error {
	out, err := exec.CommandContext(ctx, d.Binary, "rm", "-f", name).CombinedOutput()
	if err != nil {
		if isNoSuchContainer(out) {
			return nil
		}
		return fmt.Errorf("remove container %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (d *DockerCLI) List(ctx context.Context, prefix string) ([]string, error) {
	out, err := exec.CommandContext(ctx, d.Binary,
		"ps", "-a", "--filter", "name=^"+prefix, "--format", "{{.Names}}").Output()
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && strings.HasPrefix(line, prefix) {
			names = append(names, line)
		}
	}
	return names, nil
}

func isNoSuchContainer(out []byte) bool {
	s := strings.ToLower(string(out))
	return strings.Contains(s, "no such container") || strings.Contains(s, "no such object")
}

var _ Runtime = (*DockerCLI)(nil)
