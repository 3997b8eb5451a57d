// Package containerengine is a thin wrapper around the Docker Engine API
// (spec.md §8: "Container engine API (local-socket): list, inspect,
// create, start, stop, kill, remove, exec, pull image, get logs"). It is
// the only package in this module that talks to a container runtime; the
// Prefill Session Manager (internal/prefill) drives sessions entirely
// through this interface and never imports the Docker SDK directly.
package containerengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// Engine wraps a Docker client. The zero value is not usable; build one
// with New.
type Engine struct {
	cli *client.Client
}

// New connects to the local Docker daemon using the standard environment
// variables (DOCKER_HOST, DOCKER_TLS_VERIFY, ...), negotiating the API
// version against the daemon (spec.md §18: "Not a container runtime — it
// drives a local container engine via its API").
func New() (*Engine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connecting to container engine: %w", err)
	}
	return &Engine{cli: cli}, nil
}

// Close releases the underlying client's connection.
func (e *Engine) Close() error {
	return e.cli.Close()
}

// PortBinding forwards an ephemeral host port to a container port,
// restricted to loopback per spec.md §4.M ("loopback TCP with an
// ephemeral host port forwarded to an internal container port").
type PortBinding struct {
	ContainerPort int
	Protocol      string // "tcp" or "udp"
	HostIP        string // "127.0.0.1" unless overridden
	HostPort      int    // 0 lets the daemon pick an ephemeral port
}

// CreateSpec describes a session container to create (spec.md §4.M
// step 7: "bind mounts (commands, responses), the selected networking,
// and the command `daemon`").
type CreateSpec struct {
	Name  string
	Image string
	Cmd   []string
	Env   []string

	// Binds are host:container[:ro] bind mount specs.
	Binds []string

	// NetworkMode selects container networking: "" (engine default bridge),
	// "host", or "container:<id>" to share another container's network
	// namespace (spec.md §4.M step 4's lancache-DNS host-networking case).
	NetworkMode string
	DNS         []string
	// Sysctls sets kernel parameters, notably
	// net.ipv6.conf.all.disable_ipv6=1 (spec.md §4.M step 4).
	Sysctls map[string]string

	AutoRemove   bool
	PortBindings []PortBinding
}

// buildPortBindings translates loopback-restricted PortBindings into the
// exposed-ports set and host-binding map container.Config/HostConfig
// expect, defaulting protocol to tcp and host IP to loopback (spec.md
// §4.M: "loopback TCP with an ephemeral host port").
func buildPortBindings(pbs []PortBinding) (nat.PortSet, nat.PortMap) {
	exposed := make(nat.PortSet, len(pbs))
	bindings := make(nat.PortMap, len(pbs))
	for _, pb := range pbs {
		proto := pb.Protocol
		if proto == "" {
			proto = "tcp"
		}
		hostIP := pb.HostIP
		if hostIP == "" {
			hostIP = "127.0.0.1"
		}
		port := nat.Port(fmt.Sprintf("%d/%s", pb.ContainerPort, proto))
		exposed[port] = struct{}{}
		hostPort := ""
		if pb.HostPort != 0 {
			hostPort = strconv.Itoa(pb.HostPort)
		}
		bindings[port] = []nat.PortBinding{{HostIP: hostIP, HostPort: hostPort}}
	}
	return exposed, bindings
}

// CreateContainer creates (but does not start) a container from spec,
// returning its id.
func (e *Engine) CreateContainer(ctx context.Context, spec CreateSpec) (string, error) {
	cfg := &container.Config{
		Image: spec.Image,
		Cmd:   spec.Cmd,
		Env:   spec.Env,
	}

	hostCfg := &container.HostConfig{
		Binds:      spec.Binds,
		DNS:        spec.DNS,
		Sysctls:    spec.Sysctls,
		AutoRemove: spec.AutoRemove,
	}
	if spec.NetworkMode != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.NetworkMode)
	}
	if len(spec.PortBindings) > 0 {
		exposed, bindings := buildPortBindings(spec.PortBindings)
		cfg.ExposedPorts = exposed
		hostCfg.PortBindings = bindings
	}

	resp, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

// StartContainer starts a previously created container.
func (e *Engine) StartContainer(ctx context.Context, id string) error {
	if err := e.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container %s: %w", id, err)
	}
	return nil
}

// StopContainer requests a graceful stop, waiting up to timeout before
// the engine escalates to SIGKILL itself (spec.md §4.M termination:
// "WaitBeforeKill=1s").
func (e *Engine) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := e.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("stopping container %s: %w", id, err)
	}
	return nil
}

// KillContainer sends SIGKILL immediately, for the force-termination path.
func (e *Engine) KillContainer(ctx context.Context, id string) error {
	if err := e.cli.ContainerKill(ctx, id, "SIGKILL"); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("killing container %s: %w", id, err)
	}
	return nil
}

// RemoveContainer removes a stopped container. "not found" and
// "removal already in progress" are tolerated (spec.md §4.M orphan
// reconciliation: "tolerant of 'not found' and 'removal in progress'").
func (e *Engine) RemoveContainer(ctx context.Context, id string, force bool) error {
	err := e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force})
	if err != nil && !isNotFound(err) && !isRemovalInProgress(err) {
		return fmt.Errorf("removing container %s: %w", id, err)
	}
	return nil
}

// ContainerInfo is the subset of container inspection this module needs.
type ContainerInfo struct {
	ID       string
	Name     string
	Running  bool
	ExitCode int
	Mounts   []MountInfo
}

// MountInfo describes one bind mount, used for host-path translation
// (spec.md §10: "explicitly discover host-side mount sources by
// inspecting the current process's container").
type MountInfo struct {
	Source      string
	Destination string
}

// InspectContainer retrieves a container's current state and mounts.
func (e *Engine) InspectContainer(ctx context.Context, id string) (ContainerInfo, error) {
	resp, err := e.cli.ContainerInspect(ctx, id)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("inspecting container %s: %w", id, err)
	}
	info := ContainerInfo{ID: resp.ID, Name: strings.TrimPrefix(resp.Name, "/")}
	if resp.State != nil {
		info.Running = resp.State.Running
		info.ExitCode = resp.State.ExitCode
	}
	for _, m := range resp.Mounts {
		info.Mounts = append(info.Mounts, MountInfo{Source: m.Source, Destination: m.Destination})
	}
	return info, nil
}

// ContainerSummary is one row from ListContainers.
type ContainerSummary struct {
	ID   string
	Name string
}

// ListContainers lists containers (including stopped ones) whose name
// begins with namePrefix, for orphan reconciliation (spec.md §4.M: "list
// containers matching the session prefix").
func (e *Engine) ListContainers(ctx context.Context, namePrefix string) ([]ContainerSummary, error) {
	args := filters.NewArgs(filters.Arg("name", namePrefix))
	containers, err := e.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	out := make([]ContainerSummary, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, ContainerSummary{ID: c.ID, Name: name})
	}
	return out, nil
}

// ContainerLogs retrieves the last tailLines lines of combined
// stdout/stderr, demultiplexed (spec.md §4.M step 8: "grab the last 50
// lines of logs").
func (e *Engine) ContainerLogs(ctx context.Context, id string, tailLines int) (string, error) {
	rc, err := e.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tailLines),
	})
	if err != nil {
		return "", fmt.Errorf("reading logs for container %s: %w", id, err)
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil && err != io.EOF {
		return "", fmt.Errorf("demuxing logs for container %s: %w", id, err)
	}
	combined := stdout.String()
	if stderr.Len() > 0 {
		combined += stderr.String()
	}
	return combined, nil
}

// PullProgress is one line of a Docker image pull's streamed progress.
type PullProgress struct {
	Status string
	Detail string
}

// PullImage pulls ref, forwarding decoded progress lines to onProgress
// (spec.md §4.M step 2: "pull with progress logging"). onProgress may be
// nil.
func (e *Engine) PullImage(ctx context.Context, ref string, onProgress func(PullProgress)) error {
	rc, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	defer rc.Close()

	dec := json.NewDecoder(rc)
	for {
		var line struct {
			Status   string `json:"status"`
			Progress string `json:"progress"`
			Error    string `json:"error"`
		}
		if err := dec.Decode(&line); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("reading pull progress for %s: %w", ref, err)
		}
		if line.Error != "" {
			return fmt.Errorf("pulling image %s: %s", ref, line.Error)
		}
		if onProgress != nil {
			onProgress(PullProgress{Status: line.Status, Detail: line.Progress})
		}
	}
	return nil
}

// ExecResult is the outcome of a one-shot Exec.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Exec runs cmd inside a running container to completion, capturing
// output (spec.md §4.N's in-container network diagnostic probes; spec.md
// §8: "exec create/start/inspect for diagnostics").
func (e *Engine) Exec(ctx context.Context, id string, cmd []string) (ExecResult, error) {
	created, err := e.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("creating exec for container %s: %w", id, err)
	}

	attach, err := e.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("attaching exec for container %s: %w", id, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil && err != io.EOF {
		return ExecResult{}, fmt.Errorf("reading exec output for container %s: %w", id, err)
	}

	inspect, err := e.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("inspecting exec for container %s: %w", id, err)
	}

	return ExecResult{ExitCode: inspect.ExitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

func isNotFound(err error) bool {
	return client.IsErrNotFound(err)
}

// isRemovalInProgress detects Docker's "removal of container ... is
// already in progress" conflict, which the orphan reconciliation pass
// treats as success rather than an error (spec.md §4.M).
func isRemovalInProgress(err error) bool {
	return err != nil && strings.Contains(err.Error(), "removal of container") && strings.Contains(err.Error(), "already in progress")
}
