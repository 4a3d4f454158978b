package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/rs/zerolog"

	"github.com/0711-os/orchestrator/internal/model"
	"github.com/0711-os/orchestrator/internal/platform"
)

// Labels used to find a customer's containers.
const (
	labelCustomer = "os.0711.customer"
	labelUnit     = "os.0711.unit"
	labelManaged  = "os.0711.managed"
	logTail       = "50"
)

// DockerController implements Controller using the Docker Engine API.
type DockerController struct {
	cli     client.APIClient
	timeout time.Duration
	logger  zerolog.Logger
}

// NewDockerController connects to host (DOCKER_HOST semantics; empty uses
// the environment). Every API call is bounded by timeout.
func NewDockerController(host string, timeout time.Duration, logger zerolog.Logger, opts ...client.Opt) (*DockerController, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		clientOpts = append(clientOpts, client.WithHost(host))
	}
	clientOpts = append(clientOpts, opts...)

	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &DockerController{
		cli:     cli,
		timeout: timeout,
		logger:  logger.With().Str("component", "docker-controller").Logger(),
	}, nil
}

// Close releases the API client.
func (d *DockerController) Close() error {
	return d.cli.Close()
}

func (d *DockerController) EnsureNetwork(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	_, err := d.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return &model.RuntimeControlError{Op: "inspect network", Unit: name, Err: err}
	}

	_, err = d.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{labelManaged: "true"},
	})
	if err != nil && !errdefs.IsConflict(err) {
		return &model.RuntimeControlError{Op: "create network", Unit: name, Err: err}
	}
	d.logger.Info().Str("network", name).Msg("created network")
	return nil
}

func (d *DockerController) Start(ctx context.Context, spec UnitSpec) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	svc := spec.Service
	name := svc.ContainerName
	if name == "" {
		name = platform.ContainerName(spec.CustomerID, spec.Unit)
	}
	fail := func(op string, err error, output string) error {
		return &model.RuntimeControlError{Op: op, Unit: spec.Unit, Output: output, Err: err}
	}

	if err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return fail("replace", err, "")
	}

	if err := d.ensureImage(ctx, svc.Image); err != nil {
		return fail("pull", err, "")
	}

	config, hostConfig, err := containerConfig(spec)
	if err != nil {
		return fail("create", err, "")
	}
	var netConfig *network.NetworkingConfig
	if spec.Network != "" {
		netConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {Aliases: []string{spec.Unit}},
			},
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, netConfig, nil, name)
	if err != nil {
		return fail("create", err, "")
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fail("start", err, d.logs(ctx, resp.ID))
	}

	d.logger.Info().Str("customer", spec.CustomerID).Str("unit", spec.Unit).
		Str("container", name).Str("container_id", resp.ID).Msg("unit started")
	return nil
}

func (d *DockerController) Stop(ctx context.Context, customerID, unit string) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	name := platform.ContainerName(customerID, unit)
	if err := d.cli.ContainerStop(ctx, name, container.StopOptions{}); err != nil && !errdefs.IsNotFound(err) {
		return &model.RuntimeControlError{Op: "stop", Unit: unit, Err: err, Output: d.logs(ctx, name)}
	}
	return nil
}

func (d *DockerController) Remove(ctx context.Context, customerID, unit string) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	name := platform.ContainerName(customerID, unit)
	if err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return &model.RuntimeControlError{Op: "remove", Unit: unit, Err: err}
	}
	return nil
}

func (d *DockerController) List(ctx context.Context, customerID string) (map[string]UnitStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelCustomer+"="+customerID)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers for %s: %w", customerID, err)
	}

	units := make(map[string]UnitStatus, len(containers))
	for _, c := range containers {
		unit := c.Labels[labelUnit]
		if unit == "" {
			continue
		}
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		units[unit] = UnitStatus{
			Unit:        unit,
			ContainerID: c.ID,
			Container:   name,
			State:       c.State,
			Running:     c.State == "running",
			SpecHash:    c.Labels[LabelSpecHash],
		}
	}
	return units, nil
}

func (d *DockerController) ensureImage(ctx context.Context, ref string) error {
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", ref, err)
	}

	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer reader.Close()
	// Drain the pull output.
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

// logs returns the tail of a container's output for diagnostics.
func (d *DockerController) logs(ctx context.Context, nameOrID string) string {
	rc, err := d.cli.ContainerLogs(ctx, nameOrID, container.LogsOptions{ShowStdout: true, ShowStderr: true, Tail: logTail})
	if err != nil {
		return ""
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return ""
	}
	return strings.TrimSpace(stdout.String() + stderr.String())
}

func containerConfig(spec UnitSpec) (*container.Config, *container.HostConfig, error) {
	svc := spec.Service

	env := make([]string, 0, len(svc.Environment))
	for k, v := range svc.Environment {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	labels := make(map[string]string, len(svc.Labels)+3)
	for k, v := range svc.Labels {
		labels[k] = v
	}
	labels[labelCustomer] = spec.CustomerID
	labels[labelUnit] = spec.Unit
	if spec.SpecHash != "" {
		labels[LabelSpecHash] = spec.SpecHash
	}

	exposedPorts := nat.PortSet{}
	portBindings := nat.PortMap{}
	for _, p := range svc.Ports {
		cp := nat.Port(strconv.Itoa(p.Container) + "/tcp")
		exposedPorts[cp] = struct{}{}
		portBindings[cp] = append(portBindings[cp], nat.PortBinding{HostPort: strconv.Itoa(p.Host)})
	}

	hostConfig := &container.HostConfig{
		PortBindings:  portBindings,
		Binds:         svc.Volumes,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyMode(svc.Restart)},
	}
	if spec.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(spec.Network)
	}

	if svc.Deploy != nil {
		res := svc.Deploy.Resources.Reservations
		if res.Memory != "" {
			mem, err := units.RAMInBytes(res.Memory)
			if err != nil {
				return nil, nil, fmt.Errorf("memory reservation %q: %w", res.Memory, err)
			}
			hostConfig.Resources.MemoryReservation = mem
		}
		for _, dev := range res.Devices {
			hostConfig.Resources.DeviceRequests = append(hostConfig.Resources.DeviceRequests, container.DeviceRequest{
				Driver:       dev.Driver,
				Count:        dev.Count,
				Capabilities: [][]string{dev.Capabilities},
			})
		}
	}

	config := &container.Config{
		Image:        svc.Image,
		Cmd:          svc.Command,
		Env:          env,
		Labels:       labels,
		ExposedPorts: exposedPorts,
	}
	return config, hostConfig, nil
}

var _ Controller = (*DockerController)(nil)
