package browser

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"github.com/seantiz/shopagent/internal/webdriver"
)

const (
	labelManaged = "shopagent.managed"
	labelShop    = "shopagent.shop_id"
	labelOwner   = "shopagent.owner"

	readyPollInterval = 500 * time.Millisecond
)

// DockerConfig configures browser containers.
type DockerConfig struct {
	// Image is a WebDriver-serving browser image, e.g. selenium/standalone-chrome.
	Image string

	// Network is the bridge network the containers join.
	Network string

	// WebDriverPort is the port the image serves WebDriver on.
	WebDriverPort int

	// MemoryMB and CPUs bound each browser container. Zero means unlimited.
	MemoryMB int64
	CPUs     float64

	// ShmSizeMB sizes /dev/shm; Chrome crashes with Docker's 64MB default.
	ShmSizeMB int64

	// Owner labels every container this provider starts, usually the worker
	// ID. A provider only ever removes containers carrying its own Owner.
	Owner string
}

// DefaultDockerConfig returns the configuration used when only the image is set.
func DefaultDockerConfig() DockerConfig {
	return DockerConfig{
		Image:         "selenium/standalone-chrome:latest",
		Network:       "shopagent_browsers",
		WebDriverPort: 4444,
		MemoryMB:      2048,
		CPUs:          1,
		ShmSizeMB:     2048,
	}
}

// containerRuntime is the subset of container operations the provider needs.
type containerRuntime interface {
	EnsureNetwork(ctx context.Context, name string) error
	Pull(ctx context.Context, ref string) error
	// Labels returns the labels of the container called name. found is
	// false when no such container exists.
	Labels(ctx context.Context, name string) (labels map[string]string, found bool, err error)
	Start(ctx context.Context, name string, labels map[string]string, cfg DockerConfig) (string, error)
	// Endpoint returns the WebDriver base URL of a running container.
	Endpoint(ctx context.Context, id string, cfg DockerConfig) (string, error)
	Remove(ctx context.Context, id string) error
}

// DockerProvider runs one browser container per shop and drives it over
// WebDriver. Containers are removed when their session quits.
type DockerProvider struct {
	rt     containerRuntime
	cfg    DockerConfig
	client *http.Client
	logger *slog.Logger

	mu         sync.Mutex
	containers map[string]string // shopID → container ID
}

// NewDockerProvider connects to the Docker daemon from the environment.
func NewDockerProvider(cfg DockerConfig, logger *slog.Logger) (*DockerProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return newDockerProvider(&dockerRuntime{cli: cli}, cfg, logger), nil
}

func newDockerProvider(rt containerRuntime, cfg DockerConfig, logger *slog.Logger) *DockerProvider {
	return &DockerProvider{
		rt:         rt,
		cfg:        cfg,
		client:     &http.Client{Timeout: 2 * time.Minute},
		logger:     logger,
		containers: make(map[string]string),
	}
}

// Prepare creates the browser network and pulls the image.
func (p *DockerProvider) Prepare(ctx context.Context) error {
	if err := p.rt.EnsureNetwork(ctx, p.cfg.Network); err != nil {
		return fmt.Errorf("ensure network %s: %w", p.cfg.Network, err)
	}
	if err := p.rt.Pull(ctx, p.cfg.Image); err != nil {
		return fmt.Errorf("pull %s: %w", p.cfg.Image, err)
	}
	return nil
}

// Open starts a browser container for shopID and opens a WebDriver session in it.
func (p *DockerProvider) Open(ctx context.Context, shopID string) (Driver, error) {
	name := containerName(p.cfg.Owner, shopID)
	if err := p.clearStale(ctx, name, shopID); err != nil {
		return nil, err
	}
	id, err := p.rt.Start(ctx, name, map[string]string{
		labelManaged: "true",
		labelShop:    shopID,
		labelOwner:   p.cfg.Owner,
	}, p.cfg)
	if err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}
	p.mu.Lock()
	p.containers[shopID] = id
	p.mu.Unlock()

	driver, err := p.connect(ctx, id)
	if err != nil {
		p.remove(shopID, id)
		return nil, err
	}

	p.logger.Info("browser container started", "shop_id", shopID, "container_id", shortID(id))
	return &containerDriver{Driver: driver, release: func() { p.remove(shopID, id) }}, nil
}

// clearStale removes a container left under name by a crashed run of this
// worker. A container with the name but another owner is left alone.
func (p *DockerProvider) clearStale(ctx context.Context, name, shopID string) error {
	labels, found, err := p.rt.Labels(ctx, name)
	if err != nil {
		return fmt.Errorf("inspect container %s: %w", name, err)
	}
	if !found {
		return nil
	}
	if labels[labelOwner] != p.cfg.Owner || labels[labelShop] != shopID {
		return fmt.Errorf("container %s exists and belongs to owner %q shop %q", name, labels[labelOwner], labels[labelShop])
	}
	if err := p.rt.Remove(ctx, name); err != nil {
		return fmt.Errorf("remove stale container %s: %w", name, err)
	}
	p.logger.Info("removed stale browser container", "shop_id", shopID, "name", name)
	return nil
}

func (p *DockerProvider) connect(ctx context.Context, id string) (Driver, error) {
	endpoint, err := p.rt.Endpoint(ctx, id, p.cfg)
	if err != nil {
		return nil, fmt.Errorf("resolve endpoint: %w", err)
	}

	c := webdriver.NewClient(endpoint, p.client)
	if err := waitReady(ctx, c); err != nil {
		return nil, fmt.Errorf("wait for webdriver at %s: %w", endpoint, err)
	}
	return openWebDriver(ctx, c, "", DefaultImplicitWait, DefaultPageLoad)
}

// waitReady polls the WebDriver status endpoint until it reports ready.
func waitReady(ctx context.Context, c *webdriver.Client) error {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		ready, err := c.Status(ctx)
		if err == nil && ready {
			return nil
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *DockerProvider) remove(shopID, id string) {
	p.mu.Lock()
	if p.containers[shopID] == id {
		delete(p.containers, shopID)
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), quitTimeout)
	defer cancel()
	if err := p.rt.Remove(ctx, id); err != nil {
		p.logger.Warn("remove browser container failed", "shop_id", shopID, "container_id", shortID(id), "error", err)
	}
}

// Shutdown removes every container this provider started.
func (p *DockerProvider) Shutdown() {
	p.mu.Lock()
	snapshot := make(map[string]string, len(p.containers))
	for shopID, id := range p.containers {
		snapshot[shopID] = id
	}
	p.mu.Unlock()

	for shopID, id := range snapshot {
		p.remove(shopID, id)
	}
}

// containerDriver removes its container after the session quits.
type containerDriver struct {
	Driver
	release func()
}

func (d *containerDriver) Quit(ctx context.Context) error {
	err := d.Driver.Quit(ctx)
	d.release()
	return err
}

// containerName derives a Docker-safe name from the shop ID. The hash
// suffix keeps IDs that sanitize alike, and different owners, apart.
func containerName(owner, shopID string) string {
	sum := sha256.Sum256([]byte(owner + "\x00" + shopID))
	var b strings.Builder
	b.WriteString("shopagent-browser-")
	for _, r := range shopID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	b.WriteByte('-')
	b.WriteString(hex.EncodeToString(sum[:4]))
	return b.String()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// dockerRuntime implements containerRuntime with the Docker Engine API.
type dockerRuntime struct {
	cli *client.Client
}

func (r *dockerRuntime) EnsureNetwork(ctx context.Context, name string) error {
	networks, err := r.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return fmt.Errorf("list networks: %w", err)
	}
	for _, n := range networks {
		if n.Name == name {
			return nil
		}
	}

	_, err = r.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{labelManaged: "true"},
	})
	if err != nil {
		return fmt.Errorf("create network: %w", err)
	}
	return nil
}

func (r *dockerRuntime) Pull(ctx context.Context, ref string) error {
	reader, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (r *dockerRuntime) Labels(ctx context.Context, name string) (map[string]string, bool, error) {
	inspect, err := r.cli.ContainerInspect(ctx, name)
	if client.IsErrNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if inspect.Config == nil {
		return map[string]string{}, true, nil
	}
	return inspect.Config.Labels, true, nil
}

func (r *dockerRuntime) Start(ctx context.Context, name string, labels map[string]string, cfg DockerConfig) (string, error) {
	resp, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image:  cfg.Image,
		Labels: labels,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:   cfg.MemoryMB * 1024 * 1024,
			NanoCPUs: int64(cfg.CPUs * math.Pow10(9)),
		},
		ShmSize: cfg.ShmSizeMB * 1024 * 1024,
	}, &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			cfg.Network: {},
		},
	}, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		r.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container: %w", err)
	}
	return resp.ID, nil
}

func (r *dockerRuntime) Endpoint(ctx context.Context, id string, cfg DockerConfig) (string, error) {
	inspect, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		return "", fmt.Errorf("inspect container: %w", err)
	}
	if inspect.ContainerJSONBase == nil || inspect.State == nil || !inspect.State.Running {
		return "", fmt.Errorf("container %s is not running", shortID(id))
	}
	if inspect.NetworkSettings == nil {
		return "", fmt.Errorf("container %s has no network settings", shortID(id))
	}
	ep, ok := inspect.NetworkSettings.Networks[cfg.Network]
	if !ok || ep == nil || ep.IPAddress == "" {
		return "", fmt.Errorf("container %s has no address on %s", shortID(id), cfg.Network)
	}
	return fmt.Sprintf("http://%s:%d", ep.IPAddress, cfg.WebDriverPort), nil
}

func (r *dockerRuntime) Remove(ctx context.Context, id string) error {
	return r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}
