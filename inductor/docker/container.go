package docker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"go.uber.org/zap"
)

// CreateContainerConfig is passed to the CreateContainerConfig hook before the container is created.
type CreateContainerConfig struct {
	Name             string
	ContainerConfig  *container.Config
	HostConfig       *container.HostConfig
	NetworkingConfig *network.NetworkingConfig
}

// Container is an idle container that processes are executed in. Close removes it.
type Container struct {
	Log  *zap.SugaredLogger
	ID   string
	Name string

	dockerClient *client.Client
}

type ContainerOption func(o *containerOptions)

type containerOptions struct {
	log                   *zap.SugaredLogger
	skipPull              bool
	createContainerConfig func(*CreateContainerConfig) error
}

func WithContainerLogger(l *zap.SugaredLogger) ContainerOption {
	return func(o *containerOptions) {
		o.log = l
	}
}

// WithoutPull uses a local image instead of pulling it first.
func WithoutPull() ContainerOption {
	return func(o *containerOptions) {
		o.skipPull = true
	}
}

// WithCreateContainerConfig lets callers adjust the container before it is created.
func WithCreateContainerConfig(f func(*CreateContainerConfig) error) ContainerOption {
	return func(o *containerOptions) {
		o.createContainerConfig = f
	}
}

func randSuffix() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func pullImage(ctx context.Context, dockerClient *client.Client, image string) error {
	out, err := dockerClient.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		if out != nil {
			out.Close()
		}
		return err
	}
	defer out.Close()
	_, err = io.Copy(io.Discard, out)
	if err != nil {
		return fmt.Errorf("reading Docker pull response: %w", err)
	}
	return nil
}

// NewContainer starts a container from image that idles until it is closed.
func NewContainer(ctx context.Context, dockerClient *client.Client, image string, opts ...ContainerOption) (*Container, error) {
	o := &containerOptions{log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(o)
	}

	if !o.skipPull {
		if err := pullImage(ctx, dockerClient, image); err != nil {
			return nil, fmt.Errorf("pulling image %q: %w", image, err)
		}
	}

	suffix, err := randSuffix()
	if err != nil {
		return nil, fmt.Errorf("generating container name: %w", err)
	}
	cfg := CreateContainerConfig{
		Name: "carnifex-" + suffix,
		ContainerConfig: &container.Config{
			Image:      image,
			Entrypoint: []string{"sleep", "infinity"},
		},
		HostConfig: &container.HostConfig{Init: boolPtr(true)},
	}
	if o.createContainerConfig != nil {
		if err := o.createContainerConfig(&cfg); err != nil {
			return nil, fmt.Errorf("calling CreateContainerConfig function: %w", err)
		}
	}

	createResp, err := dockerClient.ContainerCreate(ctx, cfg.ContainerConfig, cfg.HostConfig, cfg.NetworkingConfig, nil, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("creating Docker container: %w", err)
	}
	c := &Container{
		Log:          o.log.Named("docker_container").With("Container", cfg.Name),
		ID:           createResp.ID,
		Name:         cfg.Name,
		dockerClient: dockerClient,
	}

	err = dockerClient.ContainerStart(ctx, c.ID, types.ContainerStartOptions{})
	if err != nil {
		if rmErr := c.Close(context.Background()); rmErr != nil {
			c.Log.Debugf("error removing container after failed start: %s", rmErr)
		}
		return nil, fmt.Errorf("starting container %q: %w", c.ID, err)
	}
	c.Log.Debug("started container")
	return c, nil
}

// Inductor returns an inductor that executes processes in this container.
func (c *Container) Inductor(opts ...Option) *Inductor {
	return New(c.dockerClient, c.ID, append([]Option{WithLogger(c.Log)}, opts...)...)
}

func (c *Container) Close(ctx context.Context) error {
	err := c.dockerClient.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	})
	if err != nil {
		return fmt.Errorf("removing container %q: %w", c.ID, err)
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }
