// Package containerops provides Docker-Engine-API introspection for
// operators debugging a stuck sandbox. It is layered entirely on top of
// the process-spawn launch path in pkg/sandbox: nothing here ever
// creates or starts a container, it only lists, inspects, and removes
// containers the sandbox already launched.
package containerops

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// Label constants identifying a sandbox container launched by
// pkg/sandbox.Manager.buildArgs, which passes these as --label flags on
// every launch. A rootless podman launch with no Docker socket will
// still carry the labels but simply never show up here, since this
// package only reaches containers through the Docker Engine API.
const (
	LabelManaged = "pyrunner.managed"
	LabelImage   = "pyrunner.image"
)

// ManagedLabels returns the label set that marks a container as one
// pyrunner started.
func ManagedLabels(image string) map[string]string {
	return map[string]string{
		LabelManaged: "true",
		LabelImage:   image,
	}
}

// ContainerSummary is the trimmed view of a managed container surfaced
// to the CLI.
type ContainerSummary struct {
	ID      string
	Names   []string
	Image   string
	State   string
	Status  string
	Created time.Time
}

// Client wraps the subset of the Docker Engine API containerops needs.
// Defined as an interface so tests can substitute a fake without a
// running daemon.
type Client interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// NewClient connects to the Docker daemon using environment defaults
// (DOCKER_HOST, DOCKER_CERT_PATH, etc). Returns an error if the daemon
// is unreachable; callers should treat that as "introspection
// unavailable", not a fatal condition, since the sandbox itself may be
// running under podman with no Docker socket at all.
func NewClient() (Client, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to docker daemon: %w", err)
	}
	return cli, nil
}

// ListManaged returns every container labeled pyrunner.managed=true,
// running or stopped.
func ListManaged(ctx context.Context, cli Client) ([]ContainerSummary, error) {
	containers, err := cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("listing managed containers: %w", err)
	}

	out := make([]ContainerSummary, 0, len(containers))
	for _, c := range containers {
		out = append(out, ContainerSummary{
			ID:      c.ID,
			Names:   c.Names,
			Image:   c.Image,
			State:   c.State,
			Status:  c.Status,
			Created: time.Unix(c.Created, 0),
		})
	}
	return out, nil
}

// PruneResult reports what PruneManaged removed.
type PruneResult struct {
	RemovedIDs []string
	Errors     map[string]error
}

// PruneManaged force-removes every stopped managed container older
// than minAge. Running containers are never touched; the idle-TTL
// shutdown in pkg/sandbox is what stops those.
func PruneManaged(ctx context.Context, cli Client, minAge time.Duration) (PruneResult, error) {
	containers, err := ListManaged(ctx, cli)
	if err != nil {
		return PruneResult{}, err
	}

	result := PruneResult{Errors: make(map[string]error)}
	cutoff := time.Now().Add(-minAge)

	for _, c := range containers {
		if c.State == "running" {
			continue
		}
		if c.Created.After(cutoff) {
			continue
		}
		if err := cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			result.Errors[c.ID] = err
			continue
		}
		result.RemovedIDs = append(result.RemovedIDs, c.ID)
	}

	if len(result.Errors) > 0 {
		return result, fmt.Errorf("failed to remove %d of %d managed containers", len(result.Errors), len(containers))
	}
	return result, nil
}
