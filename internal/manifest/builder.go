// Package manifest converts the desired-state model into render-ready
// context documents: one for the container-runtime manifest, one for the
// reverse-proxy configuration. Building is pure; nothing here touches the
// store or the filesystem.
package manifest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/MJJoyce/memex-explorer/internal/config"
	"github.com/MJJoyce/memex-explorer/internal/domain"
	apperrors "github.com/MJJoyce/memex-explorer/internal/pkg/errors"
)

// ComposeContext is the context document for the runtime manifest template.
type ComposeContext struct {
	Containers []ContainerContext
}

// ContainerContext describes one running container's manifest entry.
// Exactly one of Image and Build is non-empty.
type ContainerContext struct {
	Slug        string
	Image       string
	Build       string
	Command     string
	Volumes     []VolumeContext
	Ports       []int
	Links       []LinkContext
	Environment []EnvContext
}

// VolumeContext is one host-directory bind.
type VolumeContext struct {
	LocatedAt string
	MountedAt string
	ReadOnly  bool
}

// LinkContext is one inter-service link: the target's slug and the alias it
// is reachable under (empty means the runtime defaults to the name).
type LinkContext struct {
	Name  string
	Alias string
}

// EnvContext is one injected environment variable.
type EnvContext struct {
	Name  string
	Value string
}

// BuildComposeContext produces the manifest context for every container
// whose running flag is true. Entries are ordered by container id so
// repeated generation against unchanged desired state is byte-identical —
// the precondition for the runtime's no-recreate behavior to hold.
//
// A running container whose service has neither image nor build (or both)
// is a fatal configuration error: no partial context is returned.
func BuildComposeContext(snap *domain.Snapshot) (*ComposeContext, error) {
	containers := make([]domain.Container, 0, len(snap.Containers))
	for _, c := range snap.Containers {
		if c.Running {
			containers = append(containers, c)
		}
	}
	sort.Slice(containers, func(i, j int) bool {
		return containers[i].ID < containers[j].ID
	})

	ctx := &ComposeContext{Containers: make([]ContainerContext, 0, len(containers))}
	for _, c := range containers {
		svc, ok := snap.ServiceByID(c.ServiceID)
		if !ok {
			return nil, apperrors.Configuration(c.ID,
				fmt.Sprintf("container references unknown service %s", c.ServiceID))
		}
		entry, err := containerContext(snap, svc)
		if err != nil {
			return nil, err
		}
		ctx.Containers = append(ctx.Containers, entry)
	}
	return ctx, nil
}

func containerContext(snap *domain.Snapshot, svc *domain.Service) (ContainerContext, error) {
	entry := ContainerContext{
		Slug:    svc.Slug(),
		Command: svc.Command,
	}

	hasImage := strings.TrimSpace(svc.Image) != ""
	hasBuild := strings.TrimSpace(svc.Build) != ""
	switch {
	case hasImage && hasBuild:
		return ContainerContext{}, apperrors.Configuration(svc.Slug(),
			"service has both an image and a build")
	case hasImage:
		entry.Image = svc.Image
	case hasBuild:
		entry.Build = svc.Build
	default:
		return ContainerContext{}, apperrors.Configuration(svc.Slug(),
			"service has neither an image nor a build")
	}

	for _, vol := range svc.Volumes {
		entry.Volumes = append(entry.Volumes, VolumeContext{
			LocatedAt: vol.LocatedAt,
			MountedAt: vol.MountedAt,
			ReadOnly:  vol.ReadOnly,
		})
	}
	for _, port := range svc.Ports {
		entry.Ports = append(entry.Ports, port.InternalPort)
	}
	sort.Ints(entry.Ports)

	for _, link := range svc.Links {
		target, ok := snap.ServiceByID(link.ToServiceID)
		if !ok {
			return ContainerContext{}, apperrors.Configuration(svc.Slug(),
				fmt.Sprintf("link references unknown service %s", link.ToServiceID))
		}
		entry.Links = append(entry.Links, LinkContext{
			Name:  target.Slug(),
			Alias: link.Alias,
		})
	}
	for _, env := range svc.EnvVars {
		entry.Environment = append(entry.Environment, EnvContext{
			Name:  env.Name,
			Value: env.Value,
		})
	}
	return entry, nil
}

// ProxyContext is the context document for the reverse-proxy config
// template.
type ProxyContext struct {
	StaticRoot string
	Portmaps   []Portmap
	RootPort   int
	Hostname   string
	IPAddr     string
}

// Portmap routes one URL base to one discovered host port.
type Portmap struct {
	Port    int
	URLBase string
}

// BuildProxyContext turns discovered port mappings into the proxy context.
// Portmaps are sorted by url base so repeated publication of the same
// mapping set produces an identical config file.
func BuildProxyContext(mappings []domain.PortMapping, cfg config.ProxyConfig) ProxyContext {
	ctx := ProxyContext{
		StaticRoot: cfg.StaticRoot,
		RootPort:   cfg.RootPort,
		Hostname:   cfg.Hostname,
		IPAddr:     cfg.IPAddr,
		Portmaps:   make([]Portmap, 0, len(mappings)),
	}
	for _, m := range mappings {
		ctx.Portmaps = append(ctx.Portmaps, Portmap{Port: m.HighPort, URLBase: m.URLBase})
	}
	sort.Slice(ctx.Portmaps, func(i, j int) bool {
		if ctx.Portmaps[i].URLBase != ctx.Portmaps[j].URLBase {
			return ctx.Portmaps[i].URLBase < ctx.Portmaps[j].URLBase
		}
		return ctx.Portmaps[i].Port < ctx.Portmaps[j].Port
	})
	return ctx
}
