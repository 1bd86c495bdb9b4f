// Package domain holds the desired-state model: the persisted description of
// what should be running on the deployment host, independent of what the
// container runtime currently reports.
package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9-_ ]+$`)

// ValidateName checks the shared naming rule for projects and services:
// only numbers, letters, underscores, dashes and spaces are allowed.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("name must not be empty")
	}
	if !nameRe.MatchString(name) {
		return fmt.Errorf("name %q: only numbers, letters, underscores, dashes and spaces are allowed", name)
	}
	return nil
}

var (
	slugStripRe    = regexp.MustCompile(`[^\w\s-]`)
	slugCollapseRe = regexp.MustCompile(`[-\s]+`)
)

// Slugify derives a URL-safe slug from a name. It is a pure function: the
// same name always yields the same slug. The slug becomes part of the
// runtime's container instance name, so stability across runs is required.
func Slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugStripRe.ReplaceAllString(s, "")
	s = slugCollapseRe.ReplaceAllString(s, "-")
	return strings.Trim(s, "-_")
}

// Project is a top-level grouping of services. Slug is re-derived from Name
// on every save; uniqueness of both is enforced by the store.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks the project invariants and derives the slug.
func (p *Project) Validate() error {
	if err := ValidateName(p.Name); err != nil {
		return fmt.Errorf("project: %w", err)
	}
	p.Slug = Slugify(p.Name)
	return nil
}

// Service is a desired long-running process definition. Exactly one of
// Image and Build must be set.
type Service struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IndexURL string `json:"index_url,omitempty"`
	Image    string `json:"image,omitempty"`
	Build    string `json:"build,omitempty"`
	Command  string `json:"command,omitempty"`

	Ports   []ServicePort `json:"ports,omitempty"`
	Links   []ServiceLink `json:"links,omitempty"`
	Volumes []VolumeMount `json:"volumes,omitempty"`
	EnvVars []EnvVar      `json:"environment_variables,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Slug returns the deterministic identifier used to name the service's
// entry in the runtime manifest.
func (s *Service) Slug() string { return Slugify(s.Name) }

// Validate checks the service invariants, including the exactly-one-of
// image/build rule and the single-public-port rule. These were documented
// but unenforced in earlier incarnations of this system; they are hard
// invariants here.
func (s *Service) Validate() error {
	if err := ValidateName(s.Name); err != nil {
		return fmt.Errorf("service: %w", err)
	}
	hasImage := strings.TrimSpace(s.Image) != ""
	hasBuild := strings.TrimSpace(s.Build) != ""
	if hasImage == hasBuild {
		return fmt.Errorf("service %q: exactly one of image or build must be set", s.Name)
	}

	public := 0
	seen := make(map[int]bool, len(s.Ports))
	for _, port := range s.Ports {
		if err := port.Validate(); err != nil {
			return fmt.Errorf("service %q: %w", s.Name, err)
		}
		if seen[port.InternalPort] {
			return fmt.Errorf("service %q: duplicate internal port %d", s.Name, port.InternalPort)
		}
		seen[port.InternalPort] = true
		if port.ExposePublicly {
			public++
		}
	}
	if public > 1 {
		return fmt.Errorf("service %q: a service can only expose one port publicly", s.Name)
	}

	for _, vol := range s.Volumes {
		if err := vol.Validate(); err != nil {
			return fmt.Errorf("service %q: %w", s.Name, err)
		}
	}
	for _, env := range s.EnvVars {
		if err := env.Validate(); err != nil {
			return fmt.Errorf("service %q: %w", s.Name, err)
		}
	}
	return nil
}

// PublicPort returns the service's publicly exposed port, if any.
func (s *Service) PublicPort() (ServicePort, bool) {
	for _, port := range s.Ports {
		if port.ExposePublicly {
			return port, true
		}
	}
	return ServicePort{}, false
}

// ServiceLink is a dependency edge: the target service is reachable from
// the source container under Alias (or the target's slug when unset).
type ServiceLink struct {
	ID            string `json:"id"`
	FromServiceID string `json:"from_service_id"`
	ToServiceID   string `json:"to_service_id"`
	Alias         string `json:"alias,omitempty"`
	External      bool   `json:"external"`
}

// ServicePort is a port the service listens on, optionally exposed to the
// host. At most one port per service may be exposed publicly.
type ServicePort struct {
	ID             string `json:"id"`
	ServiceID      string `json:"service_id"`
	InternalPort   int    `json:"internal_port"`
	ExposePublicly bool   `json:"expose_publicly"`
}

// Validate checks the port invariants.
func (p ServicePort) Validate() error {
	if p.InternalPort <= 0 || p.InternalPort > 65535 {
		return fmt.Errorf("internal port %d out of range", p.InternalPort)
	}
	return nil
}

// VolumeMount binds a host directory into the container.
type VolumeMount struct {
	ID        string `json:"id"`
	ServiceID string `json:"service_id"`
	// MountedAt is the path inside the container.
	MountedAt string `json:"mounted_at"`
	// LocatedAt is the directory on the host.
	LocatedAt string `json:"located_at"`
	ReadOnly  bool   `json:"read_only"`
}

// Validate checks that both sides of the bind are present.
func (v VolumeMount) Validate() error {
	if strings.TrimSpace(v.MountedAt) == "" || strings.TrimSpace(v.LocatedAt) == "" {
		return fmt.Errorf("volume mount requires both located_at and mounted_at")
	}
	return nil
}

// EnvVar is a key/value pair injected into the service's container.
type EnvVar struct {
	ID        string `json:"id"`
	ServiceID string `json:"service_id"`
	Name      string `json:"name"`
	Value     string `json:"value"`
}

// Validate checks that the variable is named. An empty value is fine.
func (e EnvVar) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("environment variable name must not be empty")
	}
	return nil
}

// Container is the runtime satellite record of a Service: one per service,
// created alongside it. It carries the facts the desired-state model cannot
// know in advance, most importantly the host port the runtime assigned.
type Container struct {
	ID        string `json:"id"`
	ServiceID string `json:"service_id"`
	// HighPort is the discovered host port. Nil until the service is
	// running and the runtime has been queried; unknown is not zero.
	HighPort *int `json:"high_port,omitempty"`
	// PublicPathBase overrides the default /<service-name> URL base.
	PublicPathBase string `json:"public_path_base,omitempty"`
	// Running says whether the container should be running.
	Running bool `json:"running"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PublicURLBase returns the URL base the container is served under:
// PublicPathBase when set, otherwise /<service-name>.
func (c *Container) PublicURLBase(serviceName string) string {
	if c.PublicPathBase != "" {
		return c.PublicPathBase
	}
	return "/" + serviceName
}

// DockerName returns the runtime's name for the container instance,
// following compose naming: <project>_<slug>_1. The project component is
// the base name of the directory holding the rendered manifest.
func DockerName(composeProject, serviceName string) string {
	return fmt.Sprintf("%s_%s_1", composeProject, Slugify(serviceName))
}

// PortMapping is one discovered (urlbase, host port) pair, the unit the
// proxy configuration is generated from.
type PortMapping struct {
	URLBase  string `json:"urlbase"`
	HighPort int    `json:"port"`
}

// Snapshot is a consistent read of the full desired state. Manifest
// generation and port discovery operate on a snapshot, never on live
// queries, so one reconciliation run sees one coherent view.
type Snapshot struct {
	Projects   []Project
	Services   []Service
	Containers []Container
}

// ServiceByID returns the service with the given id.
func (s *Snapshot) ServiceByID(id string) (*Service, bool) {
	for i := range s.Services {
		if s.Services[i].ID == id {
			return &s.Services[i], true
		}
	}
	return nil, false
}
