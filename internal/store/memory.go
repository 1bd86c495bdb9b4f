package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MJJoyce/memex-explorer/internal/domain"
	apperrors "github.com/MJJoyce/memex-explorer/internal/pkg/errors"
)

// MemoryStore is a process-local Store for tests and single-process
// development. It enforces the same uniqueness rules as PostgresStore.
type MemoryStore struct {
	mu         sync.RWMutex
	projects   map[string]domain.Project
	services   map[string]domain.Service
	containers map[string]domain.Container // keyed by container id

	dispatcher *domain.EventDispatcher
}

// NewMemoryStore creates an empty in-memory store. The dispatcher may be
// nil, in which case writes do not publish change events.
func NewMemoryStore(dispatcher *domain.EventDispatcher) *MemoryStore {
	return &MemoryStore{
		projects:   make(map[string]domain.Project),
		services:   make(map[string]domain.Service),
		containers: make(map[string]domain.Container),
		dispatcher: dispatcher,
	}
}

func notFound(code, entity string) error {
	return apperrors.Wrap(apperrors.ErrNotFound, code, apperrors.StagePersist, "record not found").WithEntity(entity)
}

func nameTaken(name string) error {
	return apperrors.Wrap(apperrors.ErrAlreadyExists, apperrors.CodeNameTaken, apperrors.StagePersist,
		fmt.Sprintf("name %q is already taken", name))
}

// Snapshot returns a deep copy of the full desired state, ordered by id.
func (m *MemoryStore) Snapshot(ctx context.Context) (*domain.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := &domain.Snapshot{
		Projects:   make([]domain.Project, 0, len(m.projects)),
		Services:   make([]domain.Service, 0, len(m.services)),
		Containers: make([]domain.Container, 0, len(m.containers)),
	}
	for _, p := range m.projects {
		snap.Projects = append(snap.Projects, p)
	}
	for _, s := range m.services {
		snap.Services = append(snap.Services, copyService(s))
	}
	for _, c := range m.containers {
		snap.Containers = append(snap.Containers, copyContainer(c))
	}
	sort.Slice(snap.Projects, func(i, j int) bool { return snap.Projects[i].ID < snap.Projects[j].ID })
	sort.Slice(snap.Services, func(i, j int) bool { return snap.Services[i].ID < snap.Services[j].ID })
	sort.Slice(snap.Containers, func(i, j int) bool { return snap.Containers[i].ID < snap.Containers[j].ID })
	return snap, nil
}

// CreateProject validates and stores a project.
func (m *MemoryStore) CreateProject(ctx context.Context, p *domain.Project) error {
	if err := p.Validate(); err != nil {
		return apperrors.Wrap(err, apperrors.CodeConfigurationInvalid, apperrors.StagePersist, "invalid project")
	}

	m.mu.Lock()
	for _, existing := range m.projects {
		if existing.Name == p.Name || existing.Slug == p.Slug {
			m.mu.Unlock()
			return nameTaken(p.Name)
		}
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	m.projects[p.ID] = *p
	m.mu.Unlock()

	publishChange(ctx, m.dispatcher, "project", p.ID, p.Name, "created")
	return nil
}

// GetProject returns the project with the given id.
func (m *MemoryStore) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, notFound(apperrors.CodeProjectNotFound, id)
	}
	return &p, nil
}

// UpdateProject saves the project, re-deriving its slug from the name.
func (m *MemoryStore) UpdateProject(ctx context.Context, p *domain.Project) error {
	if err := p.Validate(); err != nil {
		return apperrors.Wrap(err, apperrors.CodeConfigurationInvalid, apperrors.StagePersist, "invalid project")
	}

	m.mu.Lock()
	existing, ok := m.projects[p.ID]
	if !ok {
		m.mu.Unlock()
		return notFound(apperrors.CodeProjectNotFound, p.ID)
	}
	for id, other := range m.projects {
		if id != p.ID && (other.Name == p.Name || other.Slug == p.Slug) {
			m.mu.Unlock()
			return nameTaken(p.Name)
		}
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	m.projects[p.ID] = *p
	m.mu.Unlock()

	publishChange(ctx, m.dispatcher, "project", p.ID, p.Name, "updated")
	return nil
}

// DeleteProject removes the project.
func (m *MemoryStore) DeleteProject(ctx context.Context, id string) error {
	m.mu.Lock()
	p, ok := m.projects[id]
	if !ok {
		m.mu.Unlock()
		return notFound(apperrors.CodeProjectNotFound, id)
	}
	delete(m.projects, id)
	m.mu.Unlock()

	publishChange(ctx, m.dispatcher, "project", id, p.Name, "deleted")
	return nil
}

// CreateService validates and stores a service together with its satellite
// container (running=true).
func (m *MemoryStore) CreateService(ctx context.Context, s *domain.Service) error {
	if err := s.Validate(); err != nil {
		return apperrors.Wrap(err, apperrors.CodeConfigurationInvalid, apperrors.StagePersist, "invalid service")
	}

	m.mu.Lock()
	for _, existing := range m.services {
		if existing.Name == s.Name {
			m.mu.Unlock()
			return nameTaken(s.Name)
		}
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	fillChildIDs(s)
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	m.services[s.ID] = copyService(*s)

	container := domain.Container{
		ID:        uuid.New().String(),
		ServiceID: s.ID,
		Running:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.containers[container.ID] = container
	m.mu.Unlock()

	publishChange(ctx, m.dispatcher, "service", s.ID, s.Name, "created")
	return nil
}

// GetService returns the service with the given id.
func (m *MemoryStore) GetService(ctx context.Context, id string) (*domain.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.services[id]
	if !ok {
		return nil, notFound(apperrors.CodeServiceNotFound, id)
	}
	s = copyService(s)
	return &s, nil
}

// UpdateService replaces the service and its child records.
func (m *MemoryStore) UpdateService(ctx context.Context, s *domain.Service) error {
	if err := s.Validate(); err != nil {
		return apperrors.Wrap(err, apperrors.CodeConfigurationInvalid, apperrors.StagePersist, "invalid service")
	}

	m.mu.Lock()
	existing, ok := m.services[s.ID]
	if !ok {
		m.mu.Unlock()
		return notFound(apperrors.CodeServiceNotFound, s.ID)
	}
	for id, other := range m.services {
		if id != s.ID && other.Name == s.Name {
			m.mu.Unlock()
			return nameTaken(s.Name)
		}
	}
	fillChildIDs(s)
	s.CreatedAt = existing.CreatedAt
	s.UpdatedAt = time.Now().UTC()
	m.services[s.ID] = copyService(*s)
	m.mu.Unlock()

	publishChange(ctx, m.dispatcher, "service", s.ID, s.Name, "updated")
	return nil
}

// DeleteService removes the service, links into it from other services,
// and its container.
func (m *MemoryStore) DeleteService(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.services[id]
	if !ok {
		m.mu.Unlock()
		return notFound(apperrors.CodeServiceNotFound, id)
	}
	delete(m.services, id)
	for sid, other := range m.services {
		kept := other.Links[:0]
		for _, link := range other.Links {
			if link.ToServiceID != id {
				kept = append(kept, link)
			}
		}
		other.Links = kept
		m.services[sid] = other
	}
	for cid, c := range m.containers {
		if c.ServiceID == id {
			delete(m.containers, cid)
		}
	}
	m.mu.Unlock()

	publishChange(ctx, m.dispatcher, "service", id, s.Name, "deleted")
	return nil
}

// SetContainerRunning toggles the desired running flag.
func (m *MemoryStore) SetContainerRunning(ctx context.Context, containerID string, running bool) error {
	m.mu.Lock()
	c, ok := m.containers[containerID]
	if !ok {
		m.mu.Unlock()
		return notFound(apperrors.CodeContainerUnknown, containerID)
	}
	c.Running = running
	c.UpdatedAt = time.Now().UTC()
	m.containers[containerID] = c
	m.mu.Unlock()

	publishChange(ctx, m.dispatcher, "container", containerID, "", "updated")
	return nil
}

// SetContainerHighPort records a discovered host port. This is a runtime
// fact, not a desired-state change, so no event is published.
func (m *MemoryStore) SetContainerHighPort(ctx context.Context, containerID string, highPort int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[containerID]
	if !ok {
		return notFound(apperrors.CodeContainerUnknown, containerID)
	}
	port := highPort
	c.HighPort = &port
	c.UpdatedAt = time.Now().UTC()
	m.containers[containerID] = c
	return nil
}

// fillChildIDs assigns ids to child records that lack one and stamps the
// owning service id on all of them.
func fillChildIDs(s *domain.Service) {
	for i := range s.Ports {
		if s.Ports[i].ID == "" {
			s.Ports[i].ID = uuid.New().String()
		}
		s.Ports[i].ServiceID = s.ID
	}
	for i := range s.Links {
		if s.Links[i].ID == "" {
			s.Links[i].ID = uuid.New().String()
		}
		s.Links[i].FromServiceID = s.ID
	}
	for i := range s.Volumes {
		if s.Volumes[i].ID == "" {
			s.Volumes[i].ID = uuid.New().String()
		}
		s.Volumes[i].ServiceID = s.ID
	}
	for i := range s.EnvVars {
		if s.EnvVars[i].ID == "" {
			s.EnvVars[i].ID = uuid.New().String()
		}
		s.EnvVars[i].ServiceID = s.ID
	}
}

func copyService(s domain.Service) domain.Service {
	out := s
	out.Ports = append([]domain.ServicePort(nil), s.Ports...)
	out.Links = append([]domain.ServiceLink(nil), s.Links...)
	out.Volumes = append([]domain.VolumeMount(nil), s.Volumes...)
	out.EnvVars = append([]domain.EnvVar(nil), s.EnvVars...)
	return out
}

func copyContainer(c domain.Container) domain.Container {
	out := c
	if c.HighPort != nil {
		port := *c.HighPort
		out.HighPort = &port
	}
	return out
}
