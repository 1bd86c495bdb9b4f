// Package store persists the desired-state model and publishes a
// DESIRED_STATE_CHANGED event after every successful write, so the
// composition root can turn saves into reconciliation runs without the
// store knowing anything about job queues.
//
// Two implementations share the Store interface: MemoryStore for tests and
// single-process development, PostgresStore for real deployments.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MJJoyce/memex-explorer/internal/domain"
	"github.com/MJJoyce/memex-explorer/internal/pkg/logger"
)

// Store is the persistence boundary of the reconciler. The pipeline itself
// only ever calls Snapshot and the two container setters; the rest serves
// the admin surface and seeding.
type Store interface {
	// Snapshot returns one consistent read of the full desired state.
	Snapshot(ctx context.Context) (*domain.Snapshot, error)

	CreateProject(ctx context.Context, p *domain.Project) error
	GetProject(ctx context.Context, id string) (*domain.Project, error)
	UpdateProject(ctx context.Context, p *domain.Project) error
	DeleteProject(ctx context.Context, id string) error

	// CreateService validates the service, stores it with its ports,
	// links, volumes and environment variables, and creates the 1:1
	// satellite Container with running=true.
	CreateService(ctx context.Context, s *domain.Service) error
	GetService(ctx context.Context, id string) (*domain.Service, error)
	// UpdateService replaces the service and all of its owned child
	// records. The satellite container is left untouched.
	UpdateService(ctx context.Context, s *domain.Service) error
	// DeleteService removes the service, its owned child records, links
	// pointing into it from other services, and its container.
	DeleteService(ctx context.Context, id string) error

	// SetContainerRunning toggles the desired running flag.
	SetContainerRunning(ctx context.Context, containerID string, running bool) error
	// SetContainerHighPort records the host port discovered for a
	// running container. This is the one write the pipeline performs.
	SetContainerHighPort(ctx context.Context, containerID string, highPort int) error
}

// publishChange emits a DESIRED_STATE_CHANGED event through the dispatcher.
// Delivery is best-effort: a failing handler must not roll back the write
// that already happened, so errors are logged and swallowed here.
func publishChange(ctx context.Context, d *domain.EventDispatcher, entityType, entityID, entityName, action string) {
	if d == nil {
		return
	}
	payload, err := domain.DesiredStateChangedPayload{
		EntityType: entityType,
		EntityID:   entityID,
		EntityName: entityName,
		Action:     action,
	}.ToJSON()
	if err != nil {
		logger.Error("Failed to encode desired-state change payload", zap.Error(err))
		return
	}
	event := &domain.Event{
		EventID:   uuid.New().String(),
		EventType: domain.EventDesiredStateChanged,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.Dispatch(ctx, event); err != nil {
		logger.Error("Desired-state change event delivery failed",
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.Error(err),
		)
	}
}
