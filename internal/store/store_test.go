package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MJJoyce/memex-explorer/internal/domain"
	apperrors "github.com/MJJoyce/memex-explorer/internal/pkg/errors"
	"github.com/MJJoyce/memex-explorer/internal/pkg/logger"
)

func TestMain(m *testing.M) {
	if err := logger.Init("error", "console"); err != nil {
		panic(err)
	}
	m.Run()
}

func newService(name string) *domain.Service {
	return &domain.Service{
		Name:  name,
		Image: name + ":latest",
		Ports: []domain.ServicePort{{InternalPort: 8080, ExposePublicly: true}},
	}
}

func TestMemoryStore_CreateServiceCreatesContainer(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	svc := newService("crawler")
	require.NoError(t, s.CreateService(ctx, svc))
	require.NotEmpty(t, svc.ID)
	require.Equal(t, svc.ID, svc.Ports[0].ServiceID)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Containers, 1)
	require.Equal(t, svc.ID, snap.Containers[0].ServiceID)
	require.True(t, snap.Containers[0].Running)
	require.Nil(t, snap.Containers[0].HighPort, "high port unknown until discovery")
}

func TestMemoryStore_ServiceNameUnique(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	require.NoError(t, s.CreateService(ctx, newService("crawler")))
	err := s.CreateService(ctx, newService("crawler"))
	require.Error(t, err)
	require.True(t, errors.Is(err, apperrors.ErrAlreadyExists))
	require.True(t, apperrors.HasCode(err, apperrors.CodeNameTaken))
}

func TestMemoryStore_InvalidServiceRejected(t *testing.T) {
	s := NewMemoryStore(nil)
	svc := newService("crawler")
	svc.Build = "./crawler" // both image and build

	err := s.CreateService(context.Background(), svc)
	require.True(t, apperrors.HasCode(err, apperrors.CodeConfigurationInvalid))
}

func TestMemoryStore_DeleteServiceCascades(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	target := newService("elasticsearch")
	require.NoError(t, s.CreateService(ctx, target))

	source := newService("kibana")
	source.Links = []domain.ServiceLink{{ToServiceID: target.ID}}
	require.NoError(t, s.CreateService(ctx, source))

	require.NoError(t, s.DeleteService(ctx, target.ID))

	_, err := s.GetService(ctx, target.ID)
	require.True(t, errors.Is(err, apperrors.ErrNotFound))

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Services, 1)
	require.Empty(t, snap.Services[0].Links, "links into the deleted service are removed")
	require.Len(t, snap.Containers, 1)
	require.Equal(t, source.ID, snap.Containers[0].ServiceID)
}

func TestMemoryStore_ProjectSlugRederivedOnUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	p := &domain.Project{Name: "Wiki Memex"}
	require.NoError(t, s.CreateProject(ctx, p))
	require.Equal(t, "wiki-memex", p.Slug)

	p.Name = "Dark Net Memex"
	require.NoError(t, s.UpdateProject(ctx, p))

	got, err := s.GetProject(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, "dark-net-memex", got.Slug)
}

func TestMemoryStore_ProjectNameUnique(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	require.NoError(t, s.CreateProject(ctx, &domain.Project{Name: "Wiki Memex"}))
	err := s.CreateProject(ctx, &domain.Project{Name: "wiki memex"}) // same slug
	require.True(t, apperrors.HasCode(err, apperrors.CodeNameTaken))
}

func TestMemoryStore_SetContainerHighPort(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	svc := newService("crawler")
	require.NoError(t, s.CreateService(ctx, svc))
	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	containerID := snap.Containers[0].ID

	require.NoError(t, s.SetContainerHighPort(ctx, containerID, 32768))

	snap, err = s.Snapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap.Containers[0].HighPort)
	require.Equal(t, 32768, *snap.Containers[0].HighPort)

	err = s.SetContainerHighPort(ctx, "missing", 1)
	require.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestMemoryStore_SetContainerRunning(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	svc := newService("crawler")
	require.NoError(t, s.CreateService(ctx, svc))
	snap, _ := s.Snapshot(ctx)
	containerID := snap.Containers[0].ID

	require.NoError(t, s.SetContainerRunning(ctx, containerID, false))
	snap, _ = s.Snapshot(ctx)
	require.False(t, snap.Containers[0].Running)
}

func TestMemoryStore_PublishesChangeEvents(t *testing.T) {
	ctx := context.Background()
	dispatcher := domain.NewEventDispatcher()

	var events []domain.DesiredStateChangedPayload
	dispatcher.Register(domain.EventDesiredStateChanged, func(ctx context.Context, e *domain.Event) error {
		var p domain.DesiredStateChangedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return err
		}
		events = append(events, p)
		return nil
	})

	s := NewMemoryStore(dispatcher)
	svc := newService("crawler")
	require.NoError(t, s.CreateService(ctx, svc))
	require.NoError(t, s.DeleteService(ctx, svc.ID))

	require.Len(t, events, 2)
	require.Equal(t, "service", events[0].EntityType)
	require.Equal(t, "created", events[0].Action)
	require.Equal(t, "crawler", events[0].EntityName)
	require.Equal(t, "deleted", events[1].Action)
}

func TestMemoryStore_HighPortWriteDoesNotPublish(t *testing.T) {
	ctx := context.Background()
	dispatcher := domain.NewEventDispatcher()

	var count int
	dispatcher.Register(domain.EventDesiredStateChanged, func(ctx context.Context, e *domain.Event) error {
		count++
		return nil
	})

	s := NewMemoryStore(dispatcher)
	svc := newService("crawler")
	require.NoError(t, s.CreateService(ctx, svc))
	snap, _ := s.Snapshot(ctx)

	before := count
	require.NoError(t, s.SetContainerHighPort(ctx, snap.Containers[0].ID, 32768))
	require.Equal(t, before, count, "discovery writes must not retrigger reconciliation")
}

func TestMemoryStore_SnapshotIsACopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	require.NoError(t, s.CreateService(ctx, newService("crawler")))

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	snap.Services[0].Name = "mutated"
	snap.Services[0].Ports[0].InternalPort = 1

	fresh, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, "crawler", fresh.Services[0].Name)
	require.Equal(t, 8080, fresh.Services[0].Ports[0].InternalPort)
}
