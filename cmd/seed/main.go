// Package main seeds an example desired state for development: a project
// with a search backend, a dashboard linked to it, and a background worker
// with no public port. Seeding is idempotent; rerunning against a seeded
// database is a no-op.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/MJJoyce/memex-explorer/internal/config"
	"github.com/MJJoyce/memex-explorer/internal/domain"
	"github.com/MJJoyce/memex-explorer/internal/infrastructure"
	apperrors "github.com/MJJoyce/memex-explorer/internal/pkg/errors"
	"github.com/MJJoyce/memex-explorer/internal/pkg/logger"
	"github.com/MJJoyce/memex-explorer/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "seed error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer db.Close()

	// No dispatcher: seeding must not enqueue reconcile jobs; the first
	// server start reconciles everything anyway.
	st := store.NewPostgresStore(db.Pool, nil)

	logger.Info("Starting data seeding...")

	if err := seedProjects(ctx, st); err != nil {
		return fmt.Errorf("seed projects: %w", err)
	}
	if err := seedServices(ctx, st); err != nil {
		return fmt.Errorf("seed services: %w", err)
	}

	logger.Info("Data seeding completed successfully")
	return nil
}

func seedProjects(ctx context.Context, st store.Store) error {
	for _, p := range seedProjectSet() {
		p := p
		err := st.CreateProject(ctx, &p)
		if errors.Is(err, apperrors.ErrAlreadyExists) {
			logger.Info("Project already seeded", zap.String("name", p.Name))
			continue
		}
		if err != nil {
			return err
		}
		logger.Info("Seeded project", zap.String("name", p.Name), zap.String("slug", p.Slug))
	}
	return nil
}

func seedServices(ctx context.Context, st store.Store) error {
	services := seedServiceSet()
	created := make(map[string]string, len(services))

	for _, svc := range services {
		svc := svc
		// resolve link targets seeded earlier in the same pass
		for i := range svc.Links {
			if id, ok := created[svc.Links[i].ToServiceID]; ok {
				svc.Links[i].ToServiceID = id
			}
		}
		err := st.CreateService(ctx, &svc)
		if errors.Is(err, apperrors.ErrAlreadyExists) {
			logger.Info("Service already seeded", zap.String("name", svc.Name))
			continue
		}
		if err != nil {
			return err
		}
		created[svc.Name] = svc.ID
		logger.Info("Seeded service", zap.String("name", svc.Name))
	}
	return nil
}

func seedProjectSet() []domain.Project {
	return []domain.Project{
		{Name: "Wiki Memex", Description: "Crawled wiki corpus with search and dashboards"},
	}
}

// seedServiceSet returns the example stack. Link targets are named by
// service name and resolved to ids at insert time, so order matters:
// targets come before the services linking to them.
func seedServiceSet() []domain.Service {
	return []domain.Service{
		{
			Name:  "elasticsearch",
			Image: "elasticsearch:1.4",
			Ports: []domain.ServicePort{
				{InternalPort: 9200, ExposePublicly: true},
				{InternalPort: 9300},
			},
			EnvVars: []domain.EnvVar{
				{Name: "ES_HEAP_SIZE", Value: "1g"},
			},
			Volumes: []domain.VolumeMount{
				{LocatedAt: "/srv/elasticsearch/data", MountedAt: "/data"},
			},
		},
		{
			Name:  "kibana",
			Image: "kibana:4.0",
			Ports: []domain.ServicePort{
				{InternalPort: 5601, ExposePublicly: true},
			},
			Links: []domain.ServiceLink{
				{ToServiceID: "elasticsearch", Alias: "es"},
			},
		},
		{
			Name:    "index worker",
			Build:   "./index-worker",
			Command: "python worker.py",
			Links: []domain.ServiceLink{
				{ToServiceID: "elasticsearch"},
			},
		},
	}
}
