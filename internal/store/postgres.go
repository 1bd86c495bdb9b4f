package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MJJoyce/memex-explorer/internal/domain"
	apperrors "github.com/MJJoyce/memex-explorer/internal/pkg/errors"
)

// PostgresStore persists the desired state to PostgreSQL. Cascading deletes
// are delegated to foreign keys; multi-row writes run in a transaction.
type PostgresStore struct {
	pool       *pgxpool.Pool
	dispatcher *domain.EventDispatcher

	initOnce sync.Once
	initErr  error
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	slug TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS services (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	index_url TEXT NOT NULL DEFAULT '',
	image TEXT NOT NULL DEFAULT '',
	build TEXT NOT NULL DEFAULT '',
	command TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS service_ports (
	id TEXT PRIMARY KEY,
	service_id TEXT NOT NULL REFERENCES services (id) ON DELETE CASCADE,
	internal_port INTEGER NOT NULL,
	expose_publicly BOOLEAN NOT NULL DEFAULT FALSE,
	UNIQUE (service_id, internal_port)
);

CREATE TABLE IF NOT EXISTS service_links (
	id TEXT PRIMARY KEY,
	from_service_id TEXT NOT NULL REFERENCES services (id) ON DELETE CASCADE,
	to_service_id TEXT NOT NULL REFERENCES services (id) ON DELETE CASCADE,
	alias TEXT NOT NULL DEFAULT '',
	external BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS volume_mounts (
	id TEXT PRIMARY KEY,
	service_id TEXT NOT NULL REFERENCES services (id) ON DELETE CASCADE,
	mounted_at TEXT NOT NULL,
	located_at TEXT NOT NULL,
	read_only BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS env_vars (
	id TEXT PRIMARY KEY,
	service_id TEXT NOT NULL REFERENCES services (id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	value TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS containers (
	id TEXT PRIMARY KEY,
	service_id TEXT NOT NULL UNIQUE REFERENCES services (id) ON DELETE CASCADE,
	high_port INTEGER,
	public_path_base TEXT NOT NULL DEFAULT '',
	running BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`

// NewPostgresStore creates a store backed by the given pool. The dispatcher
// may be nil.
func NewPostgresStore(pool *pgxpool.Pool, dispatcher *domain.EventDispatcher) *PostgresStore {
	return &PostgresStore{pool: pool, dispatcher: dispatcher}
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	s.initOnce.Do(func() {
		_, err := s.pool.Exec(ctx, schemaSQL)
		if err != nil {
			s.initErr = fmt.Errorf("create desired-state schema: %w", err)
		}
	})
	return s.initErr
}

// uniqueViolation reports whether err is a PostgreSQL unique constraint
// violation.
func uniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func persistErr(err error, message string) error {
	return apperrors.Persistence(err, message)
}

// Snapshot reads the full desired state in one repeatable-read transaction.
func (s *PostgresStore) Snapshot(ctx context.Context) (*domain.Snapshot, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, persistErr(err, "snapshot")
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, persistErr(err, "begin snapshot transaction")
	}
	defer tx.Rollback(ctx)

	snap := &domain.Snapshot{}

	rows, err := tx.Query(ctx, `SELECT id, name, slug, description, created_at, updated_at FROM projects ORDER BY id`)
	if err != nil {
		return nil, persistErr(err, "query projects")
	}
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Slug, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
			rows.Close()
			return nil, persistErr(err, "scan project")
		}
		snap.Projects = append(snap.Projects, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, persistErr(err, "iterate projects")
	}

	services := make(map[string]*domain.Service)
	rows, err = tx.Query(ctx, `SELECT id, name, index_url, image, build, command, created_at, updated_at FROM services ORDER BY id`)
	if err != nil {
		return nil, persistErr(err, "query services")
	}
	var order []string
	for rows.Next() {
		var svc domain.Service
		if err := rows.Scan(&svc.ID, &svc.Name, &svc.IndexURL, &svc.Image, &svc.Build, &svc.Command, &svc.CreatedAt, &svc.UpdatedAt); err != nil {
			rows.Close()
			return nil, persistErr(err, "scan service")
		}
		services[svc.ID] = &svc
		order = append(order, svc.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, persistErr(err, "iterate services")
	}

	if err := s.loadServiceChildren(ctx, tx, services); err != nil {
		return nil, err
	}
	for _, id := range order {
		snap.Services = append(snap.Services, *services[id])
	}

	rows, err = tx.Query(ctx, `SELECT id, service_id, high_port, public_path_base, running, created_at, updated_at FROM containers ORDER BY id`)
	if err != nil {
		return nil, persistErr(err, "query containers")
	}
	for rows.Next() {
		var c domain.Container
		if err := rows.Scan(&c.ID, &c.ServiceID, &c.HighPort, &c.PublicPathBase, &c.Running, &c.CreatedAt, &c.UpdatedAt); err != nil {
			rows.Close()
			return nil, persistErr(err, "scan container")
		}
		snap.Containers = append(snap.Containers, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, persistErr(err, "iterate containers")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, persistErr(err, "commit snapshot transaction")
	}
	return snap, nil
}

func (s *PostgresStore) loadServiceChildren(ctx context.Context, tx pgx.Tx, services map[string]*domain.Service) error {
	rows, err := tx.Query(ctx, `SELECT id, service_id, internal_port, expose_publicly FROM service_ports ORDER BY id`)
	if err != nil {
		return persistErr(err, "query service ports")
	}
	for rows.Next() {
		var p domain.ServicePort
		if err := rows.Scan(&p.ID, &p.ServiceID, &p.InternalPort, &p.ExposePublicly); err != nil {
			rows.Close()
			return persistErr(err, "scan service port")
		}
		if svc, ok := services[p.ServiceID]; ok {
			svc.Ports = append(svc.Ports, p)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return persistErr(err, "iterate service ports")
	}

	rows, err = tx.Query(ctx, `SELECT id, from_service_id, to_service_id, alias, external FROM service_links ORDER BY id`)
	if err != nil {
		return persistErr(err, "query service links")
	}
	for rows.Next() {
		var l domain.ServiceLink
		if err := rows.Scan(&l.ID, &l.FromServiceID, &l.ToServiceID, &l.Alias, &l.External); err != nil {
			rows.Close()
			return persistErr(err, "scan service link")
		}
		if svc, ok := services[l.FromServiceID]; ok {
			svc.Links = append(svc.Links, l)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return persistErr(err, "iterate service links")
	}

	rows, err = tx.Query(ctx, `SELECT id, service_id, mounted_at, located_at, read_only FROM volume_mounts ORDER BY id`)
	if err != nil {
		return persistErr(err, "query volume mounts")
	}
	for rows.Next() {
		var v domain.VolumeMount
		if err := rows.Scan(&v.ID, &v.ServiceID, &v.MountedAt, &v.LocatedAt, &v.ReadOnly); err != nil {
			rows.Close()
			return persistErr(err, "scan volume mount")
		}
		if svc, ok := services[v.ServiceID]; ok {
			svc.Volumes = append(svc.Volumes, v)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return persistErr(err, "iterate volume mounts")
	}

	rows, err = tx.Query(ctx, `SELECT id, service_id, name, value FROM env_vars ORDER BY id`)
	if err != nil {
		return persistErr(err, "query environment variables")
	}
	for rows.Next() {
		var e domain.EnvVar
		if err := rows.Scan(&e.ID, &e.ServiceID, &e.Name, &e.Value); err != nil {
			rows.Close()
			return persistErr(err, "scan environment variable")
		}
		if svc, ok := services[e.ServiceID]; ok {
			svc.EnvVars = append(svc.EnvVars, e)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return persistErr(err, "iterate environment variables")
	}
	return nil
}

// CreateProject validates and inserts a project.
func (s *PostgresStore) CreateProject(ctx context.Context, p *domain.Project) error {
	if err := p.Validate(); err != nil {
		return apperrors.Wrap(err, apperrors.CodeConfigurationInvalid, apperrors.StagePersist, "invalid project")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return persistErr(err, "create project")
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO projects (id, name, slug, description, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.Name, p.Slug, p.Description, p.CreatedAt, p.UpdatedAt)
	if uniqueViolation(err) {
		return nameTaken(p.Name)
	}
	if err != nil {
		return persistErr(err, "insert project")
	}

	publishChange(ctx, s.dispatcher, "project", p.ID, p.Name, "created")
	return nil
}

// GetProject returns the project with the given id.
func (s *PostgresStore) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, persistErr(err, "get project")
	}
	var p domain.Project
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, slug, description, created_at, updated_at FROM projects WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Slug, &p.Description, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(apperrors.CodeProjectNotFound, id)
	}
	if err != nil {
		return nil, persistErr(err, "select project")
	}
	return &p, nil
}

// UpdateProject saves the project, re-deriving its slug from the name.
func (s *PostgresStore) UpdateProject(ctx context.Context, p *domain.Project) error {
	if err := p.Validate(); err != nil {
		return apperrors.Wrap(err, apperrors.CodeConfigurationInvalid, apperrors.StagePersist, "invalid project")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return persistErr(err, "update project")
	}
	p.UpdatedAt = time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET name = $2, slug = $3, description = $4, updated_at = $5 WHERE id = $1`,
		p.ID, p.Name, p.Slug, p.Description, p.UpdatedAt)
	if uniqueViolation(err) {
		return nameTaken(p.Name)
	}
	if err != nil {
		return persistErr(err, "update project")
	}
	if tag.RowsAffected() == 0 {
		return notFound(apperrors.CodeProjectNotFound, p.ID)
	}

	publishChange(ctx, s.dispatcher, "project", p.ID, p.Name, "updated")
	return nil
}

// DeleteProject removes the project.
func (s *PostgresStore) DeleteProject(ctx context.Context, id string) error {
	if err := s.ensureSchema(ctx); err != nil {
		return persistErr(err, "delete project")
	}
	var name string
	err := s.pool.QueryRow(ctx, `DELETE FROM projects WHERE id = $1 RETURNING name`, id).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(apperrors.CodeProjectNotFound, id)
	}
	if err != nil {
		return persistErr(err, "delete project")
	}

	publishChange(ctx, s.dispatcher, "project", id, name, "deleted")
	return nil
}

// CreateService inserts the service, its child records, and its satellite
// container in one transaction.
func (s *PostgresStore) CreateService(ctx context.Context, svc *domain.Service) error {
	if err := svc.Validate(); err != nil {
		return apperrors.Wrap(err, apperrors.CodeConfigurationInvalid, apperrors.StagePersist, "invalid service")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return persistErr(err, "create service")
	}
	if svc.ID == "" {
		svc.ID = uuid.New().String()
	}
	fillChildIDs(svc)
	now := time.Now().UTC()
	svc.CreatedAt, svc.UpdatedAt = now, now

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return persistErr(err, "begin create service transaction")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO services (id, name, index_url, image, build, command, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		svc.ID, svc.Name, svc.IndexURL, svc.Image, svc.Build, svc.Command, svc.CreatedAt, svc.UpdatedAt)
	if uniqueViolation(err) {
		return nameTaken(svc.Name)
	}
	if err != nil {
		return persistErr(err, "insert service")
	}
	if err := insertServiceChildren(ctx, tx, svc); err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO containers (id, service_id, running, created_at, updated_at) VALUES ($1, $2, TRUE, $3, $3)`,
		uuid.New().String(), svc.ID, now)
	if err != nil {
		return persistErr(err, "insert container")
	}

	if err := tx.Commit(ctx); err != nil {
		return persistErr(err, "commit create service transaction")
	}

	publishChange(ctx, s.dispatcher, "service", svc.ID, svc.Name, "created")
	return nil
}

// GetService returns the service with the given id, children included.
func (s *PostgresStore) GetService(ctx context.Context, id string) (*domain.Service, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, persistErr(err, "get service")
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, persistErr(err, "begin get service transaction")
	}
	defer tx.Rollback(ctx)

	var svc domain.Service
	err = tx.QueryRow(ctx,
		`SELECT id, name, index_url, image, build, command, created_at, updated_at FROM services WHERE id = $1`, id).
		Scan(&svc.ID, &svc.Name, &svc.IndexURL, &svc.Image, &svc.Build, &svc.Command, &svc.CreatedAt, &svc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(apperrors.CodeServiceNotFound, id)
	}
	if err != nil {
		return nil, persistErr(err, "select service")
	}
	services := map[string]*domain.Service{svc.ID: &svc}
	if err := s.loadServiceChildren(ctx, tx, services); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, persistErr(err, "commit get service transaction")
	}
	return &svc, nil
}

// UpdateService replaces the service row and rewrites its child records.
func (s *PostgresStore) UpdateService(ctx context.Context, svc *domain.Service) error {
	if err := svc.Validate(); err != nil {
		return apperrors.Wrap(err, apperrors.CodeConfigurationInvalid, apperrors.StagePersist, "invalid service")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return persistErr(err, "update service")
	}
	fillChildIDs(svc)
	svc.UpdatedAt = time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return persistErr(err, "begin update service transaction")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE services SET name = $2, index_url = $3, image = $4, build = $5, command = $6, updated_at = $7 WHERE id = $1`,
		svc.ID, svc.Name, svc.IndexURL, svc.Image, svc.Build, svc.Command, svc.UpdatedAt)
	if uniqueViolation(err) {
		return nameTaken(svc.Name)
	}
	if err != nil {
		return persistErr(err, "update service")
	}
	if tag.RowsAffected() == 0 {
		return notFound(apperrors.CodeServiceNotFound, svc.ID)
	}

	for _, table := range []string{"service_ports", "volume_mounts", "env_vars"} {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE service_id = $1`, table), svc.ID); err != nil {
			return persistErr(err, "clear service children")
		}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM service_links WHERE from_service_id = $1`, svc.ID); err != nil {
		return persistErr(err, "clear service links")
	}
	if err := insertServiceChildren(ctx, tx, svc); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return persistErr(err, "commit update service transaction")
	}

	publishChange(ctx, s.dispatcher, "service", svc.ID, svc.Name, "updated")
	return nil
}

// DeleteService removes the service; foreign keys cascade to children,
// links into it, and its container.
func (s *PostgresStore) DeleteService(ctx context.Context, id string) error {
	if err := s.ensureSchema(ctx); err != nil {
		return persistErr(err, "delete service")
	}
	var name string
	err := s.pool.QueryRow(ctx, `DELETE FROM services WHERE id = $1 RETURNING name`, id).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(apperrors.CodeServiceNotFound, id)
	}
	if err != nil {
		return persistErr(err, "delete service")
	}

	publishChange(ctx, s.dispatcher, "service", id, name, "deleted")
	return nil
}

// SetContainerRunning toggles the desired running flag.
func (s *PostgresStore) SetContainerRunning(ctx context.Context, containerID string, running bool) error {
	if err := s.ensureSchema(ctx); err != nil {
		return persistErr(err, "set container running")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE containers SET running = $2, updated_at = NOW() WHERE id = $1`, containerID, running)
	if err != nil {
		return persistErr(err, "update container running flag")
	}
	if tag.RowsAffected() == 0 {
		return notFound(apperrors.CodeContainerUnknown, containerID)
	}

	publishChange(ctx, s.dispatcher, "container", containerID, "", "updated")
	return nil
}

// SetContainerHighPort records a discovered host port without publishing a
// change event: a runtime fact update must not retrigger reconciliation.
func (s *PostgresStore) SetContainerHighPort(ctx context.Context, containerID string, highPort int) error {
	if err := s.ensureSchema(ctx); err != nil {
		return persistErr(err, "set container high port")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE containers SET high_port = $2, updated_at = NOW() WHERE id = $1`, containerID, highPort)
	if err != nil {
		return persistErr(err, "update container high port")
	}
	if tag.RowsAffected() == 0 {
		return notFound(apperrors.CodeContainerUnknown, containerID)
	}
	return nil
}

func insertServiceChildren(ctx context.Context, tx pgx.Tx, svc *domain.Service) error {
	for _, p := range svc.Ports {
		if _, err := tx.Exec(ctx,
			`INSERT INTO service_ports (id, service_id, internal_port, expose_publicly) VALUES ($1, $2, $3, $4)`,
			p.ID, p.ServiceID, p.InternalPort, p.ExposePublicly); err != nil {
			return persistErr(err, "insert service port")
		}
	}
	for _, l := range svc.Links {
		if _, err := tx.Exec(ctx,
			`INSERT INTO service_links (id, from_service_id, to_service_id, alias, external) VALUES ($1, $2, $3, $4, $5)`,
			l.ID, l.FromServiceID, l.ToServiceID, l.Alias, l.External); err != nil {
			return persistErr(err, "insert service link")
		}
	}
	for _, v := range svc.Volumes {
		if _, err := tx.Exec(ctx,
			`INSERT INTO volume_mounts (id, service_id, mounted_at, located_at, read_only) VALUES ($1, $2, $3, $4, $5)`,
			v.ID, v.ServiceID, v.MountedAt, v.LocatedAt, v.ReadOnly); err != nil {
			return persistErr(err, "insert volume mount")
		}
	}
	for _, e := range svc.EnvVars {
		if _, err := tx.Exec(ctx,
			`INSERT INTO env_vars (id, service_id, name, value) VALUES ($1, $2, $3, $4)`,
			e.ID, e.ServiceID, e.Name, e.Value); err != nil {
			return persistErr(err, "insert environment variable")
		}
	}
	return nil
}
