package runtime

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/MJJoyce/memex-explorer/internal/config"
	"github.com/MJJoyce/memex-explorer/internal/domain"
	apperrors "github.com/MJJoyce/memex-explorer/internal/pkg/errors"
	"github.com/MJJoyce/memex-explorer/internal/pkg/logger"
	"github.com/MJJoyce/memex-explorer/internal/pkg/worker"
	"github.com/MJJoyce/memex-explorer/internal/store"
)

// ComposeDriver converges the container set with the compose CLI and
// discovers assigned host ports with the runtime CLI.
type ComposeDriver struct {
	runner Runner
	store  store.Store
	pool   *worker.Pool
	cfg    config.DeployConfig
}

// NewComposeDriver creates a driver. The pool may be nil, in which case
// port discovery runs sequentially.
func NewComposeDriver(runner Runner, st store.Store, pool *worker.Pool, cfg config.DeployConfig) *ComposeDriver {
	return &ComposeDriver{runner: runner, store: st, pool: pool, cfg: cfg}
}

// Converge brings the running container set in line with the rendered
// manifest. --no-recreate keeps containers whose definition is unchanged
// untouched, which is what makes repeated convergence non-disruptive. The
// runtime's combined output is returned for diagnostics either way.
func (d *ComposeDriver) Converge(ctx context.Context) ([]byte, error) {
	out, err := d.runner.Run(ctx, d.cfg.ComposeBinary, "-f", d.cfg.ComposePath, "up", "-d", "--no-recreate")
	if err != nil {
		return out, apperrors.Runtime(err, apperrors.StageConverge,
			fmt.Sprintf("%s up failed: %s", d.cfg.ComposeBinary, strings.TrimSpace(string(out))))
	}
	return out, nil
}

// discovery is the per-container outcome of a port query.
type discovery struct {
	mapping domain.PortMapping
	skipped string
	err     error
}

// Discover queries the runtime for the host port of every running container
// that exposes a port publicly, persists each discovered port, and returns
// the (url base, host port) pairs for proxy publication.
//
// One container's failure does not abort the others: errors are aggregated
// and returned alongside whatever mappings were discovered, so a single
// crashed container degrades the proxy config instead of wiping it.
func (d *ComposeDriver) Discover(ctx context.Context, snap *domain.Snapshot) ([]domain.PortMapping, []string, error) {
	running := make([]domain.Container, 0, len(snap.Containers))
	for _, c := range snap.Containers {
		if c.Running {
			running = append(running, c)
		}
	}

	results := make([]discovery, len(running))
	var wg sync.WaitGroup
	for i := range running {
		i := i
		wg.Add(1)
		task := func(taskCtx context.Context) {
			defer wg.Done()
			results[i] = d.discoverOne(taskCtx, snap, running[i])
		}
		if d.pool != nil {
			if err := d.pool.Submit(ctx, task); err == nil {
				continue
			}
		}
		task(ctx)
	}
	wg.Wait()

	var (
		mappings []domain.PortMapping
		skipped  []string
		errs     error
	)
	for _, res := range results {
		switch {
		case res.err != nil:
			errs = multierr.Append(errs, res.err)
		case res.skipped != "":
			skipped = append(skipped, res.skipped)
		default:
			mappings = append(mappings, res.mapping)
		}
	}
	sort.Slice(mappings, func(i, j int) bool { return mappings[i].URLBase < mappings[j].URLBase })
	return mappings, skipped, errs
}

func (d *ComposeDriver) discoverOne(ctx context.Context, snap *domain.Snapshot, c domain.Container) discovery {
	svc, ok := snap.ServiceByID(c.ServiceID)
	if !ok {
		return discovery{err: apperrors.New(apperrors.CodeServiceNotFound, apperrors.StageDiscover,
			fmt.Sprintf("container %s references unknown service %s", c.ID, c.ServiceID))}
	}
	public, ok := svc.PublicPort()
	if !ok {
		return discovery{skipped: fmt.Sprintf("service %s exposes no public port", svc.Slug())}
	}

	name := domain.DockerName(d.cfg.ComposeProject(), svc.Name)
	out, err := d.runner.Run(ctx, d.cfg.DockerBinary, "port", name)
	if err != nil {
		return discovery{err: apperrors.Runtime(err, apperrors.StageDiscover,
			fmt.Sprintf("query ports of %s: %s", name, strings.TrimSpace(string(out)))).WithEntity(svc.Slug())}
	}

	hostPort, found := hostPortFor(string(out), public.InternalPort)
	if !found {
		return discovery{err: apperrors.New(apperrors.CodeRuntimeFailed, apperrors.StageDiscover,
			fmt.Sprintf("%s reports no host port for %d/tcp", name, public.InternalPort)).WithEntity(svc.Slug())}
	}

	if err := d.store.SetContainerHighPort(ctx, c.ID, hostPort); err != nil {
		return discovery{err: err}
	}
	logger.Debug("Discovered host port",
		zap.String("container", name),
		zap.Int("internal_port", public.InternalPort),
		zap.Int("high_port", hostPort),
	)
	return discovery{mapping: domain.PortMapping{
		URLBase:  c.PublicURLBase(svc.Name),
		HighPort: hostPort,
	}}
}

// hostPortFor scans runtime port output for the host port bound to the
// given internal TCP port. Lines look like
//
//	9200/tcp -> 0.0.0.0:32768
//
// Anything that does not match that shape is ignored; the runtime prints
// warnings on the same stream.
func hostPortFor(output string, internalPort int) (int, bool) {
	for _, line := range strings.Split(output, "\n") {
		left, right, found := strings.Cut(strings.TrimSpace(line), " -> ")
		if !found {
			continue
		}
		spec, proto, found := strings.Cut(left, "/")
		if !found || proto != "tcp" {
			continue
		}
		internal, err := strconv.Atoi(spec)
		if err != nil || internal != internalPort {
			continue
		}
		idx := strings.LastIndex(right, ":")
		if idx < 0 {
			continue
		}
		host, err := strconv.Atoi(right[idx+1:])
		if err != nil {
			continue
		}
		return host, true
	}
	return 0, false
}
