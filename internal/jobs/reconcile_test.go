package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/require"

	"github.com/MJJoyce/memex-explorer/internal/config"
	"github.com/MJJoyce/memex-explorer/internal/domain"
	"github.com/MJJoyce/memex-explorer/internal/pkg/logger"
	"github.com/MJJoyce/memex-explorer/internal/proxy"
	"github.com/MJJoyce/memex-explorer/internal/reconcile"
	"github.com/MJJoyce/memex-explorer/internal/runtime"
	"github.com/MJJoyce/memex-explorer/internal/store"
	"github.com/MJJoyce/memex-explorer/internal/testutil"
)

func TestMain(m *testing.M) {
	if err := logger.Init("error", "console"); err != nil {
		panic(err)
	}
	m.Run()
}

func TestReconcileArgs_Kind(t *testing.T) {
	require.Equal(t, "reconcile", ReconcileArgs{}.Kind())
}

func TestReconcileArgs_InsertOpts(t *testing.T) {
	opts := ReconcileArgs{}.InsertOpts()
	require.Equal(t, QueueReconcile, opts.Queue)
	require.Equal(t, 3, opts.MaxAttempts)
	require.True(t, opts.UniqueOpts.ByQueue)
	require.NotContains(t, opts.UniqueOpts.ByState, rivertype.JobStateRunning,
		"a trigger during a run must queue a follow-up run")
	require.Contains(t, opts.UniqueOpts.ByState, rivertype.JobStateAvailable)
}

func newWorkerFixture(t *testing.T) (*ReconcileWorker, *testutil.FakeRunner, string) {
	t.Helper()
	base := t.TempDir()
	deployDir := filepath.Join(base, "deploy")
	require.NoError(t, os.MkdirAll(deployDir, 0o755))

	deploy := config.DeployConfig{
		ComposeBinary:       "docker-compose",
		DockerBinary:        "docker",
		ComposeTemplatePath: filepath.Join("..", "..", "deploy", "templates", "docker-compose.yml.tmpl"),
		ComposePath:         filepath.Join(deployDir, "docker-compose.yml"),
	}
	proxyCfg := config.ProxyConfig{
		TemplatePath:  filepath.Join("..", "..", "deploy", "templates", "nginx-reverse-proxy.conf.tmpl"),
		WorkingPath:   filepath.Join(deployDir, "nginx-reverse-proxy.conf"),
		LivePath:      filepath.Join(deployDir, "live.conf"),
		ReloadCommand: []string{"service", "nginx", "restart"},
		StaticRoot:    "/var/www/static",
		RootPort:      8000,
		Hostname:      "localhost",
		IPAddr:        "127.0.0.1",
	}

	st := store.NewMemoryStore(nil)
	require.NoError(t, st.CreateService(context.Background(), &domain.Service{
		Name:  "crawler",
		Image: "crawler:latest",
		Ports: []domain.ServicePort{{InternalPort: 8080, ExposePublicly: true}},
	}))

	runner := testutil.NewFakeRunner()
	runner.Respond("docker port deploy_crawler_1", testutil.PortOutput(map[int]int{8080: 32768}))

	reconciler := reconcile.NewReconciler(st,
		runtime.NewComposeDriver(runner, st, nil, deploy),
		proxy.NewPublisher(runner, proxyCfg), nil, deploy)
	return NewReconcileWorker(reconciler), runner, "docker-compose -f " + deploy.ComposePath + " up -d --no-recreate"
}

func TestReconcileWorker_Work(t *testing.T) {
	worker, runner, _ := newWorkerFixture(t)

	job := &river.Job[ReconcileArgs]{
		JobRow: &rivertype.JobRow{ID: 1, Attempt: 1},
		Args:   ReconcileArgs{Reason: "test"},
	}
	require.NoError(t, worker.Work(context.Background(), job))
	require.Equal(t, 1, runner.CountPrefix("docker-compose"))
	require.Equal(t, 1, runner.CountPrefix("service nginx restart"))
}

func TestReconcileWorker_WorkPropagatesFailure(t *testing.T) {
	worker, runner, convergeLine := newWorkerFixture(t)
	runner.Fail(convergeLine, errors.New("exit status 1"))

	job := &river.Job[ReconcileArgs]{
		JobRow: &rivertype.JobRow{ID: 2, Attempt: 1},
		Args:   ReconcileArgs{},
	}
	require.Error(t, worker.Work(context.Background(), job), "failed run must surface so River retries")
}
