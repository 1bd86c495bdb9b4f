package reconcile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MJJoyce/memex-explorer/internal/config"
	"github.com/MJJoyce/memex-explorer/internal/domain"
	apperrors "github.com/MJJoyce/memex-explorer/internal/pkg/errors"
	"github.com/MJJoyce/memex-explorer/internal/pkg/logger"
	"github.com/MJJoyce/memex-explorer/internal/proxy"
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

type fixture struct {
	store      *store.MemoryStore
	runner     *testutil.FakeRunner
	reconciler *Reconciler
	deploy     config.DeployConfig
	proxyCfg   config.ProxyConfig
}

func newFixture(t *testing.T) *fixture {
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
		LivePath:      "/etc/nginx/sites-enabled/default",
		ReloadCommand: []string{"service", "nginx", "restart"},
		StaticRoot:    "/var/www/static",
		RootPort:      8000,
		Hostname:      "localhost",
		IPAddr:        "127.0.0.1",
	}

	st := store.NewMemoryStore(nil)
	runner := testutil.NewFakeRunner()
	driver := runtime.NewComposeDriver(runner, st, nil, deploy)
	publisher := proxy.NewPublisher(runner, proxyCfg)

	return &fixture{
		store:      st,
		runner:     runner,
		reconciler: NewReconciler(st, driver, publisher, nil, deploy),
		deploy:     deploy,
		proxyCfg:   proxyCfg,
	}
}

func (f *fixture) convergeLine() string {
	return "docker-compose -f " + f.deploy.ComposePath + " up -d --no-recreate"
}

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, svc := range []*domain.Service{
		{Name: "elasticsearch", Image: "elasticsearch:1.4",
			Ports: []domain.ServicePort{{InternalPort: 9200, ExposePublicly: true}}},
		{Name: "kibana", Build: "./kibana",
			Ports: []domain.ServicePort{{InternalPort: 5601, ExposePublicly: true}}},
	} {
		require.NoError(t, f.store.CreateService(ctx, svc))
	}
	f.runner.Respond("docker port deploy_elasticsearch_1", testutil.PortOutput(map[int]int{9200: 32768}))
	f.runner.Respond("docker port deploy_kibana_1", testutil.PortOutput(map[int]int{5601: 32769}))
}

func TestRun_FullPipeline(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	res, err := f.reconciler.Run(context.Background())
	require.NoError(t, err)
	require.True(t, res.Succeeded())
	require.Equal(t, apperrors.StagePublish, res.Stage)
	require.Equal(t, []domain.PortMapping{
		{URLBase: "/elasticsearch", HighPort: 32768},
		{URLBase: "/kibana", HighPort: 32769},
	}, res.Mappings)

	// the manifest was rendered before the runtime was invoked
	manifestOut, err := os.ReadFile(f.deploy.ComposePath)
	require.NoError(t, err)
	require.Contains(t, string(manifestOut), "elasticsearch:")
	require.Contains(t, string(manifestOut), "image: elasticsearch:1.4")

	proxyOut, err := os.ReadFile(f.proxyCfg.WorkingPath)
	require.NoError(t, err)
	require.Contains(t, string(proxyOut), "proxy_pass http://127.0.0.1:32768/;")

	// discovered ports were persisted
	snap, err := f.store.Snapshot(context.Background())
	require.NoError(t, err)
	for _, c := range snap.Containers {
		require.NotNil(t, c.HighPort)
	}

	require.Equal(t, 1, f.runner.CountPrefix("docker-compose"))
	require.Equal(t, 1, f.runner.CountPrefix("cp "))
	require.Equal(t, 1, f.runner.CountPrefix("service nginx restart"))

	lines := f.runner.CallLines()
	require.Equal(t, f.convergeLine(), lines[0], "converge before discovery")
	require.Equal(t, "service nginx restart", lines[len(lines)-1], "reload last")
}

func TestRun_ConvergeFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	f.runner.Fail(f.convergeLine(), errors.New("exit status 1"))
	f.runner.Respond(f.convergeLine(), []byte("Couldn't connect to Docker daemon\n"))

	res, err := f.reconciler.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, apperrors.StageConverge, res.Stage)
	require.Contains(t, res.ConvergeOutput, "Couldn't connect")
	require.Equal(t, 0, f.runner.CountPrefix("docker port"), "no discovery after failed converge")
	require.Equal(t, 0, f.runner.CountPrefix("cp "), "no publish after failed converge")
}

func TestRun_DiscoveryFailureStillPublishesRest(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	f.runner.Fail("docker port deploy_elasticsearch_1", errors.New("exit status 1"))
	f.runner.Respond("docker port deploy_elasticsearch_1", []byte("Error: No such container\n"))

	res, err := f.reconciler.Run(context.Background())
	require.Error(t, err)
	require.False(t, res.Succeeded())
	require.Equal(t, []domain.PortMapping{{URLBase: "/kibana", HighPort: 32769}}, res.Mappings)
	require.Equal(t, 1, f.runner.CountPrefix("service nginx restart"), "publish still ran")

	proxyOut, err := os.ReadFile(f.proxyCfg.WorkingPath)
	require.NoError(t, err)
	require.Contains(t, string(proxyOut), "proxy_pass http://127.0.0.1:32769/;")
	require.NotContains(t, string(proxyOut), "32768")
}

func TestRun_RenderFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	f.deploy.ComposeTemplatePath = filepath.Join(t.TempDir(), "missing.tmpl")
	f.reconciler = NewReconciler(f.store,
		runtime.NewComposeDriver(f.runner, f.store, nil, f.deploy),
		proxy.NewPublisher(f.runner, f.proxyCfg), nil, f.deploy)

	res, err := f.reconciler.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, apperrors.StageRender, res.Stage)
	require.Empty(t, f.runner.Calls(), "no external command after failed render")
}

func TestRun_IdempotentAgainstUnchangedState(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	_, err := f.reconciler.Run(context.Background())
	require.NoError(t, err)
	firstManifest, err := os.ReadFile(f.deploy.ComposePath)
	require.NoError(t, err)
	firstProxy, err := os.ReadFile(f.proxyCfg.WorkingPath)
	require.NoError(t, err)

	_, err = f.reconciler.Run(context.Background())
	require.NoError(t, err)
	secondManifest, err := os.ReadFile(f.deploy.ComposePath)
	require.NoError(t, err)
	secondProxy, err := os.ReadFile(f.proxyCfg.WorkingPath)
	require.NoError(t, err)

	require.Equal(t, firstManifest, secondManifest, "manifest is byte-identical across runs")
	require.Equal(t, firstProxy, secondProxy, "proxy config is byte-identical across runs")
}

func TestRun_StoppedServiceLeavesManifest(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	snap, err := f.store.Snapshot(ctx)
	require.NoError(t, err)
	for _, c := range snap.Containers {
		svc, _ := snap.ServiceByID(c.ServiceID)
		if svc.Name == "kibana" {
			require.NoError(t, f.store.SetContainerRunning(ctx, c.ID, false))
		}
	}

	res, err := f.reconciler.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, []domain.PortMapping{{URLBase: "/elasticsearch", HighPort: 32768}}, res.Mappings)

	manifestOut, err := os.ReadFile(f.deploy.ComposePath)
	require.NoError(t, err)
	require.NotContains(t, string(manifestOut), "kibana")
	require.Equal(t, 0, f.runner.CountPrefix("docker port deploy_kibana_1"))
}

func TestRun_RecordsLastResult(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	require.Nil(t, f.reconciler.LastResult())
	res, err := f.reconciler.Run(context.Background())
	require.NoError(t, err)
	require.Same(t, res, f.reconciler.LastResult())
	require.False(t, res.FinishedAt.Before(res.StartedAt))
}

func TestRun_PublishesOutcomeEvents(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	dispatcher := domain.NewEventDispatcher()
	var got []domain.EventType
	record := func(ctx context.Context, e *domain.Event) error {
		got = append(got, e.EventType)
		return nil
	}
	dispatcher.Register(domain.EventReconcileCompleted, record)
	dispatcher.Register(domain.EventReconcileFailed, record)

	f.reconciler = NewReconciler(f.store,
		runtime.NewComposeDriver(f.runner, f.store, nil, f.deploy),
		proxy.NewPublisher(f.runner, f.proxyCfg), dispatcher, f.deploy)

	_, err := f.reconciler.Run(context.Background())
	require.NoError(t, err)

	f.runner.Fail(f.convergeLine(), errors.New("exit status 1"))
	_, err = f.reconciler.Run(context.Background())
	require.Error(t, err)

	require.Equal(t, []domain.EventType{domain.EventReconcileCompleted, domain.EventReconcileFailed}, got)
}
