package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MJJoyce/memex-explorer/internal/config"
	"github.com/MJJoyce/memex-explorer/internal/domain"
	apperrors "github.com/MJJoyce/memex-explorer/internal/pkg/errors"
	"github.com/MJJoyce/memex-explorer/internal/pkg/logger"
	"github.com/MJJoyce/memex-explorer/internal/store"
	"github.com/MJJoyce/memex-explorer/internal/testutil"
)

func TestMain(m *testing.M) {
	if err := logger.Init("error", "console"); err != nil {
		panic(err)
	}
	m.Run()
}

func deployConfig() config.DeployConfig {
	return config.DeployConfig{
		ComposeBinary: "docker-compose",
		DockerBinary:  "docker",
		ComposePath:   "deploy/docker-compose.yml",
	}
}

// seedStore creates two public services and one without a public port, and
// returns the store plus a snapshot.
func seedStore(t *testing.T) (*store.MemoryStore, *domain.Snapshot) {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore(nil)

	for _, svc := range []*domain.Service{
		{Name: "elasticsearch", Image: "elasticsearch:1.4",
			Ports: []domain.ServicePort{{InternalPort: 9200, ExposePublicly: true}}},
		{Name: "kibana", Build: "./kibana",
			Ports: []domain.ServicePort{{InternalPort: 5601, ExposePublicly: true}}},
		{Name: "worker", Image: "worker:latest"},
	} {
		require.NoError(t, s.CreateService(ctx, svc))
	}

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	return s, snap
}

func TestConverge_InvokesComposeUp(t *testing.T) {
	runner := testutil.NewFakeRunner()
	runner.Respond("docker-compose -f deploy/docker-compose.yml up -d --no-recreate", []byte("ok\n"))

	d := NewComposeDriver(runner, store.NewMemoryStore(nil), nil, deployConfig())
	out, err := d.Converge(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok\n", string(out))
	require.Equal(t, []string{"docker-compose -f deploy/docker-compose.yml up -d --no-recreate"}, runner.CallLines())
}

func TestConverge_FailureCarriesOutput(t *testing.T) {
	runner := testutil.NewFakeRunner()
	line := "docker-compose -f deploy/docker-compose.yml up -d --no-recreate"
	runner.Respond(line, []byte("Couldn't connect to Docker daemon\n"))
	runner.Fail(line, errors.New("exit status 1"))

	d := NewComposeDriver(runner, store.NewMemoryStore(nil), nil, deployConfig())
	out, err := d.Converge(context.Background())
	require.Error(t, err)
	require.True(t, apperrors.HasCode(err, apperrors.CodeRuntimeFailed))
	require.Contains(t, err.Error(), "Couldn't connect to Docker daemon")
	require.Contains(t, string(out), "Couldn't connect")
}

func TestDiscover_PersistsAndReturnsMappings(t *testing.T) {
	st, snap := seedStore(t)
	runner := testutil.NewFakeRunner()
	runner.Respond("docker port deploy_elasticsearch_1", testutil.PortOutput(map[int]int{9200: 32768}))
	runner.Respond("docker port deploy_kibana_1", testutil.PortOutput(map[int]int{5601: 32769}))

	d := NewComposeDriver(runner, st, nil, deployConfig())
	mappings, skipped, err := d.Discover(context.Background(), snap)
	require.NoError(t, err)
	require.Equal(t, []domain.PortMapping{
		{URLBase: "/elasticsearch", HighPort: 32768},
		{URLBase: "/kibana", HighPort: 32769},
	}, mappings)
	require.Equal(t, []string{"service worker exposes no public port"}, skipped)

	// discovered ports were written back
	fresh, err := st.Snapshot(context.Background())
	require.NoError(t, err)
	byService := make(map[string]*int)
	for _, c := range fresh.Containers {
		svc, ok := fresh.ServiceByID(c.ServiceID)
		require.True(t, ok)
		byService[svc.Name] = c.HighPort
	}
	require.NotNil(t, byService["elasticsearch"])
	require.Equal(t, 32768, *byService["elasticsearch"])
	require.NotNil(t, byService["kibana"])
	require.Equal(t, 32769, *byService["kibana"])
	require.Nil(t, byService["worker"])
}

func TestDiscover_OneFailureDoesNotAbortOthers(t *testing.T) {
	st, snap := seedStore(t)
	runner := testutil.NewFakeRunner()
	runner.Fail("docker port deploy_elasticsearch_1", errors.New("exit status 1"))
	runner.Respond("docker port deploy_elasticsearch_1", []byte("Error: No such container\n"))
	runner.Respond("docker port deploy_kibana_1", testutil.PortOutput(map[int]int{5601: 32769}))

	d := NewComposeDriver(runner, st, nil, deployConfig())
	mappings, _, err := d.Discover(context.Background(), snap)
	require.Error(t, err)
	require.Contains(t, err.Error(), "deploy_elasticsearch_1")
	require.Equal(t, []domain.PortMapping{{URLBase: "/kibana", HighPort: 32769}}, mappings)
}

func TestDiscover_MissingPortLineIsAnError(t *testing.T) {
	st, snap := seedStore(t)
	runner := testutil.NewFakeRunner()
	runner.Respond("docker port deploy_elasticsearch_1", []byte("9300/tcp -> 0.0.0.0:32770\n"))
	runner.Respond("docker port deploy_kibana_1", testutil.PortOutput(map[int]int{5601: 32769}))

	d := NewComposeDriver(runner, st, nil, deployConfig())
	mappings, _, err := d.Discover(context.Background(), snap)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no host port for 9200/tcp")
	require.Len(t, mappings, 1)
}

func TestDiscover_PublicPathBaseOverride(t *testing.T) {
	st, snap := seedStore(t)
	for i := range snap.Containers {
		svc, _ := snap.ServiceByID(snap.Containers[i].ServiceID)
		if svc.Name == "kibana" {
			snap.Containers[i].PublicPathBase = "/dashboards"
		}
	}
	runner := testutil.NewFakeRunner()
	runner.Respond("docker port deploy_elasticsearch_1", testutil.PortOutput(map[int]int{9200: 32768}))
	runner.Respond("docker port deploy_kibana_1", testutil.PortOutput(map[int]int{5601: 32769}))

	d := NewComposeDriver(runner, st, nil, deployConfig())
	mappings, _, err := d.Discover(context.Background(), snap)
	require.NoError(t, err)
	require.Contains(t, mappings, domain.PortMapping{URLBase: "/dashboards", HighPort: 32769})
}

// The runtime container name uses the slug, but the default URL base keeps
// the raw service name, matching the proxy routes the original system wrote.
func TestDiscover_URLBaseUsesServiceName(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(nil)
	require.NoError(t, st.CreateService(ctx, &domain.Service{
		Name:  "Wiki Search",
		Image: "nginx:latest",
		Ports: []domain.ServicePort{{InternalPort: 80, ExposePublicly: true}},
	}))
	snap, err := st.Snapshot(ctx)
	require.NoError(t, err)

	runner := testutil.NewFakeRunner()
	runner.Respond("docker port deploy_wiki-search_1", testutil.PortOutput(map[int]int{80: 32768}))

	d := NewComposeDriver(runner, st, nil, deployConfig())
	mappings, _, err := d.Discover(ctx, snap)
	require.NoError(t, err)
	require.Equal(t, []domain.PortMapping{{URLBase: "/Wiki Search", HighPort: 32768}}, mappings)
}

func TestDiscover_SkipsStoppedContainers(t *testing.T) {
	st, snap := seedStore(t)
	for i := range snap.Containers {
		snap.Containers[i].Running = false
	}
	runner := testutil.NewFakeRunner()
	d := NewComposeDriver(runner, st, nil, deployConfig())

	mappings, skipped, err := d.Discover(context.Background(), snap)
	require.NoError(t, err)
	require.Empty(t, mappings)
	require.Empty(t, skipped)
	require.Empty(t, runner.Calls())
}

func TestHostPortFor(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		internal int
		want     int
		found    bool
	}{
		{"single mapping", "9200/tcp -> 0.0.0.0:32768\n", 9200, 32768, true},
		{"picks matching line", "9300/tcp -> 0.0.0.0:32770\n9200/tcp -> 0.0.0.0:32768\n", 9200, 32768, true},
		{"udp ignored", "9200/udp -> 0.0.0.0:32768\n", 9200, 0, false},
		{"garbage ignored", "WARNING: something\nnot a mapping\n9200/tcp -> 0.0.0.0:32768", 9200, 32768, true},
		{"ipv6 host", "9200/tcp -> [::]:32768\n", 9200, 32768, true},
		{"empty output", "", 9200, 0, false},
		{"malformed port", "9200/tcp -> 0.0.0.0:abc\n", 9200, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := hostPortFor(tt.output, tt.internal)
			require.Equal(t, tt.found, found)
			require.Equal(t, tt.want, got)
		})
	}
}
