package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/agent"
	"github.com/corralhq/corral/pkg/broker"
	"github.com/corralhq/corral/pkg/config"
	"github.com/corralhq/corral/pkg/identity"
	"github.com/corralhq/corral/pkg/kanban"
	"github.com/corralhq/corral/pkg/runtime"
	"github.com/corralhq/corral/pkg/security"
	"github.com/corralhq/corral/pkg/storage"
)

type fakeRuntime struct {
	mu       sync.Mutex
	running  map[string]bool
	removed  []string
	specs    map[string]*runtime.ContainerSpec
	failNext string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		running: make(map[string]bool),
		specs:   make(map[string]*runtime.ContainerSpec),
	}
}

func (f *fakeRuntime) Create(ctx context.Context, spec *runtime.ContainerSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[spec.Name] = true
	f.specs[spec.Name] = spec
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, name)
	f.removed = append(f.removed, name)
	return nil
}

func (f *fakeRuntime) Inspect(ctx context.Context, name string) (runtime.ContainerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == f.failNext {
		return runtime.StatusDead, nil
	}
	if f.running[name] {
		return runtime.StatusRunning, nil
	}
	return runtime.StatusAbsent, nil
}

func (f *fakeRuntime) Logs(ctx context.Context, name string, n int) ([]string, error) {
	return nil, nil
}

func (f *fakeRuntime) Exec(ctx context.Context, name string, command []string, stdin string) (string, error) {
	return "", nil
}

func (f *fakeRuntime) Close() error { return nil }

type fakeDNS struct {
	mu      sync.Mutex
	records map[string]string
}

func newFakeDNS() *fakeDNS { return &fakeDNS{records: make(map[string]string)} }

func (f *fakeDNS) AddRecord(name, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[name] = address
	return nil
}

func (f *fakeDNS) RemoveRecord(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, name)
	return nil
}

func (f *fakeDNS) WaitPropagation(ctx context.Context, fqdn string) error { return nil }

type fakeCerts struct {
	mu     sync.Mutex
	issued map[string]bool
}

func newFakeCerts() *fakeCerts { return &fakeCerts{issued: make(map[string]bool)} }

func (f *fakeCerts) Issue(fqdn string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issued[fqdn] = true
	return nil
}

func (f *fakeCerts) Revoke(fqdn string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.issued, fqdn)
	return nil
}

func (f *fakeCerts) Exists(fqdn string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issued[fqdn]
}

func (f *fakeCerts) ListExpiring(within time.Duration) ([]string, error) { return nil, nil }

type fakeDB struct {
	mu        sync.Mutex
	databases map[string]bool
	clones    [][2]string
}

func newFakeDB() *fakeDB { return &fakeDB{databases: make(map[string]bool)} }

func (f *fakeDB) Create(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.databases[name] = true
	return nil
}

func (f *fakeDB) Clone(ctx context.Context, source, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.databases[target] = true
	f.clones = append(f.clones, [2]string{source, target})
	return nil
}

func (f *fakeDB) Drop(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.databases, name)
	return nil
}

type fakeIdP struct {
	mu           sync.Mutex
	created      []string
	redirectURIs map[string][]string
	deleted      []string
}

func newFakeIdP() *fakeIdP { return &fakeIdP{redirectURIs: make(map[string][]string)} }

func (f *fakeIdP) CreateAppRegistration(ctx context.Context, displayName string, redirectURIs []string) (*identity.AppRegistration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, displayName)
	f.redirectURIs["obj-"+displayName] = redirectURIs
	return &identity.AppRegistration{
		AppID:    "app-" + displayName,
		ObjectID: "obj-" + displayName,
		Secret:   "secret-" + displayName,
		TenantID: "tenant-1",
	}, nil
}

func (f *fakeIdP) UpdateRedirectURIs(ctx context.Context, objectID string, redirectURIs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redirectURIs[objectID] = redirectURIs
	return nil
}

func (f *fakeIdP) Delete(ctx context.Context, objectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, objectID)
	return nil
}

type fakeRepo struct {
	mu       sync.Mutex
	repos    map[string]bool
	branches map[string]bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{repos: make(map[string]bool), branches: make(map[string]bool)}
}

func (f *fakeRepo) CreateFromTemplate(ctx context.Context, templateOwner, templateRepo, newOwner, newRepo string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repos[newOwner+"/"+newRepo] = true
	return nil
}

func (f *fakeRepo) Delete(ctx context.Context, owner, repo string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.repos, owner+"/"+repo)
	return nil
}

func (f *fakeRepo) CreateBranch(ctx context.Context, owner, repo, newBranch, fromBranch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.branches[owner+"/"+repo+"#"+newBranch] = true
	return nil
}

func (f *fakeRepo) DeleteBranch(ctx context.Context, owner, repo, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.branches, owner+"/"+repo+"#"+branch)
	return nil
}

type fakeKanban struct {
	mu       sync.Mutex
	comments []string
	moves    []string
	columns  []kanban.Column
	card     *kanban.Card
}

func (f *fakeKanban) GetCard(ctx context.Context, boardID, cardID string) (*kanban.Card, error) {
	return f.card, nil
}

func (f *fakeKanban) ListColumns(ctx context.Context, boardID string) ([]kanban.Column, error) {
	return f.columns, nil
}

func (f *fakeKanban) PostComment(ctx context.Context, boardID, cardID, author, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, author+": "+text)
	return nil
}

func (f *fakeKanban) MoveCard(ctx context.Context, boardID, cardID, columnID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves = append(f.moves, cardID+"->"+columnID)
	return nil
}

type fakeDriver struct {
	result agent.Result
	lines  []string
}

func (f *fakeDriver) Run(ctx context.Context, prompt, workdir string, role *agent.Role, onOutput agent.OutputFunc) *agent.Result {
	for _, line := range f.lines {
		if onOutput != nil {
			onOutput(line)
		}
	}
	res := f.result
	return &res
}

// testEnv wires an orchestrator over a real bolt store and a miniredis
// broker with fakes for all external effectors.
type testEnv struct {
	o      *Orchestrator
	cfg    *config.Config
	store  storage.Store
	broker broker.Broker
	rt     *fakeRuntime
	dns    *fakeDNS
	certs  *fakeCerts
	db     *fakeDB
	idp    *fakeIdP
	repo   *fakeRepo
	tenant *fakeKanban
	driver *fakeDriver
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := broker.NewFromClient(rdb)
	t.Cleanup(func() { b.Close() })

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cipher, err := security.NewCipherFromPassword("test-secret")
	require.NoError(t, err)

	cfg := &config.Config{
		Mode:          config.ModeDevelopment,
		Domain:        "corral.test",
		HostIP:        "10.0.0.5",
		DataDir:       t.TempDir(),
		Network:       "corral-internal",
		RepoHostOrg:   "corral-org",
		TeamAPIImage:  "corral/kanban-api:latest",
		TeamWebImage:  "corral/kanban-web:latest",
		ImageRegistry: "registry.corral.test",
		AgentImage:    "corral/agent:latest",
		ReservedSlugs: []string{"app", "api", "www", "sandbox"},
	}

	env := &testEnv{
		cfg:    cfg,
		store:  store,
		broker: b,
		rt:     newFakeRuntime(),
		dns:    newFakeDNS(),
		certs:  newFakeCerts(),
		db:     newFakeDB(),
		idp:    newFakeIdP(),
		repo:   newFakeRepo(),
		tenant: &fakeKanban{},
		driver: &fakeDriver{result: agent.Result{Success: true, Output: "done"}},
	}
	env.o = New(cfg, Deps{
		Store:   store,
		Broker:  b,
		Runtime: env.rt,
		DNS:     env.dns,
		Certs:   env.certs,
		DB:      env.db,
		IdP:     env.idp,
		Repo:    env.repo,
		Cipher:  cipher,
		Roles:   agent.NewRegistry(agent.DefaultRoles()),
		Driver:  env.driver,
		Kanban: func(baseURL, secret string) kanban.Client {
			return env.tenant
		},
	})
	return env
}
