package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/agent"
	"github.com/corralhq/corral/pkg/broker"
	"github.com/corralhq/corral/pkg/config"
	"github.com/corralhq/corral/pkg/security"
	"github.com/corralhq/corral/pkg/storage"
	"github.com/corralhq/corral/pkg/types"
)

type gatewayEnv struct {
	g      *Gateway
	cfg    *config.Config
	store  storage.Store
	broker broker.Broker
	srv    *httptest.Server
	user   *types.User
}

func newGatewayEnv(t *testing.T) *gatewayEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := broker.NewFromClient(rdb)
	t.Cleanup(func() { b.Close() })

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		Mode:         config.ModeDevelopment,
		Domain:       "corral.test",
		PortalSecret: "portal-secret",
		HTTPTimeout:  5 * time.Second,
		ReservedSlugs: []string{
			"app", "api", "www", "mail", "admin", "portal", "static", "assets", "sandbox",
		},
	}

	g := New(cfg, Deps{
		Store:  store,
		Broker: b,
		Roles:  agent.NewRegistry(agent.DefaultRoles()),
	})
	g.autoStartPoll = 10 * time.Millisecond
	g.autoStartWait = 200 * time.Millisecond

	srv := httptest.NewServer(g.Router())
	t.Cleanup(srv.Close)

	user := &types.User{
		ID:          uuid.New().String(),
		ExternalID:  "ext-1",
		DisplayName: "Test User",
		Email:       "test@corral.test",
	}
	require.NoError(t, store.CreateUser(user))

	return &gatewayEnv{g: g, cfg: cfg, store: store, broker: b, srv: srv, user: user}
}

// sessionToken issues a portal JWT for the seeded user.
func (env *gatewayEnv) sessionToken(t *testing.T) string {
	t.Helper()
	token, err := env.g.issueSession(env.user)
	require.NoError(t, err)
	return token
}

// apiToken stores an active pk_ token with the given scopes and returns
// its plaintext.
func (env *gatewayEnv) apiToken(t *testing.T, scopes ...string) string {
	t.Helper()
	plaintext, hash, err := security.GenerateTokenSecret()
	require.NoError(t, err)
	tok := &types.APIToken{
		ID:              uuid.New().String(),
		Name:            "test",
		Kind:            types.TokenKindPortal,
		TokenHash:       hash,
		Scopes:          scopes,
		CreatedByUserID: env.user.ID,
		Active:          true,
	}
	require.NoError(t, env.store.CreateAPIToken(tok))
	return plaintext
}

func (env *gatewayEnv) request(t *testing.T, method, path, bearer string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, env.srv.URL+path, buf)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, data
}

// claimOne pops the next task off a queue, bypassing the worker.
func (env *gatewayEnv) claimOne(t *testing.T, queue string) *types.Task {
	t.Helper()
	claim, err := env.broker.ClaimTask(context.Background(), []string{queue}, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, claim, "expected a task on %s", queue)
	task, err := env.broker.Get(context.Background(), claim.TaskID)
	require.NoError(t, err)
	return task
}
