package maintenance

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/storage"
	"github.com/corralhq/corral/pkg/types"
)

type fakeCerts struct {
	expiring []string
	issued   []string
}

func (f *fakeCerts) Issue(fqdn string) error {
	f.issued = append(f.issued, fqdn)
	return nil
}
func (f *fakeCerts) Revoke(fqdn string) error { return nil }
func (f *fakeCerts) Exists(fqdn string) bool  { return true }
func (f *fakeCerts) ListExpiring(within time.Duration) ([]string, error) {
	return f.expiring, nil
}

func newStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRenewCertificates(t *testing.T) {
	certs := &fakeCerts{expiring: []string{"acme.corral.test", "shop.app.corral.test"}}
	r, err := New(newStore(t), certs)
	require.NoError(t, err)

	r.RenewCertificates()
	assert.Equal(t, []string{"acme.corral.test", "shop.app.corral.test"}, certs.issued)
}

func TestSweepExpiredTokens(t *testing.T) {
	store := newStore(t)
	user := &types.User{ID: uuid.New().String(), ExternalID: "e1", Email: "u@corral.test"}
	require.NoError(t, store.CreateUser(user))

	expired := &types.APIToken{
		ID: uuid.New().String(), Name: "old", Kind: types.TokenKindPortal,
		TokenHash: "h1", Scopes: []string{"*"}, CreatedByUserID: user.ID,
		ExpiresAt: time.Now().Add(-time.Hour), Active: true,
	}
	fresh := &types.APIToken{
		ID: uuid.New().String(), Name: "new", Kind: types.TokenKindPortal,
		TokenHash: "h2", Scopes: []string{"*"}, CreatedByUserID: user.ID,
		ExpiresAt: time.Now().Add(time.Hour), Active: true,
	}
	forever := &types.APIToken{
		ID: uuid.New().String(), Name: "forever", Kind: types.TokenKindPortal,
		TokenHash: "h3", Scopes: []string{"*"}, CreatedByUserID: user.ID,
		Active: true,
	}
	require.NoError(t, store.CreateAPIToken(expired))
	require.NoError(t, store.CreateAPIToken(fresh))
	require.NoError(t, store.CreateAPIToken(forever))

	r, err := New(store, nil)
	require.NoError(t, err)
	r.SweepExpiredTokens()

	got, err := store.GetAPIToken(expired.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	got, err = store.GetAPIToken(fresh.ID)
	require.NoError(t, err)
	assert.True(t, got.Active)

	got, err = store.GetAPIToken(forever.ID)
	require.NoError(t, err)
	assert.True(t, got.Active)
}
