package security

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipherFromPassword("portal-secret")
	require.NoError(t, err)

	ct, err := c.Encrypt([]byte("client-secret-value"))
	require.NoError(t, err)
	assert.NotEqual(t, []byte("client-secret-value"), ct)

	pt, err := c.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("client-secret-value"), pt)
}

func TestCipherWrongKey(t *testing.T) {
	c1, err := NewCipherFromPassword("one")
	require.NoError(t, err)
	c2, err := NewCipherFromPassword("two")
	require.NoError(t, err)

	ct, err := c1.Encrypt([]byte("data"))
	require.NoError(t, err)

	_, err = c2.Decrypt(ct)
	assert.Error(t, err)
}

func TestCipherRejectsShortKey(t *testing.T) {
	_, err := NewCipher([]byte("short"))
	assert.Error(t, err)
}

func TestGenerateWebhookSecret(t *testing.T) {
	s1, err := GenerateWebhookSecret()
	require.NoError(t, err)
	s2, err := GenerateWebhookSecret()
	require.NoError(t, err)

	assert.Len(t, s1, 64)
	assert.NotEqual(t, s1, s2)
}

func TestGenerateTokenSecret(t *testing.T) {
	token, hash, err := GenerateTokenSecret()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(token, "pk_"))
	assert.Equal(t, HashToken(token), hash)
}

func TestVerifyWebhookSignature(t *testing.T) {
	secret := "0123456789abcdef"
	body := []byte(`{"event":"card.moved"}`)
	header := "sha256=" + SignWebhookBody(secret, body)

	assert.True(t, VerifyWebhookSignature(secret, header, body))
	assert.False(t, VerifyWebhookSignature(secret, header, []byte(`{"event":"tampered"}`)))
	assert.False(t, VerifyWebhookSignature("wrong", header, body))
	assert.False(t, VerifyWebhookSignature(secret, "md5=abc", body))
	assert.False(t, VerifyWebhookSignature(secret, "", body))
}

func TestSelfSignedIssuer(t *testing.T) {
	issuer := NewSelfSignedIssuer(t.TempDir())

	require.NoError(t, issuer.Issue("acme.example.com"))
	assert.True(t, issuer.Exists("acme.example.com"))

	cert, err := issuer.loadLeaf("acme.example.com")
	require.NoError(t, err)
	assert.Contains(t, cert.DNSNames, "acme.example.com")
	assert.True(t, cert.NotAfter.After(time.Now().Add(300*24*time.Hour)))

	// Re-issue is a no-op while the cert stays valid.
	require.NoError(t, issuer.Issue("acme.example.com"))

	expiring, err := issuer.ListExpiring(30 * 24 * time.Hour)
	require.NoError(t, err)
	assert.Empty(t, expiring)

	expiring, err = issuer.ListExpiring(400 * 24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme.example.com"}, expiring)

	require.NoError(t, issuer.Revoke("acme.example.com"))
	assert.False(t, issuer.Exists("acme.example.com"))
	require.NoError(t, issuer.Revoke("acme.example.com"))
}
