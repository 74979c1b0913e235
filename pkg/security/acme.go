package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"github.com/corralhq/corral/pkg/log"
)

// ACMEUser implements the lego user interface for account registration.
type ACMEUser struct {
	Email        string
	Registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *ACMEUser) GetEmail() string {
	return u.Email
}

func (u *ACMEUser) GetRegistration() *registration.Resource {
	return u.Registration
}

func (u *ACMEUser) GetPrivateKey() crypto.PrivateKey {
	return u.key
}

// HTTP01Provider stores pending HTTP-01 challenges for the gateway to
// serve at /.well-known/acme-challenge/{token}.
type HTTP01Provider struct {
	mu sync.RWMutex
	// domain -> token -> keyAuth
	challenges map[string]map[string]string
}

// NewHTTP01Provider creates an empty challenge store.
func NewHTTP01Provider() *HTTP01Provider {
	return &HTTP01Provider{challenges: make(map[string]map[string]string)}
}

// Present stores a challenge for the proxy to serve.
func (p *HTTP01Provider) Present(domain, token, keyAuth string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.challenges[domain] == nil {
		p.challenges[domain] = make(map[string]string)
	}
	p.challenges[domain][token] = keyAuth

	log.Info(fmt.Sprintf("ACME: Presenting challenge for domain %s, token %s", domain, token))
	return nil
}

// CleanUp removes the challenge after verification.
func (p *HTTP01Provider) CleanUp(domain, token, keyAuth string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if domainChallenges, exists := p.challenges[domain]; exists {
		delete(domainChallenges, token)
		if len(domainChallenges) == 0 {
			delete(p.challenges, domain)
		}
	}
	return nil
}

// GetKeyAuth retrieves the key authorization for a domain and token.
func (p *HTTP01Provider) GetKeyAuth(domain, token string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if domainChallenges, exists := p.challenges[domain]; exists {
		keyAuth, ok := domainChallenges[token]
		return keyAuth, ok
	}
	return "", false
}

// ACMEIssuer obtains certificates from an ACME CA over the HTTP-01
// challenge. Issued certificates are cached on disk like self-signed ones.
type ACMEIssuer struct {
	certBase
	client   *lego.Client
	user     *ACMEUser
	provider *HTTP01Provider
	mu       sync.Mutex
}

// NewACMEIssuer registers an ACME account and returns an issuer. The
// returned provider must be wired into the gateway so challenges are
// answerable.
func NewACMEIssuer(certDir, email, caDirURL string) (*ACMEIssuer, *HTTP01Provider, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	user := &ACMEUser{
		Email: email,
		key:   privateKey,
	}

	config := lego.NewConfig(user)
	if caDirURL != "" {
		config.CADirURL = caDirURL
	}
	config.Certificate.KeyType = certcrypto.RSA2048

	client, err := lego.NewClient(config)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create lego client: %w", err)
	}

	provider := NewHTTP01Provider()
	if err := client.Challenge.SetHTTP01Provider(provider); err != nil {
		return nil, nil, fmt.Errorf("failed to set HTTP-01 provider: %w", err)
	}

	reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to register with ACME server: %w", err)
	}
	user.Registration = reg

	log.Info(fmt.Sprintf("ACME client registered with email: %s", email))

	return &ACMEIssuer{
		certBase: certBase{certDir: certDir},
		client:   client,
		user:     user,
		provider: provider,
	}, provider, nil
}

// Issue obtains a certificate for the FQDN. Cached certificates with more
// than 30 days remaining are reused.
func (a *ACMEIssuer) Issue(fqdn string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.needsIssue(fqdn) {
		log.Debug(fmt.Sprintf("Certificate for %s still valid, skipping issue", fqdn))
		return nil
	}

	log.Info(fmt.Sprintf("ACME: Requesting certificate for %s", fqdn))

	request := certificate.ObtainRequest{
		Domains: []string{fqdn},
		Bundle:  true,
	}
	certificates, err := a.client.Certificate.Obtain(request)
	if err != nil {
		return fmt.Errorf("failed to obtain certificate: %w", err)
	}

	if err := a.writePair(fqdn, certificates.Certificate, certificates.PrivateKey); err != nil {
		return err
	}

	log.Info(fmt.Sprintf("ACME: Certificate obtained for %s", fqdn))
	return nil
}
