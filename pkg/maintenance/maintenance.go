// Package maintenance runs the scheduled background jobs: certificate
// renewal and expired-token deactivation.
package maintenance

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/security"
	"github.com/corralhq/corral/pkg/storage"
)

const renewWindow = 30 * 24 * time.Hour

// Runner owns the cron scheduler.
type Runner struct {
	cron  *cron.Cron
	store storage.Store
	certs security.CertIssuer
}

// New wires the standard job schedule: certificates daily at 03:00,
// token sweep hourly.
func New(store storage.Store, certs security.CertIssuer) (*Runner, error) {
	r := &Runner{
		cron:  cron.New(),
		store: store,
		certs: certs,
	}
	if _, err := r.cron.AddFunc("0 3 * * *", r.RenewCertificates); err != nil {
		return nil, fmt.Errorf("failed to schedule cert renewal: %w", err)
	}
	if _, err := r.cron.AddFunc("@hourly", r.SweepExpiredTokens); err != nil {
		return nil, fmt.Errorf("failed to schedule token sweep: %w", err)
	}
	return r, nil
}

// Start begins the schedule; jobs run in the cron goroutine.
func (r *Runner) Start() {
	r.cron.Start()
}

// Stop halts scheduling and waits for a running job to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}

// RenewCertificates re-issues every certificate expiring inside the
// renewal window. Per-name failures are logged and skipped.
func (r *Runner) RenewCertificates() {
	if r.certs == nil {
		return
	}
	expiring, err := r.certs.ListExpiring(renewWindow)
	if err != nil {
		log.Errorf("Failed to list expiring certificates", err)
		return
	}
	for _, fqdn := range expiring {
		if err := r.certs.Issue(fqdn); err != nil {
			log.Errorf("Failed to renew certificate for "+fqdn, err)
			continue
		}
		log.Info("Renewed certificate for " + fqdn)
	}
}

// SweepExpiredTokens deactivates tokens whose expiry has passed, so a
// later credential leak of an old plaintext stays harmless.
func (r *Runner) SweepExpiredTokens() {
	users, err := r.store.ListUsers()
	if err != nil {
		log.Errorf("Failed to list users for token sweep", err)
		return
	}
	now := time.Now()
	swept := 0
	for _, u := range users {
		tokens, err := r.store.ListAPITokensByUser(u.ID)
		if err != nil {
			log.Errorf("Failed to list tokens for user "+u.ID, err)
			continue
		}
		for _, tok := range tokens {
			if !tok.Active || !tok.Expired(now) {
				continue
			}
			tok.Active = false
			if err := r.store.UpdateAPIToken(tok); err != nil {
				log.Errorf("Failed to deactivate token "+tok.ID, err)
				continue
			}
			swept++
		}
	}
	if swept > 0 {
		log.Info(fmt.Sprintf("Deactivated %d expired tokens", swept))
	}
}
