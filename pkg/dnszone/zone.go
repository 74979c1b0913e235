package dnszone

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/corralhq/corral/pkg/log"
)

// Zone manages A records in a plain-text zone file. Records are appended
// during provisioning and rewritten out on deletion. All operations are
// idempotent on the (name, address) pair.
type Zone struct {
	path       string
	production bool
	mu         sync.Mutex

	// resolve is swappable for tests.
	resolve func(ctx context.Context, host string) ([]string, error)
}

// New creates a zone adapter over the file at path. In production mode
// WaitPropagation polls the resolver until the record is visible.
func New(path string, production bool) *Zone {
	return &Zone{
		path:       path,
		production: production,
		resolve: func(ctx context.Context, host string) ([]string, error) {
			var r net.Resolver
			return r.LookupHost(ctx, host)
		},
	}
}

func recordLine(name, address string) string {
	return fmt.Sprintf("%s    IN  A       %s\n", name, address)
}

// AddRecord appends an A record, unless the (name, address) pair is
// already present.
func (z *Zone) AddRecord(name, address string) error {
	z.mu.Lock()
	defer z.mu.Unlock()

	exists, err := z.hasRecord(name, address)
	if err != nil {
		return err
	}
	if exists {
		log.Debug(fmt.Sprintf("DNS record %s -> %s already present", name, address))
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(z.path), 0755); err != nil {
		return fmt.Errorf("failed to create zone directory: %w", err)
	}

	f, err := os.OpenFile(z.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open zone file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(recordLine(name, address)); err != nil {
		return fmt.Errorf("failed to append zone record: %w", err)
	}

	log.Info(fmt.Sprintf("DNS record added: %s -> %s", name, address))
	return nil
}

// RemoveRecord rewrites the zone file without lines matching name.
// No-op when the record is absent.
func (z *Zone) RemoveRecord(name string) error {
	z.mu.Lock()
	defer z.mu.Unlock()

	data, err := os.ReadFile(z.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read zone file: %w", err)
	}

	var kept []string
	removed := false
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 4 && fields[0] == name && fields[1] == "IN" && fields[2] == "A" {
			removed = true
			continue
		}
		if line != "" {
			kept = append(kept, line)
		}
	}
	if !removed {
		return nil
	}

	out := strings.Join(kept, "\n")
	if out != "" {
		out += "\n"
	}
	if err := os.WriteFile(z.path, []byte(out), 0644); err != nil {
		return fmt.Errorf("failed to rewrite zone file: %w", err)
	}

	log.Info(fmt.Sprintf("DNS record removed: %s", name))
	return nil
}

// HasRecord reports whether an A record for name (any address) exists.
func (z *Zone) HasRecord(name string) (bool, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.hasRecord(name, "")
}

func (z *Zone) hasRecord(name, address string) (bool, error) {
	data, err := os.ReadFile(z.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read zone file: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 4 && fields[0] == name && fields[1] == "IN" && fields[2] == "A" {
			if address == "" || fields[3] == address {
				return true, nil
			}
		}
	}
	return false, nil
}

// WaitPropagation blocks until the name resolves externally. Development
// mode settles for a short pause; the local resolver serves the zone file
// directly.
func (z *Zone) WaitPropagation(ctx context.Context, fqdn string) error {
	if !z.production {
		select {
		case <-time.After(500 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	deadline := time.Now().Add(2 * time.Minute)
	for {
		lookupCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		addrs, err := z.resolve(lookupCtx, fqdn)
		cancel()
		if err == nil && len(addrs) > 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for DNS propagation of %s", fqdn)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
