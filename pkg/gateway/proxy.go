package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/corralhq/corral/pkg/broker"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/metrics"
	"github.com/corralhq/corral/pkg/types"
)

const (
	defaultRateLimit = rate.Limit(50)
	defaultRateBurst = 100

	dialTimeout       = 5 * time.Second
	autoStartPoll     = 2 * time.Second
	autoStartDeadline = 60 * time.Second
)

// dialError marks a transport failure that happened before the backend
// accepted the connection, so it maps to 503 rather than 504.
type dialError struct {
	err error
}

func (e *dialError) Error() string { return e.err.Error() }
func (e *dialError) Unwrap() error { return e.err }

// tenantProxy forwards requests verbatim to tenant api containers.
type tenantProxy struct {
	client *http.Client
}

func newTenantProxy(timeout time.Duration) *tenantProxy {
	dialer := &net.Dialer{Timeout: dialTimeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, &dialError{err: err}
			}
			return conn, nil
		},
		ResponseHeaderTimeout: timeout,
		MaxIdleConnsPerHost:   16,
	}
	return &tenantProxy{client: &http.Client{Transport: transport}}
}

// forward replays the request against the tenant backend and copies the
// response through. The original Authorization header passes untouched.
func (p *tenantProxy) forward(w http.ResponseWriter, r *http.Request, backend string) {
	url := "http://" + backend + r.URL.RequestURI()
	req, err := http.NewRequestWithContext(r.Context(), r.Method, url, r.Body)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to build upstream request")
		return
	}
	req.Header = r.Header.Clone()

	resp, err := p.client.Do(req)
	if err != nil {
		status := classifyProxyError(err)
		metrics.ProxyRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
		writeDetail(w, status, "tenant backend error: "+err.Error())
		return
	}
	defer resp.Body.Close()

	metrics.ProxyRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// classifyProxyError maps transport failures: connection failures to 503,
// read timeouts to 504, everything else to 500.
func classifyProxyError(err error) int {
	var de *dialError
	if errors.As(err, &de) {
		return http.StatusServiceUnavailable
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// ipLimiter rate-limits tenant traffic per client address.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newIPLimiter(limit rate.Limit, burst int) *ipLimiter {
	return &ipLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// tenantSlug extracts the tenant from "{slug}.{domain}" hosts.
func (g *Gateway) tenantSlug(host string) (string, bool) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	suffix := "." + g.cfg.Domain
	if !strings.HasSuffix(host, suffix) {
		return "", false
	}
	slug := strings.TrimSuffix(host, suffix)
	if slug == "" || strings.Contains(slug, ".") {
		return "", false
	}
	return slug, true
}

// handleTenantRequest is the auto-start proxy: suspended tenants are
// resumed on demand, then the request is forwarded.
func (g *Gateway) handleTenantRequest(w http.ResponseWriter, r *http.Request) {
	slug, ok := g.tenantSlug(r.Host)
	if !ok {
		writeDetail(w, http.StatusNotFound, "unknown route")
		return
	}
	if !g.limiter.allow(r.RemoteAddr) {
		writeDetail(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	team, err := g.Store.GetTeamBySlug(slug)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if team.Status == types.StatusSuspended {
		if err := g.resumeTeam(r.Context(), team); err != nil {
			writeDetail(w, http.StatusServiceUnavailable, "tenant "+slug+" is unavailable: "+err.Error())
			return
		}
	} else if team.Status != types.StatusActive {
		writeDetail(w, http.StatusServiceUnavailable, "tenant "+slug+" is "+string(team.Status))
		return
	}

	g.proxy.forward(w, r, g.backendAddr(slug))
}

// resumeTeam enqueues team.start and polls the store until the tenant is
// active or the deadline lapses.
func (g *Gateway) resumeTeam(ctx context.Context, team *types.Team) error {
	log.Info("Resuming suspended tenant " + team.Slug)
	metrics.AutoStartsTotal.Inc()

	if _, err := g.Broker.Enqueue(ctx, broker.QueueProvisioning, types.TaskTeamStart,
		types.TeamTaskPayload{TeamID: team.ID}, "", types.PriorityNormal); err != nil {
		return err
	}

	deadline := time.Now().Add(g.autoStartWait)
	ticker := time.NewTicker(g.autoStartPoll)
	defer ticker.Stop()
	for {
		current, err := g.Store.GetTeam(team.ID)
		if err == nil && current.Status == types.StatusActive {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("did not become active in time")
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
