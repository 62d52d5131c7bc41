package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ValentinKolb/dSync/provider/common"
)

// IProber measures the latency of an endpoint
type IProber interface {
	// Probe returns the round trip time of a health request to endpoint
	Probe(ctx context.Context, endpoint string) (time.Duration, error)
}

// HTTPProber probes the /health route of a relay
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber creates a prober using its own http client
func NewHTTPProber() *HTTPProber {
	return &HTTPProber{client: &http.Client{}}
}

func (h *HTTPProber) Probe(ctx context.Context, endpoint string) (time.Duration, error) {
	url, err := common.HealthURL(endpoint)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("health check of %s returned %d", endpoint, resp.StatusCode)
	}
	return time.Since(start), nil
}

// probeResult is the outcome of probing one endpoint
type probeResult struct {
	endpoint string
	latency  time.Duration
	err      error
}

// --------------------------------------------------------------------------
// Public Methods
// --------------------------------------------------------------------------

// SwitchToNextServer moves to the next endpoint in round robin order and
// returns it. The provider reconnects if it was connected.
func (p *Provider) SwitchToNextServer() (string, error) {
	var next string
	err := p.do(func() {
		p.switchEndpoint((p.endpointIdx + 1) % len(p.config.Endpoints))
		next = p.endpoint()
	})
	return next, err
}

// CheckHealth probes all endpoints now, independent of the health check
// interval. The result is applied asynchronously.
func (p *Provider) CheckHealth() error {
	return p.do(p.checkHealth)
}

// Latencies returns the smoothed probe latency of every endpoint. Endpoints
// that were never reached are missing.
func (p *Provider) Latencies() map[string]time.Duration {
	out := map[string]time.Duration{}
	_ = p.do(func() {
		for ep, h := range p.latency {
			if h.Count() > 0 {
				out[ep] = time.Duration(h.Mean()) * time.Microsecond
			}
		}
	})
	return out
}

// --------------------------------------------------------------------------
// Helper Methods (run on the reactor)
// --------------------------------------------------------------------------

// idle reports whether a health check may run. Checks are skipped while a
// connection is being set up or still in its handshake.
func (p *Provider) idle() bool {
	if p.probing {
		return false
	}
	if p.status == common.StatusConnecting {
		return false
	}
	if p.status == common.StatusConnected && !p.synced {
		return false
	}
	return true
}

// checkHealth probes every endpoint concurrently and posts the results back
func (p *Provider) checkHealth() {
	if !p.idle() || len(p.config.Endpoints) < 2 {
		return
	}
	p.probing = true

	endpoints := append([]string(nil), p.config.Endpoints...)
	timeout := p.config.ProbeTimeout
	go func() {
		results := make([]probeResult, len(endpoints))
		var wg sync.WaitGroup
		for i, ep := range endpoints {
			wg.Add(1)
			go func(i int, ep string) {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), timeout)
				defer cancel()
				latency, err := p.prober.Probe(ctx, ep)
				results[i] = probeResult{endpoint: ep, latency: latency, err: err}
			}(i, ep)
		}
		wg.Wait()
		p.exec.Post(func() { p.onProbed(results) })
	}()
}

// onProbed records the latencies and switches to the fastest endpoint if it
// differs from the active one and is below the latency threshold
func (p *Provider) onProbed(results []probeResult) {
	p.probing = false
	if p.destroyed {
		return
	}

	best := -1
	var bestLatency float64
	for i, r := range results {
		if r.err != nil {
			Logger.Debugf("%s: probe of %s failed: %v", p.config.Room, r.endpoint, r.err)
			continue
		}
		h := p.latency[r.endpoint]
		h.Update(r.latency.Microseconds())

		mean := h.Mean()
		if time.Duration(mean)*time.Microsecond > p.config.LatencyThreshold {
			continue
		}
		if best == -1 || mean < bestLatency {
			best, bestLatency = i, mean
		}
	}

	if best == -1 || best == p.endpointIdx {
		return
	}
	Logger.Infof("%s: switching from %s to faster endpoint %s (%.0fµs)",
		p.config.Room, p.endpoint(), results[best].endpoint, bestLatency)
	p.switchEndpoint(best)
}

// switchEndpoint makes idx the active endpoint. A live connection is closed
// and re-established against the new endpoint.
func (p *Provider) switchEndpoint(idx int) {
	if idx == p.endpointIdx {
		return
	}
	endpointSwitches.Inc()

	wasConnected := p.status != common.StatusDisconnected || p.reconnectTimer != nil
	wasOnBus := p.member != nil

	p.cancelReconnect()
	if p.cancelDial != nil {
		p.cancelDial()
		p.cancelDial = nil
	}
	p.disconnectBus()
	p.dropSocket(nil)

	p.endpointIdx = idx

	// the bus channel is derived from the endpoint
	if wasOnBus {
		p.connectBus()
	}
	if wasConnected && p.shouldConnect {
		p.attempts = 0
		p.backoff.Reset()
		p.connectSocket()
	}
}
