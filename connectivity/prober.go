package connectivity

import (
	"context"
	"net/http"
	"time"
)

// Prober stands in for the platform reachability API: it probes a health
// endpoint and emits a value on out only when reachability changes.
type Prober struct {
	URL      string
	Client   *http.Client
	Interval time.Duration
	Timeout  time.Duration
}

// Probe performs one health request.
func (p *Prober) Probe(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Run probes until ctx is done. The first result is always emitted.
func (p *Prober) Run(ctx context.Context, out chan<- bool) error {
	interval := p.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	first := true
	last := false
	for {
		up := p.Probe(ctx)
		if first || up != last {
			select {
			case out <- up:
			case <-ctx.Done():
				return ctx.Err()
			}
			first = false
			last = up
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
