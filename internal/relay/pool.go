// Package relay maintains connections to N untrusted relay endpoints.
// Subscriptions from every endpoint fan into one channel; publishes race
// all endpoints and succeed on the first ack.
package relay

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/pxxxe/trollbox/internal/config"
	"github.com/pxxxe/trollbox/internal/debuglog"
	"github.com/pxxxe/trollbox/internal/metrics"
)

// ErrPublishFailed reports that every endpoint failed or timed out. A
// single endpoint failure is never surfaced; only total failure is.
var ErrPublishFailed = errors.New("publish failed on all relays")

const (
	defaultPublishTimeout  = 10 * time.Second
	defaultDialTimeout     = 8 * time.Second
	defaultReconnectBase   = 1 * time.Second
	defaultReconnectCap    = 30 * time.Second
	defaultEventBufferSize = 256
)

func publishTimeout() time.Duration {
	return config.EnvDuration("TROLLBOX_PUBLISH_TIMEOUT_MS", defaultPublishTimeout)
}

func dialTimeout() time.Duration {
	return config.EnvDuration("TROLLBOX_DIAL_TIMEOUT_MS", defaultDialTimeout)
}

func reconnectCap() time.Duration {
	return config.EnvDuration("TROLLBOX_RECONNECT_CAP_MS", defaultReconnectCap)
}

func eventBufferSize() int {
	if n, ok := config.EnvInt("TROLLBOX_EVENT_BUFFER"); ok && n > 0 {
		return n
	}
	return defaultEventBufferSize
}

// conn is the slice of *nostr.Relay the pool depends on.
type conn interface {
	Publish(ctx context.Context, ev nostr.Event) error
	Events(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, error)
	Close() error
}

type relayConn struct {
	r *nostr.Relay
}

func (c *relayConn) Publish(ctx context.Context, ev nostr.Event) error {
	return c.r.Publish(ctx, ev)
}

func (c *relayConn) Events(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, error) {
	sub, err := c.r.Subscribe(ctx, filters)
	if err != nil {
		return nil, err
	}
	return sub.Events, nil
}

func (c *relayConn) Close() error {
	return c.r.Close()
}

// dial is a test hook.
var dial = func(ctx context.Context, url string) (conn, error) {
	r, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, err
	}
	return &relayConn{r: r}, nil
}

// Pool fans events in from, and races publishes out to, a fixed set of
// relay endpoints. Endpoints are untrusted and unreliable; duplicate
// delivery across them is expected and left to the reconciler.
type Pool struct {
	urls []string
	met  *metrics.Metrics

	mu    sync.Mutex
	conns map[string]conn

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool returns a pool over the given endpoint URLs. met may be nil.
func NewPool(urls []string, met *metrics.Metrics) *Pool {
	return &Pool{
		urls:  urls,
		met:   met,
		conns: make(map[string]conn),
	}
}

// Subscribe starts one maintenance goroutine per endpoint and returns a
// single channel carrying events from all of them. The channel closes
// after ctx is done (or Close is called) and all endpoint loops exit.
func (p *Pool) Subscribe(ctx context.Context, filters nostr.Filters) <-chan *nostr.Event {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	out := make(chan *nostr.Event, eventBufferSize())
	for _, url := range p.urls {
		p.wg.Add(1)
		go p.subscribeLoop(ctx, url, filters, out)
	}
	go func() {
		p.wg.Wait()
		close(out)
	}()
	return out
}

// subscribeLoop keeps one endpoint subscribed for the life of ctx,
// reconnecting with capped exponential backoff and jitter.
func (p *Pool) subscribeLoop(ctx context.Context, url string, filters nostr.Filters, out chan<- *nostr.Event) {
	defer p.wg.Done()

	backoff := defaultReconnectBase
	for ctx.Err() == nil {
		connected, err := p.serveOnce(ctx, url, filters, out)
		if err != nil {
			debuglog.RateLimitedf("relay-"+url, time.Minute, "relay %s: %v", url, err)
		}
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = defaultReconnectBase
		}

		sleep := backoff + time.Duration(rand.Int63n(int64(backoff/2)+1))
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
		backoff *= 2
		if limit := reconnectCap(); backoff > limit {
			backoff = limit
		}
	}
}

// serveOnce dials, subscribes, and pumps events until the connection or
// ctx dies. connected reports whether a subscription was established, so
// the caller can reset its backoff.
func (p *Pool) serveOnce(ctx context.Context, url string, filters nostr.Filters, out chan<- *nostr.Event) (connected bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout())
	c, err := dial(dialCtx, url)
	cancel()
	if err != nil {
		return false, err
	}
	defer c.Close()

	events, err := c.Events(ctx, filters)
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	p.conns[url] = c
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.conns, url)
		p.mu.Unlock()
	}()

	debuglog.Debugf("relay %s: subscribed", url)
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-events:
			if !ok {
				return true, errors.New("subscription closed")
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return true, nil
			}
		}
	}
}

// Publish races the event to every endpoint and returns nil as soon as
// one acks. Live subscription connections are reused; endpoints without
// one get a fresh dial. Losing attempts finish or time out on their own
// without blocking the caller.
func (p *Pool) Publish(ctx context.Context, ev *nostr.Event) error {
	if len(p.urls) == 0 {
		p.met.IncPublishFailed()
		return ErrPublishFailed
	}

	results := make(chan error, len(p.urls))
	for _, url := range p.urls {
		go func(url string) {
			results <- p.publishOne(ctx, url, ev)
		}(url)
	}

	var lastErr error
	for range p.urls {
		select {
		case <-ctx.Done():
			p.met.IncPublishFailed()
			return ctx.Err()
		case err := <-results:
			if err == nil {
				p.met.IncPublishSucceeded()
				return nil
			}
			lastErr = err
		}
	}
	p.met.IncPublishFailed()
	debuglog.Logf("publish failed on all %d relays: %v", len(p.urls), lastErr)
	return ErrPublishFailed
}

func (p *Pool) publishOne(ctx context.Context, url string, ev *nostr.Event) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout())
	defer cancel()

	p.mu.Lock()
	c := p.conns[url]
	p.mu.Unlock()

	if c == nil {
		fresh, err := dial(ctx, url)
		if err != nil {
			return err
		}
		defer fresh.Close()
		c = fresh
	}
	if err := c.Publish(ctx, *ev); err != nil {
		debuglog.Debugf("relay %s: publish: %v", url, err)
		return err
	}
	return nil
}

// Close stops the subscription loops and closes every live connection.
func (p *Pool) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	for url, c := range p.conns {
		c.Close()
		delete(p.conns, url)
	}
	p.mu.Unlock()
}
