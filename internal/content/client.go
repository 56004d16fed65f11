// Package content exposes add/get/list over the content-addressed block
// store. Fetches for shared images try the sender's advertised addresses
// first and fall back to DHT provider discovery.
package content

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/pxxxe/trollbox/internal/bootstrap"
	"github.com/pxxxe/trollbox/internal/config"
	"github.com/pxxxe/trollbox/internal/debuglog"
	"github.com/pxxxe/trollbox/internal/metrics"
)

var (
	// ErrUnavailable reports that the content store is not running,
	// typically because the P2P node failed to start.
	ErrUnavailable = errors.New("content store unavailable")

	// ErrFetchTimeout reports that no provider produced the content
	// within the fetch window.
	ErrFetchTimeout = errors.New("content fetch timed out")

	// ErrNotFound reports content that does not resolve: an unknown
	// CID, or a directory listing of a non-directory.
	ErrNotFound = errors.New("content not found")
)

const (
	defaultFetchTimeout      = 60 * time.Second
	defaultDirectDialTimeout = 5 * time.Second
)

func fetchTimeout() time.Duration {
	return config.EnvDuration("TROLLBOX_FETCH_TIMEOUT_MS", defaultFetchTimeout)
}

func directDialTimeout() time.Duration {
	return config.EnvDuration("TROLLBOX_DIRECT_DIAL_TIMEOUT_MS", defaultDirectDialTimeout)
}

// Entry is one file going into a shared directory.
type Entry struct {
	Name string
	Data []byte
}

// DirEntry is one child of a listed directory.
type DirEntry struct {
	Name string
	CID  cid.Cid
	Kind Kind
}

type Kind string

const (
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
)

// AddrHints carries the sender's self-reported location from an image
// share. Both fields may be empty; the fetch then goes straight to
// provider discovery.
type AddrHints struct {
	PeerID string
	Addrs  []string
}

// dagStore is the DAG surface the client depends on; liteStore backs it
// with ipfs-lite in production.
type dagStore interface {
	addFile(ctx context.Context, data []byte) (cid.Cid, error)
	getFile(ctx context.Context, c cid.Cid) ([]byte, error)
	addDirectory(ctx context.Context, entries []Entry) (cid.Cid, error)
	listDirectory(ctx context.Context, c cid.Cid) ([]DirEntry, error)
}

// dialer is the slice of host.Host the client uses for direct dials.
type dialer interface {
	Connect(ctx context.Context, pi peer.AddrInfo) error
	LocalAddrInfo() (string, []string)
}

// provider announces stored content on the DHT.
type provider interface {
	Provide(ctx context.Context, c cid.Cid, announce bool) error
}

// Client coordinates the content store. All operations wait for the
// bootstrap node to become ready rather than failing immediately.
type Client struct {
	store dagStore
	dial  dialer
	prov  provider
	ready <-chan struct{}
	met   *metrics.Metrics
}

// New returns a client over a started bootstrap node. met may be nil.
func New(n *bootstrap.Node, met *metrics.Metrics) *Client {
	if n == nil {
		return &Client{met: met}
	}
	return &Client{
		store: &liteStore{lite: n.Lite},
		dial:  &hostDialer{h: n.Host},
		prov:  n.DHT,
		ready: n.Ready(),
		met:   met,
	}
}

// awaitReady blocks until the node is usable or ctx ends.
func (c *Client) awaitReady(ctx context.Context) error {
	if c.store == nil {
		return ErrUnavailable
	}
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	}
}

// AddBytes stores data and announces this node as a provider. The
// announcement is best effort; local storage succeeding is what matters.
func (c *Client) AddBytes(ctx context.Context, data []byte) (cid.Cid, error) {
	if err := c.awaitReady(ctx); err != nil {
		return cid.Undef, err
	}
	id, err := c.store.addFile(ctx, data)
	if err != nil {
		return cid.Undef, fmt.Errorf("add bytes: %w", err)
	}
	c.met.AddBytesAdded(uint64(len(data)))
	c.provide(ctx, id)
	return id, nil
}

// AddDirectory stores every entry under one directory node and returns
// the root CID. Sharing the root is what lets receivers list and fetch
// individual files.
func (c *Client) AddDirectory(ctx context.Context, entries []Entry) (cid.Cid, error) {
	if err := c.awaitReady(ctx); err != nil {
		return cid.Undef, err
	}
	if len(entries) == 0 {
		return cid.Undef, errors.New("empty directory")
	}
	root, err := c.store.addDirectory(ctx, entries)
	if err != nil {
		return cid.Undef, fmt.Errorf("add directory: %w", err)
	}
	for _, e := range entries {
		c.met.AddBytesAdded(uint64(len(e.Data)))
	}
	c.provide(ctx, root)
	return root, nil
}

func (c *Client) provide(ctx context.Context, id cid.Cid) {
	if c.prov == nil {
		return
	}
	if err := c.prov.Provide(ctx, id, true); err != nil {
		debuglog.Debugf("provide %s: %v", id, err)
	}
}

// GetBytes fetches content. Hint addresses are dialed in order with a
// bounded timeout each, stopping at the first success; the block fetch
// itself falls back to DHT provider discovery when no hint worked.
func (c *Client) GetBytes(ctx context.Context, id cid.Cid, hints AddrHints) ([]byte, error) {
	if err := c.awaitReady(ctx); err != nil {
		return nil, err
	}

	if c.dialHints(ctx, hints) {
		c.met.IncFetchDirect()
	} else {
		c.met.IncFetchFallback()
	}

	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout())
	defer cancel()

	data, err := c.store.getFile(fetchCtx, id)
	if err != nil {
		c.met.IncFetchFailed()
		if fetchCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %s", ErrFetchTimeout, id)
		}
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return data, nil
}

// dialHints tries the sender's advertised addresses one at a time and
// reports whether any dial succeeded. A successful dial makes bitswap
// pull directly from the sender instead of waiting on DHT lookups.
func (c *Client) dialHints(ctx context.Context, hints AddrHints) bool {
	if c.dial == nil || hints.PeerID == "" || len(hints.Addrs) == 0 {
		return false
	}
	pid, err := peer.Decode(hints.PeerID)
	if err != nil {
		debuglog.Debugf("bad peer id hint %q: %v", hints.PeerID, err)
		return false
	}
	for _, raw := range hints.Addrs {
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			debuglog.Debugf("bad addr hint %q: %v", raw, err)
			continue
		}
		dialCtx, cancel := context.WithTimeout(ctx, directDialTimeout())
		err = c.dial.Connect(dialCtx, peer.AddrInfo{ID: pid, Addrs: []ma.Multiaddr{addr}})
		cancel()
		if err == nil {
			return true
		}
		debuglog.Debugf("direct dial %s via %s: %v", pid, raw, err)
	}
	return false
}

// ListDirectory resolves a directory CID to its children. A CID that
// resolves to a plain file reports ErrNotFound.
func (c *Client) ListDirectory(ctx context.Context, id cid.Cid) ([]DirEntry, error) {
	if err := c.awaitReady(ctx); err != nil {
		return nil, err
	}
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout())
	defer cancel()

	entries, err := c.store.listDirectory(fetchCtx, id)
	if err != nil {
		if fetchCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %s", ErrFetchTimeout, id)
		}
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("list %s: %w", id, err)
	}
	return entries, nil
}

// LocalAddrInfo reports this node's peer ID and listen addresses for
// embedding in outgoing image shares.
func (c *Client) LocalAddrInfo() (peerID string, addrs []string) {
	if c.dial == nil {
		return "", nil
	}
	return c.dial.LocalAddrInfo()
}
