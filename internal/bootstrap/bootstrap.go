// Package bootstrap owns the session's single libp2p node: host, DHT,
// and ipfs-lite peer. Bootstrapping runs in the background; the rest of
// the session starts immediately and content operations wait on Ready.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	ipfslite "github.com/hsanjuan/ipfs-lite"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/routing"

	"github.com/pxxxe/trollbox/internal/config"
	"github.com/pxxxe/trollbox/internal/debuglog"
)

const (
	p2pKeyFile = "p2p.key"

	defaultDegradeTimeout = 20 * time.Second

	// Connecting to a few bootstrap peers is enough to seed the
	// routing table; more adds startup latency for nothing.
	bootstrapConnectTarget = 3
)

func degradeTimeout() time.Duration {
	return config.EnvDuration("TROLLBOX_BOOTSTRAP_TIMEOUT_MS", defaultDegradeTimeout)
}

// Node bundles the libp2p host, its DHT, and the ipfs-lite peer built on
// top of them. One Node exists per session.
type Node struct {
	Host host.Host
	DHT  *dht.IpfsDHT
	Lite *ipfslite.Peer

	ready  chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start brings up the node and kicks off DHT bootstrapping in the
// background. dir holds the persisted libp2p identity key.
func Start(ctx context.Context, dir string) (*Node, error) {
	priv, err := loadOrGenerateKey(dir)
	if err != nil {
		return nil, fmt.Errorf("p2p identity: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)

	var idht *dht.IpfsDHT
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(
			"/ip4/0.0.0.0/tcp/0",
			"/ip4/0.0.0.0/udp/0/quic-v1",
		),
		libp2p.EnableRelay(),
		libp2p.NATPortMap(),
		libp2p.EnableHolePunching(),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			idht, err = dht.New(ctx, h, dht.Mode(dht.ModeAutoServer))
			return idht, err
		}),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("libp2p host: %w", err)
	}

	store := dssync.MutexWrap(ds.NewMapDatastore())
	lite, err := ipfslite.New(ctx, store, nil, h, idht, nil)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("ipfs-lite peer: %w", err)
	}

	n := &Node{
		Host:   h,
		DHT:    idht,
		Lite:   lite,
		ready:  make(chan struct{}),
		cancel: cancel,
	}
	n.wg.Add(1)
	go n.bootstrap(ctx)
	return n, nil
}

// bootstrap connects to the public bootstrap peers and seeds the DHT.
// Ready closes on the first successful connection, or after the degrade
// timeout: the session runs either way, relay chat does not depend on
// P2P connectivity.
func (n *Node) bootstrap(ctx context.Context) {
	defer n.wg.Done()

	var readyOnce sync.Once
	markReady := func() { readyOnce.Do(func() { close(n.ready) }) }
	defer markReady()

	timer := time.AfterFunc(degradeTimeout(), func() {
		select {
		case <-n.ready:
		default:
			debuglog.Logf("p2p bootstrap degraded: no bootstrap peer reachable yet, content fetches may fail")
			markReady()
		}
	})
	defer timer.Stop()

	connected := 0
	for _, pi := range dht.GetDefaultBootstrapPeerAddrInfos() {
		if ctx.Err() != nil {
			return
		}
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := n.Host.Connect(dialCtx, pi)
		cancel()
		if err != nil {
			debuglog.Debugf("bootstrap peer %s: %v", pi.ID, err)
			continue
		}
		connected++
		markReady()
		if connected >= bootstrapConnectTarget {
			break
		}
	}
	if connected == 0 {
		return
	}

	if err := n.DHT.Bootstrap(ctx); err != nil {
		debuglog.Logf("dht bootstrap: %v", err)
	}
	debuglog.Debugf("p2p bootstrap complete: %d peers", connected)
}

// Ready returns a channel that closes once the node is usable for
// content operations (or bootstrapping has been declared degraded).
func (n *Node) Ready() <-chan struct{} {
	return n.ready
}

// Close stops the DHT and host. In-flight content operations see their
// contexts cancelled.
func (n *Node) Close() error {
	n.cancel()
	n.wg.Wait()
	var firstErr error
	if n.DHT != nil {
		if err := n.DHT.Close(); err != nil {
			firstErr = err
		}
	}
	if err := n.Host.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// loadOrGenerateKey persists the libp2p identity across sessions so the
// node keeps its peer ID, which other participants may have recorded in
// image share metadata.
func loadOrGenerateKey(dir string) (crypto.PrivKey, error) {
	path := filepath.Join(dir, p2pKeyFile)
	if raw, err := os.ReadFile(path); err == nil {
		return crypto.UnmarshalPrivateKey(raw)
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	if err != nil {
		return nil, err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return nil, err
	}
	return priv, nil
}
