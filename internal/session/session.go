// Package session wires identity, relay pool, reconciler, and content
// store into one explicit context object. Everything a caller does goes
// through the Session; there is no package-level state.
package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/nbd-wtf/go-nostr"

	"github.com/pxxxe/trollbox/internal/bootstrap"
	"github.com/pxxxe/trollbox/internal/config"
	"github.com/pxxxe/trollbox/internal/content"
	"github.com/pxxxe/trollbox/internal/debuglog"
	"github.com/pxxxe/trollbox/internal/identity"
	"github.com/pxxxe/trollbox/internal/metrics"
	"github.com/pxxxe/trollbox/internal/proto"
	"github.com/pxxxe/trollbox/internal/reconcile"
	"github.com/pxxxe/trollbox/internal/relay"
)

// backlogWindow bounds how far back the initial subscription reaches.
// Persistent history is out of scope; this only fills the screen on join.
const backlogWindow = time.Hour

// transport is the slice of relay.Pool the session depends on.
type transport interface {
	Subscribe(ctx context.Context, filters nostr.Filters) <-chan *nostr.Event
	Publish(ctx context.Context, ev *nostr.Event) error
	Close()
}

// contentStore is the slice of content.Client the session depends on.
type contentStore interface {
	AddBytes(ctx context.Context, data []byte) (cid.Cid, error)
	AddDirectory(ctx context.Context, entries []content.Entry) (cid.Cid, error)
	GetBytes(ctx context.Context, id cid.Cid, hints content.AddrHints) ([]byte, error)
	ListDirectory(ctx context.Context, id cid.Cid) ([]content.DirEntry, error)
	LocalAddrInfo() (peerID string, addrs []string)
}

// Session is the per-run context object. One identity, one relay pool,
// one reconciler, one content node; torn down together by Close.
type Session struct {
	ID      identity.Identity
	Name    string
	DataDir string

	pool    transport
	rec     *reconcile.Reconciler
	store   contentStore
	node    *bootstrap.Node
	met     *metrics.Metrics
	channel string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts a session from persisted settings: loads or mints the
// identity, connects the relay pool, and brings up the P2P node. A P2P
// startup failure degrades content sharing but never blocks chat.
func New(ctx context.Context, cfg config.Settings, notify func()) (*Session, error) {
	id, err := identity.LoadOrGenerate(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}

	met := metrics.New()
	s := &Session{
		ID:      id,
		Name:    cfg.DisplayName,
		DataDir: cfg.DataDir,
		pool:    relay.NewPool(cfg.Relays, met),
		rec:     reconcile.New(id.PublicKey, config.Channel, met, notify),
		met:     met,
		channel: config.Channel,
	}

	node, err := bootstrap.Start(ctx, cfg.DataDir)
	if err != nil {
		debuglog.Logf("p2p start failed, file sharing disabled: %v", err)
	} else {
		s.node = node
	}
	s.store = content.New(node, met)

	s.start(ctx)
	return s, nil
}

// start subscribes to the channel across all relays and runs the single
// ingest goroutine that feeds the reconciler.
func (s *Session) start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	since := nostr.Timestamp(time.Now().Add(-backlogWindow).Unix())
	filters := nostr.Filters{{
		Kinds: []int{proto.KindChat, proto.KindReaction},
		Tags:  nostr.TagMap{proto.TagChannel: []string{s.channel}},
		Since: &since,
	}}
	events := s.pool.Subscribe(ctx, filters)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for ev := range events {
			s.ingest(ev)
		}
	}()
}

func (s *Session) ingest(ev *nostr.Event) {
	d, err := proto.Decode(ev)
	if err != nil {
		s.met.IncDropBadEnvelope()
		debuglog.Debugf("dropped event %s: %v", ev.ID, err)
		return
	}
	switch d.Kind {
	case proto.KindChat:
		s.rec.IngestChat(d)
	case proto.KindReaction:
		s.rec.IngestReaction(d)
	}
}

// sendEvent appends the signed event locally, races it to the relays,
// and confirms on the first ack. On total publish failure the message
// stays visible unconfirmed and the error surfaces to the caller.
func (s *Session) sendEvent(ctx context.Context, ev *nostr.Event) (string, error) {
	d, err := proto.Decode(ev)
	if err != nil {
		return "", err
	}
	s.rec.AppendLocal(d)
	if err := s.pool.Publish(ctx, ev); err != nil {
		return ev.ID, err
	}
	s.rec.ConfirmOwn(ev.ID)
	return ev.ID, nil
}

// SendMessage publishes a chat message, optionally as a reply. The
// returned ID is valid even on publish failure; the message simply
// remains unconfirmed.
func (s *Session) SendMessage(ctx context.Context, body, replyTo string) (string, error) {
	ev, err := proto.EncodeMessage(body, replyTo, s.channel, s.Name, s.ID)
	if err != nil {
		return "", err
	}
	return s.sendEvent(ctx, ev)
}

// ToggleReaction flips the local user's reaction and publishes the
// toggle in the background. The reconciler discards the relay echo of
// our own reaction, so local state never double-toggles.
func (s *Session) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	if _, ok := s.rec.ToggleReaction(messageID, emoji); !ok {
		return fmt.Errorf("unknown message %s", messageID)
	}
	ev, err := proto.EncodeReaction(messageID, emoji, s.channel, s.Name, s.ID)
	if err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.pool.Publish(ctx, ev); err != nil {
			debuglog.Logf("reaction publish: %v", err)
		}
	}()
	return nil
}

// ShareVault stores the entries as one directory and announces the root
// CID in a chat message.
func (s *Session) ShareVault(ctx context.Context, name string, entries []content.Entry) (string, error) {
	root, err := s.store.AddDirectory(ctx, entries)
	if err != nil {
		return "", err
	}
	var total int64
	for _, e := range entries {
		total += int64(len(e.Data))
	}
	share := proto.FileShare{Vault: &proto.VaultShare{
		DirectoryCID:   root.String(),
		DisplayName:    name,
		FileCount:      len(entries),
		TotalSizeBytes: total,
	}}
	body := fmt.Sprintf("shared vault %q (%d files)", name, len(entries))
	ev, err := proto.EncodeFileShare(body, s.channel, s.Name, share, s.ID)
	if err != nil {
		return "", err
	}
	return s.sendEvent(ctx, ev)
}

// ShareImage stores the bytes and announces the CID together with this
// node's addresses, so receivers can dial us directly before falling
// back to provider discovery.
func (s *Session) ShareImage(ctx context.Context, filename string, data []byte) (string, error) {
	id, err := s.store.AddBytes(ctx, data)
	if err != nil {
		return "", err
	}
	peerID, addrs := s.store.LocalAddrInfo()
	share := proto.FileShare{Image: &proto.ImageShare{
		CID:          id.String(),
		Filename:     filename,
		SizeBytes:    int64(len(data)),
		SenderAddrs:  addrs,
		SenderPeerID: peerID,
	}}
	body := fmt.Sprintf("shared image %q (%d bytes)", filename, len(data))
	ev, err := proto.EncodeFileShare(body, s.channel, s.Name, share, s.ID)
	if err != nil {
		return "", err
	}
	return s.sendEvent(ctx, ev)
}

// FetchImage retrieves a shared image, trying the sender's advertised
// addresses first.
func (s *Session) FetchImage(ctx context.Context, share *proto.ImageShare) ([]byte, error) {
	if share == nil {
		return nil, errors.New("no image share")
	}
	id, err := cid.Decode(share.CID)
	if err != nil {
		return nil, fmt.Errorf("%w: bad cid %q", content.ErrNotFound, share.CID)
	}
	return s.store.GetBytes(ctx, id, content.AddrHints{
		PeerID: share.SenderPeerID,
		Addrs:  share.SenderAddrs,
	})
}

// ListVault resolves a vault share to its directory entries.
func (s *Session) ListVault(ctx context.Context, share *proto.VaultShare) ([]content.DirEntry, error) {
	if share == nil {
		return nil, errors.New("no vault share")
	}
	id, err := cid.Decode(share.DirectoryCID)
	if err != nil {
		return nil, fmt.Errorf("%w: bad cid %q", content.ErrNotFound, share.DirectoryCID)
	}
	return s.store.ListDirectory(ctx, id)
}

// FetchVaultFile retrieves one file out of a listed vault.
func (s *Session) FetchVaultFile(ctx context.Context, id cid.Cid) ([]byte, error) {
	return s.store.GetBytes(ctx, id, content.AddrHints{})
}

// Messages returns the reconciled view, sorted by creation time.
func (s *Session) Messages() []reconcile.Message {
	return s.rec.Messages()
}

// Metrics returns a point-in-time counter snapshot.
func (s *Session) Metrics() metrics.Snapshot {
	return s.met.Snapshot()
}

// MetricsPath is where Close persists the final snapshot.
func MetricsPath(dataDir string) string {
	return filepath.Join(dataDir, "metrics.json")
}

// Close tears the session down: subscriptions stop, the relay pool and
// P2P node close, and a final metrics snapshot lands in the data dir.
func (s *Session) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.pool.Close()
	s.wg.Wait()

	var firstErr error
	if s.node != nil {
		if err := s.node.Close(); err != nil {
			firstErr = err
		}
	}
	if s.DataDir != "" {
		if err := s.met.WriteSnapshot(MetricsPath(s.DataDir)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
