package content

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ipfs/boxo/ipld/merkledag"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
)

// fakeStore keeps DAG content in maps; CIDs are real, computed from the
// stored bytes.
type fakeStore struct {
	files map[cid.Cid][]byte
	dirs  map[cid.Cid][]DirEntry
	block chan struct{} // when set, getFile waits on it or ctx
	calls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		files: make(map[cid.Cid][]byte),
		dirs:  make(map[cid.Cid][]DirEntry),
	}
}

func cidFor(data []byte) cid.Cid {
	return merkledag.NodeWithData(data).Cid()
}

func (s *fakeStore) addFile(ctx context.Context, data []byte) (cid.Cid, error) {
	id := cidFor(data)
	s.files[id] = data
	return id, nil
}

func (s *fakeStore) getFile(ctx context.Context, c cid.Cid) ([]byte, error) {
	s.calls++
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	data, ok := s.files[c]
	if !ok {
		return nil, errors.New("fake: block not in store")
	}
	return data, nil
}

func (s *fakeStore) addDirectory(ctx context.Context, entries []Entry) (cid.Cid, error) {
	var children []DirEntry
	var all []byte
	for _, e := range entries {
		id, _ := s.addFile(ctx, e.Data)
		children = append(children, DirEntry{Name: e.Name, CID: id, Kind: KindFile})
		all = append(all, e.Data...)
	}
	root := cidFor(append([]byte("dir:"), all...))
	s.dirs[root] = children
	return root, nil
}

func (s *fakeStore) listDirectory(ctx context.Context, c cid.Cid) ([]DirEntry, error) {
	if entries, ok := s.dirs[c]; ok {
		return entries, nil
	}
	return nil, ErrNotFound
}

type fakeDialer struct {
	dialed  []string
	failSet map[string]bool
}

func (d *fakeDialer) Connect(ctx context.Context, pi peer.AddrInfo) error {
	addr := pi.Addrs[0].String()
	d.dialed = append(d.dialed, addr)
	if d.failSet[addr] {
		return errors.New("dial refused")
	}
	return nil
}

func (d *fakeDialer) LocalAddrInfo() (string, []string) {
	return "12D3KooWLocal", []string{"/ip4/127.0.0.1/tcp/4001"}
}

type fakeProvider struct {
	provided []cid.Cid
}

func (p *fakeProvider) Provide(ctx context.Context, c cid.Cid, announce bool) error {
	p.provided = append(p.provided, c)
	return nil
}

func readyClient(store dagStore, dial dialer, prov provider) *Client {
	ready := make(chan struct{})
	close(ready)
	return &Client{store: store, dial: dial, prov: prov, ready: ready}
}

const testPeerID = "QmNnooDu7bfjPFoTZYxMNLWUQJyrVwtbZg5gBMjTezGAJN"

func TestAddGetRoundTrip(t *testing.T) {
	store := newFakeStore()
	prov := &fakeProvider{}
	c := readyClient(store, nil, prov)

	data := []byte("a small shared image")
	id, err := c.AddBytes(context.Background(), data)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(prov.provided) != 1 || !prov.provided[0].Equals(id) {
		t.Fatalf("provided %v, want [%s]", prov.provided, id)
	}

	got, err := c.GetBytes(context.Background(), id, AddrHints{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestAddDirectoryReturnsRoot(t *testing.T) {
	store := newFakeStore()
	c := readyClient(store, nil, nil)

	root, err := c.AddDirectory(context.Background(), []Entry{
		{Name: "a.txt", Data: []byte("aaa")},
		{Name: "b.txt", Data: []byte("bbb")},
	})
	if err != nil {
		t.Fatalf("add directory: %v", err)
	}

	entries, err := c.ListDirectory(context.Background(), root)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 || entries[0].Name != "a.txt" || entries[1].Name != "b.txt" {
		t.Fatalf("entries %+v", entries)
	}

	// Each child fetches independently through the same root.
	got, err := c.GetBytes(context.Background(), entries[1].CID, AddrHints{})
	if err != nil || string(got) != "bbb" {
		t.Fatalf("child fetch: %q, %v", got, err)
	}
}

func TestAddDirectoryEmpty(t *testing.T) {
	c := readyClient(newFakeStore(), nil, nil)
	if _, err := c.AddDirectory(context.Background(), nil); err == nil {
		t.Fatal("empty directory accepted")
	}
}

func TestGetBytesDialsHintsInOrder(t *testing.T) {
	store := newFakeStore()
	id, _ := store.addFile(context.Background(), []byte("payload"))
	dial := &fakeDialer{failSet: map[string]bool{"/ip4/10.0.0.1/tcp/4001": true}}
	c := readyClient(store, dial, nil)

	hints := AddrHints{
		PeerID: testPeerID,
		Addrs:  []string{"/ip4/10.0.0.1/tcp/4001", "/ip4/10.0.0.2/tcp/4001", "/ip4/10.0.0.3/tcp/4001"},
	}
	if _, err := c.GetBytes(context.Background(), id, hints); err != nil {
		t.Fatalf("get: %v", err)
	}

	// First hint fails, second succeeds, third is never tried.
	want := []string{"/ip4/10.0.0.1/tcp/4001", "/ip4/10.0.0.2/tcp/4001"}
	if len(dial.dialed) != len(want) {
		t.Fatalf("dialed %v, want %v", dial.dialed, want)
	}
	for i := range want {
		if dial.dialed[i] != want[i] {
			t.Fatalf("dial %d: %s, want %s", i, dial.dialed[i], want[i])
		}
	}
}

func TestGetBytesFallsBackWhenAllHintsFail(t *testing.T) {
	store := newFakeStore()
	id, _ := store.addFile(context.Background(), []byte("payload"))
	dial := &fakeDialer{failSet: map[string]bool{
		"/ip4/10.0.0.1/tcp/4001": true,
		"/ip4/10.0.0.2/tcp/4001": true,
	}}
	c := readyClient(store, dial, nil)

	hints := AddrHints{PeerID: testPeerID, Addrs: []string{"/ip4/10.0.0.1/tcp/4001", "/ip4/10.0.0.2/tcp/4001"}}
	got, err := c.GetBytes(context.Background(), id, hints)
	if err != nil {
		t.Fatalf("fallback fetch failed: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("got %q", got)
	}
	if store.calls != 1 {
		t.Fatalf("getFile called %d times, want 1", store.calls)
	}
}

func TestGetBytesBadHintsIgnored(t *testing.T) {
	store := newFakeStore()
	id, _ := store.addFile(context.Background(), []byte("payload"))
	dial := &fakeDialer{}
	c := readyClient(store, dial, nil)

	hints := AddrHints{PeerID: "not-a-peer-id", Addrs: []string{"/ip4/10.0.0.1/tcp/4001"}}
	if _, err := c.GetBytes(context.Background(), id, hints); err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(dial.dialed) != 0 {
		t.Fatalf("dialed with an invalid peer id: %v", dial.dialed)
	}
}

func TestGetBytesTimeout(t *testing.T) {
	t.Setenv("TROLLBOX_FETCH_TIMEOUT_MS", "50")
	store := newFakeStore()
	store.block = make(chan struct{}) // never closed
	id := cidFor([]byte("never arrives"))
	c := readyClient(store, nil, nil)

	_, err := c.GetBytes(context.Background(), id, AddrHints{})
	if !errors.Is(err, ErrFetchTimeout) {
		t.Fatalf("got %v, want ErrFetchTimeout", err)
	}
}

func TestListDirectoryOnFile(t *testing.T) {
	store := newFakeStore()
	id, _ := store.addFile(context.Background(), []byte("just a file"))
	c := readyClient(store, nil, nil)

	if _, err := c.ListDirectory(context.Background(), id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestUnavailableWithoutNode(t *testing.T) {
	c := New(nil, nil)
	if _, err := c.AddBytes(context.Background(), []byte("x")); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
}

func TestWaitsForReadiness(t *testing.T) {
	store := newFakeStore()
	ready := make(chan struct{})
	c := &Client{store: store, ready: ready}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.AddBytes(ctx, []byte("x")); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable on unready node", err)
	}

	// Once ready, the same call goes through.
	close(ready)
	if _, err := c.AddBytes(context.Background(), []byte("x")); err != nil {
		t.Fatalf("add after ready: %v", err)
	}
}
