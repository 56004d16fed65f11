package content

import (
	"bytes"
	"context"
	"fmt"
	"io"

	ipfslite "github.com/hsanjuan/ipfs-lite"
	"github.com/ipfs/boxo/ipld/merkledag"
	"github.com/ipfs/boxo/ipld/unixfs"
	uio "github.com/ipfs/boxo/ipld/unixfs/io"
	"github.com/ipfs/go-cid"
	format "github.com/ipfs/go-ipld-format"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
)

// liteStore backs dagStore with an ipfs-lite peer.
type liteStore struct {
	lite *ipfslite.Peer
}

func (s *liteStore) addFile(ctx context.Context, data []byte) (cid.Cid, error) {
	nd, err := s.lite.AddFile(ctx, bytes.NewReader(data), nil)
	if err != nil {
		return cid.Undef, err
	}
	return nd.Cid(), nil
}

func (s *liteStore) getFile(ctx context.Context, c cid.Cid) ([]byte, error) {
	rd, err := s.lite.GetFile(ctx, c)
	if err != nil {
		return nil, mapNotFound(err)
	}
	defer rd.Close()
	return io.ReadAll(rd)
}

// addDirectory wraps every entry as a child of a single unixfs directory
// node and stores that node. The root CID is the shareable handle.
func (s *liteStore) addDirectory(ctx context.Context, entries []Entry) (cid.Cid, error) {
	dir := uio.NewDirectory(s.lite)
	dir.SetCidBuilder(merkledag.V1CidPrefix())
	for _, e := range entries {
		nd, err := s.lite.AddFile(ctx, bytes.NewReader(e.Data), nil)
		if err != nil {
			return cid.Undef, fmt.Errorf("entry %s: %w", e.Name, err)
		}
		if err := dir.AddChild(ctx, e.Name, nd); err != nil {
			return cid.Undef, fmt.Errorf("entry %s: %w", e.Name, err)
		}
	}
	root, err := dir.GetNode()
	if err != nil {
		return cid.Undef, err
	}
	if err := s.lite.Add(ctx, root); err != nil {
		return cid.Undef, err
	}
	return root.Cid(), nil
}

func (s *liteStore) listDirectory(ctx context.Context, c cid.Cid) ([]DirEntry, error) {
	nd, err := s.lite.Get(ctx, c)
	if err != nil {
		return nil, mapNotFound(err)
	}
	dir, err := uio.NewDirectoryFromNode(s.lite, nd)
	if err != nil {
		// The CID resolved but is not a directory.
		return nil, fmt.Errorf("%w: %s is not a directory", ErrNotFound, c)
	}

	var entries []DirEntry
	err = dir.ForEachLink(ctx, func(l *format.Link) error {
		entries = append(entries, DirEntry{
			Name: l.Name,
			CID:  l.Cid,
			Kind: s.childKind(ctx, l.Cid),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// childKind inspects a child node's unixfs type. Unresolvable or
// non-protobuf children report as files; raw leaves are always files.
func (s *liteStore) childKind(ctx context.Context, c cid.Cid) Kind {
	if c.Prefix().Codec == cid.Raw {
		return KindFile
	}
	nd, err := s.lite.Get(ctx, c)
	if err != nil {
		return KindFile
	}
	pn, ok := nd.(*merkledag.ProtoNode)
	if !ok {
		return KindFile
	}
	fsn, err := unixfs.FSNodeFromBytes(pn.Data())
	if err != nil {
		return KindFile
	}
	if fsn.Type() == unixfs.TDirectory || fsn.Type() == unixfs.THAMTShard {
		return KindDirectory
	}
	return KindFile
}

func mapNotFound(err error) error {
	if format.IsNotFound(err) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

// hostDialer backs dialer with the session's libp2p host.
type hostDialer struct {
	h host.Host
}

func (d *hostDialer) Connect(ctx context.Context, pi peer.AddrInfo) error {
	return d.h.Connect(ctx, pi)
}

func (d *hostDialer) LocalAddrInfo() (string, []string) {
	addrs := make([]string, 0, len(d.h.Addrs()))
	for _, a := range d.h.Addrs() {
		addrs = append(addrs, a.String())
	}
	return d.h.ID().String(), addrs
}
