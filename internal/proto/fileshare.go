package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	shareTypeVault = "vault"
	shareTypeImage = "image"
)

// FileShare is the metadata attached to a chat event that shares content.
// Exactly one variant is set; the wire form carries an explicit type
// discriminator rather than relying on field shape.
type FileShare struct {
	Vault *VaultShare
	Image *ImageShare
}

// VaultShare announces a directory tree of files under one root identifier.
type VaultShare struct {
	DirectoryCID   string `json:"cid"`
	DisplayName    string `json:"name"`
	FileCount      int    `json:"file_count"`
	TotalSizeBytes int64  `json:"total_size"`
}

// ImageShare announces a single file plus the sender's reachable addresses
// so receivers can try a direct dial before provider discovery.
type ImageShare struct {
	CID          string   `json:"cid"`
	Filename     string   `json:"filename"`
	SizeBytes    int64    `json:"size"`
	SenderAddrs  []string `json:"sender_addrs,omitempty"`
	SenderPeerID string   `json:"sender_peer_id,omitempty"`
}

type fileShareWire struct {
	Type         string   `json:"type"`
	CID          string   `json:"cid"`
	Name         string   `json:"name,omitempty"`
	FileCount    int      `json:"file_count,omitempty"`
	TotalSize    int64    `json:"total_size,omitempty"`
	Filename     string   `json:"filename,omitempty"`
	Size         int64    `json:"size,omitempty"`
	SenderAddrs  []string `json:"sender_addrs,omitempty"`
	SenderPeerID string   `json:"sender_peer_id,omitempty"`
}

func (fs FileShare) encode() (string, error) {
	var w fileShareWire
	switch {
	case fs.Vault != nil && fs.Image == nil:
		w.Type = shareTypeVault
		w.CID = fs.Vault.DirectoryCID
		w.Name = fs.Vault.DisplayName
		w.FileCount = fs.Vault.FileCount
		w.TotalSize = fs.Vault.TotalSizeBytes
	case fs.Image != nil && fs.Vault == nil:
		w.Type = shareTypeImage
		w.CID = fs.Image.CID
		w.Filename = fs.Image.Filename
		w.Size = fs.Image.SizeBytes
		w.SenderAddrs = fs.Image.SenderAddrs
		w.SenderPeerID = fs.Image.SenderPeerID
	default:
		return "", errors.New("file share must carry exactly one variant")
	}
	data, err := json.Marshal(w)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeFileShare(raw string) (*FileShare, error) {
	var w fileShareWire
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, err
	}
	if w.CID == "" {
		return nil, errors.New("file share missing cid")
	}
	switch w.Type {
	case shareTypeVault:
		return &FileShare{Vault: &VaultShare{
			DirectoryCID:   w.CID,
			DisplayName:    w.Name,
			FileCount:      w.FileCount,
			TotalSizeBytes: w.TotalSize,
		}}, nil
	case shareTypeImage:
		return &FileShare{Image: &ImageShare{
			CID:          w.CID,
			Filename:     w.Filename,
			SizeBytes:    w.Size,
			SenderAddrs:  w.SenderAddrs,
			SenderPeerID: w.SenderPeerID,
		}}, nil
	default:
		return nil, fmt.Errorf("unknown share type %q", w.Type)
	}
}
