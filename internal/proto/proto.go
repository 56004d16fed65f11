package proto

import (
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Wire constants. These are fixed by the shared channel protocol; changing
// any of them breaks interoperability with every other participant.
const (
	KindChat     = 1
	KindReaction = 7

	TagChannel   = "t"
	TagName      = "d"
	TagEvent     = "e"
	TagFileShare = "special"
)

// ErrBadEnvelope marks events whose base envelope is invalid (unknown kind,
// broken signature, missing structural tags). Such events are dropped and
// never surfaced to the user.
var ErrBadEnvelope = errors.New("bad event envelope")

// Signer finalizes an event: assigns its canonical ID and signature.
type Signer interface {
	Sign(ev *nostr.Event) error
}

// Decoded is the validated domain form of an inbound event. Chat events
// populate ReplyTo/FileShare; reaction events populate TargetID/Emoji.
type Decoded struct {
	Kind        int
	ID          string
	Author      string
	DisplayName string
	Channel     string
	CreatedAt   int64
	Content     string

	ReplyTo   string
	FileShare *FileShare

	TargetID string
	Emoji    string
}

// EncodeMessage builds and signs a chat event. The event ID is assigned
// here, by the signing process, not by the reconciler.
func EncodeMessage(body, replyTo, channel, displayName string, signer Signer) (*nostr.Event, error) {
	tags := nostr.Tags{
		nostr.Tag{TagChannel, channel},
		nostr.Tag{TagName, displayName},
	}
	if replyTo != "" {
		tags = append(tags, nostr.Tag{TagEvent, replyTo})
	}
	ev := &nostr.Event{
		Kind:      KindChat,
		CreatedAt: nostr.Now(),
		Tags:      tags,
		Content:   body,
	}
	if err := signer.Sign(ev); err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}
	return ev, nil
}

// EncodeFileShare builds and signs a chat event carrying file-share
// metadata in the "special" tag alongside the visible body text.
func EncodeFileShare(body, channel, displayName string, share FileShare, signer Signer) (*nostr.Event, error) {
	meta, err := share.encode()
	if err != nil {
		return nil, err
	}
	ev := &nostr.Event{
		Kind:      KindChat,
		CreatedAt: nostr.Now(),
		Tags: nostr.Tags{
			nostr.Tag{TagChannel, channel},
			nostr.Tag{TagName, displayName},
			nostr.Tag{TagFileShare, meta},
		},
		Content: body,
	}
	if err := signer.Sign(ev); err != nil {
		return nil, fmt.Errorf("sign file share: %w", err)
	}
	return ev, nil
}

// EncodeReaction builds and signs a reaction event targeting a message id.
func EncodeReaction(targetID, emoji, channel, displayName string, signer Signer) (*nostr.Event, error) {
	if targetID == "" {
		return nil, errors.New("missing reaction target")
	}
	ev := &nostr.Event{
		Kind:      KindReaction,
		CreatedAt: nostr.Now(),
		Tags: nostr.Tags{
			nostr.Tag{TagEvent, targetID},
			nostr.Tag{TagChannel, channel},
			nostr.Tag{TagName, displayName},
		},
		Content: emoji,
	}
	if err := signer.Sign(ev); err != nil {
		return nil, fmt.Errorf("sign reaction: %w", err)
	}
	return ev, nil
}

// Decode validates an inbound event and maps it to the domain form.
// Only envelope-level problems fail; malformed optional file-share
// metadata degrades to a plain text message with the metadata absent.
func Decode(ev *nostr.Event) (Decoded, error) {
	if ev == nil {
		return Decoded{}, ErrBadEnvelope
	}
	if ok, err := ev.CheckSignature(); err != nil || !ok {
		return Decoded{}, fmt.Errorf("%w: signature", ErrBadEnvelope)
	}
	d := Decoded{
		Kind:      ev.Kind,
		ID:        ev.ID,
		Author:    ev.PubKey,
		CreatedAt: int64(ev.CreatedAt),
		Content:   ev.Content,
	}
	for _, tag := range ev.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case TagChannel:
			if d.Channel == "" {
				d.Channel = tag[1]
			}
		case TagName:
			if d.DisplayName == "" {
				d.DisplayName = tag[1]
			}
		}
	}
	switch ev.Kind {
	case KindChat:
		for _, tag := range ev.Tags {
			if len(tag) < 2 {
				continue
			}
			switch tag[0] {
			case TagEvent:
				if d.ReplyTo == "" {
					d.ReplyTo = tag[1]
				}
			case TagFileShare:
				if share, err := decodeFileShare(tag[1]); err == nil {
					d.FileShare = share
				}
				// On error the event stays a plain text message.
			}
		}
	case KindReaction:
		for _, tag := range ev.Tags {
			if len(tag) >= 2 && tag[0] == TagEvent {
				d.TargetID = tag[1]
				break
			}
		}
		if d.TargetID == "" {
			return Decoded{}, fmt.Errorf("%w: reaction without target", ErrBadEnvelope)
		}
		d.Emoji = ev.Content
	default:
		return Decoded{}, fmt.Errorf("%w: kind %d", ErrBadEnvelope, ev.Kind)
	}
	return d, nil
}
