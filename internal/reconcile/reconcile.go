// Package reconcile merges events arriving from any number of relays into
// one consistent session view: a deduplicated message list with reply
// links and per-emoji reaction sets.
package reconcile

import (
	"sort"
	"sync"

	"github.com/pxxxe/trollbox/internal/debuglog"
	"github.com/pxxxe/trollbox/internal/metrics"
	"github.com/pxxxe/trollbox/internal/proto"
)

// dedupeWindowSeconds is the span within which a repeated body is
// treated as a relay duplicate, regardless of author. Strictly
// less-than: a repeat exactly at the boundary is a new message.
const dedupeWindowSeconds = 5

// Reaction is one emoji applied to a message by one or more reactors.
// Reactors keeps arrival order and holds each pubkey at most once.
type Reaction struct {
	Emoji    string
	Reactors []string
}

// Message is a reconciled chat entry. Confirmed reports whether at least
// one relay acked a locally-sent message; inbound messages are always
// confirmed.
type Message struct {
	ID          string
	Author      string
	DisplayName string
	Body        string
	CreatedAt   int64
	ReplyTo     string
	FileShare   *proto.FileShare
	IsOwn       bool
	Confirmed   bool
	Reactions   []Reaction
}

// Reconciler owns the session's message state. Every mutation happens
// under one mutex; callers are the ingest goroutine and local user
// actions.
type Reconciler struct {
	selfPubKey string
	channel    string
	met        *metrics.Metrics
	notify     func()

	mu       sync.Mutex
	messages []*Message
	byID     map[string]*Message
	seenAt   map[string][]int64 // body -> every accepted created_at
}

// New returns a reconciler for one channel. notify is invoked after
// every state change and may be nil. met may be nil.
func New(selfPubKey, channel string, met *metrics.Metrics, notify func()) *Reconciler {
	return &Reconciler{
		selfPubKey: selfPubKey,
		channel:    channel,
		met:        met,
		notify:     notify,
		byID:       make(map[string]*Message),
		seenAt:     make(map[string][]int64),
	}
}

func (r *Reconciler) changed() {
	if r.notify != nil {
		r.notify()
	}
}

// nearDuplicate reports whether any existing message carries the same
// body within the window. Events arrive in any order, so every accepted
// timestamp is checked, not just the newest. Caller holds the mutex.
func (r *Reconciler) nearDuplicate(body string, createdAt int64) bool {
	for _, ts := range r.seenAt[body] {
		delta := createdAt - ts
		if delta < 0 {
			delta = -delta
		}
		if delta < dedupeWindowSeconds {
			return true
		}
	}
	return false
}

// IngestChat applies an inbound chat event. Events for other channels,
// already-known event IDs, and near-time duplicates of the same body
// are dropped.
func (r *Reconciler) IngestChat(d proto.Decoded) {
	r.met.IncEventsReceived()
	if d.Channel != r.channel {
		r.met.IncDropChannel()
		return
	}

	r.mu.Lock()
	if _, ok := r.byID[d.ID]; ok {
		r.mu.Unlock()
		r.met.IncDropDuplicate()
		return
	}
	if r.nearDuplicate(d.Content, d.CreatedAt) {
		r.mu.Unlock()
		r.met.IncDropDuplicate()
		debuglog.Debugf("reconcile: dropped duplicate body at t=%d", d.CreatedAt)
		return
	}
	r.seenAt[d.Content] = append(r.seenAt[d.Content], d.CreatedAt)

	msg := &Message{
		ID:          d.ID,
		Author:      d.Author,
		DisplayName: d.DisplayName,
		Body:        d.Content,
		CreatedAt:   d.CreatedAt,
		ReplyTo:     d.ReplyTo,
		FileShare:   d.FileShare,
		IsOwn:       d.Author == r.selfPubKey,
		Confirmed:   true,
	}
	r.messages = append(r.messages, msg)
	r.byID[msg.ID] = msg
	r.mu.Unlock()

	r.changed()
}

// IngestReaction applies an inbound reaction event. Self-authored
// reactions are ignored: the local toggle already applied them, and the
// relay echo must not re-toggle. Unknown targets are dropped silently.
func (r *Reconciler) IngestReaction(d proto.Decoded) {
	r.met.IncEventsReceived()
	if d.Author == r.selfPubKey {
		r.met.IncReactionsDropped()
		return
	}
	if d.Channel != r.channel {
		r.met.IncDropChannel()
		return
	}

	r.mu.Lock()
	msg, ok := r.byID[d.TargetID]
	if !ok {
		r.mu.Unlock()
		r.met.IncReactionsDropped()
		debuglog.Debugf("reconcile: reaction for unknown message %s", d.TargetID)
		return
	}
	toggleReactor(msg, d.Emoji, d.Author)
	r.mu.Unlock()

	r.met.IncReactionsApplied()
	r.changed()
}

// ToggleReaction flips the local user's reaction on a message and
// reports the resulting presence, so the caller knows it has something
// to publish. Returns false, false when the message is unknown.
func (r *Reconciler) ToggleReaction(messageID, emoji string) (present, ok bool) {
	r.mu.Lock()
	msg, found := r.byID[messageID]
	if !found {
		r.mu.Unlock()
		return false, false
	}
	present = toggleReactor(msg, emoji, r.selfPubKey)
	r.mu.Unlock()

	r.met.IncReactionsApplied()
	r.changed()
	return present, true
}

// toggleReactor adds or removes one reactor on one emoji entry, creating
// and deleting entries as needed. Caller holds the mutex. Reports the
// reactor's presence after the toggle.
func toggleReactor(msg *Message, emoji, reactor string) bool {
	for i := range msg.Reactions {
		rx := &msg.Reactions[i]
		if rx.Emoji != emoji {
			continue
		}
		for j, who := range rx.Reactors {
			if who == reactor {
				rx.Reactors = append(rx.Reactors[:j], rx.Reactors[j+1:]...)
				if len(rx.Reactors) == 0 {
					msg.Reactions = append(msg.Reactions[:i], msg.Reactions[i+1:]...)
				}
				return false
			}
		}
		rx.Reactors = append(rx.Reactors, reactor)
		return true
	}
	msg.Reactions = append(msg.Reactions, Reaction{Emoji: emoji, Reactors: []string{reactor}})
	return true
}

// AppendLocal inserts a locally-sent message before any relay has acked
// it. The caller supplies the signed event's decoded form; Confirmed
// stays false until ConfirmOwn.
func (r *Reconciler) AppendLocal(d proto.Decoded) {
	r.mu.Lock()
	msg := &Message{
		ID:          d.ID,
		Author:      d.Author,
		DisplayName: d.DisplayName,
		Body:        d.Content,
		CreatedAt:   d.CreatedAt,
		ReplyTo:     d.ReplyTo,
		FileShare:   d.FileShare,
		IsOwn:       true,
	}
	r.messages = append(r.messages, msg)
	r.byID[msg.ID] = msg
	r.seenAt[d.Content] = append(r.seenAt[d.Content], d.CreatedAt)
	r.mu.Unlock()

	r.changed()
}

// ConfirmOwn marks a locally-sent message acked by at least one relay.
func (r *Reconciler) ConfirmOwn(eventID string) {
	r.mu.Lock()
	msg, ok := r.byID[eventID]
	if ok {
		msg.Confirmed = true
	}
	r.mu.Unlock()
	if ok {
		r.changed()
	}
}

// Messages returns a snapshot sorted by CreatedAt ascending. Events may
// arrive in any order; the sort happens per read, not on insert.
func (r *Reconciler) Messages() []Message {
	r.mu.Lock()
	out := make([]Message, 0, len(r.messages))
	for _, m := range r.messages {
		cp := *m
		cp.Reactions = make([]Reaction, len(m.Reactions))
		for i, rx := range m.Reactions {
			cp.Reactions[i] = Reaction{Emoji: rx.Emoji, Reactors: append([]string(nil), rx.Reactors...)}
		}
		out = append(out, cp)
	}
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// Len reports the number of reconciled messages.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}
