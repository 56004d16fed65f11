package reconcile

import (
	"testing"

	"github.com/pxxxe/trollbox/internal/proto"
)

const (
	selfKey  = "selfpubkey"
	otherKey = "otherpubkey"
	channel  = "trollbox"
)

func chat(id, author, body string, createdAt int64) proto.Decoded {
	return proto.Decoded{
		Kind:      proto.KindChat,
		ID:        id,
		Author:    author,
		Channel:   channel,
		CreatedAt: createdAt,
		Content:   body,
	}
}

func reaction(author, target, emoji string) proto.Decoded {
	return proto.Decoded{
		Kind:     proto.KindReaction,
		Author:   author,
		Channel:  channel,
		TargetID: target,
		Emoji:    emoji,
	}
}

func TestIngestChatOrdering(t *testing.T) {
	r := New(selfKey, channel, nil, nil)
	r.IngestChat(chat("a", otherKey, "first", 50))
	r.IngestChat(chat("b", otherKey, "second", 10))
	r.IngestChat(chat("c", otherKey, "third", 30))

	msgs := r.Messages()
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	want := []int64{10, 30, 50}
	for i, m := range msgs {
		if m.CreatedAt != want[i] {
			t.Fatalf("position %d: created_at %d, want %d", i, m.CreatedAt, want[i])
		}
	}
}

func TestIngestChatDedupeWindow(t *testing.T) {
	r := New(selfKey, channel, nil, nil)
	r.IngestChat(chat("a", otherKey, "hello", 100))
	r.IngestChat(chat("b", otherKey, "hello", 104)) // within window, dropped
	if got := r.Len(); got != 1 {
		t.Fatalf("after near duplicate: %d messages, want 1", got)
	}

	// Exactly at the boundary is a new message.
	r.IngestChat(chat("c", otherKey, "hello", 105))
	if got := r.Len(); got != 2 {
		t.Fatalf("after boundary repeat: %d messages, want 2", got)
	}
}

func TestIngestChatDedupeIgnoresAuthor(t *testing.T) {
	r := New(selfKey, channel, nil, nil)
	r.IngestChat(chat("a", "alice", "gm", 100))
	r.IngestChat(chat("b", "bob", "gm", 102)) // same body, different author
	if got := r.Len(); got != 1 {
		t.Fatalf("got %d messages, want 1", got)
	}

	// Outside the window the same body is a new message again.
	r.IngestChat(chat("c", "bob", "gm", 107))
	if got := r.Len(); got != 2 {
		t.Fatalf("after window elapsed: %d messages, want 2", got)
	}
}

func TestIngestChatDedupeOutOfOrder(t *testing.T) {
	r := New(selfKey, channel, nil, nil)
	r.IngestChat(chat("a", otherKey, "hello", 0))
	r.IngestChat(chat("b", otherKey, "hello", 10))

	// Arrives late but is within 5s of the existing t=0 message.
	r.IngestChat(chat("c", otherKey, "hello", 2))
	if got := r.Len(); got != 2 {
		t.Fatalf("got %d messages, want 2", got)
	}
}

func TestIngestChatDropsDuplicateID(t *testing.T) {
	r := New(selfKey, channel, nil, nil)
	r.IngestChat(chat("a", otherKey, "hi", 10))
	r.IngestChat(chat("a", otherKey, "hi", 10)) // second relay delivery
	if got := r.Len(); got != 1 {
		t.Fatalf("got %d messages, want 1", got)
	}
}

func TestIngestChatDropsForeignChannel(t *testing.T) {
	r := New(selfKey, channel, nil, nil)
	d := chat("a", otherKey, "hi", 10)
	d.Channel = "elsewhere"
	r.IngestChat(d)
	if got := r.Len(); got != 0 {
		t.Fatalf("got %d messages, want 0", got)
	}
}

func TestReactionToggleIdempotent(t *testing.T) {
	r := New(selfKey, channel, nil, nil)
	r.IngestChat(chat("m1", otherKey, "hi", 10))

	r.IngestReaction(reaction("alice", "m1", "🔥"))
	r.IngestReaction(reaction("bob", "m1", "🔥"))
	msgs := r.Messages()
	if len(msgs[0].Reactions) != 1 {
		t.Fatalf("got %d reaction entries, want 1", len(msgs[0].Reactions))
	}
	if got := msgs[0].Reactions[0].Reactors; len(got) != 2 {
		t.Fatalf("got %d reactors, want 2: %v", len(got), got)
	}

	// Second reaction from the same reactor removes them.
	r.IngestReaction(reaction("alice", "m1", "🔥"))
	msgs = r.Messages()
	if got := msgs[0].Reactions[0].Reactors; len(got) != 1 || got[0] != "bob" {
		t.Fatalf("after toggle-off: reactors %v, want [bob]", got)
	}

	// Removing the last reactor deletes the emoji entry entirely.
	r.IngestReaction(reaction("bob", "m1", "🔥"))
	msgs = r.Messages()
	if len(msgs[0].Reactions) != 0 {
		t.Fatalf("after last toggle-off: %d reaction entries, want 0", len(msgs[0].Reactions))
	}
}

func TestReactionUnknownTargetNoOp(t *testing.T) {
	r := New(selfKey, channel, nil, nil)
	r.IngestChat(chat("m1", otherKey, "hi", 10))
	r.IngestReaction(reaction("alice", "missing", "🔥"))
	msgs := r.Messages()
	if len(msgs) != 1 || len(msgs[0].Reactions) != 0 {
		t.Fatalf("unknown target mutated state: %+v", msgs)
	}
}

func TestReactionSelfEchoIgnored(t *testing.T) {
	r := New(selfKey, channel, nil, nil)
	r.IngestChat(chat("m1", otherKey, "hi", 10))

	present, ok := r.ToggleReaction("m1", "🔥")
	if !ok || !present {
		t.Fatalf("local toggle: present=%v ok=%v, want true true", present, ok)
	}

	// The relay echoes our own reaction back; it must not re-toggle.
	r.IngestReaction(reaction(selfKey, "m1", "🔥"))
	msgs := r.Messages()
	if got := msgs[0].Reactions[0].Reactors; len(got) != 1 || got[0] != selfKey {
		t.Fatalf("after self echo: reactors %v, want [%s]", got, selfKey)
	}
}

func TestToggleReactionUnknownMessage(t *testing.T) {
	r := New(selfKey, channel, nil, nil)
	if _, ok := r.ToggleReaction("missing", "🔥"); ok {
		t.Fatal("toggle on unknown message reported ok")
	}
}

func TestAppendLocalAndConfirm(t *testing.T) {
	r := New(selfKey, channel, nil, nil)
	r.AppendLocal(chat("mine", selfKey, "hello world", 42))

	msgs := r.Messages()
	if !msgs[0].IsOwn || msgs[0].Confirmed {
		t.Fatalf("local message: IsOwn=%v Confirmed=%v, want true false", msgs[0].IsOwn, msgs[0].Confirmed)
	}

	r.ConfirmOwn("mine")
	msgs = r.Messages()
	if !msgs[0].Confirmed {
		t.Fatal("message not confirmed after ack")
	}

	// The relay echo of our own message must not append a second copy.
	r.IngestChat(chat("mine", selfKey, "hello world", 42))
	if got := r.Len(); got != 1 {
		t.Fatalf("after own echo: %d messages, want 1", got)
	}
}

func TestNotifyFiresOnChange(t *testing.T) {
	var calls int
	r := New(selfKey, channel, nil, func() { calls++ })
	r.IngestChat(chat("a", otherKey, "hi", 10))
	r.IngestReaction(reaction("alice", "a", "🔥"))
	if calls != 2 {
		t.Fatalf("notify fired %d times, want 2", calls)
	}

	// Drops do not notify.
	r.IngestChat(chat("a", otherKey, "hi", 10))
	if calls != 2 {
		t.Fatalf("notify fired on a dropped event: %d calls", calls)
	}
}
