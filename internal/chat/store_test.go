package chat

import (
	"testing"
	"time"

	"github.com/teamline/internal/model"
)

func TestReconcileDedupesRedelivery(t *testing.T) {
	store := NewStore()
	msg := model.Message{
		ID:        "m1",
		RoomID:    "r1",
		SenderID:  "alice",
		Body:      "hi",
		Kind:      model.KindUser,
		CreatedAt: time.Now().UTC(),
	}
	// At-least-once delivery: the same confirmed row arrives three times.
	store.ReconcileIncoming(msg)
	store.ReconcileIncoming(msg)
	store.ReconcileIncoming(msg)

	msgs := store.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 entry after redelivery, got %d", len(msgs))
	}
	if msgs[0].ID != "m1" {
		t.Fatalf("unexpected id: %s", msgs[0].ID)
	}
}

func TestOptimisticCollapse(t *testing.T) {
	store := NewStore()
	store.LoadHistory([]model.Message{
		{ID: "m0", SenderID: "bob", Body: "earlier", Kind: model.KindUser, CreatedAt: time.Now().Add(-time.Minute)},
	})
	opt := store.AppendOptimistic(model.Message{
		SenderID: "alice", Body: "hi", Kind: model.KindUser,
	})
	if !opt.Optimistic || !opt.IsLocal() {
		t.Fatalf("expected optimistic local entry, got %+v", opt)
	}

	store.ReconcileIncoming(model.Message{
		ID: "s1", SenderID: "alice", Body: "hi", Kind: model.KindUser, CreatedAt: time.Now().UTC(),
	})

	msgs := store.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(msgs))
	}
	// The confirmed row replaces the optimistic entry in place.
	if msgs[1].ID != "s1" {
		t.Fatalf("expected confirmed entry at the optimistic position, got %+v", msgs[1])
	}
	if msgs[1].Optimistic {
		t.Fatalf("entry still flagged optimistic after reconciliation")
	}
}

func TestRemoveOptimisticRollsBack(t *testing.T) {
	store := NewStore()
	opt := store.AppendOptimistic(model.Message{SenderID: "alice", Body: "oops", Kind: model.KindUser})
	store.RemoveOptimistic(opt.ID)
	if store.Len() != 0 {
		t.Fatalf("expected empty store after rollback, got %d entries", store.Len())
	}
	// Removing again is a no-op.
	store.RemoveOptimistic(opt.ID)
}

func TestRemoveOptimisticIgnoresConfirmed(t *testing.T) {
	store := NewStore()
	store.ReconcileIncoming(model.Message{ID: "m1", SenderID: "alice", Body: "hi", Kind: model.KindUser})
	store.RemoveOptimistic("m1")
	if store.Len() != 1 {
		t.Fatalf("confirmed entry must not be removed, got %d entries", store.Len())
	}
}

func TestOrderingStability(t *testing.T) {
	t1 := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	t3 := t2.Add(time.Minute)

	store := NewStore()
	// History arrives unsorted; LoadHistory must order it.
	store.LoadHistory([]model.Message{
		{ID: "b", CreatedAt: t2, SenderID: "x", Kind: model.KindUser},
		{ID: "c", CreatedAt: t3, SenderID: "x", Kind: model.KindUser},
		{ID: "a", CreatedAt: t1, SenderID: "x", Kind: model.KindUser},
	})
	for i := 0; i < 5; i++ {
		store.ReconcileIncoming(model.Message{
			ID:        string(rune('d' + i)),
			CreatedAt: t3.Add(time.Duration(i+1) * time.Second),
			SenderID:  "y",
			Kind:      model.KindUser,
		})
	}

	msgs := store.Messages()
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("entries out of order at %d: %v before %v", i, msgs[i].CreatedAt, msgs[i-1].CreatedAt)
		}
	}
}

func TestFIFOTieBreakOnIdenticalSends(t *testing.T) {
	store := NewStore()
	first := store.AppendOptimistic(model.Message{SenderID: "alice", Body: "same", Kind: model.KindUser})
	second := store.AppendOptimistic(model.Message{SenderID: "alice", Body: "same", Kind: model.KindUser})
	if first.ID == second.ID {
		t.Fatalf("local tokens must be unique")
	}

	base := time.Now().UTC()
	store.ReconcileIncoming(model.Message{ID: "s1", SenderID: "alice", Body: "same", Kind: model.KindUser, CreatedAt: base})
	store.ReconcileIncoming(model.Message{ID: "s2", SenderID: "alice", Body: "same", Kind: model.KindUser, CreatedAt: base.Add(time.Second)})

	msgs := store.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(msgs))
	}
	// Oldest optimistic entry pairs with the first-arriving confirmation.
	if msgs[0].ID != "s1" || msgs[1].ID != "s2" {
		t.Fatalf("confirmations paired out of order: %s, %s", msgs[0].ID, msgs[1].ID)
	}
}

func TestReconcileDoesNotMatchAcrossSenderOrKind(t *testing.T) {
	store := NewStore()
	store.AppendOptimistic(model.Message{SenderID: "alice", Body: "hi", Kind: model.KindUser})

	store.ReconcileIncoming(model.Message{ID: "s1", SenderID: "bob", Body: "hi", Kind: model.KindUser})
	store.ReconcileIncoming(model.Message{ID: "s2", SenderID: "alice", Body: "hi", Kind: model.KindSystem})

	msgs := store.Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 entries (optimistic untouched), got %d", len(msgs))
	}
	if !msgs[0].Optimistic {
		t.Fatalf("optimistic entry was wrongly reconciled: %+v", msgs[0])
	}
}

func TestUpsertAttachmentsMergesLateMetadata(t *testing.T) {
	store := NewStore()
	store.ReconcileIncoming(model.Message{
		ID: "m1", SenderID: "alice", Kind: model.KindUser,
		Attachments: []model.Attachment{{Name: "a.png", URL: "u1"}},
	})
	store.UpsertAttachments("m1", []model.Attachment{
		{Name: "a.png", URL: "u1"},
		{Name: "b.pdf", URL: "u2"},
	})

	msgs := store.Messages()
	if len(msgs[0].Attachments) != 2 {
		t.Fatalf("expected 2 attachments, got %d", len(msgs[0].Attachments))
	}
}

func TestOnChangeFiresWithSnapshot(t *testing.T) {
	store := NewStore()
	var got int
	store.SetOnChange(func(msgs []model.Message) { got = len(msgs) })
	store.AppendOptimistic(model.Message{SenderID: "alice", Body: "hi", Kind: model.KindUser})
	if got != 1 {
		t.Fatalf("expected change callback with 1 entry, got %d", got)
	}
}
