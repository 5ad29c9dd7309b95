package store

import (
	"sync"
	"testing"

	"github.com/rickgao/teamchat/internal/model"
)

func msg(id string) model.Message {
	return model.Message{ID: id, ChannelID: "c1", Content: "hello " + id, UserID: "u1"}
}

func TestStore_AddMessageDedupes(t *testing.T) {
	s := New()
	s.AddMessage("c1", msg("m1"))
	s.AddMessage("c1", msg("m1"))
	s.AddMessage("c1", msg("m2"))

	got := s.ChannelMessages("c1")
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "m1" || got[1].ID != "m2" {
		t.Errorf("order = %s, %s", got[0].ID, got[1].ID)
	}
}

func TestStore_UpdateMessage(t *testing.T) {
	s := New()
	s.AddMessage("c1", msg("m1"))

	edited := msg("m1")
	edited.Content = "edited"
	edited.UpdatedAt = "2024-01-15T12:01:00Z"
	s.UpdateMessage("c1", "m1", model.EditPatch(edited))
	s.UpdateMessage("c1", "missing", model.EditPatch(edited))

	got := s.ChannelMessages("c1")
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].Content != "edited" || !got[0].IsEdited || got[0].UpdatedAt != "2024-01-15T12:01:00Z" {
		t.Errorf("unexpected message: %+v", got[0])
	}
}

func TestStore_RemoveMessage(t *testing.T) {
	s := New()
	s.AddMessage("c1", msg("m1"))
	s.AddMessage("c1", msg("m2"))

	s.RemoveMessage("c1", "m1")
	s.RemoveMessage("c1", "m1")
	s.RemoveMessage("c9", "m2")

	got := s.ChannelMessages("c1")
	if len(got) != 1 || got[0].ID != "m2" {
		t.Errorf("messages = %+v", got)
	}
}

func TestStore_Reactions(t *testing.T) {
	s := New()
	s.AddMessage("c1", msg("m1"))

	r1 := model.Reaction{ID: "r1", Emoji: "👍", UserID: "u2", MessageID: "m1"}
	dup := model.Reaction{ID: "r2", Emoji: "👍", UserID: "u2", MessageID: "m1"}
	other := model.Reaction{ID: "r3", Emoji: "🎉", UserID: "u2", MessageID: "m1"}

	s.AddReaction("c1", "m1", r1)
	s.AddReaction("c1", "m1", dup)
	s.AddReaction("c1", "m1", other)
	s.AddReaction("c1", "missing", r1)

	got := s.ChannelMessages("c1")[0].Reactions
	if len(got) != 2 {
		t.Fatalf("reactions = %+v, want 2", got)
	}

	s.RemoveReaction("c1", "m1", "r1")
	s.RemoveReaction("c1", "m1", "nope")

	got = s.ChannelMessages("c1")[0].Reactions
	if len(got) != 1 || got[0].ID != "r3" {
		t.Errorf("reactions after remove = %+v", got)
	}
}

func TestStore_GettersReturnCopies(t *testing.T) {
	s := New()
	m := msg("m1")
	m.Reactions = []model.Reaction{{ID: "r1", UserID: "u2", Emoji: "👍"}}
	s.AddMessage("c1", m)

	// Mutating the input after the add must not leak in.
	m.Reactions[0].Emoji = "x"

	got := s.ChannelMessages("c1")
	got[0].Content = "mutated"
	got[0].Reactions[0].ID = "mutated"

	again := s.ChannelMessages("c1")
	if again[0].Content == "mutated" || again[0].Reactions[0].ID == "mutated" {
		t.Error("getter exposed internal state")
	}
	if again[0].Reactions[0].Emoji != "👍" {
		t.Error("AddMessage kept a reference to the caller's slice")
	}
}

func TestStore_TypingUsers(t *testing.T) {
	s := New()
	s.AddTypingUser("c1", "u2", "bob")
	s.AddTypingUser("c1", "u2", "bob")
	s.AddTypingUser("c1", "u3", "carol")

	if got := s.TypingUsers("c1"); len(got) != 2 {
		t.Fatalf("typing = %+v, want 2", got)
	}

	s.RemoveTypingUser("c1", "u2")
	s.RemoveTypingUser("c1", "u2")
	s.RemoveTypingUser("c2", "u3")

	got := s.TypingUsers("c1")
	if len(got) != 1 || got[0].UserID != "u3" {
		t.Errorf("typing = %+v", got)
	}

	s.RemoveTypingUser("c1", "u3")
	if _, ok := s.Snapshot().Typing["c1"]; ok {
		t.Error("empty typing set not cleaned up")
	}
}

func TestStore_ChannelsAndPresence(t *testing.T) {
	s := New()
	s.SetChannels([]model.Channel{{ID: "c1", Name: "general"}, {ID: "c2", Name: "random"}})
	s.SetActiveChannel("c2")
	s.SetChannelMembers("c1", []model.User{{ID: "u1"}})
	s.SetOnlineUsers("c1", []model.User{{ID: "u1"}, {ID: "u2"}})
	s.SetUserStatus("u2", "away")

	if c, ok := s.Channel("c2"); !ok || c.Name != "random" {
		t.Errorf("Channel(c2) = %+v, %v", c, ok)
	}
	if _, ok := s.Channel("zz"); ok {
		t.Error("Channel(zz) found")
	}
	if s.ActiveChannelID() != "c2" {
		t.Errorf("ActiveChannelID = %q", s.ActiveChannelID())
	}
	if len(s.ChannelMembers("c1")) != 1 {
		t.Error("members not stored")
	}
	if len(s.OnlineUsers("c1")) != 2 {
		t.Error("online users not stored")
	}
	if st, ok := s.UserStatus("u2"); !ok || st != "away" {
		t.Errorf("UserStatus = %q, %v", st, ok)
	}

	snap := s.Snapshot()
	if len(snap.Channels) != 2 || snap.ActiveChannelID != "c2" || snap.UserStatus["u2"] != "away" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := New()
	var wg sync.WaitGroup

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := string(rune('a'+w)) + string(rune('0'+i%10))
				s.AddMessage("c1", msg(id))
				s.ChannelMessages("c1")
				s.Snapshot()
			}
		}(w)
	}
	wg.Wait()

	if got := len(s.ChannelMessages("c1")); got != 40 {
		t.Errorf("len = %d, want 40 distinct messages", got)
	}
}
