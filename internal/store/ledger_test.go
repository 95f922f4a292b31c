package store_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/basket/taskpilot/internal/store"
)

func TestEnsureConversationCreatesWithFreshID(t *testing.T) {
	s := openTestStore(t)
	conv, err := s.EnsureConversation(context.Background(), "alice", "")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if conv.ID == "" || conv.OwnerID != "alice" {
		t.Fatalf("conversation = %+v", conv)
	}
}

func TestEnsureConversationAdoptsSuppliedID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conv, err := s.EnsureConversation(ctx, "alice", "conv-1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if conv.ID != "conv-1" {
		t.Fatalf("id = %q, want conv-1", conv.ID)
	}

	// Ensuring again is a no-op resolve, not a duplicate.
	again, err := s.EnsureConversation(ctx, "alice", "conv-1")
	if err != nil {
		t.Fatalf("re-ensure: %v", err)
	}
	if !again.CreatedAt.Equal(conv.CreatedAt) {
		t.Fatalf("created_at changed on re-ensure: %v vs %v", again.CreatedAt, conv.CreatedAt)
	}
}

func TestEnsureConversationDeniesOtherOwner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.EnsureConversation(ctx, "alice", "conv-1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := s.EnsureConversation(ctx, "bob", "conv-1"); !errors.Is(err, store.ErrAccessDenied) {
		t.Fatalf("err = %v, want ErrAccessDenied", err)
	}
}

func TestAppendTurnSequencesMonotonically(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.EnsureConversation(ctx, "alice", "conv-1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	for i := 1; i <= 3; i++ {
		turn := &store.Turn{
			ConversationID: "conv-1",
			CallerMessage:  fmt.Sprintf("message %d", i),
			AssistantReply: fmt.Sprintf("reply %d", i),
		}
		if _, err := s.AppendTurn(ctx, turn); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if turn.Seq != int64(i) {
			t.Fatalf("seq = %d, want %d", turn.Seq, i)
		}
	}

	turns, err := s.LoadRecentTurns(ctx, "conv-1", 20)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("turns = %d, want 3", len(turns))
	}
	for i, turn := range turns {
		if turn.Seq != int64(i+1) {
			t.Fatalf("turns[%d].Seq = %d, want %d", i, turn.Seq, i+1)
		}
		if turn.PlanJSON != "[]" || turn.ToolResultsJSON != "[]" {
			t.Fatalf("empty plan defaults not applied: %+v", turn)
		}
	}
}

func TestAppendTurnReturnsStoredTimestamp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.EnsureConversation(ctx, "alice", "conv-1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	turn := &store.Turn{ConversationID: "conv-1", CallerMessage: "hi", AssistantReply: "hello"}
	if _, err := s.AppendTurn(ctx, turn); err != nil {
		t.Fatalf("append: %v", err)
	}
	if turn.CreatedAt.IsZero() {
		t.Fatalf("created_at not set: %+v", turn)
	}

	turns, err := s.LoadRecentTurns(ctx, "conv-1", 10)
	if err != nil || len(turns) != 1 {
		t.Fatalf("load = %v, %v", turns, err)
	}
	if !turns[0].CreatedAt.Equal(turn.CreatedAt) {
		t.Fatalf("created_at = %v, append returned %v", turns[0].CreatedAt, turn.CreatedAt)
	}
}

func TestAppendTurnConcurrentWritersNeverDuplicateSeq(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "taskpilot.db")
	writers := make([]*store.Store, 2)
	for i := range writers {
		s, err := store.Open(dbPath)
		if err != nil {
			t.Fatalf("open store %d: %v", i, err)
		}
		t.Cleanup(func() { _ = s.Close() })
		writers[i] = s
	}
	ctx := context.Background()

	if _, err := writers[0].EnsureConversation(ctx, "alice", "conv-1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	const perWriter = 5
	var wg sync.WaitGroup
	errs := make(chan error, len(writers)*perWriter)
	for _, s := range writers {
		wg.Add(1)
		go func(s *store.Store) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				turn := &store.Turn{ConversationID: "conv-1", CallerMessage: "m", AssistantReply: "r"}
				if _, err := s.AppendTurn(ctx, turn); err != nil {
					errs <- err
					return
				}
			}
		}(s)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent append: %v", err)
	}

	turns, err := writers[0].LoadRecentTurns(ctx, "conv-1", 50)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(turns) != len(writers)*perWriter {
		t.Fatalf("turns = %d, want %d", len(turns), len(writers)*perWriter)
	}
	for i, turn := range turns {
		if turn.Seq != int64(i+1) {
			t.Fatalf("seq sequence broken at %d: got %d", i, turn.Seq)
		}
	}
}

func TestLoadRecentTurnsWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.EnsureConversation(ctx, "alice", "conv-1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	for i := 1; i <= 5; i++ {
		turn := &store.Turn{ConversationID: "conv-1", CallerMessage: fmt.Sprintf("m%d", i), AssistantReply: "r"}
		if _, err := s.AppendTurn(ctx, turn); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	turns, err := s.LoadRecentTurns(ctx, "conv-1", 2)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(turns) != 2 || turns[0].Seq != 4 || turns[1].Seq != 5 {
		t.Fatalf("window = %+v", turns)
	}
}

func TestListTurnsIsOwnerScoped(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.EnsureConversation(ctx, "alice", "conv-1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	turn := &store.Turn{ConversationID: "conv-1", CallerMessage: "hi", AssistantReply: "hello"}
	if _, err := s.AppendTurn(ctx, turn); err != nil {
		t.Fatalf("append: %v", err)
	}

	turns, err := s.ListTurns(ctx, "alice", "conv-1", 10)
	if err != nil || len(turns) != 1 {
		t.Fatalf("owner list = %v, %v", turns, err)
	}
	if _, err := s.ListTurns(ctx, "bob", "conv-1", 10); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("cross-owner list: err = %v, want ErrNotFound", err)
	}
	if _, err := s.ListTurns(ctx, "alice", "no-such-conv", 10); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("absent list: err = %v, want ErrNotFound", err)
	}
}

func TestListConversationsOrdersByActivity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.EnsureConversation(ctx, "alice", "conv-a"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := s.EnsureConversation(ctx, "alice", "conv-b"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := s.EnsureConversation(ctx, "bob", "conv-c"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	convs, err := s.ListConversations(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("conversations = %d, want 2", len(convs))
	}
	for _, c := range convs {
		if c.OwnerID != "alice" {
			t.Fatalf("foreign conversation leaked: %+v", c)
		}
	}
}
