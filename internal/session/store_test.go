package session_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/maitred-ai/maitre/internal/session"
	"github.com/maitred-ai/maitre/pkg/memtree"
)

func newStore(t *testing.T) *session.Store {
	t.Helper()
	st, err := session.New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return st
}

func TestGet_CreatesEmptySession(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	sess, err := st.Get("s-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.ID != "s-1" {
		t.Errorf("ID = %q, want s-1", sess.ID)
	}
	if sess.CurrentGoal != "" || len(sess.History) != 0 {
		t.Errorf("new session not empty: %+v", sess)
	}
	if _, ok := sess.Memory.Field(session.SectionCustomer); !ok {
		t.Error("memory missing customer section")
	}
}

func TestUpdate_DeepMergeRetainsUnmentionedKeys(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	if _, err := st.Update("s-1", memtree.Map(map[string]memtree.Value{
		"service": memtree.Map(map[string]memtree.Value{
			"primary_request": memtree.String("roof hole repair"),
		}),
	})); err != nil {
		t.Fatalf("first update: %v", err)
	}
	snap, err := st.Update("s-1", memtree.Map(map[string]memtree.Value{
		"customer": memtree.Map(map[string]memtree.Value{
			"name": memtree.String("Ada"),
		}),
	}))
	if err != nil {
		t.Fatalf("second update: %v", err)
	}

	if v, _ := memtree.GetPath(snap.Memory, "service.primary_request"); v.Str() != "roof hole repair" {
		t.Errorf("service.primary_request = %#v, want retained", v)
	}
	if v, _ := memtree.GetPath(snap.Memory, "customer.name"); v.Str() != "Ada" {
		t.Errorf("customer.name = %#v", v)
	}
}

func TestUpdate_EmptyLeafDoesNotClobber(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	st.Update("s-1", memtree.Map(map[string]memtree.Value{
		"customer": memtree.Map(map[string]memtree.Value{
			"email": memtree.String("ada@example.com"),
		}),
	}))
	snap, err := st.Update("s-1", memtree.Map(map[string]memtree.Value{
		"customer": memtree.Map(map[string]memtree.Value{
			"email": memtree.String(""),
		}),
	}))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if v, _ := memtree.GetPath(snap.Memory, "customer.email"); v.Str() != "ada@example.com" {
		t.Errorf("customer.email = %#v, want ada@example.com", v)
	}
}

func TestSnapshotIsDefensiveCopy(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	st.AppendHistory("s-1", "user", "hello")

	snap, _ := st.Get("s-1")
	snap.History[0].Text = "tampered"
	snap.CurrentGoal = "Bogus"

	fresh, _ := st.Get("s-1")
	if fresh.History[0].Text != "hello" {
		t.Error("mutating a snapshot leaked into the store")
	}
	if fresh.CurrentGoal != "" {
		t.Error("mutating a snapshot's goal leaked into the store")
	}
}

func TestReadPaths(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	st.Update("s-1", memtree.Map(map[string]memtree.Value{
		"customer": memtree.Map(map[string]memtree.Value{
			"phone": memtree.String("+1555"),
		}),
	}))

	got, err := st.ReadPaths("s-1", []string{"customer.phone", "customer.email"})
	if err != nil {
		t.Fatalf("ReadPaths: %v", err)
	}
	if got["customer.phone"].Str() != "+1555" {
		t.Errorf("customer.phone = %#v", got["customer.phone"])
	}
	if _, ok := got["customer.email"]; ok {
		t.Error("unresolved path present in result")
	}
}

func TestSetGoal_RecordsEnteredGoals(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	st.SetGoal("s-1", "Greet")
	st.SetGoal("s-1", "Elicit")

	sess, _ := st.Get("s-1")
	if sess.CurrentGoal != "Elicit" {
		t.Errorf("current goal = %q, want Elicit", sess.CurrentGoal)
	}
	want := []string{"Greet", "Elicit"}
	if len(sess.EnteredGoals) != 2 || sess.EnteredGoals[0] != want[0] || sess.EnteredGoals[1] != want[1] {
		t.Errorf("entered goals = %v, want %v", sess.EnteredGoals, want)
	}
}

func TestWithLock_RevertsOnError(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	st.AppendHistory("s-1", "user", "hello")

	failure := errors.New("turn failed")
	err := st.WithLock("s-1", func(tx *session.Txn) error {
		tx.AppendHistory("assistant", "partial")
		tx.SetGoal("Broken")
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("WithLock error = %v, want wrapped failure", err)
	}

	sess, _ := st.Get("s-1")
	if len(sess.History) != 1 || sess.CurrentGoal != "" {
		t.Errorf("state not reverted: history=%d goal=%q", len(sess.History), sess.CurrentGoal)
	}
}

func TestWithLock_SerializesTurnsPerSession(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	const workers = 16

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st.WithLock("s-1", func(tx *session.Txn) error {
				tx.CompleteTurn()
				return nil
			})
		}()
	}
	wg.Wait()

	sess, _ := st.Get("s-1")
	if sess.Counters.Turns != workers {
		t.Errorf("turns = %d, want %d (lost update under concurrency)", sess.Counters.Turns, workers)
	}
}

func TestRestartRecovery(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st, err := session.New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	st.Update("s-1", memtree.Map(map[string]memtree.Value{
		"service": memtree.Map(map[string]memtree.Value{
			"primary_request": memtree.String("roof hole repair"),
		}),
	}))
	st.AppendHistory("s-1", "user", "my roof has holes")
	st.AppendHistory("s-1", "assistant", "I can help with that.")
	st.SetGoal("s-1", "Elicit")
	st.WithLock("s-1", func(tx *session.Txn) error {
		tx.AddUsage(120, 40, 0.003)
		tx.CompleteTurn()
		return nil
	})

	// A fresh store over the same directory models a process restart.
	restarted, err := session.New(dir)
	if err != nil {
		t.Fatalf("New after restart: %v", err)
	}
	sess, err := restarted.Get("s-1")
	if err != nil {
		t.Fatalf("Get after restart: %v", err)
	}

	if v, _ := memtree.GetPath(sess.Memory, "service.primary_request"); v.Str() != "roof hole repair" {
		t.Errorf("memory not recovered: %#v", v)
	}
	if len(sess.History) != 2 || sess.History[1].Role != "assistant" {
		t.Errorf("history not recovered: %+v", sess.History)
	}
	if sess.CurrentGoal != "Elicit" || len(sess.EnteredGoals) != 1 {
		t.Errorf("goal state not recovered: %q %v", sess.CurrentGoal, sess.EnteredGoals)
	}
	if sess.Counters.Turns != 1 || sess.Counters.TokensIn != 120 {
		t.Errorf("counters not recovered: %+v", sess.Counters)
	}
}

func TestUnknownTopLevelKeysSurviveRewrite(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	doc := `session_id: s-1
current_goal: Greet
future_field:
  nested: preserved
memory:
  customer:
    name: Ada
`
	if err := os.WriteFile(filepath.Join(dir, "s-1.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatalf("seed document: %v", err)
	}

	st, err := session.New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := st.AppendHistory("s-1", "user", "hello"); err != nil {
		t.Fatalf("AppendHistory: %v", err)
	}

	rewritten, err := os.ReadFile(filepath.Join(dir, "s-1.yaml"))
	if err != nil {
		t.Fatalf("read rewritten document: %v", err)
	}
	if !strings.Contains(string(rewritten), "future_field") {
		t.Error("unknown top-level key dropped on rewrite")
	}
	if !strings.Contains(string(rewritten), "preserved") {
		t.Error("unknown key's value dropped on rewrite")
	}
}

func TestMemoryOnlyStore(t *testing.T) {
	t.Parallel()

	st, err := session.New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := st.AppendHistory("s-1", "user", "hello"); err != nil {
		t.Fatalf("AppendHistory without persistence: %v", err)
	}
	sess, _ := st.Get("s-1")
	if len(sess.History) != 1 {
		t.Errorf("history = %d entries, want 1", len(sess.History))
	}
}
