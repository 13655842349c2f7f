package session

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/maitred-ai/maitre/pkg/memtree"
)

// ErrSessionIO indicates that persisting or loading a session document
// failed. The in-memory state has been reverted to before the failed
// mutation.
var ErrSessionIO = errors.New("session: persistence failure")

// ErrSessionTerminal is returned when a mutation is attempted on a session
// whose termination sequence has completed.
var ErrSessionTerminal = errors.New("session: session is terminal")

// Store owns all sessions of the process. Safe for concurrent use; distinct
// sessions never block each other.
type Store struct {
	// dir is where session documents persist; empty means memory-only.
	dir string

	mu      sync.RWMutex
	entries map[string]*entry
}

// entry pairs one session with its lock. The lock is held for the whole
// duration of any mutating operation, including a full orchestrated turn.
type entry struct {
	mu   sync.Mutex
	sess *Session
}

// New creates a Store persisting into dir. An empty dir disables
// persistence. The directory is created if missing.
func New(dir string) (*Store, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create dir %q: %v", ErrSessionIO, dir, err)
		}
	}
	return &Store{dir: dir, entries: make(map[string]*entry)}, nil
}

// Get returns a defensive copy of the session, loading it from its
// persisted document when not yet in memory and creating an empty session
// on a full miss.
func (st *Store) Get(sid string) (*Session, error) {
	e := st.entryFor(sid)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := st.ensureLoaded(sid, e); err != nil {
		return nil, err
	}
	return e.sess.Clone(), nil
}

// Update deep-merges update into the session's memory under the session's
// lock and persists. Returns the post-update snapshot.
func (st *Store) Update(sid string, update memtree.Value) (*Session, error) {
	var snap *Session
	err := st.WithLock(sid, func(tx *Txn) error {
		tx.Update(update)
		snap = tx.Snapshot()
		return nil
	})
	return snap, err
}

// ReadPaths resolves the given dotted paths against the session's memory.
// Paths that do not resolve are absent from the result.
func (st *Store) ReadPaths(sid string, paths []string) (map[string]memtree.Value, error) {
	snap, err := st.Get(sid)
	if err != nil {
		return nil, err
	}
	out := make(map[string]memtree.Value, len(paths))
	for _, p := range paths {
		if v, ok := memtree.GetPath(snap.Memory, p); ok {
			out[p] = v
		}
	}
	return out, nil
}

// AppendHistory appends one entry to the session's conversation history and
// persists.
func (st *Store) AppendHistory(sid, role, text string) error {
	return st.WithLock(sid, func(tx *Txn) error {
		tx.AppendHistory(role, text)
		return nil
	})
}

// SetGoal sets the session's current goal, recording it in the
// entered-goals list, and persists.
func (st *Store) SetGoal(sid, gid string) error {
	return st.WithLock(sid, func(tx *Txn) error {
		tx.SetGoal(gid)
		return nil
	})
}

// WithLock runs fn with exclusive access to the session. Mutations made
// through the [Txn] are persisted once fn returns nil; when fn returns an
// error, or persistence fails after one retry, the in-memory state is
// reverted and the error surfaces.
func (st *Store) WithLock(sid string, fn func(tx *Txn) error) error {
	e := st.entryFor(sid)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := st.ensureLoaded(sid, e); err != nil {
		return err
	}

	before := e.sess.Clone()
	if err := fn(&Txn{sess: e.sess}); err != nil {
		e.sess = before
		return err
	}

	if st.dir == "" {
		return nil
	}
	if err := st.persist(e.sess); err != nil {
		// One retry; transient filesystem hiccups are common enough.
		if err = st.persist(e.sess); err != nil {
			e.sess = before
			return fmt.Errorf("%w: %v", ErrSessionIO, err)
		}
	}
	return nil
}

// ActiveSessions reports how many sessions are currently resident.
func (st *Store) ActiveSessions() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.entries)
}

// entryFor returns the entry for sid, creating it on first use. The
// store-level lock is held only for the map lookup/insert.
func (st *Store) entryFor(sid string) *entry {
	st.mu.RLock()
	e, ok := st.entries[sid]
	st.mu.RUnlock()
	if ok {
		return e
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if e, ok = st.entries[sid]; ok {
		return e
	}
	e = &entry{}
	st.entries[sid] = e
	return e
}

// ensureLoaded populates e.sess from the persisted document, or with a
// fresh session when none exists. Caller holds e.mu.
func (st *Store) ensureLoaded(sid string, e *entry) error {
	if e.sess != nil {
		return nil
	}
	if st.dir == "" {
		e.sess = NewSession(sid)
		return nil
	}
	data, err := os.ReadFile(st.path(sid))
	switch {
	case errors.Is(err, os.ErrNotExist):
		e.sess = NewSession(sid)
		return nil
	case err != nil:
		return fmt.Errorf("%w: read session %q: %v", ErrSessionIO, sid, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: decode session %q: %v", ErrSessionIO, sid, err)
	}
	sess := fromDoc(doc)
	if sess.ID == "" {
		sess.ID = sid
	}
	e.sess = sess
	return nil
}

// persist writes the session document atomically: write to a temp file in
// the same directory, then rename over the final path.
func (st *Store) persist(sess *Session) error {
	data, err := yaml.Marshal(sess.toDoc())
	if err != nil {
		return fmt.Errorf("encode session %q: %w", sess.ID, err)
	}
	final := st.path(sess.ID)
	tmp, err := os.CreateTemp(st.dir, filepath.Base(final)+".tmp-")
	if err != nil {
		return fmt.Errorf("create temp for session %q: %w", sess.ID, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write session %q: %w", sess.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close session %q: %w", sess.ID, err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename session %q: %w", sess.ID, err)
	}
	return nil
}

// path maps a session id to its document path. Ids that contain characters
// unsafe for filenames are sanitised with a short hash suffix to keep the
// mapping collision-free.
func (st *Store) path(sid string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, sid)
	if safe != sid {
		h := fnv.New32a()
		h.Write([]byte(sid))
		safe = fmt.Sprintf("%s-%08x", safe, h.Sum32())
	}
	return filepath.Join(st.dir, safe+".yaml")
}

// Txn is the handle passed to [Store.WithLock] callbacks. All methods
// operate on the live session without additional locking; the caller
// already holds the session's lock.
type Txn struct {
	sess *Session
}

// Session returns the live session. Mutations through it are committed with
// the transaction.
func (tx *Txn) Session() *Session { return tx.sess }

// Snapshot returns a defensive copy of the current state.
func (tx *Txn) Snapshot() *Session { return tx.sess.Clone() }

// Update deep-merges update into the session memory.
func (tx *Txn) Update(update memtree.Value) {
	tx.sess.Memory = memtree.Merge(tx.sess.Memory, update)
}

// ReadPaths resolves the given dotted paths against the session memory.
func (tx *Txn) ReadPaths(paths []string) map[string]memtree.Value {
	out := make(map[string]memtree.Value, len(paths))
	for _, p := range paths {
		if v, ok := memtree.GetPath(tx.sess.Memory, p); ok {
			out[p] = v
		}
	}
	return out
}

// AppendHistory appends one entry to the conversation history.
func (tx *Txn) AppendHistory(role, text string) {
	tx.sess.History = append(tx.sess.History, HistoryEntry{
		Role: role,
		Text: text,
		TS:   time.Now(),
	})
}

// SetGoal sets the current goal, records it in the entered-goals list, and
// resets the per-goal turn counter.
func (tx *Txn) SetGoal(gid string) {
	tx.sess.CurrentGoal = gid
	tx.sess.EnteredGoals = append(tx.sess.EnteredGoals, gid)
	tx.sess.Counters.TurnsInGoal = 0
}

// AddUsage accumulates token and cost accounting.
func (tx *Txn) AddUsage(tokensIn, tokensOut int, costUnits float64) {
	tx.sess.Counters.TokensIn += tokensIn
	tx.sess.Counters.TokensOut += tokensOut
	tx.sess.Counters.CostUnits += costUnits
}

// CompleteTurn increments the turn counters.
func (tx *Txn) CompleteTurn() {
	tx.sess.Counters.Turns++
	tx.sess.Counters.TurnsInGoal++
}

// SetTerminal marks the session closed; subsequent turns are rejected with
// [ErrSessionTerminal].
func (tx *Txn) SetTerminal() {
	tx.sess.Terminal = true
}
