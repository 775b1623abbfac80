package upgrade

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// memStore keeps the ledger, catalog and bookkeeping tables in memory.
type memStore struct {
	mu sync.Mutex

	versions    map[Counter]int
	tables      map[string]map[string]bool
	indexes     map[string]bool
	checkpoints map[string][]string
	history     map[string]History

	// calls records lifecycle methods in order.
	calls []string

	// sets records every persisted version in order.
	sets []setCall

	failSets  int
	pingFails int
	pings     int
}

type setCall struct {
	counter Counter
	version int
}

var errInjected = errors.New("injected failure")

func newMemStore() *memStore {
	return &memStore{
		tables:      map[string]map[string]bool{},
		indexes:     map[string]bool{},
		checkpoints: map[string][]string{},
		history:     map[string]History{},
	}
}

// withLedger returns a store whose ledger already holds the versions.
func withLedger(design, data int) *memStore {
	s := newMemStore()
	s.versions = map[Counter]int{Design: design, Data: data}
	return s
}

func (s *memStore) call(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, name)
}

func (s *memStore) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *memStore) Sets() []setCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]setCall(nil), s.sets...)
}

func (s *memStore) PingServer(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pings++
	if s.pingFails != 0 {
		if s.pingFails > 0 {
			s.pingFails--
		}
		return errors.New("connection refused")
	}
	return nil
}

func (s *memStore) CreateDatabaseIfNotExists(ctx context.Context) error {
	s.call("create database")
	return nil
}

func (s *memStore) Open(ctx context.Context) error {
	s.call("open")
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) Handle() *sqlx.DB { return nil }

func (s *memStore) CreateMetaIfNotExists(ctx context.Context) error {
	s.call("create meta")
	return nil
}

func (s *memStore) CreateLedgerIfNotExists(ctx context.Context, design, data int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "create ledger")
	if s.versions != nil {
		return false, nil
	}
	s.versions = map[Counter]int{Design: design, Data: data}
	return true, nil
}

func (s *memStore) Version(ctx context.Context, c Counter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.versions == nil {
		return 0, ErrNoLedger
	}
	return s.versions[c], nil
}

func (s *memStore) SetVersion(ctx context.Context, c Counter, v int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.versions == nil {
		return ErrNoLedger
	}
	if s.failSets > 0 {
		s.failSets--
		return errInjected
	}
	s.versions[c] = v
	s.sets = append(s.sets, setCall{counter: c, version: v})
	return nil
}

func (s *memStore) version(c Counter) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versions[c]
}

// addTable creates table with columns unless it exists.
func (s *memStore) addTable(table string, columns ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[Ident(table)]
	if !ok {
		t = map[string]bool{}
		s.tables[Ident(table)] = t
	}
	for _, c := range columns {
		t[Ident(c)] = true
	}
}

func (s *memStore) addColumn(table, column string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[Ident(table)]
	if !ok {
		return fmt.Errorf("no such table: %s", table)
	}
	if t[Ident(column)] {
		return fmt.Errorf("duplicate column name: %s", column)
	}
	t[Ident(column)] = true
	return nil
}

func (s *memStore) TableExists(ctx context.Context, table string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tables[Ident(table)]
	return ok, nil
}

func (s *memStore) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tables[Ident(table)][Ident(column)], nil
}

func (s *memStore) IndexExists(ctx context.Context, table, index string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexes[Ident(table)+"."+Ident(index)], nil
}

func (s *memStore) ConstraintExists(ctx context.Context, table, name string) (bool, error) {
	return false, nil
}

func (s *memStore) PrimaryKeyExists(ctx context.Context, table, name string) (bool, error) {
	return false, nil
}

func checkpointKey(c Counter, version int) string {
	return fmt.Sprintf("%s/%d", c, version)
}

func (s *memStore) GetCheckpoints(ctx context.Context, c Counter, version int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.checkpoints[checkpointKey(c, version)]...), nil
}

func (s *memStore) InsertCheckpoint(ctx context.Context, c Counter, version, idx int, checksum string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := checkpointKey(c, version)
	if idx != len(s.checkpoints[k]) {
		return fmt.Errorf("checkpoint %d out of order", idx)
	}
	s.checkpoints[k] = append(s.checkpoints[k], checksum)
	return nil
}

func (s *memStore) DeleteCheckpoints(ctx context.Context, c Counter, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, checkpointKey(c, version))
	return nil
}

func (s *memStore) GetHistory(ctx context.Context) ([]History, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]History, 0, len(s.history))
	for _, h := range s.history {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Chain != out[j].Chain {
			return out[i].Chain < out[j].Chain
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (s *memStore) InsertHistory(ctx context.Context, h History) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[checkpointKey(Counter(h.Chain), h.Version)] = h
	return nil
}

// trace collects step names in the order they ran.
type trace struct {
	mu    sync.Mutex
	names []string
}

func (t *trace) add(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.names = append(t.names, name)
}

func (t *trace) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.names...)
}

// traced is a step that only records that it ran.
func traced(tr *trace, from int, name string) Step {
	return Func(from, name, func(ctx context.Context, env *Env) error {
		tr.add(name)
		return nil
	})
}

// failing is a step that always fails.
func failing(tr *trace, from int, name string) Step {
	return Func(from, name, func(ctx context.Context, env *Env) error {
		tr.add(name)
		return errInjected
	})
}

// designChain registers steps 46->47 ... 49->50.
func designChain(tr *trace) *Chain {
	c := NewChain(Design, 46)
	for v := 46; v < 50; v++ {
		c.Add(traced(tr, v, fmt.Sprintf("design %d", v+1)))
	}
	return c
}

type fakeOperator struct {
	mu       sync.Mutex
	answer   bool
	err      error
	prompts  []string
	messages []string
}

func (o *fakeOperator) Confirm(ctx context.Context, prompt string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prompts = append(o.prompts, prompt)
	return o.answer, o.err
}

func (o *fakeOperator) Inform(msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, msg)
}

// sinkRecorder collects progress messages.
type sinkRecorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *sinkRecorder) SetStatus(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *sinkRecorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func (r *sinkRecorder) Last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return ""
	}
	return r.msgs[len(r.msgs)-1]
}
