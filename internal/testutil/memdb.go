// Package testutil provides in-memory implementations of storage interfaces
// for use in tests across the module. Never import this in production code.
package testutil

import (
	"sort"
	"strings"
	"sync"

	"github.com/tolelom/keychain/keychain"
	"github.com/tolelom/keychain/membership"
	"github.com/tolelom/keychain/pgp"
	"github.com/tolelom/keychain/storage"
	"github.com/tolelom/keychain/wot"
)

// MemDB is a thread-safe in-memory storage.DB for tests.
type MemDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemDB creates an empty MemDB.
func NewMemDB() *MemDB {
	return &MemDB{data: make(map[string][]byte)}
}

func (m *MemDB) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return v, nil
}

func (m *MemDB) Set(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = value
	return nil
}

func (m *MemDB) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

func (m *MemDB) NewIterator(prefix []byte) storage.Iterator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := string(prefix)
	var pairs []kv
	for k, v := range m.data {
		if strings.HasPrefix(k, p) {
			cp := make([]byte, len(v))
			copy(cp, v)
			pairs = append(pairs, kv{k: []byte(k), v: cp})
		}
	}
	return &memIter{pairs: pairs, idx: -1}
}

func (m *MemDB) NewBatch() storage.Batch {
	return &memBatch{db: m}
}

func (m *MemDB) Close() error { return nil }

// memBatch is an in-memory atomic write buffer for MemDB.
type memBatch struct {
	db  *MemDB
	ops []memBatchOp
}

type memBatchOp struct {
	key   string
	value []byte // nil means delete
}

func (b *memBatch) Set(key, value []byte) {
	cp := make([]byte, len(value))
	copy(cp, value)
	b.ops = append(b.ops, memBatchOp{string(key), cp})
}

func (b *memBatch) Delete(key []byte) {
	b.ops = append(b.ops, memBatchOp{string(key), nil})
}

func (b *memBatch) Reset() { b.ops = nil }

func (b *memBatch) Write() error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	for _, op := range b.ops {
		if op.value == nil {
			delete(b.db.data, op.key)
		} else {
			b.db.data[op.key] = op.value
		}
	}
	return nil
}

type kv struct{ k, v []byte }

type memIter struct {
	pairs []kv
	idx   int
}

func (it *memIter) Next() bool    { it.idx++; return it.idx < len(it.pairs) }
func (it *memIter) Key() []byte   { return it.pairs[it.idx].k }
func (it *memIter) Value() []byte { return it.pairs[it.idx].v }
func (it *memIter) Release()      {}
func (it *memIter) Error() error  { return nil }

// MemBlockStore is an in-memory keychain.BlockStore keyed by block number,
// tracking the current tip and a per-issuer last-block index.
type MemBlockStore struct {
	mu        sync.RWMutex
	byNumber  map[int]*keychain.Keyblock
	byIssuer  map[string]*keychain.Keyblock
	tip       *keychain.Keyblock
	hasTip    bool
}

// NewMemBlockStore returns an empty block store.
func NewMemBlockStore() *MemBlockStore {
	return &MemBlockStore{
		byNumber: make(map[int]*keychain.Keyblock),
		byIssuer: make(map[string]*keychain.Keyblock),
	}
}

func (s *MemBlockStore) Current() (*keychain.Keyblock, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tip, s.hasTip
}

func (s *MemBlockStore) FindByNumber(n int) (*keychain.Keyblock, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.byNumber[n]
	return b, ok
}

func (s *MemBlockStore) LastOfIssuer(fpr string) (*keychain.Keyblock, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.byIssuer[fpr]
	return b, ok
}

func (s *MemBlockStore) Save(b *keychain.Keyblock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byNumber[b.Number] = b
	s.byIssuer[b.Issuer] = b
	if !s.hasTip || b.Number > s.tip.Number {
		s.tip = b
		s.hasTip = true
	}
	return nil
}

// MemMemberStore is an in-memory keychain.MemberStore over wot.KeyRow,
// keyed by fingerprint.
type MemMemberStore struct {
	mu   sync.RWMutex
	rows map[string]*wot.KeyRow
}

// NewMemMemberStore returns an empty member store.
func NewMemMemberStore() *MemMemberStore {
	return &MemMemberStore{rows: make(map[string]*wot.KeyRow)}
}

func (s *MemMemberStore) IsMember(fpr string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[fpr]
	return ok && row.Member
}

func (s *MemMemberStore) Members() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for fpr, row := range s.rows {
		if row.Member {
			out = append(out, fpr)
		}
	}
	sort.Strings(out)
	return out
}

func (s *MemMemberStore) AddMember(fpr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[fpr]
	if !ok {
		row = &wot.KeyRow{Fingerprint: fpr, Distanced: make(map[string]bool)}
		s.rows[fpr] = row
	}
	row.Member = true
	return nil
}

func (s *MemMemberStore) RemoveMember(fpr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[fpr]
	if !ok {
		return nil
	}
	row.Member = false
	return nil
}

func (s *MemMemberStore) SetKicked(fpr string, distanced map[string]bool, notEnoughLinks bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[fpr]
	if !ok {
		row = &wot.KeyRow{Fingerprint: fpr}
		s.rows[fpr] = row
	}
	row.Kick = true
	row.Distanced = distanced
	_ = notEnoughLinks
	return nil
}

func (s *MemMemberStore) UnsetKicked(fpr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[fpr]
	if !ok {
		return nil
	}
	row.Kick = false
	row.Distanced = nil
	return nil
}

func (s *MemMemberStore) GetToBeKicked() []*wot.KeyRow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*wot.KeyRow
	for _, row := range s.rows {
		if row.Kick {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}

func (s *MemMemberStore) GetRow(fpr string) (*wot.KeyRow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[fpr]
	return row, ok
}

// MemLinkStore is an in-memory keychain.LinkStore over wot.Link, retaining
// every link ever saved (obsolete links are flagged, never deleted, per
// spec.md §4.6).
type MemLinkStore struct {
	mu       sync.RWMutex
	links    []*wot.Link
	obsolete map[*wot.Link]bool
}

// NewMemLinkStore returns an empty link store.
func NewMemLinkStore() *MemLinkStore {
	return &MemLinkStore{obsolete: make(map[*wot.Link]bool)}
}

func (s *MemLinkStore) CurrentValidLinks(target string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, l := range s.links {
		if l.Target == target && !s.obsolete[l] {
			out = append(out, l.Source)
		}
	}
	sort.Strings(out)
	return out
}

func (s *MemLinkStore) Save(l *wot.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links = append(s.links, l)
	return nil
}

func (s *MemLinkStore) Obsoletes(ageCutoff int64) ([]*wot.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var newlyObsolete []*wot.Link
	for _, l := range s.links {
		if s.obsolete[l] {
			continue
		}
		if l.Timestamp < ageCutoff {
			s.obsolete[l] = true
			newlyObsolete = append(newlyObsolete, l)
		}
	}
	return newlyObsolete, nil
}

func (s *MemLinkStore) AllCurrentLinks() []*wot.Link {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*wot.Link
	for _, l := range s.links {
		if !s.obsolete[l] {
			out = append(out, l)
		}
	}
	return out
}

// MemTrustedKeyStore is an in-memory keychain.TrustedKeyStore keyed by both
// fingerprint and key ID, so GetTheOne accepts either.
type MemTrustedKeyStore struct {
	mu       sync.RWMutex
	byFpr    map[string]*pgp.TrustedKey
	byKeyID  map[string]*pgp.TrustedKey
}

// NewMemTrustedKeyStore returns an empty trusted-key store.
func NewMemTrustedKeyStore() *MemTrustedKeyStore {
	return &MemTrustedKeyStore{
		byFpr:   make(map[string]*pgp.TrustedKey),
		byKeyID: make(map[string]*pgp.TrustedKey),
	}
}

func (s *MemTrustedKeyStore) GetTheOne(fprOrKeyID string) (*pgp.TrustedKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tk, ok := s.byFpr[fprOrKeyID]; ok {
		return tk, true
	}
	tk, ok := s.byKeyID[fprOrKeyID]
	return tk, ok
}

func (s *MemTrustedKeyStore) Save(tk *pgp.TrustedKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byFpr[tk.Fingerprint] = tk
	s.byKeyID[tk.KeyID] = tk
	return nil
}

// MemMembershipStore is an in-memory membership.Store.
type MemMembershipStore struct {
	mu      sync.RWMutex
	entries map[string]*membership.Membership // "issuer:hash" -> membership
}

// NewMemMembershipStore returns an empty membership store.
func NewMemMembershipStore() *MemMembershipStore {
	return &MemMembershipStore{entries: make(map[string]*membership.Membership)}
}

func (s *MemMembershipStore) Save(m *membership.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[m.Issuer+":"+m.Hash] = m
	return nil
}

func (s *MemMembershipStore) Find(eligible bool) []*membership.Membership {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*membership.Membership
	for _, m := range s.entries {
		if m.Eligible == eligible {
			out = append(out, m)
		}
	}
	return out
}

func (s *MemMembershipStore) RemoveFor(fpr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, m := range s.entries {
		if m.Issuer == fpr {
			delete(s.entries, key)
		}
	}
	return nil
}

func (s *MemMembershipStore) GetForHashAndIssuer(hash, fpr string) (*membership.Membership, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.entries[fpr+":"+hash]
	return m, ok
}
