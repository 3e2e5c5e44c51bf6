package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/tolelom/keychain/keychain"
	"github.com/tolelom/keychain/membership"
	"github.com/tolelom/keychain/pgp"
	"github.com/tolelom/keychain/wot"
)

// LevelDB implements DB using LevelDB.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB opens (or creates) a LevelDB database at path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %q: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) Get(key []byte) ([]byte, error) {
	val, err := l.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return val, err
}

func (l *LevelDB) Set(key, value []byte) error {
	return l.db.Put(key, value, nil)
}

func (l *LevelDB) Delete(key []byte) error {
	return l.db.Delete(key, nil)
}

func (l *LevelDB) NewIterator(prefix []byte) Iterator {
	return l.db.NewIterator(util.BytesPrefix(prefix), nil)
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}

func (l *LevelDB) NewBatch() Batch {
	return &levelBatch{db: l.db, b: new(leveldb.Batch)}
}

// levelBatch implements Batch on a leveldb.Batch, written in one db.Write.
type levelBatch struct {
	db *leveldb.DB
	b  *leveldb.Batch
}

func (b *levelBatch) Set(key, value []byte) { b.b.Put(key, value) }
func (b *levelBatch) Delete(key []byte)     { b.b.Delete(key) }
func (b *levelBatch) Write() error          { return b.db.Write(b.b, nil) }
func (b *levelBatch) Reset()                { b.b.Reset() }

// ---- BlockStore ----

const (
	prefixBlockByNumber = "block:number:"
	prefixBlockByIssuer = "block:issuer:"
	keyChainTip         = "chain:tip"
)

// LevelBlockStore implements keychain.BlockStore on top of a DB.
type LevelBlockStore struct {
	db  DB
	tip *keychain.Keyblock
}

// NewLevelBlockStore wraps db as a BlockStore, loading the current tip (if
// any) from the tip pointer key.
func NewLevelBlockStore(db DB) (*LevelBlockStore, error) {
	s := &LevelBlockStore{db: db}
	raw, err := db.Get([]byte(keyChainTip))
	if err == ErrNotFound {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return nil, fmt.Errorf("storage: bad tip pointer %q: %w", raw, err)
	}
	tip, ok := s.FindByNumber(n)
	if !ok {
		return nil, fmt.Errorf("storage: tip pointer %d has no backing block", n)
	}
	s.tip = tip
	return s, nil
}

func (s *LevelBlockStore) Current() (*keychain.Keyblock, bool) {
	return s.tip, s.tip != nil
}

func (s *LevelBlockStore) FindByNumber(n int) (*keychain.Keyblock, bool) {
	data, err := s.db.Get([]byte(prefixBlockByNumber + strconv.Itoa(n)))
	if err != nil {
		return nil, false
	}
	var b keychain.Keyblock
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, false
	}
	return &b, true
}

func (s *LevelBlockStore) LastOfIssuer(fpr string) (*keychain.Keyblock, bool) {
	data, err := s.db.Get([]byte(prefixBlockByIssuer + fpr))
	if err != nil {
		return nil, false
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return nil, false
	}
	return s.FindByNumber(n)
}

func (s *LevelBlockStore) Save(b *keychain.Keyblock) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	batch.Set([]byte(prefixBlockByNumber+strconv.Itoa(b.Number)), data)
	batch.Set([]byte(prefixBlockByIssuer+b.Issuer), []byte(strconv.Itoa(b.Number)))
	batch.Set([]byte(keyChainTip), []byte(strconv.Itoa(b.Number)))
	if err := batch.Write(); err != nil {
		return err
	}
	s.tip = b
	return nil
}

// ---- MemberStore ----

const prefixMemberRow = "member:"

// LevelMemberStore implements keychain.MemberStore on top of a DB.
type LevelMemberStore struct {
	db DB
}

// NewLevelMemberStore wraps db as a MemberStore.
func NewLevelMemberStore(db DB) *LevelMemberStore {
	return &LevelMemberStore{db: db}
}

func (s *LevelMemberStore) getRow(fpr string) (*wot.KeyRow, error) {
	data, err := s.db.Get([]byte(prefixMemberRow + fpr))
	if err == ErrNotFound {
		return &wot.KeyRow{Fingerprint: fpr, Distanced: make(map[string]bool)}, nil
	}
	if err != nil {
		return nil, err
	}
	var row wot.KeyRow
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *LevelMemberStore) saveRow(row *wot.KeyRow) error {
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return s.db.Set([]byte(prefixMemberRow+row.Fingerprint), data)
}

func (s *LevelMemberStore) IsMember(fpr string) bool {
	row, err := s.getRow(fpr)
	return err == nil && row.Member
}

func (s *LevelMemberStore) Members() []string {
	it := s.db.NewIterator([]byte(prefixMemberRow))
	defer it.Release()
	var out []string
	for it.Next() {
		var row wot.KeyRow
		if err := json.Unmarshal(it.Value(), &row); err != nil {
			continue
		}
		if row.Member {
			out = append(out, row.Fingerprint)
		}
	}
	sort.Strings(out)
	return out
}

func (s *LevelMemberStore) AddMember(fpr string) error {
	row, err := s.getRow(fpr)
	if err != nil {
		return err
	}
	row.Member = true
	return s.saveRow(row)
}

func (s *LevelMemberStore) RemoveMember(fpr string) error {
	row, err := s.getRow(fpr)
	if err != nil {
		return err
	}
	row.Member = false
	return s.saveRow(row)
}

func (s *LevelMemberStore) SetKicked(fpr string, distanced map[string]bool, notEnoughLinks bool) error {
	row, err := s.getRow(fpr)
	if err != nil {
		return err
	}
	row.Kick = true
	row.Distanced = distanced
	_ = notEnoughLinks
	return s.saveRow(row)
}

func (s *LevelMemberStore) UnsetKicked(fpr string) error {
	row, err := s.getRow(fpr)
	if err != nil {
		return err
	}
	row.Kick = false
	row.Distanced = nil
	return s.saveRow(row)
}

func (s *LevelMemberStore) GetToBeKicked() []*wot.KeyRow {
	it := s.db.NewIterator([]byte(prefixMemberRow))
	defer it.Release()
	var out []*wot.KeyRow
	for it.Next() {
		var row wot.KeyRow
		if err := json.Unmarshal(it.Value(), &row); err != nil {
			continue
		}
		if row.Kick {
			cp := row
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}

func (s *LevelMemberStore) GetRow(fpr string) (*wot.KeyRow, bool) {
	data, err := s.db.Get([]byte(prefixMemberRow + fpr))
	if err != nil {
		return nil, false
	}
	var row wot.KeyRow
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, false
	}
	return &row, true
}

// ---- LinkStore ----

const prefixLink = "link:"

// LevelLinkStore implements keychain.LinkStore on top of a DB, keyed by
// "link:<target>:<source>" so CurrentValidLinks can range-scan by target.
type LevelLinkStore struct {
	db       DB
	obsolete map[string]bool
}

// NewLevelLinkStore wraps db as a LinkStore.
func NewLevelLinkStore(db DB) *LevelLinkStore {
	return &LevelLinkStore{db: db, obsolete: make(map[string]bool)}
}

func linkKey(target, source string) string {
	return prefixLink + target + ":" + source
}

func (s *LevelLinkStore) Save(l *wot.Link) error {
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	return s.db.Set([]byte(linkKey(l.Target, l.Source)), data)
}

func (s *LevelLinkStore) CurrentValidLinks(target string) []string {
	it := s.db.NewIterator([]byte(prefixLink + target + ":"))
	defer it.Release()
	var out []string
	for it.Next() {
		key := string(it.Key())
		if s.obsolete[key] {
			continue
		}
		var l wot.Link
		if err := json.Unmarshal(it.Value(), &l); err != nil {
			continue
		}
		out = append(out, l.Source)
	}
	sort.Strings(out)
	return out
}

func (s *LevelLinkStore) Obsoletes(ageCutoff int64) ([]*wot.Link, error) {
	it := s.db.NewIterator([]byte(prefixLink))
	defer it.Release()
	var newlyObsolete []*wot.Link
	for it.Next() {
		key := string(it.Key())
		if s.obsolete[key] {
			continue
		}
		var l wot.Link
		if err := json.Unmarshal(it.Value(), &l); err != nil {
			continue
		}
		if l.Timestamp < ageCutoff {
			s.obsolete[key] = true
			cp := l
			newlyObsolete = append(newlyObsolete, &cp)
		}
	}
	return newlyObsolete, it.Error()
}

func (s *LevelLinkStore) AllCurrentLinks() []*wot.Link {
	it := s.db.NewIterator([]byte(prefixLink))
	defer it.Release()
	var out []*wot.Link
	for it.Next() {
		if s.obsolete[string(it.Key())] {
			continue
		}
		var l wot.Link
		if err := json.Unmarshal(it.Value(), &l); err != nil {
			continue
		}
		cp := l
		out = append(out, &cp)
	}
	return out
}

// ---- TrustedKeyStore ----

const prefixTrustedKey = "trustedkey:"

// LevelTrustedKeyStore implements keychain.TrustedKeyStore on top of a DB,
// keyed by fingerprint. Certifications resolve issuers by 16-hex key ID
// rather than full fingerprint; such a lookup scans every stored trusted
// key (there is no secondary key-ID index).
type LevelTrustedKeyStore struct {
	db DB
}

// NewLevelTrustedKeyStore wraps db as a TrustedKeyStore.
func NewLevelTrustedKeyStore(db DB) *LevelTrustedKeyStore {
	return &LevelTrustedKeyStore{db: db}
}

func (s *LevelTrustedKeyStore) GetTheOne(fprOrKeyID string) (*pgp.TrustedKey, bool) {
	data, err := s.db.Get([]byte(prefixTrustedKey + fprOrKeyID))
	if err == nil {
		var tk pgp.TrustedKey
		if json.Unmarshal(data, &tk) == nil {
			return &tk, true
		}
	}
	if len(fprOrKeyID) == 16 {
		it := s.db.NewIterator([]byte(prefixTrustedKey))
		defer it.Release()
		for it.Next() {
			var tk pgp.TrustedKey
			if err := json.Unmarshal(it.Value(), &tk); err != nil {
				continue
			}
			if strings.EqualFold(tk.KeyID, fprOrKeyID) {
				return &tk, true
			}
		}
	}
	return nil, false
}

func (s *LevelTrustedKeyStore) Save(tk *pgp.TrustedKey) error {
	data, err := json.Marshal(tk)
	if err != nil {
		return err
	}
	return s.db.Set([]byte(prefixTrustedKey+tk.Fingerprint), data)
}

// ---- MembershipStore ----

const prefixMembership = "membership:"

// LevelMembershipStore implements membership.Store on top of a DB.
type LevelMembershipStore struct {
	db DB
}

// NewLevelMembershipStore wraps db as a membership.Store.
func NewLevelMembershipStore(db DB) *LevelMembershipStore {
	return &LevelMembershipStore{db: db}
}

func membershipKey(issuer, hash string) string {
	return prefixMembership + issuer + ":" + hash
}

func (s *LevelMembershipStore) Save(m *membership.Membership) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.db.Set([]byte(membershipKey(m.Issuer, m.Hash)), data)
}

func (s *LevelMembershipStore) Find(eligible bool) []*membership.Membership {
	it := s.db.NewIterator([]byte(prefixMembership))
	defer it.Release()
	var out []*membership.Membership
	for it.Next() {
		var m membership.Membership
		if err := json.Unmarshal(it.Value(), &m); err != nil {
			continue
		}
		if m.Eligible == eligible {
			cp := m
			out = append(out, &cp)
		}
	}
	return out
}

func (s *LevelMembershipStore) RemoveFor(fpr string) error {
	it := s.db.NewIterator([]byte(prefixMembership + fpr + ":"))
	var keys [][]byte
	for it.Next() {
		k := make([]byte, len(it.Key()))
		copy(k, it.Key())
		keys = append(keys, k)
	}
	it.Release()
	for _, k := range keys {
		if err := s.db.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *LevelMembershipStore) GetForHashAndIssuer(hash, fpr string) (*membership.Membership, bool) {
	data, err := s.db.Get([]byte(membershipKey(fpr, hash)))
	if err != nil {
		return nil, false
	}
	var m membership.Membership
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	return &m, true
}
