// Package indexer maintains secondary indices over applied keyblocks so
// operational tooling can query certifications-by-target and the
// kicked-member list without scanning the full WoT store. Pending
// memberships are not indexed here.
package indexer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/tolelom/keychain/events"
	"github.com/tolelom/keychain/storage"
)

const (
	prefixCertifiedBy = "idx:certified:"
	prefixKicked      = "idx:kicked:"
)

// Indexer subscribes to keychain events and updates secondary lookup
// tables.
type Indexer struct {
	db      storage.DB
	emitter *events.Emitter
}

// New creates an Indexer backed by db and subscribes to relevant events.
func New(db storage.DB, emitter *events.Emitter) *Indexer {
	idx := &Indexer{db: db, emitter: emitter}
	emitter.Subscribe(events.EventLinkAdded, idx.onLinkAdded)
	emitter.Subscribe(events.EventLinkObsolete, idx.onLinkObsolete)
	emitter.Subscribe(events.EventMemberKicked, idx.onMemberKicked)
	emitter.Subscribe(events.EventMemberUnkicked, idx.onMemberUnkicked)
	return idx
}

// GetCertifiers returns every source fingerprint that currently certifies
// target, according to the index.
func (idx *Indexer) GetCertifiers(target string) ([]string, error) {
	return idx.getList(prefixCertifiedBy + target)
}

// IsKicked reports whether fpr is currently flagged for removal.
func (idx *Indexer) IsKicked(fpr string) bool {
	_, err := idx.db.Get([]byte(prefixKicked + fpr))
	return err == nil
}

// ---- event handlers ----

func (idx *Indexer) onLinkAdded(ev events.Event) {
	source, _ := ev.Data["source"].(string)
	target := ev.Fingerprint
	if source == "" || target == "" {
		return
	}
	if err := idx.addToList(prefixCertifiedBy+target, source); err != nil {
		log.Printf("[indexer] link index write failed (source=%s target=%s): %v", source, target, err)
	}
}

func (idx *Indexer) onLinkObsolete(ev events.Event) {
	source, _ := ev.Data["source"].(string)
	target := ev.Fingerprint
	if source == "" || target == "" {
		return
	}
	if err := idx.removeFromList(prefixCertifiedBy+target, source); err != nil {
		log.Printf("[indexer] link obsolescence index update failed (source=%s target=%s): %v", source, target, err)
	}
}

func (idx *Indexer) onMemberKicked(ev events.Event) {
	if err := idx.db.Set([]byte(prefixKicked+ev.Fingerprint), []byte("1")); err != nil {
		log.Printf("[indexer] kicked index write failed (fpr=%s): %v", ev.Fingerprint, err)
	}
}

func (idx *Indexer) onMemberUnkicked(ev events.Event) {
	if err := idx.db.Delete([]byte(prefixKicked + ev.Fingerprint)); err != nil {
		log.Printf("[indexer] kicked index delete failed (fpr=%s): %v", ev.Fingerprint, err)
	}
}

// ---- list helpers ----

func (idx *Indexer) getList(key string) ([]string, error) {
	data, err := idx.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("indexer unmarshal: %w", err)
	}
	return ids, nil
}

func (idx *Indexer) addToList(key, value string) error {
	ids, err := idx.getList(key)
	if err != nil {
		return fmt.Errorf("read list: %w", err)
	}
	for _, id := range ids {
		if id == value {
			return nil
		}
	}
	ids = append(ids, value)
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return idx.db.Set([]byte(key), data)
}

func (idx *Indexer) removeFromList(key, value string) error {
	ids, err := idx.getList(key)
	if err != nil {
		return fmt.Errorf("read list: %w", err)
	}
	if ids == nil {
		return nil
	}
	filtered := ids[:0]
	for _, id := range ids {
		if id != value {
			filtered = append(filtered, id)
		}
	}
	data, err := json.Marshal(filtered)
	if err != nil {
		return err
	}
	return idx.db.Set([]byte(key), data)
}
