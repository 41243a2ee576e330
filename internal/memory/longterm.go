package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/111bobmoin/myLLMhoneynet/api/schemas"
	"github.com/111bobmoin/myLLMhoneynet/internal/observability"
)

// LongTermStore persists cross-run facts in badger and tracks attacker
// preference signals in a bounded LRU index. Facts are never auto-deleted;
// preferences are evicted least-recently-observed first when the index is
// full.
type LongTermStore struct {
	db    *badger.DB
	prefs *lru.Cache[string, schemas.Preference]
	dir   string
	log   *zap.Logger
}

// OpenLongTerm opens (or creates) the store under dir. Built-in seed facts
// for the canonical decoy ports are recorded first, so user-recorded facts
// always land on top of a non-empty baseline. Previously flushed
// preferences are reloaded in observation order.
func OpenLongTerm(dir string, preferenceCapacity int) (*LongTermStore, error) {
	if preferenceCapacity <= 0 {
		preferenceCapacity = 32
	}
	opts := badger.DefaultOptions(filepath.Join(dir, "longterm")).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open long-term store: %w", err)
	}
	prefs, err := lru.New[string, schemas.Preference](preferenceCapacity)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("build preference index: %w", err)
	}

	s := &LongTermStore{
		db:    db,
		prefs: prefs,
		dir:   dir,
		log:   observability.GetLogger().With(zap.String("component", "longterm_memory")),
	}
	if err := s.seedDefaults(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadPreferences(); err != nil {
		s.log.Warn("preference reload failed, starting empty", zap.Error(err))
	}
	return s, nil
}

// Close releases the badger handle. Flush first if the preference index
// should survive.
func (s *LongTermStore) Close() error { return s.db.Close() }

func factKey(port int, service schemas.ServiceKind, text string) []byte {
	return []byte(fmt.Sprintf("fact|%d|%s|%s", port, service, text))
}

func factPrefix(port int, service schemas.ServiceKind) []byte {
	return []byte(fmt.Sprintf("fact|%d|%s|", port, service))
}

// RecordFact stores one fact, deduplicated on the (port, service, text)
// triple. Re-recording an existing fact keeps its original FirstSeen.
func (s *LongTermStore) RecordFact(fact schemas.LongTermFact) error {
	if fact.Text == "" {
		return fmt.Errorf("record fact: empty text")
	}
	key := factKey(fact.Port, fact.Service, fact.Text)
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return nil
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		if fact.FirstSeen.IsZero() {
			fact.FirstSeen = time.Now().UTC()
		}
		value, err := json.Marshal(fact)
		if err != nil {
			return err
		}
		return txn.Set(key, value)
	})
}

// GetFacts returns every fact recorded for a port/service pairing, oldest
// first.
func (s *LongTermStore) GetFacts(port int, service schemas.ServiceKind) ([]schemas.LongTermFact, error) {
	var facts []schemas.LongTermFact
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = factPrefix(port, service)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var fact schemas.LongTermFact
				if err := json.Unmarshal(val, &fact); err != nil {
					return err
				}
				facts = append(facts, fact)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read facts for %d/%s: %w", port, service, err)
	}
	sort.Slice(facts, func(i, j int) bool { return facts[i].FirstSeen.Before(facts[j].FirstSeen) })
	return facts, nil
}

// UpdatePreference reinforces one behavioral signal. A signal beyond the
// index capacity evicts the least-recently-observed one.
func (s *LongTermStore) UpdatePreference(signal string) {
	if signal == "" {
		return
	}
	pref, ok := s.prefs.Get(signal)
	if !ok {
		pref = schemas.Preference{Signal: signal}
	}
	pref.Count++
	pref.LastObserved = time.Now().UTC()
	s.prefs.Add(signal, pref)
}

// GetPreferences returns the topN preferences by reinforcement count,
// most-reinforced first. topN <= 0 returns everything tracked.
func (s *LongTermStore) GetPreferences(topN int) []schemas.Preference {
	keys := s.prefs.Keys()
	out := make([]schemas.Preference, 0, len(keys))
	for _, key := range keys {
		if pref, ok := s.prefs.Peek(key); ok {
			out = append(out, pref)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}

func (s *LongTermStore) preferencesPath() string {
	return filepath.Join(s.dir, "preferences.json")
}

// Flush persists the preference index as a JSON artifact and syncs badger.
// Called explicitly on shutdown; nothing flushes implicitly.
func (s *LongTermStore) Flush() error {
	prefs := s.GetPreferences(0)
	// Persist in observation order so reload restores LRU recency.
	sort.Slice(prefs, func(i, j int) bool { return prefs[i].LastObserved.Before(prefs[j].LastObserved) })
	data, err := json.MarshalIndent(prefs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	if err := os.WriteFile(s.preferencesPath(), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write preferences: %w", err)
	}
	if err := s.db.Sync(); err != nil {
		return fmt.Errorf("sync long-term store: %w", err)
	}
	return nil
}

func (s *LongTermStore) loadPreferences() error {
	data, err := os.ReadFile(s.preferencesPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var prefs []schemas.Preference
	if err := json.Unmarshal(data, &prefs); err != nil {
		return err
	}
	// Stored oldest-first: adding in order leaves the most recent signals
	// most recently used.
	for _, pref := range prefs {
		s.prefs.Add(pref.Signal, pref)
	}
	return nil
}

// seedDefaults records the built-in baseline facts for the canonical decoy
// ports. RecordFact's dedup makes reseeding on every open a no-op, and user
// facts with different text simply coexist.
func (s *LongTermStore) seedDefaults() error {
	seeds := []schemas.LongTermFact{
		{Port: 22, Service: schemas.ServiceSSH, Text: "common for remote admin"},
		{Port: 22, Service: schemas.ServiceSSH, Text: "banner should look realistic but slightly outdated"},
		{Port: 80, Service: schemas.ServiceHTTP, Text: "static lure pages"},
		{Port: 80, Service: schemas.ServiceHTTP, Text: "expose admin-looking paths sparingly"},
		{Port: 443, Service: schemas.ServiceHTTPS, Text: "self-signed certificate acceptable"},
		{Port: 443, Service: schemas.ServiceHTTPS, Text: "keep cipher list plausible"},
	}
	for _, fact := range seeds {
		if err := s.RecordFact(fact); err != nil {
			return fmt.Errorf("seed fact: %w", err)
		}
	}
	return nil
}
