package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"

	logx "modguard/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.sanctions.snapshot.json (compacted sanction map)
//   - <prefix>.sanctions.journal.jsonl (one line per applied batch)
//   - <prefix>.infractions.jsonl       (append-only ledger)
//   - <prefix>.policies.json           (guild overrides, rewritten on put)
//   - <prefix>.lock                    (held while open)
//
// A batch occupies exactly one journal line, so a torn write loses the whole
// batch instead of half of it. State lives in memory, so only one process may
// hold the files; a second open fails with ErrLocked.
type fileStore struct {
	log  logx.Logger
	lock *flock.Flock

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	sanctions    map[SanctionKey]SanctionRecord
	batches      int

	ledger      *os.File
	infractions map[memberKey][]InfractionRecord // oldest first
	maxID       int64
	nonces      map[string]int64

	policyPath string
	policies   map[int64]json.RawMessage
}

type memberKey struct{ guildID, userID int64 }

type sanctionBatch struct {
	Put    []SanctionRecord `json:"put,omitempty"`
	Delete []SanctionKey    `json:"del,omitempty"`
}

const compactEvery = 200

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	prefix := filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	lock := flock.New(prefix + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	s := &fileStore{
		log:          log,
		lock:         lock,
		snapshotPath: prefix + ".sanctions.snapshot.json",
		sanctions:    map[SanctionKey]SanctionRecord{},
		infractions:  map[memberKey][]InfractionRecord{},
		nonces:       map[string]int64{},
		policyPath:   prefix + ".policies.json",
		policies:     map[int64]json.RawMessage{},
	}
	if err := s.load(prefix); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return s, nil
}

func (s *fileStore) load(prefix string) error {

	journalPath := prefix + ".sanctions.journal.jsonl"
	ledgerPath := prefix + ".infractions.jsonl"

	if err := s.loadSnapshot(); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := s.replayJournal(journalPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := s.loadLedger(ledgerPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := readJSON(s.policyPath, &s.policies); err != nil && !os.IsNotExist(err) {
		return err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	lf, err := os.OpenFile(ledgerPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return err
	}
	s.journal, s.ledger = jf, lf
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
		s.journal = nil
	}
	if s.ledger != nil {
		errs = append(errs, s.ledger.Close())
		s.ledger = nil
	}
	if s.lock != nil {
		errs = append(errs, s.lock.Unlock())
		s.lock = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) LoadSanctions(ctx context.Context) ([]SanctionRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SanctionRecord, 0, len(s.sanctions))
	for _, r := range s.sanctions {
		out = append(out, r)
	}
	return out, nil
}

func (s *fileStore) ApplySanctions(ctx context.Context, changes SanctionChanges) error {
	_ = ctx
	if changes.Empty() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}

	line, err := json.Marshal(sanctionBatch{Put: changes.Put, Delete: changes.Delete})
	if err != nil {
		return err
	}
	if _, err := s.journal.Write(append(line, '\n')); err != nil {
		return err
	}
	if err := s.journal.Sync(); err != nil {
		return err
	}
	applyBatch(s.sanctions, sanctionBatch{Put: changes.Put, Delete: changes.Delete})

	s.batches++
	if s.batches%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("sanction journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) AppendInfractions(ctx context.Context, recs []InfractionRecord) ([]int64, error) {
	_ = ctx
	if len(recs) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ledger == nil {
		return nil, ErrClosed
	}

	var buf []byte
	ids := make([]int64, len(recs))
	fresh := recs[:0:0]
	next := s.maxID
	seen := map[string]int64{}
	for i, r := range recs {
		if r.Nonce != "" {
			if id, ok := s.nonces[r.Nonce]; ok {
				ids[i] = id
				continue
			}
			if id, ok := seen[r.Nonce]; ok {
				ids[i] = id
				continue
			}
		}
		next++
		r.ID = next
		if r.Nonce != "" {
			seen[r.Nonce] = r.ID
		}
		b, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		buf = append(append(buf, b...), '\n')
		fresh = append(fresh, r)
		ids[i] = r.ID
	}
	if len(buf) > 0 {
		if _, err := s.ledger.Write(buf); err != nil {
			return nil, err
		}
	}
	for _, r := range fresh {
		s.indexLocked(r)
	}
	return ids, nil
}

func (s *fileStore) RecentInfractions(ctx context.Context, guildID, userID int64, limit int) ([]InfractionRecord, error) {
	_ = ctx
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.infractions[memberKey{guildID, userID}]
	n := min(limit, len(all))
	out := make([]InfractionRecord, 0, n)
	for i := len(all) - 1; i >= len(all)-n; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *fileStore) GetPolicy(ctx context.Context, guildID int64) ([]byte, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.policies[guildID]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), doc...), true, nil
}

func (s *fileStore) PutPolicy(ctx context.Context, guildID int64, doc []byte) error {
	_ = ctx
	if !json.Valid(doc) {
		return errors.New("policy document is not valid JSON")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[int64]json.RawMessage, len(s.policies)+1)
	for k, v := range s.policies {
		next[k] = v
	}
	next[guildID] = append(json.RawMessage(nil), doc...)
	if err := writeJSONAtomic(s.policyPath, next); err != nil {
		return err
	}
	s.policies = next
	return nil
}

func (s *fileStore) indexLocked(r InfractionRecord) {
	k := memberKey{r.GuildID, r.UserID}
	s.infractions[k] = append(s.infractions[k], r)
	if r.ID > s.maxID {
		s.maxID = r.ID
	}
	if r.Nonce != "" {
		s.nonces[r.Nonce] = r.ID
	}
}

func (s *fileStore) compactLocked() error {
	recs := make([]SanctionRecord, 0, len(s.sanctions))
	for _, r := range s.sanctions {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.GuildID != b.GuildID {
			return a.GuildID < b.GuildID
		}
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		return a.Kind < b.Kind
	})
	if err := writeJSONAtomic(s.snapshotPath, recs); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err := s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot() error {
	var recs []SanctionRecord
	if err := readJSON(s.snapshotPath, &recs); err != nil {
		return err
	}
	for _, r := range recs {
		s.sanctions[r.Key()] = r
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var b sanctionBatch
		if err := json.Unmarshal(sc.Bytes(), &b); err != nil {
			s.log.Warn("skipping torn sanction journal line", logx.Err(err))
			continue
		}
		applyBatch(s.sanctions, b)
	}
	return sc.Err()
}

func (s *fileStore) loadLedger(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r InfractionRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == 0 {
			continue
		}
		s.indexLocked(r)
	}
	return sc.Err()
}

func applyBatch(m map[SanctionKey]SanctionRecord, b sanctionBatch) {
	for _, k := range b.Delete {
		delete(m, k)
	}
	for _, r := range b.Put {
		m[r.Key()] = r
	}
}

func readJSON(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(v)
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
