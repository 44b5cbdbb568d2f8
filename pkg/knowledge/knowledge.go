package knowledge

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cgast/crewd/pkg/store"
)

const keyPrefix = "knowledge/"

// Config tunes lookup and compaction behavior.
type Config struct {
	// MaxResults caps Lookup result sets.
	MaxResults int
	// SimilarityThreshold gates RecentFailures matches (0..1).
	SimilarityThreshold float64
	// RetentionDays bounds Compact.
	RetentionDays int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxResults:          20,
		SimilarityThreshold: 0.3,
		RetentionDays:       30,
	}
}

// KnowledgeStore is the append-only log plus in-memory secondary indexes.
// Writes are serialized; reads run against an immutable snapshot of the
// appended records.
type KnowledgeStore struct {
	cfg    Config
	kv     store.Store
	logger *zap.Logger

	mu        sync.RWMutex
	records   []Record         // append order
	byPattern map[string][]int // pattern_key -> record indexes
	byFprint  map[string][]int // context_fingerprint -> record indexes
	keys      []string         // kv key per record, parallel to records
}

// Open builds the store, rebuilding indexes from a prefix scan. The scan
// tolerates eventual consistency; Record guarantees read-your-writes.
func Open(kv store.Store, cfg Config, logger *zap.Logger) (*KnowledgeStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultConfig().MaxResults
	}

	ks := &KnowledgeStore{
		cfg:       cfg,
		kv:        kv,
		logger:    logger,
		byPattern: make(map[string][]int),
		byFprint:  make(map[string][]int),
	}

	entries, err := kv.Scan(keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("scan knowledge records: %w", err)
	}
	for _, e := range entries {
		var r Record
		if err := json.Unmarshal(e.Value, &r); err != nil {
			logger.Warn("skipping unreadable knowledge record",
				zap.String("key", e.Key), zap.Error(err))
			continue
		}
		ks.index(r, e.Key)
	}
	sortStable(ks)

	logger.Debug("knowledge store opened", zap.Int("records", len(ks.records)))
	return ks, nil
}

// Record appends one record, durably persisted before returning. The key
// is content-addressed, so replaying the same record is idempotent.
func (ks *KnowledgeStore) Record(r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	sum := sha256.Sum256(data)
	key := fmt.Sprintf("%s%s/%x.json", keyPrefix, r.RecordedAt.UTC().Format("20060102"), sum[:12])

	if err := ks.kv.Put(key, data); err != nil {
		return fmt.Errorf("persist record: %w", err)
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	for _, k := range ks.keys {
		if k == key {
			return nil // replayed append
		}
	}
	ks.index(r, key)
	return nil
}

// index assumes ks.mu is held (or exclusive access during Open).
func (ks *KnowledgeStore) index(r Record, key string) {
	idx := len(ks.records)
	ks.records = append(ks.records, r)
	ks.keys = append(ks.keys, key)
	ks.byPattern[r.PatternKey] = append(ks.byPattern[r.PatternKey], idx)
	if r.Fingerprint != "" {
		ks.byFprint[r.Fingerprint] = append(ks.byFprint[r.Fingerprint], idx)
	}
}

func sortStable(ks *KnowledgeStore) {
	type pair struct {
		r Record
		k string
	}
	pairs := make([]pair, len(ks.records))
	for i := range ks.records {
		pairs[i] = pair{ks.records[i], ks.keys[i]}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].r.RecordedAt.Before(pairs[j].r.RecordedAt)
	})
	ks.byPattern = make(map[string][]int)
	ks.byFprint = make(map[string][]int)
	for i, p := range pairs {
		ks.records[i] = p.r
		ks.keys[i] = p.k
		ks.byPattern[p.r.PatternKey] = append(ks.byPattern[p.r.PatternKey], i)
		if p.r.Fingerprint != "" {
			ks.byFprint[p.r.Fingerprint] = append(ks.byFprint[p.r.Fingerprint], i)
		}
	}
}

// Lookup returns up to cfg.MaxResults records matching the entity for the
// given query kind, ordered by recency × similarity.
func (ks *KnowledgeStore) Lookup(entity string, kind QueryKind) []Record {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	now := time.Now()
	type scored struct {
		r     Record
		score float64
	}
	var matches []scored

	for _, r := range ks.records {
		if !kindMatches(r, kind) {
			continue
		}
		sim := similarity(entity, r.PatternKey+" "+r.AgentID+" "+r.Details)
		if sim == 0 {
			continue
		}
		matches = append(matches, scored{r, sim * recencyWeight(now.Sub(r.RecordedAt))})
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	if len(matches) > ks.cfg.MaxResults {
		matches = matches[:ks.cfg.MaxResults]
	}

	out := make([]Record, len(matches))
	for i, m := range matches {
		out[i] = m.r
	}
	return out
}

func kindMatches(r Record, kind QueryKind) bool {
	switch kind {
	case QueryErrorPattern:
		return r.Outcome == OutcomeFailure
	case QuerySolution:
		return r.Outcome == OutcomeSuccess
	case QueryAgentPerf:
		return r.AgentID != ""
	case QueryFailureChains:
		return r.Outcome == OutcomeFailure && r.Cascade
	default:
		return false
	}
}

// RecentFailures returns failure records within the window whose
// fingerprint similarity to pattern exceeds the configured threshold.
func (ks *KnowledgeStore) RecentFailures(pattern string, window time.Duration) []Record {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	var out []Record
	for _, r := range ks.records {
		if r.Outcome != OutcomeFailure || r.RecordedAt.Before(cutoff) {
			continue
		}
		if similarity(pattern, r.PatternKey) > ks.cfg.SimilarityThreshold {
			out = append(out, r)
		}
	}
	return out
}

// ByFingerprint returns every record that ran against the exact context
// fingerprint, oldest first.
func (ks *KnowledgeStore) ByFingerprint(fingerprint string) []Record {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	idxs := ks.byFprint[fingerprint]
	out := make([]Record, len(idxs))
	for i, idx := range idxs {
		out[i] = ks.records[idx]
	}
	return out
}

// Cursor returns an opaque position marker covering every record visible
// now. Checkpoints store it so rollback knows which knowledge existed.
func (ks *KnowledgeStore) Cursor() int {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return len(ks.records)
}

// Compact discards records older than the retention age, but preserves at
// least one record per distinct pattern_key that ever produced a success.
// Compaction deletes from the kv store; it never rewrites surviving
// records.
func (ks *KnowledgeStore) Compact() (int, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -ks.cfg.RetentionDays)

	// Newest success index per pattern key.
	keepSuccess := make(map[string]int)
	for i, r := range ks.records {
		if r.Outcome == OutcomeSuccess {
			keepSuccess[r.PatternKey] = i
		}
	}

	var (
		kept    []Record
		keptKey []string
		removed int
	)
	for i, r := range ks.records {
		preserve := !r.RecordedAt.Before(cutoff) || keepSuccess[r.PatternKey] == i && r.Outcome == OutcomeSuccess
		if preserve {
			kept = append(kept, r)
			keptKey = append(keptKey, ks.keys[i])
			continue
		}
		if err := ks.kv.Delete(ks.keys[i]); err != nil {
			return removed, fmt.Errorf("compact delete %s: %w", ks.keys[i], err)
		}
		removed++
	}

	ks.records = kept
	ks.keys = keptKey
	ks.byPattern = make(map[string][]int)
	ks.byFprint = make(map[string][]int)
	for i, r := range ks.records {
		ks.byPattern[r.PatternKey] = append(ks.byPattern[r.PatternKey], i)
		if r.Fingerprint != "" {
			ks.byFprint[r.Fingerprint] = append(ks.byFprint[r.Fingerprint], i)
		}
	}

	if removed > 0 {
		ks.logger.Info("knowledge compaction", zap.Int("removed", removed), zap.Int("kept", len(kept)))
	}
	return removed, nil
}

// similarity is token Jaccard over lowercased whitespace-and-punct splits.
func similarity(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for t := range ta {
		if tb[t] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func tokens(s string) map[string]bool {
	out := make(map[string]bool)
	for _, t := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == ':' || r == '/' || r == '.' || r == ',' || r == '-' || r == '_'
	}) {
		out[t] = true
	}
	return out
}

// recencyWeight decays by half every 7 days.
func recencyWeight(age time.Duration) float64 {
	if age < 0 {
		age = 0
	}
	halfLives := age.Hours() / (24 * 7)
	w := 1.0
	for halfLives >= 1 {
		w /= 2
		halfLives--
	}
	return w * (1 - halfLives/2)
}
