package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// SchemaVersion is written into every persisted snapshot. Snapshots without a
// version and without a "files" object are the legacy flat layout.
const SchemaVersion = 2

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotImplemented     = errors.New("not implemented")
	ErrStorageUnavailable = errors.New("state storage unavailable")
	ErrCorruptState       = errors.New("corrupt state snapshot")
	ErrLocked             = errors.New("state is locked by another run")
)

type Status string

const (
	StatusUploaded Status = "uploaded"
	StatusFailed   Status = "failed"
)

type FileRecord struct {
	Hash          string    `json:"hash"`
	Status        Status    `json:"status"`
	LastAttempt   Timestamp `json:"last_attempt"`
	RetryCount    int       `json:"retry_count"`
	FileID        string    `json:"file_id,omitempty"`
	KnowledgeBase string    `json:"knowledge_base,omitempty"`
	Error         string    `json:"error,omitempty"`
}

type KnowledgeBaseRecord struct {
	Name      string    `json:"-"`
	ID        string    `json:"id"`
	CreatedAt Timestamp `json:"created_at"`
}

type SyncState struct {
	Version        int                            `json:"version"`
	Files          map[string]FileRecord          `json:"files"`
	KnowledgeBases map[string]KnowledgeBaseRecord `json:"knowledge_bases"`
}

func New() SyncState {
	return SyncState{
		Version:        SchemaVersion,
		Files:          map[string]FileRecord{},
		KnowledgeBases: map[string]KnowledgeBaseRecord{},
	}
}

// Decode parses a persisted snapshot. Legacy flat snapshots
// ({"path": "hash"}) are migrated and reported through the second result.
func Decode(raw []byte, now time.Time) (SyncState, bool, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return New(), false, nil
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return SyncState{}, false, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if isCurrentSchema(probe) {
		var st SyncState
		if err := json.Unmarshal(raw, &st); err != nil {
			return SyncState{}, false, fmt.Errorf("%w: %v", ErrCorruptState, err)
		}
		return normalize(st), false, nil
	}
	legacy := make(map[string]string, len(probe))
	for key, value := range probe {
		var hash string
		if err := json.Unmarshal(value, &hash); err != nil {
			return SyncState{}, false, fmt.Errorf("%w: unrecognized entry %q", ErrCorruptState, key)
		}
		legacy[key] = hash
	}
	return MigrateLegacy(legacy, now), len(legacy) > 0, nil
}

// MigrateLegacy lifts a flat path→hash map into the current schema. Every
// entry is treated as a successful upload.
func MigrateLegacy(legacy map[string]string, now time.Time) SyncState {
	st := New()
	for key, hash := range legacy {
		st.Files[key] = FileRecord{
			Hash:        hash,
			Status:      StatusUploaded,
			LastAttempt: Timestamp{Time: now.UTC()},
			RetryCount:  0,
		}
	}
	return st
}

func Encode(st SyncState) ([]byte, error) {
	st = normalize(st)
	st.Version = SchemaVersion
	return json.MarshalIndent(st, "", "  ")
}

func isCurrentSchema(probe map[string]json.RawMessage) bool {
	if _, ok := probe["version"]; ok {
		return true
	}
	for _, key := range []string{"files", "knowledge_bases"} {
		raw, ok := probe[key]
		if !ok {
			continue
		}
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) > 0 && (trimmed[0] == '{' || string(trimmed) == "null") {
			return true
		}
	}
	return false
}

func normalize(st SyncState) SyncState {
	if st.Files == nil {
		st.Files = map[string]FileRecord{}
	}
	if st.KnowledgeBases == nil {
		st.KnowledgeBases = map[string]KnowledgeBaseRecord{}
	}
	for name, kb := range st.KnowledgeBases {
		kb.Name = name
		st.KnowledgeBases[name] = kb
	}
	if st.Version == 0 {
		st.Version = SchemaVersion
	}
	return st
}

func (st SyncState) clone() SyncState {
	out := New()
	for key, rec := range st.Files {
		out.Files[key] = rec
	}
	for name, kb := range st.KnowledgeBases {
		out.KnowledgeBases[name] = kb
	}
	return out
}

func (st SyncState) sortedKnowledgeBases() []KnowledgeBaseRecord {
	out := make([]KnowledgeBaseRecord, 0, len(st.KnowledgeBases))
	for name, kb := range st.KnowledgeBases {
		kb.Name = name
		out = append(out, kb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Timestamp accepts RFC3339 as well as the naive ISO-8601 and unix-seconds
// forms found in older snapshots, and always writes RFC3339.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "" || raw == "null" {
		t.Time = time.Time{}
		return nil
	}
	if raw[0] != '"' {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("timestamp %s: %w", raw, err)
		}
		whole := int64(secs)
		t.Time = time.Unix(whole, int64((secs-float64(whole))*1e9)).UTC()
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("timestamp %q: unsupported format", s)
}
