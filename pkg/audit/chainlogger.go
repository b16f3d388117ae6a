package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// LogEntry is one link of the audit chain.
type LogEntry struct {
	Seq          uint64 `json:"seq"`
	Timestamp    string `json:"timestamp"`
	Kind         string `json:"kind"`
	Subject      string `json:"subject"`
	PreviousHash string `json:"previous_hash"`
	Payload      string `json:"payload"`
	Hash         string `json:"hash"`
}

// Sink receives every entry after it is chained.
type Sink interface {
	Write(entry *LogEntry) error
}

// ChainLogger is a tamper-evident, hash-chained log of decisions. It keeps
// the most recent entries in memory and forwards each one to an optional sink.
type ChainLogger struct {
	mu           sync.Mutex
	previousHash string
	seq          uint64
	sink         Sink
	recent       []*LogEntry
	keep         int
	now          func() time.Time
}

type Option func(*ChainLogger)

func WithSink(s Sink) Option { return func(c *ChainLogger) { c.sink = s } }

// WithRetention sets how many entries Recent can return.
func WithRetention(n int) Option { return func(c *ChainLogger) { c.keep = n } }

func WithClock(now func() time.Time) Option { return func(c *ChainLogger) { c.now = now } }

// NewChainLogger creates a ChainLogger initialized with a zero hash.
func NewChainLogger(opts ...Option) *ChainLogger {
	c := &ChainLogger{
		previousHash: strings.Repeat("0", 64),
		keep:         1000,
		now:          time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Record chains a JSON encoding of payload under kind and subject.
func (c *ChainLogger) Record(kind, subject string, payload any) (*LogEntry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode audit payload: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	entry := &LogEntry{
		Seq:          c.seq,
		Timestamp:    c.now().UTC().Format(time.RFC3339Nano),
		Kind:         kind,
		Subject:      subject,
		PreviousHash: c.previousHash,
		Payload:      string(raw),
	}
	entry.Hash = entryHash(entry.PreviousHash, entry)
	c.previousHash = entry.Hash

	c.recent = append(c.recent, entry)
	if over := len(c.recent) - c.keep; over > 0 {
		c.recent = append(c.recent[:0:0], c.recent[over:]...)
	}

	if c.sink != nil {
		if err := c.sink.Write(entry); err != nil {
			return entry, fmt.Errorf("audit sink: %w", err)
		}
	}
	return entry, nil
}

// Recent returns up to n of the newest entries, oldest first.
func (c *ChainLogger) Recent(n int) []*LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n <= 0 || n > len(c.recent) {
		n = len(c.recent)
	}
	out := make([]*LogEntry, n)
	copy(out, c.recent[len(c.recent)-n:])
	return out
}

func entryHash(prev string, e *LogEntry) string {
	hashInput := fmt.Sprintf("%s|%d|%s|%s|%s|%s", prev, e.Seq, e.Timestamp, e.Kind, e.Subject, e.Payload)
	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

// VerifyChain checks if a slice of entries forms a valid hash chain.
func VerifyChain(entries []*LogEntry) bool {
	for i, entry := range entries {
		prevHash := entry.PreviousHash
		if i > 0 {
			prevHash = entries[i-1].Hash
			if entry.PreviousHash != prevHash {
				return false
			}
		}
		if entryHash(prevHash, entry) != entry.Hash {
			return false
		}
	}
	return true
}

// SlogSink writes entries as structured log records.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) Write(e *LogEntry) error {
	s.Logger.Info("audit",
		"seq", e.Seq,
		"kind", e.Kind,
		"subject", e.Subject,
		"payload", json.RawMessage(e.Payload),
		"hash", e.Hash,
	)
	return nil
}
