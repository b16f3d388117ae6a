package audit

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestChainLogger(t *testing.T) {
	logger := NewChainLogger()

	e1, err := logger.Record("transfer.committed", "t-1", map[string]any{"amount": 2500})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	e2, _ := logger.Record("transfer.aborted", "t-2", map[string]any{"reason": "insufficient_funds"})
	e3, _ := logger.Record("recovery.commit", "t-3", nil)

	chain := []*LogEntry{e1, e2, e3}
	if !VerifyChain(chain) {
		t.Error("VerifyChain failed for valid chain")
	}
	if e1.Seq != 1 || e3.Seq != 3 {
		t.Errorf("unexpected sequence numbers %d, %d", e1.Seq, e3.Seq)
	}

	// Tamper with e2 payload
	originalPayload := e2.Payload
	e2.Payload = `{"reason":"none"}`
	if VerifyChain(chain) {
		t.Error("VerifyChain succeeded for tampered payload")
	}
	e2.Payload = originalPayload

	// Tamper with e2 subject
	e2.Subject = "t-9"
	if VerifyChain(chain) {
		t.Error("VerifyChain succeeded for tampered subject")
	}
	e2.Subject = "t-2"

	// Tamper with e3 previous hash
	e3.PreviousHash = strings.Repeat("f", 64)
	if VerifyChain(chain) {
		t.Error("VerifyChain succeeded for broken link")
	}
}

func TestRecentRetention(t *testing.T) {
	logger := NewChainLogger(WithRetention(2))
	for _, s := range []string{"a", "b", "c"} {
		if _, err := logger.Record("k", s, nil); err != nil {
			t.Fatal(err)
		}
	}

	got := logger.Recent(10)
	if len(got) != 2 || got[0].Subject != "b" || got[1].Subject != "c" {
		t.Fatalf("unexpected recent entries: %+v", got)
	}
	if !VerifyChain(got) {
		t.Error("retained tail should still verify")
	}
	if one := logger.Recent(1); len(one) != 1 || one[0].Subject != "c" {
		t.Fatalf("unexpected Recent(1): %+v", one)
	}
}

func TestSlogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := SlogSink{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	logger := NewChainLogger(WithSink(sink))

	if _, err := logger.Record("transfer.committed", "t-1", map[string]int{"amount": 1}); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, `"subject":"t-1"`) || !strings.Contains(out, `"amount":1`) {
		t.Errorf("sink output missing fields: %s", out)
	}
}
