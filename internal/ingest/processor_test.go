package ingest_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shardvault/ingestor/internal/auditlog"
	"github.com/shardvault/ingestor/internal/ingest"
	"github.com/shardvault/ingestor/internal/normalize"
	"github.com/shardvault/ingestor/internal/shard"
)

// zeroKey is the 32-zero-byte test key used across the scenarios.
var zeroKey = make([]byte, 32)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// hmacHex computes the reference digest the processor is expected to emit.
func hmacHex(key []byte, email string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(email))
	return hex.EncodeToString(mac.Sum(nil))
}

// pipeline bundles the collaborators a processor test needs.
type pipeline struct {
	proc       *ingest.Processor
	cache      *shard.Cache
	shardRoot  string
	multiField string
}

// newPipeline builds a Processor over temp dirs. Batch size 1 makes every
// append immediately visible on disk.
func newPipeline(t *testing.T, emitEmail, skipHeader, salvage bool) *pipeline {
	t.Helper()

	hasher, err := normalize.NewHasher(zeroKey)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}

	shardRoot := t.TempDir()
	cache, err := shard.NewCache(shardRoot, 16, 1, 0, testLogger())
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	t.Cleanup(func() { _ = cache.CloseAll() })

	mfPath := filepath.Join(t.TempDir(), "multi_field_files.log")
	mf, err := auditlog.OpenLineLog(mfPath)
	if err != nil {
		t.Fatalf("OpenLineLog: %v", err)
	}
	t.Cleanup(func() { _ = mf.Close() })

	return &pipeline{
		proc:       ingest.NewProcessor(hasher, cache, mf, emitEmail, skipHeader, salvage, testLogger()),
		cache:      cache,
		shardRoot:  shardRoot,
		multiField: mfPath,
	}
}

// writeInput creates an input file with the given content and returns its
// absolute path.
func writeInput(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "a.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// shardRecords decodes every record in the shard file for prefix.
func shardRecords(t *testing.T, root, prefix string) []shard.Record {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, prefix[:2], prefix+".jsonl"))
	if err != nil {
		t.Fatalf("reading shard %s: %v", prefix, err)
	}
	var out []shard.Record
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var r shard.Record
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			t.Fatalf("bad shard line %q: %v", line, err)
		}
		out = append(out, r)
	}
	return out
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestFile_BasicColonRecord(t *testing.T) {
	p := newPipeline(t, true, false, true)
	input := writeInput(t, "Alice+news@Example.com:hunter2\n")

	counters, err := p.proc.File(input)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if counters.Accepted != 1 || counters.Skipped() != 0 {
		t.Fatalf("counters = %+v, want 1 accepted", counters)
	}

	wantHash := hmacHex(zeroKey, "alice@example.com")
	recs := shardRecords(t, p.shardRoot, wantHash[:4])
	if len(recs) != 1 {
		t.Fatalf("shard has %d records, want 1", len(recs))
	}

	want := shard.Record{
		EmailHash: wantHash,
		Password:  "hunter2",
		IsHash:    false,
		HashType:  "plaintext",
		Email:     "alice@example.com",
		Source:    input,
	}
	if recs[0] != want {
		t.Errorf("record = %+v\nwant %+v", recs[0], want)
	}
}

func TestFile_RoutesByHashPrefix(t *testing.T) {
	p := newPipeline(t, true, false, true)
	emails := []string{"a@x.io", "b@x.io", "c@x.io", "d@x.io"}

	var b strings.Builder
	for _, e := range emails {
		b.WriteString(e + ":pw\n")
	}
	input := writeInput(t, b.String())

	counters, err := p.proc.File(input)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if counters.Accepted != int64(len(emails)) {
		t.Fatalf("accepted = %d, want %d", counters.Accepted, len(emails))
	}

	for _, e := range emails {
		digest := hmacHex(zeroKey, e)
		recs := shardRecords(t, p.shardRoot, digest[:4])
		found := false
		for _, r := range recs {
			if r.EmailHash == digest {
				found = true
				if !strings.HasPrefix(r.EmailHash, digest[:4]) {
					t.Errorf("record %q landed in wrong shard", e)
				}
			}
		}
		if !found {
			t.Errorf("no record for %q in its shard", e)
		}
	}
}

func TestFile_ClassifiesBcrypt(t *testing.T) {
	p := newPipeline(t, true, false, true)
	cred := "$2y$12$" + strings.Repeat("a", 53)
	input := writeInput(t, "bob@x.io:"+cred+"\n")

	if _, err := p.proc.File(input); err != nil {
		t.Fatalf("File: %v", err)
	}

	digest := hmacHex(zeroKey, "bob@x.io")
	recs := shardRecords(t, p.shardRoot, digest[:4])
	if len(recs) != 1 {
		t.Fatalf("shard has %d records, want 1", len(recs))
	}
	if !recs[0].IsHash || recs[0].HashType != "bcrypt" {
		t.Errorf("record = (is_hash %v, type %q), want (true, bcrypt)", recs[0].IsHash, recs[0].HashType)
	}
}

func TestFile_WhitespaceDelimiter(t *testing.T) {
	p := newPipeline(t, true, false, true)
	input := writeInput(t, "carol@y.io   mypw\n")

	counters, err := p.proc.File(input)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if counters.Accepted != 1 {
		t.Fatalf("accepted = %d, want 1", counters.Accepted)
	}

	digest := hmacHex(zeroKey, "carol@y.io")
	recs := shardRecords(t, p.shardRoot, digest[:4])
	if len(recs) != 1 || recs[0].Password != "mypw" {
		t.Errorf("records = %+v, want one with password mypw", recs)
	}
}

func TestFile_MultiFieldAuditedOnce(t *testing.T) {
	p := newPipeline(t, true, false, true)
	input := writeInput(t, "dave@z.io:pw:extra\ndave@z.io:pw2:extra2\n")

	counters, err := p.proc.File(input)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if counters.Accepted != 2 {
		t.Fatalf("accepted = %d, want 2", counters.Accepted)
	}

	digest := hmacHex(zeroKey, "dave@z.io")
	recs := shardRecords(t, p.shardRoot, digest[:4])
	if len(recs) != 2 || recs[0].Password != "pw:extra" {
		t.Errorf("records = %+v, want salvaged compound passwords", recs)
	}

	data, err := os.ReadFile(p.multiField)
	if err != nil {
		t.Fatalf("reading multi-field log: %v", err)
	}
	if got := strings.Count(string(data), input); got != 1 {
		t.Errorf("multi-field log mentions source %d times, want exactly 1", got)
	}
}

func TestFile_MixedLinesCounted(t *testing.T) {
	p := newPipeline(t, true, false, true)
	input := writeInput(t, strings.Join([]string{
		"good@x.io:pw",     // accepted
		"",                 // empty
		"   ",              // empty after trim
		"loneword",         // field count
		"noemail:nope",     // no email pattern
		"also@ok.io;pw2",   // accepted (semicolon)
	}, "\n")+"\n")

	counters, err := p.proc.File(input)
	if err != nil {
		t.Fatalf("File: %v", err)
	}

	if counters.Accepted != 2 {
		t.Errorf("Accepted = %d, want 2", counters.Accepted)
	}
	if counters.SkippedEmpty != 2 {
		t.Errorf("SkippedEmpty = %d, want 2", counters.SkippedEmpty)
	}
	if counters.SkippedFieldCount != 1 {
		t.Errorf("SkippedFieldCount = %d, want 1", counters.SkippedFieldCount)
	}
	if counters.SkippedNoEmail != 1 {
		t.Errorf("SkippedNoEmail = %d, want 1", counters.SkippedNoEmail)
	}
}

func TestFile_EmptyFile(t *testing.T) {
	p := newPipeline(t, true, false, true)
	input := writeInput(t, "")

	counters, err := p.proc.File(input)
	if err != nil {
		t.Fatalf("File on empty input: %v", err)
	}
	if counters.Accepted != 0 || counters.Skipped() != 0 {
		t.Errorf("counters = %+v, want all zero", counters)
	}
}

func TestFile_SkipHeader(t *testing.T) {
	p := newPipeline(t, true, true, true)
	input := writeInput(t, "email:password\nerin@q.io:pw\n")

	counters, err := p.proc.File(input)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	// The header line is dropped before parsing, not counted as skipped.
	if counters.Accepted != 1 || counters.Skipped() != 0 {
		t.Errorf("counters = %+v, want exactly one accepted", counters)
	}
}

func TestFile_ScrubbedEmail(t *testing.T) {
	p := newPipeline(t, false, false, true)
	input := writeInput(t, "frank@p.io:pw\n")

	if _, err := p.proc.File(input); err != nil {
		t.Fatalf("File: %v", err)
	}

	digest := hmacHex(zeroKey, "frank@p.io")
	recs := shardRecords(t, p.shardRoot, digest[:4])
	if len(recs) != 1 {
		t.Fatalf("shard has %d records, want 1", len(recs))
	}
	if recs[0].Email != "" {
		t.Errorf("Email = %q, want scrubbed empty string", recs[0].Email)
	}
	if recs[0].EmailHash != digest {
		t.Errorf("EmailHash = %q, want %q (hash survives scrubbing)", recs[0].EmailHash, digest)
	}
}

func TestFile_UnreadableSourceFails(t *testing.T) {
	p := newPipeline(t, true, false, true)
	missing := filepath.Join(t.TempDir(), "gone.txt")

	if _, err := p.proc.File(missing); err == nil {
		t.Error("File on a missing source succeeded, want error")
	}
}
