package crypto

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileChecksumMatchesStreamingHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	content := []byte("the quick brown fox jumps over the lazy dog")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	fromFile, err := FileChecksum(path)
	if err != nil {
		t.Fatalf("FileChecksum failed: %v", err)
	}

	h := NewHash()
	_, _ = h.Write(content[:10])
	_, _ = h.Write(content[10:])
	if streamed := SumHex(h); streamed != fromFile {
		t.Fatalf("streamed checksum %s != file checksum %s", streamed, fromFile)
	}
	if direct := Checksum(content); direct != fromFile {
		t.Fatalf("direct checksum %s != file checksum %s", direct, fromFile)
	}
	if len(fromFile) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(fromFile))
	}
}

func TestFileChecksumMissingFile(t *testing.T) {
	if _, err := FileChecksum(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestShortChecksumFormatting(t *testing.T) {
	got := ShortChecksum("0123456789abcdef0123456789abcdef")
	if got != "0123 4567 89AB CDEF" {
		t.Fatalf("unexpected short checksum %q", got)
	}
	if FormatFingerprint("") != "" {
		t.Fatalf("expected empty formatting for empty input")
	}
}
