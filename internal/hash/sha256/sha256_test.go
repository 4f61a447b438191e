package sha256

import (
	"errors"
	"strings"
	"testing"
)

const helloDigest = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if got != helloDigest {
		t.Fatalf("expected %s, got %s", helloDigest, got)
	}
	streamed, err := h.HashReader(strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("HashReader() error = %v", err)
	}
	if streamed != got {
		t.Fatalf("expected streamed digest to match, got %s vs %s", streamed, got)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }

func TestHasherHashReaderError(t *testing.T) {
	t.Parallel()

	if _, err := New().HashReader(failingReader{}); err == nil || !strings.Contains(err.Error(), "disk gone") {
		t.Fatalf("expected wrapped read error, got %v", err)
	}
}
