package iohash_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/owenlxu/bk-repo/internal/iohash"
)

func TestComputeIsDeterministic(t *testing.T) {
	t.Parallel()

	payload := []byte("the quick brown fox")
	first := iohash.Compute(payload)
	second := iohash.Compute(payload)
	if first != second {
		t.Fatalf("same bytes hashed to %s and %s", first, second)
	}
	if first.IsZero() {
		t.Fatal("digest of non-empty payload must not be zero")
	}
	if other := iohash.Compute([]byte("the quick brown fax")); other == first {
		t.Fatal("distinct payloads produced identical digests")
	}
}

func TestComputeReaderMatchesCompute(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("abc123"), 10_000)
	want := iohash.Compute(payload)
	got, n, err := iohash.ComputeReader(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("compute reader: %v", err)
	}
	if n != int64(len(payload)) {
		t.Fatalf("expected %d bytes consumed, got %d", len(payload), n)
	}
	if got != want {
		t.Fatalf("reader digest %s != buffer digest %s", got, want)
	}
}

func TestParseRoundTrip(t *testing.T) {
	t.Parallel()

	h := iohash.Compute([]byte("payload"))
	parsed, err := iohash.Parse(h.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != h {
		t.Fatalf("round trip mismatch: %s != %s", parsed, h)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	t.Parallel()

	cases := []string{
		"",
		"abcd",
		strings.Repeat("z", iohash.HexSize),
		strings.Repeat("a", iohash.HexSize+2),
	}
	for _, in := range cases {
		if _, err := iohash.Parse(in); err == nil {
			t.Fatalf("expected parse error for %q", in)
		}
	}
}

func TestFromBytes(t *testing.T) {
	t.Parallel()

	raw := make([]byte, iohash.Size)
	raw[0] = 0xab
	h, err := iohash.FromBytes(raw)
	if err != nil {
		t.Fatalf("from bytes: %v", err)
	}
	if h[0] != 0xab {
		t.Fatalf("unexpected first byte %x", h[0])
	}
	if _, err := iohash.FromBytes(raw[:10]); err == nil {
		t.Fatal("expected error for short input")
	}
}
