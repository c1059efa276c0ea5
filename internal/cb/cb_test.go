package cb_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/owenlxu/bk-repo/internal/cb"
	"github.com/owenlxu/bk-repo/internal/iohash"
)

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	payloadHash := iohash.Compute([]byte("bulk payload"))
	metaHash := iohash.Compute([]byte("metadata document"))

	encoded, err := cb.NewBuilder().
		WriteString("name", "texture.uasset").
		WriteInt("size", 42_000_000).
		WriteInt("delta", -7).
		WriteFloat64("quality", 0.75).
		WriteBool("compressed", true).
		WriteNull("reserved").
		WriteBinaryAttachment("payload", payloadHash).
		WriteObjectAttachment("meta", metaHash).
		WriteHash("checksum", payloadHash).
		WriteBinary("salt", []byte{0xde, 0xad, 0xbe, 0xef}).
		Bytes()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	doc, err := cb.ParseObject(encoded)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !bytes.Equal(doc.Encode(), encoded) {
		t.Fatal("encode of parsed document differs from input")
	}
	if got := len(doc.Fields()); got != 10 {
		t.Fatalf("expected 10 fields, got %d", got)
	}

	name, ok := doc.Field("name")
	if !ok {
		t.Fatal("field name missing")
	}
	if s, err := name.AsString(); err != nil || s != "texture.uasset" {
		t.Fatalf("name = %q, %v", s, err)
	}

	size, _ := doc.Field("size")
	if v, err := size.AsInt(); err != nil || v != 42_000_000 {
		t.Fatalf("size = %d, %v", v, err)
	}
	delta, _ := doc.Field("delta")
	if v, err := delta.AsInt(); err != nil || v != -7 {
		t.Fatalf("delta = %d, %v", v, err)
	}
	quality, _ := doc.Field("quality")
	if v, err := quality.AsFloat(); err != nil || v != 0.75 {
		t.Fatalf("quality = %v, %v", v, err)
	}
	compressed, _ := doc.Field("compressed")
	if v, err := compressed.AsBool(); err != nil || !v {
		t.Fatalf("compressed = %v, %v", v, err)
	}

	payload, _ := doc.Field("payload")
	if !payload.IsAttachment() || !payload.IsBinaryAttachment() {
		t.Fatal("payload field must be a binary attachment")
	}
	if h, err := payload.AsHash(); err != nil || h != payloadHash {
		t.Fatalf("payload hash = %s, %v", h, err)
	}
	meta, _ := doc.Field("meta")
	if !meta.IsAttachment() || meta.IsBinaryAttachment() {
		t.Fatal("meta field must be an object attachment")
	}
	salt, _ := doc.Field("salt")
	if raw, err := salt.AsBinary(); err != nil || !bytes.Equal(raw, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Fatalf("salt = %x, %v", raw, err)
	}
}

func TestParseRejectsTrailingBytes(t *testing.T) {
	t.Parallel()

	encoded, err := cb.NewBuilder().WriteBool("ok", true).Bytes()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := cb.ParseObject(append(encoded, 0x00)); !errors.Is(err, cb.ErrMalformed) {
		t.Fatalf("expected ErrMalformed for trailing bytes, got %v", err)
	}
}

func TestParseMalformedCorpus(t *testing.T) {
	t.Parallel()

	valid, err := cb.NewBuilder().
		WriteString("k", "v").
		WriteBinaryAttachment("a", iohash.Compute([]byte("x"))).
		Bytes()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	cases := map[string][]byte{
		"empty":                    {},
		"named top-level object":   {byte(0x42), 0x01, 'n', 0x00},
		"top-level string":         {0x05, 0x01, 'x'},
		"truncated object size":    {0x02},
		"object size past buffer":  {0x02, 0x7f, 0x01},
		"unknown field type":       {0x02, 0x01, 0x3f},
		"reserved tag bit":         {0x02, 0x01, 0x81},
		"truncated digest":         {0x02, 0x03, 0x4c, 0x01, 'a'},
		"truncated string length":  {0x02, 0x01, 0x05},
		"string length past end":   {0x02, 0x02, 0x05, 0x09},
		"truncated float":          {0x02, 0x05, 0x08, 0x00, 0x00, 0x00, 0x00},
		"array count past payload": {0x02, 0x03, 0x03, 0x01, 0x02},
		"truncated input":          valid[:len(valid)-1],
	}
	for name, input := range cases {
		input := input
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, err := cb.ParseObject(input); !errors.Is(err, cb.ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}

	// Truncating anywhere inside a valid document must never parse.
	for i := 1; i < len(valid); i++ {
		if _, err := cb.ParseObject(valid[:i]); err == nil {
			t.Fatalf("prefix of length %d parsed successfully", i)
		}
	}
}

func TestIterateAttachmentsDepthFirst(t *testing.T) {
	t.Parallel()

	h1 := iohash.Compute([]byte("one"))
	h2 := iohash.Compute([]byte("two"))
	h3 := iohash.Compute([]byte("three"))
	h4 := iohash.Compute([]byte("four"))

	encoded, err := cb.NewBuilder().
		WriteBinaryAttachment("first", h1).
		BeginObject("nested").
		WriteString("note", "inner").
		WriteObjectAttachment("second", h2).
		BeginArray("list").
		WriteBinaryAttachment("", h3).
		WriteInt("", 9).
		EndArray().
		EndObject().
		WriteBinaryAttachment("last", h4).
		Bytes()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	doc, err := cb.ParseObject(encoded)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !doc.HasAttachments() {
		t.Fatal("document has attachments")
	}

	var got []iohash.Hash
	var binaries int
	err = doc.IterateAttachments(func(f cb.Field) error {
		h, err := f.AsHash()
		if err != nil {
			return err
		}
		got = append(got, h)
		if f.IsBinaryAttachment() {
			binaries++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	want := []iohash.Hash{h1, h2, h3, h4}
	if len(got) != len(want) {
		t.Fatalf("expected %d attachments, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("attachment %d = %s, want %s", i, got[i], want[i])
		}
	}
	if binaries != 3 {
		t.Fatalf("expected 3 binary attachments, got %d", binaries)
	}
}

func TestIterateAttachmentsStopsOnError(t *testing.T) {
	t.Parallel()

	encoded, err := cb.NewBuilder().
		WriteBinaryAttachment("a", iohash.Compute([]byte("a"))).
		WriteBinaryAttachment("b", iohash.Compute([]byte("b"))).
		Bytes()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	doc, err := cb.ParseObject(encoded)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	sentinel := errors.New("stop")
	var visits int
	err = doc.IterateAttachments(func(cb.Field) error {
		visits++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if visits != 1 {
		t.Fatalf("expected iteration to stop after first field, saw %d", visits)
	}
}

func TestNestedObjectView(t *testing.T) {
	t.Parallel()

	encoded, err := cb.NewBuilder().
		BeginObject("inner").
		WriteString("key", "value").
		EndObject().
		Bytes()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	doc, err := cb.ParseObject(encoded)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if doc.HasAttachments() {
		t.Fatal("document has no attachments")
	}

	inner, ok := doc.Field("inner")
	if !ok {
		t.Fatal("inner field missing")
	}
	nested, err := inner.AsObject()
	if err != nil {
		t.Fatalf("as object: %v", err)
	}
	key, ok := nested.Field("key")
	if !ok {
		t.Fatal("nested key missing")
	}
	if s, err := key.AsString(); err != nil || s != "value" {
		t.Fatalf("nested key = %q, %v", s, err)
	}

	// A nested view re-encodes to a parseable stand-alone document.
	reparsed, err := cb.ParseObject(nested.Encode())
	if err != nil {
		t.Fatalf("reparse nested: %v", err)
	}
	if _, ok := reparsed.Field("key"); !ok {
		t.Fatal("reparsed nested document lost its field")
	}
}

func TestBuilderRejectsUnbalancedContainers(t *testing.T) {
	t.Parallel()

	if _, err := cb.NewBuilder().BeginObject("open").Bytes(); err == nil {
		t.Fatal("expected error for unclosed object")
	}
	if _, err := cb.NewBuilder().EndObject().Bytes(); err == nil {
		t.Fatal("expected error for spurious EndObject")
	}
	if _, err := cb.NewBuilder().BeginArray("a").EndObject().Bytes(); err == nil {
		t.Fatal("expected error for mismatched container close")
	}
	if _, err := cb.NewBuilder().BeginArray("a").WriteInt("named", 1).EndArray().Bytes(); err == nil {
		t.Fatal("expected error for named field inside array")
	}
}

func TestEmptyDocument(t *testing.T) {
	t.Parallel()

	encoded, err := cb.NewBuilder().Bytes()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	doc, err := cb.ParseObject(encoded)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(doc.Fields()) != 0 {
		t.Fatalf("expected no fields, got %d", len(doc.Fields()))
	}
	if doc.HasAttachments() {
		t.Fatal("empty document reports attachments")
	}
}
