package manifest

import (
	"bytes"
	"strings"
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

func TestParseDynamic(t *testing.T) {
	m, err := Parse([]byte("LazyFS Dynamic\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !m.Dynamic {
		t.Fatalf("expected Dynamic manifest")
	}
	if len(m.Entries) != 0 {
		t.Fatalf("expected no entries, got %v", m.Entries)
	}
}

func TestParseDynamicTrailingGarbageRejected(t *testing.T) {
	_, err := Parse([]byte("LazyFS Dynamic\nextra"))
	if err != ErrInvalidManifest {
		t.Fatalf("got %v, want ErrInvalidManifest", err)
	}
}

func TestParseStaticEmpty(t *testing.T) {
	m, err := Parse([]byte("LazyFS\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Dynamic {
		t.Fatalf("expected static manifest")
	}
	if len(m.Entries) != 0 {
		t.Fatalf("expected no entries, got %v", m.Entries)
	}
}

func TestParseStaticRecords(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("LazyFS\n")
	buf.WriteString("fhello\x00")
	buf.WriteString("dsub\x00")
	buf.WriteString("xrun.sh\x00")
	buf.WriteString("llink\x00")

	m, err := Parse(buf.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	want := []Entry{
		{Kind: Regular, Name: "hello"},
		{Kind: Directory, Name: "sub"},
		{Kind: ExecutableRegular, Name: "run.sh"},
		{Kind: Symlink, Name: "link"},
	}
	if diff := pretty.Compare(m.Entries, want); diff != "" {
		t.Errorf("entries differ (-got +want):\n%s", diff)
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	_, err := Parse([]byte("not a manifest"))
	if err != ErrInvalidManifest {
		t.Fatalf("got %v, want ErrInvalidManifest", err)
	}
}

func TestParseRejectsUnknownKindByte(t *testing.T) {
	_, err := Parse([]byte("LazyFS\nzname\x00"))
	if err != ErrInvalidManifest {
		t.Fatalf("got %v, want ErrInvalidManifest", err)
	}
}

func TestParseRejectsEmptyName(t *testing.T) {
	_, err := Parse([]byte("LazyFS\nf\x00"))
	if err != ErrInvalidManifest {
		t.Fatalf("got %v, want ErrInvalidManifest", err)
	}
}

func TestParseRejectsTruncatedRecord(t *testing.T) {
	_, err := Parse([]byte("LazyFS\nfhello"))
	if err != ErrInvalidManifest {
		t.Fatalf("got %v, want ErrInvalidManifest", err)
	}
}

func TestParseRejectsTooLarge(t *testing.T) {
	blob := append([]byte("LazyFS\n"), []byte(strings.Repeat("a", MaxSize))...)
	_, err := Parse(blob)
	if err != ErrTooLarge {
		t.Fatalf("got %v, want ErrTooLarge", err)
	}
}

func TestRoundTrip(t *testing.T) {
	m := &Manifest{
		Entries: []Entry{
			{Kind: Regular, Name: "a"},
			{Kind: Directory, Name: "b"},
			{Kind: ExecutableRegular, Name: "c"},
			{Kind: Symlink, Name: "d"},
		},
	}

	got, err := Parse(Serialize(m))
	if err != nil {
		t.Fatalf("Parse(Serialize(m)): %v", err)
	}
	if diff := pretty.Compare(got.Entries, m.Entries); diff != "" {
		t.Errorf("round trip changed entries (-got +want):\n%s", diff)
	}

	dyn := &Manifest{Dynamic: true}
	got, err = Parse(Serialize(dyn))
	if err != nil {
		t.Fatalf("Parse(Serialize(dyn)): %v", err)
	}
	if !got.Dynamic {
		t.Fatalf("expected Dynamic manifest")
	}
}
