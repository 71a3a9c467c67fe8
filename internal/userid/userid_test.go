package userid

import (
	"errors"
	"strings"
	"testing"
)

func TestNew_Unique(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a == b {
		t.Fatal("two calls to New() produced the same UUID")
	}
	if a.IsZero() {
		t.Fatal("New() should not return the zero UUID")
	}
}

func TestParse_Canonical(t *testing.T) {
	id, err := Parse("abc12345-6789-abcd-ef01-234567890abc")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if id.String() != "abc12345-6789-abcd-ef01-234567890abc" {
		t.Fatalf("String() = %s, want canonical form back", id.String())
	}
}

func TestParse_Bare(t *testing.T) {
	id, err := Parse("abc123456789abcdef01234567890abc")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if id.IsZero() {
		t.Fatal("parsed id should not be zero")
	}
}

func TestParse_InvalidLength(t *testing.T) {
	_, err := Parse("abc123")
	if !errors.Is(err, ErrInvalidFormat) {
		t.Fatalf("error = %v, want ErrInvalidFormat", err)
	}
}

func TestParse_InvalidHex(t *testing.T) {
	_, err := Parse("zzzzzzzz-zzzz-zzzz-zzzz-zzzzzzzzzzzz")
	if !errors.Is(err, ErrInvalidFormat) {
		t.Fatalf("error = %v, want ErrInvalidFormat", err)
	}
}

func TestFromBytes(t *testing.T) {
	raw := make([]byte, Size)
	for i := range raw {
		raw[i] = byte(i)
	}
	id, err := FromBytes(raw)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if !bytesEqual(id.Bytes(), raw) {
		t.Fatalf("Bytes() = %v, want %v", id.Bytes(), raw)
	}
}

func TestFromBytes_InvalidLength(t *testing.T) {
	_, err := FromBytes([]byte{1, 2, 3})
	if !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("error = %v, want ErrInvalidLength", err)
	}
}

func TestShortString(t *testing.T) {
	id, err := Parse("abc12345-6789-abcd-ef01-234567890abc")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if id.ShortString() != "abc12345" {
		t.Fatalf("ShortString() = %s, want abc12345", id.ShortString())
	}
}

func TestIsZero(t *testing.T) {
	if !Zero.IsZero() {
		t.Fatal("Zero.IsZero() should be true")
	}
	id, _ := New()
	if id.IsZero() {
		t.Fatal("randomly generated id should not be zero")
	}
}

func TestMarshalUnmarshalText(t *testing.T) {
	id, err := Parse("abc12345-6789-abcd-ef01-234567890abc")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	text, err := id.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	if !strings.Contains(string(text), "abc12345") {
		t.Fatalf("MarshalText() = %s, missing expected prefix", text)
	}

	var round UUID
	if err := round.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if round != id {
		t.Fatalf("round-tripped id = %v, want %v", round, id)
	}
}

func TestUnmarshalText_Invalid(t *testing.T) {
	var id UUID
	if err := id.UnmarshalText([]byte("not-a-uuid")); err == nil {
		t.Fatal("expected error for invalid text")
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
