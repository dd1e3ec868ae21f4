package util

import (
	"testing"
)

func TestNormalizeIdentifier(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"  gw-unit-9  ", "gw-unit-9"},
		{"ﬁrmware", "firmware"}, // NFKC folds the fi ligature
		{"", ""},
		{"   ", ""},
	}
	for _, c := range cases {
		if got := NormalizeIdentifier(c.in); got != c.want {
			t.Errorf("NormalizeIdentifier(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestHexRoundTrip(t *testing.T) {
	b := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	s := HexEncode(b)
	if s != "deadbeef" {
		t.Fatalf("HexEncode = %q", s)
	}
	got, err := HexDecode(s)
	if err != nil {
		t.Fatalf("HexDecode failed: %v", err)
	}
	if string(got) != string(b) {
		t.Errorf("round trip mismatch: %x", got)
	}

	if _, err := HexDecode("not hex"); err == nil {
		t.Error("expected error for non-hex input")
	}
}

func TestRandomBytes(t *testing.T) {
	a, err := RandomBytes(20)
	if err != nil {
		t.Fatalf("RandomBytes failed: %v", err)
	}
	if len(a) != 20 {
		t.Fatalf("expected 20 bytes, got %d", len(a))
	}
	b, _ := RandomBytes(20)
	if string(a) == string(b) {
		t.Error("two random draws were identical")
	}
}
