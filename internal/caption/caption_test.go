package caption

import "testing"

func TestClean(t *testing.T) {
	p := New()
	in := "🚗 BMW 320d   Touring #bmw #touring\n\n\n\nKontakt @autohaus.mueller 🔥"
	want := "BMW 320d Touring\n\nKontakt"
	if got := p.Clean(in); got != want {
		t.Fatalf("Clean = %q, want %q", got, want)
	}
	if got := p.Clean(""); got != "" {
		t.Fatalf("Clean(\"\") = %q", got)
	}
}

func TestIsSold(t *testing.T) {
	p := New()
	cases := map[string]bool{
		"VERKAUFT! Danke an den Käufer":        true,
		"Sold to Berlin":                       true,
		"Leider nicht mehr verfügbar":          true,
		"Golf 7 GTI, unverkauft seit 2 Wochen": false,
		"Top Zustand, 1. Hand":                 false,
		"":                                     false,
	}
	for in, want := range cases {
		if got := p.IsSold(in); got != want {
			t.Fatalf("IsSold(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	p := New()
	in := "Preis: 12.500 € + MwSt. #deal\nTel: +49 170 1234"
	encoded := p.Encode(in)
	if encoded == in {
		t.Fatalf("expected encoded text to differ")
	}
	decoded, err := p.Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != in {
		t.Fatalf("round trip mismatch: %q", decoded)
	}
}

func TestEncodeQueryForm(t *testing.T) {
	p := New()
	if got, want := p.Encode("a b+c/d"), "a+b%2Bc%2Fd"; got != want {
		t.Fatalf("Encode = %q, want %q", got, want)
	}
	if _, err := p.Decode("%zz"); err == nil {
		t.Fatalf("expected error for malformed escape")
	}
}
