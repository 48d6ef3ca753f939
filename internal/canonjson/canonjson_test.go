package canonjson

import "testing"

func TestDigestDeterministicUnderKeyPermutation(t *testing.T) {
	a := []byte(`{"b":1,"a":2,"c":{"y":1,"x":2}}`)
	b := []byte(`{"a":2,"c":{"x":2,"y":1},"b":1}`)

	da, err := DigestRaw(a)
	if err != nil {
		t.Fatalf("digest a: %v", err)
	}
	db, err := DigestRaw(b)
	if err != nil {
		t.Fatalf("digest b: %v", err)
	}
	if da != db {
		t.Fatalf("expected equal digests for permuted keys, got %s != %s", da, db)
	}
}

func TestCanonicalizeSortsNestedKeys(t *testing.T) {
	out, err := Canonicalize([]byte(`{"z":1,"a":{"q":1,"p":2}}`))
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"a":{"p":2,"q":1},"z":1}`
	if string(out) != want {
		t.Fatalf("got %s, want %s", out, want)
	}
}

func TestCanonicalizePreservesNumberText(t *testing.T) {
	out, err := Canonicalize([]byte(`{"n":10000000000000000}`))
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"n":10000000000000000}`
	if string(out) != want {
		t.Fatalf("got %s, want %s (number precision lost)", out, want)
	}
}

func TestCanonicalizeRejectsTrailingData(t *testing.T) {
	if _, err := Canonicalize([]byte(`{"a":1} {"b":2}`)); err == nil {
		t.Fatal("expected error for trailing JSON value")
	}
}

func TestDigestIdempotent(t *testing.T) {
	v := map[string]any{"k": "v", "n": 1}
	d1, err := Digest(v)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	d2, err := Digest(v)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if d1 != d2 {
		t.Fatalf("digest not idempotent: %s != %s", d1, d2)
	}
}
