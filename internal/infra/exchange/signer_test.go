package exchange

import "testing"

func TestSignMatchesKnownVector(t *testing.T) {
	got := Sign("key", "The quick brown fox jumps over the lazy dog")
	want := "f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8"
	if got != want {
		t.Fatalf("HMAC mismatch. Expected %s, got %s", want, got)
	}
}

func TestCanonicalQuerySortsKeys(t *testing.T) {
	got := CanonicalQuery(map[string]string{
		"symbol":   "BTCUSDT",
		"category": "linear",
		"limit":    "20",
	})
	want := "category=linear&limit=20&symbol=BTCUSDT"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if CanonicalQuery(nil) != "" {
		t.Fatalf("expected empty query for nil params")
	}
}

func TestRESTPayloadConcatenation(t *testing.T) {
	got := RESTPayload(1700000000000, "abc", "accountType=UNIFIED")
	want := "1700000000000abcaccountType=UNIFIED"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestStreamAuthPayloadSharesPrimitive(t *testing.T) {
	payload := StreamAuthPayload(1700000010000)
	if payload != "GET/realtime1700000010000" {
		t.Fatalf("unexpected stream payload %q", payload)
	}
	if Sign("secret", payload) != Sign("secret", "GET/realtime1700000010000") {
		t.Fatalf("stream signature must be deterministic")
	}
	if Sign("secret", payload) == Sign("other", payload) {
		t.Fatalf("signature must depend on the secret")
	}
}
