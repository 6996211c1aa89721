package exchange

import (
	"testing"
	"time"

	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/clock"
)

// signerEpoch is 2023-11-14T22:13:20Z, UnixMilli 1700000000000.
var signerEpoch = time.UnixMilli(1_700_000_000_000).UTC()

func newTestSigner() *Signer {
	return NewSigner("test-key", "test-secret", 5000, clock.NewFake(signerEpoch))
}

func TestSignBody(t *testing.T) {
	t.Parallel()

	s := newTestSigner()
	body := `{"category":"linear","symbol":"BTCUSDT"}`
	got := s.Sign("1700000000000", body)
	want := "16378a8ca3caa3c068e2e74ef209dad5c036fec4047c7582ddcfcf13323a8275"
	if got != want {
		t.Errorf("Sign(body) = %s, want %s", got, want)
	}
}

func TestSignQuery(t *testing.T) {
	t.Parallel()

	s := newTestSigner()
	query := encodeQuery(map[string]string{"symbol": "BTCUSDT", "category": "linear"})
	if query != "category=linear&symbol=BTCUSDT" {
		t.Fatalf("encodeQuery = %q, want sorted keys", query)
	}
	got := s.Sign("1700000000000", query)
	want := "9a7c8cfd6ba1a7c498aa4dd5a7f9cfbba01fcb6eebae734ffe0d775870a1a3fb"
	if got != want {
		t.Errorf("Sign(query) = %s, want %s", got, want)
	}
}

func TestHeaders(t *testing.T) {
	t.Parallel()

	s := newTestSigner()
	h := s.Headers(`{"category":"linear","symbol":"BTCUSDT"}`)

	if h["X-BAPI-API-KEY"] != "test-key" {
		t.Errorf("X-BAPI-API-KEY = %q", h["X-BAPI-API-KEY"])
	}
	if h["X-BAPI-TIMESTAMP"] != "1700000000000" {
		t.Errorf("X-BAPI-TIMESTAMP = %q, want fake clock millis", h["X-BAPI-TIMESTAMP"])
	}
	if h["X-BAPI-SIGN-TYPE"] != "2" {
		t.Errorf("X-BAPI-SIGN-TYPE = %q, want 2", h["X-BAPI-SIGN-TYPE"])
	}
	if h["X-BAPI-RECV-WINDOW"] != "5000" {
		t.Errorf("X-BAPI-RECV-WINDOW = %q, want 5000", h["X-BAPI-RECV-WINDOW"])
	}
	want := "16378a8ca3caa3c068e2e74ef209dad5c036fec4047c7582ddcfcf13323a8275"
	if h["X-BAPI-SIGN"] != want {
		t.Errorf("X-BAPI-SIGN = %s, want %s", h["X-BAPI-SIGN"], want)
	}
}

func TestWSAuthArgs(t *testing.T) {
	t.Parallel()

	s := newTestSigner()
	args := s.WSAuthArgs()
	if len(args) != 3 {
		t.Fatalf("WSAuthArgs returned %d args, want 3", len(args))
	}
	if args[0] != "test-key" {
		t.Errorf("args[0] = %v, want api key", args[0])
	}
	expires, ok := args[1].(int64)
	if !ok || expires != 1_700_000_010_000 {
		t.Errorf("args[1] = %v, want 1700000010000", args[1])
	}
	want := "977d2a1068009c263a4e3e15a2838ccaf62d1eda4ca2ff08b5456910b481b58b"
	if args[2] != want {
		t.Errorf("args[2] = %v, want %s", args[2], want)
	}
}

func TestSignDeterministic(t *testing.T) {
	t.Parallel()

	s := newTestSigner()
	a := s.Sign("1700000000000", "qty=1")
	b := s.Sign("1700000000000", "qty=1")
	if a != b {
		t.Errorf("Sign not deterministic: %s != %s", a, b)
	}
}

func TestHasCredentials(t *testing.T) {
	t.Parallel()

	if !newTestSigner().HasCredentials() {
		t.Error("HasCredentials() = false with key pair set")
	}
	empty := NewSigner("", "", 5000, clock.NewFake(signerEpoch))
	if empty.HasCredentials() {
		t.Error("HasCredentials() = true with no key pair")
	}
}

func TestEncodeQueryEscapes(t *testing.T) {
	t.Parallel()

	got := encodeQuery(map[string]string{"orderLinkId": "abc def", "symbol": "BTCUSDT"})
	want := "orderLinkId=abc+def&symbol=BTCUSDT"
	if got != want {
		t.Errorf("encodeQuery = %q, want %q", got, want)
	}
	if encodeQuery(nil) != "" {
		t.Errorf("encodeQuery(nil) = %q, want empty", encodeQuery(nil))
	}
}
