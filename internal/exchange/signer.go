package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"

	"github.com/banky420star/sb1-dapxyzdb-sub000/internal/clock"
)

// wsAuthWindow is how long a WebSocket auth frame stays valid, in ms.
const wsAuthWindow = 10_000

// Signer produces v5 authentication material for REST and WebSocket.
//
// REST signature: HMAC-SHA256(timestamp + apiKey + recvWindow + payload)
// hex-encoded, where payload is the exact query string for GET or the exact
// JSON body for POST. The payload must be byte-identical to what the HTTP
// client sends; callers build the string once and pass it both here and to
// the request.
type Signer struct {
	apiKey     string
	apiSecret  string
	recvWindow int
	clock      clock.Clock
}

func NewSigner(apiKey, apiSecret string, recvWindow int, clk clock.Clock) *Signer {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Signer{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		recvWindow: recvWindow,
		clock:      clk,
	}
}

// HasCredentials reports whether an API key pair is configured.
func (s *Signer) HasCredentials() bool {
	return s.apiKey != "" && s.apiSecret != ""
}

// Sign computes the hex HMAC-SHA256 over timestamp + key + recvWindow + payload.
func (s *Signer) Sign(timestamp, payload string) string {
	message := timestamp + s.apiKey + strconv.Itoa(s.recvWindow) + payload
	return s.hmacHex(message)
}

// Headers returns the full signed header set for one request.
func (s *Signer) Headers(payload string) map[string]string {
	timestamp := strconv.FormatInt(s.clock.Now().UnixMilli(), 10)
	return map[string]string{
		"X-BAPI-API-KEY":     s.apiKey,
		"X-BAPI-SIGN":        s.Sign(timestamp, payload),
		"X-BAPI-SIGN-TYPE":   "2",
		"X-BAPI-TIMESTAMP":   timestamp,
		"X-BAPI-RECV-WINDOW": strconv.Itoa(s.recvWindow),
	}
}

// WSAuthArgs returns the args for a private-stream auth frame:
// [apiKey, expires, signature] where the signature covers
// "GET/realtime" + expires and expires is wsAuthWindow ms in the future.
func (s *Signer) WSAuthArgs() []any {
	expires := s.clock.Now().UnixMilli() + wsAuthWindow
	sig := s.hmacHex("GET/realtime" + strconv.FormatInt(expires, 10))
	return []any{s.apiKey, expires, sig}
}

func (s *Signer) hmacHex(message string) string {
	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// encodeQuery renders params as a deterministic query string, keys sorted,
// values URL-escaped. The same string is signed and sent.
func encodeQuery(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b []byte
	for i, k := range keys {
		if i > 0 {
			b = append(b, '&')
		}
		b = append(b, k...)
		b = append(b, '=')
		b = append(b, url.QueryEscape(params[k])...)
	}
	return string(b)
}
