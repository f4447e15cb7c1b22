package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

const streamAuthPrefix = "GET/realtime"

// Sign returns the hex encoded HMAC-SHA256 of payload keyed by secret.
// Both REST requests and stream authentication sign through it.
func Sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// RESTPayload builds the pre-sign string for a REST call: timestamp, api key
// and either the canonical query string (GET) or the raw JSON body (POST).
func RESTPayload(timestampMillis int64, apiKey, paramsOrBody string) string {
	return strconv.FormatInt(timestampMillis, 10) + apiKey + paramsOrBody
}

// StreamAuthPayload builds the pre-sign string for the private stream auth frame.
func StreamAuthPayload(expiresMillis int64) string {
	return streamAuthPrefix + strconv.FormatInt(expiresMillis, 10)
}

// CanonicalQuery joins params as key=value pairs sorted by key. Values are
// sent verbatim; the same string is used for both the URL and the signature.
func CanonicalQuery(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		if strings.TrimSpace(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}
