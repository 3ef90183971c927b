package tuya

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

const signMethod = "HMAC-SHA256"

// CanonicalQuery joins params sorted by key as raw key=value pairs. This is
// the form that is signed; the transmitted URL carries url.Values.Encode().
func CanonicalQuery(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		for _, v := range params[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(v)
		}
	}
	return b.String()
}

// CanonicalPath appends the canonical query to path.
func CanonicalPath(path string, params url.Values) string {
	q := CanonicalQuery(params)
	if q == "" {
		return path
	}
	return path + "?" + q
}

// ContentHash is the hex SHA-256 of the request body.
func ContentHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// StringToSign builds METHOD\nhash\nheaders\npath. Signed headers are never
// used, so that component is always empty.
func StringToSign(method string, body []byte, canonicalPath string) string {
	return strings.ToUpper(method) + "\n" + ContentHash(body) + "\n" + "" + "\n" + canonicalPath
}

// Sign returns the upper-case hex HMAC-SHA256 of
// clientID + accessToken + t + nonce + stringToSign. The nonce is always
// empty and accessToken is empty for token requests.
func Sign(clientID, secret, accessToken string, t int64, stringToSign string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(clientID + accessToken + strconv.FormatInt(t, 10) + "" + stringToSign))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}
