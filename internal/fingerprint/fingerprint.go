// Package fingerprint derives deterministic content fingerprints from a
// locator and its download options. Two requests that normalize to the same
// locator and options always produce the same fingerprint, which makes the
// fingerprint usable both as a cache key and as a dedup key for in-flight
// work.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// Fingerprint is the hex-encoded digest of a normalized locator+options pair.
type Fingerprint string

func (f Fingerprint) String() string { return string(f) }

// trackingParams are query parameters that do not identify content and are
// stripped during normalization.
var trackingParams = map[string]bool{
	"utm_source":   true,
	"utm_medium":   true,
	"utm_campaign": true,
	"utm_term":     true,
	"utm_content":  true,
	"fbclid":       true,
	"gclid":        true,
	"igshid":       true,
	"si":           true,
	"feature":      true,
}

// Normalize canonicalizes a locator: lowercases scheme and host, strips the
// fragment, strips a trailing slash (unless the path is just "/"), removes
// tracking parameters and sorts the remaining query parameters.
// Returns "" for an unparseable locator.
func Normalize(locator string) string {
	parsed, err := url.Parse(strings.TrimSpace(locator))
	if err != nil {
		return ""
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""

	if len(parsed.Path) > 1 && parsed.Path[len(parsed.Path)-1] == '/' {
		parsed.Path = parsed.Path[:len(parsed.Path)-1]
	}

	if parsed.RawQuery != "" {
		q := parsed.Query()
		for param := range q {
			if trackingParams[param] {
				q.Del(param)
			}
		}
		// url.Values.Encode sorts keys, giving a stable query order.
		parsed.RawQuery = q.Encode()
	}

	return parsed.String()
}

// Compute returns the fingerprint of the normalized locator and options.
// Option order does not matter; option names are normalized to lower case.
func Compute(locator string, options map[string]string) Fingerprint {
	h := sha256.New()
	h.Write([]byte(Normalize(locator)))

	if len(options) > 0 {
		pairs := make([]string, 0, len(options))
		for k, v := range options {
			pairs = append(pairs, strings.ToLower(k)+"="+v)
		}
		sort.Strings(pairs)
		for _, p := range pairs {
			h.Write([]byte{0})
			h.Write([]byte(p))
		}
	}

	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}
