package httpcache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"
)

// NormalizeURL lower-cases scheme and host, drops default ports and the
// fragment, and sorts the query.
func NormalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}

// Key derives the store key of a request. The credential is folded into the
// key as a digest so responses of different users never mix and the token is
// never stored.
func Key(method, rawURL string, header http.Header) string {
	h := sha256.New()
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte{'\n'})
	h.Write([]byte(NormalizeURL(rawURL)))
	h.Write([]byte{'\n'})
	h.Write([]byte(header.Get("Accept")))
	h.Write([]byte{'\n'})
	if auth := header.Get("Authorization"); auth != "" {
		sum := sha256.Sum256([]byte(auth))
		h.Write(sum[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}
