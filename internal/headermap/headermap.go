// Package headermap implements the ordered, lower-cased header list hosts
// expose to proxy-wasm guests, and its conversion to and from net/http.
package headermap

import (
	"net/http"
	"strconv"
	"strings"
)

// Map is an ordered list of header pairs. Keys are stored lower-cased;
// pseudo headers (":method", ":status", ...) are kept in front.
type Map [][2]string

// Get returns the first value of key.
func (m Map) Get(key string) (string, bool) {
	key = strings.ToLower(key)
	for _, p := range m {
		if p[0] == key {
			return p[1], true
		}
	}
	return "", false
}

// Values returns every value of key in order.
func (m Map) Values(key string) []string {
	key = strings.ToLower(key)
	var out []string
	for _, p := range m {
		if p[0] == key {
			out = append(out, p[1])
		}
	}
	return out
}

// Add appends a value for key.
func (m *Map) Add(key, value string) {
	*m = append(*m, [2]string{strings.ToLower(key), value})
}

// Replace drops every value of key and stores value in place of the first.
func (m *Map) Replace(key, value string) {
	key = strings.ToLower(key)
	out := (*m)[:0]
	replaced := false
	for _, p := range *m {
		if p[0] != key {
			out = append(out, p)
			continue
		}
		if !replaced {
			out = append(out, [2]string{key, value})
			replaced = true
		}
	}
	if !replaced {
		out = append(out, [2]string{key, value})
	}
	*m = out
}

// Remove drops every value of key.
func (m *Map) Remove(key string) {
	key = strings.ToLower(key)
	out := (*m)[:0]
	for _, p := range *m {
		if p[0] != key {
			out = append(out, p)
		}
	}
	*m = out
}

// Clone returns a deep copy.
func (m Map) Clone() Map {
	if m == nil {
		return nil
	}
	out := make(Map, len(m))
	copy(out, m)
	return out
}

// Pairs returns the map as plain pairs.
func (m Map) Pairs() [][2]string {
	return [][2]string(m.Clone())
}

// FromRequest builds the request header map of r, pseudo headers first.
func FromRequest(r *http.Request) Map {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	path := r.URL.RequestURI()
	m := Map{
		{":method", r.Method},
		{":path", path},
		{":authority", r.Host},
		{":scheme", scheme},
	}
	return appendHeader(m, r.Header)
}

// FromResponse builds the response header map, ":status" first.
func FromResponse(status int, h http.Header) Map {
	m := Map{{":status", strconv.Itoa(status)}}
	return appendHeader(m, h)
}

// FromTrailer builds a trailer map. Trailers carry no pseudo headers.
func FromTrailer(h http.Header) Map {
	if len(h) == 0 {
		return nil
	}
	return appendHeader(nil, h)
}

func appendHeader(m Map, h http.Header) Map {
	for k, vals := range h {
		lk := strings.ToLower(k)
		for _, v := range vals {
			m = append(m, [2]string{lk, v})
		}
	}
	return m
}

// ApplyToRequest writes m back onto r: pseudo headers update method, path and
// authority, everything else replaces r.Header.
func (m Map) ApplyToRequest(r *http.Request) {
	h := make(http.Header, len(m))
	for _, p := range m {
		switch p[0] {
		case ":method":
			r.Method = p[1]
		case ":authority":
			r.Host = p[1]
		case ":path":
			if u, err := r.URL.Parse(p[1]); err == nil {
				r.URL.Path = u.Path
				r.URL.RawPath = u.RawPath
				r.URL.RawQuery = u.RawQuery
			}
		case ":scheme":
		default:
			h.Add(p[0], p[1])
		}
	}
	r.Header = h
}

// ToResponse splits m into a status code and headers. A missing or invalid
// ":status" yields fallback.
func (m Map) ToResponse(fallback int) (int, http.Header) {
	status := fallback
	h := make(http.Header, len(m))
	for _, p := range m {
		if p[0] == ":status" {
			if code, err := strconv.Atoi(p[1]); err == nil && code >= 100 && code <= 999 {
				status = code
			}
			continue
		}
		if strings.HasPrefix(p[0], ":") {
			continue
		}
		h.Add(p[0], p[1])
	}
	return status, h
}
