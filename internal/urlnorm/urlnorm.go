// Package urlnorm implements the deterministic URL normalization used for
// URL-based event matching. A normalization is fully described by a short
// "brief" string of single-letter flags, so that the exact variant applied
// when an event was stored can be re-applied at query time.
package urlnorm

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Brief flag characters.
const (
	// FlagUnicodeStr: decode the original bytes as UTF-8 up front (instead
	// of treating them as opaque octets).
	FlagUnicodeStr = 'u'
	// FlagMergeSurrogatePairs: merge CESU-8-style surrogate pair sequences
	// into the characters they encode before decoding.
	FlagMergeSurrogatePairs = 's'
	// FlagEmptyPathSlash: give URLs with an authority but an empty path the
	// canonical "/" path.
	FlagEmptyPathSlash = 'e'
	// FlagRemoveIPv6Zone: strip the zone identifier from bracketed IPv6
	// hosts.
	FlagRemoveIPv6Zone = 'r'
)

// Options is the expanded form of a brief.
type Options struct {
	UnicodeStr          bool
	MergeSurrogatePairs bool
	EmptyPathSlash      bool
	RemoveIPv6Zone      bool
}

// PrepareNormBrief renders options as the canonical brief string.
func PrepareNormBrief(o Options) string {
	var sb strings.Builder
	if o.EmptyPathSlash {
		sb.WriteByte(FlagEmptyPathSlash)
	}
	if o.RemoveIPv6Zone {
		sb.WriteByte(FlagRemoveIPv6Zone)
	}
	if o.MergeSurrogatePairs {
		sb.WriteByte(FlagMergeSurrogatePairs)
	}
	if o.UnicodeStr {
		sb.WriteByte(FlagUnicodeStr)
	}
	return sb.String()
}

// LegacyNormBrief is the brief equivalent to the frozen legacy option set
// {transcode1st, epslash, rmzone} (all true).
var LegacyNormBrief = PrepareNormBrief(Options{
	UnicodeStr:          true,
	MergeSurrogatePairs: true,
	EmptyPathSlash:      true,
	RemoveIPv6Zone:      true,
})

func hasFlag(brief string, flag byte) bool {
	return strings.IndexByte(brief, flag) >= 0
}

// Normalize applies the normalization selected by brief to the original URL
// bytes. The result is deterministic, and normalizing an already normalized
// URL is a no-op.
func Normalize(urlOrig []byte, brief string) (string, error) {
	data := urlOrig
	if hasFlag(brief, FlagMergeSurrogatePairs) {
		data = mergeSurrogatePairs(data)
	}

	var s string
	if hasFlag(brief, FlagUnicodeStr) {
		if !utf8.Valid(data) {
			return "", fmt.Errorf("URL bytes are not valid UTF-8")
		}
		s = string(data)
	} else {
		s = lossyString(data)
	}

	scheme, rest, ok := splitScheme(s)
	if !ok {
		// not URL-shaped; leave the value as is
		return s, nil
	}
	s = strings.ToLower(scheme) + ":" + rest

	if !strings.HasPrefix(rest, "//") {
		return s, nil
	}

	authority, tail := splitAuthority(rest[2:])
	userinfo := ""
	host := authority
	if at := strings.LastIndexByte(authority, '@'); at >= 0 {
		userinfo = authority[:at+1]
		host = authority[at+1:]
	}
	host = normalizeHost(host, hasFlag(brief, FlagRemoveIPv6Zone))

	if hasFlag(brief, FlagEmptyPathSlash) && (tail == "" || tail[0] == '?' || tail[0] == '#') {
		tail = "/" + tail
	}

	return strings.ToLower(scheme) + "://" + userinfo + host + tail, nil
}

// splitScheme splits "<scheme>:<rest>", requiring an RFC 3986 scheme.
func splitScheme(s string) (scheme, rest string, ok bool) {
	colon := strings.IndexByte(s, ':')
	if colon <= 0 {
		return "", "", false
	}
	scheme = s[:colon]
	for i, r := range scheme {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.'):
		default:
			return "", "", false
		}
	}
	return scheme, s[colon+1:], true
}

// splitAuthority cuts the authority from the path/query/fragment tail.
func splitAuthority(s string) (authority, tail string) {
	end := len(s)
	for i := 0; i < len(s); i++ {
		if s[i] == '/' || s[i] == '?' || s[i] == '#' {
			end = i
			break
		}
	}
	return s[:end], s[end:]
}

// normalizeHost lowercases the host and optionally strips the IPv6 zone
// identifier ("[fe80::1%eth0]" -> "[fe80::1]").
func normalizeHost(host string, rmZone bool) string {
	host = strings.ToLower(host)
	if rmZone && strings.HasPrefix(host, "[") {
		if end := strings.IndexByte(host, ']'); end > 0 {
			inner := host[1:end]
			if pct := strings.Index(inner, "%"); pct >= 0 {
				// the zone may appear percent-encoded ("%25<zone>")
				host = "[" + inner[:pct] + "]" + host[end+1:]
			}
		}
	}
	return host
}

// lossyString decodes bytes as UTF-8, replacing invalid sequences.
func lossyString(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), string(utf8.RuneError))
}

// mergeSurrogatePairs rewrites CESU-8-style encodings of UTF-16 surrogate
// pairs (two 3-byte sequences in the U+D800..U+DFFF range) into the proper
// 4-byte encoding of the character they represent.
func mergeSurrogatePairs(data []byte) []byte {
	var out []byte
	changed := false
	for i := 0; i < len(data); {
		hi, okHi := decodeSurrogate(data[i:])
		if okHi && hi >= 0xD800 && hi <= 0xDBFF && i+6 <= len(data) {
			lo, okLo := decodeSurrogate(data[i+3:])
			if okLo && lo >= 0xDC00 && lo <= 0xDFFF {
				r := rune(0x10000 + (hi-0xD800)<<10 + (lo - 0xDC00))
				if out == nil {
					out = append(out, data[:i]...)
				}
				var buf [4]byte
				n := utf8.EncodeRune(buf[:], r)
				out = append(out, buf[:n]...)
				i += 6
				changed = true
				continue
			}
		}
		if out != nil {
			out = append(out, data[i])
		}
		i++
	}
	if !changed {
		return data
	}
	return out
}

// decodeSurrogate decodes a raw 3-byte UTF-8-shaped sequence in the
// surrogate range, which the standard decoder rejects.
func decodeSurrogate(data []byte) (rune, bool) {
	if len(data) < 3 {
		return 0, false
	}
	if data[0] != 0xED || data[1]&0xC0 != 0x80 || data[2]&0xC0 != 0x80 {
		return 0, false
	}
	r := rune(data[0]&0x0F)<<12 | rune(data[1]&0x3F)<<6 | rune(data[2]&0x3F)
	if r < 0xD800 || r > 0xDFFF {
		return 0, false
	}
	return r, true
}
