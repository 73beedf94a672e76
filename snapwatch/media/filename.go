package media

import (
	"net/url"
	"path"
	"strings"
	"time"
	"unicode"
)

// MaxNameLength is the rune limit of a sanitized filename.
const MaxNameLength = 100

const namePrefix = "snapstory_"

// Synthesize derives a suggested filename for a locator. Network locators
// contribute their last path segment when it carries an extension. Inline
// and ephemeral locators always get a synthetic timestamped name. The
// result is sanitized and never empty.
func Synthesize(locator string, kind Kind, at time.Time) string {
	ext := InferExtension(locator, kind)

	var base string
	if FormOf(locator) == FormNetwork {
		base = lastSegment(locator)
	}
	base = strings.TrimRight(base, ". ")
	if !strings.Contains(base, ".") {
		base = namePrefix + Timestamp(at)
	}
	if !hasExtension(base) {
		base += "." + ext
	}

	name := Sanitize(base)
	if name == "" {
		name = Sanitize(namePrefix + Timestamp(at) + "." + ext)
	}
	return name
}

// Timestamp renders t as a filesystem-safe UTC ISO-8601 stamp,
// e.g. 2026-10-18T09-30-00-000Z.
func Timestamp(t time.Time) string {
	s := t.UTC().Format("2006-01-02T15:04:05.000Z")
	return strings.NewReplacer(":", "-", ".", "-").Replace(s)
}

// lastSegment returns the percent-decoded final path segment of a network
// locator, with query and fragment removed.
func lastSegment(locator string) string {
	s := locator
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
		slash := strings.IndexByte(s, '/')
		if slash < 0 {
			return ""
		}
		s = s[slash:]
	}
	seg := s[strings.LastIndexByte(s, '/')+1:]
	if dec, err := url.PathUnescape(seg); err == nil {
		seg = dec
	}
	return seg
}

// hasExtension reports whether name ends in a short alphanumeric extension.
func hasExtension(name string) bool {
	ext := path.Ext(name)
	if len(ext) < 2 || len(ext) > 6 || len(ext) == len(name) {
		return false
	}
	for _, r := range ext[1:] {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

var mimeExtensions = map[string]string{
	"image/jpeg":      "jpg",
	"image/jpg":       "jpg",
	"image/png":       "png",
	"image/gif":       "gif",
	"image/webp":      "webp",
	"image/avif":      "avif",
	"image/svg+xml":   "svg",
	"video/mp4":       "mp4",
	"video/webm":      "webm",
	"video/quicktime": "mov",
	"video/x-m4v":     "m4v",
}

// InferExtension picks the extension for a synthesized name: the declared
// subtype of an inline locator, otherwise mp4 for video and jpg for images.
func InferExtension(locator string, kind Kind) string {
	if mime := InlineMIME(locator); mime != "" {
		if ext, ok := mimeExtensions[mime]; ok {
			return ext
		}
		if _, sub, ok := strings.Cut(mime, "/"); ok {
			sub = strings.Map(func(r rune) rune {
				if r < 128 && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
					return r
				}
				return -1
			}, sub)
			if sub != "" && len(sub) <= 5 {
				return sub
			}
		}
	}
	if kind == KindVideo {
		return "mp4"
	}
	return "jpg"
}

// EnsureExtension appends the inferred extension to name when it has none.
func EnsureExtension(name string, kind Kind, locator string) string {
	name = strings.TrimRight(name, ". ")
	if hasExtension(name) {
		return name
	}
	return name + "." + InferExtension(locator, kind)
}

// Sanitize makes name safe as a single path component. Filesystem-illegal
// characters, control characters and URL parameter delimiters become "_",
// runs of "_" collapse, leading and trailing dots and spaces are trimmed
// and the result is cut to MaxNameLength runes, keeping a short extension.
// Sanitize(Sanitize(x)) == Sanitize(x).
func Sanitize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	prevUnderscore := false
	for _, r := range name {
		if isUnsafe(r) {
			r = '_'
		}
		if r == '_' {
			if prevUnderscore {
				continue
			}
			prevUnderscore = true
		} else {
			prevUnderscore = false
		}
		b.WriteRune(r)
	}
	s := trimEdges(b.String())
	return trimEdges(truncate(s, MaxNameLength))
}

func isUnsafe(r rune) bool {
	if r < 0x20 || r == 0x7f || r == unicode.ReplacementChar {
		return true
	}
	switch r {
	case '<', '>', ':', '"', '/', '\\', '|', '?', '*', '&', '=', ';', '#', '%':
		return true
	}
	return false
}

func trimEdges(s string) string { return strings.Trim(s, ". ") }

// truncate cuts s to max runes, preserving an extension of up to 10 runes.
func truncate(s string, max int) string {
	rs := []rune(s)
	if len(rs) <= max {
		return s
	}
	ext := []rune(path.Ext(s))
	if len(ext) < 2 || len(ext) > 10 || len(ext) >= max {
		return string(rs[:max])
	}
	stem := rs[:len(rs)-len(ext)]
	stem = stem[:max-len(ext)]
	return string(stem) + string(ext)
}
