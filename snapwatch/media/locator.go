package media

import (
	"net/url"
	"strings"
)

// Form is the scheme family of a locator.
type Form int

const (
	FormUnknown   Form = iota
	FormNetwork        // http or https
	FormInline         // data: URI carrying its own bytes
	FormEphemeral      // blob: handle valid only inside the page that minted it
)

func (f Form) String() string {
	switch f {
	case FormNetwork:
		return "network"
	case FormInline:
		return "inline"
	case FormEphemeral:
		return "ephemeral"
	default:
		return "unknown"
	}
}

// FormOf reports the form of a locator by its scheme.
func FormOf(locator string) Form {
	l := strings.ToLower(strings.TrimSpace(locator))
	switch {
	case strings.HasPrefix(l, "http://"), strings.HasPrefix(l, "https://"):
		return FormNetwork
	case strings.HasPrefix(l, "data:"):
		return FormInline
	case strings.HasPrefix(l, "blob:"):
		return FormEphemeral
	}
	return FormUnknown
}

// IsEphemeral reports whether the locator is a blob: handle.
func IsEphemeral(locator string) bool { return FormOf(locator) == FormEphemeral }

// Dispatchable reports whether a locator can be handed to the host
// download service as-is.
func Dispatchable(locator string) bool {
	f := FormOf(locator)
	return f == FormNetwork || f == FormInline
}

// networkTokens are the substrings that mark a request address as
// media-bearing. The match is deliberately coarse.
var networkTokens = []string{"media", "story", ".mp4", ".jpg", ".jpeg", ".png", ".webm", ".webp"}

// LooksLikeMedia applies the network heuristic to a request address.
func LooksLikeMedia(address string) bool {
	l := strings.ToLower(address)
	for _, t := range networkTokens {
		if strings.Contains(l, t) {
			return true
		}
	}
	return false
}

// Normalize turns a raw locator seen on a page into its admission form.
// Relative addresses are resolved against base and fragments are dropped
// from network locators. Inline and ephemeral locators pass through
// untouched. The second return is false for locators that can never
// reference media (empty, about:, javascript:).
func Normalize(raw, base string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}
	l := strings.ToLower(s)
	if strings.HasPrefix(l, "about:") || strings.HasPrefix(l, "javascript:") {
		return "", false
	}
	switch FormOf(s) {
	case FormInline, FormEphemeral:
		return s, true
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", false
	}
	if !u.IsAbs() && base != "" {
		b, err := url.Parse(base)
		if err != nil {
			return "", false
		}
		u = b.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), true
}

// InlineMIME returns the lowercased media type declared by a data: URI,
// or "" when the locator is not inline or declares none.
func InlineMIME(locator string) string {
	if FormOf(locator) != FormInline {
		return ""
	}
	header, _, ok := strings.Cut(strings.TrimSpace(locator)[len("data:"):], ",")
	if !ok {
		return ""
	}
	mime, _, _ := strings.Cut(header, ";")
	return strings.ToLower(strings.TrimSpace(mime))
}
