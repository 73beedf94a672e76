package htmlscan

import "bytes"

var shellMarkers = [][]byte{
	[]byte(`<div id="root"></div>`),
	[]byte(`<div id="app"></div>`),
	[]byte(`<div id="__next"></div>`),
	[]byte(`<noscript>you need to enable javascript`),
	[]byte(`<noscript>enable javascript`),
}

// Sufficient reports whether a static scan of html can be trusted. Pages
// that are mostly script, carry an empty app shell or yielded no media
// at all should go through the browser instead.
func Sufficient(html []byte, found int) bool {
	if found == 0 || len(html) < 256 {
		return false
	}
	lower := bytes.ToLower(html)
	for _, m := range shellMarkers {
		if bytes.Contains(lower, m) {
			return false
		}
	}
	return scriptShare(lower) < 0.6
}

// scriptShare is the fraction of bytes inside <script> elements.
func scriptShare(lower []byte) float64 {
	var inside int
	rest := lower
	for {
		i := bytes.Index(rest, []byte("<script"))
		if i < 0 {
			break
		}
		rest = rest[i:]
		j := bytes.Index(rest, []byte("</script"))
		if j < 0 {
			inside += len(rest)
			break
		}
		inside += j
		rest = rest[j+len("</script"):]
	}
	return float64(inside) / float64(len(lower))
}
