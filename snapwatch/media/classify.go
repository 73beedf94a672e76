package media

import "strings"

// videoMarkers are the address substrings that classify a locator as video.
var videoMarkers = []string{".mp4", ".webm", ".mov", ".m4v", ".m3u8", ".mkv", "video"}

// Classify assigns a Kind to a locator. A locator observed as the source
// of a video element is video regardless of its shape. Inline locators
// are classified by their declared media type only, since their payload
// may contain any substring.
func Classify(locator string, videoBound bool) Kind {
	if videoBound {
		return KindVideo
	}
	if FormOf(locator) == FormInline {
		if strings.HasPrefix(InlineMIME(locator), "video/") {
			return KindVideo
		}
		return KindImage
	}
	l := strings.ToLower(locator)
	for _, m := range videoMarkers {
		if strings.Contains(l, m) {
			return KindVideo
		}
	}
	return KindImage
}
