package htmlscan

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/hazyhaar/snapstory/snapwatch/media"
)

// ScanOptions holds the static scan thresholds.
type ScanOptions struct {
	// MinImageSrcLen skips images whose resolved address is not longer than
	// this. Default: 50.
	MinImageSrcLen int
}

var cssURL = regexp.MustCompile(`url\(\s*['"]?([^'")]+?)['"]?\s*\)`)

// Scan finds media candidates in static markup: video elements and their
// sources, images with long addresses, inline background images and
// og:video / og:image metadata. Relative addresses are resolved against
// the document's base.
func Scan(html []byte, pageURL string, opts ScanOptions) ([]media.Candidate, error) {
	if opts.MinImageSrcLen <= 0 {
		opts.MinImageSrcLen = 50
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("htmlscan: parse: %w", err)
	}

	base := pageURL
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if abs, ok := media.Normalize(href, pageURL); ok {
			base = abs
		}
	}

	var out []media.Candidate
	add := func(raw string, origin media.Origin, video bool) {
		if loc, ok := media.Normalize(raw, base); ok {
			out = append(out, media.Candidate{Locator: loc, Origin: origin, VideoBound: video})
		}
	}

	doc.Find("video").Each(func(_ int, v *goquery.Selection) {
		if src, ok := v.Attr("src"); ok {
			add(src, media.OriginVideo, true)
		}
		v.Find("source[src]").Each(func(_ int, s *goquery.Selection) {
			add(s.AttrOr("src", ""), media.OriginSource, true)
		})
	})

	doc.Find("img[src]").Each(func(_ int, img *goquery.Selection) {
		loc, ok := media.Normalize(img.AttrOr("src", ""), base)
		if ok && len(loc) > opts.MinImageSrcLen {
			out = append(out, media.Candidate{Locator: loc, Origin: media.OriginImage})
		}
	})

	doc.Find("[style*='background']").Each(func(_ int, el *goquery.Selection) {
		for _, m := range cssURL.FindAllStringSubmatch(el.AttrOr("style", ""), -1) {
			add(m[1], media.OriginBackground, false)
		}
	})

	doc.Find("meta[property]").Each(func(_ int, m *goquery.Selection) {
		switch strings.ToLower(m.AttrOr("property", "")) {
		case "og:video", "og:video:url", "og:video:secure_url":
			add(m.AttrOr("content", ""), media.OriginStatic, true)
		case "og:image", "og:image:url", "og:image:secure_url":
			add(m.AttrOr("content", ""), media.OriginStatic, false)
		}
	})

	return out, nil
}
