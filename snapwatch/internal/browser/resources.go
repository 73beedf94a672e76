// CLAUDE:SUMMARY Blocks fonts and stylesheets on Rod pages; image and media requests always pass.
package browser

import (
	"log/slog"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// blockable filters the configured blocking list down to the resource
// kinds that cannot carry media.
func blockable(types []string, logger *slog.Logger) map[string]bool {
	out := make(map[string]bool, len(types))
	for _, t := range types {
		switch k := strings.ToLower(strings.TrimSpace(t)); k {
		case "fonts", "stylesheets":
			out[k] = true
		case "":
		default:
			logger.Warn("browser: resource type cannot be blocked while discovering media", "type", t)
		}
	}
	return out
}

func applyResourceBlocking(page *rod.Page, block map[string]bool) {
	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if shouldBlock(block, h.Request.Type()) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
}

func shouldBlock(block map[string]bool, typ proto.NetworkResourceType) bool {
	switch typ {
	case proto.NetworkResourceTypeFont:
		return block["fonts"]
	case proto.NetworkResourceTypeStylesheet:
		return block["stylesheets"]
	}
	return false
}
