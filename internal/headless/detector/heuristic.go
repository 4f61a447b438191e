// Package detector inspects fetched pages: it recognises JavaScript shells
// that need a browser and login pages served in place of the requested data.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/adrianolucasdepaula/invest-sub002/internal/scrape"
)

// Heuristic decides when an HTTP fetch must be repeated in a browser.
type Heuristic struct {
	BodyLengthThreshold int
	// ScriptSharePct is the share of the document taken by <script> content
	// above which a short page counts as a shell.
	ScriptSharePct int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold, ScriptSharePct: 25}
}

var spaMarkers = [][]byte{
	[]byte(`id="__next"`),
	[]byte(`id="__nuxt"`),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version="),
}

// ShouldPromote reports whether resp is an empty or script-only shell.
func (h *Heuristic) ShouldPromote(resp scrape.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	body := resp.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && h.scriptHeavy(body) {
		return true
	}
	if len(body) >= h.BodyLengthThreshold {
		return false
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

func (h *Heuristic) scriptHeavy(body []byte) bool {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	scripts := 0
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if html, err := goquery.OuterHtml(s); err == nil {
			scripts += len(html)
		}
	})
	if scripts == 0 {
		return false
	}
	visible := len(strings.TrimSpace(doc.Find("body").Text()))
	if visible == 0 {
		return true
	}
	return scripts*100/len(body) >= h.ScriptSharePct
}
