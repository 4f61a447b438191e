package headless

import (
	"context"

	"github.com/adrianolucasdepaula/invest-sub002/internal/scrape"
)

// Unavailable stands in for a Browser when headless support is disabled.
// Every call fails with CONFIG_ERROR so browser-driven sources surface the
// misconfiguration instead of retrying.
type Unavailable struct{}

// Fetch implements scrape.Fetcher.
func (Unavailable) Fetch(_ context.Context, request scrape.FetchRequest) (scrape.FetchResponse, error) {
	return scrape.FetchResponse{}, scrape.NewError(scrape.KindConfig, "headless browser disabled, cannot fetch %s", request.URL)
}
