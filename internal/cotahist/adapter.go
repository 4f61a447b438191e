package cotahist

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/adrianolucasdepaula/invest-sub002/internal/clock/system"
	"github.com/adrianolucasdepaula/invest-sub002/internal/scrape"
)

// Source is the source tag of the historical import.
const Source = "cotahist"

const defaultBatch = 1000

// ImportSummary is the payload of a finished import.
type ImportSummary struct {
	Year       int    `json:"year"`
	ArchiveURI string `json:"archive_uri,omitempty"`
	Digest     string `json:"sha256,omitempty"`
	File       string `json:"file"`
	Rows       int64  `json:"rows"`
	Assets     int    `json:"assets"`
	Stats      Stats  `json:"stats"`
}

// Adapter runs a yearly import as a scrape job. The job input is either a
// year ("2024") or a ticker, in which case the year comes from the "year"
// parameter or the current date. A "tickers" parameter holds a comma list.
type Adapter struct {
	downloader *Downloader
	writer     BarWriter
	clock      scrape.Clock
	logger     *zap.Logger
	batch      int
	products   []string
}

// AdapterOption tunes an Adapter.
type AdapterOption func(*Adapter)

// WithProductCodes overrides the market product codes imported.
func WithProductCodes(codes ...string) AdapterOption {
	return func(a *Adapter) { a.products = codes }
}

// NewAdapter builds the import adapter.
func NewAdapter(d *Downloader, w BarWriter, clock scrape.Clock, logger *zap.Logger, opts ...AdapterOption) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Adapter{downloader: d, writer: w, clock: clock, logger: logger.Named("cotahist"), batch: defaultBatch}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Descriptor implements scrape.Adapter.
func (a *Adapter) Descriptor() scrape.Descriptor {
	return scrape.Descriptor{
		Name:     "B3 COTAHIST",
		Source:   Source,
		Category: scrape.CategoryHistorical,
		Family:   scrape.FamilyHTTP,
		Timeout:  a.downloader.cfg.Timeout + 5*time.Minute,
		Health:   scrape.HealthUnknown,
	}
}

// Initialize implements scrape.Adapter.
func (a *Adapter) Initialize(context.Context) error { return nil }

// Cleanup implements scrape.Adapter.
func (a *Adapter) Cleanup(context.Context) error { return nil }

// HealthCheck reports whether the adapter is wired to a bar writer.
func (a *Adapter) HealthCheck(context.Context) bool { return a.writer != nil }

// request resolves the year and ticker filter of one job.
func (a *Adapter) request(in scrape.Input) (int, []string, error) {
	current := system.TradingDay(a.clock.Now()).Year()
	year := current
	var tickers []string
	raw := strings.TrimSpace(in.Ticker)
	if n, err := strconv.Atoi(raw); err == nil && len(raw) == 4 {
		year = n
	} else if raw != "" {
		tickers = append(tickers, raw)
	}
	if y, ok := in.Params["year"]; ok {
		n, err := strconv.Atoi(y)
		if err != nil {
			return 0, nil, scrape.NewError(scrape.KindConfig, "bad year parameter %q", y)
		}
		year = n
	}
	if list := in.Params["tickers"]; list != "" {
		tickers = append(tickers, strings.Split(list, ",")...)
	}
	if year < 1986 || year > current {
		return 0, nil, scrape.NewError(scrape.KindNotFound, "no archive for year %d", year)
	}
	return year, tickers, nil
}

// Scrape downloads, parses and upserts one year.
func (a *Adapter) Scrape(ctx context.Context, in scrape.Input) (scrape.Payload, error) {
	if a.writer == nil {
		return scrape.Payload{}, scrape.NewError(scrape.KindConfig, "cotahist adapter has no bar writer")
	}
	year, tickers, err := a.request(in)
	if err != nil {
		return scrape.Payload{}, err
	}
	archive, err := a.downloader.Fetch(ctx, year)
	if err != nil {
		return scrape.Payload{}, err
	}
	text, err := archive.Open()
	if err != nil {
		return scrape.Payload{}, err
	}
	defer text.Close()

	summary := ImportSummary{Year: year, ArchiveURI: archive.URI, Digest: archive.Digest, File: archive.Name}
	popts := []ParserOption{WithTickers(tickers...), WithStats(&summary.Stats)}
	if len(a.products) > 0 {
		popts = append(popts, WithProducts(a.products...))
	}
	parser := NewParser(popts...)
	assets := make(map[string]struct{})
	batch := make([]Bar, 0, a.batch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return scrape.Wrap(scrape.KindCancelled, err, "import interrupted")
		}
		n, err := a.writer.UpsertBars(ctx, batch)
		if err != nil {
			return scrape.Wrap(scrape.KindPersist, err, "upsert bars")
		}
		summary.Rows += n
		batch = batch[:0]
		return nil
	}
	for bar, err := range parser.Bars(text) {
		if err != nil {
			return scrape.Payload{}, scrape.Wrap(scrape.KindParse, err, archive.Name)
		}
		assets[bar.Asset] = struct{}{}
		batch = append(batch, bar)
		if len(batch) >= a.batch {
			if err := flush(); err != nil {
				return scrape.Payload{}, err
			}
		}
	}
	if err := flush(); err != nil {
		return scrape.Payload{}, err
	}
	summary.Assets = len(assets)

	a.logger.Info("cotahist imported",
		zap.Int("year", year),
		zap.Int64("rows", summary.Rows),
		zap.Int("assets", summary.Assets),
		zap.Int("skipped", summary.Stats.WrongLength+summary.Stats.Inconsistent+summary.Stats.BadDate),
		zap.String("trace_id", in.TraceID),
	)
	return scrape.Payload{Data: summary}, nil
}
