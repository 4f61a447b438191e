package cotahist

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/adrianolucasdepaula/invest-sub002/internal/scrape"
)

// DefaultBaseURL serves the yearly archives.
const DefaultBaseURL = "https://bvmf.bmfbovespa.com.br/InstDados/SerHist"

// DownloadTimeout bounds one archive download.
const DownloadTimeout = 5 * time.Minute

// ArchiveStore keeps raw archives and trims old copies.
type ArchiveStore interface {
	scrape.BlobStore
	Prune(ctx context.Context, prefix string, keep int) ([]string, error)
}

// DownloaderConfig tunes the archive download.
type DownloaderConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	// Keep is how many raw copies of one year's archive are retained.
	Keep int `mapstructure:"keep_archives"`
}

// Archive is one downloaded yearly file.
type Archive struct {
	Year int
	URL  string
	// URI is where the raw zip was saved; empty without an archive store.
	URI   string
	Name  string
	Bytes int
	// Digest is the hex SHA-256 of the raw zip when a hasher is set.
	Digest string
	entry  *zip.File
}

// Open returns the decompressed fixed-width text.
func (a *Archive) Open() (io.ReadCloser, error) {
	rc, err := a.entry.Open()
	if err != nil {
		return nil, scrape.Wrap(scrape.KindParse, err, "open "+a.Name)
	}
	return rc, nil
}

// Downloader fetches yearly archives. It makes a single attempt per call;
// callers retry through scrape.Retry or the adapter wrapper.
type Downloader struct {
	cfg     DownloaderConfig
	fetcher scrape.Fetcher
	store   ArchiveStore
	hasher  scrape.Hasher
	clock   scrape.Clock
	logger  *zap.Logger
}

// NewDownloader builds a downloader. store may be nil.
func NewDownloader(cfg DownloaderConfig, fetcher scrape.Fetcher, store ArchiveStore, clock scrape.Clock, logger *zap.Logger) *Downloader {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DownloadTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{cfg: cfg, fetcher: fetcher, store: store, clock: clock, logger: logger.Named("cotahist")}
}

// WithHasher records a digest of every downloaded archive.
func (d *Downloader) WithHasher(h scrape.Hasher) *Downloader {
	d.hasher = h
	return d
}

// URL returns the archive address for year.
func (d *Downloader) URL(year int) string {
	return fmt.Sprintf("%s/COTAHIST_A%d.ZIP", strings.TrimRight(d.cfg.BaseURL, "/"), year)
}

// Fetch downloads the archive for year, saves the raw copy when a store is
// configured and locates the single text file inside.
func (d *Downloader) Fetch(ctx context.Context, year int) (*Archive, error) {
	url := d.URL(year)
	resp, err := d.fetcher.Fetch(ctx, scrape.FetchRequest{URL: url, Timeout: d.cfg.Timeout})
	if err != nil {
		return nil, err
	}
	if err := scrape.CheckStatus(resp); err != nil {
		return nil, err
	}

	archive := &Archive{Year: year, URL: url, Bytes: len(resp.Body)}
	if d.hasher != nil {
		if archive.Digest, err = d.hasher.Hash(resp.Body); err != nil {
			d.logger.Warn("archive digest failed", zap.Int("year", year), zap.Error(err))
		}
	}
	if d.store != nil {
		archive.URI = d.retain(ctx, year, resp.Body)
	}

	zr, err := zip.NewReader(bytes.NewReader(resp.Body), int64(len(resp.Body)))
	if err != nil {
		return nil, scrape.Wrap(scrape.KindParse, err, "read archive "+url)
	}
	var texts []*zip.File
	for _, f := range zr.File {
		if strings.HasSuffix(strings.ToUpper(f.Name), ".TXT") {
			texts = append(texts, f)
		}
	}
	if len(texts) != 1 {
		return nil, scrape.NewError(scrape.KindParse, "archive %s holds %d text files, want 1", url, len(texts))
	}
	archive.entry = texts[0]
	archive.Name = texts[0].Name
	return archive, nil
}

// retain saves the raw archive and prunes older copies. Failures are logged;
// the import does not depend on the copy.
func (d *Downloader) retain(ctx context.Context, year int, body []byte) string {
	prefix := fmt.Sprintf("cotahist/COTAHIST_A%d_", year)
	path := prefix + d.clock.Now().UTC().Format("20060102T150405Z") + ".ZIP"
	uri, err := d.store.PutObject(ctx, path, "application/zip", bytes.NewReader(body))
	if err != nil {
		d.logger.Warn("archive copy not saved", zap.Int("year", year), zap.Error(err))
		return ""
	}
	if d.cfg.Keep > 0 {
		removed, err := d.store.Prune(ctx, prefix, d.cfg.Keep)
		if err != nil {
			d.logger.Warn("archive prune failed", zap.Int("year", year), zap.Error(err))
		} else if len(removed) > 0 {
			d.logger.Debug("pruned archives", zap.Strings("paths", removed))
		}
	}
	return uri
}
