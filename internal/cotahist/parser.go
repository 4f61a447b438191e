package cotahist

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/charmap"

	"github.com/adrianolucasdepaula/invest-sub002/internal/metrics"
)

// RecordLength is the width of one COTAHIST record without its line break.
const RecordLength = 245

// RecordQuote is the record type carrying daily quotes.
const RecordQuote = "01"

// Default product (BDI) codes: standard lot, real-estate funds and fractional lot.
var DefaultProducts = []string{"02", "12", "96"}

type span struct{ from, to int }

var (
	colType      = span{0, 2}
	colDate      = span{2, 10}
	colProduct   = span{10, 12}
	colTicker    = span{12, 24}
	colMarket    = span{24, 27}
	colShortName = span{27, 39}
	colClass     = span{39, 49}
	colOpen      = span{56, 69}
	colHigh      = span{69, 82}
	colLow       = span{82, 95}
	colAvg       = span{95, 108}
	colClose     = span{108, 121}
	colBid       = span{121, 134}
	colAsk       = span{134, 147}
	colVolume    = span{152, 170}
	colTrades    = span{170, 188}
)

func (s span) of(rec []byte) []byte { return rec[s.from:s.to] }

// Stats counts what one pass over an archive did with its lines.
type Stats struct {
	Lines        int
	Accepted     int
	WrongLength  int
	Filtered     int
	Inconsistent int
	BadDate      int
}

// Parser extracts bars from the fixed-width text. The zero value is not
// usable; build one with NewParser.
type Parser struct {
	products map[string]struct{}
	tickers  map[string]struct{}
	stats    *Stats
}

// ParserOption tunes a Parser.
type ParserOption func(*Parser)

// WithTickers keeps only the listed tickers. Non-matching rows are dropped
// before any field beyond the ticker is decoded.
func WithTickers(tickers ...string) ParserOption {
	return func(p *Parser) {
		for _, t := range tickers {
			t = strings.ToUpper(strings.TrimSpace(t))
			if t == "" {
				continue
			}
			if p.tickers == nil {
				p.tickers = make(map[string]struct{})
			}
			p.tickers[t] = struct{}{}
		}
	}
}

// WithProducts replaces the accepted product codes.
func WithProducts(codes ...string) ParserOption {
	return func(p *Parser) {
		p.products = make(map[string]struct{}, len(codes))
		for _, c := range codes {
			p.products[c] = struct{}{}
		}
	}
}

// WithStats records line counters into s as the sequence is consumed.
func WithStats(s *Stats) ParserOption {
	return func(p *Parser) { p.stats = s }
}

// NewParser builds a parser.
func NewParser(opts ...ParserOption) *Parser {
	p := &Parser{}
	WithProducts(DefaultProducts...)(p)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Bars lazily yields one bar per accepted record. Lines of any width other
// than a record are skipped silently. A numeric field that fails to parse is
// left null without rejecting the row. Reading stops at the first I/O error,
// which is yielded once.
func (p *Parser) Bars(r io.Reader) iter.Seq2[Bar, error] {
	return func(yield func(Bar, error) bool) {
		var st Stats
		defer func() {
			if p.stats != nil {
				*p.stats = st
			}
			metrics.ObserveCotahistRows("accepted", st.Accepted)
			metrics.ObserveCotahistRows("filtered", st.Filtered)
			metrics.ObserveCotahistRows("skipped", st.WrongLength+st.Inconsistent+st.BadDate)
		}()

		br := bufio.NewReaderSize(r, 64<<10)
		for {
			line, err := br.ReadBytes('\n')
			if len(line) > 0 {
				st.Lines++
				bar, ok := p.record(line, &st)
				if ok && !yield(bar, nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Bar{}, fmt.Errorf("read cotahist: %w", err))
				return
			}
		}
	}
}

// trimEOL strips one trailing "\n" and then one "\r".
func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte{'\n'})
	return bytes.TrimSuffix(line, []byte{'\r'})
}

func (p *Parser) record(line []byte, st *Stats) (Bar, bool) {
	rec := trimEOL(line)
	if len(rec) != RecordLength {
		st.WrongLength++
		return Bar{}, false
	}
	if string(colType.of(rec)) != RecordQuote {
		st.Filtered++
		return Bar{}, false
	}
	product := string(colProduct.of(rec))
	if _, ok := p.products[product]; !ok {
		st.Filtered++
		return Bar{}, false
	}
	ticker := strings.TrimRight(string(colTicker.of(rec)), " ")
	if p.tickers != nil {
		if _, ok := p.tickers[ticker]; !ok {
			st.Filtered++
			return Bar{}, false
		}
	}
	date, err := time.Parse("20060102", string(colDate.of(rec)))
	if err != nil {
		st.BadDate++
		return Bar{}, false
	}

	bar := Bar{
		Asset:       ticker,
		TradeDate:   date,
		BDICode:     product,
		MarketType:  text(colMarket.of(rec)),
		CompanyName: text(colShortName.of(rec)),
		StockType:   text(colClass.of(rec)),
		Open:        price(colOpen.of(rec)),
		High:        price(colHigh.of(rec)),
		Low:         price(colLow.of(rec)),
		AvgPrice:    price(colAvg.of(rec)),
		Close:       price(colClose.of(rec)),
		BestBid:     price(colBid.of(rec)),
		BestAsk:     price(colAsk.of(rec)),
		Volume:      integer(colVolume.of(rec)),
		TradesCount: integer(colTrades.of(rec)),
	}
	if !bar.Consistent() {
		st.Inconsistent++
		return Bar{}, false
	}
	st.Accepted++
	return bar, true
}

// text decodes an ISO-8859-1 field. Latin-1 maps every byte, so decoding
// cannot fail; the raw bytes are kept if it ever does.
func text(raw []byte) string {
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		out = raw
	}
	return strings.TrimSpace(string(out))
}

func integer(raw []byte) *int64 {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return nil
	}
	return &n
}

// price reads an implied two-decimal integer.
func price(raw []byte) decimal.NullDecimal {
	n := integer(raw)
	if n == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.New(*n, -2))
}
