package cotahist

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func put(b []byte, s span, v string) { copy(b[s.from:s.to], v) }

func putNum(b []byte, s span, n int64) { put(b, s, fmt.Sprintf("%0*d", s.to-s.from, n)) }

type quote struct {
	ticker, product, date  string
	open, high, low, close int64
	volume, trades         int64
}

func (q quote) line() []byte {
	b := bytes.Repeat([]byte(" "), RecordLength)
	put(b, colType, RecordQuote)
	put(b, colDate, q.date)
	put(b, colProduct, q.product)
	put(b, colTicker, q.ticker)
	put(b, colMarket, "010")
	put(b, colShortName, "PETROBRAS")
	put(b, colClass, "PN      N2")
	putNum(b, colOpen, q.open)
	putNum(b, colHigh, q.high)
	putNum(b, colLow, q.low)
	putNum(b, colAvg, (q.open+q.close)/2)
	putNum(b, colClose, q.close)
	putNum(b, colBid, q.close-1)
	putNum(b, colAsk, q.close+1)
	putNum(b, colVolume, q.volume)
	putNum(b, colTrades, q.trades)
	return b
}

func petr4() quote {
	return quote{
		ticker: "PETR4", product: "02", date: "20240115",
		open: 1000, high: 1100, low: 950, close: 1050,
		volume: 123456789, trades: 4321,
	}
}

func header() []byte {
	b := bytes.Repeat([]byte(" "), RecordLength)
	copy(b, "00COTAHIST.2024BOVESPA 20240102")
	return b
}

func file(lines ...[]byte) io.Reader {
	return bytes.NewReader(append(bytes.Join(lines, []byte("\n")), '\n'))
}

func collect(t *testing.T, p *Parser, r io.Reader) []Bar {
	t.Helper()
	var out []Bar
	for bar, err := range p.Bars(r) {
		require.NoError(t, err)
		out = append(out, bar)
	}
	return out
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestParserSingleQuote(t *testing.T) {
	t.Parallel()

	bars := collect(t, NewParser(), file(header(), petr4().line()))
	require.Len(t, bars, 1)
	bar := bars[0]
	require.Equal(t, "PETR4", bar.Asset)
	require.Equal(t, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), bar.TradeDate)
	require.True(t, bar.Open.Decimal.Equal(dec("10.00")))
	require.True(t, bar.High.Decimal.Equal(dec("11.00")))
	require.True(t, bar.Low.Decimal.Equal(dec("9.50")))
	require.True(t, bar.Close.Decimal.Equal(dec("10.50")))
	require.True(t, bar.AvgPrice.Decimal.Equal(dec("10.25")))
	require.True(t, bar.BestBid.Decimal.Equal(dec("10.49")))
	require.True(t, bar.BestAsk.Decimal.Equal(dec("10.51")))
	require.EqualValues(t, 123456789, *bar.Volume)
	require.EqualValues(t, 4321, *bar.TradesCount)
	require.Equal(t, "02", bar.BDICode)
	require.Equal(t, "010", bar.MarketType)
	require.Equal(t, "PETROBRAS", bar.CompanyName)
	require.Equal(t, "PN      N2", bar.StockType)
}

func TestParserFiltersAndInvariants(t *testing.T) {
	t.Parallel()

	fund := petr4()
	fund.ticker, fund.product = "HGLG11", "12"
	fractional := petr4()
	fractional.ticker, fractional.product = "PETR4F", "96"
	option := petr4()
	option.ticker, option.product = "PETRA100", "78"
	broken := petr4()
	broken.ticker, broken.low = "VALE3", 1020
	trailer := bytes.Repeat([]byte(" "), RecordLength)
	copy(trailer, "99COTAHIST.2024")
	badDate := petr4().line()
	put(badDate, colDate, "2024XX15")

	var st Stats
	bars := collect(t, NewParser(WithStats(&st)), file(
		header(),
		petr4().line(),
		fund.line(),
		fractional.line(),
		option.line(),
		broken.line(),
		badDate,
		[]byte("short line"),
		trailer,
	))

	var tickers []string
	for _, b := range bars {
		tickers = append(tickers, b.Asset)
		require.True(t, b.Consistent())
		require.True(t, b.Low.Decimal.LessThanOrEqual(decimal.Min(b.Open.Decimal, b.Close.Decimal)))
		require.True(t, decimal.Max(b.Open.Decimal, b.Close.Decimal).LessThanOrEqual(b.High.Decimal))
		require.GreaterOrEqual(t, *b.Volume, int64(0))
	}
	require.Equal(t, []string{"PETR4", "HGLG11", "PETR4F"}, tickers)
	require.Equal(t, Stats{Lines: 9, Accepted: 3, WrongLength: 1, Filtered: 3, Inconsistent: 1, BadDate: 1}, st)
}

func TestParserNullsBadNumericField(t *testing.T) {
	t.Parallel()

	line := petr4().line()
	put(line, colVolume, "      ABC         ")
	put(line, colAsk, "             ")

	bars := collect(t, NewParser(), file(line))
	require.Len(t, bars, 1)
	require.Nil(t, bars[0].Volume)
	require.False(t, bars[0].BestAsk.Valid)
	require.True(t, bars[0].Close.Valid)
	require.EqualValues(t, 4321, *bars[0].TradesCount)
}

func TestParserTickerFilter(t *testing.T) {
	t.Parallel()

	vale := petr4()
	vale.ticker = "VALE3"
	bars := collect(t, NewParser(WithTickers("vale3 ")), file(petr4().line(), vale.line()))
	require.Len(t, bars, 1)
	require.Equal(t, "VALE3", bars[0].Asset)
}

func TestParserLineEndings(t *testing.T) {
	t.Parallel()

	crlf := append(petr4().line(), '\r', '\n')
	noEOL := petr4().line()
	r := io.MultiReader(bytes.NewReader(crlf), bytes.NewReader(noEOL))
	require.Len(t, collect(t, NewParser(), r), 2)
}

func TestParserLatin1Text(t *testing.T) {
	t.Parallel()

	line := petr4().line()
	put(line, colShortName, "A\xc7UCAR     ")
	bars := collect(t, NewParser(), file(line))
	require.Len(t, bars, 1)
	require.Equal(t, "AÇUCAR", bars[0].CompanyName)
}

func TestParserStopsEarly(t *testing.T) {
	t.Parallel()

	var lines [][]byte
	for range 5 {
		lines = append(lines, petr4().line())
	}
	n := 0
	for range NewParser().Bars(file(lines...)) {
		n++
		if n == 2 {
			break
		}
	}
	require.Equal(t, 2, n)
}

type failingReader struct{ data io.Reader }

func (f *failingReader) Read(p []byte) (int, error) {
	n, err := f.data.Read(p)
	if errors.Is(err, io.EOF) {
		return n, errors.New("connection reset")
	}
	return n, err
}

func TestParserYieldsReadError(t *testing.T) {
	t.Parallel()

	r := &failingReader{data: strings.NewReader(string(petr4().line()) + "\n")}
	var bars int
	var errs []error
	for bar, err := range NewParser().Bars(r) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		require.Equal(t, "PETR4", bar.Asset)
		bars++
	}
	require.Equal(t, 1, bars)
	require.Len(t, errs, 1)
	require.ErrorContains(t, errs[0], "connection reset")
}
