// Package system provides the wall clock and market time zone used outside tests.
package system

import "time"

// MarketZone is the B3 trading time zone.
const MarketZone = "America/Sao_Paulo"

// brt is used when the zone database is missing. Brazil dropped daylight
// saving in 2019, so the fixed offset matches current B3 hours.
var brt = time.FixedZone("BRT", -3*60*60)

// Clock implements scrape.Clock using time.Now in UTC.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Location loads the named zone. An empty name means MarketZone; an
// unloadable MarketZone falls back to a fixed UTC-3 offset and any other
// unloadable zone to UTC.
func Location(name string) *time.Location {
	if name == "" {
		name = MarketZone
	}
	loc, err := time.LoadLocation(name)
	if err == nil {
		return loc
	}
	if name == MarketZone {
		return brt
	}
	return time.UTC
}

// TradingDay returns the market calendar date of t, at midnight in the market zone.
func TradingDay(t time.Time) time.Time {
	local := t.In(Location(MarketZone))
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
}
