package scrape

// Canonical fundamental field names shared by adapters and fusion.
const (
	FieldPrice             = "price"
	FieldVolume            = "volume"
	FieldPE                = "pe"
	FieldPB                = "pb"
	FieldPSR               = "psr"
	FieldDividendYield     = "dividend_yield"
	FieldROE               = "roe"
	FieldROIC              = "roic"
	FieldROA               = "roa"
	FieldEPS               = "eps"
	FieldBVPS              = "bvps"
	FieldNetMargin         = "net_margin"
	FieldGrossMargin       = "gross_margin"
	FieldEBITMargin        = "ebit_margin"
	FieldEVEBITDA          = "ev_ebitda"
	FieldEVEBIT            = "ev_ebit"
	FieldCurrentRatio      = "current_ratio"
	FieldGrossDebtEquity   = "gross_debt_equity"
	FieldNetDebtEBITDA     = "net_debt_ebitda"
	FieldMarketCap         = "market_cap"
	FieldSharesOutstanding = "shares_outstanding"
	FieldAvgDailyVolume    = "avg_daily_volume"
	FieldRevenueGrowth5y   = "revenue_growth_5y"
	FieldPayout            = "payout"
)
