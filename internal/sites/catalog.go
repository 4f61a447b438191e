package sites

import (
	"time"

	"github.com/adrianolucasdepaula/invest-sub002/internal/scrape"
)

// Fundamentus renders indicators as td.label / td.data siblings.
func Fundamentus() LabelTable {
	return LabelTable{
		Name:        "Fundamentus",
		Source:      "fundamentus",
		Category:    scrape.CategoryFundamental,
		Family:      scrape.FamilyHTTP,
		URLTemplate: "https://www.fundamentus.com.br/detalhes.php?papel={TICKER}",
		HealthURL:   "https://www.fundamentus.com.br/",
		Pairs: []PairSelector{
			{Container: "td.label", Label: "span.txt", Value: "span.txt", Sibling: true},
		},
		Labels: map[string]string{
			"Cotação":          scrape.FieldPrice,
			"P/L":              scrape.FieldPE,
			"P/VP":             scrape.FieldPB,
			"PSR":              scrape.FieldPSR,
			"Div. Yield":       scrape.FieldDividendYield,
			"ROE":              scrape.FieldROE,
			"ROIC":             scrape.FieldROIC,
			"LPA":              scrape.FieldEPS,
			"VPA":              scrape.FieldBVPS,
			"Marg. Líquida":    scrape.FieldNetMargin,
			"Marg. Bruta":      scrape.FieldGrossMargin,
			"Marg. EBIT":       scrape.FieldEBITMargin,
			"EV / EBITDA":      scrape.FieldEVEBITDA,
			"EV / EBIT":        scrape.FieldEVEBIT,
			"Liquidez Corr":    scrape.FieldCurrentRatio,
			"Div Br/ Patrim":   scrape.FieldGrossDebtEquity,
			"Valor de mercado": scrape.FieldMarketCap,
			"Nro. Ações":       scrape.FieldSharesOutstanding,
			"Vol $ méd (2m)":   scrape.FieldAvgDailyVolume,
			"Cres. Rec (5a)":   scrape.FieldRevenueGrowth5y,
		},
		NotFoundMarkers: []string{"Nenhum papel encontrado"},
		Timeout:         20 * time.Second,
		MaxRetries:      3,
	}
}

// StatusInvest renders indicator cards with an h3 title and strong value.
func StatusInvest() LabelTable {
	return LabelTable{
		Name:        "Status Invest",
		Source:      "statusinvest",
		Category:    scrape.CategoryFundamental,
		Family:      scrape.FamilyHTTP,
		URLTemplate: "https://statusinvest.com.br/acoes/{ticker}",
		HealthURL:   "https://statusinvest.com.br/",
		Pairs: []PairSelector{
			{Container: "div.indicator-today-container div.item", Label: "h3.title", Value: "strong.value"},
			{Container: "div.top-info div.info", Label: "h3.title", Value: "strong.value"},
		},
		Labels: map[string]string{
			"Valor atual":          scrape.FieldPrice,
			"P/L":                  scrape.FieldPE,
			"P/VP":                 scrape.FieldPB,
			"P/SR":                 scrape.FieldPSR,
			"Dividend Yield":       scrape.FieldDividendYield,
			"D.Y":                  scrape.FieldDividendYield,
			"ROE":                  scrape.FieldROE,
			"ROIC":                 scrape.FieldROIC,
			"ROA":                  scrape.FieldROA,
			"LPA":                  scrape.FieldEPS,
			"VPA":                  scrape.FieldBVPS,
			"M. Líquida":           scrape.FieldNetMargin,
			"M. Bruta":             scrape.FieldGrossMargin,
			"M. EBIT":              scrape.FieldEBITMargin,
			"EV/EBITDA":            scrape.FieldEVEBITDA,
			"EV/EBIT":              scrape.FieldEVEBIT,
			"Liq. corrente":        scrape.FieldCurrentRatio,
			"Dív. líquida/EBITDA":  scrape.FieldNetDebtEBITDA,
			"CAGR Receitas 5 anos": scrape.FieldRevenueGrowth5y,
		},
		NotFoundMarkers: []string{"Não encontramos o que você está procurando", "página não encontrada"},
		Timeout:         30 * time.Second,
		MaxRetries:      3,
	}
}

// Investidor10 needs a logged-in browser session for the full indicator grid.
func Investidor10() LabelTable {
	return LabelTable{
		Name:        "Investidor10",
		Source:      "investidor10",
		SiteKey:     "investidor10",
		Category:    scrape.CategoryFundamental,
		Family:      scrape.FamilyBrowser,
		URLTemplate: "https://investidor10.com.br/acoes/{ticker}/",
		Pairs: []PairSelector{
			{Container: "#table-indicators .cell", Label: "span.d-flex, span:first-child", Value: "div.value span"},
			{Container: "div._card", Label: "div._card-header span", Value: "div._card-body span"},
		},
		Labels: map[string]string{
			"Cotação":           scrape.FieldPrice,
			"P/L":               scrape.FieldPE,
			"P/VP":              scrape.FieldPB,
			"P/Receita (PSR)":   scrape.FieldPSR,
			"Dividend Yield":    scrape.FieldDividendYield,
			"DY":                scrape.FieldDividendYield,
			"ROE":               scrape.FieldROE,
			"ROIC":              scrape.FieldROIC,
			"LPA":               scrape.FieldEPS,
			"VPA":               scrape.FieldBVPS,
			"Margem Líquida":    scrape.FieldNetMargin,
			"Margem Bruta":      scrape.FieldGrossMargin,
			"EV/EBITDA":         scrape.FieldEVEBITDA,
			"Liquidez Corrente": scrape.FieldCurrentRatio,
			"Payout":            scrape.FieldPayout,
			"Valor de mercado":  scrape.FieldMarketCap,
		},
		NotFoundMarkers: []string{"Página não encontrada"},
		Timeout:         45 * time.Second,
		MaxRetries:      2,
	}
}

// Tables lists every built-in HTML source.
func Tables() []LabelTable {
	return []LabelTable{Fundamentus(), StatusInvest(), Investidor10()}
}
