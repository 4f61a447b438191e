package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/adrianolucasdepaula/invest-sub002/internal/scrape"
)

func TestHeuristic_ShouldPromote(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(1000)
	tests := []struct {
		name string
		resp scrape.FetchResponse
		want bool
	}{
		{"empty body", scrape.FetchResponse{StatusCode: 200, Body: []byte("  ")}, true},
		{"next shell", scrape.FetchResponse{StatusCode: 200, Body: []byte(`<div id="__next"></div>`)}, true},
		{"script only", scrape.FetchResponse{StatusCode: 200,
			Body: []byte(`<html><body><script>var a=1;</script></body></html>`)}, true},
		{"not found", scrape.FetchResponse{StatusCode: 404, Body: []byte("not found")}, false},
		{"plain table", scrape.FetchResponse{StatusCode: 200,
			Body: []byte(`<html><body><table><tr><td>P/L</td><td>5,2</td></tr></table></body></html>`)}, false},
		{"large page with marker", scrape.FetchResponse{StatusCode: 200,
			Body: []byte(`<div id="app">` + strings.Repeat("<p>cotação</p>", 200) + `</div>`)}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, h.ShouldPromote(tc.resp))
		})
	}
}

func TestLoginDetector(t *testing.T) {
	t.Parallel()

	var d LoginDetector
	tests := []struct {
		name string
		resp scrape.FetchResponse
		want bool
	}{
		{"google redirect", scrape.FetchResponse{URL: "https://accounts.google.com/o/oauth2/auth"}, true},
		{"login path", scrape.FetchResponse{URL: "https://investidor10.com.br/login?next=/acoes/petr4"}, true},
		{"password form", scrape.FetchResponse{URL: "https://site/acoes/y",
			Body: []byte(`<form><input type="password" name="p"></form>`)}, true},
		{"prompt text", scrape.FetchResponse{URL: "https://site/acoes/y",
			Body: []byte(`<h2>Faça login para continuar</h2>`)}, true},
		{"data page", scrape.FetchResponse{URL: "https://site/acoes/petr4",
			Body: []byte(`<div class="indicator"><span>P/L</span><span>4,5</span></div>`)}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := d.IsLoginPage(tc.resp)
			require.Equal(t, tc.want, got)
		})
	}

	err := d.CheckLogin(scrape.FetchResponse{URL: "https://site/entrar"})
	require.Equal(t, scrape.KindAuthExpired, scrape.KindOf(err))
	require.NoError(t, d.CheckLogin(scrape.FetchResponse{URL: "https://site/acoes/petr4", Body: []byte("<p>ok</p>")}))
}
