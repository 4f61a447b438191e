package detector

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/adrianolucasdepaula/invest-sub002/internal/scrape"
)

var (
	loginPathMarkers = []string{"/login", "/entrar", "/signin", "/sign-in", "/auth", "/conta/acesso"}
	identityHosts    = []string{"accounts.google.com", "login.microsoftonline.com", "appleid.apple.com"}
	loginTextMarkers = []string{"faça login", "faca login", "entre com google", "entrar com google",
		"sign in with google", "fazer login", "acesse sua conta", "sessão expirada", "sessao expirada"}
)

// LoginDetector recognises a login page returned instead of the data page.
type LoginDetector struct{}

// IsLoginPage reports whether resp looks like a login prompt and why.
func (LoginDetector) IsLoginPage(resp scrape.FetchResponse) (bool, string) {
	if u, err := url.Parse(resp.URL); err == nil {
		host := strings.ToLower(u.Hostname())
		for _, h := range identityHosts {
			if host == h {
				return true, "redirected to identity provider " + host
			}
		}
		path := strings.ToLower(u.Path)
		for _, m := range loginPathMarkers {
			if strings.HasPrefix(path, m) || strings.Contains(path, m+"/") {
				return true, "redirected to " + u.Path
			}
		}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return false, ""
	}
	if doc.Find(`input[type="password"]`).Length() > 0 {
		return true, "password field present"
	}
	text := strings.ToLower(doc.Find("title").Text() + " " + doc.Find("h1, h2, button, a").Text())
	for _, m := range loginTextMarkers {
		if strings.Contains(text, m) {
			return true, "login prompt: " + m
		}
	}
	return false, ""
}

// CheckLogin converts a detected login page into AUTH_EXPIRED.
func (d LoginDetector) CheckLogin(resp scrape.FetchResponse) error {
	if ok, reason := d.IsLoginPage(resp); ok {
		return scrape.NewError(scrape.KindAuthExpired, "session rejected by %s: %s", resp.URL, reason)
	}
	return nil
}
