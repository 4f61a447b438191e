package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://fundamentus.com.br/detalhes.php", "fundamentus.com.br"},
		{"standard https", "https://StatusInvest.com.br/acoes", "statusinvest.com.br"},
		{"no scheme", "brapi.dev/api", "brapi.dev"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestInitAndObservers(t *testing.T) {
	Init()
	Init()

	ObserveJob("fundamentus", "succeeded")
	require.InDelta(t, 1, testutil.ToFloat64(jobsTotal.WithLabelValues("fundamentus", "succeeded")), 1e-9)

	ObserveScrapeAttempt("fundamentus", "RATE_LIMITED")
	require.InDelta(t, 1, testutil.ToFloat64(scrapeAttemptsTotal.WithLabelValues("fundamentus", "RATE_LIMITED")), 1e-9)

	SetQueueDepth("high", 4)
	require.InDelta(t, 4, testutil.ToFloat64(queueDepth.WithLabelValues("high")), 1e-9)

	ObserveResourceUsage(42, 13, 256)
	require.InDelta(t, 42, testutil.ToFloat64(resourceUsage.WithLabelValues("mem_pct")), 1e-9)

	before := testutil.ToFloat64(fusionRejectedSourcesTotal)
	ObserveFusionField("pe", true, 2, 0.55)
	require.InDelta(t, before+2, testutil.ToFloat64(fusionRejectedSourcesTotal), 1e-9)
	require.InDelta(t, 1, testutil.ToFloat64(fusionFieldsTotal.WithLabelValues("pe", "low_confidence")), 1e-9)

	ObserveSessionAge("investidor10", 6.5)
	require.InDelta(t, 6.5, testutil.ToFloat64(sessionAgeDays.WithLabelValues("investidor10")), 1e-9)

	ObserveCotahistRows("accepted", 3)
	ObserveCotahistRows("accepted", 0)
	require.InDelta(t, 3, testutil.ToFloat64(cotahistRowsTotal.WithLabelValues("accepted")), 1e-9)

	ObserveBackpressureWait()
	ObserveBackpressureWaitDuration(2 * time.Second)
	require.GreaterOrEqual(t, testutil.CollectAndCount(backpressureWaitSeconds), 1)
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
