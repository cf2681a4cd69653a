package apiserver

import (
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/perps/backend/internal/indexer"
	"github.com/coldbell/perps/backend/internal/perpmath"
)

func testService(allowAll bool, origins ...string) *Service {
	originSet := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		originSet[origin] = struct{}{}
	}
	return &Service{
		logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		allowAllOrigins:  allowAll,
		allowedOriginSet: originSet,
	}
}

func TestUsdDisplay(t *testing.T) {
	assert.Equal(t, "1.50", usdDisplay(big.NewInt(1_500_000)))
	assert.Equal(t, "0.00", usdDisplay(big.NewInt(0)))
	assert.Equal(t, "-12.34", usdDisplay(big.NewInt(-12_340_000)))
	// Sub-cent precision rounds to cents for display only.
	assert.Equal(t, "0.01", usdDisplay(big.NewInt(12_345)))
}

func TestScaledDisplay(t *testing.T) {
	assert.Equal(t, "2.05", scaledDisplay(big.NewInt(2_050_000), 6))
	assert.Equal(t, "0.000001", scaledDisplay(big.NewInt(1), 6))
}

func TestTickPriceDisplay(t *testing.T) {
	assert.Equal(t, "160.12345678", tickPriceDisplay(indexer.OracleTickRecord{
		Price: 16_012_345_678,
		Expo:  -8,
	}))
	assert.Equal(t, "1.00000021", tickPriceDisplay(indexer.OracleTickRecord{
		Price: 100_000_021,
		Expo:  -8,
	}))
}

func TestRatePct(t *testing.T) {
	// RatePower is 1e9, so 5e6 is 0.5%.
	assert.InDelta(t, 0.5, ratePct(big.NewInt(5_000_000)), 1e-12)
	assert.InDelta(t, 0, ratePct(big.NewInt(0)), 1e-12)
}

func TestUtilizationPct(t *testing.T) {
	snapshot := &perpmath.CustodySnapshot{
		Owned:                      big.NewInt(1_000),
		Locked:                     big.NewInt(250),
		Debt:                       big.NewInt(0),
		BorrowLendInterestsAccrued: big.NewInt(0),
	}
	assert.InDelta(t, 25, utilizationPct(snapshot), 1e-9)

	snapshot.Owned = big.NewInt(0)
	assert.Zero(t, utilizationPct(snapshot))
}

func TestParsePositiveBigInt(t *testing.T) {
	value, err := parsePositiveBigInt(" 123456789012345678901234567890 ")
	require.NoError(t, err)
	expected, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	assert.Equal(t, expected, value)

	_, err = parsePositiveBigInt("0")
	require.Error(t, err)
	_, err = parsePositiveBigInt("-5")
	require.Error(t, err)
	_, err = parsePositiveBigInt("abc")
	require.Error(t, err)
	_, err = parsePositiveBigInt("")
	require.Error(t, err)
}

func TestHandleHealth(t *testing.T) {
	s := testService(true)

	recorder := httptest.NewRecorder()
	s.handleHealth(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.JSONEq(t, `{"ok":true}`, recorder.Body.String())

	recorder = httptest.NewRecorder()
	s.handleHealth(recorder, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, recorder.Code)
}

func TestWithCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("wildcard", func(t *testing.T) {
		s := testService(true)
		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodGet, "/api/v1/pool", nil)
		request.Header.Set("Origin", "https://anything.example")
		s.withCORS(next).ServeHTTP(recorder, request)
		assert.Equal(t, "*", recorder.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("allowlisted origin echoed", func(t *testing.T) {
		s := testService(false, "https://app.example")
		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodGet, "/api/v1/pool", nil)
		request.Header.Set("Origin", "https://app.example")
		s.withCORS(next).ServeHTTP(recorder, request)
		assert.Equal(t, "https://app.example", recorder.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, recorder.Header().Values("Vary"), "Origin")
	})

	t.Run("unknown origin gets no headers", func(t *testing.T) {
		s := testService(false, "https://app.example")
		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodGet, "/api/v1/pool", nil)
		request.Header.Set("Origin", "https://evil.example")
		s.withCORS(next).ServeHTTP(recorder, request)
		assert.Empty(t, recorder.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight short-circuits", func(t *testing.T) {
		s := testService(true)
		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodOptions, "/api/v1/pool", nil)
		request.Header.Set("Origin", "https://app.example")
		s.withCORS(next).ServeHTTP(recorder, request)
		assert.Equal(t, http.StatusNoContent, recorder.Code)
	})
}

func TestIsOriginAllowed(t *testing.T) {
	s := testService(false, "https://app.example")
	assert.True(t, s.isOriginAllowed(""))
	assert.True(t, s.isOriginAllowed("https://app.example"))
	assert.False(t, s.isOriginAllowed("https://evil.example"))

	assert.True(t, testService(true).isOriginAllowed("https://evil.example"))
}

func TestSubscriptionSet(t *testing.T) {
	subs := newSubscriptionSet()
	subs.Add("price.SOL")
	subs.Add("pool.stats")
	subs.Add("price.SOL")
	assert.ElementsMatch(t, []string{"price.SOL", "pool.stats"}, subs.List())

	subs.Remove("price.SOL")
	assert.ElementsMatch(t, []string{"pool.stats"}, subs.List())
}
