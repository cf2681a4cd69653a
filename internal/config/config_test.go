package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCustodyTargetsDefaults(t *testing.T) {
	targets, err := parseCustodyTargets("")
	require.NoError(t, err)
	require.Len(t, targets, 5)
	assert.Equal(t, "SOL", targets[0].Symbol)
	assert.Equal(t, "USDT", targets[4].Symbol)
}

func TestParseCustodyTargets(t *testing.T) {
	targets, err := parseCustodyTargets(
		"sol:7xS2gz2bTp3fwCC7knJvUWTEU9Tycczu6VhJYKgi1wdz:39cWjvHrpHNz2SbXv6ME4NPhqBDBd4KsjUYv5JkHEAJU," +
			"SOL:7xS2gz2bTp3fwCC7knJvUWTEU9Tycczu6VhJYKgi1wdz:39cWjvHrpHNz2SbXv6ME4NPhqBDBd4KsjUYv5JkHEAJU",
	)
	require.NoError(t, err)
	// Duplicate symbols collapse to the first entry.
	require.Len(t, targets, 1)
	assert.Equal(t, "SOL", targets[0].Symbol)
	assert.Equal(t, "7xS2gz2bTp3fwCC7knJvUWTEU9Tycczu6VhJYKgi1wdz", targets[0].Custody.String())
	assert.Equal(t, "39cWjvHrpHNz2SbXv6ME4NPhqBDBd4KsjUYv5JkHEAJU", targets[0].DovesOracle.String())
}

func TestParseCustodyTargetsInvalid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"missing fields", "SOL:7xS2gz2bTp3fwCC7knJvUWTEU9Tycczu6VhJYKgi1wdz"},
		{"empty symbol", ":7xS2gz2bTp3fwCC7knJvUWTEU9Tycczu6VhJYKgi1wdz:39cWjvHrpHNz2SbXv6ME4NPhqBDBd4KsjUYv5JkHEAJU"},
		{"bad custody", "SOL:nope:39cWjvHrpHNz2SbXv6ME4NPhqBDBd4KsjUYv5JkHEAJU"},
		{"bad oracle", "SOL:7xS2gz2bTp3fwCC7knJvUWTEU9Tycczu6VhJYKgi1wdz:nope"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseCustodyTargets(tc.raw)
			require.Error(t, err)
		})
	}
}

func TestDeriveWSURL(t *testing.T) {
	assert.Equal(t, "wss://api.mainnet-beta.solana.com", deriveWSURL("https://api.mainnet-beta.solana.com"))
	assert.Equal(t, "ws://127.0.0.1:8899", deriveWSURL("http://127.0.0.1:8899"))
	assert.Equal(t, "wss://already", deriveWSURL("wss://already"))
}

func TestNormalizeKeySegment(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"rpc url", "RPC_URL"},
		{"solana.rpc-url", "SOLANA_RPC_URL"},
		{"  poll_interval  ", "POLL_INTERVAL"},
		{"--", ""},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, normalizeKeySegment(tc.raw), "raw=%q", tc.raw)
	}
}

func TestFlattenConfig(t *testing.T) {
	flattened, err := flattenConfig(map[string]any{
		"indexer": map[string]any{
			"poll interval": "5s",
			"rpc": map[string]any{
				"max-retries": 6,
			},
		},
		"api_server": map[string]any{
			"allowed origins": []any{"https://a.example", "https://b.example"},
		},
		"empty": nil,
	})
	require.NoError(t, err)

	assert.Equal(t, "5s", flattened["INDEXER_POLL_INTERVAL"])
	assert.Equal(t, "6", flattened["INDEXER_RPC_MAX_RETRIES"])
	assert.Equal(t, "https://a.example,https://b.example", flattened["API_SERVER_ALLOWED_ORIGINS"])
	assert.NotContains(t, flattened, "EMPTY")
}

func TestFlattenConfigRejectsStructuredListItems(t *testing.T) {
	_, err := flattenConfig(map[string]any{
		"bad": []any{map[string]any{"nested": true}},
	})
	require.Error(t, err)
}

func TestParseCSVEnv(t *testing.T) {
	assert.Equal(t, []string{"*"}, parseCSVEnv("", []string{"*"}))
	assert.Equal(t, []string{"a", "b"}, parseCSVEnv(" a , b ,", nil))
	assert.Equal(t, []string{"fallback"}, parseCSVEnv(" , ,", []string{"fallback"}))
}
