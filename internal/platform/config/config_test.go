package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.Environment != "local" || cfg.Server.QuoteRateLimit != 120 || cfg.Server.QuoteRateWindow != time.Minute {
		t.Errorf("unexpected server defaults: %+v", cfg.Server)
	}
	if cfg.Rates.MaxAge != 36*time.Hour {
		t.Errorf("unexpected rates max age: %s", cfg.Rates.MaxAge)
	}
	if cfg.Firestore.Enabled() {
		t.Errorf("expected firestore disabled without project id")
	}
	if len(cfg.Firestore.ItineraryCollections) != 2 || cfg.Firestore.ItineraryCollections[0] != "packages" {
		t.Errorf("unexpected default itinerary collections: %v", cfg.Firestore.ItineraryCollections)
	}
	if cfg.Sync.PollInterval != 10*time.Second || cfg.Sync.Debounce != 100*time.Millisecond {
		t.Errorf("unexpected sync timings: %+v", cfg.Sync)
	}
	if cfg.Sync.BreakerThreshold != 10 || cfg.Sync.BreakerCooldown != 30*time.Second {
		t.Errorf("unexpected breaker settings: %+v", cfg.Sync)
	}
	if cfg.Pricing.DefaultMarkupPercent != 15 {
		t.Errorf("expected default markup 15, got %v", cfg.Pricing.DefaultMarkupPercent)
	}
	if cfg.Rates.BaseCurrency != "INR" || cfg.Rates.RefreshAt != "09:00" || cfg.Rates.TimeZone != "Asia/Kolkata" {
		t.Errorf("unexpected rates defaults: %+v", cfg.Rates)
	}
	loc, err := cfg.Rates.Location()
	if err != nil || loc.String() != "Asia/Kolkata" {
		t.Errorf("expected Asia/Kolkata location, got %v (%v)", loc, err)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"TRIPFARE_SERVER_PORT":                     "9090",
		"TRIPFARE_SERVER_IDLE_TIMEOUT":             "2m",
		"TRIPFARE_FIRESTORE_PROJECT_ID":            "tripfare-prod",
		"TRIPFARE_FIRESTORE_ITINERARY_COLLECTIONS": "tourPackages, legacyItineraries ,",
		"TRIPFARE_PUBSUB_SNAPSHOT_TOPIC":           "pricing-snapshots",
		"TRIPFARE_POSTGRES_DSN":                    "sm://legacy/dsn",
		"TRIPFARE_SYNC_POLL_INTERVAL":              "5s",
		"TRIPFARE_SYNC_BREAKER_THRESHOLD":          "4",
		"TRIPFARE_PRICING_DEFAULT_MARKUP_PERCENT":  "12.5",
		"TRIPFARE_RATES_BASE_CURRENCY":             "usd",
		"TRIPFARE_RATES_TARGETS":                   "EUR,GBP",
		"TRIPFARE_RATES_API_KEY":                   "secret://rates/api-key",
		"TRIPFARE_RATES_MARGIN_PERCENT":            "2",
		"TRIPFARE_RATES_REFRESH_AT":                "06:30",
		"TRIPFARE_RATES_TIME_ZONE":                 "Europe/London",
		"TRIPFARE_SECURITY_OIDC_AUDIENCE":          "https://pricing.tripfare.example",
		"TRIPFARE_SECURITY_SIGNAL_SECRET":          "sm://signal/hmac",
	}
	secrets := map[string]string{
		"secret://legacy/dsn":     "postgres://pricing@db/legacy",
		"secret://rates/api-key":  " rates-key\n",
		"secret://unused/missing": "",
		"secret://signal/hmac":    "whsec",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", errors.New("not found")
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" || cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if got := cfg.Firestore.ItineraryCollections; len(got) != 2 || got[1] != "legacyItineraries" {
		t.Errorf("unexpected itinerary collections: %v", got)
	}
	if cfg.PubSub.ProjectID != "tripfare-prod" {
		t.Errorf("expected pubsub project to default to firestore project, got %q", cfg.PubSub.ProjectID)
	}
	if cfg.Postgres.DSN != "postgres://pricing@db/legacy" {
		t.Errorf("expected sm:// dsn resolved, got %q", cfg.Postgres.DSN)
	}
	if cfg.Rates.APIKey != "rates-key" {
		t.Errorf("expected trimmed api key, got %q", cfg.Rates.APIKey)
	}
	if cfg.Rates.BaseCurrency != "USD" || len(cfg.Rates.Targets) != 2 || cfg.Rates.MarginPercent != 2 {
		t.Errorf("unexpected rates config: %+v", cfg.Rates)
	}
	if cfg.Sync.PollInterval != 5*time.Second || cfg.Sync.BreakerThreshold != 4 {
		t.Errorf("unexpected sync config: %+v", cfg.Sync)
	}
	if cfg.Pricing.DefaultMarkupPercent != 12.5 {
		t.Errorf("unexpected markup: %v", cfg.Pricing.DefaultMarkupPercent)
	}
	if cfg.Security.SignalSecret != "whsec" || cfg.Security.OIDCAudience != "https://pricing.tripfare.example" {
		t.Errorf("unexpected security config: %+v", cfg.Security)
	}
	if len(cfg.Security.OIDCIssuers) != 2 || cfg.Security.JWKSURL == "" {
		t.Errorf("expected default issuers and jwks url, got %+v", cfg.Security)
	}
}

func TestLoadSecretWithoutResolver(t *testing.T) {
	env := map[string]string{"TRIPFARE_RATES_API_KEY": "sm://rates/api-key"}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %v", err)
	}
	if secretErr.Ref != "secret://rates/api-key" {
		t.Errorf("expected normalized ref, got %q", secretErr.Ref)
	}
	if !errors.Is(err, errSecretResolverNotConfigured) {
		t.Errorf("expected unwrap to resolver error")
	}
}

func TestLoadValidationErrors(t *testing.T) {
	env := map[string]string{
		"TRIPFARE_SYNC_BREAKER_THRESHOLD":         "0",
		"TRIPFARE_PRICING_DEFAULT_MARKUP_PERCENT": "-3",
		"TRIPFARE_RATES_REFRESH_AT":               "9am",
		"TRIPFARE_RATES_TIME_ZONE":                "Mars/Olympus",
		"TRIPFARE_PUBSUB_SIGNAL_SUBSCRIPTION":     "pricing-signals",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	want := map[string]bool{
		"PubSub.ProjectID":             true,
		"Sync.BreakerThreshold":        true,
		"Pricing.DefaultMarkupPercent": true,
		"Rates.RefreshAt":              true,
		"Rates.TimeZone":               true,
	}
	fields := validation.Fields()
	if len(fields) != len(want) {
		t.Fatalf("expected %d invalid fields, got %v", len(want), fields)
	}
	for _, field := range fields {
		if !want[field] {
			t.Errorf("unexpected invalid field %s", field)
		}
	}
}

func TestLoadDotEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# local overrides\nexport TRIPFARE_SERVER_PORT=7070\nTRIPFARE_RATES_BASE_CURRENCY=\"eur\"\nTRIPFARE_SYNC_DEBOUNCE=250ms\nnot a pair\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := Load(context.Background(),
		WithEnvFile(path),
		WithoutSystemEnv(),
		WithEnvMap(map[string]string{"TRIPFARE_SERVER_PORT": "6060"}),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Port != "6060" {
		t.Errorf("expected env map to override .env, got %s", cfg.Server.Port)
	}
	if cfg.Rates.BaseCurrency != "EUR" {
		t.Errorf("expected quoted .env value, got %s", cfg.Rates.BaseCurrency)
	}
	if cfg.Sync.Debounce != 250*time.Millisecond {
		t.Errorf("expected .env debounce, got %s", cfg.Sync.Debounce)
	}
}
