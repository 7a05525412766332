//go:build integration

package firestore

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	domain "github.com/tripfare/api/internal/domain"
	pconfig "github.com/tripfare/api/internal/platform/config"
	pfirestore "github.com/tripfare/api/internal/platform/firestore"
)

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/google-cloud-cli:emulators"

func TestRegistryIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	endpoint := emulatorEndpoint(t)

	cfg := pconfig.FirestoreConfig{
		ProjectID:            "tripfare-test",
		EmulatorHost:         endpoint,
		ItineraryCollections: []string{"packages", "itineraries"},
		MarkupCollection:     "markupSettings",
		TaxCollection:        "taxConfigurations",
		RatesCollection:      "exchangeRates",
	}
	provider := pfirestore.NewProvider(cfg)
	registry, err := NewRegistry(provider, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(func() { _ = registry.Close(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	client, err := provider.Client(ctx)
	if err != nil {
		t.Fatalf("provider client: %v", err)
	}
	_, err = client.Collection("itineraries").Doc("pkg-1").Set(ctx, map[string]any{
		"adults": 2,
		"days":   []any{map[string]any{"hotel": map[string]any{"price": 100}}},
	})
	if err != nil {
		t.Fatalf("seed itinerary: %v", err)
	}

	sources := registry.ItinerarySources()
	if raw, err := sources[0].Load(ctx, "pkg-1"); err != nil || raw != nil {
		t.Fatalf("expected packages collection to miss, got %+v, %v", raw, err)
	}
	raw, err := sources[1].Load(ctx, "pkg-1")
	if err != nil || raw == nil {
		t.Fatalf("expected itinerary from second source, got %v", err)
	}
	if raw.Source != "itineraries" || raw.Payload["days"] == nil {
		t.Fatalf("unexpected raw itinerary %+v", raw)
	}

	markup := registry.MarkupSettings()
	if _, ok, err := markup.Load(ctx, "pkg-1"); ok || err != nil {
		t.Fatalf("expected no markup, got ok=%v err=%v", ok, err)
	}
	if err := markup.Save(ctx, "pkg-1", domain.MarkupSettings{Percent: 20}); err != nil {
		t.Fatalf("save markup: %v", err)
	}
	settings, ok, err := markup.Load(ctx, "pkg-1")
	if err != nil || !ok || settings.Percent != 20 || settings.Type != domain.MarkupTypePercentage {
		t.Fatalf("unexpected markup %+v ok=%v err=%v", settings, ok, err)
	}

	tax := registry.TaxConfigurations()
	if err := tax.Upsert(ctx, "in", domain.TaxConfiguration{
		Kind:  domain.TaxKindGST,
		Rates: []domain.TaxRate{{ServiceType: "tour_package", Rate: 5, IsDefault: true}},
	}); err != nil {
		t.Fatalf("upsert tax: %v", err)
	}
	configs, err := tax.List(ctx)
	if err != nil || len(configs) != 1 || configs[0].Jurisdiction != "IN" {
		t.Fatalf("unexpected tax configs %+v err=%v", configs, err)
	}

	rates := registry.ExchangeRates()
	if err := rates.ReplaceAll(ctx, []domain.ExchangeRate{
		{From: "INR", To: "USD", RawRate: 0.012},
		{From: "INR", To: "EUR", RawRate: 0.011},
	}); err != nil {
		t.Fatalf("replace rates: %v", err)
	}
	if err := rates.ReplaceAll(ctx, []domain.ExchangeRate{{From: "INR", To: "THB", RawRate: 0.43}}); err != nil {
		t.Fatalf("replace rates: %v", err)
	}
	stored, err := rates.List(ctx)
	if err != nil || len(stored) != 1 || stored[0].To != "THB" {
		t.Fatalf("expected only THB rate, got %+v err=%v", stored, err)
	}

	changes := make(chan struct{}, 4)
	stop, err := registry.ChangeNotifiers()[0].Watch(ctx, "pkg-1", func() { changes <- struct{}{} })
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer stop()

	time.Sleep(500 * time.Millisecond)
	if err := markup.Save(ctx, "pkg-1", domain.MarkupSettings{Percent: 25}); err != nil {
		t.Fatalf("save markup: %v", err)
	}
	select {
	case <-changes:
	case <-ctx.Done():
		t.Fatalf("timed out waiting for change notification")
	}
}

func emulatorEndpoint(t *testing.T) string {
	t.Helper()
	if host := strings.TrimSpace(os.Getenv("FIRESTORE_EMULATOR_HOST")); host != "" {
		return host
	}
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}
	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })
	waitForEndpoint(t, endpoint, 30*time.Second)
	return endpoint
}

func freePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	cmd := exec.Command("docker", "run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "docker", "info").Run(); err != nil {
		t.Skipf("docker daemon not available: %v", err)
	}
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = exec.CommandContext(ctx, "docker", "stop", id).Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("firestore emulator at %s did not become ready within %s", endpoint, timeout)
}
