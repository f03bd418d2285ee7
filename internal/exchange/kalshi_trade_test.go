package exchange

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"btcarb/internal/config"
	"btcarb/pkg/types"
)

// generateKalshiKey writes a fresh RSA private key as PKCS#8 PEM and returns
// its path and public half.
func generateKalshiKey(t *testing.T) (string, *rsa.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "kalshi.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path, &priv.PublicKey
}

func newTestKalshiTrade(t *testing.T, baseURL, keyPath string, dryRun bool) *KalshiTradeClient {
	t.Helper()
	cfg := &config.Config{
		DryRun: dryRun,
		Venues: config.VenuesConfig{KalshiAPIURL: baseURL + "/trade-api/v2"},
		Creds: config.CredsConfig{
			KalshiAPIKey:         "kalshi-key-id",
			KalshiPrivateKeyPath: keyPath,
		},
	}
	return NewKalshiTradeClient(cfg, NewRateLimiter(), testLogger())
}

// verifyKalshiAuth checks the KALSHI-ACCESS-* headers on a request,
// including the RSA-PSS signature over timestamp+method+path.
func verifyKalshiAuth(t *testing.T, r *http.Request, pub *rsa.PublicKey) {
	t.Helper()

	if got := r.Header.Get("KALSHI-ACCESS-KEY"); got != "kalshi-key-id" {
		t.Errorf("KALSHI-ACCESS-KEY = %q, want kalshi-key-id", got)
	}
	ts := r.Header.Get("KALSHI-ACCESS-TIMESTAMP")
	if ts == "" {
		t.Error("KALSHI-ACCESS-TIMESTAMP missing")
	}

	sig, err := base64.StdEncoding.DecodeString(r.Header.Get("KALSHI-ACCESS-SIGNATURE"))
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	digest := sha256.Sum256([]byte(ts + r.Method + r.URL.Path))
	err = rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		t.Errorf("signature does not verify over %q: %v", ts+r.Method+r.URL.Path, err)
	}
}

func TestKalshiPlaceOrderDryRun(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("venue contacted in dry-run mode")
	}))
	t.Cleanup(srv.Close)

	c := newTestKalshiTrade(t, srv.URL, "", true)

	res, err := c.PlaceLimitOrder(context.Background(), "KXBTCD-25AUG2517-T96000", types.KalshiYes, 1, 55)
	if err != nil {
		t.Fatalf("PlaceLimitOrder: %v", err)
	}
	if !res.DryRun {
		t.Error("DryRun = false, want true")
	}
	if res.Venue != types.VenueKalshi {
		t.Errorf("Venue = %q, want kalshi", res.Venue)
	}
	if res.OrderID != "" {
		t.Errorf("OrderID = %q, want empty", res.OrderID)
	}
}

func TestKalshiPlaceOrderLive(t *testing.T) {
	t.Parallel()

	keyPath, pub := generateKalshiKey(t)

	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/trade-api/v2/portfolio/orders" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		verifyKalshiAuth(t, r, pub)
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"order":{"order_id":"ord-77","status":"executed"}}`))
	}))
	t.Cleanup(srv.Close)

	c := newTestKalshiTrade(t, srv.URL, keyPath, false)

	res, err := c.PlaceLimitOrder(context.Background(), "KXBTCD-25AUG2517-T96000", types.KalshiYes, 1, 55)
	if err != nil {
		t.Fatalf("PlaceLimitOrder: %v", err)
	}

	if res.OrderID != "ord-77" || res.Status != "executed" {
		t.Errorf("result = %+v, want ord-77/executed", res)
	}
	if res.DryRun {
		t.Error("DryRun = true on a live order")
	}

	if gotBody["ticker"] != "KXBTCD-25AUG2517-T96000" {
		t.Errorf("body ticker = %v", gotBody["ticker"])
	}
	if gotBody["side"] != "yes" || gotBody["action"] != "buy" || gotBody["type"] != "limit" {
		t.Errorf("body = %v, want yes/buy/limit", gotBody)
	}
	if gotBody["yes_price"] != float64(55) {
		t.Errorf("yes_price = %v, want 55", gotBody["yes_price"])
	}
	if _, ok := gotBody["no_price"]; ok {
		t.Error("no_price present on a yes order")
	}
}

func TestKalshiPlaceOrderNoSide(t *testing.T) {
	t.Parallel()

	keyPath, _ := generateKalshiKey(t)

	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"order":{"order_id":"ord-78","status":"resting"}}`))
	}))
	t.Cleanup(srv.Close)

	c := newTestKalshiTrade(t, srv.URL, keyPath, false)

	if _, err := c.PlaceLimitOrder(context.Background(), "KXBTCD-25AUG2517-T96000", types.KalshiNo, 2, 47); err != nil {
		t.Fatalf("PlaceLimitOrder: %v", err)
	}

	if gotBody["no_price"] != float64(47) {
		t.Errorf("no_price = %v, want 47", gotBody["no_price"])
	}
	if _, ok := gotBody["yes_price"]; ok {
		t.Error("yes_price present on a no order")
	}
	if gotBody["count"] != float64(2) {
		t.Errorf("count = %v, want 2", gotBody["count"])
	}
}

func TestKalshiCancelOrder(t *testing.T) {
	t.Parallel()

	keyPath, pub := generateKalshiKey(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/trade-api/v2/portfolio/orders/ord-9" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		verifyKalshiAuth(t, r, pub)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"order":{"order_id":"ord-9","status":"canceled"}}`))
	}))
	t.Cleanup(srv.Close)

	c := newTestKalshiTrade(t, srv.URL, keyPath, false)

	if err := c.CancelOrder(context.Background(), "ord-9"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
}

func TestKalshiGetBalance(t *testing.T) {
	t.Parallel()

	keyPath, _ := generateKalshiKey(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"balance":12345}`))
	}))
	t.Cleanup(srv.Close)

	c := newTestKalshiTrade(t, srv.URL, keyPath, false)

	usd, err := c.GetBalance(context.Background())
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if usd != 123.45 {
		t.Errorf("balance = %v, want 123.45", usd)
	}
}

func TestKalshiMissingKeyPath(t *testing.T) {
	t.Parallel()

	c := newTestKalshiTrade(t, "http://127.0.0.1:0", "", false)

	_, err := c.PlaceLimitOrder(context.Background(), "T-1", types.KalshiYes, 1, 50)
	if err == nil {
		t.Fatal("expected error without a key path")
	}
	if !strings.Contains(err.Error(), "not configured") {
		t.Errorf("error = %q, want not configured", err)
	}
}

func TestKalshiPKCS1Key(t *testing.T) {
	t.Parallel()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "kalshi-pkcs1.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"balance":100}`))
	}))
	t.Cleanup(srv.Close)

	c := newTestKalshiTrade(t, srv.URL, path, false)

	if _, err := c.GetBalance(context.Background()); err != nil {
		t.Fatalf("GetBalance with PKCS#1 key: %v", err)
	}
}
