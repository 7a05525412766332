package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Header names carried by signed "data updated" webhooks.
const (
	SignatureHeader = "X-Tripfare-Signature"
	TimestampHeader = "X-Tripfare-Timestamp"
	NonceHeader     = "X-Tripfare-Nonce"
)

const (
	defaultClockSkew = 5 * time.Minute
	defaultNonceTTL  = 5 * time.Minute
	maxSignedBody    = 1 << 20
)

// NonceStore remembers nonces so a captured webhook cannot be replayed.
type NonceStore interface {
	// UseNonce reports true when nonce was unseen and has now been recorded until expiry.
	UseNonce(ctx context.Context, nonce string, expiry time.Time) (bool, error)
}

// InMemoryNonceStore is a process-local NonceStore.
type InMemoryNonceStore struct {
	mu     sync.Mutex
	now    func() time.Time
	nonces map[string]time.Time
}

func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{now: time.Now, nonces: make(map[string]time.Time)}
}

func (s *InMemoryNonceStore) UseNonce(_ context.Context, nonce string, expiry time.Time) (bool, error) {
	if nonce == "" {
		return false, errors.New("auth: nonce is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, exp := range s.nonces {
		if !exp.After(now) {
			delete(s.nonces, key)
		}
	}
	if _, seen := s.nonces[nonce]; seen {
		return false, nil
	}
	s.nonces[nonce] = expiry
	return true, nil
}

// SignatureVerifier checks HMAC-SHA256 signatures over
// METHOD \n PATH \n TIMESTAMP \n NONCE \n hex(sha256(body)).
type SignatureVerifier struct {
	secret  []byte
	nonces  NonceStore
	logger  *zap.Logger
	metrics verificationMetrics
	now     func() time.Time

	clockSkew time.Duration
	nonceTTL  time.Duration
}

// SignatureOption customises SignatureVerifier.
type SignatureOption func(*signatureOptions)

type signatureOptions struct {
	nonces    NonceStore
	logger    *zap.Logger
	meter     metric.Meter
	now       func() time.Time
	clockSkew time.Duration
	nonceTTL  time.Duration
}

func WithNonceStore(store NonceStore) SignatureOption {
	return func(o *signatureOptions) { o.nonces = store }
}

func WithSignatureLogger(logger *zap.Logger) SignatureOption {
	return func(o *signatureOptions) { o.logger = logger }
}

func WithSignatureMeter(meter metric.Meter) SignatureOption {
	return func(o *signatureOptions) { o.meter = meter }
}

func WithSignatureClock(now func() time.Time) SignatureOption {
	return func(o *signatureOptions) { o.now = now }
}

// WithClockSkew sets how far the timestamp header may drift from the server clock.
func WithClockSkew(d time.Duration) SignatureOption {
	return func(o *signatureOptions) { o.clockSkew = d }
}

func NewSignatureVerifier(secret string, opts ...SignatureOption) *SignatureVerifier {
	options := signatureOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if options.nonces == nil {
		options.nonces = NewInMemoryNonceStore()
	}
	if options.logger == nil {
		options.logger = zap.NewNop()
	}
	if options.now == nil {
		options.now = time.Now
	}
	if options.clockSkew <= 0 {
		options.clockSkew = defaultClockSkew
	}
	if options.nonceTTL <= 0 {
		options.nonceTTL = defaultNonceTTL
	}
	return &SignatureVerifier{
		secret:    []byte(strings.TrimSpace(secret)),
		nonces:    options.nonces,
		logger:    options.logger,
		metrics:   newVerificationMetrics(options.meter),
		now:       options.now,
		clockSkew: options.clockSkew,
		nonceTTL:  options.nonceTTL,
	}
}

// Require rejects unsigned, stale, replayed or tampered requests. The request body is restored
// for the next handler.
func (v *SignatureVerifier) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := v.now()
		ctx := r.Context()
		fail := func(status int, code, message string) {
			v.metrics.record(ctx, "signature", false, code, v.now().Sub(start))
			respondAuthError(w, r, status, code, message)
		}

		if len(v.secret) == 0 {
			fail(http.StatusServiceUnavailable, "verification_unavailable", "signal secret not configured")
			return
		}

		rawSignature := strings.TrimSpace(r.Header.Get(SignatureHeader))
		if rawSignature == "" {
			fail(http.StatusUnauthorized, "signature_missing", "signature header missing")
			return
		}
		rawTimestamp := strings.TrimSpace(r.Header.Get(TimestampHeader))
		timestamp, err := parseSignatureTimestamp(rawTimestamp)
		if err != nil {
			fail(http.StatusUnauthorized, "timestamp_invalid", "signature timestamp missing or invalid")
			return
		}
		if skew := v.now().Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
			fail(http.StatusUnauthorized, "timestamp_skew", "signature timestamp outside allowed window")
			return
		}
		nonce := strings.TrimSpace(r.Header.Get(NonceHeader))
		if nonce == "" {
			fail(http.StatusUnauthorized, "nonce_missing", "signature nonce missing")
			return
		}

		body, err := readAndRestoreBody(r)
		if err != nil {
			fail(http.StatusBadRequest, "invalid_body", "unable to read body for signature verification")
			return
		}
		signature, err := decodeSignature(rawSignature)
		if err != nil {
			fail(http.StatusUnauthorized, "signature_invalid", "signature encoding invalid")
			return
		}
		expected := Sign(v.secret, CanonicalString(r.Method, r.URL.Path, rawTimestamp, nonce, body))
		if !hmac.Equal(signature, expected) {
			fail(http.StatusUnauthorized, "signature_mismatch", "signature verification failed")
			return
		}

		// Nonces are only consumed by correctly signed requests.
		fresh, err := v.nonces.UseNonce(ctx, nonce, v.now().Add(v.nonceTTL))
		if err != nil {
			v.logger.Warn("nonce store unavailable", zap.Error(err))
			fail(http.StatusServiceUnavailable, "verification_unavailable", "nonce store unavailable")
			return
		}
		if !fresh {
			fail(http.StatusUnauthorized, "nonce_replayed", "signature nonce already used")
			return
		}

		v.metrics.record(ctx, "signature", true, "ok", v.now().Sub(start))
		next.ServeHTTP(w, r)
	})
}

// CanonicalString builds the string a webhook sender signs.
func CanonicalString(method, path, timestamp, nonce string, body []byte) string {
	digest := sha256.Sum256(body)
	if path == "" {
		path = "/"
	}
	return strings.Join([]string{
		strings.ToUpper(method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(digest[:]),
	}, "\n")
}

// Sign returns the HMAC-SHA256 of canonical under secret.
func Sign(secret []byte, canonical string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(canonical))
	return mac.Sum(nil)
}

func decodeSignature(value string) ([]byte, error) {
	value = strings.TrimPrefix(value, "sha256=")
	if decoded, err := hex.DecodeString(value); err == nil && len(decoded) == sha256.Size {
		return decoded, nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if decoded, err := enc.DecodeString(value); err == nil && len(decoded) == sha256.Size {
			return decoded, nil
		}
	}
	return nil, fmt.Errorf("auth: unrecognised signature encoding")
}

func parseSignatureTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("auth: empty timestamp")
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0), nil
	}
	return time.Parse(time.RFC3339, value)
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
