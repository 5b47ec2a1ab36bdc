// Package webhook implements the canonical HTTP adapter: HMAC-signed inbound
// requests published onto the bus, and HMAC-signed outbound POSTs.
//
// Inbound verification rejects stale timestamps, replayed nonces and bad
// signatures, in that order. Every signature comparison is constant time,
// including the dummy compare performed on length mismatch so that timing
// does not leak whether the length was right.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"lukechampine.com/frand"

	"github.com/dork-labs/relay/internal/adapter"
	"github.com/dork-labs/relay/internal/envelope"
)

// Wire headers.
const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
)

// Defaults.
const (
	DefaultMaxSkew       = 300 * time.Second
	DefaultNonceTTL      = 24 * time.Hour
	DefaultPruneInterval = 10 * time.Minute
	DefaultTimeout       = 30 * time.Second
	minSecretLen         = 16
)

// Verification errors; the handler maps all of them to 401.
var (
	ErrTimestampSkew = errors.New("webhook: timestamp outside acceptance window")
	ErrNonceReplay   = errors.New("webhook: nonce already seen (replay)")
	ErrBadSignature  = errors.New("webhook: signature mismatch")
)

// Options configure one webhook adapter.
type Options struct {
	ID             string            `json:"id"`
	Secret         string            `json:"secret"`
	PreviousSecret string            `json:"previousSecret,omitempty"` // 24h key-rotation window
	Endpoint       string            `json:"endpoint,omitempty"`       // outbound POST target
	Headers        map[string]string `json:"headers,omitempty"`        // extra outbound headers
	MaxSkew        time.Duration     `json:"-"`
	NonceTTL       time.Duration     `json:"-"`
	PruneInterval  time.Duration     `json:"-"`
	Timeout        time.Duration     `json:"-"`
}

// InboundPayload is what lands on the bus for each accepted request.
type InboundPayload struct {
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// Adapter is the webhook channel adapter.
type Adapter struct {
	opts    Options
	subject string
	log     zerolog.Logger
	client  *http.Client

	mu      sync.Mutex
	bus     adapter.Bus
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	state   atomic.String
	sent    atomic.Int64
	failed  atomic.Int64
	lastErr atomic.String
	nonces  *xsync.MapOf[string, int64] // nonce to expiry, unix ms
	nowFunc func() time.Time
}

// New creates a webhook adapter. The secret must be at least 16 bytes.
func New(opts Options, log zerolog.Logger) (*Adapter, error) {
	if opts.ID == "" {
		return nil, errors.New("webhook: id is required")
	}
	if len(opts.Secret) < minSecretLen {
		return nil, fmt.Errorf("webhook: secret must be at least %d characters", minSecretLen)
	}
	if opts.MaxSkew <= 0 {
		opts.MaxSkew = DefaultMaxSkew
	}
	if opts.NonceTTL <= 0 {
		opts.NonceTTL = DefaultNonceTTL
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = DefaultPruneInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	a := &Adapter{
		opts:    opts,
		subject: "relay.webhook." + opts.ID,
		log:     log.With().Str("component", "webhook").Str("adapter", opts.ID).Logger(),
		client:  &http.Client{Timeout: opts.Timeout},
		nonces:  xsync.NewMapOf[string, int64](),
		nowFunc: time.Now,
	}
	a.state.Store(string(adapter.StateDisconnected))
	return a, nil
}

// FromConfig is the adapter.Factory for type "webhook".
func FromConfig(cfg adapter.Config, log zerolog.Logger) (adapter.Adapter, error) {
	var opts Options
	if err := json.Unmarshal(cfg.Settings, &opts); err != nil {
		return nil, fmt.Errorf("webhook: parse settings: %w", err)
	}
	if opts.ID == "" {
		opts.ID = cfg.ID
	}
	return New(opts, log)
}

func (a *Adapter) ID() string          { return a.opts.ID }
func (a *Adapter) DisplayName() string { return "Webhook (" + a.opts.ID + ")" }

func (a *Adapter) SubjectPrefixes() []string { return []string{a.subject} }

// Subject returns the inbound subject for this adapter.
func (a *Adapter) Subject() string { return a.subject }

// Start registers the inbound endpoint and begins nonce-cache pruning.
// Idempotent.
func (a *Adapter) Start(ctx context.Context, bus adapter.Bus) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}
	a.state.Store(string(adapter.StateStarting))
	if err := bus.RegisterEndpoint(a.subject); err != nil {
		a.state.Store(string(adapter.StateError))
		a.lastErr.Store(err.Error())
		return err
	}
	a.bus = bus
	pctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(1)
	go a.pruneLoop(pctx)
	a.started = true
	a.state.Store(string(adapter.StateConnected))
	return nil
}

// Stop halts pruning and unregisters the endpoint. Idempotent.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}
	a.state.Store(string(adapter.StateStopping))
	a.cancel()
	a.wg.Wait()
	err := a.bus.UnregisterEndpoint(a.subject)
	a.started = false
	a.state.Store(string(adapter.StateDisconnected))
	return err
}

// Status reports connection state and delivery counters.
func (a *Adapter) Status() adapter.Status {
	return adapter.Status{
		State:     adapter.State(a.state.Load()),
		Sent:      a.sent.Load(),
		Failed:    a.failed.Load(),
		LastError: a.lastErr.Load(),
	}
}

// TestConnection verifies the outbound endpoint answers without delivering
// anything.
func (a *Adapter) TestConnection(ctx context.Context) error {
	if a.opts.Endpoint == "" {
		return errors.New("webhook: no outbound endpoint configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, a.opts.Endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Handler returns the inbound http.Handler: verify, publish, respond.
func (a *Adapter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "read failed", http.StatusBadRequest)
			return
		}
		if err := a.Verify(r.Header.Get(HeaderTimestamp), r.Header.Get(HeaderNonce), r.Header.Get(HeaderSignature), body); err != nil {
			a.log.Warn().Err(err).Msg("inbound verification failed")
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		if !json.Valid(body) {
			http.Error(w, "body is not JSON", http.StatusBadRequest)
			return
		}
		payload := InboundPayload{Type: "webhook", Data: body, ReceivedAt: a.nowFunc().UTC()}
		if _, err := a.bus.Publish(r.Context(), a.subject, a.subject, payload); err != nil {
			a.log.Error().Err(err).Msg("inbound publish failed")
			http.Error(w, "publish failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

// Verify runs the inbound pipeline: timestamp window, nonce replay, HMAC
// with optional rotated-secret fallback. The nonce is only recorded after
// the signature checks out, so a forged request cannot poison the cache.
func (a *Adapter) Verify(tsHeader, nonce, sigHeader string, body []byte) error {
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return ErrTimestampSkew
	}
	now := a.nowFunc().Unix()
	if diff := now - ts; diff > int64(a.opts.MaxSkew/time.Second) || -diff > int64(a.opts.MaxSkew/time.Second) {
		return ErrTimestampSkew
	}
	if nonce == "" {
		return ErrNonceReplay
	}
	if expiry, seen := a.nonces.Load(nonce); seen && expiry > a.nowFunc().UnixMilli() {
		return ErrNonceReplay
	}
	signed := tsHeader + "." + string(body)
	if !verifyHMAC(a.opts.Secret, signed, sigHeader) &&
		!(a.opts.PreviousSecret != "" && verifyHMAC(a.opts.PreviousSecret, signed, sigHeader)) {
		return ErrBadSignature
	}
	a.nonces.Store(nonce, a.nowFunc().Add(a.opts.NonceTTL).UnixMilli())
	return nil
}

// Sign computes the hex HMAC-SHA256 over "{timestamp}.{body}".
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifyHMAC compares in constant time. On a length mismatch it still runs
// a self-compare so elapsed time does not reveal that the length was wrong.
func verifyHMAC(secret, signed, sigHex string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signed))
	expected := mac.Sum(nil)
	got, err := hex.DecodeString(sigHex)
	if err != nil || len(got) != len(expected) {
		hmac.Equal(expected, expected) // dummy compare, equalize timing
		return false
	}
	return hmac.Equal(got, expected)
}

// Deliver signs and POSTs the envelope payload to the configured endpoint.
func (a *Adapter) Deliver(ctx context.Context, subject string, env *envelope.Envelope, actx adapter.Context) adapter.DeliveryResult {
	start := a.nowFunc()
	res := a.deliver(ctx, env, actx)
	res.Duration = a.nowFunc().Sub(start)
	if res.Success {
		a.sent.Inc()
	} else {
		a.failed.Inc()
		a.lastErr.Store(res.Error)
	}
	return res
}

func (a *Adapter) deliver(ctx context.Context, env *envelope.Envelope, actx adapter.Context) adapter.DeliveryResult {
	if a.opts.Endpoint == "" {
		return adapter.DeliveryResult{Error: "no outbound endpoint configured"}
	}
	body, err := json.Marshal(env.Payload)
	if err != nil {
		return adapter.DeliveryResult{Error: err.Error()}
	}
	ts := strconv.FormatInt(a.nowFunc().Unix(), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return adapter.DeliveryResult{Error: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, hex.EncodeToString(frand.Bytes(16)))
	req.Header.Set(HeaderSignature, Sign(a.opts.Secret, ts, body))
	for k, v := range a.opts.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range actx {
		req.Header.Set("X-Relay-"+k, v)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return adapter.DeliveryResult{Error: "timeout"}
		}
		return adapter.DeliveryResult{Error: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return adapter.DeliveryResult{Error: fmt.Sprintf("endpoint returned %d", resp.StatusCode)}
	}
	return adapter.DeliveryResult{Success: true}
}

// pruneLoop evicts expired nonces on a fixed interval.
func (a *Adapter) pruneLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.opts.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := a.nowFunc().UnixMilli()
			a.nonces.Range(func(nonce string, expiry int64) bool {
				if expiry <= now {
					a.nonces.Delete(nonce)
				}
				return true
			})
		}
	}
}
