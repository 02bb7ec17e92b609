package delivery

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	logx "oxdaily/pkg/logx"
)

func fastConfig(url string) Config {
	return Config{
		URL:           url,
		Timeout:       500 * time.Millisecond,
		MaxAttempts:   3,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		RatePerSec:    1000,
	}
}

func statusServer(t *testing.T, codes []int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(hits.Add(1))
		code := codes[len(codes)-1]
		if n-1 < len(codes) {
			code = codes[n-1]
		}
		w.WriteHeader(code)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestDeliverSuccessDecodesJSON(t *testing.T) {
	t.Parallel()
	srv, hits := statusServer(t, []int{200}, `{"code":0,"msg":"success"}`)
	c := New(fastConfig(srv.URL), logx.Nop())

	res := c.Deliver(context.Background(), "Digest", "# hi")
	if !res.OK() || res.Attempts != 1 || hits.Load() != 1 {
		t.Fatalf("result = %+v, hits = %d", res, hits.Load())
	}
	if res.Response["msg"] != "success" {
		t.Fatalf("response = %#v", res.Response)
	}
}

func TestDeliverNonJSONResponse(t *testing.T) {
	t.Parallel()
	srv, _ := statusServer(t, []int{200}, "ok")
	res := New(fastConfig(srv.URL), logx.Nop()).Deliver(context.Background(), "t", "m")
	if !res.OK() {
		t.Fatalf("result = %+v", res)
	}
	if res.Response["text"] != "ok" || res.Response["status"] != 200 {
		t.Fatalf("response = %#v", res.Response)
	}
}

func TestDeliverRetryPolicy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code      int
		wantHits  int32
		retryable bool
	}{
		{code: 500, wantHits: 3, retryable: true},
		{code: 502, wantHits: 3, retryable: true},
		{code: 503, wantHits: 3, retryable: true},
		{code: 504, wantHits: 3, retryable: true},
		{code: 400, wantHits: 1},
		{code: 401, wantHits: 1},
		{code: 403, wantHits: 1},
		{code: 404, wantHits: 1},
		{code: 429, wantHits: 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(strconv.Itoa(tt.code), func(t *testing.T) {
			t.Parallel()
			srv, hits := statusServer(t, []int{tt.code}, "nope")
			var hooked atomic.Int32
			c := New(fastConfig(srv.URL), logx.Nop(), WithAttemptHook(func(int, int, error) { hooked.Add(1) }))

			res := c.Deliver(context.Background(), "t", "m")
			if res.OK() || res.Status != StatusError {
				t.Fatalf("expected error result, got %+v", res)
			}
			if hits.Load() != tt.wantHits || int32(res.Attempts) != tt.wantHits {
				t.Fatalf("hits = %d attempts = %d, want %d", hits.Load(), res.Attempts, tt.wantHits)
			}
			if hooked.Load() != tt.wantHits {
				t.Fatalf("hook calls = %d", hooked.Load())
			}
			if res.StatusCode != tt.code || res.Detail == "" {
				t.Fatalf("result = %+v", res)
			}
		})
	}
}

func TestAttemptErrorsCarryHTTPStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code      int
		transient bool
	}{
		{code: 503, transient: true},
		{code: 404},
	}
	for _, tt := range tests {
		srv, _ := statusServer(t, []int{tt.code}, "  down  ")
		var last error
		cfg := fastConfig(srv.URL)
		cfg.MaxAttempts = 1
		c := New(cfg, logx.Nop(), WithAttemptHook(func(_, _ int, err error) { last = err }))
		c.Deliver(context.Background(), "t", "m")

		var he *HTTPError
		if !errors.As(last, &he) || he.Code != tt.code || he.Body != "down" {
			t.Fatalf("code %d: attempt err = %v", tt.code, last)
		}
		if errors.Is(last, ErrTransient) != tt.transient {
			t.Fatalf("code %d: transient = %v, want %v", tt.code, !tt.transient, tt.transient)
		}
	}
}

func TestDeliverRecoversAfterTransientFailure(t *testing.T) {
	t.Parallel()
	srv, hits := statusServer(t, []int{503, 502, 200}, `{}`)
	res := New(fastConfig(srv.URL), logx.Nop()).Deliver(context.Background(), "t", "m")
	if !res.OK() || res.Attempts != 3 || hits.Load() != 3 {
		t.Fatalf("result = %+v hits = %d", res, hits.Load())
	}
}

func TestDeliverNetworkErrorIsRetried(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	var attempts atomic.Int32
	c := New(fastConfig(url), logx.Nop(), WithAttemptHook(func(_ int, code int, err error) {
		attempts.Add(1)
		if code != 0 || err == nil {
			t.Errorf("hook code=%d err=%v", code, err)
		}
	}))
	res := c.Deliver(context.Background(), "t", "m")
	if res.OK() || res.Attempts != 3 || attempts.Load() != 3 {
		t.Fatalf("result = %+v attempts = %d", res, attempts.Load())
	}
}

func TestDeliverPerAttemptTimeout(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	cfg := fastConfig(srv.URL)
	cfg.Timeout = 30 * time.Millisecond
	cfg.MaxAttempts = 2
	start := time.Now()
	res := New(cfg, logx.Nop()).Deliver(context.Background(), "t", "m")
	if res.OK() || res.Attempts != 2 {
		t.Fatalf("result = %+v", res)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout not enforced per attempt")
	}
}

func TestDeliverStopsWhenContextCancelled(t *testing.T) {
	t.Parallel()
	srv, hits := statusServer(t, []int{503}, "")
	cfg := fastConfig(srv.URL)
	cfg.RetryBase = time.Second
	cfg.RetryMaxDelay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	res := New(cfg, logx.Nop()).Deliver(ctx, "t", "m")
	if res.OK() || hits.Load() != 1 {
		t.Fatalf("result = %+v hits = %d", res, hits.Load())
	}
}

func TestDeliverWithoutEndpoint(t *testing.T) {
	t.Parallel()
	res := New(Config{}, logx.Nop()).Deliver(context.Background(), "t", "m")
	if res.OK() || res.Attempts != 0 || res.Detail != ErrNoEndpoint.Error() {
		t.Fatalf("result = %+v", res)
	}
}

func TestPayloadShapeAndSigning(t *testing.T) {
	t.Parallel()
	got := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json; charset=utf-8" {
			t.Errorf("content-type = %q", ct)
		}
		var m map[string]any
		_ = json.NewDecoder(r.Body).Decode(&m)
		got <- m
		_, _ = io.WriteString(w, `{"code":0}`)
	}))
	t.Cleanup(srv.Close)

	cfg := fastConfig(srv.URL)
	cfg.Secret = "s3cret"
	c := New(cfg, logx.Nop())
	fixed := time.Unix(1700000000, 0)
	c.now = func() time.Time { return fixed }

	if res := c.Deliver(context.Background(), "Ox Daily", "# body"); !res.OK() {
		t.Fatalf("result = %+v", res)
	}
	m := <-got
	if m["msg_type"] != "interactive" {
		t.Fatalf("msg_type = %v", m["msg_type"])
	}
	card := m["card"].(map[string]any)
	if card["config"].(map[string]any)["wide_screen_mode"] != true {
		t.Fatalf("wide_screen_mode missing: %v", card["config"])
	}
	el := card["elements"].([]any)[0].(map[string]any)
	if el["tag"] != "markdown" || el["content"] != "# body" {
		t.Fatalf("element = %v", el)
	}
	title := card["header"].(map[string]any)["title"].(map[string]any)
	if title["tag"] != "plain_text" || title["content"] != "Ox Daily" {
		t.Fatalf("header title = %v", title)
	}

	if m["timestamp"] != "1700000000" {
		t.Fatalf("timestamp = %v", m["timestamp"])
	}
	mac := hmac.New(sha256.New, []byte("1700000000\ns3cret"))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if m["sign"] != want {
		t.Fatalf("sign = %v, want %v", m["sign"], want)
	}
}

func TestUnsignedPayloadOmitsSignature(t *testing.T) {
	t.Parallel()
	b, err := json.Marshal(NewMarkdownCard("t", "m").signed("", time.Now()))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	if _, ok := m["sign"]; ok {
		t.Fatalf("unsigned payload has sign: %s", b)
	}
	if _, ok := m["timestamp"]; ok {
		t.Fatalf("unsigned payload has timestamp: %s", b)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	c := New(Config{}, logx.Nop())
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}.withDefaults()
	for attempt, base := range map[int]time.Duration{1: 100 * time.Millisecond, 2: 200 * time.Millisecond, 3: 400 * time.Millisecond} {
		for i := 0; i < 20; i++ {
			d := c.retryDelay(cfg, attempt)
			lo := time.Duration(float64(base) * 0.7)
			hi := time.Duration(float64(base) * 1.3)
			if d < lo || d > hi {
				t.Fatalf("attempt %d delay %v outside [%v, %v]", attempt, d, lo, hi)
			}
		}
	}
	for i := 0; i < 20; i++ {
		if d := c.retryDelay(cfg, 10); d > time.Second {
			t.Fatalf("delay %v exceeds cap", d)
		}
	}
}
