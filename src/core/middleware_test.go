package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRateLimiterClasses(t *testing.T) {
	limiter := NewRateLimiter(map[rateClass]int{
		rateClassRead: 3,
		rateClassPeer: 10,
	})

	t.Run("exhausts after the per-minute budget", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			if allowed, _ := limiter.Allow(rateClassRead, "10.0.0.1"); !allowed {
				t.Fatalf("Expected request %d allowed", i+1)
			}
		}
		if allowed, remaining := limiter.Allow(rateClassRead, "10.0.0.1"); allowed || remaining != 0 {
			t.Errorf("Expected budget exhausted, got allowed=%v remaining=%d", allowed, remaining)
		}
	})

	t.Run("classes and addresses have separate buckets", func(t *testing.T) {
		if allowed, _ := limiter.Allow(rateClassPeer, "10.0.0.1"); !allowed {
			t.Error("Expected peer class unaffected by read budget")
		}
		if allowed, _ := limiter.Allow(rateClassRead, "10.0.0.2"); !allowed {
			t.Error("Expected another address unaffected")
		}
	})

	t.Run("class without budget is unlimited", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			if allowed, remaining := limiter.Allow(rateClassSubmit, "10.0.0.1"); !allowed || remaining != -1 {
				t.Fatalf("Expected unlimited submit class, got allowed=%v remaining=%d", allowed, remaining)
			}
		}
	})
}

func TestRateLimiterSweepsIdleBuckets(t *testing.T) {
	now := time.Now()
	limiter := NewRateLimiter(map[rateClass]int{rateClassRead: 5})
	limiter.now = func() time.Time { return now }

	limiter.Allow(rateClassRead, "10.0.0.1")
	limiter.Allow(rateClassRead, "10.0.0.2")
	if limiter.Len() != 2 {
		t.Fatalf("Expected 2 buckets, got %d", limiter.Len())
	}

	now = now.Add(limiterIdleTTL + time.Minute)
	limiter.Allow(rateClassRead, "10.0.0.3")
	if limiter.Len() != 1 {
		t.Errorf("Expected idle buckets dropped, got %d", limiter.Len())
	}
}

func TestRateLimiterConcurrent(t *testing.T) {
	limiter := NewRateLimiter(map[rateClass]int{rateClassRead: 50})

	var mu sync.Mutex
	allowedCount := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if allowed, _ := limiter.Allow(rateClassRead, "10.0.0.9"); allowed {
				mu.Lock()
				allowedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// refill during the test is at most a token or two
	if allowedCount < 50 || allowedCount > 52 {
		t.Errorf("Expected about 50 allowed, got %d", allowedCount)
	}
}

func TestRouterRateLimitsPeersSeparately(t *testing.T) {
	cfg := newTestConfig()
	cfg.RateLimitPerMinute = 2
	cfg.PeerRateLimitPerMinute = 100
	node := newTestNodeWithConfig(t, cfg, NewMemoryBlockStore())
	router := node.NewRouter()

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = doRequest(t, router, "GET", "/api/health", nil)
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429 after the client budget, got %d", last.Code)
	}
	if code := errorCode(t, last); code != "RATE_LIMITED" {
		t.Errorf("Expected RATE_LIMITED, got %s", code)
	}

	block := buildInboundBlock(t, node, testValidatorID, GenesisHash, 1, time.Now().Unix())
	body, _ := json.Marshal(block)
	w := doRequest(t, router, "POST", "/api/blocks", body)
	if w.Code != http.StatusAccepted {
		t.Errorf("Expected block post from the same host accepted, got %d", w.Code)
	}
	if h, _ := node.Store.Height(); h != 1 {
		t.Errorf("Expected block stored, got height %d", h)
	}
}

func TestRouterBodyLimits(t *testing.T) {
	t.Run("block posts follow the block size cap", func(t *testing.T) {
		cfg := newTestConfig()
		cfg.MaxBodySizeBytes = 64
		node := newTestNodeWithConfig(t, cfg, NewMemoryBlockStore())

		block := buildInboundBlock(t, node, testValidatorID, GenesisHash, 1, time.Now().Unix())
		body, _ := json.Marshal(block)
		if int64(len(body)) <= cfg.MaxBodySizeBytes {
			t.Fatalf("Expected test block larger than the generic limit, got %d bytes", len(body))
		}

		w := doRequest(t, node.NewRouter(), "POST", "/api/blocks", body)
		if w.Code != http.StatusAccepted {
			t.Errorf("Expected 202, got %d", w.Code)
		}
		if h, _ := node.Store.Height(); h != 1 {
			t.Errorf("Expected block stored, got height %d", h)
		}
	})

	t.Run("oversized block is refused", func(t *testing.T) {
		cfg := newTestConfig()
		cfg.MaxTxsPerBlock = 1
		node := newTestNodeWithConfig(t, cfg, NewMemoryBlockStore())

		body := []byte(`{"hash":"` + strings.Repeat("a", int(maxBlockBodyBytes(1))) + `"}`)
		w := doRequest(t, node.NewRouter(), "POST", "/api/blocks", body)
		if w.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("Expected 413, got %d", w.Code)
		}
	})

	t.Run("transaction posts are capped at one transaction", func(t *testing.T) {
		node := newTestNode(t)
		body := []byte(`{"receiver":"` + strings.Repeat("b", maxTxWireBytes) + `"}`)
		w := doRequest(t, node.NewRouter(), "POST", "/api/transactions", body)
		if w.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("Expected 413, got %d", w.Code)
		}
	})
}

func TestMaxBlockBodyBytesFitsFullBlock(t *testing.T) {
	node := newTestNode(t)
	sender := newTestAccount(t)

	const txs = 20
	block := Block{Height: 1, PrevHash: GenesisHash, Producer: testValidatorID, Timestamp: time.Now().Unix()}
	for i := uint64(1); i <= txs; i++ {
		block.Transactions = append(block.Transactions, signedTx(t, sender, strings.Repeat("r", MaxIdentityLength), 1<<60, i))
	}
	block.Hash = calculateBlockHash(block)
	block.TotalFees = CalculateFee(1<<60, node.Config.FeeRate) * txs

	body, _ := json.Marshal(block)
	if int64(len(body)) > maxBlockBodyBytes(txs) {
		t.Errorf("Expected a full block of %d bytes to fit in %d", len(body), maxBlockBodyBytes(txs))
	}
}

func TestClientAddress(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		trustProxy bool
		want       string
	}{
		{"remote addr", "10.1.1.1:5555", nil, false, "10.1.1.1"},
		{"forwarded for ignored without trust", "10.1.1.1:5555", map[string]string{"X-Forwarded-For": "203.0.113.9"}, false, "10.1.1.1"},
		{"forwarded for behind proxy", "10.1.1.1:5555", map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, true, "203.0.113.9"},
		{"real ip behind proxy", "10.1.1.1:5555", map[string]string{"X-Real-IP": "198.51.100.7"}, true, "198.51.100.7"},
		{"no port", "10.1.1.1", nil, false, "10.1.1.1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tc.remoteAddr
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			if got := clientAddress(req, tc.trustProxy); got != tc.want {
				t.Errorf("Expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if seen == "" || w.Header().Get("X-Request-ID") != seen {
		t.Errorf("Expected generated request id in context and header, got %q / %q", seen, w.Header().Get("X-Request-ID"))
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "abc-123" {
		t.Errorf("Expected caller request id to be kept, got %s", seen)
	}

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", maxRequestIDLength+1))
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if len(seen) > maxRequestIDLength {
		t.Errorf("Expected oversized request id replaced, got %d chars", len(seen))
	}
}

func TestDecodeJSONBody(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 16)
		var dst map[string]interface{}
		if err := DecodeJSONBody(w, r, &dst); err != nil {
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"small body", `{"a":1}`, http.StatusOK},
		{"large body", `{"a":"` + strings.Repeat("x", 64) + `"}`, http.StatusRequestEntityTooLarge},
		{"malformed body", `{`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest("POST", "/", strings.NewReader(tc.body)))
			if w.Code != tc.want {
				t.Errorf("Expected %d, got %d", tc.want, w.Code)
			}
		})
	}
}

func TestValidateStringField(t *testing.T) {
	tests := []struct {
		input string
		max   int
		want  bool
	}{
		{"alice", 10, true},
		{"", 10, true},
		{"too-long-identity", 5, false},
		{"bell\x07", 10, false},
		{"new\nline", 10, false},
	}
	for _, tc := range tests {
		if got := ValidateStringField(tc.input, tc.max); got != tc.want {
			t.Errorf("ValidateStringField(%q, %d) = %v, want %v", tc.input, tc.max, got, tc.want)
		}
	}
}
