package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"nhooyr.io/websocket"
)

const (
	defaultDuration = 2 * time.Minute
	defaultRate     = 600 // bans per minute
)

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      int             `json:"id"`
}

type networkEvent struct {
	Type   string `json:"type"`
	Subnet string `json:"subnet"`
	Reason string `json:"reason"`
}

type latencyTracker struct {
	mu        sync.Mutex
	pending   map[string]time.Time
	latencies []time.Duration
}

func newLatencyTracker() *latencyTracker {
	return &latencyTracker{pending: make(map[string]time.Time)}
}

func (lt *latencyTracker) track(subnet string, at time.Time) {
	lt.mu.Lock()
	lt.pending[subnet] = at
	lt.mu.Unlock()
}

func (lt *latencyTracker) finalize(subnet string, at time.Time) {
	lt.mu.Lock()
	start, ok := lt.pending[subnet]
	if ok {
		lt.latencies = append(lt.latencies, at.Sub(start))
		delete(lt.pending, subnet)
	}
	lt.mu.Unlock()
}

func (lt *latencyTracker) snapshot() (latencies []time.Duration, pending int) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	latencies = append([]time.Duration(nil), lt.latencies...)
	pending = len(lt.pending)
	return latencies, pending
}

func (lt *latencyTracker) waitForEmpty(ctx context.Context) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		lt.mu.Lock()
		remaining := len(lt.pending)
		lt.mu.Unlock()
		if remaining == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func main() {
	var (
		rpcURL       string
		banRate      int
		durationFlag time.Duration
		banSeconds   int
	)
	flag.StringVar(&rpcURL, "rpc", "http://127.0.0.1:9545", "RPC endpoint for submitting bans")
	flag.IntVar(&banRate, "rate", defaultRate, "target rate of setban calls per minute")
	flag.DurationVar(&durationFlag, "duration", defaultDuration, "load duration")
	flag.IntVar(&banSeconds, "bantime", 3600, "ban duration passed to setban")
	flag.Parse()

	token := strings.TrimSpace(os.Getenv("EMBER_RPC_TOKEN"))
	if token == "" {
		log.Fatal("missing EMBER_RPC_TOKEN for RPC authentication")
	}

	parsed, err := url.Parse(rpcURL)
	if err != nil {
		log.Fatalf("parse rpc url: %v", err)
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "http"
	}
	endpoint := *parsed
	if endpoint.Path == "" || endpoint.Path == "/" {
		endpoint.Path = "/rpc"
	}

	if banRate <= 0 {
		log.Fatalf("rate must be positive, got %d", banRate)
	}
	if durationFlag <= 0 {
		durationFlag = defaultDuration
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	httpClient := &http.Client{Timeout: 10 * time.Second}
	tracker := newLatencyTracker()

	wsURL := *parsed
	switch strings.ToLower(parsed.Scheme) {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = "/ws"
	wsURL.RawQuery = ""

	wsCtx, wsCancel := context.WithTimeout(ctx, 5*time.Second)
	conn, _, err := websocket.Dial(wsCtx, wsURL.String(), nil)
	wsCancel()
	if err != nil {
		log.Fatalf("connect event stream: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "load complete")

	streamCtx, streamCancel := context.WithCancel(ctx)
	defer streamCancel()
	go consumeEvents(streamCtx, conn, tracker)

	interval := time.Minute / time.Duration(banRate)
	if interval <= 0 {
		interval = time.Millisecond
	}
	deadline := time.Now().Add(durationFlag)
	var seq int
	var submitted int
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			log.Printf("context cancelled: %v", ctx.Err())
			return
		default:
		}
		subnet := fmt.Sprintf("10.%d.%d.0/24", (seq>>8)&0xff, seq&0xff)
		if err := submitBan(ctx, httpClient, &endpoint, token, subnet, banSeconds); err != nil {
			log.Printf("setban %s failed: %v", subnet, err)
		} else {
			tracker.track(subnet, time.Now())
			submitted++
		}
		seq++
		time.Sleep(interval)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer waitCancel()
	if !tracker.waitForEmpty(waitCtx) {
		log.Printf("still waiting on %d ban events", trackerPending(tracker))
	}

	streamCancel()

	if err := clearBans(context.Background(), httpClient, &endpoint, token); err != nil {
		log.Printf("clearbanned cleanup failed: %v", err)
	}

	latencies, pending := tracker.snapshot()
	reportLoadSummary(latencies, pending, submitted)
}

func submitBan(ctx context.Context, client *http.Client, endpoint *url.URL, token, subnet string, banSeconds int) error {
	payload := rpcRequest{
		JSONRPC: "2.0",
		Method:  "setban",
		Params:  []interface{}{subnet, "add", banSeconds},
		ID:      1,
	}
	_, err := callRPC(ctx, client, endpoint, token, payload)
	return err
}

func clearBans(ctx context.Context, client *http.Client, endpoint *url.URL, token string) error {
	payload := rpcRequest{
		JSONRPC: "2.0",
		Method:  "clearbanned",
		Params:  []interface{}{},
		ID:      1,
	}
	_, err := callRPC(ctx, client, endpoint, token, payload)
	return err
}

func callRPC(ctx context.Context, client *http.Client, endpoint *url.URL, token string, payload rpcRequest) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc call: %w", err)
	}
	defer resp.Body.Close()

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if decoded.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", decoded.Error.Code, decoded.Error.Message)
	}
	return decoded.Result, nil
}

func consumeEvents(ctx context.Context, conn *websocket.Conn, tracker *latencyTracker) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var payload networkEvent
		if err := json.Unmarshal(data, &payload); err != nil {
			log.Printf("decode event payload: %v", err)
			continue
		}
		if payload.Type == "ban_added" && payload.Subnet != "" {
			tracker.finalize(payload.Subnet, time.Now())
		}
	}
}

func trackerPending(t *latencyTracker) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func reportLoadSummary(latencies []time.Duration, pending int, submitted int) {
	var max time.Duration
	var total time.Duration
	for _, latency := range latencies {
		if latency > max {
			max = latency
		}
		total += latency
	}
	avg := time.Duration(0)
	if len(latencies) > 0 {
		avg = time.Duration(int64(total) / int64(len(latencies)))
	}
	log.Printf("Ban loader submitted %d setban calls", submitted)
	log.Printf("Observed %d ban events (pending: %d)", len(latencies), pending)
	log.Printf("Latency avg=%s max=%s", avg, max)
}
