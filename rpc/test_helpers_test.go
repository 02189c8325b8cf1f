package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"embercoin/p2p"
	"embercoin/storage"
)

const testToken = "test-token"

// testClock is the fixed instant every env-created component observes.
var testClock = time.Unix(1700000200, 0).UTC()

type stubResolver map[string][]string

func (s stubResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	ips, ok := s[host]
	if !ok {
		return nil, fmt.Errorf("no such host %s", host)
	}
	return ips, nil
}

type testEnv struct {
	server   *Server
	registry *p2p.Registry
	bans     *p2p.BanList
	added    *p2p.AddedNodeList
	book     *p2p.AddrBook
	sync     *p2p.SyncTracker
	netinfo  *p2p.NetInfo
	timedata *p2p.TimeData
	feed     *p2p.EventFeed
	resolver stubResolver
	token    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvConfig(t, ServerConfig{Auth: AuthConfig{Token: testToken}})
}

func newTestEnvConfig(t *testing.T, cfg ServerConfig) *testEnv {
	t.Helper()
	now := func() time.Time { return testClock }

	feed := p2p.NewEventFeed()
	registry := p2p.NewRegistry(p2p.RegistryConfig{NowFunc: now, Feed: feed})
	bans, err := p2p.NewBanList(p2p.BanListConfig{
		DB:      storage.NewMemDB(),
		Feed:    feed,
		NowFunc: now,
		Disconnect: func(sn p2p.Subnet) int {
			return registry.DisconnectSubnet(sn, "banned")
		},
	})
	if err != nil {
		t.Fatalf("new ban list: %v", err)
	}
	added, err := p2p.NewAddedNodeList(p2p.AddedNodeListConfig{
		Path:    filepath.Join(t.TempDir(), "added.db"),
		NowFunc: now,
	})
	if err != nil {
		t.Fatalf("new added node list: %v", err)
	}
	t.Cleanup(func() { _ = added.Close() })
	book, err := p2p.NewAddrBook(p2p.AddrBookConfig{DB: storage.NewMemDB()})
	if err != nil {
		t.Fatalf("new addr book: %v", err)
	}
	tracker := p2p.NewSyncTracker(p2p.SyncConfig{})
	netinfo := p2p.NewNetInfo(p2p.NetInfoConfig{})
	timedata := p2p.NewTimeData()
	resolver := stubResolver{}

	if cfg.NowFunc == nil {
		cfg.NowFunc = now
	}
	server, err := NewServer(NetBackend{
		Registry:      registry,
		Bans:          bans,
		Added:         added,
		Book:          book,
		Info:          netinfo,
		Time:          timedata,
		Sync:          tracker,
		Feed:          feed,
		Resolver:      resolver,
		LocalServices: p2p.ServiceNodeNetwork,
		UserAgent:     p2p.UserAgent(),
		DefaultPort:   "9601",
	}, cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &testEnv{
		server:   server,
		registry: registry,
		bans:     bans,
		added:    added,
		book:     book,
		sync:     tracker,
		netinfo:  netinfo,
		timedata: timedata,
		feed:     feed,
		resolver: resolver,
		token:    testToken,
	}
}

func (env *testEnv) registerPeer(t *testing.T, params p2p.PeerParams) *p2p.PeerHandle {
	t.Helper()
	if params.Close == nil {
		params.Close = func() {}
	}
	handle, err := env.registry.Register(params)
	if err != nil {
		t.Fatalf("register peer %s: %v", params.Addr, err)
	}
	return handle
}

func marshalParam(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal param: %v", err)
	}
	return raw
}

func (env *testEnv) newRequest(body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if env.token != "" {
		req.Header.Set("Authorization", "Bearer "+env.token)
	}
	return req
}

func (env *testEnv) rpcBody(t *testing.T, method string, params ...interface{}) []byte {
	t.Helper()
	payload := map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": method}
	if len(params) > 0 {
		raws := make([]json.RawMessage, 0, len(params))
		for _, p := range params {
			raws = append(raws, marshalParam(t, p))
		}
		payload["params"] = raws
	}
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return body
}

// call runs one command through the full request path and decodes the
// response envelope.
func (env *testEnv) call(t *testing.T, method string, params ...interface{}) (json.RawMessage, *RPCError) {
	t.Helper()
	_, result, rpcErr := env.callRecorded(t, method, params...)
	return result, rpcErr
}

func (env *testEnv) callRecorded(t *testing.T, method string, params ...interface{}) (*httptest.ResponseRecorder, json.RawMessage, *RPCError) {
	t.Helper()
	rec := httptest.NewRecorder()
	env.server.handleRPC(rec, env.newRequest(env.rpcBody(t, method, params...)))
	result, rpcErr := decodeRPCResponse(t, rec)
	return rec, result, rpcErr
}

func decodeRPCResponse(t *testing.T, rec *httptest.ResponseRecorder) (json.RawMessage, *RPCError) {
	t.Helper()
	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.Result, resp.Error
}

func decodeResult(t *testing.T, raw json.RawMessage, into interface{}) {
	t.Helper()
	if err := json.Unmarshal(raw, into); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}
