package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"embercoin/p2p"
)

// NetBackend bundles the network-layer collaborators the command surface
// operates on. Registry and Bans are mandatory; the rest degrade to empty
// results when absent.
type NetBackend struct {
	Registry *p2p.Registry
	Bans     *p2p.BanList
	Added    *p2p.AddedNodeList
	Book     *p2p.AddrBook
	Info     *p2p.NetInfo
	Time     *p2p.TimeData
	Sync     *p2p.SyncTracker
	Conns    *p2p.ConnManager
	Feed     *p2p.EventFeed
	Resolver p2p.Resolver

	// LocalServices is the service bitmask this node advertises.
	LocalServices uint64
	// UserAgent is this node's subversion string.
	UserAgent string
	// DefaultPort completes endpoints that omit a port during resolution.
	DefaultPort string
}

type destSizesResult struct {
	TableSize int `json:"tablesize"`
	MatchSize int `json:"matchsize"`
}

type destMatchResult struct {
	Address string  `json:"address"`
	Good    bool    `json:"good"`
	Attempt int     `json:"attempt"`
	LastTry int64   `json:"lasttry"`
	Connect int64   `json:"connect"`
	Source  string  `json:"source"`
	Base64  *string `json:"base64,omitempty"`
}

type peerInfoResult struct {
	ID             int64    `json:"id"`
	Addr           string   `json:"addr"`
	AddrLocal      string   `json:"addrlocal,omitempty"`
	Services       string   `json:"services"`
	LastSend       int64    `json:"lastsend"`
	LastRecv       int64    `json:"lastrecv"`
	BytesSent      uint64   `json:"bytessent"`
	BytesRecv      uint64   `json:"bytesrecv"`
	ConnTime       int64    `json:"conntime"`
	PingTime       float64  `json:"pingtime"`
	PingWait       float64  `json:"pingwait,omitempty"`
	Version        int32    `json:"version"`
	SubVer         string   `json:"subver"`
	Inbound        bool     `json:"inbound"`
	StartingHeight int32    `json:"startingheight"`
	BanScore       *int     `json:"banscore,omitempty"`
	SyncedHeaders  *int32   `json:"synced_headers,omitempty"`
	SyncedBlocks   *int32   `json:"synced_blocks,omitempty"`
	InFlight       *[]int32 `json:"inflight,omitempty"`
	Whitelisted    bool     `json:"whitelisted"`
}

type addedNodeAddressResult struct {
	Address   string `json:"address"`
	Connected string `json:"connected"`
}

type addedNodeInfoResult struct {
	AddedNode string                   `json:"addednode"`
	Connected bool                     `json:"connected"`
	Addresses []addedNodeAddressResult `json:"addresses"`
}

type netTotalsResult struct {
	TotalBytesRecv uint64 `json:"totalbytesrecv"`
	TotalBytesSent uint64 `json:"totalbytessent"`
	TimeMillis     int64  `json:"timemillis"`
}

type networkStateResult struct {
	Name      string `json:"name"`
	Limited   bool   `json:"limited"`
	Reachable bool   `json:"reachable"`
	Proxy     string `json:"proxy"`
}

type localAddressResult struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Score   int    `json:"score"`
}

type networkInfoResult struct {
	Version         int32                `json:"version"`
	SubVersion      string               `json:"subversion"`
	ProtocolVersion int32                `json:"protocolversion"`
	LocalServices   string               `json:"localservices"`
	TimeOffset      int64                `json:"timeoffset"`
	Connections     int                  `json:"connections"`
	Networks        []networkStateResult `json:"networks"`
	RelayFee        float64              `json:"relayfee"`
	LocalAddresses  []localAddressResult `json:"localaddresses"`
}

type bannedEntryResult struct {
	Address     string `json:"address"`
	BannedUntil int64  `json:"banned_until"`
	BanCreated  int64  `json:"ban_created"`
	BanReason   string `json:"ban_reason"`
}

// netError maps network-layer sentinels onto the command surface's stable
// codes and messages. Unmatched errors report as a failed mutation.
func netError(err error) *RPCError {
	switch {
	case errors.Is(err, p2p.ErrUnknownFilter):
		return rpcError(codeNetInvalidParams, "Unknown subcommand or argument missing", nil)
	case errors.Is(err, p2p.ErrInvalidAddress):
		return rpcError(codeNetInvalidParams, "Error: Invalid IP/Subnet", err.Error())
	case errors.Is(err, p2p.ErrNodeExists):
		return rpcError(codeNetAlreadyPresent, "Error: Node already added", nil)
	case errors.Is(err, p2p.ErrNodeNotAdded):
		return rpcError(codeNetNotPresent, "Error: Node has not been added.", nil)
	case errors.Is(err, p2p.ErrBanExists):
		return rpcError(codeNetAlreadyPresent, "Error: IP/Subnet already banned", nil)
	case errors.Is(err, p2p.ErrBanNotFound):
		return rpcError(codeNetNotPresent, "Error: IP/Subnet not banned", nil)
	case errors.Is(err, p2p.ErrPeerNotConnected):
		return rpcError(codeNetNotConnected, "Node not found in connected nodes", nil)
	default:
		return rpcError(codeNetOperationFailed, "Error: network operation failed", err.Error())
	}
}

func stringParam(raw json.RawMessage, name string) (string, *RPCError) {
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", rpcError(codeInvalidParams, name+" must be a string", err.Error())
	}
	return value, nil
}

func boolParam(raw json.RawMessage, name string) (bool, *RPCError) {
	var value bool
	if err := json.Unmarshal(raw, &value); err != nil {
		return false, rpcError(codeInvalidParams, name+" must be a boolean", err.Error())
	}
	return value, nil
}

func int64Param(raw json.RawMessage, name string) (int64, *RPCError) {
	var value int64
	if err := json.Unmarshal(raw, &value); err != nil {
		return 0, rpcError(codeInvalidParams, name+" must be an integer", err.Error())
	}
	return value, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// subVerSafeChars are the characters a peer-supplied user agent may carry
// into JSON output. Everything else is stripped.
const subVerSafeChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789 .,;-_/:?@()"

func sanitizeSubVer(raw string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(subVerSafeChars, r) {
			return r
		}
		return -1
	}, raw)
}

func (s *Server) handleGetConnectionCount(_ *http.Request, _ *RPCRequest) (any, *RPCError) {
	return s.backend.Registry.Count(), nil
}

func (s *Server) handlePing(_ *http.Request, _ *RPCRequest) (any, *RPCError) {
	s.backend.Registry.QueuePingAll()
	return nil, nil
}

func (s *Server) handleDestination(_ *http.Request, req *RPCRequest) (any, *RPCError) {
	args := make([]string, 0, len(req.Params))
	for _, raw := range req.Params {
		arg, rpcErr := stringParam(raw, "filter")
		if rpcErr != nil {
			return nil, rpcErr
		}
		args = append(args, arg)
	}
	query, err := p2p.ParseDestQuery(args)
	if err != nil {
		return nil, netError(err)
	}
	res := s.backend.Book.Query(query)

	out := make([]any, 0, len(res.Matches)+1)
	out = append(out, destSizesResult{TableSize: res.TableSize, MatchSize: res.MatchSize})
	for _, m := range res.Matches {
		match := destMatchResult{
			Address: m.Address,
			Good:    m.Tried,
			Attempt: m.Attempts,
			LastTry: unixOrZero(m.LastTry),
			Connect: unixOrZero(m.LastSuccess),
			Source:  m.Source,
		}
		if res.WithIdentity {
			identity := m.Identity
			match.Base64 = &identity
		}
		out = append(out, match)
	}
	return out, nil
}

func (s *Server) handleGetPeerInfo(_ *http.Request, _ *RPCRequest) (any, *RPCError) {
	stats := s.backend.Registry.Snapshot()
	var syncStats map[int64]p2p.SyncStatus
	if s.backend.Sync != nil {
		syncStats = s.backend.Sync.Snapshot()
	}
	results := make([]peerInfoResult, 0, len(stats))
	for _, st := range stats {
		info := peerInfoResult{
			ID:             st.ID,
			Addr:           st.Addr,
			AddrLocal:      st.LocalAddr,
			Services:       p2p.FormatServices(st.Services),
			LastSend:       unixOrZero(st.LastSend),
			LastRecv:       unixOrZero(st.LastRecv),
			BytesSent:      st.BytesSent,
			BytesRecv:      st.BytesRecv,
			ConnTime:       unixOrZero(st.ConnectedAt),
			PingTime:       st.PingTime.Seconds(),
			Version:        st.Version,
			SubVer:         sanitizeSubVer(st.UserAgent),
			Inbound:        st.Inbound,
			StartingHeight: st.StartingHeight,
			Whitelisted:    st.Whitelisted,
		}
		if st.PingWait > 0 {
			info.PingWait = st.PingWait.Seconds()
		}
		if ss, ok := syncStats[st.ID]; ok {
			score := ss.BanScore
			headers := ss.SyncedHeaders
			blocks := ss.SyncedBlocks
			inflight := ss.InFlight
			if inflight == nil {
				inflight = []int32{}
			}
			info.BanScore = &score
			info.SyncedHeaders = &headers
			info.SyncedBlocks = &blocks
			info.InFlight = &inflight
		}
		results = append(results, info)
	}
	return results, nil
}

func (s *Server) handleAddNode(r *http.Request, req *RPCRequest) (any, *RPCError) {
	node, rpcErr := stringParam(req.Params[0], "node")
	if rpcErr != nil {
		return nil, rpcErr
	}
	command, rpcErr := stringParam(req.Params[1], "command")
	if rpcErr != nil {
		return nil, rpcErr
	}
	switch command {
	case "onetry":
		// A onetry dial ignores list membership and reports nothing;
		// dial failures only show up in the logs.
		if s.backend.Conns != nil {
			if err := s.backend.Conns.Connect(r.Context(), node, "onetry"); err != nil {
				s.log().Debug("onetry dial failed", "endpoint", node, "error", err)
			}
		}
		return nil, nil
	case "add":
		if err := s.backend.Added.Add(node); err != nil {
			return nil, netError(err)
		}
		return nil, nil
	case "remove":
		if err := s.backend.Added.Remove(node); err != nil {
			return nil, netError(err)
		}
		return nil, nil
	default:
		return usageFor("addnode"), nil
	}
}

func (s *Server) handleDisconnectNode(_ *http.Request, req *RPCRequest) (any, *RPCError) {
	node, rpcErr := stringParam(req.Params[0], "node")
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.backend.Registry.DisconnectAddress(node); err != nil {
		return nil, netError(err)
	}
	return nil, nil
}

func (s *Server) handleGetAddedNodeInfo(r *http.Request, req *RPCRequest) (any, *RPCError) {
	dns, rpcErr := boolParam(req.Params[0], "dns")
	if rpcErr != nil {
		return nil, rpcErr
	}
	members := s.backend.Added.List()
	if len(req.Params) == 2 {
		node, rpcErr := stringParam(req.Params[1], "node")
		if rpcErr != nil {
			return nil, rpcErr
		}
		found := false
		for _, member := range members {
			if member.Endpoint == node {
				members = []p2p.AddedNode{member}
				found = true
				break
			}
		}
		if !found {
			return nil, rpcError(codeNetNotPresent, "Error: Node has not been added.", nil)
		}
	}
	results := make([]addedNodeInfoResult, 0, len(members))
	for _, member := range members {
		results = append(results, s.addedNodeInfo(r.Context(), member.Endpoint, dns))
	}
	return results, nil
}

// addedNodeInfo summarizes one added node. Without dns the endpoint is
// checked against live peers as given; with dns it is resolved first and
// every resolved address is reported with its own connection state.
func (s *Server) addedNodeInfo(ctx context.Context, endpoint string, dns bool) addedNodeInfoResult {
	info := addedNodeInfoResult{AddedNode: endpoint, Addresses: []addedNodeAddressResult{}}
	if !dns {
		if stats, ok := s.backend.Registry.MatchEndpoint(endpoint); ok {
			info.Connected = true
			info.Addresses = append(info.Addresses, addedNodeAddressResult{
				Address:   stats.Addr,
				Connected: stats.Direction(),
			})
		}
		return info
	}
	candidates, err := p2p.ResolveEndpoint(ctx, s.backend.Resolver, endpoint, s.backend.DefaultPort)
	if err != nil {
		s.log().Debug("added node resolution failed", "endpoint", endpoint, "error", err)
		return info
	}
	for _, candidate := range candidates {
		entry := addedNodeAddressResult{Address: candidate, Connected: "false"}
		if stats, ok := s.backend.Registry.MatchEndpoint(candidate); ok {
			entry.Connected = stats.Direction()
			info.Connected = true
		}
		info.Addresses = append(info.Addresses, entry)
	}
	return info
}

func (s *Server) handleGetNetTotals(_ *http.Request, _ *RPCRequest) (any, *RPCError) {
	sent, recv := s.backend.Registry.Totals()
	return netTotalsResult{
		TotalBytesRecv: recv,
		TotalBytesSent: sent,
		TimeMillis:     s.now().UnixMilli(),
	}, nil
}

func (s *Server) handleSwitchNetwork(_ *http.Request, _ *RPCRequest) (any, *RPCError) {
	return s.backend.Registry.ToggleActive(), nil
}

func (s *Server) handleGetNetworkInfo(_ *http.Request, _ *RPCRequest) (any, *RPCError) {
	result := networkInfoResult{
		Version:         p2p.ClientVersionNumeric,
		SubVersion:      s.backend.UserAgent,
		ProtocolVersion: p2p.ProtocolVersion,
		LocalServices:   p2p.FormatServices(s.backend.LocalServices),
		Connections:     s.backend.Registry.Count(),
		Networks:        []networkStateResult{},
		LocalAddresses:  []localAddressResult{},
	}
	if s.backend.Time != nil {
		result.TimeOffset = int64(s.backend.Time.Offset() / time.Second)
	}
	if s.backend.Info != nil {
		for _, network := range s.backend.Info.Networks() {
			result.Networks = append(result.Networks, networkStateResult{
				Name:      network.Name,
				Limited:   network.Limited,
				Reachable: network.Reachable,
				Proxy:     network.Proxy,
			})
		}
		result.RelayFee = s.backend.Info.RelayFee().ToBTC()
		for _, local := range s.backend.Info.LocalAddresses() {
			result.LocalAddresses = append(result.LocalAddresses, localAddressResult{
				Address: local.Address,
				Port:    local.Port,
				Score:   local.Score,
			})
		}
	}
	return result, nil
}

func (s *Server) handleSetBan(_ *http.Request, req *RPCRequest) (any, *RPCError) {
	target, rpcErr := stringParam(req.Params[0], "subnet")
	if rpcErr != nil {
		return nil, rpcErr
	}
	command, rpcErr := stringParam(req.Params[1], "command")
	if rpcErr != nil {
		return nil, rpcErr
	}
	if command != "add" && command != "remove" {
		return usageFor("setban"), nil
	}
	subnet, err := p2p.ParseSubnet(target)
	if err != nil {
		return nil, netError(err)
	}
	switch command {
	case "add":
		var banTime int64
		if len(req.Params) >= 3 && !isNullParam(req.Params[2]) {
			banTime, rpcErr = int64Param(req.Params[2], "bantime")
			if rpcErr != nil {
				return nil, rpcErr
			}
		}
		absolute := false
		if len(req.Params) == 4 {
			absolute, rpcErr = boolParam(req.Params[3], "absolute")
			if rpcErr != nil {
				return nil, rpcErr
			}
		}
		if _, err := s.backend.Bans.Add(subnet, banTime, absolute, p2p.BanReasonManuallyAdded); err != nil {
			return nil, netError(err)
		}
	case "remove":
		if err := s.backend.Bans.Remove(subnet); err != nil {
			return nil, netError(err)
		}
	}
	return nil, nil
}

func isNullParam(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null"
}

func (s *Server) handleListBanned(_ *http.Request, _ *RPCRequest) (any, *RPCError) {
	entries := s.backend.Bans.List()
	results := make([]bannedEntryResult, 0, len(entries))
	for _, entry := range entries {
		results = append(results, bannedEntryResult{
			Address:     entry.Subnet,
			BannedUntil: entry.Until.Unix(),
			BanCreated:  entry.CreatedAt.Unix(),
			BanReason:   entry.Reason.String(),
		})
	}
	return results, nil
}

func (s *Server) handleClearBanned(_ *http.Request, _ *RPCRequest) (any, *RPCError) {
	if _, err := s.backend.Bans.Clear(); err != nil {
		return nil, netError(err)
	}
	return nil, nil
}

func (s *Server) handleHelp(_ *http.Request, req *RPCRequest) (any, *RPCError) {
	if len(req.Params) == 0 {
		return commandList(), nil
	}
	name, rpcErr := stringParam(req.Params[0], "command")
	if rpcErr != nil {
		return nil, rpcErr
	}
	usage := usageFor(name)
	if usage == "" {
		return nil, rpcError(codeMethodNotFound, "help: unknown command: "+name, nil)
	}
	return usage, nil
}
