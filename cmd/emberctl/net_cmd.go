package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

var netRPCCall = callNetRPC

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// privilegedMethods require a bearer credential; everything else is
// sent unauthenticated and the server decides.
var privilegedMethods = map[string]struct{}{
	"addnode":        {},
	"disconnectnode": {},
	"switchnetwork":  {},
	"setban":         {},
	"clearbanned":    {},
}

func runNetCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, netUsage())
		return 1
	}

	method := strings.TrimSpace(args[0])
	if method == "" {
		fmt.Fprintln(stderr, netUsage())
		return 1
	}

	params := make([]interface{}, 0, len(args)-1)
	for _, raw := range args[1:] {
		params = append(params, coerceParam(raw))
	}

	_, requireAuth := privilegedMethods[method]
	result, rpcErr, err := netRPCCall(method, params, requireAuth)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

// coerceParam maps a command-line argument onto the JSON value the
// server expects. Numbers, booleans, null, and bracketed values are
// sent as typed JSON; anything else stays a string.
func coerceParam(raw string) interface{} {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return raw
	}
	var value interface{}
	if err := json.Unmarshal([]byte(trimmed), &value); err == nil {
		switch value.(type) {
		case float64, bool, nil:
			return value
		}
		if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{") {
			return value
		}
	}
	return raw
}

func callNetRPC(method string, params []interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
	if params == nil {
		params = []interface{}{}
	}
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	resp, err := doRPCRequest(body, requireAuth)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, nil, fmt.Errorf("failed to decode RPC response: %w", err)
	}
	return rpcResp.Result, rpcResp.Error, nil
}

func handleRPCError(w io.Writer, err *rpcError) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "RPC error %d: %s\n", err.Code, err.Message)
	return 1
}

func handleRPCCallError(w io.Writer, err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "RPC call failed: %v\n", err)
	return 1
}

func writeRPCResult(w io.Writer, result json.RawMessage) {
	if len(result) == 0 {
		fmt.Fprintln(w, "null")
		return
	}
	if _, err := w.Write(result); err == nil {
		if len(result) == 0 || result[len(result)-1] != '\n' {
			fmt.Fprintln(w)
		}
	}
}

func netUsage() string {
	return strings.TrimSpace(`Usage:
  emberctl [--rpc <url>] <command> [args]

Commands:
  getconnectioncount                          Number of connected peers
  ping                                        Queue a ping to every peer
  destination [filter] [argument]             Inspect the destination table
  getpeerinfo                                 Per-peer state and statistics
  addnode <node> <add|remove|onetry>          Manage the added-node list
  disconnectnode <node>                       Drop a connected peer
  getaddednodeinfo <dns> [node]               Report added-node status
  getnettotals                                Aggregate traffic counters
  switchnetwork                               Toggle network activity
  getnetworkinfo                              Node-level network state
  setban <subnet> <add|remove> [bantime] [absolute]
                                              Manage the ban list
  listbanned                                  Active ban entries
  clearbanned                                 Drop every ban entry
  help [command]                              Command usage

Privileged commands read the bearer token from EMBER_RPC_TOKEN or
prompt for it when running interactively.`)
}
