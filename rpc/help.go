package rpc

import (
	"sort"
	"strings"
)

// Usage text per command, rendered when a command is invoked with a bad
// argument count, an unrecognized command keyword, or through help.
var usageText = map[string]string{
	"getconnectioncount": `getconnectioncount

Returns the number of connections to other nodes.

Result:
n          (numeric) The connection count

Examples:
> emberctl getconnectioncount`,

	"ping": `ping

Requests that a ping be sent to all other nodes, to measure ping time.
Results provided in getpeerinfo, pingtime and pingwait fields are decimal seconds.

Examples:
> emberctl ping`,

	"destination": `destination ( "match|good|attempt|connect" "filter" )

Returns destination details stored in the address book.
With no arguments every known destination is returned.

Arguments:
1. "keyword"   (string, optional) good: tried and found good, attempt: dialed at least once,
               connect: connected to in the past, match: substring search (needs the 2nd argument)
2. "filter"    (string, required for match) substring checked against address, source and identity

Result:
[
  {
    "tablesize": nnn,    (numeric) Total number of destinations in the address book
    "matchsize": nnn     (numeric) Number of results matching the query
  },
  {
    "address": "host",   (string) The destination address
    "good": true|false,  (boolean) Tried and verified
    "attempt": n,        (numeric) Dial attempts
    "lasttry": ttt,      (numeric) Unix time of the last attempt, this session only
    "connect": ttt,      (numeric) Unix time of the last successful connection
    "source": "host",    (string) Where this destination was learned from
    "base64": "..."      (string, filtered queries only) Alternate identity string
  }
  ,...
]

Examples:
> emberctl destination good
> emberctl destination match 192.168.1`,

	"getpeerinfo": `getpeerinfo

Returns data about each connected network node as a json array of objects.

Result:
[
  {
    "id": n,                   (numeric) Peer index
    "addr": "host:port",       (string) The address and port of the peer
    "addrlocal": "ip:port",    (string) Local address, when known
    "services": "hex",         (string) The services offered
    "lastsend": ttt,           (numeric) Unix time of the last send
    "lastrecv": ttt,           (numeric) Unix time of the last receive
    "bytessent": n,            (numeric) Total bytes sent
    "bytesrecv": n,            (numeric) Total bytes received
    "conntime": ttt,           (numeric) Unix time the connection opened
    "pingtime": n,             (numeric) Ping time in decimal seconds
    "pingwait": n,             (numeric) Outstanding ping wait, when positive
    "version": v,              (numeric) The peer protocol version
    "subver": "/EmberCore:x/", (string) The peer user agent
    "inbound": true|false,     (boolean) Direction of the connection
    "startingheight": n,       (numeric) The starting height of the peer
    "banscore": n,             (numeric) The misbehavior score, when tracked
    "synced_headers": n,       (numeric) Last header in common, when tracked
    "synced_blocks": n,        (numeric) Last block in common, when tracked
    "inflight": [n, ...],      (array) Heights currently requested, when tracked
    "whitelisted": true|false  (boolean) Exempt from limits and bans
  }
  ,...
]

Examples:
> emberctl getpeerinfo`,

	"addnode": `addnode "host:port" "add|remove|onetry"

Attempts add or remove a node from the added node list.
Or try a connection to a node once.

Arguments:
1. "node"      (string, required) The node endpoint (see getpeerinfo for nodes)
2. "command"   (string, required) 'add' to add a node to the list, 'remove' to remove one,
               'onetry' to attempt a connection once

Examples:
> emberctl addnode "192.168.0.6:9601" "onetry"
> emberctl addnode "192.168.0.6:9601" "add"`,

	"disconnectnode": `disconnectnode "host:port"

Immediately disconnects from the specified node.

Arguments:
1. "node"      (string, required) The node endpoint (see getpeerinfo for nodes)

Examples:
> emberctl disconnectnode "192.168.0.6:9601"`,

	"getaddednodeinfo": `getaddednodeinfo dns ( "node" )

Returns information about the given added node, or all added nodes.
(note that onetry addnodes are not listed here)
If dns is false, only membership and a connection summary are provided,
otherwise each member is resolved and per-address information is included.

Arguments:
1. dns         (boolean, required) Resolve member endpoints and report per-address state
2. "node"      (string, optional) Return information about this node only

Result:
[
  {
    "addednode": "192.168.0.201",          (string) The added endpoint
    "connected": true|false,               (boolean) If connected
    "addresses": [
      {
        "address": "192.168.0.201:9601",   (string) Address and port
        "connected": "outbound"            (string) inbound, outbound or false
      }
    ]
  }
  ,...
]

Examples:
> emberctl getaddednodeinfo true
> emberctl getaddednodeinfo true "192.168.0.201"`,

	"getnettotals": `getnettotals

Returns information about network traffic, including bytes in, bytes out,
and current time.

Result:
{
  "totalbytesrecv": n,   (numeric) Total bytes received
  "totalbytessent": n,   (numeric) Total bytes sent
  "timemillis": t        (numeric) Current time in milliseconds
}

Examples:
> emberctl getnettotals`,

	"switchnetwork": `switchnetwork

Toggle all network activity temporarily.

Result:
true|false     (boolean) The new network-active state

Examples:
> emberctl switchnetwork`,

	"getnetworkinfo": `getnetworkinfo

Returns an object containing various state info regarding P2P networking.

Result:
{
  "version": xxxxx,                    (numeric) The server version
  "subversion": "/EmberCore:x.y.z/",   (string) The server user agent
  "protocolversion": xxxxx,            (numeric) The protocol version
  "localservices": "hex",              (string) The services we offer to the network
  "timeoffset": xxxxx,                 (numeric) The time offset
  "connections": xxxxx,                (numeric) The number of connections
  "networks": [
    {
      "name": "xxx",                   (string) Network family (ipv4, ipv6, onion, i2p)
      "limited": true|false,           (boolean) Is the family limited by configuration
      "reachable": true|false,         (boolean) Is the family reachable
      "proxy": "host:port"             (string) Proxy used for this family, or empty
    }
  ,...
  ],
  "relayfee": x.xxxxxxxx,              (numeric) Minimum relay fee per kilobyte
  "localaddresses": [
    {
      "address": "xxxx",               (string) Network address
      "port": xxx,                     (numeric) Network port
      "score": xxx                     (numeric) Relative score
    }
  ,...
  ]
}

Examples:
> emberctl getnetworkinfo`,

	"setban": `setban "ip(/netmask)" "add|remove" (bantime) (absolute)

Attempts add or remove an IP/Subnet from the banned list.

Arguments:
1. "ip(/netmask)"  (string, required) The IP/Subnet with an optional netmask (default is /32, a single ip)
2. "command"       (string, required) 'add' to ban an IP/Subnet, 'remove' to unban one
3. "bantime"       (numeric, optional) Ban duration in seconds, or an absolute expiry when [absolute] is set
                   (0 or empty uses the default of 24h)
4. "absolute"      (boolean, optional) Treat bantime as a unix timestamp

Examples:
> emberctl setban "192.168.0.6" "add" 86400
> emberctl setban "192.168.0.0/24" "add"`,

	"listbanned": `listbanned

List all banned IPs/Subnets.

Result:
[
  {
    "address": "a.b.c.d/mask",   (string) The banned subnet
    "banned_until": ttt,         (numeric) Unix time the ban lapses
    "ban_created": ttt,          (numeric) Unix time the ban was created
    "ban_reason": "..."          (string) Why the ban was placed
  }
  ,...
]

Examples:
> emberctl listbanned`,

	"clearbanned": `clearbanned

Clear all banned IPs.

Examples:
> emberctl clearbanned`,

	"help": `help ( "command" )

List all commands, or get help for a specified command.

Arguments:
1. "command"   (string, optional) The command to get help on

Examples:
> emberctl help
> emberctl help getpeerinfo`,
}

// usageFor returns the usage text for a command name, or an empty string
// for unknown commands.
func usageFor(name string) string {
	return usageText[name]
}

// commandList renders the one-line summary of every registered command in
// sorted order, used by bare help.
func commandList() string {
	names := make([]string, 0, len(usageText))
	for name := range usageText {
		names = append(names, name)
	}
	sort.Strings(names)
	lines := make([]string, 0, len(names))
	for _, name := range names {
		usage := usageText[name]
		if idx := strings.IndexByte(usage, '\n'); idx > 0 {
			usage = usage[:idx]
		}
		lines = append(lines, usage)
	}
	return strings.Join(lines, "\n")
}
