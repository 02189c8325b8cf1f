package p2p

import (
	"fmt"
	"strings"
)

// Protocol-level constants shared by the registry and the RPC surface.
const (
	// ProtocolVersion is the wire protocol revision this node speaks.
	ProtocolVersion int32 = 70017

	clientName    = "EmberCore"
	clientVersion = "0.4.1"

	// ClientVersionNumeric mirrors the packed client version reported by
	// getnetworkinfo (major*1e6 + minor*1e4 + patch*1e2).
	ClientVersionNumeric int32 = 40100
)

// Service bits advertised in the local services bitmask.
const (
	ServiceNodeNetwork uint64 = 1 << 0
	ServiceNodeBloom   uint64 = 1 << 2
	ServiceNodeWitness uint64 = 1 << 3
)

// UserAgent renders the subversion string in the conventional
// /name:version(comment1; comment2)/ form. Empty comments are skipped.
func UserAgent(comments ...string) string {
	var b strings.Builder
	b.WriteString("/")
	b.WriteString(clientName)
	b.WriteString(":")
	b.WriteString(clientVersion)
	cleaned := make([]string, 0, len(comments))
	for _, c := range comments {
		if c = strings.TrimSpace(c); c != "" {
			cleaned = append(cleaned, c)
		}
	}
	if len(cleaned) > 0 {
		b.WriteString("(")
		b.WriteString(strings.Join(cleaned, "; "))
		b.WriteString(")")
	}
	b.WriteString("/")
	return b.String()
}

// FormatServices renders a services bitmask as the zero-padded 16-digit
// hex string used on the RPC surface.
func FormatServices(mask uint64) string {
	return fmt.Sprintf("%016x", mask)
}
