package uapi

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/quietmesh/meshnet/pkg/wgcrypto"
)

// SetCommand builds the wire text for a "set=1" command: set=1, then
// interface keys, then for each peer (in deterministic PublicKey order,
// so successive serializations of the same Interface are byte-identical
// — required for idempotent-consolidation tests) a public_key= line
// followed by its attributes.
func SetCommand(iface Interface) string {
	var b strings.Builder
	b.WriteString("set=1\n")

	if iface.PrivateKey != nil {
		fmt.Fprintf(&b, "private_key=%s\n", wgcrypto.HexSecretKey(*iface.PrivateKey))
	}
	if iface.ListenPort != nil {
		fmt.Fprintf(&b, "listen_port=%d\n", *iface.ListenPort)
	}
	if iface.Fwmark != 0 {
		fmt.Fprintf(&b, "fwmark=%d\n", iface.Fwmark)
	}

	keys := make([]wgcrypto.PublicKey, 0, len(iface.Peers))
	for k := range iface.Peers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return wgcrypto.HexPublicKey(keys[i]) < wgcrypto.HexPublicKey(keys[j])
	})

	for _, pk := range keys {
		p := iface.Peers[pk]
		fmt.Fprintf(&b, "public_key=%s\n", wgcrypto.HexPublicKey(pk))
		if p.Remove {
			b.WriteString("remove=true\n")
			continue
		}
		if p.UpdateOnly {
			b.WriteString("update_only=true\n")
		}
		if p.Endpoint != "" {
			fmt.Fprintf(&b, "endpoint=%s\n", p.Endpoint)
		}
		if p.PersistentKeepaliveInterval != nil {
			fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", int(p.PersistentKeepaliveInterval.Seconds()))
		}
		// An explicit peer update replaces the allowed-IP set.
		if len(p.AllowedIPs) > 0 || p.UpdateOnly {
			b.WriteString("replace_allowed_ips=true\n")
		}
		for _, ip := range p.AllowedIPs {
			fmt.Fprintf(&b, "allowed_ip=%s\n", ip)
		}
	}

	b.WriteString("\n")
	return b.String()
}

// GetCommand is the fixed wire text for a "get=1" command.
const GetCommand = "get=1\n\n"

// FormatErrno renders the trailing "errno=" line a UAPI response ends
// with; errno=0 on success, non-zero forwarded verbatim.
func FormatErrno(errno int) string {
	return "errno=" + strconv.Itoa(errno) + "\n\n"
}
