package endpoints

import (
	"context"
	"fmt"
	"net"
)

// LocalProvider enumerates the device's own interface addresses as
// candidate endpoints, covering the same-LAN / same-host case where no
// traversal is needed at all.
type LocalProvider struct{}

func NewLocalProvider() *LocalProvider { return &LocalProvider{} }

func (p *LocalProvider) Kind() Kind { return KindLocal }

func (p *LocalProvider) Discover(ctx context.Context, localPort int) ([]Candidate, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("endpoints: listing interface addresses: %w", err)
	}
	var out []Candidate
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.IsLinkLocalUnicast() {
			continue
		}
		out = append(out, Candidate{
			Kind:    KindLocal,
			Address: net.UDPAddr{IP: ipNet.IP, Port: localPort},
		})
	}
	return out, nil
}
