// Package discovery advertises the relay's address on the local network.
// Fire-and-forget: a failed announcement never affects the relay itself.
package discovery

import (
	"net"

	"github.com/pion/mdns/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/ipv4"
)

// Advertiser is the boundary to whatever announces the relay externally.
type Advertiser interface {
	Advertise() error
	Close()
}

// MDNS answers multicast DNS queries for the configured local name.
type MDNS struct {
	name string
	conn *mdns.Conn
}

func NewMDNS(name string) *MDNS {
	return &MDNS{name: name}
}

func (a *MDNS) Advertise() error {
	addr4, err := net.ResolveUDPAddr("udp4", mdns.DefaultAddressIPv4)
	if err != nil {
		return err
	}
	l4, err := net.ListenUDP("udp4", addr4)
	if err != nil {
		return err
	}
	conn, err := mdns.Server(ipv4.NewPacketConn(l4), nil, &mdns.Config{
		LocalNames: []string{a.name},
	})
	if err != nil {
		_ = l4.Close()
		return err
	}
	a.conn = conn
	log.Info().Str("module", "discovery").Str("name", a.name).Msg("advertising on mdns")
	return nil
}

func (a *MDNS) Close() {
	if a.conn != nil {
		_ = a.conn.Close()
	}
}
