package stream

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	libp2ptls "github.com/libp2p/go-libp2p/p2p/security/tls"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/libp2p/go-libp2p/p2p/transport/websocket"
)

// NewBus builds a libp2p host on the given listen addresses, attaches
// GossipSub, and returns the ready bus plus the host for lifecycle
// management.
func NewBus(ctx context.Context, listen []string, maxConns int, validator Validator) (*PubSubBus, host.Host, error) {
	listenAddrs, err := ValidateListenAddrs(listen)
	if err != nil {
		return nil, nil, err
	}

	if maxConns <= 0 {
		maxConns = 400
	}
	connMgr, err := connmgr.NewConnManager(100, maxConns)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	h, err := libp2p.New(
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(websocket.New),
		libp2p.Security(libp2ptls.ID, libp2ptls.New),
		libp2p.Security(noise.ID, noise.New),
		libp2p.ConnectionManager(connMgr),
		libp2p.NATPortMap(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	log.Infof("Stream host %s listening on %v", h.ID(), h.Addrs())
	return NewPubSubBus(ctx, ps, validator), h, nil
}
