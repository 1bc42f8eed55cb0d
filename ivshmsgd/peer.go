package main

import (
	"errors"
	"io"
	"net"

	"github.com/famez/ivshmsg/ivshmsgd/notify"
)

// A peer is one accepted connection. It owns its transport and its notifier
// vector; other peers only hold kernel-refcounted copies of the vector's
// fds. Fields are read and written on the engine goroutine only.
type peer struct {
	id       int
	conn     *net.UnixConn
	vector   []*notify.Notifier
	nodeName string
	cclass   string

	// admitted is set once the handshake script completed; only admitted
	// peers are broadcast targets.
	admitted bool

	// adopted marks a vector inherited from the recycle table.
	adopted bool
}

// PeerID implements registry.Member and request.Peer.
func (p *peer) PeerID() int {
	return p.id
}

// NodeName implements request.Peer. Learned from the peer's mailbox slot on
// its first request; empty until then.
func (p *peer) NodeName() string {
	return p.nodeName
}

// watch runs in its own goroutine once the peer is admitted. The server
// never reads application bytes post-handshake, so the only outcomes are
// stray input (protocol misuse), EOF (clean close) or a transport error
// (dirty close). Each connection produces exactly one departure.
func (d *Daemon) watch(p *peer) {
	buf := make([]byte, 1)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			d.depart(departure{peer: p, stray: true})
			return
		}

		if err == nil {
			continue
		}

		if errors.Is(err, net.ErrClosed) {
			// Closed from our side during teardown; the engine
			// already knows.
			return
		}

		if errors.Is(err, io.EOF) {
			d.depart(departure{peer: p})
			return
		}

		d.depart(departure{peer: p, err: err})
		return
	}
}

func (d *Daemon) depart(dep departure) {
	select {
	case d.departures <- dep:
	case <-d.engine.Dying():
	}
}
