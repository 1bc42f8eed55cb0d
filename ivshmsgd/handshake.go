package main

import (
	"errors"
	"net"

	"github.com/famez/ivshmsg/ivshmsgd/ivmsg"
	"github.com/famez/ivshmsg/ivshmsgd/notify"
	"github.com/famez/ivshmsg/ivshmsgd/registry"
	"github.com/famez/ivshmsg/shared/logger"
)

// admit drives a new connection through the descriptor-exchange script.
// Runs on the engine goroutine, so the numbered steps are strictly ordered
// and no other admission or disconnect interleaves.
//
// The script, after id assignment:
//
//	5. initial-info triplet: version, assigned id, -1 + mailbox fd
//	6. advertise the new peer's vector to every admitted peer (skipped
//	   when the vector was adopted from the recycle table)
//	7. advertise every admitted peer's vector to the new peer
//	8. advertise the server's own vector to the new peer (non-silent)
//	9. sentinel batch: the new peer's own vector, embedded id == its id
func (d *Daemon) admit(conn *net.UnixConn) {
	id, err := d.reg.AllocateID()
	if err != nil {
		if errors.Is(err, registry.ErrOverflow) {
			// Expected under load, not an error-level event.
			logger.Info("Max clients reached, rejecting connection", logger.Ctx{"capacity": d.config.NClients})
		} else {
			logger.Error("Id allocation failed", logger.Ctx{"err": err})
		}

		_ = ivmsg.SendAbort(conn)
		_ = conn.Close()
		return
	}

	p := &peer{id: id, conn: conn, cclass: "client"}

	recycled, ok := d.reg.Reclaim(id)
	if ok {
		p.vector = recycled.vector
		p.adopted = true
	} else {
		p.vector, err = notify.NewVector(d.nEvents)
		if err != nil {
			logger.Error("Event notifiers failed", logger.Ctx{"id": id, "err": err})
			_ = ivmsg.SendAbort(conn)
			d.reg.Release(id)
			_ = conn.Close()
			return
		}
	}

	logger.Info("Peer connected", logger.Ctx{"id": id, "recycled": p.adopted})

	// Step 5: version, id, mailbox fd.
	err = d.sendInitialInfo(p)
	if err != nil {
		d.abortAdmission(p, err)
		return
	}

	// Step 6: the new peer's triggers go to everyone already admitted.
	// A recycled peer's triggers are already out there.
	if !p.adopted {
		for _, other := range d.reg.All() {
			err := d.advertise(other.conn, p.id, p.vector)
			if err != nil {
				// The broken transport is the other peer's;
				// abandon it, never the admission in flight.
				logger.Warn("Advertisement failed, dropping peer", logger.Ctx{"id": other.id, "err": err})
				d.disconnect(departure{peer: other, err: err})
			}
		}
	}

	// Step 7: everyone already admitted goes to the new peer.
	for _, other := range d.reg.All() {
		err = d.advertise(p.conn, other.id, other.vector)
		if err != nil {
			d.abortAdmission(p, err)
			return
		}
	}

	// Step 8: the server's pseudo-peer, silent mode excepted. To the
	// client it is just one more grouping in the previous batch.
	err = d.advertise(p.conn, d.serverID, d.vector)
	if err != nil {
		d.abortAdmission(p, err)
		return
	}

	// Step 9: the sentinel batch. The embedded id matching the one from
	// step 5 tells the client the handshake is over.
	err = d.advertise(p.conn, p.id, p.vector)
	if err != nil {
		d.abortAdmission(p, err)
		return
	}

	// Step 10.
	d.reg.Insert(p)
	p.admitted = true

	// Step 11: poke the newcomer with the initial attribute message.
	if !d.config.Silent {
		err = d.mbox.Fill(d.serverID, []byte("Link CTL Peer-Attribute"))
		if err != nil {
			logger.Warn("Attribute message fill failed", logger.Ctx{"err": err})
		} else {
			err = p.vector[d.serverID].Signal(1)
			if err != nil {
				logger.Warn("Attribute message signal failed", logger.Ctx{"id": p.id, "err": err})
			}
		}
	}

	go d.watch(p)

	logger.Info("Peer admitted", logger.Ctx{"id": p.id, "peers": d.reg.Len()})
}

// sendInitialInfo emits the fixed triplet that starts every handshake.
func (d *Daemon) sendInitialInfo(p *peer) error {
	err := ivmsg.Send(p.conn, protocolVersion, ivmsg.NoFD)
	if err != nil {
		return err
	}

	err = ivmsg.Send(p.conn, int64(p.id), ivmsg.NoFD)
	if err != nil {
		return err
	}

	return ivmsg.Send(p.conn, ivmsg.AbortValue, d.mbox.Fd())
}

// advertise sends one batch: (id, fd) for every notifier in the vector, in
// index order.
func (d *Daemon) advertise(conn *net.UnixConn, id int, vector []*notify.Notifier) error {
	for _, n := range vector {
		err := ivmsg.Send(conn, int64(id), n.TransmitFD())
		if err != nil {
			return err
		}
	}

	return nil
}

// abortAdmission tears down a connection that failed mid-handshake. The
// peer was never inserted, so nobody gets a death broadcast and the
// registry is untouched. An adopted vector goes back into the recycle
// table; a fresh one dies with the connection.
func (d *Daemon) abortAdmission(p *peer, err error) {
	logger.Warn("Handshake failed", logger.Ctx{"id": p.id, "err": err})

	if p.adopted && d.config.Recycle {
		d.reg.Recycle(p)
	} else {
		notify.CloseVector(p.vector)
	}

	d.reg.Release(p.id)
	_ = p.conn.Close()
}
