package main

import (
	"github.com/famez/ivshmsg/ivshmsgd/ivmsg"
	"github.com/famez/ivshmsg/ivshmsgd/notify"
	"github.com/famez/ivshmsg/shared/logger"
)

// dispatch is the receive path: server notifier num fired, so peer num has
// filled its mailbox slot and wants the server.
func (d *Daemon) dispatch(n notification) {
	requesterID := n.num

	name, payload, err := d.mbox.Retrieve(requesterID)
	if err != nil {
		logger.Error("Mailbox retrieve failed", logger.Ctx{"slot": requesterID, "err": err})
		return
	}

	// The requester can die between its signal and this callback.
	p, ok := d.reg.Find(requesterID)
	if !ok {
		logger.Warn("Disappearing act", logger.Ctx{"id": requesterID})
		return
	}

	p.nodeName = name

	logger.Debug("Request", logger.Ctx{
		"from":    name,
		"id":      requesterID,
		"request": string(payload),
		"len":     len(payload),
		"signals": n.value,
	})

	responder := p.vector[d.serverID]

	err = d.handler.Handle(payload, p, d.serverID, responder)
	if err != nil {
		logger.Error("Request handler failed", logger.Ctx{"id": requesterID, "err": err})
	}
}

// disconnect runs the departure lifecycle for an admitted peer. Safe to
// call twice for the same peer; the second call finds it gone and returns.
func (d *Daemon) disconnect(dep departure) {
	p := dep.peer

	current, ok := d.reg.Find(p.id)
	if !ok || current != p {
		return
	}

	switch {
	case dep.stray:
		logger.Warn("Stray bytes from peer post-handshake, closing", logger.Ctx{"id": p.id})
	case dep.err != nil:
		logger.Warn("Dirty disconnect", logger.Ctx{"id": p.id, "err": dep.err})
	default:
		logger.Info("Clean disconnect", logger.Ctx{"id": p.id})
	}

	d.reg.Remove(p)

	if d.config.Recycle {
		d.reg.Recycle(p)
		_ = p.conn.Close()
		return
	}

	// Tell the survivors: the id without an fd is the death notice.
	for _, q := range d.reg.All() {
		err := ivmsg.Send(q.conn, int64(p.id), ivmsg.NoFD)
		if err != nil {
			logger.Warn("Death notice failed", logger.Ctx{"to": q.id, "about": p.id, "err": err})
		}
	}

	notify.CloseVector(p.vector)
	d.mbox.ClearSlot(p.id)
	_ = p.conn.Close()
}
