package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	tomb "gopkg.in/tomb.v2"

	"github.com/famez/ivshmsg/ivshmsgd/endpoints"
	"github.com/famez/ivshmsg/ivshmsgd/mailbox"
	"github.com/famez/ivshmsg/ivshmsgd/notify"
	"github.com/famez/ivshmsg/ivshmsgd/registry"
	"github.com/famez/ivshmsg/ivshmsgd/request"
	"github.com/famez/ivshmsg/shared/logger"
)

// protocolVersion is frame 5a of every handshake. An intentional mismatch
// (the abort frame) is how the server bounces a client it cannot admit.
const protocolVersion = 0

// A Daemon is the hub: it owns the listen socket, the mailbox region, the
// peer registry and the server's own notifier vector. All mutable state is
// serialized on the engine goroutine; there are no locks around it.
type Daemon struct {
	config     *DaemonConfig
	instanceID string

	serverID int
	nEvents  int

	mbox     *mailbox.Mailbox
	reg      *registry.Registry[*peer]
	endpoint *endpoints.Endpoint
	handler  request.Handler

	// The server's own pseudo-peer vector and the poller-backed files its
	// watcher goroutines block on. Both are nil in silent mode.
	vector  []*notify.Notifier
	readers []*os.File

	notifications chan notification
	departures    chan departure
	console       chan func()

	engine tomb.Tomb

	// Closed when basic setup is completed.
	setupChan chan struct{}
	started   bool

	stopOnce sync.Once
	stopErr  error
}

// DaemonConfig holds the recognized options.
type DaemonConfig struct {
	SocketPath  string // Path for the listen socket.
	MailboxName string // Name of the shm object.
	MailboxDir  string // Directory holding the shm object.
	NClients    int    // Client capacity N; ids 1..N, server at N+1.
	Silent      bool   // Do not participate in messaging.
	Recycle     bool   // Park disconnected peers' vectors for reconnects.
	Foreground  bool   // Log to stderr and run the Commander.
	LogFile     string // Log destination when not foregrounded.
	Verbose     bool   // Debug logging.
	NodeName    string // Name written into mailbox slots the server fills.

	// Handler receives dispatched requests. Defaults to the stock switch.
	Handler request.Handler
}

type notification struct {
	num   int
	value uint64
}

type departure struct {
	peer  *peer
	err   error
	stray bool
}

func defaultDaemonConfig() *DaemonConfig {
	return &DaemonConfig{
		SocketPath:  "/tmp/ivshmsg_socket",
		MailboxName: "ivshmsg_mailbox",
		MailboxDir:  mailbox.ShmDir,
		NClients:    2,
		LogFile:     "/tmp/ivshmsg_log",
		NodeName:    "z-server",
	}
}

// newDaemon returns a new, unstarted Daemon with the given configuration.
func newDaemon(config *DaemonConfig) *Daemon {
	return &Daemon{
		config:        config,
		instanceID:    uuid.New().String(),
		serverID:      config.NClients + 1,
		nEvents:       config.NClients + 2,
		notifications: make(chan notification, config.NClients+2),
		departures:    make(chan departure, config.NClients),
		console:       make(chan func()),
		setupChan:     make(chan struct{}),
	}
}

// Start brings up the mailbox, the server vector and the listen socket,
// then launches the engine. Failures here preclude serving anyone and are
// therefore fatal to the caller.
func (d *Daemon) Start() error {
	var err error

	d.mbox, err = mailbox.OpenAt(d.config.MailboxDir, d.config.MailboxName, d.config.NClients, mailbox.DefaultSlotSize, d.config.NodeName)
	if err != nil {
		return fmt.Errorf("Failed to open mailbox: %w", err)
	}

	d.reg = registry.New[*peer](d.config.NClients)

	if !d.config.Silent {
		d.vector, err = notify.NewVector(d.nEvents)
		if err != nil {
			_ = d.mbox.Close()
			return fmt.Errorf("Failed to create server notifiers: %w", err)
		}

		// Arming these before any peer knows the fds is not a race:
		// nobody holds a trigger yet. Index 0 stays unarmed, it is the
		// globals slot.
		for _, n := range d.vector[1:] {
			f, err := n.File()
			if err != nil {
				d.closeNotifiers()
				_ = d.mbox.Close()
				return fmt.Errorf("Failed to arm server notifier %d: %w", n.Num, err)
			}

			d.readers = append(d.readers, f)
			num := n.Num
			go d.watchNotifier(f, num)
		}

		// The server's own slot carries its node name from the start.
		err = d.mbox.Fill(d.serverID, nil)
		if err != nil {
			d.closeNotifiers()
			_ = d.mbox.Close()
			return fmt.Errorf("Failed to initialize server mailbox slot: %w", err)
		}

		d.handler = d.config.Handler
		if d.handler == nil {
			d.handler = request.NewSwitch(d.mbox)
		}
	}

	d.endpoint, err = endpoints.Listen(d.config.SocketPath)
	if err != nil {
		d.closeNotifiers()
		_ = d.mbox.Close()
		return fmt.Errorf("Failed to bind listen socket: %w", err)
	}

	d.engine.Go(d.run)
	d.started = true
	close(d.setupChan)

	logger.Info("Server listening", logger.Ctx{
		"socket":   d.config.SocketPath,
		"mailbox":  d.config.MailboxName,
		"serverID": d.serverID,
		"capacity": d.config.NClients,
		"instance": d.instanceID,
	})

	return nil
}

// watchNotifier blocks on the poller-registered dup of one server notifier
// and forwards each accumulated count to the engine. The read itself is the
// drain: the dup shares the eventfd object.
func (d *Daemon) watchNotifier(f *os.File, num int) {
	var buf [8]byte
	for {
		n, err := f.Read(buf[:])
		if err != nil || n != 8 {
			return
		}

		value := binary.LittleEndian.Uint64(buf[:])

		select {
		case d.notifications <- notification{num: num, value: value}:
		case <-d.engine.Dying():
			return
		}
	}
}

// run is the engine loop. Accepts, notifier callbacks, departures and
// console commands all interleave here and nowhere else.
func (d *Daemon) run() error {
	for {
		select {
		case <-d.engine.Dying():
			d.teardownPeers()
			return nil

		case conn := <-d.endpoint.Conns():
			d.admit(conn)

		case n := <-d.notifications:
			d.dispatch(n)

		case dep := <-d.departures:
			d.disconnect(dep)

		case f := <-d.console:
			f()
		}
	}
}

// teardownPeers closes every peer socket in registry order and releases
// their notifier vectors. Runs on the engine goroutine during shutdown.
func (d *Daemon) teardownPeers() {
	for _, p := range d.reg.All() {
		_ = p.conn.Close()
		notify.CloseVector(p.vector)
		d.reg.Remove(p)
	}
}

func (d *Daemon) closeNotifiers() {
	// Readers are unregistered before the notifier fds close.
	for _, f := range d.readers {
		_ = f.Close()
	}
	d.readers = nil

	notify.CloseVector(d.vector)
	d.vector = nil
}

// Dead is closed once the engine has fully stopped, whether through Stop or
// a Commander quit.
func (d *Daemon) Dead() <-chan struct{} {
	return d.engine.Dead()
}

// Stop shuts the daemon down: listener first, then the engine (which closes
// every peer in registry order), then notifier readers, notifiers and the
// mailbox. Idempotent.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		logger.Info("Shutting down", logger.Ctx{"instance": d.instanceID})

		if d.endpoint != nil {
			d.stopErr = d.endpoint.Close()
		}

		if d.started {
			d.engine.Kill(nil)
			err := d.engine.Wait()
			if err != nil && d.stopErr == nil {
				d.stopErr = err
			}
		}

		d.closeNotifiers()

		if d.mbox != nil {
			err := d.mbox.Close()
			if err != nil && d.stopErr == nil {
				d.stopErr = err
			}
		}
	})

	return d.stopErr
}
