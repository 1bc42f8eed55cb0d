// Package mailbox manages the shared-memory region through which peers
// exchange messages. The region is a POSIX shm object of slot_size *
// (nClients+2) bytes. Slot 0 holds globals (slot count and slot size); slot
// i is written by peer i and read by whoever that peer wakes through a
// notifier. Writers are single-peer-per-slot by convention, the notifier
// drain provides the happens-before edge for readers.
package mailbox

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const (
	// ShmDir is where POSIX shm objects live on Linux.
	ShmDir = "/dev/shm"

	// NodeNameSize is the fixed width of the NUL-padded node-name field
	// at the start of every peer slot.
	NodeNameSize = 32

	// DefaultSlotSize leaves 32+4 bytes of header and the rest as
	// message payload.
	DefaultSlotSize = 512

	lengthOffset  = NodeNameSize
	payloadOffset = NodeNameSize + 4

	// GlobalSlot is reserved for region parameters, never a peer mailbox.
	GlobalSlot = 0
)

// ErrTruncated reports a Fill whose message exceeded the payload capacity.
// The truncated prefix is still written.
var ErrTruncated = errors.New("mailbox message truncated")

// Mailbox is an open, mmapped shm region. The nodename is the name this
// process writes into slots it fills.
type Mailbox struct {
	name     string
	path     string
	nodename string
	fd       int
	mem      []byte
	nSlots   int
	slotSize int
}

// Open creates (or re-opens) the shm object under /dev/shm.
func Open(name string, nClients int, slotSize int, nodename string) (*Mailbox, error) {
	return OpenAt(ShmDir, name, nClients, slotSize, nodename)
}

// OpenAt is Open against an explicit directory. It sizes the object, writes
// the slot 0 globals and zero-fills the peer slots, so re-opening with the
// same name after a restart yields a clean region.
func OpenAt(dir string, name string, nClients int, slotSize int, nodename string) (*Mailbox, error) {
	if slotSize <= payloadOffset {
		return nil, fmt.Errorf("Slot size %d cannot hold the slot header", slotSize)
	}

	nSlots := nClients + 2
	size := nSlots * slotSize
	path := filepath.Join(dir, name)

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o666)
	if err != nil {
		return nil, fmt.Errorf("Failed to open shm object %q: %w", path, err)
	}

	err = unix.Ftruncate(fd, int64(size))
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("Failed to size shm object %q to %d: %w", path, size, err)
	}

	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("Failed to map shm object %q: %w", path, err)
	}

	m := &Mailbox{
		name:     name,
		path:     path,
		nodename: nodename,
		fd:       fd,
		mem:      mem,
		nSlots:   nSlots,
		slotSize: slotSize,
	}

	// A known-clean state for every peer slot, then the globals.
	for i := GlobalSlot + 1; i < nSlots; i++ {
		m.ClearSlot(i)
	}

	globals := m.slot(GlobalSlot)
	for i := range globals {
		globals[i] = 0
	}

	binary.LittleEndian.PutUint32(globals[0:], uint32(nSlots))
	binary.LittleEndian.PutUint32(globals[4:], uint32(slotSize))

	return m, nil
}

// Fd is the descriptor clients receive during the handshake so they can
// mmap the region themselves.
func (m *Mailbox) Fd() int {
	return m.fd
}

// Name is the shm object name.
func (m *Mailbox) Name() string {
	return m.name
}

// SlotCount is the number of slots including the globals slot.
func (m *Mailbox) SlotCount() int {
	return m.nSlots
}

// SlotSize is the byte size of one slot.
func (m *Mailbox) SlotSize() int {
	return m.slotSize
}

// PayloadSize is the message capacity of one slot.
func (m *Mailbox) PayloadSize() int {
	return m.slotSize - payloadOffset
}

func (m *Mailbox) slot(id int) []byte {
	return m.mem[id*m.slotSize : (id+1)*m.slotSize]
}

func (m *Mailbox) checkSlot(id int) error {
	if id <= GlobalSlot || id >= m.nSlots {
		return fmt.Errorf("Slot id %d out of range 1..%d", id, m.nSlots-1)
	}

	return nil
}

// Fill writes this process's node name and msg into slot id. A message
// larger than the payload capacity is truncated and ErrTruncated returned;
// the write still happens. Payload first, length last, so a reader woken
// afterwards sees a coherent slot.
func (m *Mailbox) Fill(id int, msg []byte) error {
	err := m.checkSlot(id)
	if err != nil {
		return err
	}

	truncated := false
	if len(msg) > m.PayloadSize() {
		msg = msg[:m.PayloadSize()]
		truncated = true
	}

	slot := m.slot(id)

	name := slot[:NodeNameSize]
	for i := range name {
		name[i] = 0
	}
	copy(name, m.nodename)

	copy(slot[payloadOffset:], msg)
	binary.LittleEndian.PutUint32(slot[lengthOffset:], uint32(len(msg)))

	if truncated {
		return ErrTruncated
	}

	return nil
}

// Retrieve reads slot id, returning the node name and message currently
// stored there.
func (m *Mailbox) Retrieve(id int) (string, []byte, error) {
	err := m.checkSlot(id)
	if err != nil {
		return "", nil, err
	}

	slot := m.slot(id)

	name := slot[:NodeNameSize]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}

	length := binary.LittleEndian.Uint32(slot[lengthOffset:])
	if int(length) > m.PayloadSize() {
		return "", nil, fmt.Errorf("Corrupt slot %d: length %d exceeds payload size", id, length)
	}

	msg := make([]byte, length)
	copy(msg, slot[payloadOffset:payloadOffset+int(length)])

	return string(name), msg, nil
}

// ClearSlot zeros slot id, used when its owner disconnects.
func (m *Mailbox) ClearSlot(id int) {
	if id <= GlobalSlot || id >= m.nSlots {
		return
	}

	slot := m.slot(id)
	for i := range slot {
		slot[i] = 0
	}
}

// Close unmaps and closes the region. The shm object itself stays in the
// namespace for other holders; see Unlink.
func (m *Mailbox) Close() error {
	if m.mem != nil {
		err := unix.Munmap(m.mem)
		if err != nil {
			return fmt.Errorf("Failed to unmap shm object %q: %w", m.path, err)
		}

		m.mem = nil
	}

	if m.fd >= 0 {
		_ = unix.Close(m.fd)
		m.fd = -1
	}

	return nil
}

// Unlink removes the shm object from the namespace.
func (m *Mailbox) Unlink() error {
	err := unix.Unlink(m.path)
	if err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("Failed to unlink shm object %q: %w", m.path, err)
	}

	return nil
}
