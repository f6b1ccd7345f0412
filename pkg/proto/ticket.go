package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/fogmesh/fog/pkg/entry"
)

// Binary ticket layout (all integers big-endian):
//
//	[1 byte: type] [16 bytes: op ID] [16 bytes: store ID] [8 bytes: created ticks] [2 bytes: entry count N]
//	N x ([2 bytes: record length] [entry record])
const (
	idSize            = 16
	ticketHeaderSize  = 1 + idSize + idSize + 8 + 2
	recordLengthSize  = 2
	MaxTicketEntries  = math.MaxUint16
	MaxEntryRecordLen = math.MaxUint16
)

// ErrDecode is returned when a serialized ticket is truncated or malformed.
var ErrDecode = errors.New("ticket decode error")

// TicketType identifies what a ticket asks the receiver to do.
type TicketType uint8

const (
	// TicketHashList carries a store's full inventory.
	TicketHashList TicketType = 0
	// TicketFileRepair carries the single entry a relay peer must serve.
	TicketFileRepair TicketType = 1
)

func (t TicketType) String() string {
	switch t {
	case TicketHashList:
		return "hash_list"
	case TicketFileRepair:
		return "file_repair"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Ticket is one unit of work exchanged between nodes. Tickets are treated as
// immutable once minted.
type Ticket struct {
	Type    TicketType
	OpID    uuid.UUID
	StoreID uuid.UUID
	Created time.Time
	Entries []*entry.Entry
}

// NewHashList mints an inventory ticket for storeID.
func NewHashList(storeID uuid.UUID, entries []*entry.Entry) *Ticket {
	return newTicket(TicketHashList, storeID, entries)
}

// NewFileRepair mints a repair ticket for a single entry held by storeID.
func NewFileRepair(storeID uuid.UUID, e *entry.Entry) *Ticket {
	return newTicket(TicketFileRepair, storeID, []*entry.Entry{e})
}

func newTicket(typ TicketType, storeID uuid.UUID, entries []*entry.Entry) *Ticket {
	list := make([]*entry.Entry, len(entries))
	copy(list, entries)
	return &Ticket{
		Type:    typ,
		OpID:    uuid.New(),
		StoreID: storeID,
		Created: entry.FromTicks(entry.ToTicks(time.Now())),
		Entries: list,
	}
}

// Entry returns the first entry, which is the repair target of a FileRepair ticket.
func (t *Ticket) Entry() (*entry.Entry, bool) {
	if len(t.Entries) == 0 {
		return nil, false
	}
	return t.Entries[0], true
}

// MarshalBinary serializes the ticket.
func (t *Ticket) MarshalBinary() ([]byte, error) {
	if len(t.Entries) > MaxTicketEntries {
		return nil, fmt.Errorf("ticket has %d entries, limit is %d", len(t.Entries), MaxTicketEntries)
	}

	records := make([][]byte, len(t.Entries))
	size := ticketHeaderSize
	for i, e := range t.Entries {
		rec, err := e.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("encode entry %s: %w", e.Path(), err)
		}
		if len(rec) > MaxEntryRecordLen {
			return nil, fmt.Errorf("entry %s record is %d bytes, limit is %d", e.Path(), len(rec), MaxEntryRecordLen)
		}
		records[i] = rec
		size += recordLengthSize + len(rec)
	}

	buf := make([]byte, size)
	buf[0] = byte(t.Type)
	copy(buf[1:17], t.OpID[:])
	copy(buf[17:33], t.StoreID[:])
	binary.BigEndian.PutUint64(buf[33:41], uint64(entry.ToTicks(t.Created)))
	binary.BigEndian.PutUint16(buf[41:43], uint16(len(records)))

	off := ticketHeaderSize
	for _, rec := range records {
		binary.BigEndian.PutUint16(buf[off:off+recordLengthSize], uint16(len(rec)))
		off += recordLengthSize
		off += copy(buf[off:], rec)
	}
	return buf, nil
}

// UnmarshalTicket parses a ticket produced by MarshalBinary. Any truncation,
// unknown type, trailing data or bad entry record yields an error wrapping ErrDecode.
func UnmarshalTicket(data []byte) (*Ticket, error) {
	if len(data) < ticketHeaderSize {
		return nil, fmt.Errorf("%w: header needs %d bytes, got %d", ErrDecode, ticketHeaderSize, len(data))
	}

	t := &Ticket{Type: TicketType(data[0])}
	if t.Type != TicketHashList && t.Type != TicketFileRepair {
		return nil, fmt.Errorf("%w: unknown ticket type %d", ErrDecode, data[0])
	}
	copy(t.OpID[:], data[1:17])
	copy(t.StoreID[:], data[17:33])
	t.Created = entry.FromTicks(int64(binary.BigEndian.Uint64(data[33:41])))
	count := int(binary.BigEndian.Uint16(data[41:43]))

	t.Entries = make([]*entry.Entry, 0, count)
	off := ticketHeaderSize
	for i := 0; i < count; i++ {
		if len(data)-off < recordLengthSize {
			return nil, fmt.Errorf("%w: entry %d length truncated", ErrDecode, i)
		}
		n := int(binary.BigEndian.Uint16(data[off : off+recordLengthSize]))
		off += recordLengthSize
		if len(data)-off < n {
			return nil, fmt.Errorf("%w: entry %d needs %d bytes, %d left", ErrDecode, i, n, len(data)-off)
		}
		e, err := entry.Decode(data[off : off+n])
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrDecode, i, err)
		}
		t.Entries = append(t.Entries, e)
		off += n
	}

	if off != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrDecode, len(data)-off)
	}
	if t.Type == TicketFileRepair && len(t.Entries) != 1 {
		return nil, fmt.Errorf("%w: file repair ticket carries %d entries", ErrDecode, len(t.Entries))
	}
	return t, nil
}
