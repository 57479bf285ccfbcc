// Package msg defines the fleet wire protocol: message tags, the framed
// binary encoding used by the TCP transport, and the protocol constants
// shared by master and workers.
package msg

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Tag identifies the kind of a fleet message. The numeric values are the
// wire protocol and must not be renumbered.
type Tag uint8

const (
	StartPrefixTask   Tag = 0
	Kill              Tag = 1
	Finish            Tag = 2
	Offload           Tag = 3
	OffloadResp       Tag = 4
	BugFound          Tag = 5
	Timeout           Tag = 6
	NormalTask        Tag = 7
	KillComp          Tag = 8
	ReadyToOffload    Tag = 9
	NotReadyToOffload Tag = 10
)

// OffloadSentinelLen is the threshold for an empty offload response: a
// payload of this length or shorter means the donor had nothing to give.
// Protocol constant, inherited as-is.
const OffloadSentinelLen = 4

// PadByte fills the payload of messages whose tag is the whole signal.
// Zero-length payloads never travel.
const PadByte = 0x78

var tagNames = map[Tag]string{
	StartPrefixTask:   "START_PREFIX_TASK",
	Kill:              "KILL",
	Finish:            "FINISH",
	Offload:           "OFFLOAD",
	OffloadResp:       "OFFLOAD_RESP",
	BugFound:          "BUG_FOUND",
	Timeout:           "TIMEOUT",
	NormalTask:        "NORMAL_TASK",
	KillComp:          "KILL_COMP",
	ReadyToOffload:    "READY_TO_OFFLOAD",
	NotReadyToOffload: "NOT_READY_TO_OFFLOAD",
}

func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TAG(%d)", uint8(t))
}

// Valid reports whether t is a known protocol tag.
func (t Tag) Valid() bool {
	_, ok := tagNames[t]
	return ok
}

// Message is a single fleet message. Source is the sender's rank; the
// payload length is authoritative and self-describing (a prefix's byte
// count is its depth).
type Message struct {
	Tag     Tag
	Source  int
	Payload []byte
}

// Pad returns the one-byte payload used when the tag carries the signal.
func Pad() []byte {
	return []byte{PadByte}
}

// MaxPayload bounds a single frame. Prefixes are one byte per branch, so
// even pathological trees stay far below this.
const MaxPayload = 16 << 20

// frame layout: tag(1) | source(4) | length(4) | payload(length), big-endian.
const headerLen = 9

// Write encodes m onto w as a single frame.
func Write(w io.Writer, m Message) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("msg: refusing to send zero-length payload (tag %s)", m.Tag)
	}
	if len(m.Payload) > MaxPayload {
		return fmt.Errorf("msg: payload too large: %d bytes", len(m.Payload))
	}
	var hdr [headerLen]byte
	hdr[0] = byte(m.Tag)
	binary.BigEndian.PutUint32(hdr[1:5], uint32(m.Source))
	binary.BigEndian.PutUint32(hdr[5:9], uint32(len(m.Payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("msg: write header: %w", err)
	}
	if _, err := w.Write(m.Payload); err != nil {
		return fmt.Errorf("msg: write payload: %w", err)
	}
	return nil
}

// Read decodes one frame from r.
func Read(r io.Reader) (Message, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	m := Message{
		Tag:    Tag(hdr[0]),
		Source: int(binary.BigEndian.Uint32(hdr[1:5])),
	}
	n := binary.BigEndian.Uint32(hdr[5:9])
	if n == 0 || n > MaxPayload {
		return Message{}, fmt.Errorf("msg: bad frame length %d", n)
	}
	m.Payload = make([]byte, n)
	if _, err := io.ReadFull(r, m.Payload); err != nil {
		return Message{}, fmt.Errorf("msg: read payload: %w", err)
	}
	if !m.Tag.Valid() {
		return Message{}, fmt.Errorf("msg: unknown tag %d from rank %d", hdr[0], m.Source)
	}
	return m, nil
}
