// Package protocol implements the binary voice packet framing. Every packet
// starts with a one-byte type ID followed by a type-specific payload; all
// multi-byte integers are big-endian, UUIDs are raw 16-byte values and
// variable-length fields carry a 2-byte length prefix.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Type identifies a packet on the wire
type Type byte

const (
	TypeAudioData            Type = 0x01
	TypeStateUpdate          Type = 0x02
	TypeGroupUpdate          Type = 0x03
	TypePlayerVolumeUpdate   Type = 0x04
	TypeActivationModeChange Type = 0x05
)

// GroupUpdate actions
const (
	GroupActionJoin   byte = 0x00
	GroupActionLeave  byte = 0x01
	GroupActionCreate byte = 0x02
	GroupActionDelete byte = 0x03
)

// StateUpdate bitflags
const (
	FlagSpeaking   byte = 1 << 0
	FlagMuted      byte = 1 << 1
	FlagDeafened   byte = 1 << 2
	FlagWhispering byte = 1 << 3
)

var (
	ErrTruncated   = errors.New("packet truncated")
	ErrUnknownType = errors.New("unknown packet type")
)

// Packet is one wire message. Unmarshal receives the payload without the
// leading type byte.
type Packet interface {
	Type() Type
	Marshal() ([]byte, error)
	Unmarshal(payload []byte) error
}

// Encode frames a packet as type byte plus payload
func Encode(p Packet) ([]byte, error) {
	payload, err := p.Marshal()
	if err != nil {
		return nil, err
	}

	out := make([]byte, 1+len(payload))
	out[0] = byte(p.Type())
	copy(out[1:], payload)
	return out, nil
}

// Decode parses a framed packet
func Decode(data []byte) (Packet, error) {
	if len(data) < 1 {
		return nil, ErrTruncated
	}

	var p Packet
	switch Type(data[0]) {
	case TypeAudioData:
		p = &AudioData{}
	case TypeStateUpdate:
		p = &StateUpdate{}
	case TypeGroupUpdate:
		p = &GroupUpdate{}
	case TypePlayerVolumeUpdate:
		p = &PlayerVolumeUpdate{}
	case TypeActivationModeChange:
		p = &ActivationModeChange{}
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, data[0])
	}

	if err := p.Unmarshal(data[1:]); err != nil {
		return nil, err
	}
	return p, nil
}

// AudioData carries one encoded audio frame from a speaker
type AudioData struct {
	SpeakerID uuid.UUID
	Sequence  uint64
	Whisper   bool
	Volume    float32
	Data      []byte
}

func (p *AudioData) Type() Type { return TypeAudioData }

func (p *AudioData) Marshal() ([]byte, error) {
	if len(p.Data) > math.MaxUint16 {
		return nil, fmt.Errorf("audio payload too large: %d bytes", len(p.Data))
	}

	buf := &bytes.Buffer{}
	buf.Write(p.SpeakerID[:])
	binary.Write(buf, binary.BigEndian, p.Sequence)
	buf.WriteByte(boolByte(p.Whisper))
	binary.Write(buf, binary.BigEndian, p.Volume)
	binary.Write(buf, binary.BigEndian, uint16(len(p.Data)))
	buf.Write(p.Data)
	return buf.Bytes(), nil
}

func (p *AudioData) Unmarshal(payload []byte) error {
	r := reader{data: payload}

	r.uuid(&p.SpeakerID)
	p.Sequence = r.uint64()
	p.Whisper = r.byte() != 0
	p.Volume = r.float32()
	p.Data = r.bytes()

	return r.err
}

// StateUpdate broadcasts a player's voice status flags
type StateUpdate struct {
	PlayerID       uuid.UUID
	Speaking       bool
	Muted          bool
	Deafened       bool
	Whispering     bool
	ActivationMode byte
}

func (p *StateUpdate) Type() Type { return TypeStateUpdate }

func (p *StateUpdate) Marshal() ([]byte, error) {
	var flags byte
	if p.Speaking {
		flags |= FlagSpeaking
	}
	if p.Muted {
		flags |= FlagMuted
	}
	if p.Deafened {
		flags |= FlagDeafened
	}
	if p.Whispering {
		flags |= FlagWhispering
	}

	out := make([]byte, 0, 18)
	out = append(out, p.PlayerID[:]...)
	out = append(out, flags, p.ActivationMode)
	return out, nil
}

func (p *StateUpdate) Unmarshal(payload []byte) error {
	r := reader{data: payload}

	r.uuid(&p.PlayerID)
	flags := r.byte()
	p.ActivationMode = r.byte()
	if r.err != nil {
		return r.err
	}

	p.Speaking = flags&FlagSpeaking != 0
	p.Muted = flags&FlagMuted != 0
	p.Deafened = flags&FlagDeafened != 0
	p.Whispering = flags&FlagWhispering != 0
	return nil
}

// GroupUpdate announces a group membership change
type GroupUpdate struct {
	GroupID   string
	GroupName string
	Action    byte
	PlayerID  uuid.UUID
}

func (p *GroupUpdate) Type() Type { return TypeGroupUpdate }

func (p *GroupUpdate) Marshal() ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := writeString(buf, p.GroupID); err != nil {
		return nil, err
	}
	if err := writeString(buf, p.GroupName); err != nil {
		return nil, err
	}
	buf.WriteByte(p.Action)
	buf.Write(p.PlayerID[:])
	return buf.Bytes(), nil
}

func (p *GroupUpdate) Unmarshal(payload []byte) error {
	r := reader{data: payload}

	p.GroupID = r.string()
	p.GroupName = r.string()
	p.Action = r.byte()
	r.uuid(&p.PlayerID)

	return r.err
}

// PlayerVolumeUpdate sets the sender's volume override for one target
type PlayerVolumeUpdate struct {
	TargetID uuid.UUID
	Volume   float32
}

func (p *PlayerVolumeUpdate) Type() Type { return TypePlayerVolumeUpdate }

func (p *PlayerVolumeUpdate) Marshal() ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.Write(p.TargetID[:])
	binary.Write(buf, binary.BigEndian, p.Volume)
	return buf.Bytes(), nil
}

func (p *PlayerVolumeUpdate) Unmarshal(payload []byte) error {
	r := reader{data: payload}

	r.uuid(&p.TargetID)
	p.Volume = r.float32()

	return r.err
}

// ActivationModeChange switches the sender's activation mode
type ActivationModeChange struct {
	Mode byte
}

func (p *ActivationModeChange) Type() Type { return TypeActivationModeChange }

func (p *ActivationModeChange) Marshal() ([]byte, error) {
	return []byte{p.Mode}, nil
}

func (p *ActivationModeChange) Unmarshal(payload []byte) error {
	r := reader{data: payload}
	p.Mode = r.byte()
	return r.err
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("string too large: %d bytes", len(s))
	}
	binary.Write(buf, binary.BigEndian, uint16(len(s)))
	buf.WriteString(s)
	return nil
}

// reader is a cursor over a payload that latches the first decode error so
// packet fields can be read without per-field error checks.
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.pos+n > len(r.data) {
		r.err = ErrTruncated
		return nil
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out
}

func (r *reader) byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) float32() float32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return math.Float32frombits(binary.BigEndian.Uint32(b))
}

func (r *reader) uuid(dst *uuid.UUID) {
	b := r.take(16)
	if b == nil {
		return
	}
	copy(dst[:], b)
}

func (r *reader) bytes() []byte {
	b := r.take(2)
	if b == nil {
		return nil
	}
	n := int(binary.BigEndian.Uint16(b))
	body := r.take(n)
	if body == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, body)
	return out
}

func (r *reader) string() string {
	return string(r.bytes())
}
