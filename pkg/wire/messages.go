// Package wire defines the veilsend wire protocol: message kinds, their
// binary encodings, and stream framing.
//
// Every frame is a 1-byte message type, a 4-byte big-endian payload length,
// and the payload. Two frame kinds travel in the clear, HandshakeInit and
// HandshakeResponse; everything else is a Sealed frame whose payload is a
// ratchet-encrypted inner message. The inner plaintext starts with its own
// kind byte, so chat, chunks, acks, typing indicators, ratchet steps and
// transfer control all share one encrypted envelope.
//
// All multi-byte integers are big-endian. Variable-length fields carry a
// 4-byte length prefix.
package wire

import (
	"encoding/binary"

	"github.com/veilsend/veilsend/internal/constants"
	verrors "github.com/veilsend/veilsend/internal/errors"
)

// MessageType identifies a frame or inner message kind.
type MessageType byte

// Clear frame kinds.
const (
	TypeHandshakeInit     MessageType = 0x01
	TypeHandshakeResponse MessageType = 0x02
	TypeSealed            MessageType = 0x03
)

// Inner kinds, carried inside a Sealed frame.
const (
	TypeRatchetStep     MessageType = 0x10
	TypeChatText        MessageType = 0x11
	TypeChunkData       MessageType = 0x12
	TypeChunkAck        MessageType = 0x13
	TypeTypingIndicator MessageType = 0x14
	TypeTransferControl MessageType = 0x15
)

func (t MessageType) String() string {
	switch t {
	case TypeHandshakeInit:
		return "HandshakeInit"
	case TypeHandshakeResponse:
		return "HandshakeResponse"
	case TypeSealed:
		return "Sealed"
	case TypeRatchetStep:
		return "RatchetStep"
	case TypeChatText:
		return "ChatText"
	case TypeChunkData:
		return "ChunkData"
	case TypeChunkAck:
		return "ChunkAck"
	case TypeTypingIndicator:
		return "TypingIndicator"
	case TypeTransferControl:
		return "TransferControl"
	default:
		return "Unknown"
	}
}

// ControlOp enumerates transfer control operations.
type ControlOp byte

const (
	ControlOffer    ControlOp = 0x01
	ControlAccept   ControlOp = 0x02
	ControlReject   ControlOp = 0x03
	ControlPause    ControlOp = 0x04
	ControlResume   ControlOp = 0x05
	ControlCancel   ControlOp = 0x06
	ControlComplete ControlOp = 0x07
)

// HandshakeInit opens a session. It carries the initiator's static hybrid
// public key, its first PQ ratchet encapsulation key, and the cipher suites
// it supports in preference order.
type HandshakeInit struct {
	Version    uint16
	SessionID  [constants.SessionIDSize]byte
	PublicKey  []byte // hybrid static public key
	RatchetKey []byte // ML-KEM ratchet encapsulation key
	Suites     []constants.CipherSuite
}

// HandshakeResponse completes a session. It carries the responder's static
// hybrid public key, the hybrid encapsulation against the initiator's key,
// the responder's ratchet key, and the single selected suite.
type HandshakeResponse struct {
	Version    uint16
	SessionID  [constants.SessionIDSize]byte
	PublicKey  []byte
	Ciphertext []byte // hybrid encapsulation
	RatchetKey []byte
	Suite      constants.CipherSuite
}

// Sealed is the encrypted envelope for all post-handshake traffic.
type Sealed struct {
	Epoch      uint32
	Counter    uint64
	Ciphertext []byte
}

// RatchetStep carries a sparse PQ ratchet step.
type RatchetStep struct {
	Epoch         uint32
	Encapsulation []byte
	NextPublicKey []byte
}

// ChatText is a text chat message.
type ChatText struct {
	Text string
}

// TypingIndicator signals whether the peer is composing.
type TypingIndicator struct {
	Active bool
}

// ChunkData carries one file chunk with its integrity checkpoint.
type ChunkData struct {
	TransferID  [constants.SessionIDSize]byte
	Index       uint64
	ContentHash [constants.ContentHashSize]byte
	Data        []byte
}

// ChunkAck acknowledges received chunks with a bitmap anchored at chunk
// zero, plus the receiver's current in-flight window.
type ChunkAck struct {
	TransferID [constants.SessionIDSize]byte
	Bitmap     []byte
	Window     uint32
}

// TransferControl negotiates and steers a transfer. Offer carries the file
// metadata; the other operations only need the transfer id.
type TransferControl struct {
	TransferID [constants.SessionIDSize]byte
	Op         ControlOp
	Name       string
	Size       uint64
	ChunkSize  uint32
	FileHash   [constants.ContentHashSize]byte
}

type encoder struct {
	buf []byte
}

func (e *encoder) u8(v byte)     { e.buf = append(e.buf, v) }
func (e *encoder) u16(v uint16)  { e.buf = binary.BigEndian.AppendUint16(e.buf, v) }
func (e *encoder) u32(v uint32)  { e.buf = binary.BigEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64)  { e.buf = binary.BigEndian.AppendUint64(e.buf, v) }
func (e *encoder) raw(b []byte)  { e.buf = append(e.buf, b...) }
func (e *encoder) blob(b []byte) { e.u32(uint32(len(b))); e.raw(b) }

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) fail() {
	if d.err == nil {
		d.err = verrors.ErrInvalidMessage
	}
}

func (d *decoder) u8() byte {
	if d.err != nil || len(d.buf) < 1 {
		d.fail()
		return 0
	}
	v := d.buf[0]
	d.buf = d.buf[1:]
	return v
}

func (d *decoder) u16() uint16 {
	if d.err != nil || len(d.buf) < 2 {
		d.fail()
		return 0
	}
	v := binary.BigEndian.Uint16(d.buf)
	d.buf = d.buf[2:]
	return v
}

func (d *decoder) u32() uint32 {
	if d.err != nil || len(d.buf) < 4 {
		d.fail()
		return 0
	}
	v := binary.BigEndian.Uint32(d.buf)
	d.buf = d.buf[4:]
	return v
}

func (d *decoder) u64() uint64 {
	if d.err != nil || len(d.buf) < 8 {
		d.fail()
		return 0
	}
	v := binary.BigEndian.Uint64(d.buf)
	d.buf = d.buf[8:]
	return v
}

func (d *decoder) raw(n int) []byte {
	if d.err != nil || len(d.buf) < n {
		d.fail()
		return nil
	}
	out := make([]byte, n)
	copy(out, d.buf[:n])
	d.buf = d.buf[n:]
	return out
}

func (d *decoder) blob() []byte {
	n := d.u32()
	if d.err != nil || uint64(n) > uint64(len(d.buf)) {
		d.fail()
		return nil
	}
	return d.raw(int(n))
}

func (d *decoder) done() error {
	if d.err != nil {
		return d.err
	}
	if len(d.buf) != 0 {
		return verrors.ErrInvalidMessage
	}
	return nil
}

// Marshal encodings. Each payload omits the frame header; framing is the
// codec's job.

func (m *HandshakeInit) Marshal() []byte {
	e := &encoder{}
	e.u16(m.Version)
	e.raw(m.SessionID[:])
	e.blob(m.PublicKey)
	e.blob(m.RatchetKey)
	e.u8(byte(len(m.Suites)))
	for _, s := range m.Suites {
		e.u16(uint16(s))
	}
	return e.buf
}

func UnmarshalHandshakeInit(data []byte) (*HandshakeInit, error) {
	d := &decoder{buf: data}
	m := &HandshakeInit{}
	m.Version = d.u16()
	copy(m.SessionID[:], d.raw(constants.SessionIDSize))
	m.PublicKey = d.blob()
	m.RatchetKey = d.blob()
	n := d.u8()
	for i := 0; i < int(n); i++ {
		m.Suites = append(m.Suites, constants.CipherSuite(d.u16()))
	}
	if err := d.done(); err != nil {
		return nil, err
	}
	if m.Version != constants.ProtocolVersion {
		return nil, verrors.ErrUnsupportedVersion
	}
	if len(m.PublicKey) != constants.HybridPublicKeySize ||
		len(m.RatchetKey) != constants.MLKEMPublicKeySize ||
		len(m.Suites) == 0 {
		return nil, verrors.ErrInvalidMessage
	}
	return m, nil
}

func (m *HandshakeResponse) Marshal() []byte {
	e := &encoder{}
	e.u16(m.Version)
	e.raw(m.SessionID[:])
	e.blob(m.PublicKey)
	e.blob(m.Ciphertext)
	e.blob(m.RatchetKey)
	e.u16(uint16(m.Suite))
	return e.buf
}

func UnmarshalHandshakeResponse(data []byte) (*HandshakeResponse, error) {
	d := &decoder{buf: data}
	m := &HandshakeResponse{}
	m.Version = d.u16()
	copy(m.SessionID[:], d.raw(constants.SessionIDSize))
	m.PublicKey = d.blob()
	m.Ciphertext = d.blob()
	m.RatchetKey = d.blob()
	m.Suite = constants.CipherSuite(d.u16())
	if err := d.done(); err != nil {
		return nil, err
	}
	if m.Version != constants.ProtocolVersion {
		return nil, verrors.ErrUnsupportedVersion
	}
	if len(m.PublicKey) != constants.HybridPublicKeySize ||
		len(m.Ciphertext) != constants.HybridCiphertextSize ||
		len(m.RatchetKey) != constants.MLKEMPublicKeySize {
		return nil, verrors.ErrInvalidMessage
	}
	if !m.Suite.IsSupported() {
		return nil, verrors.ErrUnsupportedCipherSuite
	}
	return m, nil
}

func (m *Sealed) Marshal() []byte {
	e := &encoder{}
	e.u32(m.Epoch)
	e.u64(m.Counter)
	e.blob(m.Ciphertext)
	return e.buf
}

func UnmarshalSealed(data []byte) (*Sealed, error) {
	d := &decoder{buf: data}
	m := &Sealed{}
	m.Epoch = d.u32()
	m.Counter = d.u64()
	m.Ciphertext = d.blob()
	if err := d.done(); err != nil {
		return nil, err
	}
	if len(m.Ciphertext) < constants.MinSealedSize {
		return nil, verrors.ErrInvalidMessage
	}
	return m, nil
}

func (m *RatchetStep) Marshal() []byte {
	e := &encoder{}
	e.u8(byte(TypeRatchetStep))
	e.u32(m.Epoch)
	e.blob(m.Encapsulation)
	e.blob(m.NextPublicKey)
	return e.buf
}

func (m *ChatText) Marshal() []byte {
	e := &encoder{}
	e.u8(byte(TypeChatText))
	e.blob([]byte(m.Text))
	return e.buf
}

func (m *TypingIndicator) Marshal() []byte {
	e := &encoder{}
	e.u8(byte(TypeTypingIndicator))
	if m.Active {
		e.u8(1)
	} else {
		e.u8(0)
	}
	return e.buf
}

func (m *ChunkData) Marshal() []byte {
	e := &encoder{}
	e.u8(byte(TypeChunkData))
	e.raw(m.TransferID[:])
	e.u64(m.Index)
	e.raw(m.ContentHash[:])
	e.blob(m.Data)
	return e.buf
}

func (m *ChunkAck) Marshal() []byte {
	e := &encoder{}
	e.u8(byte(TypeChunkAck))
	e.raw(m.TransferID[:])
	e.blob(m.Bitmap)
	e.u32(m.Window)
	return e.buf
}

func (m *TransferControl) Marshal() []byte {
	e := &encoder{}
	e.u8(byte(TypeTransferControl))
	e.raw(m.TransferID[:])
	e.u8(byte(m.Op))
	e.blob([]byte(m.Name))
	e.u64(m.Size)
	e.u32(m.ChunkSize)
	e.raw(m.FileHash[:])
	return e.buf
}

// Inner is any decoded inner message.
type Inner interface {
	Marshal() []byte
}

// UnmarshalInner decodes a decrypted inner payload by its leading kind byte.
func UnmarshalInner(data []byte) (MessageType, Inner, error) {
	d := &decoder{buf: data}
	t := MessageType(d.u8())
	if d.err != nil {
		return 0, nil, verrors.ErrInvalidMessage
	}

	switch t {
	case TypeRatchetStep:
		m := &RatchetStep{}
		m.Epoch = d.u32()
		m.Encapsulation = d.blob()
		m.NextPublicKey = d.blob()
		if err := d.done(); err != nil {
			return 0, nil, err
		}
		if len(m.Encapsulation) != constants.MLKEMCiphertextSize ||
			len(m.NextPublicKey) != constants.MLKEMPublicKeySize {
			return 0, nil, verrors.ErrInvalidMessage
		}
		return t, m, nil

	case TypeChatText:
		m := &ChatText{}
		m.Text = string(d.blob())
		if err := d.done(); err != nil {
			return 0, nil, err
		}
		return t, m, nil

	case TypeTypingIndicator:
		m := &TypingIndicator{}
		m.Active = d.u8() == 1
		if err := d.done(); err != nil {
			return 0, nil, err
		}
		return t, m, nil

	case TypeChunkData:
		m := &ChunkData{}
		copy(m.TransferID[:], d.raw(constants.SessionIDSize))
		m.Index = d.u64()
		copy(m.ContentHash[:], d.raw(constants.ContentHashSize))
		m.Data = d.blob()
		if err := d.done(); err != nil {
			return 0, nil, err
		}
		// A zero-length chunk is valid: an empty file transfers as one
		// empty chunk carrying its content hash.
		if len(m.Data) > constants.MaxChunkSize {
			return 0, nil, verrors.ErrInvalidMessage
		}
		return t, m, nil

	case TypeChunkAck:
		m := &ChunkAck{}
		copy(m.TransferID[:], d.raw(constants.SessionIDSize))
		m.Bitmap = d.blob()
		m.Window = d.u32()
		if err := d.done(); err != nil {
			return 0, nil, err
		}
		return t, m, nil

	case TypeTransferControl:
		m := &TransferControl{}
		copy(m.TransferID[:], d.raw(constants.SessionIDSize))
		m.Op = ControlOp(d.u8())
		m.Name = string(d.blob())
		m.Size = d.u64()
		m.ChunkSize = d.u32()
		copy(m.FileHash[:], d.raw(constants.ContentHashSize))
		if err := d.done(); err != nil {
			return 0, nil, err
		}
		if m.Op < ControlOffer || m.Op > ControlComplete {
			return 0, nil, verrors.ErrInvalidMessage
		}
		return t, m, nil

	default:
		return 0, nil, verrors.ErrInvalidMessage
	}
}
