package wire

import (
	"bytes"
	"io"
	"net"
	"testing"

	"github.com/veilsend/veilsend/internal/constants"
	verrors "github.com/veilsend/veilsend/internal/errors"
	"github.com/veilsend/veilsend/pkg/crypto"
)

func testSessionID() [constants.SessionIDSize]byte {
	var id [constants.SessionIDSize]byte
	copy(id[:], crypto.MustSecureRandomBytes(constants.SessionIDSize))
	return id
}

func TestHandshakeInitRoundTrip(t *testing.T) {
	m := &HandshakeInit{
		Version:    constants.ProtocolVersion,
		SessionID:  testSessionID(),
		PublicKey:  crypto.MustSecureRandomBytes(constants.HybridPublicKeySize),
		RatchetKey: crypto.MustSecureRandomBytes(constants.MLKEMPublicKeySize),
		Suites: []constants.CipherSuite{
			constants.CipherSuiteChaCha20Poly1305,
			constants.CipherSuiteAES256GCM,
		},
	}

	decoded, err := UnmarshalHandshakeInit(m.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalHandshakeInit() error = %v", err)
	}
	if decoded.SessionID != m.SessionID {
		t.Error("session id mismatch")
	}
	if !bytes.Equal(decoded.PublicKey, m.PublicKey) {
		t.Error("public key mismatch")
	}
	if len(decoded.Suites) != 2 || decoded.Suites[0] != constants.CipherSuiteChaCha20Poly1305 {
		t.Errorf("suites = %v", decoded.Suites)
	}
}

func TestHandshakeInitRejectsBadVersion(t *testing.T) {
	m := &HandshakeInit{
		Version:    0x7777,
		SessionID:  testSessionID(),
		PublicKey:  crypto.MustSecureRandomBytes(constants.HybridPublicKeySize),
		RatchetKey: crypto.MustSecureRandomBytes(constants.MLKEMPublicKeySize),
		Suites:     []constants.CipherSuite{constants.CipherSuiteAES256GCM},
	}
	if _, err := UnmarshalHandshakeInit(m.Marshal()); !verrors.Is(err, verrors.ErrUnsupportedVersion) {
		t.Errorf("error = %v, want ErrUnsupportedVersion", err)
	}
}

func TestHandshakeResponseRoundTrip(t *testing.T) {
	m := &HandshakeResponse{
		Version:    constants.ProtocolVersion,
		SessionID:  testSessionID(),
		PublicKey:  crypto.MustSecureRandomBytes(constants.HybridPublicKeySize),
		Ciphertext: crypto.MustSecureRandomBytes(constants.HybridCiphertextSize),
		RatchetKey: crypto.MustSecureRandomBytes(constants.MLKEMPublicKeySize),
		Suite:      constants.CipherSuiteAES256GCM,
	}

	decoded, err := UnmarshalHandshakeResponse(m.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalHandshakeResponse() error = %v", err)
	}
	if decoded.Suite != m.Suite {
		t.Errorf("suite = %v, want %v", decoded.Suite, m.Suite)
	}
	if !bytes.Equal(decoded.Ciphertext, m.Ciphertext) {
		t.Error("ciphertext mismatch")
	}
}

func TestHandshakeResponseRejectsUnknownSuite(t *testing.T) {
	m := &HandshakeResponse{
		Version:    constants.ProtocolVersion,
		SessionID:  testSessionID(),
		PublicKey:  crypto.MustSecureRandomBytes(constants.HybridPublicKeySize),
		Ciphertext: crypto.MustSecureRandomBytes(constants.HybridCiphertextSize),
		RatchetKey: crypto.MustSecureRandomBytes(constants.MLKEMPublicKeySize),
		Suite:      constants.CipherSuite(0xFFFF),
	}
	if _, err := UnmarshalHandshakeResponse(m.Marshal()); !verrors.Is(err, verrors.ErrUnsupportedCipherSuite) {
		t.Errorf("error = %v, want ErrUnsupportedCipherSuite", err)
	}
}

func TestSealedRoundTrip(t *testing.T) {
	m := &Sealed{
		Epoch:      3,
		Counter:    12345,
		Ciphertext: crypto.MustSecureRandomBytes(64),
	}

	decoded, err := UnmarshalSealed(m.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalSealed() error = %v", err)
	}
	if decoded.Epoch != 3 || decoded.Counter != 12345 {
		t.Errorf("epoch, counter = %d, %d", decoded.Epoch, decoded.Counter)
	}
}

func TestInnerRoundTrips(t *testing.T) {
	var transferID [constants.SessionIDSize]byte
	copy(transferID[:], crypto.MustSecureRandomBytes(constants.SessionIDSize))
	var hash [constants.ContentHashSize]byte
	copy(hash[:], crypto.MustSecureRandomBytes(constants.ContentHashSize))

	tests := []struct {
		name string
		kind MessageType
		msg  Inner
	}{
		{"ratchet step", TypeRatchetStep, &RatchetStep{
			Epoch:         2,
			Encapsulation: crypto.MustSecureRandomBytes(constants.MLKEMCiphertextSize),
			NextPublicKey: crypto.MustSecureRandomBytes(constants.MLKEMPublicKeySize),
		}},
		{"chat text", TypeChatText, &ChatText{Text: "hello, world"}},
		{"typing on", TypeTypingIndicator, &TypingIndicator{Active: true}},
		{"typing off", TypeTypingIndicator, &TypingIndicator{Active: false}},
		{"chunk data", TypeChunkData, &ChunkData{
			TransferID:  transferID,
			Index:       81,
			ContentHash: hash,
			Data:        crypto.MustSecureRandomBytes(1024),
		}},
		{"empty chunk", TypeChunkData, &ChunkData{
			TransferID:  transferID,
			Index:       0,
			ContentHash: hash,
		}},
		{"chunk ack", TypeChunkAck, &ChunkAck{
			TransferID: transferID,
			Bitmap:     []byte{0xFF, 0x01},
			Window:     32,
		}},
		{"transfer offer", TypeTransferControl, &TransferControl{
			TransferID: transferID,
			Op:         ControlOffer,
			Name:       "report.pdf",
			Size:       10 << 20,
			ChunkSize:  constants.DefaultChunkSize,
			FileHash:   hash,
		}},
		{"transfer cancel", TypeTransferControl, &TransferControl{
			TransferID: transferID,
			Op:         ControlCancel,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, decoded, err := UnmarshalInner(tt.msg.Marshal())
			if err != nil {
				t.Fatalf("UnmarshalInner() error = %v", err)
			}
			if kind != tt.kind {
				t.Errorf("kind = %v, want %v", kind, tt.kind)
			}
			if !bytes.Equal(decoded.Marshal(), tt.msg.Marshal()) {
				t.Error("re-marshal mismatch")
			}
		})
	}
}

func TestUnmarshalInnerMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"unknown kind", []byte{0xEE, 0x00}},
		{"truncated chat", []byte{byte(TypeChatText), 0x00, 0x00, 0x00, 0x10}},
		{"trailing garbage", append((&TypingIndicator{}).Marshal(), 0xAA)},
		{"oversized blob length", []byte{byte(TypeChatText), 0xFF, 0xFF, 0xFF, 0xFF}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := UnmarshalInner(tt.data); !verrors.Is(err, verrors.ErrInvalidMessage) {
				t.Errorf("error = %v, want ErrInvalidMessage", err)
			}
		})
	}
}

func TestCodecRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	cc, sc := NewCodec(client), NewCodec(server)
	defer cc.Close()
	defer sc.Close()

	payload := crypto.MustSecureRandomBytes(2048)
	done := make(chan error, 1)
	go func() {
		done <- cc.WriteFrame(TypeSealed, payload)
	}()

	kind, got, err := sc.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if kind != TypeSealed {
		t.Errorf("kind = %v, want TypeSealed", kind)
	}
	if !bytes.Equal(got, payload) {
		t.Error("payload mismatch")
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}
}

func TestCodecRejectsOversizedWrite(t *testing.T) {
	client, server := net.Pipe()
	c := NewCodec(client)
	defer c.Close()
	defer server.Close()

	if err := c.WriteFrame(TypeSealed, make([]byte, constants.MaxMessageSize+1)); !verrors.Is(err, verrors.ErrMessageTooLarge) {
		t.Errorf("error = %v, want ErrMessageTooLarge", err)
	}
}

func TestCodecRejectsOversizedLengthField(t *testing.T) {
	client, server := net.Pipe()
	sc := NewCodec(server)
	defer sc.Close()
	defer client.Close()

	go func() {
		// Hand-rolled frame claiming a payload far beyond the limit.
		client.Write([]byte{byte(TypeSealed), 0xFF, 0xFF, 0xFF, 0xFF})
	}()

	if _, _, err := sc.ReadFrame(); !verrors.Is(err, verrors.ErrMessageTooLarge) {
		t.Errorf("error = %v, want ErrMessageTooLarge", err)
	}
}

func TestCodecEOF(t *testing.T) {
	client, server := net.Pipe()
	sc := NewCodec(server)
	defer sc.Close()

	client.Close()
	if _, _, err := sc.ReadFrame(); err != io.EOF {
		t.Errorf("error = %v, want io.EOF", err)
	}
}
