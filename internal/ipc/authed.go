package ipc

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/poly1305"
)

// AuthedFrame is a decoded inner envelope of a TypeAuthed outer frame
// (§4.1 "authenticated variant", §6.2). InnerType/InnerLength mirror the
// plaintext that was encrypted; Plaintext is the decrypted, MAC-verified
// ciphertext.
type AuthedFrame struct {
	InnerType   uint32
	InnerLength uint32
	Plaintext   []byte
}

// Key is the 32-byte chacha20 key shared out of band between the two ends
// of an authed channel (§4.1: "negotiated out of band").
type Key [32]byte

// AuthedWriter encrypts and MACs inner frames, enforcing strictly
// increasing IVs per direction as required by §4.1.
type AuthedWriter struct {
	mu     sync.Mutex
	w      *Writer
	key    Key
	lastIV uint64
	seeded bool
}

func NewAuthedWriter(w *Writer, key Key) *AuthedWriter {
	return &AuthedWriter{w: w, key: key}
}

// WriteAuthed encrypts innerType/payload under the given IV and writes the
// resulting outer `authed` frame. iv must be strictly greater than every
// IV previously passed to this writer.
func (a *AuthedWriter) WriteAuthed(iv uint64, innerType uint32, payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.seeded && iv <= a.lastIV {
		return fmt.Errorf("%w: iv %d did not increase past %d", ErrIntegrity, iv, a.lastIV)
	}

	var plainHeader [8]byte
	binary.BigEndian.PutUint32(plainHeader[0:4], innerType)
	binary.BigEndian.PutUint32(plainHeader[4:8], uint32(len(payload)))

	stream, err := newCipher(a.key, iv)
	if err != nil {
		return err
	}
	encHeader := make([]byte, 8)
	stream.XORKeyStream(encHeader, plainHeader[:])
	ciphertext := make([]byte, len(payload))
	stream.XORKeyStream(ciphertext, payload)

	mac := computeMAC(a.key, iv, encHeader, ciphertext)

	inner := make([]byte, 0, 8+macLength+len(ciphertext))
	inner = append(inner, encHeader...)
	inner = append(inner, mac[:]...)
	inner = append(inner, ciphertext...)

	if err := a.w.WriteRaw(TypeAuthed, inner); err != nil {
		return err
	}
	a.lastIV = iv
	a.seeded = true
	return nil
}

// AuthedReader decrypts and verifies inner frames, rejecting any frame
// whose MAC fails or whose IV does not strictly increase (§4.1, §8
// scenario 6).
type AuthedReader struct {
	mu     sync.Mutex
	key    Key
	lastIV uint64
	seeded bool
}

func NewAuthedReader(key Key) *AuthedReader {
	return &AuthedReader{key: key}
}

// DecodeAuthed verifies and decrypts the payload of an outer `authed`
// frame previously produced by ReadFrame. The caller supplies the IV out
// of band with the frame (the wire format itself carries no IV field;
// a caller that needs the IV in-band carries it in its own higher-level
// protocol).
func (a *AuthedReader) DecodeAuthed(iv uint64, payload []byte) (AuthedFrame, error) {
	if len(payload) < authedMinInner {
		return AuthedFrame{}, fmt.Errorf("%w: authed frame too short", ErrBadSize)
	}
	encHeader := payload[0:8]
	mac := payload[8 : 8+macLength]
	ciphertext := payload[8+macLength:]

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.seeded && iv <= a.lastIV {
		return AuthedFrame{}, fmt.Errorf("%w: iv %d did not increase past %d", ErrIntegrity, iv, a.lastIV)
	}

	wantMAC := computeMAC(a.key, iv, encHeader, ciphertext)
	if !constantTimeEqual(mac, wantMAC[:]) {
		return AuthedFrame{}, ErrIntegrity
	}

	stream, err := newCipher(a.key, iv)
	if err != nil {
		return AuthedFrame{}, err
	}
	plainHeader := make([]byte, 8)
	stream.XORKeyStream(plainHeader, encHeader)
	innerType := binary.BigEndian.Uint32(plainHeader[0:4])
	innerLength := binary.BigEndian.Uint32(plainHeader[4:8])
	if int(innerLength) != len(ciphertext) {
		return AuthedFrame{}, fmt.Errorf("%w: inner length %d does not match ciphertext %d", ErrBadSize, innerLength, len(ciphertext))
	}

	plaintext := make([]byte, len(ciphertext))
	stream.XORKeyStream(plaintext, ciphertext)

	a.lastIV = iv
	a.seeded = true
	return AuthedFrame{InnerType: innerType, InnerLength: innerLength, Plaintext: plaintext}, nil
}

// newCipher builds the chacha20 keystream for a given IV. The IV is a
// 64-bit counter (§6.2); chacha20 wants a 12-byte nonce, so the IV
// occupies the low 8 bytes with the top 4 bytes zeroed, matching the
// "caller-supplied 64-bit IV" contract without overloading chacha20's own
// internal block counter.
func newCipher(key Key, iv uint64) (*chacha20.Cipher, error) {
	var nonce [chacha20.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[4:], iv)
	return chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
}

// computeMAC derives a one-time poly1305 key from the shared secret and
// IV (so every IV gets an independent MAC key, as chacha20-poly1305
// constructions do) and tags the concatenation of the encrypted header and
// ciphertext (§4.1: "MAC is computed over ... the encrypted inner type,
// the encrypted inner length, and the ciphertext").
func computeMAC(key Key, iv uint64, encHeader, ciphertext []byte) [16]byte {
	var macKey [32]byte
	macStream, _ := chacha20.NewUnauthenticatedCipher(key[:], macNonce(iv))
	macStream.XORKeyStream(macKey[:], macKey[:])

	msg := make([]byte, 0, len(encHeader)+len(ciphertext))
	msg = append(msg, encHeader...)
	msg = append(msg, ciphertext...)

	var tag [16]byte
	poly1305.Sum(&tag, msg, &macKey)
	return tag
}

func macNonce(iv uint64) []byte {
	var nonce [chacha20.NonceSize]byte
	nonce[0] = 0x01 // domain-separate the MAC-key stream from the data stream
	binary.BigEndian.PutUint64(nonce[4:], iv)
	return nonce[:]
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
