package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/secretbox"
)

// Mode is a voice encryption mode as named on the voice gateway.
type Mode string

const (
	// ModeAES256GCM encrypts the payload with AES-256-GCM. The RTP header is
	// authenticated but sent in the clear and a 32-bit nonce counter is
	// appended to each packet.
	ModeAES256GCM Mode = "aead_aes256_gcm_rtpsize"

	// ModeXChaCha20 works like ModeAES256GCM with XChaCha20-Poly1305.
	ModeXChaCha20 Mode = "aead_xchacha20_poly1305_rtpsize"

	// ModeXSalsa20 is the legacy secretbox mode. The nonce is the 12-byte RTP
	// header padded to 24 bytes.
	ModeXSalsa20 Mode = "xsalsa20_poly1305"
)

// KeySize is the length of the session secret key.
const KeySize = 32

// nonceSuffixLen is the size of the counter appended to rtpsize packets.
const nonceSuffixLen = 4

// PreferredModes lists the supported modes, most preferred first.
var PreferredModes = []Mode{ModeAES256GCM, ModeXChaCha20, ModeXSalsa20}

// ErrNoCommonMode is returned by [SelectMode] when the server offers none of
// the supported modes.
var ErrNoCommonMode = errors.New("codec: no supported encryption mode offered")

// Supported reports whether m can be used by [NewCipher].
func (m Mode) Supported() bool {
	return slices.Contains(PreferredModes, m)
}

// SelectMode returns the first mode of preferred that the server offers. A
// nil preferred list means [PreferredModes].
func SelectMode(offered []string, preferred []Mode) (Mode, error) {
	if len(preferred) == 0 {
		preferred = PreferredModes
	}
	for _, m := range preferred {
		if m.Supported() && slices.Contains(offered, string(m)) {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w (offered %v)", ErrNoCommonMode, offered)
}

// Cipher seals outbound and opens inbound voice packets for one session.
// Seal keeps a nonce counter and must only be called from one goroutine;
// Open is stateless and may run concurrently with Seal.
type Cipher struct {
	mode    Mode
	aead    cipher.AEAD // nil for ModeXSalsa20
	key     [KeySize]byte
	counter uint32
}

// NewCipher creates a cipher for mode with the session secret key.
func NewCipher(mode Mode, key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("codec: secret key has %d bytes, want %d", len(key), KeySize)
	}
	c := &Cipher{mode: mode}
	copy(c.key[:], key)

	switch mode {
	case ModeAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("codec: aes cipher: %w", err)
		}
		c.aead, err = cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("codec: gcm: %w", err)
		}
	case ModeXChaCha20:
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, fmt.Errorf("codec: xchacha20: %w", err)
		}
		c.aead = aead
	case ModeXSalsa20:
	default:
		return nil, fmt.Errorf("codec: unsupported encryption mode %q", mode)
	}
	return c, nil
}

// Mode returns the negotiated mode.
func (c *Cipher) Mode() Mode { return c.mode }

// Seal encrypts opus behind header and returns the complete datagram.
func (c *Cipher) Seal(header, opus []byte) []byte {
	if c.aead == nil {
		var nonce [24]byte
		copy(nonce[:], header)
		out := make([]byte, 0, len(header)+len(opus)+secretbox.Overhead)
		out = append(out, header...)
		return secretbox.Seal(out, opus, &nonce, &c.key)
	}

	nonce := make([]byte, c.aead.NonceSize())
	binary.BigEndian.PutUint32(nonce, c.counter)
	c.counter++

	out := make([]byte, 0, len(header)+len(opus)+c.aead.Overhead()+nonceSuffixLen)
	out = append(out, header...)
	out = c.aead.Seal(out, nonce, opus, header)
	return append(out, nonce[:nonceSuffixLen]...)
}

// Open decrypts a received datagram and returns the Opus payload with the
// RTP header extension removed.
func (c *Cipher) Open(b []byte) (Packet, error) {
	if !IsVoicePacket(b) {
		return Packet{}, errNotRTP
	}

	if c.aead == nil {
		if len(b) < HeaderLen+secretbox.Overhead {
			return Packet{}, fmt.Errorf("codec: packet too short (%d bytes)", len(b))
		}
		var nonce [24]byte
		copy(nonce[:], b[:HeaderLen])
		full := append([]byte(nil), b[:HeaderLen]...)
		full, ok := secretbox.Open(full, b[HeaderLen:], &nonce, &c.key)
		if !ok {
			return Packet{}, errors.New("codec: secretbox open failed")
		}
		return parsePacket(full)
	}

	// In the rtpsize modes the CSRC list and the 4-byte extension preamble
	// stay in the clear; the extension body is encrypted with the payload.
	prefix := HeaderLen + 4*int(b[0]&0x0F)
	if b[0]&0x10 != 0 {
		prefix += 4
	}
	if len(b) < prefix+c.aead.Overhead()+nonceSuffixLen {
		return Packet{}, fmt.Errorf("codec: packet too short (%d bytes)", len(b))
	}

	nonce := make([]byte, c.aead.NonceSize())
	copy(nonce, b[len(b)-nonceSuffixLen:])

	full := append([]byte(nil), b[:prefix]...)
	full, err := c.aead.Open(full, nonce, b[prefix:len(b)-nonceSuffixLen], b[:prefix])
	if err != nil {
		return Packet{}, fmt.Errorf("codec: aead open: %w", err)
	}
	return parsePacket(full)
}
