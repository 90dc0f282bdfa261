// Package transport implements the application-layer envelope protecting
// every relay request body independently of the TLS channel. Two envelope
// generations exist: v1 is plain AES-256-GCM under a shared symmetric key,
// v2 derives a per-request content key from an X25519 exchange against the
// relay's static key. v2 payloads are recognized by a 4-byte magic; anything
// else is treated as v1.
package transport

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"io"
	"strings"

	"github.com/awrlabs/relay/relay/apierror"
	"github.com/awrlabs/relay/relay/config"
	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

// Envelope framing constants.
const (
	// MagicV2 opens every v2 envelope.
	MagicV2 = "AWR2"
	// VersionV2 is the only version byte accepted after the magic.
	VersionV2 = 2

	ivSize  = 12
	tagSize = 16

	// v2 fixed header prefix: magic(4) version(1) kidLen(1) ephKeyLen(2) iv(12).
	v2PrefixSize = 4 + 1 + 1 + 2 + ivSize

	// hkdfLabel separates the v2 content-key derivation from any other use
	// of the same key material.
	hkdfLabel = "relay-transport-v2"
)

// Decryptor opens v1 and v2 envelopes according to the configured mode.
type Decryptor struct {
	mode         config.TransportMode
	symmetricKey []byte
	keyID        string
	privateKey   *ecdh.PrivateKey
	serverPubDER []byte
}

// NewDecryptor builds a Decryptor from the validated relay config.
func NewDecryptor(cfg *config.Config) *Decryptor {
	return &Decryptor{
		mode:         cfg.Mode,
		symmetricKey: cfg.EncryptionKey,
		keyID:        cfg.KeyID,
		privateKey:   cfg.PrivateKey,
		serverPubDER: cfg.ServerPubDER,
	}
}

// IsV2 reports whether the payload carries the v2 magic.
func IsV2(payload []byte) bool {
	return len(payload) >= len(MagicV2) && bytes.Equal(payload[:len(MagicV2)], []byte(MagicV2))
}

// Decrypt opens the envelope and returns the plaintext frame along with the
// envelope version that was used (1 or 2). All failures carry the
// DECRYPTION_FAILED machine code.
func (d *Decryptor) Decrypt(payload []byte) ([]byte, int, error) {
	if IsV2(payload) {
		if d.mode == config.ModeV1 {
			return nil, 0, apierror.DecryptionFailed("v2 envelopes are not accepted in v1 mode")
		}
		plain, err := d.decryptV2(payload)
		if err != nil {
			return nil, 0, err
		}
		envelopesOpened.WithLabelValues("v2").Inc()
		return plain, 2, nil
	}
	if d.mode == config.ModeV2 {
		return nil, 0, apierror.DecryptionFailed("v1 envelopes are not accepted in v2 mode")
	}
	plain, err := d.decryptV1(payload)
	if err != nil {
		return nil, 0, err
	}
	envelopesOpened.WithLabelValues("v1").Inc()
	return plain, 1, nil
}

// decryptV1 opens iv(12) || authTag(16) || ciphertext(n).
func (d *Decryptor) decryptV1(payload []byte) ([]byte, error) {
	if len(payload) < ivSize+tagSize+1 {
		envelopeFailures.WithLabelValues("v1").Inc()
		return nil, apierror.DecryptionFailed("v1 envelope too short: %d bytes", len(payload))
	}
	iv := payload[:ivSize]
	tag := payload[ivSize : ivSize+tagSize]
	ciphertext := payload[ivSize+tagSize:]
	plain, err := openGCM(d.symmetricKey, iv, ciphertext, tag, nil)
	if err != nil {
		envelopeFailures.WithLabelValues("v1").Inc()
		return nil, err
	}
	return plain, nil
}

// decryptV2 opens the hybrid envelope. The whole header, magic included, is
// bound into the AEAD as additional data, so a bit flip anywhere in it fails
// authentication.
func (d *Decryptor) decryptV2(payload []byte) ([]byte, error) {
	plain, err := d.openV2(payload)
	if err != nil {
		envelopeFailures.WithLabelValues("v2").Inc()
		return nil, err
	}
	return plain, nil
}

func (d *Decryptor) openV2(payload []byte) ([]byte, error) {
	if len(payload) < v2PrefixSize {
		return nil, apierror.DecryptionFailed("v2 envelope shorter than fixed header")
	}
	version := payload[4]
	if version != VersionV2 {
		return nil, apierror.DecryptionFailed("unsupported envelope version %d", version)
	}
	kidLen := int(payload[5])
	ephKeyLen := int(binary.BigEndian.Uint16(payload[6:8]))
	headerLen := v2PrefixSize + kidLen + ephKeyLen
	if len(payload) < headerLen+tagSize+1 {
		return nil, apierror.DecryptionFailed("malformed v2 envelope: %d bytes, header needs %d", len(payload), headerLen)
	}
	iv := payload[8 : 8+ivSize]
	kid := string(payload[v2PrefixSize : v2PrefixSize+kidLen])
	ephPubDER := payload[v2PrefixSize+kidLen : headerLen]
	header := payload[:headerLen]
	tag := payload[headerLen : headerLen+tagSize]
	ciphertext := payload[headerLen+tagSize:]

	if kid != d.keyID {
		return nil, apierror.DecryptionFailed("unknown key id %q", kid)
	}

	contentKey, err := d.deriveContentKey(iv, kid, ephPubDER)
	if err != nil {
		return nil, err
	}
	return openGCM(contentKey, iv, ciphertext, tag, header)
}

// deriveContentKey runs the X25519 exchange against the ephemeral key and
// expands the shared secret with HKDF-SHA256. The info string binds the key
// id and both public keys so a transplanted header never derives the same
// key.
func (d *Decryptor) deriveContentKey(iv []byte, kid string, ephPubDER []byte) ([]byte, error) {
	parsed, err := x509.ParsePKIXPublicKey(ephPubDER)
	if err != nil {
		return nil, apierror.DecryptionFailed("bad ephemeral public key: %v", err)
	}
	ephPub, ok := parsed.(*ecdh.PublicKey)
	if !ok || ephPub.Curve() != ecdh.X25519() {
		return nil, apierror.DecryptionFailed("ephemeral public key is not X25519")
	}
	shared, err := d.privateKey.ECDH(ephPub)
	if err != nil {
		return nil, apierror.DecryptionFailed("key agreement failed: %v", err)
	}

	var info bytes.Buffer
	info.WriteString(hkdfLabel)
	info.WriteByte(0)
	info.WriteString(kid)
	info.WriteByte(0)
	info.Write(ephPubDER)
	info.WriteByte(0)
	info.Write(d.serverPubDER)

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, iv, info.Bytes()), key); err != nil {
		return nil, apierror.DecryptionFailed("key derivation failed: %v", err)
	}
	return key, nil
}

// openGCM decrypts with AES-256-GCM. Cipher errors mentioning
// authentication surface with an integrity message, everything else as a
// generic decryption failure; the machine code is the same either way.
func openGCM(key, iv, ciphertext, tag, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apierror.DecryptionFailed("cipher init failed: %v", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apierror.DecryptionFailed("cipher init failed: %v", err)
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plain, err := aead.Open(nil, iv, sealed, aad)
	if err != nil {
		if strings.Contains(err.Error(), "auth") {
			return nil, apierror.DecryptionFailed("envelope integrity check failed")
		}
		return nil, apierror.DecryptionFailed("%v", errors.Wrap(err, "decrypt"))
	}
	return plain, nil
}
