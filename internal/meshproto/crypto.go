package meshproto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// DefaultChannelKey is the base64 AES key of the default "LongFast"
// channel. Most public-mesh traffic is encrypted with it.
const DefaultChannelKey = "1PG7OiApB1nwvP+rz05pAQ=="

// ParseChannelKey decodes a base64 channel key and validates its length.
func ParseChannelKey(b64 string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("channel key is not valid base64: %w", err)
	}
	switch len(key) {
	case 16, 32:
		return key, nil
	default:
		return nil, fmt.Errorf("channel key must be 16 or 32 bytes, got %d", len(key))
	}
}

// DecryptPayload runs AES-CTR over an encrypted packet body. The nonce is
// the packet id and sender id, each little-endian in 8 bytes.
func DecryptPayload(key []byte, packetID, fromID uint32, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("channel key: %w", err)
	}

	nonce := make([]byte, 16)
	binary.LittleEndian.PutUint64(nonce[0:8], uint64(packetID))
	binary.LittleEndian.PutUint64(nonce[8:16], uint64(fromID))

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, nonce).XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

// TryDecrypt attempts to recover the application payload of an encrypted
// packet with the given channel key. On success mp.Decoded is populated and
// true is returned. Failure is not an error: a payload under a different
// key still yields pseudo-random bytes that fail the Data parse, and the
// packet simply stays opaque.
func TryDecrypt(mp *MeshPacket, key []byte) bool {
	if mp.Decoded != nil || len(mp.Encrypted) == 0 || len(key) == 0 {
		return false
	}
	// PKI-encrypted packets use per-node keys the channel key can never open.
	if mp.PKIEncrypted {
		return false
	}

	plaintext, err := DecryptPayload(key, mp.ID, mp.From, mp.Encrypted)
	if err != nil {
		return false
	}
	data, err := decodeData(plaintext)
	if err != nil || data.Port == 0 {
		return false
	}
	mp.Decoded = data
	return true
}
