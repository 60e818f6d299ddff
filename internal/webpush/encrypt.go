package webpush

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	paddingDelimiter = 0x02
	saltLen          = 16
	cekLen           = 16
	nonceLen         = 12
)

// EncryptedMessage carries the ciphertext and the values the push
// service needs to reverse the key agreement.
type EncryptedMessage struct {
	Ciphertext      []byte
	Salt            []byte
	ServerPublicKey []byte
}

// EncryptAES128GCM encrypts plaintext for a subscriber identified by its
// p256dh public key and 16-byte auth secret, both base64url. A fresh
// ephemeral key pair and salt are generated per message.
func EncryptAES128GCM(p256dh, auth string, plaintext []byte) (*EncryptedMessage, error) {
	clientPub, err := b64decode(p256dh)
	if err != nil {
		return nil, fmt.Errorf("subscriber key: %w", err)
	}
	authSecret, err := b64decode(auth)
	if err != nil {
		return nil, fmt.Errorf("auth secret: %w", err)
	}
	if len(clientPub) != 65 || clientPub[0] != 0x04 {
		return nil, fmt.Errorf("subscriber key: want 65-byte uncompressed point, got %d bytes", len(clientPub))
	}

	curve := ecdh.P256()
	clientKey, err := curve.NewPublicKey(clientPub)
	if err != nil {
		return nil, fmt.Errorf("subscriber key: %w", err)
	}
	ephemeral, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	shared, err := ephemeral.ECDH(clientKey)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	serverPub := ephemeral.PublicKey().Bytes()
	key, nonce, err := deriveKeyAndNonce(shared, authSecret, salt, clientPub, serverPub)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	padded := append(append([]byte{}, plaintext...), paddingDelimiter)
	ciphertext := gcm.Seal(nil, nonce, padded, nil)

	return &EncryptedMessage{
		Ciphertext:      ciphertext,
		Salt:            salt,
		ServerPublicKey: serverPub,
	}, nil
}

// Decrypt reverses EncryptAES128GCM given the subscriber's private key,
// stripping the padding delimiter. Used to verify round-trips.
func Decrypt(subscriber *ecdh.PrivateKey, auth string, msg *EncryptedMessage) ([]byte, error) {
	authSecret, err := b64decode(auth)
	if err != nil {
		return nil, fmt.Errorf("auth secret: %w", err)
	}
	serverKey, err := ecdh.P256().NewPublicKey(msg.ServerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("server key: %w", err)
	}
	shared, err := subscriber.ECDH(serverKey)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}

	clientPub := subscriber.PublicKey().Bytes()
	key, nonce, err := deriveKeyAndNonce(shared, authSecret, msg.Salt, clientPub, msg.ServerPublicKey)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	padded, err := gcm.Open(nil, nonce, msg.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	if i := bytes.LastIndexByte(padded, paddingDelimiter); i >= 0 {
		padded = padded[:i]
	}
	return padded, nil
}

// deriveKeyAndNonce runs the two-stage HKDF chain: the auth secret salts
// the shared secret into a 32-byte IKM, then the message salt and the
// length-prefixed key context derive the content key and nonce.
func deriveKeyAndNonce(shared, authSecret, salt, clientPub, serverPub []byte) (key, nonce []byte, err error) {
	ikm := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, authSecret, []byte("Content-Encoding: auth\x00")), ikm); err != nil {
		return nil, nil, fmt.Errorf("derive ikm: %w", err)
	}

	context := keyContext(clientPub, serverPub)
	prk := hkdf.Extract(sha256.New, ikm, salt)

	key = make([]byte, cekLen)
	cekInfo := append([]byte("Content-Encoding: aes128gcm\x00P-256\x00"), context...)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, cekInfo), key); err != nil {
		return nil, nil, fmt.Errorf("derive cek: %w", err)
	}

	nonce = make([]byte, nonceLen)
	nonceInfo := append([]byte("Content-Encoding: nonce\x00P-256\x00"), context...)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, nonceInfo), nonce); err != nil {
		return nil, nil, fmt.Errorf("derive nonce: %w", err)
	}
	return key, nonce, nil
}

// keyContext is len(clientPub) || clientPub || len(serverPub) || serverPub
// with big-endian 16-bit lengths.
func keyContext(clientPub, serverPub []byte) []byte {
	var buf bytes.Buffer
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(clientPub)))
	buf.Write(l[:])
	buf.Write(clientPub)
	binary.BigEndian.PutUint16(l[:], uint16(len(serverPub)))
	buf.Write(l[:])
	buf.Write(serverPub)
	return buf.Bytes()
}
