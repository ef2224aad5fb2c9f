package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// The cookie value is AES-128-CBC over the JSON record with PKCS7 padding,
// then HMAC-SHA256 over iv||ciphertext (encrypt-then-MAC), hex encoded as
// iv || ciphertext || mac. Both keys come from the configured secret via
// HKDF-SHA256 so one secret in the config covers both concerns.

var errDecrypt = errors.New("session: decrypt failed")

type keyring struct {
	aesKey  []byte
	hmacKey []byte
}

func newKeyring(secret string) (*keyring, error) {
	if secret == "" {
		return nil, errors.New("session: empty cookie secret")
	}
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("edgee-cookie"))
	k := &keyring{aesKey: make([]byte, 16), hmacKey: make([]byte, 32)}
	if _, err := io.ReadFull(kdf, k.aesKey); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(kdf, k.hmacKey); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *keyring) encrypt(plaintext []byte) (string, error) {
	if len(plaintext) == 0 {
		return "", errors.New("session: empty plaintext")
	}
	block, err := aes.NewCipher(k.aesKey)
	if err != nil {
		return "", err
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)

	mac := hmac.New(sha256.New, k.hmacKey)
	mac.Write(out)
	return hex.EncodeToString(mac.Sum(out)), nil
}

func (k *keyring) decrypt(value string) ([]byte, error) {
	raw, err := hex.DecodeString(value)
	if err != nil {
		return nil, errDecrypt
	}
	macSize := sha256.Size
	if len(raw) < aes.BlockSize*2+macSize {
		return nil, errDecrypt
	}

	body, tag := raw[:len(raw)-macSize], raw[len(raw)-macSize:]
	mac := hmac.New(sha256.New, k.hmacKey)
	mac.Write(body)
	if !hmac.Equal(tag, mac.Sum(nil)) {
		return nil, errDecrypt
	}

	iv, ciphertext := body[:aes.BlockSize], body[aes.BlockSize:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, errDecrypt
	}
	block, err := aes.NewCipher(k.aesKey)
	if err != nil {
		return nil, errDecrypt
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return pkcs7Unpad(plaintext, aes.BlockSize)
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, errDecrypt
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, errDecrypt
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errDecrypt
		}
	}
	return b[:len(b)-n], nil
}
