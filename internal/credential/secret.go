package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// encPrefix marks a field value as ciphertext rather than plaintext, so a
// pool can hold a mix of freshly-added plaintext credentials (pending their
// next persist) and previously-encrypted ones across a reload.
const encPrefix = "enc:v1:"

// Cipher encrypts refresh_token and client_secret at rest in the credentials
// file using AES-256-CBC with a scrypt-derived key, so a stolen backup file
// doesn't hand over live upstream sessions. Encryption format is
// encPrefix followed by "{iv_hex}:{ciphertext_hex}".
type Cipher struct {
	key []byte
}

// NewCipher derives the AES-256 key once from passphrase. An empty
// passphrase disables encryption: fields are stored and read back as plain
// text, and values already carrying encPrefix cannot be decrypted.
func NewCipher(passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, nil
	}
	key, err := scrypt.Key([]byte(passphrase), []byte("kiro-gateway-credential"), 32768, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("credential: derive key: %w", err)
	}
	return &Cipher{key: key}, nil
}

func (c *Cipher) encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return encPrefix + hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

func (c *Cipher) decrypt(encoded string) (string, error) {
	body := strings.TrimPrefix(encoded, encPrefix)
	parts := strings.SplitN(body, ":", 2)
	if len(parts) != 2 {
		return "", errors.New("credential: malformed encrypted field")
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != aes.BlockSize {
		return "", errors.New("credential: malformed iv")
	}
	ciphertext, err := hex.DecodeString(parts[1])
	if err != nil || len(ciphertext)%aes.BlockSize != 0 {
		return "", errors.New("credential: malformed ciphertext")
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return pkcs7Unpad(plaintext)
}

// seal returns a copy of c with RefreshToken/ClientSecret encrypted,
// suitable for marshaling to disk. Fields unchanged since the last load are
// re-encrypted fresh rather than double-wrapped, since open always leaves
// plaintext in memory.
func (ci *Cipher) seal(c *Credential) (*Credential, error) {
	out := *c
	if enc, err := ci.encrypt(c.RefreshToken); err != nil {
		return nil, err
	} else if enc != "" {
		out.RefreshToken = enc
	}
	if c.ClientSecret != "" {
		enc, err := ci.encrypt(c.ClientSecret)
		if err != nil {
			return nil, err
		}
		out.ClientSecret = enc
	}
	return &out, nil
}

// open decrypts RefreshToken/ClientSecret in place if they carry encPrefix.
// Plaintext values (no prefix) pass through untouched, so a pool can be
// pointed at a pre-existing unencrypted file and transparently upgrade it
// on first persist.
func (ci *Cipher) open(c *Credential) error {
	if strings.HasPrefix(c.RefreshToken, encPrefix) {
		plain, err := ci.decrypt(c.RefreshToken)
		if err != nil {
			return fmt.Errorf("credential: decrypt refresh_token for id %d: %w", c.ID, err)
		}
		c.RefreshToken = plain
	}
	if strings.HasPrefix(c.ClientSecret, encPrefix) {
		plain, err := ci.decrypt(c.ClientSecret)
		if err != nil {
			return fmt.Errorf("credential: decrypt client_secret for id %d: %w", c.ID, err)
		}
		c.ClientSecret = plain
	}
	return nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	pad := make([]byte, padding)
	for i := range pad {
		pad[i] = byte(padding)
	}
	return append(data, pad...)
}

func pkcs7Unpad(data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("credential: empty plaintext")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > aes.BlockSize || padding > len(data) {
		return "", fmt.Errorf("credential: invalid padding %d", padding)
	}
	for i := len(data) - padding; i < len(data); i++ {
		if data[i] != byte(padding) {
			return "", errors.New("credential: invalid padding bytes")
		}
	}
	return string(data[:len(data)-padding]), nil
}
