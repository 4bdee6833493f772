// Package crypto provides wallet key storage and transaction signing.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	keyFileVersion   = 2
)

// keyFile is the on-disk format of an encrypted wallet. The plaintext is the
// concatenation of every 32-byte private key.
type keyFile struct {
	Version    int    `json:"version"`
	Count      int    `json:"count"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeyConfig says where LoadKeys finds private keys.
type KeyConfig struct {
	// RawPrivateKeys are hex keys with or without 0x. They win over the file.
	RawPrivateKeys []string
	// EncryptedKeyPath points to a file written by EncryptKeys.
	EncryptedKeyPath string
	KeyPassword      string
}

func deriveAEAD(password string, salt []byte) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func decodeKeyHex(k string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(k), "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key hex: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("crypto: expected 32-byte key, got %d bytes", len(b))
	}
	return b, nil
}

// EncryptKeys seals the given hex keys under password with PBKDF2-SHA256 and
// AES-256-GCM, returning the JSON file contents.
func EncryptKeys(keys []string, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	if len(keys) == 0 {
		return nil, errors.New("crypto: no keys to encrypt")
	}
	plain := make([]byte, 0, 32*len(keys))
	for _, k := range keys {
		b, err := decodeKeyHex(k)
		if err != nil {
			return nil, err
		}
		plain = append(plain, b...)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	aead, err := deriveAEAD(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	return json.MarshalIndent(keyFile{
		Version:    keyFileVersion,
		Count:      len(keys),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, plain, nil)),
	}, "", "  ")
}

// DecryptKeys opens a file written by EncryptKeys and returns hex keys without 0x.
func DecryptKeys(data []byte, password string) ([]string, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("crypto: parsing key file: %w", err)
	}
	if kf.Version != keyFileVersion {
		return nil, fmt.Errorf("crypto: unsupported key file version %d", kf.Version)
	}

	var parts [3][]byte
	for i, s := range []string{kf.Salt, kf.Nonce, kf.Ciphertext} {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("crypto: decoding key file field %d: %w", i, err)
		}
		parts[i] = b
	}
	aead, err := deriveAEAD(password, parts[0])
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, parts[1], parts[2], nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}
	if len(plain) != 32*kf.Count {
		return nil, fmt.Errorf("crypto: key file holds %d bytes for %d keys", len(plain), kf.Count)
	}

	out := make([]string, kf.Count)
	for i := range out {
		out[i] = hex.EncodeToString(plain[i*32 : (i+1)*32])
	}
	return out, nil
}

// LoadKeys resolves private keys from raw config first, then the encrypted file.
func LoadKeys(cfg KeyConfig) ([]string, error) {
	if len(cfg.RawPrivateKeys) > 0 {
		out := make([]string, 0, len(cfg.RawPrivateKeys))
		for _, k := range cfg.RawPrivateKeys {
			if _, err := decodeKeyHex(k); err != nil {
				return nil, err
			}
			out = append(out, strings.TrimPrefix(strings.TrimSpace(k), "0x"))
		}
		return out, nil
	}
	if cfg.EncryptedKeyPath != "" {
		data, err := os.ReadFile(cfg.EncryptedKeyPath)
		if err != nil {
			return nil, fmt.Errorf("crypto: reading key file: %w", err)
		}
		return DecryptKeys(data, cfg.KeyPassword)
	}
	return nil, errors.New("crypto: no private key source configured (set wallet.private_keys or wallet.encrypted_key_path)")
}
