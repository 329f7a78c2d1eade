// Package crypto seals provider API keys at rest with AES-256-GCM. Sealed
// values carry the id of the master key that produced them so keys can be
// rotated without re-encrypting everything at once.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownKeyID = errors.New("unknown master key id")

type Envelope struct {
	KeyID      string `json:"key_id"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type Keyring struct {
	currentKeyID string
	aeads        map[string]cipher.AEAD
}

func NewKeyring(currentKeyID string, keys map[string][]byte) (*Keyring, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	aeads := make(map[string]cipher.AEAD, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("new cipher %q: %w", id, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("new gcm %q: %w", id, err)
		}
		aeads[id] = aead
	}
	return &Keyring{currentKeyID: currentKeyID, aeads: aeads}, nil
}

func (k *Keyring) CurrentKeyID() string { return k.currentKeyID }

// Seal encrypts secret with the current master key. scope is bound as
// associated data, so a sealed value only opens under the same scope.
func (k *Keyring) Seal(secret, scope string) (string, error) {
	aead := k.aeads[k.currentKeyID]
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	env := Envelope{
		KeyID:      k.currentKeyID,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, []byte(secret), []byte(scope))),
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(b), nil
}

func (k *Keyring) Open(sealed, scope string) (string, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(sealed), &env); err != nil {
		return "", fmt.Errorf("unmarshal envelope: %w", err)
	}
	aead, ok := k.aeads[env.KeyID]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownKeyID, env.KeyID)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return "", fmt.Errorf("decode nonce: bad length %d", len(nonce))
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(scope))
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

// Reseal re-encrypts a sealed value under the current master key. Values
// already sealed with the current key are returned unchanged.
func (k *Keyring) Reseal(sealed, scope string) (string, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(sealed), &env); err == nil && env.KeyID == k.currentKeyID {
		return sealed, nil
	}
	plain, err := k.Open(sealed, scope)
	if err != nil {
		return "", err
	}
	return k.Seal(plain, scope)
}

// Scope builds the associated-data string for one account's provider key.
func Scope(account, provider string) string {
	return account + "/" + provider
}

// Mask hides all but the last four characters of a secret.
func Mask(secret string) string {
	secret = strings.TrimSpace(secret)
	if len(secret) <= 4 {
		return strings.Repeat("*", len(secret))
	}
	return "****" + secret[len(secret)-4:]
}
