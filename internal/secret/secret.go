// Package secret encrypts channel credentials at rest and resolves them
// for publishing.
package secret

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"dealbot/internal/model"
)

// KeySize is the required key length (AES-256).
const KeySize = 32

// ErrNoCredentials is returned when a channel has no stored bot token.
var ErrNoCredentials = errors.New("channel has no credentials")

// ParseKey decodes a hex encoded 32-byte key.
func ParseKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// Encrypt seals plaintext with AES-GCM and returns nonce||ciphertext as base64.
func Encrypt(key []byte, plaintext string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func Decrypt(key []byte, encoded string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("open ciphertext: %w", err)
	}
	return string(plain), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// Credentials are the decrypted publishing details of a channel.
type Credentials struct {
	ChannelID    int64
	ChannelName  string
	ChatRef      string
	BotToken     string
	AffiliateTag string
}

// ChannelSource looks up channels.
type ChannelSource interface {
	GetChannel(ctx context.Context, id int64) (*model.Channel, error)
}

// Resolver turns channel ids into decrypted credentials.
type Resolver struct {
	channels ChannelSource
	key      []byte
}

// NewResolver creates a Resolver decrypting with key.
func NewResolver(channels ChannelSource, key []byte) *Resolver {
	return &Resolver{channels: channels, key: key}
}

// Resolve returns the credentials of a channel.
func (r *Resolver) Resolve(ctx context.Context, channelID int64) (*Credentials, error) {
	ch, err := r.channels.GetChannel(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("get channel %d: %w", channelID, err)
	}
	if ch.EncryptedToken == "" {
		return nil, fmt.Errorf("channel %d: %w", channelID, ErrNoCredentials)
	}
	token, err := Decrypt(r.key, ch.EncryptedToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt channel %d token: %w", channelID, err)
	}
	return &Credentials{
		ChannelID:    ch.ID,
		ChannelName:  ch.Name,
		ChatRef:      ch.ChatRef,
		BotToken:     token,
		AffiliateTag: ch.AffiliateTag,
	}, nil
}
