package secret

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"dealbot/internal/model"
	"dealbot/internal/storage"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := ParseKey(testKeyHex)
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	return key
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{name: "valid", in: testKeyHex},
		{name: "not hex", in: strings.Repeat("zz", 32), wantErr: true},
		{name: "too short", in: "0011", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseKey(tt.in)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseKey() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEncryptDecrypt(t *testing.T) {
	key := testKey(t)

	a, err := Encrypt(key, "123456:ABC-token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := Encrypt(key, "123456:ABC-token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if a == b {
		t.Error("two encryptions produced identical ciphertext")
	}

	got, err := Decrypt(key, a)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != "123456:ABC-token" {
		t.Errorf("Decrypt() = %q", got)
	}

	other := make([]byte, KeySize)
	if _, err := Decrypt(other, a); err == nil {
		t.Error("Decrypt with wrong key succeeded")
	}
	if _, err := Decrypt(key, "!!!"); err == nil {
		t.Error("Decrypt of invalid base64 succeeded")
	}
	if _, err := Decrypt(key, "AAAA"); err == nil {
		t.Error("Decrypt of short input succeeded")
	}
}

type fakeChannels map[int64]*model.Channel

func (f fakeChannels) GetChannel(_ context.Context, id int64) (*model.Channel, error) {
	ch, ok := f[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return ch, nil
}

func TestResolve(t *testing.T) {
	key := testKey(t)
	enc, err := Encrypt(key, "bot-token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	channels := fakeChannels{
		1: {ID: 1, Name: "Deals", ChatRef: "@deals", EncryptedToken: enc, AffiliateTag: "tag-20"},
		2: {ID: 2, Name: "Bare", ChatRef: "-100123"},
		3: {ID: 3, Name: "Broken", ChatRef: "@broken", EncryptedToken: "bm90LXZhbGlkLWNpcGhlcnRleHQ="},
	}
	r := NewResolver(channels, key)
	ctx := context.Background()

	got, err := r.Resolve(ctx, 1)
	if err != nil {
		t.Fatalf("Resolve(1): %v", err)
	}
	want := &Credentials{ChannelID: 1, ChannelName: "Deals", ChatRef: "@deals", BotToken: "bot-token", AffiliateTag: "tag-20"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("credentials mismatch (-want +got):\n%s", diff)
	}

	if _, err := r.Resolve(ctx, 2); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("Resolve(2) error = %v, want ErrNoCredentials", err)
	}
	if _, err := r.Resolve(ctx, 3); err == nil {
		t.Error("Resolve(3) succeeded with undecryptable token")
	}
	if _, err := r.Resolve(ctx, 4); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Resolve(4) error = %v, want ErrNotFound", err)
	}
}
