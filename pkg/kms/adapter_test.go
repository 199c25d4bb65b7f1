package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"testing"
)

const testLocalKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

type mockProvider struct {
	failDecrypt bool
	secrets     map[string]string
}

func (m *mockProvider) EncryptWithContext(ctx context.Context, plaintext []byte, encContext []byte) ([]byte, error) {
	return append(append([]byte{}, encContext...), plaintext...), nil
}

func (m *mockProvider) DecryptWithContext(ctx context.Context, ciphertext []byte, encContext []byte) ([]byte, error) {
	if m.failDecrypt {
		return nil, errors.New("primary down")
	}
	if len(ciphertext) < len(encContext) || string(ciphertext[:len(encContext)]) != string(encContext) {
		return nil, errors.New("context mismatch")
	}
	return ciphertext[len(encContext):], nil
}

func (m *mockProvider) GetSecret(ctx context.Context, key string) (string, error) {
	v, ok := m.secrets[key]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func TestEncryptionContextBinding(t *testing.T) {
	t.Setenv("KMS_LOCAL_KEY", testLocalKey)
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("AWS_REGION", "")
	adapter, err := NewAdapter(context.Background())
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	ctx := context.Background()
	plaintext := []byte("ledger seed material")

	t.Run("matching context", func(t *testing.T) {
		ec := EncryptionContext{"purpose": "ledger-signing-key"}
		ct, err := adapter.EncryptWithContext(ctx, plaintext, ec)
		if err != nil {
			t.Fatal(err)
		}
		got, err := adapter.DecryptWithContext(ctx, ct, ec)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if string(got) != string(plaintext) {
			t.Errorf("got %q, want %q", got, plaintext)
		}
	})

	t.Run("different context fails", func(t *testing.T) {
		ct, _ := adapter.EncryptWithContext(ctx, plaintext, EncryptionContext{"purpose": "a"})
		if _, err := adapter.DecryptWithContext(ctx, ct, EncryptionContext{"purpose": "b"}); err == nil {
			t.Error("decrypt succeeded under a different context")
		}
	})

	t.Run("missing context fails", func(t *testing.T) {
		ct, _ := adapter.EncryptWithContext(ctx, plaintext, EncryptionContext{"purpose": "a"})
		if _, err := adapter.DecryptWithContext(ctx, ct, nil); err == nil {
			t.Error("decrypt succeeded without context")
		}
	})

	t.Run("key order is irrelevant", func(t *testing.T) {
		ct, _ := adapter.EncryptWithContext(ctx, plaintext, EncryptionContext{"a": "1", "z": "26", "m": "13"})
		if _, err := adapter.DecryptWithContext(ctx, ct, EncryptionContext{"z": "26", "m": "13", "a": "1"}); err != nil {
			t.Errorf("decrypt with reordered context: %v", err)
		}
	})
}

func TestEnvProviderIsPlainGCM(t *testing.T) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	p, err := newEnvProvider(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatal(err)
	}
	block, _ := aes.NewCipher(key)
	gcm, _ := cipher.NewGCM(block)
	nonce := make([]byte, gcm.NonceSize())
	io.ReadFull(rand.Reader, nonce)
	sealed := gcm.Seal(nonce, nonce, []byte("seed"), nil)

	got, err := p.DecryptWithContext(context.Background(), sealed, nil)
	if err != nil {
		t.Fatalf("decrypt externally sealed data: %v", err)
	}
	if string(got) != "seed" {
		t.Errorf("got %q", got)
	}
}

func TestNewEnvProviderRejectsShortKey(t *testing.T) {
	if _, err := newEnvProvider(base64.StdEncoding.EncodeToString(make([]byte, 16))); err == nil {
		t.Error("expected error for 16 byte key")
	}
	if _, err := newEnvProvider("not base64!"); err == nil {
		t.Error("expected error for invalid base64")
	}
}

func TestAdapterFailClosed(t *testing.T) {
	primary := &mockProvider{failDecrypt: true}
	fallback := &mockProvider{}
	ctx := context.Background()

	closed := NewAdapterWithProviders(primary, fallback, true)
	if _, err := closed.DecryptWithContext(ctx, []byte("x"), nil); err == nil {
		t.Error("fail-closed adapter fell back")
	}

	open := NewAdapterWithProviders(primary, fallback, false)
	got, err := open.DecryptWithContext(ctx, []byte("x"), nil)
	if err != nil {
		t.Fatalf("fail-open adapter: %v", err)
	}
	if string(got) != "x" {
		t.Errorf("got %q", got)
	}
}

func TestNoProviders(t *testing.T) {
	t.Setenv("KMS_LOCAL_KEY", "")
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("AWS_REGION", "")
	if _, err := NewAdapter(context.Background()); !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("expected ErrProviderUnavailable, got %v", err)
	}
}
