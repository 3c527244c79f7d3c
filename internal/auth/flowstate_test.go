package auth_test

import (
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/authgate/internal/auth"
	"github.com/hitoshi/authgate/internal/keyring"
)

const (
	secretA = "flow-secret-aaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	secretB = "flow-secret-bbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func newKeyring(t *testing.T, secrets ...string) *keyring.Keyring {
	t.Helper()
	keys, err := keyring.New(secrets)
	if err != nil {
		t.Fatalf("failed to build keyring: %v", err)
	}
	return keys
}

func encodeFlow(t *testing.T, codec *auth.FlowCodec, created time.Time) string {
	t.Helper()
	value, err := codec.Encode(auth.FlowState{State: "abc", CodeVerifier: "verifier", CreatedAt: created})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return value
}

func TestFlowCodec_RoundTrip(t *testing.T) {
	codec := auth.NewFlowCodec(newKeyring(t, secretA), 10*time.Minute)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	value := encodeFlow(t, codec, created)
	if strings.Contains(value, "verifier") {
		t.Fatal("flow state must be encrypted")
	}

	fs, err := codec.Decode(value, created.Add(time.Minute))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if fs.State != "abc" || fs.CodeVerifier != "verifier" {
		t.Errorf("flow = %s/%s, want abc/verifier", fs.State, fs.CodeVerifier)
	}
	if !fs.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", fs.CreatedAt, created)
	}
}

func TestFlowCodec_Decode_Rejects(t *testing.T) {
	codec := auth.NewFlowCodec(newKeyring(t, secretA), 10*time.Minute)
	created := time.Now().Truncate(time.Second)
	value := encodeFlow(t, codec, created)

	tampered := []byte(value)
	tampered[len(tampered)/2] ^= 0x01
	foreign := auth.NewFlowCodec(newKeyring(t, secretB), 10*time.Minute)

	tests := []struct {
		name  string
		codec *auth.FlowCodec
		value string
		now   time.Time
	}{
		{"empty", codec, "", created},
		{"expired at ttl boundary", codec, value, created.Add(10 * time.Minute)},
		{"tampered", codec, string(tampered), created},
		{"foreign key", foreign, value, created},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.codec.Decode(tt.value, tt.now); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestFlowCodec_SurvivesRotation(t *testing.T) {
	keys := newKeyring(t, secretA)
	codec := auth.NewFlowCodec(keys, 10*time.Minute)
	created := time.Now().Truncate(time.Second)
	value := encodeFlow(t, codec, created)

	// 新しい世代を先頭に追加しても、旧世代で作ったフローは完了できる
	if err := keys.Replace([]string{secretB, secretA}); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if _, err := codec.Decode(value, created); err != nil {
		t.Errorf("Decode after rotation: %v", err)
	}

	// 旧世代を外すと無効になる
	if err := keys.Replace([]string{secretB}); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if _, err := codec.Decode(value, created); err == nil {
		t.Error("flow from a retired generation must be rejected")
	}
}
