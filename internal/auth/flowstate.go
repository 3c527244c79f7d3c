package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/securecookie"

	"github.com/hitoshi/authgate/internal/keyring"
)

// FlowCookieName はログイン試行中のFlowStateを保持するCookie名。
const FlowCookieName = "oauth_flow"

var (
	errFlowMissing = errors.New("flow state cookie is missing")
	errFlowExpired = errors.New("flow state has expired")
)

// FlowState はログイン試行1回分の一時的な秘密情報。
// サーバー側には保存せず、署名・暗号化したHttpOnly Cookieにのみ置く。
type FlowState struct {
	State        string    `json:"s"`
	CodeVerifier string    `json:"v"`
	CreatedAt    time.Time `json:"c"`
}

// FlowCodec はFlowStateをCookie値に符号化する。
// 鍵はキーリングの各世代から導出し、最新世代で符号化して全世代で復号を試みる。
type FlowCodec struct {
	keys *keyring.Keyring
	ttl  time.Duration
}

// NewFlowCodec は新しいFlowCodecを生成する。
func NewFlowCodec(keys *keyring.Keyring, ttl time.Duration) *FlowCodec {
	return &FlowCodec{keys: keys, ttl: ttl}
}

// TTL はFlowStateの有効期間を返す。
func (c *FlowCodec) TTL() time.Duration {
	return c.ttl
}

func (c *FlowCodec) codecs() []securecookie.Codec {
	gens := c.keys.Generations()
	out := make([]securecookie.Codec, 0, len(gens))
	for _, gen := range gens {
		sc := securecookie.New(gen.Derive(keyring.PurposeFlowHash), gen.Derive(keyring.PurposeFlowBlock))
		sc.MaxAge(int(c.ttl / time.Second))
		sc.SetSerializer(securecookie.JSONEncoder{})
		out = append(out, sc)
	}
	return out
}

// Encode はFlowStateをCookie値に符号化する。
func (c *FlowCodec) Encode(fs FlowState) (string, error) {
	value, err := securecookie.EncodeMulti(FlowCookieName, fs, c.codecs()...)
	if err != nil {
		return "", fmt.Errorf("failed to encode flow state: %w", err)
	}
	return value, nil
}

// Decode はCookie値を復号し、nowの時点で有効なFlowStateを返す。
// 改ざん・未知の鍵・期限切れはすべてエラーになる。
func (c *FlowCodec) Decode(value string, now time.Time) (FlowState, error) {
	if value == "" {
		return FlowState{}, errFlowMissing
	}

	var fs FlowState
	if err := securecookie.DecodeMulti(FlowCookieName, value, &fs, c.codecs()...); err != nil {
		return FlowState{}, fmt.Errorf("failed to decode flow state: %w", err)
	}
	if fs.State == "" || fs.CodeVerifier == "" || fs.CreatedAt.IsZero() {
		return FlowState{}, errors.New("flow state is incomplete")
	}
	if !now.Before(fs.CreatedAt.Add(c.ttl)) {
		return FlowState{}, errFlowExpired
	}
	return fs, nil
}
