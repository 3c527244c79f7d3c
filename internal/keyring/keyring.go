// Package keyring は署名シークレットの世代を管理する。
// 先頭の世代で署名し、リストに残っている全世代で検証する。
package keyring

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/hkdf"
)

// MinSecretLength はシークレット1件あたりの最小バイト数。
const MinSecretLength = 32

// サブ鍵の用途ラベル
const (
	PurposeSessionToken = "session-token"
	PurposeCSRF         = "csrf"
	PurposeFlowHash     = "flow-hash"
	PurposeFlowBlock    = "flow-block"
)

const derivedKeySize = 32

// Generation は1つのシークレット世代を表す。
type Generation struct {
	id     string
	secret []byte
	keys   sync.Map // purpose -> []byte
}

// ID は世代IDを返す。トークンのkidヘッダに入る値。
func (g *Generation) ID() string {
	return g.id
}

// Derive は用途ごとのサブ鍵をHKDF-SHA256で導出する。
// 同じ世代と用途からは常に同じ鍵が得られる。
func (g *Generation) Derive(purpose string) []byte {
	if v, ok := g.keys.Load(purpose); ok {
		return v.([]byte)
	}
	key := make([]byte, derivedKeySize)
	r := hkdf.New(sha256.New, g.secret, nil, []byte("authgate/"+purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		// 32バイトの読み出しはHKDFの上限に届かない
		panic(fmt.Sprintf("keyring: hkdf read failed: %v", err))
	}
	actual, _ := g.keys.LoadOrStore(purpose, key)
	return actual.([]byte)
}

type snapshot struct {
	generations []*Generation
	byID        map[string]*Generation
}

// Keyring は現在有効なシークレット世代の集合を保持する。
// 入れ替えはスナップショット単位で行われ、読み手は新旧どちらか一方のみを観測する。
type Keyring struct {
	current atomic.Pointer[snapshot]
}

// New は新しい順に並んだシークレットからKeyringを生成する。
func New(secrets []string) (*Keyring, error) {
	k := &Keyring{}
	if err := k.Replace(secrets); err != nil {
		return nil, err
	}
	return k, nil
}

// Replace は有効な世代集合を置き換える。
// リストから外れた世代で署名されたトークンは以後検証に失敗する。
func (k *Keyring) Replace(secrets []string) error {
	if len(secrets) == 0 {
		return errors.New("at least one signing secret is required")
	}

	var previous map[string]*Generation
	if old := k.current.Load(); old != nil {
		previous = old.byID
	}

	next := &snapshot{
		generations: make([]*Generation, 0, len(secrets)),
		byID:        make(map[string]*Generation, len(secrets)),
	}
	for i, s := range secrets {
		if len(s) < MinSecretLength {
			return fmt.Errorf("signing secret #%d is shorter than %d bytes", i+1, MinSecretLength)
		}
		id := generationID([]byte(s))
		if _, dup := next.byID[id]; dup {
			return fmt.Errorf("signing secret #%d duplicates an earlier generation", i+1)
		}
		gen, ok := previous[id]
		if !ok {
			gen = &Generation{id: id, secret: []byte(s)}
		}
		next.generations = append(next.generations, gen)
		next.byID[id] = gen
	}

	k.current.Store(next)
	return nil
}

// Reload はソースからシークレットを読み込み、世代集合を置き換える。
func (k *Keyring) Reload(ctx context.Context, src Source) error {
	secrets, err := src.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load signing secrets: %w", err)
	}
	if err := k.Replace(secrets); err != nil {
		return fmt.Errorf("failed to replace signing secrets: %w", err)
	}
	return nil
}

// Current は署名に使う最新世代を返す。
func (k *Keyring) Current() *Generation {
	return k.current.Load().generations[0]
}

// Lookup は世代IDから有効な世代を探す。
func (k *Keyring) Lookup(id string) (*Generation, bool) {
	gen, ok := k.current.Load().byID[id]
	return gen, ok
}

// Generations は有効な世代を新しい順に返す。
func (k *Keyring) Generations() []*Generation {
	gens := k.current.Load().generations
	out := make([]*Generation, len(gens))
	copy(out, gens)
	return out
}

// IDs は有効な世代IDを新しい順に返す。
func (k *Keyring) IDs() []string {
	gens := k.current.Load().generations
	ids := make([]string, len(gens))
	for i, g := range gens {
		ids[i] = g.id
	}
	return ids
}

// ParseSecrets はカンマ区切りのシークレットリストを分割する。空要素は除く。
func ParseSecrets(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func generationID(secret []byte) string {
	sum := sha256.Sum256(secret)
	return base64.RawURLEncoding.EncodeToString(sum[:])[:8]
}
