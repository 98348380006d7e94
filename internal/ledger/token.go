package ledger

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/msageha/voxrun/internal/identity"
	"github.com/msageha/voxrun/internal/model"
)

const tokenVersion = "voxrun-token-v1"

// Head is the ledger tip a new transition builds on.
type Head struct {
	Height uint64 `json:"height"`
	Root   string `json:"root"`
}

// Token is a signed state transition committing one chunk.
type Token struct {
	ID          string         `json:"id"`
	Network     string         `json:"network"`
	Chunk       model.ChunkKey `json:"chunk"`
	StateDigest string         `json:"state_digest"`
	PrevRoot    string         `json:"prev_root"`
	Height      uint64         `json:"height"`
	IssuedAt    time.Time      `json:"issued_at"`
	PublicKey   string         `json:"public_key"`
	Signature   string         `json:"signature,omitempty"`
}

// SigningBytes is the canonical form covered by the signature.
func (t Token) SigningBytes() []byte {
	return []byte(strings.Join([]string{
		tokenVersion,
		t.ID,
		t.Network,
		t.Chunk.String(),
		t.StateDigest,
		t.PrevRoot,
		strconv.FormatUint(t.Height, 10),
		t.IssuedAt.UTC().Format(time.RFC3339Nano),
		t.PublicKey,
	}, "\n"))
}

func (t *Token) Sign(id *identity.Identity) {
	t.PublicKey = id.PublicHex()
	t.Signature = hex.EncodeToString(id.Sign(t.SigningBytes()))
}

func (t Token) Verify() error {
	pub, err := hex.DecodeString(t.PublicKey)
	if err != nil {
		return fmt.Errorf("decode public key: %w", err)
	}
	sig, err := hex.DecodeString(t.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if !identity.Verify(pub, t.SigningBytes(), sig) {
		return fmt.Errorf("signature mismatch for token %s", t.ID)
	}
	return nil
}
