package ledger

import (
	"fmt"
	"strings"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/voxrun/internal/model"
	"github.com/msageha/voxrun/internal/store"
)

const registryPrefix = "tokenized/"

// Receipt records a confirmed chunk commitment.
type Receipt struct {
	TokenID     string    `yaml:"token_id"`
	TxID        string    `yaml:"txid"`
	Height      uint64    `yaml:"height"`
	ConfirmedAt time.Time `yaml:"confirmed_at"`
}

// Registry is the "already tokenized" record, one store key per chunk.
type Registry struct {
	store store.Store
}

func NewRegistry(st store.Store) *Registry {
	return &Registry{store: st}
}

func registryKey(key model.ChunkKey) string {
	return registryPrefix + key.String()
}

func (r *Registry) Record(key model.ChunkKey, receipt Receipt) error {
	data, err := yamlv3.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}
	if err := r.store.Set(registryKey(key), string(data)); err != nil {
		return fmt.Errorf("record chunk %s: %w", key, err)
	}
	return nil
}

func (r *Registry) Lookup(key model.ChunkKey) (Receipt, bool, error) {
	raw, ok, err := r.store.Get(registryKey(key))
	if err != nil || !ok {
		return Receipt{}, false, err
	}
	var receipt Receipt
	if err := yamlv3.Unmarshal([]byte(raw), &receipt); err != nil {
		return Receipt{}, false, fmt.Errorf("parse receipt for chunk %s: %w", key, err)
	}
	return receipt, true, nil
}

// Has reports whether key has a receipt. Lookup errors count as absent.
func (r *Registry) Has(key model.ChunkKey) bool {
	_, ok, err := r.Lookup(key)
	return err == nil && ok
}

func (r *Registry) List() ([]model.ChunkKey, error) {
	keys, err := r.store.Keys(registryPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]model.ChunkKey, 0, len(keys))
	for _, k := range keys {
		ck, err := model.ParseChunkKey(strings.TrimPrefix(k, registryPrefix))
		if err != nil {
			continue
		}
		out = append(out, ck)
	}
	return out, nil
}
