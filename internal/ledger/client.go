// Package ledger submits signed chunk tokens to the ledger network and keeps
// the local record of confirmed chunks.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/msageha/voxrun/internal/identity"
	"github.com/msageha/voxrun/internal/logging"
	"github.com/msageha/voxrun/internal/maze"
	"github.com/msageha/voxrun/internal/model"
)

var (
	ErrRejected    = errors.New("ledger rejected")
	ErrUnconfirmed = errors.New("not confirmed")
)

const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusRejected  = "rejected"
)

// TransitionStatus is the ledger's view of a submitted token.
type TransitionStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	TxID   string `json:"txid,omitempty"`
	Height uint64 `json:"height,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

// IdentitySource yields the signing identity, or identity.ErrNotReady.
type IdentitySource interface {
	Identity() (*identity.Identity, error)
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.log = l }
}

// Client implements tokenqueue.Submitter against the ledger HTTP API.
type Client struct {
	endpoint     string
	network      string
	seed         string
	ids          IdentitySource
	registry     *Registry
	http         *http.Client
	clock        clock.Clock
	log          *logging.Logger
	pollInterval time.Duration
	maxPolls     int
	headTTL      time.Duration

	headGroup singleflight.Group
	headMu    sync.Mutex
	head      Head
	headAt    time.Time
	headValid bool
}

func NewClient(cfg model.LedgerConfig, seed string, ids IdentitySource, registry *Registry, opts ...Option) *Client {
	c := &Client{
		endpoint:     strings.TrimRight(cfg.Endpoint, "/"),
		network:      cfg.Network,
		seed:         seed,
		ids:          ids,
		registry:     registry,
		http:         &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second},
		clock:        clock.RealClock{},
		pollInterval: time.Duration(cfg.ConfirmPollMs) * time.Millisecond,
		maxPolls:     cfg.ConfirmMaxPolls,
		headTTL:      time.Duration(cfg.HeadCacheMs) * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logging.Discard()
	}
	if c.maxPolls <= 0 {
		c.maxPolls = 1
	}
	return c
}

// Submit builds, signs and submits the token for one chunk, then waits for
// confirmation. Any failure is returned with a readable message.
func (c *Client) Submit(ctx context.Context, chunkX, chunkZ int) error {
	key := model.ChunkKey{X: chunkX, Z: chunkZ}
	if c.registry != nil && c.registry.Has(key) {
		c.log.Debugf("already tokenized chunk=%s", key)
		return nil
	}

	id, err := c.ids.Identity()
	if err != nil {
		return fmt.Errorf("sign chunk %s: %w", key, err)
	}

	head, err := c.Head(ctx)
	if err != nil {
		return fmt.Errorf("chunk %s: %w", key, err)
	}

	token := Token{
		ID:          uuid.NewString(),
		Network:     c.network,
		Chunk:       key,
		StateDigest: maze.GenerateLayout(chunkX, chunkZ, c.seed).Digest(),
		PrevRoot:    head.Root,
		Height:      head.Height + 1,
		IssuedAt:    c.clock.Now().UTC(),
	}
	token.Sign(id)

	st, err := c.post(ctx, token)
	if err != nil {
		return err
	}
	c.log.Debugf("submitted chunk=%s token=%s status=%s", key, token.ID, st.Status)

	for poll := 0; st.Status != StatusConfirmed; poll++ {
		if st.Status == StatusRejected {
			return fmt.Errorf("%w chunk %s: %s", ErrRejected, key, st.Reason)
		}
		if poll >= c.maxPolls {
			return fmt.Errorf("chunk %s: %w after %d polls", key, ErrUnconfirmed, poll)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("chunk %s: %w", key, ctx.Err())
		case <-c.clock.After(c.pollInterval):
		}
		if st, err = c.status(ctx, token.ID); err != nil {
			return fmt.Errorf("chunk %s: %w", key, err)
		}
	}

	c.invalidateHead()
	if c.registry != nil {
		receipt := Receipt{
			TokenID:     token.ID,
			TxID:        st.TxID,
			Height:      st.Height,
			ConfirmedAt: c.clock.Now().UTC(),
		}
		if err := c.registry.Record(key, receipt); err != nil {
			c.log.Warnf("receipt not recorded chunk=%s error=%v", key, err)
		}
	}
	return nil
}

// Head returns the ledger tip. Concurrent callers share one request and the
// result is cached for the configured TTL.
func (c *Client) Head(ctx context.Context) (Head, error) {
	c.headMu.Lock()
	if c.headValid && c.clock.Since(c.headAt) < c.headTTL {
		h := c.head
		c.headMu.Unlock()
		return h, nil
	}
	c.headMu.Unlock()

	v, err, _ := c.headGroup.Do("head", func() (interface{}, error) {
		c.headMu.Lock()
		if c.headValid && c.clock.Since(c.headAt) < c.headTTL {
			h := c.head
			c.headMu.Unlock()
			return h, nil
		}
		c.headMu.Unlock()

		var h Head
		if err := c.getJSON(ctx, "/v1/head", &h); err != nil {
			return Head{}, fmt.Errorf("fetch head: %w", err)
		}
		c.headMu.Lock()
		c.head, c.headAt, c.headValid = h, c.clock.Now(), true
		c.headMu.Unlock()
		return h, nil
	})
	if err != nil {
		return Head{}, err
	}
	return v.(Head), nil
}

func (c *Client) invalidateHead() {
	c.headMu.Lock()
	c.headValid = false
	c.headMu.Unlock()
}

func (c *Client) post(ctx context.Context, token Token) (TransitionStatus, error) {
	body, err := json.Marshal(token)
	if err != nil {
		return TransitionStatus{}, fmt.Errorf("marshal token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/transitions", bytes.NewReader(body))
	if err != nil {
		return TransitionStatus{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return TransitionStatus{}, fmt.Errorf("submit chunk %s: %w", token.Chunk, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return TransitionStatus{}, fmt.Errorf("submit chunk %s: read response: %w", token.Chunk, err)
	}

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return TransitionStatus{}, fmt.Errorf("%w chunk %s: %s", ErrRejected, token.Chunk, reason(data, resp.Status))
	case resp.StatusCode >= 300:
		return TransitionStatus{}, fmt.Errorf("submit chunk %s: ledger returned %s", token.Chunk, resp.Status)
	}

	var st TransitionStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return TransitionStatus{}, fmt.Errorf("submit chunk %s: decode response: %w", token.Chunk, err)
	}
	if st.Status == "" {
		st.Status = StatusPending
	}
	return st, nil
}

func (c *Client) status(ctx context.Context, id string) (TransitionStatus, error) {
	var st TransitionStatus
	if err := c.getJSON(ctx, "/v1/transitions/"+url.PathEscape(id), &st); err != nil {
		return TransitionStatus{}, fmt.Errorf("poll transition %s: %w", id, err)
	}
	return st, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ledger returned %s: %s", resp.Status, reason(data, ""))
	}
	return json.Unmarshal(data, v)
}

func reason(body []byte, fallback string) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Error != "" {
		return eb.Error
	}
	if s := strings.TrimSpace(string(body)); s != "" {
		return s
	}
	return fallback
}
