// Package solana is a minimal ledger client: JSON-RPC reads over HTTP and a
// logsSubscribe websocket feed.
package solana

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/predictindexer/internal/domain"
)

// MaxMultipleAccounts is the per-request key limit of getMultipleAccounts.
const MaxMultipleAccounts = 100

// CallObserver is notified after every RPC call.
type CallObserver func(method string, elapsed time.Duration, err error)

// ClientConfig configures a Client.
type ClientConfig struct {
	URL        string
	Commitment string
	Timeout    time.Duration
	RPS        float64
	Burst      int
	Observer   CallObserver
}

// Client reads ledger state over JSON-RPC. Every call is throttled by a token
// bucket and bounded by a per-call timeout.
type Client struct {
	rpc        *rpc.Client
	commitment string
	timeout    time.Duration
	limiter    *rate.Limiter
	observe    CallObserver
}

// NewClient dials the RPC endpoint. HTTP endpoints are dialed lazily, so no
// network traffic happens here.
func NewClient(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Commitment == "" {
		cfg.Commitment = "confirmed"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	hc := &http.Client{Timeout: cfg.Timeout + 5*time.Second}
	rc, err := rpc.DialOptions(ctx, cfg.URL, rpc.WithHTTPClient(hc))
	if err != nil {
		return nil, fmt.Errorf("solana: dial %s: %w", cfg.URL, err)
	}

	return &Client{
		rpc:        rc,
		commitment: cfg.Commitment,
		timeout:    cfg.Timeout,
		limiter:    rate.NewLimiter(limit, cfg.Burst),
		observe:    cfg.Observer,
	}, nil
}

// Close releases the underlying transport.
func (c *Client) Close() {
	c.rpc.Close()
}

func (c *Client) call(ctx context.Context, result any, method string, args ...any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("solana: %s: %w", method, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := c.rpc.CallContext(ctx, result, method, args...)
	if c.observe != nil {
		c.observe(method, time.Since(start), err)
	}
	if err != nil {
		return fmt.Errorf("solana: %s: %w", method, err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Wire types
// --------------------------------------------------------------------------

type rpcContext struct {
	Slot uint64 `json:"slot"`
}

type rpcAccount struct {
	Data     []string `json:"data"`
	Owner    string   `json:"owner"`
	Lamports uint64   `json:"lamports"`
}

func (a *rpcAccount) toDomain(address string) (domain.AccountData, error) {
	out := domain.AccountData{Address: address, Owner: a.Owner, Lamports: a.Lamports}
	if len(a.Data) == 0 {
		return out, nil
	}
	if len(a.Data) > 1 && a.Data[1] != "base64" {
		return out, fmt.Errorf("solana: account %s: unexpected encoding %q", address, a.Data[1])
	}
	data, err := base64.StdEncoding.DecodeString(a.Data[0])
	if err != nil {
		return out, fmt.Errorf("solana: account %s: decode data: %w", address, err)
	}
	out.Data = data
	return out, nil
}

type rpcKeyedAccount struct {
	Pubkey  string     `json:"pubkey"`
	Account rpcAccount `json:"account"`
}

type rpcTransaction struct {
	Slot      uint64 `json:"slot"`
	BlockTime *int64 `json:"blockTime"`
	Meta      *struct {
		Err             any      `json:"err"`
		LogMessages     []string `json:"logMessages"`
		LoadedAddresses *struct {
			Writable []string `json:"writable"`
			Readonly []string `json:"readonly"`
		} `json:"loadedAddresses"`
	} `json:"meta"`
	Transaction struct {
		Message struct {
			AccountKeys []string `json:"accountKeys"`
		} `json:"message"`
	} `json:"transaction"`
}

// MemcmpFilter matches accounts whose data at Offset equals Bytes.
type MemcmpFilter struct {
	Offset uint64
	Bytes  []byte
}

// --------------------------------------------------------------------------
// Methods
// --------------------------------------------------------------------------

// GetTransaction fetches a confirmed transaction's logs and account keys.
// A transaction the node does not know returns domain.ErrNotFound.
func (c *Client) GetTransaction(ctx context.Context, signature string) (domain.TransactionLogs, error) {
	var raw *rpcTransaction
	opts := map[string]any{
		"encoding":                       "json",
		"maxSupportedTransactionVersion": 0,
		"commitment":                     c.commitment,
	}
	if err := c.call(ctx, &raw, "getTransaction", signature, opts); err != nil {
		return domain.TransactionLogs{}, err
	}
	if raw == nil {
		return domain.TransactionLogs{}, fmt.Errorf("solana: transaction %s: %w", signature, domain.ErrNotFound)
	}

	tx := domain.TransactionLogs{
		Signature:   signature,
		Slot:        raw.Slot,
		AccountKeys: raw.Transaction.Message.AccountKeys,
	}
	if raw.BlockTime != nil {
		tx.BlockTime = domain.Some(time.Unix(*raw.BlockTime, 0).UTC())
	}
	if raw.Meta != nil {
		tx.Failed = raw.Meta.Err != nil
		tx.Logs = raw.Meta.LogMessages
		if la := raw.Meta.LoadedAddresses; la != nil {
			tx.AccountKeys = append(tx.AccountKeys, la.Writable...)
			tx.AccountKeys = append(tx.AccountKeys, la.Readonly...)
		}
	}
	return tx, nil
}

// GetProgramAccounts lists every account owned by program that matches the
// filters, together with the slot the listing was taken at.
func (c *Client) GetProgramAccounts(ctx context.Context, program string, filters ...MemcmpFilter) ([]domain.AccountData, uint64, error) {
	wireFilters := make([]map[string]any, 0, len(filters))
	for _, f := range filters {
		wireFilters = append(wireFilters, map[string]any{
			"memcmp": map[string]any{"offset": f.Offset, "bytes": EncodeBase58(f.Bytes)},
		})
	}
	opts := map[string]any{
		"encoding":    "base64",
		"commitment":  c.commitment,
		"withContext": true,
		"filters":     wireFilters,
	}

	var resp struct {
		Context rpcContext        `json:"context"`
		Value   []rpcKeyedAccount `json:"value"`
	}
	if err := c.call(ctx, &resp, "getProgramAccounts", program, opts); err != nil {
		return nil, 0, err
	}

	out := make([]domain.AccountData, 0, len(resp.Value))
	for i := range resp.Value {
		acc, err := resp.Value[i].Account.toDomain(resp.Value[i].Pubkey)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, acc)
	}
	return out, resp.Context.Slot, nil
}

// GetAccount fetches one account. A missing account is None.
func (c *Client) GetAccount(ctx context.Context, address string) (domain.Optional[domain.AccountData], uint64, error) {
	opts := map[string]any{"encoding": "base64", "commitment": c.commitment}
	var resp struct {
		Context rpcContext  `json:"context"`
		Value   *rpcAccount `json:"value"`
	}
	if err := c.call(ctx, &resp, "getAccountInfo", address, opts); err != nil {
		return domain.None[domain.AccountData](), 0, err
	}
	if resp.Value == nil {
		return domain.None[domain.AccountData](), resp.Context.Slot, nil
	}
	acc, err := resp.Value.toDomain(address)
	if err != nil {
		return domain.None[domain.AccountData](), 0, err
	}
	return domain.Some(acc), resp.Context.Slot, nil
}

// GetMultipleAccounts fetches accounts in chunks of MaxMultipleAccounts.
// Missing accounts are omitted. The returned slot is the lowest context slot
// across chunks.
func (c *Client) GetMultipleAccounts(ctx context.Context, addresses []string) ([]domain.AccountData, uint64, error) {
	var (
		out  []domain.AccountData
		slot uint64
	)
	opts := map[string]any{"encoding": "base64", "commitment": c.commitment}

	for start := 0; start < len(addresses); start += MaxMultipleAccounts {
		end := min(start+MaxMultipleAccounts, len(addresses))
		chunk := addresses[start:end]

		var resp struct {
			Context rpcContext    `json:"context"`
			Value   []*rpcAccount `json:"value"`
		}
		if err := c.call(ctx, &resp, "getMultipleAccounts", chunk, opts); err != nil {
			return nil, 0, err
		}
		if slot == 0 || resp.Context.Slot < slot {
			slot = resp.Context.Slot
		}
		for i, v := range resp.Value {
			if v == nil || i >= len(chunk) {
				continue
			}
			acc, err := v.toDomain(chunk[i])
			if err != nil {
				return nil, 0, err
			}
			out = append(out, acc)
		}
	}
	return out, slot, nil
}

// GetSlot returns the node's current slot.
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	if err := c.call(ctx, &slot, "getSlot", map[string]any{"commitment": c.commitment}); err != nil {
		return 0, err
	}
	return slot, nil
}
