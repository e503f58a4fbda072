// Package node talks to the chain node: account/auth queries over REST,
// transaction broadcast and block-height queries over gRPC.
package node

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"dydx-adapter/pkg/chain"
	"dydx-adapter/pkg/engine"
	"dydx-adapter/pkg/wallet"
)

// Chain error codes the broadcast retry loop reacts to (codespace "sdk").
const (
	codeUnauthorized     = 4
	codeSequenceMismatch = 32
)

const defaultGasLimit = 1_000_000

// Config holds node endpoints and the outbound request budget.
type Config struct {
	RestURL  string
	GrpcAddr string
	GasLimit uint64
	// Requests per second across REST and gRPC combined.
	RateLimit float64
}

// Client is the transaction-side exchange client.
type Client struct {
	cfg        Config
	httpClient *http.Client
	conn       *grpc.ClientConn
	gate       *engine.Gate
}

// New dials the node's gRPC endpoint and prepares the REST client. Ports
// named 443 are dialed with TLS, anything else in the clear (local nodes).
func New(cfg Config) (*Client, error) {
	if cfg.GasLimit == 0 {
		cfg.GasLimit = defaultGasLimit
	}
	creds := insecure.NewCredentials()
	if strings.HasSuffix(cfg.GrpcAddr, ":443") {
		creds = credentials.NewTLS(&tls.Config{})
	}
	conn, err := grpc.NewClient(cfg.GrpcAddr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("node: dial grpc %s: %w", cfg.GrpcAddr, err)
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		conn:       conn,
		gate:       engine.NewGate("node", cfg.RateLimit, int(cfg.RateLimit)),
	}, nil
}

// Close releases the gRPC connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Account fetches account number and sequence for an address. Satisfies
// wallet.AccountSource.
func (c *Client) Account(ctx context.Context, address string) (uint64, uint64, error) {
	if err := c.gate.Wait(ctx); err != nil {
		return 0, 0, err
	}
	u := fmt.Sprintf("%s/cosmos/auth/v1beta1/accounts/%s", strings.TrimRight(c.cfg.RestURL, "/"), address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, 0, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("node: account query status %d: %s", res.StatusCode, string(body))
	}

	var resp struct {
		Account struct {
			AccountNumber string `json:"account_number"`
			Sequence      string `json:"sequence"`
		} `json:"account"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, 0, fmt.Errorf("node: decode account response: %w (%s)", err, string(body))
	}
	num, err := strconv.ParseUint(resp.Account.AccountNumber, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("node: account number %q: %w", resp.Account.AccountNumber, err)
	}
	seq, err := strconv.ParseUint(resp.Account.Sequence, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("node: sequence %q: %w", resp.Account.Sequence, err)
	}
	return num, seq, nil
}

// LatestBlockHeight queries the current chain height, used to stamp
// short-term order expiries.
func (c *Client) LatestBlockHeight(ctx context.Context) (uint32, error) {
	out, err := c.invoke(ctx, chain.MethodGetLatestBlock, chain.EncodeGetLatestBlockRequest())
	if err != nil {
		return 0, err
	}
	return chain.DecodeLatestBlockHeight(out)
}

// Authenticators lists the authenticator ids registered for an address.
func (c *Client) Authenticators(ctx context.Context, address string) ([]uint64, error) {
	out, err := c.invoke(ctx, chain.MethodGetAuthenticators, chain.EncodeGetAuthenticatorsRequest(address))
	if err != nil {
		return nil, err
	}
	return chain.DecodeAuthenticatorIDs(out)
}

// PlaceOrder signs and broadcasts a MsgPlaceOrder for the wire order.
func (c *Client) PlaceOrder(ctx context.Context, w *wallet.Wallet, o chain.WireOrder) (chain.BroadcastResult, error) {
	typeURL, value, err := chain.PlaceOrderMsg(o)
	if err != nil {
		return chain.BroadcastResult{}, err
	}
	return c.broadcastWithAuth(ctx, w, typeURL, value)
}

// CancelOrder signs and broadcasts a MsgCancelOrder. The good-til fields
// must mirror the flag regime the original order was placed with.
func (c *Client) CancelOrder(ctx context.Context, w *wallet.Wallet, id chain.OrderID, goodTilBlock, goodTilBlockTime uint32) (chain.BroadcastResult, error) {
	typeURL, value, err := chain.CancelOrderMsg(id, goodTilBlock, goodTilBlockTime)
	if err != nil {
		return chain.BroadcastResult{}, err
	}
	return c.broadcastWithAuth(ctx, w, typeURL, value)
}

// broadcastWithAuth runs the authenticator retry loop: sign with the
// current candidate, broadcast, and on an unauthorized response advance
// to the next candidate until the queue is exhausted. The authenticator
// that produces any non-unauthorized response is pinned for reuse.
func (c *Client) broadcastWithAuth(ctx context.Context, w *wallet.Wallet, typeURL string, value []byte) (chain.BroadcastResult, error) {
	seqRetried := false
	for {
		var authID *uint64
		if w.Delegated() {
			id, ok := w.TryAuthenticatorID()
			if !ok {
				return chain.BroadcastResult{}, wallet.ErrAuthenticatorNotFound
			}
			authID = &id
		}

		txRaw, err := chain.BuildSignedTx(w, typeURL, value, chain.TxParams{
			ChainID:         w.ChainID,
			AccountNumber:   w.AccountNumber,
			Sequence:        w.Sequence(),
			GasLimit:        c.cfg.GasLimit,
			AuthenticatorID: authID,
		})
		if err != nil {
			return chain.BroadcastResult{}, err
		}

		res, err := c.broadcast(ctx, txRaw)
		if err != nil {
			return chain.BroadcastResult{}, err
		}

		if authID != nil && res.Codespace == "sdk" && res.Code == codeUnauthorized {
			log.Printf("node: authenticator %d rejected, rotating (%d candidates left)", *authID, w.AuthenticatorsRemaining()-1)
			w.InvalidateAuthenticator()
			if w.AuthenticatorsRemaining() == 0 {
				return res, fmt.Errorf("node: all authenticators rejected: %s", res.RawLog)
			}
			continue
		}
		if authID != nil {
			w.PinAuthenticator(*authID)
		}

		if res.Codespace == "sdk" && res.Code == codeSequenceMismatch && !seqRetried {
			seqRetried = true
			if _, seq, aerr := c.Account(ctx, w.Address); aerr == nil {
				log.Printf("node: sequence mismatch, refreshed to %d and retrying", seq)
				w.SetSequence(seq)
				continue
			}
			return res, nil
		}

		if res.Code == 0 {
			w.IncrementSequence()
		}
		return res, nil
	}
}

func (c *Client) broadcast(ctx context.Context, txRaw []byte) (chain.BroadcastResult, error) {
	out, err := c.invoke(ctx, chain.MethodBroadcastTx, chain.EncodeBroadcastTxRequest(txRaw))
	if err != nil {
		return chain.BroadcastResult{}, err
	}
	return chain.DecodeBroadcastResponse(out)
}

// invoke performs a unary gRPC call with pre-encoded protobuf payloads,
// gated by the request budget.
func (c *Client) invoke(ctx context.Context, method string, req []byte) ([]byte, error) {
	if err := c.gate.Wait(ctx); err != nil {
		return nil, err
	}
	in := rawMessage(req)
	var out rawMessage
	if err := c.conn.Invoke(ctx, method, &in, &out, grpc.ForceCodec(rawCodec{})); err != nil {
		return nil, fmt.Errorf("node: %s: %w", method, err)
	}
	return []byte(out), nil
}
