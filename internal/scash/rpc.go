package scash

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/bardlex/scashpool/pkg/circuit"
	"github.com/bardlex/scashpool/pkg/errors"
	"github.com/bardlex/scashpool/pkg/retry"
)

// RPCConfig configures the node client.
type RPCConfig struct {
	URL      string // e.g. http://127.0.0.1:18443
	User     string
	Password string
	Timeout  time.Duration
}

// RPCClient is a JSON-RPC 2.0 client for the Scash node. Every call runs
// through a circuit breaker and a retry policy.
type RPCClient struct {
	url        string
	user       string
	password   string
	httpClient *http.Client

	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	submitConfig   *retry.Config

	nextID atomic.Uint64
}

// NewRPCClient creates a node client. onBreaker, if non-nil, is told about
// circuit breaker state changes.
func NewRPCClient(cfg RPCConfig, onBreaker func(name string, from, to circuit.State)) (*RPCClient, error) {
	if cfg.URL == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "rpc_client_creation", "node URL is required")
	}
	if !strings.HasPrefix(cfg.URL, "http://") && !strings.HasPrefix(cfg.URL, "https://") {
		cfg.URL = "http://" + cfg.URL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	cbConfig := circuit.NodeConfig("scash-rpc")
	cbConfig.OnStateChange = onBreaker

	return &RPCClient{
		url:            cfg.URL,
		user:           cfg.User,
		password:       cfg.Password,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.NodeConfig(),
		submitConfig:   retry.SubmitConfig(),
	}, nil
}

// Breaker exposes the client's circuit breaker for health reporting.
func (c *RPCClient) Breaker() *circuit.Breaker {
	return c.circuitBreaker
}

// call performs one JSON-RPC round trip and decodes the result into out.
func (c *RPCClient) call(ctx context.Context, method string, params []any, out any) error {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(RPCRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, method, "failed to encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, method, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.user, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, method, "node request failed").
			WithRetryable(ctx.Err() == nil)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, method, "failed to read node response")
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return errors.New(errors.ErrorTypeNode, method, "node rejected RPC credentials").
			WithContext("status", resp.StatusCode)
	}

	// The node answers RPC-level errors with 4xx/5xx and a JSON body, so the
	// body is decoded before the status is judged.
	var rpcResp RPCResponse
	if err := json.Unmarshal(payload, &rpcResp); err != nil {
		se := errors.Newf(errors.ErrorTypeNode, method, "unexpected response (HTTP %d)", resp.StatusCode)
		se.Cause = err
		return se.WithRetryable(resp.StatusCode >= 500)
	}

	if rpcResp.Error != nil {
		return errors.Wrap(rpcResp.Error, errors.ErrorTypeNode, method, "node returned an error").
			WithContext("code", int(rpcResp.Error.Code)).
			WithRetryable(rpcResp.Error.Code == btcjson.ErrRPCInWarmup)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNode, method, "failed to decode result")
	}
	return nil
}

func callWithResult[T any](ctx context.Context, c *RPCClient, method string, params ...any) (T, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (T, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (T, error) {
			var out T
			err := c.call(ctx, method, params, &out)
			return out, err
		})
	})
}

// GetBlockTemplate requests a new template with the segwit rule set.
func (c *RPCClient) GetBlockTemplate(ctx context.Context) (*BlockTemplate, error) {
	req := &btcjson.TemplateRequest{Rules: []string{"segwit"}}
	return callWithResult[*BlockTemplate](ctx, c, "getblocktemplate", req)
}

// GetBlockCount returns the height of the node's best chain.
func (c *RPCClient) GetBlockCount(ctx context.Context) (int64, error) {
	return callWithResult[int64](ctx, c, "getblockcount")
}

// GetBlock returns verbose information about a block.
func (c *RPCClient) GetBlock(ctx context.Context, hash string) (*BlockInfo, error) {
	return callWithResult[*BlockInfo](ctx, c, "getblock", hash, 1)
}

// GetMiningInfo returns the node's mining statistics.
func (c *RPCClient) GetMiningInfo(ctx context.Context) (*MiningInfo, error) {
	return callWithResult[*MiningInfo](ctx, c, "getmininginfo")
}

// GetNetworkInfo returns the node's network status.
func (c *RPCClient) GetNetworkInfo(ctx context.Context) (*NetworkInfo, error) {
	return callWithResult[*NetworkInfo](ctx, c, "getnetworkinfo")
}

// GetBlockchainInfo returns the node's chain status.
func (c *RPCClient) GetBlockchainInfo(ctx context.Context) (*BlockchainInfo, error) {
	return callWithResult[*BlockchainInfo](ctx, c, "getblockchaininfo")
}

// SubmitBlock submits a serialized block. A null result means the node
// accepted it; any string result is a rejection reason.
func (c *RPCClient) SubmitBlock(ctx context.Context, blockHex string) error {
	return c.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, c.submitConfig, func() error {
			var reason *string
			if err := c.call(ctx, "submitblock", []any{blockHex}, &reason); err != nil {
				return err
			}
			if reason != nil && *reason != "" {
				return errors.New(errors.ErrorTypeSubmission, "submitblock",
					fmt.Sprintf("node rejected block: %s", *reason)).
					WithContext("reason", *reason)
			}
			return nil
		})
	})
}
