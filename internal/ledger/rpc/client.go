// Package rpc talks to a ledger node over JSON-RPC 2.0 using the
// getAccountInfo, getTokenAccountBalance, sendTransaction and
// getSignatureStatuses methods.
package rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/punchamoorthee/stakeops/internal/ledger"
)

// JSON-RPC error codes the node uses for definite answers.
const (
	codeInvalidParams   = -32602
	codePreflightFailed = -32002
)

var ErrNot200Status = errors.New("not 200 status code")

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

type request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

type Client struct {
	url    string
	c      *http.Client
	nextID atomic.Uint64
}

var _ ledger.Ledger = (*Client)(nil)

func New(url string) *Client {
	return NewWithHTTP(url, http.DefaultClient)
}

func NewWithHTTP(url string, c *http.Client) *Client {
	return &Client{url: url, c: c}
}

func (c *Client) AccountExists(ctx context.Context, addr ledger.Address) (bool, error) {
	var res struct {
		Value *json.RawMessage `json:"value"`
	}
	if err := c.call(ctx, "getAccountInfo", []interface{}{addr.String(), map[string]string{"encoding": "base64"}}, &res); err != nil {
		return false, fmt.Errorf("unable to retrieve account - %w", err)
	}
	return res.Value != nil && string(*res.Value) != "null", nil
}

func (c *Client) AccountBalance(ctx context.Context, addr ledger.Address) (uint64, error) {
	var res struct {
		Value struct {
			Amount string `json:"amount"`
		} `json:"value"`
	}
	err := c.call(ctx, "getTokenAccountBalance", []interface{}{addr.String()}, &res)
	if err != nil {
		var rpcErr *Error
		if errors.As(err, &rpcErr) && rpcErr.Code == codeInvalidParams {
			return 0, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, addr)
		}
		return 0, fmt.Errorf("unable to retrieve balance - %w", err)
	}
	units, err := strconv.ParseUint(res.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unable to parse balance %q - %w", res.Value.Amount, err)
	}
	return units, nil
}

func (c *Client) Submit(ctx context.Context, tx *ledger.SignedTransaction) (ledger.Handle, error) {
	encoded := base64.StdEncoding.EncodeToString(tx.Encode())
	var sig string
	err := c.call(ctx, "sendTransaction", []interface{}{encoded, map[string]string{"encoding": "base64"}}, &sig)
	if err != nil {
		var rpcErr *Error
		if errors.As(err, &rpcErr) && rpcErr.Code == codePreflightFailed {
			return "", &ledger.RejectedError{Reason: rpcErr.Message}
		}
		return "", err
	}
	return ledger.Handle(sig), nil
}

func (c *Client) OperationStatus(ctx context.Context, h ledger.Handle) (ledger.OperationStatus, error) {
	var res struct {
		Value []*struct {
			ConfirmationStatus string          `json:"confirmationStatus"`
			Err                json.RawMessage `json:"err"`
		} `json:"value"`
	}
	params := []interface{}{[]string{h.String()}, map[string]bool{"searchTransactionHistory": true}}
	if err := c.call(ctx, "getSignatureStatuses", params, &res); err != nil {
		return ledger.OperationStatus{}, fmt.Errorf("unable to retrieve status - %w", err)
	}
	if len(res.Value) == 0 || res.Value[0] == nil {
		return ledger.OperationStatus{Status: ledger.StatusNotFound}, nil
	}
	st := res.Value[0]
	if len(st.Err) > 0 && string(st.Err) != "null" {
		return ledger.OperationStatus{Status: ledger.StatusRejected, Reason: string(st.Err)}, nil
	}
	switch st.ConfirmationStatus {
	case "confirmed", "finalized":
		return ledger.OperationStatus{Status: ledger.StatusCommitted}, nil
	}
	return ledger.OperationStatus{Status: ledger.StatusPending}, nil
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	body, err := json.Marshal(request{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %d %s", ErrNot200Status, resp.StatusCode, bytes.TrimSpace(raw))
	}

	var r response
	if err := json.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("unable to unmarshal response - %w", err)
	}
	if r.Error != nil {
		return r.Error
	}
	return json.Unmarshal(r.Result, result)
}
