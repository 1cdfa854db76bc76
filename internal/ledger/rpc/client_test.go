package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/punchamoorthee/stakeops/internal/domain"
	"github.com/punchamoorthee/stakeops/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerFunc func(method string, params []json.RawMessage) (interface{}, *Error)

func newTestServer(t *testing.T, h handlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JSONRPC string            `json:"jsonrpc"`
			ID      uint64            `json:"id"`
			Method  string            `json:"method"`
			Params  []json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "2.0", req.JSONRPC)

		result, rpcErr := h(req.Method, req.Params)
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return NewWithHTTP(srv.URL, srv.Client())
}

func TestAccountQueries(t *testing.T) {
	known := ledger.Address{5}
	c := newTestServer(t, func(method string, params []json.RawMessage) (interface{}, *Error) {
		var addr string
		_ = json.Unmarshal(params[0], &addr)
		switch method {
		case "getAccountInfo":
			if addr == known.String() {
				return map[string]interface{}{"value": map[string]interface{}{"lamports": 1}}, nil
			}
			return map[string]interface{}{"value": nil}, nil
		case "getTokenAccountBalance":
			if addr == known.String() {
				return map[string]interface{}{"value": map[string]interface{}{"amount": "1500000000", "decimals": 9}}, nil
			}
			return nil, &Error{Code: codeInvalidParams, Message: "could not find account"}
		}
		return nil, &Error{Code: -32601, Message: "method not found"}
	})
	ctx := context.Background()

	ok, err := c.AccountExists(ctx, known)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.AccountExists(ctx, ledger.Address{6})
	require.NoError(t, err)
	assert.False(t, ok)

	units, err := c.AccountBalance(ctx, known)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500_000_000), units)

	_, err = c.AccountBalance(ctx, ledger.Address{6})
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestSubmit(t *testing.T) {
	key, err := ledger.GenerateKeypair()
	require.NoError(t, err)
	signed, err := ledger.Sign(&ledger.Transaction{Memo: "k-1"}, key)
	require.NoError(t, err)

	t.Run("returns signature", func(t *testing.T) {
		c := newTestServer(t, func(method string, params []json.RawMessage) (interface{}, *Error) {
			var payload string
			_ = json.Unmarshal(params[0], &payload)
			raw, err := base64.StdEncoding.DecodeString(payload)
			if err != nil {
				return nil, &Error{Code: codeInvalidParams, Message: err.Error()}
			}
			tx, err := ledger.DecodeSignedTransaction(raw)
			if err != nil {
				return nil, &Error{Code: codeInvalidParams, Message: err.Error()}
			}
			return tx.Handle().String(), nil
		})
		h, err := c.Submit(context.Background(), signed)
		require.NoError(t, err)
		assert.Equal(t, signed.Handle(), h)
	})

	t.Run("preflight failure is a rejection", func(t *testing.T) {
		c := newTestServer(t, func(string, []json.RawMessage) (interface{}, *Error) {
			return nil, &Error{Code: codePreflightFailed, Message: "insufficient funds for fee"}
		})
		_, err := c.Submit(context.Background(), signed)
		var rej *ledger.RejectedError
		require.ErrorAs(t, err, &rej)
		assert.Equal(t, "insufficient funds for fee", rej.Reason)
		assert.ErrorIs(t, err, domain.ErrRejected)
	})

	t.Run("server error is not a rejection", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "bad gateway", http.StatusBadGateway)
		}))
		defer srv.Close()
		c := NewWithHTTP(srv.URL, srv.Client())

		_, err := c.Submit(context.Background(), signed)
		assert.ErrorIs(t, err, ErrNot200Status)
		assert.NotErrorIs(t, err, domain.ErrRejected)
	})
}

func TestOperationStatus(t *testing.T) {
	statuses := map[string]interface{}{
		"pending":   map[string]interface{}{"confirmationStatus": "processed", "err": nil},
		"confirmed": map[string]interface{}{"confirmationStatus": "confirmed", "err": nil},
		"finalized": map[string]interface{}{"confirmationStatus": "finalized", "err": nil},
		"failed":    map[string]interface{}{"confirmationStatus": "finalized", "err": map[string]interface{}{"InstructionError": []interface{}{1, "Custom"}}},
	}
	c := newTestServer(t, func(method string, params []json.RawMessage) (interface{}, *Error) {
		var sigs []string
		_ = json.Unmarshal(params[0], &sigs)
		return map[string]interface{}{"value": []interface{}{statuses[sigs[0]]}}, nil
	})

	for _, tc := range []struct {
		handle string
		want   ledger.Status
	}{
		{"pending", ledger.StatusPending},
		{"confirmed", ledger.StatusCommitted},
		{"finalized", ledger.StatusCommitted},
		{"failed", ledger.StatusRejected},
		{"missing", ledger.StatusNotFound},
	} {
		t.Run(tc.handle, func(t *testing.T) {
			st, err := c.OperationStatus(context.Background(), ledger.Handle(tc.handle))
			require.NoError(t, err)
			assert.Equal(t, tc.want, st.Status)
			if tc.want == ledger.StatusRejected {
				assert.Contains(t, st.Reason, "InstructionError")
			}
		})
	}
}
