package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/cellbench/cellbench/ledger"
	"github.com/cellbench/cellbench/util"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"
)

const testEndpoint = "http://127.0.0.1:18114"

func mockClient(t *testing.T) *Client {
	c := New(testEndpoint)
	httpmock.ActivateNonDefault(&c.c)
	t.Cleanup(httpmock.DeactivateAndReset)
	return c
}

func respondResult(result any) httpmock.Responder {
	return func(req *http.Request) (*http.Response, error) {
		var rpcReq rpcRequest
		if err := json.NewDecoder(req.Body).Decode(&rpcReq); err != nil {
			return nil, err
		}
		return httpmock.NewJsonResponse(200, map[string]any{
			"jsonrpc": "2.0",
			"id":      rpcReq.ID,
			"result":  result,
		})
	}
}

func respondError(code int, message string) httpmock.Responder {
	return func(*http.Request) (*http.Response, error) {
		return httpmock.NewJsonResponse(200, map[string]any{
			"jsonrpc": "2.0",
			"id":      1,
			"error":   map[string]any{"code": code, "message": message},
		})
	}
}

func testTx() *ledger.Transaction {
	account := ledger.MakeAccountID(ledger.LockSighashBlake160, []byte{1})
	return &ledger.Transaction{
		Skeleton: ledger.Skeleton{
			Inputs: []ledger.Cell{{
				OutPoint: ledger.NewOutPoint(ledger.HashData([]byte("prev")), 0),
				Capacity: 100,
				Account:  account,
			}},
			Outputs: []ledger.Output{
				{Capacity: 90, Scheme: ledger.LockSighashBlake160, LockArgs: []byte{1}},
			},
			Fee: 10,
		},
		Witnesses: [][]byte{make([]byte, 65)},
	}
}

func TestGetTipHeader(t *testing.T) {
	c := mockClient(t)
	tipHash := ledger.HashData([]byte("tip"))
	httpmock.RegisterResponder("POST", testEndpoint,
		respondResult(headerJSON{Height: 1000, Hash: tipHash.String()}))

	tip, err := c.GetTipHeader()
	require.NoError(t, err)
	require.EqualValues(t, 1000, tip.Height)
	require.EqualValues(t, tipHash, tip.Hash)
}

func TestGetHeaderByHeightNotFound(t *testing.T) {
	c := mockClient(t)
	httpmock.RegisterResponder("POST", testEndpoint, respondResult(nil))

	_, found, err := c.GetHeaderByHeight(55)
	require.NoError(t, err)
	require.False(t, found)
}

func TestGetBlockByHeight(t *testing.T) {
	c := mockClient(t)
	blockHash := ledger.HashData([]byte("block"))
	parentHash := ledger.HashData([]byte("parent"))
	txID := ledger.HashData([]byte("tx"))
	prevID := ledger.HashData([]byte("prev"))

	httpmock.RegisterResponder("POST", testEndpoint, respondResult(blockJSON{
		Height:     7,
		Hash:       blockHash.String(),
		ParentHash: parentHash.String(),
		Transactions: []txJSON{{
			TxID:   txID.String(),
			Inputs: []outPointJSON{{TxID: prevID.String(), Index: 2}},
			Outputs: []outputJSON{
				{Capacity: 100, Lock: lockJSON{Scheme: "sighash_blake160", Args: "0102"}},
				{Capacity: 200, Lock: lockJSON{Scheme: "some_exotic_lock", Args: "ff"}},
				{Capacity: 300, Lock: lockJSON{Scheme: "keccak_acpl", Args: "0304"}},
			},
		}},
	}))

	block, found, err := c.GetBlockByHeight(7)
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, blockHash, block.Hash)
	require.EqualValues(t, parentHash, block.ParentHash)
	require.Len(t, block.Transactions, 1)

	tx := block.Transactions[0]
	require.EqualValues(t, txID, tx.TxID)
	require.Equal(t, []ledger.OutPoint{ledger.NewOutPoint(prevID, 2)}, tx.Inputs)

	// outputs stay positional even when a lock scheme is not recognized
	require.Len(t, tx.Outputs, 3)
	require.False(t, tx.Outputs[0].Unknown)
	require.True(t, tx.Outputs[1].Unknown)
	require.False(t, tx.Outputs[2].Unknown)
	require.EqualValues(t, ledger.LockKeccakAcpl, tx.Outputs[2].Scheme)
	require.Equal(t, []byte{3, 4}, tx.Outputs[2].LockArgs)
}

func TestSendTransaction(t *testing.T) {
	c := mockClient(t)
	txID := ledger.HashData([]byte("accepted"))
	httpmock.RegisterResponder("POST", testEndpoint, respondResult(txID.String()))

	ret, err := c.SendTransaction(testTx())
	require.NoError(t, err)
	require.EqualValues(t, txID, ret)
}

func TestSendTransactionRejected(t *testing.T) {
	c := mockClient(t)
	httpmock.RegisterResponder("POST", testEndpoint, respondError(-1107, "PoolIsFull"))

	_, err := c.SendTransaction(testTx())
	require.ErrorIs(t, err, ErrRejected)
	util.RequireErrorWith(t, err, "PoolIsFull")
}

func TestSendTransactionUnreachable(t *testing.T) {
	c := mockClient(t)
	httpmock.RegisterResponder("POST", testEndpoint,
		httpmock.NewErrorResponder(fmt.Errorf("connection refused")))

	_, err := c.SendTransaction(testTx())
	require.ErrorIs(t, err, ErrUnreachable)
}

func TestNon200IsUnreachable(t *testing.T) {
	c := mockClient(t)
	httpmock.RegisterResponder("POST", testEndpoint,
		httpmock.NewStringResponder(502, "bad gateway"))

	_, err := c.GetTipHeader()
	require.ErrorIs(t, err, ErrUnreachable)
}

func TestSubmitJSONShape(t *testing.T) {
	rendered := SubmitJSON(testTx())
	var decoded submitTxJSON
	require.NoError(t, json.Unmarshal([]byte(rendered), &decoded))
	require.Len(t, decoded.Inputs, 1)
	require.Len(t, decoded.Outputs, 1)
	require.Len(t, decoded.Witnesses, 1)
	require.EqualValues(t, 10, decoded.Fee)
	require.Equal(t, "sighash_blake160", decoded.Outputs[0].Lock.Scheme)
}
