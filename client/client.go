// Package client talks JSON-RPC to the remote node. Every call is bounded by
// the HTTP client timeout; transport failures and timeouts are reported as
// ErrUnreachable, a refused transaction as ErrRejected.
package client

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cellbench/cellbench/ledger"
)

var (
	ErrUnreachable = errors.New("node unreachable")
	ErrRejected    = errors.New("transaction rejected")
)

const defaultClientTimeout = 7 * time.Second

type (
	Client struct {
		c        http.Client
		endpoint string
		reqID    atomic.Uint64
	}

	TipHeader struct {
		Height uint64
		Hash   ledger.Hash
	}

	// BlockOutput is positional: its slice index is the on-chain output index.
	// Unknown marks outputs under lock schemes the bench does not support
	BlockOutput struct {
		Capacity uint64
		Scheme   ledger.LockScheme
		LockArgs []byte
		Unknown  bool
	}

	BlockTx struct {
		TxID    ledger.Hash
		Inputs  []ledger.OutPoint
		Outputs []BlockOutput
	}

	Block struct {
		Height       uint64
		Hash         ledger.Hash
		ParentHash   ledger.Hash
		Transactions []BlockTx
	}
)

func New(endpoint string, timeout ...time.Duration) *Client {
	to := defaultClientTimeout
	if len(timeout) > 0 {
		to = timeout[0]
	}
	return &Client{
		c:        http.Client{Timeout: to},
		endpoint: endpoint,
	}
}

type (
	rpcRequest struct {
		JSONRPC string `json:"jsonrpc"`
		ID      uint64 `json:"id"`
		Method  string `json:"method"`
		Params  any    `json:"params"`
	}

	rpcError struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}

	rpcResponse struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}

	outPointJSON struct {
		TxID  string `json:"tx_id"`
		Index uint32 `json:"index"`
	}

	lockJSON struct {
		Scheme string `json:"scheme"`
		Args   string `json:"args"`
	}

	outputJSON struct {
		Capacity uint64   `json:"capacity"`
		Lock     lockJSON `json:"lock"`
	}

	txJSON struct {
		TxID    string         `json:"tx_id,omitempty"`
		Inputs  []outPointJSON `json:"inputs"`
		Outputs []outputJSON   `json:"outputs"`
	}

	headerJSON struct {
		Height uint64 `json:"height"`
		Hash   string `json:"hash"`
	}

	blockJSON struct {
		Height       uint64   `json:"height"`
		Hash         string   `json:"hash"`
		ParentHash   string   `json:"parent_hash"`
		Transactions []txJSON `json:"transactions"`
	}

	cellDepJSON struct {
		OutPoint outPointJSON `json:"out_point"`
		DepGroup bool         `json:"dep_group"`
	}

	submitTxJSON struct {
		Inputs    []outPointJSON `json:"inputs"`
		Outputs   []outputJSON   `json:"outputs"`
		Fee       uint64         `json:"fee"`
		CellDeps  []cellDepJSON  `json:"cell_deps"`
		Witnesses []string       `json:"witnesses"`
	}
)

func (c *Client) call(method string, params any, result any) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.reqID.Add(1),
		Method:  method,
		Params:  params,
	}
	reqBin, err := json.Marshal(&req)
	if err != nil {
		return err
	}
	resp, err := c.c.Post(c.endpoint, "application/json", bytes.NewReader(reqBin))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: HTTP status %s", ErrUnreachable, resp.Status)
	}
	var rpcResp rpcResponse
	if err = json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("%s: wrong response from node: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%s: from node: %s (code %d)", method, rpcResp.Error.Message, rpcResp.Error.Code)
	}
	if result != nil {
		if err = json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("%s: wrong result from node: %w", method, err)
		}
	}
	return nil
}

func (c *Client) GetTipHeader() (ret TipHeader, err error) {
	var res headerJSON
	if err = c.call("get_tip_header", []any{}, &res); err != nil {
		return
	}
	ret.Height = res.Height
	if ret.Hash, err = ledger.HashFromHexString(res.Hash); err != nil {
		err = fmt.Errorf("get_tip_header: wrong hash from node: %w", err)
	}
	return
}

// GetHeaderByHeight fetches one header. found == false means the node does not
// have the block yet
func (c *Client) GetHeaderByHeight(height uint64) (ret TipHeader, found bool, err error) {
	var res *headerJSON
	if err = c.call("get_header_by_height", []any{height}, &res); err != nil {
		return
	}
	if res == nil {
		return
	}
	found = true
	ret.Height = res.Height
	if ret.Hash, err = ledger.HashFromHexString(res.Hash); err != nil {
		err = fmt.Errorf("get_header_by_height: wrong hash from node: %w", err)
	}
	return
}

func (c *Client) GetBlockByHeight(height uint64) (*Block, bool, error) {
	var res *blockJSON
	if err := c.call("get_block_by_height", []any{height}, &res); err != nil {
		return nil, false, err
	}
	if res == nil {
		return nil, false, nil
	}
	ret, err := res.block()
	if err != nil {
		return nil, false, fmt.Errorf("get_block_by_height: %w", err)
	}
	return ret, true, nil
}

func submitParam(tx *ledger.Transaction) *submitTxJSON {
	ret := &submitTxJSON{
		Inputs:    make([]outPointJSON, 0, len(tx.Inputs)),
		Outputs:   make([]outputJSON, 0, len(tx.Outputs)),
		Fee:       tx.Fee,
		CellDeps:  make([]cellDepJSON, 0, len(tx.CellDeps)),
		Witnesses: make([]string, 0, len(tx.Witnesses)),
	}
	for i := range tx.Inputs {
		ret.Inputs = append(ret.Inputs, outPointJSON{
			TxID:  tx.Inputs[i].OutPoint.TxID.String(),
			Index: tx.Inputs[i].OutPoint.Index,
		})
	}
	for i := range tx.Outputs {
		ret.Outputs = append(ret.Outputs, outputJSON{
			Capacity: tx.Outputs[i].Capacity,
			Lock: lockJSON{
				Scheme: tx.Outputs[i].Scheme.String(),
				Args:   hex.EncodeToString(tx.Outputs[i].LockArgs),
			},
		})
	}
	for i := range tx.CellDeps {
		ret.CellDeps = append(ret.CellDeps, cellDepJSON{
			OutPoint: outPointJSON{
				TxID:  tx.CellDeps[i].OutPoint.TxID.String(),
				Index: tx.CellDeps[i].OutPoint.Index,
			},
			DepGroup: tx.CellDeps[i].DepGroup,
		})
	}
	for i := range tx.Witnesses {
		ret.Witnesses = append(ret.Witnesses, hex.EncodeToString(tx.Witnesses[i]))
	}
	return ret
}

// SendTransaction submits the signed transaction. An error response from the
// node is a rejection; transport failure is unreachability
func (c *Client) SendTransaction(tx *ledger.Transaction) (ledger.Hash, error) {
	var res string
	if err := c.call("send_transaction", []any{submitParam(tx)}, &res); err != nil {
		if errors.Is(err, ErrUnreachable) {
			return ledger.Hash{}, err
		}
		return ledger.Hash{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	txid, err := ledger.HashFromHexString(res)
	if err != nil {
		return ledger.Hash{}, fmt.Errorf("send_transaction: wrong tx id from node: %w", err)
	}
	return txid, nil
}

// SubmitJSON renders the transaction the way it goes over the wire, for debug logging
func SubmitJSON(tx *ledger.Transaction) string {
	bin, err := json.MarshalIndent(submitParam(tx), "", "  ")
	if err != nil {
		return fmt.Sprintf("<marshal failed: %v>", err)
	}
	return string(bin)
}

func (b *blockJSON) block() (*Block, error) {
	ret := &Block{
		Height:       b.Height,
		Transactions: make([]BlockTx, 0, len(b.Transactions)),
	}
	var err error
	if ret.Hash, err = ledger.HashFromHexString(b.Hash); err != nil {
		return nil, fmt.Errorf("wrong block hash: %w", err)
	}
	if ret.ParentHash, err = ledger.HashFromHexString(b.ParentHash); err != nil {
		return nil, fmt.Errorf("wrong parent hash: %w", err)
	}
	for i := range b.Transactions {
		tx := BlockTx{
			Inputs:  make([]ledger.OutPoint, 0, len(b.Transactions[i].Inputs)),
			Outputs: make([]BlockOutput, 0, len(b.Transactions[i].Outputs)),
		}
		if tx.TxID, err = ledger.HashFromHexString(b.Transactions[i].TxID); err != nil {
			return nil, fmt.Errorf("wrong tx id in block: %w", err)
		}
		for _, in := range b.Transactions[i].Inputs {
			txid, err := ledger.HashFromHexString(in.TxID)
			if err != nil {
				return nil, fmt.Errorf("wrong input out point in block: %w", err)
			}
			tx.Inputs = append(tx.Inputs, ledger.NewOutPoint(txid, in.Index))
		}
		for _, out := range b.Transactions[i].Outputs {
			scheme, err := ledger.LockSchemeFromName(out.Lock.Scheme)
			if err != nil {
				// keep the position, the bench just cannot own this output
				tx.Outputs = append(tx.Outputs, BlockOutput{Capacity: out.Capacity, Unknown: true})
				continue
			}
			args, err := hex.DecodeString(out.Lock.Args)
			if err != nil {
				return nil, fmt.Errorf("wrong lock args in block: %w", err)
			}
			tx.Outputs = append(tx.Outputs, BlockOutput{
				Capacity: out.Capacity,
				Scheme:   scheme,
				LockArgs: args,
			})
		}
		ret.Transactions = append(ret.Transactions, tx)
	}
	return ret, nil
}
