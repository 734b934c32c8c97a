package connection

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/smartdevs17/rsk-read-cache/internal/abis"
	"github.com/smartdevs17/rsk-read-cache/internal/multicall"
	"github.com/stretchr/testify/require"
)

// fakeNode is a minimal JSON-RPC node serving the methods the reader uses.
type fakeNode struct {
	t         *testing.T
	server    *httptest.Server
	multicall common.Address

	mu        sync.Mutex
	networkID uint64
	block     uint64
	balances  map[common.Address]*big.Int
	returns   map[string][]byte
	methods   map[string]int
	// hold, when set, stalls eth_call until it is closed
	hold chan struct{}
}

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func newFakeNode(t *testing.T, networkID uint64) *fakeNode {
	n := &fakeNode{
		t:         t,
		multicall: common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11"),
		networkID: networkID,
		block:     100,
		balances:  make(map[common.Address]*big.Int),
		returns:   make(map[string][]byte),
		methods:   make(map[string]int),
	}
	n.server = httptest.NewServer(http.HandlerFunc(n.serve))
	t.Cleanup(n.server.Close)
	return n
}

func (n *fakeNode) URL() string { return n.server.URL }

func (n *fakeNode) setBlock(b uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.block = b
}

func (n *fakeNode) count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.methods[method]
}

func (n *fakeNode) setReturn(target common.Address, contract *abi.ABI, method string, params []interface{}, outs ...interface{}) {
	input, err := contract.Pack(method, params...)
	require.NoError(n.t, err)
	output, err := contract.Methods[method].Outputs.Pack(outs...)
	require.NoError(n.t, err)

	n.mu.Lock()
	defer n.mu.Unlock()
	n.returns[target.Hex()+hex.EncodeToString(input)] = output
}

func (n *fakeNode) serve(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	n.methods[req.Method]++
	hold := n.hold
	n.mu.Unlock()

	if hold != nil && req.Method == "eth_call" {
		<-hold
	}

	result, rpcErr := n.dispatch(req)
	resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
	if rpcErr != nil {
		resp["error"] = map[string]interface{}{"code": -32000, "message": rpcErr.Error()}
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (n *fakeNode) dispatch(req rpcRequest) (interface{}, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch req.Method {
	case "net_version":
		return fmt.Sprintf("%d", n.networkID), nil
	case "eth_chainId":
		return hexutil.EncodeUint64(n.networkID), nil
	case "eth_blockNumber":
		return hexutil.EncodeUint64(n.block), nil
	case "eth_getBalance":
		var addr common.Address
		if err := json.Unmarshal(req.Params[0], &addr); err != nil {
			return nil, err
		}
		bal, ok := n.balances[addr]
		if !ok {
			bal = new(big.Int)
		}
		return hexutil.EncodeBig(bal), nil
	case "eth_call":
		var msg struct {
			To    common.Address `json:"to"`
			Input hexutil.Bytes  `json:"input"`
			Data  hexutil.Bytes  `json:"data"`
		}
		if err := json.Unmarshal(req.Params[0], &msg); err != nil {
			return nil, err
		}
		input := msg.Input
		if len(input) == 0 {
			input = msg.Data
		}
		if msg.To == n.multicall {
			return n.aggregate(input)
		}
		out, ok := n.returns[msg.To.Hex()+hex.EncodeToString(input)]
		if !ok {
			return nil, fmt.Errorf("execution reverted")
		}
		return hexutil.Bytes(out), nil
	}
	return nil, fmt.Errorf("method %s not supported", req.Method)
}

func (n *fakeNode) aggregate(input []byte) (interface{}, error) {
	mc, err := abis.Multicall3()
	if err != nil {
		return nil, err
	}
	method := mc.Methods["aggregate3"]
	args, err := method.Inputs.Unpack(input[4:])
	if err != nil {
		return nil, err
	}
	calls := *abi.ConvertType(args[0], new([]multicall.Call)).(*[]multicall.Call)

	results := make([]multicall.Result, len(calls))
	for i, c := range calls {
		out, ok := n.returns[c.Target.Hex()+hex.EncodeToString(c.CallData)]
		results[i] = multicall.Result{Success: ok, ReturnData: out}
		if !ok {
			results[i].ReturnData = []byte{}
		}
	}
	packed, err := method.Outputs.Pack(results)
	if err != nil {
		return nil, err
	}
	return hexutil.Bytes(packed), nil
}

func deadURL() string {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}
