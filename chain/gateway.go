// Package chain is the read-only gateway to the Ethereum node backing the
// service: latest base fee, signer nonce and balance, and gas estimation
// for decoded user transactions.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// ErrRPC marks node communication failures. Handlers map it to an internal
// server error, never to a client fault.
var ErrRPC = errors.New("chain rpc unavailable")

// fallbackBaseFee is used when the latest header carries no base fee
// (pre-London networks): 20 gwei.
var fallbackBaseFee = big.NewInt(20_000_000_000)

// Gateway wraps one RPC endpoint. The ethclient handle serves the typed
// reads; the raw handle serves eth_estimateGas with a hand-built call
// object, which ethclient cannot express for every transaction type.
type Gateway struct {
	c  *rpc.Client
	ec *ethclient.Client
}

// Dial connects the gateway to a node endpoint.
func Dial(ctx context.Context, rawurl string) (*Gateway, error) {
	c, err := rpc.DialContext(ctx, rawurl)
	if err != nil {
		return nil, fmt.Errorf("dial eth rpc %s: %w", rawurl, err)
	}
	return &Gateway{c: c, ec: ethclient.NewClient(c)}, nil
}

func (g *Gateway) Close() {
	g.c.Close()
}

// BaseFee returns the latest block's base fee, or 20 gwei when the header
// has none.
func (g *Gateway) BaseFee(ctx context.Context) (*big.Int, error) {
	head, err := g.ec.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: latest header: %v", ErrRPC, err)
	}
	if head.BaseFee == nil {
		return new(big.Int).Set(fallbackBaseFee), nil
	}
	return head.BaseFee, nil
}

// NonceAt returns the latest confirmed transaction count of an account.
func (g *Gateway) NonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	nonce, err := g.ec.NonceAt(ctx, addr, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: nonce of %s: %v", ErrRPC, addr.Hex(), err)
	}
	return nonce, nil
}

// BalanceAt returns the latest balance of an account.
func (g *Gateway) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	balance, err := g.ec.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: balance of %s: %v", ErrRPC, addr.Hex(), err)
	}
	return balance, nil
}

// EstimateGasTx estimates gas for an already-signed transaction by
// reconstructing the call object eth_estimateGas expects. The sender is
// recovered from the signature.
func (g *Gateway) EstimateGasTx(ctx context.Context, tx *types.Transaction) (uint64, error) {
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return 0, fmt.Errorf("recover sender for estimation: %w", err)
	}
	var gas hexutil.Uint64
	if err := g.c.CallContext(ctx, &gas, "eth_estimateGas", estimateArg(from, tx)); err != nil {
		return 0, fmt.Errorf("%w: eth_estimateGas: %v", ErrRPC, err)
	}
	return uint64(gas), nil
}

// estimateArg rebuilds the transaction as a call object, keeping the fee
// keys consistent with the decoded type: legacy transactions carry
// gasPrice, dynamic-fee transactions carry the 1559 pair, never both.
func estimateArg(from common.Address, tx *types.Transaction) map[string]any {
	arg := map[string]any{
		"from":  from,
		"nonce": hexutil.Uint64(tx.Nonce()),
	}
	if to := tx.To(); to != nil {
		arg["to"] = *to
	}
	if data := tx.Data(); len(data) > 0 {
		arg["input"] = hexutil.Bytes(data)
	}
	if v := tx.Value(); v != nil && v.Sign() > 0 {
		arg["value"] = (*hexutil.Big)(v)
	}
	switch tx.Type() {
	case types.LegacyTxType, types.AccessListTxType:
		if gp := tx.GasPrice(); gp != nil && gp.Sign() > 0 {
			arg["gasPrice"] = (*hexutil.Big)(gp)
		}
	default:
		arg["maxFeePerGas"] = (*hexutil.Big)(tx.GasFeeCap())
		arg["maxPriorityFeePerGas"] = (*hexutil.Big)(tx.GasTipCap())
	}
	if al := tx.AccessList(); len(al) > 0 {
		arg["accessList"] = al
	}
	if hashes := tx.BlobHashes(); len(hashes) > 0 {
		arg["blobVersionedHashes"] = hashes
		if cap := tx.BlobGasFeeCap(); cap != nil {
			arg["maxFeePerBlobGas"] = (*hexutil.Big)(cap)
		}
	}
	if auths := tx.SetCodeAuthorizations(); len(auths) > 0 {
		arg["authorizationList"] = auths
	}
	if id := tx.ChainId(); id != nil && id.Sign() > 0 {
		arg["chainId"] = (*hexutil.Big)(id)
	}
	if tx.Type() != types.LegacyTxType {
		arg["type"] = hexutil.Uint64(tx.Type())
	}
	return arg
}
