package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const escrowABIJSON = `[
	{
		"inputs": [{"name": "tradeId", "type": "bytes32"}],
		"name": "trades",
		"outputs": [
			{"name": "seller", "type": "address"},
			{"name": "buyer", "type": "address"},
			{"name": "amount", "type": "uint256"},
			{"name": "active", "type": "bool"},
			{"name": "fiatConfirmed", "type": "bool"},
			{"name": "fiatConfirmedAt", "type": "uint256"}
		],
		"stateMutability": "view",
		"type": "function"
	}
]`

var (
	depositedSig = gethcrypto.Keccak256Hash([]byte("Deposited(bytes32,address,uint256)"))
	releasedSig  = gethcrypto.Keccak256Hash([]byte("Released(bytes32)"))
	refundedSig  = gethcrypto.Keccak256Hash([]byte("Refunded(bytes32)"))
)

// EscrowState is the contract's current record for one trade key.
type EscrowState struct {
	Seller          common.Address
	Buyer           common.Address
	Amount          *big.Int
	Active          bool
	FiatConfirmed   bool
	FiatConfirmedAt *big.Int
}

type EventKind string

const (
	EventDeposited EventKind = "deposited"
	EventReleased  EventKind = "released"
	EventRefunded  EventKind = "refunded"
)

// EscrowEvent is one decoded contract log.
type EscrowEvent struct {
	Kind     EventKind
	TradeKey [32]byte
	TxHash   common.Hash
	Block    uint64
}

// ethBackend is the subset of the Ethereum RPC the escrow client uses.
type ethBackend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// EscrowClient reads the escrow contract's state and event logs.
type EscrowClient struct {
	backend  ethBackend
	contract common.Address
	abi      abi.ABI
}

func NewEscrowClient(backend ethBackend, contractAddr string) (*EscrowClient, error) {
	if !common.IsHexAddress(contractAddr) {
		return nil, fmt.Errorf("invalid escrow contract address %q", contractAddr)
	}
	parsed, err := abi.JSON(strings.NewReader(escrowABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse escrow abi: %w", err)
	}
	return &EscrowClient{
		backend:  backend,
		contract: common.HexToAddress(contractAddr),
		abi:      parsed,
	}, nil
}

// DialEscrowClient connects to an EVM RPC endpoint and wraps the contract.
func DialEscrowClient(rpcURL, contractAddr string) (*EscrowClient, error) {
	trimmed := strings.TrimSpace(rpcURL)
	if trimmed == "" {
		return nil, fmt.Errorf("rpc url required")
	}
	backend, err := ethclient.Dial(trimmed)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", trimmed, err)
	}
	return NewEscrowClient(backend, contractAddr)
}

// TradeState calls the contract's trades(bytes32) view for one key.
func (c *EscrowClient) TradeState(ctx context.Context, key [32]byte) (*EscrowState, error) {
	input, err := c.abi.Pack("trades", key)
	if err != nil {
		return nil, fmt.Errorf("pack trades call: %w", err)
	}

	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("call trades: %w", err)
	}

	vals, err := c.abi.Unpack("trades", out)
	if err != nil {
		return nil, fmt.Errorf("unpack trades result: %w", err)
	}
	if len(vals) != 6 {
		return nil, fmt.Errorf("unexpected trades result arity %d", len(vals))
	}

	state := &EscrowState{}
	var ok bool
	if state.Seller, ok = vals[0].(common.Address); !ok {
		return nil, fmt.Errorf("unexpected seller type %T", vals[0])
	}
	if state.Buyer, ok = vals[1].(common.Address); !ok {
		return nil, fmt.Errorf("unexpected buyer type %T", vals[1])
	}
	if state.Amount, ok = vals[2].(*big.Int); !ok {
		return nil, fmt.Errorf("unexpected amount type %T", vals[2])
	}
	if state.Active, ok = vals[3].(bool); !ok {
		return nil, fmt.Errorf("unexpected active type %T", vals[3])
	}
	if state.FiatConfirmed, ok = vals[4].(bool); !ok {
		return nil, fmt.Errorf("unexpected fiatConfirmed type %T", vals[4])
	}
	if state.FiatConfirmedAt, ok = vals[5].(*big.Int); !ok {
		return nil, fmt.Errorf("unexpected fiatConfirmedAt type %T", vals[5])
	}
	return state, nil
}

// FilterEvents fetches Deposited/Released/Refunded logs over a block range,
// ordered as the node returns them (by block, then log index).
func (c *EscrowClient) FilterEvents(ctx context.Context, fromBlock, toBlock uint64) ([]EscrowEvent, error) {
	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{depositedSig, releasedSig, refundedSig}},
	})
	if err != nil {
		return nil, fmt.Errorf("filter logs [%d, %d]: %w", fromBlock, toBlock, err)
	}

	events := make([]EscrowEvent, 0, len(logs))
	for _, lg := range logs {
		if len(lg.Topics) < 2 {
			continue
		}
		var kind EventKind
		switch lg.Topics[0] {
		case depositedSig:
			kind = EventDeposited
		case releasedSig:
			kind = EventReleased
		case refundedSig:
			kind = EventRefunded
		default:
			continue
		}
		events = append(events, EscrowEvent{
			Kind:     kind,
			TradeKey: lg.Topics[1],
			TxHash:   lg.TxHash,
			Block:    lg.BlockNumber,
		})
	}
	return events, nil
}

func (c *EscrowClient) BlockNumber(ctx context.Context) (uint64, error) {
	return c.backend.BlockNumber(ctx)
}
