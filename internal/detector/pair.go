package detector

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

const (
	pairABIJSON = `[
{"inputs":[],"name":"token0","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"token1","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"},
{"anonymous":false,"inputs":[{"indexed":true,"internalType":"address","name":"sender","type":"address"},{"indexed":false,"internalType":"uint256","name":"amount0In","type":"uint256"},{"indexed":false,"internalType":"uint256","name":"amount1In","type":"uint256"},{"indexed":false,"internalType":"uint256","name":"amount0Out","type":"uint256"},{"indexed":false,"internalType":"uint256","name":"amount1Out","type":"uint256"},{"indexed":true,"internalType":"address","name":"to","type":"address"}],"name":"Swap","type":"event"}]`

	erc20ABIJSON = `[{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"}]`

	// RefDecimals is the decimal precision of the reference asset (WETH-like).
	RefDecimals = 18
)

var (
	pairABI  abi.ABI
	erc20ABI abi.ABI

	// SwapTopic is the topic0 of the two-asset pool Swap event.
	SwapTopic common.Hash
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(pairABIJSON))
	if err != nil {
		panic("failed to parse pair ABI: " + err.Error())
	}
	pairABI = parsed
	SwapTopic = pairABI.Events["Swap"].ID

	parsed, err = abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic("failed to parse erc20 ABI: " + err.Error())
	}
	erc20ABI = parsed
}

// ErrPairMismatch indicates the pool does not hold exactly the tracked token
// on one side and the reference asset on the other.
var ErrPairMismatch = errors.New("detector: pool sides do not match token/ref_asset")

// ContractCaller is the slice of the Ethereum client the resolver needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Config is the static description of one tracked pair.
type Config struct {
	Symbol   string
	Pool     common.Address
	Token    common.Address
	RefAsset common.Address
}

// PairMode encodes which pool side holds the reference asset. Derived once at
// startup and immutable afterwards.
type PairMode int

const (
	// RefIsToken0 means token0 is the reference asset and token1 the tracked token.
	RefIsToken0 PairMode = iota
	// RefIsToken1 means token1 is the reference asset and token0 the tracked token.
	RefIsToken1
)

// Pair is a resolved tracked pair ready to decode swap logs.
type Pair struct {
	Symbol        string
	Pool          common.Address
	Token         common.Address
	RefAsset      common.Address
	Mode          PairMode
	TokenDecimals int32
}

// ResolvePair queries the pool sides once and derives the pair mode. It fails
// when neither or both sides match the tracked token, in which case the pair
// must not be monitored. Decimal lookup is best effort and defaults to 18.
func ResolvePair(ctx context.Context, caller ContractCaller, cfg Config, logger zerolog.Logger) (*Pair, error) {
	log := logger.With().Str("component", "pair_resolver").Str("symbol", cfg.Symbol).Logger()

	token0, err := callAddress(ctx, caller, cfg.Pool, "token0")
	if err != nil {
		return nil, fmt.Errorf("query token0 of %s: %w", cfg.Pool.Hex(), err)
	}
	token1, err := callAddress(ctx, caller, cfg.Pool, "token1")
	if err != nil {
		return nil, fmt.Errorf("query token1 of %s: %w", cfg.Pool.Hex(), err)
	}

	var mode PairMode
	switch {
	case token0 == cfg.RefAsset && token1 == cfg.Token:
		mode = RefIsToken0
	case token0 == cfg.Token && token1 == cfg.RefAsset:
		mode = RefIsToken1
	default:
		return nil, fmt.Errorf("%w: pool %s has sides %s/%s", ErrPairMismatch, cfg.Pool.Hex(), token0.Hex(), token1.Hex())
	}

	decimals := int32(RefDecimals)
	if d, err := callDecimals(ctx, caller, cfg.Token); err != nil {
		log.Warn().Err(err).Msg("decimals lookup failed; defaulting to 18")
	} else {
		decimals = int32(d)
	}

	log.Info().
		Str("pool", cfg.Pool.Hex()).
		Int("mode", int(mode)).
		Int32("token_decimals", decimals).
		Msg("pair resolved")

	return &Pair{
		Symbol:        cfg.Symbol,
		Pool:          cfg.Pool,
		Token:         cfg.Token,
		RefAsset:      cfg.RefAsset,
		Mode:          mode,
		TokenDecimals: decimals,
	}, nil
}

func callAddress(ctx context.Context, caller ContractCaller, to common.Address, method string) (common.Address, error) {
	payload, err := pairABI.Pack(method)
	if err != nil {
		return common.Address{}, err
	}
	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: payload}, nil)
	if err != nil {
		return common.Address{}, err
	}
	outputs, err := pairABI.Unpack(method, res)
	if err != nil {
		return common.Address{}, err
	}
	if len(outputs) != 1 {
		return common.Address{}, fmt.Errorf("unexpected %s response", method)
	}
	addr, ok := outputs[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("failed to decode %s output", method)
	}
	return addr, nil
}

func callDecimals(ctx context.Context, caller ContractCaller, token common.Address) (uint8, error) {
	payload, err := erc20ABI.Pack("decimals")
	if err != nil {
		return 0, err
	}
	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &token, Data: payload}, nil)
	if err != nil {
		return 0, err
	}
	outputs, err := erc20ABI.Unpack("decimals", res)
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}
	d, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}
	return d, nil
}
