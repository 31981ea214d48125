package onchain

// wallet.go — lecturas on-chain de la wallet que copia (Polygon).
//
//   - AvailableBalance: USDC.e balanceOf del funder (6 decimales).
//   - CheckApprovals: allowance USDC.e y setApprovalForAll del CTF hacia los
//     exchanges. Sin ellas el CLOB rechaza las órdenes por "allowance".
//
// Solo lecturas: las aprobaciones se hacen una vez desde la UI de Polymarket.

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

const (
	// USDC.e collateral on Polygon
	usdcEAddress = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"

	// CTF contract — holds conditional tokens (ERC1155)
	ctfAddress = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"

	// Exchange contracts that need USDC.e allowance and ERC1155 approval
	normalExchange  = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	negRiskExchange = "0xC5d563A36AE78145C45a50134d48A1215220f80a"
	negRiskAdapter  = "0xd91E80cF2E7be2e162c6513ceD06f1dD0dA35296"

	usdcDecimals = 6
)

// Contract ABIs
var (
	erc20ABI   abi.ABI
	erc1155ABI abi.ABI
)

func init() {
	var err error

	erc20ABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "balanceOf",
			"type": "function",
			"inputs": [{"name": "account", "type": "address"}],
			"outputs": [{"name": "", "type": "uint256"}]
		},
		{
			"name": "allowance",
			"type": "function",
			"inputs": [
				{"name": "owner", "type": "address"},
				{"name": "spender", "type": "address"}
			],
			"outputs": [{"name": "", "type": "uint256"}]
		}
	]`))
	if err != nil {
		panic("erc20 abi parse: " + err.Error())
	}

	erc1155ABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "isApprovedForAll",
			"type": "function",
			"inputs": [
				{"name": "account", "type": "address"},
				{"name": "operator", "type": "address"}
			],
			"outputs": [{"name": "", "type": "bool"}]
		}
	]`))
	if err != nil {
		panic("erc1155 abi parse: " + err.Error())
	}
}

// ContractCaller es el subconjunto de ethclient.Client que se usa aquí.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Approval es el estado de una aprobación requerida para operar.
type Approval struct {
	Name    string
	Spender string
	OK      bool
}

// Wallet implementa ports.BalanceProvider para la wallet que copia.
type Wallet struct {
	caller ContractCaller
	owner  common.Address
	closer func()
}

// Dial conecta al RPC de Polygon. owner es la dirección que tiene el USDC
// (el proxy wallet si existe, si no la EOA).
func Dial(ctx context.Context, rpcURL, owner string) (*Wallet, error) {
	if !common.IsHexAddress(owner) {
		return nil, fmt.Errorf("onchain.Dial: invalid owner address %q", owner)
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("onchain.Dial: dial rpc: %w", err)
	}
	w := NewWallet(client, owner)
	w.closer = client.Close
	return w, nil
}

// NewWallet crea un Wallet sobre un caller ya conectado.
func NewWallet(caller ContractCaller, owner string) *Wallet {
	return &Wallet{caller: caller, owner: common.HexToAddress(owner)}
}

// Close cierra la conexión RPC si Wallet la abrió.
func (w *Wallet) Close() {
	if w.closer != nil {
		w.closer()
	}
}

// AvailableBalance devuelve el saldo USDC.e disponible en unidades de dólar.
func (w *Wallet) AvailableBalance(ctx context.Context) (float64, error) {
	raw, err := w.callUint(ctx, erc20ABI, common.HexToAddress(usdcEAddress), "balanceOf", w.owner)
	if err != nil {
		return 0, fmt.Errorf("onchain.AvailableBalance: %w", err)
	}
	bal := decimal.NewFromBigInt(raw, -usdcDecimals)
	slog.Debug("onchain: balance read", "owner", w.owner.Hex(), "usdc", bal.StringFixed(2))
	return bal.InexactFloat64(), nil
}

// CheckApprovals lee las aprobaciones que el CLOB necesita para liquidar órdenes.
func (w *Wallet) CheckApprovals(ctx context.Context) ([]Approval, error) {
	var out []Approval

	for _, ex := range []string{normalExchange, negRiskExchange} {
		allowance, err := w.callUint(ctx, erc20ABI, common.HexToAddress(usdcEAddress), "allowance",
			w.owner, common.HexToAddress(ex))
		if err != nil {
			return nil, fmt.Errorf("onchain.CheckApprovals: allowance %s: %w", ex, err)
		}
		out = append(out, Approval{Name: "USDC.e allowance", Spender: ex, OK: allowance.Sign() > 0})
	}

	for _, op := range []string{normalExchange, negRiskExchange, negRiskAdapter} {
		approved, err := w.isApprovedForAll(ctx, common.HexToAddress(op))
		if err != nil {
			return nil, fmt.Errorf("onchain.CheckApprovals: erc1155 %s: %w", op, err)
		}
		out = append(out, Approval{Name: "CTF setApprovalForAll", Spender: op, OK: approved})
	}
	return out, nil
}

func (w *Wallet) callUint(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) (*big.Int, error) {
	vals, err := w.call(ctx, contract, to, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected return type %T", method, vals[0])
	}
	return v, nil
}

func (w *Wallet) isApprovedForAll(ctx context.Context, operator common.Address) (bool, error) {
	vals, err := w.call(ctx, erc1155ABI, common.HexToAddress(ctfAddress), "isApprovedForAll", w.owner, operator)
	if err != nil {
		return false, err
	}
	v, ok := vals[0].(bool)
	if !ok {
		return false, fmt.Errorf("isApprovedForAll: unexpected return type %T", vals[0])
	}
	return v, nil
}

func (w *Wallet) call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	callData, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: pack: %w", method, err)
	}

	result, err := w.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: callData}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: rpc call: %w", method, err)
	}

	vals, err := contract.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("%s: unpack: %w", method, err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("%s: empty result", method)
	}
	return vals, nil
}
