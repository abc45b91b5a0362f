package tools

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	xerrors "OpenWallet-Agent/internal/errors"
	"OpenWallet-Agent/internal/vault"
)

// EVMBackend 是钱包工具对 EVM 客户端的依赖面，internal/chains/evm.Client
// 满足该接口。
type EVMBackend interface {
	NativeBalance(ctx context.Context, address string) (*big.Int, error)
	TransactionCount(ctx context.Context, address string) (uint64, error)
	SendNativeTransfer(ctx context.Context, key *ecdsa.PrivateKey, to string, amountWei *big.Int) (string, error)
}

// RegisterWalletTools 把全套钱包工具注册到注册表。
func RegisterWalletTools(registry *Registry, chain EVMBackend) error {
	all := []Tool{
		&overviewTool{},
		&balanceTool{chain: chain},
		&txCountTool{chain: chain},
		&transferTool{chain: chain},
	}
	for _, tool := range all {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// overviewTool 返回用户两条链的地址。
type overviewTool struct{}

func (t *overviewTool) Name() string  { return "get_wallet_overview" }
func (t *overviewTool) Label() string { return "查看钱包地址" }
func (t *overviewTool) Description() string {
	return "返回用户在各条链上的钱包地址。不需要参数。"
}
func (t *overviewTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}
func (t *overviewTool) MoneyMoving() bool { return false }

func (t *overviewTool) Execute(_ context.Context, creds *vault.Credentials, _ json.RawMessage) (string, error) {
	if creds == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "缺少钱包凭据")
	}
	payload, err := json.Marshal(map[string]string{
		"evm_address": creds.EVMAddress,
		"ed_address":  creds.EdAddress,
	})
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// balanceTool 查询 EVM 原生币余额。
type balanceTool struct {
	chain EVMBackend
}

func (t *balanceTool) Name() string  { return "get_native_balance" }
func (t *balanceTool) Label() string { return "查询余额" }
func (t *balanceTool) Description() string {
	return "查询 EVM 地址的原生币余额，单位 wei。address 省略时查询用户自己的钱包。"
}
func (t *balanceTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"address":{"type":"string","description":"要查询的 EVM 地址，省略时查询用户自己的钱包"}}}`)
}
func (t *balanceTool) MoneyMoving() bool { return false }

func (t *balanceTool) Execute(ctx context.Context, creds *vault.Credentials, input json.RawMessage) (string, error) {
	var args struct {
		Address string `json:"address"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析工具参数失败")
		}
	}
	address := strings.TrimSpace(args.Address)
	if address == "" {
		if creds == nil {
			return "", xerrors.New(xerrors.CodeInvalidArgument, "缺少钱包凭据")
		}
		address = creds.EVMAddress
	}
	balance, err := t.chain.NativeBalance(ctx, address)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`{"address":%q,"balance_wei":%q}`, address, balance.String()), nil
}

// txCountTool 查询 EVM 地址的交易计数。
type txCountTool struct {
	chain EVMBackend
}

func (t *txCountTool) Name() string  { return "get_transaction_count" }
func (t *txCountTool) Label() string { return "查询交易计数" }
func (t *txCountTool) Description() string {
	return "查询 EVM 地址的待定交易计数（nonce）。address 省略时查询用户自己的钱包。"
}
func (t *txCountTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"address":{"type":"string","description":"要查询的 EVM 地址，省略时查询用户自己的钱包"}}}`)
}
func (t *txCountTool) MoneyMoving() bool { return false }

func (t *txCountTool) Execute(ctx context.Context, creds *vault.Credentials, input json.RawMessage) (string, error) {
	var args struct {
		Address string `json:"address"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析工具参数失败")
		}
	}
	address := strings.TrimSpace(args.Address)
	if address == "" {
		if creds == nil {
			return "", xerrors.New(xerrors.CodeInvalidArgument, "缺少钱包凭据")
		}
		address = creds.EVMAddress
	}
	nonce, err := t.chain.TransactionCount(ctx, address)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`{"address":%q,"transaction_count":%d}`, address, nonce), nil
}

// transferTool 发送原生币转账，属于资金操作，执行前必须经过人工审批。
type transferTool struct {
	chain EVMBackend
}

func (t *transferTool) Name() string  { return "send_native_transfer" }
func (t *transferTool) Label() string { return "发起转账" }
func (t *transferTool) Description() string {
	return "用用户的 EVM 钱包向指定地址转账原生币。amount_wei 是十进制 wei 金额字符串。"
}
func (t *transferTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"to":{"type":"string","description":"收款 EVM 地址"},"amount_wei":{"type":"string","description":"转账金额，十进制 wei 字符串"}},"required":["to","amount_wei"]}`)
}
func (t *transferTool) MoneyMoving() bool { return true }

func (t *transferTool) Execute(ctx context.Context, creds *vault.Credentials, input json.RawMessage) (string, error) {
	if creds == nil || creds.EVMKey == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "缺少钱包凭据")
	}
	var args struct {
		To        string `json:"to"`
		AmountWei string `json:"amount_wei"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析工具参数失败")
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(args.AmountWei), 10)
	if !ok {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "非法的转账金额: "+args.AmountWei)
	}

	hash, err := t.chain.SendNativeTransfer(ctx, creds.EVMKey, strings.TrimSpace(args.To), amount)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`{"transaction_hash":%q}`, hash), nil
}
