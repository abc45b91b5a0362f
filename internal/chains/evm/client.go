package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config 描述 EVM 客户端的连接参数。
type Config struct {
	RPCURL  string
	ChainID int64
}

// Backend 抽象工具层依赖的链上操作，便于测试替换真实节点。
type Backend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
}

// Client 封装以太坊兼容链的 RPC 访问。
type Client struct {
	rpcClient *gethrpc.Client
	backend   Backend
	chainID   *big.Int
	mu        sync.Mutex
}

// NewClient 连接配置的 RPC 节点并返回可用客户端。
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置 EVM RPC 地址")
	}
	if cfg.ChainID <= 0 {
		return nil, errors.New("未配置链 ID")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接 EVM 节点失败: %w", err)
	}

	return &Client{
		rpcClient: rpcClient,
		backend:   ethclient.NewClient(rpcClient),
		chainID:   big.NewInt(cfg.ChainID),
	}, nil
}

// NewClientWithBackend 用给定后端构造客户端，测试专用。
func NewClientWithBackend(backend Backend, chainID *big.Int) *Client {
	return &Client{backend: backend, chainID: new(big.Int).Set(chainID)}
}

// Close 释放网络连接。
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
	c.backend = nil
}

// ChainID 返回客户端绑定的链 ID。
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// NativeBalance 查询地址的原生币余额，单位 wei。
func (c *Client) NativeBalance(ctx context.Context, address string) (*big.Int, error) {
	backend, err := c.ready()
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("非法的 EVM 地址: %s", address)
	}
	balance, err := backend.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// TransactionCount 查询地址的待定 nonce。
func (c *Client) TransactionCount(ctx context.Context, address string) (uint64, error) {
	backend, err := c.ready()
	if err != nil {
		return 0, err
	}
	if !common.IsHexAddress(address) {
		return 0, fmt.Errorf("非法的 EVM 地址: %s", address)
	}
	nonce, err := backend.PendingNonceAt(ctx, common.HexToAddress(address))
	if err != nil {
		return 0, fmt.Errorf("查询交易计数失败: %w", err)
	}
	return nonce, nil
}

// SendNativeTransfer 构造、签名并提交一笔原生币转账，返回交易哈希。
func (c *Client) SendNativeTransfer(ctx context.Context, key *ecdsa.PrivateKey, to string, amountWei *big.Int) (string, error) {
	backend, err := c.ready()
	if err != nil {
		return "", err
	}
	if key == nil {
		return "", errors.New("未提供签名私钥")
	}
	if !common.IsHexAddress(to) {
		return "", fmt.Errorf("非法的收款地址: %s", to)
	}
	if amountWei == nil || amountWei.Sign() <= 0 {
		return "", errors.New("转账金额必须为正数")
	}

	from := gethcrypto.PubkeyToAddress(key.PublicKey)
	nonce, err := backend.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("查询交易计数失败: %w", err)
	}
	gasPrice, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("获取燃气价格失败: %w", err)
	}

	toAddr := common.HexToAddress(to)
	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &toAddr,
		Value:    amountWei,
		Gas:      21000,
		GasPrice: gasPrice,
	})

	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(c.chainID), key)
	if err != nil {
		return "", fmt.Errorf("签名交易失败: %w", err)
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("提交交易失败: %w", err)
	}
	return signed.Hash().Hex(), nil
}

func (c *Client) ready() (Backend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c == nil || c.backend == nil {
		return nil, errors.New("未初始化的 EVM 客户端")
	}
	return c.backend, nil
}
