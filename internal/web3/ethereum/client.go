package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"sync"

	"AgentFlow-Chain/internal/web3"

	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	Notes  string
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	backend   txReader
	chainID   *big.Int
	mu        sync.Mutex
}

// txReader mirrors the transaction lookup shared by ethclient and the
// simulated backend.
type txReader interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*coretypes.Transaction, bool, error)
}

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	eth := ethclient.NewClient(rpcClient)
	return &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       eth,
		backend:   eth,
	}, nil
}

// NewSimulatedClient wraps a go-ethereum simulated backend for testing purposes.
func NewSimulatedClient(name string, chainID *big.Int, backend *backends.SimulatedBackend) *Client {
	return &Client{
		name:    name,
		backend: backend,
		chainID: new(big.Int).Set(chainID),
		notes:   "simulated backend",
	}
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
	c.backend = nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.backend == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}

	chainID := c.chainID
	if c.eth != nil {
		fetched, err := c.eth.ChainID(ctx)
		if err != nil {
			return web3.ChainSnapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
		}
		chainID = fetched
	}

	var blockNumber string
	switch {
	case c.eth != nil:
		number, err := c.eth.BlockNumber(ctx)
		if err != nil {
			return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
		}
		blockNumber = fmt.Sprintf("0x%x", number)
	default:
		reader, ok := c.backend.(interface {
			HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
		})
		if !ok {
			return web3.ChainSnapshot{}, errors.New("当前后端不支持查询区块高度")
		}
		head, err := reader.HeaderByNumber(ctx, nil)
		if err != nil {
			return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
		}
		blockNumber = fmt.Sprintf("0x%x", head.Number)
	}

	return web3.ChainSnapshot{
		ChainID:     toHexBig(chainID),
		BlockNumber: blockNumber,
		Notes:       c.notes,
	}, nil
}

// TransactionByHash looks up a transaction by its hash for payment checks.
func (c *Client) TransactionByHash(ctx context.Context, hash string) (web3.TransactionDetail, error) {
	hash = strings.TrimSpace(hash)
	if !txHashPattern.MatchString(hash) {
		return web3.TransactionDetail{}, fmt.Errorf("非法的交易哈希: %q", hash)
	}
	if c == nil || c.backend == nil {
		return web3.TransactionDetail{}, errors.New("未初始化的以太坊客户端")
	}

	tx, pending, err := c.backend.TransactionByHash(ctx, common.HexToHash(hash))
	if err != nil {
		return web3.TransactionDetail{}, fmt.Errorf("查询交易 %s 失败: %w", hash, err)
	}

	detail := web3.TransactionDetail{
		Hash:    tx.Hash().Hex(),
		Value:   new(big.Int).Set(tx.Value()),
		Pending: pending,
	}
	if to := tx.To(); to != nil {
		detail.Recipient = to.Hex()
	}
	return detail, nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
