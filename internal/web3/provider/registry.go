package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"AgentFlow-Chain/internal/config"
	"AgentFlow-Chain/internal/web3"
	"AgentFlow-Chain/internal/web3/ethereum"
)

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
	definitions  map[string]web3.ChainDefinition
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]web3.Client)
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		switch chainType {
		case "evm", "ethereum":
			client, err := ethereum.NewClient(ctx, ethereum.Config{
				Name:   name,
				RPCURL: chain.RPCURL,
				Notes:  chain.Description,
			})
			if err != nil {
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			clients[name] = client
		default:
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
	}

	if len(clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := ethereum.NewClient(ctx, ethereum.Config{RPCURL: cfg.RPCURL})
		if err != nil {
			return nil, err
		}
		clients["default"] = client
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}

	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		names := make([]string, 0, len(clients))
		for name := range clients {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	return &Registry{defaultChain: defaultChain, clients: clients, definitions: defs.Chains}, nil
}

// VerifyPaymentChain 校验默认链的元数据与支付配置一致，避免向错误的网络核账。
// 链定义缺省该字段时跳过对应项。
func (r *Registry) VerifyPaymentChain(chainID int64, currency string) error {
	if r == nil {
		return errors.New("未初始化的链客户端注册表")
	}
	def, ok := r.definitions[r.defaultChain]
	if !ok {
		return nil
	}
	if def.ChainID != 0 && chainID != 0 && def.ChainID != chainID {
		return fmt.Errorf("默认链 %s 的 chain_id %d 与支付配置的 %d 不一致", r.defaultChain, def.ChainID, chainID)
	}
	if def.Currency != "" && currency != "" && !strings.EqualFold(def.Currency, currency) {
		return fmt.Errorf("默认链 %s 的货币 %s 与支付配置的 %s 不一致", r.defaultChain, def.Currency, currency)
	}
	return nil
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// Client returns the client registered under the given chain name.
func (r *Registry) Client(name string) (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("链 %s 未在注册表中", name)
	}
	return client, nil
}

// Close releases every managed client.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for _, client := range r.clients {
		client.Close()
	}
}
