package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Config 描述了 AgentFlow 守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig  `json:"server"`
	Storage   StorageConfig `json:"storage"`
	TaskQueue QueueConfig   `json:"task_queue"`
	Payment   PaymentConfig `json:"payment"`
	Web3      Web3Config    `json:"web3"`
	Agents    AgentsConfig  `json:"agents"`
	Log       LogConfig     `json:"log"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 描述流水线状态存储的后端。
type StorageConfig struct {
	PipelineStore PipelineStoreConfig `json:"pipeline_store"`
}

// PipelineStoreConfig 目前提供内存实现；retention 控制终态记录的保留时长。
type PipelineStoreConfig struct {
	Driver           string `json:"driver"`
	RetentionSeconds int64  `json:"retention_seconds"`
}

// QueueConfig 描述任务分发队列的驱动与工作协程数量。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Worker   int            `json:"worker"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// PaymentConfig 描述支付校验所需的主钱包与计价信息。
type PaymentConfig struct {
	MasterWallet string       `json:"master_wallet"`
	Currency     string       `json:"currency"`
	Scheme       string       `json:"scheme"`
	ChainID      int64        `json:"chain_id"`
	Ledger       LedgerConfig `json:"ledger"`
}

// LedgerConfig 描述已消费支付凭证的记账后端。
type LedgerConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// Web3Config 包含访问区块链节点所需的 RPC 地址与多链定义文件。
type Web3Config struct {
	RPCURL       string `json:"rpc_url"`
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
}

// AgentsConfig 控制调用远端智能体服务的行为。
type AgentsConfig struct {
	TimeoutSeconds int `json:"timeout_seconds"`
}

// LogConfig 控制日志输出方式。
type LogConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.PipelineStore.Driver == "" {
		c.Storage.PipelineStore.Driver = "memory"
	}
	if c.Storage.PipelineStore.RetentionSeconds == 0 {
		c.Storage.PipelineStore.RetentionSeconds = 24 * 60 * 60
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Worker <= 0 {
		c.TaskQueue.Worker = 4
	}

	if c.Payment.Currency == "" {
		c.Payment.Currency = "TCRO"
	}
	if c.Payment.Scheme == "" {
		c.Payment.Scheme = "L402"
	}
	if c.Payment.ChainID == 0 {
		c.Payment.ChainID = 338
	}
	if c.Payment.Ledger.Driver == "" {
		c.Payment.Ledger.Driver = "memory"
	}

	if c.Agents.TimeoutSeconds <= 0 {
		c.Agents.TimeoutSeconds = 120
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
}

// Validate 在启动阶段校验支付链路的必填项，缺失时立即失败而非逐请求报错。
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Payment.MasterWallet) == "" {
		return errors.New("payment.master_wallet 未配置，无法进行支付校验")
	}
	if strings.TrimSpace(c.Web3.RPCURL) == "" && strings.TrimSpace(c.Web3.ChainConfig) == "" {
		return errors.New("web3.rpc_url 与 web3.chain_config 至少需要配置一项")
	}
	if c.Payment.ChainID <= 0 {
		return errors.New("payment.chain_id 必须为正整数")
	}
	if c.Payment.Ledger.Driver == "mysql" && strings.TrimSpace(c.Payment.Ledger.DSN) == "" {
		return errors.New("payment.ledger.dsn 未配置")
	}
	return nil
}
