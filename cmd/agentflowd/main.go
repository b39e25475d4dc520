package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"AgentFlow-Chain/internal/agents"
	"AgentFlow-Chain/internal/api"
	"AgentFlow-Chain/internal/config"
	"AgentFlow-Chain/internal/payment"
	"AgentFlow-Chain/internal/pipeline"
	"AgentFlow-Chain/internal/web3/provider"
	"AgentFlow-Chain/pkg/logger"
)

// main 是 AgentFlow 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentflowd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTFLOW_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentflow.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
		// 支付判定必须留痕，审计流始终开启，未配置路径时落到默认文件。
		Audit: logger.AuditConfig{
			Enabled: true,
			Path:    cfg.Log.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	var store pipeline.Store
	switch cfg.Storage.PipelineStore.Driver {
	case "", "memory":
		store = pipeline.NewMemoryStore(time.Duration(cfg.Storage.PipelineStore.RetentionSeconds) * time.Second)
	default:
		return fmt.Errorf("未知的流水线存储驱动: %s", cfg.Storage.PipelineStore.Driver)
	}
	defer func() {
		if store != nil {
			_ = store.Close()
		}
	}()

	var queue pipeline.Queue
	switch cfg.TaskQueue.Driver {
	case "", "memory":
		queue = pipeline.NewMemoryQueue(1024)
	case "redis":
		q, err := pipeline.NewRedisQueue(pipeline.RedisQueueConfig{
			Address:   cfg.TaskQueue.Redis.Address,
			Password:  cfg.TaskQueue.Redis.Password,
			DB:        cfg.TaskQueue.Redis.DB,
			Queue:     cfg.TaskQueue.Redis.Queue,
			BlockWait: time.Duration(cfg.TaskQueue.Redis.BlockWait) * time.Second,
		})
		if err != nil {
			return err
		}
		queue = q
	case "rabbitmq":
		q, err := pipeline.NewRabbitMQQueue(pipeline.RabbitMQConfig{
			URL:        cfg.TaskQueue.RabbitMQ.URL,
			Queue:      cfg.TaskQueue.RabbitMQ.Queue,
			Prefetch:   cfg.TaskQueue.RabbitMQ.Prefetch,
			Durable:    cfg.TaskQueue.RabbitMQ.Durable,
			AutoDelete: cfg.TaskQueue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		queue = q
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.TaskQueue.Driver)
	}
	defer func() {
		if queue != nil {
			if err := queue.Close(); err != nil {
				log.Printf("关闭流水线队列失败: %v", err)
			}
		}
	}()

	chainRegistry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	if err := chainRegistry.VerifyPaymentChain(cfg.Payment.ChainID, cfg.Payment.Currency); err != nil {
		return err
	}

	web3Client, err := chainRegistry.DefaultClient()
	if err != nil {
		return err
	}

	var ledger payment.Ledger
	switch cfg.Payment.Ledger.Driver {
	case "", "memory":
		ledger = payment.NewMemoryLedger()
	case "mysql":
		l, err := payment.NewMySQLLedger(cfg.Payment.Ledger.DSN)
		if err != nil {
			return err
		}
		ledger = l
	default:
		return fmt.Errorf("未知的支付记账驱动: %s", cfg.Payment.Ledger.Driver)
	}
	defer func() {
		if ledger != nil {
			_ = ledger.Close()
		}
	}()

	guard, err := payment.NewGuard(web3Client, ledger, payment.Config{
		MasterWallet: cfg.Payment.MasterWallet,
		Currency:     cfg.Payment.Currency,
		Scheme:       cfg.Payment.Scheme,
		ChainID:      cfg.Payment.ChainID,
	})
	if err != nil {
		return err
	}

	invoker := agents.NewHTTPInvoker(agents.Config{
		Timeout: time.Duration(cfg.Agents.TimeoutSeconds) * time.Second,
	})

	service := pipeline.NewService(store, queue)
	processor := pipeline.NewProcessor(invoker, store, queue,
		pipeline.WithWorkerCount(cfg.TaskQueue.Worker),
		pipeline.WithProcessorLogger(logger.L()),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("流水线处理器异常退出: %v", err)
		}
	}()

	server := api.NewServer(cfg.Server.Address, service, guard, web3Client)

	if err := server.Start(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
