package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/qiminjie89/dmrelay/internal/fetcher"
	"github.com/qiminjie89/dmrelay/internal/relay"
	"github.com/qiminjie89/dmrelay/pkg/config"
	"github.com/qiminjie89/dmrelay/pkg/kafka"
	"github.com/qiminjie89/dmrelay/pkg/logger"
)

func main() {
	// 解析命令行参数
	configPath := flag.String("config", "configs/dmrelay.yaml", "config file path")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("load config failed: " + err.Error())
	}

	// 初始化日志
	if err := logger.Init(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}); err != nil {
		panic("init logger failed: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("starting dmrelay",
		zap.String("config", *configPath),
	)

	// 补充信息存储（可选）
	var store *relay.RedisStore
	if cfg.Enrich.Addr != "" {
		store = relay.NewRedisStore(cfg.Enrich.Addr, cfg.Enrich.Password, cfg.Enrich.DB)
		defer store.Close()
	}
	var enrichStore relay.Store
	if store != nil {
		enrichStore = store
	}
	enricher := relay.NewEnricher(enrichStore, cfg.Enrich.Scope, cfg.Enrich.Timeout)

	// Kafka 镜像（可选）
	var mirror *kafka.Producer
	if cfg.Kafka.Enabled {
		mirror = kafka.NewProducer(&kafka.ProducerConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		})
		defer mirror.Close()
	}

	// 签名能力由外部签名服务提供
	signer := fetcher.NewHTTPSigner(cfg.Upstream.SignServer)

	manager := relay.NewManager(func(liveID string) relay.RoomFetcher {
		return fetcher.New(liveID, &cfg.Upstream, signer)
	}, enricher, mirror)

	server := relay.NewServer(cfg, manager)
	if err := server.Start(); err != nil {
		logger.Error("start server failed", zap.Error(err))
		os.Exit(1)
	}

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	server.Stop()
}
