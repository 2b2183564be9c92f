package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/charging-platform/evse-simulator/internal/bus"
	"github.com/charging-platform/evse-simulator/internal/clock"
	"github.com/charging-platform/evse-simulator/internal/config"
	"github.com/charging-platform/evse-simulator/internal/control"
	"github.com/charging-platform/evse-simulator/internal/domain/validation"
	"github.com/charging-platform/evse-simulator/internal/logger"
	"github.com/charging-platform/evse-simulator/internal/message"
	"github.com/charging-platform/evse-simulator/internal/pool"
	"github.com/charging-platform/evse-simulator/internal/profile"
	"github.com/charging-platform/evse-simulator/internal/session"
	"github.com/charging-platform/evse-simulator/internal/storage"
	"github.com/charging-platform/evse-simulator/internal/tnr"
)

func main() {
	configPath := flag.String("config", "", "path to config file (yaml)")
	flag.Parse()

	// 1. 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	lg, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: time.RFC3339,
		Async:      cfg.Log.Async,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log := lg.GetLogger()
	log.Info().Msg("Logger initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. 事件总线与会话依赖
	eventBus := bus.New(log)
	valid := validation.NewValidator()
	handlers := session.NewHandlerRegistry()

	// 4. 会话池
	defaults := sessionDefaults(cfg)
	sessionPool := pool.New(pool.Config{
		MaxSessions:   cfg.Pool.MaxSessions,
		RampRate:      cfg.Pool.RampRate,
		IDPrefix:      cfg.Pool.IDPrefix,
		SnapshotEvery: cfg.Pool.SnapshotEvery,
		ReapInterval:  cfg.Pool.ReapInterval,
		MemoryLimitMB: cfg.Pool.MemoryLimitMB,
	}, defaults, clock.New(), eventBus, valid, handlers, log)
	sessionPool.Start(ctx)
	log.Info().Int("max_sessions", cfg.Pool.MaxSessions).Msg("Session pool started")

	// 5. 控制服务
	service := control.NewService(sessionPool, eventBus, log)

	// 6. Kafka事件导出与指令消费
	var (
		producer *message.KafkaProducer
		consumer *message.KafkaConsumer
	)
	if cfg.Kafka.Enabled {
		producer, err = message.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.EventTopic, message.ProducerOptions{
			RetryMax:       cfg.Kafka.Producer.RetryMax,
			ReturnSuccess:  cfg.Kafka.Producer.ReturnSuccess,
			FlushFrequency: cfg.Kafka.Producer.FlushFrequency,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize Kafka producer")
		}
		exporter := message.NewExporter(producer, eventBus, log)
		go exporter.Run(ctx)
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.EventTopic).
			Msg("Kafka event exporter started")

		consumer, err = message.NewKafkaConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup,
			cfg.Kafka.CommandTopic, cfg.Kafka.Consumer.OffsetsInitial, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize Kafka consumer")
		}
		go func() {
			if err := consumer.Start(service.HandleCommand); err != nil {
				log.Error().Err(err).Msg("Kafka consumer failed")
			}
		}()
		log.Info().Str("group", cfg.Kafka.ConsumerGroup).Str("topic", cfg.Kafka.CommandTopic).
			Msg("Kafka command consumer started")
	}

	// 7. Redis快照持久化
	var store *storage.RedisStorage
	if cfg.Redis.Enabled {
		store, err = storage.NewRedisStorage(cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize Redis storage")
		}
		go store.SnapshotLoop(ctx, sessionPool, 0, log)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Redis snapshot persistence started")
	}

	// 8. 录制器
	var recorder *tnr.Recorder
	if cfg.TNR.Enabled {
		recorder, err = tnr.NewFileRecorder(cfg.TNR.Dir, cfg.TNR.RecordName, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize recorder")
		}
		go recorder.Run(ctx, eventBus)
		log.Info().Str("dir", cfg.TNR.Dir).Msg("Event recording started")
	}

	// 9. 监控与健康检查
	go startMetricsServer(cfg.GetMetricsAddr(), sessionPool, log)
	log.Info().Str("addr", cfg.GetMetricsAddr()).Msg("Metrics server starting")

	// 10. 按配置自动启动批量场景
	if cfg.Batch.Enabled {
		spec := pool.BatchSpec{
			Count:         cfg.Batch.Count,
			RampUp:        cfg.Batch.RampUp,
			Hold:          cfg.Batch.Hold,
			CSMSURL:       cfg.CSMS.URL,
			IdTag:         cfg.Session.IdTag,
			MeterInterval: cfg.Session.MeterInterval,
		}
		if err := service.StartBatch(spec); err != nil {
			log.Fatal().Err(err).Msg("Failed to start batch scenario")
		}
		log.Info().Int("count", cfg.Batch.Count).Dur("ramp_up", cfg.Batch.RampUp).
			Msg("Batch scenario started")
	}

	log.Info().Msg("EVSE simulator started successfully")

	// 11. 监听并处理优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down simulator...")

	// 1. 关闭会话池（先取消批次，再关闭所有会话）
	sessionPool.Stop()
	log.Info().Msg("Session pool stopped")

	// 2. 取消后台循环（导出器、快照循环、录制器）
	cancel()

	// 3. 关闭 Kafka 消费者
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing Kafka consumer")
		}
		log.Info().Msg("Kafka consumer closed")
	}

	// 4. 关闭 Kafka 生产者
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing Kafka producer")
		}
		log.Info().Msg("Kafka producer closed")
	}

	// 5. 关闭 Redis 连接
	if store != nil {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing storage")
		}
		log.Info().Msg("Storage closed")
	}

	// 6. 刷新并关闭录制文件
	if recorder != nil {
		if err := recorder.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing recorder")
		}
		log.Info().Int64("records", recorder.Count()).Msg("Recording closed")
	}

	log.Info().Msg("Simulator gracefully stopped")
}

// sessionDefaults 把配置映射成新会话的默认参数
func sessionDefaults(cfg *config.Config) session.Config {
	return session.Config{
		CSMSURL:           cfg.CSMS.URL,
		BasicAuthUser:     cfg.CSMS.BasicAuthUser,
		BasicAuthPassword: cfg.CSMS.BasicAuthPassword,
		TLSSkipVerify:     cfg.CSMS.TLSSkipVerify,
		HandshakeTimeout:  cfg.CSMS.HandshakeTimeout,
		Vendor:            cfg.Session.Vendor,
		Model:             cfg.Session.Model,
		FirmwareVersion:   cfg.Session.FirmwareVersion,
		ConnectorCount:    cfg.Session.ConnectorCount,
		IdTag:             cfg.Session.IdTag,
		HeartbeatInterval: cfg.Session.HeartbeatInterval,
		MeterInterval:     cfg.Session.MeterInterval,
		CallTimeout:       cfg.Session.CallTimeout,
		PendingCallLimit:  cfg.Session.PendingCallLimit,
		InboxSize:         cfg.Session.InboxSize,
		ReconnectAttempts: cfg.Session.ReconnectAttempts,
		ReconnectDelay:    cfg.Session.ReconnectDelay,
		ReconnectDelayMax: cfg.Session.ReconnectDelayMax,
		MeterPowerW:       cfg.Meter.PowerW,
		MeterNoiseW:       cfg.Meter.NoiseW,
		MeterStartWh:      cfg.Meter.StartWh,
		Profile: profile.Config{
			VoltageV:       cfg.Profile.VoltageV,
			DefaultPhases:  cfg.Profile.DefaultPhases,
			MaxPowerW:      cfg.Profile.MaxPowerW,
			MaxProfiles:    cfg.Profile.MaxProfiles,
			StrictStacking: cfg.Profile.StrictStacking,
		},
	}
}

// startMetricsServer 启动监控服务器，/health返回池规模
func startMetricsServer(addr string, sessionPool *pool.Pool, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   "ok",
			"sessions": sessionPool.Len(),
		})
	})
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal().Err(err).Msg("Metrics server failed")
	}
}
