package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"crm-realtime/internal/config"
	"crm-realtime/internal/delivery"
	"crm-realtime/internal/infrastructure/kafka"
	"crm-realtime/internal/infrastructure/redis"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg := config.LoadConfig()

	var logger *zap.Logger
	var err error
	if cfg.IsProduction() {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	logger.Info("starting CRM realtime server",
		zap.String("environment", cfg.Environment),
		zap.String("port", cfg.Port),
		zap.Strings("kafka_brokers", cfg.KafkaBrokers),
		zap.String("cors_origins", cfg.GetCORSOrigins()))

	redisClient := redis.NewRedisClient(cfg.RedisHost, cfg.RedisPort, cfg.RedisPassword)
	if err := redisClient.Ping(context.Background()); err != nil {
		logger.Warn("redis connection failed", zap.Error(err))
	} else {
		logger.Info("redis connection successful")
	}

	streams := delivery.NewStreamManager(logger)

	kafkaBroker := strings.Join(cfg.KafkaBrokers, ",")
	producer := kafka.NewKafkaProducer(kafkaBroker, logger)

	topics := []string{
		kafka.TopicChatMessages,
		kafka.TopicTyping,
		kafka.TopicPresence,
		kafka.TopicMessageStatus,
	}
	consumer := kafka.NewKafkaConsumer(cfg.KafkaBrokers, "crm-realtime-group", topics, streams, logger)

	server := delivery.NewServer(cfg, redisClient, producer, streams, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("shutting down")
		cancel()
		if err := consumer.Close(); err != nil {
			logger.Warn("error closing kafka consumer", zap.Error(err))
		}
		if err := producer.Close(); err != nil {
			logger.Warn("error closing kafka producer", zap.Error(err))
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("error closing redis client", zap.Error(err))
		}
	}()

	go func() {
		if err := consumer.Start(ctx); err != nil {
			logger.Error("kafka consumer error", zap.Error(err))
		}
	}()

	if err := server.Start(); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
