package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OFFIS-RIT/argus/internal/investigation"
	"github.com/OFFIS-RIT/argus/internal/queue"
	"github.com/OFFIS-RIT/argus/internal/storage"
	"github.com/OFFIS-RIT/argus/internal/util"
	"github.com/OFFIS-RIT/argus/pkg/leaselock"
	"github.com/OFFIS-RIT/argus/pkg/logger"
	"github.com/OFFIS-RIT/argus/pkg/logger/console"
	graphstorage "github.com/OFFIS-RIT/argus/pkg/store/pgx"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// logger
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: util.GetEnvBool("DEBUG", false),
		JSON:  util.GetEnvBool("LOG_JSON", false),
	})
	logger.Init(consoleLogger)

	// Init s3 bucket for payloads too large to travel inline
	var fetcher queue.Fetcher
	if util.GetEnv("AWS_BUCKET") != "" {
		client, err := storage.NewS3Client(ctx)
		if err != nil {
			logger.Fatal("Could not create S3 client", "err", err)
		}
		fetcher = storage.NewBucketFromEnv(client)
	}

	// Init pgx client
	dbURL := util.GetEnv("DATABASE_URL")
	if err := graphstorage.Migrate(dbURL); err != nil {
		logger.Fatal("Failed to run migrations", "err", err)
	}
	pgConn, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		logger.Fatal("Unable to connect to database", "err", err)
	}
	defer pgConn.Close()

	norm, err := investigation.NormalizerFromEnv()
	if err != nil {
		logger.Fatal("Invalid configuration", "err", err)
	}
	hostname, _ := os.Hostname()
	registry := investigation.NewRegistry(investigation.NewRegistryParams{
		Storage:     graphstorage.NewGraphDBStorageWithConnection(pgConn),
		Locker:      leaselock.New(pgConn),
		Normalizer:  norm,
		Graph:       investigation.GraphParamsFromEnv(),
		LockOptions: investigation.LockOptionsFromEnv("worker-" + hostname + "-"),
	})

	// Init rabbitmq
	conn := queue.Init()
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	if err := queue.SetupQueues(ch, queue.Queues); err != nil {
		logger.Fatal("Failed to set up queues", "err", err)
	}

	consumerCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open consumer channel", "err", err)
	}
	defer consumerCh.Close()

	prefetch := util.GetEnvInt("WORKER_PREFETCH", 4)
	if err := consumerCh.Qos(prefetch, 0, false); err != nil {
		logger.Fatal("Failed to set QoS", "err", err)
	}

	msgs, err := consumerCh.Consume(
		queue.IngestQueue,
		fmt.Sprintf("%s_consumer", queue.IngestQueue),
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		logger.Fatal("Failed to start consuming", "queue", queue.IngestQueue, "err", err)
	}

	logger.Info("Listening for messages", "queue", queue.IngestQueue, "prefetch", prefetch)

	sem := make(chan struct{}, prefetch)
	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutdown signal received, waiting for running messages")
			for range prefetch {
				sem <- struct{}{}
			}
			return
		case msg, ok := <-msgs:
			if !ok {
				logger.Info("Message channel closed", "queue", queue.IngestQueue)
				return
			}
			sem <- struct{}{}
			go func(msg amqp.Delivery) {
				defer func() { <-sem }()
				handle(ctx, registry, fetcher, consumerCh, msg)
			}(msg)
		}
	}
}

func handle(ctx context.Context, registry *investigation.Registry, fetcher queue.Fetcher, ch *amqp.Channel, msg amqp.Delivery) {
	startTime := time.Now()
	err := queue.ProcessIngestMessage(ctx, registry, fetcher, msg.Body)
	if err != nil {
		logger.Error("Error processing message", "queue", queue.IngestQueue, "err", err)
		queue.HandleProcessingError(context.WithoutCancel(ctx), ch, msg, queue.IngestQueue, err)
		return
	}
	if err := msg.Ack(false); err != nil {
		logger.Error("Failed to ack message", "err", err)
	}
	logger.Info("Message processed successfully", "queue", queue.IngestQueue, "duration", time.Since(startTime).Round(time.Millisecond))
}
