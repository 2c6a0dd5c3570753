package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"jobqueue/internal/auditstore"
	"jobqueue/internal/config"
	"jobqueue/internal/queue"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()

	store, err := auditstore.New(ctx, cfg.AuditPostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer store.Close()

	if err := store.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	q := queue.New(client, cfg.QueueName, queue.WithPrefix(cfg.QueuePrefix))
	listener := queue.NewEventListener(q)

	log.Printf("auditsink subscribing to queue %q events", cfg.QueueName)
	if err := store.Subscribe(ctx, cfg.QueueName, listener, "$"); err != nil && ctx.Err() == nil {
		log.Printf("auditsink stopped: %v", err)
	}
}
