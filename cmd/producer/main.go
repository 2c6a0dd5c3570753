package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"jobqueue/internal/api"
	"jobqueue/internal/config"
	"jobqueue/internal/queue"
	"jobqueue/internal/ratelimit"
	"jobqueue/internal/telemetry"
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

	recorder := telemetry.NewRecorder()
	q := queue.New(client, cfg.QueueName, queue.WithPrefix(cfg.QueuePrefix), queue.WithRecorder(recorder))
	producer := queue.NewProducer(q)

	limiter := ratelimit.NewTokenBucket(client, cfg.RequestRateLimitCapacity, cfg.RequestRateLimitRefill, time.Hour)

	server := api.New(producer, limiter, recorder)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("producer listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
