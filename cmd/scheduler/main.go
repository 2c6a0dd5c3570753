package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"jobqueue/internal/config"
	"jobqueue/internal/queue"
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

	scheduler := queue.NewScheduler(q, producer, queue.SchedulerOptions{
		PromoteInterval: cfg.SchedulerPromoteInterval,
		StalledInterval: cfg.SchedulerStalledInterval,
		RepeatInterval:  cfg.SchedulerRepeatInterval,
		MaxStalledCount: cfg.MaxStalledCount,
	})

	log.Printf("scheduler starting for queue %q: promote=%s stalled=%s repeat=%s",
		cfg.QueueName, cfg.SchedulerPromoteInterval, cfg.SchedulerStalledInterval, cfg.SchedulerRepeatInterval)

	if err := scheduler.Run(ctx); err != nil {
		log.Printf("scheduler stopped: %v", err)
	}
}
