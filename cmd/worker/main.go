package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"jobqueue/internal/config"
	"jobqueue/internal/handlers"
	"jobqueue/internal/queue"
	"jobqueue/internal/telemetry"
)

// handlerRouter dispatches a job to the handlers package implementation
// registered under job.Name, mirroring the teacher's RegisterHandler idiom
// while keeping internal/queue ignorant of job-name routing.
type handlerRouter struct {
	byName map[string]queue.Handler
}

func (r *handlerRouter) Handle(ctx context.Context, job *queue.Job) ([]byte, error) {
	h, ok := r.byName[job.Name]
	if !ok {
		return nil, fmt.Errorf("no handler registered for job name %q", job.Name)
	}
	return h(ctx, job)
}

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

	imageHandler, err := handlers.NewImageHandler(ctx, handlers.ImageOptions{
		OutputDir: getEnv("IMAGE_OUTPUT_DIR", "./output"),
		S3Bucket:  os.Getenv("IMAGE_S3_BUCKET"),
		S3Region:  getEnv("IMAGE_S3_REGION", "us-east-1"),
	})
	if err != nil {
		log.Fatalf("init image handler: %v", err)
	}

	router := &handlerRouter{byName: map[string]queue.Handler{
		"resize_image": imageHandler.Handle,
		"image:resize": handlers.NewLocalResizeHandler().Handle,
	}}

	worker := queue.NewWorker(q, router.Handle, queue.WorkerOptions{
		Concurrency:     cfg.WorkerConcurrency,
		LockDuration:    cfg.LockDuration,
		LockRenewTime:   cfg.LockRenewTime,
		StalledInterval: cfg.SchedulerStalledInterval,
		MaxStalledCount: cfg.MaxStalledCount,
		DrainDelay:      cfg.DrainDelay,
		BlockingTimeout: cfg.BlockingTimeout,
		Limiter: &queue.LimiterOptions{
			Max:      cfg.RateLimitMax,
			Duration: cfg.RateLimitDuration,
			GroupKey: cfg.RateLimitGroupKey,
		},
	})

	// Generate a worker ID from hostname or env var for the log lines. It is
	// not registered anywhere: the worker's heartbeat-set entry is its lock
	// token.
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	log.Printf("worker %s starting: concurrency=%d lock_duration=%s", workerID, cfg.WorkerConcurrency, cfg.LockDuration)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	if err := worker.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
