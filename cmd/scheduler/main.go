package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/fundsched/internal/balance"
	"github.com/terminal-bench/fundsched/internal/gateway"
	"github.com/terminal-bench/fundsched/internal/ingest"
	"github.com/terminal-bench/fundsched/internal/scheduler"
	"github.com/terminal-bench/fundsched/internal/watermark"
	"github.com/terminal-bench/fundsched/pkg/messaging"
	"github.com/terminal-bench/fundsched/pkg/metrics"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8010"
	}

	natsURL := os.Getenv("NATS_URL")
	dbURL := os.Getenv("DATABASE_URL")
	redisURL := os.Getenv("REDIS_URL")
	etcdEndpoints := os.Getenv("ETCD_ENDPOINTS")
	jwtSecret := os.Getenv("JWT_SECRET")

	// Authoritative balance source: postgres when configured, in-memory
	// otherwise for local runs.
	var source scheduler.BalanceSource
	if dbURL != "" {
		db, err := sql.Open("postgres", dbURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		source = balance.NewPostgresSource(db)
	} else {
		log.Println("DATABASE_URL not set, using in-memory balance source")
		source = balance.NewMemorySource()
	}

	var rdb *redis.Client
	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Fatalf("Invalid REDIS_URL: %v", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
	}
	cache := balance.NewCache(source, rdb, 5*time.Minute)

	natsClient, err := messaging.NewClient(natsURL, messaging.ClientOptions{
		Name:          "withdraw-scheduler",
		ReconnectWait: time.Second,
		MaxReconnects: 10,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer natsClient.Close()

	var recorder scheduler.Metrics
	if influxURL := os.Getenv("INFLUX_URL"); influxURL != "" {
		influx := metrics.NewInfluxRecorder(
			influxURL,
			os.Getenv("INFLUX_TOKEN"),
			os.Getenv("INFLUX_ORG"),
			os.Getenv("INFLUX_BUCKET"),
		)
		defer influx.Close()
		recorder = influx
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Resume from the published watermark so a restart does not replay
	// already-settled versions.
	var publisher *watermark.Publisher
	var lastSettled uint64
	if etcdEndpoints != "" {
		publisher, err = watermark.NewPublisher(strings.Split(etcdEndpoints, ","))
		if err != nil {
			log.Fatalf("Failed to connect to etcd: %v", err)
		}
		defer publisher.Close()

		lastSettled, err = publisher.Last(ctx)
		if err != nil {
			log.Fatalf("Failed to read watermark: %v", err)
		}
		log.Printf("Resuming from settled version %d", lastSettled)
	}

	sched := scheduler.New(cache, lastSettled, recorder)

	onSettled := func(version uint64) {
		if publisher == nil {
			return
		}
		if err := publisher.Publish(context.Background(), version); err != nil {
			log.Printf("Failed to publish watermark %d: %v", version, err)
		}
	}

	consumer := ingest.New(natsClient, sched, cache, onSettled)

	gw := gateway.NewGateway(gateway.Config{JWTSecret: jwtSecret}, sched, cache)

	// Mirror published outcomes onto the WebSocket feed.
	if err := natsClient.Subscribe(messaging.SubjectWithdrawOutcome, func(msg *nats.Msg) {
		gw.Broadcast(msg.Data)
	}); err != nil {
		log.Fatalf("Failed to subscribe to outcomes: %v", err)
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: gw.Handler(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		// Only the elected leader consumes the streams. Without etcd a
		// single instance is assumed and consumption starts immediately.
		if publisher != nil {
			elector, err := publisher.NewElector()
			if err != nil {
				return err
			}
			hostname, _ := os.Hostname()
			log.Println("Campaigning for stream leadership")
			if err := elector.Campaign(ctx, hostname); err != nil {
				return err
			}
			log.Println("Elected stream leader")
			defer elector.Resign(context.Background())

			if err := consumer.Start(ctx); err != nil {
				return err
			}
			defer consumer.Stop()

			select {
			case <-elector.Done():
				log.Println("Lost leadership, shutting down")
				return nil
			case <-ctx.Done():
				return nil
			}
		}

		if err := consumer.Start(ctx); err != nil {
			return err
		}
		defer consumer.Stop()
		<-ctx.Done()
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Scheduler exited: %v", err)
	}
}
