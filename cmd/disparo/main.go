package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/josuesantos-jjr/archer-online-sub001/internal/api"
	"github.com/josuesantos-jjr/archer-online-sub001/internal/config"
	"github.com/josuesantos-jjr/archer-online-sub001/internal/disparo"
	"github.com/josuesantos-jjr/archer-online-sub001/internal/pkg/logger"
	"github.com/josuesantos-jjr/archer-online-sub001/internal/pkg/retry"
	"github.com/josuesantos-jjr/archer-online-sub001/internal/render"
	"github.com/josuesantos-jjr/archer-online-sub001/internal/report"
	"github.com/josuesantos-jjr/archer-online-sub001/internal/store"
	"github.com/josuesantos-jjr/archer-online-sub001/internal/whatsapp"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	pairTenant := flag.String("pair", "", "print the QR code for this tenant's WhatsApp session and exit once paired")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactPII(cfg.Log.Redact())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *pairTenant != "" {
		if err := pair(ctx, cfg, *pairTenant); err != nil {
			log.Fatalf("Pairing failed: %v", err)
		}
		return
	}

	log.Println("Starting disparo...")

	// Lock backends: Redis first, Postgres advisory locks second, in-process
	// locks when neither is configured.
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		pingCancel()
		log.Println("Connected to Redis")
	}

	var db *sql.DB
	if cfg.Database.URL != "" && redisClient == nil {
		db, err = sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer db.Close()
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := db.PingContext(pingCtx); err != nil {
			log.Fatalf("Failed to ping database: %v", err)
		}
		pingCancel()
		log.Println("Connected to database")
	}

	shared, err := buildSharedSinks(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize report sinks: %v", err)
	}

	registry := api.NewRegistry()
	var (
		wg       sync.WaitGroup
		runtimes []*tenantRuntime
	)
	for _, tc := range cfg.Tenants {
		if tc.Disabled {
			log.Printf("Tenant %s disabled, skipping", tc.ID)
			continue
		}
		rt, err := startTenant(ctx, cfg, tc, shared, redisClient, db, &wg)
		if err != nil {
			log.Printf("ERROR: tenant %s not started: %v", tc.ID, err)
			continue
		}
		runtimes = append(runtimes, rt)
		registry.Add(rt.apiTenant())
	}
	if len(runtimes) == 0 {
		log.Fatalf("No tenant could be started")
	}
	log.Printf("%d tenant(s) running", len(runtimes))

	var server *api.Server
	if cfg.Server.Enabled {
		server = api.NewServer(registry, cfg.Server.Origins)
		go func() {
			log.Printf("Status API listening on %s", cfg.Server.Addr())
			if err := server.ListenAndServe(cfg.Server.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("ERROR: status API: %v", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	cancel()

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("ERROR: status API shutdown: %v", err)
		}
		shutdownCancel()
	}

	wg.Wait()
	for _, rt := range runtimes {
		rt.close()
	}
	log.Println("Disparo stopped")
}

// sharedSinks are the report destinations common to every tenant.
type sharedSinks struct {
	reporters   []disparo.Reporter
	dispatchLog disparo.DispatchLog
}

func buildSharedSinks(ctx context.Context, cfg *config.Config) (sharedSinks, error) {
	var s sharedSinks

	if cfg.Webhook.URL != "" {
		client := retry.NewRetryClient(&http.Client{Timeout: cfg.Webhook.Timeout()}, cfg.Webhook.MaxRetries)
		s.reporters = append(s.reporters, report.NewWebhookReporter(cfg.Webhook.URL, client))
		log.Printf("Report webhook enabled")
	}

	if cfg.AWS.Enabled() {
		awsCfg, err := report.LoadAWSConfig(ctx, cfg.AWS.Region, cfg.AWS.GetAWSProfile())
		if err != nil {
			return s, err
		}
		if cfg.AWS.S3Bucket != "" {
			s.reporters = append(s.reporters, report.NewS3Archive(s3.NewFromConfig(awsCfg), cfg.AWS.S3Bucket, ""))
			log.Printf("Report archive enabled (s3://%s)", cfg.AWS.S3Bucket)
		}
		if cfg.AWS.DynamoDBTable != "" {
			s.dispatchLog = report.NewDynamoLog(dynamodb.NewFromConfig(awsCfg), cfg.AWS.DynamoDBTable)
			log.Printf("Dispatch log mirrored to DynamoDB table %s", cfg.AWS.DynamoDBTable)
		}
	}

	if cfg.SES.Enabled {
		sesCfg, err := report.LoadStaticAWSConfig(ctx, cfg.SES.Region, cfg.SES.AccessKey, cfg.SES.SecretKey)
		if err != nil {
			return s, err
		}
		s.reporters = append(s.reporters, report.NewEmailReporter(sesv2.NewFromConfig(sesCfg), cfg.SES.From, cfg.SES.To, render.NewTemplateService()))
		log.Printf("Daily report email enabled (%d recipients)", len(cfg.SES.To))
	}
	return s, nil
}

func pair(ctx context.Context, cfg *config.Config, tenantID string) error {
	tc, ok := cfg.Tenant(tenantID)
	if !ok {
		return fmt.Errorf("unknown tenant %q", tenantID)
	}
	st, err := store.New(tc.DataDir)
	if err != nil {
		return err
	}
	session, err := whatsapp.OpenSession(ctx, tc.ID, st.Path(whatsappDB), whatsapp.NewLogger(tc.ID, logger.ParseLevel(cfg.WhatsApp.LogLevel)))
	if err != nil {
		return err
	}
	defer session.Close()

	if session.Paired() {
		fmt.Printf("Tenant %s is already paired\n", tc.ID)
		return nil
	}
	if err := session.Pair(ctx, os.Stdout); err != nil {
		return err
	}
	fmt.Printf("Tenant %s paired\n", tc.ID)
	return nil
}
