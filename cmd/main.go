package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	"pixtrack/internal/config"
	"pixtrack/internal/tracking"
	"pixtrack/internal/tracking/ledger"
	"pixtrack/internal/tracking/metrics"
	"pixtrack/utils"
)

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config")
	issueToken := flag.String("issue-token", "", "print a service token for the given subject and exit")
	tokenTTL := flag.Duration("token-ttl", 0, "lifetime of the issued service token (0 = no expiry)")
	flag.Parse()

	infoLog := log.New(os.Stdout, "INFO\t", log.Ldate|log.Ltime)
	errorLog := log.New(os.Stderr, "ERROR\t", log.Ldate|log.Ltime|log.Lshortfile)

	cfg, err := config.Load(*configPath)
	if err != nil {
		errorLog.Fatal(err)
	}

	tokens, err := utils.NewManager(cfg.Auth.ServiceSecret)
	if err != nil {
		errorLog.Fatal(err)
	}
	if *issueToken != "" {
		tok, err := tokens.NewJWT(*issueToken, *tokenTTL)
		if err != nil {
			errorLog.Fatal(err)
		}
		fmt.Println(tok)
		return
	}

	trackingCfg, err := tracking.LoadTrackingConfig()
	if err != nil {
		errorLog.Fatal(err)
	}

	var db *sql.DB
	if cfg.Database.Driver != config.DriverMemory {
		dsn, err := cfg.DSN()
		if err != nil {
			errorLog.Fatal(err)
		}
		db, err = openDB(cfg.Database.Driver, dsn)
		if err != nil {
			errorLog.Fatal(err)
		}
		defer db.Close()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(reg); err != nil {
		errorLog.Fatal(err)
	}

	app := initializeApp(errorLog, infoLog, tokens, reg)
	app.tracking = &tracking.TrackingDeps{
		DB:         db,
		Dialect:    ledger.Dialect(cfg.Database.Driver),
		RDB:        rdb,
		Logger:     app,
		SLog:       slog.New(slog.NewTextHandler(os.Stdout, nil)),
		Config:     trackingCfg,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}

	handler, err := app.routes()
	if err != nil {
		errorLog.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := tracking.StartTrackingWorkers(ctx, app.tracking); err != nil {
		errorLog.Fatal(err)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowCredentials: true,
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Signature"},
	})

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		ErrorLog:     errorLog,
		Handler:      c.Handler(handler),
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 20 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	infoLog.Printf("Starting server on %s", cfg.Server.Address)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errorLog.Fatal(err)
	}
	infoLog.Print("Server stopped")
}
