package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"elibrary-backend/internal/borrow"
	"elibrary-backend/internal/catalog"
	"elibrary-backend/internal/notify"
	"elibrary-backend/internal/platform/apidoc"
	"elibrary-backend/internal/platform/auth"
	"elibrary-backend/internal/platform/config"
	"elibrary-backend/internal/platform/db"
	"elibrary-backend/internal/platform/telemetry"
)

func main() {
	// 設定読み込み
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("[ERROR] %v", err)
	}
	log.Printf("[INFO] mode:%s version:%s", cfg.Mode, cfg.Version)

	// go run . token <sub> [role] : 開発用トークンを発行して終了
	if len(os.Args) > 1 && os.Args[1] == "token" {
		issueDevToken(cfg, os.Args[2:])
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := db.Connect(ctx, cfg.DB)
	if err != nil {
		log.Fatalf("[ERROR] %v", err)
	}
	defer conn.Close()
	log.Printf("[INFO] connected to DB: %s", cfg.DB.DBName)

	if err := db.Migrate(ctx, conn); err != nil {
		log.Fatalf("[ERROR] %v", err)
	}

	books := catalog.NewStore(conn)
	if cfg.SeedCatalog {
		n, err := books.SeedSamples(ctx, catalog.SampleBooks)
		if err != nil {
			log.Fatalf("[ERROR] %v", err)
		}
		if n > 0 {
			log.Printf("[INFO] seeded %d sample books", n)
		}
	}

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		log.Fatalf("[ERROR] %v", err)
	}

	// 通知: db なら notifications テーブル、log ならログ出力だけ
	inbox := notify.NewStore(conn)
	var sink notify.Notifier = inbox
	if cfg.Notify.Driver == "log" {
		sink = notify.LogNotifier{}
	}
	emitter := notify.NewEmitter(sink,
		notify.WithQueueSize(cfg.Notify.QueueSize),
		notify.WithWorkers(cfg.Notify.Workers),
		notify.WithRateLimit(cfg.Notify.RatePerSecond, cfg.Notify.Burst),
		notify.WithDeliveryTimeout(cfg.Notify.Timeout),
	)
	emitter.Start()

	svc := borrow.NewService(borrow.NewMySQLStore(conn), emitter,
		borrow.WithFineRate(cfg.Borrow.FinePerDay),
		borrow.WithDefaultDuration(cfg.Borrow.DefaultDurationDays),
		borrow.WithSweepBatchSize(cfg.Borrow.SweepBatchSize),
	)

	if cfg.Mode == config.ModeRelease {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	_ = r.SetTrustedProxies(nil)

	if cfg.Mode == config.ModeDev {
		// CORS（開発中のみ必要）
		r.Use(cors.New(cors.Config{
			AllowOrigins:     []string{"http://localhost:3000"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			ExposeHeaders:    []string{"Content-Length", "Location"},
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowCredentials: true,
		}))
		// API ドキュメント（/swagger/index.html）
		apidoc.RegisterRoutes(r)
	}

	// ヘルス
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	api := r.Group("/api")
	catalog.RegisterRoutes(api, books)

	authed := api.Group("", auth.RequireAuth([]byte(cfg.Auth.JWTSecret)))
	borrow.RegisterRoutes(authed, svc, auth.RequireRole(auth.RoleAdmin))
	notify.RegisterRoutes(authed, inbox, auth.RequireRole(auth.RoleAdmin))

	// 延滞スイーパー
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		borrow.RunSweeper(ctx, svc, cfg.Borrow.SweepInterval, time.Minute)
	}()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		var err error
		if cfg.TLSEnabled() {
			certFile, keyFile := cfg.CertPaths()
			log.Printf("[INFO] listening on https://%s", cfg.Server.Addr)
			err = srv.ListenAndServeTLS(certFile, keyFile)
		} else {
			log.Printf("[INFO] listening on http://%s (TLS disabled)", cfg.Server.Addr)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	// Graceful shutdown
	<-ctx.Done()
	log.Println("[INFO] shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[ERROR] http shutdown: %v", err)
	}
	<-sweepDone
	if err := emitter.Close(shutdownCtx); err != nil {
		st := emitter.Stats()
		log.Printf("[WARN] notify queue not drained: %v (delivered=%d failed=%d dropped=%d)", err, st.Delivered, st.Failed, st.Dropped)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		log.Printf("[WARN] telemetry shutdown: %v", err)
	}
}

func issueDevToken(cfg *config.Config, args []string) {
	if cfg.Mode != config.ModeDev {
		log.Fatal("[ERROR] token can only be issued in dev mode")
	}
	if len(args) == 0 {
		fmt.Println("Usage: go run . token <sub> [admin|user]")
		return
	}
	role := auth.RoleUser
	if len(args) > 1 {
		role = args[1]
	}
	tok, err := auth.IssueToken([]byte(cfg.Auth.JWTSecret), args[0], role, 24*time.Hour)
	if err != nil {
		log.Fatalf("[ERROR] %v", err)
	}
	fmt.Println(tok)
}
