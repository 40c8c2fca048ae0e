package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/breathwork/internal/breath"
	"github.com/hitoshi/breathwork/internal/config"
	"github.com/hitoshi/breathwork/internal/database"
	"github.com/hitoshi/breathwork/internal/handler"
	"github.com/hitoshi/breathwork/internal/logger"
	"github.com/hitoshi/breathwork/internal/metrics"
	"github.com/hitoshi/breathwork/internal/middleware"
	"github.com/hitoshi/breathwork/internal/repository"
	"github.com/hitoshi/breathwork/internal/session"
	"github.com/hitoshi/breathwork/internal/worker/archive"
	"github.com/hitoshi/breathwork/internal/worker/cleanup"
	"github.com/hitoshi/breathwork/internal/worker/sweep"
)

// shutdownTimeout はグレースフルシャットダウンの上限時間。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再構成する
	logger.SetupDefaultWithLevel(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	if cmd == CommandHelp {
		if w == nil {
			w = os.Stdout
		}
		WriteUsage(w)
		return nil
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.Bool("archive_enabled", cfg.ArchiveEnabled()),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", ":"+cfg.ServerPort)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return serve(ctx, cfg, ln, slog.Default())
}

// serve は依存関係をワイヤリングし、ctxがキャンセルされるまでlnでHTTPサーバーを動かす。
// 停止順序は HTTPサーバー → セッションエンジン → 永続化ワーカー。
func serve(ctx context.Context, cfg *config.Config, ln net.Listener, log *slog.Logger) error {
	srv, err := newServer(ctx, cfg, log)
	if err != nil {
		ln.Close()
		return err
	}
	defer srv.close()

	server := &http.Server{
		Handler:     srv.router,
		ReadTimeout: 15 * time.Second,
		// WebSocketの長時間接続があるため書き込みタイムアウトは設定しない
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", ln.Addr().String()))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	}
	log.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	srv.shutdown(shutdownCtx)

	log.Info("API server stopped gracefully")
	return nil
}

// server はserveモードで起動するコンポーネント一式。
type server struct {
	router      http.Handler
	engine      *session.Engine
	rateLimiter *middleware.RateLimiter
	db          *sql.DB

	cancelWorkers context.CancelFunc
	workers       sync.WaitGroup
	log           *slog.Logger
}

// newServer はserveモードの依存関係を構築し、バックグラウンドワーカーを起動する。
// DATABASE_URLが設定されている場合のみ永続化ワーカーを起動する。
func newServer(ctx context.Context, cfg *config.Config, log *slog.Logger) (*server, error) {
	s := &server{log: log}

	// 1. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancelWorkers = cancel

	// 2. 永続化（任意）
	var archiver session.Archiver
	if cfg.ArchiveEnabled() {
		db, err := database.Connect(ctx, cfg.DatabaseURL, database.DefaultConnectTimeout)
		if err != nil {
			cancel()
			return nil, err
		}
		log.Info("database connection established")
		s.db = db

		a := archive.NewArchiver(repository.NewPostgresMeditationSessionRepo(db), cfg.ArchiveQueueSize, collector, log)
		archiver = a
		s.goWorker(func() { a.Run(workerCtx) })

		if cfg.ArchiveRetentionDays > 0 {
			job := cleanup.NewCleanupJob(db, cfg.ArchiveRetentionDays, log)
			s.goWorker(func() { job.Start(workerCtx, cleanup.DefaultInterval) })
		}
	} else {
		log.Info("DATABASE_URL is not set; finished sessions will not be persisted")
	}

	// 3. セッションエンジン
	s.engine = session.NewEngine(engineConfig(cfg), archiver, collector, log)

	job := sweep.NewSweepJob(s.engine, log)
	s.goWorker(func() { job.Start(workerCtx, cfg.SessionSweepInterval) })

	// 4. ルーター
	s.rateLimiter = middleware.NewRateLimiter(middleware.PerMinuteConfig(cfg.RateLimitGeneral, cfg.RateLimitSamples))
	s.router = handler.NewRouter(&handler.RouterDeps{
		Engine:            s.engine,
		Logger:            log,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		IdentityHeader:    cfg.IdentityHeader,
		RateLimiter:       s.rateLimiter,
		StatusRecorder:    collector,
		Stream: handler.StreamConfig{
			AllowedOrigin:     cfg.CORSAllowedOrigin,
			AbortOnDisconnect: cfg.StreamAbortOnDisconnect,
			SampleRate:        rate.Limit(float64(cfg.RateLimitSamples) / 60.0),
			SampleBurst:       cfg.RateLimitSamples,
		},
		Gatherer: reg,
	})

	return s, nil
}

func (s *server) goWorker(fn func()) {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		fn()
	}()
}

// shutdown は進行中のセッションを中断し、永続化ワーカーのキュー排出を待つ。
func (s *server) shutdown(ctx context.Context) {
	aborted := s.engine.Shutdown(ctx)
	s.log.Info("live sessions aborted", slog.Int("aborted_count", aborted))
	s.close()
}

// close はバックグラウンドワーカーを停止し、リソースを解放する。複数回呼び出してよい。
func (s *server) close() {
	s.cancelWorkers()
	s.workers.Wait()
	s.rateLimiter.Stop()
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
}

// engineConfig はConfigからセッションエンジンの設定を組み立てる。
func engineConfig(cfg *config.Config) session.EngineConfig {
	sc := session.DefaultConfig()
	sc.Classifier = breath.ClassifierConfig{
		Threshold: cfg.PhaseThreshold,
		Debounce:  cfg.PhaseDebounce,
	}
	sc.CalibrationCycles = cfg.CalibrationCycles
	sc.Alpha = cfg.ConsistencyAlpha
	sc.StreamBuffer = cfg.StreamBufferSize

	return session.EngineConfig{
		Session:        sc,
		IdleTimeout:    cfg.SessionIdleTimeout,
		CompletedGrace: cfg.SessionCompletedGrace,
	}
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if !cfg.ArchiveEnabled() {
		return errors.New("migrate requires DATABASE_URL")
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("schema_version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
