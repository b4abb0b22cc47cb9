package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/reflection"

	grpc_adapter "github.com/JoeShih716/go-transfer-ledger/internal/app/core/adapter/in/grpc"
	rest_adapter "github.com/JoeShih716/go-transfer-ledger/internal/app/core/adapter/in/rest"
	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/adapter/in/scheduler"
	badger_adapter "github.com/JoeShih716/go-transfer-ledger/internal/app/core/adapter/out/badger"
	memory_adapter "github.com/JoeShih716/go-transfer-ledger/internal/app/core/adapter/out/memory"
	mysql_adapter "github.com/JoeShih716/go-transfer-ledger/internal/app/core/adapter/out/mysql"
	postgres_adapter "github.com/JoeShih716/go-transfer-ledger/internal/app/core/adapter/out/postgres"
	rabbitmq_adapter "github.com/JoeShih716/go-transfer-ledger/internal/app/core/adapter/out/rabbitmq"
	redis_adapter "github.com/JoeShih716/go-transfer-ledger/internal/app/core/adapter/out/redis"
	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-transfer-ledger/internal/config"
	"github.com/JoeShih716/go-transfer-ledger/pkg/logger"
	"github.com/JoeShih716/go-transfer-ledger/pkg/mysql"
	"github.com/JoeShih716/go-transfer-ledger/pkg/postgres"
	"github.com/JoeShih716/go-transfer-ledger/pkg/rabbitmq"
	"github.com/JoeShih716/go-transfer-ledger/pkg/redis"
	"github.com/JoeShih716/go-transfer-ledger/pkg/wal"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the YAML config file")
	flag.Parse()

	// 1. 載入設定
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	lg, err := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init logger")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg); err != nil {
		lg.Fatal().Err(err).Msg("ledger stopped with error")
	}
	lg.Info().Msg("server exited")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	accounts, err := cfg.SeedAccounts()
	if err != nil {
		return err
	}

	// 2. 初始化儲存後端
	store, err := openStore(ctx, cfg, accounts, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close store")
		}
	}()
	logger.Info().Str("driver", cfg.Storage.Driver).Msg("storage ready")

	// 3. 初始化 UseCase (快取與事件發布皆為選用)
	opts := []usecase.Option{
		usecase.WithLogger(logger),
		usecase.WithMaxAttempts(cfg.Engine.MaxAttempts),
		usecase.WithRetryBackoff(cfg.Engine.RetryBackoff),
	}
	if cfg.Redis.Addr != "" {
		client, err := redis.NewClient(ctx, cfg.Redis.Config)
		if err != nil {
			return err
		}
		defer client.Close()
		opts = append(opts, usecase.WithRequestCache(redis_adapter.NewRequestCache(client, cfg.Redis.Prefix, cfg.Redis.TTL)))
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("request cache enabled")
	}
	if cfg.RabbitMQ.URL != "" {
		mq, err := rabbitmq.Dial(cfg.RabbitMQ.URL, logger)
		if err != nil {
			return err
		}
		defer mq.Close()
		if err := mq.DeclareExchange(rabbitmq_adapter.Exchange); err != nil {
			return err
		}
		opts = append(opts, usecase.WithPublisher(rabbitmq_adapter.NewTransferPublisher(mq)))
		logger.Info().Str("exchange", rabbitmq_adapter.Exchange).Msg("event publisher enabled")
	}
	engine := usecase.NewTransferEngine(store, opts...)

	// 4. 對帳排程
	if cfg.Audit.Schedule != "" {
		s, err := scheduler.NewScheduler(usecase.NewAuditor(store, logger), cfg.Audit.Schedule, logger)
		if err != nil {
			return err
		}
		s.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			s.Stop(stopCtx)
		}()
	}

	// 5. 初始化 Driving Adapters
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           rest_adapter.NewRouter(rest_adapter.NewHandler(engine), logger, cfg.HTTP.Timeout),
		ReadHeaderTimeout: 5 * time.Second,
	}
	grpcServer := grpc_adapter.NewServer(grpc_adapter.NewGrpcServer(engine), logger)
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.GRPC.Addr, err)
	}

	// 6. 啟動 Server，收到訊號後 Graceful Shutdown
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.GRPC.Addr).Msg("starting gRPC server")
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTP.Addr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		return err
	})
	return g.Wait()
}

// openStore 依 storage.driver 建立後端，並視設定建立資料表、寫入初始帳戶
func openStore(ctx context.Context, cfg *config.Config, accounts []*domain.Account, logger zerolog.Logger) (usecase.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		w, err := openWAL(cfg.Storage.WALPath)
		if err != nil {
			return nil, err
		}
		// 記憶體帳本每次啟動都從初始帳戶開始，再重播 WAL
		ledger, err := memory_adapter.NewMutexLedger(accounts, w)
		if err != nil {
			closeWAL(w)
			return nil, err
		}
		logger.Info().Int("transfers_replayed", ledger.TransferCount()).Msg("memory ledger recovered")
		return ledger, nil

	case config.DriverLMAX:
		w, err := openWAL(cfg.Storage.WALPath)
		if err != nil {
			return nil, err
		}
		ledger, err := memory_adapter.NewLMAXLedger(accounts, w, 0)
		if err != nil {
			closeWAL(w)
			return nil, err
		}
		return ledger, nil

	case config.DriverMySQL:
		client, err := mysql.NewClient(ctx, cfg.MySQL, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
		}
		ledger := mysql_adapter.NewMySQLLedger(client)
		return provision(ctx, cfg, ledger, accounts)

	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.Postgres, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		return provision(ctx, cfg, postgres_adapter.NewPostgresLedger(pool), accounts)

	case config.DriverBadger:
		ledger, err := badger_adapter.Open(cfg.Storage.BadgerPath, logger.With().Str("component", "badger").Logger())
		if err != nil {
			return nil, err
		}
		// badger 沒有 schema，只需要寫入帳戶
		if cfg.Storage.Seed || cfg.Storage.BadgerPath == "" {
			if err := ledger.Seed(ctx, accounts); err != nil {
				_ = ledger.Close()
				return nil, fmt.Errorf("seed badger: %w", err)
			}
		}
		return ledger, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}

// openWAL path 為空字串時回傳 nil (不落地)
func openWAL(path string) (*wal.WAL, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}
	w, err := wal.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to init WAL: %w", err)
	}
	return w, nil
}

func closeWAL(w *wal.WAL) {
	if w != nil {
		_ = w.Close()
	}
}

type provisionedStore interface {
	usecase.Store
	Migrate(ctx context.Context) error
	Seed(ctx context.Context, accounts []*domain.Account) error
}

func provision(ctx context.Context, cfg *config.Config, store provisionedStore, accounts []*domain.Account) (usecase.Store, error) {
	if cfg.Storage.Migrate {
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	if cfg.Storage.Seed {
		if err := store.Seed(ctx, accounts); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("seed accounts: %w", err)
		}
	}
	return store, nil
}
