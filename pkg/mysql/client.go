package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	defaultConnectRetries = 10
	retryInterval         = 2 * time.Second
	slowQueryThreshold    = 200 * time.Millisecond
)

// Client 封裝 GORM DB 實例
type Client struct {
	db *gorm.DB
}

// NewClient 連線 MySQL (啟動時容器可能還沒好，失敗會重試)
//
// 參數:
//
//	ctx: 取消時停止重試
//	cfg: MySQL 連線配置
//	log: 重試訊息與 GORM log 都寫到這裡
//
// 回傳值:
//
//	*Client: 封裝後的 MySQL 客戶端
//	error: 重試用完仍然失敗
func NewClient(ctx context.Context, cfg Config, log zerolog.Logger) (*Client, error) {
	gormConfig := &gorm.Config{
		// 需要交易的地方一律明確使用 db.Transaction
		SkipDefaultTransaction: true,
		// 1062 (Duplicate entry) -> gorm.ErrDuplicatedKey
		TranslateError: true,
		Logger:         newLogger(cfg.LogLevel, log),
	}

	attempts := cfg.ConnectRetries
	if attempts <= 0 {
		attempts = defaultConnectRetries
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		db, err := connect(ctx, cfg.DSN(), gormConfig)
		if err == nil {
			sqlDB, _ := db.DB()
			configurePool(sqlDB, cfg)
			return &Client{db: db}, nil
		}
		lastErr = err
		if i == attempts {
			break
		}

		log.Warn().Err(err).
			Int("attempt", i).
			Int("max_attempts", attempts).
			Dur("retry_in", retryInterval).
			Msg("failed to connect to mysql, retrying")
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect to mysql: %w", ctx.Err())
		case <-time.After(retryInterval):
		}
	}
	return nil, fmt.Errorf("failed to connect to mysql after %d attempts: %w", attempts, lastErr)
}

// connect 開啟並 Ping，gorm.Open 本身不保證連線可用
func connect(ctx context.Context, dsn string, gormConfig *gorm.Config) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), gormConfig)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// configurePool 0 代表沿用 database/sql 預設值
func configurePool(sqlDB *sql.DB, cfg Config) {
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

// DB 回傳底層的 *gorm.DB 實例
func (c *Client) DB() *gorm.DB {
	return c.db
}

// Close 關閉資料庫連線
func (c *Client) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// newLogger GORM 的 log 轉到 zerolog，等級由設定決定 (預設只記錄錯誤)
func newLogger(level string, log zerolog.Logger) logger.Interface {
	levels := map[string]logger.LogLevel{
		"silent": logger.Silent,
		"error":  logger.Error,
		"warn":   logger.Warn,
		"info":   logger.Info,
	}
	logLevel, ok := levels[level]
	if !ok {
		logLevel = logger.Error
	}
	return logger.New(gormWriter{log: log.With().Str("component", "gorm").Logger()}, logger.Config{
		SlowThreshold:             slowQueryThreshold,
		LogLevel:                  logLevel,
		IgnoreRecordNotFoundError: true,
	})
}

// gormWriter 實作 logger.Writer
type gormWriter struct {
	log zerolog.Logger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.log.Info().Msgf(format, args...)
}
