package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-transfer-ledger/pkg/mysql"
	"github.com/JoeShih716/go-transfer-ledger/pkg/postgres"
	"github.com/JoeShih716/go-transfer-ledger/pkg/redis"
)

// DefaultPath 預設設定檔位置 (相對於工作目錄)
const DefaultPath = "config/config.yaml"

// 儲存後端
const (
	DriverMemory   = "memory"
	DriverLMAX     = "lmax"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
)

type Config struct {
	Log      LogConfig       `yaml:"log"`
	HTTP     HTTPConfig      `yaml:"http"`
	GRPC     GRPCConfig      `yaml:"grpc"`
	Storage  StorageConfig   `yaml:"storage"`
	MySQL    mysql.Config    `yaml:"mysql"`
	Postgres postgres.Config `yaml:"postgres"`
	Redis    RedisConfig     `yaml:"redis"`
	RabbitMQ RabbitMQConfig  `yaml:"rabbitmq"`
	Mongo    MongoConfig     `yaml:"mongo"`
	Engine   EngineConfig    `yaml:"engine"`
	Audit    AuditConfig     `yaml:"audit"`
	Accounts []SeedAccount   `yaml:"accounts"`
}

type LogConfig struct {
	// Level: trace / debug / info / warn / error
	Level string `yaml:"level"`
	// Format: console (開發用) / json
	Format string `yaml:"format"`
}

type HTTPConfig struct {
	Addr    string        `yaml:"addr"`
	Timeout time.Duration `yaml:"timeout"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	// WALPath memory / lmax driver 的 write-ahead log，空字串表示不寫
	WALPath string `yaml:"wal_path"`
	// BadgerPath 空字串表示 badger 使用純記憶體模式
	BadgerPath string `yaml:"badger_path"`
	Migrate    bool   `yaml:"migrate"`
	Seed       bool   `yaml:"seed"`
}

// RedisConfig Addr 為空時不啟用請求快取
type RedisConfig struct {
	redis.Config `yaml:",inline"`
	Prefix       string        `yaml:"prefix"`
	TTL          time.Duration `yaml:"ttl"`
}

// RabbitMQConfig URL 為空時不發布事件
type RabbitMQConfig struct {
	URL string `yaml:"url"`
}

type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type EngineConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

type AuditConfig struct {
	// Schedule cron 表達式，空字串表示不執行
	Schedule string `yaml:"schedule"`
}

// SeedAccount 餘額用字串避免 YAML 把金額解析成浮點數
type SeedAccount struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Balance string `yaml:"balance"`
}

// DefaultAccounts 未設定 accounts 時使用的初始帳戶
var DefaultAccounts = []SeedAccount{
	{ID: "aaee2b13-8a5e-4aed-a30b-5d8535c8ab20", Name: "Joao Cardoso", Balance: "0.50"},
	{ID: "1ce455f7-f30c-4f55-81e2-7df2e8f88c7d", Name: "Satoshi Nakamoto", Balance: "15048509238.35"},
	{ID: "fb789eb9-a5a9-4ebe-a808-a9cd59b19772", Name: "Lemmy Kilmister", Balance: "100.20"},
}

// Load 讀取設定，優先順序: LEDGER_* 環境變數 > YAML > 預設值
// 工作目錄下的 .env 會先載入到環境變數 (已存在的環境變數不會被覆蓋)
// 設定檔不存在時只使用預設值與環境變數
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"LEDGER_LOG_LEVEL":      &c.Log.Level,
		"LEDGER_LOG_FORMAT":     &c.Log.Format,
		"LEDGER_HTTP_ADDR":      &c.HTTP.Addr,
		"LEDGER_GRPC_ADDR":      &c.GRPC.Addr,
		"LEDGER_STORAGE_DRIVER": &c.Storage.Driver,
		"LEDGER_WAL_PATH":       &c.Storage.WALPath,
		"LEDGER_BADGER_PATH":    &c.Storage.BadgerPath,
		"LEDGER_MYSQL_DSN":      &c.MySQL.RawDSN,
		"LEDGER_POSTGRES_URL":   &c.Postgres.URL,
		"LEDGER_REDIS_ADDR":     &c.Redis.Addr,
		"LEDGER_REDIS_PASSWORD": &c.Redis.Password,
		"LEDGER_RABBITMQ_URL":   &c.RabbitMQ.URL,
		"LEDGER_MONGO_URI":      &c.Mongo.URI,
		"LEDGER_AUDIT_SCHEDULE": &c.Audit.Schedule,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"LEDGER_STORAGE_MIGRATE": &c.Storage.Migrate,
		"LEDGER_STORAGE_SEED":    &c.Storage.Seed,
	}
	for key, dst := range bools {
		v, ok := lookup(key)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
	}

	if v, ok := lookup("LEDGER_ENGINE_MAX_ATTEMPTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LEDGER_ENGINE_MAX_ATTEMPTS: %w", err)
		}
		c.Engine.MaxAttempts = n
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.Timeout == 0 {
		c.HTTP.Timeout = 10 * time.Second
	}
	if c.GRPC.Addr == "" {
		c.GRPC.Addr = ":50051"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMemory
	}
	c.Storage.Driver = strings.ToLower(c.Storage.Driver)

	// MySQL 預設連線池 (yaml 沒寫時)
	if c.MySQL.MaxOpenConns == 0 {
		c.MySQL.MaxOpenConns = 100
	}
	if c.MySQL.MaxIdleConns == 0 {
		c.MySQL.MaxIdleConns = 10
	}
	if c.MySQL.ConnMaxLifetime == 0 {
		c.MySQL.ConnMaxLifetime = 30 * time.Minute
	}

	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "ledger:request"
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = 24 * time.Hour
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "ledger_audit"
	}
	if c.Engine.MaxAttempts == 0 {
		c.Engine.MaxAttempts = 3
	}
	if c.Engine.RetryBackoff == 0 {
		c.Engine.RetryBackoff = 10 * time.Millisecond
	}
	if c.Accounts == nil {
		c.Accounts = append([]SeedAccount(nil), DefaultAccounts...)
	}
}

// Validate 檢查後端設定是否齊全
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverLMAX, DriverBadger:
	case DriverMySQL:
		if c.MySQL.RawDSN == "" && c.MySQL.Host == "" {
			return errors.New("storage.driver=mysql requires mysql.dsn or mysql.host")
		}
	case DriverPostgres:
		if c.Postgres.URL == "" {
			return errors.New("storage.driver=postgres requires postgres.url")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Engine.MaxAttempts < 1 {
		return fmt.Errorf("engine.max_attempts must be >= 1, got %d", c.Engine.MaxAttempts)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// SeedAccounts 將設定中的帳戶轉成領域物件
func (c *Config) SeedAccounts() ([]*domain.Account, error) {
	out := make([]*domain.Account, 0, len(c.Accounts))
	seen := make(map[uuid.UUID]struct{}, len(c.Accounts))
	for i, a := range c.Accounts {
		id, err := uuid.Parse(a.ID)
		if err != nil {
			return nil, fmt.Errorf("accounts[%d].id: %w", i, err)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("accounts[%d]: duplicate id %s", i, id)
		}
		seen[id] = struct{}{}

		balance, err := decimal.NewFromString(a.Balance)
		if err != nil {
			return nil, fmt.Errorf("accounts[%d].balance: %w", i, err)
		}
		if balance.IsNegative() || !balance.Equal(balance.Round(2)) {
			return nil, fmt.Errorf("accounts[%d].balance %s: must be non-negative with at most 2 decimal places", i, a.Balance)
		}
		out = append(out, domain.NewAccount(id, a.Name, balance))
	}
	return out, nil
}
