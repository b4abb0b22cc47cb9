package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/usecase"
)

// auditTimeout 單次對帳的上限
const auditTimeout = 30 * time.Second

// Scheduler 依 cron 表達式定期執行對帳
type Scheduler struct {
	cron    *cron.Cron
	auditor *usecase.Auditor
	logger  zerolog.Logger
}

// NewScheduler 建立排程，spec 支援標準五欄位與 @every 1m 這類描述
// 上一次對帳尚未結束時跳過本次
func NewScheduler(auditor *usecase.Auditor, spec string, logger zerolog.Logger) (*Scheduler, error) {
	cl := cronLogger{log: logger}
	s := &Scheduler{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		auditor: auditor,
		logger:  logger,
	}
	if _, err := s.cron.AddFunc(spec, s.runAudit); err != nil {
		return nil, fmt.Errorf("invalid audit schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Msg("audit scheduler started")
}

// Stop 停止排程並等待執行中的對帳結束 (最多等到 ctx 取消)
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn().Msg("audit scheduler stop timed out")
	}
}

func (s *Scheduler) runAudit() {
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	// 結果由 Auditor 自行記錄，這裡只處理讀取失敗
	if _, err := s.auditor.Run(ctx); err != nil {
		s.logger.Error().Err(err).Msg("ledger audit could not run")
	}
}

// cronLogger 將 robfig/cron 的 log 轉到 zerolog
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
