package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	grpc_adapter "github.com/JoeShih716/go-transfer-ledger/internal/app/core/adapter/in/grpc"
	"github.com/JoeShih716/go-transfer-ledger/pkg/grpc"
	"github.com/JoeShih716/go-transfer-ledger/pkg/logger"
)

func main() {
	target := flag.String("target", "localhost:50051", "gRPC server address")
	total := flag.Int("n", 100000, "total number of transfers")
	concurrency := flag.Int("c", 200, "number of concurrent requests")
	amount := flag.String("amount", "0.01", "amount per transfer")
	timeout := flag.Duration("timeout", 120*time.Second, "overall timeout")
	flag.Parse()

	lg, err := logger.New("info", "console", os.Stderr)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init logger")
	}

	pool := grpc.NewPool(grpc.WithJSONCodec())
	defer pool.Close()
	conn, err := pool.GetConnection(*target)
	if err != nil {
		lg.Fatal().Err(err).Msg("did not connect")
	}
	c := grpc_adapter.NewTransferServiceClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// 取得帳戶清單，在所有帳戶之間輪流轉帳
	list, err := c.ListAccounts(ctx, &grpc_adapter.ListAccountsRequest{})
	if err != nil {
		lg.Fatal().Err(err).Msg("failed to list accounts")
	}
	if len(list.Accounts) < 2 {
		lg.Fatal().Int("accounts", len(list.Accounts)).Msg("need at least two accounts")
	}
	ids := make([]string, 0, len(list.Accounts))
	for _, a := range list.Accounts {
		ids = append(ids, a.Id)
	}

	var (
		ok      atomic.Int64
		mu      sync.Mutex
		reasons = make(map[string]int)
		wg      sync.WaitGroup
		sem     = make(chan struct{}, *concurrency)
	)
	wg.Add(*total)
	startTime := time.Now()

	for i := 0; i < *total; i++ {
		sem <- struct{}{}

		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			from := ids[idx%len(ids)]
			to := ids[(idx+1)%len(ids)]
			_, err := c.Transfer(ctx, &grpc_adapter.TransferRequest{
				RequestId:     uuid.NewString(),
				FromAccountId: from,
				ToAccountId:   to,
				Amount:        *amount,
			})
			if err == nil {
				ok.Add(1)
				return
			}

			reason := grpc_adapter.ErrorReason(err)
			if reason == "" {
				reason = "transport"
			}
			mu.Lock()
			reasons[reason]++
			mu.Unlock()
			if idx%10000 == 0 {
				lg.Warn().Err(err).Int("idx", idx).Msg("transfer failed")
			}
		}(i)
	}

	wg.Wait()

	elapsed := time.Since(startTime)
	fmt.Printf("Completed %d requests in %v\n", *total, elapsed)
	fmt.Printf("TPS: %.2f\n", float64(*total)/elapsed.Seconds())
	fmt.Printf("Succeeded: %d\n", ok.Load())
	for reason, n := range reasons {
		fmt.Printf("Failed (%s): %d\n", reason, n)
	}
}
