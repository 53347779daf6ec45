package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rl1809/pharmacy-refill/internal/adapter/storage"
	"github.com/rl1809/pharmacy-refill/internal/core/domain"
	"github.com/rl1809/pharmacy-refill/internal/core/service"
	"github.com/rl1809/pharmacy-refill/internal/port"
)

const (
	productID     = "stress-ibuprofen"
	initialStock  = 20
	totalRequests = 50
	queueSize     = 100
	workers       = 16
)

func main() {
	ctx := context.Background()
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	catalog := storage.NewMemoryCatalog(domain.Product{
		ID:             productID,
		Name:           "Ibuprofen 400mg",
		PackageSizeRaw: "20 st",
		StockLevel:     initialStock,
	})

	// Redis stock when REDIS_ADDR is set, otherwise the in-process ledger
	var stock port.StockRepository = catalog
	backend := "memory"
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rdb.Close()

		redisAdapter := storage.NewRedisAdapter(rdb)
		rdb.Del(ctx, "stock:"+productID)
		if err := redisAdapter.SetStock(ctx, productID, initialStock); err != nil {
			logger.Fatal().Err(err).Msg("failed to set stock")
		}
		stock, backend = redisAdapter, "redis"
	}

	quiet := zerolog.Nop()
	predictor := service.NewRefillPredictor(catalog, storage.NewMemoryHistory(), service.PredictorConfig{AlertThresholdDays: 5, Workers: 1}, quiet, nil)
	ledger := service.NewInventoryLedger(stock, service.LedgerConfig{
		MaxAttempts: 100,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  20 * time.Millisecond,
	}, quiet, nil)
	orderService := service.NewOrderService(service.OrderDeps{
		Catalog:   catalog,
		Predictor: predictor,
		Ledger:    ledger,
		Store:     storage.NewMemoryWorkflowStore(),
		Locker:    storage.NewMemoryLocker(),
	}, service.OrderConfig{CollaboratorTimeout: 5 * time.Second}, quiet, nil)

	dispatcher := service.NewDispatcher(orderService, queueSize, logger)
	dispatcher.Start(workers)

	var completed, turnedAway, other atomic.Int32
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(patient int) {
			defer wg.Done()

			res, err := dispatcher.Submit(ctx, service.OrderRequest{
				PatientID: fmt.Sprintf("PAT%03d", patient),
				Product:   productID,
				Quantity:  1,
			})
			if err != nil {
				other.Add(1)
				return
			}
			out := <-res
			switch {
			case out.Err != nil:
				other.Add(1)
			case out.Result.Status == domain.StatusCompleted:
				completed.Add(1)
			case out.Result.Status == domain.StatusRejected, out.Result.Status == domain.StatusFailed:
				turnedAway.Add(1)
			default:
				other.Add(1)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)
	dispatcher.Close()

	success := completed.Load()
	fail := turnedAway.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Ledger Backend:   %s\n", backend)
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Completed:        %d\n", success)
	fmt.Printf("Turned Away:      %d\n", fail)
	fmt.Printf("Other:            %d\n", other.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if success == int32(initialStock) && fail == int32(totalRequests-initialStock) {
		fmt.Printf("PASS: Exactly %d orders completed, %d turned away\n", initialStock, totalRequests-initialStock)
	} else {
		fmt.Printf("FAIL: Expected %d completed/%d turned away, got %d/%d\n",
			initialStock, totalRequests-initialStock, success, fail)
	}

	final, err := stock.GetStock(ctx, productID)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to read final stock")
	}
	fmt.Printf("Final Stock: %d\n", final.Level)

	if final.Level == 0 {
		fmt.Println("PASS: Stock depleted to 0")
	} else {
		fmt.Printf("FAIL: Expected stock 0, got %d\n", final.Level)
	}
}
