package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"hypergate-backend/internal/config"
	"hypergate-backend/internal/db"
	"hypergate-backend/internal/repository"
	"hypergate-backend/internal/services"
)

// Scans a historical block range for USDC arrivals at the asset bridge and
// reconciles them into the transfer store. The live watcher only follows the
// chain tip; this tool covers downtime gaps.
func main() {
	configPath := flag.String("config", "", "path to config file")
	fromBlock := flag.Uint64("from", 0, "first block to scan")
	toBlock := flag.Uint64("to", 0, "last block to scan (0 = chain tip)")
	chunkSize := flag.Uint64("chunk", 2000, "blocks per log query")
	flag.Parse()

	if *fromBlock == 0 {
		log.Fatal("-from is required")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	chain, err := services.NewBlockchainService(cfg.Blockchain.HyperEVM)
	if err != nil {
		log.Fatalf("Failed to connect to chain: %v", err)
	}
	defer chain.Close()

	var repo repository.TransferRepository
	if cfg.Database.DSN != "" {
		database, err := db.Init(&cfg.Database)
		if err != nil {
			log.Fatalf("Failed to init database: %v", err)
		}
		repo = repository.NewGormTransferRepository(database, nil)
	} else {
		log.Fatal("backfill requires a database DSN")
	}

	ctx := context.Background()
	end := *toBlock
	if end == 0 {
		end, err = chain.LatestBlock(ctx)
		if err != nil {
			log.Fatalf("Failed to read chain tip: %v", err)
		}
	}
	if end < *fromBlock {
		log.Fatalf("Invalid range: %d..%d", *fromBlock, end)
	}

	watcher := services.NewChainWatcher(repo, chain, &cfg.Deposits)

	fmt.Printf("Scanning blocks %d..%d for bridge deposits\n", *fromBlock, end)
	total := 0
	for start := *fromBlock; start <= end; start += *chunkSize {
		stop := start + *chunkSize - 1
		if stop > end {
			stop = end
		}

		events, err := chain.FilterDeposits(ctx, start, stop)
		if err != nil {
			log.Fatalf("Log query failed at %d..%d: %v", start, stop, err)
		}
		for _, event := range events {
			watcher.Reconcile(ctx, event)
		}
		total += len(events)
		fmt.Printf("  %d..%d: %d events\n", start, stop, len(events))
	}

	fmt.Printf("Done: %d deposit events reconciled\n", total)
}
