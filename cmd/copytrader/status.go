package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/polycopy/config"
	"github.com/alejandrodnm/polycopy/internal/adapters/notify"
	"github.com/alejandrodnm/polycopy/internal/adapters/onchain"
	"github.com/alejandrodnm/polycopy/internal/adapters/polymarket"
	"github.com/alejandrodnm/polycopy/internal/adapters/redislock"
	"github.com/alejandrodnm/polycopy/internal/adapters/storage"
)

const recentExecutions = 20

// runStatus imprime el estado sin copiar nada.
func runStatus(ctx context.Context, cfg *config.Config, store *storage.SQLiteStorage, client *polymarket.Client, console *notify.Console) error {
	owner, err := walletAddress(cfg)
	if err != nil {
		slog.Warn("status: wallet section skipped", "err", err)
	} else {
		var bal float64
		if cfg.API.RPCURL != "" {
			if chain, err := onchain.Dial(ctx, cfg.API.RPCURL, owner); err != nil {
				slog.Warn("status: rpc unavailable", "err", err)
			} else {
				if bal, err = chain.AvailableBalance(ctx); err != nil {
					slog.Warn("status: balance unavailable", "err", err)
				}
				chain.Close()
			}
		}
		positions, err := client.FetchPositions(ctx, owner)
		if err != nil {
			slog.Warn("status: positions unavailable", "err", err)
		}
		console.PrintWallet(owner, bal, positions)
	}

	console.PrintTraders(cfg.Traders, storedPositionCounts(ctx, store, cfg.Traders))

	outs, err := store.RecentExecutions(ctx, recentExecutions)
	if err != nil {
		return err
	}
	console.PrintExecutions(outs)
	return nil
}

// runCheck verifica storage, RPC, APIs y Redis. Returns an error if any failed.
func runCheck(ctx context.Context, cfg *config.Config, store *storage.SQLiteStorage, client *polymarket.Client, console *notify.Console) error {
	var checks []notify.Check
	add := func(name string, err error, okDetail string) {
		if err != nil {
			checks = append(checks, notify.Check{Name: name, Detail: err.Error()})
			return
		}
		checks = append(checks, notify.Check{Name: name, OK: true, Detail: okDetail})
	}

	add("storage", store.Ping(ctx), cfg.Storage.DSN)
	add("clob api", client.Ping(ctx), cfg.API.CLOBBase)

	if len(cfg.Traders) > 0 {
		_, err := client.FetchPositions(ctx, cfg.Traders[0])
		add("data api", err, cfg.API.DataBase)
	}

	owner, err := walletAddress(cfg)
	add("wallet", err, owner)
	if err == nil && cfg.API.RPCURL != "" {
		chain, err := onchain.Dial(ctx, cfg.API.RPCURL, owner)
		if err != nil {
			add("rpc", err, "")
		} else {
			bal, err := chain.AvailableBalance(ctx)
			add("rpc balance", err, fmt.Sprintf("$%.2f USDC", bal))

			approvals, err := chain.CheckApprovals(ctx)
			if err != nil {
				add("approvals", err, "")
			}
			for _, a := range approvals {
				checks = append(checks, notify.Check{Name: a.Name, OK: a.OK, Detail: a.Spender})
			}
			chain.Close()
		}
	}

	if cfg.Lock.RedisAddr != "" {
		locker, err := redislock.Dial(ctx, cfg.Lock.RedisAddr, cfg.Lock.RedisPassword, cfg.Lock.RedisDB)
		add("redis lock", err, cfg.Lock.RedisAddr)
		if err == nil {
			locker.Close()
		}
	}

	if !console.PrintChecks(checks) {
		return fmt.Errorf("health check failed")
	}
	return nil
}
