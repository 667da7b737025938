package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/pitabwire/aiconsole/internal/capability"
)

// reloadPolicyOnHangup re-reads the role policy file on SIGHUP. Cached
// capability sets age out with the resolver's TTL.
func reloadPolicyOnHangup(ctx context.Context, policy *capability.StaticPolicyEvaluator, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := policy.Sync(); err != nil {
				logger.Error("policy reload failed", zap.Error(err))
				continue
			}
			logger.Info("policy reloaded", zap.Int("roles", policy.Roles()))
		}
	}
}
