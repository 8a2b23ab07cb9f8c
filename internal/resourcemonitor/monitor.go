// Package resourcemonitor periodically samples CPU, memory, and disk usage
// and dispatches synthetic alerts when a configured threshold is exceeded
// (spec.md §4.5).
package resourcemonitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/tripwire/tinywatcher/internal/config"
)

// Dispatch matches alert.Dispatcher.Dispatch's signature, accepted here as
// a function value so resourcemonitor doesn't import internal/alert directly.
type Dispatch func(targets []string, ruleName, message string, cooldown int) error

const (
	cpuRuleName    = "cpu_threshold"
	memoryRuleName = "memory_threshold"
	diskRuleName   = "disk_threshold"
)

// Run samples resources every cfg.Interval seconds until ctx is cancelled.
func Run(ctx context.Context, cfg *config.ResourceConfig, dispatch Dispatch, logger *slog.Logger) error {
	targets, err := cfg.Thresholds.AlertTargets()
	if err != nil {
		return fmt.Errorf("resourcemonitor: %w", err)
	}

	interval := time.Duration(cfg.Interval) * time.Second
	cooldown := 6 * cfg.Interval

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sample(ctx, cfg.Thresholds, targets, cooldown, dispatch, logger)
		}
	}
}

func sample(ctx context.Context, th config.ResourceThresholds, targets []string, cooldown int, dispatch Dispatch, logger *slog.Logger) {
	if th.CPUPercent != nil {
		percents, err := cpu.PercentWithContext(ctx, 0, false)
		if err != nil {
			logger.Error("resourcemonitor: cpu sample failed", slog.Any("error", err))
		} else if len(percents) > 0 && percents[0] > *th.CPUPercent {
			msg := fmt.Sprintf("CPU usage %.1f%% exceeds threshold %.1f%%", percents[0], *th.CPUPercent)
			if err := dispatch(targets, cpuRuleName, msg, cooldown); err != nil {
				logger.Error("resourcemonitor: dispatch failed", slog.String("rule", cpuRuleName), slog.Any("error", err))
			}
		}
	}

	if th.MemoryPercent != nil {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			logger.Error("resourcemonitor: memory sample failed", slog.Any("error", err))
		} else if vm.UsedPercent > *th.MemoryPercent {
			msg := fmt.Sprintf("memory usage %.1f%% exceeds threshold %.1f%%", vm.UsedPercent, *th.MemoryPercent)
			if err := dispatch(targets, memoryRuleName, msg, cooldown); err != nil {
				logger.Error("resourcemonitor: dispatch failed", slog.String("rule", memoryRuleName), slog.Any("error", err))
			}
		}
	}

	if th.DiskPercent != nil {
		partitions, err := disk.PartitionsWithContext(ctx, false)
		if err != nil {
			logger.Error("resourcemonitor: disk partitions failed", slog.Any("error", err))
			return
		}
		// Disk-threshold rule name is shared across every mountpoint, so a
		// noisy mount can suppress alerts for another during cooldown;
		// intentional-but-sharp (spec.md §9).
		for _, p := range partitions {
			usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
			if err != nil || usage.Total == 0 {
				continue
			}
			if usage.UsedPercent > *th.DiskPercent {
				msg := fmt.Sprintf("disk usage on %s %.1f%% exceeds threshold %.1f%%", p.Mountpoint, usage.UsedPercent, *th.DiskPercent)
				if err := dispatch(targets, diskRuleName, msg, cooldown); err != nil {
					logger.Error("resourcemonitor: dispatch failed", slog.String("rule", diskRuleName), slog.Any("error", err))
				}
			}
		}
	}
}
