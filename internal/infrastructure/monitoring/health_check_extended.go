package monitoring

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shirou/gopsutil/v3/disk"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, interval, timeout)
}

// AddFFmpegCheck verifies the encoder binary can be resolved.
func (h *HealthChecker) AddFFmpegCheck(path string, interval time.Duration) {
	h.AddCheck("ffmpeg", func(ctx context.Context) error {
		if _, err := exec.LookPath(path); err != nil {
			return fmt.Errorf("ffmpeg not found: %w", err)
		}
		return nil
	}, interval, time.Second)
}

// AddWritableDirCheck verifies that dir exists (or can be created) and
// accepts new files.
func (h *HealthChecker) AddWritableDirCheck(name, dir string, interval time.Duration) {
	h.AddCheck(name, func(ctx context.Context) error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		f, err := os.CreateTemp(dir, ".health-*")
		if err != nil {
			return err
		}
		f.Close()
		return os.Remove(filepath.Clean(f.Name()))
	}, interval, time.Second)
}

// AddDiskSpaceCheck fails when the filesystem holding dir has less than
// minFree bytes available. Segments and recordings both land there.
func (h *HealthChecker) AddDiskSpaceCheck(name, dir string, minFree uint64, interval time.Duration) {
	h.AddCheck(name, func(ctx context.Context) error {
		usage, err := disk.UsageWithContext(ctx, dir)
		if err != nil {
			return fmt.Errorf("disk usage of %s: %w", dir, err)
		}
		if usage.Free < minFree {
			return fmt.Errorf("low disk space on %s: %d bytes free, need %d", dir, usage.Free, minFree)
		}
		return nil
	}, interval, time.Second)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == StatusHealthy
}
