package server

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// resourceSnapshot captures one sample of host level resource utilisation.
type resourceSnapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryUsed  uint64    `json:"memory_used"`
	MemoryTotal uint64    `json:"memory_total"`
	MemoryPct   float64   `json:"memory_percent"`
	DiskUsed    uint64    `json:"disk_used"`
	DiskTotal   uint64    `json:"disk_total"`
	DiskPct     float64   `json:"disk_percent"`
}

var (
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		return cpu.PercentWithContext(ctx, interval, false)
	}
	memoryStatsFn = mem.VirtualMemoryWithContext
	diskUsageFn   = disk.UsageWithContext
)

// resourceSampler keeps the most recent resource snapshot for the status
// endpoint. The cpu sample itself takes sampleInterval to measure, so the
// loop needs no separate ticker.
type resourceSampler struct {
	mu       sync.RWMutex
	latest   resourceSnapshot
	interval time.Duration
	diskPath string
	started  time.Time
}

func newResourceSampler(interval time.Duration, diskPath string) *resourceSampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &resourceSampler{interval: interval, diskPath: diskPath, started: time.Now()}
}

func (s *resourceSampler) start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			snap, err := s.sample(ctx)
			if err != nil {
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.interval):
				}
				continue
			}

			s.mu.Lock()
			s.latest = snap
			s.mu.Unlock()
		}
	}()
}

func (s *resourceSampler) sample(ctx context.Context) (resourceSnapshot, error) {
	cpuSamples, err := cpuPercentFn(ctx, s.interval)
	if err != nil {
		return resourceSnapshot{}, err
	}
	memStats, err := memoryStatsFn(ctx)
	if err != nil {
		return resourceSnapshot{}, err
	}
	diskStats, err := diskUsageFn(ctx, s.diskPath)
	if err != nil {
		return resourceSnapshot{}, err
	}
	return resourceSnapshot{
		Timestamp:   time.Now(),
		CPUPercent:  firstSample(cpuSamples),
		MemoryUsed:  memStats.Used,
		MemoryTotal: memStats.Total,
		MemoryPct:   memStats.UsedPercent,
		DiskUsed:    diskStats.Used,
		DiskTotal:   diskStats.Total,
		DiskPct:     diskStats.UsedPercent,
	}, nil
}

func (s *resourceSampler) snapshot() resourceSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

func (s *resourceSampler) uptime() time.Duration {
	return time.Since(s.started)
}

func firstSample(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	return samples[0]
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(200, gin.H{
		"success":           true,
		"uptime_seconds":    int64(s.sampler.uptime().Seconds()),
		"websocket_clients": s.hub.ClientCount(),
		"resources":         s.sampler.snapshot(),
	})
}
