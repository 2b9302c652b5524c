package httptransport

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"lumatalk-server/internal/domain/transcript"
	"lumatalk-server/internal/platform/logging"
	"lumatalk-server/internal/platform/observability"
	"lumatalk-server/internal/util/work"
)

// SessionCounter reports live sessions per state.
type SessionCounter interface {
	Counts() map[string]int
}

// PoolReporter reports stage slot usage.
type PoolReporter interface {
	Stats() map[string]map[string]int
}

// SinkReporter reports the persistence queue.
type SinkReporter interface {
	Stats() work.Stats
}

// HealthSources are the components /api/health reports on. Nil fields are
// omitted from the response.
type HealthSources struct {
	Sessions SessionCounter
	Pool     PoolReporter
	Sink     SinkReporter
	Store    transcript.Store
}

// HealthHandler serves GET /api/health.
type HealthHandler struct {
	src     HealthSources
	logger  *logging.Logger
	started time.Time
}

func NewHealthHandler(src HealthSources, logger *logging.Logger) *HealthHandler {
	return &HealthHandler{src: src, logger: logger, started: time.Now()}
}

// RegisterRoutes 注册健康检查路由
func (h *HealthHandler) RegisterRoutes(router *Router) {
	router.API.GET("/health", h.Health)
}

type hostStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  uint64  `json:"memory_used_mb"`
	Goroutines    int     `json:"goroutines"`
}

func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	data := gin.H{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"host":           h.host(ctx),
		"metrics":        observability.Snapshot(),
	}
	if h.src.Sessions != nil {
		data["sessions"] = h.src.Sessions.Counts()
	}
	if h.src.Pool != nil {
		data["pool"] = h.src.Pool.Stats()
	}
	if h.src.Sink != nil {
		data["persistence"] = h.src.Sink.Stats()
	}
	if h.src.Store != nil {
		stats, err := h.src.Store.Stats(ctx)
		if err != nil {
			h.logger.WarnTag("HTTP", "读取存储状态失败: %v", err)
			data["status"] = "degraded"
		} else {
			data["store"] = stats
		}
	}

	RespondSuccess(c, http.StatusOK, data, "")
}

func (h *HealthHandler) host(ctx context.Context) hostStats {
	out := hostStats{Goroutines: runtime.NumGoroutine()}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		out.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		out.MemoryPercent = vm.UsedPercent
		out.MemoryUsedMB = vm.Used / (1 << 20)
	}
	return out
}
