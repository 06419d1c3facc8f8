package agent

import (
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/edgeflow/internal/auth"
	"github.com/danmuck/edgeflow/internal/controller"
	"github.com/danmuck/edgeflow/internal/observability"
	"github.com/danmuck/edgeflow/internal/protocol/engine"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// ProtocolStatus is the JSON view of the engine snapshot.
type ProtocolStatus struct {
	Registered       bool         `json:"registered"`
	SeqNumber        uint32       `json:"seq_number"`
	ReportIntervalMS int64        `json:"report_interval_ms"`
	SerialNumber     string       `json:"serial_number"`
	AgentName        string       `json:"agent_name"`
	State            engine.State `json:"state"`
	LastCycleAt      time.Time    `json:"last_cycle_at"`
	LastError        string       `json:"last_error,omitempty"`
	Cycles           uint64       `json:"cycles"`
	Failures         uint64       `json:"failures"`
}

// Status is the body of GET /status.
type Status struct {
	Agent    string                `json:"agent"`
	Version  string                `json:"version"`
	Uptime   string                `json:"uptime"`
	Protocol ProtocolStatus        `json:"protocol"`
	Flow     controller.FlowStatus `json:"flow"`
}

func (s *Service) newRouter() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(s.flow.Name()))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"agent":   s.flow.Name(),
			"version": Version,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		ready := s.serving.Load()
		code := http.StatusOK
		if !ready {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"ready":        ready,
			"registered":   s.engine.Snapshot().Registered,
			"flow_running": s.flow.Running(),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Status())
	})

	r.GET("/processors", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"processors": s.registry.List()})
	})

	mutate := r.Group("/flow")
	if token := strings.TrimSpace(s.cfg.AdminToken); token != "" {
		mutate.Use(auth.Require(auth.StaticToken{Token: token}))
	}

	mutate.POST("/start", func(c *gin.Context) {
		if err := s.flow.Start(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "running": true})
	})

	mutate.POST("/stop", func(c *gin.Context) {
		force, _ := strconv.ParseBool(c.Query("force"))
		if err := s.flow.Stop(force); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "running": false})
	})
	return r
}

// Status snapshots the protocol engine and the flow.
func (s *Service) Status() Status {
	snap := s.engine.Snapshot()
	return Status{
		Agent:   s.flow.Name(),
		Version: Version,
		Uptime:  time.Since(s.appeared).String(),
		Protocol: ProtocolStatus{
			Registered:       snap.Registered,
			SeqNumber:        snap.SeqNumber,
			ReportIntervalMS: snap.ReportInterval.Milliseconds(),
			SerialNumber:     hex.EncodeToString(snap.SerialNumber[:]),
			AgentName:        snap.AgentName,
			State:            snap.State,
			LastCycleAt:      snap.LastCycleAt,
			LastError:        snap.LastError,
			Cycles:           snap.Cycles,
			Failures:         snap.Failures,
		},
		Flow: s.flow.Status(),
	}
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
