// Package api serves the read-only audit surface: pool totals, policy,
// allocation exposure, the append-only event trail, on-demand reconciliation
// and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"ProfitVault/internal/model"
	"ProfitVault/internal/protocol"
	"ProfitVault/internal/recorder"
)

// Server exposes a protocol deployment over HTTP.
type Server struct {
	p   *protocol.Protocol
	rec recorder.Recorder
	log *logrus.Entry
}

// New creates a server. rec is the audit trail listed under /api/events.
func New(p *protocol.Protocol, rec recorder.Recorder) *Server {
	if rec == nil {
		rec = recorder.NewNoopRecorder()
	}
	return &Server{p: p, rec: rec, log: logrus.WithField("component", "api")}
}

// Router builds the gin engine.
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.GET("/addresses", s.handleAddresses)
	api.GET("/pool", s.handlePool)
	api.GET("/pool/convert", s.handleConvert)
	api.GET("/policy", s.handlePolicy)
	api.GET("/allocation", s.handleAllocation)
	api.GET("/treasury", s.handleTreasury)
	api.GET("/burn", s.handleBurn)
	api.GET("/events", s.handleEvents)
	api.GET("/reconcile", s.handleReconcile)
	return r
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("api listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type poolView struct {
	TotalAssets *big.Int  `json:"total_assets"`
	TotalShares *big.Int  `json:"total_shares"`
	SharePrice  string    `json:"share_price"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s *Server) handleAddresses(c *gin.Context) {
	c.JSON(http.StatusOK, s.p.Addresses)
}

func (s *Server) handlePool(c *gin.Context) {
	st := s.p.Pool.State()
	price := decimal.NewFromInt(1)
	if st.TotalShares.Sign() > 0 {
		price = decimal.NewFromBigInt(st.TotalAssets, 0).Div(decimal.NewFromBigInt(st.TotalShares, 0))
	}
	c.JSON(http.StatusOK, poolView{
		TotalAssets: st.TotalAssets,
		TotalShares: st.TotalShares,
		SharePrice:  price.String(),
		UpdatedAt:   st.UpdatedAt,
	})
}

func (s *Server) handleConvert(c *gin.Context) {
	if v := c.Query("assets"); v != "" {
		n, ok := parseAmount(v)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "assets must be a non-negative integer"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"assets": n, "shares": s.p.Pool.ConvertToShares(n)})
		return
	}
	if v := c.Query("shares"); v != "" {
		n, ok := parseAmount(v)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "shares must be a non-negative integer"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"shares": n, "assets": s.p.Pool.ConvertToAssets(n)})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "one of assets or shares is required"})
}

func (s *Server) handlePolicy(c *gin.Context) {
	b := s.p.Allocator.Bounds()
	f := s.p.Treasury.DistributionFractions()
	c.JSON(http.StatusOK, gin.H{
		"allocation": gin.H{
			"min_fraction": b.MinBps.String(),
			"max_fraction": b.MaxBps.String(),
			"min_draw":     s.p.Allocator.MinDraw(),
			"max_draw":     s.p.Allocator.MaxDraw(),
		},
		"distribution": gin.H{
			"vault": f.VaultBps.String(),
			"ops":   f.OpsBps.String(),
			"burn":  f.BurnBps.String(),
		},
		"burn": gin.H{
			"slippage":      s.p.Treasury.BurnSlippage().String(),
			"swap_deadline": s.p.Engine.State().SwapDeadline.String(),
		},
	})
}

func (s *Server) handleAllocation(c *gin.Context) {
	st := s.p.Allocator.Status()
	exposure := new(big.Int)
	if st.Open != nil {
		exposure.Set(st.Open.Principal)
	}
	c.JSON(http.StatusOK, gin.H{"status": st, "exposure": exposure})
}

func (s *Server) handleTreasury(c *gin.Context) {
	c.JSON(http.StatusOK, s.p.Treasury.State())
}

func (s *Server) handleBurn(c *gin.Context) {
	st := s.p.Engine.State()
	c.JSON(http.StatusOK, gin.H{
		"total_spent":   st.TotalSpent,
		"total_burned":  st.TotalBurned,
		"burns":         st.Burns,
		"swap_deadline": st.SwapDeadline.String(),
		"updated_at":    st.UpdatedAt,
	})
}

func (s *Server) handleEvents(c *gin.Context) {
	filter := model.EventFilter{Kind: model.EventKind(c.Query("kind"))}
	if v := c.Query("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "after must be a non-negative integer"})
			return
		}
		filter.AfterSeq = n
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		filter.Limit = n
	}
	events, err := s.rec.List(filter)
	if err != nil {
		s.log.WithError(err).Error("list events")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "audit trail unavailable"})
		return
	}
	if events == nil {
		events = []model.AuditEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) handleReconcile(c *gin.Context) {
	rep := s.p.Auditor.Run()
	status := http.StatusOK
	if !rep.OK {
		status = http.StatusConflict
	}
	c.JSON(status, rep)
}

func parseAmount(v string) (*big.Int, bool) {
	n, ok := new(big.Int).SetString(v, 10)
	if !ok || n.Sign() < 0 {
		return nil, false
	}
	return n, true
}
