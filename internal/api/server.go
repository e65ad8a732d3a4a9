// Package api serves the read-only operator surface: health, open and
// recent trades, regime snapshots, and risk stats. The single mutating
// endpoint flags a trade for manual close; the actual close is still
// observed and recorded by reconciliation.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cycletrader/internal/regime"
	"cycletrader/internal/risk"
	"cycletrader/pkg/db"
)

// RegimeSource exposes the latest per-symbol classification.
type RegimeSource interface {
	Regimes() map[string]regime.Info
}

// Server wraps the HTTP surface. It never writes to the exchange.
type Server struct {
	router  *gin.Engine
	http    *http.Server
	ledger  *db.Database
	riskMgr *risk.Manager
	regimes RegimeSource
	log     *zap.Logger
}

func NewServer(addr string, ledger *db.Database, riskMgr *risk.Manager, regimes RegimeSource, log *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:  router,
		ledger:  ledger,
		riskMgr: riskMgr,
		regimes: regimes,
		log:     log.Named("api"),
	}
	s.routes()
	s.http = &http.Server{Addr: addr, Handler: router}
	return s
}

func (s *Server) routes() {
	s.router.GET("/health", s.health)
	api := s.router.Group("/api")
	{
		api.GET("/trades/open", s.openTrades)
		api.GET("/trades/recent", s.recentTrades)
		api.GET("/regimes", s.regimeSnapshot)
		api.GET("/risk", s.riskStats)
		api.POST("/trades/:id/close", s.flagManualClose)
	}
}

// Start serves until the context is cancelled, then drains.
func (s *Server) Start(ctx context.Context) {
	go func() {
		s.log.Info("api listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("api shutdown", zap.Error(err))
		}
	}()
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) openTrades(c *gin.Context) {
	trades, err := s.ledger.ListOpenTrades(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) recentTrades(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	trades, err := s.ledger.ListRecentClosed(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) regimeSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"regimes": s.regimes.Regimes()})
}

func (s *Server) riskStats(c *gin.Context) {
	stats, err := s.riskMgr.Snapshot(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) flagManualClose(c *gin.Context) {
	id := c.Param("id")
	ok, err := s.ledger.FlagManualClose(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no open trade with that id"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"trade_id": id, "manual_close_requested": true})
}

func (s *Server) fail(c *gin.Context, err error) {
	s.log.Error("request failed",
		zap.String("path", c.FullPath()),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
