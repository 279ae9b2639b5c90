// Package server exposes the aggregated market data over a Gin HTTP API and
// the websocket subscription endpoint.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	appconfig "perpflow/config"
	"perpflow/internal/aggregator"
	"perpflow/internal/broadcast"
	"perpflow/internal/models"
	"perpflow/logger"
)

// Server hosts the public API.
type Server struct {
	cfg        appconfig.ServerConfig
	agg        *aggregator.Aggregator
	hub        *broadcast.Hub
	log        *logger.Entry
	sampler    *resourceSampler
	httpServer *http.Server
}

// New constructs the API server.
func New(cfg appconfig.ServerConfig, agg *aggregator.Aggregator, hub *broadcast.Hub) *Server {
	cfg.Address = normalizeAddress(cfg.Address)
	return &Server{
		cfg:     cfg,
		agg:     agg,
		hub:     hub,
		log:     logger.GetLogger().WithComponent("server"),
		sampler: newResourceSampler(5*time.Second, "/"),
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	router := s.buildRouter()
	s.sampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithFields(logger.Fields{"address": s.cfg.Address}).Info("api server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Address reports the listen address.
func (s *Server) Address() string { return s.cfg.Address }

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), corsMiddleware())
	router.SetTrustedProxies(nil)

	api := router.Group("/api")
	api.GET("/rates", s.handleRates)
	api.GET("/candles", s.handleCandles)
	api.GET("/open-interest-history", s.handleOpenInterestHistory)
	api.GET("/open-interest", s.handleOpenInterest)
	api.GET("/volume", s.handleVolume)
	api.GET("/fund-flow", s.handleFundFlow)
	api.GET("/status", s.handleStatus)

	router.GET("/ws", func(c *gin.Context) {
		s.hub.ServeWS(c.Writer, c.Request)
	})

	return router
}

// corsMiddleware opens the API to any origin; the data is public and
// read-only. OPTIONS preflights short-circuit with an empty 200.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET")
		c.Header("Access-Control-Allow-Headers", "X-Requested-With,content-type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

func (s *Server) handleRates(c *gin.Context) {
	result, err := s.agg.Rates(c.Request.Context())
	if err != nil {
		s.log.WithError(err).Error("rates aggregation failed with no fallback")
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "failed to fetch funding rates",
		})
		return
	}
	data := result.Data
	if raw := c.Query("symbols"); raw != "" {
		data = filterRates(data, raw)
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"data":        data,
		"diagnostics": result.Diagnostics,
	})
}

// filterRates keeps only the requested symbols. The filter runs after the
// cached merge so every symbols value shares one upstream aggregate.
func filterRates(data []models.RateRecord, csv string) []models.RateRecord {
	wanted := make(map[string]struct{})
	for _, raw := range strings.Split(csv, ",") {
		if sym := models.CanonicalSymbol(raw); sym != "" {
			wanted[sym] = struct{}{}
		}
	}
	out := make([]models.RateRecord, 0, len(data))
	for _, rec := range data {
		if _, ok := wanted[rec.Symbol]; ok {
			out = append(out, rec)
		}
	}
	return out
}

func (s *Server) handleCandles(c *gin.Context) {
	symbol := c.Query("symbol")
	interval := c.Query("interval")
	if symbol == "" || interval == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "missing required parameter symbol or interval",
		})
		return
	}
	limit := parseLimit(c.Query("limit"))

	data, err := s.agg.Candles(c.Request.Context(), symbol, interval, limit)
	if err != nil {
		s.log.WithError(err).WithFields(logger.Fields{"symbol": symbol, "interval": interval}).Error("candle fetch failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "failed to fetch candles",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func (s *Server) handleOpenInterestHistory(c *gin.Context) {
	symbol := c.Query("symbol")
	period := c.Query("period")
	if symbol == "" || period == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "missing required parameter symbol or period",
		})
		return
	}
	limit := parseLimit(c.Query("limit"))

	data, err := s.agg.OpenInterestHistory(c.Request.Context(), symbol, period, limit)
	if err != nil {
		s.log.WithError(err).WithFields(logger.Fields{"symbol": symbol, "period": period}).Error("open interest history fetch failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "failed to fetch open interest history",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func (s *Server) handleOpenInterest(c *gin.Context) {
	result, err := s.agg.OpenInterest(c.Request.Context())
	if err != nil {
		s.log.WithError(err).Error("open interest aggregation failed with no fallback")
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "failed to fetch open interest",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"data":        result.Data,
		"counts":      result.Counts,
		"lastUpdated": result.LastUpdated,
	})
}

func (s *Server) handleVolume(c *gin.Context) {
	result, err := s.agg.Volume(c.Request.Context())
	if err != nil {
		s.log.WithError(err).Error("volume aggregation failed with no fallback")
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "failed to fetch volume data",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"timestamp": result.Timestamp,
		"data":      result.Data,
	})
}

func (s *Server) handleFundFlow(c *gin.Context) {
	result, err := s.agg.FundFlow(c.Request.Context())
	if err != nil {
		s.log.WithError(err).Error("fund flow aggregation failed with no fallback")
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "failed to fetch fund flow data",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"exchanges": result.Exchanges,
		"total":     result.Total,
	})
}

func parseLimit(raw string) int {
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}

func normalizeAddress(address string) string {
	if address == "" {
		return ":8080"
	}
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	if _, err := strconv.Atoi(address); err == nil {
		return ":" + address
	}
	return address
}
