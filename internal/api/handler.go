// Package api exposes a read-only diagnostics surface over HTTP: adapter
// status, the order journal, reconstructed orderbooks and balances. It
// never accepts trading commands; orders flow through the engine gateway
// only.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"dydx-adapter/internal/book"
	"dydx-adapter/internal/broker"
	"dydx-adapter/internal/events"
	"dydx-adapter/pkg/db"
)

// Server wires the diagnostics endpoints.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	DB        *db.Database
	Broker    *broker.Broker
	Books     *book.Reconciler
	JWTSecret string
	Meta      SystemMeta

	started time.Time
}

// SystemMeta describes the running adapter.
type SystemMeta struct {
	ChainID string
	Address string
	Symbols []string
	Version string
}

func NewServer(bus *events.Bus, database *db.Database, brk *broker.Broker, books *book.Reconciler, meta SystemMeta, jwtSecret string) *Server {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Bus:       bus,
		DB:        database,
		Broker:    brk,
		Books:     books,
		JWTSecret: jwtSecret,
		Meta:      meta,
		started:   time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	api.Use(AuthMiddleware(s.JWTSecret))
	{
		api.GET("/status", s.getStatus)
		api.GET("/orders", s.getOrders)
		api.GET("/orders/:client_id/fills", s.getFills)
		api.GET("/book/:symbol", s.getBook)
		api.GET("/balances", s.getBalances)
		api.GET("/positions", s.getPositions)
		api.GET("/ws", s.websocket)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"chain_id": s.Meta.ChainID,
		"address":  s.Meta.Address,
		"symbols":  s.Meta.Symbols,
		"version":  s.Meta.Version,
		"uptime":   time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) getOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	orders, err := s.DB.RecentOrders(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) getFills(c *gin.Context) {
	cid, err := strconv.ParseUint(c.Param("client_id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client_id must be a uint32"})
		return
	}
	fills, err := s.DB.FillsForOrder(c.Request.Context(), uint32(cid))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"fills": fills})
}

func (s *Server) getBook(c *gin.Context) {
	symbol := c.Param("symbol")
	bids, asks := s.Books.Snapshot(symbol)
	if bids == nil && asks == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no book for symbol"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "bids": bids, "asks": asks})
}

func (s *Server) getBalances(c *gin.Context) {
	balances, err := s.Broker.Balances(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balances": balances})
}

func (s *Server) getPositions(c *gin.Context) {
	positions, err := s.Broker.Positions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
