package server

import (
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	pkgerrors "github.com/forecastex/forecastex/pkg/errors"

	"github.com/forecastex/forecastex/internal/consensus"
	"github.com/forecastex/forecastex/internal/models"
)

// submitOrderRequest is the wire form of order intake. Signature is
// hex-encoded; expiry is a unix timestamp in seconds.
type submitOrderRequest struct {
	OrderID       string `json:"orderId" binding:"required,uuid"`
	MarketID      string `json:"marketId" binding:"required"`
	Maker         string `json:"maker" binding:"required"`
	Side          string `json:"side" binding:"required,oneof=BUY SELL"`
	PriceTicks    int64  `json:"priceTicks" binding:"required"`
	Qty           int64  `json:"qty" binding:"required"`
	TimeInForce   string `json:"tif" binding:"required,oneof=GTC IOC FOK GTD"`
	Expiry        int64  `json:"expiry" binding:"required"`
	Nonce         uint64 `json:"nonce"`
	MaxCollateral int64  `json:"maxCollateral" binding:"required"`
	Signature     string `json:"signature" binding:"required"`
}

func errorResponse(c *gin.Context, err error) {
	c.JSON(pkgerrors.HTTPStatus(err), gin.H{
		"success": false,
		"error":   err.Error(),
		"kind":    pkgerrors.KindOf(err),
	})
}

func (s *Server) handleSubmitOrder(c *gin.Context) {
	var req submitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	orderID, err := uuid.Parse(req.OrderID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid orderId"})
		return
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(req.Signature, "0x"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "signature must be hex"})
		return
	}

	order := &models.Order{
		ID:            orderID,
		MarketID:      req.MarketID,
		Maker:         req.Maker,
		Side:          req.Side,
		PriceTicks:    req.PriceTicks,
		Quantity:      req.Qty,
		TimeInForce:   req.TimeInForce,
		ExpiresAt:     time.Unix(req.Expiry, 0),
		Nonce:         req.Nonce,
		MaxCollateral: req.MaxCollateral,
		Signature:     sig,
	}

	resp, err := s.engine.SubmitOrder(c.Request.Context(), order)
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid order id"})
		return
	}
	marketID := c.Query("marketId")
	accountID := c.Query("accountId")
	if marketID == "" || accountID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "marketId and accountId required"})
		return
	}

	if err := s.engine.CancelOrder(c.Request.Context(), marketID, orderID, accountID); err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "orderId": orderID, "status": models.OrderStatusCancelled})
}

func (s *Server) handleOrderBook(c *gin.Context) {
	marketID := c.Query("marketId")
	if marketID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "marketId required"})
		return
	}
	depth := 20
	if d := c.Query("depth"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid depth"})
			return
		}
		depth = n
	}

	snap, err := s.engine.Snapshot(c.Request.Context(), marketID, depth)
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

type createMarketRequest struct {
	MarketID string `json:"marketId" binding:"required"`
	Title    string `json:"title" binding:"required"`
}

func (s *Server) handleCreateMarket(c *gin.Context) {
	var req createMarketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	market, err := s.engine.EnsureMarket(c.Request.Context(), req.MarketID, req.Title)
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, market)
}

func (s *Server) handleGetMarket(c *gin.Context) {
	market, err := s.engine.Market(c.Request.Context(), c.Param("id"))
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, market)
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.monitor == nil {
		c.JSON(http.StatusOK, gin.H{"status": consensus.HealthHealthy})
		return
	}
	report := s.monitor.LastReport()
	if report == nil {
		// Before the first sweep completes there is nothing to report yet.
		c.JSON(http.StatusOK, gin.H{"status": "unknown"})
		return
	}
	c.JSON(http.StatusOK, report)
}
