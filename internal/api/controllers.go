package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"mirror-core/internal/registry"
	"mirror-core/internal/signal"
	"mirror-core/pkg/db"
	exchange "mirror-core/pkg/exchanges/common"
)

type submitSignalRequest struct {
	ID         string  `json:"id"`
	Source     string  `json:"source" binding:"required,min=1"`
	Symbol     string  `json:"symbol" binding:"required,min=1"`
	Side       string  `json:"side" binding:"required,oneof=BUY SELL"`
	SizeDelta  float64 `json:"size_delta" binding:"gt=0"`
	Price      float64 `json:"price"`
	Seq        int64   `json:"seq" binding:"gt=0"`
	ReduceOnly bool    `json:"reduce_only"`
}

type createAccountRequest struct {
	Name         string               `json:"name" binding:"required,min=1,max=120"`
	ExchangeType string               `json:"exchange_type" binding:"required,min=1"`
	Kind         string               `json:"kind" binding:"required,oneof=master slave"`
	APIKey       string               `json:"api_key" binding:"required,min=1"`
	APISecret    string               `json:"api_secret" binding:"required,min=1"`
	Risk         registry.RiskProfile `json:"risk"`
}

type rotateCredentialsRequest struct {
	APIKey    string `json:"api_key" binding:"required,min=1"`
	APISecret string `json:"api_secret" binding:"required,min=1"`
}

type listQuery struct {
	AccountID string `form:"account_id"`
	Limit     int    `form:"limit"`
}

func (q *listQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

// submitSignal injects a signal from an external source (webhook,
// manual replay). The ingestor enforces sequence monotonicity.
func (s *Server) submitSignal(c *gin.Context) {
	var req submitSignalRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": err.Error()})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	sig := signal.Signal{
		ID:         req.ID,
		Source:     req.Source,
		Symbol:     req.Symbol,
		Side:       exchange.Side(req.Side),
		SizeDelta:  req.SizeDelta,
		Price:      req.Price,
		Seq:        req.Seq,
		ReduceOnly: req.ReduceOnly,
		At:         time.Now(),
	}
	if err := s.Ingestor.Submit(sig); err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, signal.ErrStaleSignal) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"code": "SIGNAL_REJECTED", "error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"signal_id": sig.ID})
}

func (s *Server) pauseMirroring(c *gin.Context) {
	cmd, err := s.Control.Pause()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"command_id": cmd.ID, "status": cmd.Status})
}

func (s *Server) resumeMirroring(c *gin.Context) {
	cmd, err := s.Control.Resume()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"command_id": cmd.ID, "status": cmd.Status})
}

func (s *Server) panicCloseAll(c *gin.Context) {
	cmd, err := s.Control.PanicCloseAll()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	// Accepted, not done: closes run asynchronously.
	c.JSON(http.StatusAccepted, gin.H{"command_id": cmd.ID, "status": cmd.Status})
}

func (s *Server) getCommand(c *gin.Context) {
	cmd, err := s.Control.Command(c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "error": "command not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cmd)
}

func (s *Server) listAccounts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"accounts": s.Accounts.List()})
}

func (s *Server) createAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": err.Error()})
		return
	}
	acct, err := s.Accounts.Register(registry.RegisterInput{
		Name:         req.Name,
		ExchangeType: req.ExchangeType,
		Kind:         req.Kind,
		APIKey:       req.APIKey,
		APISecret:    req.APISecret,
		Risk:         req.Risk,
	})
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, registry.ErrDuplicateMaster) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"code": "REGISTER_FAILED", "error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, acct)
}

func (s *Server) getAccount(c *gin.Context) {
	acct, err := s.Accounts.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "error": "account not found"})
		return
	}
	c.JSON(http.StatusOK, acct)
}

func (s *Server) deleteAccount(c *gin.Context) {
	if err := s.Accounts.Remove(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "error": "account not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) updateAccountRisk(c *gin.Context) {
	var risk registry.RiskProfile
	if err := c.BindJSON(&risk); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": err.Error()})
		return
	}
	if err := s.Accounts.UpdateRiskProfile(c.Param("id"), risk); err != nil {
		if errors.Is(err, registry.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "error": "account not found"})
			return
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{"code": "INVALID_RISK", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

func (s *Server) rotateCredentials(c *gin.Context) {
	var req rotateCredentialsRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": err.Error()})
		return
	}
	if err := s.Accounts.RotateCredentials(c.Param("id"), req.APIKey, req.APISecret); err != nil {
		if errors.Is(err, registry.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "error": "account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rotated": true})
}

func (s *Server) pauseAccount(c *gin.Context) {
	s.setAccountStatus(c, db.AccountPaused, "paused by operator")
}

func (s *Server) resumeAccount(c *gin.Context) {
	s.setAccountStatus(c, db.AccountActive, "resumed by operator")
}

func (s *Server) setAccountStatus(c *gin.Context, status, reason string) {
	err := s.Accounts.SetStatus(c.Param("id"), status, reason)
	if err != nil {
		if errors.Is(err, registry.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "error": "account not found"})
			return
		}
		if errors.Is(err, registry.ErrInvalidTransition) {
			c.JSON(http.StatusConflict, gin.H{"code": "INVALID_TRANSITION", "error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

func (s *Server) listPositions(c *gin.Context) {
	var q listQuery
	if err := c.BindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_QUERY", "error": err.Error()})
		return
	}
	positions, err := s.Ledger.OpenPositions(q.AccountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) listTrades(c *gin.Context) {
	var q listQuery
	if err := c.BindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_QUERY", "error": err.Error()})
		return
	}
	q.normalize()
	trades, err := s.DB.ListTrades(q.AccountID, q.Limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) listExecutions(c *gin.Context) {
	var q listQuery
	if err := c.BindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_QUERY", "error": err.Error()})
		return
	}
	q.normalize()
	executions, err := s.DB.ListExecutions(q.AccountID, q.Limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": executions})
}

func (s *Server) getReconciliation(c *gin.Context) {
	report := s.Recon.LastReport()
	if report == nil {
		c.JSON(http.StatusOK, gin.H{"report": nil, "message": "no sweep completed yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"paused":     s.Control.Paused(),
		"testnet":    s.Meta.Testnet,
		"symbols":    s.Meta.Symbols,
		"version":    s.Meta.Version,
		"ws_clients": s.Hub.ClientCount(),
		"timestamp":  time.Now().UTC(),
	})
}
