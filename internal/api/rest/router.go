// Package rest provides the Gin-based REST API server.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/iggydv12/aidchain/api/docs"
	"github.com/iggydv12/aidchain/internal/ledger"
	"github.com/iggydv12/aidchain/internal/node"
)

// LedgerAPI is the engine surface the REST layer exposes.
type LedgerAPI interface {
	SubmitTransaction(ctx context.Context, kind ledger.Kind, payload any, recipient string) (string, error)
	RegisterAsValidator(ctx context.Context) bool
	DeregisterAsValidator(ctx context.Context) bool
	Sync(ctx context.Context) (bool, error)
	GetBlock(height uint64) (ledger.Block, bool)
	GetHead() ledger.Block
	GetTransaction(id string) (ledger.TxRecord, bool)
	ListTransactionsByKind(kind ledger.Kind) []ledger.Transaction
	ListTransactionsByParty(nodeID string) []ledger.Transaction
	Audit() error
	Validators() map[string]int
	Subscribe(buffer int) (<-chan ledger.Event, func())
	Status() node.Status
}

// Server is the REST API server.
type Server struct {
	engine *gin.Engine
	api    LedgerAPI
	logger *zap.Logger
}

// New creates a REST Server.
func New(api LedgerAPI, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine: engine,
		api:    api,
		logger: logger.With(zap.String("component", "rest")),
	}
	s.registerRoutes()
	return s
}

// Handler exposes the router for an http.Server or httptest.
func (s *Server) Handler() http.Handler { return s.engine }

// registerRoutes sets up the /ledger context path.
func (s *Server) registerRoutes() {
	root := s.engine.Group("/ledger")

	// Swagger UI
	root.GET("/swagger-ui/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	root.GET("/status", s.status)
	root.GET("/integrity", s.integrity)
	root.GET("/events", s.events)
	root.POST("/sync", s.sync)

	txGroup := root.Group("/transactions")
	{
		txGroup.POST("", s.submit)
		txGroup.GET("", s.listTransactions)
		txGroup.GET("/:id", s.getTransaction)
	}

	blockGroup := root.Group("/blocks")
	{
		blockGroup.GET("/head", s.head)
		blockGroup.GET("/:height", s.block)
	}

	validatorGroup := root.Group("/validators")
	{
		validatorGroup.GET("", s.validators)
		validatorGroup.POST("/self", s.register)
		validatorGroup.DELETE("/self", s.deregister)
	}
}

// SubmitRequest is the body of POST /ledger/transactions.
type SubmitRequest struct {
	Kind      string          `json:"kind" binding:"required"`
	Payload   json.RawMessage `json:"payload" binding:"required"`
	Recipient string          `json:"recipient,omitempty"`
}

// --- Transaction handlers ---

// @Summary Submit a transaction
// @Tags transactions
// @Accept json
// @Produce json
// @Param transaction body SubmitRequest true "Transaction"
// @Success 201 {object} map[string]string
// @Failure 400 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /ledger/transactions [post]
func (s *Server) submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	kind, err := ledger.ParseKind(req.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := s.api.SubmitTransaction(c.Request.Context(), kind, req.Payload, req.Recipient)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "reason": ledger.ReasonOf(err)})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// @Summary Get a transaction and its confirmation status
// @Tags transactions
// @Produce json
// @Param id path string true "Transaction id"
// @Success 200 {object} ledger.TxRecord
// @Failure 404 {object} map[string]string
// @Router /ledger/transactions/{id} [get]
func (s *Server) getTransaction(c *gin.Context) {
	rec, ok := s.api.GetTransaction(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// @Summary List transactions by kind and/or party
// @Tags transactions
// @Produce json
// @Param kind query string false "Transaction kind"
// @Param party query string false "Sender or recipient node id"
// @Success 200 {array} ledger.Transaction
// @Router /ledger/transactions [get]
func (s *Server) listTransactions(c *gin.Context) {
	kindParam, party := c.Query("kind"), c.Query("party")
	if kindParam == "" && party == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind or party query parameter required"})
		return
	}
	var kind ledger.Kind
	if kindParam != "" {
		k, err := ledger.ParseKind(kindParam)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		kind = k
	}

	var txs []ledger.Transaction
	if party != "" {
		for _, tx := range s.api.ListTransactionsByParty(party) {
			if kind == "" || tx.Kind == kind {
				txs = append(txs, tx)
			}
		}
	} else {
		txs = s.api.ListTransactionsByKind(kind)
	}
	if txs == nil {
		txs = []ledger.Transaction{}
	}
	c.JSON(http.StatusOK, txs)
}

// --- Block handlers ---

func (s *Server) head(c *gin.Context) {
	c.JSON(http.StatusOK, s.api.GetHead())
}

func (s *Server) block(c *gin.Context) {
	height, err := strconv.ParseUint(c.Param("height"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "height must be a non-negative integer"})
		return
	}
	b, ok := s.api.GetBlock(height)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "block not found"})
		return
	}
	c.JSON(http.StatusOK, b)
}

// --- Node handlers ---

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.api.Status())
}

// @Summary Verify the whole chain from genesis
// @Tags ledger
// @Produce json
// @Success 200 {object} map[string]any
// @Router /ledger/integrity [get]
func (s *Server) integrity(c *gin.Context) {
	if err := s.api.Audit(); err != nil {
		c.JSON(http.StatusOK, gin.H{"valid": false, "reason": ledger.ReasonOf(err), "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

func (s *Server) sync(c *gin.Context) {
	replaced, err := s.api.Sync(c.Request.Context())
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "reason": ledger.ReasonOf(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"replaced": replaced})
}

func (s *Server) validators(c *gin.Context) {
	c.JSON(http.StatusOK, s.api.Validators())
}

func (s *Server) register(c *gin.Context) {
	ok := s.api.RegisterAsValidator(c.Request.Context())
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"registered": false, "error": "only coordinators may validate"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"registered": true})
}

func (s *Server) deregister(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"deregistered": s.api.DeregisterAsValidator(c.Request.Context())})
}

// @Summary Stream ledger events
// @Tags ledger
// @Produce text/event-stream
// @Router /ledger/events [get]
func (s *Server) events(c *gin.Context) {
	ch, cancel := s.api.Subscribe(64)
	defer cancel()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case e, open := <-ch:
			if !open {
				return false
			}
			c.SSEvent(string(e.Type), e)
			return true
		}
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidPayload), errors.Is(err, ledger.ErrDuplicateID):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrPoolFull), errors.Is(err, ledger.ErrNoConnectivity):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
