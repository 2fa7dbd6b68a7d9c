// Package gateway exposes the withdraw scheduler over HTTP and WebSocket.
package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/terminal-bench/fundsched/internal/ingest"
	"github.com/terminal-bench/fundsched/internal/scheduler"
	"github.com/terminal-bench/fundsched/pkg/messaging"
)

// Gateway is the HTTP/WebSocket front end.
type Gateway struct {
	router    *gin.Engine
	sched     *scheduler.Scheduler
	preloader ingest.Preloader // may be nil
	jwtSecret []byte

	wsMu      sync.RWMutex
	wsClients map[uuid.UUID]*wsClient

	rateLimiter *rateLimiter
}

type wsClient struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// Config holds gateway configuration.
type Config struct {
	JWTSecret       string
	RateLimitWindow time.Duration
	RateLimitMax    int
}

// NewGateway creates a gateway over sched. preloader is optional.
func NewGateway(cfg Config, sched *scheduler.Scheduler, preloader ingest.Preloader) *Gateway {
	if cfg.RateLimitMax == 0 {
		cfg.RateLimitMax = 100
		cfg.RateLimitWindow = time.Minute
	}

	g := &Gateway{
		router:    gin.Default(),
		sched:     sched,
		preloader: preloader,
		jwtSecret: []byte(cfg.JWTSecret),
		wsClients: make(map[uuid.UUID]*wsClient),
		rateLimiter: &rateLimiter{
			requests: make(map[string][]time.Time),
			limit:    cfg.RateLimitMax,
			window:   cfg.RateLimitWindow,
		},
	}

	g.setupRoutes()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.Use(g.rateLimitMiddleware())

	g.router.GET("/health", g.healthCheck)

	v1 := g.router.Group("/api/v1")
	{
		v1.POST("/withdraws", g.authMiddleware(), g.submitWithdraws)
		v1.POST("/settlements", g.authMiddleware(), g.submitSettlement)
		v1.GET("/accounts/:id", g.authMiddleware(), g.getAccount)
		v1.GET("/status", g.getStatus)
		v1.GET("/ws", g.authMiddleware(), g.handleWebSocket)
	}
}

// Handler returns the underlying HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Middleware

func (g *Gateway) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}
		tokenStr := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return g.jwtSecret, nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		if sub, err := token.Claims.GetSubject(); err == nil {
			c.Set("subject", sub)
		}
		c.Next()
	}
}

func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.rateLimiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// Handlers

func (g *Gateway) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// SubmitWithdrawsRequest is the batch submission body.
type SubmitWithdrawsRequest struct {
	Version   uint64                      `json:"version" binding:"required"`
	Withdraws []messaging.WithdrawRequest `json:"withdraws" binding:"required"`
}

// WithdrawResult is the per-transaction response entry.
type WithdrawResult struct {
	TxID   uuid.UUID `json:"tx_id"`
	Status string    `json:"status"`
}

func (g *Gateway) submitWithdraws(c *gin.Context) {
	var req SubmitWithdrawsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	withdraws := make([]scheduler.Withdraw, 0, len(req.Withdraws))
	results := make([]chan scheduler.Outcome, 0, len(req.Withdraws))
	accounts := make([]scheduler.AccountID, 0, len(req.Withdraws))
	for _, w := range req.Withdraws {
		reservations, err := ingest.DecodeReservations(w.Reservations)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("tx %s: %v", w.TxID, err)})
			return
		}
		ch := make(chan scheduler.Outcome, 1)
		withdraws = append(withdraws, scheduler.Withdraw{
			TxID:         w.TxID,
			Reservations: reservations,
			Result:       ch,
		})
		results = append(results, ch)
		for account := range reservations {
			accounts = append(accounts, account)
		}
	}

	if g.preloader != nil {
		g.preloader.Preload(c.Request.Context(), accounts, req.Version)
	}

	g.sched.ScheduleWithdraws(c.Request.Context(), req.Version, withdraws)

	// Synchronous outcomes are already sitting on their channels when
	// ScheduleWithdraws returns; anything else is parked and will resolve
	// through the WebSocket outcome feed.
	resp := make([]WithdrawResult, len(req.Withdraws))
	for i, w := range req.Withdraws {
		select {
		case outcome := <-results[i]:
			resp[i] = WithdrawResult{TxID: w.TxID, Status: outcome.String()}
		default:
			resp[i] = WithdrawResult{TxID: w.TxID, Status: "pending"}
			go g.broadcastWhenResolved(req.Version, w.TxID, results[i])
		}
	}

	c.JSON(http.StatusOK, gin.H{"version": req.Version, "results": resp})
}

// SubmitSettlementRequest is the settlement submission body.
type SubmitSettlementRequest struct {
	Version uint64           `json:"version" binding:"required"`
	Deltas  map[string]int64 `json:"deltas"`
}

func (g *Gateway) submitSettlement(c *gin.Context) {
	var req SubmitSettlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	deltas := make(map[scheduler.AccountID]int64, len(req.Deltas))
	for account, delta := range req.Deltas {
		deltas[scheduler.AccountID(account)] = delta
	}

	g.sched.SettleBalances(c.Request.Context(), req.Version, deltas)

	if g.preloader != nil {
		g.preloader.Invalidate(req.Version)
	}

	c.JSON(http.StatusOK, gin.H{
		"version":      req.Version,
		"last_settled": g.sched.LastSettledVersion(),
	})
}

func (g *Gateway) getAccount(c *gin.Context) {
	snap, ok := g.sched.Account(scheduler.AccountID(c.Param("id")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not tracked"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (g *Gateway) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"last_settled_version": g.sched.LastSettledVersion(),
		"highest_seen_version": g.sched.HighestSeenVersion(),
		"tracked_accounts":     g.sched.TrackedAccounts(),
		"pending_withdraws":    g.sched.PendingWithdraws(),
	})
}

// WebSocket outcome feed

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &wsClient{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, 16),
		done: make(chan struct{}),
	}

	g.wsMu.Lock()
	g.wsClients[client.id] = client
	g.wsMu.Unlock()

	go g.wsReadPump(client)
	go g.wsWritePump(client)
}

func (g *Gateway) wsReadPump(client *wsClient) {
	defer func() {
		g.wsMu.Lock()
		delete(g.wsClients, client.id)
		g.wsMu.Unlock()
		close(client.done)
		client.conn.Close()
	}()

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (g *Gateway) wsWritePump(client *wsClient) {
	for {
		select {
		case message := <-client.send:
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.done:
			return
		}
	}
}

// Broadcast fans a message out to every connected WebSocket client. Slow
// clients lose messages rather than stall the feed.
func (g *Gateway) Broadcast(message []byte) {
	g.wsMu.RLock()
	defer g.wsMu.RUnlock()

	for _, client := range g.wsClients {
		select {
		case client.send <- message:
		default:
		}
	}
}

func (g *Gateway) broadcastWhenResolved(version uint64, txID uuid.UUID, ch chan scheduler.Outcome) {
	outcome := <-ch
	evt := messaging.WithdrawOutcomeEvent{
		Version:   version,
		TxID:      txID,
		Outcome:   outcome.String(),
		Timestamp: time.Now(),
	}
	if payload, err := json.Marshal(evt); err == nil {
		g.Broadcast(payload)
	}
}

// Rate limiter

type rateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

// Allow checks if a request is allowed.
func (rl *rateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	valid := rl.requests[key][:0]
	for _, t := range rl.requests[key] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}

	rl.requests[key] = append(valid, now)
	return true
}
