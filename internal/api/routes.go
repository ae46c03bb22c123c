package api

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/bgp-sentry/sentry/internal/node"
	"github.com/bgp-sentry/sentry/internal/store/pg"
	"github.com/bgp-sentry/sentry/pkg/models"
)

// APIHandler serves monitoring endpoints over every validator node this
// process runs, keyed by ASN.
type APIHandler struct {
	nodes map[int]*node.Node
	pg    *pg.Store
	wsHub *Hub
}

// SetupRouter builds the Gin engine for the monitoring surface: health,
// per-node ledger/reputation/coin/pool introspection, and a live
// attack-verdict WebSocket stream. Structure (CORS middleware, public vs.
// bearer-token-protected route groups, rate limiting) mirrors the
// teacher's SetupRouter almost exactly, re-pointed at node state instead
// of Bitcoin heuristics results.
func SetupRouter(nodes map[int]*node.Node, pgStore *pg.Store, wsHub *Hub) *gin.Engine {
	r := gin.Default()

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{nodes: nodes, pg: pgStore, wsHub: wsHub}

	pub := r.Group("/api/v1")
	{
		pub.GET("/health", handler.handleHealth)
		pub.GET("/stream", wsHub.Subscribe)
		pub.GET("/nodes", handler.handleListNodes)
	}

	auth := r.Group("/api/v1/nodes/:asn")
	auth.Use(AuthMiddleware())
	auth.Use(NewRateLimiter(60, 10).Middleware())
	{
		auth.GET("/ledger", handler.handleLedgerBlocks)
		auth.GET("/ledger/blocks/:index", handler.handleLedgerBlock)
		auth.GET("/ledger/tx/:txid", handler.handleLedgerTransaction)
		auth.GET("/pool", handler.handlePoolStats)
		auth.GET("/reputation", handler.handleReputationSnapshot)
		auth.GET("/reputation/:peerAsn", handler.handleReputationEntry)
		auth.GET("/coin", handler.handleCoinSnapshot)
		auth.GET("/coin/treasury", handler.handleCoinTreasury)
		auth.GET("/attacks/:peerAsn", handler.handleAttackHistory)
	}

	return r
}

func (h *APIHandler) node(c *gin.Context) (*node.Node, bool) {
	asn, err := strconv.Atoi(c.Param("asn"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid asn path parameter"})
		return nil, false
	}
	n, ok := h.nodes[asn]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no node running for that asn"})
		return nil, false
	}
	return n, true
}

// handleHealth reports process-level status and which validator ASNs this
// instance hosts.
func (h *APIHandler) handleHealth(c *gin.Context) {
	asns := make([]int, 0, len(h.nodes))
	for asn := range h.nodes {
		asns = append(asns, asn)
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "operational",
		"service":     "bgp-sentry",
		"nodes":       asns,
		"pgConnected": h.pg != nil,
	})
}

func (h *APIHandler) handleListNodes(c *gin.Context) {
	out := make([]gin.H, 0, len(h.nodes))
	for asn, n := range h.nodes {
		out = append(out, gin.H{
			"asn":            asn,
			"ledgerHeight":   n.Ledger().Height(),
			"pendingInBlock": n.Ledger().PendingCount(),
			"poolPending":    n.Pool().PendingCount(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"nodes": out})
}

// handleLedgerBlocks paginates the sealed chain in index order, with a
// page/limit query pair matching the pg store's pagination shape.
func (h *APIHandler) handleLedgerBlocks(c *gin.Context) {
	n, ok := h.node(c)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if page < 1 {
		page = 1
	}

	var all []models.Block
	n.Ledger().Iterate(func(b models.Block) bool {
		all = append(all, b)
		return true
	})

	start := (page - 1) * limit
	end := start + limit
	if start > len(all) {
		start = len(all)
	}
	if end > len(all) {
		end = len(all)
	}

	c.JSON(http.StatusOK, gin.H{
		"blocks": all[start:end],
		"height": n.Ledger().Height(),
		"page":   page,
		"limit":  limit,
	})
}

func (h *APIHandler) handleLedgerBlock(c *gin.Context) {
	n, ok := h.node(c)
	if !ok {
		return
	}
	index, err := strconv.ParseInt(c.Param("index"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid block index"})
		return
	}
	block, found := n.Ledger().BlockByIndex(index)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "block not sealed"})
		return
	}
	c.JSON(http.StatusOK, block)
}

func (h *APIHandler) handleLedgerTransaction(c *gin.Context) {
	n, ok := h.node(c)
	if !ok {
		return
	}
	txid := c.Param("txid")
	tx, block, found := n.Ledger().TransactionByID(txid)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx, "blockIndex": block.Index})
}

func (h *APIHandler) handlePoolStats(c *gin.Context) {
	n, ok := h.node(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stats":   n.Pool().Stats(),
		"pending": n.Pool().PendingCount(),
	})
}

func (h *APIHandler) handleReputationSnapshot(c *gin.Context) {
	n, ok := h.node(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"reputation": n.Reputation().Snapshot()})
}

func (h *APIHandler) handleReputationEntry(c *gin.Context) {
	n, ok := h.node(c)
	if !ok {
		return
	}
	peerASN, err := strconv.Atoi(c.Param("peerAsn"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer asn"})
		return
	}
	c.JSON(http.StatusOK, n.Reputation().Get(peerASN))
}

func (h *APIHandler) handleCoinSnapshot(c *gin.Context) {
	n, ok := h.node(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"treasury": n.Coin().Treasury(),
		"balances": n.Coin().Snapshot(),
	})
}

func (h *APIHandler) handleCoinTreasury(c *gin.Context) {
	n, ok := h.node(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"treasury": n.Coin().Treasury()})
}

// handleAttackHistory serves the optional Postgres-backed history sink;
// returns an empty page (never an error) when no pg store is wired, since
// the file-based ledger remains the system of record regardless.
func (h *APIHandler) handleAttackHistory(c *gin.Context) {
	if _, ok := h.node(c); !ok {
		return
	}
	peerASN, err := strconv.Atoi(c.Param("peerAsn"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer asn"})
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	entries, total, err := h.pg.AttackHistory(c.Request.Context(), peerASN, page, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query attack history", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries, "totalCount": total, "page": page, "limit": limit})
}

// BroadcastVerdict is wired as the node's OnVerdict hook, pushing every
// finalized transaction's verdict to connected WebSocket clients.
func BroadcastVerdict(wsHub *Hub) func(asn int, tx models.FinalizedTransaction, isAttack bool) {
	return func(asn int, tx models.FinalizedTransaction, isAttack bool) {
		payload := gin.H{
			"type":     "verdict",
			"nodeAsn":  asn,
			"isAttack": isAttack,
			"tx":       tx,
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		wsHub.Broadcast(data)
	}
}
