package index

import (
	"errors"
	"html"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/microcosm-cc/bluemonday"

	"github.com/blackwell-systems/bookledger/internal/catalog"
)

const maxPageSize = 100

// ServerOptions configures the index REST server.
type ServerOptions struct {
	JWTSecret  []byte
	CORSOrigin string
}

// Server exposes a Store over REST. Reads are public; writes need an
// orchestrator token.
type Server struct {
	store  Store
	engine *gin.Engine
	policy *bluemonday.Policy
}

// NewServer builds the router. Callers may add routes through Router.
func NewServer(store Store, opts ServerOptions) *Server {
	s := &Server{
		store:  store,
		engine: gin.New(),
		policy: bluemonday.StrictPolicy(),
	}
	s.engine.Use(gin.Recovery())
	if opts.CORSOrigin != "" {
		s.engine.Use(cors.New(cors.Config{
			AllowOrigins:     []string{opts.CORSOrigin},
			AllowMethods:     []string{"GET", "PUT", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/books", s.listBooks)
	s.engine.GET("/books/:ledgerId", s.getBook)
	s.engine.GET("/entitlements/:buyerId", s.listEntitlements)
	s.engine.GET("/entitlements/:buyerId/:ledgerId", s.hasEntitlement)

	write := s.engine.Group("/")
	write.Use(authMiddleware(opts.JWTSecret), requireRole(RoleOrchestrator))
	write.PUT("/books/:ledgerId", s.putBook)
	write.PUT("/entitlements/:buyerId/:ledgerId", s.putEntitlement)
	return s
}

// Router returns the underlying engine for mounting extra routes.
func (s *Server) Router() *gin.Engine { return s.engine }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

func ledgerIDParam(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("ledgerId"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ledger id"})
		return 0, false
	}
	return id, true
}

func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Errorw("index request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *Server) putBook(c *gin.Context) {
	id, ok := ledgerIDParam(c)
	if !ok {
		return
	}
	var b catalog.Book
	if err := c.ShouldBindJSON(&b); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed JSON"})
		return
	}
	if b.LedgerID != 0 && b.LedgerID != id {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ledger id in body does not match path"})
		return
	}
	b.LedgerID = id
	b.Title = s.plainText(b.Title)
	b.AuthorName = s.plainText(b.AuthorName)
	b.Description = s.plainText(b.Description)
	b.PublisherID = s.plainText(b.PublisherID)
	if b.Title == "" || b.PriceMinorUnits <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title and positive price required"})
		return
	}
	if err := s.store.PutBook(c.Request.Context(), b); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// plainText strips markup. The policy entity-escapes the text it keeps, and
// the index stores text unescaped.
func (s *Server) plainText(v string) string {
	return html.UnescapeString(s.policy.Sanitize(v))
}

func (s *Server) getBook(c *gin.Context) {
	id, ok := ledgerIDParam(c)
	if !ok {
		return
	}
	b, err := s.store.GetBook(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// BookPage is the GET /books response body.
type BookPage struct {
	Books  []catalog.Book `json:"books"`
	Total  int            `json:"total"`
	Offset int            `json:"offset"`
	Limit  int            `json:"limit"`
}

func (s *Server) listBooks(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	f := catalog.Filter{
		Search:     c.Query("q"),
		ActiveOnly: c.Query("active") == "true",
		Offset:     offset,
		Limit:      limit,
	}
	books, total, err := s.store.ListBooks(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err)
		return
	}
	if books == nil {
		books = []catalog.Book{}
	}
	c.JSON(http.StatusOK, BookPage{Books: books, Total: total, Offset: offset, Limit: limit})
}

func (s *Server) putEntitlement(c *gin.Context) {
	id, ok := ledgerIDParam(c)
	if !ok {
		return
	}
	var e catalog.Entitlement
	if err := c.ShouldBindJSON(&e); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed JSON"})
		return
	}
	e.BuyerID = c.Param("buyerId")
	e.LedgerID = id
	if err := s.store.PutEntitlement(c.Request.Context(), e); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (s *Server) hasEntitlement(c *gin.Context) {
	id, ok := ledgerIDParam(c)
	if !ok {
		return
	}
	has, err := s.store.HasEntitlement(c.Request.Context(), c.Param("buyerId"), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !has {
		s.fail(c, ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"buyer_id": c.Param("buyerId"), "ledger_id": id})
}

func (s *Server) listEntitlements(c *gin.Context) {
	ents, err := s.store.ListEntitlements(c.Request.Context(), c.Param("buyerId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if ents == nil {
		ents = []catalog.Entitlement{}
	}
	c.JSON(http.StatusOK, gin.H{"entitlements": ents})
}
