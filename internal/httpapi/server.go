// Package httpapi serves the operational HTTP API: health, scheduler status,
// per-mailbox status and on-demand sync triggers.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/registry"
	"github.com/Martian-dev/mailsync/internal/store"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

const principalKey = "principal"

// Scheduler is the part of *sync.Scheduler the API drives.
type Scheduler interface {
	Snapshot() mailsync.Snapshot
	Trigger(address string) error
}

// StatusStore reads persisted per-mailbox results.
type StatusStore interface {
	GetMailboxStatus(ctx context.Context, address string) (store.MailboxStatus, error)
	CountMessages(ctx context.Context, mailbox string) (int, error)
	Ping(ctx context.Context) error
}

// Verifier authenticates API requests. *auth.JWTVerifier implements it.
type Verifier interface {
	PrincipalFromRequest(r *http.Request) (*auth.Principal, error)
}

type Server struct {
	scheduler Scheduler
	store     StatusStore
	verifier  Verifier
	log       logging.Logger
	engine    *gin.Engine
}

// New builds the router. A nil verifier leaves the /v1 routes open.
func New(scheduler Scheduler, st StatusStore, verifier Verifier, log logging.Logger) *Server {
	s := &Server{
		scheduler: scheduler,
		store:     st,
		verifier:  verifier,
		log:       log.With("component", "httpapi"),
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())
	r.GET("/healthz", s.health)

	v1 := r.Group("/v1")
	if verifier != nil {
		v1.Use(s.authMiddleware())
	}
	v1.GET("/status", s.status)
	v1.GET("/mailboxes/:address", s.mailbox)
	v1.POST("/mailboxes/:address/sync", s.triggerSync)

	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info(ctx, "ops API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) health(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.scheduler.Snapshot())
}

type mailboxResponse struct {
	Schedule registry.MailboxState `json:"schedule"`
	Status   *store.MailboxStatus  `json:"status,omitempty"`
	Stored   int                   `json:"stored_messages"`
}

func (s *Server) mailbox(c *gin.Context) {
	ctx := c.Request.Context()
	sched, ok := s.resolve(c.Param("address"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown mailbox"})
		return
	}
	address := sched.Address
	resp := mailboxResponse{Schedule: sched}

	st, err := s.store.GetMailboxStatus(ctx, address)
	switch {
	case err == nil:
		resp.Status = &st
	case !errors.Is(err, store.ErrNotFound):
		s.log.Error(ctx, "load mailbox status", "mailbox", address, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	resp.Stored, err = s.store.CountMessages(ctx, address)
	if err != nil {
		s.log.Error(ctx, "count stored messages", "mailbox", address, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) triggerSync(c *gin.Context) {
	address := c.Param("address")
	if m, ok := s.resolve(address); ok {
		address = m.Address
	}

	if err := s.scheduler.Trigger(address); err != nil {
		if errors.Is(err, registry.ErrUnknownMailbox) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown mailbox"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	fields := []any{"mailbox", address}
	if p, ok := c.Get(principalKey); ok {
		fields = append(fields, "by", p.(*auth.Principal).Subject)
	}
	s.log.Info(c.Request.Context(), "sync triggered", fields...)
	c.JSON(http.StatusAccepted, gin.H{"mailbox": address, "status": "scheduled"})
}

// resolve finds a registered mailbox, ignoring case.
func (s *Server) resolve(address string) (registry.MailboxState, bool) {
	for _, m := range s.scheduler.Snapshot().Mailboxes {
		if strings.EqualFold(m.Address, address) {
			return m, true
		}
	}
	return registry.MailboxState{}, false
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := s.verifier.PrincipalFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug(c.Request.Context(), "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
