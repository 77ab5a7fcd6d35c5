// Package web serves stored messages to holders of their capability token.
package web

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dhcgn/mail-relay/extract"
	"github.com/dhcgn/mail-relay/model"

	relayerrors "github.com/dhcgn/mail-relay/errors"
)

// Retriever is the store operation behind the view endpoint.
type Retriever interface {
	Retrieve(ctx context.Context, id, token string) (model.StoredMessage, error)
}

type Server struct {
	engine *gin.Engine
	store  Retriever
	logger *slog.Logger

	httpServer *http.Server
}

func New(store Retriever, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	engine := gin.New()
	engine.Use(accessLog(logger), gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Error("panic while serving request", "path", c.Request.URL.Path, "panic", recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}))

	s := &Server{engine: engine, store: store, logger: logger}
	s.httpServer = &http.Server{
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	engine.GET("/view-email/:id", s.handleViewEmail)
	engine.GET("/health", s.handleHealth)
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on addr and serves until Shutdown. It returns nil after a
// clean shutdown.
func (s *Server) Start(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(l)
}

func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("web server listening", "addr", l.Addr().String())
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleViewEmail(c *gin.Context) {
	id := c.Param("id")
	token := c.Query("token")
	if token == "" {
		s.writeError(c, id, relayerrors.ErrTokenRequired)
		return
	}

	record, err := s.store.Retrieve(c.Request.Context(), id, token)
	if err != nil {
		s.writeError(c, id, err)
		return
	}

	var buf strings.Builder
	if err := viewTemplate.Execute(&buf, newEmailView(record)); err != nil {
		s.logger.Error("render email failed", "id", id, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Header("Referrer-Policy", "no-referrer")
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(buf.String()))
}

// writeError maps a retrieval failure to its status and public message.
func (s *Server) writeError(c *gin.Context, id string, err error) {
	status, message := errorResponse(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("retrieve email failed", "id", id, "err", err)
	}
	c.JSON(status, gin.H{"error": message})
}

func errorResponse(err error) (int, string) {
	switch {
	case errors.Is(err, relayerrors.ErrTokenRequired):
		return http.StatusUnauthorized, "Authentication token required"
	case errors.Is(err, relayerrors.ErrNotFound):
		return http.StatusNotFound, "Email not found"
	case errors.Is(err, relayerrors.ErrUnauthorized):
		return http.StatusUnauthorized, "Invalid authentication token"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// accessLog logs one line per request. Only the path is logged: the query
// carries the capability token.
func accessLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		logger.Info("http request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"remote", c.ClientIP(),
		)
	}
}

type emailView struct {
	Subject string
	From    string
	Date    string
	Body    string
}

func newEmailView(record model.StoredMessage) emailView {
	view := emailView{
		Subject: record.Metadata.Subject,
		From:    record.Metadata.From,
		Body:    record.Content.Text,
	}
	if view.Subject == "" {
		view.Subject = "No Subject"
	}
	if view.From == "" {
		view.From = "Unknown"
	}
	if !record.Metadata.Date.IsZero() {
		view.Date = record.Metadata.Date.Format(time.RFC1123Z)
	}
	if strings.TrimSpace(view.Body) == "" && record.Content.HTML != "" {
		view.Body = extract.HTMLToText(record.Content.HTML)
	}
	if strings.TrimSpace(view.Body) == "" {
		view.Body = "No content"
	}
	return view
}

var viewTemplate = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html>
  <head>
    <meta charset="utf-8">
    <title>Email Viewer</title>
    <style>
      body { font-family: Arial, sans-serif; max-width: 800px; margin: 0 auto; padding: 20px; background-color: #f5f5f5; }
      .email-container { background-color: white; padding: 20px; border-radius: 8px; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
      .email-header { border-bottom: 1px solid #eee; padding-bottom: 10px; margin-bottom: 20px; }
      .email-meta { color: #666; font-size: 0.9em; margin-bottom: 10px; }
      .email-content { white-space: pre-wrap; line-height: 1.5; }
    </style>
  </head>
  <body>
    <div class="email-container">
      <div class="email-header">
        <h2>{{.Subject}}</h2>
        <div class="email-meta">
          <p><strong>From:</strong> {{.From}}</p>
          {{- if .Date}}
          <p><strong>Date:</strong> {{.Date}}</p>
          {{- end}}
        </div>
      </div>
      <div class="email-content">{{.Body}}</div>
    </div>
  </body>
</html>
`))
