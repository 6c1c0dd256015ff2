package relay

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bitrise-io/go-blobrelay/remote"
	"github.com/bitrise-io/go-blobrelay/transfer"
	"github.com/bitrise-io/go-blobrelay/transfer/chunk"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

const (
	envelopeOverhead = 64 * 1024
	shutdownTimeout  = 10 * time.Second
)

// ServerConfig ...
type ServerConfig struct {
	// Token enables the bearer token guard on the API routes when set.
	Token       string
	CORSOrigins []string
	Tracing     bool
	ServiceName string
	// MaxChunkSize caps chunk request bodies, 0 disables the cap.
	MaxChunkSize int64
}

// Server exposes a Forwarder over HTTP.
type Server struct {
	forwarder *Forwarder
	config    ServerConfig
	logger    log.Logger
}

// NewServer ...
func NewServer(forwarder *Forwarder, config ServerConfig, logger log.Logger) *Server {
	if config.ServiceName == "" {
		config.ServiceName = "blobrelay"
	}
	return &Server{
		forwarder: forwarder,
		config:    config,
		logger:    logger,
	}
}

// Handler builds the relay's HTTP handler.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	// Handles are opaque and may contain escaped slashes.
	r.UseRawPath = true
	r.UnescapePathValues = true

	r.Use(s.recovery(), s.requestLogger(), crossOriginResourcePolicy)
	s.applyCors(r)
	s.applyTracing(r)

	r.GET(transfer.RouteHealth, func(c *gin.Context) {
		c.JSON(http.StatusOK, transfer.OKResponse{OK: true})
	})

	v1 := r.Group(transfer.RouteAPIVersion)
	if s.config.Token != "" {
		v1.Use(bearerGuard(s.config.Token))
	}

	v1.POST("/sessions", s.openSession)
	v1.PUT("/sessions/:id/chunks/:seq", s.uploadBinaryChunk)
	v1.POST("/sessions/:id/chunks", s.uploadEnvelopeChunk)
	v1.POST("/sessions/:id/finalize", s.finalize)
	v1.GET("/objects", s.list)
	v1.GET("/objects/:handle/url", s.resolveHandle)
	v1.DELETE("/objects/:handle", s.deleteObject)
	v1.POST("/files", s.uploadFile)
	v1.POST("/dirs", s.mkdir)

	return gzhttp.GzipHandler(r)
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Relay listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Infof("Shutting down relay")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) applyCors(r *gin.Engine) {
	if len(s.config.CORSOrigins) == 0 {
		return
	}

	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Content-Length", "Accept", "Authorization",
			transfer.HeaderDigest, transfer.HeaderPath, transfer.HeaderSequence, transfer.HeaderRequestID,
		},
		ExposeHeaders: []string{transfer.HeaderRequestID},
		MaxAge:        12 * time.Hour,
	}
	if len(s.config.CORSOrigins) == 1 && s.config.CORSOrigins[0] == "*" {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.config.CORSOrigins
	}
	r.Use(cors.New(cfg))
}

func (s *Server) applyTracing(r *gin.Engine) {
	if !s.config.Tracing {
		return
	}
	r.Use(otelgin.Middleware(s.config.ServiceName))
}

func crossOriginResourcePolicy(c *gin.Context) {
	c.Header("Cross-Origin-Resource-Policy", "cross-origin")
	c.Next()
}

func bearerGuard(token string) gin.HandlerFunc {
	expected := []byte("Bearer " + token)
	return func(c *gin.Context) {
		if subtle.ConstantTimeCompare([]byte(c.GetHeader("Authorization")), expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, transfer.ErrorBody{
				Error: "missing or invalid bearer token",
				Code:  transfer.CodeUnauthorized,
			})
			return
		}
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(transfer.HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(transfer.HeaderRequestID, requestID)

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		msg := fmt.Sprintf("[%s] %s %s -> %d (%s)", requestID, c.Request.Method, c.Request.URL.Path, status, time.Since(start).Round(time.Millisecond))
		if status >= http.StatusInternalServerError {
			s.logger.Warnf("%s", msg)
		} else {
			s.logger.Debugf("%s", msg)
		}
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.logger.Errorf("Panic serving %s %s: %v", c.Request.Method, c.Request.URL.Path, recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, transfer.ErrorBody{
			Error: "internal error",
			Code:  transfer.CodeInternal,
		})
	})
}

func (s *Server) openSession(c *gin.Context) {
	var req transfer.OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid open request: %s", err)
		return
	}

	resp, err := s.forwarder.OpenSession(c.Request.Context(), req)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) uploadBinaryChunk(c *gin.Context) {
	seq, err := strconv.Atoi(c.Param("seq"))
	if err != nil || seq < 0 {
		badRequest(c, "invalid chunk sequence: %s", c.Param("seq"))
		return
	}
	if h := c.GetHeader(transfer.HeaderSequence); h != "" && h != strconv.Itoa(seq) {
		badRequest(c, "sequence header %s does not match route sequence %d", h, seq)
		return
	}
	digest := c.GetHeader(transfer.HeaderDigest)
	if digest == "" {
		badRequest(c, "missing %s header", transfer.HeaderDigest)
		return
	}

	data, ok := s.readBody(c, s.config.MaxChunkSize)
	if !ok {
		return
	}

	s.forwardChunk(c, transfer.ChunkRequest{
		SessionID:       c.Param("id"),
		DestinationPath: c.GetHeader(transfer.HeaderPath),
		Sequence:        seq,
		Digest:          digest,
		Data:            data,
	})
}

func (s *Server) uploadEnvelopeChunk(c *gin.Context) {
	limit := int64(0)
	if s.config.MaxChunkSize > 0 {
		limit = int64(base64.StdEncoding.EncodedLen(int(s.config.MaxChunkSize))) + envelopeOverhead
	}
	if limit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	}

	var envelope transfer.ChunkEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		badRequest(c, "invalid chunk envelope: %s", err)
		return
	}
	if envelope.Digest == "" {
		badRequest(c, "chunk envelope has no digest")
		return
	}
	data, err := chunk.Base64.Decode([]byte(envelope.ChunkBase64))
	if err != nil {
		badRequest(c, "%s", err)
		return
	}

	s.forwardChunk(c, transfer.ChunkRequest{
		SessionID:       c.Param("id"),
		DestinationPath: envelope.DestinationPath,
		Sequence:        envelope.Sequence,
		Digest:          envelope.Digest,
		Data:            data,
	})
}

func (s *Server) forwardChunk(c *gin.Context, req transfer.ChunkRequest) {
	if err := s.forwarder.UploadChunk(c.Request.Context(), req); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, transfer.OKResponse{OK: true})
}

func (s *Server) finalize(c *gin.Context) {
	var req transfer.FinalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid finalize request: %s", err)
		return
	}
	req.SessionID = c.Param("id")

	resp, err := s.forwarder.Finalize(c.Request.Context(), req)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) resolveHandle(c *gin.Context) {
	fetchURL, err := s.forwarder.ResolveHandle(c.Request.Context(), transfer.Handle(c.Param("handle")))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, transfer.FetchURLResponse{FetchURL: fetchURL})
}

func (s *Server) deleteObject(c *gin.Context) {
	if err := s.forwarder.Delete(c.Request.Context(), transfer.Handle(c.Param("handle"))); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, transfer.OKResponse{OK: true})
}

func (s *Server) list(c *gin.Context) {
	entries, err := s.forwarder.List(c.Request.Context(), c.Query("dir"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if entries == nil {
		entries = []transfer.Entry{}
	}
	c.JSON(http.StatusOK, transfer.ListResponse{Entries: entries})
}

func (s *Server) uploadFile(c *gin.Context) {
	if c.Request.ContentLength < 0 {
		badRequest(c, "Content-Length is required")
		return
	}

	handle, err := s.forwarder.UploadFile(c.Request.Context(), c.GetHeader(transfer.HeaderPath), c.Request.Body, c.Request.ContentLength, c.ContentType())
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, transfer.FinalizeResponse{Handle: handle})
}

func (s *Server) mkdir(c *gin.Context) {
	var req transfer.MkdirRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid mkdir request: %s", err)
		return
	}

	handle, err := s.forwarder.Mkdir(c.Request.Context(), req.Path)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, transfer.MkdirResponse{Path: req.Path, Handle: handle})
}

func (s *Server) readBody(c *gin.Context, limit int64) ([]byte, bool) {
	body := c.Request.Body
	if limit > 0 {
		body = http.MaxBytesReader(c.Writer, body, limit)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			badRequest(c, "chunk exceeds %d bytes", maxErr.Limit)
			return nil, false
		}
		s.abortWithError(c, transfer.NewError(transfer.KindTransient, "read chunk", err))
		return nil, false
	}
	return data, true
}

func (s *Server) abortWithError(c *gin.Context, err error) {
	code := codeForError(err)
	body := transfer.ErrorBody{Error: err.Error(), Code: code}

	var terr *transfer.Error
	if errors.As(err, &terr) {
		body.UpstreamCode = terr.UpstreamCode
		body.Raw = terr.Raw
	}

	status := transfer.StatusForCode(code)
	if status >= http.StatusInternalServerError {
		s.logger.Errorf("%s %s failed: %s", c.Request.Method, c.FullPath(), err)
	} else {
		s.logger.Warnf("%s %s rejected: %s", c.Request.Method, c.FullPath(), err)
	}
	c.AbortWithStatusJSON(status, body)
}

func codeForError(err error) string {
	switch {
	case errors.Is(err, ErrIntegrity):
		return transfer.CodeIntegrity
	case errors.Is(err, remote.ErrNotFound):
		return transfer.CodeNotFound
	default:
		return transfer.CodeForError(err)
	}
}

func badRequest(c *gin.Context, format string, args ...any) {
	c.AbortWithStatusJSON(http.StatusBadRequest, transfer.ErrorBody{
		Error: fmt.Sprintf(format, args...),
		Code:  transfer.CodeBadRequest,
	})
}
