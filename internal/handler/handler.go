// Package handler exposes the attendance flow over HTTP with gin.
package handler

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/clock"
)

// Enroller stores face templates. biometric.Service satisfies it.
type Enroller interface {
	Enroll(ctx context.Context, attendeeID string, image []byte) error
}

// Config carries what the routes need besides the services.
type Config struct {
	SigningKey string
	Issuer     string
	AccessTTL  time.Duration
	// DevTokens enables POST /v1/dev/token, which mints bearer tokens for
	// any subject. Never on in production.
	DevTokens bool
	// MaxImageBytes caps decoded face images.
	MaxImageBytes int64
	Clock         clock.Clock
}

// Handler serves the /v1 API.
type Handler struct {
	svc      *attendance.Service
	enroller Enroller
	cfg      Config
	logger   *slog.Logger
}

// New creates a handler.
func New(svc *attendance.Service, enroller Enroller, cfg Config, logger *slog.Logger) *Handler {
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = 5 << 20
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, enroller: enroller, cfg: cfg, logger: logger}
}

// Register mounts the routes on r.
func (h *Handler) Register(r gin.IRouter) {
	presenter := r.Group("/v1", auth.Require(h.cfg.SigningKey, h.cfg.Issuer, auth.RolePresenter))
	presenter.POST("/sessions", h.startSession)
	presenter.GET("/sessions/:id/token", h.currentToken)
	presenter.POST("/sessions/:id/stop", h.stopSession)
	presenter.GET("/sessions/:id/report", h.report)

	attendee := r.Group("/v1", auth.Require(h.cfg.SigningKey, h.cfg.Issuer, auth.RoleAttendee))
	attendee.POST("/scans", h.scan)
	attendee.POST("/records/:id/verify", h.verify)
	attendee.POST("/me/face", h.enroll)

	if h.cfg.DevTokens {
		r.POST("/v1/dev/token", h.devToken)
	}
}

type startRequest struct {
	CohortID             string     `json:"cohort_id" binding:"required"`
	TokenValiditySeconds int        `json:"token_validity_seconds"`
	ClosesAt             *time.Time `json:"closes_at"`
}

type sessionResponse struct {
	Session attendance.Session `json:"session"`
	Token   *tokenResponse     `json:"token,omitempty"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	SessionID string    `json:"session_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	// RefreshInMs tells the display when to poll again.
	RefreshInMs int64 `json:"refresh_in_ms"`
}

func (h *Handler) newTokenResponse(t attendance.Token) *tokenResponse {
	refresh := t.ExpiresAt.Sub(h.cfg.Clock.Now()).Milliseconds()
	if refresh < 0 {
		refresh = 0
	}
	return &tokenResponse{
		Token:       t.Value,
		SessionID:   t.SessionID,
		IssuedAt:    t.IssuedAt,
		ExpiresAt:   t.ExpiresAt,
		RefreshInMs: refresh,
	}
}

func (h *Handler) startSession(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	claims, _ := auth.ClaimsFrom(c)

	sess, tok, err := h.svc.Lifecycle.Start(c.Request.Context(), attendance.StartRequest{
		CohortID:      req.CohortID,
		PresenterID:   claims.Subject,
		TokenValidity: time.Duration(req.TokenValiditySeconds) * time.Second,
		ClosesAt:      req.ClosesAt,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse{Session: sess, Token: h.newTokenResponse(tok)})
}

func (h *Handler) currentToken(c *gin.Context) {
	claims, _ := auth.ClaimsFrom(c)
	tok, err := h.svc.Lifecycle.CurrentToken(c.Request.Context(), c.Param("id"), claims.Subject)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, h.newTokenResponse(tok))
}

func (h *Handler) stopSession(c *gin.Context) {
	claims, _ := auth.ClaimsFrom(c)
	sess, err := h.svc.Lifecycle.Stop(c.Request.Context(), c.Param("id"), claims.Subject)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse{Session: sess})
}

func (h *Handler) report(c *gin.Context) {
	claims, _ := auth.ClaimsFrom(c)
	sessionID := c.Param("id")
	rows, err := h.svc.Reporter.Report(c.Request.Context(), sessionID, claims.Subject)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if c.Query("format") != "csv" {
		c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "rows": rows})
		return
	}

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="attendance-%s.csv"`, sessionID))
	c.Status(http.StatusOK)
	w := csv.NewWriter(c.Writer)
	_ = w.Write([]string{"Roll", "Name", "Status", "Date", "Time", "Score"})
	for _, r := range rows {
		score := ""
		if r.Score != nil {
			score = strconv.FormatFloat(*r.Score, 'f', 4, 64)
		}
		_ = w.Write([]string{r.Roll, r.Name, string(r.Status), r.Date, r.Time, score})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		h.logger.Error("write csv report", "session_id", sessionID, "err", err)
	}
}

type scanRequest struct {
	Token     string `json:"token" binding:"required"`
	SessionID string `json:"session_id" binding:"required"`
}

func (h *Handler) scan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	claims, _ := auth.ClaimsFrom(c)

	rec, err := h.svc.Scanner.Scan(c.Request.Context(), attendance.ScanRequest{
		Token:      req.Token,
		SessionID:  req.SessionID,
		AttendeeID: claims.Subject,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"record": rec})
}

func (h *Handler) verify(c *gin.Context) {
	image, err := h.readImage(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	claims, _ := auth.ClaimsFrom(c)

	res, err := h.svc.Verifier.Verify(c.Request.Context(), attendance.VerifyRequest{
		RecordID:   c.Param("id"),
		AttendeeID: claims.Subject,
		Image:      image,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) enroll(c *gin.Context) {
	if h.enroller == nil {
		c.JSON(http.StatusNotImplemented, errorBody("not_implemented", "face enrollment is not configured", false))
		return
	}
	image, err := h.readImage(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	claims, _ := auth.ClaimsFrom(c)

	if err := h.enroller.Enroll(c.Request.Context(), claims.Subject, image); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attendee_id": claims.Subject, "enrolled": true})
}

type devTokenRequest struct {
	Subject string `json:"subject" binding:"required"`
	Role    string `json:"role" binding:"required"`
}

func (h *Handler) devToken(c *gin.Context) {
	var req devTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if !auth.ValidRole(req.Role) {
		c.JSON(http.StatusBadRequest, errorBody("invalid_request", "role must be presenter or attendee", false))
		return
	}
	pair, err := auth.Issue(req.Subject, req.Role, h.cfg.Issuer, h.cfg.SigningKey, h.cfg.AccessTTL, 24*time.Hour)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"access_token": pair.AccessToken,
		"expires_at":   pair.AccessExp.Unix(),
	})
}
