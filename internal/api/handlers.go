package api

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	qrcode "github.com/skip2/go-qrcode"

	"linkgate/internal/bus"
	"linkgate/internal/domain"
	"linkgate/internal/session"
)

const (
	tokenHeader     = "X-Session-Token"
	maxBulkMessages = 1000
	qrImageSize     = 256
)

type sessionSummary struct {
	TenantID          string        `json:"tenant_id"`
	Status            domain.Status `json:"status"`
	Ready             bool          `json:"ready"`
	Persistent        bool          `json:"persistent"`
	QueueLength       int           `json:"queue_length"`
	ReconnectAttempts int           `json:"reconnect_attempts"`
}

func (s *Server) health(c *gin.Context) {
	infos := s.svc.Sessions()
	sessions := make([]sessionSummary, 0, len(infos))
	ready := 0
	for _, info := range infos {
		if info.Ready {
			ready++
		}
		sessions = append(sessions, sessionSummary{
			TenantID:          info.TenantID,
			Status:            info.Status,
			Ready:             info.Ready,
			Persistent:        info.Persistent,
			QueueLength:       info.QueueLength,
			ReconnectAttempts: info.ReconnectAttempts,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime_seconds": int64(s.svc.Uptime().Seconds()),
		"persist_links":  s.svc.PersistLinks(),
		"session_count":  len(sessions),
		"ready_count":    ready,
		"sessions":       sessions,
	})
}

// resolve looks up the session named by the :token path parameter and
// writes a 404 when it cannot.
func (s *Server) resolve(c *gin.Context) (*session.Session, bool) {
	return s.resolveToken(c, c.Param("token"))
}

func (s *Server) resolveToken(c *gin.Context, token string) (*session.Session, bool) {
	sess, err := s.svc.Resolve(token)
	if err != nil {
		s.fail(c, err, nil)
		return nil, false
	}
	return sess, true
}

func (s *Server) status(c *gin.Context) {
	sess, ok := s.resolve(c)
	if !ok {
		return
	}
	info := s.svc.Status(sess)
	c.JSON(http.StatusOK, gin.H{
		"success":            true,
		"status":             info.Status,
		"ready":              info.Ready,
		"persistent":         info.Persistent,
		"qr_available":       info.QRAvailable,
		"queue_length":       info.QueueLength,
		"reconnect_attempts": info.ReconnectAttempts,
		"last_linked":        info.LastLinked,
		"last_error":         info.LastError,
		"recent_events":      recentEvents(s.svc.RecentEvents(sess)),
	})
}

type eventView struct {
	Type    string         `json:"type"`
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload,omitempty"`
}

func recentEvents(events []bus.Event) []eventView {
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		out = append(out, eventView{Type: e.Type, At: e.Timestamp, Payload: e.Payload})
	}
	return out
}

func (s *Server) qr(c *gin.Context) {
	sess, ok := s.resolve(c)
	if !ok {
		return
	}
	res, err := s.svc.RequestQR(c.Request.Context(), sess)
	if err != nil {
		s.fail(c, err, sess)
		return
	}

	switch {
	case res.QR != "":
		body := gin.H{"success": true, "status": res.Status, "qr": res.QR}
		if img, err := qrDataURL(res.QR); err != nil {
			s.logger.Warn("qr image render failed", "tenant", sess.TenantID(), "err", err)
		} else {
			body["qr_image"] = img
		}
		c.JSON(http.StatusOK, body)
	case res.Status == domain.StatusReady:
		c.JSON(http.StatusOK, gin.H{"success": true, "status": res.Status, "reason": res.Reason})
	default:
		c.JSON(http.StatusAccepted, gin.H{"success": false, "status": res.Status, "reason": res.Reason})
	}
}

func qrDataURL(payload string) (string, error) {
	png, err := qrcode.Encode(payload, qrcode.Medium, qrImageSize)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

func (s *Server) reset(c *gin.Context) {
	sess, ok := s.resolve(c)
	if !ok {
		return
	}
	s.svc.Reset(sess)
	c.JSON(http.StatusOK, gin.H{"success": true, "status": sess.Status(), "message": "session reset, reinitializing"})
}

func (s *Server) disconnect(c *gin.Context) {
	sess, ok := s.resolve(c)
	if !ok {
		return
	}
	s.svc.Disconnect(c.Request.Context(), sess)
	c.JSON(http.StatusOK, gin.H{"success": true, "status": sess.Status(), "message": "device unlinked"})
}

type bulkRequest struct {
	Messages []bulkMessage `json:"messages"`
}

type bulkMessage struct {
	Number  string `json:"number"`
	Message string `json:"message"`
}

type itemResult struct {
	Index  int    `json:"index"`
	Number string `json:"number"`
	Status string `json:"status"`
	ID     string `json:"id,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) sendBulk(c *gin.Context) {
	token, ok := s.headerToken(c)
	if !ok {
		return
	}
	var req bulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid JSON body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		s.badRequest(c, "messages must not be empty")
		return
	}
	if len(req.Messages) > maxBulkMessages {
		s.badRequest(c, fmt.Sprintf("at most %d messages per request", maxBulkMessages))
		return
	}

	results := make([]itemResult, len(req.Messages))
	var valid []domain.QueuedMessage
	var slots []int
	for i, m := range req.Messages {
		results[i] = itemResult{Index: i, Number: m.Number}
		switch {
		case !s.opts.Phone.Valid(m.Number):
			results[i].Status, results[i].Error = "error", "invalid phone number"
		case strings.TrimSpace(m.Message) == "":
			results[i].Status, results[i].Error = "error", "message is empty"
		default:
			valid = append(valid, domain.QueuedMessage{Destination: m.Number, Body: m.Message, Kind: domain.KindPlain})
			slots = append(slots, i)
		}
	}
	if len(valid) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "no valid messages", "results": results})
		return
	}

	sess, ok := s.resolveToken(c, token)
	if !ok {
		return
	}
	ids, err := s.svc.Enqueue(sess, valid)
	if err != nil {
		s.fail(c, err, sess)
		return
	}
	for k, i := range slots {
		results[i].Status, results[i].ID = "queued", ids[k]
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"queued":       len(ids),
		"failed":       len(results) - len(ids),
		"results":      results,
		"queue_length": sess.Info().QueueLength,
	})
}

func (s *Server) sendEvent(c *gin.Context) {
	token, ok := s.headerToken(c)
	if !ok {
		return
	}
	var p EventPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		s.badRequest(c, "invalid JSON body: "+err.Error())
		return
	}
	if err := p.validate(); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	s.enqueueComposed(c, token, ComposeEventMessages(p))
}

func (s *Server) sendTask(c *gin.Context) {
	token, ok := s.headerToken(c)
	if !ok {
		return
	}
	var p TaskPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		s.badRequest(c, "invalid JSON body: "+err.Error())
		return
	}
	if err := p.validate(); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	s.enqueueComposed(c, token, ComposeTaskMessages(p))
}

func (s *Server) enqueueComposed(c *gin.Context, token string, msgs []domain.QueuedMessage) {
	for i, m := range msgs {
		if !s.opts.Phone.Valid(m.Destination) {
			s.badRequest(c, fmt.Sprintf("invalid phone number %q for staff %q", msgs[i].Destination, msgs[i].StaffID))
			return
		}
	}
	sess, ok := s.resolveToken(c, token)
	if !ok {
		return
	}
	ids, err := s.svc.Enqueue(sess, msgs)
	if err != nil {
		s.fail(c, err, sess)
		return
	}
	queued := make([]gin.H, len(msgs))
	for i, m := range msgs {
		queued[i] = gin.H{"id": ids[i], "number": m.Destination, "staff_id": m.StaffID, "day_number": m.DayNumber}
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"queued":       len(ids),
		"messages":     queued,
		"queue_length": sess.Info().QueueLength,
	})
}

func (s *Server) queue(c *gin.Context) {
	sess, ok := s.resolve(c)
	if !ok {
		return
	}
	msgs := s.svc.Queue(sess)
	info := sess.Info()
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"status":       info.Status,
		"processing":   info.Processing,
		"queue_length": len(msgs),
		"messages":     msgs,
	})
}

func (s *Server) clearQueue(c *gin.Context) {
	sess, ok := s.resolve(c)
	if !ok {
		return
	}
	removed := s.svc.ClearQueue(sess)
	s.logger.Info("queue cleared", "tenant", sess.TenantID(), "removed", removed)
	c.JSON(http.StatusOK, gin.H{"success": true, "removed": removed})
}

func (s *Server) headerToken(c *gin.Context) (string, bool) {
	token := strings.TrimSpace(c.GetHeader(tokenHeader))
	if token == "" {
		s.badRequest(c, tokenHeader+" header is required")
		return "", false
	}
	return token, true
}

func (s *Server) badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": msg})
}

// fail maps service errors onto HTTP responses.
func (s *Server) fail(c *gin.Context, err error, sess *session.Session) {
	body := gin.H{"success": false, "error": err.Error()}
	if sess != nil {
		body["status"] = sess.Status()
	}
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, body)
	case errors.Is(err, session.ErrNotReady):
		c.JSON(http.StatusConflict, body)
	case errors.Is(err, session.ErrAuthFailed), errors.Is(err, session.ErrAttemptsExhausted):
		body["reason"] = err.Error()
		c.JSON(http.StatusConflict, body)
	default:
		s.logger.Error("request failed", "route", c.FullPath(), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
	}
}
