package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"tuition/internal/attendance"
	"tuition/internal/auth"
	"tuition/internal/broadcast"
	"tuition/internal/cardreader"
	"tuition/internal/identity"
	"tuition/internal/recordstore"
)

// CollectionDevices holds registered readers, keyed by device id.
const CollectionDevices = "devices"

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Deps are the collaborators a Handler serves.
type Deps struct {
	Pipeline *attendance.Pipeline
	Service  *attendance.Service
	Store    recordstore.Store
	Signer   auth.Signer
	Hub      *broadcast.Hub
	Watcher  *broadcast.Watcher
	Location *time.Location
	Health   map[string]HealthCheck
	// Limiter, when set, runs on device routes after authentication.
	Limiter gin.HandlerFunc
	// AllowOrigin decides WebSocket upgrades; nil allows every origin.
	AllowOrigin func(*http.Request) bool
	Logger      *slog.Logger
}

type Handler struct {
	Deps
	now func() time.Time
}

func New(d Deps) *Handler {
	if d.Location == nil {
		d.Location = time.UTC
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Handler{Deps: d, now: time.Now}
}

// Routes mounts every endpoint on r.
func (h *Handler) Routes(r gin.IRouter) {
	r.GET("/healthz", h.Healthz)

	v1 := r.Group("/v1")
	v1.POST("/devices/register", h.RegisterDevice)
	v1.POST("/devices/refresh", h.RefreshDevice)
	v1.GET("/attendance/checkin", h.ListAttendance)
	v1.GET("/events", broadcast.SSEHandler(h.Hub, h.Watcher))
	v1.GET("/ws", broadcast.WebSocketHandler(h.Hub, h.Watcher, h.AllowOrigin))

	device := v1.Group("", auth.DeviceAuth(h.Signer), auth.RequireRole(auth.RoleDevice))
	if h.Limiter != nil {
		device.Use(h.Limiter)
	}
	device.POST("/attendance/checkin", h.CheckIn)
	device.POST("/attendance/scan", h.Scan)
}

// ---------- Health ----------

func (h *Handler) Healthz(c *gin.Context) {
	status := http.StatusOK
	checks := gin.H{}
	for name, check := range h.Health {
		ok := check(c.Request.Context())
		checks[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
		}
	}
	label := "ok"
	if status != http.StatusOK {
		label = "degraded"
	}
	c.JSON(status, gin.H{"status": label, "checks": checks, "clients": h.Hub.Len()})
}

// ---------- Devices ----------

type registerRequest struct {
	DeviceID   string `json:"device_id" binding:"required"`
	DeviceName string `json:"device_name" binding:"required"`
	DeviceType string `json:"device_type" binding:"required,oneof=RFID NFC KEYBOARD rfid nfc keyboard"`
	Location   string `json:"location" binding:"required"`
}

// Device is a registered reader.
type Device struct {
	ID       string           `json:"id"`
	Name     string           `json:"name" validate:"required"`
	Type     string           `json:"type" validate:"required"`
	CenterID string           `json:"centerId"`
	LastSeen recordstore.Time `json:"lastSeen"`
}

// RegisterDevice upserts the reader and issues its tokens.
func (h *Handler) RegisterDevice(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	dev := Device{
		ID:       strings.TrimSpace(req.DeviceID),
		Name:     strings.TrimSpace(req.DeviceName),
		Type:     strings.ToUpper(req.DeviceType),
		CenterID: strings.TrimSpace(req.Location),
		LastSeen: recordstore.At(h.now()),
	}
	if err := h.saveDevice(c.Request.Context(), dev); err != nil {
		h.writeError(c, err)
		return
	}

	tokens, err := h.Signer.Issue(auth.Identity{
		Subject:    dev.ID,
		Role:       auth.RoleDevice,
		DeviceName: dev.Name,
		Location:   dev.CenterID,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "token issue failed"})
		return
	}
	h.Logger.Info("device registered", "device", dev.ID, "type", dev.Type, "center", dev.CenterID)

	c.JSON(http.StatusCreated, gin.H{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
	})
}

func (h *Handler) saveDevice(ctx context.Context, dev Device) error {
	data, err := recordstore.Encode(dev)
	if err != nil {
		return err
	}
	_, err = h.Store.GetOne(ctx, CollectionDevices, dev.ID)
	switch {
	case recordstore.IsNotFound(err):
		_, err = h.Store.Create(ctx, CollectionDevices, data)
	case err == nil:
		delete(data, recordstore.FieldID)
		_, err = h.Store.Update(ctx, CollectionDevices, dev.ID, data)
	}
	return err
}

// RefreshDevice exchanges a refresh token for a new pair.
func (h *Handler) RefreshDevice(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	tokens, _, err := h.Signer.Refresh(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
	})
}

// ---------- Attendance ----------

// CheckIn records a contactless reader submission.
func (h *Handler) CheckIn(c *gin.Context) {
	var sub cardreader.Submission
	if err := c.ShouldBindJSON(&sub); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "malformed JSON body"})
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	if claims.Subject != "" && sub.DeviceID != "" && claims.Subject != sub.DeviceID {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "device mismatch"})
		return
	}
	if sub.Location == "" {
		sub.Location = claims.Location
	}

	res, err := h.Pipeline.CheckIn(c.Request.Context(), sub)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.writeResult(c, res)
}

type scanRequest struct {
	RawID      string `json:"rawId" binding:"required"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	Location   string `json:"location"`
}

// Scan records a raw id relayed by a keyboard-wedge agent.
func (h *Handler) Scan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "rawId is required"})
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	if claims.Subject != "" && req.DeviceID != "" && claims.Subject != req.DeviceID {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "device mismatch"})
		return
	}
	name := req.DeviceName
	if name == "" {
		name = claims.DeviceName
	}
	location := req.Location
	if location == "" {
		location = claims.Location
	}

	ev, err := cardreader.KeyboardEvent(req.RawID, name, location, h.now())
	if err != nil {
		h.writeError(c, err)
		return
	}
	switch {
	case req.DeviceID != "":
		ev.DeviceID = req.DeviceID
	case claims.Subject != "":
		ev.DeviceID = claims.Subject
	}

	res, err := h.Pipeline.Ingest(c.Request.Context(), ev)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.writeResult(c, res)
}

func (h *Handler) writeResult(c *gin.Context, res attendance.Result) {
	verb := "Check-in"
	if res.Record.Direction == attendance.CheckOut {
		verb = "Check-out"
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"data":     res.Record,
		"identity": res.Identity,
		"message":  fmt.Sprintf("%s recorded for %s", verb, res.Identity.DisplayName),
	})
}

// ListAttendance returns the attendance log, newest first.
func (h *Handler) ListAttendance(c *gin.Context) {
	q := attendance.Query{
		IdentityID: c.Query("studentId"),
		DeviceType: strings.ToUpper(c.Query("deviceType")),
		CenterID:   c.Query("centerId"),
	}
	var err error
	if q.Start, err = h.parseDate(c.Query("startDate"), false); err != nil {
		h.writeError(c, &cardreader.ValidationError{Field: "startDate", Reason: err.Error()})
		return
	}
	if q.End, err = h.parseDate(c.Query("endDate"), true); err != nil {
		h.writeError(c, &cardreader.ValidationError{Field: "endDate", Reason: err.Error()})
		return
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			h.writeError(c, &cardreader.ValidationError{Field: "limit", Reason: "must be a positive integer"})
			return
		}
		q.Limit = limit
	}

	records, err := h.Service.List(c.Request.Context(), q)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if records == nil {
		records = []attendance.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": records, "count": len(records)})
}

// parseDate accepts RFC 3339 or a bare date in the center's timezone. A
// bare end date covers that whole day.
func (h *Handler) parseDate(v string, end bool) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.ParseInLocation(time.DateOnly, v, h.Location)
	if err != nil {
		return time.Time{}, errors.New("must be YYYY-MM-DD or RFC 3339")
	}
	if end {
		d = d.AddDate(0, 0, 1).Add(-time.Millisecond)
	}
	return d, nil
}

// writeError maps pipeline errors to status codes.
func (h *Handler) writeError(c *gin.Context, err error) {
	var (
		invalid   *cardreader.ValidationError
		unknown   *identity.UnknownCardError
		inactive  *identity.InactiveCardError
		ambiguous *identity.AmbiguousCardError
		duplicate *attendance.DuplicateScanError
	)
	switch {
	case errors.As(err, &invalid):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": invalid.Error(), "field": invalid.Field})
	case errors.As(err, &unknown):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": unknown.Error(), "cardNumber": unknown.CardNumber})
	case errors.As(err, &inactive):
		c.JSON(http.StatusForbidden, gin.H{
			"success":     false,
			"error":       inactive.Error(),
			"studentId":   inactive.Identity.ID,
			"studentName": inactive.Identity.DisplayName,
			"cardStatus":  inactive.Identity.CardStatus,
		})
	case errors.As(err, &ambiguous):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": ambiguous.Error(), "cardNumber": ambiguous.CardNumber})
	case errors.As(err, &duplicate):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": duplicate.Error(), "lastRecordId": duplicate.Last.ID})
	case errors.Is(err, attendance.ErrDayClosed):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": err.Error()})
	default:
		h.Logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "record store unavailable"})
	}
}
