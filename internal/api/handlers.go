package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/t77yq/alert-dispatch/internal/model"
	"github.com/t77yq/alert-dispatch/internal/monitor"
	"github.com/t77yq/alert-dispatch/internal/storage"
)

const redacted = "********"

// config keys whose values are never returned
var secretConfigKeys = []string{"password", "secret", "routing_key", "token"}

type fireAlertRequest struct {
	AlertType          string `json:"alert_type" binding:"required"`
	Severity           string `json:"severity" binding:"required"`
	Message            string `json:"message" binding:"required"`
	InstanceName       string `json:"instance_name"`
	EscalationPolicyID *int64 `json:"escalation_policy_id"`
}

type acknowledgeRequest struct {
	AcknowledgedBy string `json:"acknowledged_by"`
	Note           string `json:"note"`
}

type resolveRequest struct {
	SendResolution *bool `json:"send_resolution"`
}

type retryRequest struct {
	Limit int `json:"limit"`
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, fmt.Errorf("invalid id %q", c.Param("id")))
		return 0, false
	}
	return id, true
}

// bindOptional decodes a JSON body when one was sent
func bindOptional(c *gin.Context, dst interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		badRequest(c, err)
		return false
	}
	return true
}

func redactChannel(ch *model.NotificationChannel) *model.NotificationChannel {
	if len(ch.Config) == 0 {
		return ch
	}
	out := *ch
	out.Config = make(map[string]string, len(ch.Config))
	for k, v := range ch.Config {
		out.Config[k] = v
		lower := strings.ToLower(k)
		for _, secret := range secretConfigKeys {
			if strings.Contains(lower, secret) && v != "" {
				out.Config[k] = redacted
				break
			}
		}
	}
	return &out
}

// restoreRedacted puts stored values back for keys a client echoed as the mask
func restoreRedacted(incoming, stored map[string]string) {
	for k, v := range incoming {
		if v != redacted {
			continue
		}
		if prev, ok := stored[k]; ok {
			incoming[k] = prev
		}
	}
}

// POST /api/v1/alerts
func (s *Server) fireAlert(c *gin.Context) {
	var req fireAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	severity, err := model.ParseSeverity(req.Severity)
	if err != nil {
		badRequest(c, err)
		return
	}

	result, err := s.manager.FireAlert(c.Request.Context(), monitor.FireRequest{
		AlertType:          req.AlertType,
		Severity:           severity,
		Message:            req.Message,
		InstanceName:       req.InstanceName,
		EscalationPolicyID: req.EscalationPolicyID,
	})
	if err != nil {
		s.fail(c, err)
		return
	}

	code := http.StatusCreated
	if result.Duplicate {
		code = http.StatusOK
	}
	c.JSON(code, result)
}

// GET /api/v1/alerts
func (s *Server) listAlerts(c *gin.Context) {
	alerts, err := s.manager.ListActiveAlerts(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if alerts == nil {
		alerts = []*model.Alert{}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

// GET /api/v1/alerts/stats
func (s *Server) alertStats(c *gin.Context) {
	stats, err := s.manager.GetAlertStats(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GET /api/v1/alerts/:id
func (s *Server) getAlert(c *gin.Context) {
	alert, err := s.manager.GetAlert(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

// GET /api/v1/alerts/:id/acknowledgements
func (s *Server) listAcknowledgements(c *gin.Context) {
	acks, err := s.manager.ListAcknowledgements(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if acks == nil {
		acks = []*model.AlertAcknowledgement{}
	}
	c.JSON(http.StatusOK, gin.H{"acknowledgements": acks})
}

// POST /api/v1/alerts/:id/acknowledge
func (s *Server) acknowledgeAlert(c *gin.Context) {
	var req acknowledgeRequest
	if !bindOptional(c, &req) {
		return
	}
	alert, err := s.manager.AcknowledgeAlert(c.Request.Context(), c.Param("id"), req.AcknowledgedBy, req.Note)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

// POST /api/v1/alerts/:id/resolve
func (s *Server) resolveAlert(c *gin.Context) {
	var req resolveRequest
	if !bindOptional(c, &req) {
		return
	}
	send := true
	if req.SendResolution != nil {
		send = *req.SendResolution
	}

	alert, results, err := s.manager.ResolveAlert(c.Request.Context(), c.Param("id"), send)
	if err != nil && alert == nil {
		s.fail(c, err)
		return
	}
	if results == nil {
		results = []*model.NotificationResult{}
	}
	body := gin.H{"alert": alert, "notifications": results}
	if err != nil {
		// resolved, but the notices could not be sent
		body["error"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

// GET /api/v1/silences?active=true
func (s *Server) listSilences(c *gin.Context) {
	silences, err := s.manager.ListSilences(c.Request.Context(), c.Query("active") == "true")
	if err != nil {
		s.fail(c, err)
		return
	}
	if silences == nil {
		silences = []*model.AlertSilence{}
	}
	c.JSON(http.StatusOK, gin.H{"silences": silences})
}

// POST /api/v1/silences
func (s *Server) createSilence(c *gin.Context) {
	var silence model.AlertSilence
	if err := c.ShouldBindJSON(&silence); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.manager.CreateSilence(c.Request.Context(), &silence); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, silence)
}

// DELETE /api/v1/silences/:id
func (s *Server) expireSilence(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := s.manager.ExpireSilence(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /api/v1/maintenance-windows?active=true
func (s *Server) listWindows(c *gin.Context) {
	windows, err := s.manager.ListWindows(c.Request.Context(), c.Query("active") == "true")
	if err != nil {
		s.fail(c, err)
		return
	}
	if windows == nil {
		windows = []*model.MaintenanceWindow{}
	}
	c.JSON(http.StatusOK, gin.H{"maintenance_windows": windows})
}

// POST /api/v1/maintenance-windows
func (s *Server) createWindow(c *gin.Context) {
	var w model.MaintenanceWindow
	if err := c.ShouldBindJSON(&w); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.manager.CreateWindow(c.Request.Context(), &w); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

// GET /api/v1/maintenance-windows/:id
func (s *Server) getWindow(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	w, err := s.manager.GetWindow(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

// PUT /api/v1/maintenance-windows/:id
func (s *Server) updateWindow(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var w model.MaintenanceWindow
	if err := c.ShouldBindJSON(&w); err != nil {
		badRequest(c, err)
		return
	}
	w.ID = id
	if err := s.manager.UpdateWindow(c.Request.Context(), &w); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

// DELETE /api/v1/maintenance-windows/:id
func (s *Server) deleteWindow(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := s.manager.DeleteWindow(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /api/v1/channels
func (s *Server) listChannels(c *gin.Context) {
	channels, err := s.manager.ListChannels(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]*model.NotificationChannel, 0, len(channels))
	for _, ch := range channels {
		out = append(out, redactChannel(ch))
	}
	c.JSON(http.StatusOK, gin.H{"channels": out})
}

// POST /api/v1/channels
func (s *Server) createChannel(c *gin.Context) {
	ch := model.NotificationChannel{Enabled: true}
	if err := c.ShouldBindJSON(&ch); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.manager.CreateChannel(c.Request.Context(), &ch); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, redactChannel(&ch))
}

// GET /api/v1/channels/:id
func (s *Server) getChannel(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	ch, err := s.manager.GetChannel(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, redactChannel(ch))
}

// PUT /api/v1/channels/:id
func (s *Server) updateChannel(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	ch := model.NotificationChannel{Enabled: true}
	if err := c.ShouldBindJSON(&ch); err != nil {
		badRequest(c, err)
		return
	}
	ch.ID = id
	stored, err := s.manager.GetChannel(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	restoreRedacted(ch.Config, stored.Config)
	if err := s.manager.UpdateChannel(c.Request.Context(), &ch); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, redactChannel(&ch))
}

// DELETE /api/v1/channels/:id
func (s *Server) deleteChannel(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := s.manager.DeleteChannel(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// POST /api/v1/channels/:id/test
func (s *Server) testChannel(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	result, err := s.manager.TestChannel(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GET /api/v1/escalation-policies
func (s *Server) listPolicies(c *gin.Context) {
	policies, err := s.manager.ListPolicies(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if policies == nil {
		policies = []*model.EscalationPolicy{}
	}
	c.JSON(http.StatusOK, gin.H{"escalation_policies": policies})
}

// POST /api/v1/escalation-policies
func (s *Server) createPolicy(c *gin.Context) {
	var policy model.EscalationPolicy
	if err := c.ShouldBindJSON(&policy); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.manager.CreatePolicy(c.Request.Context(), &policy); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, policy)
}

// GET /api/v1/escalation-policies/:id
func (s *Server) getPolicy(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	policy, err := s.manager.GetPolicy(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, policy)
}

// DELETE /api/v1/escalation-policies/:id
func (s *Server) deletePolicy(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := s.manager.DeletePolicy(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /api/v1/notifications?channel_id=&alert_id=&success=&since=&limit=&offset=
func (s *Server) listNotifications(c *gin.Context) {
	var filter storage.HistoryFilter
	if v := c.Query("channel_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			badRequest(c, fmt.Errorf("invalid channel_id %q", v))
			return
		}
		filter.ChannelID = id
	}
	filter.AlertID = c.Query("alert_id")
	if v := c.Query("success"); v != "" {
		success, err := strconv.ParseBool(v)
		if err != nil {
			badRequest(c, fmt.Errorf("invalid success %q", v))
			return
		}
		filter.SuccessOnly = &success
	}
	if v := c.Query("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(c, fmt.Errorf("invalid since %q: want RFC3339", v))
			return
		}
		filter.Since = since
	}
	var err error
	if filter.Limit, err = queryInt(c, "limit"); err != nil {
		badRequest(c, err)
		return
	}
	if filter.Offset, err = queryInt(c, "offset"); err != nil {
		badRequest(c, err)
		return
	}

	history, err := s.manager.ListHistory(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, err)
		return
	}
	if history == nil {
		history = []*model.NotificationResult{}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": history})
}

// POST /api/v1/notifications/retry
func (s *Server) retryNotifications(c *gin.Context) {
	var req retryRequest
	if !bindOptional(c, &req) {
		return
	}
	results, err := s.manager.RetryFailed(c.Request.Context(), req.Limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if results == nil {
		results = []*model.NotificationResult{}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": results})
}

func queryInt(c *gin.Context, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, v)
	}
	return n, nil
}
