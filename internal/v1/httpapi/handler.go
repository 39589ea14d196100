// Package httpapi is the HTTP form of the conference-request exchange.
// It carries the same semantics as the stanza form; web clients that
// have no XMPP connection yet use it to warm up the conference.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/colloq/focus/internal/v1/focus"
	"github.com/colloq/focus/internal/v1/types"
	"github.com/colloq/focus/internal/v1/xmpp"
)

// ConferenceRequest is the JSON request body.
type ConferenceRequest struct {
	Room       string            `json:"room" binding:"required"`
	SessionID  string            `json:"sessionId,omitempty"`
	MachineUID string            `json:"machineUid,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// ConferenceResponse is the JSON answer.
type ConferenceResponse struct {
	Ready      bool              `json:"ready"`
	FocusJID   string            `json:"focusJid,omitempty"`
	VNode      string            `json:"vnode,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	SessionID  string            `json:"sessionId,omitempty"`
}

// Handler serves POST /conference-request/v1.
type Handler struct {
	svc *focus.Service
}

// NewHandler builds the HTTP admission surface.
func NewHandler(svc *focus.Service) *Handler {
	return &Handler{svc: svc}
}

// Register mounts the route, optionally behind extra middleware such
// as a rate limiter.
func (h *Handler) Register(r gin.IRouter, middleware ...gin.HandlerFunc) {
	handlers := append(middleware, h.ConferenceRequest)
	r.POST("/conference-request/v1", handlers...)
}

// ConferenceRequest handles one admission call.
func (h *Handler) ConferenceRequest(c *gin.Context) {
	var body ConferenceRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request"})
		return
	}

	req := &xmpp.ConferenceRequest{
		Room:       body.Room,
		SessionID:  body.SessionID,
		MachineUID: body.MachineUID,
	}
	for k, v := range body.Properties {
		req.SetProperty(k, v)
	}

	resp, err := h.svc.HandleConferenceRequest(c.Request.Context(), "", req)
	if err != nil {
		status, payload := errorAnswer(err)
		c.JSON(status, payload)
		return
	}

	out := ConferenceResponse{
		Ready:     resp.Ready,
		FocusJID:  resp.FocusJID,
		VNode:     resp.VNode,
		SessionID: resp.SessionID,
	}
	if len(resp.Properties) > 0 {
		out.Properties = resp.PropertyMap()
	}
	c.JSON(http.StatusOK, out)
}

// errorAnswer maps stanza error kinds onto HTTP statuses.
func errorAnswer(err error) (int, gin.H) {
	se, ok := err.(*types.StanzaError)
	if !ok {
		return http.StatusInternalServerError, gin.H{"error": err.Error()}
	}
	payload := gin.H{"error": se.Text}
	if se.Extension != "" {
		payload["type"] = se.Extension
	}
	if se.Code != 0 {
		payload["code"] = se.Code
	}
	switch se.Kind {
	case types.KindNotAuthorized:
		return http.StatusUnauthorized, payload
	case types.KindForbidden, types.KindNotAcceptable:
		return http.StatusForbidden, payload
	case types.KindBadRequest:
		return http.StatusBadRequest, payload
	case types.KindItemNotFound:
		return http.StatusNotFound, payload
	case types.KindConflict:
		return http.StatusConflict, payload
	case types.KindResourceConstraint:
		return http.StatusTooManyRequests, payload
	case types.KindServiceUnavailable, types.KindTimeout:
		return http.StatusServiceUnavailable, payload
	default:
		return http.StatusInternalServerError, payload
	}
}
