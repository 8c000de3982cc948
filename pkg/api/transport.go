package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ZentaChain/zentalk-sms/pkg/transport"
)

// InboundRequest carries one raw unit received by the phone
type InboundRequest struct {
	From string `json:"from" binding:"required"`
	Text string `json:"text"`
}

// InboundResponse reports what the node did with an inbound unit
type InboundResponse struct {
	Success   bool   `json:"success"`
	Pending   bool   `json:"pending"`
	Received  int    `json:"received,omitempty"`
	Total     int    `json:"total,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Command   string `json:"command,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	Fallback  bool   `json:"fallback,omitempty"`
}

// EventRequest carries a per-unit transport report
type EventRequest struct {
	Type   string `json:"type" binding:"required"` // "sent" | "delivered"
	Handle string `json:"handle" binding:"required"`
	Error  string `json:"error,omitempty"`
}

// handleInbound handles POST /api/v1/transport/inbound
func (s *Server) handleInbound(c *gin.Context) {
	var req InboundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request",
			Message: err.Error(),
		})
		return
	}

	result, err := s.dispatcher.Ingest(req.From, req.Text)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to apply unit",
			Message: err.Error(),
		})
		return
	}

	resp := InboundResponse{
		Success:  true,
		Pending:  result.Pending,
		Received: result.Received,
		Total:    result.Total,
		Fallback: result.Fallback,
	}
	if result.Unit != nil {
		resp.MessageID = result.Unit.MessageID
		resp.Command = result.Unit.Command.String()
		resp.Outcome = result.Outcome.String()
	}

	c.JSON(http.StatusOK, resp)
}

// handleTransportEvent handles POST /api/v1/transport/events
func (s *Server) handleTransportEvent(c *gin.Context) {
	var req EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request",
			Message: err.Error(),
		})
		return
	}

	switch req.Type {
	case transport.FrameSent:
		var sendErr error
		if req.Error != "" {
			sendErr = fmt.Errorf("%w: %s", transport.ErrRejected, req.Error)
		}
		s.dispatcher.UnitSent(req.Handle, sendErr)
	case transport.FrameDelivered:
		s.dispatcher.UnitDelivered(req.Handle)
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid event type",
			Message: "Type must be sent or delivered",
		})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}
