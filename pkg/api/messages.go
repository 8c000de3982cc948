package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ZentaChain/zentalk-sms/pkg/dispatch"
	"github.com/ZentaChain/zentalk-sms/pkg/protocol"
	"github.com/ZentaChain/zentalk-sms/pkg/storage"
)

// SendMessageRequest represents a send request. Command defaults to send
// and accepts both compact and verbose codes.
type SendMessageRequest struct {
	ThreadID   string `json:"thread_id" binding:"required"`
	Command    string `json:"command"`
	RefID      string `json:"ref_id,omitempty"`
	Kind       string `json:"kind,omitempty"` // "text" | "voice"
	Content    string `json:"content"`
	PayloadRef string `json:"payload_ref,omitempty"`
	Plain      bool   `json:"plain,omitempty"`
}

// SendMessageResponse represents the outcome of a send
type SendMessageResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id"`
	Units     int    `json:"units"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// EditMessageRequest replaces the content of a message
type EditMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// MessageResponse is the JSON form of a stored message
type MessageResponse struct {
	ID                string    `json:"id"`
	ThreadID          string    `json:"thread_id"`
	Content           string    `json:"content"`
	Outgoing          bool      `json:"outgoing"`
	ReplyTo           string    `json:"reply_to,omitempty"`
	Status            string    `json:"status"`
	Kind              string    `json:"kind"`
	PayloadRef        string    `json:"payload_ref,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	HasProtocolHeader bool      `json:"has_protocol_header"`
}

func toMessageResponse(msg *storage.Message) MessageResponse {
	return MessageResponse{
		ID:                msg.ID,
		ThreadID:          msg.ThreadID,
		Content:           msg.Content,
		Outgoing:          msg.Outgoing,
		ReplyTo:           msg.ReplyTo,
		Status:            string(msg.Status),
		Kind:              msg.PayloadKind.String(),
		PayloadRef:        msg.PayloadRef,
		CreatedAt:         msg.CreatedAt,
		HasProtocolHeader: msg.HasProtocolHeader,
	}
}

func toMessageResponses(msgs []*storage.Message) []MessageResponse {
	out := make([]MessageResponse, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, toMessageResponse(msg))
	}
	return out
}

// handleSend handles POST /api/v1/messages
func (s *Server) handleSend(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request",
			Message: err.Error(),
		})
		return
	}

	cmd := protocol.CommandSend
	if req.Command != "" {
		parsed, err := protocol.ParseCommand(req.Command)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "Invalid command",
				Message: err.Error(),
			})
			return
		}
		cmd = parsed
	}

	s.send(c, dispatch.SendRequest{
		ThreadID:   req.ThreadID,
		Command:    cmd,
		RefID:      req.RefID,
		Kind:       protocol.ParsePayloadKind(req.Kind),
		Content:    req.Content,
		PayloadRef: req.PayloadRef,
		Plain:      req.Plain,
	})
}

// handleEditMessage handles PUT /api/v1/messages/:id
func (s *Server) handleEditMessage(c *gin.Context) {
	var req EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request",
			Message: err.Error(),
		})
		return
	}

	msg, ok := s.lookupMessage(c)
	if !ok {
		return
	}

	s.send(c, dispatch.SendRequest{
		ThreadID: msg.ThreadID,
		Command:  protocol.CommandEdit,
		RefID:    msg.ID,
		Content:  req.Content,
	})
}

// handleDeleteMessage handles DELETE /api/v1/messages/:id
func (s *Server) handleDeleteMessage(c *gin.Context) {
	msg, ok := s.lookupMessage(c)
	if !ok {
		return
	}

	s.send(c, dispatch.SendRequest{
		ThreadID: msg.ThreadID,
		Command:  protocol.CommandDelete,
		RefID:    msg.ID,
	})
}

func (s *Server) send(c *gin.Context, req dispatch.SendRequest) {
	result, err := s.dispatcher.Send(c.Request.Context(), req)
	if err == nil {
		c.JSON(http.StatusOK, SendMessageResponse{
			Success:   true,
			MessageID: result.MessageID,
			Units:     result.Units,
			Status:    string(result.Status),
		})
		return
	}

	switch {
	case errors.Is(err, dispatch.ErrInvalidRequest),
		errors.Is(err, protocol.ErrEncoding),
		errors.Is(err, protocol.ErrBudgetTooSmall):
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid message",
			Message: err.Error(),
		})
	case result != nil:
		// Stored and failed: the transport refused or the request went away
		status := http.StatusBadGateway
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, SendMessageResponse{
			Success:   false,
			MessageID: result.MessageID,
			Units:     result.Units,
			Status:    string(result.Status),
			Error:     err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Send failed",
			Message: err.Error(),
		})
	}
}

// lookupMessage loads the message named by the :id parameter or writes the
// error response
func (s *Server) lookupMessage(c *gin.Context) (*storage.Message, bool) {
	id := c.Param("id")

	msg, err := s.db.GetMessage(id)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Message not found",
			Message: "No message with id " + id,
		})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Lookup failed",
			Message: err.Error(),
		})
		return nil, false
	}

	return msg, true
}

// handleGetMessage handles GET /api/v1/messages/:id
func (s *Server) handleGetMessage(c *gin.Context) {
	msg, ok := s.lookupMessage(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Data:    toMessageResponse(msg),
	})
}

// handleSearch handles GET /api/v1/messages/search?q=...&limit=...
func (s *Server) handleSearch(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Missing query",
			Message: "Provide the search text as ?q=",
		})
		return
	}

	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "Invalid limit",
				Message: "Limit must be a positive number",
			})
			return
		}
		limit = n
	}

	msgs, err := s.db.SearchMessages(query, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Search failed",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Data:    toMessageResponses(msgs),
	})
}
