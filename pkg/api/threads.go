package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ZentaChain/zentalk-sms/pkg/storage"
)

// ThreadResponse summarizes a conversation
type ThreadResponse struct {
	ThreadID      string    `json:"thread_id"`
	DisplayName   string    `json:"display_name"`
	LastMessageID string    `json:"last_message_id"`
	Snippet       string    `json:"snippet"`
	LastAt        time.Time `json:"last_at"`
	Unread        int       `json:"unread"`
}

// ContactRequest sets a display name for a thread
type ContactRequest struct {
	DisplayName string `json:"display_name" binding:"required"`
}

// ContactResponse is the JSON form of a contact
type ContactResponse struct {
	ThreadID    string    `json:"thread_id"`
	DisplayName string    `json:"display_name"`
	AddedAt     time.Time `json:"added_at"`
}

// handleThreads handles GET /api/v1/threads
func (s *Server) handleThreads(c *gin.Context) {
	threads, err := s.db.Threads()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to list threads",
			Message: err.Error(),
		})
		return
	}

	out := make([]ThreadResponse, 0, len(threads))
	for _, t := range threads {
		out = append(out, ThreadResponse{
			ThreadID:      t.ThreadID,
			DisplayName:   t.DisplayName,
			LastMessageID: t.LastMessageID,
			Snippet:       t.Snippet,
			LastAt:        t.LastAt,
			Unread:        t.Unread,
		})
	}

	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: out})
}

// handleThreadMessages handles GET /api/v1/threads/:thread/messages
func (s *Server) handleThreadMessages(c *gin.Context) {
	msgs, err := s.db.GetThreadMessages(c.Param("thread"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to list messages",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: toMessageResponses(msgs)})
}

// handleMarkRead handles POST /api/v1/threads/:thread/read
func (s *Server) handleMarkRead(c *gin.Context) {
	count, err := s.dispatcher.MarkThreadRead(c.Param("thread"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to mark thread read",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Data:    gin.H{"marked": count},
	})
}

// handleContacts handles GET /api/v1/contacts
func (s *Server) handleContacts(c *gin.Context) {
	contacts, err := s.db.GetAllContacts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to list contacts",
			Message: err.Error(),
		})
		return
	}

	out := make([]ContactResponse, 0, len(contacts))
	for _, contact := range contacts {
		out = append(out, ContactResponse{
			ThreadID:    contact.ThreadID,
			DisplayName: contact.DisplayName,
			AddedAt:     contact.AddedAt,
		})
	}

	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: out})
}

// handleSaveContact handles PUT /api/v1/contacts/:thread
func (s *Server) handleSaveContact(c *gin.Context) {
	var req ContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request",
			Message: err.Error(),
		})
		return
	}

	contact := &storage.Contact{
		ThreadID:    c.Param("thread"),
		DisplayName: req.DisplayName,
	}
	if err := s.db.SaveContact(contact); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to save contact",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

// handleDeleteContact handles DELETE /api/v1/contacts/:thread
func (s *Server) handleDeleteContact(c *gin.Context) {
	if err := s.db.DeleteContact(c.Param("thread")); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to delete contact",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}
