package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/jmandel/banterop-sub006/store"
)

// CreateConversationRequest is the POST /conversations body.
type CreateConversationRequest struct {
	Metadata store.ConversationMetadata `json:"metadata"`
}

// ConversationResponse is the REST rendering of a conversation row.
type ConversationResponse struct {
	Conversation  int64                      `json:"conversation"`
	UID           string                     `json:"uid"`
	Status        store.ConversationStatus   `json:"status"`
	Metadata      store.ConversationMetadata `json:"metadata"`
	LastClosedSeq int64                      `json:"lastClosedSeq"`
	CreatedTs     int64                      `json:"createdTs"`
	UpdatedTs     int64                      `json:"updatedTs"`
}

func convertConversation(c *store.Conversation) *ConversationResponse {
	return &ConversationResponse{
		Conversation:  c.ID,
		UID:           c.UID,
		Status:        c.Status,
		Metadata:      c.Metadata,
		LastClosedSeq: c.LastClosedSeq,
		CreatedTs:     c.CreatedTs,
		UpdatedTs:     c.UpdatedTs,
	}
}

func conversationID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid conversation id")
	}
	return id, nil
}

func (s *APIV1Service) CreateConversation(c echo.Context) error {
	req := &CreateConversationRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	conversation, err := s.Orchestrator.CreateConversation(c.Request().Context(), req.Metadata)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, convertConversation(conversation))
}

func (s *APIV1Service) ListConversations(c echo.Context) error {
	find := &store.FindConversation{}
	if v := c.QueryParam("status"); v != "" {
		status := store.ConversationStatus(v)
		if status != store.ConversationStatusActive && status != store.ConversationStatusCompleted {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status filter")
		}
		find.Status = &status
	}
	list, err := s.Store.ListConversations(c.Request().Context(), find)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	out := make([]*ConversationResponse, 0, len(list))
	for _, conversation := range list {
		out = append(out, convertConversation(conversation))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *APIV1Service) GetConversation(c echo.Context) error {
	id, err := conversationID(c)
	if err != nil {
		return err
	}
	includeScenario, _ := strconv.ParseBool(c.QueryParam("includeScenario"))
	snap, err := s.Orchestrator.GetSnapshot(c.Request().Context(), id, store.SnapshotOptions{
		IncludeScenario: includeScenario,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *APIV1Service) StartConversation(c echo.Context) error {
	id, err := conversationID(c)
	if err != nil {
		return err
	}
	if err := s.Orchestrator.StartConversation(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *APIV1Service) EndConversation(c echo.Context) error {
	id, err := conversationID(c)
	if err != nil {
		return err
	}
	if err := s.Orchestrator.EndConversation(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *APIV1Service) GetAttachment(c echo.Context) error {
	id, err := conversationID(c)
	if err != nil {
		return err
	}
	attachment, err := s.Orchestrator.GetAttachment(c.Request().Context(), id, c.Param("docId"))
	if err != nil {
		return httpError(err)
	}
	contentType := attachment.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return c.Blob(http.StatusOK, contentType, []byte(attachment.Content))
}
