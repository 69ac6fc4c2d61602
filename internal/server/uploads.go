package server

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/wiremess/internal/blob"
	"github.com/MarcoPoloResearchLab/wiremess/internal/chat"
)

const (
	multipartOverheadBytes = 1 << 20
	formFieldContent       = "content"
	formFieldFile          = "file"
)

type sendRequestPayload struct {
	Content string `json:"content"`
}

// readSendRequest accepts either a JSON body with content or a multipart form
// with a content field and an optional file part.
func (h *httpHandler) readSendRequest(c *gin.Context) (chat.SendRequest, error) {
	if h.uploadMax > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.uploadMax+multipartOverheadBytes)
	}

	if c.ContentType() != gin.MIMEMultipartPOSTForm {
		var payload sendRequestPayload
		if err := c.ShouldBindJSON(&payload); err != nil {
			return chat.SendRequest{}, err
		}
		return chat.SendRequest{Content: payload.Content}, nil
	}

	request := chat.SendRequest{Content: c.PostForm(formFieldContent)}
	header, err := c.FormFile(formFieldFile)
	if errors.Is(err, http.ErrMissingFile) {
		return request, nil
	}
	if err != nil {
		return chat.SendRequest{}, err
	}
	data, err := readFormFile(header)
	if err != nil {
		return chat.SendRequest{}, err
	}
	request.Attachment = &chat.AttachmentUpload{
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}
	return request, nil
}

func readFormFile(header *multipart.FileHeader) ([]byte, error) {
	file, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

func (h *httpHandler) handleGetAttachment(c *gin.Context) {
	publicID := c.Param("public_id")
	if err := blob.ValidatePublicID(publicID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	reader, contentType, err := h.attachments.Open(c.Request.Context(), publicID)
	if errors.Is(err, blob.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("attachment read failed", zap.String("public_id", publicID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	defer reader.Close()
	c.DataFromReader(http.StatusOK, -1, contentType, reader, nil)
}
