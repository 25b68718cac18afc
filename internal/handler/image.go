package handler

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

var errNoImage = errors.New("image is required")

type imageRequest struct {
	Image string `json:"image"`
}

// readImage accepts a multipart "image" file or a JSON {"image": "..."} body
// holding base64 or a data URL.
func (h *Handler) readImage(c *gin.Context) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxImageBytes*2)

	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		fh, err := c.FormFile("image")
		if err != nil {
			return nil, errNoImage
		}
		if fh.Size > h.cfg.MaxImageBytes {
			return nil, fmt.Errorf("image exceeds %d bytes", h.cfg.MaxImageBytes)
		}
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(f)
	}

	var req imageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, err
	}
	img, err := decodeImage(req.Image)
	if err != nil {
		return nil, err
	}
	if int64(len(img)) > h.cfg.MaxImageBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", h.cfg.MaxImageBytes)
	}
	return img, nil
}

// decodeImage strips an optional data:...;base64, prefix and decodes the
// rest, padded or not.
func decodeImage(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errNoImage
	}
	if strings.HasPrefix(s, "data:") {
		_, payload, ok := strings.Cut(s, ",")
		if !ok {
			return nil, errors.New("malformed data URL")
		}
		s = payload
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	b, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, errors.New("image is not valid base64")
	}
	if len(b) == 0 {
		return nil, errNoImage
	}
	return b, nil
}
