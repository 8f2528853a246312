package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"

	"gallery-proxy/internal/static"
)

// VerificationHandler serves google{token}.html ownership files from disk
// without involving the backend.
type VerificationHandler struct {
	files  *static.Server
	logger *slog.Logger
}

// NewVerificationHandler creates a VerificationHandler.
func NewVerificationHandler(files *static.Server, logger *slog.Logger) *VerificationHandler {
	return &VerificationHandler{
		files:  files,
		logger: logger.With("component", "verification_handler"),
	}
}

// Serve writes the verification file named by the request path, or a plain
// 404 when it is missing or the token is not a plain file name.
func (h *VerificationHandler) Serve(c echo.Context) error {
	path := c.Request().URL.Path

	token, ok := static.Match(path)
	if !ok {
		return c.String(http.StatusNotFound, "Not found")
	}

	f, err := h.files.Open(token)
	if err != nil {
		switch {
		case errors.Is(err, static.ErrInvalidToken):
			h.logger.Warn("rejected verification path", "path", path)
		case !errors.Is(err, os.ErrNotExist):
			h.logger.Error("opening verification file", "err", err, "path", path)
		}
		return c.String(http.StatusNotFound, "Not found")
	}
	defer func() { _ = f.Close() }()

	return c.Stream(http.StatusOK, echo.MIMETextHTMLCharsetUTF8, f)
}
