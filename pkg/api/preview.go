package api

import (
	"net/http"
	"os"
	"path/filepath"

	echo "github.com/labstack/echo/v5"
)

// servePreviewHandler serves a generated style/library preview image
// directly from disk rather than proxying to the diffusion worker, since
// previews are written by this process, not the worker. Echo's c.File()
// resolves against its own working-directory filesystem, so an explicit
// os.DirFS rooted at the previews directory is used instead.
func (s *Server) servePreviewHandler(c *echo.Context) error {
	filename := filepath.Base(c.Param("*"))
	if filename == "" || filename == "." || filename == ".." {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	previewsFS := os.DirFS(filepath.Join(s.outputDir, "previews"))
	return c.FileFS(filename, previewsFS)
}
