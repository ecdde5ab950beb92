package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/tollgate/internal/apperr"
	"github.com/nao1215/tollgate/internal/directory"
)

// handleListAPIs は利用可能な上流APIの一覧を返すハンドラを返す。認証情報は含まない。
func (s *Server) handleListAPIs() gin.HandlerFunc {
	return func(c *gin.Context) {
		apis, err := s.deps.Directory.List(c.Request.Context())
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": len(apis), "apis": apis})
	}
}

// handleGetAPI は上流API1件をエンドポイント付きで返すハンドラを返す。
func (s *Server) handleGetAPI() gin.HandlerFunc {
	return func(c *gin.Context) {
		api, err := s.deps.Directory.Get(c.Request.Context(), c.Param("slug"))
		if errors.Is(err, directory.ErrNotFound) {
			s.writeError(c, apperr.Wrap(apperr.NotFound, "APIが見つかりません", err))
			return
		}
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, api)
	}
}
