// Package http holds the relay's plain REST handlers.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/duo/internal/core"
)

// Directory lists the users currently registered on the relay.
type Directory interface {
	Online() []core.MemberDTO
}

type UsersResponse struct {
	Users []core.MemberDTO `json:"users"`
}

func RegisterRoutes(r gin.IRoutes, dir Directory) {
	r.GET("/users", func(c *gin.Context) { handlerUsers(c, dir) })
}

func handlerUsers(c *gin.Context, dir Directory) {
	c.JSON(http.StatusOK, UsersResponse{Users: dir.Online()})
}

func HandlerHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
