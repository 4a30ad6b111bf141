package api

import "github.com/gin-gonic/gin"

// Register mounts the authenticated REST routes on rg, which is expected
// to be the /v1 group behind AuthMiddleware.
func Register(rg *gin.RouterGroup, pods *PodHandler, messages *MessageHandler, users *UserHandler) {
	rg.GET("/users/me", users.GetMe)
	rg.GET("/users/:id", users.Get)

	rg.POST("/pods", pods.Create)
	rg.GET("/pods/:id", pods.Get)
	rg.DELETE("/pods/:id", pods.Delete)
	rg.POST("/pods/:id/join", pods.Join)
	rg.POST("/pods/:id/leave", pods.Leave)
	rg.POST("/pods/:id/kick", pods.Kick)
	rg.POST("/pods/:id/ban", pods.Ban)
	rg.POST("/pods/:id/promote", pods.Promote)
	rg.POST("/pods/:id/demote", pods.Demote)
	rg.POST("/pods/:id/transfer", pods.Transfer)
	rg.GET("/pods/:id/members", pods.Members)
	rg.GET("/pods/:id/audit", pods.Audit)

	rg.GET("/pods/:id/messages", messages.List)
	rg.POST("/pods/:id/messages", messages.Create)
}
