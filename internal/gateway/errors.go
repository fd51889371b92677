package gateway

import "github.com/gin-gonic/gin"

// writeError renders the §6.4 error envelope: {error:{type,message}}.
func writeError(c *gin.Context, status int, errType, message string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"type":    errType,
			"message": message,
		},
	})
}
