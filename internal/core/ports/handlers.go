package ports

import (
	"github.com/gin-gonic/gin"
)

type HTTPHandler interface {
	ScheduleSession(c *gin.Context)
	GetSession(c *gin.Context)
	ListSessions(c *gin.Context)
	StartSession(c *gin.Context)
	StopSession(c *gin.Context)
	IssueToken(c *gin.Context)
	RefreshToken(c *gin.Context)
	GetAnalytics(c *gin.Context)
	RecordViewerEvent(c *gin.Context)
}
