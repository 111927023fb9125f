package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"storf/internal/websocket"
)

// Server wraps the REST API server
type Server struct {
	handler *Handler
	router  *gin.Engine
	hub     *websocket.Hub
}

// NewServer creates a new API server
func NewServer(handler *Handler, hub *websocket.Hub) *Server {
	router := gin.New()

	router.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		// Health probes and status polling are too frequent to log
		if param.Path == "/healthz" || (param.Method == http.MethodGet && param.StatusCode == http.StatusOK && isStatusPath(param.Path)) {
			return ""
		}
		return fmt.Sprintf("[%s] %s %s %d %s %s \"%s\" %s\n",
			param.TimeStamp.Format("2006/01/02 - 15:04:05"),
			param.ClientIP,
			param.Method,
			param.StatusCode,
			param.Latency,
			param.Path,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	}))
	router.Use(gin.Recovery())

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Disposition")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	router.GET("/healthz", handler.Health)

	// Job events
	router.GET("/ws", websocket.HandleJobEvents(hub))

	api := router.Group("/api")
	{
		api.POST("/jobs", handler.SubmitJob)
		api.GET("/jobs/:id", handler.GetJobStatus)
		api.GET("/jobs/:id/download/:type", handler.DownloadArtifact)

		api.POST("/admin/login", handler.Login)

		protected := api.Group("")
		protected.Use(AuthMiddleware(handler.issuer))
		{
			protected.GET("/admin/queue", handler.QueueOverview)
			protected.GET("/admin/jobs", handler.ListJobs)
			protected.DELETE("/jobs/:id", handler.DeleteJob)
		}
	}

	return &Server{
		handler: handler,
		router:  router,
		hub:     hub,
	}
}

func isStatusPath(path string) bool {
	return strings.HasPrefix(path, "/api/jobs/") && !strings.Contains(path, "/download/")
}

// GetRouter returns the router
func (s *Server) GetRouter() *gin.Engine {
	return s.router
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
