package v1

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"lora_pipeline/api/v1/assets"
	"lora_pipeline/api/v1/middleware"
	"lora_pipeline/api/v1/scheduler"
	"lora_pipeline/api/v1/tasks"
	"lora_pipeline/internal/asset"
	"lora_pipeline/internal/httpx"
	"lora_pipeline/internal/taskstate"
)

// Deps are the collaborators the routes are served from
type Deps struct {
	DB        *gorm.DB
	Tasks     *taskstate.Service
	Tracker   *asset.Tracker
	Scheduler scheduler.Runner
	Monitors  scheduler.Monitors
	Gatherer  prometheus.Gatherer
	UploadDir string
	Logger    *logrus.Entry
}

// SetupRouter sets up the API v1 routes
func SetupRouter(r *gin.Engine, d Deps) {
	log := d.Logger.WithField("component", "http")
	r.Use(middleware.Recovery(log), middleware.RequestLogger(log))

	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/api/v1")
	{
		v1.GET("/ping", pingHandler)

		// Tasks routes
		tasksHandler := tasks.NewHandler(d.Tasks, d.UploadDir)
		tasksGroup := v1.Group("/tasks")
		{
			tasksGroup.GET("", tasksHandler.List)
			tasksGroup.POST("/create", tasksHandler.Create)
			tasksGroup.GET("/:id", tasksHandler.Get)
			tasksGroup.POST("/:id/images", tasksHandler.Upload)
			tasksGroup.POST("/:id/start-marking", tasksHandler.StartMarking)
			tasksGroup.POST("/:id/start-training", tasksHandler.StartTraining)
			tasksGroup.POST("/:id/stop", tasksHandler.Stop)
			tasksGroup.POST("/:id/restart", tasksHandler.Restart)
			tasksGroup.POST("/:id/cancel", tasksHandler.Cancel)
			tasksGroup.GET("/:id/executions", tasksHandler.Executions)
		}

		// Assets routes
		assetsHandler := assets.NewHandler(d.DB, d.Tracker)
		assetsGroup := v1.Group("/assets")
		{
			assetsGroup.GET("", assetsHandler.List)
			assetsGroup.GET("/available", assetsHandler.Available)
			assetsGroup.POST("/create", assetsHandler.Create)
			assetsGroup.GET("/:id", assetsHandler.Get)
		}

		// Scheduler routes
		if d.Scheduler != nil {
			schedulerHandler := scheduler.NewHandler(d.Scheduler, d.Monitors)
			schedulerGroup := v1.Group("/scheduler")
			{
				schedulerGroup.GET("/status", schedulerHandler.Status)
				schedulerGroup.POST("/run-once", schedulerHandler.RunOnce)
				schedulerGroup.POST("/recover", schedulerHandler.Recover)
			}
		}
	}
}

// pingHandler handles the ping request using unified response
func pingHandler(c *gin.Context) {
	httpx.OK(c, gin.H{
		"pong": true,
	})
}
