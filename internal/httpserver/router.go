package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"projectsync/internal/handler"
	"projectsync/internal/identity"
	"projectsync/internal/store"
	"projectsync/pkg/rbac"
	"projectsync/pkg/trace"
)

type Router struct {
	Engine *gin.Engine
}

// Deps 路由依赖；Admin、Outbox 为 nil 时不挂载对应接口
type Deps struct {
	Provider    *identity.Provider
	Auth        *handler.AuthHandler
	View        *handler.ViewHandler
	Projects    *handler.ProjectHandler
	Suggestions *handler.SuggestionHandler
	Clients     *handler.ClientHandler
	Admin       *handler.AdminHandler
	Outbox      *handler.OutboxHandler

	Store       store.Pinger
	Stale       func() bool
	CORSOrigins []string
	Logger      *zap.Logger
}

func NewRouter(d Deps) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), TraceMiddleware(), RequestLogger(d.Logger), MetricsMiddleware())

	corsCfg := cors.DefaultConfig()
	if len(d.CORSOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = d.CORSOrigins
	}
	corsCfg.AddAllowHeaders("Authorization", trace.HeaderName())
	corsCfg.AddExposeHeaders(trace.HeaderName())
	r.Use(cors.New(corsCfg))

	// Health endpoints
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if d.Store != nil {
			if err := d.Store.Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "store_not_ready", "error": err.Error()})
				return
			}
		}
		if d.Stale != nil && d.Stale() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "stale"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")

	// Public
	api.POST("/login", d.Auth.Login)
	api.GET("/project-types", d.Projects.ProjectTypes)

	// Protected
	auth := api.Group("/")
	auth.Use(AuthMiddleware(d.Provider))
	{
		auth.GET("/me", d.Auth.Me)
		auth.GET("/view", RequirePermission(rbac.PermissionViewRead), d.View.Get)
		auth.GET("/view/stream", RequirePermission(rbac.PermissionViewRead), d.View.Stream)

		auth.POST("/projects", RequirePermission(rbac.PermissionCreateProject), d.Projects.Create)
		auth.PATCH("/projects/:id", RequirePermission(rbac.PermissionEditProject), d.Projects.Update)
		auth.PUT("/projects/:id/type", RequirePermission(rbac.PermissionChangeProjectType), d.Projects.ChangeType)
		auth.POST("/projects/:id/steps/:step/toggle", RequirePermission(rbac.PermissionToggleProgress), d.Projects.ToggleStep)
		auth.DELETE("/projects/:id", RequirePermission(rbac.PermissionDeleteProject), d.Projects.Delete)

		sg := auth.Group("/projects/:id/suggestions")
		sg.POST("", RequirePermission(rbac.PermissionRaiseSuggestion), d.Suggestions.Raise)
		sg.POST("/:sid/replies", RequirePermission(rbac.PermissionReplySuggestion), d.Suggestions.Reply)
		sg.PUT("/:sid/resolved", RequirePermission(rbac.PermissionResolveSuggestion), d.Suggestions.SetResolved)
		sg.PUT("/:sid/review", RequirePermission(rbac.PermissionReviewSuggestion), d.Suggestions.Review)
		sg.POST("/:sid/migrate-replies", RequirePermission(rbac.PermissionEditProject), d.Suggestions.MigrateReplies)

		auth.POST("/clients", RequirePermission(rbac.PermissionManageClients), d.Clients.Add)
		auth.DELETE("/clients/:id", RequirePermission(rbac.PermissionManageClients), d.Clients.Delete)
	}

	if d.Admin != nil {
		adm := auth.Group("/admin")
		adm.Use(RequirePermission(rbac.PermissionAdminRecords))
		{
			adm.GET("/stats", d.Admin.Stats)

			adm.GET("/approvals", d.Admin.ListApprovals)
			adm.POST("/approvals", d.Admin.AddApproval)
			adm.PUT("/approvals/:id", d.Admin.EditApproval)
			adm.POST("/approvals/:id/approve", d.Admin.Approve)
			adm.DELETE("/approvals/:id", d.Admin.Reject)

			adm.GET("/companies", d.Admin.ListCompanies)
			adm.POST("/companies", d.Admin.AddCompany)
			adm.PUT("/companies/:id", d.Admin.EditCompany)
			adm.DELETE("/companies/:id", d.Admin.DeleteCompany)

			adm.GET("/subscriptions", d.Admin.ListSubscriptions)
			adm.POST("/subscriptions", d.Admin.AddSubscription)
			adm.PUT("/subscriptions/:id", d.Admin.EditSubscription)
			adm.POST("/subscriptions/:id/toggle", d.Admin.ToggleSubscription)
			adm.DELETE("/subscriptions/:id", d.Admin.DeleteSubscription)
		}
	}

	if d.Outbox != nil {
		ob := auth.Group("/admin/outbox")
		ob.Use(RequirePermission(rbac.PermissionAdminOutbox))
		{
			ob.GET("/failed", d.Outbox.ListFailed)
			ob.POST("/:id/replay", d.Outbox.Replay)
			ob.POST("/replay-failed", d.Outbox.ReplayFailed)
		}
	}

	return &Router{Engine: r}
}

// Server 包装 http.Server 以便优雅关闭
func (r *Router) Server(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
