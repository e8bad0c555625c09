package httpapi

import (
	"impact-donations/pkg/config"
	"impact-donations/pkg/health"
	"impact-donations/pkg/middleware"

	"github.com/casbin/casbin/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(
		NewEngine,
		newAuthenticator,
		middleware.NewEnforcer,
		newCheckoutLimiter,
	),
)

// Route is implemented by every service handler that exposes HTTP endpoints.
// Public routes skip authentication; Protected routes run behind auth and
// role checks.
type Route interface {
	Public(r gin.IRouter)
	Protected(r gin.IRouter)
}

// AsRoute annotates a handler constructor so it joins the route group.
func AsRoute(f any) any {
	return fx.Annotate(
		f,
		fx.As(new(Route)),
		fx.ResultTags(`group:"routes"`),
	)
}

type EngineParams struct {
	fx.In

	Config   *config.Config
	Health   health.HealthService
	Auth     *middleware.Authenticator
	Enforcer *casbin.Enforcer
	Routes   []Route `group:"routes"`
}

func NewEngine(p EngineParams) *gin.Engine {
	if p.Config.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), middleware.Error())

	r.GET("/health/liveness", p.Health.Liveness)
	r.GET("/health/readiness", p.Health.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	public := r.Group("/api/v1")
	protected := r.Group("/api/v1", middleware.Auth(p.Auth), middleware.Authorize(p.Enforcer))
	for _, route := range p.Routes {
		route.Public(public)
		route.Protected(protected)
	}

	return r
}

func newAuthenticator(cfg *config.Config) *middleware.Authenticator {
	return middleware.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
}

func newCheckoutLimiter(cfg *config.Config) *middleware.RateLimiter {
	return middleware.NewRateLimiter(cfg.RateLimit.CheckoutPerMinute, cfg.RateLimit.Burst, 10_000)
}
