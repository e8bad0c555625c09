package middleware

import (
	"impact-donations/pkg/config"
	"impact-donations/pkg/errutil"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const rbacModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && keyMatch(r.obj, p.obj) && (r.act == p.act || p.act == "*")
`

// NewEnforcer loads ACCESS_CONTROL.MODEL / POLICY when both are set and falls
// back to the built-in donor/operator policy otherwise.
func NewEnforcer(cfg *config.Config) (*casbin.Enforcer, error) {
	if cfg.AccessControl.Model != "" && cfg.AccessControl.Policy != "" {
		return casbin.NewEnforcer(cfg.AccessControl.Model, cfg.AccessControl.Policy)
	}

	m, err := model.NewModelFromString(rbacModel)
	if err != nil {
		return nil, err
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, err
	}

	policies := [][]string{
		{RoleDonor, "/api/v1/checkout*", "*"},
		{RoleDonor, "/api/v1/intents/*", "*"},
		{RoleDonor, "/api/v1/donations/*", "GET"},
		{RoleDonor, "/api/v1/me/*", "GET"},
		{RoleDonor, "/api/v1/campaigns*", "GET"},
		{RoleOperator, "/api/v1/batches*", "*"},
		{RoleOperator, "/api/v1/items/*", "*"},
		{RoleOperator, "/api/v1/products/*", "GET"},
	}
	if _, err := e.AddPolicies(policies); err != nil {
		return nil, err
	}
	if _, err := e.AddGroupingPolicy(RoleOperator, RoleDonor); err != nil {
		return nil, err
	}
	return e, nil
}

// Authorize checks the caller's role against the request path and method.
func Authorize(e *casbin.Enforcer) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := IdentityFromContext(c.Request.Context())
		if !ok {
			_ = c.Error(errutil.Unauthorized("unauthenticated", nil))
			c.Abort()
			return
		}

		allowed, err := e.Enforce(id.Role, c.Request.URL.Path, c.Request.Method)
		if err != nil {
			zap.L().Error("authorization check failed", zap.Error(err))
			_ = c.Error(errutil.Internal("authorization check failed", err))
			c.Abort()
			return
		}
		if !allowed {
			_ = c.Error(errutil.Forbidden("access denied", nil))
			c.Abort()
			return
		}
		c.Next()
	}
}
