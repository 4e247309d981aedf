package middleware

import (
	"crypto/subtle"

	"github.com/GoPolymarket/polyaudit/internal/config"
	"github.com/GoPolymarket/polyaudit/internal/pkg/apperrors"
	"github.com/gin-gonic/gin"
)

const HeaderAdminKey = "X-Admin-Key"

// AdminMiddleware guards the audit browse endpoint. With no key configured the
// endpoint is closed.
func AdminMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		var msg string
		switch {
		case cfg == nil || cfg.Auth.AdminKey == "":
			msg = "admin access disabled: auth.admin_key is not set"
		case subtle.ConstantTimeCompare([]byte(c.GetHeader(HeaderAdminKey)), []byte(cfg.Auth.AdminKey)) != 1:
			msg = "invalid admin key"
		default:
			c.Next()
			return
		}
		appErr := apperrors.New(apperrors.ErrAuthFailed, msg, nil)
		c.AbortWithStatusJSON(appErr.HTTPStatus, appErr)
	}
}
