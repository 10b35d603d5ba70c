package middleware

import (
	"errors"
	"net/http"

	"adgate/pkg/errutil"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Error renders the last error attached with c.Error as a JSON envelope.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		var base errutil.BaseError
		if errors.As(last.Err, &base) {
			if base.Code.HTTPStatus() >= http.StatusInternalServerError {
				zap.L().Error("request failed", zap.String("path", c.FullPath()), zap.Error(base))
			}
			c.JSON(base.Code.HTTPStatus(), base.JSON())
			return
		}

		var verrs validator.ValidationErrors
		if errors.As(last.Err, &verrs) {
			details := make([]errutil.Detail, 0, len(verrs))
			for _, fe := range verrs {
				details = append(details, errutil.Detail{Field: fe.Field(), Message: fe.Tag()})
			}
			be := errutil.New(errutil.StatusValidationFailed, "invalid request", errutil.WithDetails(details...)).(errutil.BaseError)
			c.JSON(be.Code.HTTPStatus(), be.JSON())
			return
		}

		zap.L().Error("unhandled request error", zap.String("path", c.FullPath()), zap.Error(last.Err))
		be := errutil.New(errutil.StatusInternal, "internal error").(errutil.BaseError)
		c.JSON(http.StatusInternalServerError, be.JSON())
	}
}
