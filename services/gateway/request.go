package gateway

import (
	"adgate/services/spend"
	"adgate/services/unlock"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

type createSessionRequest struct {
	ContentID string `json:"content_id" binding:"required,max=128"`
}

type issueAttemptRequest struct {
	ContentID string `json:"content_id" binding:"required,max=128"`
	SessionID string `json:"session_id" binding:"omitempty,max=64"`
}

type claimReferralRequest struct {
	Code string `json:"code" binding:"required,max=32"`
}

type spendRequest struct {
	SessionID string     `json:"session_id" binding:"required,max=64"`
	Type      spend.Type `json:"type" binding:"required,spendtype"`
}

type sessionResponse struct {
	Session  *unlock.Session  `json:"session"`
	Progress *unlock.Progress `json:"progress"`
	Priority bool             `json:"priority"`
}

type completeAttemptResponse struct {
	Progress          *unlock.Progress `json:"progress"`
	CrossedCompletion bool             `json:"crossed_completion"`
}

func validSpendType(fl validator.FieldLevel) bool {
	switch spend.Type(fl.Field().String()) {
	case spend.TypeBonusCard, spend.TypeCoinsFullUnlock, spend.TypeCoinsSkipAd:
		return true
	}
	return false
}

func registerValidations() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	if err := v.RegisterValidation("spendtype", validSpendType); err != nil {
		zap.L().Error("failed to register spendtype validation", zap.Error(err))
	}
}
