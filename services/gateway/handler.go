package gateway

import (
	"errors"
	"net/http"

	"adgate/pkg/config"
	"adgate/pkg/db/pagination"
	"adgate/pkg/errutil"
	"adgate/pkg/logger"
	"adgate/pkg/middleware"
	"adgate/services/attempt"
	"adgate/services/catalog"
	"adgate/services/referral"
	"adgate/services/spend"
	"adgate/services/unlock"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Handler exposes the gate over HTTP. Every route acts on behalf of the
// visitor resolved by middleware.Visitor.
type Handler struct {
	catalog  *catalog.Service
	unlock   *unlock.Service
	attempts *attempt.Service
	referral *referral.Service
	spend    *spend.Coordinator

	priorityAdsRequired int
}

type HandlerParams struct {
	fx.In
	Config   *config.Config
	Catalog  *catalog.Service
	Unlock   *unlock.Service
	Attempts *attempt.Service
	Referral *referral.Service
	Spend    *spend.Coordinator
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		catalog:             p.Catalog,
		unlock:              p.Unlock,
		attempts:            p.Attempts,
		referral:            p.Referral,
		spend:               p.Spend,
		priorityAdsRequired: max(0, p.Config.Rewards.PriorityAdsRequired),
	}
}

func RegisterRoutes(r *gin.Engine, h *Handler) {
	registerValidations()

	v1 := r.Group("/api/v1")

	v1.POST("/sessions", h.createSession)
	v1.GET("/sessions/:id", h.getSession)

	v1.POST("/attempts", h.issueAttempt)
	v1.POST("/attempts/:token/complete", h.completeAttempt)

	v1.GET("/referrals/stats", h.referralStats)
	v1.POST("/referrals/claim", h.claimReferral)
	v1.POST("/referrals/check", h.checkReferrals)

	v1.POST("/tracking/start", h.startTracking)
	v1.POST("/tracking/stop", h.stopTracking)

	v1.GET("/ledger/verify", h.verifyLedger)
	v1.GET("/ledger/entries", h.listLedgerEntries)

	v1.POST("/spends", h.requestSpend)
	v1.POST("/spends/direct", h.directSpend)
	v1.POST("/spends/:id/confirm", h.confirmSpend)
	v1.DELETE("/spends/:id", h.cancelSpend)
}

func visitor(c *gin.Context) string {
	return middleware.VisitorID(c.Request.Context())
}

func bindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			_ = c.Error(err)
		} else {
			_ = c.Error(errutil.BadRequest("invalid request body", err))
		}
		return false
	}
	return true
}

func (h *Handler) createSession(c *gin.Context) {
	var req createSessionRequest
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()
	visitorID := visitor(c)

	content, err := h.catalog.GetContent(ctx, req.ContentID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	required := content.RequiredAds
	priority := h.referral.PriorityActive(ctx, visitorID)
	if priority && required > h.priorityAdsRequired {
		required = h.priorityAdsRequired
	}

	sess, err := h.unlock.GetOrCreate(ctx, visitorID, content.ContentID, required)
	if err != nil {
		_ = c.Error(err)
		return
	}

	if priority {
		logger.FromContext(ctx).Debug("priority requirement applied",
			zap.String("visitor_id", visitorID),
			zap.String("content_id", content.ContentID),
			zap.Int("ads_required", sess.AdsRequired),
		)
	}

	c.JSON(http.StatusOK, sessionResponse{Session: sess, Progress: sess.Progress(), Priority: priority})
}

func (h *Handler) getSession(c *gin.Context) {
	sess, err := h.unlock.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	if sess.VisitorID != visitor(c) {
		_ = c.Error(errutil.Unauthorized("session belongs to another visitor", nil))
		return
	}

	c.JSON(http.StatusOK, sess.Progress())
}

func (h *Handler) issueAttempt(c *gin.Context) {
	var req issueAttemptRequest
	if !bindJSON(c, &req) {
		return
	}

	var (
		issued *attempt.Issued
		err    error
	)
	if req.SessionID != "" {
		issued, err = h.attempts.IssueAttemptForSession(c.Request.Context(), visitor(c), req.ContentID, req.SessionID)
	} else {
		issued, err = h.attempts.IssueAttempt(c.Request.Context(), visitor(c), req.ContentID)
	}
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, issued)
}

func (h *Handler) completeAttempt(c *gin.Context) {
	done, err := h.attempts.CompleteAttempt(c.Request.Context(), visitor(c), c.Param("token"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, completeAttemptResponse{
		Progress:          done.Session.Progress(),
		CrossedCompletion: done.CrossedCompletion,
	})
}

func (h *Handler) referralStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.referral.Stats(c.Request.Context(), visitor(c)))
}

func (h *Handler) claimReferral(c *gin.Context) {
	var req claimReferralRequest
	if !bindJSON(c, &req) {
		return
	}

	res, err := h.referral.ProcessIncomingReferral(c.Request.Context(), visitor(c), req.Code)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) checkReferrals(c *gin.Context) {
	summary, err := h.referral.CheckReferrerRewards(c.Request.Context(), visitor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) startTracking(c *gin.Context) {
	if err := h.referral.StartTimeTracking(c.Request.Context(), visitor(c)); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) stopTracking(c *gin.Context) {
	acct, err := h.referral.StopTimeTracking(c.Request.Context(), visitor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total_time_tracked_seconds": acct.TotalTimeTrackedSeconds})
}

func (h *Handler) verifyLedger(c *gin.Context) {
	report, err := h.referral.VerifyChain(c.Request.Context(), visitor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) listLedgerEntries(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	entries, info, err := h.referral.ListEntries(c.Request.Context(), visitor(c), page)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "page_info": info})
}

func (h *Handler) requestSpend(c *gin.Context) {
	var req spendRequest
	if !bindJSON(c, &req) {
		return
	}

	pending, err := h.spend.RequestSpend(c.Request.Context(), visitor(c), req.SessionID, req.Type, nil)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, pending)
}

func (h *Handler) confirmSpend(c *gin.Context) {
	res, err := h.spend.Confirm(c.Request.Context(), visitor(c), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) cancelSpend(c *gin.Context) {
	if err := h.spend.Cancel(c.Request.Context(), visitor(c), c.Param("id")); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) directSpend(c *gin.Context) {
	var req spendRequest
	if !bindJSON(c, &req) {
		return
	}

	res, err := h.spend.Spend(c.Request.Context(), visitor(c), req.SessionID, req.Type)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}
