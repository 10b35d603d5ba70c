package referral

import (
	"context"
	"encoding/json"
	"time"

	"adgate/pkg/celengine"
	"adgate/pkg/config"
	"adgate/pkg/db/option"
	"adgate/pkg/db/pagination"
	"adgate/pkg/errutil"
	"adgate/pkg/featureflags"
	"adgate/pkg/gen"
	"adgate/pkg/logger"
	"adgate/pkg/repository"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Service struct {
	db      *gorm.DB
	ids     gen.IDGenerator
	flags   featureflags.FeatureFlag
	codes   *CodeDeriver
	rule    *celengine.Rule
	rewards config.Rewards

	accounts  repository.Repository[Account]
	referrals repository.Repository[Referral]
	entries   repository.Repository[LedgerEntry]

	now func() time.Time
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	IDs    gen.IDGenerator
	Config *config.Config
	Flags  featureflags.FeatureFlag `optional:"true"`
}

func NewService(p ServiceParams) (*Service, error) {
	rewards := p.Config.Rewards

	secret := rewards.Secret
	if secret == "" {
		zap.L().Warn("REWARDS.SECRET is empty, referral codes fall back to the app name as key")
		secret = p.Config.AppName
	}

	rule, err := celengine.Compile(rewards.ValidityRule, ruleAttributes(&Account{}))
	if err != nil {
		zap.L().Error("invalid referral validity rule", zap.String("rule", rewards.ValidityRule), zap.Error(err))
		return nil, err
	}

	flags := p.Flags
	if flags == nil {
		flags = featureflags.Static{}
	}

	return &Service{
		db:      p.DB,
		ids:     p.IDs,
		flags:   flags,
		codes:   NewCodeDeriver(secret, rewards.CodeLength),
		rule:    rule,
		rewards: rewards,

		accounts:  repository.ProvideStore[Account](p.DB),
		referrals: repository.ProvideStore[Referral](p.DB),
		entries:   repository.ProvideStore[LedgerEntry](p.DB),

		now: time.Now,
	}, nil
}

// WithTrx returns a copy of the service bound to tx.
func (s *Service) WithTrx(tx *gorm.DB) *Service {
	if tx == nil {
		return s
	}
	cp := *s
	cp.db = tx
	cp.accounts = s.accounts.WithTrx(tx)
	cp.referrals = s.referrals.WithTrx(tx)
	cp.entries = s.entries.WithTrx(tx)
	return &cp
}

// clock is truncated so timestamps survive a database round trip unchanged.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

func ruleAttributes(a *Account) map[string]any {
	return map[string]any{
		"time_tracked_seconds": a.TotalTimeTrackedSeconds,
		"unlocks_completed":    a.TotalUnlocksCompleted,
		"coins":                a.Coins,
	}
}

// RewardsEnabled reports whether reward features are switched on for the visitor.
func (s *Service) RewardsEnabled(ctx context.Context, visitorID string) bool {
	return s.flags.Enabled(ctx, visitorID, featureflags.RewardsEnabled, true)
}

// Initialize returns the visitor's account, creating a zeroed one on first use.
func (s *Service) Initialize(ctx context.Context, visitorID string) (*Account, error) {
	if visitorID == "" {
		return nil, errutil.BadRequest("visitor_id is required", nil)
	}

	now := s.clock()
	acct := &Account{
		VisitorID:      visitorID,
		MyReferralCode: s.codes.Derive(visitorID),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(acct).Error; err != nil {
		logger.FromContext(ctx).Error("failed to create ledger account", zap.String("visitor_id", visitorID), zap.Error(err))
		return nil, errutil.Internal("failed to create account", err)
	}

	current, err := s.account(ctx, visitorID)
	if errutil.HasStatus(err, errutil.StatusNotFound) {
		return nil, errutil.Internal("referral code collision", err)
	}
	return current, err
}

func (s *Service) account(ctx context.Context, visitorID string) (*Account, error) {
	acct, err := s.accounts.FindOne(ctx, &Account{VisitorID: visitorID})
	if err != nil {
		logger.FromContext(ctx).Error("failed to query ledger account", zap.String("visitor_id", visitorID), zap.Error(err))
		return nil, errutil.Internal("failed to load account", err)
	}
	if acct == nil {
		return nil, errutil.NotFound("account not found", nil)
	}
	return acct, nil
}

// ProcessIncomingReferral records that visitorID arrived through code. The
// first accepted code wins; later calls report Applied=false.
func (s *Service) ProcessIncomingReferral(ctx context.Context, visitorID, code string) (*ClaimResult, error) {
	log := logger.FromContext(ctx).With(zap.String("visitor_id", visitorID))

	code = NormalizeCode(code)
	if code == "" {
		return nil, errutil.BadRequest("referral code is required", nil)
	}

	acct, err := s.Initialize(ctx, visitorID)
	if err != nil {
		return nil, err
	}
	if code == acct.MyReferralCode {
		return nil, errutil.BadRequest("cannot use your own referral code", nil)
	}
	if acct.ReferredByCode != nil {
		return &ClaimResult{Applied: false, ReferrerCode: *acct.ReferredByCode}, nil
	}
	if !s.RewardsEnabled(ctx, visitorID) {
		return &ClaimResult{Applied: false}, nil
	}

	referrer, err := s.accounts.FindOne(ctx, &Account{MyReferralCode: code})
	if err != nil {
		return nil, errutil.Internal("failed to load referrer", err)
	}
	if referrer == nil {
		return nil, errutil.NotFound("unknown referral code", nil)
	}

	applied := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock()
		res := tx.Model(&Account{}).
			Where("visitor_id = ? AND referred_by_code IS NULL", visitorID).
			Updates(map[string]any{"referred_by_code": code, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		if err := tx.Create(&Referral{
			ID:                s.ids.NextID(),
			ReferrerCode:      code,
			ReferredVisitorID: visitorID,
			Status:            StatusPending,
			CreatedAt:         now,
		}).Error; err != nil {
			return err
		}

		if err := tx.Model(&Account{}).
			Where("visitor_id = ?", referrer.VisitorID).
			Updates(map[string]any{
				"total_referrals": gorm.Expr("total_referrals + ?", 1),
				"updated_at":      now,
			}).Error; err != nil {
			return err
		}

		applied = true
		return nil
	})
	if err != nil {
		log.Error("failed to record referral", zap.Error(err))
		return nil, errutil.Internal("failed to record referral", err)
	}

	if !applied {
		current, err := s.account(ctx, visitorID)
		if err != nil {
			return nil, err
		}
		out := &ClaimResult{Applied: false}
		if current.ReferredByCode != nil {
			out.ReferrerCode = *current.ReferredByCode
		}
		return out, nil
	}

	log.Info("referral recorded", zap.String("referrer_code", code))
	if _, err := s.promote(ctx, visitorID); err != nil {
		log.Warn("failed to evaluate referral promotion", zap.Error(err))
	}
	return &ClaimResult{Applied: true, ReferrerCode: code}, nil
}

// promote moves the visitor's pending referral to valid once the validity
// rule holds for their engagement counters.
func (s *Service) promote(ctx context.Context, referredVisitorID string) (bool, error) {
	if referredVisitorID == "" {
		return false, nil
	}
	ref, err := s.referrals.FindOne(ctx, &Referral{ReferredVisitorID: referredVisitorID, Status: StatusPending})
	if err != nil || ref == nil {
		return false, err
	}

	acct, err := s.account(ctx, referredVisitorID)
	if err != nil {
		return false, err
	}

	ok, err := s.rule.Eval(ruleAttributes(acct))
	if err != nil || !ok {
		return false, err
	}

	res := s.db.WithContext(ctx).Model(&Referral{}).
		Where("id = ? AND status = ?", ref.ID, StatusPending).
		Updates(map[string]any{"status": StatusValid, "validated_at": s.clock()})
	if res.Error != nil {
		return false, res.Error
	}

	if res.RowsAffected == 1 {
		logger.FromContext(ctx).Info("referral became valid",
			zap.String("referral_id", ref.ID),
			zap.String("referrer_code", ref.ReferrerCode),
			zap.String("referred_visitor_id", referredVisitorID),
		)
	}
	return res.RowsAffected == 1, nil
}

// CheckReferrerRewards pays out every valid referral made by visitorID exactly once.
func (s *Service) CheckReferrerRewards(ctx context.Context, visitorID string) (*RewardSummary, error) {
	log := logger.FromContext(ctx).With(zap.String("visitor_id", visitorID))

	acct, err := s.Initialize(ctx, visitorID)
	if err != nil {
		return nil, err
	}

	summary := &RewardSummary{}
	if !s.RewardsEnabled(ctx, visitorID) {
		return summary, nil
	}

	pending, err := s.referrals.Find(ctx, &Referral{ReferrerCode: acct.MyReferralCode, Status: StatusPending})
	if err != nil {
		return nil, errutil.Internal("failed to load referrals", err)
	}
	for _, ref := range pending {
		if _, err := s.promote(ctx, ref.ReferredVisitorID); err != nil {
			log.Warn("failed to evaluate referral promotion", zap.String("referral_id", ref.ID), zap.Error(err))
		}
	}

	valid, err := s.referrals.Find(ctx, &Referral{ReferrerCode: acct.MyReferralCode, Status: StatusValid},
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "asc"}))
	if err != nil {
		return nil, errutil.Internal("failed to load referrals", err)
	}

	for _, ref := range valid {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return s.WithTrx(tx).rewardReferral(ctx, visitorID, ref, summary)
		})
		if err != nil {
			log.Error("failed to reward referral", zap.String("referral_id", ref.ID), zap.Error(err))
			return nil, err
		}
	}

	if summary.Rewarded > 0 {
		log.Info("referral rewards credited",
			zap.Int("rewarded", summary.Rewarded),
			zap.Int64("coins", summary.CoinsCredited),
			zap.Int64("bonus_unlocks", summary.BonusUnlocksGranted),
		)
	}
	return summary, nil
}

func (s *Service) rewardReferral(ctx context.Context, referrerID string, ref *Referral, summary *RewardSummary) error {
	now := s.clock()

	res := s.db.WithContext(ctx).Model(&Referral{}).
		Where("id = ? AND status = ?", ref.ID, StatusValid).
		Updates(map[string]any{"status": StatusRewarded, "rewarded_at": now})
	if res.Error != nil {
		return errutil.Internal("failed to mark referral rewarded", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).Model(&Account{}).
		Where("visitor_id = ?", referrerID).
		Updates(map[string]any{
			"valid_referrals": gorm.Expr("valid_referrals + ?", 1),
			"updated_at":      now,
		}).Error; err != nil {
		return errutil.Internal("failed to count valid referral", err)
	}

	acct, err := s.account(ctx, referrerID)
	if err != nil {
		return err
	}

	meta := map[string]any{"referral_id": ref.ID, "referred_visitor_id": ref.ReferredVisitorID}

	if coins := s.rewards.CoinsPerReferral; coins > 0 {
		if _, err := s.move(ctx, referrerID, AssetCoins, EntryCredit, coins, Reference{
			ReferenceID: "referral:" + ref.ID,
			Description: "referral reward",
			Metadata:    meta,
		}); err != nil {
			return err
		}
		summary.CoinsCredited += coins
	}

	if per := s.rewards.ReferralsPerBonusUnlock; per > 0 && acct.ValidReferrals%per == 0 {
		if _, err := s.move(ctx, referrerID, AssetBonusUnlocks, EntryCredit, 1, Reference{
			ReferenceID: "referral-bonus:" + ref.ID,
			Description: "bonus unlock card for valid referrals",
			Metadata:    meta,
		}); err != nil {
			return err
		}
		summary.BonusUnlocksGranted++
	}

	if th := s.rewards.PriorityReferralThreshold; th > 0 && acct.ValidReferrals%th == 0 {
		base := now
		if acct.PriorityActive(now) {
			base = *acct.PriorityUnlockExpiresAt
		}
		until := base.Add(s.rewards.PriorityDuration)
		if err := s.db.WithContext(ctx).Model(&Account{}).
			Where("visitor_id = ?", referrerID).
			Updates(map[string]any{"priority_unlock_expires_at": until, "updated_at": now}).Error; err != nil {
			return errutil.Internal("failed to extend priority access", err)
		}
		summary.PriorityActiveUntil = &until
	}

	summary.Rewarded++
	return nil
}

// Credit adds amount of asset to the visitor's balance.
func (s *Service) Credit(ctx context.Context, visitorID string, asset Asset, amount int64, ref Reference) (*LedgerEntry, error) {
	return s.inTx(ctx, func(tx *Service) (*LedgerEntry, error) {
		return tx.move(ctx, visitorID, asset, EntryCredit, amount, ref)
	})
}

// Debit removes amount of asset from the visitor's balance, failing with
// InsufficientBalance when the balance would go negative.
func (s *Service) Debit(ctx context.Context, visitorID string, asset Asset, amount int64, ref Reference) (*LedgerEntry, error) {
	return s.inTx(ctx, func(tx *Service) (*LedgerEntry, error) {
		return tx.move(ctx, visitorID, asset, EntryDebit, amount, ref)
	})
}

func (s *Service) inTx(ctx context.Context, fn func(tx *Service) (*LedgerEntry, error)) (*LedgerEntry, error) {
	var entry *LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		entry, err = fn(s.WithTrx(tx))
		return err
	})
	return entry, err
}

func (s *Service) move(ctx context.Context, visitorID string, asset Asset, typ EntryType, amount int64, ref Reference) (*LedgerEntry, error) {
	col, ok := asset.column()
	if !ok {
		return nil, errutil.BadRequest("unknown asset", nil)
	}
	if amount <= 0 {
		return nil, errutil.BadRequest("amount must be > 0", nil)
	}

	now := s.clock()
	q := s.db.WithContext(ctx).Model(&Account{}).Where("visitor_id = ?", visitorID)

	var delta clause.Expr
	if typ == EntryDebit {
		q = q.Where(col+" >= ?", amount)
		delta = gorm.Expr(col+" - ?", amount)
	} else {
		delta = gorm.Expr(col+" + ?", amount)
	}

	res := q.Updates(map[string]any{col: delta, "updated_at": now})
	if res.Error != nil {
		return nil, errutil.Internal("failed to update balance", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.account(ctx, visitorID); err != nil {
			return nil, err
		}
		return nil, errutil.InsufficientBalance("insufficient "+string(asset), nil)
	}

	acct, err := s.account(ctx, visitorID)
	if err != nil {
		return nil, err
	}
	return s.appendEntry(ctx, acct, asset, typ, amount, ref, now)
}

func (s *Service) appendEntry(ctx context.Context, acct *Account, asset Asset, typ EntryType, amount int64, ref Reference, now time.Time) (*LedgerEntry, error) {
	last, err := s.entries.FindOne(ctx, &LedgerEntry{VisitorID: acct.VisitorID},
		option.WithSortBy(option.QuerySortBy{SortBy: "sequence", OrderBy: "desc", Allow: map[string]bool{"sequence": true}}))
	if err != nil {
		return nil, errutil.Internal("failed to load last ledger entry", err)
	}

	previous, seq := genesisHash, int64(1)
	if last != nil {
		previous, seq = last.Hash, last.Sequence+1
	}

	txID := ref.TransactionID
	if txID == "" {
		if txID, err = GenerateTransactionID(now); err != nil {
			return nil, errutil.Internal("failed to generate transaction id", err)
		}
	}

	var meta datatypes.JSON
	if len(ref.Metadata) > 0 {
		b, err := json.Marshal(ref.Metadata)
		if err != nil {
			return nil, errutil.Internal("failed to encode ledger metadata", err)
		}
		meta = datatypes.JSON(b)
	}

	entry := &LedgerEntry{
		ID:            s.ids.NextID(),
		VisitorID:     acct.VisitorID,
		Sequence:      seq,
		Asset:         asset,
		Type:          typ,
		Amount:        amount,
		BalanceAfter:  acct.Balance(asset),
		TransactionID: txID,
		ReferenceID:   ref.ReferenceID,
		Description:   ref.Description,
		PreviousHash:  previous,
		Metadata:      meta,
		CreatedAt:     now,
	}
	entry.Hash = entry.GenerateHash()

	if err := s.entries.Create(ctx, entry); err != nil {
		logger.FromContext(ctx).Error("failed to append ledger entry", zap.String("visitor_id", acct.VisitorID), zap.Error(err))
		return nil, errutil.Conflict("ledger changed concurrently, retry", err)
	}
	return entry, nil
}

// VerifyChain re-hashes the visitor's ledger and reports the first broken link.
func (s *Service) VerifyChain(ctx context.Context, visitorID string) (*ChainReport, error) {
	entries, err := s.entries.Find(ctx, &LedgerEntry{VisitorID: visitorID},
		option.WithSortBy(option.QuerySortBy{SortBy: "sequence", OrderBy: "asc", Allow: map[string]bool{"sequence": true}}))
	if err != nil {
		logger.FromContext(ctx).Error("failed to load ledger entries", zap.String("visitor_id", visitorID), zap.Error(err))
		return nil, errutil.Internal("failed to load ledger", err)
	}

	report := verifyChain(visitorID, entries)
	if !report.Valid {
		logger.FromContext(ctx).Warn("ledger chain broken",
			zap.String("visitor_id", visitorID),
			zap.String("entry_id", report.BrokenAt),
			zap.String("reason", report.Reason),
		)
	}
	return report, nil
}

// ListEntries pages through the visitor's ledger oldest first.
func (s *Service) ListEntries(ctx context.Context, visitorID string, page pagination.Pagination) ([]*LedgerEntry, *pagination.PageInfo, error) {
	entries, err := s.entries.Find(ctx, &LedgerEntry{VisitorID: visitorID},
		option.WithSortBy(option.QuerySortBy{SortBy: "sequence", OrderBy: "asc", Allow: map[string]bool{"sequence": true}}),
		option.ApplyPagination(page, "sequence"),
	)
	if err != nil {
		return nil, nil, errutil.Internal("failed to list ledger entries", err)
	}

	entries, info := pagination.Trim(entries, page, func(e *LedgerEntry) pagination.Cursor {
		return pagination.Cursor{After: e.Sequence}
	})
	return entries, info, nil
}

// Stats never fails: storage errors degrade to a zeroed view.
func (s *Service) Stats(ctx context.Context, visitorID string) *Stats {
	acct, err := s.Initialize(ctx, visitorID)
	if err != nil {
		logger.FromContext(ctx).Warn("referral stats degraded to zero", zap.String("visitor_id", visitorID), zap.Error(err))
		return &Stats{
			VisitorID:      visitorID,
			MyReferralCode: s.codes.Derive(visitorID),
			Degraded:       true,
		}
	}

	stats := &Stats{
		VisitorID:      acct.VisitorID,
		MyReferralCode: acct.MyReferralCode,
		Coins:          acct.Coins,
		BonusUnlocks:   acct.BonusUnlocks,
		TotalReferrals: acct.TotalReferrals,
		ValidReferrals: acct.ValidReferrals,
	}
	if acct.PriorityActive(s.now()) {
		stats.PriorityActiveUntil = acct.PriorityUnlockExpiresAt
	}
	return stats
}

// PriorityActive reports whether the visitor currently enjoys reduced gating.
func (s *Service) PriorityActive(ctx context.Context, visitorID string) bool {
	if visitorID == "" || !s.RewardsEnabled(ctx, visitorID) {
		return false
	}

	acct, err := s.accounts.FindOne(ctx, &Account{VisitorID: visitorID})
	if err != nil {
		logger.FromContext(ctx).Warn("priority lookup failed", zap.String("visitor_id", visitorID), zap.Error(err))
		return false
	}
	return acct != nil && acct.PriorityActive(s.now())
}

// StartTimeTracking opens an engagement interval. An open interval is kept.
func (s *Service) StartTimeTracking(ctx context.Context, visitorID string) error {
	if _, err := s.Initialize(ctx, visitorID); err != nil {
		return err
	}

	now := s.clock()
	err := s.db.WithContext(ctx).Model(&Account{}).
		Where("visitor_id = ? AND tracking_started_at IS NULL", visitorID).
		Updates(map[string]any{"tracking_started_at": now, "updated_at": now}).Error
	if err != nil {
		return errutil.Internal("failed to start tracking", err)
	}
	return nil
}

// StopTimeTracking closes the open interval, crediting at most
// MaxTrackedInterval of it. Without an open interval it is a no-op.
func (s *Service) StopTimeTracking(ctx context.Context, visitorID string) (*Account, error) {
	acct, err := s.Initialize(ctx, visitorID)
	if err != nil {
		return nil, err
	}
	if acct.TrackingStartedAt == nil {
		return acct, nil
	}

	now := s.clock()
	elapsed := now.Sub(*acct.TrackingStartedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	if limit := s.rewards.MaxTrackedInterval; limit > 0 && elapsed > limit {
		elapsed = limit
	}
	seconds := int64(elapsed / time.Second)

	res := s.db.WithContext(ctx).Model(&Account{}).
		Where("visitor_id = ? AND tracking_started_at IS NOT NULL", visitorID).
		Updates(map[string]any{
			"total_time_tracked_seconds": gorm.Expr("total_time_tracked_seconds + ?", seconds),
			"tracking_started_at":        nil,
			"updated_at":                 now,
		})
	if res.Error != nil {
		return nil, errutil.Internal("failed to stop tracking", res.Error)
	}

	if res.RowsAffected == 1 {
		if _, err := s.promote(ctx, visitorID); err != nil {
			logger.FromContext(ctx).Warn("failed to evaluate referral promotion", zap.String("visitor_id", visitorID), zap.Error(err))
		}
	}
	return s.account(ctx, visitorID)
}

// RecordContentUnlock counts a completed session once, however often the
// completion is delivered.
func (s *Service) RecordContentUnlock(ctx context.Context, visitorID, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, errutil.BadRequest("session_id is required", nil)
	}
	if _, err := s.Initialize(ctx, visitorID); err != nil {
		return false, err
	}

	counted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock()
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&CountedUnlock{
			SessionID: sessionID,
			VisitorID: visitorID,
			CreatedAt: now,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		if err := tx.Model(&Account{}).
			Where("visitor_id = ?", visitorID).
			Updates(map[string]any{
				"total_unlocks_completed": gorm.Expr("total_unlocks_completed + ?", 1),
				"updated_at":              now,
			}).Error; err != nil {
			return err
		}

		counted = true
		return nil
	})
	if err != nil {
		logger.FromContext(ctx).Error("failed to record content unlock", zap.String("session_id", sessionID), zap.Error(err))
		return false, errutil.Internal("failed to record unlock", err)
	}

	if counted {
		if _, err := s.promote(ctx, visitorID); err != nil {
			logger.FromContext(ctx).Warn("failed to evaluate referral promotion", zap.String("visitor_id", visitorID), zap.Error(err))
		}
	}
	return counted, nil
}
