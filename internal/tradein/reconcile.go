package tradein

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/luiso2/directus-sleep-admin-sub001/internal/itemstore"
	"github.com/luiso2/directus-sleep-admin-sub001/internal/model"
)

const (
	defaultReconcileGrace = time.Minute
	reconcileBatchSize    = 100
)

// StartCouponReconciliation запускает фоновую сверку: одобренным заявкам без купона купон досоздаётся.
func (e *Engine) StartCouponReconciliation(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := e.ReconcileCoupons(ctx); err != nil && ctx.Err() == nil {
					e.logger.Warn("coupon reconciliation failed", zap.Error(err))
				}
			}
		}
	}()
}

// ReconcileCoupons выполняет один проход сверки и возвращает число созданных купонов.
// Читаются только одобренные заявки без отметки coupon_issued_at, начиная с самых старых.
func (e *Engine) ReconcileCoupons(ctx context.Context) (int, error) {
	recs, err := e.store.Read(ctx, model.CollectionEvaluations, itemstore.Query{
		Filter: itemstore.Filter{
			"status":           string(model.EvaluationStatusApproved),
			"coupon_issued_at": nil,
		},
		Sort:  []string{"reviewed_at"},
		Limit: reconcileBatchSize,
	})
	if err != nil {
		return 0, &DependencyError{Op: OpApprove, Err: err}
	}

	now := e.now()
	repaired := 0

	for _, rec := range recs {
		ev, err := decodeEvaluation(OpApprove, rec)
		if err != nil {
			e.logger.Warn("skip undecodable evaluation", zap.Error(err), zap.String("evaluation", rec.ID()))
			continue
		}
		if ev.CouponCode == "" {
			e.logger.Error("approved evaluation without coupon code", zap.String("evaluation", ev.ID))
			continue
		}

		start := now
		if ev.ReviewedAt != nil {
			if now.Sub(*ev.ReviewedAt) < e.reconcileGrace {
				continue
			}
			start = *ev.ReviewedAt
		}

		_, err = itemstore.FindOne(ctx, e.store, model.CollectionCoupons, itemstore.Filter{"code": ev.CouponCode})
		switch {
		case err == nil:
			e.markReconciled(ctx, ev)
			continue
		case !errors.Is(err, itemstore.ErrNotFound):
			e.logger.Warn("lookup coupon", zap.Error(err), zap.String("coupon", ev.CouponCode))
			continue
		}

		if _, err := e.issueCoupon(ctx, couponFor(ev, start)); err != nil {
			e.logger.Error("reconcile coupon", zap.Error(err), zap.String("evaluation", ev.ID))
			continue
		}
		e.markReconciled(ctx, ev)

		e.logger.Info("missing coupon issued", zap.String("evaluation", ev.ID), zap.String("coupon", ev.CouponCode))
		repaired++
	}

	return repaired, nil
}

func (e *Engine) markReconciled(ctx context.Context, ev *model.Evaluation) {
	_, err := e.markCouponIssued(ctx, ev.ID, itemstore.Filter{
		"status":      string(model.EvaluationStatusApproved),
		"coupon_code": ev.CouponCode,
	})
	if err != nil {
		e.logger.Warn("mark coupon issued", zap.Error(err), zap.String("evaluation", ev.ID))
	}
}
