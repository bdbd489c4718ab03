package main

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pricerouter/config"
	"pricerouter/internal/model"
	"pricerouter/internal/notification"
	"pricerouter/internal/router"
)

type alertSink interface {
	Notify(a notification.Alert)
}

func buildNotifier(cfg *config.Config, log *zap.Logger) notification.Notifier {
	n := notification.Multi{notification.NewLogNotifier(log)}
	if cfg.Alerts.WebhookURL != "" {
		n = append(n, notification.NewWebhookNotifier(cfg.Alerts.WebhookURL, cfg.Service))
	}
	if cfg.Alerts.TelegramBotToken != "" && cfg.Alerts.TelegramChatID != "" {
		n = append(n, notification.NewTelegramNotifier(cfg.Alerts.TelegramBotToken, cfg.Alerts.TelegramChatID))
	}
	return n
}

// transitionAlert describes a phase change. Losing both sources is critical,
// running on fallback is a warning.
func transitionAlert(tr router.Transition) notification.Alert {
	level := notification.AlertInfo
	switch tr.To {
	case router.PhaseBothUnavailable:
		level = notification.AlertCritical
	case router.PhaseFallbackActive:
		level = notification.AlertWarning
	}
	return notification.Alert{
		Level:   level,
		Kind:    notification.KindPhaseTransition,
		Title:   "Routing phase " + tr.To.String(),
		Message: fmt.Sprintf("%s -> %s: %s", tr.From, tr.To, tr.Reason),
		Phase:   tr.To.String(),
		At:      tr.At,
	}
}

// divergenceAlerter raises one alert when a symbol's divergence crosses the
// limit and re-arms once it is back under. Called from the monitor goroutine
// only.
type divergenceAlerter struct {
	limit  decimal.Decimal
	out    alertSink
	firing map[string]bool
}

func newDivergenceAlerter(limitPct float64, out alertSink) *divergenceAlerter {
	return &divergenceAlerter{
		limit:  decimal.NewFromFloat(limitPct),
		out:    out,
		firing: make(map[string]bool),
	}
}

func (a *divergenceAlerter) observe(rec model.DivergenceRecord) {
	if a.limit.Sign() <= 0 {
		return
	}
	over := rec.DeltaPct.GreaterThan(a.limit)
	if over == a.firing[rec.Symbol] {
		return
	}
	a.firing[rec.Symbol] = over
	if !over {
		return
	}
	a.out.Notify(notification.Alert{
		Level:  notification.AlertWarning,
		Kind:   notification.KindDivergence,
		Symbol: rec.Symbol,
		Title:  "Provider divergence " + rec.Symbol,
		Message: fmt.Sprintf("primary %s vs fallback %s (%s%% > %s%%)",
			rec.PrimaryPrice, rec.FallbackPrice, rec.DeltaPct.StringFixed(2), a.limit),
		At: rec.RecordedAt,
	})
}
