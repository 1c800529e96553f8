package notifier

import (
	"fmt"
	"html"
	"strings"
	"time"

	"RegimeSentinel/internal/model"
)

var regimeIcons = map[model.Regime]string{
	model.RegimeRecovery:     "🌱",
	model.RegimeStable:       "🟢",
	model.RegimeTransitional: "🟡",
	model.RegimeFragile:      "🟠",
	model.RegimeStress:       "🔴",
}

func regimeLabel(r model.Regime) string {
	return fmt.Sprintf("%s %s", regimeIcons[r], r)
}

// FormatTransition reports a regime change together with the inputs and new limits.
func FormatTransition(prev, next *model.StrategyParams, m *model.MetricSnapshot) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("🔀 <b>Regime transition</b> | %s\n\n", next.UpdatedAt.UTC().Format("2006-01-02 15:04")))
	if prev != nil {
		b.WriteString(fmt.Sprintf("%s → %s\n\n", regimeLabel(prev.Regime), regimeLabel(next.Regime)))
	} else {
		b.WriteString(fmt.Sprintf("Initial regime: %s\n\n", regimeLabel(next.Regime)))
	}

	if m != nil {
		b.WriteString("📈 <b>Market metrics:</b>\n")
		b.WriteString(fmt.Sprintf("  Funding avg: %.4f%% (σ %.4f%%)\n", m.AvgFunding, m.StdFunding))
		b.WriteString(fmt.Sprintf("  OI growth 7d: %+.1f%%\n", m.OIGrowthPct7d))
		b.WriteString(fmt.Sprintf("  Liquidations 7d: $%.1fM\n\n", m.TotalLiquidations7d/1e6))
	}

	b.WriteString(formatLimits(next))
	return b.String()
}

// FormatBlocked reports a record held back for operator review.
func FormatBlocked(p *model.StrategyParams) string {
	var b strings.Builder
	b.WriteString("⛔ <b>Parameters blocked pending review</b>\n\n")
	b.WriteString(fmt.Sprintf("Regime: %s\n", regimeLabel(p.Regime)))
	b.WriteString(formatLimits(p))
	b.WriteString(fmt.Sprintf("\nApprove with <code>/approve %s</code>", p.ID))
	return b.String()
}

// FormatProtocolDigest lists the alerts raised by a protocol scan.
func FormatProtocolDigest(alerts []model.ProtocolAlert, at time.Time) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("🏦 <b>Protocol health</b> | %s\n\n", at.UTC().Format("2006-01-02 15:04")))
	if len(alerts) == 0 {
		b.WriteString("All monitored pools within limits ✅")
		return b.String()
	}
	for _, a := range alerts {
		b.WriteString(fmt.Sprintf("%s %s\n", severityBadge(a.Severity), html.EscapeString(a.Message)))
	}
	return b.String()
}

// FormatCycleError reports an abandoned cycle.
func FormatCycleError(family string, err error) string {
	return fmt.Sprintf("❌ <b>%s cycle failed</b>\n\n%s", family, html.EscapeString(err.Error()))
}

// FormatParams formats the authoritative record for display.
func FormatParams(p *model.StrategyParams) string {
	if p == nil {
		return "📦 No strategy parameters published yet."
	}
	var b strings.Builder
	b.WriteString("📦 <b>Current strategy parameters</b>\n\n")
	b.WriteString(fmt.Sprintf("Regime: %s\n", regimeLabel(p.Regime)))
	b.WriteString(formatLimits(p))
	b.WriteString(fmt.Sprintf("Approved by: %s\n", html.EscapeString(p.ApprovedBy)))
	b.WriteString(fmt.Sprintf("Updated: %s (%s ago)\n",
		p.UpdatedAt.UTC().Format("2006-01-02 15:04"),
		time.Since(p.UpdatedAt).Truncate(time.Minute)))
	return b.String()
}

// FormatPending lists records awaiting approval.
func FormatPending(list []*model.StrategyParams) string {
	if len(list) == 0 {
		return "No records pending review."
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("⏳ <b>%d pending</b>\n\n", len(list)))
	for _, p := range list {
		b.WriteString(fmt.Sprintf("<code>%s</code> %s ×%s | %s\n",
			p.ID, p.Regime, p.RiskBudgetMultiplier.String(), p.UpdatedAt.UTC().Format("2006-01-02 15:04")))
	}
	return b.String()
}

func formatLimits(p *model.StrategyParams) string {
	var b strings.Builder
	b.WriteString("💰 <b>Limits:</b>\n")
	b.WriteString(fmt.Sprintf("  Max position: %s BTC\n", p.MaxPositionSizeBTC.StringFixed(4)))
	b.WriteString(fmt.Sprintf("  Leverage: %sx\n", p.LeverageLimit.StringFixed(2)))
	b.WriteString(fmt.Sprintf("  Risk budget: ×%s\n", p.RiskBudgetMultiplier.String()))
	b.WriteString(fmt.Sprintf("  Liquidity: %s\n", p.LiquidityHealth))
	for _, a := range p.ProtocolAlerts {
		b.WriteString(fmt.Sprintf("  • %s\n", html.EscapeString(a)))
	}
	return b.String()
}

var tagStripper = strings.NewReplacer(
	"<b>", "*", "</b>", "*",
	"<code>", "`", "</code>", "`",
	"<i>", "_", "</i>", "_",
)

// StripHTML converts the Telegram HTML subset into plain markdown.
func StripHTML(s string) string {
	return html.UnescapeString(tagStripper.Replace(s))
}

// FormatAssessmentAges shows how stale each sub-assessment is.
func FormatAssessmentAges(a model.Assessments, now time.Time) string {
	var b strings.Builder
	b.WriteString("🕒 <b>Assessments</b>\n")
	line := func(name, value string, at time.Time) {
		if at.IsZero() {
			b.WriteString(fmt.Sprintf("  %s: never\n", name))
			return
		}
		b.WriteString(fmt.Sprintf("  %s: %s (%s ago)\n", name, value, now.Sub(at).Truncate(time.Minute)))
	}
	regime, liquidity := "-", "-"
	if a.Regime != nil {
		regime = string(*a.Regime)
	}
	if a.Liquidity != nil {
		liquidity = fmt.Sprintf("%s %+.1f%%", *a.Liquidity, a.DeviationPct)
	}
	line("Regime", regime, a.RegimeAt)
	line("Liquidity", liquidity, a.LiquidityAt)
	line("Protocols", fmt.Sprintf("%d alerts", len(a.Alerts)), a.ProtocolAt)
	return b.String()
}
