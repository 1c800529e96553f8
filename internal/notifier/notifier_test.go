package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RegimeSentinel/internal/model"
)

func sampleParams() *model.StrategyParams {
	return &model.StrategyParams{
		ID:                   "p-1",
		Regime:               model.RegimeFragile,
		MaxPositionSizeBTC:   decimal.RequireFromString("0.25"),
		LeverageLimit:        decimal.RequireFromString("1.25"),
		RiskBudgetMultiplier: decimal.RequireFromString("0.5"),
		LiquidityHealth:      model.LiquidityWatch,
		ProtocolAlerts:       []string{"[WARNING] aave_v3 USDC: utilization 85.0%"},
		ApprovedBy:           model.ApprovedAuto,
		UpdatedAt:            time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC),
	}
}

func TestTelegramNotifier_Notify(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tn := NewTelegramNotifier("TOKEN", "42", "", nil)
	tn.BaseURL = srv.URL
	require.NoError(t, tn.Notify(context.Background(), "hello", model.SeverityCritical))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "HTML", got["parse_mode"])
	assert.Equal(t, "🚨 hello", got["text"])
}

func TestTelegramNotifier_RetriesExhausted(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	tn := NewTelegramNotifier("TOKEN", "42", "", nil)
	tn.BaseURL = srv.URL
	err := tn.SendWithRetry(context.Background(), "x", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, 1, calls)
}

func TestSlackNotifier_ColorBySeverity(t *testing.T) {
	tests := []struct {
		severity model.AlertSeverity
		color    string
	}{
		{model.SeverityInfo, "#36a64f"},
		{model.SeverityWarning, "#ff9900"},
		{model.SeverityCritical, "#ff0000"},
	}
	for _, tt := range tests {
		t.Run(string(tt.severity), func(t *testing.T) {
			var got struct {
				Attachments []slackAttachment `json:"attachments"`
			}
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			}))
			defer srv.Close()

			require.NoError(t, NewSlackNotifier(srv.URL).Notify(context.Background(), "<b>Regime</b> &amp; more", tt.severity))
			require.Len(t, got.Attachments, 1)
			assert.Equal(t, tt.color, got.Attachments[0].Color)
			assert.Equal(t, "*Regime* & more", got.Attachments[0].Text)
		})
	}
}

type recordingNotifier struct {
	msgs []string
	err  error
}

func (r *recordingNotifier) Notify(_ context.Context, msg string, _ model.AlertSeverity) error {
	r.msgs = append(r.msgs, msg)
	return r.err
}

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	errA := errors.New("a down")
	a := &recordingNotifier{err: errA}
	b := &recordingNotifier{}

	err := Multi{a, b}.Notify(context.Background(), "msg", model.SeverityInfo)
	assert.True(t, errors.Is(err, errA))
	assert.Equal(t, []string{"msg"}, a.msgs)
	assert.Equal(t, []string{"msg"}, b.msgs, "a failing channel must not stop the others")
}

func TestFormatters(t *testing.T) {
	p := sampleParams()
	prev := sampleParams()
	prev.Regime = model.RegimeStable

	msg := FormatTransition(prev, p, &model.MetricSnapshot{AvgFunding: 0.11, StdFunding: 0.02, OIGrowthPct7d: 4, TotalLiquidations7d: 20e6})
	assert.Contains(t, msg, "STABLE → 🟠 FRAGILE")
	assert.Contains(t, msg, "0.2500 BTC")
	assert.Contains(t, msg, "$20.0M")

	blocked := FormatBlocked(p)
	assert.Contains(t, blocked, "/approve p-1")

	assert.Contains(t, FormatProtocolDigest(nil, p.UpdatedAt), "within limits")
	digest := FormatProtocolDigest([]model.ProtocolAlert{{Severity: model.SeverityCritical, Message: "aave_v3 WETH: health factor 1.00"}}, p.UpdatedAt)
	assert.Contains(t, digest, "🚨 aave_v3 WETH")

	assert.Contains(t, FormatCycleError("regime", errors.New("a < b")), "a &lt; b")
	assert.Contains(t, FormatParams(nil), "No strategy parameters")
	assert.Contains(t, FormatPending([]*model.StrategyParams{p}), "<code>p-1</code> FRAGILE ×0.5")
	assert.Equal(t, "No records pending review.", FormatPending(nil))
}
