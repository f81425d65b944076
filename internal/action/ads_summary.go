package action

import (
	"context"
	"errors"
	"fmt"

	"github.com/seantiz/shopagent/internal/browser"
)

// Date ranges offered by the ads center.
const (
	RangeToday  = "today"
	Range7Days  = "7days"
	Range30Days = "30days"
)

var dateRangeLocators = map[string]string{
	RangeToday:  "ads_center.date_today",
	Range7Days:  "ads_center.date_7days",
	Range30Days: "ads_center.date_30days",
}

var adsMetrics = []struct {
	name string
	key  string
}{
	{"spend", "ads_center.total_spend"},
	{"impressions", "ads_center.total_impressions"},
	{"clicks", "ads_center.total_clicks"},
	{"orders", "ads_center.total_orders"},
	{"roas", "ads_center.roas"},
}

type adsSummaryParams struct {
	DateRange string `json:"date_range"`
}

func (p *adsSummaryParams) Validate() error {
	if p.DateRange == "" {
		p.DateRange = RangeToday
	}
	if _, ok := dateRangeLocators[p.DateRange]; !ok {
		return fmt.Errorf("date_range must be one of %s, %s, %s; got %q", RangeToday, Range7Days, Range30Days, p.DateRange)
	}
	return nil
}

// FetchAdsSummary reads the headline metrics of the ads center.
//
// Payload: {"date_range": "today"|"7days"|"30days"} (default "today").
// Result: {"date_range": ..., "metrics": {"spend", "impressions", "clicks", "orders", "roas"}}
// with whichever metrics the page shows.
func FetchAdsSummary() Handler {
	return Define("fetch_ads_summary", 0, fetchAdsSummary)
}

func fetchAdsSummary(ctx context.Context, env Env, p adsSummaryParams) (map[string]any, error) {
	if err := navigate(ctx, env, "ads_center.entry_url"); err != nil {
		return nil, err
	}
	if err := selectDateRange(ctx, env, p.DateRange); err != nil {
		return nil, err
	}

	metrics := make(map[string]any)
	for _, m := range adsMetrics {
		text, err := optionalText(ctx, env, m.key)
		if err != nil {
			return nil, fail(CodeDataExtraction, err, "cannot read %s", m.name)
		}
		if v := ParseNumber(text); v != nil {
			metrics[m.name] = v
		}
	}
	if len(metrics) == 0 {
		return nil, fail(CodeDataExtraction, nil, "no ads metrics found, the page layout may have changed")
	}

	return map[string]any{
		"date_range": p.DateRange,
		"metrics":    metrics,
	}, nil
}

// selectDateRange opens the date picker and picks the range. Pages without
// a picker keep their default range.
func selectDateRange(ctx context.Context, env Env, dateRange string) error {
	picker, ok := env.Locators.Selector("ads_center.date_picker")
	if !ok {
		return nil
	}
	err := env.Session.Click(ctx, picker)
	if errors.Is(err, browser.ErrNoSuchElement) {
		env.logger().Debug("ads date picker not found, using page default", "date_range", dateRange)
		return nil
	}
	if err != nil {
		return fail(CodeNavigation, err, "cannot open date picker")
	}

	option, ok := env.Locators.Selector(dateRangeLocators[dateRange])
	if !ok {
		return nil
	}
	if err := env.Session.Click(ctx, option); err != nil && !errors.Is(err, browser.ErrNoSuchElement) {
		return fail(CodeNavigation, err, "cannot select date range %s", dateRange)
	}
	return nil
}
