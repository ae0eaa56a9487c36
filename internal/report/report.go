// Package report renders HTML charts of closed check sessions from the audit
// store.
package report

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/gatecheck/internal/audit"
	"github.com/banshee-data/gatecheck/internal/decision"
	"github.com/banshee-data/gatecheck/internal/events"
	"github.com/banshee-data/gatecheck/internal/monitoring"
)

var log = monitoring.Component("report")

// DefaultLimit caps the sessions and completions read for one report.
const DefaultLimit = 200

// Source is the read side of the audit store.
type Source interface {
	Sessions(ctx context.Context, f audit.SessionFilter) ([]events.Session, error)
	Completions(ctx context.Context, gateID string, limit int) ([]decision.Completion, error)
}

// Options selects what a report covers.
type Options struct {
	GateID     string // empty for all gates
	Since      time.Time
	Limit      int
	AssetsHost string // empty for the go-echarts default
	Threshold  float64
}

// Summary is the aggregate behind a report.
type Summary struct {
	Sessions    int
	ByStatus    map[events.Status]int
	Completions []decision.Completion // oldest first
	MeanTotal   float64
}

// Summarize reads the audit store and aggregates it.
func Summarize(ctx context.Context, src Source, o Options) (Summary, error) {
	limit := o.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	sessions, err := src.Sessions(ctx, audit.SessionFilter{GateID: o.GateID, Since: o.Since, Limit: limit})
	if err != nil {
		return Summary{}, fmt.Errorf("read sessions: %w", err)
	}
	completions, err := src.Completions(ctx, o.GateID, limit)
	if err != nil {
		return Summary{}, fmt.Errorf("read completions: %w", err)
	}

	s := Summary{Sessions: len(sessions), ByStatus: make(map[events.Status]int)}
	for _, sess := range sessions {
		s.ByStatus[sess.Status]++
	}
	for _, c := range completions {
		if !o.Since.IsZero() && c.Timestamp.Before(o.Since) {
			continue
		}
		s.Completions = append(s.Completions, c)
	}
	sort.Slice(s.Completions, func(i, j int) bool {
		return s.Completions[i].Timestamp.Before(s.Completions[j].Timestamp)
	})
	if n := len(s.Completions); n > 0 {
		var sum float64
		for _, c := range s.Completions {
			sum += c.Score.Total
		}
		s.MeanTotal = sum / float64(n)
	}
	return s, nil
}

// Render writes an HTML page with the score breakdown of every completion
// and the session outcomes.
func Render(ctx context.Context, w io.Writer, src Source, o Options) error {
	s, err := Summarize(ctx, src, o)
	if err != nil {
		return err
	}
	scope := o.GateID
	if scope == "" {
		scope = "all gates"
	}

	page := components.NewPage()
	page.PageTitle = "Gate check sessions"
	if o.AssetsHost != "" {
		page.SetAssetsHost(o.AssetsHost)
	}
	page.AddCharts(scoreChart(s, scope, o), outcomeChart(s, scope, o))
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	log.Tracef("rendered report scope=%s sessions=%d completions=%d", scope, s.Sessions, len(s.Completions))
	return nil
}

func initOpts(o Options) opts.Initialization {
	in := opts.Initialization{Width: "100%", Height: "480px"}
	if o.AssetsHost != "" {
		in.AssetsHost = o.AssetsHost
	}
	return in
}

func scoreChart(s Summary, scope string, o Options) *charts.Bar {
	x := make([]string, len(s.Completions))
	base := make([]opts.BarData, len(s.Completions))
	contact := make([]opts.BarData, len(s.Completions))
	poseC := make([]opts.BarData, len(s.Completions))
	persistence := make([]opts.BarData, len(s.Completions))
	for i, c := range s.Completions {
		x[i] = fmt.Sprintf("%s #%d", c.Timestamp.UTC().Format("01-02 15:04:05"), c.VisitorID)
		base[i] = opts.BarData{Value: c.Score.Base}
		contact[i] = opts.BarData{Value: c.Score.Contact}
		poseC[i] = opts.BarData{Value: c.Score.Pose}
		persistence[i] = opts.BarData{Value: c.Score.Persistence}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(o)),
		charts.WithTitleOpts(opts.Title{
			Title:    "Check score breakdown",
			Subtitle: fmt.Sprintf("%s completions=%d mean=%.3f threshold=%.2f", scope, len(s.Completions), s.MeanTotal, o.Threshold),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 1, Name: "score"}),
	)
	stack := charts.WithBarChartOpts(opts.BarChart{Stack: "score"})
	bar.SetXAxis(x).
		AddSeries("base", base, stack).
		AddSeries("contact", contact, stack).
		AddSeries("pose", poseC, stack).
		AddSeries("persistence", persistence, stack)
	return bar
}

var statusOrder = []events.Status{
	events.StatusCompleted,
	events.StatusTimedOut,
	events.StatusAbandoned,
	events.StatusCancelled,
	events.StatusActive,
}

func outcomeChart(s Summary, scope string, o Options) *charts.Pie {
	data := make([]opts.PieData, 0, len(statusOrder))
	for _, st := range statusOrder {
		if n := s.ByStatus[st]; n > 0 {
			data = append(data, opts.PieData{Name: string(st), Value: n})
		}
	}

	pie := charts.NewPie()
	pie.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(o)),
		charts.WithTitleOpts(opts.Title{Title: "Session outcomes", Subtitle: fmt.Sprintf("%s sessions=%d", scope, s.Sessions)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
	)
	pie.AddSeries("outcomes", data,
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Formatter: "{b}: {c}"}),
		charts.WithPieChartOpts(opts.PieChart{Radius: []string{"35%", "65%"}}),
	)
	return pie
}
