package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/genc-murat/crystalsketch/internal/cache"
	"github.com/genc-murat/crystalsketch/internal/config"
	"github.com/genc-murat/crystalsketch/internal/metrics"
)

// writeReport prints one block per configured sketch.
func writeReport(w io.Writer, cfg *config.Config, c *cache.MemoryCache, m *metrics.Metrics) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	for _, def := range cfg.Sketches {
		fmt.Fprintf(tw, "%s (%s)\n", def.Name, def.Kind)

		switch def.Kind {
		case config.KindBloom:
			info, err := c.BFInfo(def.Name)
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "  items\t%d\n", info.Count)
			fmt.Fprintf(tw, "  bits\t%d (%d set, %d hashes)\n", info.M, info.SetBits, info.K)
			fmt.Fprintf(tw, "  false positive rate\t%.6f\n", info.FalsePositiveRate)

		case config.KindCMS:
			info, err := c.CMSInfo(def.Name)
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "  total\t%d\n", info.Count)
			fmt.Fprintf(tw, "  dimensions\t%dx%d\n", info.Width, info.Depth)
			fmt.Fprintf(tw, "  error bound\t%.1f\n", info.ErrorBound)

		case config.KindHLL:
			n, err := c.PFCount(def.Name)
			if err != nil {
				return err
			}
			info, err := c.PFInfo(def.Name)
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "  cardinality\t~%d\n", n)
			fmt.Fprintf(tw, "  relative error\t%.4f\n", info.RelativeError)

		case config.KindTDigest:
			info, err := c.TDigestInfo(def.Name)
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "  count\t%d\n", info.Count)
			if info.Count == 0 {
				break
			}
			values, err := c.TDigestQuantile(def.Name, cfg.Report.Quantiles...)
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "  min / max\t%g / %g\n", info.Min, info.Max)
			for i, q := range cfg.Report.Quantiles {
				fmt.Fprintf(tw, "  %s\t%g\n", quantileLabel(q), values[i])
			}

		case config.KindTrending:
			top, err := c.TrendingTop(def.Name, cfg.Report.TopK, cache.ScoreFor(def))
			if err != nil {
				return err
			}
			if len(top) == 0 {
				fmt.Fprintf(tw, "  (no items)\n")
			}
			for i, s := range top {
				fmt.Fprintf(tw, "  %d. %s\t%g\n", i+1, s.Key, s.Score)
			}
		}
	}

	if m != nil {
		fmt.Fprintf(tw, "operations\t%d (%d errors)\n", m.GetOpCount(), m.GetErrorCount())
		for _, op := range m.Ops() {
			st, _ := m.Op(op)
			fmt.Fprintf(tw, "  %s\t%d calls\t%d errors\t%s avg\n", op, st.Calls, st.Errors, avgLatency(st))
		}
	}
	return tw.Flush()
}

func avgLatency(st metrics.OpStats) time.Duration {
	if st.Calls == 0 {
		return 0
	}
	return time.Duration(st.TotalTime / st.Calls)
}

// quantileLabel renders 0.99 as p99 and 0.999 as p99.9.
func quantileLabel(q float64) string {
	s := strconv.FormatFloat(q*100, 'f', -1, 64)
	if i := strings.IndexByte(s, '.'); i >= 0 && len(s)-i > 4 {
		s = strconv.FormatFloat(q*100, 'f', 2, 64)
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	return "p" + s
}
