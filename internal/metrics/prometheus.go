package metrics

import (
	"bufio"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

const (
	eventsMetric = "aero_webrtc_signal_relay_events_total"
	gaugePrefix  = "aero_webrtc_signal_relay_"
)

// Gauge is a point-in-time value sampled on every scrape.
type Gauge struct {
	Name  string
	Help  string
	Value func() int64
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// PrometheusHandler serves counters as one labelled counter family and each
// gauge as its own family, in the text exposition format.
func PrometheusHandler(m *Metrics, gauges ...Gauge) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		bw := bufio.NewWriter(w)
		defer bw.Flush()

		writeCounters(bw, m.Snapshot())
		for _, g := range gauges {
			if g.Value == nil {
				continue
			}
			name := gaugePrefix + g.Name
			bw.WriteString("# HELP " + name + " " + g.Help + "\n")
			bw.WriteString("# TYPE " + name + " gauge\n")
			bw.WriteString(name + " " + strconv.FormatInt(g.Value(), 10) + "\n")
		}
	})
}

func writeCounters(bw *bufio.Writer, snap map[string]uint64) {
	events := make([]string, 0, len(snap))
	for k := range snap {
		events = append(events, k)
	}
	sort.Strings(events)

	bw.WriteString("# HELP " + eventsMetric + " Signal relay event counters.\n")
	bw.WriteString("# TYPE " + eventsMetric + " counter\n")
	for _, ev := range events {
		bw.WriteString(eventsMetric + `{event="` + labelEscaper.Replace(ev) + `"} `)
		bw.WriteString(strconv.FormatUint(snap[ev], 10) + "\n")
	}
}
