package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/vigilbox/vigilbox/pkg/monitor"
)

type endpointInfo struct {
	path string
	desc string
}

// endpointIndex drives the landing page. Order is presentation order.
var endpointIndex = []endpointInfo{
	{"/metrics", "Get metrics from sandboxes"},
	{"/sandboxes", "List all sandboxes"},
	{"/healthz", "Agent health and lifecycle state"},
	{"/events", "Stream lifecycle events over WebSocket"},
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if wantsHTML(r) {
		var b strings.Builder
		b.WriteString("<h1>Available HTTP endpoints:</h1>\n<ul>\n")
		for _, ep := range endpointIndex {
			fmt.Fprintf(&b, "<li><b><a href='%s'>%s</a></b>: %s</li>\n", ep.path, ep.path, ep.desc)
		}
		b.WriteString("</ul>\n")
		writeHTML(w, http.StatusOK, b.String())
		return
	}

	width := 0
	for _, ep := range endpointIndex {
		if len(ep.path) > width {
			width = len(ep.path)
		}
	}
	width += 3

	var b strings.Builder
	b.WriteString("Available HTTP endpoints:\n")
	for _, ep := range endpointIndex {
		fmt.Fprintf(&b, "%-*s: %s\n", width, ep.path, ep.desc)
	}
	writeText(w, http.StatusOK, b.String())
}

// handleMetrics serves cached sandbox metrics in cAdvisor text format.
// Without a sandbox parameter it aggregates the agent's self-metrics
// followed by one block per sandbox; sandboxes without a cached entry
// yet are skipped. With ?sandbox=<id> it serves one sandbox, and
// raw=1 additionally disables conversion and returns the guest
// exposition exactly as last scraped.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if id := query.Get("sandbox"); id != "" {
		s.serveSandboxMetrics(w, id, isTruthy(query.Get("raw")))
		return
	}

	var b strings.Builder
	if s.deps.Self != nil {
		payload, err := s.deps.Self.Render()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to render self-metrics")
		} else {
			b.Write(payload)
		}
	}

	ids := s.deps.Registry.List()
	sort.Strings(ids)

	if len(ids) == 0 {
		b.WriteString("# No sandboxes running\n")
		writeText(w, http.StatusOK, b.String())
		return
	}

	served := 0
	for _, id := range ids {
		cached, ok := s.deps.Store.Get(id)
		if !ok {
			log.Debug().Str("sandbox_id", id).Msg("No cached metrics for sandbox yet")
			continue
		}
		fmt.Fprintf(&b, "# Metrics from sandbox: %s\n", id)
		b.WriteString(s.deps.Converter.Convert(id, cached.Families).Text())
		b.WriteString("\n")
		served++
	}

	log.Debug().Int("sandboxes", len(ids)).Int("served", served).Msg("Aggregated metrics request")
	writeText(w, http.StatusOK, b.String())
}

func (s *Server) serveSandboxMetrics(w http.ResponseWriter, id string, raw bool) {
	cached, ok := s.deps.Store.Get(id)
	if !ok {
		writeText(w, http.StatusNotFound, fmt.Sprintf("No cached metrics found for sandbox: %s\n", id))
		return
	}

	if raw {
		var buf bytes.Buffer
		if err := cached.Render(&buf); err != nil {
			log.Error().Err(err).Str("sandbox_id", id).Msg("Failed to render raw metrics")
			writeText(w, http.StatusInternalServerError, "Failed to render raw metrics\n")
			return
		}
		writeText(w, http.StatusOK, buf.String())
		return
	}

	writeText(w, http.StatusOK, s.deps.Converter.Convert(id, cached.Families).Text())
}

func (s *Server) handleSandboxes(w http.ResponseWriter, r *http.Request) {
	snapshot := s.deps.Registry.Snapshot()
	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if wantsHTML(r) {
		var b strings.Builder
		b.WriteString("<h1>Sandbox list</h1>\n")
		if len(ids) == 0 {
			b.WriteString("<p>No sandboxes running</p>\n")
		} else {
			b.WriteString("<table border='1' style='border-collapse:collapse'>\n")
			b.WriteString("<tr><th>ID</th><th>UID</th><th>Name</th><th>Namespace</th><th>Actions</th></tr>\n")
			for _, id := range ids {
				md := snapshot[id]
				fmt.Fprintf(&b, "<tr><td><code>%s</code></td><td>%s</td><td>%s</td><td>%s</td><td><a href='/metrics?sandbox=%s'>metrics</a></td></tr>\n",
					html.EscapeString(id),
					html.EscapeString(orUnknown(md.UID)),
					html.EscapeString(orUnknown(md.Name)),
					html.EscapeString(orUnknown(md.Namespace)),
					url.QueryEscape(id))
			}
			b.WriteString("</table>\n")
		}
		writeHTML(w, http.StatusOK, b.String())
		return
	}

	if len(ids) == 0 {
		writeText(w, http.StatusOK, "No sandboxes running\n")
		return
	}

	var b strings.Builder
	for _, id := range ids {
		md := snapshot[id]
		fmt.Fprintf(&b, "ID: %s\n  UID: %s\n  Name: %s\n  Namespace: %s\n\n",
			id, orUnknown(md.UID), orUnknown(md.Name), orUnknown(md.Namespace))
	}
	writeText(w, http.StatusOK, b.String())
}

type healthResponse struct {
	Status    string        `json:"status"`
	State     monitor.State `json:"state"`
	Sandboxes int           `json:"sandboxes"`
	Metrics   int           `json:"metrics"`
}

// handleHealth reports readiness. The agent is healthy once the
// reconciler has finished its initial scan and is in steady-state
// monitoring; before that, orchestrators should hold off scraping.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := monitor.StateUnready
	if s.deps.Health != nil {
		state = s.deps.Health.State()
	}

	resp := healthResponse{
		Status:    "starting",
		State:     state,
		Sandboxes: s.deps.Registry.Len(),
		Metrics:   s.deps.Store.Len(),
	}
	code := http.StatusServiceUnavailable
	if state == monitor.StateMonitoring {
		resp.Status = "ok"
		code = http.StatusOK
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode health response")
	}
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func isTruthy(v string) bool {
	return v == "1" || strings.EqualFold(v, "true")
}

func orUnknown(v string) string {
	if v == "" {
		return "<unknown>"
	}
	return v
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	if _, err := w.Write([]byte(body)); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}

func writeHTML(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	if _, err := w.Write([]byte(body)); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}
