package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/govd/govd/internal/consent"
	"github.com/govd/govd/internal/event"
	"github.com/govd/govd/internal/inputfilter"
	"github.com/govd/govd/internal/journal"
	"github.com/govd/govd/internal/role"
	"github.com/govd/govd/internal/ruleset"
	"github.com/govd/govd/internal/spend"
	"github.com/govd/govd/internal/storage"
	"github.com/govd/govd/internal/template"
	"github.com/govd/govd/internal/token"
)

// handleDecide accepts a request either with a valid API key or with a
// valid capability token named in the event body -- the one endpoint agents
// can reach without holding an operator credential.
func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var ev event.Event
	if err := decodeJSON(r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if !s.validAPIKey(apiKeyFromRequest(r)) {
		if ev.Token == "" || !s.tokens.Introspect(ev.Token).Active {
			writeError(w, http.StatusUnauthorized, "missing or invalid api key")
			return
		}
	}

	decision, err := s.engine.Decide(r.Context(), ev)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// handleAwait long-polls the consent broker for the human verdict on a
// parked "ask". When the ticket's own deadline passes, the broker decides
// it as block with reason "timeout" and that verdict is returned. When only
// this request's context ends (X-Await-Timeout-Ms or a client disconnect),
// the ticket stays parked and the response reports it is still awaiting a
// decision.
func (s *Server) handleAwait(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	ctx := r.Context()
	if ms := r.Header.Get("X-Await-Timeout-Ms"); ms != "" {
		if n, err := strconv.Atoi(ms); err == nil && n > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(n)*time.Millisecond)
			defer cancel()
		}
	}

	verdict, err := s.broker.Wait(ctx, id)
	switch {
	case err == consent.ErrUnknownTicket:
		writeError(w, http.StatusNotFound, "unknown ticket")
		return
	case err != nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": string(event.StatusAsk), "message": "still awaiting decision"})
		return
	}

	resp := map[string]interface{}{"status": verdict.Status}
	if verdict.Token != nil {
		resp["token"] = verdict.Token
	}
	if verdict.Reason != "" {
		resp["message"] = verdict.Reason
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDecideTicket supplies the human verdict for a parked "ask" ticket.
// It is the dashboard-facing counterpart to handleAwait's long-poll: a
// grant may optionally mint a capability token for the ticket's agent so
// the waiter (and any future request) can skip policy evaluation for the
// scopes named here.
func (s *Server) handleDecideTicket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req struct {
		Status      string            `json:"status"`
		Reason      string            `json:"reason"`
		Scopes      []string          `json:"scopes"`
		DurationSec int               `json:"durationSec"`
		Tags        map[string]string `json:"tags"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	status := event.Status(req.Status)
	if status != event.StatusAllow && status != event.StatusBlock {
		writeError(w, http.StatusBadRequest, "status must be allow or block")
		return
	}

	var grantedToken *token.Token
	if status == event.StatusAllow && len(req.Scopes) > 0 {
		agent, ok := s.broker.Agent(id)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown ticket")
			return
		}
		durationSec := req.DurationSec
		if durationSec <= 0 {
			durationSec = 3600
		}
		t, err := s.tokens.Issue(agent, req.Scopes, durationSec, req.Reason, "consent", req.Tags)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if _, err := s.journal.Append(journal.KindToken, t); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		grantedToken = t
	}

	verdict, err := s.broker.Decide(id, status, grantedToken, req.Reason)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown ticket")
		return
	}

	rec, err := s.journal.Append(journal.KindDecision, struct {
		EventID string          `json:"eventId"`
		Verdict consent.Verdict `json:"verdict"`
	}{id, verdict})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.bus.Publish(rec)

	resp := map[string]interface{}{"status": verdict.Status}
	if verdict.Token != nil {
		resp["token"] = verdict.Token
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePostEvent records a post-hoc event directly to the journal, without
// running it through the decision pipeline.
func (s *Server) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	var ev event.Event
	if err := decodeJSON(r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	rec, err := s.journal.Append(journal.KindEvent, struct {
		Event event.Event `json:"event"`
	}{ev})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.bus.Publish(rec)
	writeJSON(w, http.StatusOK, map[string]string{})
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	records, err := s.journal.Range(time.Time{}, time.Now(), 0)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if len(records) > limit {
		records = records[len(records)-limit:]
	}
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": records})
}

func (s *Server) handleTimelineReplay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FromTs time.Time `json:"fromTs"`
		ToTs   time.Time `json:"toTs"`
		Limit  int       `json:"limit"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ToTs.IsZero() {
		req.ToTs = time.Now()
	}
	records, err := s.journal.Range(req.FromTs, req.ToTs, req.Limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": records})
}

func (s *Server) handleTimelineNDJSON(w http.ResponseWriter, r *http.Request) {
	s.exportTimeline(w, journal.FormatNDJSON)
}

// handleTimelineExport streams the full journal in the format named by the
// "format" query parameter (ndjson when absent).
func (s *Server) handleTimelineExport(w http.ResponseWriter, r *http.Request) {
	format, err := journal.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.exportTimeline(w, format)
}

func (s *Server) exportTimeline(w http.ResponseWriter, format journal.Format) {
	records, err := s.journal.Range(time.Time{}, time.Now(), 0)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(http.StatusOK)
	_ = journal.Export(w, records, format)
}

func (s *Server) handleTokensIssue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Agent       string            `json:"agent"`
		Scopes      []string          `json:"scopes"`
		DurationSec int               `json:"durationSec"`
		Reason      string            `json:"reason"`
		Tags        map[string]string `json:"tags"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	t, err := s.tokens.Issue(req.Agent, req.Scopes, req.DurationSec, req.Reason, apiKeyFromRequest(r), req.Tags)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.journal.Append(journal.KindToken, t); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"token": t})
}

func (s *Server) handleTokensIntrospect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.tokens.Introspect(req.Token))
}

func (s *Server) tokenBody(r *http.Request) (string, error) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		return "", err
	}
	return req.Token, nil
}

func (s *Server) handleTokensPause(w http.ResponseWriter, r *http.Request)  { s.handleTokenTransition(w, r, s.tokens.Pause) }
func (s *Server) handleTokensResume(w http.ResponseWriter, r *http.Request) { s.handleTokenTransition(w, r, s.tokens.Resume) }
func (s *Server) handleTokensRevoke(w http.ResponseWriter, r *http.Request) { s.handleTokenTransition(w, r, s.tokens.Revoke) }

func (s *Server) handleTokenTransition(w http.ResponseWriter, r *http.Request, transition func(string) error) {
	secret, err := s.tokenBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := transition(secret); err != nil {
		switch err {
		case token.ErrUnknownToken:
			writeError(w, http.StatusNotFound, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	if _, err := s.journal.Append(journal.KindToken, map[string]string{"token": secret}); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleTokensList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"tokens": s.tokens.List()})
}

func (s *Server) handleTemplatesList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"templates": s.templates.List()})
}

func (s *Server) handleTemplatesValidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		YAML string `json:"yaml"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": false, "error": err.Error()})
		return
	}
	result := template.Validate(req.YAML)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok": true, "valid": result.Valid, "errors": result.Errors,
		"warnings": result.Warnings, "parsed": result.Parsed,
	})
}

func (s *Server) handleRolesApply(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID   string         `json:"agentId"`
		Template  string         `json:"template"`
		Overrides role.Overrides `json:"overrides"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": false, "error": err.Error()})
		return
	}
	policy, err := s.roles.Apply(req.AgentID, req.Template, req.Overrides)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": false, "error": err.Error()})
		return
	}
	if _, err := s.journal.Append(journal.KindRoleApplied, policy); err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "policy": policy})
}

func (s *Server) handleRolesList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"roles": s.roles.List()})
}

func (s *Server) handleRolesGet(w http.ResponseWriter, r *http.Request) {
	agent := r.PathValue("agentId")
	policy, ok := s.roles.Get(agent)
	if !ok {
		writeError(w, http.StatusNotFound, "no role applied for agent")
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

func (s *Server) handlePolicyTest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Agent  string               `json:"agent"`
		Intent string               `json:"intent"`
		Target string               `json:"target"`
		Policy *role.ResolvedPolicy `json:"policy"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": false, "error": err.Error()})
		return
	}

	policy := req.Policy
	if policy == nil {
		p, ok := s.roles.Get(req.Agent)
		if !ok {
			p = &role.ResolvedPolicy{Agent: req.Agent}
		}
		policy = p
	}

	status, rule, source := event.StatusAllow, "", ""
	if rule2, ok := ruleset.FirstMatch(policy.Block, req.Intent, req.Target); ok {
		status, rule, source = event.StatusBlock, rule2, "block"
	} else if rule2, ok := ruleset.FirstMatch(policy.Ask, req.Intent, req.Target); ok {
		status, rule, source = event.StatusAsk, rule2, "ask"
	} else if rule2, ok := ruleset.FirstMatch(policy.Allow, req.Intent, req.Target); ok {
		status, rule, source = event.StatusAllow, rule2, "allow"
	}

	resp := map[string]interface{}{"ok": true, "status": status}
	if rule != "" {
		resp["rule"] = rule
		resp["source"] = source
		resp["signature"] = rule
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInputFilterTest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
		Policy  string `json:"policy"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	result := inputfilter.Scan(req.Content, inputfilter.Level(req.Policy))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok": true, "allowed": result.Allowed, "sanitized": result.Sanitized,
		"classifications": result.Classifications, "redactions": result.Redactions,
		"warnings": result.Warnings, "policy": req.Policy,
	})
}

func (s *Server) handleWebhooksList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "webhooks": s.bus.Webhooks()})
}

func (s *Server) handleWebhooksAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL    string `json:"url"`
		Secret string `json:"secret"`
	}
	if err := decodeJSON(r, &req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	s.bus.RegisterWebhook(req.URL, req.Secret)
	if s.webhooks != nil {
		if err := s.webhooks.SaveWebhook(storage.Webhook{URL: req.URL, Secret: req.Secret}); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "webhooks": s.bus.Webhooks()})
}

func (s *Server) handleWebhooksDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := decodeJSON(r, &req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	s.bus.RemoveWebhook(req.URL)
	if s.webhooks != nil {
		if err := s.webhooks.DeleteWebhook(req.URL); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "webhooks": s.bus.Webhooks()})
}

func (s *Server) handleMetricsLLM(w http.ResponseWriter, r *http.Request) {
	var summaries []spend.Summary
	for _, p := range s.roles.List() {
		summary, err := s.ledger.Summarize(r.Context(), p.Agent, p.Limits)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		summaries = append(summaries, summary)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"summary": summaries})
}

func (s *Server) handleMetricsChaos(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.ChaosStats()
	agentsWithChaos := 0
	for _, p := range s.roles.List() {
		if p.Chaos != nil && p.Chaos.Enabled {
			agentsWithChaos++
		}
	}
	rate := 0.0
	if stats.Evaluated > 0 {
		rate = float64(stats.Injected) / float64(stats.Evaluated)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":              stats,
		"agentsWithChaos":    agentsWithChaos,
		"chaosInjectionRate": rate,
	})
}

func (s *Server) handleScopes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"scopes": scopeTaxonomy})
}
