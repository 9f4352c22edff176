package server

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/paneldns/paneldns/internal/queue"
	"github.com/paneldns/paneldns/internal/store"
	"github.com/paneldns/paneldns/internal/zonefile"
)

// maxZoneBody caps a single zone push. DirectAdmin zones are tiny; anything
// near this size is garbage or abuse.
const maxZoneBody = 4 << 20

func (s *Server) handleLoginTest(w http.ResponseWriter, r *http.Request) {
	writeDA(w, http.StatusOK, url.Values{"error": {"0"}, "text": {"Login OK"}})
}

// handleDNSAdmin is the POST side of CMD_API_DNS_ADMIN. DirectAdmin sends
// urlencoded forms for delete and either a zone_file form field or a raw
// text body for rawsave. A POST without an action is a connectivity check.
func (s *Server) handleDNSAdmin(w http.ResponseWriter, r *http.Request) {
	params, err := s.adminParams(r)
	if err != nil {
		writeDA(w, http.StatusBadRequest, url.Values{"error": {"1"}, "text": {err.Error()}})
		return
	}

	action := params.Get("action")
	if action == "" {
		slog.Debug("push without action, treating as connectivity check", "remote", r.RemoteAddr)
		writeDA(w, http.StatusOK, url.Values{"error": {"0"}, "text": {"OK"}})
		return
	}
	domain := params.Get("domain")
	if domain == "" {
		writeDA(w, http.StatusBadRequest, url.Values{"error": {"1"}, "text": {"missing domain parameter"}})
		return
	}

	switch action {
	case "rawsave":
		s.handleRawSave(w, r, domain, params)
	case "delete":
		s.handleDelete(w, r, domain, params)
	default:
		writeDA(w, http.StatusBadRequest, url.Values{
			"error": {"1"}, "text": {fmt.Sprintf("unsupported action: %s", action)},
		})
	}
}

// adminParams merges query and body parameters. Body wins on conflicts. A
// non-form body is the zone text itself, the way DirectAdmin uploads zones.
func (s *Server) adminParams(r *http.Request) (url.Values, error) {
	params := url.Values{}
	for k, vs := range r.URL.Query() {
		params[k] = vs
	}

	ct := r.Header.Get("Content-Type")
	if strings.Contains(ct, "application/x-www-form-urlencoded") {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxZoneBody))
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("parse form body: %w", err)
		}
		for k, vs := range form {
			params[k] = vs
		}
		return params, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxZoneBody))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(body) > 0 && params.Get("zone_file") == "" {
		params.Set("zone_file", string(body))
	}
	return params, nil
}

// handleRawSave validates the pushed zone, transfers ownership in the store
// when the push comes from a different upstream, and enqueues the save. The
// 200 is returned only after the item is durable on disk.
func (s *Server) handleRawSave(w http.ResponseWriter, r *http.Request, domain string, params url.Values) {
	zoneData := params.Get("zone_file")
	if zoneData == "" {
		writeDA(w, http.StatusBadRequest, url.Values{"error": {"1"}, "text": {"missing zone file content"}})
		return
	}

	normalized, err := zonefile.Normalize(zoneData, domain)
	if err != nil {
		slog.Warn("rejected unparseable zone push", "zone", domain, "error", err)
		writeDA(w, http.StatusBadRequest, url.Values{"error": {"1"}, "text": {err.Error()}})
		return
	}

	hostname := params.Get("hostname")
	username := params.Get("username")

	row, err := s.store.GetDomain(r.Context(), domain)
	if err != nil {
		slog.Error("fail read domain at ingress", "zone", domain, "error", err)
		writeDA(w, http.StatusInternalServerError, url.Values{"error": {"1"}, "text": {"storage error"}})
		return
	}
	if row != nil && hostname != "" && row.UpstreamServerHostname != "" &&
		row.UpstreamServerHostname != hostname {
		slog.Warn("[migration] zone pushed from a different upstream, transferring ownership",
			"zone", domain, "from", row.UpstreamServerHostname, "to", hostname)
		if err := s.store.SetOwnership(r.Context(), domain, hostname, username); err != nil {
			slog.Error("fail transfer ownership", "zone", domain, "error", err)
			writeDA(w, http.StatusInternalServerError, url.Values{"error": {"1"}, "text": {"storage error"}})
			return
		}
	}

	item := queue.SaveItem{
		Domain:   store.NormalizeZoneName(domain),
		ZoneData: normalized,
		Hostname: hostname,
		Username: username,
		Source:   queue.SourceIngress,
	}
	if err := s.queues.Save.Enqueue(item); err != nil {
		slog.Error("fail enqueue zone push", "zone", domain, "error", err)
		writeDA(w, http.StatusInternalServerError, url.Values{"error": {"1"}, "text": {"queue error"}})
		return
	}

	slog.Info("queued zone update", "zone", item.Domain, "hostname", hostname, "remote", r.RemoteAddr)
	writeDA(w, http.StatusOK, url.Values{"error": {"0"}})
}

// handleDelete enforces the delete guard: only the upstream recorded as the
// owner may remove a zone. A rejected delete keeps the zone resolving, which
// is what the panel's Keep DNS option expects.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, domain string, params url.Values) {
	hostname := params.Get("hostname")

	row, err := s.store.GetDomain(r.Context(), domain)
	if err != nil {
		slog.Error("fail read domain at ingress", "zone", domain, "error", err)
		writeDA(w, http.StatusInternalServerError, url.Values{"error": {"1"}, "text": {"storage error"}})
		return
	}
	if row != nil && hostname != "" && row.UpstreamServerHostname != "" &&
		row.UpstreamServerHostname != hostname {
		slog.Warn("non-owner delete rejected (Keep-DNS scenario)",
			"zone", domain, "owner", row.UpstreamServerHostname, "requester", hostname)
		writeDA(w, http.StatusForbidden, url.Values{
			"error": {"1"},
			"text":  {fmt.Sprintf("zone is owned by %s, delete rejected", row.UpstreamServerHostname)},
		})
		return
	}

	owner := hostname
	if owner == "" && row != nil {
		owner = row.UpstreamServerHostname
	}
	item := queue.DeleteItem{
		Domain:   store.NormalizeZoneName(domain),
		Hostname: owner,
		Source:   queue.SourceIngress,
	}
	if err := s.queues.Delete.Enqueue(item); err != nil {
		slog.Error("fail enqueue zone delete", "zone", domain, "error", err)
		writeDA(w, http.StatusInternalServerError, url.Values{"error": {"1"}, "text": {"queue error"}})
		return
	}

	slog.Info("queued zone delete", "zone", item.Domain, "hostname", owner, "remote", r.RemoteAddr)
	writeDA(w, http.StatusOK, url.Values{"error": {"0"}})
}

// handleExists is the GET side of CMD_API_DNS_ADMIN. The panel asks before
// creating a domain; exists=1 blocks the creation, exists=2/3 report a
// registered parent domain (the cluster variant includes ownership so the
// master can match the requesting user).
func (s *Server) handleExists(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if action := q.Get("action"); action != "exists" {
		writeDA(w, http.StatusBadRequest, url.Values{
			"error": {"1"}, "text": {fmt.Sprintf("unsupported GET action: %s", action)},
		})
		return
	}
	domain := q.Get("domain")
	if domain == "" {
		writeDA(w, http.StatusBadRequest, url.Values{"error": {"1"}, "text": {"missing domain parameter"}})
		return
	}

	row, err := s.store.GetDomain(r.Context(), domain)
	if err != nil {
		slog.Error("fail domain lookup", "zone", domain, "error", err)
		writeDA(w, http.StatusInternalServerError, url.Values{"error": {"1"}, "text": {"storage error"}})
		return
	}
	if row != nil {
		writeDA(w, http.StatusOK, url.Values{
			"error":   {"0"},
			"exists":  {"1"},
			"details": {fmt.Sprintf("Domain exists on %s", row.UpstreamServerHostname)},
		})
		return
	}

	if q.Get("check_for_parent_domain") != "" {
		parent, err := s.store.FindParentDomain(r.Context(), domain)
		if err != nil {
			slog.Error("fail parent domain lookup", "zone", domain, "error", err)
			writeDA(w, http.StatusInternalServerError, url.Values{"error": {"1"}, "text": {"storage error"}})
			return
		}
		if parent != nil {
			if s.cfg.Auth.ClusterSubdomainCheck >= 1 {
				writeDA(w, http.StatusOK, url.Values{
					"error":    {"0"},
					"exists":   {"3"},
					"hostname": {parent.UpstreamServerHostname},
					"username": {parent.UpstreamUsername},
				})
				return
			}
			writeDA(w, http.StatusOK, url.Values{
				"error":   {"0"},
				"exists":  {"2"},
				"details": {fmt.Sprintf("Parent Domain exists on %s", parent.UpstreamServerHostname)},
			})
			return
		}
	}

	writeDA(w, http.StatusOK, url.Values{"error": {"0"}, "exists": {"0"}})
}

// writeDA writes the urlencoded key=value body DirectAdmin's API client
// parses.
func writeDA(w http.ResponseWriter, code int, v url.Values) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	if _, err := w.Write([]byte(v.Encode())); err != nil {
		slog.Warn("fail write response", "error", err)
	}
}
