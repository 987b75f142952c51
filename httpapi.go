package probehub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// API exposes the §6 HTTP surface over a *Dispatcher/*Inventory/*Config.
type API struct {
	cfg       *Config
	inventory *Inventory
	dispatch  *Dispatcher
	audit     *AuditLog // may be nil
}

// NewAPI builds the HTTP handler set.
func NewAPI(cfg *Config, inv *Inventory, dispatch *Dispatcher, audit *AuditLog) *API {
	return &API{cfg: cfg, inventory: inv, dispatch: dispatch, audit: audit}
}

// Mux returns a ready-to-serve http.Handler with every route registered.
func (a *API) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.HandleFunc("GET /probes", a.handleProbes)
	mux.HandleFunc("GET /probes/search", a.handleProbesSearch)
	mux.HandleFunc("GET /targets", a.handleTargets)
	mux.HandleFunc("GET /history", a.handleHistory)
	mux.HandleFunc("POST /dispatch", a.handleDispatch)
	mux.HandleFunc("POST /session/stop", a.handleSessionStop)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeHubError maps a HubError's kind to its §7 HTTP status and writes
// a {status, log} body; non-HubError errors are treated as internal.
func writeHubError(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	body := map[string]string{"status": string(kind)}
	var he *HubError
	if ok := asHubError(err, &he); ok && he.Log != "" {
		body["log"] = he.Log
	}
	writeJSON(w, HTTPStatus(kind), body)
}

func asHubError(err error, target **HubError) bool {
	for err != nil {
		if he, ok := err.(*HubError); ok {
			*target = he
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := a.inventory.Scan(r.Context())
	if err != nil {
		writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (a *API) handleProbes(w http.ResponseWriter, r *http.Request) {
	ids := a.cfg.ProbeIDs()
	probes := make([]Probe, 0, len(ids))
	for _, id := range ids {
		p, _ := a.cfg.Probe(id)
		probes = append(probes, p)
	}
	writeJSON(w, http.StatusOK, probes)
}

func (a *API) handleProbesSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := SearchFilter{
		Interface: q.Get("interface"),
		VID:       q.Get("vid"),
		PID:       q.Get("pid"),
		Serial:    q.Get("serial"),
		Name:      q.Get("name"),
	}

	statuses, err := a.inventory.Scan(r.Context())
	if err != nil {
		writeHubError(w, err)
		return
	}
	matches := Search(statuses, filter)
	writeJSON(w, http.StatusOK, map[string]any{
		"query":   filter,
		"matches": matches,
		"count":   len(matches),
	})
}

// targetView is the read-only shape /targets reports, including the
// resolved command placeholder set per (interface, mode) so operators
// can sanity-check a target's config without triggering a dispatch.
type targetView struct {
	Name             string                      `json:"name"`
	Description      string                      `json:"description"`
	CompatibleProbes map[Mode][]string           `json:"compatible_probes"`
	Transports       map[string]TransportPolicy  `json:"transports,omitempty"`
	Placeholders     map[string]map[string][]string `json:"placeholders"`
}

func (a *API) handleTargets(w http.ResponseWriter, r *http.Request) {
	out := make([]targetView, 0, len(a.cfg.Targets))
	for name, t := range a.cfg.Targets {
		tv := targetView{
			Name:             name,
			Description:      t.Description,
			CompatibleProbes: t.CompatibleProbes,
			Transports:       t.Transports,
			Placeholders:     map[string]map[string][]string{},
		}
		for mode, ifaces := range t.CompatibleProbes {
			for _, iface := range ifaces {
				tmpl, err := a.cfg.ResolveCommand(t, iface, mode)
				if err != nil {
					continue
				}
				if tv.Placeholders[iface] == nil {
					tv.Placeholders[iface] = map[string][]string{}
				}
				tv.Placeholders[iface][string(mode)] = referencedPlaceholders(tmpl)
			}
		}
		out = append(out, tv)
	}
	writeJSON(w, http.StatusOK, out)
}

var allPlaceholders = []string{
	"serial", "gdb_port", "telnet_port", "rtt_port", "print_port",
	"firmware_path", "device_path", "transport", "uart_baud",
}

func referencedPlaceholders(tmpl string) []string {
	var out []string
	for _, p := range allPlaceholders {
		if References(tmpl, p) {
			out = append(out, p)
		}
	}
	return out
}

// handleHistory serves probe-status --history (SPEC_FULL §C.5):
// recent audit rows, newest first. Responds ErrInvalidRequest (400)
// when the daemon was started without an audit log, since there's no
// history to query rather than a missing resource.
func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	if a.audit == nil {
		writeHubError(w, newErr(ErrInvalidRequest, "audit log disabled on this daemon"))
		return
	}

	n := 50
	if raw := r.URL.Query().Get("n"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}

	records, err := a.audit.Recent(r.Context(), n)
	if err != nil {
		writeHubError(w, &HubError{Kind: ErrInternal, Err: err})
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (a *API) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		if err := r.ParseForm(); err != nil {
			writeHubError(w, newErr(ErrInvalidRequest, "parsing request: %w", err))
			return
		}
	}

	probeID, err := strconv.Atoi(r.FormValue("probe"))
	if err != nil {
		writeHubError(w, newErr(ErrInvalidRequest, "invalid probe id: %w", err))
		return
	}
	mode := Mode(r.FormValue("mode"))

	req := DispatchRequest{
		Target:    r.FormValue("target"),
		ProbeID:   probeID,
		Mode:      mode,
		Transport: r.FormValue("transport"),
	}

	if mode == ModeFlash {
		file, header, ferr := r.FormFile("file")
		if ferr != nil {
			writeHubError(w, newErr(ErrInvalidRequest, "flash dispatch requires a firmware file: %w", ferr))
			return
		}
		defer file.Close()
		req.Firmware = file
		req.FirmwareName = header.Filename
	}

	result, err := a.dispatch.Dispatch(r.Context(), req)
	if err != nil {
		slog.ErrorContext(r.Context(), "API.handleDispatch", "probe", probeID, "mode", mode, "error", err)
		writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeHubError(w, newErr(ErrInvalidRequest, "parsing request: %w", err))
		return
	}
	probeID, err := strconv.Atoi(r.FormValue("probe"))
	if err != nil {
		writeHubError(w, newErr(ErrInvalidRequest, "invalid probe id: %w", err))
		return
	}
	kind := r.FormValue("kind")

	status, err := a.dispatch.StopSession(r.Context(), probeID, kind)
	if err != nil {
		writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}
