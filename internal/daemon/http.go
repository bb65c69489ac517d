package daemon

import (
	"encoding/json"
	"html/template"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/ehrlich-b/perch/internal/logger"
)

var pickerTmpl = template.Must(template.New("picker").Parse(`<!doctype html>
<title>perch</title>
<h1>Projects</h1>
<ul>
{{range .}}<li><a href="/p/{{.Slug}}/">{{if .Title}}{{.Title}}{{else}}{{.Slug}}{{end}}</a> <code>{{.Path}}</code></li>
{{end}}</ul>
`))

func (d *Daemon) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", d.handleRoot)
	mux.HandleFunc("POST /p/{slug}/auth", d.handleAuth)
	mux.HandleFunc("GET /p/{slug}/ws", d.handleWS)
	mux.HandleFunc("GET /p/{slug}/", d.handleProject)
	mux.HandleFunc("POST /notify/subscribe", d.handleSubscribe)
	mux.HandleFunc("POST /notify/unsubscribe", d.handleUnsubscribe)
	mux.HandleFunc("POST /logout", d.handleLogout)
	return mux
}

// handleRoot redirects to the sole project, or serves a picker when several
// are registered.
func (d *Daemon) handleRoot(w http.ResponseWriter, r *http.Request) {
	projects := d.registry.List()
	if len(projects) == 1 {
		http.Redirect(w, r, "/p/"+projects[0].Slug+"/", http.StatusTemporaryRedirect)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	pickerTmpl.Execute(w, projects)
}

func (d *Daemon) handleProject(w http.ResponseWriter, r *http.Request) {
	c := d.registry.Get(r.PathValue("slug"))
	if c == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"slug":  c.Slug,
		"path":  c.Path,
		"title": c.Title,
		"ws":    "/p/" + c.Slug + "/ws",
	})
}

// handleAuth exchanges the shared PIN for a device token. With no PIN
// configured a token is issued unconditionally, so local-only setups skip
// the prompt.
func (d *Daemon) handleAuth(w http.ResponseWriter, r *http.Request) {
	if d.registry.Get(r.PathValue("slug")) == nil {
		http.NotFound(w, r)
		return
	}
	var req struct {
		Pin string `json:"pin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	d.cfgMu.Lock()
	hash := d.cfg.PinHash
	d.cfgMu.Unlock()
	if hash != "" && !checkPin(hash, req.Pin) {
		http.Error(w, "wrong pin", http.StatusUnauthorized)
		return
	}

	deviceID := uuid.New().String()
	if err := d.store.CreateDevice(deviceID, r.UserAgent()); err != nil {
		logger.Error("record device", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	token, err := issueDeviceToken(d.secret, deviceID)
	if err != nil {
		logger.Error("issue token", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

func (d *Daemon) handleWS(w http.ResponseWriter, r *http.Request) {
	c := d.registry.Get(r.PathValue("slug"))
	if c == nil {
		http.NotFound(w, r)
		return
	}
	if !d.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	c.Hub.HandleWS(w, r)
}

// authorized checks the device token from the query string or Authorization
// header. No configured PIN means no auth.
func (d *Daemon) authorized(r *http.Request) bool {
	d.cfgMu.Lock()
	hash := d.cfg.PinHash
	d.cfgMu.Unlock()
	if hash == "" {
		return true
	}
	_, ok := d.deviceFrom(r)
	return ok
}

// deviceFrom validates the request's device token and returns the device id
// behind it.
func (d *Daemon) deviceFrom(r *http.Request) (string, bool) {
	token := r.URL.Query().Get("token")
	if token == "" {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if token == "" {
		return "", false
	}
	deviceID, err := validateDeviceToken(d.secret, token)
	if err != nil {
		return "", false
	}
	ok, err := d.store.ValidDevice(deviceID)
	if err != nil {
		logger.Warn("check device", "err", err)
	}
	return deviceID, ok
}

// handleSubscribe registers the calling device's push topic. The device
// identity comes from the token, so a token is required here even when PIN
// auth is off.
func (d *Daemon) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	d.handleSubscription(w, r, d.store.Subscribe)
}

func (d *Daemon) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	d.handleSubscription(w, r, d.store.Unsubscribe)
}

func (d *Daemon) handleSubscription(w http.ResponseWriter, r *http.Request, apply func(deviceID, topic string) error) {
	deviceID, ok := d.deviceFrom(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req struct {
		Topic string `json:"topic"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Topic == "" {
		http.Error(w, "topic is required", http.StatusBadRequest)
		return
	}
	if err := apply(deviceID, req.Topic); err != nil {
		logger.Error("update subscription", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

// handleLogout revokes the calling device's token. Its push subscriptions
// stop counting from the same moment.
func (d *Daemon) handleLogout(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := d.deviceFrom(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := d.store.RevokeDevice(deviceID); err != nil {
		logger.Error("revoke device", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}
