// Package authcookie writes and reads the three auth cookies: the access
// token, the refresh secret and the device id.
package authcookie

import (
	"net/http"
	"strings"
	"time"
)

const (
	DefaultAccessName  = "agora_at"
	DefaultRefreshName = "agora_rt"
	DefaultDeviceName  = "agora_did"

	DefaultDeviceTTL = 365 * 24 * time.Hour
)

type Config struct {
	AccessName  string
	RefreshName string
	DeviceName  string

	Domain string
	Path   string
	Secure bool

	// RefreshTTL is how far the refresh cookie expiry slides on each issue.
	// It tracks the device inactivity threshold.
	RefreshTTL time.Duration
	DeviceTTL  time.Duration
}

func DefaultConfig() Config {
	return Config{
		AccessName:  DefaultAccessName,
		RefreshName: DefaultRefreshName,
		DeviceName:  DefaultDeviceName,
		Path:        "/",
		RefreshTTL:  30 * 24 * time.Hour,
		DeviceTTL:   DefaultDeviceTTL,
	}
}

type Jar struct {
	cfg Config
}

func New(cfg Config) *Jar {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.AccessName) == "" {
		cfg.AccessName = def.AccessName
	}
	if strings.TrimSpace(cfg.RefreshName) == "" {
		cfg.RefreshName = def.RefreshName
	}
	if strings.TrimSpace(cfg.DeviceName) == "" {
		cfg.DeviceName = def.DeviceName
	}
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = def.RefreshTTL
	}
	if cfg.DeviceTTL <= 0 {
		cfg.DeviceTTL = def.DeviceTTL
	}
	return &Jar{cfg: cfg}
}

func (j *Jar) Config() Config { return j.cfg }

func (j *Jar) SetAccess(w http.ResponseWriter, value string, exp time.Time) {
	j.set(w, j.cfg.AccessName, value, exp, true)
}

func (j *Jar) SetRefresh(w http.ResponseWriter, value string, now time.Time) {
	j.set(w, j.cfg.RefreshName, value, now.Add(j.cfg.RefreshTTL), true)
}

// SetDevice writes the device cookie. It is readable by scripts so the client
// can show which device it is on.
func (j *Jar) SetDevice(w http.ResponseWriter, id string, now time.Time) {
	j.set(w, j.cfg.DeviceName, id, now.Add(j.cfg.DeviceTTL), false)
}

// ClearAuth expires the access and refresh cookies. The device cookie stays.
func (j *Jar) ClearAuth(w http.ResponseWriter) {
	j.expire(w, j.cfg.AccessName, true)
	j.expire(w, j.cfg.RefreshName, true)
}

func (j *Jar) Access(r *http.Request) (string, bool)  { return read(r, j.cfg.AccessName) }
func (j *Jar) Refresh(r *http.Request) (string, bool) { return read(r, j.cfg.RefreshName) }
func (j *Jar) Device(r *http.Request) (string, bool)  { return read(r, j.cfg.DeviceName) }

func (j *Jar) set(w http.ResponseWriter, name, value string, exp time.Time, httpOnly bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     j.cfg.Path,
		Domain:   j.cfg.Domain,
		Expires:  exp.UTC(),
		HttpOnly: httpOnly,
		Secure:   j.cfg.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (j *Jar) expire(w http.ResponseWriter, name string, httpOnly bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     j.cfg.Path,
		Domain:   j.cfg.Domain,
		Expires:  time.Unix(0, 0).UTC(),
		MaxAge:   -1,
		HttpOnly: httpOnly,
		Secure:   j.cfg.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func read(r *http.Request, name string) (string, bool) {
	c, err := r.Cookie(name)
	if err != nil {
		return "", false
	}
	v := strings.TrimSpace(c.Value)
	if v == "" {
		return "", false
	}
	return v, true
}
