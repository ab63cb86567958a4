package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fedgate/fedgate/internal/flow"
	"github.com/fedgate/fedgate/internal/identity"
	"github.com/fedgate/fedgate/internal/observability/logger"
	"github.com/fedgate/fedgate/internal/rp"
)

type handlers struct {
	flow *flow.Service
}

// tenantFrom picks the tenant the host already routed. Tenant resolution is
// not this service's decision; a query param keeps the demo surface honest.
func tenantFrom(r *http.Request) string {
	if t := r.Header.Get("X-Tenant-ID"); t != "" {
		return t
	}
	return r.URL.Query().Get("tenant")
}

func (h *handlers) start(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := flow.StartParams{
		TenantID:      tenantFrom(r),
		ProviderSlug:  chi.URLParam(r, "provider"),
		RedirectURI:   q.Get("redirect_uri"),
		LinkingUserID: q.Get("linking_user_id"),
		Prompt:        q.Get("prompt"),
		LoginHint:     q.Get("login_hint"),
		ACRValues:     q.Get("acr_values"),
	}
	if v := q.Get("max_age"); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil && secs > 0 {
			p.MaxAge = time.Duration(secs) * time.Second
		}
	}

	res, err := h.flow.Start(r.Context(), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	http.Redirect(w, r, res.AuthorizationURL, http.StatusFound)
}

func (h *handlers) callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		// The provider denied or failed the request upstream.
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":   "provider_error",
			"message": "the identity provider reported an error",
		})
		return
	}

	res, err := h.flow.Callback(r.Context(), flow.CallbackParams{
		TenantID:     tenantFrom(r),
		ProviderSlug: chi.URLParam(r, "provider"),
		State:        q.Get("state"),
		Code:         q.Get("code"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":      res.Outcome.UserID,
		"new_user":     res.Outcome.IsNewUser,
		"stitched":     res.Outcome.StitchedFromExisting,
		"redirect_uri": res.RedirectURI,
	})
}

// writeError maps flow and resolution errors to stable, non-identifying
// responses. Raw upstream details stay in the server log.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if code := identity.RejectionCode(err); code != "" {
		var re *identity.ResolutionError
		_ = errors.As(err, &re)
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error":   string(code),
			"message": re.Message,
		})
		return
	}

	status := http.StatusInternalServerError
	msg := "internal error"
	var ve *rp.ValidationError
	switch {
	case errors.Is(err, flow.ErrProviderNotFound):
		status, msg = http.StatusNotFound, "unknown provider"
	case errors.Is(err, flow.ErrStateInvalid), errors.Is(err, flow.ErrProviderMismatch):
		status, msg = http.StatusBadRequest, "login attempt is invalid or expired; start again"
	case errors.As(err, &ve):
		// Which check failed stays in the server log; the response only says
		// the token was refused.
		status, msg = http.StatusBadRequest, "the identity token failed validation; start again"
	case errors.Is(err, flow.ErrExchangeFailed), errors.Is(err, flow.ErrIdentityInvalid):
		status, msg = http.StatusBadGateway, "the identity provider could not complete the login"
	}
	if status == http.StatusInternalServerError {
		logger.From(r.Context()).Error("unhandled flow error", logger.Err(err))
	}
	writeJSON(w, status, map[string]string{"error": http.StatusText(status), "message": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
