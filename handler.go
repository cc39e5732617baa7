package gcalnotify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
)

func (app *App) setupRoute() {
	app.router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, http.StatusOK, http.StatusText(http.StatusOK))
	})
	sub := app.router.NewRoute().Subrouter()
	sub.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			app.checkWebhookAddress(r)
			next.ServeHTTP(w, r)
		})
	})
	sub.HandleFunc("/", app.handleWebhook).Methods(http.MethodPost)
	sub.HandleFunc("/sync", app.handleSync).Methods(http.MethodPost)
}

func (app *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	app.router.ServeHTTP(w, r)
}

// checkWebhookAddress warns when the request host differs from the address
// channels were registered with, a common misconfiguration behind proxies.
func (app *App) checkWebhookAddress(r *http.Request) {
	if app.webhookAddress == "" {
		return
	}
	u, err := url.Parse(app.webhookAddress)
	if err != nil {
		return
	}
	if r.Host != "" && r.Host != u.Host {
		slog.WarnContext(r.Context(), "Request host differs from configured webhook address",
			"host", r.Host,
			"webhook", app.webhookAddress,
		)
	}
}

func (app *App) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	n := NotificationFromRequest(r)
	userAgent := r.Header.Get("User-Agent")
	slog.InfoContext(ctx, "Received webhook request",
		"method", coalesce(r.Method, "-"),
		"uri", coalesce(r.URL.String(), "-"),
		"user_agent", url.QueryEscape(coalesce(userAgent, "-")),
		"channel_id", coalesce(n.ChannelID, "-"),
		"resource_id", coalesce(n.ResourceID, "-"),
		"resource_state", coalesce(n.ResourceState, "-"),
		"message_number", coalesce(n.MessageNumber, "-"),
		"forwarded_for", coalesce(r.Header.Get("X-Forwarded-For"), "-"),
		"channel_expiration", coalesce(n.ChannelExpiration, "-"),
	)
	defer r.Body.Close()
	if d, err := httputil.DumpRequest(r, true); err == nil {
		slog.DebugContext(ctx, "Received request dump", "request", string(d))
	}
	if !strings.HasPrefix(userAgent, "APIs-Google;") {
		slog.WarnContext(ctx, "Unexpected user-agent, returning 404", "user_agent", userAgent)
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, http.StatusText(http.StatusNotFound))
		return
	}
	switch n.ResourceState {
	case ResourceStateSync, ResourceStateExists, ResourceStateNotExists:
	default:
		slog.WarnContext(ctx, "Unknown state", "state", n.ResourceState, "channel_id", coalesce(n.ChannelID, "-"), "resource_id", coalesce(n.ResourceID, "-"))
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, http.StatusText(http.StatusOK))
		return
	}
	if err := app.HandleNotification(ctx, n); err != nil {
		var unrecognized *UnrecognizedChannelError
		var mismatch *ChannelTokenMismatchError
		switch {
		case errors.As(err, &unrecognized):
			slog.WarnContext(ctx, "Notification for unrecognized channel", "channel_id", coalesce(n.ChannelID, "-"), "resource_id", coalesce(n.ResourceID, "-"))
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, http.StatusText(http.StatusNotFound))
		case errors.As(err, &mismatch):
			slog.WarnContext(ctx, "Notification with mismatched channel token", "channel_id", coalesce(n.ChannelID, "-"), "resource_id", coalesce(n.ResourceID, "-"))
			w.WriteHeader(http.StatusForbidden)
			io.WriteString(w, http.StatusText(http.StatusForbidden))
		default:
			slog.ErrorContext(ctx, "Failed to handle notification", "channel_id", coalesce(n.ChannelID, "-"), "resource_id", coalesce(n.ResourceID, "-"), "error", err)
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, http.StatusText(http.StatusInternalServerError))
		}
		return
	}
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, http.StatusText(http.StatusOK))
}

func (app *App) handleSync(w http.ResponseWriter, r *http.Request) {
	ctx := context.Background()
	var hasErr bool
	if err := app.maintenanceChannels(ctx, false); err != nil {
		slog.WarnContext(ctx, "Maintenance channels failed", "details", err)
		hasErr = true
	}
	if err := app.syncChannels(ctx); err != nil {
		slog.WarnContext(ctx, "Sync channels failed", "details", err)
		hasErr = true
	}
	if hasErr {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, http.StatusText(http.StatusInternalServerError))
		return
	}
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, http.StatusText(http.StatusOK))
}

func coalesce(strs ...string) string {
	for _, str := range strs {
		if str != "" {
			return str
		}
	}
	return ""
}
