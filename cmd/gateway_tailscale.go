//go:build tsnet

package cmd

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/pynchy/internal/config"
)

// initTailscale serves mux on a tailnet listener when [tailscale] names
// a hostname. Returns a cleanup func, or nil when disabled or failed; a
// tailnet that cannot come up never blocks the main listener.
func initTailscale(ctx context.Context, cfg *config.Config, mux *http.ServeMux) func() {
	ts := cfg.Tailscale
	if ts.Hostname == "" {
		return nil
	}

	srv := &tsnet.Server{
		Hostname:  ts.Hostname,
		AuthKey:   ts.AuthKey,
		Ephemeral: ts.Ephemeral,
	}
	if ts.StateDir != "" {
		srv.Dir = config.ExpandHome(ts.StateDir)
	}
	if !verbose {
		srv.Logf = func(string, ...any) {}
	}

	if _, err := srv.Up(ctx); err != nil {
		slog.Error("tailscale up failed", "hostname", ts.Hostname, "error", err)
		srv.Close()
		return nil
	}

	var (
		ln  net.Listener
		err error
	)
	if ts.EnableTLS {
		ln, err = srv.ListenTLS("tcp", ":443")
	} else {
		ln, err = srv.Listen("tcp", ":80")
	}
	if err != nil {
		slog.Error("tailscale listen failed", "hostname", ts.Hostname, "error", err)
		srv.Close()
		return nil
	}

	slog.Info("tailscale listener up", "hostname", ts.Hostname, "tls", ts.EnableTLS)
	go func() {
		if serveErr := http.Serve(ln, mux); serveErr != nil {
			slog.Debug("tailscale serve stopped", "error", serveErr)
		}
	}()

	return func() {
		ln.Close()
		srv.Close()
	}
}
