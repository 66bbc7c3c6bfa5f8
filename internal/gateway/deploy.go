package gateway

import (
	"log/slog"
	"net/http"
	"time"
)

// PreviousSHAKey is where /deploy stashes the pre-pull commit. Startup
// validation reads it to build the rollback continuation when the
// pulled tree fails to come up.
const PreviousSHAKey = "deploy.previous_sha"

type healthView struct {
	Status            string `json:"status"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
	HeadSHA           string `json:"head_sha"`
	HeadCommit        string `json:"head_commit"`
	ChannelsConnected int    `json:"channels_connected"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	v := healthView{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.channels != nil {
		v.ChannelsConnected = s.channels.ConnectedCount()
	}
	if s.repo != nil {
		ctx := r.Context()
		if sha, err := s.repo.HeadSHA(ctx); err == nil {
			v.HeadSHA = sha
		}
		if subject, err := s.repo.HeadSubject(ctx); err == nil {
			v.HeadCommit = subject
		}
	}
	writeJSON(w, http.StatusOK, v)
}

type deployView struct {
	Status      string `json:"status"`
	SHA         string `json:"sha"`
	Commit      string `json:"commit"`
	PreviousSHA string `json:"previous_sha"`
}

// handleDeploy pulls the deployment checkout and fires the restart
// hook. Validation happens on the next start; if it fails, the process
// writes a rollback continuation from the stashed previous sha.
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MasterKey == "" || s.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "deploy not configured"})
		return
	}
	if extractBearerToken(r) != s.cfg.MasterKey {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	ctx := r.Context()
	previous, err := s.repo.HeadSHA(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "read HEAD: " + err.Error()})
		return
	}
	if err := s.repo.PullMain(ctx); err != nil {
		slog.Error("gateway.deploy_pull_failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "pull: " + err.Error()})
		return
	}
	sha, err := s.repo.HeadSHA(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "read HEAD: " + err.Error()})
		return
	}
	commit, _ := s.repo.HeadSubject(ctx)

	if err := s.stores.State.Set(PreviousSHAKey, previous); err != nil {
		slog.Error("gateway.deploy_stash_failed", "error", err)
	}
	slog.Info("gateway.deployed", "sha", sha, "previous", previous, "commit", commit)

	writeJSON(w, http.StatusOK, deployView{
		Status:      "ok",
		SHA:         sha,
		Commit:      commit,
		PreviousSHA: previous,
	})

	if s.restart != nil {
		// Shutdown waits for this handler, so the hook must not run
		// on the request goroutine.
		go s.restart()
	}
}
