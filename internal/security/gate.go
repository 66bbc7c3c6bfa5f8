package security

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/nextlevelbuilder/pynchy/internal/telemetry"
)

// Decision is the outcome of one gate evaluation.
type Decision string

const (
	DecisionAllow      Decision = "allow"
	DecisionDeny       Decision = "deny"
	DecisionNeedsHuman Decision = "needs_human"
)

// Verdict carries a decision plus the context a caller needs to act on it.
type Verdict struct {
	Decision Decision
	// Reason is user-visible: deny verdicts surface it in the chat host
	// message, needs-human verdicts in the approval card.
	Reason string
	// NeedsFencing is set on allowed reads from public sources: the
	// response content must be inspected and wrapped before the agent
	// sees it.
	NeedsFencing bool
}

// Allowed reports whether the caller may proceed immediately.
func (v Verdict) Allowed() bool { return v.Decision == DecisionAllow }

// Inspector classifies content for the gate. Implementations fail open:
// they return not-flagged on any internal error.
type Inspector interface {
	InspectOutbound(ctx context.Context, operation, payload string) (flagged bool, reason string)
}

// networkCommandRe matches commands that can move data off the host. Word
// match anywhere in the command line: pipes and subshells count.
var networkCommandRe = regexp.MustCompile(`(^|[\s;|&\x60$(])(curl|wget|nc|ncat|netcat|socat|ssh|scp|sftp|rsync|ftp|telnet|dig|nslookup|whois|aws|gcloud|az|gh)(\s|$)`)

// Gate tracks the taint state of one container invocation and evaluates
// every read, write, and bash command against the workspace trust table.
// Taints are sticky: once set they hold until the gate is destroyed.
type Gate struct {
	folder       string
	invocationTS string
	policy       *WorkspaceSecurity
	inspector    Inspector

	mu                sync.Mutex
	corruptionTainted bool
	secretTainted     bool
}

// NewGate builds a clean gate for one invocation. The policy is cloned so
// later config reloads cannot change a live invocation's rules.
func NewGate(folder, invocationTS string, policy *WorkspaceSecurity, inspector Inspector) *Gate {
	g := &Gate{
		folder:       folder,
		invocationTS: invocationTS,
		policy:       policy.Clone(),
		inspector:    inspector,
	}
	if g.policy.ContainsSecrets {
		// The workspace itself holds secret material; any file access
		// inside it taints, recorded lazily via RecordFileAccess.
		slog.Debug("security.gate.secrets_workspace", "folder", folder)
	}
	return g
}

// Folder returns the workspace this gate belongs to.
func (g *Gate) Folder() string { return g.folder }

// InvocationTS returns the invocation timestamp key.
func (g *Gate) InvocationTS() string { return g.invocationTS }

// Taints returns the current taint pair.
func (g *Gate) Taints() (corruption, secret bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.corruptionTainted, g.secretTainted
}

// RecordFileAccess marks the secret taint when the workspace declares it
// contains secrets. Called when the agent uses any file-access tool.
func (g *Gate) RecordFileAccess() {
	if !g.policy.ContainsSecrets {
		return
	}
	g.mu.Lock()
	if !g.secretTainted {
		g.secretTainted = true
		slog.Info("security.taint.secret", "folder", g.folder, "cause", "file access in secrets workspace")
	}
	g.mu.Unlock()
}

// EvaluateRead gates a read from the named service and records taints.
func (g *Gate) EvaluateRead(ctx context.Context, service string) Verdict {
	rec := g.policy.TrustFor(service)
	if rec.PublicSource.Forbidden() {
		return g.deny("read", service, fmt.Sprintf("reading from service %q is forbidden by workspace policy", service))
	}

	g.mu.Lock()
	if rec.PublicSource.Bool() && !g.corruptionTainted {
		g.corruptionTainted = true
		slog.Info("security.taint.corruption", "folder", g.folder, "service", service)
	}
	if rec.SecretData.Bool() && !g.secretTainted {
		g.secretTainted = true
		slog.Info("security.taint.secret", "folder", g.folder, "service", service)
	}
	g.mu.Unlock()

	telemetry.SecurityDecisions.WithLabelValues(string(DecisionAllow)).Inc()
	return Verdict{Decision: DecisionAllow, NeedsFencing: rec.PublicSource.Bool()}
}

// EvaluateWrite gates a write or action against the named service.
func (g *Gate) EvaluateWrite(ctx context.Context, service, payload string) Verdict {
	rec := g.policy.TrustFor(service)
	if rec.PublicSink.Forbidden() || rec.DangerousWrites.Forbidden() {
		return g.deny("write", service, fmt.Sprintf("writes to service %q are forbidden by workspace policy", service))
	}

	g.mu.Lock()
	corruption, secret := g.corruptionTainted, g.secretTainted
	g.mu.Unlock()

	if rec.DangerousWrites.Bool() {
		return g.needsHuman("write", service, fmt.Sprintf("dangerous write to service %q", service))
	}
	if corruption && secret && rec.PublicSink.Bool() {
		return g.needsHuman("write", service, fmt.Sprintf("write to public sink %q after reading untrusted and secret data", service))
	}
	if secretsHit, pattern := ScanForSecrets(payload); secretsHit {
		return g.needsHuman("write", service, fmt.Sprintf("payload appears to contain credential material (%s)", pattern))
	}

	// A corrupted agent's writes go past the deputy before they execute.
	if corruption {
		if flagged, reason := g.inspector.InspectOutbound(ctx, service, payload); flagged {
			return g.deny("write", service, "blocked by security inspection: "+reason)
		}
	}

	telemetry.SecurityDecisions.WithLabelValues(string(DecisionAllow)).Inc()
	return Verdict{Decision: DecisionAllow}
}

// EvaluateBash gates a shell command before the agent's Bash tool runs it.
func (g *Gate) EvaluateBash(ctx context.Context, command string) Verdict {
	g.mu.Lock()
	corruption, secret := g.corruptionTainted, g.secretTainted
	g.mu.Unlock()

	if !corruption && !secret {
		telemetry.SecurityDecisions.WithLabelValues(string(DecisionAllow)).Inc()
		return Verdict{Decision: DecisionAllow}
	}

	if networkCommandRe.MatchString(command) {
		if corruption && secret {
			return g.needsHuman("bash", command, "network-capable command after reading untrusted and secret data")
		}
		if flagged, reason := g.inspector.InspectOutbound(ctx, "bash", command); flagged {
			return g.deny("bash", command, "blocked by security inspection: "+reason)
		}
		telemetry.SecurityDecisions.WithLabelValues(string(DecisionAllow)).Inc()
		return Verdict{Decision: DecisionAllow}
	}

	if flagged, reason := g.inspector.InspectOutbound(ctx, "bash", command); flagged {
		if corruption && secret {
			return g.needsHuman("bash", command, "flagged by security inspection: "+reason)
		}
		return g.deny("bash", command, "blocked by security inspection: "+reason)
	}
	telemetry.SecurityDecisions.WithLabelValues(string(DecisionAllow)).Inc()
	return Verdict{Decision: DecisionAllow}
}

func (g *Gate) deny(kind, target, reason string) Verdict {
	slog.Warn("security.denied",
		"folder", g.folder, "kind", kind, "target", target, "reason", reason)
	telemetry.SecurityDecisions.WithLabelValues(string(DecisionDeny)).Inc()
	return Verdict{Decision: DecisionDeny, Reason: reason}
}

func (g *Gate) needsHuman(kind, target, reason string) Verdict {
	slog.Info("security.needs_human",
		"folder", g.folder, "kind", kind, "target", target, "reason", reason)
	telemetry.SecurityDecisions.WithLabelValues(string(DecisionNeedsHuman)).Inc()
	return Verdict{Decision: DecisionNeedsHuman, Reason: reason}
}
