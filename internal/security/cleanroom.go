package security

import (
	"fmt"
	"sort"
	"strings"
)

// CleanRoomInput describes one admin workspace for startup validation: the
// MCP services it can reach and its resolved security policy.
type CleanRoomInput struct {
	Folder   string
	Services []string
	Policy   *WorkspaceSecurity
}

// ValidateCleanRoom rejects any admin workspace whose reachable service
// graph includes a public source. Admin containers hold host credentials;
// a single injectable service in reach would let planted instructions run
// with admin privileges, so this failure is terminal: the caller must not
// start the process.
//
// Undeclared services fall back to the cautious default, which marks them
// public sources, so an admin workspace must declare every service it
// mounts.
func ValidateCleanRoom(inputs []CleanRoomInput) error {
	var violations []string
	for _, in := range inputs {
		services := append([]string(nil), in.Services...)
		sort.Strings(services)
		for _, svc := range services {
			rec := in.Policy.TrustFor(svc)
			if rec.PublicSource.Bool() {
				violations = append(violations,
					fmt.Sprintf("admin workspace %q reaches public-source service %q", in.Folder, svc))
			}
		}
	}
	if len(violations) > 0 {
		return fmt.Errorf("admin clean-room validation failed:\n  %s", strings.Join(violations, "\n  "))
	}
	return nil
}
