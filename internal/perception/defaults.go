package perception

import (
	"strings"

	"github.com/111bobmoin/myLLMhoneynet/api/schemas"
)

// HoneyfileKeywords mark the decoy files worth staging a theft alert over.
var HoneyfileKeywords = []string{
	"runbook", "backup", "snapshot", "secret", "credential", "password",
	"readme", "notes", ".tar", ".gz", ".zip", "financial", "invoice",
}

// reconCommands are the lateral-movement probes of stage 3.
var reconCommands = []string{
	"uname", "ifconfig", "ip", "netstat", "ss", "route", "nmap",
	"ping", "traceroute", "whoami", "id",
}

// privilegedCommands indicate an attacker reaching for business systems.
var privilegedCommands = []string{
	"systemctl", "service", "docker", "kubectl", "mysql", "psql",
	"redis-cli", "mongosh", "npm", "yarn",
}

// sensitivePathKeywords flag routes into business surfaces.
var sensitivePathKeywords = []string{
	"internal", "collect", "metrics", "billing", "payment", "customer",
	"orders", "admin", "bastion", "secure", "portal",
}

// InferHoneyfiles selects the decoy files whose names carry honeyfile
// keywords, given the absolute file paths of a virtual tree.
func InferHoneyfiles(files []string) []string {
	var out []string
	for _, path := range files {
		lower := strings.ToLower(path)
		for _, kw := range HoneyfileKeywords {
			if strings.Contains(lower, kw) {
				out = append(out, path)
				break
			}
		}
	}
	return out
}

// DefaultRuleset builds the shipped staging rules: probing, a successful
// login, host reconnaissance, honeyfile theft and business-system access.
// honeyfiles seeds stage 4; pass the inferred set of the deployment's
// virtual trees.
func DefaultRuleset(honeyfiles []string) *Ruleset {
	truthy := true
	rs := &Ruleset{
		Honeyfiles: honeyfiles,
		Rules: []Rule{
			{
				ID: "initial-http-probe", Stage: 1, Priority: 10,
				Match: Predicate{Events: []schemas.EventKind{schemas.EventCommand}, HTTPPaths: []string{"/"}},
			},
			{
				ID: "initial-auth-probe", Stage: 1, Priority: 20,
				Match: Predicate{Events: []schemas.EventKind{schemas.EventAuthAttempt}},
			},
			{
				ID: "login-success", Stage: 2, Priority: 10,
				Match: Predicate{Events: []schemas.EventKind{schemas.EventAuthAttempt}, Success: &truthy},
			},
			{
				ID: "host-recon", Stage: 3, Priority: 10,
				Match: Predicate{Events: []schemas.EventKind{schemas.EventCommand}, Commands: reconCommands},
			},
			{
				ID: "honeyfile-theft", Stage: 4, Priority: 10,
				Match: Predicate{Honeyfile: true},
			},
			{
				ID: "privileged-tooling", Stage: 5, Priority: 20,
				Match: Predicate{Events: []schemas.EventKind{schemas.EventCommand}, Commands: privilegedCommands},
			},
			{
				ID: "sensitive-surface", Stage: 5, Priority: 10,
				Match: Predicate{Keywords: sensitivePathKeywords},
			},
		},
	}
	rs.index()
	return rs
}
