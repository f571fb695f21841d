package bridge

import "fmt"

// allowedEnvVars is the strict allowlist from spec.md §4.2: every other
// entry in the parent process's environment is dropped when building the
// child's environment. This is a security invariant (spec.md §8), not a
// best-effort heuristic — callers must go through buildEnv, never
// os.Environ() directly.
var allowedEnvVars = []string{
	"PATH",
	"NODE_PATH",
	"HOME",
	"LANG",
	"TERM",
	"ANTHROPIC_API_KEY",
	"ASH_TIMING_INSTRUMENTATION",
}

// Injected holds the per-sandbox values the supervisor adds on top of the
// allowlisted inherited variables.
type Injected struct {
	BridgeSocket string
	AgentDir     string
	WorkspaceDir string
	SandboxID    string
	SessionID    string
}

// buildEnv constructs the child's complete environment: allowlisted values
// read from parentEnv (a lookup function so tests can inject a fake
// environment instead of the real process one) plus the injected ASH_*
// variables. Nothing else from parentEnv is carried over.
func buildEnv(parentEnv func(string) (string, bool), inj Injected) []string {
	var env []string
	for _, name := range allowedEnvVars {
		if v, ok := parentEnv(name); ok {
			env = append(env, fmt.Sprintf("%s=%s", name, v))
		}
	}
	env = append(env,
		fmt.Sprintf("ASH_BRIDGE_SOCKET=%s", inj.BridgeSocket),
		fmt.Sprintf("ASH_AGENT_DIR=%s", inj.AgentDir),
		fmt.Sprintf("ASH_WORKSPACE_DIR=%s", inj.WorkspaceDir),
		fmt.Sprintf("ASH_SANDBOX_ID=%s", inj.SandboxID),
		fmt.Sprintf("ASH_SESSION_ID=%s", inj.SessionID),
	)
	return env
}
