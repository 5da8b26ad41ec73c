package devserver

import (
	"os"
	"path/filepath"
	"strconv"
)

// frameworkSpec names the start command for one detected web framework.
// Generalizes the teacher's single hard-coded code-server invocation
// (internal/codeapp/codeserver/runner.go start) into a dispatch table keyed
// by framework, per SPEC_FULL.md §4.6.
type frameworkSpec struct {
	name string
	bin  string
	args []string
}

const (
	FrameworkNext    = "next"
	FrameworkVite    = "vite"
	FrameworkAstro   = "astro"
	FrameworkAngular = "angular"
	FrameworkGeneric = "generic"
)

// DetectFramework inspects a workspace for the marker files of each
// supported framework, falling back to FrameworkGeneric when none match.
func DetectFramework(workspacePath string) string {
	has := func(names ...string) bool {
		for _, n := range names {
			if _, err := os.Stat(filepath.Join(workspacePath, n)); err == nil {
				return true
			}
		}
		return false
	}
	switch {
	case has("next.config.js", "next.config.mjs", "next.config.ts"):
		return FrameworkNext
	case has("astro.config.js", "astro.config.mjs", "astro.config.ts"):
		return FrameworkAstro
	case has("angular.json"):
		return FrameworkAngular
	case has("vite.config.js", "vite.config.mjs", "vite.config.ts"):
		return FrameworkVite
	default:
		return FrameworkGeneric
	}
}

// startCommandFor resolves the package-manager-agnostic dev command for a
// framework. Every framework here is fronted by `npm run dev` with an
// explicit port override; the differences are in the flag each tool expects
// to receive that override through.
func startCommandFor(framework string, port int) frameworkSpec {
	portStr := strconv.Itoa(port)
	switch framework {
	case FrameworkNext:
		return frameworkSpec{name: framework, bin: "npm", args: []string{"run", "dev", "--", "-p", portStr}}
	case FrameworkVite:
		return frameworkSpec{name: framework, bin: "npm", args: []string{"run", "dev", "--", "--port", portStr, "--strictPort"}}
	case FrameworkAstro:
		return frameworkSpec{name: framework, bin: "npm", args: []string{"run", "dev", "--", "--port", portStr}}
	case FrameworkAngular:
		return frameworkSpec{name: framework, bin: "npm", args: []string{"run", "start", "--", "--port", portStr}}
	default:
		return frameworkSpec{name: FrameworkGeneric, bin: "npm", args: []string{"run", "dev", "--", "--port", portStr}}
	}
}

