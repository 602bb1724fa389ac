package supervisor

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/mitchellh/go-homedir"
)

const (
	// EngineBinary is the engine executable looked up by auto-discovery.
	EngineBinary = "dlv"
	// EngineEnv carries the discovered engine directory to the worker.
	EngineEnv = "DEBUGBRIDGE_ENGINE_PATH"
)

// EngineCandidates lists the directories probed for the engine, most
// specific first.
func EngineCandidates() []string {
	var dirs []string
	if gobin := os.Getenv("GOBIN"); gobin != "" {
		dirs = append(dirs, gobin)
	}
	if gopath := os.Getenv("GOPATH"); gopath != "" {
		for _, p := range filepath.SplitList(gopath) {
			dirs = append(dirs, filepath.Join(p, "bin"))
		}
	}
	if home, err := homedir.Dir(); err == nil {
		dirs = append(dirs, filepath.Join(home, "go", "bin"))
	}

	switch runtime.GOOS {
	case "darwin":
		dirs = append(dirs, "/opt/homebrew/bin", "/usr/local/bin")
	default:
		dirs = append(dirs, "/usr/local/bin", "/usr/bin")
	}
	return dirs
}

// FindEngineDirectory returns the first candidate directory holding binary,
// or "" when none does.
func FindEngineDirectory(binary string, candidates []string) string {
	for _, dir := range candidates {
		info, err := os.Stat(filepath.Join(dir, binary))
		if err == nil && info.Mode().IsRegular() {
			return dir
		}
	}
	return ""
}

// workerEnv is the current environment plus extra, with the engine
// directory injected when one is known.
func workerEnv(engineDir string, extra []string) []string {
	env := append(os.Environ(), extra...)
	if engineDir != "" {
		env = append(env, EngineEnv+"="+engineDir)
	}
	return env
}
