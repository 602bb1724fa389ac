// Package workertest turns a test binary into a worker process, so tests of
// the host side can supervise real processes backed by the scripted engine.
//
// A test package opts in from TestMain:
//
//	func TestMain(m *testing.M) {
//		workertest.Run()
//		os.Exit(m.Run())
//	}
package workertest

import (
	"context"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bingosuite/debugbridge/internal/engine"
	"github.com/bingosuite/debugbridge/internal/engine/enginetest"
	"github.com/bingosuite/debugbridge/internal/worker"
)

const behaviourEnv = "DEBUGBRIDGE_TEST_WORKER"

// Behaviour selects what the re-executed test binary does.
type Behaviour string

const (
	// Serve runs a worker over the scripted engine.
	Serve Behaviour = "serve"
	// Silent prints a line and never opens a connection.
	Silent Behaviour = "silent"
	// Crash prints to stderr and exits with status 3.
	Crash Behaviour = "crash"
	// PrintEnv prints the engine directory it was given, then serves.
	PrintEnv Behaviour = "print-env"
)

// Env selects behaviour in the spawned test binary.
func Env(b Behaviour) []string {
	return []string{behaviourEnv + "=" + string(b)}
}

// Binary is the running test binary.
func Binary() string {
	path, err := os.Executable()
	if err != nil {
		return os.Args[0]
	}
	return path
}

// Run does nothing in the test process itself. In a spawned worker it never
// returns.
func Run() {
	b := Behaviour(os.Getenv(behaviourEnv))
	if b == "" {
		return
	}
	os.Exit(run(b))
}

func run(b Behaviour) int {
	logger := log.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(log.InfoLevel)
	entry := log.NewEntry(logger).WithField("pid", os.Getpid())

	switch b {
	case Silent:
		fmt.Println("silent worker started")
		time.Sleep(time.Minute)
		return 0
	case Crash:
		fmt.Fprintln(os.Stderr, "worker crashing")
		return 3
	case PrintEnv:
		fmt.Printf("engine=%s\n", os.Getenv("DEBUGBRIDGE_ENGINE_PATH"))
	}

	flag, endpoint := endpointArgs(os.Args[1:])
	newEngine := func() engine.Engine { return enginetest.New(enginetest.Programs()) }

	var err error
	switch flag {
	case "--listen":
		err = worker.ListenAndServe(context.Background(), endpoint, newEngine, entry)
	case "--connect":
		err = worker.DialAndServe(context.Background(), endpoint, newEngine, entry)
	default:
		entry.Error("Missing --listen or --connect")
		return 2
	}
	if err != nil {
		entry.WithError(err).Error("Worker stopped")
		return 1
	}
	return 0
}

func endpointArgs(args []string) (flag, endpoint string) {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == "--listen" || args[i] == "--connect" {
			return args[i], args[i+1]
		}
	}
	return "", ""
}
