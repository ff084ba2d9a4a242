// Package shutdown centralizes fatal-exit handling for the agent
// binary: fatal startup errors write a crash dump next to the queue DB
// before the process exits, so field reports carry diagnostics.
package shutdown

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"chatwidget/pkg/logger"
)

type exitRequest struct {
	Time      string `json:"time"`
	Reason    string `json:"reason"`
	Cmd       string `json:"cmd"`
	CrashPath string `json:"crash_path,omitempty"`
}

// Abort logs the fatal error, writes diagnostics and exits with code 2.
func Abort(contextMsg string, err error, dbPath string) {
	logger.Error("startup_fatal", "msg", contextMsg, "error", err)
	dumpPath, derr := writeDiagnostics(dbPath, contextMsg, err)
	if derr != nil {
		logger.Error("crash_dump_failed", "error", derr)
		fmt.Fprintf(os.Stderr, "FAILED TO WRITE CRASH DUMP: %v\n", derr)
	} else {
		logger.Info("wrote_crash_dump", "path", dumpPath)
		fmt.Fprintf(os.Stderr, "CRASH DUMP WRITTEN: %s\n", dumpPath)
	}
	os.Exit(2)
}

// writeDiagnostics writes a goroutine dump plus a machine-readable exit
// request under <dbPath>/state/crash.
func writeDiagnostics(dbPath, reason string, cause error) (string, error) {
	crashDir := "./crash"
	if dbPath != "" {
		crashDir = filepath.Join(dbPath, "state", "crash")
	}
	if err := os.MkdirAll(crashDir, 0o700); err != nil {
		return "", fmt.Errorf("create crash dir: %w", err)
	}

	ts := time.Now().UnixNano()
	dumpPath := filepath.Join(crashDir, fmt.Sprintf("crash-%d.log", ts))

	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	body := fmt.Sprintf("reason: %s\nerror: %v\ntime: %s\n\n%s",
		reason, cause, time.Now().UTC().Format(time.RFC3339Nano), buf[:n])
	if err := os.WriteFile(dumpPath, []byte(body), 0o600); err != nil {
		return "", fmt.Errorf("write crash dump: %w", err)
	}

	req := exitRequest{
		Time:      time.Now().UTC().Format(time.RFC3339Nano),
		Reason:    reason,
		Cmd:       filepath.Base(os.Args[0]),
		CrashPath: dumpPath,
	}
	b, _ := json.Marshal(req)
	reqPath := filepath.Join(crashDir, fmt.Sprintf("exit-%d.json", ts))
	if err := os.WriteFile(reqPath, b, 0o600); err != nil {
		return dumpPath, fmt.Errorf("write exit request: %w", err)
	}
	return dumpPath, nil
}
