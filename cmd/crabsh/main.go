/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command crabsh wraps a cron job: it reports START and FINISH (with exit
// status and captured output) to a crabd daemon, then exits with the child's
// exit code. Monitoring failures never break the job itself.
//
// Recognized environment variables, which may also appear as VAR=value
// prefixes embedded in the command string: CRABID, CRABSHELL, CRABPIDFILE,
// CRABIGNORE, CRABECHO.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/pflag"
)

const (
	exitStartupFailure = 1
	exitBypassed       = 0
)

func main() {
	os.Exit(run())
}

type wrapper struct {
	serverURL    string
	host         string
	crabid       string
	shell        string
	pidFile      string
	echo         bool
	allowInhibit bool
	command      string
	client       *http.Client
}

func run() int {
	flags := pflag.NewFlagSet("crabsh", pflag.ExitOnError)
	serverURL := flags.String("url", envDefault("CRABURL", "http://localhost:8000"), "crabd base URL")
	crabid := flags.String("id", os.Getenv("CRABID"), "stable job identifier")
	allowInhibit := flags.Bool("allow-inhibit", truthy(envDefault("CRABALLOWINHIBIT", "yes")), "honor inhibit responses from the daemon")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return exitStartupFailure
	}

	args := flags.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "crabsh: no command given")
		return exitStartupFailure
	}

	// Embedded VAR=value prefixes in the command override the cron
	// environment.
	command, overrides := splitEnvPrefix(strings.Join(args, " "))
	for k, v := range overrides {
		_ = os.Setenv(k, v)
	}
	if command == "" {
		fmt.Fprintln(os.Stderr, "crabsh: no command given")
		return exitStartupFailure
	}

	w := &wrapper{
		serverURL:    strings.TrimRight(*serverURL, "/"),
		crabid:       *crabid,
		shell:        envDefault("CRABSHELL", "/bin/sh"),
		pidFile:      os.Getenv("CRABPIDFILE"),
		echo:         truthy(os.Getenv("CRABECHO")),
		allowInhibit: *allowInhibit,
		command:      command,
		client:       &http.Client{Timeout: 10 * time.Second},
	}
	if w.crabid == "" {
		w.crabid = os.Getenv("CRABID")
	}

	host, err := os.Hostname()
	if err != nil {
		fmt.Fprintln(os.Stderr, "crabsh: cannot determine hostname:", err)
		return exitStartupFailure
	}
	w.host = host

	// CRABIGNORE bypasses reporting entirely.
	if truthy(os.Getenv("CRABIGNORE")) {
		return w.runChildDirect()
	}

	return w.runMonitored()
}

func (w *wrapper) runMonitored() int {
	if w.pidFile != "" {
		if pid, ok := readPID(w.pidFile); ok && processAlive(pid) {
			w.reportWarning("ALREADYRUNNING")
			return exitBypassed
		}
	}

	inhibit, startErr := w.reportStart()
	if startErr != nil {
		// The daemon being down must not stop the job from running.
		fmt.Fprintln(os.Stderr, "crabsh: start report failed:", startErr)
	}
	if startErr == nil && inhibit && w.allowInhibit {
		w.reportWarning("INHIBITED")
		return exitBypassed
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.Command(w.shell, "-c", w.command)
	if w.echo {
		cmd.Stdout = io.MultiWriter(&stdout, os.Stdout)
		cmd.Stderr = io.MultiWriter(&stderr, os.Stderr)
	} else {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	if err := cmd.Start(); err != nil {
		w.reportWarning("COULDNOTSTART")
		fmt.Fprintln(os.Stderr, "crabsh: could not start command:", err)
		return exitStartupFailure
	}

	// The child PID comes straight from the fork; no polling.
	if w.pidFile != "" {
		if err := os.WriteFile(w.pidFile, []byte(strconv.Itoa(cmd.Process.Pid)), 0644); err != nil {
			fmt.Fprintln(os.Stderr, "crabsh: could not write pid file:", err)
		}
		defer func() { _ = os.Remove(w.pidFile) }()
	}

	code := 0
	if err := cmd.Wait(); err != nil {
		code = exitStartupFailure
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}

	if err := w.reportFinish(code, stdout.String(), stderr.String()); err != nil {
		fmt.Fprintln(os.Stderr, "crabsh: finish report failed:", err)
	}
	return code
}

// runChildDirect runs the command without any reporting.
func (w *wrapper) runChildDirect() int {
	cmd := exec.Command(w.shell, "-c", w.command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode()
		}
		return exitStartupFailure
	}
	return 0
}

func (w *wrapper) endpoint(suffix string) string {
	u := w.serverURL + "/api/0/crab/" + url.PathEscape(w.host)
	if w.crabid != "" {
		u += "/" + url.PathEscape(w.crabid)
	}
	return u + suffix
}

type eventBody struct {
	Command string `json:"command"`
	Status  *int   `json:"status,omitempty"`
	Stdout  string `json:"stdout,omitempty"`
	Stderr  string `json:"stderr,omitempty"`
}

// put sends a wrapper protocol request with a short retry budget.
func (w *wrapper) put(url string, body eventBody) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	var resp []byte
	op := func() error {
		req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		res, err := w.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = res.Body.Close() }()

		data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
		if err != nil {
			return err
		}
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			return fmt.Errorf("daemon returned status %d: %s", res.StatusCode, strings.TrimSpace(string(data)))
		}
		resp = data
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 15 * time.Second
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return resp, nil
}

func (w *wrapper) reportStart() (inhibit bool, err error) {
	data, err := w.put(w.endpoint("/start"), eventBody{Command: w.command})
	if err != nil {
		return false, err
	}
	var res struct {
		Inhibit bool `json:"inhibit"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return false, err
	}
	return res.Inhibit, nil
}

func (w *wrapper) reportFinish(code int, stdout, stderr string) error {
	_, err := w.put(w.endpoint("/finish"), eventBody{
		Command: w.command,
		Status:  &code,
		Stdout:  stdout,
		Stderr:  stderr,
	})
	return err
}

func (w *wrapper) reportWarning(kind string) {
	if _, err := w.put(w.endpoint("/warn?kind="+kind), eventBody{Command: w.command}); err != nil {
		fmt.Fprintln(os.Stderr, "crabsh: warning report failed:", err)
	}
}

// splitEnvPrefix strips leading VAR=value tokens from a command string.
func splitEnvPrefix(command string) (string, map[string]string) {
	overrides := make(map[string]string)
	fields := strings.Fields(command)
	i := 0
	for ; i < len(fields); i++ {
		name, value, found := strings.Cut(fields[i], "=")
		if !found || !validEnvName(name) {
			break
		}
		overrides[name] = value
	}
	return strings.Join(fields[i:], " "), overrides
}

func validEnvName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// truthy implements the protocol truthiness rule: 1|yes|true|on.
func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "yes", "true", "on":
		return true
	}
	return false
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func readPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

