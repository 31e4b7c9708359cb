package probe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// maxBody caps how much of an HTTP response is matched against a pattern.
const maxBody = 1 << 20

func (m *Matrix) checkFile(p Probe) (bool, string) {
	if m.files == nil {
		return false, "no workspace configured"
	}
	if !m.files.Exists(p.Target) {
		return false, fmt.Sprintf("file %s does not exist", p.Target)
	}
	if p.Pattern == "" {
		return true, fmt.Sprintf("file %s exists", p.Target)
	}
	return m.matchFile(p)
}

func (m *Matrix) checkRegex(p Probe) (bool, string) {
	if m.files == nil {
		return false, "no workspace configured"
	}
	if p.Pattern == "" {
		return false, "regex probe needs a pattern"
	}
	return m.matchFile(p)
}

func (m *Matrix) matchFile(p Probe) (bool, string) {
	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return false, fmt.Sprintf("invalid pattern: %v", err)
	}
	text, err := m.files.ReadText(p.Target)
	if err != nil {
		return false, fmt.Sprintf("read %s: %v", p.Target, err)
	}
	if !re.MatchString(text) {
		return false, fmt.Sprintf("%s does not match /%s/", p.Target, p.Pattern)
	}
	return true, fmt.Sprintf("%s matches /%s/", p.Target, p.Pattern)
}

func (m *Matrix) checkHTTP(ctx context.Context, p Probe) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.Target, nil)
	if err != nil {
		return false, fmt.Sprintf("invalid request: %v", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false, fmt.Sprintf("request failed: %v", err)
	}
	defer resp.Body.Close()

	want := p.Status
	if want == 0 {
		want = http.StatusOK
	}
	if resp.StatusCode != want {
		return false, fmt.Sprintf("status %d, want %d", resp.StatusCode, want)
	}
	if p.Pattern == "" {
		return true, fmt.Sprintf("status %d", resp.StatusCode)
	}
	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return false, fmt.Sprintf("invalid pattern: %v", err)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return false, fmt.Sprintf("read body: %v", err)
	}
	if !re.Match(body) {
		return false, fmt.Sprintf("body does not match /%s/", p.Pattern)
	}
	return true, fmt.Sprintf("status %d, body matches /%s/", resp.StatusCode, p.Pattern)
}

func checkPort(ctx context.Context, p Probe) (bool, string) {
	if _, _, err := net.SplitHostPort(p.Target); err != nil {
		return false, fmt.Sprintf("invalid address %s: %v", p.Target, err)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Target)
	if err != nil {
		return false, fmt.Sprintf("connect %s: %v", p.Target, err)
	}
	conn.Close()
	return true, fmt.Sprintf("%s is reachable", p.Target)
}

func (m *Matrix) checkProcess(ctx context.Context, p Probe) (bool, string) {
	running, err := m.processes(ctx, p.Target)
	if err != nil {
		return false, fmt.Sprintf("process lookup failed: %v", err)
	}
	if !running {
		return false, fmt.Sprintf("process %s is not running", p.Target)
	}
	return true, fmt.Sprintf("process %s is running", p.Target)
}

// FindProcess looks for a process by name in /proc, falling back to
// pgrep -x where /proc is unavailable.
func FindProcess(ctx context.Context, name string) (bool, error) {
	entries, err := os.ReadDir("/proc")
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() || strings.Trim(e.Name(), "0123456789") != "" {
				continue
			}
			if processName(filepath.Join("/proc", e.Name(), "comm")) == name {
				return true, nil
			}
		}
		return false, nil
	}

	err = exec.CommandContext(ctx, "pgrep", "-x", name).Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, err
}

func processName(commPath string) string {
	f, err := os.Open(commPath)
	if err != nil {
		return ""
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	if s.Scan() {
		return strings.TrimSpace(s.Text())
	}
	return ""
}
