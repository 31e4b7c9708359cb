package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"github.com/Mindburn-Labs/nightorder/pkg/eventbus"
)

// wrapWidth is the column narration text is wrapped at.
const wrapWidth = 88

var (
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15"))
	toolStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	policyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	approveStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	reflectStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// narrator renders mission events for a human reading the terminal.
type narrator struct {
	mu sync.Mutex
	w  io.Writer
}

func newNarrator(w io.Writer) *narrator {
	return &narrator{w: w}
}

// handle is a bus listener.
func (n *narrator) handle(e eventbus.Event) {
	var out string
	switch e.Type {
	case eventbus.MissionStart:
		out = titleStyle.Render(fmt.Sprintf("▶ %s", e.String("mission"))) +
			dimStyle.Render(fmt.Sprintf("  kind=%s steps=%s depth=%s", e.String("kind"), e.String("steps"), e.String("depth")))
	case eventbus.MissionEnd:
		style := successStyle
		if e.String("status") != "completed" {
			style = errorStyle
		}
		out = style.Render(fmt.Sprintf("■ %s in %s", e.String("status"), e.String("duration")))
		if msg := e.String("error"); msg != "" {
			out += "\n" + indent(errorStyle.Render(msg))
		}
	case eventbus.StepStart:
		out = toolStyle.Render(fmt.Sprintf("→ %s", e.String("step_id"))) + dimStyle.Render(" ("+e.String("tool")+")")
	case eventbus.StepEnd:
		if e.String("status") == "completed" {
			out = successStyle.Render("  ✓ " + e.String("step_id"))
		} else {
			out = errorStyle.Render(fmt.Sprintf("  ✗ %s %s: %s", e.String("step_id"), e.String("kind"), e.String("error")))
		}
	case eventbus.NarrationBefore:
		var b strings.Builder
		b.WriteString(wrap("Goal: " + e.String("goal")))
		if r := e.String("rationale"); r != "" {
			b.WriteString("\n" + wrap("Why: "+r))
		}
		for _, t := range stringList(e.Payload["tradeoffs"]) {
			b.WriteString("\n" + dimStyle.Render(wrap("tradeoff: "+t)))
		}
		for _, c := range stringList(e.Payload["checklist"]) {
			b.WriteString("\n" + wrap("[ ] "+c))
		}
		out = indent(b.String())
	case eventbus.NarrationVerify:
		out = indent(fmt.Sprintf("verified %s/%s probes", e.String("passed_count"), e.String("total")))
	case eventbus.NarrationAfter:
		var b strings.Builder
		if s := e.String("summary"); s != "" {
			b.WriteString(wrap(s))
		}
		if d := e.String("diff"); d != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(dimStyle.Render(strings.TrimRight(d, "\n")))
		}
		out = indent(b.String())
	case eventbus.PolicyViolation:
		out = indent(policyStyle.Render(wrap("policy: " + e.String("summary"))))
	case eventbus.ProbeResult:
		mark, style := "ok", successStyle
		if e.String("ok") != "true" {
			mark, style = "FAIL", errorStyle
		}
		out = indent(style.Render(fmt.Sprintf("probe %s %s", mark, e.String("probe"))) + dimStyle.Render(" "+e.String("message")))
	case eventbus.Reflection:
		out = indent(reflectStyle.Render(wrap(e.String("message"))))
	case eventbus.ApprovalGranted:
		out = indent(dimStyle.Render("approval: " + strings.ToLower(e.String("outcome"))))
	case eventbus.ApprovalDenied, eventbus.ApprovalTimeout:
		out = indent(errorStyle.Render(strings.ToLower(string(e.Type))))
	default:
		return
	}
	if out == "" {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintln(n.w, out)
}

// promptApproval renders an approval request.
func (n *narrator) promptApproval(e eventbus.Event) {
	var b strings.Builder
	b.WriteString(approveStyle.Render("? approval required for " + e.String("tool")))
	if d := e.String("description"); d != "" {
		b.WriteString("\n" + indent(wrap(d)))
	}
	if c := e.String("command"); c != "" {
		b.WriteString("\n" + indent("$ "+c))
	}
	if s := e.String("policy_summary"); s != "" {
		b.WriteString("\n" + indent(policyStyle.Render(wrap(s))))
	}
	b.WriteString("\n" + indent("approve? [y/N] "))
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprint(n.w, b.String())
}

func wrap(s string) string {
	return wordwrap.String(s, wrapWidth)
}

func indent(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = "    " + l
	}
	return strings.Join(lines, "\n")
}

// stringList reads a payload list that may be []string in-process or
// []any after a JSON round trip.
func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, x := range l {
			out = append(out, fmt.Sprint(x))
		}
		return out
	}
	return nil
}
