package policy

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Names of the built-in rules.
const (
	RuleNoCommandChaining          = "no-command-chaining"
	RuleBlockedSystemDirectory     = "blocked-system-directory"
	RulePipeToShell                = "pipe-to-shell"
	RuleCatastrophicDelete         = "catastrophic-delete"
	RuleAbsoluteCwdRequired        = "absolute-cwd-required"
	RuleOutsideWorkspace           = "outside-workspace"
	RuleDestructiveOperation       = "destructive-operation"
	RulePrivilegeEscalation        = "privilege-escalation"
	RuleWorkspaceQualifierRequired = "workspace-qualifier-required"
	RuleWindowsPosixSyntax         = "windows-posix-syntax"
	RulePosixPowerShellSyntax      = "posix-powershell-syntax"
	RuleWindowsPathOnPosix         = "windows-path-on-posix"
)

var blockedDirs = []string{
	"/etc", "/bin", "/sbin", "/usr/bin", "/usr/sbin", "/usr/lib",
	"/boot", "/sys", "/proc", "/dev", "/System",
}

var blockedWindowsDirs = []string{
	`c:\windows`, `c:\program files`, `c:\program files (x86)`,
}

var (
	pipeToShell  = regexp.MustCompile(`(?i)\b(curl|wget|iwr|invoke-webrequest)\b[^|]*\|\s*(sudo\s+)?(ba|z|da|k)?sh\b`)
	catastrophic = regexp.MustCompile(`\brm\s+(-[A-Za-z]*[rR][A-Za-z]*\s+|--recursive\s+)(-[A-Za-z]+\s+)*(/|/\*|~|~/|\$HOME|\$\{HOME\})(\s|$)`)
	destructive  = regexp.MustCompile(`(?i)(\brm\s+-[A-Za-z]*[rf]|\bgit\s+(reset\s+--hard|clean\s+-[A-Za-z]*f|push\s+.*(--force|-f)\b)|\bdrop\s+(table|database)\b|\bmkfs(\.\w+)?\b|\bdd\s+if=|\btruncate\s)`)
	privilege    = regexp.MustCompile(`(^|[\s;&|])(sudo|su|doas|runas)(\s|$)|\bchmod\s+(-R\s+)?0?777\b`)
	posixOnly    = regexp.MustCompile(`(^|\s)(export\s+\w+=|chmod\s|grep\s|sed\s|awk\s|touch\s)|/dev/null`)
	powerShell   = regexp.MustCompile(`\b(Get|Set|New|Remove|Invoke|Start|Stop)-[A-Z][A-Za-z]+\b|\$env:`)
	windowsPath  = regexp.MustCompile(`(^|[\s"'=])[A-Za-z]:\\`)
	systemWrite  = regexp.MustCompile(`\b(rm|mv|cp|chmod|chown|tee|dd|ln|install)\b[^|;&]*\s(/etc|/bin|/sbin|/usr/bin|/usr/sbin|/usr/lib|/boot|/sys|/proc)(/|\s|$)|>>?\s*(/etc|/bin|/sbin|/usr/bin|/usr/lib|/boot|/sys|/proc)/`)
)

// DefaultRules returns the built-in catalog, most severe first.
func DefaultRules() []Rule {
	return []Rule{
		PredicateRule{
			Info: Meta{
				Name:     RuleNoCommandChaining,
				Severity: SeverityCritical,
				Message:  "Command chaining with &&, || or ; is not allowed",
				Fix:      "Run each command separately; set cwd instead of cd",
				Reason:   "Chained commands hide later operations from review",
			},
			Predicate: func(in Input) bool { return isChained(in.Command) },
		},
		PredicateRule{
			Info: Meta{
				Name:     RuleBlockedSystemDirectory,
				Severity: SeverityCritical,
				Message:  "Operation targets a protected system directory",
				Fix:      "Operate inside the workspace",
				Reason:   "System directories are never modified by missions",
			},
			Predicate: targetsSystemDir,
		},
		PatternRule{
			Info: Meta{
				Name:     RulePipeToShell,
				Severity: SeverityCritical,
				Message:  "Piping downloaded content into a shell is not allowed",
				Fix:      "Download the script, review it, then run it explicitly",
				Reason:   "Remote scripts execute unreviewed code",
			},
			Pattern: pipeToShell,
		},
		PatternRule{
			Info: Meta{
				Name:     RuleCatastrophicDelete,
				Severity: SeverityCritical,
				Message:  "Recursive delete of the filesystem root or home directory",
				Fix:      "Delete specific paths inside the workspace",
				Reason:   "Irrecoverable data loss",
			},
			Pattern: catastrophic,
		},
		PredicateRule{
			Info: Meta{
				Name:     RuleAbsoluteCwdRequired,
				Severity: SeverityHigh,
				Message:  "Working directory must be an absolute path",
				Fix:      "Resolve cwd against the workspace root",
				Reason:   "Relative directories depend on the caller's state",
			},
			Predicate: func(in Input) bool { return in.Cwd != "" && !isAbs(in.Cwd) },
		},
		PredicateRule{
			Info: Meta{
				Name:     RuleOutsideWorkspace,
				Severity: SeverityHigh,
				Message:  "Operation leaves the workspace root",
				Fix:      "Keep cwd and paths under the workspace root",
				Reason:   "Missions are confined to their workspace",
			},
			Predicate: outsideWorkspace,
		},
		PatternRule{
			Info: Meta{
				Name:     RuleDestructiveOperation,
				Severity: SeverityHigh,
				Message:  "Destructive operation requires approval",
				Fix:      "Confirm the target or use a reversible alternative",
				Reason:   "Data loss cannot be undone",
			},
			Pattern: destructive,
		},
		PatternRule{
			Info: Meta{
				Name:     RulePrivilegeEscalation,
				Severity: SeverityHigh,
				Message:  "Privilege escalation requires approval",
				Fix:      "Run without elevated privileges",
				Reason:   "Elevated commands escape workspace confinement",
			},
			Pattern: privilege,
		},
		PredicateRule{
			Info: Meta{
				Name:     RuleWorkspaceQualifierRequired,
				Severity: SeverityMedium,
				Message:  "Package manager command must be scoped to the workspace package",
				Fix:      "Add --workspace, --filter or yarn workspace",
				Reason:   "Unscoped commands touch every package of the monorepo",
			},
			Predicate: func(in Input) bool {
				return in.Context.Workspace != "" && needsQualifier(in.Command)
			},
		},
		PredicateRule{
			Info: Meta{
				Name:     RuleWindowsPosixSyntax,
				Severity: SeverityMedium,
				Message:  "POSIX-only syntax on a Windows host",
				Fix:      "Use PowerShell equivalents",
				Reason:   "The command will fail on Windows",
			},
			Predicate: func(in Input) bool {
				return in.Context.Platform == "windows" && posixOnly.MatchString(in.Command)
			},
		},
		PredicateRule{
			Info: Meta{
				Name:     RulePosixPowerShellSyntax,
				Severity: SeverityLow,
				Message:  "PowerShell syntax on a POSIX host",
				Fix:      "Use POSIX shell equivalents",
				Reason:   "The command will fail outside PowerShell",
			},
			Predicate: func(in Input) bool {
				return in.Context.Platform != "windows" && powerShell.MatchString(in.Command)
			},
		},
		PredicateRule{
			Info: Meta{
				Name:     RuleWindowsPathOnPosix,
				Severity: SeverityLow,
				Message:  "Windows path on a POSIX host",
				Fix:      "Use forward-slash paths",
				Reason:   "Drive-letter paths do not resolve on POSIX",
			},
			Predicate: func(in Input) bool {
				if in.Context.Platform == "windows" {
					return false
				}
				return windowsPath.MatchString(in.Command) ||
					windowsAbs.MatchString(in.Cwd) || windowsAbs.MatchString(in.Path)
			},
		},
	}
}

func targetsSystemDir(in Input) bool {
	for _, p := range []string{in.Cwd, resolve(in.Cwd, in.Path)} {
		if p == "" {
			continue
		}
		if windowsAbs.MatchString(p) {
			lower := strings.ToLower(p)
			for _, d := range blockedWindowsDirs {
				if lower == d || strings.HasPrefix(lower, d+`\`) {
					return true
				}
			}
			continue
		}
		for _, d := range blockedDirs {
			if within(d, p) {
				return true
			}
		}
	}
	return systemWrite.MatchString(in.Command)
}

func outsideWorkspace(in Input) bool {
	root := in.Context.WorkspaceRoot
	if root == "" {
		return false
	}
	if in.Cwd != "" && isAbs(in.Cwd) && !within(root, in.Cwd) {
		return true
	}
	if in.Path != "" {
		base := in.Cwd
		if base == "" || !isAbs(base) {
			base = root
		}
		if !within(root, resolve(base, in.Path)) {
			return true
		}
	}
	return false
}

var pmSubcommands = map[string]bool{
	"install": true, "i": true, "add": true, "remove": true, "uninstall": true,
	"run": true, "test": true, "build": true, "exec": true, "update": true,
}

// packageManager returns the package manager and subcommand of cmd.
func packageManager(cmd string) (pm, sub string, ok bool) {
	fields := strings.Fields(cmd)
	if len(fields) < 2 {
		return "", "", false
	}
	pm = filepath.Base(fields[0])
	switch pm {
	case "npm", "pnpm", "yarn":
	default:
		return "", "", false
	}
	for _, f := range fields[1:] {
		if strings.HasPrefix(f, "-") {
			continue
		}
		return pm, f, true
	}
	return "", "", false
}

func hasQualifier(pm, cmd string) bool {
	fields := strings.Fields(cmd)
	for i, f := range fields {
		switch pm {
		case "npm":
			if f == "-w" || f == "--workspace" || strings.HasPrefix(f, "--workspace=") ||
				f == "--workspaces" || f == "-ws" {
				return true
			}
		case "pnpm":
			if f == "--filter" || f == "-F" || strings.HasPrefix(f, "--filter=") {
				return true
			}
		case "yarn":
			if (f == "workspace" || f == "workspaces") && i == 1 {
				return true
			}
		}
	}
	return false
}

func needsQualifier(cmd string) bool {
	if isChained(cmd) {
		return false
	}
	pm, sub, ok := packageManager(cmd)
	if !ok {
		return false
	}
	if hasQualifier(pm, cmd) {
		return false
	}
	return pmSubcommands[sub]
}

// qualify inserts the workspace qualifier for the package manager of cmd.
func qualify(cmd, workspace string) (string, bool) {
	if !needsQualifier(cmd) {
		return cmd, false
	}
	pm, _, _ := packageManager(cmd)
	fields := strings.Fields(cmd)
	switch pm {
	case "npm":
		return cmd + " --workspace=" + workspace, true
	case "pnpm":
		return strings.Join(append([]string{fields[0], "--filter", workspace}, fields[1:]...), " "), true
	case "yarn":
		return strings.Join(append([]string{fields[0], "workspace", workspace}, fields[1:]...), " "), true
	}
	return cmd, false
}
