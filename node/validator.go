package node

import (
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/moonbotlabs/moonbot"
)

// defaultMaxArgvLength bounds the flattened argv a companion may be asked
// to run.
const defaultMaxArgvLength = 10000

// blockPatterns match argv text that must never reach a companion shell:
// destructive operations, privilege escalation, command substitution,
// pipe-to-shell, path traversal, and shell escapes.
var blockPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+(-[a-zA-Z]*\s+)*-[a-zA-Z]*[rf]`),
	regexp.MustCompile(`\bsudo\s`),
	regexp.MustCompile(`\bdoas\s`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`\b(shutdown|reboot|halt|poweroff)\b`),
	regexp.MustCompile(`chmod\s+([0-7]*7[0-7]*7|-R)`),
	regexp.MustCompile(`\|\s*(sh|bash|zsh|dash)\b`),
	regexp.MustCompile("`[^`]*`"),
	regexp.MustCompile(`\$\(`),
	regexp.MustCompile(`\.\.`),
	regexp.MustCompile(`[;&]\s*\S`),
	regexp.MustCompile(`>\s*/dev/`),
	regexp.MustCompile(`:\(\)\s*{`),
}

// defaultAllowedCommands are base commands a companion may run: developer
// tools and runtimes, git, read-only inspection, and limited networking.
var defaultAllowedCommands = []string{
	"git", "go", "node", "npm", "npx", "pnpm", "yarn",
	"python", "python3", "pip", "pip3",
	"cargo", "rustc", "java", "javac", "make",
	"ls", "cat", "head", "tail", "grep", "find", "wc", "file", "stat",
	"pwd", "echo", "which", "env", "date", "uname", "whoami",
	"df", "du", "ps", "uptime", "free",
	"curl", "wget", "ping", "dig", "host", "nslookup",
}

// forbiddenEnvKeys are environment variables a companion request may never
// set: they change what binary actually runs.
var forbiddenEnvKeys = map[string]bool{
	"PATH":                  true,
	"LD_PRELOAD":            true,
	"DYLD_INSERT_LIBRARIES": true,
}

// CommandValidator screens command requests before they are delegated to
// a companion. Validation is conservative: anything the blocklist matches
// or the allowlist does not cover is rejected.
type CommandValidator struct {
	maxArgvLength int
	allowed       map[string]bool
}

// ValidatorOption configures a CommandValidator.
type ValidatorOption func(*CommandValidator)

// WithMaxArgvLength bounds the flattened argv. Default: 10000.
func WithMaxArgvLength(n int) ValidatorOption {
	return func(v *CommandValidator) { v.maxArgvLength = n }
}

// WithAllowedCommands replaces the base-command allowlist.
func WithAllowedCommands(cmds []string) ValidatorOption {
	return func(v *CommandValidator) {
		v.allowed = make(map[string]bool, len(cmds))
		for _, c := range cmds {
			v.allowed[c] = true
		}
	}
}

// NewCommandValidator creates a validator with the default allowlist.
func NewCommandValidator(opts ...ValidatorOption) *CommandValidator {
	v := &CommandValidator{maxArgvLength: defaultMaxArgvLength}
	WithAllowedCommands(defaultAllowedCommands)(v)
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ValidateArguments screens a full argv. Errors carry PERMISSION_DENIED
// (blocked content or command) or INVALID_INPUT (size).
func (v *CommandValidator) ValidateArguments(argv []string) error {
	if len(argv) == 0 {
		return moonbot.NewTaskError(moonbot.CodeInvalidInput, "empty command")
	}
	flat := strings.Join(argv, " ")
	if len(flat) > v.maxArgvLength {
		return moonbot.NewTaskError(moonbot.CodeInvalidInput, "command is too long")
	}
	for _, pat := range blockPatterns {
		if pat.MatchString(flat) {
			return moonbot.Errf(moonbot.CodePermissionDenied,
				"this command is not allowed", "blocked pattern %q in argv", pat.String())
		}
	}
	base := filepath.Base(argv[0])
	if !v.allowed[base] {
		return moonbot.Errf(moonbot.CodePermissionDenied,
			"this command is not allowed", "command %q is not allowlisted", base)
	}
	return nil
}

// ValidateCwd rejects traversal and, when allowedBase is set, requires the
// resolved directory to stay inside it.
func (v *CommandValidator) ValidateCwd(cwd, allowedBase string) error {
	if cwd == "" {
		return nil
	}
	if strings.Contains(cwd, "..") {
		return moonbot.NewTaskError(moonbot.CodeInvalidPath, "working directory may not traverse upward")
	}
	if allowedBase == "" {
		return nil
	}
	resolved := filepath.Clean(cwd)
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(allowedBase, resolved)
	}
	rel, err := filepath.Rel(allowedBase, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return moonbot.NewTaskError(moonbot.CodeInvalidPath, "working directory is outside the allowed base")
	}
	return nil
}

// ValidateEnv rejects loader-injection variables and values that carry
// traversal or shell metacharacters.
func (v *CommandValidator) ValidateEnv(env map[string]string) error {
	for key, val := range env {
		if forbiddenEnvKeys[strings.ToUpper(key)] {
			return moonbot.Errf(moonbot.CodePermissionDenied,
				"this environment variable is not allowed", "forbidden env key %q", key)
		}
		if strings.Contains(val, "..") || strings.ContainsAny(val, "|;") {
			return moonbot.Errf(moonbot.CodePermissionDenied,
				"this environment value is not allowed", "unsafe env value for %q", key)
		}
	}
	return nil
}

// SanitizeArguments normalizes each argument to NFKC and strips control
// characters. Run before validation so lookalike forms cannot slip past
// the blocklist.
func (v *CommandValidator) SanitizeArguments(argv []string) []string {
	out := make([]string, len(argv))
	for i, arg := range argv {
		normalized := norm.NFKC.String(arg)
		out[i] = strings.Map(func(r rune) rune {
			if r < 0x20 || r == 0x7f {
				return -1
			}
			return r
		}, normalized)
	}
	return out
}
