// Package security inspects extension source code before it is loaded.
//
// The scan is advisory: warnings are logged and surfaced to the operator but
// do not block loading unless strict mode is enabled. Locally written
// extensions are trusted enough to run with a warning; marketplace and
// community installs should run with Strict set. This asymmetry is a
// deliberate trust model, not an oversight.
package security

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Severity classifies a warning.
type Severity string

// Warning severities.
const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Warning is a single finding in an extension's source.
type Warning struct {
	Extension string
	File      string
	Line      int
	Pattern   string
	Severity  Severity
	Message   string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s:%d: [%s] %s", w.File, w.Line, w.Severity, w.Message)
}

// StrictModeError is returned when strict mode escalates warnings to a
// load-blocking failure.
type StrictModeError struct {
	Extension string
	Warnings  []Warning
}

func (e *StrictModeError) Error() string {
	return fmt.Sprintf("security scan of %q found %d warning(s) in strict mode",
		e.Extension, len(e.Warnings))
}

// pattern is one unsafe construct the scanner looks for.
type pattern struct {
	id       string
	re       *regexp.Regexp
	severity Severity
	message  string
}

// unsafePatterns is the fixed list of constructs flagged in Lua sources.
var unsafePatterns = []pattern{
	{
		id:       "dynamic-eval",
		re:       regexp.MustCompile(`\b(load|loadstring|loadfile|dofile)\s*\(`),
		severity: SeverityHigh,
		message:  "dynamic code evaluation",
	},
	{
		id:       "env-escape",
		re:       regexp.MustCompile(`\bsetfenv\s*\(`),
		severity: SeverityHigh,
		message:  "environment manipulation",
	},
	{
		id:       "shell-spawn",
		re:       regexp.MustCompile(`\bos\.execute\s*\(|\bio\.popen\s*\(`),
		severity: SeverityHigh,
		message:  "shell or process spawning",
	},
	{
		id:       "process-exit",
		re:       regexp.MustCompile(`\bos\.exit\s*\(`),
		severity: SeverityMedium,
		message:  "host process termination",
	},
	{
		id:       "unsafe-deserialize",
		re:       regexp.MustCompile(`\b(load|loadstring)\s*\(\s*[a-zA-Z_][a-zA-Z0-9_.:]*\s*[,)]`),
		severity: SeverityHigh,
		message:  "executing data as code (unsafe deserialization)",
	},
	{
		id:       "hardcoded-secret",
		re:       regexp.MustCompile(`(?i)\b[a-z0-9_]*(password|secret|token|api_key)[a-z0-9_]*\s*=\s*["'][^"']+["']`),
		severity: SeverityMedium,
		message:  "possible hard-coded secret",
	},
}

// Scanner scans extension directories for unsafe constructs.
type Scanner struct {
	// Strict escalates any warning to a blocking error.
	Strict bool

	logger *zap.Logger
}

// NewScanner creates a scanner. A nil logger disables logging.
func NewScanner(strict bool, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{Strict: strict, logger: logger.Named("extension.security")}
}

// Scan inspects every Lua source file under dir and returns all findings.
// In strict mode a non-empty result is also returned as a StrictModeError.
func (s *Scanner) Scan(name, dir string) ([]Warning, error) {
	var warnings []Warning

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Unreadable entries are skipped, not fatal
		}
		if d.IsDir() || !strings.HasSuffix(path, ".lua") {
			return nil
		}

		found, scanErr := scanFile(name, path)
		if scanErr != nil {
			return scanErr
		}
		warnings = append(warnings, found...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %q: %w", name, err)
	}

	for _, w := range warnings {
		s.logger.Warn("security finding",
			zap.String("extension", w.Extension),
			zap.String("file", w.File),
			zap.Int("line", w.Line),
			zap.String("pattern", w.Pattern),
			zap.String("severity", string(w.Severity)),
		)
	}

	if s.Strict && len(warnings) > 0 {
		return warnings, &StrictModeError{Extension: name, Warnings: warnings}
	}
	return warnings, nil
}

// scanFile checks one source file against the pattern list, line by line.
func scanFile(extension, path string) ([]Warning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var warnings []Warning
	for i, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "--") {
			continue // Comments can't execute
		}
		for _, p := range unsafePatterns {
			if p.re.MatchString(line) {
				warnings = append(warnings, Warning{
					Extension: extension,
					File:      filepath.Base(path),
					Line:      i + 1,
					Pattern:   p.id,
					Severity:  p.severity,
					Message:   p.message,
				})
			}
		}
	}
	return warnings, nil
}
