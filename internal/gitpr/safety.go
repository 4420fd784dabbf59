package gitpr

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/caic-xyz/panicfixd/internal/sandbox"
)

// maxBinarySize is the threshold above which a binary file in the diff
// triggers a warning.
const maxBinarySize = 500 * 1024

// SafetyIssue is one non-fatal finding from scanning a branch's diff before
// it ships (spec.md §7: "non-fatal, logged at warn").
type SafetyIssue struct {
	File   string
	Kind   string // "secret" or "large_binary"
	Detail string
}

// binStatRe matches a `git diff --stat` line for a binary file, e.g.
// "assets/logo.png | Bin 0 -> 524288 bytes".
var binStatRe = regexp.MustCompile(`^\s*(\S.*\S)\s+\|\s+Bin\s+\d+\s+->\s+(\d+)\s+bytes`)

var secretPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{regexp.MustCompile(`AK` + `IA[0-9A-Z]{16}`), "AWS access key"},
	{regexp.MustCompile(`-{5}` + `BEGIN\s+(RSA|DSA|EC|OPENSSH|PGP)\s+PRIV` + `ATE\s+KEY-{5}`), "private key"},
	{regexp.MustCompile(`gh` + `p_[A-Za-z0-9_]{36}`), "GitHub personal access token"},
	{regexp.MustCompile(`sk` + `-[A-Za-z0-9]{20,}`), "API secret key"},
	{regexp.MustCompile(`(?i)(pass` + `word|sec` + `ret|to` + `ken|api[_-]?key)\s*[:=]\s*['"][^'"]{8,}`), "hardcoded credential"},
}

// CheckSafety runs a diff of branch against origin/defaultBase inside
// session and scans added lines for secret material, plus flags any binary
// blob over maxBinarySize. Findings are advisory: the caller logs them at
// warn and proceeds regardless (spec.md §7).
func CheckSafety(ctx context.Context, sb sandbox.Ops, session, branch, defaultBase string) ([]SafetyIssue, error) {
	res, err := sb.Run(ctx, session,
		fmt.Sprintf("git diff origin/%s...%s", shQuote(defaultBase), shQuote(branch)), sandbox.RunOptions{})
	if err != nil {
		return nil, fmt.Errorf("safety scan diff: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("safety scan diff: exit %d: %s", res.ExitCode, res.Stderr)
	}
	issues := scanDiffForSecrets(res.Stdout)

	statRes, err := sb.Run(ctx, session,
		fmt.Sprintf("git diff --stat origin/%s...%s", shQuote(defaultBase), shQuote(branch)), sandbox.RunOptions{})
	if err != nil {
		return nil, fmt.Errorf("safety scan diffstat: %w", err)
	}
	if statRes.ExitCode != 0 {
		return nil, fmt.Errorf("safety scan diffstat: exit %d: %s", statRes.ExitCode, statRes.Stderr)
	}
	issues = append(issues, scanDiffstatForLargeBinaries(statRes.Stdout)...)

	return issues, nil
}

// scanDiffstatForLargeBinaries flags any binary blob over maxBinarySize
// reported in a `git diff --stat` listing.
func scanDiffstatForLargeBinaries(diffstat string) []SafetyIssue {
	var issues []SafetyIssue
	scanner := bufio.NewScanner(strings.NewReader(diffstat))
	for scanner.Scan() {
		m := binStatRe.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		size, err := strconv.Atoi(m[2])
		if err != nil || size <= maxBinarySize {
			continue
		}
		file := strings.TrimSpace(m[1])
		slog.Warn("large binary in diff", "file", file, "bytes", size)
		issues = append(issues, SafetyIssue{
			File: file, Kind: "large_binary",
			Detail: fmt.Sprintf("binary blob is %d bytes, over the %d byte threshold", size, maxBinarySize),
		})
	}
	return issues
}

func scanDiffForSecrets(diff string) []SafetyIssue {
	var issues []SafetyIssue
	seen := make(map[string]bool)
	var currentFile string

	scanner := bufio.NewScanner(strings.NewReader(diff))
	for scanner.Scan() {
		line := scanner.Text()
		if after, ok := strings.CutPrefix(line, "+++ b/"); ok {
			currentFile = after
			continue
		}
		if !strings.HasPrefix(line, "+") || strings.HasPrefix(line, "+++") {
			continue
		}
		added := line[1:]
		for _, sp := range secretPatterns {
			if !sp.re.MatchString(added) {
				continue
			}
			key := currentFile + ":" + sp.desc
			if seen[key] {
				continue
			}
			seen[key] = true
			slog.Warn("possible secret in diff", "file", currentFile, "pattern", sp.desc)
			issues = append(issues, SafetyIssue{
				File: currentFile, Kind: "secret",
				Detail: fmt.Sprintf("possible %s detected", sp.desc),
			})
		}
	}
	return issues
}
