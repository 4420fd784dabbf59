// Package gitpr implements the Git/PR Boundary (spec.md §4.6.5, §6):
// squashing a sandbox session's branch commits and opening a draft PR.
package gitpr

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/caic-xyz/panicfixd/internal/sandbox"
	"github.com/google/uuid"
)

// CommitFields populates the squashed commit message template (spec.md
// §4.6.5).
type CommitFields struct {
	PanicMessage       string
	PanicLocation      string
	BugDescription     string
	FixDescription     string
	FailingSeed        int
	WhySimulatorMissed string
}

// CommitMessage renders CommitFields into the squash commit's message:
// subject truncated to 72 chars with a "..." suffix if longer, body lines
// word-wrapped at 72 chars.
func CommitMessage(f CommitFields) string {
	subject := truncateSubject("fix: "+f.PanicMessage, 72)
	body := fmt.Sprintf(
		"Location: %s\nBug: %s\nFix: %s\n\nFailing seed: %d\nSimulator: %s",
		f.PanicLocation, f.BugDescription, f.FixDescription, f.FailingSeed, f.WhySimulatorMissed,
	)
	return subject + "\n\n" + wrapBody(body, 72)
}

func truncateSubject(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// wrapBody word-wraps each line of body independently at width, preserving
// blank lines as paragraph breaks.
func wrapBody(body string, width int) string {
	lines := strings.Split(body, "\n")
	var out []string
	for _, line := range lines {
		out = append(out, wrapLine(line, width)...)
	}
	return strings.Join(out, "\n")
}

func wrapLine(line string, width int) []string {
	if line == "" {
		return []string{""}
	}
	words := strings.Fields(line)
	if len(words) == 0 {
		return []string{""}
	}
	var out []string
	cur := words[0]
	for _, w := range words[1:] {
		if len(cur)+1+len(w) > width {
			out = append(out, cur)
			cur = w
			continue
		}
		cur += " " + w
	}
	out = append(out, cur)
	return out
}

// Boundary drives git/gh commands inside a sandbox session.
type Boundary struct {
	Sandbox sandbox.Ops
	DryRun  bool
}

// New returns a Boundary running commands through sb.
func New(sb sandbox.Ops, dryRun bool) *Boundary {
	return &Boundary{Sandbox: sb, DryRun: dryRun}
}

// SquashAndPush squashes every commit on branch since its merge-base with
// defaultBase into a single commit with message msg, then pushes the
// branch to origin.
func (b *Boundary) SquashAndPush(ctx context.Context, session, branch, defaultBase, msg string) error {
	mergeBaseRes, err := b.Sandbox.Run(ctx, session,
		fmt.Sprintf("git merge-base origin/%s %s", shQuote(defaultBase), shQuote(branch)), sandbox.RunOptions{})
	if err != nil || mergeBaseRes.ExitCode != 0 {
		return fmt.Errorf("git merge-base: %w (stderr=%s)", err, mergeBaseRes.Stderr)
	}
	mergeBase := strings.TrimSpace(mergeBaseRes.Stdout)
	if mergeBase == "" {
		return fmt.Errorf("git merge-base: empty output")
	}

	resetCmd := fmt.Sprintf("git reset --soft %s && git commit -m %s", shQuote(mergeBase), shQuote(msg))
	res, err := b.Sandbox.Run(ctx, session, resetCmd, sandbox.RunOptions{})
	if err != nil || res.ExitCode != 0 {
		return fmt.Errorf("squash commit: %w (stderr=%s)", err, res.Stderr)
	}

	pushRes, err := b.Sandbox.Run(ctx, session,
		fmt.Sprintf("git push -u origin %s", shQuote(branch)), sandbox.RunOptions{})
	if err != nil || pushRes.ExitCode != 0 {
		return fmt.Errorf("git push: %w (stderr=%s)", err, pushRes.Stderr)
	}
	return nil
}

// PRFields fill the PR title/body (spec.md §6).
type PRFields struct {
	PanicMessage string
	Branch       string
	Reviewer     string
	Labels       []string
	Body         string
}

// CreatePR opens a draft PR from session and returns its URL. In dry-run
// mode, the body and the equivalent gh invocation are written to temp
// files and a sentinel URL is returned instead of actually creating a PR.
func (b *Boundary) CreatePR(ctx context.Context, session string, f PRFields) (string, error) {
	title := "fix: " + f.PanicMessage

	if b.DryRun {
		return b.dryRunCreatePR(title, f)
	}

	args := []string{"gh", "pr", "create",
		"--title", shQuote(title),
		"--body", shQuote(f.Body),
		"--draft",
	}
	if f.Reviewer != "" {
		args = append(args, "--reviewer", shQuote(f.Reviewer))
	}
	for _, l := range f.Labels {
		args = append(args, "--label", shQuote(l))
	}
	command := strings.Join(args, " ")

	res, err := b.Sandbox.Run(ctx, session, command, sandbox.RunOptions{})
	if err != nil || res.ExitCode != 0 {
		return "", fmt.Errorf("gh pr create: %w (stderr=%s)", err, res.Stderr)
	}
	url, ok := ExtractPRURL(res.Stdout)
	if !ok {
		return "", fmt.Errorf("gh pr create: no URL parsable from stdout: %q", res.Stdout)
	}
	return url, nil
}

func (b *Boundary) dryRunCreatePR(title string, f PRFields) (string, error) {
	bodyFile, err := os.CreateTemp("", "panicfixd-pr-body-*.md")
	if err != nil {
		return "", fmt.Errorf("dry-run pr body temp file: %w", err)
	}
	defer bodyFile.Close()
	if _, err := bodyFile.WriteString(f.Body); err != nil {
		return "", fmt.Errorf("dry-run pr body write: %w", err)
	}

	cmdFile, err := os.CreateTemp("", "panicfixd-pr-command-*.sh")
	if err != nil {
		return "", fmt.Errorf("dry-run pr command temp file: %w", err)
	}
	defer cmdFile.Close()
	command := fmt.Sprintf("gh pr create --title %s --body-file %s --draft", shQuote(title), bodyFile.Name())
	if f.Reviewer != "" {
		command += " --reviewer " + shQuote(f.Reviewer)
	}
	for _, l := range f.Labels {
		command += " --label " + shQuote(l)
	}
	fmt.Fprint(cmdFile, command)

	// The sentinel carries a random token after the branch name so
	// that two dry runs of the same panic_location (e.g. a retried item)
	// never collide on the "pr_url" the store persists.
	return "dry-run://" + f.Branch + "/" + uuid.NewString(), nil
}

// ExtractPRURL finds the first https://.../pull/NNN URL in gh's stdout.
func ExtractPRURL(stdout string) (string, bool) {
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "https://") && strings.Contains(line, "/pull/") {
			return line, true
		}
	}
	return "", false
}

// RenderPRBody substitutes {{field}} placeholders in template with values,
// using "" for missing keys (spec.md §6).
func RenderPRBody(template string, values map[string]string) string {
	placeholder := regexp.MustCompile(`\{\{([^{}]*)\}\}`)
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		return values[m[2:len(m)-2]]
	})
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
