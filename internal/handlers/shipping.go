package handlers

import (
	"context"
	"strconv"
	"strings"

	"github.com/caic-xyz/panicfixd/internal/ctxdoc"
	"github.com/caic-xyz/panicfixd/internal/dto"
	"github.com/caic-xyz/panicfixd/internal/gitpr"
	"github.com/caic-xyz/panicfixd/internal/sandbox"
)

// prBodyTemplate renders into the PR description via gitpr.RenderPRBody.
const prBodyTemplate = `## Panic

{{panic_message}} at {{panic_location}}

## Root cause

{{bug_description}}

## Fix

{{fix_description}}

## Repro

Failing seed: {{failing_seed}}
Why the simulator missed it: {{why_simulator_missed}}
`

// Shipping validates the context document, squashes the branch, pushes,
// and opens a draft PR (spec.md §4.6.5).
func Shipping(ctx context.Context, wc WorkflowContext) Result {
	data, err := ctxdoc.Read(wc.ContextPath)
	if err != nil {
		return errorResult("shipping", "Context document missing or malformed: "+truncate(err.Error(), 200))
	}
	if errs := ctxdoc.Validate(data, ctxdoc.PhaseShip); len(errs) > 0 {
		return errorResult("shipping", "Context document incomplete: "+strings.Join(errs, "; "))
	}

	if rm, err := wc.Sandbox.Run(ctx, wc.Session, "rm -f "+ctxdoc.Filename, sandbox.RunOptions{}); err != nil || rm.ExitCode != 0 {
		wc.Logger.Warn("failed to delete context document before shipping",
			"panic_location", wc.Item.PanicLocation, "stderr", rm.Stderr)
	}

	if issues, err := gitpr.CheckSafety(ctx, wc.Sandbox, wc.Session, wc.Branch, wc.Config.Git.DefaultBase); err != nil {
		wc.Logger.Warn("safety scan failed to run, continuing", "panic_location", wc.Item.PanicLocation, "err", err)
	} else {
		for _, issue := range issues {
			wc.Logger.Warn("safety issue found before shipping",
				"panic_location", wc.Item.PanicLocation, "file", issue.File, "kind", issue.Kind, "detail", issue.Detail)
		}
	}

	failingSeed, _ := data["failing_seed"].(float64)
	msg := gitpr.CommitMessage(gitpr.CommitFields{
		PanicMessage:       wc.Item.PanicMessage,
		PanicLocation:      wc.Item.PanicLocation,
		BugDescription:     stringField(data, "bug_description"),
		FixDescription:     stringField(data, "fix_description"),
		FailingSeed:        int(failingSeed),
		WhySimulatorMissed: stringField(data, "why_simulator_missed"),
	})

	if err := wc.GitPR.SquashAndPush(ctx, wc.Session, wc.Branch, wc.Config.Git.DefaultBase, msg); err != nil {
		return errorResult("shipping", "Squash/push failed: "+truncate(err.Error(), 200))
	}

	body := gitpr.RenderPRBody(prBodyTemplate, map[string]string{
		"panic_message":        wc.Item.PanicMessage,
		"panic_location":       wc.Item.PanicLocation,
		"bug_description":      stringField(data, "bug_description"),
		"fix_description":      stringField(data, "fix_description"),
		"failing_seed":         strconv.Itoa(int(failingSeed)),
		"why_simulator_missed": stringField(data, "why_simulator_missed"),
	})

	prURL, err := wc.GitPR.CreatePR(ctx, wc.Session, gitpr.PRFields{
		PanicMessage: wc.Item.PanicMessage,
		Branch:       wc.Branch,
		Reviewer:     wc.Config.Git.PRReviewer,
		Labels:       wc.Config.Git.PRLabels,
		Body:         body,
	})
	if err != nil {
		return errorResult("shipping", "PR creation failed: "+truncate(err.Error(), 200))
	}

	return Result{
		NextStatus:  dto.StatusPROpen,
		PRUrl:       prURL,
		ContextData: data,
	}
}

func stringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}
