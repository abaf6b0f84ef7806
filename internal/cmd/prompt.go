package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/Iron-Ham/parallax/internal/executor"
)

// conflictOperator is the part of the executor the conflict prompt drives.
type conflictOperator interface {
	PendingConflicts() []executor.PendingConflict
	RetryConflictResolution(ctx context.Context) bool
	SkipFailedConflict(ctx context.Context) bool
}

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// promptConflicts walks the operator through the pending conflicts, oldest
// first, until none remain or the operator quits. It returns the number of
// conflicts still pending.
func promptConflicts(ctx context.Context, in io.Reader, out io.Writer, op conflictOperator) int {
	reader := bufio.NewReader(in)
	for {
		pending := op.PendingConflicts()
		if len(pending) == 0 || ctx.Err() != nil {
			return len(pending)
		}
		head := pending[0].Operation

		fmt.Fprintln(out)
		fmt.Fprintln(out, warningStyle.Render(fmt.Sprintf("Conflict merging %s (%d pending)", head.TaskID(), len(pending))))
		fmt.Fprintf(out, "  branch: %s\n", head.SourceBranch)
		for _, f := range head.ConflictedFiles {
			fmt.Fprintf(out, "  %s\n", f)
		}
		fmt.Fprint(out, "[r]etry merge, [s]kip task, [q]uit: ")

		line, err := reader.ReadString('\n')
		choice := strings.ToLower(strings.TrimSpace(line))
		if err != nil && choice == "" {
			fmt.Fprintln(out)
			return len(pending)
		}

		switch choice {
		case "r", "retry":
			if op.RetryConflictResolution(ctx) {
				fmt.Fprintln(out, successStyle.Render("Merged "+head.TaskID()))
			} else {
				fmt.Fprintln(out, errorStyle.Render("Still conflicted; fix "+head.SourceBranch+" and retry"))
			}
		case "s", "skip":
			op.SkipFailedConflict(ctx)
		case "q", "quit":
			return len(pending)
		default:
			fmt.Fprintf(out, "Unknown choice %q\n", choice)
		}
	}
}
