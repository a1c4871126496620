package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/marcelocantos/jn/internal/history"
)

// RunHistoryVerify checks the run history's hash chain.
func (a *App) RunHistoryVerify(w io.Writer) int {
	path := a.Config.History.Path
	if err := history.Verify(path); err != nil {
		fmt.Fprintf(w, "history verification FAILED: %v\n", err)
		return ExitUsage
	}
	fmt.Fprintln(w, "history integrity verified")
	return 0
}

// RunHistoryShow prints the last n runs, as JSON lines when asJSON is set.
func (a *App) RunHistoryShow(w io.Writer, n int, asJSON bool) int {
	entries, err := history.Tail(a.Config.History.Path, n)
	if err != nil {
		fmt.Fprintf(a.Stderr, "jn history: %v\n", err)
		return ExitInternal
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "no history entries")
		return 0
	}

	for _, e := range entries {
		if asJSON {
			data, _ := json.Marshal(e)
			fmt.Fprintf(w, "%s\n", data)
			continue
		}
		status := "ok"
		if e.ExitCode != 0 {
			status = fmt.Sprintf("exit %d", e.ExitCode)
		}
		fmt.Fprintf(w, "%4d  %s  %-6s  %-7s  %s\n",
			e.Seq, e.Time.Local().Format(time.DateTime), e.Command, status, strings.Join(e.Addresses, " "))
	}
	return 0
}
