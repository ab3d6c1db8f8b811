package checkpoint

import (
	"context"
	"os"
	"time"

	"go.redoflow.dev/core/errs"
)

// Reloader re-parses the configuration file and re-stages whatever
// derived state depends on it (filters, schema-selection rules). It
// returns the set of user names (schema owners) present after reload,
// so WatchConfig can enforce the "user set must not change" invariant.
type Reloader interface {
	Reload(ctx context.Context, path string) (users map[string]struct{}, err error)
}

// WatchConfig polls path's mtime every pollInterval and calls
// reloader.Reload on change, per spec.md §4.7: "watches the
// configuration file's modification time; on change, it re-parses
// filters and schema-selection rules ... without restarting the
// process." It returns only on ctx cancellation or a fatal reload error.
func WatchConfig(ctx context.Context, path string, pollInterval time.Duration, reloader Reloader) error {
	var lastMod time.Time
	var lastUsers map[string]struct{}

	if info, err := os.Stat(path); err == nil {
		lastMod = info.ModTime()
	}

	var ticker = time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				return errs.NewRuntimeError("statting configuration file", err)
			}
			if !info.ModTime().After(lastMod) {
				continue
			}
			lastMod = info.ModTime()

			users, err := reloader.Reload(ctx, path)
			if err != nil {
				return err
			}
			if lastUsers != nil && !sameUserSet(lastUsers, users) {
				return errs.NewConfigurationError(
					"configuration reload changed the user set; restart required", nil)
			}
			lastUsers = users
		}
	}
}

func sameUserSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
