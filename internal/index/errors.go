package index

import "fmt"

// Error reports a failed index operation: an unreadable or corrupt store on open, or a
// transaction that could not be committed. The store stays usable for other files.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("index: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("index: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// WatchError reports a lost or overrun change notification channel. It is never fatal:
// the watcher answers it with a full reconciliation pass.
type WatchError struct {
	Err error
}

func (e *WatchError) Error() string { return "index: watch: " + e.Err.Error() }

func (e *WatchError) Unwrap() error { return e.Err }
