package orchestrator

import (
	"fmt"
)

// Outcome is the result of one run.
type Outcome struct {
	RunID     string
	SourceURL string
	// Path of the final output, if the run succeeded.
	Path string
	// Split is true if Path was produced by muxing separate video and audio.
	Split bool
	// Skipped is true if Path already existed and nothing was downloaded.
	Skipped bool
	// Suspect is true if the integrity check of a muxed output produced Diagnostics.
	Suspect     bool
	Diagnostics string
	// SplitErr is the failure of the split path that led to falling back to a progressive download.
	SplitErr error
	// Err is the terminal failure of the run.
	Err error
}

func (o *Outcome) Failed() bool {
	return o.Err != nil
}

func (o *Outcome) String() string {
	switch {
	case o.Err != nil:
		return fmt.Sprintf("failed: %v", o.Err)
	case o.Skipped:
		return fmt.Sprintf("%s (already downloaded)", o.Path)
	case o.Suspect:
		return fmt.Sprintf("%s (integrity check reported problems, intermediate files kept)", o.Path)
	default:
		return o.Path
	}
}
