package orchestrator

import (
	"github.com/vfetch/video-fetcher"
)

type State int

const (
	StateStart State = iota
	StateSelectStreams
	StateCheckExistingOutput
	StateProgressivePath
	StateDownloadVideo
	StateDownloadAudio
	StateMux
	StateVerifyIntegrity
	StateCleanup
	StateFallbackToProgressive
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "Start"
	case StateSelectStreams:
		return "SelectStreams"
	case StateCheckExistingOutput:
		return "CheckExistingOutput"
	case StateProgressivePath:
		return "ProgressivePath"
	case StateDownloadVideo:
		return "DownloadVideo"
	case StateDownloadAudio:
		return "DownloadAudio"
	case StateMux:
		return "Mux"
	case StateVerifyIntegrity:
		return "VerifyIntegrity"
	case StateCleanup:
		return "Cleanup"
	case StateFallbackToProgressive:
		return "FallbackToProgressive"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

type Event interface {
	// The run this event relates to.
	RunID() string
}

type runEvent struct {
	runID string
}

func (e runEvent) RunID() string {
	return e.runID
}

type StateChanged struct {
	runEvent
	OldState State
	NewState State
}
type DownloadStarted struct {
	runEvent
	Target video_fetcher.DownloadTarget
}
type DownloadProgress struct {
	runEvent
	Target     video_fetcher.DownloadTarget
	Downloaded int64
	Expected   int64
}
type DownloadFileComplete struct {
	runEvent
	Path string
}
type IntegrityChecked struct {
	runEvent
	Path        string
	Diagnostics string
}

// Observer receives events synchronously, on the goroutine running the download.
type Observer interface {
	Notify(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) Notify(e Event) {
	f(e)
}

type nopObserver struct{}

func (nopObserver) Notify(Event) {}
