// Package providers registers every built-in provider with video_fetcher.DefaultProviderRegistry when imported.
package providers

import (
	_ "github.com/vfetch/video-fetcher/provider/raw"
	_ "github.com/vfetch/video-fetcher/provider/youtube"
)
