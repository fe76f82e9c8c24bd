// Package media acquires local camera/microphone tracks for calls and
// broadcasts. Capture is platform-specific; on platforms without a backend
// the acquirer fails with core.ErrNoMediaBackend and the controllers abort
// the attempt cleanly.
package media

import (
	"github.com/pion/webrtc/v4"

	"github.com/nikhilrajpk/snapfy-rtc/internal/core"
)

// Engine bundles the capture acquirer with the webrtc API whose media engine
// is populated with the matching codecs. Peer connections that carry capture
// tracks must be created from this API.
type Engine struct {
	API     *webrtc.API
	Acquire core.MediaAcquirer
}

// NewEngine builds the platform capture engine.
func NewEngine() (*Engine, error) {
	return newEngine()
}
