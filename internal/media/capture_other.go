//go:build !(linux && cgo)

package media

import (
	"github.com/nikhilrajpk/snapfy-rtc/internal/core"
	"github.com/nikhilrajpk/snapfy-rtc/internal/domain"
)

func newEngine() (*Engine, error) {
	return &Engine{
		API: nil,
		Acquire: func(domain.CallKind) (core.MediaSource, error) {
			return nil, core.ErrNoMediaBackend
		},
	}, nil
}
