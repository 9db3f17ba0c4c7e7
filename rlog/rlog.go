// Package rlog provides structured, component-prefixed logging for the
// scheduler, buffer, driver, and stream packages.
package rlog

import (
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var verbose int32

// EnableVerbose turns on debug-level output across all component loggers.
// By default components only log at info level and above.
func EnableVerbose() {
	atomic.StoreInt32(&verbose, 1)
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
}

// Component is a logger scoped to one subsystem (e.g. a single RPC's
// request/reply coroutines, the driver, a stream client). Every log line
// carries the component name and, where applicable, an id field, mirroring
// the prefix carried by the teacher's CLogger.
type Component struct {
	logger zerolog.Logger
}

// New creates a Component logger writing to stderr, tagged with name and an
// optional id (e.g. an RPC name or worker id).
func New(name string, id string) *Component {
	l := zerolog.New(os.Stderr).With().Timestamp().Str("component", name)
	if id != "" {
		l = l.Str("id", id)
	}
	return &Component{logger: l.Logger()}
}

func (c *Component) Debugf(format string, args ...any) {
	c.logger.Debug().Msgf(format, args...)
}

func (c *Component) Infof(format string, args ...any) {
	c.logger.Info().Msgf(format, args...)
}

func (c *Component) Warnf(format string, args ...any) {
	c.logger.Warn().Msgf(format, args...)
}

func (c *Component) Errorf(format string, args ...any) {
	c.logger.Error().Msgf(format, args...)
}

// With returns a child Component with an additional string field attached;
// used to tag a log line with e.g. a buffer index or request id without
// constructing a brand new Component.
func (c *Component) With(key, value string) *Component {
	return &Component{logger: c.logger.With().Str(key, value).Logger()}
}
