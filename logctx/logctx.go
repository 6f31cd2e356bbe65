// Package logctx threads a logger through constructors explicitly
// instead of relying on a package-level global, per the project's
// ambient logging convention: every component that logs takes a
// *Context, and nothing reaches for a default logger behind the
// caller's back.
package logctx

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Context wraps a logrus entry plus the two verbosity flags the
// daemon CLI exposes (`--verbose` / `--verbose-full`), so callers can
// gate expensive trace formatting (like Message.Dump) without
// checking logrus's level directly.
type Context struct {
	entry       *logrus.Entry
	Verbose     bool
	VerboseFull bool
}

// New builds a root Context logging to stderr at the given logrus
// level, in the teacher's text-formatter style.
func New(level logrus.Level, verboseFull bool) *Context {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Context{
		entry:       logrus.NewEntry(l),
		Verbose:     level >= logrus.DebugLevel,
		VerboseFull: verboseFull,
	}
}

// With returns a child Context carrying additional structured fields,
// leaving the receiver untouched.
func (c *Context) With(fields logrus.Fields) *Context {
	return &Context{entry: c.entry.WithFields(fields), Verbose: c.Verbose, VerboseFull: c.VerboseFull}
}

func (c *Context) Debugf(format string, args ...any) { c.entry.Debugf(format, args...) }
func (c *Context) Infof(format string, args ...any)  { c.entry.Infof(format, args...) }
func (c *Context) Warnf(format string, args ...any)  { c.entry.Warnf(format, args...) }
func (c *Context) Errorf(format string, args ...any) { c.entry.Errorf(format, args...) }

// Entry exposes the underlying logrus entry for callers that need a
// logrus.FieldLogger (for example, a library constructor that takes
// one as a dependency).
func (c *Context) Entry() *logrus.Entry { return c.entry }
