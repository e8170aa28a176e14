package blockstore

import (
	"github.com/sirupsen/logrus"

	"cairn/internal/disk"
	"cairn/internal/ringloop"
)

type options struct {
	opener disk.Opener
	ring   *ringloop.Ring
	fatal  func(error)
	log    *logrus.Entry
}

type Option interface {
	apply(*options)
}

type OptionFunc func(*options)

func (f OptionFunc) apply(o *options) {
	f(o)
}

// WithOpener replaces the function that opens devices by path.
func WithOpener(open disk.Opener) Option {
	return OptionFunc(func(o *options) {
		o.opener = open
	})
}

// WithRing runs the store on a ring owned by the caller, which may be
// shared with other consumers. The store does not close it.
func WithRing(r *ringloop.Ring) Option {
	return OptionFunc(func(o *options) {
		o.ring = r
	})
}

// WithFatalHandler replaces the handler called on unrecoverable corruption
// or I/O failure outside of an operation. The default logs and exits.
func WithFatalHandler(fn func(error)) Option {
	return OptionFunc(func(o *options) {
		o.fatal = fn
	})
}

func WithLogger(l *logrus.Entry) Option {
	return OptionFunc(func(o *options) {
		o.log = l
	})
}

func defaultOptions() options {
	return options{
		opener: disk.OpenFile,
		fatal: func(err error) {
			logrus.WithError(err).Fatal("blockstore: unrecoverable error")
		},
		log: logrus.WithField("component", "blockstore"),
	}
}
