package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"cairn/pkg/blockstore"
)

// store wraps a Blockstore driven by the command. A fatal store error ends
// every Run of the store and is returned from it.
type store struct {
	bs  *blockstore.Blockstore
	err error
}

func openStore(cfg map[string]string) (*store, error) {
	s := &store{}
	bs, err := blockstore.New(cfg,
		blockstore.WithLogger(logrus.WithField("component", "blockstore")),
		blockstore.WithFatalHandler(func(err error) {
			if s.err == nil {
				s.err = err
			}
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open store")
	}
	s.bs = bs
	return s, nil
}

// run drives the store until done reports true, the store fails or ctx
// ends.
func (s *store) run(ctx context.Context, done func() bool) error {
	err := s.bs.Run(ctx, func() bool {
		return s.err != nil || done()
	})
	if s.err != nil {
		return s.err
	}
	return err
}

func (s *store) start(ctx context.Context) error {
	return errors.Wrap(s.run(ctx, s.bs.IsStarted), "startup recovery")
}

// stop waits until no acknowledged state can be lost and closes the store.
func (s *store) stop(ctx context.Context) error {
	err := s.run(ctx, s.bs.IsSafeToStop)
	if cerr := s.bs.Close(); err == nil {
		err = cerr
	}
	return errors.Wrap(err, "stop store")
}
