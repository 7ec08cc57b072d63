// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package cli provides helpers for the command line tools.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// WithContext wraps function call to provide a context cancellable with ^C.
//
// The first signal cancels the context, the running command stops at the next step boundary.
func WithContext(ctx context.Context, f func(context.Context) error) error {
	wrappedCtx, wrappedCtxCancel := context.WithCancel(ctx)
	defer wrappedCtxCancel()

	// listen for ^C and SIGTERM and abort context
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	exited := make(chan struct{})
	defer close(exited)

	go func() {
		select {
		case <-sigCh:
			wrappedCtxCancel()

			signal.Stop(sigCh)
			fmt.Fprintln(os.Stderr, "Signal received, aborting after the current step, press Ctrl+C once again to abort immediately...")
		case <-wrappedCtx.Done():
			return
		case <-exited:
		}
	}()

	return f(wrappedCtx)
}
