package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// Serve runs the hub and an HTTP server for handler on listener until ctx
// is done, then shuts both down.
func Serve(ctx context.Context, listener net.Listener, handler http.Handler, hub *Hub, log *logrus.Entry) error {
	if log == nil {
		log = logrus.WithField("component", "api")
	}
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)
	if hub != nil {
		group.Go(func() error {
			hub.Run(ctx)
			return nil
		})
	}
	group.Go(func() error {
		log.WithField("address", listener.Addr().String()).Info("api listening")
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}
