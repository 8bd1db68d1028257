package serve

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/spearmint/internal/common/logging"
)

const shutdownTimeout = 5 * time.Second

func NewServer(port uint16, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ListenAndServe calls server.ListenAndServe(). Additionally, it calls server.Shutdown() if ctx is cancelled,
// in which case nil is returned.
func ListenAndServe(ctx context.Context, server *http.Server) error {
	if server == nil {
		return nil
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Infof("Stopping http server listening on %s", server.Addr)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.WithStacktrace(log.NewEntry(log.StandardLogger()), err).
				Errorf("failed to shutdown server serving %s", server.Addr)
		}
	}()
	log.Infof("Starting http server listening on %s", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.WithStack(err)
	}
	return nil
}
