package httpapi

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

const shutdownTimeout = 5 * time.Second

// Server serves a router until closed.
type Server struct {
	srv    *http.Server
	logger logging.Logger
	wg     sync.WaitGroup
}

// Serve binds addr and serves ctrl's API on a background goroutine.
func Serve(addr string, ctrl Controller, logger logging.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %s", addr)
	}
	s := &Server{
		srv: &http.Server{
			Handler:           NewRouter(ctrl, logger),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
	logger.Infof("http api listening on %s", ln.Addr())

	s.wg.Add(1)
	utils.PanicCapturingGo(func() {
		defer s.wg.Done()
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("http api stopped: %v", err)
		}
	})
	return s, nil
}

// Close shuts the server down, waiting briefly for in-flight requests.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := s.srv.Shutdown(ctx)
	s.wg.Wait()
	return err
}
