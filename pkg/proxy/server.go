package proxy

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/edgee-cloud/edgee-go/pkg/config"
)

// Server owns the plaintext and TLS listeners, both serving the same
// handler.
type Server struct {
	logger  *zap.Logger
	cfg     *config.Config
	handler *Handler
}

func NewServer(logger *zap.Logger, cfg *config.Config, handler *Handler) *Server {
	return &Server{logger: logger, cfg: cfg, handler: handler}
}

// Run serves until ctx is cancelled or a listener fails. Shutdown drains
// in-flight exchanges for a few seconds before giving up.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 2)

	httpSrv := &http.Server{
		Addr:              s.cfg.HTTP.Address,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	servers := []*http.Server{httpSrv}
	go func() {
		s.logger.Info("listening", zap.String("address", httpSrv.Addr))
		errc <- httpSrv.ListenAndServe()
	}()

	if s.cfg.HTTPS != nil {
		httpsSrv := &http.Server{
			Addr:              s.cfg.HTTPS.Address,
			Handler:           s.handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, httpsSrv)
		cert, key := s.cfg.HTTPS.CertFile, s.cfg.HTTPS.KeyFile
		go func() {
			s.logger.Info("listening tls", zap.String("address", httpsSrv.Addr))
			errc <- httpsSrv.ListenAndServeTLS(cert, key)
		}()
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				s.logger.Warn("shutdown", zap.Error(err))
			}
		}
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
