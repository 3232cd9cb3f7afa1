package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"

	"musicgen-controlplane/pkg/config"

	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ProvideHTTPServer = fx.Module("http.server",
	fx.Provide(NewHttpServer),
	fx.Invoke(Run),
)

type Server struct {
	server   *http.Server
	listener net.Listener

	tlsMutex sync.RWMutex
	cert     *tls.Certificate
	certPath string
	keyPath  string
	stop     chan struct{}
}

type Params struct {
	fx.In
	Config  *config.Config
	Handler *gin.Engine
}

func NewHttpServer(p Params) *Server {
	cfg := p.Config
	srv := &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%s", cfg.Server.Addr),
			Handler:      p.Handler,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
		certPath: cfg.TLS.CertPath,
		keyPath:  cfg.TLS.KeyPath,
		stop:     make(chan struct{}),
	}

	if cfg.TLS.Enable {
		srv.server.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
				srv.tlsMutex.RLock()
				defer srv.tlsMutex.RUnlock()
				if srv.cert == nil {
					return nil, errors.New("no TLS certificate loaded")
				}
				return srv.cert, nil
			},
		}
	}

	return srv
}

// Addr is the bound listener address once the server has started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

func (s *Server) loadCert() error {
	cert, err := tls.LoadX509KeyPair(s.certPath, s.keyPath)
	if err != nil {
		return err
	}
	s.tlsMutex.Lock()
	s.cert = &cert
	s.tlsMutex.Unlock()
	return nil
}

// watchTLSFiles reloads the pair on any change in the directories holding
// it. Directories are watched because secret mounts rotate files by swapping
// symlinks, which drops watches on the files themselves.
func (s *Server) watchTLSFiles() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		zap.L().Error("[HTTP] failed to create fsnotify watcher", zap.Error(err))
		return
	}
	defer watcher.Close()

	dirs := map[string]struct{}{
		filepath.Dir(s.certPath): {},
		filepath.Dir(s.keyPath):  {},
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			zap.L().Error("[HTTP] failed to watch TLS directory", zap.String("dir", dir), zap.Error(err))
		}
	}

	for {
		select {
		case <-s.stop:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if err := s.loadCert(); err != nil {
				// Keep serving the previous pair until both halves are in place.
				zap.L().Warn("[HTTP] TLS reload skipped", zap.String("event", event.String()), zap.Error(err))
				continue
			}
			zap.L().Info("[HTTP] TLS certificate reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			zap.L().Error("[HTTP] watcher error", zap.Error(err))
		}
	}
}

// Start binds the listener and serves in the background. Bind and initial
// certificate errors are returned to the caller.
func (s *Server) Start() error {
	if s.server.TLSConfig != nil {
		if err := s.loadCert(); err != nil {
			return fmt.Errorf("load TLS certificate: %w", err)
		}
		go s.watchTLSFiles()
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	go func() {
		var err error
		if s.server.TLSConfig != nil {
			zap.L().Info("[HTTP] serving with tls", zap.String("addr", s.Addr()))
			err = s.server.ServeTLS(ln, "", "")
		} else {
			zap.L().Info("[HTTP] serving", zap.String("addr", s.Addr()))
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Error("[HTTP] server stopped", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stop)
	zap.L().Info("[HTTP] shutting down")
	return s.server.Shutdown(ctx)
}

func Run(lc fx.Lifecycle, srv *Server) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return srv.Start()
		},
		OnStop: srv.Shutdown,
	})
}
