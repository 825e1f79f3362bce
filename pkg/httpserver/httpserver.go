// Package httpserver runs an http.Server with graceful shutdown and
// request logging, shared by the API and metrics listeners.
package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/tensorgrid/tensorgrid-backend/pkg/log"
)

// Config holds the tunables for a listener.
type Config struct {
	ListenAddr          string
	Handler             http.Handler
	TCPKeepAlive        time.Duration
	ShutdownGracePeriod time.Duration
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	IdleTimeout         time.Duration
	OnStarting          func()
	OnStopping          func()
}

// Run starts the HTTP listener and blocks until SIGINT/SIGTERM, then shuts
// it down gracefully within ShutdownGracePeriod.
func Run(conf Config) {
	srv := &http.Server{
		Addr:         conf.ListenAddr,
		Handler:      conf.Handler,
		ReadTimeout:  conf.ReadTimeout,
		WriteTimeout: conf.WriteTimeout,
		IdleTimeout:  conf.IdleTimeout,
	}

	if conf.OnStarting != nil {
		conf.OnStarting()
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		ln, err := net.Listen("tcp", conf.ListenAddr)
		if err != nil {
			serveErr <- err
			return
		}
		if conf.TCPKeepAlive > 0 {
			ln = keepAliveListener{TCPListener: ln.(*net.TCPListener), period: conf.TCPKeepAlive}
		}
		serveErr <- srv.Serve(ln)
	}()

	select {
	case sig := <-shutdown:
		log.Infof("Received signal %q, shutting down...", sig)
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Listener error on %s: %v", conf.ListenAddr, err)
		}
		return
	}

	gracePeriod := conf.ShutdownGracePeriod
	if gracePeriod <= 0 {
		gracePeriod = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), gracePeriod)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("Graceful shutdown failed: %v", err)
	}

	if conf.OnStopping != nil {
		conf.OnStopping()
	}
}

// keepAliveListener enables TCP keep-alives on accepted connections.
type keepAliveListener struct {
	*net.TCPListener
	period time.Duration
}

func (l keepAliveListener) Accept() (net.Conn, error) {
	conn, err := l.TCPListener.AcceptTCP()
	if err != nil {
		return nil, err
	}
	if err = conn.SetKeepAlive(true); err != nil {
		return nil, err
	}
	if err = conn.SetKeepAlivePeriod(l.period); err != nil {
		return nil, err
	}
	return conn, nil
}

// LoggingMiddleware logs one line per request with method, path, status and
// duration, carrying the request id assigned upstream.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		entry := log.Ctx(ctx).WithFields(log.F{
			"req":    chimiddleware.GetReqID(ctx),
			"method": r.Method,
			"path":   r.URL.Path,
		})
		ctx = log.Set(ctx, entry)

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))

		entry.WithFields(log.F{
			"status":   ww.Status(),
			"bytes":    ww.BytesWritten(),
			"duration": time.Since(started).String(),
		}).Info("finished request")
	})
}
