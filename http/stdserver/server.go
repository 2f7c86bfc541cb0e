package stdserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/meidoworks/nekoq-config/utility/logging"
)

var log = logging.GetLogger("stdserver")

type StdHttpServerReq struct {
	Addr    string
	Handler http.Handler
	// ReadHeaderTimeout defaults to 10s. Long-polling handlers must not be bounded by a write timeout.
	ReadHeaderTimeout time.Duration

	StartedCallback func()
}

func (r *StdHttpServerReq) getReadHeaderTimeout() time.Duration {
	if r.ReadHeaderTimeout <= 0 {
		return 10 * time.Second
	}
	return r.ReadHeaderTimeout
}

type StdHttpServer struct {
	l   net.Listener
	srv *http.Server
}

func StartStdHttpServer(req *StdHttpServerReq) (*StdHttpServer, error) {
	res := &StdHttpServer{}

	l, err := net.Listen("tcp", req.Addr)
	if err != nil {
		return nil, err
	}
	res.l = l
	res.srv = &http.Server{
		Handler:           req.Handler,
		ReadHeaderTimeout: req.getReadHeaderTimeout(),
	}

	go func() {
		if err := res.srv.Serve(l); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("http server stopped unexpectedly", "addr", l.Addr().String(), "error", err)
			}
		}
	}()
	log.Infow("http server started", "addr", l.Addr().String())
	if req.StartedCallback != nil {
		req.StartedCallback()
	}

	return res, nil
}

// Addr is the bound address, useful when listening on port 0
func (h *StdHttpServer) Addr() net.Addr {
	return h.l.Addr()
}

func (h *StdHttpServer) Shutdown(ctx context.Context) error {
	return h.srv.Shutdown(ctx)
}

type StdHttpTlsServerReq struct {
	Addr              string
	Handler           http.Handler
	ReadHeaderTimeout time.Duration

	// CertFile and KeyFile are PEM encoded
	CertFile string
	KeyFile  string

	StartedCallback func()
}

type StdHttpTlsServer struct {
	l   net.Listener
	srv *http.Server

	cert atomic.Pointer[tls.Certificate]
}

// ReloadCertificate replaces the serving certificate without restarting the listener
func (h *StdHttpTlsServer) ReloadCertificate(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load certificate: %w", err)
	}
	h.cert.Store(&cert)
	return nil
}

func StartStdHttpTlsServer(req *StdHttpTlsServerReq) (*StdHttpTlsServer, error) {
	result := &StdHttpTlsServer{}
	if err := result.ReloadCertificate(req.CertFile, req.KeyFile); err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", req.Addr)
	if err != nil {
		return nil, err
	}
	result.l = ln

	server := &http.Server{
		Handler:           req.Handler,
		ReadHeaderTimeout: (&StdHttpServerReq{ReadHeaderTimeout: req.ReadHeaderTimeout}).getReadHeaderTimeout(),
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
				cert := result.cert.Load()
				if err := hello.SupportsCertificate(cert); err != nil {
					return nil, fmt.Errorf("unsupported certificate: %w", err)
				}
				return cert, nil
			},
		},
	}
	result.srv = server

	go func() {
		if err := result.srv.ServeTLS(ln, "", ""); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("https server stopped unexpectedly", "addr", ln.Addr().String(), "error", err)
			}
		}
	}()
	log.Infow("https server started", "addr", ln.Addr().String())
	if req.StartedCallback != nil {
		req.StartedCallback()
	}

	return result, nil
}

func (h *StdHttpTlsServer) Addr() net.Addr {
	return h.l.Addr()
}

func (h *StdHttpTlsServer) Shutdown(ctx context.Context) error {
	return h.srv.Shutdown(ctx)
}

// Server is implemented by both the plain and the TLS server
type Server interface {
	Addr() net.Addr
	Shutdown(ctx context.Context) error
}

var (
	_ Server = (*StdHttpServer)(nil)
	_ Server = (*StdHttpTlsServer)(nil)
)
