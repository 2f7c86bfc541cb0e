package configserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/meidoworks/nekoq-config/configure/configapi"
	"github.com/meidoworks/nekoq-config/configure/longpoll"
	"github.com/meidoworks/nekoq-config/configure/notify"
	"github.com/meidoworks/nekoq-config/http/stdserver"
	"github.com/meidoworks/nekoq-config/utility/logging"
)

var log = logging.GetLogger("configserver")

const (
	HeaderLastModified       = "lastModified"
	HeaderOpHandleIp         = "opHandleIp"
	HeaderLongPollTimeout    = "Long-Polling-Timeout"
	HeaderLongPollNoHangUp   = "Long-Polling-Timeout-No-Hangup"
	HeaderContentMD5         = "Content-MD5"
	HeaderConfigLastModified = "Last-Modified"
)

type TLSOptions struct {
	Addr string
	Cert string `validate:"required_with=Addr"`
	Key  string `validate:"required_with=Addr"`
}

type WriteApiOptions struct {
	DataWriter configapi.DataWriter
	Addr       string `validate:"required_with=DataWriter"`
	TLSConfig  TLSOptions
}

type ConfigureOptions struct {
	Addr      string `validate:"required"`
	TLSConfig TLSOptions
	WriteApi  WriteApiOptions

	// NodeAddr is reported as the handling node of writes, defaults to the Host of the write request
	NodeAddr string

	MinWaitTimeForUpdate     int `validate:"gte=0"`          // in seconds
	MaxWaitTimeForUpdate     int `validate:"gte=0,lte=3600"` // in seconds
	DefaultWaitTimeForUpdate int `validate:"gte=0"`          // in seconds

	PersistentStore configapi.PersistentStore `validate:"required"`
	// ContentDir keeps content on disk instead of memory when set
	ContentDir string

	DumpTaskInterval      time.Duration `validate:"gte=0"`
	DumpRetryInterval     time.Duration `validate:"gte=0"`
	DumpAllInterval       time.Duration `validate:"gte=0"`
	DumpChangeInterval    time.Duration `validate:"gte=0"`
	LongPollSweepInterval time.Duration `validate:"gte=0"`
	EventWorkers          int           `validate:"gte=0,lte=1024"`
}

func (c *ConfigureOptions) GetMinWaitTimeForUpdate() time.Duration {
	if c.MinWaitTimeForUpdate <= 0 {
		return 10 * time.Second
	} else {
		return time.Duration(c.MinWaitTimeForUpdate) * time.Second
	}
}

func (c *ConfigureOptions) GetMaxWaitTimeForUpdate() time.Duration {
	if c.MaxWaitTimeForUpdate <= 0 {
		return 120 * time.Second
	} else {
		return time.Duration(c.MaxWaitTimeForUpdate) * time.Second
	}
}

func (c *ConfigureOptions) GetDefaultWaitTimeForUpdate() time.Duration {
	if c.DefaultWaitTimeForUpdate <= 0 {
		return 30 * time.Second
	} else {
		return time.Duration(c.DefaultWaitTimeForUpdate) * time.Second
	}
}

func (c *ConfigureOptions) GetEventWorkers() int {
	if c.EventWorkers <= 0 {
		return 4
	}
	return c.EventWorkers
}

func (c *ConfigureOptions) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configure options: %w", err)
	}
	if c.GetDefaultWaitTimeForUpdate() > c.GetMaxWaitTimeForUpdate() {
		return errors.New("invalid configure options: default wait time exceeds max wait time")
	}
	if c.GetMinWaitTimeForUpdate() > c.GetMaxWaitTimeForUpdate() {
		return errors.New("invalid configure options: min wait time exceeds max wait time")
	}
	return nil
}

type ConfigureServer struct {
	readMux *chi.Mux // for client read

	server      *server
	opt         ConfigureOptions
	writeServer struct {
		writeServer *writeServer
		writeMux    *chi.Mux // for management write
		httpServers []stdserver.Server
	}

	httpServers []stdserver.Server
}

func (c *ConfigureServer) handleDataChange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	gk, err := configapi.NewGroupKey(q.Get("dataId"), q.Get("group"), q.Get("tenant"))
	if err != nil {
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}
	var lastModified int64
	if v := strings.TrimSpace(r.Header.Get(HeaderLastModified)); v != "" {
		lastModified, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeText(w, http.StatusBadRequest, "invalid lastModified header")
			return
		}
	}
	handleIp := r.Header.Get(HeaderOpHandleIp)
	c.server.dump.NotifyChange(gk, q.Get("tag"), lastModified, handleIp)
	log.Debugw("data change notified", "groupKey", gk.String(), "tag", q.Get("tag"), "lastModified", lastModified, "handleIp", handleIp)
	writeText(w, http.StatusOK, "OK")
}

func (c *ConfigureServer) parseTimeout(r *http.Request) (time.Duration, error) {
	v := strings.TrimSpace(r.Header.Get(HeaderLongPollTimeout))
	if v == "" {
		return c.opt.GetDefaultWaitTimeForUpdate(), nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms < 0 {
		return 0, errors.New("invalid Long-Polling-Timeout header")
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (c *ConfigureServer) handleListen(w http.ResponseWriter, r *http.Request) {
	req := new(configapi.ListenRequest)
	if err := decodeBody(r, req); err != nil {
		log.Warnw("parse listen request failed", "remoteAddr", r.RemoteAddr, "error", err)
		writeText(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Listening) == 0 {
		writeText(w, http.StatusBadRequest, "no listening configuration")
		return
	}
	items := make([]longpoll.Item, 0, len(req.Listening))
	for _, v := range req.Listening {
		gk, err := v.GroupKey()
		if err != nil {
			writeText(w, http.StatusBadRequest, fmt.Sprintf("invalid listening configuration: %s+%s", v.Group, v.DataId))
			return
		}
		items = append(items, longpoll.Item{GroupKey: gk, Tag: v.Tag, Fingerprint: v.Fingerprint})
	}
	timeout, err := c.parseTimeout(r)
	if err != nil {
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}
	noHangUp, _ := strconv.ParseBool(r.Header.Get(HeaderLongPollNoHangUp))

	client, err := c.server.registry.AddClient(r.Context(), longpoll.Request{
		Items:      items,
		Timeout:    timeout,
		NoHangUp:   noHangUp,
		RemoteAddr: r.RemoteAddr,
	})
	if errors.Is(err, longpoll.ErrRegistryStopped) {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	} else if err != nil {
		// request context already done
		return
	}

	res := <-client.Done()
	switch {
	case res.Cancelled:
		return
	case res.TimedOut:
		w.WriteHeader(http.StatusOK)
	default:
		writeBody(w, r, http.StatusOK, &configapi.ListenResponse{Changed: res.ChangedGroupKeys()})
	}
}

func (c *ConfigureServer) handleGetConfiguration(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	gk, err := configapi.NewGroupKey(q.Get("dataId"), q.Get("group"), q.Get("tenant"))
	if err != nil {
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}
	te, err := c.server.GetConfiguration(r.Context(), gk, q.Get("tag"))
	if errors.Is(err, ErrHasUnknownConfiguration) {
		writeText(w, http.StatusNotFound, "config data not exist")
		return
	} else if err != nil {
		log.Errorw("get configuration failed", "groupKey", gk.String(), "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set(HeaderContentMD5, te.Fingerprint)
	w.Header().Set(HeaderConfigLastModified, strconv.FormatInt(te.LastModified, 10))
	if isCbor(r.Header.Get("Accept")) {
		writeBody(w, r, http.StatusOK, &configapi.GetConfigurationRes{
			Code:        "200",
			Message:     "success",
			Content:     te.Content,
			Fingerprint: te.Fingerprint,
		})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(te.Content); err != nil {
		log.Warnw("write http body failed", "error", err)
	}
}

func (c *ConfigureServer) handleStats(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, c.server.Stats())
}

// handleClients lists the suspended long polling clients
func (c *ConfigureServer) handleClients(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, c.server.registry.Clients())
}

func NewConfigureServer(opt ConfigureOptions) (*ConfigureServer, error) {
	if err := opt.Validate(); err != nil {
		return nil, err
	}

	// initialize server
	s := &ConfigureServer{
		opt:    opt,
		server: newServer(&opt),
	}

	// read api
	s.readMux = s.newRouter()
	s.readMux.Route("/v1/cs", func(r chi.Router) {
		r.Post("/communication/dataChange", s.handleDataChange)
		r.Post("/configs/listener", s.handleListen)
		r.Get("/configs", s.handleGetConfiguration)
		r.Get("/ops/stats", s.handleStats)
		r.Get("/ops/clients", s.handleClients)
	})

	// write api
	s.prepareWriteApi()

	return s, nil
}

func (c *ConfigureServer) newRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	return r
}

// Handler exposes the read api, mainly for embedding and tests
func (c *ConfigureServer) Handler() http.Handler {
	return c.readMux
}

// WriteHandler is nil when no DataWriter is configured
func (c *ConfigureServer) WriteHandler() http.Handler {
	if c.writeServer.writeMux == nil {
		return nil
	}
	return c.writeServer.writeMux
}

func startServers(handler http.Handler, addr string, tlsOpt TLSOptions) ([]stdserver.Server, error) {
	var servers []stdserver.Server
	srv, err := stdserver.StartStdHttpServer(&stdserver.StdHttpServerReq{
		Addr:    addr,
		Handler: handler,
	})
	if err != nil {
		return nil, err
	}
	servers = append(servers, srv)
	if tlsOpt.Addr != "" {
		tlsSrv, err := stdserver.StartStdHttpTlsServer(&stdserver.StdHttpTlsServerReq{
			Addr:     tlsOpt.Addr,
			Handler:  handler,
			CertFile: tlsOpt.Cert,
			KeyFile:  tlsOpt.Key,
		})
		if err != nil {
			_ = srv.Shutdown(context.Background())
			return nil, err
		}
		servers = append(servers, tlsSrv)
	}
	return servers, nil
}

func (c *ConfigureServer) Startup() error {
	log.Infow("ConfigureServer starting...")
	if err := c.server.Startup(); err != nil {
		return err
	}
	if err := c.startWriteApi(); err != nil {
		return err
	}
	servers, err := startServers(c.readMux, c.opt.Addr, c.opt.TLSConfig)
	if err != nil {
		return err
	}
	c.httpServers = servers
	log.Infow("ConfigureServer started.", "addr", c.opt.Addr, "tlsAddr", c.opt.TLSConfig.Addr, "writeAddr", c.opt.WriteApi.Addr)
	return nil
}

// Addrs returns the bound addresses of the read servers
func (c *ConfigureServer) Addrs() []string {
	var res []string
	for _, v := range c.httpServers {
		res = append(res, v.Addr().String())
	}
	return res
}

// NotifyChange enqueues a reload of one configuration changed outside of this node
func (c *ConfigureServer) NotifyChange(gk configapi.GroupKey, tag string, lastModified int64, handleIP string) {
	c.server.dump.NotifyChange(gk, tag, lastModified, handleIP)
}

func (c *ConfigureServer) EventCenter() *notify.NotifyCenter {
	return c.server.center
}

func (c *ConfigureServer) Shutdown(ctx context.Context) error {
	// suspended long polling requests would block the graceful shutdown of http servers
	c.server.StopPolling()

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range append(append([]stdserver.Server(nil), c.httpServers...), c.writeServer.httpServers...) {
		g.Go(func() error {
			return srv.Shutdown(gctx)
		})
	}
	err := g.Wait()
	return errors.Join(err, c.stopWriteApi(), c.server.Shutdown(ctx))
}
