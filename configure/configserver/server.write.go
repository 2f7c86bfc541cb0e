package configserver

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/meidoworks/nekoq-config/configure/configapi"
	"github.com/meidoworks/nekoq-config/configure/notify"
)

var (
	ErrFingerprintMismatch = errors.New("fingerprint does not match content")
)

type writeServer struct {
	DataWriter configapi.DataWriter
	center     *notify.NotifyCenter
	nodeAddr   string
}

func (w *writeServer) Startup() error {
	if err := w.DataWriter.Startup(); err != nil {
		return err
	}
	return nil
}

func (w *writeServer) Stop() error {
	if err := w.DataWriter.Stop(); err != nil {
		return err
	}
	return nil
}

// SaveConfiguration persists the item and announces it, the dump pipeline picks it up from the event
func (w *writeServer) SaveConfiguration(r *http.Request, req *configapi.PublishReq) (int64, error) {
	gk, err := configapi.NewGroupKey(req.DataId, req.Group, req.Tenant)
	if err != nil {
		return 0, err
	}
	if req.Fingerprint != "" && req.Fingerprint != configapi.Fingerprint(req.Content) {
		return 0, ErrFingerprintMismatch
	}
	ts, err := w.DataWriter.Save(r.Context(), configapi.ConfigItem{
		GroupKey:     gk,
		Tag:          req.Tag,
		Content:      req.Content,
		LastModified: time.Now().UnixMilli(),
		SrcUser:      req.Operator,
		SrcIp:        remoteIP(r),
	})
	if err != nil {
		return 0, err
	}
	w.center.Publish(configapi.NewConfigPublishedEvent(gk, req.Tag, ts, w.handleAddr(r)))
	log.Infow("configuration saved", "groupKey", gk.String(), "tag", req.Tag, "lastModified", ts, "operator", req.Operator)
	return ts, nil
}

func (w *writeServer) DeleteConfiguration(r *http.Request, gk configapi.GroupKey, tag string) (int64, bool, error) {
	ts, ok, err := w.DataWriter.Delete(r.Context(), gk, tag)
	if err != nil || !ok {
		return ts, ok, err
	}
	w.center.Publish(configapi.NewConfigPublishedEvent(gk, tag, ts, w.handleAddr(r)))
	log.Infow("configuration deleted", "groupKey", gk.String(), "tag", tag, "lastModified", ts)
	return ts, true, nil
}

// remoteIP strips the port from RemoteAddr, which the RealIP middleware may already have replaced
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (w *writeServer) handleAddr(r *http.Request) string {
	if w.nodeAddr != "" {
		return w.nodeAddr
	}
	return r.Host
}

func (c *ConfigureServer) prepareWriteApi() {
	if c.opt.WriteApi.DataWriter == nil {
		return
	}
	c.writeServer.writeServer = &writeServer{
		DataWriter: c.opt.WriteApi.DataWriter,
		center:     c.server.center,
		nodeAddr:   c.opt.NodeAddr,
	}
	r := c.newRouter()
	// save or update configuration
	r.Post("/v1/cs/configs", c.saveConfiguration)
	// delete configuration
	r.Delete("/v1/cs/configs", c.deleteConfiguration)

	c.writeServer.writeMux = r
}

func (c *ConfigureServer) startWriteApi() error {
	if c.writeServer.writeMux == nil {
		return nil
	}

	if err := c.writeServer.writeServer.Startup(); err != nil {
		return err
	}

	servers, err := startServers(c.writeServer.writeMux, c.opt.WriteApi.Addr, c.opt.WriteApi.TLSConfig)
	if err != nil {
		return err
	}
	c.writeServer.httpServers = servers
	return nil
}

func (c *ConfigureServer) stopWriteApi() error {
	if c.writeServer.writeServer == nil {
		return nil
	}
	return c.writeServer.writeServer.Stop()
}

func (c *ConfigureServer) saveConfiguration(w http.ResponseWriter, r *http.Request) {
	req := new(configapi.PublishReq)
	if err := decodeBody(r, req); err != nil {
		log.Warnw("parse publish request failed", "remoteAddr", r.RemoteAddr, "error", err)
		writeBody(w, r, http.StatusBadRequest, &configapi.PublishRes{Code: "400", Message: "invalid request body"})
		return
	}

	ts, err := c.writeServer.writeServer.SaveConfiguration(r, req)
	switch {
	case errors.Is(err, configapi.ErrInvalidGroupKey), errors.Is(err, ErrFingerprintMismatch):
		writeBody(w, r, http.StatusBadRequest, &configapi.PublishRes{Code: "400", Message: err.Error()})
		return
	case err != nil:
		log.Errorw("SaveConfiguration error", "error", err)
		writeBody(w, r, http.StatusInternalServerError, &configapi.PublishRes{Code: "500", Message: "save configuration failed"})
		return
	}
	writeBody(w, r, http.StatusOK, &configapi.PublishRes{Success: true, Code: "200", Message: "success", LastModified: ts})
}

func (c *ConfigureServer) deleteConfiguration(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	gk, err := configapi.NewGroupKey(q.Get("dataId"), q.Get("group"), q.Get("tenant"))
	if err != nil {
		writeBody(w, r, http.StatusBadRequest, &configapi.PublishRes{Code: "400", Message: err.Error()})
		return
	}

	ts, ok, err := c.writeServer.writeServer.DeleteConfiguration(r, gk, q.Get("tag"))
	if err != nil {
		log.Errorw("DeleteConfiguration error", "groupKey", gk.String(), "error", err)
		writeBody(w, r, http.StatusInternalServerError, &configapi.PublishRes{Code: "500", Message: "delete configuration failed"})
		return
	}
	if !ok {
		log.Warnw("no matching record deleted", "groupKey", gk.String(), "tag", q.Get("tag"))
		writeBody(w, r, http.StatusNotFound, &configapi.PublishRes{Code: "404", Message: "config data not exist"})
		return
	}
	writeBody(w, r, http.StatusOK, &configapi.PublishRes{Success: true, Code: "200", Message: "success", LastModified: ts})
}
