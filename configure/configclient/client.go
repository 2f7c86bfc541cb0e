package configclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/spf13/afero"

	"github.com/meidoworks/nekoq-config/configure/configapi"
	"github.com/meidoworks/nekoq-config/utility/logging"
)

var log = logging.GetLogger("configclient")

const (
	contentTypeCbor = "application/cbor"

	headerLongPollTimeout = "Long-Polling-Timeout"
	headerLastModified    = "Last-Modified"

	pathListener = "/v1/cs/configs/listener"
	pathConfigs  = "/v1/cs/configs"
)

var (
	ErrDuplicatedRequirement = errors.New("duplicate configuration requirement")
)

// Config is the configuration delivered to callbacks.
// Deleted is set when the server no longer has the configuration.
type Config struct {
	GroupKey     configapi.GroupKey
	Tag          string
	Content      []byte
	Fingerprint  string
	LastModified int64
	Deleted      bool
	// FromFallback marks content loaded from the local snapshot while the server was unreachable
	FromFallback bool
}

type RequiredConfig struct {
	DataId   string
	Group    string
	Tenant   string
	Tag      string
	Callback func(cfg Config)
}

type ClientOptions struct {
	// PollTimeout is the long polling timeout requested from the server
	PollTimeout time.Duration
	// RetryInterval is the pause after a failed round
	RetryInterval time.Duration

	// Fs keeps the local fallback snapshots. Snapshots are disabled when nil.
	Fs                    afero.Fs
	LocalFallbackDataPath string
}

func (c *ClientOptions) GetPollTimeout() time.Duration {
	if c.PollTimeout <= 0 {
		return 30 * time.Second
	}
	return c.PollTimeout
}

func (c *ClientOptions) GetRetryInterval() time.Duration {
	if c.RetryInterval <= 0 {
		return 10 * time.Second
	}
	return c.RetryInterval
}

type listening struct {
	gk          configapi.GroupKey
	tag         string
	fingerprint string
	callback    func(cfg Config)
}

type Client struct {
	serverLists []string
	opt         ClientOptions
	snapshot    *snapshotStore

	lock      sync.Mutex
	listening map[string]*listening
	// wakeup interrupts the current long polling round after listening changes
	wakeup chan struct{}

	started atomic.Bool
	client  *http.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewClient(serverList []string, opt ClientOptions) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		serverLists: serverList,
		opt:         opt,
		listening:   map[string]*listening{},
		wakeup:      make(chan struct{}, 1),
		client: &http.Client{
			// two times of the requested wait time
			Timeout: 2 * opt.GetPollTimeout(),
		},
		ctx:    ctx,
		cancel: cancel,
	}
	if opt.Fs != nil {
		c.snapshot = newSnapshotStore(opt.Fs, opt.LocalFallbackDataPath)
	}
	return c
}

// AddConfigurationRequirement registers a listener. It can be called before or after StartClient.
// After start the current configuration is loaded and delivered before returning.
func (c *Client) AddConfigurationRequirement(req RequiredConfig) error {
	if req.Callback == nil {
		return errors.New("callback is nil")
	}
	gk, err := configapi.NewGroupKey(req.DataId, req.Group, req.Tenant)
	if err != nil {
		return err
	}
	key := configapi.TaskKeyForTag(gk, req.Tag)
	l := &listening{
		gk:       gk,
		tag:      req.Tag,
		callback: req.Callback,
	}

	c.lock.Lock()
	if _, ok := c.listening[key]; ok {
		c.lock.Unlock()
		return ErrDuplicatedRequirement
	}
	c.listening[key] = l
	c.lock.Unlock()

	if c.started.Load() {
		c.refresh(c.ctx, l)
		c.signalWakeup()
	}
	return nil
}

func (c *Client) RemoveConfigurationRequirement(dataId, group, tenant, tag string) bool {
	gk, err := configapi.NewGroupKey(dataId, group, tenant)
	if err != nil {
		return false
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	key := configapi.TaskKeyForTag(gk, tag)
	if _, ok := c.listening[key]; !ok {
		return false
	}
	delete(c.listening, key)
	c.signalWakeup()
	return true
}

func (c *Client) signalWakeup() {
	select {
	case c.wakeup <- struct{}{}:
	default:
	}
}

// StartClient delivers the current configurations and starts listening for changes
func (c *Client) StartClient() error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("client already started")
	}
	for _, l := range c.snapshotListening() {
		c.refresh(c.ctx, l)
	}
	c.wg.Add(1)
	go c.processLoop()
	return nil
}

func (c *Client) StopClient() error {
	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Client) snapshotListening() []*listening {
	c.lock.Lock()
	defer c.lock.Unlock()
	result := make([]*listening, 0, len(c.listening))
	for _, v := range c.listening {
		result = append(result, v)
	}
	return result
}

func (c *Client) processLoop() {
	defer c.wg.Done()
	for {
		if c.ctx.Err() != nil {
			return
		}
		if err := c.pollOnce(); err != nil {
			if c.ctx.Err() != nil {
				return
			}
			log.Warnw("long polling failed, retry later", "error", err)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(c.opt.GetRetryInterval()):
			}
		}
	}
}

// pollOnce sends one long polling request and refreshes every changed configuration
func (c *Client) pollOnce() error {
	list := c.snapshotListening()
	if len(list) == 0 {
		select {
		case <-c.ctx.Done():
		case <-c.wakeup:
		}
		return nil
	}

	// drain stale wakeup before snapshotting fingerprints
	select {
	case <-c.wakeup:
	default:
	}
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
		case <-c.wakeup:
			cancel()
		}
	}()

	req := &configapi.ListenRequest{}
	c.lock.Lock()
	for _, l := range list {
		req.Listening = append(req.Listening, configapi.ListeningItem{
			DataId:      l.gk.DataId,
			Group:       l.gk.Group,
			Tenant:      l.gk.Tenant,
			Tag:         l.tag,
			Fingerprint: l.fingerprint,
		})
	}
	c.lock.Unlock()

	changed, err := c.sendListenRequest(ctx, req)
	if err != nil {
		if ctx.Err() != nil && c.ctx.Err() == nil {
			// interrupted by listening changes
			return nil
		}
		return err
	}
	if len(changed) == 0 {
		return nil
	}
	changedSet := make(map[string]struct{}, len(changed))
	for _, v := range changed {
		changedSet[v] = struct{}{}
	}
	for _, l := range list {
		if _, ok := changedSet[l.gk.String()]; ok {
			c.refresh(c.ctx, l)
		}
	}
	return nil
}

// refresh loads the configuration and invokes the callback when the fingerprint changed.
// The local snapshot is used when the server cannot be reached.
func (c *Client) refresh(ctx context.Context, l *listening) {
	cfg, err := c.GetConfiguration(ctx, l.gk, l.tag)
	if err != nil {
		log.Warnw("get configuration failed", "groupKey", l.gk.String(), "tag", l.tag, "error", err)
		if c.snapshot == nil {
			return
		}
		content, ok, serr := c.snapshot.Load(l.gk, l.tag)
		if serr != nil || !ok {
			return
		}
		cfg = Config{
			GroupKey:     l.gk,
			Tag:          l.tag,
			Content:      content,
			Fingerprint:  configapi.Fingerprint(content),
			FromFallback: true,
		}
	}

	c.lock.Lock()
	if cfg.Fingerprint == l.fingerprint {
		c.lock.Unlock()
		return
	}
	if cfg.FromFallback {
		// keep asking the server for the real content
		l.fingerprint = ""
	} else {
		l.fingerprint = cfg.Fingerprint
	}
	c.lock.Unlock()

	if c.snapshot != nil && !cfg.FromFallback {
		var serr error
		if cfg.Deleted {
			serr = c.snapshot.Remove(l.gk, l.tag)
		} else {
			serr = c.snapshot.Save(l.gk, l.tag, cfg.Content)
		}
		if serr != nil {
			log.Warnw("update fallback snapshot failed", "groupKey", l.gk.String(), "tag", l.tag, "error", serr)
		}
	}
	l.callback(cfg)
}

func (c *Client) pickServer() string {
	return c.serverLists[rand.Intn(len(c.serverLists))]
}

func (c *Client) sendListenRequest(ctx context.Context, listenReq *configapi.ListenRequest) ([]string, error) {
	data, err := cbor.Marshal(listenReq)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.pickServer()+pathListener, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentTypeCbor)
	req.Header.Set("Accept", contentTypeCbor)
	req.Header.Set(headerLongPollTimeout, strconv.FormatInt(c.opt.GetPollTimeout().Milliseconds(), 10))
	res, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(res.Body)

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d", res.StatusCode)
	}
	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if len(resBody) == 0 {
		// timed out without changes
		return nil, nil
	}
	result := new(configapi.ListenResponse)
	if err = cbor.Unmarshal(resBody, result); err != nil {
		return nil, err
	}
	return result.Changed, nil
}

// GetConfiguration reads one configuration from the server.
// A missing configuration is reported as a Config with Deleted set.
func (c *Client) GetConfiguration(ctx context.Context, gk configapi.GroupKey, tag string) (Config, error) {
	q := url.Values{}
	q.Set("dataId", gk.DataId)
	q.Set("group", gk.Group)
	if gk.Tenant != "" {
		q.Set("tenant", gk.Tenant)
	}
	if tag != "" {
		q.Set("tag", tag)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.pickServer()+pathConfigs+"?"+q.Encode(), nil)
	if err != nil {
		return Config{}, err
	}
	req.Header.Set("Accept", contentTypeCbor)
	res, err := c.client.Do(req)
	if err != nil {
		return Config{}, err
	}
	defer closeBody(res.Body)

	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Config{GroupKey: gk, Tag: tag, Deleted: true}, nil
	default:
		return Config{}, fmt.Errorf("unexpected status code %d", res.StatusCode)
	}
	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return Config{}, err
	}
	result := new(configapi.GetConfigurationRes)
	if err := cbor.Unmarshal(resBody, result); err != nil {
		return Config{}, err
	}
	if fp := configapi.Fingerprint(result.Content); fp != result.Fingerprint {
		return Config{}, fmt.Errorf("content fingerprint mismatch: %s != %s", fp, result.Fingerprint)
	}
	lastModified, _ := strconv.ParseInt(res.Header.Get(headerLastModified), 10, 64)
	return Config{
		GroupKey:     gk,
		Tag:          tag,
		Content:      result.Content,
		Fingerprint:  result.Fingerprint,
		LastModified: lastModified,
	}, nil
}

func closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		log.Warnw("close http response body failed", "error", err)
	}
}
