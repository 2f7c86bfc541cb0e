package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/meidoworks/nekoq-config/configure/configapi"
	"github.com/meidoworks/nekoq-config/utility/logging"
	"github.com/meidoworks/nekoq-config/utility/random"
)

var log = logging.GetLogger("cfgdatagen")

var (
	writeAddr   string
	count       int
	group       string
	tenant      string
	contentSize int
	seed        uint64
)

func init() {
	flag.StringVar(&writeAddr, "addr", "http://127.0.0.1:8081", "write api address of the config server")
	flag.IntVar(&count, "count", 100, "number of configurations to publish")
	flag.StringVar(&group, "group", "DEFAULT_GROUP", "group of generated configurations")
	flag.StringVar(&tenant, "tenant", "", "tenant of generated configurations")
	flag.IntVar(&contentSize, "size", 64, "content size of generated configurations")
	flag.Uint64Var(&seed, "seed", 2024, "random seed")
}

// generate builds publish requests with stable data ids for a given seed
func generate(rnd *rand.Rand, n int, group, tenant string, size int) []*configapi.PublishReq {
	result := make([]*configapi.PublishReq, 0, n)
	for i := 0; i < n; i++ {
		result = append(result, &configapi.PublishReq{
			DataId:   fmt.Sprintf("cfg_%06d_%s", i, random.AlphaNumeric(rnd, 6)),
			Group:    group,
			Tenant:   tenant,
			Content:  []byte(random.AlphaNumeric(rnd, size)),
			Operator: "cfgdatagen",
		})
	}
	return result
}

func publish(ctx context.Context, client *http.Client, addr string, req *configapi.PublishReq) (*configapi.PublishRes, error) {
	data, err := cbor.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+"/v1/cs/configs", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/cbor")
	httpReq.Header.Set("Accept", "application/cbor")
	res, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(res.Body)
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	result := new(configapi.PublishRes)
	if err := cbor.Unmarshal(body, result); err != nil {
		return nil, fmt.Errorf("status %d: %w", res.StatusCode, err)
	}
	if !result.Success {
		return result, fmt.Errorf("publish %s failed: %s %s", req.DataId, result.Code, result.Message)
	}
	return result, nil
}

func main() {
	flag.Parse()
	defer logging.Sync()

	rnd := rand.New(rand.NewPCG(seed, uint64(count)))
	client := &http.Client{Timeout: 10 * time.Second}
	start := time.Now()
	failed := 0
	for _, req := range generate(rnd, count, group, tenant, contentSize) {
		if _, err := publish(context.Background(), client, writeAddr, req); err != nil {
			log.Errorw("publish failed", "dataId", req.DataId, "error", err)
			failed++
		}
	}
	log.Infow("generation completed.", "count", count, "failed", failed, "elapsed", time.Since(start).String())
}
