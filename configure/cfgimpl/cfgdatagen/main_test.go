package main

import (
	"context"
	"encoding/json"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/meidoworks/nekoq-config/configure/configapi"
)

var testReq = &configapi.PublishReq{
	DataId:  "cfg_000001_abcdef",
	Group:   "DEFAULT_GROUP",
	Content: []byte("test data"),
}

func TestGenerate(t *testing.T) {
	a := generate(rand.New(rand.NewPCG(1, 2)), 10, "g", "t", 8)
	b := generate(rand.New(rand.NewPCG(1, 2)), 10, "g", "t", 8)
	if len(a) != 10 {
		t.Fatal("unexpected count:", len(a))
	}
	seen := map[string]bool{}
	for i := range a {
		if a[i].DataId != b[i].DataId || string(a[i].Content) != string(b[i].Content) {
			t.Fatal("same seed should generate the same data")
		}
		if len(a[i].Content) != 8 || a[i].Group != "g" || a[i].Tenant != "t" {
			t.Fatal("unexpected request:", a[i])
		}
		if _, err := configapi.NewGroupKey(a[i].DataId, a[i].Group, a[i].Tenant); err != nil {
			t.Fatal("generated key should be valid:", err)
		}
		if seen[a[i].DataId] {
			t.Fatal("duplicated data id:", a[i].DataId)
		}
		seen[a[i].DataId] = true
	}
}

func TestPublish(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		req := new(configapi.PublishReq)
		res := &configapi.PublishRes{Success: true, Code: "200", LastModified: 1}
		if err := cbor.Unmarshal(data, req); err != nil || r.URL.Path != "/v1/cs/configs" {
			res = &configapi.PublishRes{Code: "400", Message: "bad request"}
		} else if req.DataId == "reject" {
			res = &configapi.PublishRes{Code: "400", Message: "rejected"}
		}
		out, _ := cbor.Marshal(res)
		w.Header().Set("Content-Type", "application/cbor")
		_, _ = w.Write(out)
	}))
	defer srv.Close()

	res, err := publish(context.Background(), srv.Client(), srv.URL, testReq)
	if err != nil {
		t.Fatal(err)
	}
	if res.LastModified != 1 {
		t.Fatal("unexpected result:", res)
	}
	if _, err := publish(context.Background(), srv.Client(), srv.URL, &configapi.PublishReq{DataId: "reject", Group: "g"}); err == nil {
		t.Fatal("rejected publish should fail")
	}
}

func BenchmarkJsonMarshalling(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_, _ = json.Marshal(testReq)
	}
}

func BenchmarkCborMarshalling(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_, _ = cbor.Marshal(testReq)
	}
}

func BenchmarkJsonUnmarshalling(b *testing.B) {
	data, err := json.Marshal(testReq)
	if err != nil {
		b.Fatal(err)
	}
	req := new(configapi.PublishReq)
	for i := 0; i < b.N; i++ {
		_ = json.Unmarshal(data, req)
	}
}

func BenchmarkCborUnmarshalling(b *testing.B) {
	data, err := cbor.Marshal(testReq)
	if err != nil {
		b.Fatal(err)
	}
	req := new(configapi.PublishReq)
	for i := 0; i < b.N; i++ {
		_ = cbor.Unmarshal(data, req)
	}
}
