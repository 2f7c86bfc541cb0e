package configclient

import (
	"errors"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/meidoworks/nekoq-config/configure/configapi"
)

func TestClientAdv_Basic1(t *testing.T) {
	fs := newFakeServer()
	srv := httptest.NewServer(fs)
	defer srv.Close()
	fs.set(configapi.MustGroupKey("key_json", "group_json", ""), "", []byte(`{"str":"test string","int":112233,"bool":true}`))

	c := NewClient([]string{srv.URL}, ClientOptions{
		PollTimeout:   time.Second,
		RetryInterval: 20 * time.Millisecond,
	})
	if c == nil {
		t.Fatal("client is nil")
	}

	ca := NewClientAdv[*TestStruct](c)
	newCfg, err := ca.RegisterJsonContainer("key_json", "group_json")
	if err != nil {
		t.Fatal(err)
	}
	if cfg := newCfg.Get(); cfg == nil || cfg.Str != "" {
		t.Fatal("container should start with an empty struct")
	}

	if err := c.StartClient(); err != nil {
		t.Fatal(err)
	}
	defer func(c *Client) {
		err := c.StopClient()
		if err != nil {
			t.Fatal(err)
		}
	}(c)

	cfg := newCfg.Get()
	if cfg.Str != "test string" || cfg.Int != 112233 || !cfg.Bool {
		t.Fatal("no configuration loaded into the struct:", *cfg)
	}

	// broken content keeps the previous value
	fs.set(configapi.MustGroupKey("key_json", "group_json", ""), "", []byte(`{"str":`))
	time.Sleep(200 * time.Millisecond)
	if newCfg.Get().Int != 112233 {
		t.Fatal("previous value should be kept")
	}

	fs.set(configapi.MustGroupKey("key_json", "group_json", ""), "", []byte(`{"str":"updated"}`))
	for i := 0; i < 100; i++ {
		if newCfg.Get().Str == "updated" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("update not applied")
}

func TestClientAdv_RejectNonStructPtr(t *testing.T) {
	c := NewClient([]string{"http://127.0.0.1:1"}, ClientOptions{})
	if _, err := NewClientAdv[TestStruct](c).RegisterJsonContainer("a", "b"); err == nil {
		t.Fatal("struct value container should be rejected")
	}
	if _, err := NewClientAdv[any](c).RegisterJsonContainer("a", "b"); err == nil {
		t.Fatal("interface container should be rejected")
	}
}

type TestStruct struct {
	Str  string `json:"str"`
	Int  int    `json:"int"`
	Bool bool   `json:"bool"`
}

func TestClientAdv_CheckStructPtr(t *testing.T) {
	t1 := TestStruct{}
	t2 := &TestStruct{}
	t3 := new(TestStruct)
	if checkStructPtr(t1) {
		t.Fatal(errors.New("t1 is not struct ptr"))
	}
	if !checkStructPtr(t2) {
		t.Fatal(errors.New("t2 is struct ptr"))
	}
	if !checkStructPtr(t3) {
		t.Fatal(errors.New("t3 is struct ptr"))
	}
}

func TestClientAdv_GetStructType(t *testing.T) {
	tt := new(TestStruct)
	tp := getStructType(tt)
	t.Log(tp)
	if tp.Kind() != reflect.Struct {
		t.Fatal(errors.New("struct expected"))
	}
}

func TestClientAdv_NewStructPtr(t *testing.T) {
	tt := new(TestStruct)
	newInst := newStructPtr(getStructType(tt))
	elem, ok := newInst.(*TestStruct)
	if !ok {
		t.Fatal(errors.New("struct ptr expected"))
	}
	t.Log(elem)
}
