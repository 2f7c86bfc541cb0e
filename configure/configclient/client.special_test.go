package configclient

import (
	"errors"
	"testing"
	"time"
)

func TestEnvClientBasic(t *testing.T) {
	ec := NewEnvClient()

	nec := ec.CaseInsensitive()
	if nec.ParserWarning() != nil {
		t.Fatalf("parser warning: %s", nec.ParserWarning().Error())
	}

	p := Must(ec.CaseInsensitive().GetString("Path"))
	if p == "" {
		t.Fatal("PATH should not be empty")
	}
	t.Log("path=", p)
	nn := MustDefault("default_val").On(ec.GetString("NEKOQ_HELLO_WORLD_NOT_EXIST"))
	if nn != "default_val" {
		t.Fatal("unexpected value from environment")
	}
}

func TestEnvClientTypedValues(t *testing.T) {
	ec := newEnvClient([]string{
		"NEKOQ_ADDR=:8080",
		"NEKOQ_WORKERS=8",
		"NEKOQ_DEBUG=true",
		"NEKOQ_INTERVAL=30s",
		"NEKOQ_ENDPOINTS=a:2379, b:2379,,",
		"NEKOQ_BAD_INT=x",
		"OTHER=1=2",
	}).WithPrefix("NEKOQ_")

	if v := Must(ec.GetString("ADDR")); v != ":8080" {
		t.Fatal("unexpected addr:", v)
	}
	if v := Must(ec.GetInt("WORKERS")); v != 8 {
		t.Fatal("unexpected workers:", v)
	}
	if v := Must(ec.GetBool("DEBUG")); !v {
		t.Fatal("unexpected debug:", v)
	}
	if v := Must(ec.GetDuration("INTERVAL")); v != 30*time.Second {
		t.Fatal("unexpected interval:", v)
	}
	if v := Must(ec.GetStringList("ENDPOINTS")); len(v) != 2 || v[1] != "b:2379" {
		t.Fatal("unexpected endpoints:", v)
	}
	if v := MustDefault(int64(5)).On(ec.GetInt64("MISSING")); v != 5 {
		t.Fatal("default expected:", v)
	}
	if _, err := ec.GetInt("BAD_INT"); err == nil || errors.Is(err, ErrNoSuchEnvironmentVariable) {
		t.Fatal("parse error expected:", err)
	}
	if _, err := ec.GetString("OTHER"); !errors.Is(err, ErrNoSuchEnvironmentVariable) {
		t.Fatal("keys outside the prefix should not be visible")
	}

	ci := newEnvClient([]string{"Nekoq_Mode=x"}).CaseInsensitive().WithPrefix("NEKOQ_")
	if v := Must(ci.GetString("MODE")); v != "x" {
		t.Fatal("case insensitive lookup failed:", v)
	}
}
