package session

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/provider/client"
	"github.com/ValentinKolb/dSync/provider/common"
	"github.com/ValentinKolb/dSync/provider/relay"
)

func newSession(t *testing.T, hub *relay.Hub) *client.Session {
	t.Helper()
	config := common.DefaultProviderConfig()
	config.Endpoints = []string{"ws://relay"}
	config.Room = "doc"

	s, err := client.NewSession(config, client.SessionOptions{Options: client.Options{Connector: hub.Connector()}})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return s
}

func TestShell(t *testing.T) {
	hub, err := relay.NewHub(common.RelayConfig{})
	if err != nil {
		t.Fatalf("NewHub failed: %v", err)
	}
	t.Cleanup(hub.Close)

	a := newSession(t, hub)
	b := newSession(t, hub)

	var out bytes.Buffer
	sh := newShell(a, &out)

	script := strings.Join([]string{
		`set title shopping`,
		`set items [{"id":1,"name":"milk"}]`,
		`get items.0.name`,
		`presence name alice`,
		`quit`,
		`set never reached`,
	}, "\n")
	if err := sh.run(strings.NewReader(script)); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := out.String(); got != "\"milk\"\n" {
		t.Errorf("Unexpected output %q", got)
	}
	if _, ok := a.Get("never"); ok {
		t.Errorf("Commands after quit must not run")
	}

	deadline := time.Now().Add(3 * time.Second)
	for !reflect.DeepEqual(a.Snapshot(), b.Snapshot()) {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for b, got %v", b.Snapshot())
		}
		time.Sleep(5 * time.Millisecond)
	}

	errs := map[string]string{
		"UnknownCommand": "bogus",
		"MissingValue":   "set title",
		"DeleteMissing":  "del nothing",
		"GetMissing":     "get nothing",
	}
	for name, line := range errs {
		t.Run(name, func(t *testing.T) {
			if _, err := sh.exec(line); err == nil {
				t.Errorf("Expected error for %q", line)
			}
		})
	}
}

func TestParseValue(t *testing.T) {
	tests := map[string]struct {
		raw  string
		want any
	}{
		"Number": {raw: "42", want: float64(42)},
		"Bool":   {raw: "true", want: true},
		"String": {raw: "hello world", want: "hello world"},
		"Quoted": {raw: `"hello"`, want: "hello"},
		"Object": {raw: `{"a":[1]}`, want: map[string]any{"a": []any{float64(1)}}},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if got := parseValue(tt.raw); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected %#v, got %#v", tt.want, got)
			}
		})
	}
}
