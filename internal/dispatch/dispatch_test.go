package dispatch

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dianwoshishi/neo-reGeorg-go/internal/codec"
	"github.com/dianwoshishi/neo-reGeorg-go/internal/metrics"
	"github.com/dianwoshishi/neo-reGeorg-go/internal/registry"
)

// newDispatcher builds a Dispatcher against its own Prometheus registry so
// parallel tests never collide registering the same metric names twice.
func newDispatcher() (*Dispatcher, *codec.Codec) {
	c := codec.New()
	m := metrics.New(prometheus.NewRegistry())
	return New(c, registry.New(), m), c
}

func echoServer(t *testing.T) (host, port string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	h, p, _ := net.SplitHostPort(ln.Addr().String())
	return h, p, func() { ln.Close() }
}

func encodeRequest(c *codec.Codec, fields codec.Frame) []byte {
	return c.Base64Encode(c.TLVEncode(fields))
}

func decodeReply(t *testing.T, c *codec.Codec, body []byte) codec.Frame {
	t.Helper()
	decoded, err := c.Base64Decode(body)
	if err != nil {
		t.Fatalf("reply failed to base64-decode: %v", err)
	}
	return c.TLVDecode(decoded)
}

func TestEmptyBodyReturnsHello(t *testing.T) {
	d, c := newDispatcher()
	got := d.Handle(nil)
	if !bytes.Equal(got, c.Hello()) {
		t.Fatalf("Handle(nil) = %q, want HELLO %q", got, c.Hello())
	}
}

func TestUnknownCommandReturnsHello(t *testing.T) {
	d, c := newDispatcher()
	req := encodeRequest(c, codec.Frame{codec.FieldCmd: []byte("NOPE")})
	got := d.Handle(req)
	if !bytes.Equal(got, c.Hello()) {
		t.Fatalf("Handle(NOPE) = %q, want HELLO", got)
	}
}

func TestConnectForwardReadDisconnect(t *testing.T) {
	d, c := newDispatcher()
	host, port, stop := echoServer(t)
	defer stop()

	connectReq := encodeRequest(c, codec.Frame{
		codec.FieldCmd:  []byte("CONNECT"),
		codec.FieldMark: []byte("m1"),
		codec.FieldIP:   []byte(host),
		codec.FieldPort: []byte(port),
	})
	reply := decodeReply(t, c, d.Handle(connectReq))
	if string(reply[codec.FieldStatus]) != "OK" {
		t.Fatalf("CONNECT status = %q, want OK (error=%q)", reply[codec.FieldStatus], reply[codec.FieldError])
	}
	if !d.registry.Contains("m1") {
		t.Fatal("registry does not contain m1 after CONNECT")
	}

	forwardReq := encodeRequest(c, codec.Frame{
		codec.FieldCmd:  []byte("FORWARD"),
		codec.FieldMark: []byte("m1"),
		codec.FieldData: []byte("ping"),
	})
	reply = decodeReply(t, c, d.Handle(forwardReq))
	if string(reply[codec.FieldStatus]) != "OK" {
		t.Fatalf("FORWARD status = %q, want OK", reply[codec.FieldStatus])
	}

	readReq := encodeRequest(c, codec.Frame{
		codec.FieldCmd:  []byte("READ"),
		codec.FieldMark: []byte("m1"),
	})

	deadline := time.Now().Add(200 * time.Millisecond)
	var data []byte
	for time.Now().Before(deadline) {
		reply = decodeReply(t, c, d.Handle(readReq))
		if string(reply[codec.FieldStatus]) != "OK" {
			t.Fatalf("READ status = %q, want OK", reply[codec.FieldStatus])
		}
		data = append(data, reply[codec.FieldData]...)
		if len(data) >= len("ping") {
			break
		}
	}
	if string(data) != "ping" {
		t.Fatalf("READ data = %q, want %q", data, "ping")
	}

	disconnectReq := encodeRequest(c, codec.Frame{
		codec.FieldCmd:  []byte("DISCONNECT"),
		codec.FieldMark: []byte("m1"),
	})
	reply = decodeReply(t, c, d.Handle(disconnectReq))
	if string(reply[codec.FieldStatus]) != "OK" {
		t.Fatalf("DISCONNECT status = %q, want OK", reply[codec.FieldStatus])
	}
	if d.registry.Contains("m1") {
		t.Fatal("registry still contains m1 after DISCONNECT")
	}
}

func TestReadUnknownMarkFails(t *testing.T) {
	d, c := newDispatcher()
	req := encodeRequest(c, codec.Frame{
		codec.FieldCmd:  []byte("READ"),
		codec.FieldMark: []byte("ghost"),
	})
	reply := decodeReply(t, c, d.Handle(req))
	if string(reply[codec.FieldStatus]) != "FAIL" {
		t.Fatalf("status = %q, want FAIL", reply[codec.FieldStatus])
	}
	if string(reply[codec.FieldError]) != "Session not found" {
		t.Fatalf("error = %q, want %q", reply[codec.FieldError], "Session not found")
	}
}

func TestForwardWithoutDataFails(t *testing.T) {
	d, c := newDispatcher()
	host, port, stop := echoServer(t)
	defer stop()

	d.Handle(encodeRequest(c, codec.Frame{
		codec.FieldCmd:  []byte("CONNECT"),
		codec.FieldMark: []byte("m1"),
		codec.FieldIP:   []byte(host),
		codec.FieldPort: []byte(port),
	}))

	req := encodeRequest(c, codec.Frame{
		codec.FieldCmd:  []byte("FORWARD"),
		codec.FieldMark: []byte("m1"),
	})
	reply := decodeReply(t, c, d.Handle(req))
	if string(reply[codec.FieldStatus]) != "FAIL" {
		t.Fatalf("status = %q, want FAIL", reply[codec.FieldStatus])
	}
	if string(reply[codec.FieldError]) != "No data provided" {
		t.Fatalf("error = %q, want %q", reply[codec.FieldError], "No data provided")
	}
}

func TestConnectInvalidAddressFails(t *testing.T) {
	d, c := newDispatcher()
	req := encodeRequest(c, codec.Frame{
		codec.FieldCmd:  []byte("CONNECT"),
		codec.FieldMark: []byte("m1"),
		codec.FieldIP:   []byte("not-an-ip"),
		codec.FieldPort: []byte("80"),
	})
	reply := decodeReply(t, c, d.Handle(req))
	if string(reply[codec.FieldStatus]) != "FAIL" {
		t.Fatalf("status = %q, want FAIL", reply[codec.FieldStatus])
	}
	if d.registry.Contains("m1") {
		t.Fatal("registry contains m1 after a failed CONNECT")
	}
}

func TestConnectWithoutMarkGeneratesOne(t *testing.T) {
	d, c := newDispatcher()
	host, port, stop := echoServer(t)
	defer stop()

	req := encodeRequest(c, codec.Frame{
		codec.FieldCmd:  []byte("CONNECT"),
		codec.FieldIP:   []byte(host),
		codec.FieldPort: []byte(port),
	})
	reply := decodeReply(t, c, d.Handle(req))
	if string(reply[codec.FieldStatus]) != "OK" {
		t.Fatalf("status = %q, want OK", reply[codec.FieldStatus])
	}
	mark := string(reply[codec.FieldMark])
	if mark == "" {
		t.Fatal("dispatcher did not echo back a generated mark")
	}
	if !d.registry.Contains(mark) {
		t.Fatalf("registry does not contain generated mark %q", mark)
	}
}

func TestDisconnectUnknownMarkStillOK(t *testing.T) {
	d, c := newDispatcher()
	req := encodeRequest(c, codec.Frame{
		codec.FieldCmd:  []byte("DISCONNECT"),
		codec.FieldMark: []byte("ghost"),
	})
	reply := decodeReply(t, c, d.Handle(req))
	if string(reply[codec.FieldStatus]) != "OK" {
		t.Fatalf("status = %q, want OK", reply[codec.FieldStatus])
	}
}

func TestParseNumericAddrAcceptsBracketedIPv6(t *testing.T) {
	for _, host := range []string{"[::1]", "::1"} {
		addr, err := parseNumericAddr(host, "80")
		if err != nil {
			t.Fatalf("parseNumericAddr(%q, 80) error = %v", host, err)
		}
		if addr.IP.String() != "::1" || addr.Port != 80 {
			t.Fatalf("parseNumericAddr(%q, 80) = %v, want IP ::1 port 80", host, addr)
		}
	}
}

func TestConnectAcceptsBracketedIPv6(t *testing.T) {
	d, c := newDispatcher()
	ln, err := net.Listen("tcp", "[::1]:0")
	if err != nil {
		t.Skipf("IPv6 loopback unavailable: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	_, port, _ := net.SplitHostPort(ln.Addr().String())

	req := encodeRequest(c, codec.Frame{
		codec.FieldCmd:  []byte("CONNECT"),
		codec.FieldMark: []byte("m1"),
		codec.FieldIP:   []byte("[::1]"),
		codec.FieldPort: []byte(port),
	})
	reply := decodeReply(t, c, d.Handle(req))
	if string(reply[codec.FieldStatus]) != "OK" {
		t.Fatalf("CONNECT to bracketed IPv6 status = %q, want OK (error=%q)", reply[codec.FieldStatus], reply[codec.FieldError])
	}
}

func TestReadClosedBeforeEntryFails(t *testing.T) {
	d, c := newDispatcher()
	host, port, stop := echoServer(t)
	defer stop()

	d.Handle(encodeRequest(c, codec.Frame{
		codec.FieldCmd:  []byte("CONNECT"),
		codec.FieldMark: []byte("m1"),
		codec.FieldIP:   []byte(host),
		codec.FieldPort: []byte(port),
	}))
	sess := d.registry.Get("m1")
	sess.Close()

	req := encodeRequest(c, codec.Frame{
		codec.FieldCmd:  []byte("READ"),
		codec.FieldMark: []byte("m1"),
	})
	reply := decodeReply(t, c, d.Handle(req))
	if string(reply[codec.FieldStatus]) != "FAIL" {
		t.Fatalf("status = %q, want FAIL", reply[codec.FieldStatus])
	}
	if string(reply[codec.FieldError]) != "Session is closed" {
		t.Fatalf("error = %q, want %q", reply[codec.FieldError], "Session is closed")
	}
}
