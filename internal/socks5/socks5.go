// Package socks5 implements the RFC 1928 CONNECT subset used by the relay:
// method negotiation, optional RFC 1929 username/password subnegotiation
// backed by an IP allow-list cache, and CONNECT request parsing plus the
// outbound dial that turns a negotiated session into a pair of live
// sockets.
package socks5

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/tos-network/venusproxy/internal/authcache"
)

const (
	version = 0x05

	methodNoAuth       = 0x00
	methodUserPassword = 0x02
	methodNoAcceptable = 0xff

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	authVersion  = 0x01
	authSuccess  = 0x00
	authFailure  = 0x02

	dialTimeout = 6 * time.Second
)

// Config carries the credential and cache configuration the handshake
// needs. An empty Username means no authentication is required at all.
type Config struct {
	Username     string
	Password     string
	AuthOnce     bool
	BindOutbound bool
	ListenIP     string
}

func (c Config) authRequired() bool { return c.Username != "" }

// Handshake drives the per-connection SOCKS5 negotiation state machine.
type Handshake struct {
	cfg   Config
	cache *authcache.Cache
}

// New builds a Handshake. cache may be nil when no credentials are
// configured, since it is never consulted in that case.
func New(cfg Config, cache *authcache.Cache) *Handshake {
	return &Handshake{cfg: cfg, cache: cache}
}

// ConnectRequest is the parsed result of the client's CONNECT frame.
type ConnectRequest struct {
	Host string
	Port uint16
}

// Negotiate runs method selection and, if required, the user/pass
// subnegotiation, leaving conn positioned to read a CONNECT request on
// success. peer is the address used for auth-cache lookups/inserts.
func (h *Handshake) Negotiate(conn net.Conn, peer net.Addr) error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return fmt.Errorf("socks5: read method-select header: %w", err)
	}
	if header[0] != version {
		return fmt.Errorf("socks5: unsupported version %d", header[0])
	}
	methods := make([]byte, header[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return fmt.Errorf("socks5: read method list: %w", err)
	}

	switch {
	case hasMethod(methods, methodNoAuth) && h.allowsNoAuth(peer):
		_, err := conn.Write([]byte{version, methodNoAuth})
		return err

	case h.cfg.authRequired() && hasMethod(methods, methodUserPassword):
		if _, err := conn.Write([]byte{version, methodUserPassword}); err != nil {
			return err
		}
		return h.subnegotiate(conn, peer)

	default:
		conn.Write([]byte{version, methodNoAcceptable})
		return ErrUnsupportedMethods
	}
}

func (h *Handshake) allowsNoAuth(peer net.Addr) bool {
	if !h.cfg.authRequired() {
		return true
	}
	return h.cache != nil && h.cache.Contains(peer)
}

func hasMethod(methods []byte, want byte) bool {
	for _, m := range methods {
		if m == want {
			return true
		}
	}
	return false
}

func (h *Handshake) subnegotiate(conn net.Conn, peer net.Addr) error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return fmt.Errorf("socks5: read auth header: %w", err)
	}
	if header[0] != authVersion {
		return fmt.Errorf("socks5: unsupported auth version %d", header[0])
	}
	user, err := readLengthPrefixed(conn, int(header[1]))
	if err != nil {
		return fmt.Errorf("socks5: read username: %w", err)
	}
	plen := make([]byte, 1)
	if _, err := io.ReadFull(conn, plen); err != nil {
		return fmt.Errorf("socks5: read password length: %w", err)
	}
	pass, err := readLengthPrefixed(conn, int(plen[0]))
	if err != nil {
		return fmt.Errorf("socks5: read password: %w", err)
	}

	if string(user) != h.cfg.Username || string(pass) != h.cfg.Password {
		conn.Write([]byte{authVersion, authFailure})
		return ErrAuthMismatch
	}

	if _, err := conn.Write([]byte{authVersion, authSuccess}); err != nil {
		return err
	}
	if h.cfg.AuthOnce && h.cache != nil {
		h.cache.Insert(peer)
	}
	return nil
}

func readLengthPrefixed(conn net.Conn, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadConnect parses a CONNECT request frame. On a protocol error it writes
// the appropriate SOCKS5 error reply to conn itself before returning.
func (h *Handshake) ReadConnect(conn net.Conn) (*ConnectRequest, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, fmt.Errorf("socks5: read request header: %w", err)
	}
	if header[0] != version {
		writeErrorReply(conn, GeneralFailure)
		return nil, fmt.Errorf("socks5: unsupported version %d in request", header[0])
	}
	if header[1] != cmdConnect {
		writeErrorReply(conn, CommandNotSupported)
		return nil, fmt.Errorf("socks5: unsupported command %d", header[1])
	}

	var host string
	switch header[3] {
	case atypIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return nil, fmt.Errorf("socks5: read ipv4 address: %w", err)
		}
		host = net.IP(addr).String()
	case atypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return nil, fmt.Errorf("socks5: read domain length: %w", err)
		}
		name := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(conn, name); err != nil {
			writeErrorReply(conn, GeneralFailure)
			return nil, fmt.Errorf("socks5: read domain name: %w", err)
		}
		host = string(name)
	case atypIPv6:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return nil, fmt.Errorf("socks5: read ipv6 address: %w", err)
		}
		host = net.IP(addr).String()
	default:
		writeErrorReply(conn, AddressTypeNotSupported)
		return nil, fmt.Errorf("socks5: unsupported address type %d", header[3])
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return nil, fmt.Errorf("socks5: read port: %w", err)
	}
	return &ConnectRequest{Host: host, Port: binary.BigEndian.Uint16(portBuf)}, nil
}

// WriteSuccess sends the CONNECT success reply, always advertising the
// IPv4 bind address 0.0.0.0:0 per SPEC_FULL.md §4.C.
func WriteSuccess(conn net.Conn) error {
	_, err := conn.Write([]byte{version, byte(Succeeded), 0x00, atypIPv4, 0, 0, 0, 0, 0, 0})
	return err
}

// WriteError sends a SOCKS5 error reply for the given code.
func WriteError(conn net.Conn, code ReplyCode) error {
	return writeErrorReply(conn, code)
}

func writeErrorReply(conn net.Conn, code ReplyCode) error {
	_, err := conn.Write([]byte{version, byte(code), 0x00, atypIPv4, 0, 0, 0, 0, 0, 0})
	return err
}

// Dial resolves and connects to host:port, returning a reply-code-tagged
// error on failure so the caller can relay it straight to WriteError.
func Dial(ctx context.Context, host string, port uint16, bindIP string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	if bindIP != "" {
		if local := localAddrFor(bindIP); local != nil {
			dialer.LocalAddr = local
		}
	}

	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, newDialError(classifyDialErr(err), err)
	}
	return conn, nil
}

func localAddrFor(ip string) net.Addr {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil
	}
	return &net.TCPAddr{IP: parsed, Port: 0}
}

// classifyDialErr maps a dial failure to the SOCKS5 reply code table of
// SPEC_FULL.md §4.C. Name resolution failure maps to GeneralFailure rather
// than the non-standard `09` of the source material — see DESIGN.md.
func classifyDialErr(err error) ReplyCode {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return GeneralFailure
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return ConnectionRefused
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.ENETDOWN):
		return NetworkUnreachable
	case errors.Is(err, syscall.EHOSTUNREACH):
		return HostUnreachable
	case errors.Is(err, syscall.EAFNOSUPPORT), errors.Is(err, syscall.EPROTONOSUPPORT):
		return AddressTypeNotSupported
	default:
		return GeneralFailure
	}
}

// ReplyCodeFor exposes classifyDialErr/replyCodeForDialError for callers
// outside the package that need to turn a Dial error into a wire code.
func ReplyCodeFor(err error) ReplyCode {
	return replyCodeForDialError(err)
}
