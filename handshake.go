package snapmux

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

const GUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// handShake performs the client side of the opening handshake over c.
// It returns the reader that must be used for all further reads (it may
// already hold frames the server sent right after its response) and the
// sub-protocol selected by the server.
func handShake(ctx context.Context, c net.Conn, u *url.URL, opts *Options) (*bufio.Reader, string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.SetDeadline(deadline); err != nil {
			return nil, "", err
		}
	}
	// unblocks the request write and response read when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	key, err := newSecKey()
	if err != nil {
		return nil, "", err
	}

	req := &http.Request{
		Method:     http.MethodGet,
		URL:        u,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Host:       u.Host,
	}
	for k, v := range opts.Header {
		req.Header[k] = slices.Clone(v)
	}
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", key)
	req.Header.Set("Sec-WebSocket-Version", "13")
	if len(opts.SubProtocols) > 0 {
		req.Header.Set("Sec-WebSocket-Protocol", strings.Join(opts.SubProtocols, ", "))
	}

	if err := req.Write(c); err != nil {
		return nil, "", ctxErr(ctx, err)
	}

	br := bufio.NewReaderSize(c, opts.ReadBufferSize)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, "", ctxErr(ctx, err)
	}
	_ = resp.Body.Close()

	subProtocol, err := validateResponse(resp, key, opts.SubProtocols)
	if err != nil {
		return nil, "", err
	}

	if err := c.SetDeadline(time.Time{}); err != nil {
		return nil, "", err
	}

	return br, subProtocol, nil
}

func validateResponse(resp *http.Response, key string, offered []string) (string, error) {
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return "", fmt.Errorf("%w: %s", ErrBadHandshakeStatus, resp.Status)
	}
	if !headerContains(resp.Header, "Upgrade", "websocket") {
		return "", ErrInvalidUpgradeHeader
	}
	if !headerContains(resp.Header, "Connection", "upgrade") {
		return "", ErrInvalidConnectionHdr
	}
	if resp.Header.Get("Sec-WebSocket-Accept") != acceptKey(key) {
		return "", ErrInvalidAcceptKey
	}

	subProtocol := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if subProtocol != "" && !slices.Contains(offered, subProtocol) {
		return "", ErrUnexpectedSubProtocol
	}

	return subProtocol, nil
}

// headerContains reports whether the comma separated header holds token,
// compared case-insensitively.
func headerContains(h http.Header, name, token string) bool {
	rawHeader := strings.ToLower(strings.TrimSpace(h.Get(name)))
	if rawHeader == "" {
		return false
	}

	for value := range strings.SplitSeq(rawHeader, ",") {
		if strings.TrimSpace(value) == token {
			return true
		}
	}

	return false
}

func acceptKey(key string) string {
	hashedKey := sha1.Sum([]byte(key + GUID))
	return base64.StdEncoding.EncodeToString(hashedKey[:])
}

func newSecKey() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b[:]), nil
}

// ctxErr prefers the context error over the deadline error it caused.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
