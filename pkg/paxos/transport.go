package paxos

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const SourceIdHeader = "X-Paxos-Source-Id"

type Transport interface {
	Call(context.Context, NodeAddress, RPCMsg) (RPCMsg, error)
}

type RPCHandler interface {
	HandleRPC(context.Context, NodeId, RPCMsg) (RPCMsg, error)
}

type HTTPTransport struct {
	sourceId NodeId
	client   *http.Client
}

func NewHTTPTransport(sourceId NodeId) *HTTPTransport {
	return &HTTPTransport{
		sourceId: sourceId,
		client:   newHTTPClient(),
	}
}

func newHTTPClient() *http.Client {
	transport := http.Transport{
		Proxy: http.ProxyFromEnvironment,

		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 10 * time.Second,
		}).DialContext,

		MaxIdleConns: 30,

		IdleConnTimeout:       60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	// No global timeout: forwarded inserts last up to the round timeout, and
	// every call carries its own deadline.
	client := http.Client{
		Transport: &transport,
	}

	return &client
}

func (t *HTTPTransport) Call(ctx context.Context, address NodeAddress, msg RPCMsg) (RPCMsg, error) {
	msgData, err := EncodeRPCMsg(msg)
	if err != nil {
		return nil, fmt.Errorf("cannot encode message: %w", err)
	}

	uri := url.URL{
		Scheme: "http",
		Host:   string(address),
		Path:   "/",
	}

	req, err := http.NewRequestWithContext(ctx, "POST", uri.String(),
		bytes.NewReader(msgData))
	if err != nil {
		return nil, fmt.Errorf("cannot create http request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SourceIdHeader, string(t.sourceId))

	res, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot send %v to %s: %w", msg, address, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("cannot read response from %s: %w",
			address, err)
	}

	if res.StatusCode != 200 {
		errMsg := string(body)

		if idx := strings.IndexAny(errMsg, "\r\n"); idx >= 0 {
			errMsg = errMsg[:idx]
		}

		if errMsg != "" {
			errMsg = ": " + errMsg
		}

		return nil, fmt.Errorf("request to %s failed with status %d%s",
			address, res.StatusCode, errMsg)
	}

	resMsg, err := DecodeRPCMsg(body)
	if err != nil {
		return nil, fmt.Errorf("invalid response from %s: %w", address, err)
	}

	return resMsg, nil
}

func (n *Node) startHTTPServer() error {
	listener, err := net.Listen("tcp", string(n.LocalAddress))
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", n.LocalAddress, err)
	}

	n.Log.Info("listening on %s", n.LocalAddress)

	n.httpServer = &http.Server{
		Addr:              string(n.LocalAddress),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      n.Cfg.RoundTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
		Handler:           n,
	}

	started := n.goBackground("http server", func() {
		err := n.httpServer.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.reportError(fmt.Errorf("server error: %w", err))
		}
	})

	if !started {
		listener.Close()
		return ErrNodeStopped
	}

	return nil
}

func (n *Node) stopHTTPServer() {
	if n.httpServer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	n.httpServer.Shutdown(ctx)
}

func (n *Node) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	defer logPanic(n.Log, "http handler")

	if req.Method != "POST" {
		n.replyError(w, 405, "unsupported method %s", req.Method)
		return
	}

	sourceId := req.Header.Get(SourceIdHeader)
	if sourceId == "" {
		n.replyError(w, 400, "missing or empty %s header field",
			SourceIdHeader)
		return
	}

	data, err := io.ReadAll(req.Body)
	if err != nil {
		n.replyError(w, 500, "cannot read request body: %v", err)
		return
	}

	msg, err := DecodeRPCMsg(data)
	if err != nil {
		n.replyError(w, 400, "invalid message: %v", err)
		return
	}

	resMsg, err := n.HandleRPC(req.Context(), NodeId(sourceId), msg)
	if err != nil {
		status := 500
		if errors.Is(err, ErrInvalidKey) {
			status = 400
		}

		n.replyError(w, status, "cannot handle %v: %v", msg, err)
		return
	}

	resData, err := EncodeRPCMsg(resMsg)
	if err != nil {
		n.replyError(w, 500, "cannot encode response: %v", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)
	w.Write(resData)
}

func (n *Node) replyText(w http.ResponseWriter, status int, format string, args ...interface{}) {
	w.WriteHeader(status)
	fmt.Fprintf(w, format, args...)
}

func (n *Node) replyError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	n.Log.Error(format, args...)
	n.replyText(w, status, format, args...)
}
