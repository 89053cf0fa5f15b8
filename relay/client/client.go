// Package client talks to a relay's admin API.
package client

/*
Every call maps one admin endpoint. Non-2xx responses are decoded from huma's problem details and returned as *StatusError.
*/

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rflandau/lludp/relay"
	"resty.dev/v3"
)

const contentType = "application/json"

// ErrNotFound is matched (via errors.Is) by a *StatusError carrying a 404.
var ErrNotFound = errors.New("not found")

// StatusError is a non-2xx answer from the relay.
type StatusError struct {
	Op     string // operation id of the failed call
	Status int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %d %s", e.Op, e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("%s: %d %s", e.Op, e.Status, e.Detail)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// Client is a handle on one relay's admin API.
type Client struct {
	rc *resty.Client
}

// New returns a client for the admin API served at baseURL ("http://<ip>:<port>").
func New(baseURL string) *Client {
	return &Client{rc: resty.New().SetBaseURL(strings.TrimSuffix(baseURL, "/"))}
}

// Close releases the client's idle connections.
func (c *Client) Close() error {
	return c.rc.Close()
}

// check turns a transport error or a non-2xx response into an error.
func check(op string, res *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !res.IsError() {
		return nil
	}
	se := &StatusError{Op: op, Status: res.StatusCode()}
	if em, ok := res.Error().(*huma.ErrorModel); ok && em != nil {
		se.Detail = em.Detail
		for _, d := range em.Errors {
			if d != nil && d.Message != "" {
				se.Detail += "; " + d.Message
			}
		}
	}
	return se
}

func (c *Client) req(ctx context.Context) *resty.Request {
	return c.rc.R().
		SetContext(ctx).
		SetExpectResponseContentType(contentType).
		SetError(&huma.ErrorModel{})
}

// Sessions lists every session on the relay.
func (c *Client) Sessions(ctx context.Context) ([]relay.SessionInfo, error) {
	var list relay.SessionList
	res, err := c.req(ctx).SetResult(&list).Get(relay.EPSessions)
	if err := check("list-sessions", res, err); err != nil {
		return nil, err
	}
	return list.Sessions, nil
}

// Session describes the session relaying to sim.
func (c *Client) Session(ctx context.Context, sim string) (relay.SessionInfo, error) {
	var info relay.SessionInfo
	res, err := c.req(ctx).SetPathParam("sim", sim).SetResult(&info).Get(relay.EPSession)
	return info, check("get-session", res, err)
}

// AddSession opens a session for sim. info.Listen is where clients should connect.
func (c *Client) AddSession(ctx context.Context, sim string) (relay.SessionInfo, error) {
	var info relay.SessionInfo
	res, err := c.req(ctx).
		SetBody(relay.AddSessionRequest{Sim: sim}).
		SetResult(&info).
		Post(relay.EPSessions)
	return info, check("add-session", res, err)
}

// RemoveSession closes the session relaying to sim.
func (c *Client) RemoveSession(ctx context.Context, sim string) error {
	res, err := c.req(ctx).SetPathParam("sim", sim).Delete(relay.EPSession)
	return check("delete-session", res, err)
}

// Inject asks the relay to synthesize a message in sim's session.
func (c *Client) Inject(ctx context.Context, sim string, ir relay.InjectRequest) (relay.InjectResult, error) {
	var result relay.InjectResult
	res, err := c.req(ctx).
		SetPathParam("sim", sim).
		SetBody(ir).
		SetResult(&result).
		Post(relay.EPInject)
	return result, check("inject", res, err)
}

// GC garbage collects sim's session immediately and returns its state afterward.
func (c *Client) GC(ctx context.Context, sim string) (relay.SessionInfo, error) {
	var info relay.SessionInfo
	res, err := c.req(ctx).SetPathParam("sim", sim).SetResult(&info).Post(relay.EPGC)
	return info, check("gc-session", res, err)
}

// Metrics returns the relay's prometheus exposition text.
func (c *Client) Metrics(ctx context.Context) (string, error) {
	res, err := c.rc.R().SetContext(ctx).Get(relay.EPMetrics)
	if err := check("metrics", res, err); err != nil {
		return "", err
	}
	return res.String(), nil
}
