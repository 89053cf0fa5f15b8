package relay

/*
The relay's admin surface: a small REST API for listing, opening and poking sessions, plus the prometheus scrape endpoint.
*/

import (
	"context"
	"errors"
	"net/http"
	"net/netip"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	APIName    = "lludp relay"
	APIVersion = "1.0.0"
)

// Admin endpoints.
const (
	EPSessions = "/sessions"
	EPSession  = "/sessions/{sim}"
	EPInject   = "/sessions/{sim}/inject"
	EPGC       = "/sessions/{sim}/gc"
	EPMetrics  = "/metrics"
)

//#region request and response types

// SessionList is the body of GET /sessions.
type SessionList struct {
	Sessions []SessionInfo `json:"sessions" doc:"every live session, ordered by sim address"`
}

// AddSessionRequest is the body of POST /sessions.
type AddSessionRequest struct {
	Sim string `json:"sim" example:"127.0.0.1:13000" doc:"address and port of the simulator to relay to"`
}

// InjectRequest is the body of POST /sessions/{sim}/inject.
type InjectRequest struct {
	Direction string                      `json:"direction" enum:"incoming,outgoing,in,out" example:"incoming" doc:"incoming travels to the client, outgoing to the sim"`
	Message   string                      `json:"message" example:"StartPingCheck" doc:"name of the message template"`
	Reliable  bool                        `json:"reliable,omitempty" doc:"send reliably; the relay resends until acknowledged"`
	Blocks    map[string][]map[string]any `json:"blocks,omitempty" doc:"block name -> instances of field name -> value; absent fields are zero"`
}

// InjectResult is the response body of POST /sessions/{sim}/inject.
type InjectResult struct {
	Queued bool `json:"queued" doc:"the client has not spoken yet; the packet will be sent after its first packet"`
}

type sessionsResp struct{ Body SessionList }

type addSessionReq struct{ Body AddSessionRequest }

type simPath struct {
	Sim string `path:"sim" example:"127.0.0.1:13000" doc:"address and port of the simulator"`
}

type sessionResp struct{ Body SessionInfo }

type injectReq struct {
	Sim  string `path:"sim" example:"127.0.0.1:13000" doc:"address and port of the simulator"`
	Body InjectRequest
}

type injectResp struct{ Body InjectResult }

//#endregion request and response types

// RegisterAPI builds the admin routes onto api.
func (r *Relay) RegisterAPI(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        EPSessions,
		Summary:     "List sessions",
	}, func(ctx context.Context, _ *struct{}) (*sessionsResp, error) {
		resp := &sessionsResp{}
		resp.Body.Sessions = r.Sessions()
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-session",
		Method:        http.MethodPost,
		Path:          EPSessions,
		Summary:       "Open a session for a simulator",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, req *addSessionReq) (*sessionResp, error) {
		sim, err := netip.ParseAddrPort(req.Body.Sim)
		if err != nil {
			return nil, huma.Error400BadRequest("bad sim address", err)
		}
		if _, err := r.AddSim(sim); err != nil {
			if errors.Is(err, ErrClosed) {
				return nil, huma.Error503ServiceUnavailable("relay is closed", err)
			}
			return nil, huma.Error400BadRequest("failed to open session", err)
		}
		return r.sessionResponse(sim)
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        EPSession,
		Summary:     "Describe a session",
	}, func(ctx context.Context, req *simPath) (*sessionResp, error) {
		sim, err := netip.ParseAddrPort(req.Sim)
		if err != nil {
			return nil, huma.Error400BadRequest("bad sim address", err)
		}
		return r.sessionResponse(sim)
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-session",
		Method:        http.MethodDelete,
		Path:          EPSession,
		Summary:       "Close a session",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, req *simPath) (*struct{}, error) {
		sim, err := netip.ParseAddrPort(req.Sim)
		if err != nil {
			return nil, huma.Error400BadRequest("bad sim address", err)
		}
		if !r.RemoveSim(sim) {
			return nil, huma.Error404NotFound("no session for " + sim.String())
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "inject",
		Method:      http.MethodPost,
		Path:        EPInject,
		Summary:     "Inject a message into a session",
	}, func(ctx context.Context, req *injectReq) (*injectResp, error) {
		sim, err := netip.ParseAddrPort(req.Sim)
		if err != nil {
			return nil, huma.Error400BadRequest("bad sim address", err)
		}
		dir, err := ParseDirection(req.Body.Direction)
		if err != nil {
			return nil, huma.Error400BadRequest("bad direction", err)
		}
		m, err := r.codec.Schema().Coerce(req.Body.Message, req.Body.Blocks)
		if err != nil {
			return nil, huma.Error422UnprocessableEntity("cannot build message", err)
		}
		queued, err := r.Inject(sim, dir, m, req.Body.Reliable)
		if err != nil {
			if errors.Is(err, ErrUnknownSim) {
				return nil, huma.Error404NotFound("no session for "+sim.String(), err)
			}
			return nil, huma.Error422UnprocessableEntity("cannot inject message", err)
		}
		resp := &injectResp{}
		resp.Body.Queued = queued
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "gc-session",
		Method:      http.MethodPost,
		Path:        EPGC,
		Summary:     "Garbage collect a session now",
	}, func(ctx context.Context, req *simPath) (*sessionResp, error) {
		sim, err := netip.ParseAddrPort(req.Sim)
		if err != nil {
			return nil, huma.Error400BadRequest("bad sim address", err)
		}
		info, err := r.GC(sim)
		if err != nil {
			return nil, huma.Error404NotFound("no session for "+sim.String(), err)
		}
		return &sessionResp{Body: info}, nil
	})
}

func (r *Relay) sessionResponse(sim netip.AddrPort) (*sessionResp, error) {
	info, err := r.Info(sim)
	if err != nil {
		return nil, huma.Error404NotFound("no session for "+sim.String(), err)
	}
	return &sessionResp{Body: info}, nil
}

// AdminHandler returns a router serving the admin API and the relay's metrics.
func (r *Relay) AdminHandler() http.Handler {
	mux := chi.NewMux()
	api := humachi.New(mux, huma.DefaultConfig(APIName, APIVersion))
	r.RegisterAPI(api)

	g, ok := r.metrics.Gatherer()
	if !ok {
		g = prometheus.DefaultGatherer
	}
	mux.Handle(EPMetrics, promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return mux
}

// ServeAdmin serves AdminHandler on addr until ctx is cancelled.
func (r *Relay) ServeAdmin(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.AdminHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()
	r.log.Info().Str("address", addr).Msg("admin api listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
