package main

import (
	"errors"
	"fmt"

	"github.com/galdor/go-ejson"
	"github.com/galdor/go-paxos/pkg/paxos"
	"github.com/galdor/go-service/pkg/shttp"
)

type APIServer struct {
	Node       *paxos.Node
	HTTPServer *shttp.Server
}

type KeyValue struct {
	Key        string            `json:"key"`
	Value      string            `json:"value"`
	ProposalId *paxos.ProposalId `json:"proposalId,omitempty"`
}

type PutKeyRequest struct {
	Value *string `json:"value"`
}

type ClusterInfo struct {
	Self     paxos.NodeId     `json:"self"`
	LeaderId paxos.NodeId     `json:"leaderId,omitempty"`
	Nodes    []paxos.NodeInfo `json:"nodes"`
}

func (r *PutKeyRequest) ValidateJSON(v *ejson.Validator) {
	v.Check("value", r.Value != nil, "missingValue", "missing value")
}

func NewAPIServer(node *paxos.Node, httpServer *shttp.Server) (*APIServer, error) {
	if node == nil {
		return nil, fmt.Errorf("missing paxos node")
	}

	if httpServer == nil {
		return nil, fmt.Errorf("missing http server")
	}

	api := APIServer{
		Node:       node,
		HTTPServer: httpServer,
	}

	return &api, nil
}

func (api *APIServer) Init() error {
	api.initRoutes()
	return nil
}

func (api *APIServer) initRoutes() {
	api.Route("/store", "GET", api.hStoreGET)
	api.Route("/store/:key", "GET", api.hStoreKeyGET)
	api.Route("/store/:key", "PUT", api.hStoreKeyPUT)

	api.Route("/cluster", "GET", api.hClusterGET)
}

func (api *APIServer) Route(pathPattern, method string, routeFunc shttp.RouteFunc) {
	api.HTTPServer.Route(pathPattern, method, routeFunc)
}

func (api *APIServer) hStoreGET(h *shttp.Handler) {
	node := api.Node

	keys := node.Keys()

	entries := make([]KeyValue, 0, len(keys))
	for _, key := range keys {
		if value, found := node.Read(key); found {
			entries = append(entries, KeyValue{Key: key, Value: value})
		}
	}

	h.ReplyJSON(200, entries)
}

func (api *APIServer) hStoreKeyGET(h *shttp.Handler) {
	node := api.Node

	key := h.PathVariable("key")

	var value string
	var found bool

	if h.QueryParameter("repair") == "true" {
		var err error

		value, found, err = node.Repair(h.Request.Context(), key)
		if err != nil {
			api.replyPaxosError(h, err)
			return
		}
	} else {
		value, found = node.Read(key)
	}

	if !found {
		h.ReplyError(404, "unknownKey", "unknown key %q", key)
		return
	}

	h.ReplyJSON(200, KeyValue{Key: key, Value: value})
}

func (api *APIServer) hStoreKeyPUT(h *shttp.Handler) {
	node := api.Node

	key := h.PathVariable("key")

	var req PutKeyRequest
	if err := h.JSONRequestData(&req); err != nil {
		return
	}

	proposal, err := node.Insert(h.Request.Context(), key, *req.Value)
	if err != nil {
		api.replyPaxosError(h, err)
		return
	}

	h.ReplyJSON(200, KeyValue{
		Key:        proposal.Key,
		Value:      proposal.Value,
		ProposalId: &proposal.Id,
	})
}

func (api *APIServer) hClusterGET(h *shttp.Handler) {
	membership := api.Node.Membership()

	info := ClusterInfo{
		Self:     membership.SelfId(),
		LeaderId: membership.LeaderId(),
		Nodes:    membership.Peers(),
	}

	h.ReplyJSON(200, info)
}

func (api *APIServer) replyPaxosError(h *shttp.Handler, err error) {
	var storeErr *paxos.StoreWriteError

	switch {
	case errors.Is(err, paxos.ErrInvalidKey):
		h.ReplyError(400, "invalidKey", "%v", err)

	case errors.Is(err, paxos.ErrQuorumUnreachable):
		h.ReplyError(503, "quorumUnreachable", "%v", err)

	case errors.As(err, &storeErr):
		h.ReplyError(500, "storeWriteError", "%v", err)

	default:
		h.ReplyError(500, "internalError", "%v", err)
	}
}
