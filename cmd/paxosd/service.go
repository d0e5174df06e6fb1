package main

import (
	"fmt"
	"net"
	"time"

	"github.com/galdor/go-ejson"
	"github.com/galdor/go-log"
	"github.com/galdor/go-paxos/pkg/paxos"
	"github.com/galdor/go-program"
	"github.com/galdor/go-service/pkg/service"
	"github.com/galdor/go-service/pkg/shttp"
)

type ServiceCfg struct {
	Service  service.ServiceCfg `json:"service"`
	Paxos    PaxosCfg           `json:"paxos"`
	Registry *RegistryCfg       `json:"registry,omitempty"`
}

type PaxosCfg struct {
	Servers  paxos.ServerSet `json:"servers"`
	LeaderId paxos.NodeId    `json:"leaderId,omitempty"`

	DataDirectory string `json:"dataDirectory"`

	// Milliseconds
	PeerTimeout  int `json:"peerTimeout,omitempty"`
	RoundTimeout int `json:"roundTimeout,omitempty"`

	MaxRoundAttempts int `json:"maxRoundAttempts,omitempty"`
}

type Service struct {
	Cfg     ServiceCfg
	Program *program.Program
	Service *service.Service
	Log     *log.Logger

	nodeId    paxos.NodeId
	node      *paxos.Node
	apiServer *APIServer
	registry  *RegistryClient
}

func (cfg *ServiceCfg) ValidateJSON(v *ejson.Validator) {
	v.CheckObject("service", &cfg.Service)

	v.CheckObject("paxos", &cfg.Paxos)

	v.CheckOptionalObject("registry", cfg.Registry)
}

func (cfg *PaxosCfg) ValidateJSON(v *ejson.Validator) {
	v.Check("servers", len(cfg.Servers) > 0, "missingServers",
		"at least one server must be configured")

	v.WithChild("servers", func() {
		for id, server := range cfg.Servers {
			v.WithChild(string(id), func() {
				v.CheckStringNotEmpty("localAddress",
					string(server.LocalAddress))
				v.CheckStringNotEmpty("publicAddress",
					string(server.PublicAddress))
			})
		}
	})

	if cfg.LeaderId != "" {
		_, found := cfg.Servers[cfg.LeaderId]
		v.Check("leaderId", found, "unknownServer",
			"unknown server %q", cfg.LeaderId)
	}

	v.CheckStringNotEmpty("dataDirectory", cfg.DataDirectory)

	v.CheckIntMin("peerTimeout", cfg.PeerTimeout, 0)
	v.CheckIntMin("roundTimeout", cfg.RoundTimeout, 0)
	v.CheckIntMin("maxRoundAttempts", cfg.MaxRoundAttempts, 0)
}

func NewService() *Service {
	return &Service{}
}

func (s *Service) InitProgram(p *program.Program) {
	s.Program = p

	p.AddArgument("id", "the node identifier")
}

func (s *Service) DefaultCfg() interface{} {
	return &s.Cfg
}

func (s *Service) ValidateCfg() error {
	id := paxos.NodeId(s.Program.ArgumentValue("id"))

	if _, found := s.Cfg.Paxos.Servers[id]; !found {
		return fmt.Errorf("unknown node %q", id)
	}

	return nil
}

func (s *Service) ServiceCfg() *service.ServiceCfg {
	cfg := &s.Cfg.Service

	id := paxos.NodeId(s.Program.ArgumentValue("id"))

	if cfg.HTTPServers == nil {
		cfg.HTTPServers = make(map[string]*shttp.ServerCfg)
	}

	if _, found := cfg.HTTPServers["api"]; !found {
		serverData := s.Cfg.Paxos.Servers[id]
		host, _, _ := net.SplitHostPort(string(serverData.LocalAddress))

		cfg.HTTPServers["api"] = &shttp.ServerCfg{
			Address:               net.JoinHostPort(host, "8081"),
			LogSuccessfulRequests: true,
			ErrorHandler:          shttp.JSONErrorHandler,
		}
	}

	return cfg
}

func (s *Service) Init(ss *service.Service) error {
	s.Service = ss
	s.Log = ss.Log

	s.nodeId = paxos.NodeId(ss.Program.ArgumentValue("id"))

	if err := s.initNode(); err != nil {
		return err
	}

	if err := s.initAPIServer(); err != nil {
		return err
	}

	if s.Cfg.Registry != nil {
		s.initRegistryClient()
	}

	return nil
}

func (s *Service) initNode() error {
	cfg := s.Cfg.Paxos

	logger := s.Log.Child("paxos", log.Data{
		"node": s.nodeId,
	})

	nodeCfg := paxos.NodeCfg{
		Id:      s.nodeId,
		Servers: cfg.Servers,

		LeaderId: cfg.LeaderId,

		DataDirectory: cfg.DataDirectory,

		Logger: logger,

		PeerTimeout:      time.Duration(cfg.PeerTimeout) * time.Millisecond,
		RoundTimeout:     time.Duration(cfg.RoundTimeout) * time.Millisecond,
		MaxRoundAttempts: cfg.MaxRoundAttempts,
	}

	node, err := paxos.NewNode(nodeCfg)
	if err != nil {
		return fmt.Errorf("cannot create paxos node: %w", err)
	}

	s.node = node

	return nil
}

func (s *Service) initAPIServer() error {
	api, err := NewAPIServer(s.node, s.Service.HTTPServer("api"))
	if err != nil {
		return fmt.Errorf("cannot create api server: %w", err)
	}

	s.apiServer = api

	return nil
}

func (s *Service) initRegistryClient() {
	logger := s.Log.Child("registry", log.Data{
		"node": s.nodeId,
	})

	s.registry = NewRegistryClient(*s.Cfg.Registry, logger, s.instanceInfo())
}

func (s *Service) instanceInfo() RegistryInstance {
	serverData := s.Cfg.Paxos.Servers[s.nodeId]
	host, port, _ := net.SplitHostPort(string(serverData.PublicAddress))

	return RegistryInstance{
		InstanceId: string(s.nodeId),
		HostName:   host,
		App:        s.Cfg.Registry.AppId,
		IPAddr:     host,
		Port:       port,
	}
}

func (s *Service) Start(ss *service.Service) error {
	if err := s.node.Start(ss.ErrorChan()); err != nil {
		return fmt.Errorf("cannot start paxos node: %w", err)
	}

	if err := s.apiServer.Init(); err != nil {
		return fmt.Errorf("cannot initialize api server: %w", err)
	}

	if s.registry != nil {
		s.registry.Start()
	}

	return nil
}

func (s *Service) Stop(ss *service.Service) {
	if s.registry != nil {
		s.registry.Stop()
	}

	s.node.Stop()
}

func (s *Service) Terminate(ss *service.Service) {
}
