package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/galdor/go-ejson"
	"github.com/galdor/go-paxos/pkg/paxos"
)

type RegistryCfg struct {
	Address string `json:"address"`
	AppId   string `json:"appId"`

	// Milliseconds
	HeartbeatInterval int `json:"heartbeatInterval,omitempty"`
}

func (cfg *RegistryCfg) ValidateJSON(v *ejson.Validator) {
	v.CheckStringURI("address", cfg.Address)
	v.CheckStringNotEmpty("appId", cfg.AppId)

	v.CheckIntMin("heartbeatInterval", cfg.HeartbeatInterval, 0)
}

type RegistryStatus string

const (
	RegistryStatusStarting RegistryStatus = "STARTING"
	RegistryStatusUp       RegistryStatus = "UP"
)

type RegistryInstance struct {
	InstanceId string
	HostName   string
	App        string
	IPAddr     string
	Port       string
}

type registryPayload struct {
	Instance registryInstancePayload `json:"instance"`
}

type registryInstancePayload struct {
	InstanceId     string                 `json:"instanceId"`
	HostName       string                 `json:"hostName"`
	App            string                 `json:"app"`
	IPAddr         string                 `json:"ipAddr"`
	Status         RegistryStatus         `json:"status"`
	Port           registryPort           `json:"port"`
	DataCenterInfo registryDataCenterInfo `json:"dataCenterInfo"`
}

type registryPort struct {
	Value   string `json:"$"`
	Enabled string `json:"@enabled"`
}

type registryDataCenterInfo struct {
	Class string `json:"@class"`
	Name  string `json:"name"`
}

// RegistryClient announces the node to a Eureka-compatible service registry.
// Registry errors are logged and never interrupt the node.
type RegistryClient struct {
	Cfg      RegistryCfg
	Log      paxos.Logger
	Instance RegistryInstance

	client *http.Client

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewRegistryClient(cfg RegistryCfg, logger paxos.Logger, instance RegistryInstance) *RegistryClient {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30_000
	}

	c := RegistryClient{
		Cfg:      cfg,
		Log:      logger,
		Instance: instance,

		client: &http.Client{Timeout: 10 * time.Second},

		stopChan: make(chan struct{}),
	}

	return &c
}

func (c *RegistryClient) Start() {
	c.wg.Add(1)
	go c.main()
}

func (c *RegistryClient) Stop() {
	close(c.stopChan)
	c.wg.Wait()
}

func (c *RegistryClient) main() {
	defer c.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-c.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := c.Register(ctx, RegistryStatusStarting); err != nil {
		c.Log.Error("cannot register instance: %v", err)
	}

	interval := time.Duration(c.Cfg.HeartbeatInterval) * time.Millisecond

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return

		case <-ticker.C:
			if err := c.Heartbeat(ctx); err != nil {
				c.Log.Error("cannot send heartbeat: %v", err)
			}
		}
	}
}

func (c *RegistryClient) Register(ctx context.Context, status RegistryStatus) error {
	payload := registryPayload{
		Instance: registryInstancePayload{
			InstanceId: c.Instance.InstanceId,
			HostName:   c.Instance.HostName,
			App:        c.Instance.App,
			IPAddr:     c.Instance.IPAddr,
			Status:     status,
			Port: registryPort{
				Value:   c.Instance.Port,
				Enabled: "true",
			},
			DataCenterInfo: registryDataCenterInfo{
				Class: "com.netflix.appinfo.MyDataCenterInfo",
				Name:  "MyOwn",
			},
		},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("cannot encode payload: %w", err)
	}

	path := "/eureka/v2/apps/" + url.PathEscape(c.Cfg.AppId)

	code, err := c.sendRequest(ctx, "POST", path, nil, data)
	if err != nil {
		return err
	}

	if code != 200 && code != 204 {
		return fmt.Errorf("request failed with status %d", code)
	}

	c.Log.Debug(1, "registered instance %q with status %s",
		c.Instance.InstanceId, status)

	return nil
}

// Heartbeat renews the lease of the instance. Registries forget instances
// whose lease expired; in that case the instance is registered again.
func (c *RegistryClient) Heartbeat(ctx context.Context) error {
	path := "/eureka/v2/apps/" + url.PathEscape(c.Cfg.AppId) + "/" +
		url.PathEscape(c.Instance.InstanceId)

	query := url.Values{}
	query.Set("status", string(RegistryStatusUp))

	status, err := c.sendRequest(ctx, "PUT", path, query, nil)
	if err != nil {
		return err
	}

	switch status {
	case 200, 204:
		return nil

	case 404:
		c.Log.Info("instance %q unknown to the registry, registering again",
			c.Instance.InstanceId)
		return c.Register(ctx, RegistryStatusUp)

	default:
		return fmt.Errorf("request failed with status %d", status)
	}
}

func (c *RegistryClient) sendRequest(ctx context.Context, method, path string, query url.Values, body []byte) (int, error) {
	uri, err := url.Parse(c.Cfg.Address)
	if err != nil {
		return 0, fmt.Errorf("invalid registry address: %w", err)
	}

	uri.Path = path
	uri.RawQuery = query.Encode()

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, uri.String(),
		bodyReader)
	if err != nil {
		return 0, fmt.Errorf("cannot create http request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("cannot send request: %w", err)
	}
	defer res.Body.Close()

	io.Copy(io.Discard, res.Body)

	return res.StatusCode, nil
}
