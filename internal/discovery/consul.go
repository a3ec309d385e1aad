// Package discovery registers the controller with Consul and resolves the
// addresses of history sinks registered there.
package discovery

import (
	"context"
	"fmt"
	"log"
	"time"

	consul "github.com/hashicorp/consul/api"
)

const (
	ControllerService     = "capture-controller"
	ControllerHTTPService = "capture-controller-http"
)

type ServiceDiscovery struct {
	consulAddr string
	client     *consul.Client
}

func NewServiceDiscovery(consulAddr string) (*ServiceDiscovery, error) {
	config := consul.DefaultConfig()
	config.Address = consulAddr

	client, err := consul.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("create consul client: %w", err)
	}

	return &ServiceDiscovery{
		consulAddr: consulAddr,
		client:     client,
	}, nil
}

// Discover returns host:port of the first healthy instance of a service.
func (sd *ServiceDiscovery) Discover(name string) (string, error) {
	services, _, err := sd.client.Health().Service(name, "", true, nil)
	if err != nil {
		return "", fmt.Errorf("query consul: %w", err)
	}

	if len(services) == 0 {
		return "", fmt.Errorf("no healthy %s services found", name)
	}

	service := services[0]
	addr := service.Service.Address
	if addr == "" {
		addr = service.Node.Address
	}

	return fmt.Sprintf("%s:%d", addr, service.Service.Port), nil
}

// DiscoverURL is Discover with an http:// scheme, for HTTP services.
func (sd *ServiceDiscovery) DiscoverURL(name string) (string, error) {
	addr, err := sd.Discover(name)
	if err != nil {
		return "", err
	}
	return "http://" + addr, nil
}

// Watch polls Consul and emits the address each time it changes.
func (sd *ServiceDiscovery) Watch(ctx context.Context, name string, interval time.Duration) <-chan string {
	addrChan := make(chan string, 1)

	go func() {
		defer close(addrChan)

		var lastAddr string
		for {
			wait := interval
			addr, err := sd.Discover(name)
			if err != nil {
				log.Printf("Discovery of %s failed: %v", name, err)
				wait = interval / 2
			} else if addr != lastAddr {
				log.Printf("Discovered %s at: %s", name, addr)
				select {
				case addrChan <- addr:
				case <-ctx.Done():
					return
				}
				lastAddr = addr
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}()

	return addrChan
}

// RegisterController announces the gRPC health endpoint and the HTTP API.
func (sd *ServiceDiscovery) RegisterController(nodeIP string, grpcPort, httpPort int) error {
	registration := &consul.AgentServiceRegistration{
		ID:      ControllerService,
		Name:    ControllerService,
		Port:    grpcPort,
		Address: nodeIP,
		Check: &consul.AgentServiceCheck{
			GRPC:                           fmt.Sprintf("%s:%d", nodeIP, grpcPort),
			Interval:                       "10s",
			Timeout:                        "5s",
			DeregisterCriticalServiceAfter: "30s",
		},
		Tags: []string{"capture", "controller", "grpc"},
	}

	if err := sd.client.Agent().ServiceRegister(registration); err != nil {
		return fmt.Errorf("register %s: %w", ControllerService, err)
	}

	httpRegistration := &consul.AgentServiceRegistration{
		ID:      ControllerHTTPService,
		Name:    ControllerHTTPService,
		Port:    httpPort,
		Address: nodeIP,
		Check: &consul.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d/api/v1/health", nodeIP, httpPort),
			Interval:                       "10s",
			Timeout:                        "5s",
			DeregisterCriticalServiceAfter: "30s",
		},
		Tags: []string{"capture", "controller", "http", "api", "history"},
	}

	if err := sd.client.Agent().ServiceRegister(httpRegistration); err != nil {
		return fmt.Errorf("register %s: %w", ControllerHTTPService, err)
	}
	return nil
}

func (sd *ServiceDiscovery) DeregisterController() {
	if err := sd.client.Agent().ServiceDeregister(ControllerService); err != nil {
		log.Printf("Error deregistering gRPC service: %v", err)
	}

	if err := sd.client.Agent().ServiceDeregister(ControllerHTTPService); err != nil {
		log.Printf("Error deregistering HTTP service: %v", err)
	}
}
