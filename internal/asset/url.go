package asset

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"lora_pipeline/internal/config"
	"lora_pipeline/internal/model"
	"lora_pipeline/internal/sshpool"
)

// ServiceURL returns the base URL of a service listening on port of the asset.
//
// DOMAIN mode assets whose host is an SSH gateway name are reached through the
// container domain instead of host:port.
func ServiceURL(a *model.Asset, port int, cfg config.EngineConfig) string {
	if a.PortAccessMode == model.PortAccessDomain && cfg.SSHDomainSuffix != "" && strings.HasSuffix(a.Host, cfg.SSHDomainSuffix) {
		base := strings.TrimSuffix(a.Host, cfg.SSHDomainSuffix)
		proto := cfg.DomainProtocol
		if proto == "" {
			proto = "https"
		}
		return proto + "://" + fmt.Sprintf(cfg.ContainerDomainFormat, base, port)
	}
	return "http://" + net.JoinHostPort(a.Host, strconv.Itoa(port))
}

// SSHEndpoint returns the connection pool endpoint of the asset.
func SSHEndpoint(a *model.Asset) sshpool.Endpoint {
	ep := sshpool.Endpoint{
		Host: a.Host,
		Port: a.SSHPort,
		User: a.SSHUsername,
	}
	if ep.Port == 0 {
		ep.Port = 22
	}
	if a.SSHAuthType == model.AuthTypePassword {
		ep.Password = a.SSHPassword
	} else {
		ep.KeyPath = a.SSHKeyPath
	}
	return ep
}

// Headers returns the request headers for the stage engine of the asset.
func Headers(a *model.Asset, stage model.Stage, cfg config.EngineConfig) map[string]string {
	h := make(map[string]string)
	if cfg.APIKey != "" {
		h["Authorization"] = "Bearer " + cfg.APIKey
	}
	for k, v := range a.CapabilityFor(stage).Headers {
		h[k] = v
	}
	return h
}
