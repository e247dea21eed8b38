package discovery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is assumed for hosts listed without one.
const DefaultPort = 6379

// Node is one candidate backend host as reported by the directory.
type Node struct {
	Host     string `json:"host"`
	IsMaster bool   `json:"isMaster"`
	SSLPort  int    `json:"sslPort,omitempty"`
}

// Addr returns host:port for plain connections.
func (n Node) Addr() string {
	if _, _, err := net.SplitHostPort(n.Host); err == nil {
		return n.Host
	}
	return net.JoinHostPort(n.Host, strconv.Itoa(DefaultPort))
}

// TLSAddr returns host:sslPort, or "" when the node advertises no TLS port.
func (n Node) TLSAddr() string {
	if n.SSLPort <= 0 {
		return ""
	}
	return net.JoinHostPort(n.Hostname(), strconv.Itoa(n.SSLPort))
}

// Hostname strips any port from Host.
func (n Node) Hostname() string {
	if h, _, err := net.SplitHostPort(n.Host); err == nil {
		return h
	}
	return n.Host
}

// ParseNodes decodes a directory response: a JSON array of
// {host, isMaster, sslPort?} objects, or a comma-separated host list. Hosts
// from a plain list carry no election data and are all treated as masters.
func ParseNodes(body []byte) ([]Node, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var nodes []Node
		if err := json.Unmarshal(trimmed, &nodes); err != nil {
			return nil, fmt.Errorf("decode node list: %w", err)
		}
		out := nodes[:0]
		for _, n := range nodes {
			n.Host = strings.TrimSpace(n.Host)
			if n.Host == "" {
				continue
			}
			out = append(out, n)
		}
		return out, nil
	}

	parts := strings.Split(string(trimmed), ",")
	nodes := make([]Node, 0, len(parts))
	for _, p := range parts {
		if host := strings.TrimSpace(p); host != "" {
			nodes = append(nodes, Node{Host: host, IsMaster: true})
		}
	}
	return nodes, nil
}

// Masters returns the master-flagged subset of nodes.
func Masters(nodes []Node) []Node {
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if n.IsMaster {
			out = append(out, n)
		}
	}
	return out
}
