package model

import (
	"net"
	"strconv"
)

const ProtocolHTTP = "http"

// Worker is a registered remote execution endpoint.
type Worker struct {
	ID       string `json:"id"`
	Protocol string `json:"protocol"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
}

func (w Worker) Addr() string {
	return net.JoinHostPort(w.Host, strconv.Itoa(w.Port))
}

func (w Worker) URL() string {
	proto := w.Protocol
	if proto == "" {
		proto = ProtocolHTTP
	}
	return proto + "://" + w.Addr()
}
