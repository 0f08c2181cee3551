package config

import (
	"fmt"

	"github.com/pion/ice/v2"
)

// Webrtc holds the ICE servers advertised to authenticated peers.
// The broker never terminates WebRTC itself.
type Webrtc struct {
	IceServers []IceServer
}

type IceServer struct {
	Urls       string `json:"urls,omitempty"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}

// AddIceServersEnv merges ICE servers from the environment over the
// file-configured list. The pre-allocated slots let the env loader
// address list elements by index.
func (w *Webrtc) AddIceServersEnv() {
	cfg := Webrtc{IceServers: []IceServer{{}, {}, {}, {}, {}}}
	_ = LoadConfigEnv(&cfg)
	for i, srv := range cfg.IceServers {
		if srv.Urls == "" {
			continue
		}
		if i > len(w.IceServers)-1 {
			w.IceServers = append(w.IceServers, srv)
		} else {
			w.IceServers[i] = srv
		}
	}
}

// Validate parses every advertised URL as a STUN/TURN URI and requires
// credentials on TURN entries.
func (w *Webrtc) Validate() error {
	for _, srv := range w.IceServers {
		if srv.Urls == "" {
			return fmt.Errorf("ice server with empty urls")
		}
		u, err := ice.ParseURL(srv.Urls)
		if err != nil {
			return fmt.Errorf("ice server %q: %w", srv.Urls, err)
		}
		if u.Scheme == ice.SchemeTypeTURN || u.Scheme == ice.SchemeTypeTURNS {
			if srv.Username == "" || srv.Credential == "" {
				return fmt.Errorf("turn server %q needs both username and credential", srv.Urls)
			}
		}
	}
	return nil
}
