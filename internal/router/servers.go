package router

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/arclight-studio/gateway/internal/catalog"
	"github.com/arclight-studio/gateway/internal/config"
	"github.com/arclight-studio/gateway/internal/matchmaker"
	"github.com/arclight-studio/gateway/internal/probe"
)

// StorefrontSource serves the current shop rotation.
// *catalog.Provider satisfies it.
type StorefrontSource interface {
	Current() catalog.Storefront
}

// TicketSource exposes live matchmaking tickets.
// *matchmaker.SessionRegistry satisfies it.
type TicketSource interface {
	All() []matchmaker.Ticket
}

// ServerStatus is one row of the server-list reply.
type ServerStatus struct {
	Address     string `json:"address"`
	Port        int    `json:"port"`
	Playlist    string `json:"playlist"`
	PlayerCount int    `json:"playerCount"`
	Started     bool   `json:"started"`
}

// ServerList merges live matchmaking groups with the statically configured
// endpoints. Configured endpoints are always present; reachability only
// flips the started flag, it never removes an endpoint.
type ServerList struct {
	configured   []config.GameServer
	tickets      TicketSource
	probe        probe.Func
	probeTimeout time.Duration
}

// NewServerList creates a ServerList.
//
// Precondition: configured must come from MatchmakingConfig.ParsedServers.
func NewServerList(configured []config.GameServer, tickets TicketSource, probeFn probe.Func, probeTimeout time.Duration) *ServerList {
	return &ServerList{
		configured:   configured,
		tickets:      tickets,
		probe:        probeFn,
		probeTimeout: probeTimeout,
	}
}

// List returns the merged server list sorted by descending player count.
//
// Postcondition: Returns an empty, non-nil slice when there are no live
// groups and no configured endpoints.
func (s *ServerList) List(ctx context.Context) []ServerStatus {
	type key struct {
		address  string
		port     int
		playlist string
	}
	groups := make(map[key]*ServerStatus)

	for _, t := range s.tickets.All() {
		if t.ServerAddress == "" {
			continue
		}
		k := key{address: t.ServerAddress, port: t.ServerPort, playlist: t.Playlist}
		g, ok := groups[k]
		if !ok {
			// A group with live sessions is known to be running.
			g = &ServerStatus{
				Address:  k.address,
				Port:     k.port,
				Playlist: k.playlist,
				Started:  true,
			}
			groups[k] = g
		}
		g.PlayerCount++
	}

	for _, cs := range s.configured {
		k := key{address: cs.Address, port: cs.Port, playlist: cs.Playlist}
		if _, ok := groups[k]; ok {
			continue
		}
		groups[k] = &ServerStatus{
			Address:  cs.Address,
			Port:     cs.Port,
			Playlist: cs.Playlist,
			Started:  s.probe(ctx, fmt.Sprintf("%s:%d", cs.Address, cs.Port), s.probeTimeout),
		}
	}

	out := make([]ServerStatus, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PlayerCount != out[j].PlayerCount {
			return out[i].PlayerCount > out[j].PlayerCount
		}
		if out[i].Address != out[j].Address {
			return out[i].Address < out[j].Address
		}
		return out[i].Port < out[j].Port
	})
	return out
}
