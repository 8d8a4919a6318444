package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"peerlink/p2p"
)

// sessionAdmin is the part of the session manager the admin surface drives.
type sessionAdmin interface {
	Peers() []p2p.PeerInfo
	Counts() p2p.NetworkCounts
	DisconnectPeer(id p2p.PeerID) error
	Bans() []p2p.BanEntry
	Ban(subnet netip.Prefix, d time.Duration, reason string) error
	ClearBans() error
	AddedNodes() []string
	AddNode(host string) error
	RemoveNode(host string) error
	AddOneShot(target string)
}

type adminServer struct {
	session sessionAdmin
	logger  *slog.Logger
}

func newAdminRouter(session sessionAdmin, logger *slog.Logger) http.Handler {
	s := &adminServer{session: session, logger: logger}
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/peers", func(peers chi.Router) {
		peers.Get("/", s.listPeers)
		peers.Get("/counts", s.peerCounts)
		peers.Delete("/{id}", s.disconnectPeer)
	})
	r.Route("/bans", func(bans chi.Router) {
		bans.Get("/", s.listBans)
		bans.Post("/", s.addBan)
		bans.Delete("/", s.clearBans)
	})
	r.Route("/nodes", func(nodes chi.Router) {
		nodes.Get("/", s.listNodes)
		nodes.Post("/", s.addNode)
		nodes.Delete("/{host}", s.removeNode)
		nodes.Post("/oneshot", s.addOneShot)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *adminServer) listPeers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Peers())
}

func (s *adminServer) peerCounts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Counts())
}

func (s *adminServer) disconnectPeer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid peer id", http.StatusBadRequest)
		return
	}
	if err := s.session.DisconnectPeer(p2p.PeerID(id)); err != nil {
		if errors.Is(err, p2p.ErrPeerUnknown) {
			http.Error(w, "peer not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to disconnect peer", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *adminServer) listBans(w http.ResponseWriter, _ *http.Request) {
	bans := s.session.Bans()
	if bans == nil {
		bans = []p2p.BanEntry{}
	}
	writeJSON(w, http.StatusOK, bans)
}

func (s *adminServer) addBan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subnet  string `json:"subnet"`
		Seconds int64  `json:"seconds"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	subnet, err := parseSubnet(req.Subnet)
	if err != nil {
		http.Error(w, "invalid subnet", http.StatusBadRequest)
		return
	}
	if req.Seconds < 0 {
		http.Error(w, "seconds must not be negative", http.StatusBadRequest)
		return
	}
	if err := s.session.Ban(subnet, time.Duration(req.Seconds)*time.Second, req.Reason); err != nil {
		s.logger.Warn("Ban request failed", slog.Any("error", err))
		http.Error(w, "failed to ban subnet", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// parseSubnet accepts a CIDR or a single address.
func parseSubnet(raw string) (netip.Prefix, error) {
	raw = strings.TrimSpace(raw)
	if ip, err := netip.ParseAddr(raw); err == nil {
		ip = ip.Unmap()
		return netip.PrefixFrom(ip, ip.BitLen()), nil
	}
	prefix, err := netip.ParsePrefix(raw)
	if err != nil {
		return netip.Prefix{}, err
	}
	return prefix.Masked(), nil
}

func (s *adminServer) clearBans(w http.ResponseWriter, _ *http.Request) {
	if err := s.session.ClearBans(); err != nil {
		s.logger.Warn("Clearing bans failed", slog.Any("error", err))
		http.Error(w, "failed to clear bans", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *adminServer) listNodes(w http.ResponseWriter, _ *http.Request) {
	nodes := s.session.AddedNodes()
	if nodes == nil {
		nodes = []string{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

type nodeRequest struct {
	Host string `json:"host"`
}

func (s *adminServer) addNode(w http.ResponseWriter, r *http.Request) {
	var req nodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if err := s.session.AddNode(req.Host); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *adminServer) removeNode(w http.ResponseWriter, r *http.Request) {
	host, err := url.PathUnescape(chi.URLParam(r, "host"))
	if err != nil {
		http.Error(w, "invalid host", http.StatusBadRequest)
		return
	}
	if err := s.session.RemoveNode(host); err != nil {
		http.Error(w, "node not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *adminServer) addOneShot(w http.ResponseWriter, r *http.Request) {
	var req nodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Host) == "" {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	s.session.AddOneShot(strings.TrimSpace(req.Host))
	w.WriteHeader(http.StatusAccepted)
}
