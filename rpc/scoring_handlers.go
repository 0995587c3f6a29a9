package rpc

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"

	"peerguard/observability/logging"
	"peerguard/scoring"
)

type hasGoodReputationParams struct {
	NodeID  string `json:"nodeId,omitempty"`
	Address string `json:"address,omitempty"`
}

func (s *Server) decodeSingleString(w http.ResponseWriter, req *RPCRequest, name string) (string, bool) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "exactly one "+name+" parameter expected")
		return "", false
	}
	var value string
	if err := json.Unmarshal(req.Params[0], &value); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", name+" must be a string")
		return "", false
	}
	return value, true
}

func (s *Server) requireNoParams(w http.ResponseWriter, req *RPCRequest) bool {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "no parameters expected", nil)
		return false
	}
	return true
}

func (s *Server) writeBanError(w http.ResponseWriter, req *RPCRequest, err error) {
	if scoring.IsInvalidAddress(err) {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	s.logger.Error("ban list update failed", logging.MaskField("method", req.Method), slog.Any("error", err))
	writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "ban list update failed", err.Error())
}

func (s *Server) handleBanAddress(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	text, ok := s.decodeSingleString(w, req, "address")
	if !ok {
		return
	}
	if err := s.service.BanAddressContext(r.Context(), text); err != nil {
		s.writeBanError(w, req, err)
		return
	}
	writeResult(w, req.ID, nil)
}

func (s *Server) handleUnbanAddress(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	text, ok := s.decodeSingleString(w, req, "address")
	if !ok {
		return
	}
	if err := s.service.UnbanAddressContext(r.Context(), text); err != nil {
		s.writeBanError(w, req, err)
		return
	}
	writeResult(w, req.ID, nil)
}

func (s *Server) handleBannedAddresses(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if !s.requireNoParams(w, req) {
		return
	}
	writeResult(w, req.ID, s.service.BannedAddresses())
}

func (s *Server) handlePeerList(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if !s.requireNoParams(w, req) {
		return
	}
	writeResult(w, req.ID, s.service.PeersInformation())
}

func (s *Server) handleReputationSummary(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if !s.requireNoParams(w, req) {
		return
	}
	writeResult(w, req.ID, s.service.Summary())
}

func (s *Server) handleHasGoodReputation(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params hasGoodReputationParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	id, addr, err := parsePeerRef(params)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	good := true
	if !id.IsZero() {
		good = s.service.HasGoodNodeReputation(id)
	}
	if addr.IsValid() {
		good = s.service.HasGoodAddressReputation(addr) && good
	}
	writeResult(w, req.ID, good)
}

func parsePeerRef(params hasGoodReputationParams) (scoring.NodeID, netip.Addr, error) {
	var (
		id   scoring.NodeID
		addr netip.Addr
		err  error
	)
	if raw := strings.TrimSpace(params.NodeID); raw != "" {
		id, err = scoring.ParseNodeID(raw)
		if err != nil {
			return "", netip.Addr{}, err
		}
	}
	if raw := strings.TrimSpace(params.Address); raw != "" {
		addr, err = netip.ParseAddr(strings.Trim(raw, "[]"))
		if err != nil {
			return "", netip.Addr{}, err
		}
	}
	if id.IsZero() && !addr.IsValid() {
		return "", netip.Addr{}, errors.New("nodeId or address required")
	}
	return id, addr, nil
}
