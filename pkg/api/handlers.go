package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"

	"github.com/aurora-admin/aurora/pkg/queue"
	"github.com/aurora-admin/aurora/pkg/storage"
	"github.com/aurora-admin/aurora/pkg/translator"
	"github.com/aurora-admin/aurora/pkg/types"
)

// maxUploadBytes bounds in-memory multipart parsing; larger blobs
// stream through a temp file.
const maxUploadBytes = 32 << 20

// noStdout is returned when a job left no artifact behind
const noStdout = "No stdout found!"

// serverResult pairs a mutated server with the job realizing the change
// on the host. JobID is empty when no host work was needed.
type serverResult struct {
	Server *types.Server `json:"server"`
	JobID  string        `json:"job_id,omitempty"`
}

type portResult struct {
	Port  *types.Port `json:"port"`
	JobID string      `json:"job_id,omitempty"`
}

type ruleResult struct {
	Rule  *types.ForwardRule `json:"rule"`
	JobID string             `json:"job_id,omitempty"`
}

type usageResult struct {
	Usage *types.PortUsage `json:"usage"`
	JobID string           `json:"job_id,omitempty"`
}

type jobResult struct {
	JobID string `json:"job_id"`
}

// portView embeds the rule and usage a port carries, the shape the
// panel lists.
type portView struct {
	*types.Port
	Rule  *types.ForwardRule `json:"forward_rule,omitempty"`
	Usage *types.PortUsage   `json:"usage,omitempty"`
}

// sanitize blanks credential material before a server leaves the API
func sanitize(server *types.Server) *types.Server {
	clean := *server
	clean.SSHPassword = ""
	clean.SudoPassword = ""
	return &clean
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("malformed request body: %v", err)
	}
	return nil
}

// loadServer resolves :id, writing the 404 itself on a miss
func (s *Server) loadServer(w http.ResponseWriter, p httprouter.Params) (*types.Server, bool) {
	server, err := s.store.GetServer(p.ByName("id"))
	if storage.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "Server not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return server, true
}

// loadPort resolves the :id/:port_id pair, enforcing the parent
// relationship
func (s *Server) loadPort(w http.ResponseWriter, p httprouter.Params) (*types.Server, *types.Port, bool) {
	server, ok := s.loadServer(w, p)
	if !ok {
		return nil, nil, false
	}
	port, err := s.store.GetPort(p.ByName("port_id"))
	if storage.IsNotFound(err) || (err == nil && port.ServerID != server.ID) {
		writeError(w, http.StatusNotFound, "Port not found")
		return nil, nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, nil, false
	}
	return server, port, true
}

// refreshInventory rewrites the host inventory, logging failures; the
// next init plan regenerates it anyway.
func (s *Server) refreshInventory() {
	if s.inv == nil {
		return
	}
	if err := s.inv.RefreshInventory(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to refresh host inventory")
	}
}

// Servers

type serverCreate struct {
	Name         string `json:"name"`
	Address      string `json:"address"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	User         string `json:"user"`
	SSHPassword  string `json:"ssh_password"`
	SudoPassword string `json:"sudo_password"`
	KeyFileID    string `json:"key_file_id"`
	IsActive     *bool  `json:"is_active"`
}

func (s *Server) createServer(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req serverCreate
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	req.Address = strings.TrimSpace(req.Address)
	if req.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, "name is required")
		return
	}
	if req.Address == "" {
		writeError(w, http.StatusUnprocessableEntity, "address is required")
		return
	}
	if req.Host == "" {
		req.Host = req.Address
	}
	if req.Port == 0 {
		req.Port = 22
	}
	if req.User == "" {
		req.User = "root"
	}

	now := time.Now()
	server := &types.Server{
		ID:           uuid.New().String(),
		Name:         req.Name,
		Address:      req.Address,
		Host:         req.Host,
		Port:         req.Port,
		User:         req.User,
		SSHPassword:  req.SSHPassword,
		SudoPassword: req.SudoPassword,
		KeyFileID:    req.KeyFileID,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.IsActive != nil {
		server.IsActive = *req.IsActive
	}

	if err := s.store.CreateServer(server); err != nil {
		storeError(w, err)
		return
	}
	s.refreshInventory()

	job, err := s.queue.Enqueue(r.Context(), types.JobServerInit,
		types.ServerPayload{ServerID: server.ID}, queue.WithPriority(queue.PriorityServer))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, serverResult{Server: sanitize(server), JobID: job.ID})
}

func (s *Server) listServers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	servers, err := s.store.ListServers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]*types.Server, len(servers))
	for i, server := range servers {
		out[i] = sanitize(server)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getServer(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	server, ok := s.loadServer(w, p)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sanitize(server))
}

type serverEdit struct {
	Name         *string `json:"name"`
	Address      *string `json:"address"`
	Host         *string `json:"host"`
	Port         *int    `json:"port"`
	User         *string `json:"user"`
	SSHPassword  *string `json:"ssh_password"`
	SudoPassword *string `json:"sudo_password"`
	KeyFileID    *string `json:"key_file_id"`
	IsActive     *bool   `json:"is_active"`

	// Operator-owned config fields; the probed facts stay core-owned.
	Disabled map[types.Method]bool                    `json:"disabled"`
	Domains  map[string]map[string]types.TLSSettings `json:"domains"`
}

func (s *Server) updateServer(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	server, ok := s.loadServer(w, p)
	if !ok {
		return
	}

	var req serverEdit
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if req.Name != nil {
		server.Name = *req.Name
	}
	if req.Address != nil {
		server.Address = strings.TrimSpace(*req.Address)
	}
	if req.Host != nil {
		server.Host = *req.Host
	}
	if req.Port != nil {
		server.Port = *req.Port
	}
	if req.User != nil {
		server.User = *req.User
	}
	if req.SSHPassword != nil {
		server.SSHPassword = *req.SSHPassword
	}
	if req.SudoPassword != nil {
		server.SudoPassword = *req.SudoPassword
	}
	if req.KeyFileID != nil {
		server.KeyFileID = *req.KeyFileID
	}
	if req.IsActive != nil {
		server.IsActive = *req.IsActive
	}
	if req.Disabled != nil {
		server.Config.Disabled = req.Disabled
	}
	if req.Domains != nil {
		server.Config.Domains = req.Domains
	}
	server.UpdatedAt = time.Now()

	if err := s.store.UpdateServer(server); err != nil {
		storeError(w, err)
		return
	}
	s.refreshInventory()

	// A server that was never probed gets (re)initialized now that its
	// coordinates may have become reachable.
	var jobID string
	if server.Config.System == nil {
		job, err := s.queue.Enqueue(r.Context(), types.JobServerInit,
			types.ServerPayload{ServerID: server.ID}, queue.WithPriority(queue.PriorityServer))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		jobID = job.ID
	}

	writeJSON(w, http.StatusOK, serverResult{Server: sanitize(server), JobID: jobID})
}

func (s *Server) deleteServer(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	server, ok := s.loadServer(w, p)
	if !ok {
		return
	}

	ports, err := s.store.ListPorts(server.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// The payload snapshots the server: once the rows are gone the
	// clean job has nothing to look up.
	nums := make([]int, 0, len(ports))
	for _, port := range ports {
		nums = append(nums, port.Num)
	}
	job, err := s.queue.Enqueue(r.Context(), types.JobServerClean,
		types.ServerCleanPayload{Server: server, Ports: nums},
		queue.WithPriority(queue.PriorityCleanup))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	for _, port := range ports {
		if rule, err := s.store.GetRuleByPort(port.ID); err == nil {
			if err := s.store.DeleteRule(rule.ID); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
		if _, err := s.queue.CancelByKey(r.Context(), port.ID); err != nil {
			s.logger.Warn().Err(err).Str("port_id", port.ID).Msg("Failed to cancel pending expiry")
		}
		if err := s.store.DeletePortUsage(port.ID); err != nil && !storage.IsNotFound(err) {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if err := s.store.DeletePort(port.ID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if err := s.store.DeleteServer(server.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.refreshInventory()

	writeJSON(w, http.StatusOK, jobResult{JobID: job.ID})
}

func (s *Server) connectServer(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	server, ok := s.loadServer(w, p)
	if !ok {
		return
	}

	// Dropping the probed facts forces a full re-probe on the host.
	server.Config.System = nil
	server.UpdatedAt = time.Now()
	if err := s.store.UpdateServer(server); err != nil {
		storeError(w, err)
		return
	}

	job, err := s.queue.Enqueue(r.Context(), types.JobServerInit,
		types.ServerPayload{ServerID: server.ID}, queue.WithPriority(queue.PriorityServer))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, serverResult{Server: sanitize(server), JobID: job.ID})
}

func (s *Server) listUsage(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	server, ok := s.loadServer(w, p)
	if !ok {
		return
	}
	ports, err := s.store.ListPorts(server.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]*types.PortUsage, 0, len(ports))
	for _, port := range ports {
		usage, err := s.store.GetPortUsage(port.ID)
		if storage.IsNotFound(err) {
			continue
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out = append(out, usage)
	}
	writeJSON(w, http.StatusOK, out)
}

type artifactResponse struct {
	Ident  string `json:"ident"`
	Stdout string `json:"stdout"`
}

func (s *Server) getArtifact(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	server, ok := s.loadServer(w, p)
	if !ok {
		return
	}
	ident := p.ByName("ident")

	stdout := noStdout
	if s.arts != nil {
		if out, err := s.arts.Read(server.ID, ident); err == nil {
			stdout = out
		}
	}
	writeJSON(w, http.StatusOK, artifactResponse{Ident: ident, Stdout: stdout})
}

// Grants

type serverUserRequest struct {
	UserID string            `json:"user_id"`
	Config *types.PortConfig `json:"config"`
}

func (s *Server) putServerUser(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	server, ok := s.loadServer(w, p)
	if !ok {
		return
	}

	var req serverUserRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if _, err := s.store.GetUser(req.UserID); err != nil {
		if storage.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Keep the usage aggregates an existing grant accumulated.
	grant, err := s.store.GetServerUser(server.ID, req.UserID)
	if storage.IsNotFound(err) {
		grant = &types.ServerUser{ServerID: server.ID, UserID: req.UserID}
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if req.Config != nil {
		grant.Config = *req.Config
	}

	if err := s.store.PutServerUser(grant); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func (s *Server) listServerUsers(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	server, ok := s.loadServer(w, p)
	if !ok {
		return
	}
	grants, err := s.store.ListServerUsers(server.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, grants)
}

type portUserRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) putPortUser(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	_, port, ok := s.loadPort(w, p)
	if !ok {
		return
	}

	var req portUserRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if _, err := s.store.GetUser(req.UserID); err != nil {
		if storage.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	grant := &types.PortUser{PortID: port.ID, UserID: req.UserID}
	if err := s.store.PutPortUser(grant); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func (s *Server) listPortUsers(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	_, port, ok := s.loadPort(w, p)
	if !ok {
		return
	}
	grants, err := s.store.ListPortUsers(port.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, grants)
}

// Ports

type portCreate struct {
	Num         int               `json:"num"`
	ExternalNum int               `json:"external_num"`
	Config      *types.PortConfig `json:"config"`
	IsActive    *bool             `json:"is_active"`
}

func (s *Server) createPort(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	server, ok := s.loadServer(w, p)
	if !ok {
		return
	}

	var req portCreate
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if req.Num < 1 || req.Num > 65535 {
		writeError(w, http.StatusUnprocessableEntity, "port number out of range")
		return
	}

	now := time.Now()
	port := &types.Port{
		ID:          uuid.New().String(),
		ServerID:    server.ID,
		Num:         req.Num,
		ExternalNum: req.ExternalNum,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.Config != nil {
		port.Config = *req.Config
	}
	if req.IsActive != nil {
		port.IsActive = *req.IsActive
	}

	if err := s.store.CreatePort(port); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, port)
}

// view assembles the port's boundary shape with its rule and usage
func (s *Server) view(port *types.Port) *portView {
	pv := &portView{Port: port}
	if rule, err := s.store.GetRuleByPort(port.ID); err == nil {
		pv.Rule = rule
	}
	if usage, err := s.store.GetPortUsage(port.ID); err == nil {
		pv.Usage = usage
	}
	return pv
}

func (s *Server) listPorts(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	server, ok := s.loadServer(w, p)
	if !ok {
		return
	}
	ports, err := s.store.ListPorts(server.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]*portView, len(ports))
	for i, port := range ports {
		out[i] = s.view(port)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getPort(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	_, port, ok := s.loadPort(w, p)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.view(port))
}

type portEdit struct {
	ExternalNum *int              `json:"external_num"`
	Config      *types.PortConfig `json:"config"`
	IsActive    *bool             `json:"is_active"`
}

func (s *Server) updatePort(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	server, port, ok := s.loadPort(w, p)
	if !ok {
		return
	}

	var req portEdit
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	before := port.Config
	if req.ExternalNum != nil {
		port.ExternalNum = *req.ExternalNum
	}
	if req.Config != nil {
		port.Config = *req.Config
	}
	if req.IsActive != nil {
		port.IsActive = *req.IsActive
	}
	port.UpdatedAt = time.Now()

	if err := s.store.UpdatePort(port); err != nil {
		storeError(w, err)
		return
	}

	// Rate limit changes reach the host through a shaping job.
	var jobID string
	if port.Config.EgressLimit != before.EgressLimit || port.Config.IngressLimit != before.IngressLimit {
		job, err := s.queue.Enqueue(r.Context(), types.JobTrafficShape,
			types.ShapePayload{ServerID: server.ID, PortID: port.ID},
			queue.WithPriority(queue.PriorityReconcile))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		jobID = job.ID
	}

	writeJSON(w, http.StatusOK, portResult{Port: port, JobID: jobID})
}

func (s *Server) deletePort(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	server, port, ok := s.loadPort(w, p)
	if !ok {
		return
	}

	// Tear the host footprint down first; the payload keeps the port
	// number alive past the row delete.
	job, err := s.queue.Enqueue(r.Context(), types.JobPortClean,
		types.PortCleanPayload{ServerID: server.ID, PortID: port.ID, PortNum: port.Num},
		queue.WithPriority(queue.PriorityCleanup))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if _, err := s.queue.CancelByKey(r.Context(), port.ID); err != nil {
		s.logger.Warn().Err(err).Str("port_id", port.ID).Msg("Failed to cancel pending expiry")
	}

	if rule, err := s.store.GetRuleByPort(port.ID); err == nil {
		if err := s.store.DeleteRule(rule.ID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if err := s.store.DeletePortUsage(port.ID); err != nil && !storage.IsNotFound(err) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.DeletePort(port.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, jobResult{JobID: job.ID})
}

// Forward rules

type ruleRequest struct {
	Method types.Method    `json:"method"`
	Config json.RawMessage `json:"config"`
}

func (s *Server) putRule(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	server, port, ok := s.loadPort(w, p)
	if !ok {
		return
	}

	var req ruleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if server.Config.Disabled[req.Method] {
		writeError(w, http.StatusForbidden, fmt.Sprintf("%s is not allowed", req.Method))
		return
	}

	cfg, err := translator.Validate(req.Method, req.Config, port)
	if err != nil {
		if translator.IsValidation(err) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Upsert: a port carries at most one rule; replacing keeps the row
	// identity.
	rule, err := s.store.GetRuleByPort(port.ID)
	switch {
	case err == nil:
		rule.Method = req.Method
		rule.Config = cfg
		rule.Status = types.RuleStatusStarting
		rule.UpdatedAt = time.Now()
		if err := s.store.UpdateRule(rule); err != nil {
			storeError(w, err)
			return
		}
	case storage.IsNotFound(err):
		now := time.Now()
		rule = &types.ForwardRule{
			ID:        uuid.New().String(),
			PortID:    port.ID,
			Method:    req.Method,
			Config:    cfg,
			Status:    types.RuleStatusStarting,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.store.CreateRule(rule); err != nil {
			if storage.IsConflict(err) {
				writeError(w, http.StatusConflict, "Cannot create more than one rule on same port")
				return
			}
			storeError(w, err)
			return
		}
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// A rule with an expiry books its own teardown; replacing the rule
	// replaces the booking.
	if cfg.ExpireSecond > 0 {
		_, err := s.queue.Schedule(r.Context(), types.JobPortClean,
			types.PortCleanPayload{ServerID: server.ID, PortID: port.ID, PortNum: port.Num},
			time.Duration(cfg.ExpireSecond)*time.Second,
			queue.WithCancelKey(port.ID), queue.WithPriority(queue.PriorityCleanup))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	} else if _, err := s.queue.CancelByKey(r.Context(), port.ID); err != nil {
		s.logger.Warn().Err(err).Str("port_id", port.ID).Msg("Failed to cancel pending expiry")
	}

	job, err := s.queue.Enqueue(r.Context(), types.JobRuleReconcile,
		types.RulePayload{ServerID: server.ID, PortID: port.ID},
		queue.WithPriority(queue.PriorityReconcile))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ruleResult{Rule: rule, JobID: job.ID})
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	server, port, ok := s.loadPort(w, p)
	if !ok {
		return
	}

	rule, err := s.store.GetRuleByPort(port.ID)
	if storage.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "Rule not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.store.DeleteRule(rule.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if _, err := s.queue.CancelByKey(r.Context(), port.ID); err != nil {
		s.logger.Warn().Err(err).Str("port_id", port.ID).Msg("Failed to cancel pending expiry")
	}

	job, err := s.queue.Enqueue(r.Context(), types.JobPortClean,
		types.PortCleanPayload{ServerID: server.ID, PortID: port.ID, PortNum: port.Num},
		queue.WithPriority(queue.PriorityCleanup))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ruleResult{Rule: rule, JobID: job.ID})
}

// Usage reset

func (s *Server) resetUsage(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	server, port, ok := s.loadPort(w, p)
	if !ok {
		return
	}

	err := s.store.UpdatePortUsage(port.ID, func(u *types.PortUsage) error {
		u.Download = 0
		u.Upload = 0
		u.DownloadAccumulate = 0
		u.UploadAccumulate = 0
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	usage, err := s.store.GetPortUsage(port.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// The host's filter counters reset too, or the next collection
	// would immediately re-fill the row.
	job, err := s.queue.Enqueue(r.Context(), types.JobTrafficReset,
		types.ResetPayload{ServerID: server.ID, PortID: port.ID},
		queue.WithPriority(queue.PriorityReconcile))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, usageResult{Usage: usage, JobID: job.ID})
}

// Jobs

func (s *Server) getJob(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	job, err := s.queue.GetJob(r.Context(), p.ByName("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Files

func (s *Server) uploadFile(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("malformed upload: %v", err))
		return
	}
	blob, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "file is required")
		return
	}
	defer blob.Close()

	typ := types.FileType(r.FormValue("type"))
	switch typ {
	case "":
		typ = types.FileTypeOther
	case types.FileTypeSecret, types.FileTypeExecutable, types.FileTypeOther:
	default:
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("unknown file type %q", typ))
		return
	}

	meta, err := s.files.Save(header.Filename, typ, blob)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if version := r.FormValue("version"); version != "" {
		meta.Version = version
	}
	if err := s.store.CreateFile(meta); err != nil {
		storeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, meta)
}

func (s *Server) listFiles(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	metas, err := s.store.ListFiles()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, metas)
}
