package storage

import (
	"errors"
	"fmt"

	"github.com/aurora-admin/aurora/pkg/types"
)

// ErrNotFound is wrapped by every lookup miss
var ErrNotFound = errors.New("not found")

// ConflictError reports a uniqueness violation (duplicate host port,
// duplicate port num, second rule on a port)
type ConflictError struct {
	Resource string
	Detail   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict: %s", e.Resource, e.Detail)
}

// IsConflict reports whether err is a uniqueness violation
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsNotFound reports whether err is a lookup miss
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Store defines the persistence interface for the control plane.
// Implemented by BoltStore (embedded) and PostgresStore.
type Store interface {
	// Servers
	CreateServer(server *types.Server) error
	GetServer(id string) (*types.Server, error)
	ListServers() ([]*types.Server, error)
	UpdateServer(server *types.Server) error
	DeleteServer(id string) error

	// Ports
	CreatePort(port *types.Port) error
	GetPort(id string) (*types.Port, error)
	GetPortByNum(serverID string, num int) (*types.Port, error)
	ListPorts(serverID string) ([]*types.Port, error)
	ListActivePorts() ([]*types.Port, error)
	UpdatePort(port *types.Port) error
	DeletePort(id string) error

	// Forward rules
	CreateRule(rule *types.ForwardRule) error
	GetRule(id string) (*types.ForwardRule, error)
	GetRuleByPort(portID string) (*types.ForwardRule, error)
	ListRules() ([]*types.ForwardRule, error)
	ListRulesByMethod(method types.Method) ([]*types.ForwardRule, error)
	UpdateRule(rule *types.ForwardRule) error
	// SetRuleStatus applies the lifecycle guard: a late "starting"
	// never overwrites "running".
	SetRuleStatus(id string, status types.RuleStatus) error
	DeleteRule(id string) error

	// Port usage
	GetPortUsage(portID string) (*types.PortUsage, error)
	// UpdatePortUsage runs fn against the current row (zero-initialized
	// when absent) and persists the result in one transaction.
	UpdatePortUsage(portID string, fn func(*types.PortUsage) error) error
	DeletePortUsage(portID string) error

	// Users and grants
	CreateUser(user *types.User) error
	GetUser(id string) (*types.User, error)
	GetUserByEmail(email string) (*types.User, error)
	ListUsers() ([]*types.User, error)
	UpdateUser(user *types.User) error

	PutServerUser(su *types.ServerUser) error
	GetServerUser(serverID, userID string) (*types.ServerUser, error)
	ListServerUsers(serverID string) ([]*types.ServerUser, error)

	PutPortUser(pu *types.PortUser) error
	ListPortUsers(portID string) ([]*types.PortUser, error)
	ListUserPorts(serverID, userID string) ([]*types.Port, error)

	// Files
	CreateFile(file *types.File) error
	GetFile(id string) (*types.File, error)
	ListFiles() ([]*types.File, error)
	DeleteFile(id string) error

	// Utility
	Close() error
}
