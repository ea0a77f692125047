package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/aurora-admin/aurora/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketServers     = []byte("servers")
	bucketPorts       = []byte("ports")
	bucketRules       = []byte("rules")
	bucketUsages      = []byte("usages")
	bucketUsers       = []byte("users")
	bucketServerUsers = []byte("server_users")
	bucketPortUsers   = []byte("port_users")
	bucketFiles       = []byte("files")
)

// BoltStore implements Store using an embedded BoltDB file
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "aurora.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketServers,
			bucketPorts,
			bucketRules,
			bucketUsages,
			bucketUsers,
			bucketServerUsers,
			bucketPortUsers,
			bucketFiles,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Server operations

func (s *BoltStore) CreateServer(server *types.Server) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServers)
		err := b.ForEach(func(k, v []byte) error {
			var existing types.Server
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.IsActive && existing.ID != server.ID &&
				existing.Host == server.Host && existing.Port == server.Port {
				return &ConflictError{
					Resource: "server",
					Detail:   fmt.Sprintf("%s:%d already registered", server.Host, server.Port),
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		data, err := json.Marshal(server)
		if err != nil {
			return err
		}
		return b.Put([]byte(server.ID), data)
	})
}

func (s *BoltStore) GetServer(id string) (*types.Server, error) {
	var server types.Server
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServers)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("server %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &server)
	})
	if err != nil {
		return nil, err
	}
	return &server, nil
}

func (s *BoltStore) ListServers() ([]*types.Server, error) {
	var servers []*types.Server
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServers)
		return b.ForEach(func(k, v []byte) error {
			var server types.Server
			if err := json.Unmarshal(v, &server); err != nil {
				return err
			}
			servers = append(servers, &server)
			return nil
		})
	})
	return servers, err
}

func (s *BoltStore) UpdateServer(server *types.Server) error {
	server.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServers)
		if b.Get([]byte(server.ID)) == nil {
			return fmt.Errorf("server %s: %w", server.ID, ErrNotFound)
		}
		data, err := json.Marshal(server)
		if err != nil {
			return err
		}
		return b.Put([]byte(server.ID), data)
	})
}

func (s *BoltStore) DeleteServer(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServers)
		return b.Delete([]byte(id))
	})
}

// Port operations

func (s *BoltStore) CreatePort(port *types.Port) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPorts)
		err := b.ForEach(func(k, v []byte) error {
			var existing types.Port
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.IsActive && existing.ID != port.ID &&
				existing.ServerID == port.ServerID && existing.Num == port.Num {
				return &ConflictError{
					Resource: "port",
					Detail:   fmt.Sprintf("port %d already exists on server %s", port.Num, port.ServerID),
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		data, err := json.Marshal(port)
		if err != nil {
			return err
		}
		return b.Put([]byte(port.ID), data)
	})
}

func (s *BoltStore) GetPort(id string) (*types.Port, error) {
	var port types.Port
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPorts)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("port %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &port)
	})
	if err != nil {
		return nil, err
	}
	return &port, nil
}

func (s *BoltStore) GetPortByNum(serverID string, num int) (*types.Port, error) {
	var found *types.Port
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPorts)
		return b.ForEach(func(k, v []byte) error {
			var port types.Port
			if err := json.Unmarshal(v, &port); err != nil {
				return err
			}
			if port.ServerID == serverID && port.Num == num {
				found = &port
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("port %d on server %s: %w", num, serverID, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListPorts(serverID string) ([]*types.Port, error) {
	var ports []*types.Port
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPorts)
		return b.ForEach(func(k, v []byte) error {
			var port types.Port
			if err := json.Unmarshal(v, &port); err != nil {
				return err
			}
			if port.ServerID == serverID {
				ports = append(ports, &port)
			}
			return nil
		})
	})
	return ports, err
}

func (s *BoltStore) ListActivePorts() ([]*types.Port, error) {
	var ports []*types.Port
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPorts)
		return b.ForEach(func(k, v []byte) error {
			var port types.Port
			if err := json.Unmarshal(v, &port); err != nil {
				return err
			}
			if port.IsActive {
				ports = append(ports, &port)
			}
			return nil
		})
	})
	return ports, err
}

func (s *BoltStore) UpdatePort(port *types.Port) error {
	port.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPorts)
		if b.Get([]byte(port.ID)) == nil {
			return fmt.Errorf("port %s: %w", port.ID, ErrNotFound)
		}
		data, err := json.Marshal(port)
		if err != nil {
			return err
		}
		return b.Put([]byte(port.ID), data)
	})
}

func (s *BoltStore) DeletePort(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPorts)
		return b.Delete([]byte(id))
	})
}

// Rule operations

func (s *BoltStore) CreateRule(rule *types.ForwardRule) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRules)
		err := b.ForEach(func(k, v []byte) error {
			var existing types.ForwardRule
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.PortID == rule.PortID && existing.ID != rule.ID {
				return &ConflictError{
					Resource: "rule",
					Detail:   fmt.Sprintf("port %s already has a rule", rule.PortID),
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		data, err := json.Marshal(rule)
		if err != nil {
			return err
		}
		return b.Put([]byte(rule.ID), data)
	})
}

func (s *BoltStore) GetRule(id string) (*types.ForwardRule, error) {
	var rule types.ForwardRule
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRules)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("rule %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &rule)
	})
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (s *BoltStore) GetRuleByPort(portID string) (*types.ForwardRule, error) {
	var found *types.ForwardRule
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRules)
		return b.ForEach(func(k, v []byte) error {
			var rule types.ForwardRule
			if err := json.Unmarshal(v, &rule); err != nil {
				return err
			}
			if rule.PortID == portID {
				found = &rule
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("rule for port %s: %w", portID, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListRules() ([]*types.ForwardRule, error) {
	var rules []*types.ForwardRule
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRules)
		return b.ForEach(func(k, v []byte) error {
			var rule types.ForwardRule
			if err := json.Unmarshal(v, &rule); err != nil {
				return err
			}
			rules = append(rules, &rule)
			return nil
		})
	})
	return rules, err
}

func (s *BoltStore) ListRulesByMethod(method types.Method) ([]*types.ForwardRule, error) {
	rules, err := s.ListRules()
	if err != nil {
		return nil, err
	}

	var filtered []*types.ForwardRule
	for _, rule := range rules {
		if rule.Method == method {
			filtered = append(filtered, rule)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateRule(rule *types.ForwardRule) error {
	rule.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRules)
		if b.Get([]byte(rule.ID)) == nil {
			return fmt.Errorf("rule %s: %w", rule.ID, ErrNotFound)
		}
		data, err := json.Marshal(rule)
		if err != nil {
			return err
		}
		return b.Put([]byte(rule.ID), data)
	})
}

// SetRuleStatus writes the new status unless it would regress a rule
// that already reached "running" back to "starting".
func (s *BoltStore) SetRuleStatus(id string, status types.RuleStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRules)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("rule %s: %w", id, ErrNotFound)
		}
		var rule types.ForwardRule
		if err := json.Unmarshal(data, &rule); err != nil {
			return err
		}
		if status == types.RuleStatusStarting && rule.Status == types.RuleStatusRunning {
			return nil
		}
		rule.Status = status
		rule.UpdatedAt = time.Now().UTC()
		updated, err := json.Marshal(&rule)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

func (s *BoltStore) DeleteRule(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRules)
		return b.Delete([]byte(id))
	})
}

// Usage operations

func (s *BoltStore) GetPortUsage(portID string) (*types.PortUsage, error) {
	var usage types.PortUsage
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsages)
		data := b.Get([]byte(portID))
		if data == nil {
			return fmt.Errorf("usage for port %s: %w", portID, ErrNotFound)
		}
		return json.Unmarshal(data, &usage)
	})
	if err != nil {
		return nil, err
	}
	return &usage, nil
}

// UpdatePortUsage reads the row (zero-initialized when missing), applies
// fn and writes the result inside one transaction, so the collector's
// pass and the reconciler's accumulate hook cannot interleave.
func (s *BoltStore) UpdatePortUsage(portID string, fn func(*types.PortUsage) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsages)
		usage := types.PortUsage{PortID: portID}
		if data := b.Get([]byte(portID)); data != nil {
			if err := json.Unmarshal(data, &usage); err != nil {
				return err
			}
		}
		if err := fn(&usage); err != nil {
			return err
		}
		usage.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(&usage)
		if err != nil {
			return err
		}
		return b.Put([]byte(portID), data)
	})
}

func (s *BoltStore) DeletePortUsage(portID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsages)
		return b.Delete([]byte(portID))
	})
}

// User operations

func (s *BoltStore) CreateUser(user *types.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		err := b.ForEach(func(k, v []byte) error {
			var existing types.User
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.Email == user.Email && existing.ID != user.ID {
				return &ConflictError{Resource: "user", Detail: user.Email}
			}
			return nil
		})
		if err != nil {
			return err
		}
		data, err := json.Marshal(user)
		if err != nil {
			return err
		}
		return b.Put([]byte(user.ID), data)
	})
}

func (s *BoltStore) GetUser(id string) (*types.User, error) {
	var user types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *BoltStore) GetUserByEmail(email string) (*types.User, error) {
	var found *types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		return b.ForEach(func(k, v []byte) error {
			var user types.User
			if err := json.Unmarshal(v, &user); err != nil {
				return err
			}
			if user.Email == email {
				found = &user
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("user %s: %w", email, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListUsers() ([]*types.User, error) {
	var users []*types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		return b.ForEach(func(k, v []byte) error {
			var user types.User
			if err := json.Unmarshal(v, &user); err != nil {
				return err
			}
			users = append(users, &user)
			return nil
		})
	})
	return users, err
}

func (s *BoltStore) UpdateUser(user *types.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		if b.Get([]byte(user.ID)) == nil {
			return fmt.Errorf("user %s: %w", user.ID, ErrNotFound)
		}
		data, err := json.Marshal(user)
		if err != nil {
			return err
		}
		return b.Put([]byte(user.ID), data)
	})
}

// Grant operations

func serverUserKey(serverID, userID string) []byte {
	return []byte(serverID + "/" + userID)
}

func (s *BoltStore) PutServerUser(su *types.ServerUser) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServerUsers)
		data, err := json.Marshal(su)
		if err != nil {
			return err
		}
		return b.Put(serverUserKey(su.ServerID, su.UserID), data)
	})
}

func (s *BoltStore) GetServerUser(serverID, userID string) (*types.ServerUser, error) {
	var su types.ServerUser
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServerUsers)
		data := b.Get(serverUserKey(serverID, userID))
		if data == nil {
			return fmt.Errorf("server user %s/%s: %w", serverID, userID, ErrNotFound)
		}
		return json.Unmarshal(data, &su)
	})
	if err != nil {
		return nil, err
	}
	return &su, nil
}

func (s *BoltStore) ListServerUsers(serverID string) ([]*types.ServerUser, error) {
	var grants []*types.ServerUser
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServerUsers)
		return b.ForEach(func(k, v []byte) error {
			var su types.ServerUser
			if err := json.Unmarshal(v, &su); err != nil {
				return err
			}
			if su.ServerID == serverID {
				grants = append(grants, &su)
			}
			return nil
		})
	})
	return grants, err
}

func (s *BoltStore) PutPortUser(pu *types.PortUser) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPortUsers)
		data, err := json.Marshal(pu)
		if err != nil {
			return err
		}
		return b.Put([]byte(pu.PortID+"/"+pu.UserID), data)
	})
}

func (s *BoltStore) ListPortUsers(portID string) ([]*types.PortUser, error) {
	var grants []*types.PortUser
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPortUsers)
		return b.ForEach(func(k, v []byte) error {
			var pu types.PortUser
			if err := json.Unmarshal(v, &pu); err != nil {
				return err
			}
			if pu.PortID == portID {
				grants = append(grants, &pu)
			}
			return nil
		})
	})
	return grants, err
}

// ListUserPorts returns the ports on a server a user is permitted to use
func (s *BoltStore) ListUserPorts(serverID, userID string) ([]*types.Port, error) {
	ports, err := s.ListPorts(serverID)
	if err != nil {
		return nil, err
	}

	var permitted []*types.Port
	for _, port := range ports {
		grants, err := s.ListPortUsers(port.ID)
		if err != nil {
			return nil, err
		}
		for _, grant := range grants {
			if grant.UserID == userID {
				permitted = append(permitted, port)
				break
			}
		}
	}
	return permitted, nil
}

// File operations

func (s *BoltStore) CreateFile(file *types.File) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		data, err := json.Marshal(file)
		if err != nil {
			return err
		}
		return b.Put([]byte(file.ID), data)
	})
}

func (s *BoltStore) GetFile(id string) (*types.File, error) {
	var file types.File
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("file %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &file)
	})
	if err != nil {
		return nil, err
	}
	return &file, nil
}

func (s *BoltStore) ListFiles() ([]*types.File, error) {
	var files []*types.File
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		return b.ForEach(func(k, v []byte) error {
			var file types.File
			if err := json.Unmarshal(v, &file); err != nil {
				return err
			}
			files = append(files, &file)
			return nil
		})
	})
	return files, err
}

func (s *BoltStore) DeleteFile(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		return b.Delete([]byte(id))
	})
}
