// Package catalog manages the process-wide catalog file: the listen
// endpoint, the database directory, the database registry, and the
// user credential / access-control records. The catalog file is JSON
// because clients and the admin CLI share its format.
package catalog

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/axonops/axonops-docstore/internal/codec"
	"github.com/axonops/axonops-docstore/internal/dberr"
)

// catalogSchema validates the structural shape of the catalog file on
// load; semantic checks (duplicate names, dangling access entries)
// stay in code.
const catalogSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["host", "port", "path", "databases", "users"],
	"properties": {
		"host": {"type": "string"},
		"port": {"type": "integer", "minimum": 0, "maximum": 65535},
		"path": {"type": "string"},
		"databases": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "filename"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"filename": {"type": "string", "minLength": 1}
				}
			}
		},
		"users": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["user", "passwd", "access"],
				"properties": {
					"user": {"type": "string", "minLength": 1},
					"passwd": {"type": "string"},
					"access": {"type": "array", "items": {"type": "string"}}
				}
			}
		}
	}
}`

// DatabaseRef is one catalog entry.
type DatabaseRef struct {
	Name     string `json:"name"`
	Filename string `json:"filename"`
}

// User is one credential record. Passwd holds the obscured form of
// user+password+user, never the password itself.
type User struct {
	User   string   `json:"user"`
	Passwd string   `json:"passwd"`
	Access []string `json:"access"`
}

type fileForm struct {
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Path      string        `json:"path"`
	Databases []DatabaseRef `json:"databases"`
	Users     []User        `json:"users"`
}

// Principal is the session identity issued by AuthUser.
type Principal struct {
	User     string
	Access   []string
	Password string
	Key      string
}

// CanAccess reports whether the principal's ACL covers a database.
func (p *Principal) CanAccess(dbname string) bool {
	for _, name := range p.Access {
		if name == dbname {
			return true
		}
	}
	return false
}

// Catalog is the loaded catalog file plus its persistence lock.
type Catalog struct {
	mu   sync.Mutex
	path string
	pwd  string
	cfg  fileForm

	// selfWrites counts saves not yet observed by the watcher, so hot
	// reload skips changes this process made itself.
	selfWrites int
}

var compiledSchema = jsonschema.MustCompileString("catalog.json", catalogSchema)

// Load reads and validates the catalog file. A missing file is a
// MissingConfigError.
func Load(path string) (*Catalog, error) {
	pwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	c := &Catalog{path: path, pwd: pwd}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return dberr.New(dberr.KindMissingConfig, "the config file %s does not exist", c.path)
		}
		return fmt.Errorf("read config: %w", err)
	}

	var shape any
	if err := json.Unmarshal(data, &shape); err != nil {
		return dberr.New(dberr.KindMissingConfig, "config file %s is not valid JSON: %v", c.path, err)
	}
	if err := compiledSchema.Validate(shape); err != nil {
		return dberr.New(dberr.KindMissingConfig, "config file %s is invalid: %v", c.path, err)
	}

	var cfg fileForm
	if err := json.Unmarshal(data, &cfg); err != nil {
		return dberr.New(dberr.KindMissingConfig, "config file %s is invalid: %v", c.path, err)
	}
	c.cfg = cfg
	return nil
}

// save persists the catalog with replace-on-write.
func (c *Catalog) save() error {
	data, err := json.MarshalIndent(c.cfg, "", "    ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(c.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace config: %w", err)
	}
	c.selfWrites++
	return nil
}

// Addr returns the listen endpoint.
func (c *Catalog) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}

// Dir returns the directory holding database files.
func (c *Catalog) Dir() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return filepath.Join(c.pwd, c.cfg.Path)
}

// DatabasePath resolves a database filename inside the data
// directory.
func (c *Catalog) DatabasePath(filename string) string {
	return filepath.Join(c.Dir(), filename)
}

// Databases returns a copy of the registry.
func (c *Catalog) Databases() []DatabaseRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]DatabaseRef(nil), c.cfg.Databases...)
}

// Exists reports whether a database is registered.
func (c *Catalog) Exists(dbname string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.indexOf(dbname) >= 0
}

func (c *Catalog) indexOf(dbname string) int {
	for i, db := range c.cfg.Databases {
		if db.Name == dbname {
			return i
		}
	}
	return -1
}

// AddDatabase registers a database, grants the creating user access,
// and persists the catalog.
func (c *Catalog) AddDatabase(dbname, user string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.indexOf(dbname) >= 0 {
		return dberr.New(dberr.KindDatabaseAlreadyExists, "database %s already exists", dbname)
	}
	c.cfg.Databases = append(c.cfg.Databases, DatabaseRef{Name: dbname, Filename: dbname + ".json"})
	for i := range c.cfg.Users {
		if c.cfg.Users[i].User == user {
			c.cfg.Users[i].Access = append(c.cfg.Users[i].Access, dbname)
		}
	}
	return c.save()
}

// DeleteDatabase removes a database from the registry, deletes its
// file, strips it from every user's access list, and persists.
func (c *Catalog) DeleteDatabase(dbname string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexOf(dbname)
	if i < 0 {
		return dberr.New(dberr.KindDatabaseNotFound, "database : %s not found.", dbname)
	}
	filename := c.cfg.Databases[i].Filename
	c.cfg.Databases = append(c.cfg.Databases[:i], c.cfg.Databases[i+1:]...)
	for u := range c.cfg.Users {
		access := c.cfg.Users[u].Access[:0]
		for _, name := range c.cfg.Users[u].Access {
			if name != dbname {
				access = append(access, name)
			}
		}
		c.cfg.Users[u].Access = access
	}
	path := filepath.Join(c.pwd, c.cfg.Path, filename)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return c.save()
}

// Users returns a copy of the credential records.
func (c *Catalog) Users() []User {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]User, len(c.cfg.Users))
	for i, u := range c.cfg.Users {
		out[i] = User{User: u.User, Passwd: u.Passwd, Access: append([]string(nil), u.Access...)}
	}
	return out
}

// AddUser appends a credential record, storing the obscured token for
// the password. Used by the admin CLI.
func (c *Catalog) AddUser(user, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range c.cfg.Users {
		if u.User == user {
			return dberr.New(dberr.KindInvalidUser, "user %q already exists", user)
		}
	}
	token, err := PasswordToken(user, password)
	if err != nil {
		return err
	}
	c.cfg.Users = append(c.cfg.Users, User{User: user, Passwd: token, Access: []string{}})
	return c.save()
}

// DeleteUser removes a credential record.
func (c *Catalog) DeleteUser(user string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, u := range c.cfg.Users {
		if u.User == user {
			c.cfg.Users = append(c.cfg.Users[:i], c.cfg.Users[i+1:]...)
			return c.save()
		}
	}
	return dberr.New(dberr.KindInvalidUser, "user %q does not exist", user)
}

// PasswordToken computes the stored form of a password: the obscured
// user+password+user string.
func PasswordToken(user, password string) (string, error) {
	token, err := codec.Obscure([]byte(user + password + user))
	if err != nil {
		return "", err
	}
	return string(token), nil
}

// AuthUser authenticates the pre-auth credential blob. The first byte
// is a protocol tag and is skipped; the rest unobscures to a JSON
// object {"u": ..., "p": ...}. On success it returns a principal
// carrying the user's access list, the plaintext password for session
// encryption, and a fresh opaque session key.
func (c *Catalog) AuthUser(data []byte) (*Principal, error) {
	if len(data) < 2 {
		return nil, dberr.New(dberr.KindInvalidUser, "credential blob is too short")
	}
	blob, err := codec.Unobscure(data[1:])
	if err != nil {
		return nil, dberr.New(dberr.KindInvalidUser, "unable to decode user credentials")
	}
	var creds struct {
		U string `json:"u"`
		P string `json:"p"`
	}
	if err := json.Unmarshal(blob, &creds); err != nil {
		return nil, dberr.New(dberr.KindInvalidUser, "unable to decode user credentials")
	}

	token, err := PasswordToken(creds.U, creds.P)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range c.cfg.Users {
		if u.User == creds.U && u.Passwd == token {
			key, err := codec.Obscure([]byte(uuid.NewString() + creds.U))
			if err != nil {
				return nil, err
			}
			return &Principal{
				User:     u.User,
				Access:   append([]string(nil), u.Access...),
				Password: creds.P,
				Key:      string(key),
			}, nil
		}
	}
	return nil, dberr.New(dberr.KindInvalidUser,
		"User '%s' does not exist or has an invalid password", creds.U)
}

// EncodeCredentials builds the pre-auth blob for a user/password
// pair: one tag byte followed by the obscured credentials JSON.
// The server ignores the tag's value.
func EncodeCredentials(user, password string) ([]byte, error) {
	blob, err := json.Marshal(map[string]string{"u": user, "p": password})
	if err != nil {
		return nil, err
	}
	obscured, err := codec.Obscure(blob)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(obscured)+1)
	out = append(out, '0')
	return append(out, obscured...), nil
}

// GrantAccess adds a database to a user's access list. Used by the
// admin CLI.
func (c *Catalog) GrantAccess(user, dbname string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.cfg.Users {
		if c.cfg.Users[i].User != user {
			continue
		}
		for _, name := range c.cfg.Users[i].Access {
			if name == dbname {
				return nil
			}
		}
		c.cfg.Users[i].Access = append(c.cfg.Users[i].Access, dbname)
		return c.save()
	}
	return dberr.New(dberr.KindInvalidUser, "user %q does not exist", user)
}

// Path returns the catalog file path.
func (c *Catalog) Path() string {
	return c.path
}

// Host and port accessors for startup logging.
func (c *Catalog) Host() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Host
}

func (c *Catalog) Port() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Port
}

// ValidateName guards against path traversal in database names
// arriving over the wire.
func ValidateName(dbname string) error {
	if dbname == "" || strings.ContainsAny(dbname, `/\`) || dbname == "." || dbname == ".." {
		return dberr.New(dberr.KindDatabaseNotFound, "invalid database name %q", dbname)
	}
	return nil
}
