package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/axonops/axonops-docstore/internal/catalog"
	"github.com/axonops/axonops-docstore/internal/codec"
	"github.com/axonops/axonops-docstore/internal/dberr"
	"github.com/axonops/axonops-docstore/internal/wire"
)

// testClient speaks the framed protocol against a running server.
type testClient struct {
	t        *testing.T
	conn     net.Conn
	key      string
	password string
	encrypt  bool
}

func startServer(t *testing.T) (*Server, *catalog.Catalog) {
	t.Helper()
	dir := t.TempDir()
	oldwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(oldwd) })

	token1, err := catalog.PasswordToken("u1", "pw")
	require.NoError(t, err)
	token2, err := catalog.PasswordToken("u2", "pw2")
	require.NoError(t, err)
	cfg := map[string]any{
		"host": "127.0.0.1",
		"port": 0,
		"path": ".",
		"databases": []any{},
		"users": []any{
			map[string]any{"user": "u1", "passwd": token1, "access": []string{}},
			map[string]any{"user": "u2", "passwd": token2, "access": []string{}},
		},
	}
	data, err := json.MarshalIndent(cfg, "", "    ")
	require.NoError(t, err)
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cat, err := catalog.Load(path)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	srv := New(cat, logger, nil, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv, cat
}

func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(cmd string, payload any) response {
	c.t.Helper()
	body, err := json.Marshal(map[string]any{
		"cmd":     cmd,
		"auth":    c.key,
		"payload": payload,
	})
	require.NoError(c.t, err)

	var frame []byte
	if c.encrypt {
		frame, err = codec.PasswordEncrypt(body, c.password)
	} else {
		frame, err = codec.Obscure(body)
	}
	require.NoError(c.t, err)
	require.NoError(c.t, wire.WriteFrame(c.conn, frame))

	reply, err := wire.ReadFrame(c.conn)
	require.NoError(c.t, err)
	var plain []byte
	if c.encrypt {
		plain, err = codec.PasswordDecrypt(reply, c.password)
	} else {
		plain, err = codec.Unobscure(reply)
	}
	require.NoError(c.t, err)

	var resp response
	require.NoError(c.t, json.Unmarshal(plain, &resp))
	return resp
}

// auth runs AUTH and remembers the session key. The reply arrives
// under the pre-auth transform even when encryption is requested.
func (c *testClient) auth(user, password string, encrypt bool) response {
	c.t.Helper()
	blob, err := catalog.EncodeCredentials(user, password)
	require.NoError(c.t, err)
	resp := c.send("AUTH", map[string]any{"credentials": string(blob), "encrypt": encrypt})
	if resp.Error == string(dberr.KindNoError) {
		c.key = resp.Data.(string)
		c.password = password
		c.encrypt = encrypt
	}
	return resp
}

func TestSessionEndToEnd(t *testing.T) {
	srv, _ := startServer(t)
	c := dial(t, srv)

	resp := c.auth("u1", "pw", false)
	require.Equal(t, "NoError", resp.Error)
	require.NotEmpty(t, c.key)

	resp = c.send("CREATE_DB", map[string]any{"dbname": "d1", "force": true, "use": true})
	require.Equal(t, "NoError", resp.Error)
	require.Equal(t, "", resp.Data)
	raw, err := os.ReadFile("d1.json")
	require.NoError(t, err)
	var onDisk map[string]any
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	require.Equal(t, float64(2), onDisk["version"])
	require.Equal(t, map[string]any{}, onDisk["keys"])

	resp = c.send("ADD_SECTION", map[string]any{"section": "people", "use": true})
	require.Equal(t, "NoError", resp.Error)
	require.Equal(t, "people", resp.Data)

	resp = c.send("ADD", map[string]any{
		"section": "people",
		"data":    map[string]any{"name": "A", "age": 30},
		"ignore_missing_key": false,
	})
	require.Equal(t, "NoError", resp.Error)
	id1 := resp.Data.(string)
	require.NotEmpty(t, id1)

	raw, err = os.ReadFile("d1.json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	keys := onDisk["keys"].(map[string]any)
	require.Equal(t, []any{"age", "name"}, keys["people"])

	// Wrong field set leaves the database unchanged.
	resp = c.send("ADD", map[string]any{
		"section": "people",
		"data":    map[string]any{"name": "B"},
		"ignore_missing_key": false,
	})
	require.Equal(t, "UnknownKeyError", resp.Error)
	resp = c.send("GET_ALL_BY_SECTION", map[string]any{"section": "people"})
	require.Equal(t, "NoError", resp.Error)
	require.Len(t, resp.Data.(map[string]any), 1)

	resp = c.send("ADD_MANY", map[string]any{
		"section": "people",
		"data": []any{
			map[string]any{"name": "C", "age": 10},
			map[string]any{"name": "D", "age": 40},
		},
		"json_response":      true,
		"ignore_missing_key": false,
	})
	require.Equal(t, "NoError", resp.Error)
	ids := resp.Data.([]any)
	require.Len(t, ids, 2)
	id2, id3 := ids[0].(string), ids[1].(string)

	resp = c.send("GET_BY_QUERY", map[string]any{"section": "people", "query": "age > 20"})
	require.Equal(t, "NoError", resp.Error)
	matched := resp.Data.(map[string]any)
	require.Len(t, matched, 2)
	require.Contains(t, matched, id1)
	require.Contains(t, matched, id3)

	resp = c.send("DELETE_BY_QUERY", map[string]any{"section": "people", "query": "age < 20"})
	require.Equal(t, "NoError", resp.Error)
	require.Equal(t, []any{id2}, resp.Data)

	resp = c.send("GET_ALL_BY_SECTION", map[string]any{"section": "people"})
	require.Equal(t, "NoError", resp.Error)
	require.Len(t, resp.Data.(map[string]any), 2)
}

func TestAuthFailureKeepsSessionUnauthenticated(t *testing.T) {
	srv, _ := startServer(t)
	c := dial(t, srv)

	resp := c.auth("u1", "wrong", false)
	require.Equal(t, "InvalidUserError", resp.Error)

	// Commands without a session key are rejected.
	resp = c.send("GET_ALL", map[string]any{})
	require.Equal(t, "InvalidUserError", resp.Error)

	// The same connection can still authenticate.
	resp = c.auth("u1", "pw", false)
	require.Equal(t, "NoError", resp.Error)
}

func TestEncryptedSession(t *testing.T) {
	srv, _ := startServer(t)
	c := dial(t, srv)

	resp := c.auth("u1", "pw", true)
	require.Equal(t, "NoError", resp.Error)

	// Everything after AUTH is password-encrypted both ways.
	resp = c.send("CREATE_DB", map[string]any{"dbname": "enc", "force": true, "use": true})
	require.Equal(t, "NoError", resp.Error)
	resp = c.send("ADD_SECTION", map[string]any{"section": "s", "use": true})
	require.Equal(t, "NoError", resp.Error)
	resp = c.send("ADD", map[string]any{
		"section": "s",
		"data":    map[string]any{"k": "v"},
		"ignore_missing_key": false,
	})
	require.Equal(t, "NoError", resp.Error)
}

func TestAccessControl(t *testing.T) {
	srv, _ := startServer(t)

	c1 := dial(t, srv)
	require.Equal(t, "NoError", c1.auth("u1", "pw", false).Error)
	require.Equal(t, "NoError", c1.send("CREATE_DB", map[string]any{"dbname": "mine", "force": true, "use": false}).Error)

	// u2 has not been granted access.
	c2 := dial(t, srv)
	require.Equal(t, "NoError", c2.auth("u2", "pw2", false).Error)
	resp := c2.send("USE_DB", map[string]any{"dbname": "mine", "section": nil})
	require.Equal(t, "InvalidUserError", resp.Error)
	resp = c2.send("DEL_DB", map[string]any{"dbname": "mine"})
	require.Equal(t, "InvalidUserError", resp.Error)

	// The creator can select and delete it.
	resp = c1.send("USE_DB", map[string]any{"dbname": "mine", "section": nil})
	require.Equal(t, "NoError", resp.Error)
	require.Equal(t, "mine", resp.Data.(map[string]any)["dbname"])
	resp = c1.send("DEL_DB", map[string]any{"dbname": "mine"})
	require.Equal(t, "NoError", resp.Error)
	_, err := os.Stat("mine.json")
	require.True(t, os.IsNotExist(err))

	// Selection was cleared with the database.
	resp = c1.send("GET_ALL", map[string]any{})
	require.Equal(t, "InvalidStateError", resp.Error)
}

func TestOperationsRequireSelectedDatabase(t *testing.T) {
	srv, _ := startServer(t)
	c := dial(t, srv)
	require.Equal(t, "NoError", c.auth("u1", "pw", false).Error)

	for _, cmd := range []string{"GET_ALL", "PURGE_ALL"} {
		resp := c.send(cmd, map[string]any{})
		require.Equal(t, "InvalidStateError", resp.Error, cmd)
	}
	resp := c.send("ADD", map[string]any{
		"section": "s",
		"data":    map[string]any{"k": 1},
		"ignore_missing_key": false,
	})
	require.Equal(t, "InvalidStateError", resp.Error)
}

func TestSectionSoftPointerFallback(t *testing.T) {
	srv, _ := startServer(t)
	c := dial(t, srv)
	require.Equal(t, "NoError", c.auth("u1", "pw", false).Error)
	require.Equal(t, "NoError", c.send("CREATE_DB", map[string]any{"dbname": "d", "force": true, "use": true}).Error)
	require.Equal(t, "NoError", c.send("ADD_SECTION", map[string]any{"section": "s", "use": true}).Error)

	// Empty payload section falls back to the selected one.
	resp := c.send("ADD", map[string]any{
		"section": "",
		"data":    map[string]any{"k": 1},
		"ignore_missing_key": false,
	})
	require.Equal(t, "NoError", resp.Error)
	resp = c.send("GET_ALL_BY_SECTION", map[string]any{"section": ""})
	require.Equal(t, "NoError", resp.Error)
	require.Len(t, resp.Data.(map[string]any), 1)

	resp = c.send("USE_SECTION", map[string]any{"section": "missing"})
	require.Equal(t, "SectionNotFoundError", resp.Error)
}

func TestCreateDBWithoutForce(t *testing.T) {
	srv, _ := startServer(t)
	c := dial(t, srv)
	require.Equal(t, "NoError", c.auth("u1", "pw", false).Error)

	require.Equal(t, "NoError", c.send("CREATE_DB", map[string]any{"dbname": "d", "force": false, "use": false}).Error)
	resp := c.send("CREATE_DB", map[string]any{"dbname": "d", "force": false, "use": false})
	require.Equal(t, "DatabaseAlreadyExistsError", resp.Error)

	// Traversal attempts never touch the filesystem.
	resp = c.send("CREATE_DB", map[string]any{"dbname": "../evil", "force": true, "use": false})
	require.Equal(t, "DatabaseNotFoundError", resp.Error)
}

func TestSetIDGenerator(t *testing.T) {
	srv, _ := startServer(t)
	c := dial(t, srv)
	require.Equal(t, "NoError", c.auth("u1", "pw", false).Error)
	require.Equal(t, "NoError", c.send("CREATE_DB", map[string]any{"dbname": "d", "force": true, "use": true}).Error)
	require.Equal(t, "NoError", c.send("ADD_SECTION", map[string]any{"section": "s", "use": true}).Error)

	resp := c.send("SET_ID_GENERATOR", map[string]any{"fn": "counter"})
	require.Equal(t, "NoError", resp.Error)
	resp = c.send("ADD", map[string]any{
		"section": "s",
		"data":    map[string]any{"k": 1},
		"ignore_missing_key": false,
	})
	require.Equal(t, "NoError", resp.Error)
	require.Equal(t, "1", resp.Data)

	resp = c.send("SET_ID_GENERATOR", map[string]any{"fn": "eval"})
	require.Equal(t, "MalformedIdGeneratorError", resp.Error)
}

func TestUpdateByIDMergesShallowly(t *testing.T) {
	srv, _ := startServer(t)
	c := dial(t, srv)
	require.Equal(t, "NoError", c.auth("u1", "pw", false).Error)
	require.Equal(t, "NoError", c.send("CREATE_DB", map[string]any{"dbname": "d", "force": true, "use": true}).Error)
	require.Equal(t, "NoError", c.send("ADD_SECTION", map[string]any{"section": "s", "use": true}).Error)

	resp := c.send("ADD", map[string]any{
		"section": "s",
		"data":    map[string]any{"name": "A", "age": 30},
		"ignore_missing_key": false,
	})
	require.Equal(t, "NoError", resp.Error)
	id := resp.Data.(string)

	resp = c.send("UPDATE_BY_ID", map[string]any{
		"section": "s",
		"id":      id,
		"data":    map[string]any{"age": 31},
	})
	require.Equal(t, "NoError", resp.Error)
	merged := resp.Data.(map[string]any)
	require.Equal(t, float64(31), merged["age"])
	require.Equal(t, "A", merged["name"])

	resp = c.send("UPDATE_BY_ID", map[string]any{
		"section": "s",
		"id":      id,
		"data":    map[string]any{"height": 180},
	})
	require.Equal(t, "UnknownKeyError", resp.Error)
}

func TestSharedEngineAcrossSessions(t *testing.T) {
	srv, _ := startServer(t)

	c1 := dial(t, srv)
	require.Equal(t, "NoError", c1.auth("u1", "pw", false).Error)
	require.Equal(t, "NoError", c1.send("CREATE_DB", map[string]any{"dbname": "shared", "force": true, "use": true}).Error)
	require.Equal(t, "NoError", c1.send("ADD_SECTION", map[string]any{"section": "s", "use": true}).Error)
	require.Equal(t, "NoError", c1.send("ADD", map[string]any{
		"section": "s",
		"data":    map[string]any{"k": 1},
		"ignore_missing_key": false,
	}).Error)

	// A second session of the same user sees the committed write.
	c2 := dial(t, srv)
	require.Equal(t, "NoError", c2.auth("u1", "pw", false).Error)
	resp := c2.send("USE_DB", map[string]any{"dbname": "shared", "section": "s"})
	require.Equal(t, "NoError", resp.Error)
	require.Equal(t, "s", resp.Data.(map[string]any)["section"])
	resp = c2.send("GET_ALL_BY_SECTION", map[string]any{"section": "s"})
	require.Equal(t, "NoError", resp.Error)
	require.Len(t, resp.Data.(map[string]any), 1)
}
