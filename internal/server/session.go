package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/axonops/axonops-docstore/internal/audit"
	"github.com/axonops/axonops-docstore/internal/catalog"
	"github.com/axonops/axonops-docstore/internal/codec"
	"github.com/axonops/axonops-docstore/internal/dberr"
	"github.com/axonops/axonops-docstore/internal/engine"
	"github.com/axonops/axonops-docstore/internal/query"
	"github.com/axonops/axonops-docstore/internal/wire"
)

// session is the per-connection state machine. It starts
// unauthenticated with the obscure transform on both directions; a
// successful AUTH installs the principal and, when requested,
// switches the transform to password encryption keyed by the user's
// password.
type session struct {
	srv      *Server
	conn     net.Conn
	logger   *slog.Logger
	commands map[string]func(json.RawMessage) response

	principal *catalog.Principal
	encrypt   bool

	// pending holds a principal issued by AUTH until its reply has
	// been written: the reply carrying the session key still uses the
	// pre-auth transform, encryption starts with the next frame.
	pending        *catalog.Principal
	pendingEncrypt bool

	db      *engine.Engine
	dbname  string
	section string
}

func newSession(srv *Server, conn net.Conn) *session {
	s := &session{
		srv:  srv,
		conn: conn,
		logger: srv.logger.With(
			slog.String("remote", conn.RemoteAddr().String()),
		),
	}
	s.commands = map[string]func(json.RawMessage) response{
		"AUTH":               s.authenticate,
		"USE_DB":             s.useDB,
		"USE_SECTION":        s.useSection,
		"CREATE_DB":          s.createDB,
		"DEL_DB":             s.delDB,
		"ADD":                s.add,
		"ADD_MANY":           s.addMany,
		"ADD_NEW_KEY":        s.addNewKey,
		"ADD_SECTION":        s.addSection,
		"GET_ALL":            s.getAll,
		"GET_ALL_BY_SECTION": s.getAllBySection,
		"GET_BY_ID":          s.getByID,
		"GET_BY_QUERY":       s.getByQuery,
		"UPDATE_BY_ID":       s.updateByID,
		"UPDATE_BY_QUERY":    s.updateByQuery,
		"DELETE_BY_ID":       s.deleteByID,
		"DELETE_BY_QUERY":    s.deleteByQuery,
		"PURGE":              s.purge,
		"PURGE_ALL":          s.purgeAll,
		"SET_ID_GENERATOR":   s.setIDGenerator,
	}
	return s
}

// run serves frames until the peer disconnects or a frame cannot be
// decoded. Requests are strictly serialized; one reply per request.
func (s *session) run() {
	s.logger.Debug("session opened")
	for {
		frame, err := wire.ReadFrame(s.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("session read failed", slog.String("error", err.Error()))
			}
			break
		}
		s.srv.metrics.FramesRead.Inc()
		s.srv.metrics.BytesRead.Add(float64(len(frame)))

		plain, err := s.decode(frame)
		if err != nil {
			s.logger.Warn("undecodable frame, closing session", slog.String("error", err.Error()))
			break
		}
		var req request
		if err := json.Unmarshal(plain, &req); err != nil {
			s.logger.Warn("malformed request, closing session", slog.String("error", err.Error()))
			break
		}

		resp := s.handle(req)
		out, err := json.Marshal(resp)
		if err != nil {
			s.logger.Error("unserializable response", slog.String("cmd", req.Cmd), slog.String("error", err.Error()))
			break
		}
		enc, err := s.encode(out)
		if err != nil {
			s.logger.Error("response encode failed", slog.String("error", err.Error()))
			break
		}
		if err := wire.WriteFrame(s.conn, enc); err != nil {
			s.logger.Debug("session write failed", slog.String("error", err.Error()))
			break
		}
		s.srv.metrics.FramesWritten.Inc()
		s.srv.metrics.BytesWritten.Add(float64(len(enc)))

		if s.pending != nil {
			s.principal = s.pending
			s.encrypt = s.pendingEncrypt
			s.pending = nil
		}
	}
	s.logger.Debug("session closed")
}

// decode applies the inbound transform for the current state.
func (s *session) decode(frame []byte) ([]byte, error) {
	if s.principal != nil && s.encrypt {
		return codec.PasswordDecrypt(frame, s.principal.Password)
	}
	return codec.Unobscure(frame)
}

// encode applies the outbound transform for the current state.
func (s *session) encode(payload []byte) ([]byte, error) {
	if s.principal != nil && s.encrypt {
		return codec.PasswordEncrypt(payload, s.principal.Password)
	}
	return codec.Obscure(payload)
}

func (s *session) handle(req request) response {
	start := time.Now()
	handler, ok := s.commands[req.Cmd]
	if !ok {
		resp := errResponse(dberr.New(dberr.KindInternal, "unknown command %q", req.Cmd))
		s.srv.metrics.ObserveCommand(req.Cmd, resp.Error, start)
		return resp
	}
	if req.Cmd != "AUTH" {
		if s.principal == nil || req.Auth != s.principal.Key {
			resp := errResponse(dberr.New(dberr.KindInvalidUser, "Unable to authenticate user credentials"))
			s.srv.metrics.ObserveCommand(req.Cmd, resp.Error, start)
			return resp
		}
	}
	resp := handler(req.Payload)
	s.srv.metrics.ObserveCommand(req.Cmd, resp.Error, start)
	return resp
}

func okResponse(data any) response {
	return response{Error: string(dberr.KindNoError), Data: data}
}

func errResponse(err error) response {
	return response{Error: string(dberr.KindOf(err)), Data: err.Error()}
}

// requireDB guards operations on the session's selected database.
func (s *session) requireDB() error {
	if s.db == nil {
		return dberr.New(dberr.KindInvalidState, "no database selected, AUTH then USE_DB or CREATE_DB first")
	}
	return nil
}

// sectionName resolves the effective section: the payload's when
// given, otherwise the session's selected section.
func (s *session) sectionName(given string) (string, error) {
	if given != "" {
		return given, nil
	}
	if s.section != "" {
		return s.section, nil
	}
	return "", dberr.New(dberr.KindInvalidState, "no section given and none selected")
}

// commit flushes the selected engine after a successful mutation.
func (s *session) commit() error {
	if err := s.db.Commit(); err != nil {
		return err
	}
	s.srv.metrics.EngineCommits.Inc()
	return nil
}

func (s *session) authenticate(payload json.RawMessage) response {
	var p authPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errResponse(dberr.New(dberr.KindInvalidUser, "malformed AUTH payload"))
	}
	principal, err := s.srv.catalog.AuthUser([]byte(p.Credentials))
	if err != nil {
		s.srv.metrics.AuthAttempts.WithLabelValues("failure").Inc()
		s.srv.audit.Record(audit.Event{
			Type:   audit.EventAuthFailure,
			Remote: s.conn.RemoteAddr().String(),
			Detail: err.Error(),
		})
		return errResponse(err)
	}
	s.pending = principal
	s.pendingEncrypt = p.Encrypt
	s.srv.metrics.AuthAttempts.WithLabelValues("success").Inc()
	s.srv.audit.Record(audit.Event{
		Type:   audit.EventAuthSuccess,
		User:   principal.User,
		Remote: s.conn.RemoteAddr().String(),
	})
	s.logger.Info("user authenticated",
		slog.String("user", principal.User),
		slog.Bool("encrypt", p.Encrypt),
	)
	return okResponse(principal.Key)
}

func (s *session) useDB(payload json.RawMessage) response {
	var p useDBPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errResponse(dberr.New(dberr.KindDatabaseNotFound, "malformed USE_DB payload"))
	}
	if err := catalog.ValidateName(p.Dbname); err != nil {
		return errResponse(err)
	}
	if !s.principal.CanAccess(p.Dbname) {
		return errResponse(dberr.New(dberr.KindInvalidUser,
			"user %q does not have access to database %q", s.principal.User, p.Dbname))
	}
	eng, err := s.srv.engineFor(p.Dbname)
	if err != nil {
		return errResponse(err)
	}
	if err := eng.ForceLoad(); err != nil {
		return errResponse(err)
	}
	s.db = eng
	s.dbname = p.Dbname
	s.section = ""

	data := map[string]any{"dbname": p.Dbname}
	if p.Section != nil {
		sub := s.useSectionNamed(*p.Section)
		if sub.Error != string(dberr.KindNoError) {
			return sub
		}
		data["section"] = sub.Data
	}
	return okResponse(data)
}

func (s *session) useSection(payload json.RawMessage) response {
	var p sectionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errResponse(dberr.New(dberr.KindSectionNotFound, "malformed USE_SECTION payload"))
	}
	return s.useSectionNamed(p.Section)
}

func (s *session) useSectionNamed(section string) response {
	if err := s.requireDB(); err != nil {
		return errResponse(err)
	}
	ok, err := s.db.HasSection(section)
	if err != nil {
		return errResponse(err)
	}
	if !ok {
		return errResponse(dberr.New(dberr.KindSectionNotFound, "Section %s not found.", section))
	}
	s.section = section
	return okResponse(section)
}

func (s *session) createDB(payload json.RawMessage) response {
	var p createDBPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errResponse(dberr.New(dberr.KindDatabaseNotFound, "malformed CREATE_DB payload"))
	}
	eng, err := s.srv.createEngine(p.Dbname, s.principal.User, p.Force)
	if err != nil {
		return errResponse(err)
	}
	if !s.principal.CanAccess(p.Dbname) {
		s.principal.Access = append(s.principal.Access, p.Dbname)
	}
	s.srv.audit.Record(audit.Event{
		Type:     audit.EventDBCreate,
		User:     s.principal.User,
		Remote:   s.conn.RemoteAddr().String(),
		Database: p.Dbname,
	})
	s.logger.Info("database created",
		slog.String("database", p.Dbname),
		slog.String("user", s.principal.User),
	)
	if p.Use {
		if err := eng.ForceLoad(); err != nil {
			return errResponse(err)
		}
		s.db = eng
		s.dbname = p.Dbname
		s.section = ""
	}
	return okResponse("")
}

func (s *session) delDB(payload json.RawMessage) response {
	var p delDBPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errResponse(dberr.New(dberr.KindDatabaseNotFound, "malformed DEL_DB payload"))
	}
	if err := catalog.ValidateName(p.Dbname); err != nil {
		return errResponse(err)
	}
	if !s.principal.CanAccess(p.Dbname) {
		return errResponse(dberr.New(dberr.KindInvalidUser,
			"user %q does not have access to database %q", s.principal.User, p.Dbname))
	}
	if err := s.srv.dropEngine(p.Dbname); err != nil {
		return errResponse(err)
	}
	if s.dbname == p.Dbname {
		s.db = nil
		s.dbname = ""
		s.section = ""
	}
	access := s.principal.Access[:0]
	for _, name := range s.principal.Access {
		if name != p.Dbname {
			access = append(access, name)
		}
	}
	s.principal.Access = access
	s.srv.audit.Record(audit.Event{
		Type:     audit.EventDBDelete,
		User:     s.principal.User,
		Remote:   s.conn.RemoteAddr().String(),
		Database: p.Dbname,
	})
	s.logger.Info("database deleted",
		slog.String("database", p.Dbname),
		slog.String("user", s.principal.User),
	)
	return okResponse("")
}

func (s *session) add(payload json.RawMessage) response {
	if err := s.requireDB(); err != nil {
		return errResponse(err)
	}
	var p addPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errResponse(dberr.New(dberr.KindSchemaType, "malformed ADD payload"))
	}
	section, err := s.sectionName(p.Section)
	if err != nil {
		return errResponse(err)
	}
	id, err := s.db.Add(section, p.Data, p.IgnoreMissingKey)
	if err != nil {
		return errResponse(err)
	}
	if err := s.commit(); err != nil {
		return errResponse(err)
	}
	return okResponse(id)
}

func (s *session) addMany(payload json.RawMessage) response {
	if err := s.requireDB(); err != nil {
		return errResponse(err)
	}
	var p addManyPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errResponse(dberr.New(dberr.KindSchemaType, "malformed ADD_MANY payload"))
	}
	section, err := s.sectionName(p.Section)
	if err != nil {
		return errResponse(err)
	}
	result, err := s.db.AddMany(section, p.Data, p.JSONResponse, p.IgnoreMissingKey)
	if err != nil {
		return errResponse(err)
	}
	if err := s.commit(); err != nil {
		return errResponse(err)
	}
	return okResponse(result)
}

func (s *session) addNewKey(payload json.RawMessage) response {
	if err := s.requireDB(); err != nil {
		return errResponse(err)
	}
	var p addNewKeyPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errResponse(dberr.New(dberr.KindSchemaType, "malformed ADD_NEW_KEY payload"))
	}
	section, err := s.sectionName(p.Section)
	if err != nil {
		return errResponse(err)
	}
	if err := s.db.AddNewKey(section, p.Key, p.Default); err != nil {
		return errResponse(err)
	}
	if err := s.commit(); err != nil {
		return errResponse(err)
	}
	return okResponse("")
}

func (s *session) addSection(payload json.RawMessage) response {
	if err := s.requireDB(); err != nil {
		return errResponse(err)
	}
	var p addSectionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errResponse(dberr.New(dberr.KindSectionNotFound, "malformed ADD_SECTION payload"))
	}
	if err := s.db.AddSection(p.Section); err != nil {
		return errResponse(err)
	}
	if err := s.commit(); err != nil {
		return errResponse(err)
	}
	s.srv.audit.Record(audit.Event{
		Type:     audit.EventSectionCreate,
		User:     s.principal.User,
		Database: s.dbname,
		Section:  p.Section,
	})
	data := any("")
	if p.Use {
		sub := s.useSectionNamed(p.Section)
		if sub.Error != string(dberr.KindNoError) {
			return sub
		}
		data = sub.Data
	}
	return okResponse(data)
}

func (s *session) getAll(json.RawMessage) response {
	if err := s.requireDB(); err != nil {
		return errResponse(err)
	}
	all, err := s.db.GetAll()
	if err != nil {
		return errResponse(err)
	}
	return okResponse(all)
}

func (s *session) getAllBySection(payload json.RawMessage) response {
	if err := s.requireDB(); err != nil {
		return errResponse(err)
	}
	var p sectionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errResponse(dberr.New(dberr.KindSectionNotFound, "malformed GET_ALL_BY_SECTION payload"))
	}
	section, err := s.sectionName(p.Section)
	if err != nil {
		return errResponse(err)
	}
	records, err := s.db.GetAllBySection(section)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(records)
}

func (s *session) getByID(payload json.RawMessage) response {
	if err := s.requireDB(); err != nil {
		return errResponse(err)
	}
	var p idPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errResponse(dberr.New(dberr.KindIDDoesNotExist, "malformed GET_BY_ID payload"))
	}
	section, err := s.sectionName(p.Section)
	if err != nil {
		return errResponse(err)
	}
	record, err := s.db.GetByID(section, p.ID)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(record)
}

func (s *session) getByQuery(payload json.RawMessage) response {
	if err := s.requireDB(); err != nil {
		return errResponse(err)
	}
	var p queryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errResponse(dberr.New(dberr.KindMalformedQuery, "malformed GET_BY_QUERY payload"))
	}
	section, err := s.sectionName(p.Section)
	if err != nil {
		return errResponse(err)
	}
	pred, err := query.Compile(p.Query)
	if err != nil {
		return errResponse(err)
	}
	matched, err := s.db.GetByQuery(section, pred)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(matched)
}

func (s *session) updateByID(payload json.RawMessage) response {
	if err := s.requireDB(); err != nil {
		return errResponse(err)
	}
	var p updateByIDPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errResponse(dberr.New(dberr.KindIDDoesNotExist, "malformed UPDATE_BY_ID payload"))
	}
	section, err := s.sectionName(p.Section)
	if err != nil {
		return errResponse(err)
	}
	merged, err := s.db.UpdateByID(section, p.ID, p.Data)
	if err != nil {
		return errResponse(err)
	}
	if err := s.commit(); err != nil {
		return errResponse(err)
	}
	return okResponse(merged)
}

func (s *session) updateByQuery(payload json.RawMessage) response {
	if err := s.requireDB(); err != nil {
		return errResponse(err)
	}
	var p updateByQueryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errResponse(dberr.New(dberr.KindMalformedQuery, "malformed UPDATE_BY_QUERY payload"))
	}
	section, err := s.sectionName(p.Section)
	if err != nil {
		return errResponse(err)
	}
	pred, err := query.Compile(p.Query)
	if err != nil {
		return errResponse(err)
	}
	updated, err := s.db.UpdateByQuery(section, pred, p.Data)
	if err != nil {
		return errResponse(err)
	}
	if err := s.commit(); err != nil {
		return errResponse(err)
	}
	return okResponse(updated)
}

func (s *session) deleteByID(payload json.RawMessage) response {
	if err := s.requireDB(); err != nil {
		return errResponse(err)
	}
	var p idPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errResponse(dberr.New(dberr.KindIDDoesNotExist, "malformed DELETE_BY_ID payload"))
	}
	section, err := s.sectionName(p.Section)
	if err != nil {
		return errResponse(err)
	}
	if err := s.db.DeleteByID(section, p.ID); err != nil {
		return errResponse(err)
	}
	if err := s.commit(); err != nil {
		return errResponse(err)
	}
	return okResponse("")
}

func (s *session) deleteByQuery(payload json.RawMessage) response {
	if err := s.requireDB(); err != nil {
		return errResponse(err)
	}
	var p queryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errResponse(dberr.New(dberr.KindMalformedQuery, "malformed DELETE_BY_QUERY payload"))
	}
	section, err := s.sectionName(p.Section)
	if err != nil {
		return errResponse(err)
	}
	pred, err := query.Compile(p.Query)
	if err != nil {
		return errResponse(err)
	}
	deleted, err := s.db.DeleteByQuery(section, pred)
	if err != nil {
		return errResponse(err)
	}
	if err := s.commit(); err != nil {
		return errResponse(err)
	}
	return okResponse(deleted)
}

func (s *session) purge(payload json.RawMessage) response {
	if err := s.requireDB(); err != nil {
		return errResponse(err)
	}
	var p sectionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errResponse(dberr.New(dberr.KindSectionNotFound, "malformed PURGE payload"))
	}
	section, err := s.sectionName(p.Section)
	if err != nil {
		return errResponse(err)
	}
	if err := s.db.Purge(section); err != nil {
		return errResponse(err)
	}
	if err := s.commit(); err != nil {
		return errResponse(err)
	}
	s.srv.audit.Record(audit.Event{
		Type:     audit.EventPurge,
		User:     s.principal.User,
		Database: s.dbname,
		Section:  section,
	})
	return okResponse("")
}

func (s *session) purgeAll(json.RawMessage) response {
	if err := s.requireDB(); err != nil {
		return errResponse(err)
	}
	if err := s.db.PurgeAll(); err != nil {
		return errResponse(err)
	}
	if err := s.commit(); err != nil {
		return errResponse(err)
	}
	s.srv.audit.Record(audit.Event{
		Type:     audit.EventPurge,
		User:     s.principal.User,
		Database: s.dbname,
	})
	return okResponse("")
}

func (s *session) setIDGenerator(payload json.RawMessage) response {
	if err := s.requireDB(); err != nil {
		return errResponse(err)
	}
	var p idGeneratorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errResponse(dberr.New(dberr.KindMalformedIDGenerator, "malformed SET_ID_GENERATOR payload"))
	}
	if err := s.db.UseGenerator(p.Fn); err != nil {
		return errResponse(err)
	}
	return okResponse("")
}
