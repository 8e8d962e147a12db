package server

import "encoding/json"

// request is the decoded wire envelope.
type request struct {
	Cmd     string          `json:"cmd"`
	Auth    string          `json:"auth"`
	Payload json.RawMessage `json:"payload"`
}

// response is the wire reply. Data carries the command result, or the
// error message when Error is set.
type response struct {
	Error string `json:"error"`
	Data  any    `json:"data"`
}

type authPayload struct {
	Credentials string `json:"credentials"`
	Encrypt     bool   `json:"encrypt"`
}

type useDBPayload struct {
	Dbname  string  `json:"dbname"`
	Section *string `json:"section"`
}

type createDBPayload struct {
	Dbname string `json:"dbname"`
	Force  bool   `json:"force"`
	Use    bool   `json:"use"`
}

type delDBPayload struct {
	Dbname string `json:"dbname"`
}

type sectionPayload struct {
	Section string `json:"section"`
}

type addPayload struct {
	Section          string         `json:"section"`
	Data             map[string]any `json:"data"`
	IgnoreMissingKey bool           `json:"ignore_missing_key"`
}

type addManyPayload struct {
	Section          string           `json:"section"`
	Data             []map[string]any `json:"data"`
	JSONResponse     bool             `json:"json_response"`
	IgnoreMissingKey bool             `json:"ignore_missing_key"`
}

type addNewKeyPayload struct {
	Section string `json:"section"`
	Key     string `json:"key"`
	Default any    `json:"default"`
}

type addSectionPayload struct {
	Section string `json:"section"`
	Use     bool   `json:"use"`
}

type idPayload struct {
	Section string `json:"section"`
	ID      string `json:"id"`
}

type queryPayload struct {
	Section string `json:"section"`
	Query   string `json:"query"`
}

type updateByIDPayload struct {
	Section string         `json:"section"`
	ID      string         `json:"id"`
	Data    map[string]any `json:"data"`
}

type updateByQueryPayload struct {
	Section string         `json:"section"`
	Query   string         `json:"query"`
	Data    map[string]any `json:"data"`
}

type idGeneratorPayload struct {
	Fn string `json:"fn"`
}
