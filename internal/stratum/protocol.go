package stratum

import (
	"encoding/json"
	"fmt"

	"github.com/bardlex/scashpool/internal/jobs"
)

// Stratum methods.
const (
	MethodSubscribe           = "mining.subscribe"
	MethodAuthorize           = "mining.authorize"
	MethodSubmit              = "mining.submit"
	MethodExtranonceSubscribe = "mining.extranonce.subscribe"
	MethodNotify              = "mining.notify"
	MethodSetDifficulty       = "mining.set_difficulty"
	MethodSetExtranonce       = "mining.set_extranonce"
)

// Common Stratum error codes
const (
	ErrorOther          = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorParseError     = -32700
)

// Error is a Stratum error. On the wire it is [code, message, data].
type Error struct {
	Code    int
	Message string
	Data    any
}

func (e *Error) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

// MarshalJSON encodes the error as a three element array.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Code, e.Message, e.Data})
}

// UnmarshalJSON accepts the array form and the JSON-RPC object form.
func (e *Error) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err == nil {
		if len(arr) < 2 {
			return fmt.Errorf("error array has %d elements", len(arr))
		}
		if err := json.Unmarshal(arr[0], &e.Code); err != nil {
			return fmt.Errorf("error code: %w", err)
		}
		if err := json.Unmarshal(arr[1], &e.Message); err != nil {
			return fmt.Errorf("error message: %w", err)
		}
		if len(arr) > 2 {
			if err := json.Unmarshal(arr[2], &e.Data); err != nil {
				return fmt.Errorf("error data: %w", err)
			}
		}
		return nil
	}

	var obj struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    any    `json:"data"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("failed to parse error: %w", err)
	}
	e.Code, e.Message, e.Data = obj.Code, obj.Message, obj.Data
	return nil
}

// Response answers a request. Result and Error are always present.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result"`
	Error  *Error          `json:"error"`
}

// Notification is a server-initiated message. Its id is always null.
type Notification struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// NewResponse creates a successful response.
func NewResponse(id json.RawMessage, result any) *Response {
	return &Response{ID: id, Result: result}
}

// NewErrorResponse creates an error response with a null result.
func NewErrorResponse(id json.RawMessage, code int, message string) *Response {
	return &Response{ID: id, Error: &Error{Code: code, Message: message}}
}

// NewNotification creates a notification.
func NewNotification(method string, params []any) *Notification {
	if params == nil {
		params = []any{}
	}
	return &Notification{Method: method, Params: params}
}

// NotifyParams renders a job as mining.notify parameters.
func NotifyParams(job *jobs.Job) []any {
	return []any{
		job.ID,
		job.PrevHashHex(),
		job.Coinbase1Hex(),
		job.Coinbase2Hex(),
		job.MerkleBranchHex(),
		job.VersionHex(),
		job.BitsHex(),
		job.NTimeHex(),
		job.CleanJobs,
	}
}

// Request is a decoded client request.
type Request interface {
	RequestID() json.RawMessage
}

type envelope struct {
	ID json.RawMessage
}

func (e envelope) RequestID() json.RawMessage { return e.ID }

// SubscribeRequest is mining.subscribe.
type SubscribeRequest struct {
	envelope
	UserAgent string
	SessionID string
}

// AuthorizeRequest is mining.authorize.
type AuthorizeRequest struct {
	envelope
	Username string
	Password string
}

// SubmitRequest is mining.submit.
type SubmitRequest struct {
	envelope
	Username    string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
}

// ExtranonceSubscribeRequest is mining.extranonce.subscribe.
type ExtranonceSubscribeRequest struct {
	envelope
}

// UnknownRequest is any method the pool does not handle.
type UnknownRequest struct {
	envelope
	Method string
}

// ParseError reports a line that is not a JSON request.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return "parse error: " + e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

// ParamsError reports a known method with unusable parameters.
type ParamsError struct {
	ID     json.RawMessage
	Method string
	Err    error
}

func (e *ParamsError) Error() string { return fmt.Sprintf("%s: %v", e.Method, e.Err) }
func (e *ParamsError) Unwrap() error { return e.Err }

type rawRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params []any           `json:"params"`
}

type decoder func(env envelope, params []any) (Request, error)

var decoders = map[string]decoder{
	MethodSubscribe:           decodeSubscribe,
	MethodAuthorize:           decodeAuthorize,
	MethodSubmit:              decodeSubmit,
	MethodExtranonceSubscribe: decodeExtranonceSubscribe,
}

// DecodeRequest parses one line into a typed request. Unknown methods decode
// to *UnknownRequest.
func DecodeRequest(line []byte) (Request, error) {
	var raw rawRequest
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, &ParseError{Err: err}
	}
	if raw.Method == "" {
		return nil, &ParseError{Err: fmt.Errorf("missing method")}
	}

	env := envelope{ID: raw.ID}
	decode, ok := decoders[raw.Method]
	if !ok {
		return &UnknownRequest{envelope: env, Method: raw.Method}, nil
	}

	req, err := decode(env, raw.Params)
	if err != nil {
		return nil, &ParamsError{ID: raw.ID, Method: raw.Method, Err: err}
	}
	return req, nil
}

func decodeSubscribe(env envelope, params []any) (Request, error) {
	req := &SubscribeRequest{envelope: env}
	if len(params) > 0 {
		if userAgent, ok := params[0].(string); ok {
			req.UserAgent = userAgent
		}
	}
	if len(params) > 1 {
		if sessionID, ok := params[1].(string); ok {
			req.SessionID = sessionID
		}
	}
	return req, nil
}

func decodeAuthorize(env envelope, params []any) (Request, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	username, ok := params[0].(string)
	if !ok || username == "" {
		return nil, fmt.Errorf("username must be a non-empty string")
	}

	req := &AuthorizeRequest{envelope: env, Username: username}
	if len(params) > 1 && params[1] != nil {
		password, ok := params[1].(string)
		if !ok {
			return nil, fmt.Errorf("password must be string")
		}
		req.Password = password
	}
	return req, nil
}

func decodeSubmit(env envelope, params []any) (Request, error) {
	if len(params) < 5 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	fields := make([]string, 5)
	names := [...]string{"username", "job_id", "extranonce2", "ntime", "nonce"}
	for i := range fields {
		s, ok := params[i].(string)
		if !ok {
			return nil, fmt.Errorf("%s must be string", names[i])
		}
		fields[i] = s
	}

	return &SubmitRequest{
		envelope:    env,
		Username:    fields[0],
		JobID:       fields[1],
		ExtraNonce2: fields[2],
		NTime:       fields[3],
		Nonce:       fields[4],
	}, nil
}

func decodeExtranonceSubscribe(env envelope, _ []any) (Request, error) {
	return &ExtranonceSubscribeRequest{envelope: env}, nil
}
