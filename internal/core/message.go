package core

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/dkeye/conference/internal/domain"
)

type JSEP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type Candidate struct {
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	Completed     bool    `json:"completed,omitempty"`
}

// Message is one client request addressed to a handle.
type Message struct {
	Session     domain.SessionID
	Handle      domain.HandleID
	Transaction string
	Body        json.RawMessage
	JSEP        *JSEP
}

// Response is the terminal outcome of a request.
type Response struct {
	Status int
	Data   map[string]any
	Err    *domain.Error
	JSEP   *JSEP
}

func OK(data map[string]any) Response {
	return Response{Status: http.StatusOK, Data: data}
}

func Fail(err error) Response {
	e := domain.AsError(err)
	return Response{Status: e.Status, Err: e}
}

// Payload is the JSON body: {"status":"200", ...} or the error shape.
func (r Response) Payload() map[string]any {
	out := make(map[string]any, len(r.Data)+4)
	for k, v := range r.Data {
		out[k] = v
	}
	out["status"] = strconv.Itoa(r.Status)
	if r.Err != nil {
		out["type"] = string(r.Err.Kind)
		out["title"] = r.Err.Title
		if r.Err.Detail != "" {
			out["detail"] = r.Err.Detail
		}
	}
	return out
}

func (r Response) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Payload())
}
