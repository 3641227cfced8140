package rpc

import (
	"encoding/json"

	"github.com/roach88/persistd/internal/persistence"
)

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request is one inbound frame. ID is echoed back untouched; Args holds
// the command's named arguments as JSON regardless of the frame codec.
type Request struct {
	ID      any
	Command string
	Args    json.RawMessage
}

// Response answers one Request.
type Response struct {
	ID     any
	Status string
	Data   any
	Error  *persistence.Error
}

// wire returns the frame object: {id, status, data} or {id, status, error}.
func (r Response) wire() map[string]any {
	w := map[string]any{
		"id":     r.ID,
		"status": r.Status,
	}
	if r.Status == StatusError {
		w["error"] = r.Error.Wire()
	} else {
		w["data"] = r.Data
	}
	return w
}

func okResponse(id, data any) Response {
	return Response{ID: id, Status: StatusOK, Data: data}
}

func errorResponse(id any, err error) Response {
	return Response{ID: id, Status: StatusError, Error: persistence.FromError(err)}
}
