package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const unknownAction = "Unknown action"

var unknownBody = []byte(`{"error":"Unknown action"}`)

type envelope struct {
	Action string `json:"action"`
}

type failure struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Dispatch serves one envelope {"action": verb, ...fields} through c and
// always returns a JSON body. Unknown verbs answer {"error":"Unknown action"};
// handler failures answer {"success":false,"error":msg}.
func Dispatch(ctx context.Context, c Caller, raw []byte) []byte {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return failureBody(fmt.Errorf("protocol: decode envelope: %w", err))
	}
	if env.Action == "" {
		return unknownBody
	}

	resp, err := c.Call(ctx, env.Action, raw)
	var unknown *UnknownVerbError
	switch {
	case errors.As(err, &unknown):
		return unknownBody
	case err != nil:
		return failureBody(err)
	case len(bytes.TrimSpace(resp)) == 0:
		return []byte(`{"success":true}`)
	}
	return resp
}

func failureBody(err error) []byte {
	b, _ := json.Marshal(failure{Success: false, Error: err.Error()})
	return b
}

// ResponseError extracts the failure carried by a response body, if any.
func ResponseError(verb string, body []byte) error {
	var f struct {
		Success *bool  `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &f); err != nil || f.Error == "" {
		return nil
	}
	if f.Success == nil && f.Error == unknownAction {
		return &UnknownVerbError{Verb: verb}
	}
	return &RemoteError{Verb: verb, Message: f.Error}
}

// Send marshals req, calls verb and decodes the response into Resp.
func Send[Req, Resp any](ctx context.Context, c Caller, verb string, req Req) (Resp, error) {
	var out Resp
	payload, err := json.Marshal(req)
	if err != nil {
		return out, fmt.Errorf("protocol: %s: encode: %w", verb, err)
	}
	body, err := c.Call(ctx, verb, payload)
	if err != nil {
		return out, err
	}
	if err := ResponseError(verb, body); err != nil {
		return out, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("protocol: %s: decode: %w", verb, err)
	}
	return out, nil
}

// Handle adapts a typed function into a Handler. An empty payload decodes
// as the zero Req.
func Handle[Req, Resp any](fn func(ctx context.Context, req Req) (Resp, error)) Handler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var req Req
		if len(bytes.TrimSpace(payload)) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, fmt.Errorf("protocol: %s: decode: %w", VerbFromContext(ctx), err)
			}
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	}
}
