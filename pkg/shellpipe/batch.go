package shellpipe

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Op is one statement of a batch.
type Op struct {
	Statement string `json:"statement"`
	Params    []any  `json:"params,omitempty"`
}

// Stmt builds an Op.
func Stmt(statement string, params ...any) Op {
	return Op{Statement: statement, Params: params}
}

var errEmptyOp = errors.New("empty operation")

// UnmarshalJSON accepts a bare statement string, an array whose first
// element is the statement and the rest its params, or an object with
// "statement" and "params" keys. Numbers decode as json.Number.
func (o *Op) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errEmptyOp
	}

	switch data[0] {
	case '"':
		return json.Unmarshal(data, &o.Statement)

	case '[':
		var parts []any
		if err := decodeNumbers(data, &parts); err != nil {
			return err
		}
		if len(parts) == 0 {
			return errEmptyOp
		}
		stmt, ok := parts[0].(string)
		if !ok {
			return fmt.Errorf("operation statement must be a string, got %T", parts[0])
		}
		o.Statement = stmt
		o.Params = parts[1:]
		return nil

	case '{':
		var raw struct {
			Statement string `json:"statement"`
			Params    []any  `json:"params"`
		}
		if err := decodeNumbers(data, &raw); err != nil {
			return err
		}
		o.Statement = raw.Statement
		o.Params = raw.Params
		return nil
	}
	return fmt.Errorf("operation must be a string, array or object")
}

func decodeNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
