package storage

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Op names a storage operation carried in a Command.
type Op string

const (
	OpSave             Op = "save"
	OpUpdate           Op = "update"
	OpDelete           Op = "delete"
	OpCreateDB         Op = "create_db"
	OpDeleteDB         Op = "delete_db"
	OpCreateCollection Op = "create_collection"
	OpDeleteCollection Op = "delete_collection"
)

// ErrInvalidCommand is returned for envelopes missing required coordinates.
var ErrInvalidCommand = errors.New("invalid command")

// Command is the unit replicated through the log and applied on commit.
type Command struct {
	Op         Op              `json:"op"`
	Database   string          `json:"database"`
	Collection string          `json:"collection,omitempty"`
	ID         string          `json:"id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Validate checks that the coordinates the operation needs are present.
func (c Command) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("%w: %s: database required", ErrInvalidCommand, c.Op)
	}
	switch c.Op {
	case OpCreateDB, OpDeleteDB:
		return nil
	case OpCreateCollection, OpDeleteCollection:
		if c.Collection == "" {
			return fmt.Errorf("%w: %s: collection required", ErrInvalidCommand, c.Op)
		}
		return nil
	case OpSave, OpUpdate:
		if len(c.Payload) == 0 || !json.Valid(c.Payload) {
			return fmt.Errorf("%w: %s: payload must be valid JSON", ErrInvalidCommand, c.Op)
		}
		fallthrough
	case OpDelete:
		if c.Collection == "" || c.ID == "" {
			return fmt.Errorf("%w: %s: collection and id required", ErrInvalidCommand, c.Op)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidCommand, c.Op)
	}
}

// Encode serializes the command for the raft log.
func (c Command) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// DecodeCommand parses a command previously produced by Encode.
func DecodeCommand(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	return c, nil
}
