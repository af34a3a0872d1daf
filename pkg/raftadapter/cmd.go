package raftadapter

import (
	"fmt"

	"github.com/google/uuid"
)

type Operation uint8

const (
	InsertOp Operation = iota
	DeleteOp
)

func (op Operation) String() string {
	switch op {
	case InsertOp:
		return "insert"
	case DeleteOp:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// Cmd is a replicated mutation. ID correlates a proposal with its apply.
type Cmd struct {
	Op    Operation `json:"op"`
	Key   string    `json:"key"`
	Value string    `json:"value,omitempty"`
	ID    uuid.UUID `json:"id"`
}

func NewInsertCmd(key, value string) Cmd {
	return Cmd{Op: InsertOp, Key: key, Value: value, ID: uuid.New()}
}

func NewDeleteCmd(key string) Cmd {
	return Cmd{Op: DeleteOp, Key: key, ID: uuid.New()}
}

func (c Cmd) validate() error {
	if c.Key == "" {
		return fmt.Errorf("invalid %s command: empty key", c.Op)
	}
	switch c.Op {
	case InsertOp:
	case DeleteOp:
		if c.Value != "" {
			return fmt.Errorf("invalid delete command: unexpected value")
		}
	default:
		return fmt.Errorf("unknown operation: %v", c.Op)
	}
	return nil
}
