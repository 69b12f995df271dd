package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Type is the envelope discriminant.
type Type string

const (
	TypeHello Type = "Hello"
	TypeWorld Type = "World"
)

const tagField = "type"

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrMissingType = errors.New("message has no type")
)

// Message is one envelope variant.
type Message interface {
	Type() Type
}

// Hello is sent by the orchestrator to check that an agent answers.
type Hello struct{}

func (Hello) Type() Type { return TypeHello }

// World answers Hello.
type World struct{}

func (World) Type() Type { return TypeWorld }

var (
	mu       sync.RWMutex
	registry = map[Type]func() Message{
		TypeHello: func() Message { return &Hello{} },
		TypeWorld: func() Message { return &World{} },
	}
)

// Register adds a variant. newFn must return a pointer the JSON decoder can
// fill. Registering a type twice replaces the earlier constructor.
func Register(t Type, newFn func() Message) {
	mu.Lock()
	defer mu.Unlock()
	registry[t] = newFn
}

// Encode marshals m with its discriminant in the "type" field.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: variant must marshal to an object: %w", m.Type(), err)
	}
	tag, _ := json.Marshal(m.Type())
	fields[tagField] = tag
	return json.Marshal(fields)
}

// Decode parses an envelope. Unregistered variants return ErrUnknownType;
// anything that is not a JSON object with a string "type" is an error.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type *Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if head.Type == nil {
		return nil, ErrMissingType
	}

	mu.RLock()
	newFn, ok := registry[*head.Type]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, *head.Type)
	}

	msg := newFn()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", *head.Type, err)
	}
	return msg, nil
}
