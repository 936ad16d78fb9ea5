package host

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Notification is the wire form of a thread-start event sent by the in-VM
// shim:
//
//	{"id":17,"name":"Worker-3","class":"java/lang/Thread","fields":{"eetop":140211842617344}}
//
// Fields carries long-valued fields of the thread object.
type Notification struct {
	ID     int64            `json:"id"`
	Name   string           `json:"name"`
	Class  string           `json:"class,omitempty"`
	Fields map[string]int64 `json:"fields,omitempty"`
}

// Validate checks the notification has a name
func (n *Notification) Validate() error {
	if n.Name == "" {
		return errors.New("thread name is required")
	}
	return nil
}

// Thread returns the handle for this notification. Its Ref is the
// notification itself.
func (n *Notification) Thread() Thread {
	return Thread{ID: n.ID, Name: n.Name, Ref: n}
}

// Decode parses one notification
func Decode(data []byte) (*Notification, error) {
	var n Notification
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&n); err != nil {
		return nil, fmt.Errorf("failed to decode notification: %w", err)
	}
	if err := n.Validate(); err != nil {
		return nil, fmt.Errorf("invalid notification: %w", err)
	}
	return &n, nil
}

// DecodeBatch parses a JSON array of notifications
func DecodeBatch(data []byte) ([]*Notification, error) {
	var batch []*Notification
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&batch); err != nil {
		return nil, fmt.Errorf("failed to decode notification batch: %w", err)
	}
	for i, n := range batch {
		if n == nil {
			return nil, fmt.Errorf("invalid notification #%d: null", i)
		}
		if err := n.Validate(); err != nil {
			return nil, fmt.Errorf("invalid notification #%d: %w", i, err)
		}
	}
	return batch, nil
}

// NotificationEnv is the FieldAccessor for notification references
var NotificationEnv FieldAccessor = notificationEnv{}

type notificationEnv struct{}

func (notificationEnv) ObjectClass(ref Ref) (Class, error) {
	n, ok := ref.(*Notification)
	if !ok || n == nil {
		return "", ErrForeignRef
	}
	if n.Class == "" {
		return ThreadClass, nil
	}
	return Class(n.Class), nil
}

func (notificationEnv) FieldID(class Class, name, signature string) (FieldID, error) {
	if signature != SignatureLong {
		return FieldID{}, fmt.Errorf("%w: %s.%s with signature %q", ErrNoSuchField, class, name, signature)
	}
	return FieldID{Class: class, Name: name, Signature: signature}, nil
}

func (e notificationEnv) LongField(ref Ref, field FieldID) (int64, error) {
	class, err := e.ObjectClass(ref)
	if err != nil {
		return 0, err
	}
	if class != field.Class {
		return 0, fmt.Errorf("%w: %s is not declared by %s", ErrNoSuchField, field.Name, class)
	}
	value, ok := ref.(*Notification).Fields[field.Name]
	if !ok {
		return 0, fmt.Errorf("%w: %s.%s", ErrNoSuchField, class, field.Name)
	}
	return value, nil
}
