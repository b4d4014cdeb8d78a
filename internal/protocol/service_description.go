package protocol

import (
	"errors"
	"strings"
)

// MaxIDStringLength bounds each part of a ServiceDescription
const MaxIDStringLength = 100

// Wildcard matches any value of a ServiceDescription part in a query
// It is rejected as a part of a real description.
const Wildcard = "*"

var (
	ErrIDStringTooLong = errors.New("protocol: service description part too long")
	ErrReservedID      = errors.New("protocol: service description part uses the wildcard")
)

// ServiceDescription identifies a service by service, instance and event name
// The zero value is the invalid, default constructed description. Values are
// immutable and compare with ==.
type ServiceDescription struct {
	service  string
	instance string
	event    string
}

// NewServiceDescription validates the three parts and builds a description
func NewServiceDescription(service, instance, event string) (ServiceDescription, error) {
	for _, part := range [...]string{service, instance, event} {
		if len(part) > MaxIDStringLength {
			return ServiceDescription{}, ErrIDStringTooLong
		}
		if part == Wildcard {
			return ServiceDescription{}, ErrReservedID
		}
	}
	return ServiceDescription{service: service, instance: instance, event: event}, nil
}

// MustServiceDescription is NewServiceDescription for literals known to be valid
func MustServiceDescription(service, instance, event string) ServiceDescription {
	sd, err := NewServiceDescription(service, instance, event)
	if err != nil {
		panic(err)
	}
	return sd
}

// Service returns the service part of the triple
func (s ServiceDescription) Service() string { return s.service }

// Instance returns the instance part of the triple
func (s ServiceDescription) Instance() string { return s.instance }

// Event returns the event part of the triple
func (s ServiceDescription) Event() string { return s.event }

// IsValid reports whether all three parts are set
func (s ServiceDescription) IsValid() bool {
	return s.service != "" && s.instance != "" && s.event != ""
}

// Matches reports whether s is selected by the query parts
// A query part equal to Wildcard matches anything, any other value must be equal.
func (s ServiceDescription) Matches(service, instance, event string) bool {
	return matchPart(s.service, service) && matchPart(s.instance, instance) && matchPart(s.event, event)
}

func matchPart(value, query string) bool {
	return query == Wildcard || value == query
}

// String renders the triple as service/instance/event
func (s ServiceDescription) String() string {
	var b strings.Builder
	b.Grow(len(s.service) + len(s.instance) + len(s.event) + 2)
	b.WriteString(s.service)
	b.WriteByte('/')
	b.WriteString(s.instance)
	b.WriteByte('/')
	b.WriteString(s.event)
	return b.String()
}
