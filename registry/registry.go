// Package registry loads the static broker configuration: message types,
// contracts, and services. Definitions are read once at startup from YAML,
// validated, and frozen — the core never mutates them at runtime.
package registry

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"dialog-broker/domain"
)

var validate = validator.New()

// Definition is the YAML file shape.
type Definition struct {
	MessageTypes []MessageTypeDef `yaml:"message_types" validate:"dive"`
	Contracts    []ContractDef    `yaml:"contracts" validate:"required,min=1,dive"`
	Services     []ServiceDef     `yaml:"services" validate:"required,min=1,dive"`
}

type MessageTypeDef struct {
	Name       string `yaml:"name" validate:"required"`
	Validation string `yaml:"validation" validate:"omitempty,oneof=NONE WELL_FORMED SCHEMA"`
}

type ContractDef struct {
	Name    string             `yaml:"name" validate:"required"`
	Entries []ContractEntryDef `yaml:"entries" validate:"required,min=1,dive"`
}

type ContractEntryDef struct {
	MessageType string `yaml:"message_type" validate:"required"`
	SentBy      string `yaml:"sent_by" validate:"required,oneof=INITIATOR TARGET EITHER"`
}

type ServiceDef struct {
	Name      string   `yaml:"name" validate:"required"`
	Queue     string   `yaml:"queue" validate:"required"`
	Contracts []string `yaml:"contracts" validate:"required,min=1"`
}

// Registry is the immutable lookup structure built from a Definition. The
// reserved broker types are always present on top of the declared ones.
type Registry struct {
	types     map[string]domain.MessageType
	contracts map[string]domain.Contract
	services  map[string]domain.Service
	queues    map[string]struct{}
}

// Load reads and parses the registry file at path.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}
	return Parse(raw)
}

// Parse builds a Registry from raw YAML, rejecting duplicate names, dangling
// references, and redefinitions of the reserved broker types.
func Parse(raw []byte) (*Registry, error) {
	var def Definition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("registry yaml: %w", err)
	}
	if err := validate.Struct(def); err != nil {
		return nil, fmt.Errorf("registry definition: %w", err)
	}

	r := &Registry{
		types:     make(map[string]domain.MessageType),
		contracts: make(map[string]domain.Contract),
		services:  make(map[string]domain.Service),
		queues:    make(map[string]struct{}),
	}
	r.types[domain.TypeEndDialog] = domain.MessageType{Name: domain.TypeEndDialog, Validation: domain.ValidationNone}
	r.types[domain.TypeError] = domain.MessageType{Name: domain.TypeError, Validation: domain.ValidationNone}

	for _, mt := range def.MessageTypes {
		if domain.Reserved(mt.Name) {
			return nil, fmt.Errorf("message type %q is reserved", mt.Name)
		}
		if _, dup := r.types[mt.Name]; dup {
			return nil, fmt.Errorf("duplicate message type %q", mt.Name)
		}
		mode := domain.ValidationMode(mt.Validation)
		if mt.Validation == "" {
			mode = domain.ValidationNone
		}
		r.types[mt.Name] = domain.MessageType{Name: mt.Name, Validation: mode}
	}

	for _, cd := range def.Contracts {
		if _, dup := r.contracts[cd.Name]; dup {
			return nil, fmt.Errorf("duplicate contract %q", cd.Name)
		}
		entries := make([]domain.ContractEntry, 0, len(cd.Entries))
		for _, e := range cd.Entries {
			if _, known := r.types[e.MessageType]; !known {
				return nil, fmt.Errorf("contract %q references %q: %w", cd.Name, e.MessageType, domain.ErrUnknownMessageType)
			}
			entries = append(entries, domain.ContractEntry{
				MessageType: e.MessageType,
				SentBy:      domain.SentBy(e.SentBy),
			})
		}
		r.contracts[cd.Name] = domain.Contract{Name: cd.Name, Entries: entries}
	}

	for _, sd := range def.Services {
		if _, dup := r.services[sd.Name]; dup {
			return nil, fmt.Errorf("duplicate service %q", sd.Name)
		}
		for _, c := range sd.Contracts {
			if _, known := r.contracts[c]; !known {
				return nil, fmt.Errorf("service %q references %q: %w", sd.Name, c, domain.ErrUnknownContract)
			}
		}
		r.services[sd.Name] = domain.Service{Name: sd.Name, Queue: sd.Queue, Contracts: sd.Contracts}
		r.queues[sd.Queue] = struct{}{}
	}

	return r, nil
}

// MessageType looks up a message type by name, reserved types included.
func (r *Registry) MessageType(name string) (domain.MessageType, bool) {
	mt, ok := r.types[name]
	return mt, ok
}

func (r *Registry) Contract(name string) (domain.Contract, bool) {
	c, ok := r.contracts[name]
	return c, ok
}

func (r *Registry) Service(name string) (domain.Service, bool) {
	s, ok := r.services[name]
	return s, ok
}

// QueueOf resolves the queue a service is bound to.
func (r *Registry) QueueOf(service string) (string, bool) {
	s, ok := r.services[service]
	if !ok {
		return "", false
	}
	return s.Queue, true
}

// HasQueue reports whether any declared service is bound to queue.
func (r *Registry) HasQueue(queue string) bool {
	_, ok := r.queues[queue]
	return ok
}

// ServiceUses reports whether service declared contract among its usable ones.
func (r *Registry) ServiceUses(service, contract string) bool {
	s, ok := r.services[service]
	if !ok {
		return false
	}
	return lo.Contains(s.Contracts, contract)
}

// Services returns the declared services, for consumers that need one
// subscription per service (transport binding, inspection).
func (r *Registry) Services() []domain.Service {
	return lo.Values(r.services)
}
