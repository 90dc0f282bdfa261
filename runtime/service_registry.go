// Package runtime provides the service lifecycle primitives shared across
// the relay: long-running components register themselves once and the node
// starts and stops them as a group.
package runtime

import (
	"fmt"
	"reflect"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "registry")

// Service is a long-running component managed by the relay node.
type Service interface {
	// Start spawns any goroutines required by the service.
	Start()
	// Stop terminates all goroutines belonging to the service,
	// blocking until they are all terminated.
	Stop() error
	// Status returns error if the service is not considered healthy.
	Status() error
}

// ServiceRegistry keeps every registered service keyed by its concrete type
// so dependents resolve the same instance, and preserves registration order
// for startup and reverse-order shutdown.
type ServiceRegistry struct {
	services     map[reflect.Type]Service
	serviceTypes []reflect.Type
}

// NewServiceRegistry instantiates an empty registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{
		services: make(map[reflect.Type]Service),
	}
}

// StartAll launches each service in order of registration.
func (s *ServiceRegistry) StartAll() {
	log.WithField("numServices", len(s.serviceTypes)).Debug("Starting services")
	for _, kind := range s.serviceTypes {
		log.WithField("type", kind.String()).Debug("Starting service")
		go s.services[kind].Start()
	}
}

// StopAll ends every service in reverse order of registration, logging an
// error if any of them fail to stop.
func (s *ServiceRegistry) StopAll() {
	for i := len(s.serviceTypes) - 1; i >= 0; i-- {
		kind := s.serviceTypes[i]
		service := s.services[kind]
		if err := service.Stop(); err != nil {
			log.WithError(err).WithField("type", kind.String()).Error("Could not stop service")
		}
	}
}

// Statuses returns a map of service type to the result of its Status call.
func (s *ServiceRegistry) Statuses() map[reflect.Type]error {
	m := make(map[reflect.Type]error, len(s.serviceTypes))
	for _, kind := range s.serviceTypes {
		m[kind] = s.services[kind].Status()
	}
	return m
}

// RegisterService adds a service to the registry. Registering the same
// concrete type twice is an error.
func (s *ServiceRegistry) RegisterService(service Service) error {
	kind := reflect.TypeOf(service)
	if _, exists := s.services[kind]; exists {
		return fmt.Errorf("service already exists: %v", kind)
	}
	s.services[kind] = service
	s.serviceTypes = append(s.serviceTypes, kind)
	return nil
}

// FetchService sets the value behind the given pointer to the registered
// service of that type, so callers share the original instance.
func (s *ServiceRegistry) FetchService(service interface{}) error {
	if reflect.TypeOf(service).Kind() != reflect.Ptr {
		return fmt.Errorf("input must be of pointer type, received value type instead: %T", service)
	}
	element := reflect.ValueOf(service).Elem()
	if running, ok := s.services[element.Type()]; ok {
		element.Set(reflect.ValueOf(running))
		return nil
	}
	return fmt.Errorf("unknown service: %T", service)
}
