package mocks

import (
	"fmt"
	"sync"

	"g3/pkg/agent/llm"
)

// ClientSource maps "provider:model" to clients and records lookups.
type ClientSource struct {
	clients  map[string]llm.LLMClient
	failures map[string]error
	Lookups  []string
	mu       sync.Mutex
}

// NewClientSource creates an empty source.
func NewClientSource() *ClientSource {
	return &ClientSource{
		clients:  make(map[string]llm.LLMClient),
		failures: make(map[string]error),
	}
}

// With registers client for provider and model.
func (s *ClientSource) With(provider, model string, client llm.LLMClient) *ClientSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[provider+":"+model] = client
	return s
}

// FailProvider makes every lookup for provider return err.
func (s *ClientSource) FailProvider(provider string, err error) *ClientSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[provider] = err
	return s
}

func (s *ClientSource) Client(provider, model string) (llm.LLMClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := provider + ":" + model
	s.Lookups = append(s.Lookups, key)
	if err, ok := s.failures[provider]; ok {
		return nil, err
	}
	c, ok := s.clients[key]
	if !ok {
		return nil, fmt.Errorf("mock: no client for %s", key)
	}
	return c, nil
}
