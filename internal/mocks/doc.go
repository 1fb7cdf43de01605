// Package mocks provides test doubles shared by g3 package tests.
//
//	client := mocks.NewMockLLMClient("claude-sonnet-4-5")
//	client.RespondWith("openapi: 3.0.0 ...")
//	source := mocks.NewClientSource().With("anthropic", "claude-sonnet-4-5", client)
//
// MockLLMClient stands in for llm.LLMClient. ClientSource stands in for the
// model client factory and can be told to fail for a provider. MockExecutor
// stands in for the sandbox command executor.
package mocks
