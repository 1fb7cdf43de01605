package agents

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"g3/internal/mocks"
	"g3/pkg/config"
	"g3/pkg/job"
	"g3/pkg/router"
)

const (
	validContract = `openapi: 3.0.3
info:
  title: Users
  version: 1.0.0
paths:
  /users:
    get:
      responses:
        "200":
          description: ok
`
	validSchema = `CREATE TABLE users (
  id UUID PRIMARY KEY,
  email VARCHAR(255) NOT NULL
);`
)

// testConfig routes every task to primary first and secondary second.
func testConfig() *config.Config {
	both := []config.Candidate{{Provider: "primary", Model: "p-1"}, {Provider: "secondary", Model: "s-1"}}
	return &config.Config{
		Providers: map[string]config.ProviderConfig{
			"primary":   {Kind: config.ProviderAnthropic, DefaultModel: "p-1"},
			"secondary": {Kind: config.ProviderOpenAI, DefaultModel: "s-1", StrictJSON: true},
		},
		Routing: map[string][]config.Candidate{
			config.TaskDesign:   both,
			config.TaskAnalysis: {{Provider: "primary", Model: "p-1"}},
			config.TaskCodegen:  both,
			config.TaskRepair:   both,
		},
	}
}

type fixture struct {
	primary   *mocks.MockLLMClient
	secondary *mocks.MockLLMClient
	clients   *mocks.ClientSource
	deps      Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		primary:   mocks.NewMockLLMClient("p-1"),
		secondary: mocks.NewMockLLMClient("s-1"),
	}
	f.clients = mocks.NewClientSource().
		With("primary", "p-1", f.primary).
		With("secondary", "s-1", f.secondary)
	f.deps = Deps{Router: router.New(testConfig()), Clients: f.clients}
	return f
}

func newJob(t *testing.T, bp *job.Blueprint) *job.Job {
	t.Helper()
	j, err := job.New("A user service with email registration", bp, 3)
	require.NoError(t, err)
	return j
}

// logCollector is a job.LogSink that keeps every entry.
type logCollector struct {
	entries []job.LogEntry
	mu      sync.Mutex
}

func (c *logCollector) sink() job.LogSink {
	return func(e job.LogEntry) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.entries = append(c.entries, e)
	}
}

func (c *logCollector) levels(level job.LogLevel) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, e := range c.entries {
		if e.Level == level {
			out = append(out, e.Message)
		}
	}
	return out
}
