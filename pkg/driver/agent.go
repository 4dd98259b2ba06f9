package driver

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/strand/pkg/log"
)

// Agent is one duty-cycled unit of the driver, scheduled by an AgentRunner
type Agent interface {
	OnStart()
	DoWork() int
	OnClose()
	RoleName() string
}

// AgentRunner invokes an agent's duty cycle on its own goroutine, backing
// off when no work is done
type AgentRunner struct {
	agent   Agent
	logger  zerolog.Logger
	idle    time.Duration
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewAgentRunner creates a runner with the given idle backoff
func NewAgentRunner(agent Agent, idle time.Duration) *AgentRunner {
	return &AgentRunner{
		agent:  agent,
		logger: log.WithComponent(agent.RoleName()),
		idle:   idle,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the duty cycle loop
func (r *AgentRunner) Start() {
	go r.run()
}

// Stop terminates the loop and waits for the agent to close
func (r *AgentRunner) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *AgentRunner) run() {
	defer close(r.doneCh)

	r.agent.OnStart()
	defer r.agent.OnClose()
	r.logger.Info().Msg("Agent started")

	for {
		select {
		case <-r.stopCh:
			r.logger.Info().Msg("Agent stopped")
			return
		default:
		}

		if r.agent.DoWork() == 0 {
			time.Sleep(r.idle)
		}
	}
}
