package mail

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"trigger-orchestrator/internal/circuitbreaker"
	"trigger-orchestrator/internal/common/cache"
	"trigger-orchestrator/internal/common/errors"
	"trigger-orchestrator/internal/common/logging"
	"trigger-orchestrator/internal/retry"
	"trigger-orchestrator/internal/storage"
	"trigger-orchestrator/internal/triggers"
)

const (
	defaultFrequencyMinutes = 5
	defaultFetchLimit       = 50
)

// cycleBudget bounds one poll cycle end to end so a hung mailbox never
// delays the next cycle indefinitely
const cycleBudget = 90 * time.Second

type pollLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Poller installs email triggers as independent poll loops. Each loop
// connects on its own cadence; sessions to the same host share a circuit
// breaker keyed "mail-<host>".
type Poller struct {
	firer    triggers.Firer
	storage  storage.Storage
	cache    cache.Cache
	breakers *circuitbreaker.Manager
	logger   logging.Logger

	mu    sync.Mutex
	loops map[string]*pollLoop
}

func NewPoller(firer triggers.Firer, store storage.Storage, seen cache.Cache, breakers *circuitbreaker.Manager, logger logging.Logger) *Poller {
	return &Poller{
		firer:    firer,
		storage:  store,
		cache:    seen,
		breakers: breakers,
		logger:   logger.WithFields(logging.Field{Key: "component", Value: "mail-poller"}),
		loops:    make(map[string]*pollLoop),
	}
}

func (p *Poller) Type() storage.TriggerType {
	return storage.TriggerTypeEmail
}

// Install validates the mailbox config and starts the trigger's poll loop
func (p *Poller) Install(ctx context.Context, trigger *storage.Trigger) error {
	var cfg Config
	if err := triggers.DecodeConfig(trigger.Config, &cfg); err != nil {
		return err
	}
	if cfg.FrequencyMinutes <= 0 {
		cfg.FrequencyMinutes = defaultFrequencyMinutes
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	loop := &pollLoop{cancel: cancel, done: make(chan struct{})}

	p.mu.Lock()
	p.loops[trigger.ID] = loop
	p.mu.Unlock()

	go p.run(loopCtx, loop, trigger.ID, cfg)

	p.logger.Debug("mail poll loop installed",
		logging.Field{Key: "trigger_id", Value: trigger.ID},
		logging.Field{Key: "protocol", Value: cfg.Type},
		logging.Field{Key: "host", Value: cfg.Host},
		logging.Field{Key: "frequency_minutes", Value: cfg.FrequencyMinutes})
	return nil
}

// Uninstall cancels the trigger's poll loop and waits for the current
// cycle to wind down.
func (p *Poller) Uninstall(triggerID string) error {
	p.mu.Lock()
	loop, ok := p.loops[triggerID]
	if ok {
		delete(p.loops, triggerID)
	}
	p.mu.Unlock()

	if ok {
		loop.cancel()
		<-loop.done
	}
	return nil
}

// FetchOnce performs a single mailbox fetch outside any poll loop, for
// connectivity tests and ad-hoc pulls from the management API.
func FetchOnce(cfg Config, filter Filter, limit int, markAsRead bool) ([]InboundEmail, error) {
	if limit <= 0 {
		limit = defaultFetchLimit
	}
	switch cfg.Type {
	case "imap":
		return fetchIMAP(cfg, filter, limit, markAsRead)
	case "pop3":
		emails, _, err := fetchPOP3(cfg, filter, limit, 0)
		return emails, err
	}
	return nil, errors.ConfigurationError(fmt.Sprintf("unknown mailbox protocol %q", cfg.Type))
}

// TestConnection probes the mailbox without touching message state
func TestConnection(cfg Config) ConnectionResult {
	switch cfg.Type {
	case "imap":
		return testIMAP(cfg)
	case "pop3":
		return testPOP3(cfg)
	}
	return ConnectionResult{Success: false, Message: fmt.Sprintf("unknown mailbox protocol %q", cfg.Type)}
}

func (p *Poller) run(ctx context.Context, loop *pollLoop, triggerID string, cfg Config) {
	defer close(loop.done)

	interval := time.Duration(cfg.FrequencyMinutes) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First cycle runs immediately so a freshly installed trigger does not
	// sit idle for a full interval.
	p.cycle(ctx, triggerID, cfg)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cycle(ctx, triggerID, cfg)
		}
	}
}

func (p *Poller) cycle(ctx context.Context, triggerID string, cfg Config) {
	cycleCtx, cancel := context.WithTimeout(ctx, cycleBudget)
	defer cancel()

	var emails []InboundEmail
	breakerName := "mail-" + cfg.Host
	result := retry.ExecuteWithRetry(cycleCtx, retry.ExternalAPI, func(ctx context.Context) error {
		return p.breakers.Execute(ctx, breakerName, circuitbreaker.MailConfig, func(ctx context.Context) error {
			fetched, ferr := p.fetchNew(ctx, triggerID, cfg)
			if ferr != nil {
				return ferr
			}
			emails = fetched
			return nil
		})
	})
	if !result.Success {
		p.recordPollError(cycleCtx, triggerID, result.Err)
		return
	}
	if len(emails) == 0 {
		return
	}

	// Re-read the definition per message so a trigger deleted or disabled
	// mid-cycle stops firing immediately.
	for _, email := range emails {
		trigger, err := p.storage.GetTrigger(cycleCtx, triggerID)
		if err != nil || !trigger.Enabled {
			return
		}
		payload := map[string]interface{}{
			"trigger_type": string(storage.TriggerTypeEmail),
			"trigger_id":   triggerID,
			"email":        email,
		}
		if _, err := p.firer.FireTrigger(cycleCtx, trigger, payload); err != nil {
			p.logger.Error("email fire failed", err,
				logging.Field{Key: "trigger_id", Value: triggerID},
				logging.Field{Key: "message_id", Value: email.ID})
		}
	}
}

// fetchNew fetches only messages not evaluated in a prior cycle. IMAP
// restricts the search to unseen messages and flags matches seen; POP3
// resumes from the highest ordinal persisted for the trigger.
func (p *Poller) fetchNew(ctx context.Context, triggerID string, cfg Config) ([]InboundEmail, error) {
	switch cfg.Type {
	case "imap":
		filter := cfg.Filter
		unread := true
		filter.IsUnread = &unread
		return fetchIMAP(cfg, filter, defaultFetchLimit, true)

	case "pop3":
		after := p.loadOrdinal(ctx, triggerID)
		emails, highest, err := fetchPOP3(cfg, cfg.Filter, defaultFetchLimit, after)
		if highest > after {
			p.storeOrdinal(ctx, triggerID, highest)
		}
		return emails, err
	}
	return nil, errors.ConfigurationError(fmt.Sprintf("unknown mailbox protocol %q", cfg.Type))
}

func ordinalKey(triggerID string) string {
	return "pop3-ordinal:" + triggerID
}

func (p *Poller) loadOrdinal(ctx context.Context, triggerID string) int {
	value, ok := p.cache.Get(ctx, ordinalKey(triggerID))
	if !ok {
		return 0
	}
	ordinal, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return ordinal
}

func (p *Poller) storeOrdinal(ctx context.Context, triggerID string, ordinal int) {
	if err := p.cache.Set(ctx, ordinalKey(triggerID), strconv.Itoa(ordinal), 0); err != nil {
		p.logger.Warn("failed to persist pop3 ordinal",
			logging.Field{Key: "trigger_id", Value: triggerID},
			logging.Field{Key: "ordinal", Value: ordinal})
	}
}

func (p *Poller) recordPollError(ctx context.Context, triggerID string, pollErr error) {
	p.logger.Error("mail poll cycle failed", pollErr, logging.Field{Key: "trigger_id", Value: triggerID})

	trigger, err := p.storage.GetTrigger(ctx, triggerID)
	if err != nil {
		return
	}
	trigger.Metadata.AppendError("mail poll failed", pollErr.Error())
	if err := p.storage.UpdateTrigger(ctx, trigger); err != nil {
		p.logger.Error("failed to persist poll error", err, logging.Field{Key: "trigger_id", Value: triggerID})
	}
}
