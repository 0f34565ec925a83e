package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/arqonbus/bus/internal/envelope"
)

// Dispatcher POSTs matching broadcasts to registered webhook rules from a
// background worker pool. Delivery failures are logged and never fatal to
// the message path.
type Dispatcher struct {
	registry   *Registry
	httpClient *http.Client
	queue      chan *deliveryJob
	logger     *log.Logger
	wg         sync.WaitGroup
}

type deliveryJob struct {
	rule          *Rule
	senderClientID string
	env           *envelope.Envelope
	attempt       int
}

// NewDispatcher starts a dispatcher with workers background delivery
// goroutines, each POSTing with a timeout.Timeout bound.
func NewDispatcher(registry *Registry, workers, queueSize int, timeout time.Duration) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	d := &Dispatcher{
		registry:   registry,
		httpClient: &http.Client{Timeout: timeout},
		queue:      make(chan *deliveryJob, queueSize),
		logger:     log.New(log.Writer(), "[WEBHOOK] ", log.LstdFlags),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Emit fans env out to every matching rule for (tenantID, room, channel).
func (d *Dispatcher) Emit(tenantID, senderClientID string, env *envelope.Envelope) {
	rules := d.registry.MatchingRules(tenantID, env.Room, env.Channel)
	for _, rule := range rules {
		job := &deliveryJob{rule: rule, senderClientID: senderClientID, env: env, attempt: 1}
		select {
		case d.queue <- job:
		default:
			d.logger.Printf("queue full, dropping delivery for rule %s", rule.ID)
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

// deliver POSTs the {sender_client_id, envelope} body and retries up to 3
// attempts with exponential backoff on failure.
func (d *Dispatcher) deliver(job *deliveryJob) {
	body, err := json.Marshal(map[string]any{
		"sender_client_id": job.senderClientID,
		"envelope":         job.env,
	})
	if err != nil {
		d.logger.Printf("failed to marshal delivery body: %v", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, job.rule.URL, bytes.NewReader(body))
	if err != nil {
		d.logger.Printf("failed to build webhook request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Arqon-Event-Type", string(job.env.Type))
	req.Header.Set("X-Arqon-Delivery-Attempt", fmt.Sprintf("%d", job.attempt))
	if job.rule.Secret != "" {
		sig := SignPayload(body, job.rule.Secret)
		req.Header.Set("X-Arqon-Signature", "sha256="+sig)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Printf("delivery failed: %s: %v", job.rule.URL, err)
		d.registry.MarkFailed(job.rule.ID)
		d.retry(job)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		d.logger.Printf("webhook returned %d: %s", resp.StatusCode, job.rule.URL)
		d.registry.MarkFailed(job.rule.ID)
		d.retry(job)
		return
	}
	d.registry.MarkDelivered(job.rule.ID)
}

func (d *Dispatcher) retry(job *deliveryJob) {
	if job.attempt >= 3 {
		return
	}
	time.Sleep(time.Duration(job.attempt*job.attempt) * time.Second)
	job.attempt++
	select {
	case d.queue <- job:
	default:
	}
}

// Shutdown drains the queue and waits for in-flight deliveries to finish.
func (d *Dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
}
