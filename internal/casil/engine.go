package casil

import (
	"encoding/json"
	"math"
	"path"
	"regexp"
	"sync/atomic"

	"github.com/arqonbus/bus/internal/envelope"
)

// Decision is the outcome CASIL hands back for a processed envelope.
type Decision string

const (
	Allow               Decision = "ALLOW"
	AllowWithRedaction  Decision = "ALLOW_WITH_REDACTION"
	Block               Decision = "BLOCK"
)

// Outcome is the full result of running process(): the decision plus the
// context a telemetry event or the socket bus needs to react.
type Outcome struct {
	Decision      Decision
	ReasonCode    string
	Room          string
	Channel       string
	Flags         map[string]bool
	InternalError error
}

// secretPatterns are the default probable-secret heuristics: common token
// shapes observed in the wild. Resolved per the "probable secret" open
// question as pattern matching OR a Shannon-entropy threshold on long
// string values.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9]{16,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{12,}`),
	regexp.MustCompile(`ghp_[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`),
	regexp.MustCompile(`[A-Za-z0-9_\-]{32,}`),
}

const entropyThreshold = 4.2
const entropyMinLength = 20

// Engine runs the CASIL decision pipeline against envelopes. Its config is
// held behind an atomic pointer so readers never observe a partial reload.
type Engine struct {
	cfg atomic.Pointer[Config]
}

// New returns an Engine seeded with cfg.
func New(cfg Config) *Engine {
	e := &Engine{}
	c := cfg
	e.cfg.Store(&c)
	return e
}

// Snapshot returns the live config. Callers must treat it as read-only;
// Reload installs a new record rather than mutating this one.
func (e *Engine) Snapshot() Config {
	return *e.cfg.Load()
}

// Reload validates and atomically swaps in cfg. On validation failure the
// prior config is left untouched and the error is returned.
func (e *Engine) Reload(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c := cfg
	e.cfg.Store(&c)
	return nil
}

// Process runs the full CASIL pipeline against env. When the redaction
// policy's TransportRedaction flag is set and env is mutated, the caller's
// envelope is modified in place (via env.Payload) so the mutation
// propagates to storage and fan-out.
func (e *Engine) Process(env *envelope.Envelope) Outcome {
	cfg := e.Snapshot()

	if cfg.Mode == ModeDisabled {
		return Outcome{Decision: Allow, ReasonCode: "disabled", Room: env.Room, Channel: env.Channel}
	}

	if !inScope(cfg, env.Room) {
		return Outcome{Decision: Allow, ReasonCode: "out_of_scope", Room: env.Room, Channel: env.Channel}
	}

	flags := map[string]bool{}
	enforce := cfg.Mode == ModeEnforce

	oversize := false
	if cfg.Policies.MaxPayloadBytes > 0 {
		if size, err := payloadSize(env.Payload); err == nil && size > cfg.Policies.MaxPayloadBytes {
			oversize = true
			flags["oversize"] = true
		}
	}

	secretHit := false
	if cfg.Policies.BlockOnProbableSecret && containsProbableSecret(env.Payload) {
		secretHit = true
		flags["probable_secret"] = true
	}

	hasRedaction := len(cfg.Policies.Redaction.Paths) > 0 || len(cfg.Policies.Redaction.Patterns) > 0

	if oversize || secretHit {
		reason := "oversize_payload"
		if secretHit {
			reason = "probable_secret"
		}
		if !enforce {
			return Outcome{Decision: Allow, ReasonCode: reason, Room: env.Room, Channel: env.Channel, Flags: flags}
		}
		if hasRedaction {
			e.applyRedaction(cfg, env)
			return Outcome{Decision: AllowWithRedaction, ReasonCode: reason, Room: env.Room, Channel: env.Channel, Flags: flags}
		}
		return Outcome{Decision: Block, ReasonCode: reason, Room: env.Room, Channel: env.Channel, Flags: flags}
	}

	if hasRedaction {
		redacted := e.applyRedaction(cfg, env)
		if redacted {
			return Outcome{Decision: AllowWithRedaction, ReasonCode: "redacted", Room: env.Room, Channel: env.Channel, Flags: flags}
		}
	}

	return Outcome{Decision: Allow, ReasonCode: "allow", Room: env.Room, Channel: env.Channel, Flags: flags}
}

// LogProjection returns the payload CASIL would log for env: either the
// live payload (no never_log_payload_for match) or RedactToken wholesale.
// Used by telemetry/log call sites instead of env.Payload directly so a
// non-transport redaction never leaks into logs.
func (e *Engine) LogProjection(env *envelope.Envelope) map[string]any {
	cfg := e.Snapshot()
	for _, pattern := range cfg.Policies.Redaction.NeverLogPayloadFor {
		if ok, _ := path.Match(pattern, env.Room); ok {
			return map[string]any{"_redacted": RedactToken}
		}
	}
	return env.Payload
}

func inScope(cfg Config, room string) bool {
	included := len(cfg.ScopeInclude) == 0
	for _, pattern := range cfg.ScopeInclude {
		if ok, _ := path.Match(pattern, room); ok {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, pattern := range cfg.ScopeExclude {
		if ok, _ := path.Match(pattern, room); ok {
			return false
		}
	}
	return true
}

func payloadSize(payload map[string]any) (int, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

func containsProbableSecret(payload map[string]any) bool {
	for _, v := range payload {
		if matchValue(v) {
			return true
		}
	}
	return false
}

func matchValue(v any) bool {
	switch val := v.(type) {
	case string:
		for _, re := range secretPatterns {
			if re.MatchString(val) {
				return true
			}
		}
		if len(val) >= entropyMinLength && shannonEntropy(val) >= entropyThreshold {
			return true
		}
	case map[string]any:
		for _, nested := range val {
			if matchValue(nested) {
				return true
			}
		}
	case []any:
		for _, nested := range val {
			if matchValue(nested) {
				return true
			}
		}
	}
	return false
}

func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]int)
	for _, r := range s {
		freq[r]++
	}
	var entropy float64
	n := float64(len(s))
	for _, count := range freq {
		p := float64(count) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// applyRedaction mutates env.Payload for path/pattern masks. It reports
// whether any redaction actually happened. When TransportRedaction is
// false, the mutation still occurs on a clone that only the caller's log
// projection should use — but since Process is only called with the live
// envelope, the socket bus is responsible for cloning before calling
// Process when it wants a non-transport redaction preview.
func (e *Engine) applyRedaction(cfg Config, env *envelope.Envelope) bool {
	if !cfg.Policies.Redaction.TransportRedaction {
		return false
	}
	changed := false
	for _, key := range cfg.Policies.Redaction.Paths {
		if _, ok := env.Payload[key]; ok {
			env.Payload[key] = RedactToken
			changed = true
		}
	}
	for k, v := range env.Payload {
		if s, ok := v.(string); ok {
			for _, pattern := range cfg.Policies.Redaction.Patterns {
				if pattern != "" && containsSubstring(s, pattern) {
					env.Payload[k] = RedactToken
					changed = true
					break
				}
			}
		}
	}
	return changed
}

func containsSubstring(s, substr string) bool {
	return len(substr) > 0 && indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
