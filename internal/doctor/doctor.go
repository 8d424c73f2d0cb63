// Package doctor runs advisory checks over a loaded hookgate configuration.
// The loader already rejects structurally invalid files; doctor looks for
// combinations that load but are likely to misbehave.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/hookgate/internal/auth"
	"github.com/mattjoyce/hookgate/internal/config"
)

// minSecretLength is the shortest webhook secret that passes without a warning.
const minSecretLength = 16

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateListeners(r)
	d.validateTokenScopes(r)
	d.validateWebhooks(r)
	d.warnTimings(r)
	d.warnState(r)
	d.warnUnlocked(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateListeners checks that the intake and admin listeners do not collide.
func (d *Doctor) validateListeners(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == d.cfg.Webhooks.Listen {
		d.addError(r, "listen", "api.listen",
			fmt.Sprintf("api.listen and webhooks.listen are both %q", d.cfg.API.Listen))
	}
}

// validateTokenScopes checks that every scope is one the admin API understands.
func (d *Doctor) validateTokenScopes(r *Result) {
	seen := make(map[string]int, len(d.cfg.API.Tokens))
	for i, token := range d.cfg.API.Tokens {
		if prev, ok := seen[token.Token]; ok && token.Token != "" {
			d.addError(r, "token_scopes", fmt.Sprintf("api.tokens[%d].token", i),
				fmt.Sprintf("token duplicates api.tokens[%d]; the first match wins", prev))
		}
		seen[token.Token] = i

		for j, scope := range token.Scopes {
			if !auth.KnownScope(scope) {
				d.addError(r, "token_scopes", fmt.Sprintf("api.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (expected one of %s)", scope, strings.Join(auth.KnownScopes(), ", ")))
			}
		}
	}
}

// validateWebhooks checks for path conflicts and weak secrets.
func (d *Doctor) validateWebhooks(r *Result) {
	seen := make(map[string]int)
	providers := make(map[string]int)
	for i, ep := range d.cfg.Webhooks.Endpoints {
		field := fmt.Sprintf("webhooks.endpoints[%d]", i)

		// chi treats /a and /a/ as different routes; providers are rarely
		// consistent about the trailing slash.
		normalized := strings.TrimSuffix(ep.Path, "/")
		if prevIdx, exists := seen[normalized]; exists {
			d.addError(r, "webhooks", field+".path",
				fmt.Sprintf("webhook path %q conflicts with webhooks.endpoints[%d]", ep.Path, prevIdx))
		}
		seen[normalized] = i

		if prevIdx, exists := providers[ep.Provider]; exists {
			d.addWarning(r, "webhooks", field+".provider",
				fmt.Sprintf("provider %q is also served by webhooks.endpoints[%d]; both share one idempotency namespace", ep.Provider, prevIdx))
		}
		providers[ep.Provider] = i

		if len(ep.Secret) < minSecretLength {
			d.addWarning(r, "webhooks", field+".secret",
				fmt.Sprintf("webhook %q secret is shorter than %d characters", ep.Path, minSecretLength))
		}
	}
}

// warnTimings flags interval combinations that defeat the retry machinery.
func (d *Doctor) warnTimings(r *Result) {
	wh := d.cfg.Webhooks
	q := d.cfg.Queue
	if q.JobTimeout*2 > wh.StaleAfter {
		d.addWarning(r, "timing", "queue.job_timeout",
			fmt.Sprintf("job_timeout (%s) is more than half of webhooks.stale_after (%s); a slow settle may see its row reaped", q.JobTimeout, wh.StaleAfter))
	}
	if d.cfg.Service.TickInterval > wh.StaleAfter {
		d.addWarning(r, "timing", "service.tick_interval",
			fmt.Sprintf("tick_interval (%s) exceeds webhooks.stale_after (%s); stale rows wait a full tick", d.cfg.Service.TickInterval, wh.StaleAfter))
	}
	if d.cfg.Service.TickInterval > wh.RetryDelay*4 {
		d.addWarning(r, "timing", "service.tick_interval",
			fmt.Sprintf("tick_interval (%s) is much longer than webhooks.retry_delay (%s); retries will run late", d.cfg.Service.TickInterval, wh.RetryDelay))
	}
	if q.MaxAttempts == 1 && hasAsync(wh.Endpoints) {
		d.addWarning(r, "timing", "queue.max_attempts",
			"async endpoints are configured but queue.max_attempts is 1; failed jobs are never retried by the queue")
	}
}

func hasAsync(endpoints []config.WebhookEndpoint) bool {
	for _, ep := range endpoints {
		if ep.Mode == config.ModeAsync {
			return true
		}
	}
	return false
}

// warnState checks the database location.
func (d *Doctor) warnState(r *Result) {
	dir := filepath.Dir(d.cfg.State.Path)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		d.addWarning(r, "state", "state.path",
			fmt.Sprintf("directory %s does not exist yet; it will be created on start", dir))
	}
}

// warnUnlocked notes a config file without an integrity manifest.
func (d *Doctor) warnUnlocked(r *Result) {
	if d.cfg.SourcePath == "" {
		return
	}
	if _, err := config.LoadChecksums(filepath.Dir(d.cfg.SourcePath)); errors.Is(err, config.ErrNoChecksums) {
		d.addWarning(r, "integrity", "",
			"config is not locked; run 'hookgate config lock' to pin its hash")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
