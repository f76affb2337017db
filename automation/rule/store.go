package rule

import (
	"database/sql"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Clukay-Fun/OmniAgent/errors"
)

// Store loads rule definitions from a YAML file and tracks the persisted
// disabled-rule registry. The in-memory rule list is a read-through cache;
// Reload replaces it wholesale and is safe to call from a file watcher.
type Store struct {
	db     *sql.DB
	path   string
	logger *zap.SugaredLogger

	mu    sync.RWMutex
	rules []*Rule
}

// NewStore creates a rule store backed by the given definitions file and
// database (for the disabled-rule registry).
func NewStore(db *sql.DB, path string, logger *zap.SugaredLogger) *Store {
	return &Store{db: db, path: path, logger: logger}
}

type ruleDoc struct {
	Rules []RawRule `yaml:"rules"`
}

// Load reads, normalizes and validates the rules file.
// Duplicate rule ids fail the whole load.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return errors.Wrapf(err, "failed to read rules file %s", s.path)
	}

	var doc ruleDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return errors.Wrapf(err, "failed to parse rules file %s", s.path)
	}

	seen := make(map[string]bool, len(doc.Rules))
	rules := make([]*Rule, 0, len(doc.Rules))
	for _, raw := range doc.Rules {
		r, err := Normalize(raw)
		if err != nil {
			return err
		}
		if seen[r.ID] {
			return errors.NewConflictError("duplicate rule id: %s", r.ID)
		}
		seen[r.ID] = true
		rules = append(rules, r)
	}

	// Stable iteration order: priority descending, then id
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})

	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()

	s.logger.Infow("Rules loaded", "path", s.path, "count", len(rules))
	return nil
}

// Reload re-reads the rules file. Errors leave the previous rule list intact.
func (s *Store) Reload() error {
	return s.Load()
}

// Visit runs fn on every loaded rule under the store lock. The service layer
// uses this to inject pipeline defaults after a load or reload.
func (s *Store) Visit(fn func(*Rule)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rules {
		fn(r)
	}
}

// All returns the loaded rules with the persisted disabled registry applied:
// a rule recorded as disabled is returned with Enabled=false.
func (s *Store) All() ([]*Rule, error) {
	disabled, err := s.disabledSet()
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if disabled[r.ID] && r.Enabled {
			clone := *r
			clone.Enabled = false
			out = append(out, &clone)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// ForTable returns the rules bound to one table, registry applied.
func (s *Store) ForTable(tableID string) ([]*Rule, error) {
	all, err := s.All()
	if err != nil {
		return nil, err
	}
	var out []*Rule
	for _, r := range all {
		if r.TableID == tableID {
			out = append(out, r)
		}
	}
	return out, nil
}

// GetByName finds a rule by name (falling back to id). Disabled rules are
// returned too, with Enabled false; callers decide whether that matters.
func (s *Store) GetByName(name string) (*Rule, error) {
	all, err := s.All()
	if err != nil {
		return nil, err
	}
	for _, r := range all {
		if r.Name == name || r.ID == name {
			return r, nil
		}
	}
	return nil, errors.NewNotFoundError("rule %s", name)
}

// WatchPlan computes the minimal per-table field watch set across all rules.
// An empty field list for a table means at least one of its rules watches
// every field.
func (s *Store) WatchPlan() (map[string][]string, error) {
	all, err := s.All()
	if err != nil {
		return nil, err
	}

	type tablePlan struct {
		fields   map[string]bool
		watchAll bool
	}
	plans := make(map[string]*tablePlan)

	for _, r := range all {
		if !r.Enabled {
			continue
		}
		plan := plans[r.TableID]
		if plan == nil {
			plan = &tablePlan{fields: map[string]bool{}}
			plans[r.TableID] = plan
		}
		watch := r.WatchFields()
		if len(watch) == 0 {
			plan.watchAll = true
			continue
		}
		for _, f := range watch {
			plan.fields[f] = true
		}
	}

	out := make(map[string][]string, len(plans))
	for table, plan := range plans {
		if plan.watchAll {
			out[table] = nil
			continue
		}
		fields := make([]string, 0, len(plan.fields))
		for f := range plan.fields {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		out[table] = fields
	}
	return out, nil
}

// Disable permanently records a rule id in the disabled registry.
// Idempotent: disabling an already-disabled rule succeeds.
func (s *Store) Disable(ruleID, reason string) error {
	query := `
		INSERT INTO disabled_rules (rule_id, reason, disabled_at)
		VALUES (?, ?, ?)
		ON CONFLICT(rule_id) DO NOTHING
	`
	_, err := s.db.Exec(query, ruleID, reason, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return errors.Wrapf(err, "failed to disable rule %s", ruleID)
	}
	s.logger.Warnw("Rule disabled", "rule_id", ruleID, "reason", reason)
	return nil
}

// IsDisabled reports whether a rule id is in the disabled registry.
func (s *Store) IsDisabled(ruleID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(
		"SELECT EXISTS(SELECT 1 FROM disabled_rules WHERE rule_id = ?)", ruleID,
	).Scan(&exists)
	if err != nil {
		return false, errors.Wrapf(err, "failed to check disabled registry for %s", ruleID)
	}
	return exists, nil
}

func (s *Store) disabledSet() (map[string]bool, error) {
	rows, err := s.db.Query("SELECT rule_id FROM disabled_rules")
	if err != nil {
		return nil, errors.Wrap(err, "failed to read disabled registry")
	}
	defer rows.Close()

	disabled := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan disabled rule")
		}
		disabled[id] = true
	}
	return disabled, rows.Err()
}
