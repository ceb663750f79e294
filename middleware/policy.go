// middleware/policy.go
// Purpose: Named limiting policies and route-to-policy selection
// Use case: Different ceilings for auth, admin, upload, search, bulk and public traffic

package middleware

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dghubble/trie"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Policy names. Adding a policy is a configuration change; the limiting
// algorithms never reference individual names.
const (
	PolicyPublic    = "public"
	PolicyAuth      = "auth"
	PolicySensitive = "sensitive"
	PolicyUpload    = "upload"
	PolicySearch    = "search"
	PolicyAPIKey    = "apiKey"
	PolicyBulk      = "bulk"
)

// Policy is an immutable named limiting configuration.
type Policy struct {
	Name   string        `json:"name"`
	Limit  int           `json:"limit"`
	Window time.Duration `json:"window"`

	// KeyExtractor, when set, overrides the limiter's extractor for routes
	// selecting this policy (e.g. keying by API key rather than IP).
	KeyExtractor KeyExtractor `json:"-"`
}

// PolicyTable maps route prefixes and methods to named policies. Selection
// is a pure function of path and method.
type PolicyTable struct {
	policies map[string]Policy
	prefixes *trie.PathTrie
}

// DefaultPolicyTable returns the built-in policy set and route rules.
func DefaultPolicyTable() *PolicyTable {
	t := &PolicyTable{
		policies: map[string]Policy{
			PolicyPublic:    {Name: PolicyPublic, Limit: 100, Window: time.Minute},
			PolicyAuth:      {Name: PolicyAuth, Limit: 5, Window: 15 * time.Minute},
			PolicySensitive: {Name: PolicySensitive, Limit: 30, Window: time.Minute},
			PolicyUpload:    {Name: PolicyUpload, Limit: 10, Window: time.Minute},
			PolicySearch:    {Name: PolicySearch, Limit: 60, Window: time.Minute},
			PolicyAPIKey:    {Name: PolicyAPIKey, Limit: 1000, Window: time.Hour, KeyExtractor: APIKeyExtractor},
			PolicyBulk:      {Name: PolicyBulk, Limit: 40, Window: time.Minute},
		},
		prefixes: trie.NewPathTrie(),
	}

	for prefix, name := range map[string]string{
		"/api/auth":     PolicyAuth,
		"/auth":         PolicyAuth,
		"/api/admin":    PolicySensitive,
		"/admin":        PolicySensitive,
		"/api/upload":   PolicyUpload,
		"/upload":       PolicyUpload,
		"/api/search":   PolicySearch,
		"/search":       PolicySearch,
		"/api/bulk":     PolicyBulk,
		"/api/external": PolicyAPIKey,
	} {
		t.prefixes.Put(prefix, name)
	}

	return t
}

// Select resolves the policy for a request path and method. Path prefix rules
// win over the method rule; the longest matching prefix applies. DELETE
// requests without a prefix rule fall into the bulk policy, everything else
// is public.
func (t *PolicyTable) Select(path, method string) Policy {
	var name string
	_ = t.prefixes.WalkPath(path, func(key string, value interface{}) error {
		name = value.(string)
		return nil
	})
	if name != "" {
		return t.policies[name]
	}

	if strings.EqualFold(method, http.MethodDelete) {
		return t.policies[PolicyBulk]
	}
	return t.policies[PolicyPublic]
}

// Get returns a policy by name.
func (t *PolicyTable) Get(name string) (Policy, bool) {
	p, ok := t.policies[name]
	return p, ok
}

// Names returns all policy names in the table.
func (t *PolicyTable) Names() []string {
	names := make([]string, 0, len(t.policies))
	for name := range t.policies {
		names = append(names, name)
	}
	return names
}

// Validate checks the table for non-positive windows, negative limits, and
// for ceilings that break the tightness ordering between the core policies:
// auth throttles harder than sensitive, which throttles harder than bulk,
// which throttles harder than public.
func (t *PolicyTable) Validate() error {
	for name, p := range t.policies {
		if p.Limit < 0 {
			return errors.Wrapf(ErrInvalidLimit, "policy %q", name)
		}
		if p.Window <= 0 {
			return errors.Wrapf(ErrInvalidWindow, "policy %q", name)
		}
	}

	ordering := []string{PolicyAuth, PolicySensitive, PolicyBulk, PolicyPublic}
	for i := 0; i < len(ordering)-1; i++ {
		tighter, ok := t.policies[ordering[i]]
		if !ok {
			return errors.Errorf("missing required policy %q", ordering[i])
		}
		looser, ok := t.policies[ordering[i+1]]
		if !ok {
			return errors.Errorf("missing required policy %q", ordering[i+1])
		}
		if tighter.Limit >= looser.Limit {
			return errors.Errorf("policy %q (limit %d) must throttle harder than %q (limit %d)",
				tighter.Name, tighter.Limit, looser.Name, looser.Limit)
		}
	}

	return nil
}

type configPolicy struct {
	Name     string         `yaml:"name"`
	Limit    *int           `yaml:"limit"`
	Window   *time.Duration `yaml:"window"`
	Prefixes []string       `yaml:"prefixes,flow"`
}

// ParsePolicyTable reads YAML policy overrides on top of the default table.
// Unknown policy names add new entries; omitted fields keep their defaults.
func ParsePolicyTable(r io.Reader) (*PolicyTable, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read policy configuration")
	}

	var c struct {
		Policies []configPolicy `yaml:"policies,flow"`
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "failed to parse policy configuration")
	}

	t := DefaultPolicyTable()

	for _, cp := range c.Policies {
		if cp.Name == "" {
			return nil, errors.New("policy name cannot be empty")
		}

		p, ok := t.policies[cp.Name]
		if !ok {
			p = Policy{Name: cp.Name, Limit: 100, Window: time.Minute}
		}
		if cp.Limit != nil {
			p.Limit = *cp.Limit
		}
		if cp.Window != nil {
			p.Window = *cp.Window
		}
		t.policies[cp.Name] = p

		for _, prefix := range cp.Prefixes {
			if !strings.HasPrefix(prefix, "/") {
				return nil, errors.Errorf("policy %q: prefix %q must start with /", cp.Name, prefix)
			}
			t.prefixes.Put(prefix, cp.Name)
		}
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}

	return t, nil
}
