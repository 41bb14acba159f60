package permissions

import (
	"fmt"
	"sync/atomic"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/GlassRelay/backend/internal/domain/subscription"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/providers/catalog"
)

// Subjects are package names, objects are canonical subscription strings.
// keyMatch lets "transcription:*" grant every language.
const modelText = `
[request_definition]
r = sub, obj

[policy_definition]
p = sub, obj

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = (r.sub == p.sub || p.sub == "*") && keyMatch(r.obj, p.obj)
`

// Checker decides which streams an app may subscribe to
type Checker struct {
	enforcer *casbin.SyncedEnforcer
	log      *zap.Logger
	denied   atomic.Uint64
}

// FromFile loads a casbin CSV policy:
//
//	p, com.example.captions, transcription:*
//	p, *, button_press
func FromFile(path string, log *zap.Logger) (*Checker, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, fmt.Errorf("permission model: %w", err)
	}
	e, err := casbin.NewSyncedEnforcer(m, fileadapter.NewAdapter(path))
	if err != nil {
		return nil, fmt.Errorf("load permission policy %s: %w", path, err)
	}
	return newChecker(e, log), nil
}

// FromCatalog grants each app the streams its catalog entry declares. An
// entry that declares none may subscribe to anything.
func FromCatalog(c *catalog.Catalog, log *zap.Logger) (*Checker, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, fmt.Errorf("permission model: %w", err)
	}
	e, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("permission enforcer: %w", err)
	}

	var rules [][]string
	for _, app := range c.List() {
		streams := app.Streams
		if len(streams) == 0 {
			streams = []string{"*"}
		}
		for _, s := range streams {
			rules = append(rules, []string{app.PackageName, s})
		}
	}
	if len(rules) > 0 {
		if _, err := e.AddPolicies(rules); err != nil {
			return nil, fmt.Errorf("add catalog policies: %w", err)
		}
	}
	return newChecker(e, log), nil
}

func newChecker(e *casbin.SyncedEnforcer, log *zap.Logger) *Checker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Checker{enforcer: e, log: log.Named("permissions")}
}

// Allowed reports whether packageName may receive sub. The canonical form
// is checked first, then the bare stream name.
func (c *Checker) Allowed(packageName string, sub subscription.Subscription) bool {
	objects := []string{sub.String()}
	if bare := string(sub.Stream); bare != objects[0] {
		objects = append(objects, bare)
	}
	for _, obj := range objects {
		ok, err := c.enforcer.Enforce(packageName, obj)
		if err != nil {
			c.log.Warn("permission check failed",
				zap.String("package", packageName),
				zap.String("stream", obj),
				zap.Error(err))
			return false
		}
		if ok {
			return true
		}
	}
	c.denied.Add(1)
	c.log.Debug("subscription denied",
		zap.String("package", packageName),
		zap.String("stream", sub.String()))
	return false
}

// Grant adds a rule at runtime
func (c *Checker) Grant(packageName, stream string) error {
	_, err := c.enforcer.AddPolicy(packageName, stream)
	return err
}

// Revoke removes a rule at runtime
func (c *Checker) Revoke(packageName, stream string) error {
	_, err := c.enforcer.RemovePolicy(packageName, stream)
	return err
}

// Reload re-reads the policy from its adapter
func (c *Checker) Reload() error {
	return c.enforcer.LoadPolicy()
}

// Rules lists every policy line as [package, stream]
func (c *Checker) Rules() ([][]string, error) {
	return c.enforcer.GetPolicy()
}

// Denied counts rejected subscriptions since start
func (c *Checker) Denied() uint64 {
	return c.denied.Load()
}

// AllowAll permits every subscription
type AllowAll struct{}

// Allowed always returns true
func (AllowAll) Allowed(string, subscription.Subscription) bool { return true }
