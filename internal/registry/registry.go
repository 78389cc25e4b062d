// Package registry maps requested version tokens to environment provisioning
// specs. The table mirrors the published protocol-API → robot-stack mapping;
// only stacks 8.0.0 and up are supported.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// LatestAlias is the non-pinned version token tracking the newest published
// alpha build. Its concrete install spec may change while the process runs.
const LatestAlias = "latest"

const evalPackage = "opentrons"

// defaultLatestSpec is the alias target shipped with this build. Deployments
// override it via environments.latest_spec or retarget it at runtime.
const defaultLatestSpec = evalPackage + "==8.8.0a9"

// ProvisioningSpec describes how to build one version-pinned environment.
type ProvisioningSpec struct {
	// Name is the environment directory name, e.g. "opentrons-8.7.0".
	Name string
	// PythonVersion is the interpreter requirement for the environment.
	PythonVersion string
	// InstallSpecs are pip install specifications, applied in order.
	InstallSpecs []string
}

// NotFoundError reports an unknown version token along with the valid set.
type NotFoundError struct {
	Token string
	Valid []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("unsupported version token %q (supported: %s)",
		e.Token, strings.Join(e.Valid, ", "))
}

// Registry resolves version tokens to provisioning specs. Literal tokens are
// fixed for the process lifetime; the "latest" alias is re-read on every
// Resolve and may yield different pins across calls.
type Registry struct {
	mu         sync.RWMutex
	pins       map[string]string // token -> install spec
	latestSpec string
}

// apiVersionToStack maps protocol-API versions to robot stack version tokens.
var apiVersionToStack = map[string]string{
	"2.20": "8.0.0",
	"2.21": "8.2.0",
	"2.22": "8.3.0",
	"2.23": "8.4.0",
	"2.24": "8.5.0",
	"2.25": "8.6.0",
	"2.26": "8.7.0",
	"2.27": LatestAlias,
}

func builtinPins() map[string]string {
	pins := make(map[string]string)
	for _, stack := range []string{"8.0.0", "8.2.0", "8.3.0", "8.4.0", "8.5.0", "8.6.0", "8.7.0"} {
		pins[stack] = fmt.Sprintf("%s==%s", evalPackage, stack)
	}
	return pins
}

// New returns a Registry with the built-in version table. latestSpec overrides
// the alias target when non-empty; extraPins add or override literal tokens.
func New(latestSpec string, extraPins map[string]string) *Registry {
	pins := builtinPins()
	for token, spec := range extraPins {
		pins[token] = spec
	}
	if latestSpec == "" {
		latestSpec = defaultLatestSpec
	}
	return &Registry{pins: pins, latestSpec: latestSpec}
}

// Resolve returns the provisioning spec for a version token. The alias target
// is read at call time; callers that need a stable pin must hold on to the
// returned spec rather than resolving again.
func (r *Registry) Resolve(token string) (ProvisioningSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if token == LatestAlias {
		return ProvisioningSpec{
			Name:          evalPackage + "-" + LatestAlias,
			PythonVersion: "3.10",
			InstallSpecs:  []string{r.latestSpec},
		}, nil
	}

	spec, ok := r.pins[token]
	if !ok {
		return ProvisioningSpec{}, &NotFoundError{Token: token, Valid: r.tokensLocked()}
	}
	return ProvisioningSpec{
		Name:          evalPackage + "-" + token,
		PythonVersion: "3.10",
		InstallSpecs:  []string{spec},
	}, nil
}

// RetargetLatest changes what the "latest" alias resolves to. Environments
// already provisioned for the alias keep their pinned spec.
func (r *Registry) RetargetLatest(installSpec string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latestSpec = installSpec
}

// Tokens returns the sorted set of valid version tokens, alias included.
func (r *Registry) Tokens() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tokensLocked()
}

func (r *Registry) tokensLocked() []string {
	tokens := make([]string, 0, len(r.pins)+1)
	for token := range r.pins {
		tokens = append(tokens, token)
	}
	tokens = append(tokens, LatestAlias)
	sort.Strings(tokens)
	return tokens
}

// StackForAPIVersion maps a protocol-API version (e.g. "2.26") to the version
// token that evaluates it.
func StackForAPIVersion(apiVersion string) (string, bool) {
	stack, ok := apiVersionToStack[apiVersion]
	return stack, ok
}

// APIVersionMap returns a copy of the protocol-API → version-token table.
func APIVersionMap() map[string]string {
	out := make(map[string]string, len(apiVersionToStack))
	for k, v := range apiVersionToStack {
		out[k] = v
	}
	return out
}
