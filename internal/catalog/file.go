package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"healthtree/internal/clock"
	"healthtree/internal/domain"

	"gopkg.in/yaml.v3"
)

// document is one YAML catalog document.
// Documents with environment define a tree and its scoped rules; documents without it carry shared rules.
type document struct {
	Environment        *domain.Environment        `yaml:"environment"`
	IgnoreRules        []domain.IgnoreRule        `yaml:"ignore_rules"`
	NotificationRules  []domain.NotificationRule  `yaml:"notification_rules"`
	StateIncreaseRules []domain.StateIncreaseRule `yaml:"state_increase_rules"`
	Deployments        []domain.DeploymentWindow  `yaml:"deployments"`
}

type catalogData struct {
	environments map[string]domain.Environment
	ignore       []domain.IgnoreRule
	notification []domain.NotificationRule
	increase     []domain.StateIncreaseRule
	deployments  []domain.DeploymentWindow
}

// FileRepository serves catalog from directory of YAML documents.
// Params: catalog dir and clock used for active/expiry filtering.
// Returns: Repository backed by last successfully parsed directory snapshot.
type FileRepository struct {
	dir   string
	clock clock.Clock

	mu   sync.RWMutex
	data catalogData
}

// NewFileRepository parses catalog directory.
// Params: directory path and clock (nil means real clock).
// Returns: repository or parse error.
func NewFileRepository(dir string, clk clock.Clock) (*FileRepository, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	repo := &FileRepository{dir: dir, clock: clk}
	if _, err := repo.Reload(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Dir returns catalog directory.
func (r *FileRepository) Dir() string {
	return r.dir
}

// Reload re-reads catalog directory and swaps snapshot on success.
// Params: none.
// Returns: environment names now in catalog or parse error (previous snapshot kept).
func (r *FileRepository) Reload() ([]string, error) {
	data, err := loadDir(r.dir)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.data = data
	r.mu.Unlock()
	return sortedNames(data.environments), nil
}

func loadDir(dir string) (catalogData, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return catalogData{}, fmt.Errorf("read catalog dir %q: %w", dir, err)
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if isCatalogFile(entry.Name()) {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)

	data := catalogData{environments: make(map[string]domain.Environment)}
	origins := make(map[string]string)
	for _, path := range files {
		docs, err := loadFile(path)
		if err != nil {
			return catalogData{}, err
		}
		for _, doc := range docs {
			if err := data.add(doc, path, origins); err != nil {
				return catalogData{}, err
			}
		}
	}
	return data, nil
}

func isCatalogFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// loadFile decodes every YAML document of one file.
func loadFile(path string) ([]document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file %q: %w", path, err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)

	var docs []document
	for {
		var doc document
		err := decoder.Decode(&doc)
		if errors.Is(err, io.EOF) {
			return docs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode catalog file %q: %w", path, err)
		}
		docs = append(docs, doc)
	}
}

// add merges one document; rules inside environment document default to its scope.
func (d *catalogData) add(doc document, path string, origins map[string]string) error {
	scope := ""
	if doc.Environment != nil {
		env := *doc.Environment
		env.Name = strings.TrimSpace(env.Name)
		if env.Name == "" {
			return domain.NewError(domain.KindConfiguration, "load catalog", fmt.Errorf("%s: environment name is required", path))
		}
		if strings.TrimSpace(env.ElementID) == "" {
			return domain.NewError(domain.KindConfiguration, "load catalog", fmt.Errorf("%s: environment %q element_id is required", path, env.Name))
		}
		if previous, ok := origins[env.Name]; ok {
			return domain.NewError(domain.KindConfiguration, "load catalog", fmt.Errorf("%s: environment %q already defined in %s", path, env.Name, previous))
		}
		origins[env.Name] = path
		d.environments[env.Name] = env
		scope = env.ElementID
	}

	for _, rule := range doc.IgnoreRules {
		if rule.EnvironmentID == "" {
			rule.EnvironmentID = scope
		}
		d.ignore = append(d.ignore, rule)
	}
	for _, rule := range doc.NotificationRules {
		if rule.EnvironmentID == "" {
			rule.EnvironmentID = scope
		}
		d.notification = append(d.notification, rule)
	}
	for _, rule := range doc.StateIncreaseRules {
		if rule.EnvironmentID == "" {
			rule.EnvironmentID = scope
		}
		d.increase = append(d.increase, rule)
	}
	for _, window := range doc.Deployments {
		if window.EnvironmentID == "" {
			window.EnvironmentID = scope
		}
		d.deployments = append(d.deployments, window)
	}
	return nil
}

func sortedNames(environments map[string]domain.Environment) []string {
	names := make([]string, 0, len(environments))
	for name := range environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// inScope reports whether rule scope covers environment (empty scope is global).
func inScope(ruleEnvironmentID, environmentID string) bool {
	return ruleEnvironmentID == "" || ruleEnvironmentID == environmentID
}

// ListEnvironments returns environment names sorted lexically.
func (r *FileRepository) ListEnvironments(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedNames(r.data.environments), nil
}

// LoadEnvironmentTree returns environment tree by name.
// Params: environment name.
// Returns: tree definition or ErrEnvironmentNotFound.
func (r *FileRepository) LoadEnvironmentTree(_ context.Context, name string) (domain.Environment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	env, ok := r.data.environments[name]
	if !ok {
		return domain.Environment{}, fmt.Errorf("%w: %q", ErrEnvironmentNotFound, name)
	}
	return env, nil
}

// LoadChecks returns check leaves of environment keyed by element id.
func (r *FileRepository) LoadChecks(ctx context.Context, name string) (map[string]domain.Check, error) {
	env, err := r.LoadEnvironmentTree(ctx, name)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.Check)
	for _, service := range env.Services {
		for _, action := range service.Actions {
			for _, component := range action.Components {
				for _, check := range component.Checks {
					out[check.ElementID] = check
				}
			}
		}
	}
	return out, nil
}

// LoadActiveIgnoreRules returns non-expired ignore rules in environment scope.
func (r *FileRepository) LoadActiveIgnoreRules(_ context.Context, environmentID string) ([]domain.IgnoreRule, error) {
	now := r.clock.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.IgnoreRule
	for _, rule := range r.data.ignore {
		if inScope(rule.EnvironmentID, environmentID) && !rule.Expired(now) {
			out = append(out, rule)
		}
	}
	return out, nil
}

// LoadActiveNotificationRules returns notification rules in environment scope.
func (r *FileRepository) LoadActiveNotificationRules(_ context.Context, environmentID string) ([]domain.NotificationRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.NotificationRule
	for _, rule := range r.data.notification {
		if inScope(rule.EnvironmentID, environmentID) {
			out = append(out, rule)
		}
	}
	return out, nil
}

// LoadActiveStateIncreaseRules returns enabled, non-expired escalation rules in environment scope.
func (r *FileRepository) LoadActiveStateIncreaseRules(_ context.Context, environmentID string) ([]domain.StateIncreaseRule, error) {
	now := r.clock.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.StateIncreaseRule
	for _, rule := range r.data.increase {
		if inScope(rule.EnvironmentID, environmentID) && rule.Active(now) {
			out = append(out, rule)
		}
	}
	return out, nil
}

// LoadCurrentAndFutureDeployments returns deployment windows that have not ended yet.
func (r *FileRepository) LoadCurrentAndFutureDeployments(_ context.Context, environmentID string) ([]domain.DeploymentWindow, error) {
	now := r.clock.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.DeploymentWindow
	for _, window := range r.data.deployments {
		if inScope(window.EnvironmentID, environmentID) && window.End.After(now) {
			out = append(out, window)
		}
	}
	return out, nil
}
