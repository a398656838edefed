package catalog

import (
	"context"
	"errors"
	"fmt"

	"healthtree/internal/domain"
	"healthtree/internal/engine"
)

// ErrEnvironmentNotFound indicates environment absent from catalog.
var ErrEnvironmentNotFound = errors.New("environment not found")

// Repository is storage collaborator that supplies trees, rules, and deployments.
// Params: environment name for tree lookups and environment element id for rule lookups.
// Returns: catalog data used to build and refresh environment engines.
type Repository interface {
	ListEnvironments(ctx context.Context) ([]string, error)
	LoadEnvironmentTree(ctx context.Context, name string) (domain.Environment, error)
	LoadChecks(ctx context.Context, name string) (map[string]domain.Check, error)
	LoadActiveIgnoreRules(ctx context.Context, environmentID string) ([]domain.IgnoreRule, error)
	LoadActiveNotificationRules(ctx context.Context, environmentID string) ([]domain.NotificationRule, error)
	LoadActiveStateIncreaseRules(ctx context.Context, environmentID string) ([]domain.StateIncreaseRule, error)
	LoadCurrentAndFutureDeployments(ctx context.Context, environmentID string) ([]domain.DeploymentWindow, error)
}

// Bundle is everything needed to build or refresh one environment engine.
type Bundle struct {
	Environment domain.Environment
	Rules       engine.Rules
	Deployments []domain.DeploymentWindow
}

// LoadBundle reads tree, active rules, and deployments of one environment.
// Params: repository and environment name.
// Returns: bundle or first loader error.
func LoadBundle(ctx context.Context, repo Repository, name string) (Bundle, error) {
	env, err := repo.LoadEnvironmentTree(ctx, name)
	if err != nil {
		return Bundle{}, err
	}
	ignore, err := repo.LoadActiveIgnoreRules(ctx, env.ElementID)
	if err != nil {
		return Bundle{}, fmt.Errorf("load ignore rules for %q: %w", name, err)
	}
	notification, err := repo.LoadActiveNotificationRules(ctx, env.ElementID)
	if err != nil {
		return Bundle{}, fmt.Errorf("load notification rules for %q: %w", name, err)
	}
	increase, err := repo.LoadActiveStateIncreaseRules(ctx, env.ElementID)
	if err != nil {
		return Bundle{}, fmt.Errorf("load state increase rules for %q: %w", name, err)
	}
	deployments, err := repo.LoadCurrentAndFutureDeployments(ctx, env.ElementID)
	if err != nil {
		return Bundle{}, fmt.Errorf("load deployments for %q: %w", name, err)
	}
	return Bundle{
		Environment: env,
		Rules: engine.Rules{
			Ignore:        ignore,
			Notification:  notification,
			StateIncrease: increase,
		},
		Deployments: deployments,
	}, nil
}
