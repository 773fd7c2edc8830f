package engine

import (
	"context"
	"net/url"
	"strings"

	"featuregate/internal/domain"
	"featuregate/internal/events"
	"featuregate/internal/fault"
)

// ProviderInput creates or updates a stored provider. An empty APIKey keeps
// the stored credential; a nil Active leaves new providers active.
type ProviderInput struct {
	Name         string
	APIKey       string
	DefaultModel string
	BaseURL      string
	Active       *bool
}

func (e Engine) UpsertProvider(ctx context.Context, in ProviderInput, actorID string) (domain.ProviderConfig, error) {
	if err := e.requireAdmin(ctx, actorID); err != nil {
		return domain.ProviderConfig{}, err
	}
	name := strings.ToLower(strings.TrimSpace(in.Name))
	ep, ok := e.Catalog.Lookup(name)
	if !ok {
		return domain.ProviderConfig{}, fault.New(fault.KindInvalidInput, "unknown provider %q (known: %s)", in.Name, strings.Join(e.Catalog.Names(), ", "))
	}
	if in.BaseURL != "" {
		u, err := url.Parse(in.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return domain.ProviderConfig{}, fault.New(fault.KindInvalidInput, "base_url must be an absolute URL")
		}
	}
	existing, getErr := e.Repo.GetProviderConfig(ctx, name)
	exists := getErr == nil
	if getErr != nil && fault.KindOf(getErr) != fault.KindNotFound {
		return domain.ProviderConfig{}, getErr
	}
	now := e.ts()
	pc := domain.ProviderConfig{
		Name:         name,
		APIKey:       strings.TrimSpace(in.APIKey),
		DefaultModel: strings.TrimSpace(in.DefaultModel),
		BaseURL:      strings.TrimSpace(in.BaseURL),
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if exists {
		pc.IsActive = existing.IsActive
		if pc.DefaultModel == "" {
			pc.DefaultModel = existing.DefaultModel
		}
		if pc.BaseURL == "" {
			pc.BaseURL = existing.BaseURL
		}
	}
	if pc.DefaultModel == "" {
		pc.DefaultModel = ep.DefaultModel
	}
	if in.Active != nil {
		pc.IsActive = *in.Active
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProviderConfig{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertProviderConfig(ctx, tx, pc); err != nil {
		return domain.ProviderConfig{}, err
	}
	if err := e.events().Append(ctx, tx, events.ProviderUpdated, "provider", name, actorID, events.EventPayload{
		"default_model": pc.DefaultModel, "is_active": pc.IsActive, "key_changed": pc.APIKey != "",
	}); err != nil {
		return domain.ProviderConfig{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProviderConfig{}, err
	}
	return e.redactedProvider(ctx, name)
}

func (e Engine) redactedProvider(ctx context.Context, name string) (domain.ProviderConfig, error) {
	pc, err := e.Repo.GetProviderConfig(ctx, name)
	pc.APIKey = ""
	return pc, err
}

// ListProviders returns stored providers with credentials removed.
func (e Engine) ListProviders(ctx context.Context, actorID string) ([]domain.ProviderConfig, error) {
	if err := e.requireAdmin(ctx, actorID); err != nil {
		return nil, err
	}
	list, err := e.Repo.ListProviderConfigs(ctx)
	if err != nil {
		return nil, err
	}
	for i := range list {
		list[i].APIKey = ""
	}
	if list == nil {
		list = []domain.ProviderConfig{}
	}
	return list, nil
}

// SetDefaultProvider makes name the only default provider.
func (e Engine) SetDefaultProvider(ctx context.Context, name, actorID string) (domain.ProviderConfig, error) {
	if err := e.requireAdmin(ctx, actorID); err != nil {
		return domain.ProviderConfig{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProviderConfig{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetDefaultProvider(ctx, tx, name, e.ts()); err != nil {
		return domain.ProviderConfig{}, err
	}
	if err := e.events().Append(ctx, tx, events.ProviderUpdated, "provider", name, actorID, events.EventPayload{"is_default": true}); err != nil {
		return domain.ProviderConfig{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProviderConfig{}, err
	}
	return e.redactedProvider(ctx, name)
}

func (e Engine) SetProviderActive(ctx context.Context, name string, active bool, actorID string) (domain.ProviderConfig, error) {
	if err := e.requireAdmin(ctx, actorID); err != nil {
		return domain.ProviderConfig{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProviderConfig{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetProviderActive(ctx, tx, name, active, e.ts()); err != nil {
		return domain.ProviderConfig{}, err
	}
	if err := e.events().Append(ctx, tx, events.ProviderUpdated, "provider", name, actorID, events.EventPayload{"is_active": active}); err != nil {
		return domain.ProviderConfig{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProviderConfig{}, err
	}
	return e.redactedProvider(ctx, name)
}

func (e Engine) DeleteProvider(ctx context.Context, name, actorID string) error {
	if err := e.requireAdmin(ctx, actorID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteProviderConfig(ctx, tx, name); err != nil {
		return err
	}
	if err := e.events().Append(ctx, tx, events.ProviderDeleted, "provider", name, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}
