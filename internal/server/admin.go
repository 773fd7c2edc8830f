package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"featuregate/internal/domain"
	"featuregate/internal/engine"
)

var adminErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
}

type providerPath struct {
	Name string `path:"name"`
}

func registerProviders(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-providers",
		Method:      http.MethodGet,
		Path:        "/providers",
		Summary:     "List stored providers (keys redacted) and registered adapters",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProviderListResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListProviders(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ProviderListResponse{Providers: nonNilSlice(items), Available: []string{}}
		if e.Catalog != nil {
			resp.Available = e.Catalog.Names()
		}
		return &struct {
			Body ProviderListResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upsert-provider",
		Method:      http.MethodPut,
		Path:        "/providers/{name}",
		Summary:     "Create or update a provider",
		Errors:      adminErrors,
	}, func(ctx context.Context, input *struct {
		Name string                `path:"name"`
		Body UpsertProviderRequest `json:"body"`
	}) (*struct {
		Body domain.ProviderConfig `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.UpsertProvider(ctx, engine.ProviderInput{
			Name:         input.Name,
			APIKey:       input.Body.APIKey,
			DefaultModel: input.Body.DefaultModel,
			BaseURL:      input.Body.BaseURL,
			Active:       input.Body.IsActive,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProviderConfig `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-default-provider",
		Method:      http.MethodPost,
		Path:        "/providers/{name}/default",
		Summary:     "Make a provider the default",
		Errors:      adminErrors,
	}, func(ctx context.Context, input *providerPath) (*struct {
		Body domain.ProviderConfig `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.SetDefaultProvider(ctx, input.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProviderConfig `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-provider-active",
		Method:      http.MethodPost,
		Path:        "/providers/{name}/active",
		Summary:     "Activate or deactivate a provider",
		Errors:      adminErrors,
	}, func(ctx context.Context, input *struct {
		Name string                `path:"name"`
		Body ProviderActiveRequest `json:"body"`
	}) (*struct {
		Body domain.ProviderConfig `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.SetProviderActive(ctx, input.Name, input.Body.Active, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProviderConfig `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-provider",
		Method:        http.MethodDelete,
		Path:          "/providers/{name}",
		Summary:       "Delete a provider",
		DefaultStatus: http.StatusNoContent,
		Errors:        adminErrors,
	}, func(ctx context.Context, input *providerPath) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteProvider(ctx, input.Name, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDiscussions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "ingest-discussions",
		Method:      http.MethodPost,
		Path:        "/discussions",
		Summary:     "Ingest exported forum discussions",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body IngestDiscussionsRequest `json:"body"`
	}) (*struct {
		Body IngestResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.IngestDiscussions(ctx, discussionItems(input.Body.Items), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IngestResponse `json:"body"`
		}{Body: IngestResponse{Ingested: n}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal and roles",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.WhoAmI `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		who, err := e.WhoAmI(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.WhoAmI `json:"body"`
		}{Body: who}, nil
	})

	for _, op := range []struct {
		id, path, summary string
		apply             func(ctx context.Context, actorID, target, role string) error
	}{
		{"grant-role", "/rbac/roles/grant", "Grant role", e.GrantRole},
		{"revoke-role", "/rbac/roles/revoke", "Revoke role", e.RevokeRole},
	} {
		apply := op.apply
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        op.path,
			Summary:     op.summary,
			Errors:      adminErrors,
		}, func(ctx context.Context, input *struct {
			Body RoleChangeRequest `json:"body"`
		}) (*struct{}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			if err := apply(ctx, actorID, input.Body.ActorID, input.Body.RoleID); err != nil {
				return nil, handleError(err)
			}
			return &struct{}{}, nil
		})
	}
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List the caller's API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: nonNilSlice(keys)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Issue an API key; the secret is only returned once",
		DefaultStatus: http.StatusCreated,
		Errors:        adminErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body" required:"false"`
	}) (*struct {
		Body CreatedAPIKeyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, secret, err := e.CreateAPIKey(ctx, actorID, strings.TrimSpace(input.Body.ActorID), input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreatedAPIKeyResponse `json:"body"`
		}{Body: CreatedAPIKeyResponse{Key: key, Secret: secret}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/apikeys/{id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        adminErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeAPIKey(ctx, actorID, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

const devTokenTTL = 12 * time.Hour

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, devTokenTTL)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}
