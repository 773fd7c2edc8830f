package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"featuregate/internal/domain"
	"featuregate/internal/engine"
	"featuregate/internal/repo"
)

var pipelineErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusTooManyRequests,
	http.StatusPaymentRequired,
	http.StatusFailedDependency,
	http.StatusBadGateway,
}

var gateErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
}

type proposalPath struct {
	ID string `path:"id"`
}

func registerProposals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/proposals",
		Summary:     "List proposals",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Stage    string `query:"stage"`
		Category string `query:"category"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Proposal `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListProposals(ctx, repo.ProposalFilters{
			Stage:    domain.Stage(input.Stage),
			Category: input.Category,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Proposal `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposal",
		Method:      http.MethodGet,
		Path:        "/proposals/{id}",
		Summary:     "Get proposal with bundle, validations and approvals",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *proposalPath) (*struct {
		Body domain.ProposalDetail `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		detail, err := e.GetProposal(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProposalDetail `json:"body"`
		}{Body: detail}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-proposal",
		Method:        http.MethodPost,
		Path:          "/proposals",
		Summary:       "Create a proposal manually",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateProposalRequest `json:"body"`
	}) (*struct {
		Body domain.Proposal `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProposal(ctx, engine.ProposalInput{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Priority:    input.Body.Priority,
			Category:    input.Body.Category,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Proposal `json:"body"`
		}{Body: p}, nil
	})
}

func registerPipeline(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "synthesize-proposals",
		Method:      http.MethodPost,
		Path:        "/proposals/synthesize",
		Summary:     "Synthesize proposals from recent discussion",
		Errors:      pipelineErrors,
	}, func(ctx context.Context, input *struct {
		Body SynthesizeRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.SynthesisSummary `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		summary, err := e.SynthesizeProposals(ctx, engine.SynthesisOptions{
			Days:     input.Body.Days,
			MaxItems: input.Body.MaxItems,
			DryRun:   input.Body.DryRun,
			Provider: input.Body.Provider,
			Model:    input.Body.Model,
			ActorID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SynthesisSummary `json:"body"`
		}{Body: summary}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "generate-code",
		Method:      http.MethodPost,
		Path:        "/proposals/{id}/generate",
		Summary:     "Generate the code bundle for a proposal",
		Errors:      pipelineErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body ProviderOverrideRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.CodeBundle `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.GenerateOptions{
			ProposalID: input.ID,
			ActorID:    actorID,
			Provider:   input.Body.Provider,
			Model:      input.Body.Model,
		}
		bundle, err := e.GenerateCode(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CodeBundle `json:"body"`
		}{Body: bundle}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-code",
		Method:      http.MethodPost,
		Path:        "/proposals/{id}/validate",
		Summary:     "Validate the generated code bundle",
		Errors:      pipelineErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body ProviderOverrideRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.ValidationSummary `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ValidateOptions{
			ProposalID: input.ID,
			ActorID:    actorID,
			Provider:   input.Body.Provider,
			Model:      input.Body.Model,
		}
		summary, err := e.ValidateCode(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ValidationSummary `json:"body"`
		}{Body: summary}, nil
	})
}

func registerGate(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "approve-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{id}/approve",
		Summary:     "Record an admin approval",
		Errors:      gateErrors,
	}, func(ctx context.Context, input *proposalPath) (*struct {
		Body engine.ApprovalResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RecordApproval(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ApprovalResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{id}/reject",
		Summary:     "Reject a proposal",
		Errors:      gateErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body RejectRequest `json:"body"`
	}) (*struct {
		Body domain.Proposal `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.RecordRejection(ctx, input.ID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Proposal `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "implement-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{id}/implement",
		Summary:     "Mark an approved proposal implemented",
		Errors:      gateErrors,
	}, func(ctx context.Context, input *proposalPath) (*struct {
		Body domain.Proposal `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.MarkImplemented(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Proposal `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "override-stage",
		Method:      http.MethodPost,
		Path:        "/proposals/{id}/override",
		Summary:     "Move a proposal between non-terminal stages",
		Errors:      gateErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body OverrideRequest `json:"body"`
	}) (*struct {
		Body domain.Proposal `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.OverrideStage(ctx, engine.OverrideOptions{
			ProposalID: input.ID,
			ActorID:    actorID,
			Stage:      domain.Stage(input.Body.Stage),
			Reason:     input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Proposal `json:"body"`
		}{Body: p}, nil
	})
}

func registerGovernance(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-governance",
		Method:      http.MethodGet,
		Path:        "/governance",
		Summary:     "Current approval threshold",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.GovernanceConfig `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		g, err := e.GetGovernance(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.GovernanceConfig `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-governance",
		Method:      http.MethodPut,
		Path:        "/governance",
		Summary:     "Set the approval threshold and cascade it",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body GovernanceRequest `json:"body"`
	}) (*struct {
		Body engine.GovernanceResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.SetRequiredApprovals(ctx, input.Body.RequiredApprovals, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.GovernanceResult `json:"body"`
		}{Body: res}, nil
	})
}
