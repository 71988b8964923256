package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"guardline/internal/escrow"
	"guardline/internal/governor"
	"guardline/internal/governor/limits"
	"guardline/internal/guardrail"
	"guardline/internal/repo"
)

// Deps bundles the engine components the API exposes.
type Deps struct {
	Repo     repo.Repo
	Governor *governor.Governor
	Tracker  *limits.Tracker
	Pipeline *guardrail.Pipeline
	Escrow   *escrow.Engine
}

// Config for the HTTP API handler.
type Config struct {
	Deps     Deps
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"replay_rejected"`
	Message string         `json:"message" example:"request id already used"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Guardline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the required envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Deps.Repo))
	hcfg := huma.DefaultConfig("Guardline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerActions(group, cfg.Deps)
	registerDecisions(group, cfg.Deps)
	registerLimits(group, cfg.Deps)
	registerEscrows(group, cfg.Deps)
	registerDisputes(group, cfg.Deps)
	registerHalts(group, cfg.Deps)
	registerAudit(group, cfg.Deps)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, escrow.ErrReplayRejected) {
		return newAPIError(http.StatusConflict, "replay_rejected", err.Error(), nil)
	}
	if errors.Is(err, escrow.ErrDeadlineExpired) {
		return newAPIError(http.StatusUnprocessableEntity, "deadline_expired", err.Error(), nil)
	}
	var te escrow.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"state": te.From, "trigger": te.Trigger})
	}
	var le limits.LimitError
	if errors.As(err, &le) {
		return newAPIError(http.StatusUnprocessableEntity, le.Code, le.Message, nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already bound"), strings.Contains(lowered, "already decided"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "signature"), strings.Contains(lowered, "mismatch"):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Guardline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerActions(api huma.API, d Deps) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-action",
		Method:        http.MethodPost,
		Path:          "/actions",
		Summary:       "Evaluate an action request",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Execute bool                `query:"execute" doc:"Run the approved action through the guardrail pipeline"`
		Body    SubmitActionRequest `json:"body"`
	}) (*struct {
		Body ExecuteResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.AgentID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "agent_id is required", nil)
		}
		if input.Body.ActionType == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "action_type is required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		req := input.Body.toDomain()
		if req.ID == "" {
			req.ID = uuid.New().String()
		}
		decision, err := d.Governor.Evaluate(ctx, req)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ExecuteResponse{Decision: decisionResponse(decision)}
		if input.Execute && decision.Approved() {
			outcome, err := d.Pipeline.Run(ctx, decision, req)
			if err != nil {
				return nil, handleError(err)
			}
			o := outcomeResponse(outcome)
			resp.Outcome = &o
		} else if err := d.Governor.ReleaseUnexecuted(ctx, decision, req); err != nil {
			// Evaluation-only callers never execute, so the gate 2 hold is
			// returned immediately instead of blocking the agent's pending slot.
			return nil, handleError(err)
		}
		return &struct {
			Body ExecuteResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-outcome",
		Method:      http.MethodGet,
		Path:        "/actions/{request_id}/outcome",
		Summary:     "Get guardrail outcome",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body OutcomeResponse `json:"body"`
	}, error) {
		o, err := d.Repo.GetOutcome(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OutcomeResponse `json:"body"`
		}{Body: outcomeResponse(o)}, nil
	})
}

func registerDecisions(api huma.API, d Deps) {
	huma.Register(api, huma.Operation{
		OperationID: "list-decisions",
		Method:      http.MethodGet,
		Path:        "/decisions",
		Summary:     "List decisions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		AgentID string `query:"agent_id"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body []DecisionResponse `json:"body"`
	}, error) {
		items, err := d.Repo.ListDecisions(ctx, input.AgentID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DecisionResponse `json:"body"`
		}{Body: mapDecisions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-decision",
		Method:      http.MethodGet,
		Path:        "/decisions/{request_id}",
		Summary:     "Get decision",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		dec, err := d.Repo.GetDecisionByRequest(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(dec)}, nil
	})
}

func registerLimits(api huma.API, d Deps) {
	huma.Register(api, huma.Operation{
		OperationID: "get-agent-limits",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/limits",
		Summary:     "Current limit counters for an agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body LimitStateResponse `json:"body"`
	}, error) {
		s, err := d.Tracker.State(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LimitStateResponse `json:"body"`
		}{Body: limitStateResponse(s)}, nil
	})
}

func registerEscrows(api huma.API, d Deps) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-escrow",
		Method:        http.MethodPost,
		Path:          "/escrows",
		Summary:       "Create escrow",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateEscrowRequest `json:"body"`
	}) (*struct {
		Body EscrowResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		esc, err := d.Escrow.Create(ctx, escrow.CreateOptions{
			RequestID:            input.Body.RequestID,
			ClientID:             input.Body.ClientID,
			WorkerID:             input.Body.WorkerID,
			Amount:               input.Body.Amount,
			Token:                input.Body.Token,
			ParentRequestID:      input.Body.ParentRequestID,
			ProofDeadline:        input.Body.ProofDeadline,
			VerificationDeadline: input.Body.VerificationDeadline,
			DisputeDeadline:      input.Body.DisputeDeadline,
			ActorID:              actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EscrowResponse `json:"body"`
		}{Body: escrowResponse(esc)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-split-escrow",
		Method:        http.MethodPost,
		Path:          "/escrows/split",
		Summary:       "Create a split payment group",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateSplitRequest `json:"body"`
	}) (*struct {
		Body SplitGroupResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		legs := make([]escrow.SplitLeg, 0, len(input.Body.Legs))
		for _, l := range input.Body.Legs {
			legs = append(legs, escrow.SplitLeg{RequestID: l.RequestID, WorkerID: l.WorkerID, Amount: l.Amount})
		}
		groupID, created, err := d.Escrow.CreateSplit(ctx, input.Body.ClientID, input.Body.Token, legs, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SplitGroupResponse `json:"body"`
		}{Body: SplitGroupResponse{GroupID: groupID, Legs: mapEscrows(created)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-escrows",
		Method:      http.MethodGet,
		Path:        "/escrows",
		Summary:     "List escrows",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		State string `query:"state"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EscrowResponse `json:"body"`
	}, error) {
		items, err := d.Repo.ListEscrows(ctx, input.State, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EscrowResponse `json:"body"`
		}{Body: mapEscrows(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-escrow",
		Method:      http.MethodGet,
		Path:        "/escrows/{request_id}",
		Summary:     "Get escrow",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body EscrowResponse `json:"body"`
	}, error) {
		esc, err := d.Escrow.Get(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EscrowResponse `json:"body"`
		}{Body: escrowResponse(esc)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-escrow-group",
		Method:      http.MethodGet,
		Path:        "/escrows/groups/{group_id}",
		Summary:     "Get split group legs",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GroupID string `path:"group_id"`
	}) (*struct {
		Body SplitGroupResponse `json:"body"`
	}, error) {
		legs, err := d.Repo.ListEscrowGroup(ctx, input.GroupID)
		if err != nil {
			return nil, handleError(err)
		}
		if len(legs) == 0 {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no escrows in group", nil)
		}
		return &struct {
			Body SplitGroupResponse `json:"body"`
		}{Body: SplitGroupResponse{GroupID: input.GroupID, Legs: mapEscrows(legs)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-deposit",
		Method:      http.MethodPost,
		Path:        "/escrows/{request_id}/deposit",
		Summary:     "Confirm escrow deposit",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string         `path:"request_id"`
		Body      DepositRequest `json:"body"`
	}) (*struct {
		Body EscrowResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		esc, err := d.Escrow.ConfirmDeposit(ctx, input.RequestID, input.Body.Amount, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EscrowResponse `json:"body"`
		}{Body: escrowResponse(esc)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-proof",
		Method:        http.MethodPost,
		Path:          "/escrows/{request_id}/proof",
		Summary:       "Submit proof of delivery",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string             `path:"request_id"`
		Body      SubmitProofRequest `json:"body"`
	}) (*struct {
		Body ProofResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		proof, err := d.Escrow.SubmitProof(ctx, input.RequestID, input.Body.DeliverableHash, input.Body.Signature, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProofResponse `json:"body"`
		}{Body: proofResponse(proof)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-proof",
		Method:      http.MethodPost,
		Path:        "/escrows/{request_id}/verify",
		Summary:     "Verify proof and release",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string             `path:"request_id"`
		Body      VerifyProofRequest `json:"body"`
	}) (*struct {
		Body EscrowResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		esc, err := d.Escrow.Verify(ctx, input.RequestID, input.Body.DeliverableHash, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EscrowResponse `json:"body"`
		}{Body: escrowResponse(esc)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "raise-dispute",
		Method:        http.MethodPost,
		Path:          "/escrows/{request_id}/dispute",
		Summary:       "Raise a dispute",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string              `path:"request_id"`
		Body      RaiseDisputeRequest `json:"body"`
	}) (*struct {
		Body DisputeResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		dis, err := d.Escrow.RaiseDispute(ctx, input.RequestID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DisputeResponse `json:"body"`
		}{Body: disputeResponse(dis)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-dispute",
		Method:      http.MethodPost,
		Path:        "/escrows/{request_id}/resolve",
		Summary:     "Apply an arbitration outcome",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string                `path:"request_id"`
		Body      ResolveDisputeRequest `json:"body"`
	}) (*struct {
		Body EscrowResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		esc, err := d.Escrow.Resolve(ctx, input.RequestID, input.Body.Outcome, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EscrowResponse `json:"body"`
		}{Body: escrowResponse(esc)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-escrows",
		Method:      http.MethodPost,
		Path:        "/escrows/sweep",
		Summary:     "Settle expired deadlines",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SweepResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		n, err := d.Escrow.Sweep(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SweepResponse `json:"body"`
		}{Body: SweepResponse{Settled: n}}, nil
	})
}

func registerDisputes(api huma.API, d Deps) {
	huma.Register(api, huma.Operation{
		OperationID: "list-open-disputes",
		Method:      http.MethodGet,
		Path:        "/disputes",
		Summary:     "List open disputes",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []DisputeResponse `json:"body"`
	}, error) {
		items, err := d.Repo.ListOpenDisputes(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]DisputeResponse, 0, len(items))
		for _, it := range items {
			out = append(out, disputeResponse(it))
		}
		return &struct {
			Body []DisputeResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerHalts(api huma.API, d Deps) {
	huma.Register(api, huma.Operation{
		OperationID: "list-halts",
		Method:      http.MethodGet,
		Path:        "/halts",
		Summary:     "List halted agents",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []HaltResponse `json:"body"`
	}, error) {
		items, err := d.Repo.ListHalts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]HaltResponse, 0, len(items))
		for _, h := range items {
			out = append(out, haltResponse(h))
		}
		return &struct {
			Body []HaltResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-halt",
		Method:      http.MethodDelete,
		Path:        "/halts/{agent_id}",
		Summary:     "Clear an agent halt",
		Errors: []int{
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := d.Pipeline.ResetHalt(ctx, input.AgentID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerAudit(api huma.API, d Deps) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit-events",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "List audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		AgentID    string `query:"agent_id"`
		EntityKind string `query:"entity_kind"`
		Limit      int    `query:"limit" default:"100"`
	}) (*struct {
		Body []AuditEventResponse `json:"body"`
	}, error) {
		items, err := d.Repo.ListAuditEvents(ctx, input.AgentID, input.EntityKind, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]AuditEventResponse, 0, len(items))
		for _, e := range items {
			out = append(out, auditEventResponse(e))
		}
		return &struct {
			Body []AuditEventResponse `json:"body"`
		}{Body: out}, nil
	})
}
