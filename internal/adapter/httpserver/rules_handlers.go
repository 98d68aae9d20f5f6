package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/zoo-event-hub/internal/domain"
)

type ruleMatchDTO struct {
	Source *string `json:"source"`
	Type   *string `json:"type"`
}

type ruleActionDTO struct {
	Kind    string         `json:"kind" validate:"required,oneof=EMAIL WEBHOOK"`
	Config  map[string]any `json:"config"`
	OrderNo int            `json:"orderNo"`
}

type createRuleRequest struct {
	Name    string          `json:"name" validate:"required"`
	Enabled *bool           `json:"enabled"`
	Match   ruleMatchDTO    `json:"match"`
	Actions []ruleActionDTO `json:"actions" validate:"dive"`
}

type updateRuleRequest struct {
	Name    *string          `json:"name"`
	Enabled *bool            `json:"enabled"`
	Match   *ruleMatchDTO    `json:"match"`
	Actions *[]ruleActionDTO `json:"actions" validate:"omitempty,dive"`
}

type ruleResponse struct {
	RuleID  string          `json:"ruleId"`
	Name    string          `json:"name"`
	Enabled bool            `json:"enabled"`
	Match   ruleMatchDTO    `json:"match"`
	Actions []ruleActionDTO `json:"actions"`
}

// CreateRuleHandler creates a rule with its ordered actions.
func (s *Server) CreateRuleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createRuleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		enabled := true
		if req.Enabled != nil {
			enabled = *req.Enabled
		}
		rule := domain.Rule{
			Name:    req.Name,
			Enabled: enabled,
			Match:   domain.RuleMatch{Source: req.Match.Source, Type: req.Match.Type},
			Actions: actionsFromDTO(req.Actions),
		}
		id, err := s.Rules.Create(r.Context(), rule)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"ruleId": id, "enabled": enabled})
	}
}

// ListRulesHandler lists rules with actions, optionally filtered by the
// enabled query parameter.
func (s *Server) ListRulesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var enabled *bool
		if v := r.URL.Query().Get("enabled"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: enabled must be a bool", domain.ErrInvalidArgument), nil)
				return
			}
			enabled = &b
		}
		rules, err := s.Rules.List(r.Context(), enabled)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		items := make([]ruleResponse, 0, len(rules))
		for _, rule := range rules {
			items = append(items, ruleToResponse(rule))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	}
}

// UpdateRuleHandler applies a partial update; when actions are provided the
// whole action list is replaced.
func (s *Server) UpdateRuleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req updateRuleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		rule, err := s.Rules.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if req.Name != nil {
			rule.Name = *req.Name
		}
		if req.Enabled != nil {
			rule.Enabled = *req.Enabled
		}
		if req.Match != nil {
			if req.Match.Source != nil {
				rule.Match.Source = req.Match.Source
			}
			if req.Match.Type != nil {
				rule.Match.Type = req.Match.Type
			}
		}
		replaceActions := false
		if req.Actions != nil {
			rule.Actions = actionsFromDTO(*req.Actions)
			replaceActions = true
		}
		if err := s.Rules.Update(r.Context(), rule, replaceActions); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ruleId": id, "enabled": rule.Enabled})
	}
}

func actionsFromDTO(dtos []ruleActionDTO) []domain.RuleAction {
	actions := make([]domain.RuleAction, 0, len(dtos))
	for _, a := range dtos {
		config := a.Config
		if config == nil {
			config = map[string]any{}
		}
		actions = append(actions, domain.RuleAction{Kind: domain.ActionKind(a.Kind), Config: config, OrderNo: a.OrderNo})
	}
	return actions
}

func ruleToResponse(rule domain.Rule) ruleResponse {
	actions := make([]ruleActionDTO, 0, len(rule.Actions))
	for _, a := range rule.Actions {
		actions = append(actions, ruleActionDTO{Kind: string(a.Kind), Config: a.Config, OrderNo: a.OrderNo})
	}
	return ruleResponse{
		RuleID:  rule.ID,
		Name:    rule.Name,
		Enabled: rule.Enabled,
		Match:   ruleMatchDTO{Source: rule.Match.Source, Type: rule.Match.Type},
		Actions: actions,
	}
}
