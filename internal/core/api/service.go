// Package api provides the gRPC admin service for rule sets and quarantine.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sandonleejacobs/rulestream/internal/control"
	"github.com/sandonleejacobs/rulestream/internal/deadletter"
	"github.com/sandonleejacobs/rulestream/internal/types"
)

// AdminService implements AdminServer.
// Thin orchestration layer delegating to the control plane and the
// quarantine destination.
type AdminService struct {
	plane  *control.Plane
	stats  deadletter.StatsSource
	logger *slog.Logger
}

var _ AdminServer = (*AdminService)(nil)

// NewAdminService creates the service. stats may be nil when the configured
// quarantine destination cannot report its contents.
func NewAdminService(plane *control.Plane, stats deadletter.StatsSource, logger *slog.Logger) (*AdminService, error) {
	if plane == nil {
		return nil, fmt.Errorf("plane cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminService{
		plane:  plane,
		stats:  stats,
		logger: logger.With("component", "admin"),
	}, nil
}

// ProposeRuleSet validates and activates a rule set. A rejected proposal is
// answered with Accepted=false and the full list of issues.
func (s *AdminService) ProposeRuleSet(ctx context.Context, req *ProposeRuleSetRequest) (*ProposeRuleSetResponse, error) {
	if req.Subject == "" {
		return nil, invalidArgument("subject required")
	}
	proposed, err := ToRules(req.Rules)
	if err != nil {
		return nil, invalidArgument("%v", err)
	}
	stored, err := s.plane.ProposeRuleSet(ctx, types.Subject(req.Subject), proposed)
	return s.activation(req.Subject, stored, err)
}

// ReactivateRuleSet activates the rules of a stored version as a new version.
func (s *AdminService) ReactivateRuleSet(ctx context.Context, req *ReactivateRuleSetRequest) (*ProposeRuleSetResponse, error) {
	if req.Subject == "" {
		return nil, invalidArgument("subject required")
	}
	if req.Version <= 0 {
		return nil, invalidArgument("version must be positive")
	}
	stored, err := s.plane.Reactivate(ctx, types.Subject(req.Subject), req.Version)
	return s.activation(req.Subject, stored, err)
}

func (s *AdminService) activation(subject string, stored *types.RuleSet, err error) (*ProposeRuleSetResponse, error) {
	var verrs types.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		return &ProposeRuleSetResponse{Errors: issues(verrs)}, nil
	case err != nil:
		s.logger.Error("activation failed", "subject", subject, "error", err)
		return nil, toStatus(err)
	}
	return &ProposeRuleSetResponse{Accepted: true, Version: stored.Version}, nil
}

// GetActiveRuleSet returns the active rule set of a subject.
func (s *AdminService) GetActiveRuleSet(ctx context.Context, req *GetActiveRuleSetRequest) (*GetActiveRuleSetResponse, error) {
	if req.Subject == "" {
		return nil, invalidArgument("subject required")
	}
	rs, err := s.plane.GetActiveRuleSet(ctx, types.Subject(req.Subject))
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetActiveRuleSetResponse{RuleSet: FromRuleSet(rs)}, nil
}

// ListRuleSetVersions returns the version history of a subject.
func (s *AdminService) ListRuleSetVersions(ctx context.Context, req *ListRuleSetVersionsRequest) (*ListRuleSetVersionsResponse, error) {
	if req.Subject == "" {
		return nil, invalidArgument("subject required")
	}
	versions, err := s.plane.ListVersions(ctx, types.Subject(req.Subject))
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListRuleSetVersionsResponse{Versions: versions}, nil
}

// GetQuarantineStats summarises the quarantine destination of a subject.
func (s *AdminService) GetQuarantineStats(ctx context.Context, req *GetQuarantineStatsRequest) (*GetQuarantineStatsResponse, error) {
	if req.Subject == "" {
		return nil, invalidArgument("subject required")
	}
	if s.stats == nil {
		return nil, status.Error(codes.Unimplemented, "quarantine destination does not report stats")
	}
	stats, err := s.stats.Stats(ctx, types.Subject(req.Subject))
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetQuarantineStatsResponse{Stats: stats}, nil
}
