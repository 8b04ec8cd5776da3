package service

import (
	"context"

	"go.uber.org/zap"

	"tripsync/internal/domain"
	"tripsync/internal/duty"
	"tripsync/internal/repository"
)

// ComplianceService owns the conditions that gate trip actions regardless of
// stage: hours of service and the daily health and vehicle checks.
type ComplianceService struct {
	compliance repository.ComplianceRepository
	clock      *duty.Clock
	notifier   *NotificationService
	logger     *zap.Logger
}

// NewComplianceService creates a new ComplianceService.
func NewComplianceService(compliance repository.ComplianceRepository, clock *duty.Clock, notifier *NotificationService, logger *zap.Logger) *ComplianceService {
	return &ComplianceService{
		compliance: compliance,
		clock:      clock,
		notifier:   notifier,
		logger:     logger,
	}
}

// SetCompliance records today's health and vehicle check outcomes.
func (s *ComplianceService) SetCompliance(ctx context.Context, flags domain.ComplianceFlags) error {
	if err := s.compliance.Set(ctx, flags); err != nil {
		return err
	}
	s.logger.Info("compliance flags updated",
		zap.Bool("health_blocked", flags.HealthBlocked),
		zap.Bool("vehicle_blocked", flags.VehicleBlocked),
	)
	return nil
}

// Compliance returns today's health and vehicle check outcomes.
func (s *ComplianceService) Compliance(ctx context.Context) (domain.ComplianceFlags, error) {
	return s.compliance.Get(ctx)
}

// DutyStatus returns today's hours-of-service position.
func (s *ComplianceService) DutyStatus(ctx context.Context) (duty.Status, error) {
	return s.clock.Status(ctx)
}

// AddDriving records driving minutes and warns when a threshold is crossed.
func (s *ComplianceService) AddDriving(ctx context.Context, minutes int) (duty.Status, error) {
	before, err := s.clock.Status(ctx)
	if err != nil {
		return duty.Status{}, err
	}

	after, err := s.clock.AddDriving(ctx, minutes)
	if err != nil {
		return duty.Status{}, err
	}

	crossed := (after.Warning && !before.Warning) || (after.Exceeded && !before.Exceeded)
	if crossed && s.notifier != nil {
		_ = s.notifier.NotifyDutyWarning(ctx, after)
	}
	return after, nil
}

// Gates builds the gate flags for the state machine.
func (s *ComplianceService) Gates(ctx context.Context) (domain.Gates, error) {
	exceeded, err := s.clock.Exceeded(ctx)
	if err != nil {
		return domain.Gates{}, err
	}

	flags, err := s.compliance.Get(ctx)
	if err != nil {
		return domain.Gates{}, err
	}

	return domain.Gates{
		HOSExceeded:    exceeded,
		HealthBlocked:  flags.HealthBlocked,
		VehicleBlocked: flags.VehicleBlocked,
	}, nil
}
